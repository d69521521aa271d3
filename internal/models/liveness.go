package models

import "time"

// LivenessWindow is the maximum heartbeat age before a runner is considered
// offline. Agents heartbeat every 30 seconds, so the window leaves one full
// missed interval of margin.
const LivenessWindow = 60 * time.Second

// DeriveLiveness computes the effective runner state from the stored status
// hint and the last heartbeat timestamp.
//
// It is a pure function of its inputs:
//   - A zero lastSeenAt means the runner has never been seen: offline.
//   - Within the liveness window the runner is online, unless the stored
//     status is paused, in which case paused wins.
//   - Outside the window the runner is offline regardless of the stored
//     status string, because heartbeats can stop without a status update.
func DeriveLiveness(status RunnerStatus, lastSeenAt, now time.Time) RunnerStatus {
	if lastSeenAt.IsZero() {
		return RunnerOffline
	}
	if now.Sub(lastSeenAt) < LivenessWindow {
		if status == RunnerPaused {
			return RunnerPaused
		}
		return RunnerOnline
	}
	return RunnerOffline
}
