package models

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestDeriveLiveness(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	t.Run("never seen is offline", func(t *testing.T) {
		assert.Equal(t, RunnerOffline, DeriveLiveness(RunnerOnline, time.Time{}, now))
	})

	t.Run("recent heartbeat is online", func(t *testing.T) {
		assert.Equal(t, RunnerOnline, DeriveLiveness(RunnerOnline, now.Add(-30*time.Second), now))
	})

	t.Run("stale heartbeat overrides stored online", func(t *testing.T) {
		assert.Equal(t, RunnerOffline, DeriveLiveness(RunnerOnline, now.Add(-90*time.Second), now))
	})

	t.Run("stale heartbeat overrides stored paused", func(t *testing.T) {
		assert.Equal(t, RunnerOffline, DeriveLiveness(RunnerPaused, now.Add(-2*time.Minute), now))
	})

	t.Run("paused wins inside the window", func(t *testing.T) {
		assert.Equal(t, RunnerPaused, DeriveLiveness(RunnerPaused, now.Add(-10*time.Second), now))
	})

	t.Run("window boundary is exclusive", func(t *testing.T) {
		assert.Equal(t, RunnerOffline, DeriveLiveness(RunnerOnline, now.Add(-LivenessWindow), now))
		assert.Equal(t, RunnerOnline, DeriveLiveness(RunnerOnline, now.Add(-LivenessWindow+time.Millisecond), now))
	})

	t.Run("pure for fixed inputs", func(t *testing.T) {
		seen := now.Add(-45 * time.Second)
		first := DeriveLiveness(RunnerOnline, seen, now)
		second := DeriveLiveness(RunnerOnline, seen, now)
		assert.Equal(t, first, second)
	})
}

func TestOrderStatusTerminal(t *testing.T) {
	assert.False(t, OrderPending.Terminal())
	assert.False(t, OrderRunning.Terminal())
	assert.True(t, OrderCompleted.Terminal())
	assert.True(t, OrderFailed.Terminal())
	assert.True(t, OrderCancelled.Terminal())
}

func TestCapabilityReconciledView(t *testing.T) {
	infra := Infrastructure{
		Declared: CapabilityMap{"docker": CapabilityUnknown, "caddy": CapabilityInstalled},
		Observed: CapabilityMap{"docker": CapabilityInstalled},
	}

	state, ok := infra.Capability("docker")
	assert.True(t, ok)
	assert.Equal(t, CapabilityInstalled, state)

	state, ok = infra.Capability("caddy")
	assert.True(t, ok)
	assert.Equal(t, CapabilityInstalled, state)

	// Absent keys are never defaulted.
	_, ok = infra.Capability("node")
	assert.False(t, ok)
}
