package daemon

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/fleetdeck/fleetdeck/internal/db"
	"github.com/fleetdeck/fleetdeck/internal/models"
)

// Gating check keys, in evaluation order. Operators are told the first
// unmet gate rather than an undifferentiated failure.
const (
	GateHasInfra               = "has_infrastructure"
	GateHasRunner              = "has_runner"
	GateRunnerOnline           = "runner_online"
	GateDockerInstalled        = "docker_installed"
	GateDockerComposeInstalled = "docker_compose_installed"
	GateProxyReady             = "proxy_ready"
	GateCaddyVerified          = "caddy_verified"
)

// GatingResult is the composed prerequisite evaluation for installing a
// platform service on one infrastructure.
type GatingResult struct {
	Ready      bool
	Checks     []GatingCheck
	FirstUnmet string
	// CanInstallPrerequisites reports whether the closed gate is only the
	// docker family, i.e. an install order could open it.
	CanInstallPrerequisites bool
}

// GatingCheck is one named prerequisite and whether it is met.
type GatingCheck struct {
	Key string
	Met bool
}

// GatingEngine evaluates ordered prerequisite checks from facts already
// maintained elsewhere: the infrastructure's reconciled capability view, the
// derived liveness of its runners, and the route registry.
type GatingEngine struct {
	store *db.Store
	now   func() time.Time
}

func NewGatingEngine(store *db.Store) *GatingEngine {
	return &GatingEngine{store: store, now: time.Now}
}

// Evaluate computes the gating result for installing service on the
// infrastructure. service selects per-service extra checks; "caddy" (and
// services proxied through it) additionally require a verified route.
func (g *GatingEngine) Evaluate(ctx context.Context, infraID, service string) (GatingResult, error) {
	if g == nil || g.store == nil {
		return GatingResult{}, errors.New("gating engine unavailable")
	}

	var (
		infra    models.Infrastructure
		hasInfra bool
	)
	loaded, err := g.store.GetInfrastructure(ctx, infraID)
	switch {
	case err == nil:
		infra = loaded
		hasInfra = true
	case errors.Is(err, sql.ErrNoRows):
		hasInfra = false
	default:
		return GatingResult{}, err
	}

	var (
		hasRunner    bool
		runnerOnline bool
	)
	if hasInfra {
		runners, err := g.store.ListRunnersByInfrastructure(ctx, infraID)
		if err != nil {
			return GatingResult{}, err
		}
		hasRunner = len(runners) > 0
		now := g.now().UTC()
		for _, runner := range runners {
			if models.DeriveLiveness(runner.Status, runner.LastSeenAt, now) == models.RunnerOnline {
				runnerOnline = true
				break
			}
		}
	}

	dockerInstalled := capabilityInstalled(infra, "docker")
	composeInstalled := capabilityInstalled(infra, "docker_compose")

	proxyReady := false
	if hasInfra {
		proxyReady, err = g.store.HasReadyRoute(ctx, infraID)
		if err != nil {
			return GatingResult{}, err
		}
	}

	checks := []GatingCheck{
		{Key: GateHasInfra, Met: hasInfra},
		{Key: GateHasRunner, Met: hasRunner},
		{Key: GateRunnerOnline, Met: runnerOnline},
		{Key: GateDockerInstalled, Met: dockerInstalled},
		{Key: GateDockerComposeInstalled, Met: composeInstalled},
		{Key: GateProxyReady, Met: proxyReady},
	}
	if serviceNeedsCaddy(service) {
		checks = append(checks, GatingCheck{Key: GateCaddyVerified, Met: capabilityInstalled(infra, "caddy") && proxyReady})
	}

	result := GatingResult{Checks: checks, Ready: true}
	for _, check := range checks {
		if !check.Met {
			result.Ready = false
			result.FirstUnmet = check.Key
			break
		}
	}
	result.CanInstallPrerequisites = hasInfra && hasRunner && runnerOnline &&
		(!dockerInstalled || !composeInstalled)
	return result, nil
}

func capabilityInstalled(infra models.Infrastructure, key string) bool {
	state, ok := infra.Capability(key)
	return ok && state == models.CapabilityInstalled
}

func serviceNeedsCaddy(service string) bool {
	switch service {
	case "caddy", "supabase":
		return true
	default:
		return false
	}
}
