package daemon

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fleetdeck/fleetdeck/internal/db"
	"github.com/fleetdeck/fleetdeck/internal/models"
	testutil "github.com/fleetdeck/fleetdeck/internal/testing"
)

func newTestGatingEngine(store *db.Store) *GatingEngine {
	g := NewGatingEngine(store)
	g.now = func() time.Time { return testutil.FixedTime }
	return g
}

func observeCapabilities(t *testing.T, store *db.Store, infraID string, states map[string]models.CapabilityState) {
	t.Helper()
	observed := make(models.CapabilityMap, len(states))
	observedAt := make(map[string]time.Time, len(states))
	for key, state := range states {
		observed[key] = state
		observedAt[key] = testutil.FixedTime
	}
	require.NoError(t, store.UpdateInfrastructureObserved(context.Background(), infraID, observed, observedAt))
}

func seedReadyRoute(t *testing.T, store *db.Store, infraID, fullDomain string) {
	t.Helper()
	route := models.CaddyRoute{
		ID:               "route-" + fullDomain,
		InfrastructureID: infraID,
		Domain:           fullDomain,
		FullDomain:       fullDomain,
		BackendHost:      "127.0.0.1",
		BackendPort:      3000,
		BackendProtocol:  "http",
		HTTPSStatus:      models.HTTPSOK,
		CreatedAt:        testutil.FixedTime,
		UpdatedAt:        testutil.FixedTime,
	}
	require.NoError(t, store.CreateRoute(context.Background(), route))
}

func checkByKey(t *testing.T, result GatingResult, key string) GatingCheck {
	t.Helper()
	for _, check := range result.Checks {
		if check.Key == key {
			return check
		}
	}
	t.Fatalf("no gating check %q in %v", key, result.Checks)
	return GatingCheck{}
}

func TestGatingEngineEvaluate(t *testing.T) {
	ctx := context.Background()

	t.Run("fully provisioned infrastructure is ready", func(t *testing.T) {
		store := openTestStore(t)
		seedInfrastructure(t, store, "infra-1")
		seedRunner(t, store, "runner-1", strPtr("infra-1"))
		observeCapabilities(t, store, "infra-1", map[string]models.CapabilityState{
			"docker":         models.CapabilityInstalled,
			"docker_compose": models.CapabilityInstalled,
		})
		seedReadyRoute(t, store, "infra-1", "app.example.com")

		result, err := newTestGatingEngine(store).Evaluate(ctx, "infra-1", "n8n")
		require.NoError(t, err)
		assert.True(t, result.Ready)
		assert.Empty(t, result.FirstUnmet)
		assert.False(t, result.CanInstallPrerequisites)
		for _, check := range result.Checks {
			assert.True(t, check.Met, check.Key)
		}
	})

	t.Run("missing infrastructure fails the first gate", func(t *testing.T) {
		store := openTestStore(t)

		result, err := newTestGatingEngine(store).Evaluate(ctx, "infra-missing", "n8n")
		require.NoError(t, err)
		assert.False(t, result.Ready)
		assert.Equal(t, GateHasInfra, result.FirstUnmet)
		assert.False(t, result.CanInstallPrerequisites)
	})

	t.Run("infrastructure without runners", func(t *testing.T) {
		store := openTestStore(t)
		seedInfrastructure(t, store, "infra-1")

		result, err := newTestGatingEngine(store).Evaluate(ctx, "infra-1", "n8n")
		require.NoError(t, err)
		assert.Equal(t, GateHasRunner, result.FirstUnmet)
	})

	t.Run("stale runner fails the online gate", func(t *testing.T) {
		store := openTestStore(t)
		seedInfrastructure(t, store, "infra-1")
		runner := testutil.NewTestRunner(testutil.RunnerOpts{
			ID:               "runner-stale",
			Name:             "runner-stale",
			TokenHash:        "hash-stale",
			InfrastructureID: strPtr("infra-1"),
			Status:           models.RunnerOnline,
			LastSeenAt:       testutil.FixedTime.Add(-models.LivenessWindow * 2),
		})
		_, err := store.UpsertRunner(ctx, runner)
		require.NoError(t, err)

		result, err := newTestGatingEngine(store).Evaluate(ctx, "infra-1", "n8n")
		require.NoError(t, err)
		assert.Equal(t, GateRunnerOnline, result.FirstUnmet)
		assert.True(t, checkByKey(t, result, GateHasRunner).Met)
		assert.False(t, result.CanInstallPrerequisites)
	})

	t.Run("missing docker is installable", func(t *testing.T) {
		store := openTestStore(t)
		seedInfrastructure(t, store, "infra-1")
		seedRunner(t, store, "runner-1", strPtr("infra-1"))

		result, err := newTestGatingEngine(store).Evaluate(ctx, "infra-1", "n8n")
		require.NoError(t, err)
		assert.Equal(t, GateDockerInstalled, result.FirstUnmet)
		assert.True(t, result.CanInstallPrerequisites)
	})

	t.Run("docker without compose surfaces the compose gate", func(t *testing.T) {
		store := openTestStore(t)
		seedInfrastructure(t, store, "infra-1")
		seedRunner(t, store, "runner-1", strPtr("infra-1"))
		observeCapabilities(t, store, "infra-1", map[string]models.CapabilityState{
			"docker": models.CapabilityInstalled,
		})

		result, err := newTestGatingEngine(store).Evaluate(ctx, "infra-1", "n8n")
		require.NoError(t, err)
		assert.Equal(t, GateDockerComposeInstalled, result.FirstUnmet)
		assert.True(t, result.CanInstallPrerequisites)
	})

	t.Run("declared capability counts until observed contradicts it", func(t *testing.T) {
		store := openTestStore(t)
		infra := testutil.NewTestInfrastructure(testutil.InfraOpts{
			ID:   "infra-1",
			Name: "infra-1",
			Declared: models.CapabilityMap{
				"docker":         models.CapabilityInstalled,
				"docker_compose": models.CapabilityInstalled,
			},
		})
		require.NoError(t, store.CreateInfrastructure(ctx, infra))
		seedRunner(t, store, "runner-1", strPtr("infra-1"))
		seedReadyRoute(t, store, "infra-1", "app.example.com")

		engine := newTestGatingEngine(store)
		result, err := engine.Evaluate(ctx, "infra-1", "n8n")
		require.NoError(t, err)
		assert.True(t, result.Ready)

		observeCapabilities(t, store, "infra-1", map[string]models.CapabilityState{
			"docker": models.CapabilityNotInstalled,
		})
		result, err = engine.Evaluate(ctx, "infra-1", "n8n")
		require.NoError(t, err)
		assert.Equal(t, GateDockerInstalled, result.FirstUnmet)
	})

	t.Run("proxy gate requires a verified route", func(t *testing.T) {
		store := openTestStore(t)
		seedInfrastructure(t, store, "infra-1")
		seedRunner(t, store, "runner-1", strPtr("infra-1"))
		observeCapabilities(t, store, "infra-1", map[string]models.CapabilityState{
			"docker":         models.CapabilityInstalled,
			"docker_compose": models.CapabilityInstalled,
		})

		result, err := newTestGatingEngine(store).Evaluate(ctx, "infra-1", "n8n")
		require.NoError(t, err)
		assert.Equal(t, GateProxyReady, result.FirstUnmet)
		assert.False(t, result.CanInstallPrerequisites)
	})

	t.Run("supabase additionally requires verified caddy", func(t *testing.T) {
		store := openTestStore(t)
		seedInfrastructure(t, store, "infra-1")
		seedRunner(t, store, "runner-1", strPtr("infra-1"))
		observeCapabilities(t, store, "infra-1", map[string]models.CapabilityState{
			"docker":         models.CapabilityInstalled,
			"docker_compose": models.CapabilityInstalled,
		})
		seedReadyRoute(t, store, "infra-1", "app.example.com")

		engine := newTestGatingEngine(store)
		result, err := engine.Evaluate(ctx, "infra-1", "supabase")
		require.NoError(t, err)
		assert.Equal(t, GateCaddyVerified, result.FirstUnmet)

		observeCapabilities(t, store, "infra-1", map[string]models.CapabilityState{
			"caddy": models.CapabilityInstalled,
		})
		result, err = engine.Evaluate(ctx, "infra-1", "supabase")
		require.NoError(t, err)
		assert.True(t, result.Ready)
	})

	t.Run("plain services skip the caddy check", func(t *testing.T) {
		store := openTestStore(t)
		seedInfrastructure(t, store, "infra-1")

		result, err := newTestGatingEngine(store).Evaluate(ctx, "infra-1", "n8n")
		require.NoError(t, err)
		for _, check := range result.Checks {
			assert.NotEqual(t, GateCaddyVerified, check.Key)
		}
	})
}
