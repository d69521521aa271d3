package daemon

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fleetdeck/fleetdeck/internal/db"
	"github.com/fleetdeck/fleetdeck/internal/models"
	testutil "github.com/fleetdeck/fleetdeck/internal/testing"
)

func newTestCapabilityEngine(t *testing.T, store *db.Store) *CapabilityEngine {
	t.Helper()
	e := NewCapabilityEngine(store, nil, nil, nil)
	e.now, _ = fixedClock(testutil.FixedTime)
	return e
}

func completedDetectionOrder(id, runnerID string, infraID *string, result string) models.Order {
	return models.Order{
		ID:               id,
		RunnerID:         runnerID,
		InfrastructureID: infraID,
		Category:         models.OrderDetection,
		Status:           models.OrderCompleted,
		ResultJSON:       result,
	}
}

func TestCapabilityEngineReconciles(t *testing.T) {
	ctx := context.Background()

	t.Run("observed capabilities land on infrastructure and runner", func(t *testing.T) {
		store := openTestStore(t)
		seedInfrastructure(t, store, "infra-1")
		seedRunner(t, store, "runner-1", strPtr("infra-1"))
		e := newTestCapabilityEngine(t, store)

		order := completedDetectionOrder("order_1", "runner-1", strPtr("infra-1"),
			`{"capabilities":{"docker":"installed","docker_compose":"not_installed"}}`)
		e.HandleOrderTerminal(ctx, order)

		infra, err := store.GetInfrastructure(ctx, "infra-1")
		require.NoError(t, err)
		assert.Equal(t, models.CapabilityInstalled, infra.Observed["docker"])
		assert.Equal(t, models.CapabilityNotInstalled, infra.Observed["docker_compose"])
		assert.Equal(t, testutil.FixedTime, infra.ObservedAt["docker"].UTC())

		runner, err := store.GetRunner(ctx, "runner-1")
		require.NoError(t, err)
		assert.Equal(t, models.CapabilityInstalled, runner.Capabilities["docker"])
	})

	t.Run("merge keeps previously observed keys", func(t *testing.T) {
		store := openTestStore(t)
		seedInfrastructure(t, store, "infra-1")
		seedRunner(t, store, "runner-1", strPtr("infra-1"))
		e := newTestCapabilityEngine(t, store)

		e.HandleOrderTerminal(ctx, completedDetectionOrder("order_1", "runner-1", strPtr("infra-1"),
			`{"capabilities":{"docker":"installed"}}`))
		e.HandleOrderTerminal(ctx, completedDetectionOrder("order_2", "runner-1", strPtr("infra-1"),
			`{"capabilities":{"caddy":"installed"}}`))

		infra, err := store.GetInfrastructure(ctx, "infra-1")
		require.NoError(t, err)
		assert.Equal(t, models.CapabilityInstalled, infra.Observed["docker"])
		assert.Equal(t, models.CapabilityInstalled, infra.Observed["caddy"])
	})

	t.Run("service field marks the service installed", func(t *testing.T) {
		store := openTestStore(t)
		seedInfrastructure(t, store, "infra-1")
		seedRunner(t, store, "runner-1", strPtr("infra-1"))
		e := newTestCapabilityEngine(t, store)

		order := completedDetectionOrder("order_1", "runner-1", strPtr("infra-1"), `{"service":"caddy"}`)
		order.Category = models.OrderInstallation
		e.HandleOrderTerminal(ctx, order)

		infra, err := store.GetInfrastructure(ctx, "infra-1")
		require.NoError(t, err)
		assert.Equal(t, models.CapabilityInstalled, infra.Observed["caddy"])
	})

	t.Run("payload found in stdout after log noise", func(t *testing.T) {
		store := openTestStore(t)
		seedInfrastructure(t, store, "infra-1")
		seedRunner(t, store, "runner-1", strPtr("infra-1"))
		e := newTestCapabilityEngine(t, store)

		order := completedDetectionOrder("order_1", "runner-1", strPtr("infra-1"), "")
		order.StdoutTail = "checking docker...\nfound v27\n{\"capabilities\":{\"docker\":\"installed\"}}"
		e.HandleOrderTerminal(ctx, order)

		infra, err := store.GetInfrastructure(ctx, "infra-1")
		require.NoError(t, err)
		assert.Equal(t, models.CapabilityInstalled, infra.Observed["docker"])
	})

	t.Run("each order reconciles at most once", func(t *testing.T) {
		store := openTestStore(t)
		seedInfrastructure(t, store, "infra-1")
		seedRunner(t, store, "runner-1", strPtr("infra-1"))
		e := newTestCapabilityEngine(t, store)

		order := completedDetectionOrder("order_1", "runner-1", strPtr("infra-1"),
			`{"capabilities":{"docker":"installed"}}`)
		e.HandleOrderTerminal(ctx, order)

		// Flip the stored state by hand, then redeliver the same order.
		require.NoError(t, store.UpdateInfrastructureObserved(ctx, "infra-1",
			models.CapabilityMap{"docker": models.CapabilityNotInstalled}, nil))
		e.HandleOrderTerminal(ctx, order)

		infra, err := store.GetInfrastructure(ctx, "infra-1")
		require.NoError(t, err)
		assert.Equal(t, models.CapabilityNotInstalled, infra.Observed["docker"])
	})

	t.Run("invalid state leaves maps untouched", func(t *testing.T) {
		store := openTestStore(t)
		seedInfrastructure(t, store, "infra-1")
		seedRunner(t, store, "runner-1", strPtr("infra-1"))
		e := newTestCapabilityEngine(t, store)

		e.HandleOrderTerminal(ctx, completedDetectionOrder("order_1", "runner-1", strPtr("infra-1"),
			`{"capabilities":{"docker":"perhaps"}}`))

		infra, err := store.GetInfrastructure(ctx, "infra-1")
		require.NoError(t, err)
		assert.Empty(t, infra.Observed)
	})

	t.Run("cancelled and failed orders change nothing", func(t *testing.T) {
		store := openTestStore(t)
		seedInfrastructure(t, store, "infra-1")
		seedRunner(t, store, "runner-1", strPtr("infra-1"))
		e := newTestCapabilityEngine(t, store)

		cancelled := completedDetectionOrder("order_1", "runner-1", strPtr("infra-1"),
			`{"capabilities":{"docker":"installed"}}`)
		cancelled.Status = models.OrderCancelled
		e.HandleOrderTerminal(ctx, cancelled)

		failed := completedDetectionOrder("order_2", "runner-1", strPtr("infra-1"),
			`{"capabilities":{"docker":"installed"}}`)
		failed.Status = models.OrderFailed
		e.HandleOrderTerminal(ctx, failed)

		infra, err := store.GetInfrastructure(ctx, "infra-1")
		require.NoError(t, err)
		assert.Empty(t, infra.Observed)
	})

	t.Run("runner without infrastructure still gains capabilities", func(t *testing.T) {
		store := openTestStore(t)
		seedRunner(t, store, "runner-1", nil)
		e := newTestCapabilityEngine(t, store)

		e.HandleOrderTerminal(ctx, completedDetectionOrder("order_1", "runner-1", nil,
			`{"capabilities":{"node":"installed"}}`))

		runner, err := store.GetRunner(ctx, "runner-1")
		require.NoError(t, err)
		assert.Equal(t, models.CapabilityInstalled, runner.Capabilities["node"])
	})
}

func TestExtractDetectionPayload(t *testing.T) {
	t.Run("prefers result json over stdout", func(t *testing.T) {
		order := models.Order{
			Category:   models.OrderDetection,
			ResultJSON: `{"capabilities":{"docker":"installed"}}`,
			StdoutTail: `{"capabilities":{"docker":"not_installed"}}`,
		}
		payload, found, err := extractDetectionPayload(order)
		require.NoError(t, err)
		require.True(t, found)
		assert.Equal(t, "installed", payload.Capabilities["docker"])
	})

	t.Run("detection order with undecodable json is an error", func(t *testing.T) {
		order := models.Order{
			Category:   models.OrderDetection,
			ResultJSON: `{"capabilities":`,
		}
		_, found, err := extractDetectionPayload(order)
		assert.False(t, found)
		assert.ErrorIs(t, err, ErrDetectionUnparseable)
	})

	t.Run("non-detection order without payload is not found", func(t *testing.T) {
		order := models.Order{
			Category:   models.OrderMaintenance,
			StdoutTail: "upgraded 12 packages",
		}
		_, found, err := extractDetectionPayload(order)
		require.NoError(t, err)
		assert.False(t, found)
	})
}

func TestParseCapabilityStates(t *testing.T) {
	t.Run("normalizes case and whitespace", func(t *testing.T) {
		out, err := parseCapabilityStates(map[string]string{"docker": " Installed "})
		require.NoError(t, err)
		assert.Equal(t, models.CapabilityInstalled, out["docker"])
	})

	t.Run("rejects unknown states and empty keys", func(t *testing.T) {
		_, err := parseCapabilityStates(map[string]string{"docker": "maybe"})
		assert.Error(t, err)
		_, err = parseCapabilityStates(map[string]string{" ": "installed"})
		assert.Error(t, err)
	})

	t.Run("empty input is nil", func(t *testing.T) {
		out, err := parseCapabilityStates(nil)
		require.NoError(t, err)
		assert.Nil(t, out)
	})
}
