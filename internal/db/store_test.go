package db

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/fleetdeck/fleetdeck/internal/models"
	testutil "github.com/fleetdeck/fleetdeck/internal/testing"
)

// seedInfrastructure inserts a minimal infrastructure row for tests that
// need a foreign-key target.
func seedInfrastructure(t *testing.T, store *Store, id string) models.Infrastructure {
	t.Helper()
	infra := testutil.NewTestInfrastructure(testutil.InfraOpts{ID: id, Name: "infra-" + id})
	require.NoError(t, store.CreateInfrastructure(context.Background(), infra))
	return infra
}

// seedRunner inserts a runner row for tests that need a foreign-key target.
func seedRunner(t *testing.T, store *Store, id string) models.Runner {
	t.Helper()
	runner := testutil.NewTestRunner(testutil.RunnerOpts{
		ID:        id,
		Name:      "runner-" + id,
		TokenHash: "hash-" + id,
	})
	stored, err := store.UpsertRunner(context.Background(), runner)
	require.NoError(t, err)
	return stored
}

// seedOrder inserts a pending order owned by the given runner.
func seedOrder(t *testing.T, store *Store, id, runnerID string) models.Order {
	t.Helper()
	order := testutil.NewTestOrder(testutil.OrderOpts{ID: id, RunnerID: runnerID})
	require.NoError(t, store.CreateOrder(context.Background(), order))
	return order
}

func TestOpenStore(t *testing.T) {
	t.Run("creates database file and migrates", func(t *testing.T) {
		store := openTestStore(t)
		require.NotNil(t, store.DB)

		var version int
		err := store.DB.QueryRow(`SELECT MAX(version) FROM schema_migrations`).Scan(&version)
		require.NoError(t, err)
		require.GreaterOrEqual(t, version, 1)
	})

	t.Run("foreign keys are enforced", func(t *testing.T) {
		store := openTestStore(t)
		err := store.CreateOrder(context.Background(), testutil.NewTestOrder(testutil.OrderOpts{
			ID:       "order-orphan",
			RunnerID: "runner-missing",
		}))
		require.Error(t, err)
	})

	t.Run("close is nil safe", func(t *testing.T) {
		var store *Store
		require.NoError(t, store.Close())
	})
}
