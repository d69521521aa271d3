package db

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fleetdeck/fleetdeck/internal/models"
	testutil "github.com/fleetdeck/fleetdeck/internal/testing"
)

func TestCreateInfrastructure(t *testing.T) {
	ctx := context.Background()

	t.Run("creates and reads back all fields", func(t *testing.T) {
		store := openTestStore(t)

		infra := testutil.NewTestInfrastructure(testutil.InfraOpts{
			Type: models.InfraBareMetal,
			Declared: models.CapabilityMap{
				"docker": models.CapabilityInstalled,
				"caddy":  models.CapabilityNotInstalled,
			},
		})
		infra.OS = "linux"
		infra.Distribution = "debian"
		infra.CPUCores = 8
		infra.RAMMB = 16384
		infra.Provider = "hetzner"
		require.NoError(t, store.CreateInfrastructure(ctx, infra))

		got, err := store.GetInfrastructure(ctx, infra.ID)
		require.NoError(t, err)
		assert.Equal(t, models.InfraBareMetal, got.Type)
		assert.Equal(t, "debian", got.Distribution)
		assert.Equal(t, 8, got.CPUCores)
		assert.Equal(t, infra.Declared, got.Declared)
		assert.Nil(t, got.Observed, "nothing observed yet")
	})

	t.Run("rejects missing fields", func(t *testing.T) {
		store := openTestStore(t)
		require.Error(t, store.CreateInfrastructure(ctx, models.Infrastructure{Name: "x", Type: models.InfraVPS}))
		require.Error(t, store.CreateInfrastructure(ctx, models.Infrastructure{ID: "i", Type: models.InfraVPS}))
		require.Error(t, store.CreateInfrastructure(ctx, models.Infrastructure{ID: "i", Name: "x"}))
	})

	t.Run("nil store returns error", func(t *testing.T) {
		var store *Store
		err := store.CreateInfrastructure(ctx, models.Infrastructure{})
		require.EqualError(t, err, "db store is nil")
	})
}

func TestUpdateInfrastructure(t *testing.T) {
	ctx := context.Background()

	t.Run("operator edit leaves observed untouched", func(t *testing.T) {
		store := openTestStore(t)
		infra := seedInfrastructure(t, store, "i1")

		observedAt := map[string]time.Time{"docker": testutil.FixedTime}
		observed := models.CapabilityMap{"docker": models.CapabilityInstalled}
		require.NoError(t, store.UpdateInfrastructureObserved(ctx, infra.ID, observed, observedAt))

		infra.Notes = "rack 4"
		infra.Declared = models.CapabilityMap{"node": models.CapabilityInstalled}
		require.NoError(t, store.UpdateInfrastructure(ctx, infra))

		got, err := store.GetInfrastructure(ctx, infra.ID)
		require.NoError(t, err)
		assert.Equal(t, "rack 4", got.Notes)
		assert.Equal(t, infra.Declared, got.Declared)
		assert.Equal(t, observed, got.Observed, "operator edits never clobber observations")
		assert.Equal(t, testutil.FixedTime, got.ObservedAt["docker"])
	})

	t.Run("unknown id returns ErrNoRows", func(t *testing.T) {
		store := openTestStore(t)
		infra := testutil.NewTestInfrastructure(testutil.InfraOpts{ID: "infra-missing"})
		require.ErrorIs(t, store.UpdateInfrastructure(ctx, infra), sql.ErrNoRows)
	})
}

func TestUpdateInfrastructureObserved(t *testing.T) {
	ctx := context.Background()

	t.Run("observed map and timestamps round trip", func(t *testing.T) {
		store := openTestStore(t)
		infra := seedInfrastructure(t, store, "i1")

		observed := models.CapabilityMap{
			"docker": models.CapabilityInstalled,
			"node":   models.CapabilityNotInstalled,
		}
		observedAt := map[string]time.Time{
			"docker": testutil.FixedTime,
			"node":   testutil.FixedTime.Add(time.Minute),
		}
		require.NoError(t, store.UpdateInfrastructureObserved(ctx, infra.ID, observed, observedAt))

		got, err := store.GetInfrastructure(ctx, infra.ID)
		require.NoError(t, err)
		assert.Equal(t, observed, got.Observed)
		assert.Equal(t, observedAt, got.ObservedAt)
	})

	t.Run("reconciled view prefers observed over declared", func(t *testing.T) {
		store := openTestStore(t)
		infra := testutil.NewTestInfrastructure(testutil.InfraOpts{
			ID:       "i1",
			Declared: models.CapabilityMap{"docker": models.CapabilityNotInstalled},
		})
		require.NoError(t, store.CreateInfrastructure(ctx, infra))
		require.NoError(t, store.UpdateInfrastructureObserved(ctx, "i1",
			models.CapabilityMap{"docker": models.CapabilityInstalled},
			map[string]time.Time{"docker": testutil.FixedTime}))

		got, err := store.GetInfrastructure(ctx, "i1")
		require.NoError(t, err)
		state, ok := got.Capability("docker")
		require.True(t, ok)
		assert.Equal(t, models.CapabilityInstalled, state)
	})
}

func TestListInfrastructures(t *testing.T) {
	ctx := context.Background()

	t.Run("orders by name", func(t *testing.T) {
		store := openTestStore(t)
		b := testutil.NewTestInfrastructure(testutil.InfraOpts{ID: "i1", Name: "beta"})
		a := testutil.NewTestInfrastructure(testutil.InfraOpts{ID: "i2", Name: "alpha"})
		require.NoError(t, store.CreateInfrastructure(ctx, b))
		require.NoError(t, store.CreateInfrastructure(ctx, a))

		infras, err := store.ListInfrastructures(ctx)
		require.NoError(t, err)
		require.Len(t, infras, 2)
		assert.Equal(t, "alpha", infras[0].Name)
		assert.Equal(t, "beta", infras[1].Name)
	})
}
