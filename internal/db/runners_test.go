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

func TestHashRunnerToken(t *testing.T) {
	t.Run("hashes deterministically", func(t *testing.T) {
		a, err := HashRunnerToken("secret-token")
		require.NoError(t, err)
		b, err := HashRunnerToken("secret-token")
		require.NoError(t, err)
		assert.Equal(t, a, b)
		assert.Len(t, a, 64)
	})

	t.Run("trims whitespace before hashing", func(t *testing.T) {
		a, err := HashRunnerToken("secret-token")
		require.NoError(t, err)
		b, err := HashRunnerToken("  secret-token \n")
		require.NoError(t, err)
		assert.Equal(t, a, b)
	})

	t.Run("rejects empty token", func(t *testing.T) {
		_, err := HashRunnerToken("   ")
		require.Error(t, err)
	})
}

func TestUpsertRunner(t *testing.T) {
	ctx := context.Background()

	t.Run("first registration inserts", func(t *testing.T) {
		store := openTestStore(t)
		runner := testutil.NewTestRunner(testutil.RunnerOpts{
			Capabilities: models.CapabilityMap{"docker": models.CapabilityInstalled},
		})
		runner.HostInfo = models.HostInfo{OS: "linux", Architecture: "amd64", CPUCores: 4}

		stored, err := store.UpsertRunner(ctx, runner)
		require.NoError(t, err)
		assert.Equal(t, runner.ID, stored.ID)
		assert.Equal(t, runner.Name, stored.Name)
		assert.Equal(t, "linux", stored.HostInfo.OS)
		assert.Equal(t, models.CapabilityInstalled, stored.Capabilities["docker"])
	})

	t.Run("re-registration by name keeps id and refreshes token", func(t *testing.T) {
		store := openTestStore(t)
		first := testutil.NewTestRunner(testutil.RunnerOpts{ID: "runner-a", Name: "worker", TokenHash: "hash-1"})
		_, err := store.UpsertRunner(ctx, first)
		require.NoError(t, err)

		second := testutil.NewTestRunner(testutil.RunnerOpts{ID: "runner-b", Name: "worker", TokenHash: "hash-2"})
		stored, err := store.UpsertRunner(ctx, second)
		require.NoError(t, err)

		assert.Equal(t, "runner-a", stored.ID, "existing id survives re-registration")
		assert.Equal(t, "hash-2", stored.TokenHash)
	})

	t.Run("re-registration keeps infrastructure binding", func(t *testing.T) {
		store := openTestStore(t)
		infra := seedInfrastructure(t, store, "i1")
		runner := seedRunner(t, store, "r1")
		require.NoError(t, store.UpdateRunnerInfrastructure(ctx, runner.ID, &infra.ID))

		again := testutil.NewTestRunner(testutil.RunnerOpts{ID: "runner-other", Name: runner.Name, TokenHash: "hash-new"})
		stored, err := store.UpsertRunner(ctx, again)
		require.NoError(t, err)
		require.NotNil(t, stored.InfrastructureID)
		assert.Equal(t, infra.ID, *stored.InfrastructureID)
	})

	t.Run("re-registration merges capabilities over the stored map", func(t *testing.T) {
		store := openTestStore(t)
		first := testutil.NewTestRunner(testutil.RunnerOpts{ID: "runner-a", Name: "worker", TokenHash: "hash-1"})
		_, err := store.UpsertRunner(ctx, first)
		require.NoError(t, err)
		require.NoError(t, store.UpdateRunnerCapabilities(ctx, "runner-a", models.CapabilityMap{
			"docker": models.CapabilityInstalled,
			"nginx":  models.CapabilityNotInstalled,
		}))

		// Re-registering without declaring anything keeps the stored map.
		again := testutil.NewTestRunner(testutil.RunnerOpts{ID: "runner-b", Name: "worker", TokenHash: "hash-2"})
		stored, err := store.UpsertRunner(ctx, again)
		require.NoError(t, err)
		assert.Equal(t, models.CapabilityInstalled, stored.Capabilities["docker"])
		assert.Equal(t, models.CapabilityNotInstalled, stored.Capabilities["nginx"])

		// A partial declaration overrides only the keys it names.
		third := testutil.NewTestRunner(testutil.RunnerOpts{
			ID: "runner-c", Name: "worker", TokenHash: "hash-3",
			Capabilities: models.CapabilityMap{"nginx": models.CapabilityInstalled},
		})
		stored, err = store.UpsertRunner(ctx, third)
		require.NoError(t, err)
		assert.Equal(t, models.CapabilityInstalled, stored.Capabilities["docker"])
		assert.Equal(t, models.CapabilityInstalled, stored.Capabilities["nginx"])
	})

	t.Run("rejects missing fields", func(t *testing.T) {
		store := openTestStore(t)
		_, err := store.UpsertRunner(ctx, models.Runner{Name: "x", TokenHash: "h"})
		require.Error(t, err)
		_, err = store.UpsertRunner(ctx, models.Runner{ID: "r", TokenHash: "h"})
		require.Error(t, err)
		_, err = store.UpsertRunner(ctx, models.Runner{ID: "r", Name: "x"})
		require.Error(t, err)
	})
}

func TestRunnerLookups(t *testing.T) {
	ctx := context.Background()

	t.Run("lookup by token hash", func(t *testing.T) {
		store := openTestStore(t)
		runner := seedRunner(t, store, "r1")

		got, err := store.GetRunnerByTokenHash(ctx, runner.TokenHash)
		require.NoError(t, err)
		assert.Equal(t, runner.ID, got.ID)

		_, err = store.GetRunnerByTokenHash(ctx, "no-such-hash")
		require.ErrorIs(t, err, sql.ErrNoRows)
	})

	t.Run("list by infrastructure", func(t *testing.T) {
		store := openTestStore(t)
		infra := seedInfrastructure(t, store, "i1")
		bound := seedRunner(t, store, "r1")
		seedRunner(t, store, "r2")
		require.NoError(t, store.UpdateRunnerInfrastructure(ctx, bound.ID, &infra.ID))

		runners, err := store.ListRunnersByInfrastructure(ctx, infra.ID)
		require.NoError(t, err)
		require.Len(t, runners, 1)
		assert.Equal(t, bound.ID, runners[0].ID)
	})
}

func TestTouchRunner(t *testing.T) {
	ctx := context.Background()

	t.Run("heartbeat advances last_seen_at and status", func(t *testing.T) {
		store := openTestStore(t)
		runner := seedRunner(t, store, "r1")
		assert.True(t, runner.LastSeenAt.IsZero())

		seenAt := time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)
		require.NoError(t, store.TouchRunner(ctx, runner.ID, models.RunnerOnline, seenAt))

		got, err := store.GetRunner(ctx, runner.ID)
		require.NoError(t, err)
		assert.Equal(t, models.RunnerOnline, got.Status)
		assert.Equal(t, seenAt, got.LastSeenAt)
	})

	t.Run("unknown runner returns ErrNoRows", func(t *testing.T) {
		store := openTestStore(t)
		err := store.TouchRunner(ctx, "runner-missing", models.RunnerOnline, time.Now().UTC())
		require.ErrorIs(t, err, sql.ErrNoRows)
	})
}

func TestUpdateRunnerBindings(t *testing.T) {
	ctx := context.Background()

	t.Run("pause keeps last_seen_at", func(t *testing.T) {
		store := openTestStore(t)
		runner := seedRunner(t, store, "r1")
		seenAt := time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)
		require.NoError(t, store.TouchRunner(ctx, runner.ID, models.RunnerOnline, seenAt))

		require.NoError(t, store.UpdateRunnerStatus(ctx, runner.ID, models.RunnerPaused))

		got, err := store.GetRunner(ctx, runner.ID)
		require.NoError(t, err)
		assert.Equal(t, models.RunnerPaused, got.Status)
		assert.Equal(t, seenAt, got.LastSeenAt)
	})

	t.Run("bind and unbind infrastructure", func(t *testing.T) {
		store := openTestStore(t)
		infra := seedInfrastructure(t, store, "i1")
		runner := seedRunner(t, store, "r1")

		require.NoError(t, store.UpdateRunnerInfrastructure(ctx, runner.ID, &infra.ID))
		got, err := store.GetRunner(ctx, runner.ID)
		require.NoError(t, err)
		require.NotNil(t, got.InfrastructureID)
		assert.Equal(t, infra.ID, *got.InfrastructureID)

		require.NoError(t, store.UpdateRunnerInfrastructure(ctx, runner.ID, nil))
		got, err = store.GetRunner(ctx, runner.ID)
		require.NoError(t, err)
		assert.Nil(t, got.InfrastructureID)
	})

	t.Run("deleting infrastructure unbinds runners", func(t *testing.T) {
		store := openTestStore(t)
		infra := seedInfrastructure(t, store, "i1")
		runner := seedRunner(t, store, "r1")
		require.NoError(t, store.UpdateRunnerInfrastructure(ctx, runner.ID, &infra.ID))

		require.NoError(t, store.DeleteInfrastructure(ctx, infra.ID))

		got, err := store.GetRunner(ctx, runner.ID)
		require.NoError(t, err)
		assert.Nil(t, got.InfrastructureID, "ON DELETE SET NULL unbinds the runner")
	})

	t.Run("capability map replacement", func(t *testing.T) {
		store := openTestStore(t)
		runner := seedRunner(t, store, "r1")

		caps := models.CapabilityMap{"node": models.CapabilityInstalled, "caddy": models.CapabilityNotInstalled}
		require.NoError(t, store.UpdateRunnerCapabilities(ctx, runner.ID, caps))

		got, err := store.GetRunner(ctx, runner.ID)
		require.NoError(t, err)
		assert.Equal(t, caps, got.Capabilities)

		require.NoError(t, store.UpdateRunnerCapabilities(ctx, runner.ID, nil))
		got, err = store.GetRunner(ctx, runner.ID)
		require.NoError(t, err)
		assert.Nil(t, got.Capabilities)
	})
}
