package db

import (
	"context"
	"database/sql"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fleetdeck/fleetdeck/internal/models"
)

func testRoute(infraID, id, fullDomain string) models.CaddyRoute {
	return models.CaddyRoute{
		ID:               id,
		InfrastructureID: infraID,
		Domain:           "example.com",
		FullDomain:       fullDomain,
		BackendHost:      "localhost",
		BackendPort:      3000,
		HTTPSStatus:      models.HTTPSPending,
	}
}

func TestCreateRoute(t *testing.T) {
	ctx := context.Background()

	t.Run("creates a route with defaults", func(t *testing.T) {
		store := openTestStore(t)
		infra := seedInfrastructure(t, store, "i1")

		require.NoError(t, store.CreateRoute(ctx, testRoute(infra.ID, "route-1", "example.com")))

		got, err := store.GetRoute(ctx, "route-1")
		require.NoError(t, err)
		assert.Equal(t, "http", got.BackendProtocol)
		assert.Equal(t, models.HTTPSPending, got.HTTPSStatus)
		assert.Empty(t, got.ConsumedBy)
	})

	t.Run("duplicate full_domain on one infrastructure is rejected", func(t *testing.T) {
		store := openTestStore(t)
		infra := seedInfrastructure(t, store, "i1")

		require.NoError(t, store.CreateRoute(ctx, testRoute(infra.ID, "route-1", "app.example.com")))
		err := store.CreateRoute(ctx, testRoute(infra.ID, "route-2", "app.example.com"))
		require.Error(t, err)
	})

	t.Run("same full_domain on another infrastructure is fine", func(t *testing.T) {
		store := openTestStore(t)
		infraA := seedInfrastructure(t, store, "i1")
		infraB := seedInfrastructure(t, store, "i2")

		require.NoError(t, store.CreateRoute(ctx, testRoute(infraA.ID, "route-1", "app.example.com")))
		require.NoError(t, store.CreateRoute(ctx, testRoute(infraB.ID, "route-2", "app.example.com")))
	})

	t.Run("rejects invalid backend port", func(t *testing.T) {
		store := openTestStore(t)
		infra := seedInfrastructure(t, store, "i1")

		route := testRoute(infra.ID, "route-1", "example.com")
		route.BackendPort = 0
		require.Error(t, store.CreateRoute(ctx, route))
		route.BackendPort = 70000
		require.Error(t, store.CreateRoute(ctx, route))
	})
}

func TestRouteHTTPSStatus(t *testing.T) {
	ctx := context.Background()

	t.Run("pending to provisioning swaps once", func(t *testing.T) {
		store := openTestStore(t)
		infra := seedInfrastructure(t, store, "i1")
		require.NoError(t, store.CreateRoute(ctx, testRoute(infra.ID, "route-1", "example.com")))

		ok, err := store.UpdateRouteHTTPSStatus(ctx, "route-1", models.HTTPSPending, models.HTTPSProvisioning)
		require.NoError(t, err)
		require.True(t, ok)

		// Second caller loses the race.
		ok, err = store.UpdateRouteHTTPSStatus(ctx, "route-1", models.HTTPSPending, models.HTTPSProvisioning)
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("failed to provisioning allows retry", func(t *testing.T) {
		store := openTestStore(t)
		infra := seedInfrastructure(t, store, "i1")
		require.NoError(t, store.CreateRoute(ctx, testRoute(infra.ID, "route-1", "example.com")))
		require.NoError(t, store.SetRouteHTTPSStatus(ctx, "route-1", models.HTTPSFailed))

		ok, err := store.UpdateRouteHTTPSStatus(ctx, "route-1", models.HTTPSFailed, models.HTTPSProvisioning)
		require.NoError(t, err)
		assert.True(t, ok)
	})

	t.Run("set on unknown route returns ErrNoRows", func(t *testing.T) {
		store := openTestStore(t)
		err := store.SetRouteHTTPSStatus(ctx, "route-missing", models.HTTPSOK)
		require.ErrorIs(t, err, sql.ErrNoRows)
	})

	t.Run("has ready route reflects ok status only", func(t *testing.T) {
		store := openTestStore(t)
		infra := seedInfrastructure(t, store, "i1")
		require.NoError(t, store.CreateRoute(ctx, testRoute(infra.ID, "route-1", "example.com")))

		ready, err := store.HasReadyRoute(ctx, infra.ID)
		require.NoError(t, err)
		assert.False(t, ready)

		require.NoError(t, store.SetRouteHTTPSStatus(ctx, "route-1", models.HTTPSOK))
		ready, err = store.HasReadyRoute(ctx, infra.ID)
		require.NoError(t, err)
		assert.True(t, ready)
	})
}

func TestRouteClaims(t *testing.T) {
	ctx := context.Background()

	t.Run("claim is exclusive", func(t *testing.T) {
		store := openTestStore(t)
		infra := seedInfrastructure(t, store, "i1")
		require.NoError(t, store.CreateRoute(ctx, testRoute(infra.ID, "route-1", "example.com")))

		ok, err := store.ClaimRoute(ctx, "route-1", "supabase")
		require.NoError(t, err)
		require.True(t, ok)

		ok, err = store.ClaimRoute(ctx, "route-1", "app:web")
		require.NoError(t, err)
		assert.False(t, ok)

		got, err := store.GetRoute(ctx, "route-1")
		require.NoError(t, err)
		assert.Equal(t, "supabase", got.ConsumedBy)
	})

	t.Run("claimed routes cannot be deleted until released", func(t *testing.T) {
		store := openTestStore(t)
		infra := seedInfrastructure(t, store, "i1")
		require.NoError(t, store.CreateRoute(ctx, testRoute(infra.ID, "route-1", "example.com")))

		ok, err := store.ClaimRoute(ctx, "route-1", "app:web")
		require.NoError(t, err)
		require.True(t, ok)

		deleted, err := store.DeleteRoute(ctx, "route-1")
		require.NoError(t, err)
		assert.False(t, deleted)

		require.NoError(t, store.ReleaseRoute(ctx, "route-1"))
		deleted, err = store.DeleteRoute(ctx, "route-1")
		require.NoError(t, err)
		assert.True(t, deleted)

		_, err = store.GetRoute(ctx, "route-1")
		require.ErrorIs(t, err, sql.ErrNoRows)
	})

	t.Run("release then reclaim by another consumer", func(t *testing.T) {
		store := openTestStore(t)
		infra := seedInfrastructure(t, store, "i1")
		require.NoError(t, store.CreateRoute(ctx, testRoute(infra.ID, "route-1", "example.com")))

		ok, err := store.ClaimRoute(ctx, "route-1", "supabase")
		require.NoError(t, err)
		require.True(t, ok)
		require.NoError(t, store.ReleaseRoute(ctx, "route-1"))

		ok, err = store.ClaimRoute(ctx, "route-1", "app:web")
		require.NoError(t, err)
		assert.True(t, ok)
	})
}

func TestListRoutesByInfrastructure(t *testing.T) {
	ctx := context.Background()

	t.Run("orders by full domain and scopes by infrastructure", func(t *testing.T) {
		store := openTestStore(t)
		infraA := seedInfrastructure(t, store, "i1")
		infraB := seedInfrastructure(t, store, "i2")
		require.NoError(t, store.CreateRoute(ctx, testRoute(infraA.ID, "route-1", "b.example.com")))
		require.NoError(t, store.CreateRoute(ctx, testRoute(infraA.ID, "route-2", "a.example.com")))
		require.NoError(t, store.CreateRoute(ctx, testRoute(infraB.ID, "route-3", "c.example.com")))

		routes, err := store.ListRoutesByInfrastructure(ctx, infraA.ID)
		require.NoError(t, err)
		require.Len(t, routes, 2)
		assert.Equal(t, "a.example.com", routes[0].FullDomain)
		assert.Equal(t, "b.example.com", routes[1].FullDomain)
	})

	t.Run("lookup by full domain", func(t *testing.T) {
		store := openTestStore(t)
		infra := seedInfrastructure(t, store, "i1")
		require.NoError(t, store.CreateRoute(ctx, testRoute(infra.ID, "route-1", "app.example.com")))

		got, err := store.GetRouteByFullDomain(ctx, infra.ID, "app.example.com")
		require.NoError(t, err)
		assert.Equal(t, "route-1", got.ID)

		_, err = store.GetRouteByFullDomain(ctx, infra.ID, "other.example.com")
		require.ErrorIs(t, err, sql.ErrNoRows)
	})
}
