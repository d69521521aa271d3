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

func newTestRouteManager(t *testing.T, store *db.Store) *RouteManager {
	t.Helper()
	m := NewRouteManager(store, newTestOrderManager(t, store), nil, nil, nil, nil)
	m.now, _ = fixedClock(testutil.FixedTime)
	return m
}

func testRouteRequest(infraID string) RouteRequest {
	return RouteRequest{
		InfrastructureID: infraID,
		Domain:           "example.com",
		RoutingType:      models.RoutingRoot,
		BackendHost:      "127.0.0.1",
		BackendPort:      3000,
	}
}

func TestRouteManagerCreate(t *testing.T) {
	ctx := context.Background()

	t.Run("root routing creates one route", func(t *testing.T) {
		store := openTestStore(t)
		seedInfrastructure(t, store, "infra-1")
		m := newTestRouteManager(t, store)

		routes, err := m.Create(ctx, testRouteRequest("infra-1"))
		require.NoError(t, err)
		require.Len(t, routes, 1)
		assert.Equal(t, "example.com", routes[0].FullDomain)
		assert.Equal(t, models.HTTPSPending, routes[0].HTTPSStatus)
		assert.Equal(t, "http", routes[0].BackendProtocol)
	})

	t.Run("domains are lowercased", func(t *testing.T) {
		store := openTestStore(t)
		seedInfrastructure(t, store, "infra-1")
		m := newTestRouteManager(t, store)

		req := testRouteRequest("infra-1")
		req.Domain = " Example.COM "
		routes, err := m.Create(ctx, req)
		require.NoError(t, err)
		assert.Equal(t, "example.com", routes[0].FullDomain)
	})

	t.Run("root_and_subdomain expands root first", func(t *testing.T) {
		store := openTestStore(t)
		seedInfrastructure(t, store, "infra-1")
		m := newTestRouteManager(t, store)

		req := testRouteRequest("infra-1")
		req.RoutingType = models.RoutingRootAndSubdomain
		req.Subdomain = "www"
		routes, err := m.Create(ctx, req)
		require.NoError(t, err)
		require.Len(t, routes, 2)
		assert.Equal(t, "example.com", routes[0].FullDomain)
		assert.Equal(t, "www.example.com", routes[1].FullDomain)
	})

	t.Run("duplicate full domain on same infrastructure", func(t *testing.T) {
		store := openTestStore(t)
		seedInfrastructure(t, store, "infra-1")
		m := newTestRouteManager(t, store)

		_, err := m.Create(ctx, testRouteRequest("infra-1"))
		require.NoError(t, err)
		_, err = m.Create(ctx, testRouteRequest("infra-1"))
		assert.ErrorIs(t, err, ErrDomainTaken)
	})

	t.Run("same full domain on another infrastructure is allowed", func(t *testing.T) {
		store := openTestStore(t)
		seedInfrastructure(t, store, "infra-1")
		seedInfrastructure(t, store, "infra-2")
		m := newTestRouteManager(t, store)

		_, err := m.Create(ctx, testRouteRequest("infra-1"))
		require.NoError(t, err)
		_, err = m.Create(ctx, testRouteRequest("infra-2"))
		require.NoError(t, err)
	})

	t.Run("partial expansion survives a duplicate subdomain", func(t *testing.T) {
		store := openTestStore(t)
		seedInfrastructure(t, store, "infra-1")
		m := newTestRouteManager(t, store)

		taken := testRouteRequest("infra-1")
		taken.RoutingType = models.RoutingSubdomain
		taken.Subdomain = "www"
		_, err := m.Create(ctx, taken)
		require.NoError(t, err)

		req := testRouteRequest("infra-1")
		req.RoutingType = models.RoutingRootAndSubdomain
		req.Subdomain = "www"
		created, err := m.Create(ctx, req)
		assert.ErrorIs(t, err, ErrDomainTaken)
		require.Len(t, created, 1)
		assert.Equal(t, "example.com", created[0].FullDomain)
	})

	t.Run("validation failures", func(t *testing.T) {
		store := openTestStore(t)
		seedInfrastructure(t, store, "infra-1")
		m := newTestRouteManager(t, store)

		req := testRouteRequest("infra-missing")
		_, err := m.Create(ctx, req)
		assert.ErrorIs(t, err, ErrInfraNotFound)

		req = testRouteRequest("infra-1")
		req.RoutingType = models.RoutingType("weird")
		_, err = m.Create(ctx, req)
		assert.ErrorIs(t, err, ErrInvalidRoutingType)

		req = testRouteRequest("infra-1")
		req.RoutingType = models.RoutingSubdomain
		_, err = m.Create(ctx, req)
		assert.Error(t, err)

		req = testRouteRequest("infra-1")
		req.BackendPort = 0
		_, err = m.Create(ctx, req)
		assert.Error(t, err)
	})
}

func TestRouteManagerVerification(t *testing.T) {
	ctx := context.Background()

	setup := func(t *testing.T) (*RouteManager, *db.Store, models.CaddyRoute) {
		store := openTestStore(t)
		seedInfrastructure(t, store, "infra-1")
		seedRunner(t, store, "runner-1", strPtr("infra-1"))
		m := newTestRouteManager(t, store)
		routes, err := m.Create(ctx, testRouteRequest("infra-1"))
		require.NoError(t, err)
		return m, store, routes[0]
	}

	t.Run("dispatches a verification order and moves to provisioning", func(t *testing.T) {
		m, store, route := setup(t)

		order, err := m.RequestProvisioning(ctx, route.ID)
		require.NoError(t, err)
		assert.Equal(t, "runner-1", order.RunnerID)
		assert.Equal(t, models.OrderMaintenance, order.Category)
		assert.Contains(t, order.Command, route.FullDomain)

		stored, err := store.GetRoute(ctx, route.ID)
		require.NoError(t, err)
		assert.Equal(t, models.HTTPSProvisioning, stored.HTTPSStatus)
	})

	t.Run("repeat requests coalesce onto the outstanding order", func(t *testing.T) {
		m, _, route := setup(t)

		first, err := m.RequestProvisioning(ctx, route.ID)
		require.NoError(t, err)
		second, err := m.RequestProvisioning(ctx, route.ID)
		require.NoError(t, err)
		assert.Equal(t, first.ID, second.ID)
	})

	t.Run("no online runner", func(t *testing.T) {
		store := openTestStore(t)
		seedInfrastructure(t, store, "infra-1")
		// A runner that last checked in well outside the liveness window.
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

		m := newTestRouteManager(t, store)
		routes, err := m.Create(ctx, testRouteRequest("infra-1"))
		require.NoError(t, err)

		_, err = m.RequestProvisioning(ctx, routes[0].ID)
		assert.ErrorIs(t, err, ErrNoActiveRunner)
	})

	t.Run("completed verification marks the route ok", func(t *testing.T) {
		m, store, route := setup(t)

		order, err := m.RequestProvisioning(ctx, route.ID)
		require.NoError(t, err)
		completed := order
		completed.Status = models.OrderCompleted
		m.HandleOrderTerminal(ctx, completed)

		stored, err := store.GetRoute(ctx, route.ID)
		require.NoError(t, err)
		assert.Equal(t, models.HTTPSOK, stored.HTTPSStatus)
	})

	t.Run("failed verification marks the route failed and allows retry", func(t *testing.T) {
		m, store, route := setup(t)

		order, err := m.RequestProvisioning(ctx, route.ID)
		require.NoError(t, err)
		failed := order
		failed.Status = models.OrderFailed
		m.HandleOrderTerminal(ctx, failed)

		stored, err := store.GetRoute(ctx, route.ID)
		require.NoError(t, err)
		assert.Equal(t, models.HTTPSFailed, stored.HTTPSStatus)

		retry, err := m.RequestProvisioning(ctx, route.ID)
		require.NoError(t, err)
		assert.NotEqual(t, order.ID, retry.ID)
	})

	t.Run("terminal orders it never dispatched are ignored", func(t *testing.T) {
		m, store, route := setup(t)
		m.HandleOrderTerminal(ctx, models.Order{ID: "order_other", Status: models.OrderCompleted})

		stored, err := store.GetRoute(ctx, route.ID)
		require.NoError(t, err)
		assert.Equal(t, models.HTTPSPending, stored.HTTPSStatus)
	})
}

func TestRouteManagerClaim(t *testing.T) {
	ctx := context.Background()

	setup := func(t *testing.T) (*RouteManager, models.CaddyRoute) {
		store := openTestStore(t)
		seedInfrastructure(t, store, "infra-1")
		m := newTestRouteManager(t, store)
		routes, err := m.Create(ctx, testRouteRequest("infra-1"))
		require.NoError(t, err)
		return m, routes[0]
	}

	t.Run("claim is exclusive until released", func(t *testing.T) {
		m, route := setup(t)

		claimed, err := m.Claim(ctx, route.ID, "supabase")
		require.NoError(t, err)
		assert.Equal(t, "supabase", claimed.ConsumedBy)

		_, err = m.Claim(ctx, route.ID, "n8n")
		assert.ErrorIs(t, err, ErrRouteAlreadyTaken)

		released, err := m.Release(ctx, route.ID)
		require.NoError(t, err)
		assert.Empty(t, released.ConsumedBy)

		_, err = m.Claim(ctx, route.ID, "n8n")
		require.NoError(t, err)
	})

	t.Run("claimed routes cannot be deleted", func(t *testing.T) {
		m, route := setup(t)

		_, err := m.Claim(ctx, route.ID, "supabase")
		require.NoError(t, err)

		err = m.Delete(ctx, route.ID)
		assert.ErrorIs(t, err, ErrRouteInUse)
		assert.Contains(t, err.Error(), "supabase")

		_, err = m.Release(ctx, route.ID)
		require.NoError(t, err)
		require.NoError(t, m.Delete(ctx, route.ID))

		_, err = m.Get(ctx, route.ID)
		assert.ErrorIs(t, err, ErrRouteNotFound)
	})

	t.Run("unknown route", func(t *testing.T) {
		m, _ := setup(t)
		_, err := m.Claim(ctx, "route-missing", "svc")
		assert.ErrorIs(t, err, ErrRouteNotFound)
		err = m.Delete(ctx, "route-missing")
		assert.ErrorIs(t, err, ErrRouteNotFound)
	})
}

type stubPlaybookSource struct {
	playbooks map[string]models.Playbook
}

func (s *stubPlaybookSource) Get(key string) (models.Playbook, bool) {
	p, ok := s.playbooks[key]
	return p, ok
}

func (s *stubPlaybookSource) List() []models.Playbook { return nil }

func TestRouteManagerVerifyCommand(t *testing.T) {
	route := models.CaddyRoute{
		FullDomain:      "app.example.com",
		BackendHost:     "127.0.0.1",
		BackendPort:     3000,
		BackendProtocol: "http",
	}

	t.Run("renders the catalog playbook when available", func(t *testing.T) {
		store := openTestStore(t)
		source := &stubPlaybookSource{playbooks: map[string]models.Playbook{
			"caddy.verify-domain": {
				Key:     "caddy.verify-domain",
				Command: "verify-https {{domain}} --upstream {{protocol}}://{{upstream}}",
			},
		}}
		m := NewRouteManager(store, newTestOrderManager(t, store), source, nil, nil, nil)

		command, name := m.verifyCommand(route)
		assert.Equal(t, "verify-https app.example.com --upstream http://127.0.0.1:3000", command)
		assert.Equal(t, "Verify domain app.example.com", name)
	})

	t.Run("falls back to curl without a catalog entry", func(t *testing.T) {
		store := openTestStore(t)
		m := NewRouteManager(store, newTestOrderManager(t, store), nil, nil, nil, nil)

		command, _ := m.verifyCommand(route)
		assert.Equal(t, "curl -fsS --max-time 30 https://app.example.com/ > /dev/null && echo verified", command)
	})
}

func TestRenderPlaybookCommand(t *testing.T) {
	out := renderPlaybookCommand("curl https://{{domain}}/ via {{upstream}}", map[string]string{
		"domain":   "app.example.com",
		"upstream": "127.0.0.1:3000",
	})
	assert.Equal(t, "curl https://app.example.com/ via 127.0.0.1:3000", out)
}
