package daemon

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fleetdeck/fleetdeck/internal/models"
	testutil "github.com/fleetdeck/fleetdeck/internal/testing"
)

func TestOrderManagerCreate(t *testing.T) {
	ctx := context.Background()

	t.Run("creates pending order bound to runner infrastructure", func(t *testing.T) {
		store := openTestStore(t)
		seedInfrastructure(t, store, "infra-1")
		seedRunner(t, store, "runner-1", strPtr("infra-1"))
		m := newTestOrderManager(t, store)

		order, err := m.Create(ctx, "runner-1", models.OrderMaintenance, "Update packages", "", "apt-get update")
		require.NoError(t, err)
		assert.True(t, strings.HasPrefix(order.ID, "order_"), "id %q", order.ID)
		assert.Equal(t, models.OrderPending, order.Status)
		require.NotNil(t, order.InfrastructureID)
		assert.Equal(t, "infra-1", *order.InfrastructureID)

		stored, err := store.GetOrder(ctx, order.ID)
		require.NoError(t, err)
		assert.Equal(t, models.OrderPending, stored.Status)
	})

	t.Run("defaults name to category", func(t *testing.T) {
		store := openTestStore(t)
		seedRunner(t, store, "runner-1", nil)
		m := newTestOrderManager(t, store)

		order, err := m.Create(ctx, "runner-1", models.OrderDetection, "  ", "", "docker --version")
		require.NoError(t, err)
		assert.Equal(t, "detection", order.Name)
	})

	t.Run("unknown runner", func(t *testing.T) {
		store := openTestStore(t)
		m := newTestOrderManager(t, store)

		_, err := m.Create(ctx, "runner-missing", models.OrderMaintenance, "x", "", "true")
		assert.ErrorIs(t, err, ErrRunnerNotFound)
	})

	t.Run("rejects empty command and bad category", func(t *testing.T) {
		store := openTestStore(t)
		seedRunner(t, store, "runner-1", nil)
		m := newTestOrderManager(t, store)

		_, err := m.Create(ctx, "runner-1", models.OrderMaintenance, "x", "", "  ")
		assert.Error(t, err)
		_, err = m.Create(ctx, "runner-1", models.OrderCategory("bogus"), "x", "", "true")
		assert.Error(t, err)
	})

	t.Run("env requires a keeper", func(t *testing.T) {
		store := openTestStore(t)
		seedRunner(t, store, "runner-1", nil)
		m := newTestOrderManager(t, store)

		_, err := m.CreateWithEnv(ctx, "runner-1", models.OrderMaintenance, "x", "", "true",
			map[string]string{"KEY": "value"})
		assert.ErrorContains(t, err, "age key")
	})
}

func TestOrderManagerReport(t *testing.T) {
	ctx := context.Background()

	setup := func(t *testing.T) (*OrderManager, models.Order) {
		store := openTestStore(t)
		seedRunner(t, store, "runner-1", nil)
		m := newTestOrderManager(t, store)
		order, err := m.Create(ctx, "runner-1", models.OrderMaintenance, "job", "", "true")
		require.NoError(t, err)
		return m, order
	}

	t.Run("pending to running records progress", func(t *testing.T) {
		m, order := setup(t)
		updated, accepted, err := m.Report(ctx, order.ID, OrderReport{
			Status:   models.OrderRunning,
			Progress: intPtr(10),
			Stdout:   "starting",
		})
		require.NoError(t, err)
		assert.True(t, accepted)
		assert.Equal(t, models.OrderRunning, updated.Status)
		require.NotNil(t, updated.Progress)
		assert.Equal(t, 10, *updated.Progress)
		require.NotNil(t, updated.StartedAt)
	})

	t.Run("progress regressions are stored as reported", func(t *testing.T) {
		m, order := setup(t)
		_, _, err := m.Report(ctx, order.ID, OrderReport{Status: models.OrderRunning, Progress: intPtr(80)})
		require.NoError(t, err)
		updated, accepted, err := m.Report(ctx, order.ID, OrderReport{Status: models.OrderRunning, Progress: intPtr(30)})
		require.NoError(t, err)
		assert.True(t, accepted)
		require.NotNil(t, updated.Progress)
		assert.Equal(t, 30, *updated.Progress)
	})

	t.Run("progress outside the percent range is rejected", func(t *testing.T) {
		m, order := setup(t)
		_, accepted, err := m.Report(ctx, order.ID, OrderReport{Status: models.OrderRunning, Progress: intPtr(101)})
		assert.ErrorIs(t, err, ErrInvalidProgress)
		assert.False(t, accepted)
		_, _, err = m.Report(ctx, order.ID, OrderReport{Status: models.OrderRunning, Progress: intPtr(-5)})
		assert.ErrorIs(t, err, ErrInvalidProgress)
	})

	t.Run("completion fires terminal hooks", func(t *testing.T) {
		m, order := setup(t)
		var fired []models.Order
		m.OnTerminal(func(_ context.Context, o models.Order) {
			fired = append(fired, o)
		})

		updated, accepted, err := m.Report(ctx, order.ID, OrderReport{
			Status:   models.OrderCompleted,
			ExitCode: intPtr(0),
		})
		require.NoError(t, err)
		assert.True(t, accepted)
		assert.Equal(t, models.OrderCompleted, updated.Status)
		require.Len(t, fired, 1)
		assert.Equal(t, order.ID, fired[0].ID)
	})

	t.Run("duplicate terminal report is a no-op", func(t *testing.T) {
		m, order := setup(t)
		_, _, err := m.Report(ctx, order.ID, OrderReport{Status: models.OrderFailed, ExitCode: intPtr(1)})
		require.NoError(t, err)

		updated, accepted, err := m.Report(ctx, order.ID, OrderReport{Status: models.OrderFailed, ExitCode: intPtr(1)})
		require.NoError(t, err)
		assert.False(t, accepted)
		assert.Equal(t, models.OrderFailed, updated.Status)
	})

	t.Run("terminal orders reject contradicting reports", func(t *testing.T) {
		m, order := setup(t)
		_, _, err := m.Report(ctx, order.ID, OrderReport{Status: models.OrderCompleted})
		require.NoError(t, err)

		_, accepted, err := m.Report(ctx, order.ID, OrderReport{Status: models.OrderFailed})
		assert.ErrorIs(t, err, ErrInvalidTransition)
		assert.False(t, accepted)
	})

	t.Run("stale report is dropped", func(t *testing.T) {
		m, order := setup(t)
		updated, accepted, err := m.Report(ctx, order.ID, OrderReport{
			Status:     models.OrderRunning,
			ReportedAt: testutil.FixedTime.Add(-time.Minute),
		})
		require.NoError(t, err)
		assert.False(t, accepted)
		assert.Equal(t, models.OrderPending, updated.Status)
	})

	t.Run("report against cancelled order is silently dropped", func(t *testing.T) {
		m, order := setup(t)
		_, err := m.Cancel(ctx, order.ID)
		require.NoError(t, err)

		updated, accepted, err := m.Report(ctx, order.ID, OrderReport{Status: models.OrderCompleted})
		require.NoError(t, err)
		assert.False(t, accepted)
		assert.Equal(t, models.OrderCancelled, updated.Status)
	})

	t.Run("rejects statuses agents may not report", func(t *testing.T) {
		m, order := setup(t)
		_, _, err := m.Report(ctx, order.ID, OrderReport{Status: models.OrderPending})
		assert.ErrorIs(t, err, ErrInvalidOrderStatus)
		_, _, err = m.Report(ctx, order.ID, OrderReport{Status: models.OrderCancelled})
		assert.ErrorIs(t, err, ErrInvalidOrderStatus)
	})

	t.Run("unknown order", func(t *testing.T) {
		m, _ := setup(t)
		_, _, err := m.Report(ctx, "order_missing", OrderReport{Status: models.OrderRunning})
		assert.ErrorIs(t, err, ErrOrderNotFound)
	})
}

func TestOrderManagerCancel(t *testing.T) {
	ctx := context.Background()

	t.Run("cancels pending order and fires hooks", func(t *testing.T) {
		store := openTestStore(t)
		seedRunner(t, store, "runner-1", nil)
		m := newTestOrderManager(t, store)
		order, err := m.Create(ctx, "runner-1", models.OrderMaintenance, "job", "", "true")
		require.NoError(t, err)

		var fired int
		m.OnTerminal(func(context.Context, models.Order) { fired++ })

		cancelled, err := m.Cancel(ctx, order.ID)
		require.NoError(t, err)
		assert.Equal(t, models.OrderCancelled, cancelled.Status)
		assert.Equal(t, 1, fired)
	})

	t.Run("running orders cannot be cancelled", func(t *testing.T) {
		store := openTestStore(t)
		seedRunner(t, store, "runner-1", nil)
		m := newTestOrderManager(t, store)
		order, err := m.Create(ctx, "runner-1", models.OrderMaintenance, "job", "", "true")
		require.NoError(t, err)
		_, _, err = m.Report(ctx, order.ID, OrderReport{Status: models.OrderRunning})
		require.NoError(t, err)

		_, err = m.Cancel(ctx, order.ID)
		assert.ErrorIs(t, err, ErrInvalidTransition)
	})

	t.Run("unknown order", func(t *testing.T) {
		store := openTestStore(t)
		m := newTestOrderManager(t, store)
		_, err := m.Cancel(ctx, "order_missing")
		assert.ErrorIs(t, err, ErrOrderNotFound)
	})
}

func TestParseOrderStatus(t *testing.T) {
	status, err := parseOrderStatus(" Running ")
	require.NoError(t, err)
	assert.Equal(t, models.OrderRunning, status)

	_, err = parseOrderStatus("done")
	assert.ErrorIs(t, err, ErrInvalidOrderStatus)
}
