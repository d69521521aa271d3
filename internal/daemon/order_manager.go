package daemon

import (
	"context"
	"crypto/rand"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/fleetdeck/fleetdeck/internal/db"
	"github.com/fleetdeck/fleetdeck/internal/models"
	"github.com/fleetdeck/fleetdeck/internal/secrets"
)

var (
	ErrOrderNotFound      = errors.New("order not found")
	ErrRunnerNotFound     = errors.New("runner not found")
	ErrInvalidTransition  = errors.New("invalid order transition")
	ErrInvalidOrderStatus = errors.New("invalid order status")
	ErrInvalidProgress    = errors.New("progress out of range")
)

// OrderReport is one agent-side progress or termination report.
type OrderReport struct {
	Status       models.OrderStatus
	Progress     *int
	ResultJSON   string
	ErrorMessage string
	ExitCode     *int
	Stdout       string
	Stderr       string
	ReportedAt   time.Time
}

// OrderManager owns the order lifecycle. Creation and cancellation come from
// the control API, running and terminal reports from the agent API. Terminal
// hooks fan completed orders out to the capability engine, route manager, and
// deploy manager.
type OrderManager struct {
	store   *db.Store
	keeper  *secrets.Keeper
	events  *eventRecorder
	metrics *Metrics
	logger  *log.Logger
	now     func() time.Time
	rand    io.Reader

	mu         sync.Mutex
	onTerminal []func(ctx context.Context, order models.Order)
}

func NewOrderManager(store *db.Store, keeper *secrets.Keeper, events *eventRecorder, metrics *Metrics, logger *log.Logger) *OrderManager {
	if logger == nil {
		logger = log.Default()
	}
	return &OrderManager{
		store:   store,
		keeper:  keeper,
		events:  events,
		metrics: metrics,
		logger:  logger,
		now:     time.Now,
		rand:    rand.Reader,
	}
}

// OnTerminal registers a hook invoked after any order reaches a terminal
// state. Hooks run synchronously in registration order.
func (m *OrderManager) OnTerminal(fn func(ctx context.Context, order models.Order)) {
	if m == nil || fn == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onTerminal = append(m.onTerminal, fn)
}

// Create validates and persists a new pending order for a runner. The
// order inherits the runner's infrastructure binding at creation time.
func (m *OrderManager) Create(ctx context.Context, runnerID string, category models.OrderCategory, name, description, command string) (models.Order, error) {
	return m.CreateWithEnv(ctx, runnerID, category, name, description, command, nil)
}

// CreateWithEnv is Create with environment variables attached to the order.
// The variables are sealed with the daemon age key before the order is
// stored and only decrypted when the order is handed to its agent.
func (m *OrderManager) CreateWithEnv(ctx context.Context, runnerID string, category models.OrderCategory, name, description, command string, env map[string]string) (models.Order, error) {
	if m == nil || m.store == nil {
		return models.Order{}, errors.New("order manager unavailable")
	}
	if strings.TrimSpace(runnerID) == "" {
		return models.Order{}, errors.New("runner id is required")
	}
	if strings.TrimSpace(command) == "" {
		return models.Order{}, errors.New("command is required")
	}
	if !validOrderCategory(category) {
		return models.Order{}, fmt.Errorf("unknown order category %q", category)
	}
	runner, err := m.store.GetRunner(ctx, runnerID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.Order{}, ErrRunnerNotFound
		}
		return models.Order{}, err
	}

	var envSealed string
	if len(env) > 0 {
		if m.keeper == nil {
			return models.Order{}, errors.New("order env requires a configured age key")
		}
		envSealed, err = m.keeper.SealEnv(env)
		if err != nil {
			return models.Order{}, fmt.Errorf("seal order env: %w", err)
		}
	}

	id, err := m.newID()
	if err != nil {
		return models.Order{}, err
	}
	now := m.now().UTC()
	order := models.Order{
		ID:               id,
		RunnerID:         runner.ID,
		InfrastructureID: runner.InfrastructureID,
		Category:         category,
		Name:             strings.TrimSpace(name),
		Description:      strings.TrimSpace(description),
		Command:          command,
		EnvSealed:        envSealed,
		Status:           models.OrderPending,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if order.Name == "" {
		order.Name = string(category)
	}
	if err := m.store.CreateOrder(ctx, order); err != nil {
		return models.Order{}, fmt.Errorf("create order: %w", err)
	}
	m.metrics.RecordOrderCreated(string(category))
	m.events.record(ctx, "order.created", "order", order.ID, fmt.Sprintf("order %s created for runner %s", order.ID, runner.ID), order)
	return order, nil
}

// OpenEnv decrypts an order's sealed environment variables. Orders without
// env come back as a nil map.
func (m *OrderManager) OpenEnv(order models.Order) (map[string]string, error) {
	if order.EnvSealed == "" {
		return nil, nil
	}
	if m == nil || m.keeper == nil {
		return nil, errors.New("order env requires a configured age key")
	}
	env, err := m.keeper.OpenEnv(order.EnvSealed)
	if err != nil {
		return nil, fmt.Errorf("open env for order %s: %w", order.ID, err)
	}
	return env, nil
}

// Report applies one agent report. Only forward transitions are applied:
// stale or duplicate reports come back with accepted=false and no error,
// while reports that contradict a completed or failed order are rejected
// with ErrInvalidTransition. Reports against cancelled orders are ignored.
func (m *OrderManager) Report(ctx context.Context, orderID string, report OrderReport) (models.Order, bool, error) {
	if m == nil || m.store == nil {
		return models.Order{}, false, errors.New("order manager unavailable")
	}
	order, err := m.store.GetOrder(ctx, orderID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.Order{}, false, ErrOrderNotFound
		}
		return models.Order{}, false, err
	}

	switch report.Status {
	case models.OrderRunning, models.OrderCompleted, models.OrderFailed:
	default:
		return order, false, fmt.Errorf("%w: %q", ErrInvalidOrderStatus, report.Status)
	}
	if report.Progress != nil && (*report.Progress < 0 || *report.Progress > 100) {
		return order, false, fmt.Errorf("%w: %d", ErrInvalidProgress, *report.Progress)
	}

	if order.Status == models.OrderCancelled {
		// The agent raced a cancellation. Drop the report without error so
		// the agent stops retrying.
		return order, false, nil
	}
	if order.Status.Terminal() {
		if report.Status == order.Status {
			return order, false, nil
		}
		return order, false, ErrInvalidTransition
	}
	if !report.ReportedAt.IsZero() && report.ReportedAt.Before(order.UpdatedAt) {
		return order, false, nil
	}

	now := m.now().UTC()
	switch report.Status {
	case models.OrderRunning:
		if order.Status == models.OrderPending {
			if _, err := m.store.MarkOrderRunning(ctx, order.ID, now); err != nil {
				return order, false, err
			}
			m.metrics.RecordOrderTransition(string(models.OrderRunning))
		}
		if report.Progress != nil || report.Stdout != "" || report.Stderr != "" {
			if _, err := m.store.RecordOrderProgress(ctx, order.ID, report.Progress, report.Stdout, report.Stderr); err != nil {
				return order, false, err
			}
		}
	case models.OrderCompleted, models.OrderFailed:
		term := db.OrderTermination{
			Status:       report.Status,
			Progress:     report.Progress,
			ResultJSON:   report.ResultJSON,
			ErrorMessage: report.ErrorMessage,
			ExitCode:     report.ExitCode,
			StdoutTail:   report.Stdout,
			StderrTail:   report.Stderr,
			CompletedAt:  now,
		}
		updated, err := m.store.FinalizeOrder(ctx, order.ID, term)
		if err != nil {
			return order, false, err
		}
		if !updated {
			// Lost a race against cancellation or another report.
			refreshed, rerr := m.store.GetOrder(ctx, order.ID)
			if rerr == nil {
				order = refreshed
			}
			return order, false, nil
		}
		m.metrics.RecordOrderTransition(string(report.Status))
		if !order.CreatedAt.IsZero() {
			m.metrics.ObserveOrderDuration(string(order.Category), now.Sub(order.CreatedAt).Seconds())
		}
	}

	updated, err := m.store.GetOrder(ctx, order.ID)
	if err != nil {
		return order, true, err
	}
	m.events.record(ctx, "order."+string(report.Status), "order", updated.ID,
		fmt.Sprintf("order %s reported %s", updated.ID, report.Status), updated)
	if updated.Status.Terminal() {
		m.fireTerminal(ctx, updated)
	}
	return updated, true, nil
}

// Cancel moves a pending order to cancelled. Running and terminal orders
// cannot be cancelled.
func (m *OrderManager) Cancel(ctx context.Context, orderID string) (models.Order, error) {
	if m == nil || m.store == nil {
		return models.Order{}, errors.New("order manager unavailable")
	}
	order, err := m.store.GetOrder(ctx, orderID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.Order{}, ErrOrderNotFound
		}
		return models.Order{}, err
	}
	if order.Status != models.OrderPending {
		return order, ErrInvalidTransition
	}
	now := m.now().UTC()
	updated, err := m.store.CancelOrder(ctx, order.ID, now)
	if err != nil {
		return order, err
	}
	if !updated {
		return order, ErrInvalidTransition
	}
	m.metrics.RecordOrderTransition(string(models.OrderCancelled))
	cancelled, err := m.store.GetOrder(ctx, order.ID)
	if err != nil {
		return order, err
	}
	m.events.record(ctx, "order.cancelled", "order", cancelled.ID,
		fmt.Sprintf("order %s cancelled", cancelled.ID), cancelled)
	m.fireTerminal(ctx, cancelled)
	return cancelled, nil
}

func (m *OrderManager) fireTerminal(ctx context.Context, order models.Order) {
	m.mu.Lock()
	hooks := make([]func(context.Context, models.Order), len(m.onTerminal))
	copy(hooks, m.onTerminal)
	m.mu.Unlock()
	for _, hook := range hooks {
		hook(ctx, order)
	}
}

func (m *OrderManager) newID() (string, error) {
	return newID(m.rand, "order")
}

func validOrderCategory(category models.OrderCategory) bool {
	switch category {
	case models.OrderInstallation, models.OrderUpdate, models.OrderSecurity,
		models.OrderMaintenance, models.OrderDetection:
		return true
	default:
		return false
	}
}

func parseOrderStatus(value string) (models.OrderStatus, error) {
	switch models.OrderStatus(strings.TrimSpace(strings.ToLower(value))) {
	case models.OrderPending:
		return models.OrderPending, nil
	case models.OrderRunning:
		return models.OrderRunning, nil
	case models.OrderCompleted:
		return models.OrderCompleted, nil
	case models.OrderFailed:
		return models.OrderFailed, nil
	case models.OrderCancelled:
		return models.OrderCancelled, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidOrderStatus, value)
	}
}
