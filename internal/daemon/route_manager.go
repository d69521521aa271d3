package daemon

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/fleetdeck/fleetdeck/internal/db"
	"github.com/fleetdeck/fleetdeck/internal/models"
)

var (
	ErrRouteNotFound      = errors.New("route not found")
	ErrInfraNotFound      = errors.New("infrastructure not found")
	ErrDomainTaken        = errors.New("domain already routed on this infrastructure")
	ErrNoActiveRunner     = errors.New("no online runner for infrastructure")
	ErrRouteInUse         = errors.New("route is claimed by a service")
	ErrRouteAlreadyTaken  = errors.New("route already claimed")
	ErrInvalidRoutingType = errors.New("invalid routing type")
)

const verifyPlaybookKey = "caddy.verify-domain"

// PlaybookSource resolves catalog playbooks by key.
type PlaybookSource interface {
	Get(key string) (models.Playbook, bool)
	List() []models.Playbook
}

// RouteRequest describes one operator route creation. RoutingType
// root_and_subdomain expands into two independent routes, root first.
type RouteRequest struct {
	InfrastructureID string
	Domain           string
	Subdomain        string
	RoutingType      models.RoutingType
	BackendHost      string
	BackendPort      int
	BackendProtocol  string
}

// RouteManager owns reverse-proxy routes and their HTTPS verification
// lifecycle. Verification runs as a regular order dispatched to an online
// runner on the route's infrastructure; the manager tracks the outstanding
// order per route so concurrent verification requests coalesce onto one
// order instead of stacking.
type RouteManager struct {
	store     *db.Store
	orders    *OrderManager
	playbooks PlaybookSource
	events    *eventRecorder
	metrics   *Metrics
	logger    *log.Logger
	now       func() time.Time

	mu       sync.Mutex
	pending map[string]string // route id -> outstanding verification order id
	byOrder map[string]string // order id -> route id
}

func NewRouteManager(store *db.Store, orders *OrderManager, playbooks PlaybookSource, events *eventRecorder, metrics *Metrics, logger *log.Logger) *RouteManager {
	if logger == nil {
		logger = log.Default()
	}
	return &RouteManager{
		store:     store,
		orders:    orders,
		playbooks: playbooks,
		events:    events,
		metrics:   metrics,
		logger:    logger,
		now:       time.Now,
		pending:   make(map[string]string),
		byOrder:   make(map[string]string),
	}
}

// Create persists the routes the request expands to. For root_and_subdomain
// the root route is created first; a duplicate subdomain then leaves the
// already created root route in place, matching the independence of the two
// lifecycles.
func (m *RouteManager) Create(ctx context.Context, req RouteRequest) ([]models.CaddyRoute, error) {
	if m == nil || m.store == nil {
		return nil, errors.New("route manager unavailable")
	}
	req.Domain = strings.ToLower(strings.TrimSpace(req.Domain))
	req.Subdomain = strings.ToLower(strings.TrimSpace(req.Subdomain))
	if req.Domain == "" {
		return nil, errors.New("domain is required")
	}
	if strings.TrimSpace(req.InfrastructureID) == "" {
		return nil, errors.New("infrastructure id is required")
	}
	if req.BackendPort < 1 || req.BackendPort > 65535 {
		return nil, fmt.Errorf("invalid backend port %d", req.BackendPort)
	}
	if _, err := m.store.GetInfrastructure(ctx, req.InfrastructureID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrInfraNotFound
		}
		return nil, err
	}

	var specs []models.CaddyRoute
	switch req.RoutingType {
	case models.RoutingRoot:
		specs = append(specs, m.routeSpec(req, ""))
	case models.RoutingSubdomain:
		if req.Subdomain == "" {
			return nil, errors.New("subdomain is required for routing type subdomain")
		}
		specs = append(specs, m.routeSpec(req, req.Subdomain))
	case models.RoutingRootAndSubdomain:
		if req.Subdomain == "" {
			return nil, errors.New("subdomain is required for routing type root_and_subdomain")
		}
		specs = append(specs, m.routeSpec(req, ""), m.routeSpec(req, req.Subdomain))
	default:
		return nil, fmt.Errorf("%w: %q", ErrInvalidRoutingType, req.RoutingType)
	}

	created := make([]models.CaddyRoute, 0, len(specs))
	for _, route := range specs {
		if err := m.store.CreateRoute(ctx, route); err != nil {
			if isUniqueConstraint(err) {
				if len(created) > 0 {
					return created, fmt.Errorf("%w: %s", ErrDomainTaken, route.FullDomain)
				}
				return nil, fmt.Errorf("%w: %s", ErrDomainTaken, route.FullDomain)
			}
			return created, fmt.Errorf("create route %s: %w", route.FullDomain, err)
		}
		m.events.record(ctx, "route.created", "route", route.ID,
			fmt.Sprintf("route %s created for %s", route.ID, route.FullDomain), viewRoute(route))
		created = append(created, route)
	}
	return created, nil
}

func (m *RouteManager) routeSpec(req RouteRequest, subdomain string) models.CaddyRoute {
	full := req.Domain
	if subdomain != "" {
		full = subdomain + "." + req.Domain
	}
	protocol := strings.TrimSpace(req.BackendProtocol)
	if protocol == "" {
		protocol = "http"
	}
	now := m.now().UTC()
	return models.CaddyRoute{
		ID:               uuid.NewString(),
		InfrastructureID: req.InfrastructureID,
		Domain:           req.Domain,
		Subdomain:        subdomain,
		FullDomain:       full,
		BackendHost:      req.BackendHost,
		BackendPort:      req.BackendPort,
		BackendProtocol:  protocol,
		HTTPSStatus:      models.HTTPSPending,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
}

func (m *RouteManager) Get(ctx context.Context, id string) (models.CaddyRoute, error) {
	if m == nil || m.store == nil {
		return models.CaddyRoute{}, errors.New("route manager unavailable")
	}
	route, err := m.store.GetRoute(ctx, id)
	if errors.Is(err, sql.ErrNoRows) {
		return models.CaddyRoute{}, ErrRouteNotFound
	}
	return route, err
}

// RequestProvisioning dispatches a domain verification order for the route.
// It requires an online runner on the route's infrastructure and tolerates
// repeat calls: while a verification order is outstanding the same order is
// returned instead of a second one.
func (m *RouteManager) RequestProvisioning(ctx context.Context, routeID string) (models.Order, error) {
	if m == nil || m.store == nil {
		return models.Order{}, errors.New("route manager unavailable")
	}
	route, err := m.Get(ctx, routeID)
	if err != nil {
		return models.Order{}, err
	}

	m.mu.Lock()
	if orderID, ok := m.pending[route.ID]; ok {
		m.mu.Unlock()
		order, err := m.store.GetOrder(ctx, orderID)
		if err == nil && !order.Status.Terminal() {
			return order, nil
		}
		// Stale tracking entry, fall through and start over.
		m.untrack(orderID)
	} else {
		m.mu.Unlock()
	}

	runner, err := m.onlineRunner(ctx, route.InfrastructureID)
	if err != nil {
		return models.Order{}, err
	}

	switch route.HTTPSStatus {
	case models.HTTPSPending:
		if _, err := m.store.UpdateRouteHTTPSStatus(ctx, route.ID, models.HTTPSPending, models.HTTPSProvisioning); err != nil {
			return models.Order{}, err
		}
	case models.HTTPSFailed:
		if _, err := m.store.UpdateRouteHTTPSStatus(ctx, route.ID, models.HTTPSFailed, models.HTTPSProvisioning); err != nil {
			return models.Order{}, err
		}
	case models.HTTPSProvisioning:
		// Daemon restarted mid-verification; dispatch a fresh order.
	case models.HTTPSOK:
		// Re-verification of a live route is allowed.
	}

	command, name := m.verifyCommand(route)
	order, err := m.orders.Create(ctx, runner.ID, models.OrderMaintenance, name,
		fmt.Sprintf("[%s] verify %s", verifyPlaybookKey, route.FullDomain), command)
	if err != nil {
		return models.Order{}, fmt.Errorf("dispatch verification for route %s: %w", route.ID, err)
	}

	m.mu.Lock()
	m.pending[route.ID] = order.ID
	m.byOrder[order.ID] = route.ID
	m.mu.Unlock()

	m.metrics.RecordRouteVerification("dispatched")
	m.events.record(ctx, "route.provisioning", "route", route.ID,
		fmt.Sprintf("verification order %s dispatched for %s", order.ID, route.FullDomain), nil)
	return order, nil
}

// HandleOrderTerminal is the OrderManager terminal hook for verification
// orders. Completed orders move the route to ok, everything else to failed.
func (m *RouteManager) HandleOrderTerminal(ctx context.Context, order models.Order) {
	if m == nil || m.store == nil {
		return
	}
	m.mu.Lock()
	routeID, ok := m.byOrder[order.ID]
	m.mu.Unlock()
	if !ok {
		return
	}
	m.untrack(order.ID)

	target := models.HTTPSFailed
	outcome := "failed"
	if order.Status == models.OrderCompleted {
		target = models.HTTPSOK
		outcome = "ok"
	}
	updated, err := m.store.UpdateRouteHTTPSStatus(ctx, routeID, models.HTTPSProvisioning, target)
	if err != nil {
		m.logger.Printf("fleetdeckd: route %s verification result: %v", routeID, err)
		return
	}
	if !updated {
		// The route left provisioning some other way; force the terminal
		// state so the verification outcome is not lost.
		if err := m.store.SetRouteHTTPSStatus(ctx, routeID, target); err != nil {
			m.logger.Printf("fleetdeckd: route %s verification result: %v", routeID, err)
			return
		}
	}
	m.metrics.RecordRouteVerification(outcome)
	m.events.record(ctx, "route."+outcome, "route", routeID,
		fmt.Sprintf("route %s verification %s (order %s)", routeID, outcome, order.ID), nil)
}

func (m *RouteManager) untrack(orderID string) {
	m.mu.Lock()
	if routeID, ok := m.byOrder[orderID]; ok {
		if m.pending[routeID] == orderID {
			delete(m.pending, routeID)
		}
		delete(m.byOrder, orderID)
	}
	m.mu.Unlock()
}

// Claim marks the route consumed by a service. A route can have at most one
// consumer at a time.
func (m *RouteManager) Claim(ctx context.Context, routeID, consumer string) (models.CaddyRoute, error) {
	if m == nil || m.store == nil {
		return models.CaddyRoute{}, errors.New("route manager unavailable")
	}
	if strings.TrimSpace(consumer) == "" {
		return models.CaddyRoute{}, errors.New("consumer is required")
	}
	claimed, err := m.store.ClaimRoute(ctx, routeID, consumer)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.CaddyRoute{}, ErrRouteNotFound
		}
		return models.CaddyRoute{}, err
	}
	if !claimed {
		return models.CaddyRoute{}, ErrRouteAlreadyTaken
	}
	route, err := m.Get(ctx, routeID)
	if err != nil {
		return models.CaddyRoute{}, err
	}
	m.events.record(ctx, "route.claimed", "route", route.ID,
		fmt.Sprintf("route %s claimed by %s", route.FullDomain, consumer), nil)
	return route, nil
}

// Release clears the route's consumer.
func (m *RouteManager) Release(ctx context.Context, routeID string) (models.CaddyRoute, error) {
	if m == nil || m.store == nil {
		return models.CaddyRoute{}, errors.New("route manager unavailable")
	}
	if err := m.store.ReleaseRoute(ctx, routeID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.CaddyRoute{}, ErrRouteNotFound
		}
		return models.CaddyRoute{}, err
	}
	route, err := m.Get(ctx, routeID)
	if err != nil {
		return models.CaddyRoute{}, err
	}
	m.events.record(ctx, "route.released", "route", route.ID,
		fmt.Sprintf("route %s released", route.FullDomain), nil)
	return route, nil
}

// Delete removes an unclaimed route. Claimed routes must be released first.
func (m *RouteManager) Delete(ctx context.Context, routeID string) error {
	if m == nil || m.store == nil {
		return errors.New("route manager unavailable")
	}
	route, err := m.Get(ctx, routeID)
	if err != nil {
		return err
	}
	deleted, err := m.store.DeleteRoute(ctx, routeID)
	if err != nil {
		return err
	}
	if !deleted {
		return fmt.Errorf("%w: %s", ErrRouteInUse, route.ConsumedBy)
	}
	m.events.record(ctx, "route.deleted", "route", route.ID,
		fmt.Sprintf("route %s deleted", route.FullDomain), nil)
	return nil
}

func (m *RouteManager) onlineRunner(ctx context.Context, infraID string) (models.Runner, error) {
	runners, err := m.store.ListRunnersByInfrastructure(ctx, infraID)
	if err != nil {
		return models.Runner{}, err
	}
	now := m.now().UTC()
	for _, runner := range runners {
		if models.DeriveLiveness(runner.Status, runner.LastSeenAt, now) == models.RunnerOnline {
			return runner, nil
		}
	}
	return models.Runner{}, ErrNoActiveRunner
}

func (m *RouteManager) verifyCommand(route models.CaddyRoute) (command, name string) {
	name = "Verify domain " + route.FullDomain
	upstream := fmt.Sprintf("%s:%d", route.BackendHost, route.BackendPort)
	if m.playbooks != nil {
		if playbook, ok := m.playbooks.Get(verifyPlaybookKey); ok {
			return renderPlaybookCommand(playbook.Command, map[string]string{
				"domain":   route.FullDomain,
				"upstream": upstream,
				"protocol": route.BackendProtocol,
			}), name
		}
	}
	command = fmt.Sprintf("curl -fsS --max-time 30 https://%s/ > /dev/null && echo verified", route.FullDomain)
	return command, name
}

// renderPlaybookCommand substitutes {{key}} placeholders in a catalog
// command template.
func renderPlaybookCommand(template string, vars map[string]string) string {
	out := template
	for key, value := range vars {
		out = strings.ReplaceAll(out, "{{"+key+"}}", value)
	}
	return out
}
