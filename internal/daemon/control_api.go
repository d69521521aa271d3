package daemon

import (
	"database/sql"
	"errors"
	"fmt"
	"log"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/fleetdeck/fleetdeck/internal/buildinfo"
	"github.com/fleetdeck/fleetdeck/internal/db"
	"github.com/fleetdeck/fleetdeck/internal/models"
)

// capabilityStaleAfter is how old an observation may be before the
// capabilities endpoint flags it stale.
const capabilityStaleAfter = 24 * time.Hour

// ControlAPI handles local control plane HTTP requests over the Unix socket.
//
// It provides the v1 API the fleetdeck CLI and dashboard use for managing
// infrastructures, runners, orders, routes, and deployments.
//
// Endpoints:
//   - POST   /v1/orders                        - Dispatch a new order
//   - GET    /v1/orders                        - List recent orders
//   - GET    /v1/orders/{id}                   - Get order details
//   - POST   /v1/orders/{id}/cancel            - Cancel a pending order
//   - POST   /v1/infrastructures               - Declare an infrastructure
//   - GET    /v1/infrastructures               - List infrastructures
//   - GET    /v1/infrastructures/{id}          - Get infrastructure details
//   - PUT    /v1/infrastructures/{id}          - Update declared fields
//   - DELETE /v1/infrastructures/{id}          - Delete an infrastructure
//   - GET    /v1/infrastructures/{id}/capabilities - Reconciled capability view
//   - GET    /v1/infrastructures/{id}/gating   - Service install gating
//   - GET    /v1/infrastructures/{id}/routes   - Routes on the infrastructure
//   - GET    /v1/runners                       - List runners with liveness
//   - GET    /v1/runners/{id}                  - Get runner details
//   - DELETE /v1/runners/{id}                  - Delete a runner
//   - POST   /v1/runners/{id}/pause            - Pause a runner
//   - POST   /v1/runners/{id}/resume           - Resume a paused runner
//   - POST   /v1/routes                        - Create route(s)
//   - GET    /v1/routes/{id}                   - Get route details
//   - DELETE /v1/routes/{id}                   - Delete an unclaimed route
//   - POST   /v1/routes/{id}/verify            - Dispatch HTTPS verification
//   - POST   /v1/routes/{id}/claim             - Claim the route for a service
//   - POST   /v1/routes/{id}/release           - Release the route
//   - POST   /v1/deployments                   - Plan a deployment
//   - GET    /v1/deployments                   - List deployments
//   - GET    /v1/deployments/{id}              - Get deployment details
//   - GET    /v1/deployments/{id}/steps        - Get the step plan
//   - POST   /v1/deployments/{id}/start        - Start execution
//   - POST   /v1/deployments/{id}/cancel       - Abort execution
//   - POST   /v1/deployments/{id}/rollback     - Plan a rollback
//   - GET    /v1/playbooks                     - List catalog playbooks
//   - GET    /v1/status                        - Control plane status summary
//   - GET    /v1/events                        - Audit event tail
type ControlAPI struct {
	store          *db.Store
	orders         *OrderManager
	routes         *RouteManager
	deploys        *DeployManager
	gating         *GatingEngine
	playbooks      PlaybookSource
	metrics        *Metrics
	metricsEnabled bool
	events         *eventRecorder
	logger         *log.Logger
	now            func() time.Time
}

func NewControlAPI(store *db.Store, orders *OrderManager, routes *RouteManager, deploys *DeployManager, gating *GatingEngine, logger *log.Logger) *ControlAPI {
	if logger == nil {
		logger = log.Default()
	}
	return &ControlAPI{
		store:   store,
		orders:  orders,
		routes:  routes,
		deploys: deploys,
		gating:  gating,
		logger:  logger,
		now:     time.Now,
	}
}

// WithPlaybooks wires the catalog provider behind /v1/playbooks.
func (api *ControlAPI) WithPlaybooks(playbooks PlaybookSource) *ControlAPI {
	if api == nil {
		return api
	}
	api.playbooks = playbooks
	return api
}

// WithMetrics registers the metrics collector.
func (api *ControlAPI) WithMetrics(metrics *Metrics) *ControlAPI {
	if api == nil {
		return api
	}
	api.metrics = metrics
	return api
}

// WithMetricsEnabled annotates the status response with metrics listener state.
func (api *ControlAPI) WithMetricsEnabled(enabled bool) *ControlAPI {
	if api == nil {
		return api
	}
	api.metricsEnabled = enabled
	return api
}

// WithEvents wires the audit event recorder.
func (api *ControlAPI) WithEvents(events *eventRecorder) *ControlAPI {
	if api == nil {
		return api
	}
	api.events = events
	return api
}

// Register registers all control API handlers with the provided mux.
func (api *ControlAPI) Register(mux *http.ServeMux) {
	if mux == nil {
		return
	}
	mux.HandleFunc("/v1/orders", api.handleOrders)
	mux.HandleFunc("/v1/orders/", api.handleOrderByID)
	mux.HandleFunc("/v1/infrastructures", api.handleInfrastructures)
	mux.HandleFunc("/v1/infrastructures/", api.handleInfrastructureByID)
	mux.HandleFunc("/v1/runners", api.handleRunners)
	mux.HandleFunc("/v1/runners/", api.handleRunnerByID)
	mux.HandleFunc("/v1/routes", api.handleRoutes)
	mux.HandleFunc("/v1/routes/", api.handleRouteByID)
	mux.HandleFunc("/v1/deployments", api.handleDeployments)
	mux.HandleFunc("/v1/deployments/", api.handleDeploymentByID)
	mux.HandleFunc("/v1/playbooks", api.handlePlaybooks)
	mux.HandleFunc("/v1/status", api.handleStatus)
	mux.HandleFunc("/v1/events", api.handleEvents)
}

func (api *ControlAPI) handleOrders(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		api.createOrder(w, r)
	case http.MethodGet:
		api.listOrders(w, r)
	default:
		writeMethodNotAllowed(w, []string{http.MethodPost, http.MethodGet})
	}
}

func (api *ControlAPI) createOrder(w http.ResponseWriter, r *http.Request) {
	var req createOrderRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid order payload", err)
		return
	}
	order, err := api.orders.CreateWithEnv(r.Context(), req.RunnerID, models.OrderCategory(req.Category), req.Name, "", req.Command, req.Env)
	if err != nil {
		switch {
		case errors.Is(err, ErrRunnerNotFound):
			writeError(w, http.StatusNotFound, "runner not found")
		default:
			writeError(w, http.StatusBadRequest, "failed to create order", err)
		}
		return
	}
	writeJSON(w, http.StatusCreated, viewOrder(order))
}

func (api *ControlAPI) listOrders(w http.ResponseWriter, r *http.Request) {
	limit, err := parseQueryInt(r.URL.Query().Get("limit"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid limit", err)
		return
	}
	limit = clampLimit(limit, defaultOrdersLimit, maxOrdersLimit)

	runnerID := r.URL.Query().Get("runner_id")
	status := models.OrderStatus(r.URL.Query().Get("status"))
	var orders []models.Order
	if runnerID != "" {
		orders, err = api.store.ListOrdersByRunner(r.Context(), runnerID, status, limit)
	} else {
		orders, err = api.store.ListOrders(r.Context(), limit)
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list orders", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"orders": viewOrders(orders)})
}

func (api *ControlAPI) handleOrderByID(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/v1/orders/")
	parts := strings.Split(strings.Trim(rest, "/"), "/")
	if parts[0] == "" {
		writeError(w, http.StatusNotFound, "order id is required")
		return
	}
	id := parts[0]
	switch {
	case len(parts) == 1 && r.Method == http.MethodGet:
		order, err := api.store.GetOrder(r.Context(), id)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				writeError(w, http.StatusNotFound, "order not found")
				return
			}
			writeError(w, http.StatusInternalServerError, "failed to load order", err)
			return
		}
		writeJSON(w, http.StatusOK, viewOrder(order))
	case len(parts) == 2 && parts[1] == "cancel" && r.Method == http.MethodPost:
		order, err := api.orders.Cancel(r.Context(), id)
		if err != nil {
			switch {
			case errors.Is(err, ErrOrderNotFound):
				writeError(w, http.StatusNotFound, "order not found")
			case errors.Is(err, ErrInvalidTransition):
				writeError(w, http.StatusConflict, fmt.Sprintf("order is %s, only pending orders can be cancelled", order.Status))
			default:
				writeError(w, http.StatusInternalServerError, "failed to cancel order", err)
			}
			return
		}
		writeJSON(w, http.StatusOK, viewOrder(order))
	case len(parts) == 1 || (len(parts) == 2 && parts[1] == "cancel"):
		writeMethodNotAllowed(w, []string{http.MethodGet, http.MethodPost})
	default:
		writeError(w, http.StatusNotFound, "not found")
	}
}

func (api *ControlAPI) handleInfrastructures(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		api.createInfrastructure(w, r)
	case http.MethodGet:
		infras, err := api.store.ListInfrastructures(r.Context())
		if err != nil {
			writeError(w, http.StatusInternalServerError, "failed to list infrastructures", err)
			return
		}
		out := make([]infrastructureView, 0, len(infras))
		for _, infra := range infras {
			out = append(out, viewInfrastructure(infra))
		}
		writeJSON(w, http.StatusOK, map[string]any{"infrastructures": out})
	default:
		writeMethodNotAllowed(w, []string{http.MethodPost, http.MethodGet})
	}
}

func (api *ControlAPI) createInfrastructure(w http.ResponseWriter, r *http.Request) {
	var req infrastructureRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid infrastructure payload", err)
		return
	}
	infra, err := api.infrastructureFromRequest(req, uuid.NewString())
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid infrastructure payload", err)
		return
	}
	now := api.now().UTC()
	infra.CreatedAt = now
	infra.UpdatedAt = now
	if err := api.store.CreateInfrastructure(r.Context(), infra); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to create infrastructure", err)
		return
	}
	api.events.record(r.Context(), "infrastructure.created", "infrastructure", infra.ID,
		fmt.Sprintf("infrastructure %s (%s) declared", infra.Name, infra.ID), nil)
	writeJSON(w, http.StatusCreated, viewInfrastructure(infra))
}

func (api *ControlAPI) infrastructureFromRequest(req infrastructureRequest, id string) (models.Infrastructure, error) {
	name := strings.TrimSpace(req.Name)
	if name == "" {
		return models.Infrastructure{}, errors.New("name is required")
	}
	infraType := models.InfraType(req.Type)
	switch infraType {
	case models.InfraVPS, models.InfraBareMetal, models.InfraCloud:
	default:
		return models.Infrastructure{}, fmt.Errorf("unknown infrastructure type %q", req.Type)
	}
	declared, err := parseCapabilityStates(req.DeclaredCapabilities)
	if err != nil {
		return models.Infrastructure{}, err
	}
	return models.Infrastructure{
		ID:           id,
		Name:         name,
		Type:         infraType,
		OS:           strings.TrimSpace(req.OS),
		Distribution: strings.TrimSpace(req.Distribution),
		Architecture: strings.TrimSpace(req.Architecture),
		CPUCores:     req.CPUCores,
		RAMMB:        req.RAMMB,
		DiskGB:       req.DiskGB,
		Provider:     strings.TrimSpace(req.Provider),
		Location:     strings.TrimSpace(req.Location),
		Notes:        req.Notes,
		Declared:     declared,
	}, nil
}

func (api *ControlAPI) handleInfrastructureByID(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/v1/infrastructures/")
	parts := strings.Split(strings.Trim(rest, "/"), "/")
	if parts[0] == "" {
		writeError(w, http.StatusNotFound, "infrastructure id is required")
		return
	}
	id := parts[0]

	if len(parts) == 1 {
		switch r.Method {
		case http.MethodGet:
			infra, ok := api.loadInfrastructure(w, r, id)
			if !ok {
				return
			}
			writeJSON(w, http.StatusOK, viewInfrastructure(infra))
		case http.MethodPut:
			api.updateInfrastructure(w, r, id)
		case http.MethodDelete:
			if err := api.store.DeleteInfrastructure(r.Context(), id); err != nil {
				if errors.Is(err, sql.ErrNoRows) {
					writeError(w, http.StatusNotFound, "infrastructure not found")
					return
				}
				writeError(w, http.StatusInternalServerError, "failed to delete infrastructure", err)
				return
			}
			api.events.record(r.Context(), "infrastructure.deleted", "infrastructure", id,
				fmt.Sprintf("infrastructure %s deleted", id), nil)
			writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
		default:
			writeMethodNotAllowed(w, []string{http.MethodGet, http.MethodPut, http.MethodDelete})
		}
		return
	}

	if len(parts) != 2 {
		writeError(w, http.StatusNotFound, "not found")
		return
	}
	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w, []string{http.MethodGet})
		return
	}
	switch parts[1] {
	case "capabilities":
		api.infrastructureCapabilities(w, r, id)
	case "gating":
		result, err := api.gating.Evaluate(r.Context(), id, r.URL.Query().Get("service"))
		if err != nil {
			writeError(w, http.StatusInternalServerError, "failed to evaluate gating", err)
			return
		}
		resp := gatingResponse{
			Ready:                   result.Ready,
			FirstUnmet:              result.FirstUnmet,
			CanInstallPrerequisites: result.CanInstallPrerequisites,
		}
		for _, check := range result.Checks {
			resp.Checks = append(resp.Checks, gatingCheck{Key: check.Key, Met: check.Met})
		}
		writeJSON(w, http.StatusOK, resp)
	case "routes":
		routes, err := api.store.ListRoutesByInfrastructure(r.Context(), id)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "failed to list routes", err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"routes": viewRoutes(routes)})
	default:
		writeError(w, http.StatusNotFound, "not found")
	}
}

func (api *ControlAPI) updateInfrastructure(w http.ResponseWriter, r *http.Request, id string) {
	existing, ok := api.loadInfrastructure(w, r, id)
	if !ok {
		return
	}
	var req infrastructureRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid infrastructure payload", err)
		return
	}
	updated, err := api.infrastructureFromRequest(req, id)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid infrastructure payload", err)
		return
	}
	// Observed evidence is never edited by the operator.
	updated.Observed = existing.Observed
	updated.ObservedAt = existing.ObservedAt
	updated.CreatedAt = existing.CreatedAt
	updated.UpdatedAt = api.now().UTC()
	if err := api.store.UpdateInfrastructure(r.Context(), updated); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to update infrastructure", err)
		return
	}
	api.events.record(r.Context(), "infrastructure.updated", "infrastructure", id,
		fmt.Sprintf("infrastructure %s updated", id), nil)
	writeJSON(w, http.StatusOK, viewInfrastructure(updated))
}

type capabilityEntry struct {
	Key        string     `json:"key"`
	Declared   string     `json:"declared,omitempty"`
	Observed   string     `json:"observed,omitempty"`
	Effective  string     `json:"effective"`
	ObservedAt *time.Time `json:"observed_at,omitempty"`
	Stale      bool       `json:"stale,omitempty"`
}

func (api *ControlAPI) infrastructureCapabilities(w http.ResponseWriter, r *http.Request, id string) {
	infra, ok := api.loadInfrastructure(w, r, id)
	if !ok {
		return
	}
	keys := make(map[string]struct{})
	for key := range infra.Declared {
		keys[key] = struct{}{}
	}
	for key := range infra.Observed {
		keys[key] = struct{}{}
	}
	now := api.now().UTC()
	entries := make([]capabilityEntry, 0, len(keys))
	for key := range keys {
		effective, _ := infra.Capability(key)
		entry := capabilityEntry{
			Key:       key,
			Declared:  string(infra.Declared[key]),
			Observed:  string(infra.Observed[key]),
			Effective: string(effective),
		}
		if at, seen := infra.ObservedAt[key]; seen {
			entry.ObservedAt = &at
			entry.Stale = now.Sub(at) > capabilityStaleAfter
		}
		entries = append(entries, entry)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Key < entries[j].Key })
	writeJSON(w, http.StatusOK, map[string]any{"capabilities": entries})
}

func (api *ControlAPI) loadInfrastructure(w http.ResponseWriter, r *http.Request, id string) (models.Infrastructure, bool) {
	infra, err := api.store.GetInfrastructure(r.Context(), id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			writeError(w, http.StatusNotFound, "infrastructure not found")
			return models.Infrastructure{}, false
		}
		writeError(w, http.StatusInternalServerError, "failed to load infrastructure", err)
		return models.Infrastructure{}, false
	}
	return infra, true
}

func (api *ControlAPI) handleRunners(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w, []string{http.MethodGet})
		return
	}
	runners, err := api.store.ListRunners(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list runners", err)
		return
	}
	now := api.now().UTC()
	out := make([]runnerDetail, 0, len(runners))
	for _, runner := range runners {
		out = append(out, viewRunner(runner, now))
	}
	writeJSON(w, http.StatusOK, map[string]any{"runners": out})
}

func (api *ControlAPI) handleRunnerByID(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/v1/runners/")
	parts := strings.Split(strings.Trim(rest, "/"), "/")
	if parts[0] == "" {
		writeError(w, http.StatusNotFound, "runner id is required")
		return
	}
	id := parts[0]

	if len(parts) == 1 {
		switch r.Method {
		case http.MethodGet:
			runner, err := api.store.GetRunner(r.Context(), id)
			if err != nil {
				if errors.Is(err, sql.ErrNoRows) {
					writeError(w, http.StatusNotFound, "runner not found")
					return
				}
				writeError(w, http.StatusInternalServerError, "failed to load runner", err)
				return
			}
			writeJSON(w, http.StatusOK, viewRunner(runner, api.now().UTC()))
		case http.MethodDelete:
			if err := api.store.DeleteRunner(r.Context(), id); err != nil {
				if errors.Is(err, sql.ErrNoRows) {
					writeError(w, http.StatusNotFound, "runner not found")
					return
				}
				writeError(w, http.StatusInternalServerError, "failed to delete runner", err)
				return
			}
			api.events.record(r.Context(), "runner.deleted", "runner", id,
				fmt.Sprintf("runner %s deleted", id), nil)
			writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
		default:
			writeMethodNotAllowed(w, []string{http.MethodGet, http.MethodDelete})
		}
		return
	}

	if len(parts) != 2 || r.Method != http.MethodPost {
		if len(parts) == 2 && (parts[1] == "pause" || parts[1] == "resume") {
			writeMethodNotAllowed(w, []string{http.MethodPost})
			return
		}
		writeError(w, http.StatusNotFound, "not found")
		return
	}
	var status models.RunnerStatus
	switch parts[1] {
	case "pause":
		status = models.RunnerPaused
	case "resume":
		status = models.RunnerOffline
	default:
		writeError(w, http.StatusNotFound, "not found")
		return
	}
	if err := api.store.UpdateRunnerStatus(r.Context(), id, status); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			writeError(w, http.StatusNotFound, "runner not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "failed to update runner", err)
		return
	}
	api.events.record(r.Context(), "runner."+parts[1]+"d", "runner", id,
		fmt.Sprintf("runner %s %sd", id, parts[1]), nil)
	runner, err := api.store.GetRunner(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to load runner", err)
		return
	}
	writeJSON(w, http.StatusOK, viewRunner(runner, api.now().UTC()))
}

func (api *ControlAPI) handleRoutes(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeMethodNotAllowed(w, []string{http.MethodPost})
		return
	}
	var req createRouteRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid route payload", err)
		return
	}
	created, err := api.routes.Create(r.Context(), RouteRequest{
		InfrastructureID: req.InfrastructureID,
		Domain:           req.Domain,
		Subdomain:        req.Subdomain,
		RoutingType:      models.RoutingType(req.RoutingType),
		BackendHost:      req.Upstream,
		BackendPort:      req.Port,
		BackendProtocol:  req.Protocol,
	})
	if err != nil {
		switch {
		case errors.Is(err, ErrInfraNotFound):
			writeError(w, http.StatusNotFound, "infrastructure not found")
		case errors.Is(err, ErrDomainTaken):
			writeJSON(w, http.StatusConflict, map[string]any{
				"error":  err.Error(),
				"routes": viewRoutes(created),
			})
		default:
			writeError(w, http.StatusBadRequest, "failed to create route", err)
		}
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"routes": viewRoutes(created)})
}

func (api *ControlAPI) handleRouteByID(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/v1/routes/")
	parts := strings.Split(strings.Trim(rest, "/"), "/")
	if parts[0] == "" {
		writeError(w, http.StatusNotFound, "route id is required")
		return
	}
	id := parts[0]

	if len(parts) == 1 {
		switch r.Method {
		case http.MethodGet:
			route, err := api.routes.Get(r.Context(), id)
			if err != nil {
				api.writeRouteError(w, err)
				return
			}
			writeJSON(w, http.StatusOK, viewRoute(route))
		case http.MethodDelete:
			if err := api.routes.Delete(r.Context(), id); err != nil {
				api.writeRouteError(w, err)
				return
			}
			writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
		default:
			writeMethodNotAllowed(w, []string{http.MethodGet, http.MethodDelete})
		}
		return
	}

	if len(parts) != 2 {
		writeError(w, http.StatusNotFound, "not found")
		return
	}
	if r.Method != http.MethodPost {
		writeMethodNotAllowed(w, []string{http.MethodPost})
		return
	}
	switch parts[1] {
	case "verify":
		order, err := api.routes.RequestProvisioning(r.Context(), id)
		if err != nil {
			api.writeRouteError(w, err)
			return
		}
		writeJSON(w, http.StatusAccepted, map[string]any{"order": viewOrder(order)})
	case "claim":
		var req claimRouteRequest
		if err := decodeJSON(w, r, &req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid claim payload", err)
			return
		}
		route, err := api.routes.Claim(r.Context(), id, req.ConsumedBy)
		if err != nil {
			api.writeRouteError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, viewRoute(route))
	case "release":
		route, err := api.routes.Release(r.Context(), id)
		if err != nil {
			api.writeRouteError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, viewRoute(route))
	default:
		writeError(w, http.StatusNotFound, "not found")
	}
}

func (api *ControlAPI) writeRouteError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ErrRouteNotFound):
		writeError(w, http.StatusNotFound, "route not found")
	case errors.Is(err, ErrRouteInUse):
		writeError(w, http.StatusConflict, "route is claimed", err)
	case errors.Is(err, ErrRouteAlreadyTaken):
		writeError(w, http.StatusConflict, "route already claimed")
	case errors.Is(err, ErrNoActiveRunner):
		writeError(w, http.StatusConflict, "no online runner for infrastructure")
	default:
		writeError(w, http.StatusInternalServerError, "route operation failed", err)
	}
}

func (api *ControlAPI) handleDeployments(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		api.createDeployment(w, r)
	case http.MethodGet:
		limit, err := parseQueryInt(r.URL.Query().Get("limit"))
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid limit", err)
			return
		}
		deployments, err := api.store.ListDeployments(r.Context(), clampLimit(limit, defaultOrdersLimit, maxOrdersLimit))
		if err != nil {
			writeError(w, http.StatusInternalServerError, "failed to list deployments", err)
			return
		}
		out := make([]deploymentView, 0, len(deployments))
		for _, deployment := range deployments {
			out = append(out, viewDeployment(deployment))
		}
		writeJSON(w, http.StatusOK, map[string]any{"deployments": out})
	default:
		writeMethodNotAllowed(w, []string{http.MethodPost, http.MethodGet})
	}
}

func (api *ControlAPI) createDeployment(w http.ResponseWriter, r *http.Request) {
	var req createDeploymentRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid deployment payload", err)
		return
	}
	domain := ""
	if req.RouteID != "" {
		route, err := api.routes.Get(r.Context(), req.RouteID)
		if err != nil {
			api.writeRouteError(w, err)
			return
		}
		domain = route.FullDomain
	}
	deployment, err := api.deploys.Create(r.Context(), DeploymentRequest{
		RunnerID:         req.RunnerID,
		AppName:          req.AppName,
		RepoURL:          req.RepoURL,
		Branch:           req.Branch,
		DeployType:       models.DeployType(req.DeployType),
		EnvVars:          req.EnvVars,
		Port:             req.Port,
		BuildCommand:     req.BuildCommand,
		StartCommand:     req.StartCommand,
		HealthcheckType:  models.HealthcheckType(req.HealthcheckType),
		HealthcheckValue: req.HealthcheckValue,
		ExposeViaCaddy:   req.ExposeViaCaddy,
		RouteID:          req.RouteID,
		Domain:           domain,
	})
	if err != nil {
		switch {
		case errors.Is(err, ErrRunnerNotFound):
			writeError(w, http.StatusNotFound, "runner not found")
		default:
			writeError(w, http.StatusBadRequest, "failed to plan deployment", err)
		}
		return
	}
	writeJSON(w, http.StatusCreated, viewDeployment(deployment))
}

func (api *ControlAPI) handleDeploymentByID(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/v1/deployments/")
	parts := strings.Split(strings.Trim(rest, "/"), "/")
	if parts[0] == "" {
		writeError(w, http.StatusNotFound, "deployment id is required")
		return
	}
	id := parts[0]

	if len(parts) == 1 {
		if r.Method != http.MethodGet {
			writeMethodNotAllowed(w, []string{http.MethodGet})
			return
		}
		deployment, err := api.deploys.Get(r.Context(), id)
		if err != nil {
			api.writeDeploymentError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, viewDeployment(deployment))
		return
	}

	if len(parts) != 2 {
		writeError(w, http.StatusNotFound, "not found")
		return
	}
	switch parts[1] {
	case "steps":
		if r.Method != http.MethodGet {
			writeMethodNotAllowed(w, []string{http.MethodGet})
			return
		}
		if _, err := api.deploys.Get(r.Context(), id); err != nil {
			api.writeDeploymentError(w, err)
			return
		}
		steps, err := api.store.ListSteps(r.Context(), id)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "failed to list steps", err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"steps": viewSteps(steps)})
	case "start", "cancel", "rollback":
		if r.Method != http.MethodPost {
			writeMethodNotAllowed(w, []string{http.MethodPost})
			return
		}
		var deployment models.Deployment
		var err error
		switch parts[1] {
		case "start":
			deployment, err = api.deploys.Start(r.Context(), id)
		case "cancel":
			deployment, err = api.deploys.Cancel(r.Context(), id)
		case "rollback":
			deployment, err = api.deploys.Rollback(r.Context(), id)
		}
		if err != nil {
			api.writeDeploymentError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, viewDeployment(deployment))
	default:
		writeError(w, http.StatusNotFound, "not found")
	}
}

func (api *ControlAPI) writeDeploymentError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ErrDeploymentNotFound):
		writeError(w, http.StatusNotFound, "deployment not found")
	case errors.Is(err, ErrDeploymentNotReady):
		writeError(w, http.StatusConflict, "deployment is not ready to start")
	case errors.Is(err, ErrDeploymentNotApplied):
		writeError(w, http.StatusConflict, "only applied deployments can be rolled back")
	case errors.Is(err, ErrDeploymentFinished):
		writeError(w, http.StatusConflict, "deployment already finished")
	case errors.Is(err, ErrNoActiveRunner):
		writeError(w, http.StatusConflict, "no online runner for deployment")
	case errors.Is(err, ErrRouteAlreadyTaken):
		writeError(w, http.StatusConflict, "route already claimed")
	default:
		writeError(w, http.StatusInternalServerError, "deployment operation failed", err)
	}
}

func (api *ControlAPI) handlePlaybooks(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w, []string{http.MethodGet})
		return
	}
	var playbooks []models.Playbook
	if api.playbooks != nil {
		playbooks = api.playbooks.List()
	}
	if playbooks == nil {
		playbooks = []models.Playbook{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"playbooks": playbooks})
}

func (api *ControlAPI) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w, []string{http.MethodGet})
		return
	}
	now := api.now().UTC()

	runners, err := api.store.ListRunners(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list runners", err)
		return
	}
	counts := livenessCounts{Total: len(runners)}
	for _, runner := range runners {
		switch models.DeriveLiveness(runner.Status, runner.LastSeenAt, now) {
		case models.RunnerOnline:
			counts.Online++
		case models.RunnerPaused:
			counts.Paused++
		default:
			counts.Offline++
		}
	}

	orderCounts, err := api.store.CountOrdersByStatus(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to count orders", err)
		return
	}
	byStatus := make(map[string]int, len(orderCounts))
	for status, count := range orderCounts {
		byStatus[string(status)] = count
	}

	failures, err := api.store.ListRecentEventsByKind(r.Context(), "order.failed", statusFailureLimit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list failures", err)
		return
	}

	writeJSON(w, http.StatusOK, statusResponse{
		Version:        buildinfo.Version,
		Now:            now,
		Runners:        counts,
		OrdersByStatus: byStatus,
		RecentFailures: failures,
		MetricsEnabled: api.metricsEnabled,
	})
}

func (api *ControlAPI) handleEvents(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w, []string{http.MethodGet})
		return
	}
	afterID, err := parseQueryInt64(r.URL.Query().Get("after_id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid after_id", err)
		return
	}
	limit, err := parseQueryInt(r.URL.Query().Get("limit"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid limit", err)
		return
	}
	limit = clampLimit(limit, defaultEventsLimit, maxEventsLimit)

	entity := r.URL.Query().Get("entity")
	entityID := r.URL.Query().Get("entity_id")
	var events []db.Event
	if entity != "" && entityID != "" {
		events, err = api.store.ListEventsByEntity(r.Context(), entity, entityID, afterID, limit)
	} else {
		events, err = api.store.ListEvents(r.Context(), afterID, limit)
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list events", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": events})
}
