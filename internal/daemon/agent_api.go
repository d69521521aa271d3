package daemon

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/fleetdeck/fleetdeck/internal/db"
	"github.com/fleetdeck/fleetdeck/internal/models"
)

const (
	defaultPollSeconds      = 5
	defaultHeartbeatSeconds = 30
)

// AgentAPI is the TCP-facing surface runners talk to: register, heartbeat,
// poll for pending orders, and report execution. Every call after
// registration authenticates with the runner token.
type AgentAPI struct {
	store   *db.Store
	orders  *OrderManager
	events  *eventRecorder
	metrics *Metrics
	logger  *log.Logger
	now     func() time.Time
}

func NewAgentAPI(store *db.Store, orders *OrderManager, events *eventRecorder, metrics *Metrics, logger *log.Logger) *AgentAPI {
	if logger == nil {
		logger = log.Default()
	}
	return &AgentAPI{
		store:   store,
		orders:  orders,
		events:  events,
		metrics: metrics,
		logger:  logger,
		now:     time.Now,
	}
}

// Routes registers the agent endpoints on mux.
func (a *AgentAPI) Routes(mux *http.ServeMux) {
	mux.HandleFunc("/v1/agent/register", a.handleRegister)
	mux.HandleFunc("/v1/agent/heartbeat", a.handleHeartbeat)
	mux.HandleFunc("/v1/agent/orders", a.handleOrders)
	mux.HandleFunc("/v1/agent/orders/", a.handleOrderReport)
}

func (a *AgentAPI) handleRegister(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeMethodNotAllowed(w, []string{http.MethodPost})
		return
	}
	var req registerRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid register payload", err)
		return
	}
	req.Name = strings.TrimSpace(req.Name)
	if req.Name == "" {
		writeError(w, http.StatusBadRequest, "name is required")
		return
	}
	tokenHash, err := db.HashRunnerToken(req.Token)
	if err != nil {
		writeError(w, http.StatusBadRequest, "token is required", err)
		return
	}

	capabilities, err := parseCapabilityStates(req.Capabilities)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid capabilities", err)
		return
	}

	var infraID *string
	if strings.TrimSpace(req.InfrastructureID) != "" {
		id := strings.TrimSpace(req.InfrastructureID)
		if _, err := a.store.GetInfrastructure(r.Context(), id); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				writeError(w, http.StatusBadRequest, fmt.Sprintf("unknown infrastructure %s", id))
				return
			}
			writeError(w, http.StatusInternalServerError, "failed to validate infrastructure", err)
			return
		}
		infraID = &id
	}

	now := a.now().UTC()
	runner, err := a.store.UpsertRunner(r.Context(), models.Runner{
		ID:               uuid.NewString(),
		Name:             req.Name,
		TokenHash:        tokenHash,
		InfrastructureID: infraID,
		Status:           models.RunnerOnline,
		LastSeenAt:       now,
		HostInfo:         req.HostInfo,
		Capabilities:     capabilities,
		CreatedAt:        now,
		UpdatedAt:        now,
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to register runner", err)
		return
	}
	a.metrics.RecordRegistration()
	a.events.record(r.Context(), "runner.registered", "runner", runner.ID,
		fmt.Sprintf("runner %s registered as %s", runner.Name, runner.ID), nil)
	writeJSON(w, http.StatusOK, registerResponse{
		RunnerID:         runner.ID,
		PollSeconds:      defaultPollSeconds,
		HeartbeatSeconds: defaultHeartbeatSeconds,
	})
}

func (a *AgentAPI) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeMethodNotAllowed(w, []string{http.MethodPost})
		return
	}
	var req heartbeatRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid heartbeat payload", err)
		return
	}
	runner, ok := a.authenticate(w, r.Context(), req.Token)
	if !ok {
		return
	}

	status := models.RunnerOnline
	if req.Status != "" {
		switch models.RunnerStatus(req.Status) {
		case models.RunnerOnline, models.RunnerOffline:
			status = models.RunnerStatus(req.Status)
		default:
			// Closed enum. Pause is operator intent, not an agent report.
			writeError(w, http.StatusBadRequest, fmt.Sprintf("unknown runner status %q", req.Status))
			return
		}
	}
	if runner.Status == models.RunnerPaused {
		status = models.RunnerPaused
	}

	now := a.now().UTC()
	if err := a.store.TouchRunner(r.Context(), runner.ID, status, now); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to record heartbeat", err)
		return
	}
	a.metrics.RecordHeartbeat()
	writeJSON(w, http.StatusOK, heartbeatResponse{
		Status: string(status),
		SeenAt: now.Format(time.RFC3339Nano),
	})
}

func (a *AgentAPI) handleOrders(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w, []string{http.MethodGet})
		return
	}
	runner, ok := a.authenticate(w, r.Context(), r.URL.Query().Get("token"))
	if !ok {
		return
	}
	orders, err := a.store.ListPendingOrdersByRunner(r.Context(), runner.ID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list orders", err)
		return
	}
	out := make([]agentOrder, 0, len(orders))
	for _, order := range orders {
		env, err := a.orders.OpenEnv(order)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "failed to unseal order env", err)
			return
		}
		out = append(out, agentOrder{
			ID:       order.ID,
			Category: string(order.Category),
			Name:     order.Name,
			Command:  order.Command,
			Env:      env,
		})
	}
	writeJSON(w, http.StatusOK, pollOrdersResponse{Orders: out})
}

func (a *AgentAPI) handleOrderReport(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/v1/agent/orders/")
	parts := strings.Split(strings.Trim(rest, "/"), "/")
	if len(parts) != 2 || parts[0] == "" || parts[1] != "report" {
		writeError(w, http.StatusNotFound, "not found")
		return
	}
	if r.Method != http.MethodPost {
		writeMethodNotAllowed(w, []string{http.MethodPost})
		return
	}
	orderID := parts[0]

	var req reportOrderRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid report payload", err)
		return
	}
	runner, ok := a.authenticate(w, r.Context(), req.Token)
	if !ok {
		return
	}
	status, err := parseOrderStatus(req.Status)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid order status", err)
		return
	}
	report := OrderReport{
		Status:       status,
		Progress:     req.Progress,
		ResultJSON:   req.ResultJSON,
		ErrorMessage: req.ErrorMessage,
		ExitCode:     req.ExitCode,
		Stdout:       req.Stdout,
		Stderr:       req.Stderr,
	}
	if req.ReportedAt != "" {
		reportedAt, err := time.Parse(time.RFC3339Nano, req.ReportedAt)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid reported_at timestamp", err)
			return
		}
		report.ReportedAt = reportedAt
	}

	order, err := a.store.GetOrder(r.Context(), orderID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			writeError(w, http.StatusNotFound, "order not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "failed to load order", err)
		return
	}
	if order.RunnerID != runner.ID {
		writeError(w, http.StatusForbidden, "order belongs to another runner")
		return
	}

	updated, accepted, err := a.orders.Report(r.Context(), orderID, report)
	if err != nil {
		switch {
		case errors.Is(err, ErrOrderNotFound):
			writeError(w, http.StatusNotFound, "order not found")
		case errors.Is(err, ErrInvalidTransition):
			writeError(w, http.StatusConflict, "order is already terminal", err)
		case errors.Is(err, ErrInvalidOrderStatus):
			writeError(w, http.StatusBadRequest, "invalid order status", err)
		case errors.Is(err, ErrInvalidProgress):
			writeError(w, http.StatusBadRequest, "invalid progress", err)
		default:
			writeError(w, http.StatusInternalServerError, "failed to apply report", err)
		}
		return
	}
	writeJSON(w, http.StatusOK, reportOrderResponse{
		Status:   string(updated.Status),
		Accepted: accepted,
	})
}

// authenticate resolves the runner owning the presented token, writing the
// error response itself on failure.
func (a *AgentAPI) authenticate(w http.ResponseWriter, ctx context.Context, token string) (models.Runner, bool) {
	tokenHash, err := db.HashRunnerToken(token)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "token is required")
		return models.Runner{}, false
	}
	runner, err := a.store.GetRunnerByTokenHash(ctx, tokenHash)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			writeError(w, http.StatusUnauthorized, "unknown token")
			return models.Runner{}, false
		}
		writeError(w, http.StatusInternalServerError, "failed to authenticate", err)
		return models.Runner{}, false
	}
	return runner, true
}
