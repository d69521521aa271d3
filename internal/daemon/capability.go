package daemon

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/fleetdeck/fleetdeck/internal/db"
	"github.com/fleetdeck/fleetdeck/internal/models"
)

var ErrDetectionUnparseable = errors.New("detection output unparseable")

// detectionPayload is the structured object a detection command may emit as
// its result or on stdout. Extra keys are tolerated.
type detectionPayload struct {
	Service      string            `json:"service"`
	Capabilities map[string]string `json:"capabilities"`
}

func (p detectionPayload) empty() bool {
	return p.Service == "" && len(p.Capabilities) == 0
}

// CapabilityEngine reconciles capability facts reported by completed orders
// into the owning infrastructure and runner.
//
// Observed evidence always wins over operator declaration: the engine merges
// reported states into the infrastructure's observed map and stamps each key
// with the observation time, leaving the declared map untouched. Failed or
// unparseable detection output changes nothing and is surfaced as an error
// event instead. Each order is reconciled at most once even if its terminal
// report is redelivered.
type CapabilityEngine struct {
	store   *db.Store
	events  *eventRecorder
	metrics *Metrics
	logger  *log.Logger
	now     func() time.Time

	mu        sync.Mutex
	processed map[string]struct{}
}

func NewCapabilityEngine(store *db.Store, events *eventRecorder, metrics *Metrics, logger *log.Logger) *CapabilityEngine {
	if logger == nil {
		logger = log.Default()
	}
	return &CapabilityEngine{
		store:     store,
		events:    events,
		metrics:   metrics,
		logger:    logger,
		now:       time.Now,
		processed: make(map[string]struct{}),
	}
}

// HandleOrderTerminal is the OrderManager terminal hook. It only acts on
// orders that carry detection evidence; everything else passes through.
func (e *CapabilityEngine) HandleOrderTerminal(ctx context.Context, order models.Order) {
	if e == nil || e.store == nil {
		return
	}
	if order.Status == models.OrderCancelled {
		return
	}
	if order.Status == models.OrderFailed {
		if order.Category == models.OrderDetection {
			e.events.record(ctx, "capability.error", "order", order.ID,
				fmt.Sprintf("detection order %s failed: %s", order.ID, order.ErrorMessage), nil)
		}
		return
	}
	if !e.markProcessed(order.ID) {
		return
	}
	payload, found, err := extractDetectionPayload(order)
	if err != nil {
		e.metrics.RecordDetectionFailure()
		e.events.record(ctx, "capability.error", "order", order.ID,
			fmt.Sprintf("detection order %s: %v", order.ID, err), nil)
		return
	}
	if !found {
		if order.Category == models.OrderDetection {
			e.events.record(ctx, "capability.error", "order", order.ID,
				fmt.Sprintf("detection order %s produced no detection payload", order.ID), nil)
		}
		return
	}
	if err := e.reconcile(ctx, order, payload); err != nil {
		e.logger.Printf("fleetdeckd: reconcile capabilities for order %s: %v", order.ID, err)
		e.events.record(ctx, "capability.error", "order", order.ID,
			fmt.Sprintf("reconcile order %s: %v", order.ID, err), nil)
	}
}

func (e *CapabilityEngine) markProcessed(orderID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, done := e.processed[orderID]; done {
		return false
	}
	e.processed[orderID] = struct{}{}
	return true
}

func (e *CapabilityEngine) reconcile(ctx context.Context, order models.Order, payload detectionPayload) error {
	reported, err := parseCapabilityStates(payload.Capabilities)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrDetectionUnparseable, err)
	}
	if payload.Service != "" {
		if reported == nil {
			reported = models.CapabilityMap{}
		}
		reported[payload.Service] = models.CapabilityInstalled
	}
	if len(reported) == 0 {
		return nil
	}
	now := e.now().UTC()

	if order.InfrastructureID != nil {
		infra, err := e.store.GetInfrastructure(ctx, *order.InfrastructureID)
		if err != nil {
			return fmt.Errorf("load infrastructure %s: %w", *order.InfrastructureID, err)
		}
		observed := infra.Observed.Clone()
		if observed == nil {
			observed = models.CapabilityMap{}
		}
		observedAt := make(map[string]time.Time, len(infra.ObservedAt)+len(reported))
		for k, v := range infra.ObservedAt {
			observedAt[k] = v
		}
		for key, state := range reported {
			observed[key] = state
			observedAt[key] = now
		}
		if err := e.store.UpdateInfrastructureObserved(ctx, infra.ID, observed, observedAt); err != nil {
			return fmt.Errorf("update infrastructure %s observed: %w", infra.ID, err)
		}
		e.events.record(ctx, "capability.observed", "infrastructure", infra.ID,
			fmt.Sprintf("order %s observed %d capabilities", order.ID, len(reported)), reported)
	}

	runner, err := e.store.GetRunner(ctx, order.RunnerID)
	if err != nil {
		return fmt.Errorf("load runner %s: %w", order.RunnerID, err)
	}
	caps := runner.Capabilities.Clone()
	if caps == nil {
		caps = models.CapabilityMap{}
	}
	for key, state := range reported {
		caps[key] = state
	}
	if err := e.store.UpdateRunnerCapabilities(ctx, runner.ID, caps); err != nil {
		return fmt.Errorf("update runner %s capabilities: %w", runner.ID, err)
	}
	e.metrics.RecordCapabilityReconciled(len(reported))
	return nil
}

// extractDetectionPayload looks for a single JSON object carrying "service"
// or "capabilities" keys, preferring the agent's structured result over raw
// stdout. A category=detection order with undecodable candidates is an
// error; other categories just report not-found.
func extractDetectionPayload(order models.Order) (detectionPayload, bool, error) {
	for _, candidate := range []string{order.ResultJSON, order.StdoutTail} {
		payload, ok := decodeDetectionPayload(candidate)
		if ok {
			return payload, true, nil
		}
	}
	if order.Category == models.OrderDetection && (strings.TrimSpace(order.ResultJSON) != "" || looksLikeJSONObject(order.StdoutTail)) {
		return detectionPayload{}, false, ErrDetectionUnparseable
	}
	return detectionPayload{}, false, nil
}

func decodeDetectionPayload(raw string) (detectionPayload, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return detectionPayload{}, false
	}
	var payload detectionPayload
	if err := json.Unmarshal([]byte(raw), &payload); err == nil && !payload.empty() {
		return payload, true
	}
	// Detection scripts log freely before emitting the object, so fall back
	// to scanning individual lines.
	for _, line := range strings.Split(raw, "\n") {
		line = strings.TrimSpace(line)
		if !strings.HasPrefix(line, "{") {
			continue
		}
		if err := json.Unmarshal([]byte(line), &payload); err == nil && !payload.empty() {
			return payload, true
		}
	}
	return detectionPayload{}, false
}

func looksLikeJSONObject(raw string) bool {
	for _, line := range strings.Split(raw, "\n") {
		if strings.HasPrefix(strings.TrimSpace(line), "{") {
			return true
		}
	}
	return false
}

func parseCapabilityStates(raw map[string]string) (models.CapabilityMap, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	out := make(models.CapabilityMap, len(raw))
	for key, value := range raw {
		key = strings.TrimSpace(key)
		if key == "" {
			return nil, errors.New("empty capability key")
		}
		switch state := models.CapabilityState(strings.ToLower(strings.TrimSpace(value))); state {
		case models.CapabilityInstalled, models.CapabilityNotInstalled, models.CapabilityUnknown:
			out[key] = state
		default:
			return nil, fmt.Errorf("capability %s has invalid state %q", key, value)
		}
	}
	return out, nil
}
