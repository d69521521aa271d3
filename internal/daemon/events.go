package daemon

import (
	"context"
	"encoding/json"
	"log"
	"time"

	"github.com/fleetdeck/fleetdeck/internal/db"
)

// EventPublisher pushes serialized event envelopes to live subscribers.
// Implemented by hub.Hub; nil publishers are tolerated.
type EventPublisher interface {
	Broadcast(payload []byte)
}

// eventRecorder appends events to the audit log and mirrors them to
// connected websocket clients. A nil recorder is a no-op so managers can be
// constructed bare in tests.
type eventRecorder struct {
	store     *db.Store
	publisher EventPublisher
	logger    *log.Logger
	now       func() time.Time
}

type eventEnvelope struct {
	Kind      string          `json:"kind"`
	Entity    string          `json:"entity"`
	EntityID  string          `json:"entity_id"`
	Message   string          `json:"message"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data,omitempty"`
}

func newEventRecorder(store *db.Store, publisher EventPublisher, logger *log.Logger) *eventRecorder {
	if logger == nil {
		logger = log.Default()
	}
	return &eventRecorder{store: store, publisher: publisher, logger: logger, now: time.Now}
}

func (r *eventRecorder) record(ctx context.Context, kind, entity, entityID, message string, payload any) {
	if r == nil {
		return
	}
	var raw json.RawMessage
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			r.logger.Printf("fleetdeckd: encode event %s payload: %v", kind, err)
		} else {
			raw = data
		}
	}
	if r.store != nil {
		if err := r.store.RecordEvent(ctx, kind, entity, entityID, message, string(raw)); err != nil {
			r.logger.Printf("fleetdeckd: record event %s: %v", kind, err)
		}
	}
	if r.publisher != nil {
		envelope := eventEnvelope{
			Kind:      kind,
			Entity:    entity,
			EntityID:  entityID,
			Message:   message,
			Timestamp: r.now().UTC(),
			Data:      raw,
		}
		data, err := json.Marshal(envelope)
		if err != nil {
			r.logger.Printf("fleetdeckd: encode event %s envelope: %v", kind, err)
			return
		}
		r.publisher.Broadcast(data)
	}
}
