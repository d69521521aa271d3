// ABOUTME: Append-only audit event log keyed by entity type and id.
package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Event is one audit log entry. Events are append-only and never mutated;
// the feed gives operators a timeline to retry from after partial failures.
type Event struct {
	ID        int64     `json:"id"`
	Timestamp time.Time `json:"ts"`
	Kind      string    `json:"kind"`
	Entity    string    `json:"entity,omitempty"`
	EntityID  string    `json:"entity_id,omitempty"`
	Message   string    `json:"msg,omitempty"`
	JSON      string    `json:"json,omitempty"`
}

// RecordEvent appends an audit entry.
func (s *Store) RecordEvent(ctx context.Context, kind, entity, entityID, message, rawJSON string) error {
	if s == nil || s.DB == nil {
		return errors.New("db store is nil")
	}
	if strings.TrimSpace(kind) == "" {
		return errors.New("event kind is required")
	}
	if strings.TrimSpace(entity) == "" {
		return errors.New("event entity is required")
	}
	if strings.TrimSpace(entityID) == "" {
		return errors.New("event entity id is required")
	}
	ts := formatTime(time.Now().UTC())
	_, err := s.DB.ExecContext(ctx, `INSERT INTO events (ts, kind, entity, entity_id, msg, json) VALUES (?, ?, ?, ?, ?, ?)`,
		ts, strings.TrimSpace(kind), strings.TrimSpace(entity), strings.TrimSpace(entityID),
		nullIfEmpty(message), nullIfEmpty(rawJSON))
	if err != nil {
		return fmt.Errorf("record event %s: %w", kind, err)
	}
	return nil
}

// ListEvents returns events after the given id in insertion order.
func (s *Store) ListEvents(ctx context.Context, afterID int64, limit int) ([]Event, error) {
	if s == nil || s.DB == nil {
		return nil, errors.New("db store is nil")
	}
	if limit <= 0 {
		return nil, errors.New("limit must be positive")
	}
	rows, err := s.DB.QueryContext(ctx, `SELECT id, ts, kind, entity, entity_id, msg, json
		FROM events WHERE id > ? ORDER BY id ASC LIMIT ?`, afterID, limit)
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	return collectEvents(rows)
}

// ListEventsByEntity returns one entity's events after the given id.
func (s *Store) ListEventsByEntity(ctx context.Context, entity, entityID string, afterID int64, limit int) ([]Event, error) {
	if s == nil || s.DB == nil {
		return nil, errors.New("db store is nil")
	}
	if strings.TrimSpace(entity) == "" {
		return nil, errors.New("event entity is required")
	}
	if strings.TrimSpace(entityID) == "" {
		return nil, errors.New("event entity id is required")
	}
	if limit <= 0 {
		return nil, errors.New("limit must be positive")
	}
	rows, err := s.DB.QueryContext(ctx, `SELECT id, ts, kind, entity, entity_id, msg, json
		FROM events WHERE entity = ? AND entity_id = ? AND id > ? ORDER BY id ASC LIMIT ?`,
		strings.TrimSpace(entity), strings.TrimSpace(entityID), afterID, limit)
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	return collectEvents(rows)
}

// ListRecentEventsByKind returns the most recent events matching a kind
// prefix (e.g. "order.failed"), newest first.
func (s *Store) ListRecentEventsByKind(ctx context.Context, kind string, limit int) ([]Event, error) {
	if s == nil || s.DB == nil {
		return nil, errors.New("db store is nil")
	}
	if strings.TrimSpace(kind) == "" {
		return nil, errors.New("event kind is required")
	}
	if limit <= 0 {
		return nil, errors.New("limit must be positive")
	}
	rows, err := s.DB.QueryContext(ctx, `SELECT id, ts, kind, entity, entity_id, msg, json
		FROM events WHERE kind = ? ORDER BY id DESC LIMIT ?`, strings.TrimSpace(kind), limit)
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	return collectEvents(rows)
}

// PruneEventsBefore deletes events recorded before cutoff and returns the
// number of rows removed. Retention is day-granular, sub-second timestamp
// ordering does not matter here.
func (s *Store) PruneEventsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	if s == nil || s.DB == nil {
		return 0, errors.New("db store is nil")
	}
	res, err := s.DB.ExecContext(ctx, `DELETE FROM events WHERE ts < ?`, formatTime(cutoff.UTC()))
	if err != nil {
		return 0, fmt.Errorf("prune events: %w", err)
	}
	pruned, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("prune events: %w", err)
	}
	return pruned, nil
}

func collectEvents(rows *sql.Rows) ([]Event, error) {
	defer rows.Close()
	var out []Event
	for rows.Next() {
		ev, err := scanEventRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate events: %w", err)
	}
	return out, nil
}

func scanEventRow(scanner interface{ Scan(dest ...any) error }) (Event, error) {
	var ev Event
	var ts string
	var msg, rawJSON sql.NullString
	if err := scanner.Scan(&ev.ID, &ts, &ev.Kind, &ev.Entity, &ev.EntityID, &msg, &rawJSON); err != nil {
		return Event{}, err
	}
	var err error
	if ev.Timestamp, err = parseTime(ts); err != nil {
		return Event{}, fmt.Errorf("parse event ts: %w", err)
	}
	ev.Message = msg.String
	ev.JSON = rawJSON.String
	return ev, nil
}
