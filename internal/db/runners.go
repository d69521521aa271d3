// ABOUTME: Runner database operations, including registration upsert and heartbeats.
package db

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/fleetdeck/fleetdeck/internal/models"
)

// HashRunnerToken returns the SHA-256 hex digest of a runner token.
//
// Agent tokens are presented on every agent request. Hashing ensures tokens
// are stored securely in the database for validation without storing the
// plaintext value.
func HashRunnerToken(token string) (string, error) {
	trimmed := strings.TrimSpace(token)
	if trimmed == "" {
		return "", errors.New("token is required")
	}
	sum := sha256.Sum256([]byte(trimmed))
	return hex.EncodeToString(sum[:]), nil
}

// UpsertRunner registers a runner, keyed by name.
//
// A new runner row is inserted on first registration; re-registering the
// same name refreshes the token hash and host info while keeping the runner
// id and infrastructure binding. Incoming capabilities are merged over the
// stored map key by key, so facts the capability engine recorded from
// detection orders survive a re-registration that does not re-declare them.
// Returns the stored runner.
func (s *Store) UpsertRunner(ctx context.Context, runner models.Runner) (models.Runner, error) {
	if s == nil || s.DB == nil {
		return models.Runner{}, errors.New("db store is nil")
	}
	if runner.ID == "" {
		return models.Runner{}, errors.New("runner id is required")
	}
	if strings.TrimSpace(runner.Name) == "" {
		return models.Runner{}, errors.New("runner name is required")
	}
	if runner.TokenHash == "" {
		return models.Runner{}, errors.New("runner token_hash is required")
	}
	if runner.Status == "" {
		runner.Status = models.RunnerOffline
	}
	existing, err := s.GetRunnerByName(ctx, runner.Name)
	switch {
	case err == nil:
		merged := existing.Capabilities.Clone()
		if merged == nil && len(runner.Capabilities) > 0 {
			merged = make(models.CapabilityMap, len(runner.Capabilities))
		}
		for key, state := range runner.Capabilities {
			merged[key] = state
		}
		runner.Capabilities = merged
	case errors.Is(err, sql.ErrNoRows):
	default:
		return models.Runner{}, fmt.Errorf("load runner %s: %w", runner.Name, err)
	}
	now := time.Now().UTC()
	createdAt := runner.CreatedAt
	if createdAt.IsZero() {
		createdAt = now
	}
	hostInfo, err := encodeHostInfo(runner.HostInfo)
	if err != nil {
		return models.Runner{}, err
	}
	capabilities, err := encodeCapabilities(runner.Capabilities)
	if err != nil {
		return models.Runner{}, err
	}
	var infra interface{}
	if runner.InfrastructureID != nil && strings.TrimSpace(*runner.InfrastructureID) != "" {
		infra = strings.TrimSpace(*runner.InfrastructureID)
	}
	_, err = s.DB.ExecContext(ctx, `INSERT INTO runners (
		id, name, token_hash, infrastructure_id, status, last_seen_at,
		host_info_json, capabilities_json, created_at, updated_at
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(name) DO UPDATE SET
		token_hash = excluded.token_hash,
		host_info_json = excluded.host_info_json,
		capabilities_json = excluded.capabilities_json,
		last_seen_at = excluded.last_seen_at,
		status = excluded.status,
		updated_at = excluded.updated_at`,
		runner.ID,
		strings.TrimSpace(runner.Name),
		runner.TokenHash,
		infra,
		runner.Status,
		nullIfZeroTime(runner.LastSeenAt),
		hostInfo,
		capabilities,
		formatTime(createdAt),
		formatTime(now),
	)
	if err != nil {
		return models.Runner{}, fmt.Errorf("upsert runner %s: %w", runner.Name, err)
	}
	return s.GetRunnerByName(ctx, runner.Name)
}

// GetRunner loads a runner by id.
func (s *Store) GetRunner(ctx context.Context, id string) (models.Runner, error) {
	if s == nil || s.DB == nil {
		return models.Runner{}, errors.New("db store is nil")
	}
	row := s.DB.QueryRowContext(ctx, runnerSelect+` WHERE id = ?`, id)
	return scanRunnerRow(row)
}

// GetRunnerByName loads a runner by its unique name.
func (s *Store) GetRunnerByName(ctx context.Context, name string) (models.Runner, error) {
	if s == nil || s.DB == nil {
		return models.Runner{}, errors.New("db store is nil")
	}
	row := s.DB.QueryRowContext(ctx, runnerSelect+` WHERE name = ?`, strings.TrimSpace(name))
	return scanRunnerRow(row)
}

// GetRunnerByTokenHash loads a runner by its token hash. Used by the agent
// API to authenticate heartbeat, poll, and report calls.
func (s *Store) GetRunnerByTokenHash(ctx context.Context, tokenHash string) (models.Runner, error) {
	if s == nil || s.DB == nil {
		return models.Runner{}, errors.New("db store is nil")
	}
	if tokenHash == "" {
		return models.Runner{}, errors.New("token hash is required")
	}
	row := s.DB.QueryRowContext(ctx, runnerSelect+` WHERE token_hash = ?`, tokenHash)
	return scanRunnerRow(row)
}

// ListRunners returns all runners ordered by name.
func (s *Store) ListRunners(ctx context.Context) ([]models.Runner, error) {
	if s == nil || s.DB == nil {
		return nil, errors.New("db store is nil")
	}
	rows, err := s.DB.QueryContext(ctx, runnerSelect+` ORDER BY name ASC`)
	if err != nil {
		return nil, fmt.Errorf("list runners: %w", err)
	}
	defer rows.Close()
	var out []models.Runner
	for rows.Next() {
		runner, err := scanRunnerRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, runner)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate runners: %w", err)
	}
	return out, nil
}

// ListRunnersByInfrastructure returns runners bound to one infrastructure.
func (s *Store) ListRunnersByInfrastructure(ctx context.Context, infraID string) ([]models.Runner, error) {
	if s == nil || s.DB == nil {
		return nil, errors.New("db store is nil")
	}
	if infraID == "" {
		return nil, errors.New("infrastructure id is required")
	}
	rows, err := s.DB.QueryContext(ctx, runnerSelect+` WHERE infrastructure_id = ? ORDER BY name ASC`, infraID)
	if err != nil {
		return nil, fmt.Errorf("list runners for infrastructure %s: %w", infraID, err)
	}
	defer rows.Close()
	var out []models.Runner
	for rows.Next() {
		runner, err := scanRunnerRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, runner)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate runners: %w", err)
	}
	return out, nil
}

// TouchRunner records a heartbeat: last_seen_at advances and the stored
// status hint is refreshed.
func (s *Store) TouchRunner(ctx context.Context, id string, status models.RunnerStatus, seenAt time.Time) error {
	if s == nil || s.DB == nil {
		return errors.New("db store is nil")
	}
	if id == "" {
		return errors.New("runner id is required")
	}
	if status == "" {
		return errors.New("runner status is required")
	}
	updatedAt := formatTime(time.Now().UTC())
	res, err := s.DB.ExecContext(ctx, `UPDATE runners SET last_seen_at = ?, status = ?, updated_at = ? WHERE id = ?`,
		formatTime(seenAt), status, updatedAt, id)
	if err != nil {
		return fmt.Errorf("touch runner %s: %w", id, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected runner %s: %w", id, err)
	}
	if affected == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// UpdateRunnerStatus sets the stored status hint without touching last_seen_at.
// Used for operator pause/resume.
func (s *Store) UpdateRunnerStatus(ctx context.Context, id string, status models.RunnerStatus) error {
	if s == nil || s.DB == nil {
		return errors.New("db store is nil")
	}
	if id == "" {
		return errors.New("runner id is required")
	}
	if status == "" {
		return errors.New("runner status is required")
	}
	updatedAt := formatTime(time.Now().UTC())
	res, err := s.DB.ExecContext(ctx, `UPDATE runners SET status = ?, updated_at = ? WHERE id = ?`, status, updatedAt, id)
	if err != nil {
		return fmt.Errorf("update runner %s status: %w", id, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected runner %s: %w", id, err)
	}
	if affected == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// UpdateRunnerInfrastructure binds or unbinds (nil) a runner's infrastructure.
func (s *Store) UpdateRunnerInfrastructure(ctx context.Context, id string, infraID *string) error {
	if s == nil || s.DB == nil {
		return errors.New("db store is nil")
	}
	if id == "" {
		return errors.New("runner id is required")
	}
	var infra interface{}
	if infraID != nil && strings.TrimSpace(*infraID) != "" {
		infra = strings.TrimSpace(*infraID)
	}
	updatedAt := formatTime(time.Now().UTC())
	res, err := s.DB.ExecContext(ctx, `UPDATE runners SET infrastructure_id = ?, updated_at = ? WHERE id = ?`, infra, updatedAt, id)
	if err != nil {
		return fmt.Errorf("update runner %s infrastructure: %w", id, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected runner %s: %w", id, err)
	}
	if affected == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// UpdateRunnerCapabilities replaces the self-reported capability map.
func (s *Store) UpdateRunnerCapabilities(ctx context.Context, id string, capabilities models.CapabilityMap) error {
	if s == nil || s.DB == nil {
		return errors.New("db store is nil")
	}
	if id == "" {
		return errors.New("runner id is required")
	}
	encoded, err := encodeCapabilities(capabilities)
	if err != nil {
		return err
	}
	updatedAt := formatTime(time.Now().UTC())
	res, err := s.DB.ExecContext(ctx, `UPDATE runners SET capabilities_json = ?, updated_at = ? WHERE id = ?`, encoded, updatedAt, id)
	if err != nil {
		return fmt.Errorf("update runner %s capabilities: %w", id, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected runner %s: %w", id, err)
	}
	if affected == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// DeleteRunner removes a runner. The bound infrastructure is untouched;
// orders owned by the runner cascade away with it.
func (s *Store) DeleteRunner(ctx context.Context, id string) error {
	if s == nil || s.DB == nil {
		return errors.New("db store is nil")
	}
	if id == "" {
		return errors.New("runner id is required")
	}
	res, err := s.DB.ExecContext(ctx, `DELETE FROM runners WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete runner %s: %w", id, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected runner %s: %w", id, err)
	}
	if affected == 0 {
		return sql.ErrNoRows
	}
	return nil
}

const runnerSelect = `SELECT id, name, token_hash, infrastructure_id, status, last_seen_at,
	host_info_json, capabilities_json, created_at, updated_at FROM runners`

func scanRunnerRow(scanner interface{ Scan(dest ...any) error }) (models.Runner, error) {
	var runner models.Runner
	var infra sql.NullString
	var status string
	var lastSeen sql.NullString
	var hostInfo sql.NullString
	var capabilities sql.NullString
	var createdAt, updatedAt string
	if err := scanner.Scan(
		&runner.ID,
		&runner.Name,
		&runner.TokenHash,
		&infra,
		&status,
		&lastSeen,
		&hostInfo,
		&capabilities,
		&createdAt,
		&updatedAt,
	); err != nil {
		return models.Runner{}, err
	}
	if infra.Valid {
		value := infra.String
		runner.InfrastructureID = &value
	}
	if status == "" {
		return models.Runner{}, errors.New("runner status missing")
	}
	runner.Status = models.RunnerStatus(status)
	var err error
	if lastSeen.Valid {
		if runner.LastSeenAt, err = parseTime(lastSeen.String); err != nil {
			return models.Runner{}, fmt.Errorf("parse last_seen_at: %w", err)
		}
	}
	if hostInfo.Valid && hostInfo.String != "" {
		if err := json.Unmarshal([]byte(hostInfo.String), &runner.HostInfo); err != nil {
			return models.Runner{}, fmt.Errorf("decode host_info: %w", err)
		}
	}
	if runner.Capabilities, err = decodeCapabilities(capabilities.String); err != nil {
		return models.Runner{}, err
	}
	if runner.CreatedAt, err = parseTime(createdAt); err != nil {
		return models.Runner{}, fmt.Errorf("parse created_at: %w", err)
	}
	if runner.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return models.Runner{}, fmt.Errorf("parse updated_at: %w", err)
	}
	return runner, nil
}

func encodeHostInfo(info models.HostInfo) (interface{}, error) {
	if info == (models.HostInfo{}) {
		return nil, nil
	}
	data, err := json.Marshal(info)
	if err != nil {
		return nil, fmt.Errorf("encode host_info: %w", err)
	}
	return string(data), nil
}
