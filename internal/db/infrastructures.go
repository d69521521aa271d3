// ABOUTME: Infrastructure database operations.
package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/fleetdeck/fleetdeck/internal/models"
)

// CreateInfrastructure inserts a new infrastructure row.
func (s *Store) CreateInfrastructure(ctx context.Context, infra models.Infrastructure) error {
	if s == nil || s.DB == nil {
		return errors.New("db store is nil")
	}
	if infra.ID == "" {
		return errors.New("infrastructure id is required")
	}
	if strings.TrimSpace(infra.Name) == "" {
		return errors.New("infrastructure name is required")
	}
	if infra.Type == "" {
		return errors.New("infrastructure type is required")
	}
	now := time.Now().UTC()
	createdAt := infra.CreatedAt
	if createdAt.IsZero() {
		createdAt = now
	}
	updatedAt := infra.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = createdAt
	}
	declared, err := encodeCapabilities(infra.Declared)
	if err != nil {
		return err
	}
	observed, err := encodeCapabilities(infra.Observed)
	if err != nil {
		return err
	}
	observedAt, err := encodeTimeMap(infra.ObservedAt)
	if err != nil {
		return err
	}
	_, err = s.DB.ExecContext(ctx, `INSERT INTO infrastructures (
		id, name, type, os, distribution, architecture, cpu_cores, ram_mb, disk_gb,
		provider, location, notes, declared_json, observed_json, observed_at_json,
		created_at, updated_at
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		infra.ID,
		strings.TrimSpace(infra.Name),
		infra.Type,
		nullIfEmpty(infra.OS),
		nullIfEmpty(infra.Distribution),
		nullIfEmpty(infra.Architecture),
		nullableInt(infra.CPUCores),
		nullableInt(infra.RAMMB),
		nullableInt(infra.DiskGB),
		nullIfEmpty(infra.Provider),
		nullIfEmpty(infra.Location),
		nullIfEmpty(infra.Notes),
		declared,
		observed,
		observedAt,
		formatTime(createdAt),
		formatTime(updatedAt),
	)
	if err != nil {
		return fmt.Errorf("insert infrastructure %s: %w", infra.ID, err)
	}
	return nil
}

// GetInfrastructure loads an infrastructure by id.
func (s *Store) GetInfrastructure(ctx context.Context, id string) (models.Infrastructure, error) {
	if s == nil || s.DB == nil {
		return models.Infrastructure{}, errors.New("db store is nil")
	}
	row := s.DB.QueryRowContext(ctx, `SELECT id, name, type, os, distribution, architecture,
		cpu_cores, ram_mb, disk_gb, provider, location, notes, declared_json, observed_json,
		observed_at_json, created_at, updated_at
		FROM infrastructures WHERE id = ?`, id)
	return scanInfrastructureRow(row)
}

// ListInfrastructures returns all infrastructures ordered by name.
func (s *Store) ListInfrastructures(ctx context.Context) ([]models.Infrastructure, error) {
	if s == nil || s.DB == nil {
		return nil, errors.New("db store is nil")
	}
	rows, err := s.DB.QueryContext(ctx, `SELECT id, name, type, os, distribution, architecture,
		cpu_cores, ram_mb, disk_gb, provider, location, notes, declared_json, observed_json,
		observed_at_json, created_at, updated_at
		FROM infrastructures ORDER BY name ASC`)
	if err != nil {
		return nil, fmt.Errorf("list infrastructures: %w", err)
	}
	defer rows.Close()
	var out []models.Infrastructure
	for rows.Next() {
		infra, err := scanInfrastructureRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, infra)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate infrastructures: %w", err)
	}
	return out, nil
}

// UpdateInfrastructure replaces the operator-editable fields of an
// infrastructure. Observed capabilities are not touched here; they advance
// only through UpdateInfrastructureObserved.
func (s *Store) UpdateInfrastructure(ctx context.Context, infra models.Infrastructure) error {
	if s == nil || s.DB == nil {
		return errors.New("db store is nil")
	}
	if infra.ID == "" {
		return errors.New("infrastructure id is required")
	}
	declared, err := encodeCapabilities(infra.Declared)
	if err != nil {
		return err
	}
	updatedAt := formatTime(time.Now().UTC())
	res, err := s.DB.ExecContext(ctx, `UPDATE infrastructures SET
		name = ?, type = ?, os = ?, distribution = ?, architecture = ?, cpu_cores = ?,
		ram_mb = ?, disk_gb = ?, provider = ?, location = ?, notes = ?, declared_json = ?,
		updated_at = ?
		WHERE id = ?`,
		strings.TrimSpace(infra.Name),
		infra.Type,
		nullIfEmpty(infra.OS),
		nullIfEmpty(infra.Distribution),
		nullIfEmpty(infra.Architecture),
		nullableInt(infra.CPUCores),
		nullableInt(infra.RAMMB),
		nullableInt(infra.DiskGB),
		nullIfEmpty(infra.Provider),
		nullIfEmpty(infra.Location),
		nullIfEmpty(infra.Notes),
		declared,
		updatedAt,
		infra.ID,
	)
	if err != nil {
		return fmt.Errorf("update infrastructure %s: %w", infra.ID, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected infrastructure %s: %w", infra.ID, err)
	}
	if affected == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// UpdateInfrastructureObserved replaces the observed capability map and the
// per-key observation timestamps.
func (s *Store) UpdateInfrastructureObserved(ctx context.Context, id string, observed models.CapabilityMap, observedAt map[string]time.Time) error {
	if s == nil || s.DB == nil {
		return errors.New("db store is nil")
	}
	if id == "" {
		return errors.New("infrastructure id is required")
	}
	observedJSON, err := encodeCapabilities(observed)
	if err != nil {
		return err
	}
	observedAtJSON, err := encodeTimeMap(observedAt)
	if err != nil {
		return err
	}
	updatedAt := formatTime(time.Now().UTC())
	res, err := s.DB.ExecContext(ctx, `UPDATE infrastructures SET observed_json = ?, observed_at_json = ?, updated_at = ? WHERE id = ?`,
		observedJSON, observedAtJSON, updatedAt, id)
	if err != nil {
		return fmt.Errorf("update infrastructure %s observed: %w", id, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected infrastructure %s: %w", id, err)
	}
	if affected == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// DeleteInfrastructure removes an infrastructure. Bound runners are not
// deleted; the foreign key nulls their association.
func (s *Store) DeleteInfrastructure(ctx context.Context, id string) error {
	if s == nil || s.DB == nil {
		return errors.New("db store is nil")
	}
	if id == "" {
		return errors.New("infrastructure id is required")
	}
	res, err := s.DB.ExecContext(ctx, `DELETE FROM infrastructures WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete infrastructure %s: %w", id, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected infrastructure %s: %w", id, err)
	}
	if affected == 0 {
		return sql.ErrNoRows
	}
	return nil
}

func scanInfrastructureRow(scanner interface{ Scan(dest ...any) error }) (models.Infrastructure, error) {
	var infra models.Infrastructure
	var osName, distribution, architecture sql.NullString
	var cpuCores, ramMB, diskGB sql.NullInt64
	var provider, location, notes sql.NullString
	var declared, observed, observedAt sql.NullString
	var createdAt, updatedAt string
	if err := scanner.Scan(
		&infra.ID,
		&infra.Name,
		&infra.Type,
		&osName,
		&distribution,
		&architecture,
		&cpuCores,
		&ramMB,
		&diskGB,
		&provider,
		&location,
		&notes,
		&declared,
		&observed,
		&observedAt,
		&createdAt,
		&updatedAt,
	); err != nil {
		return models.Infrastructure{}, err
	}
	infra.OS = osName.String
	infra.Distribution = distribution.String
	infra.Architecture = architecture.String
	infra.CPUCores = int(cpuCores.Int64)
	infra.RAMMB = int(ramMB.Int64)
	infra.DiskGB = int(diskGB.Int64)
	infra.Provider = provider.String
	infra.Location = location.String
	infra.Notes = notes.String
	var err error
	if infra.Declared, err = decodeCapabilities(declared.String); err != nil {
		return models.Infrastructure{}, err
	}
	if infra.Observed, err = decodeCapabilities(observed.String); err != nil {
		return models.Infrastructure{}, err
	}
	if infra.ObservedAt, err = decodeTimeMap(observedAt.String); err != nil {
		return models.Infrastructure{}, err
	}
	if infra.CreatedAt, err = parseTime(createdAt); err != nil {
		return models.Infrastructure{}, fmt.Errorf("parse created_at: %w", err)
	}
	if infra.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return models.Infrastructure{}, fmt.Errorf("parse updated_at: %w", err)
	}
	return infra, nil
}

func nullableInt(value int) interface{} {
	if value <= 0 {
		return nil
	}
	return value
}
