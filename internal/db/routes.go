// ABOUTME: CaddyRoute database operations: uniqueness, HTTPS status CAS, claims.
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

// CreateRoute inserts a new reverse-proxy route row. The UNIQUE constraint
// on (infrastructure_id, full_domain) enforces route uniqueness at the
// storage layer; callers should pre-check with GetRouteByFullDomain for a
// friendlier error.
func (s *Store) CreateRoute(ctx context.Context, route models.CaddyRoute) error {
	if s == nil || s.DB == nil {
		return errors.New("db store is nil")
	}
	if route.ID == "" {
		return errors.New("route id is required")
	}
	if route.InfrastructureID == "" {
		return errors.New("route infrastructure_id is required")
	}
	if strings.TrimSpace(route.Domain) == "" {
		return errors.New("route domain is required")
	}
	if strings.TrimSpace(route.FullDomain) == "" {
		return errors.New("route full_domain is required")
	}
	if strings.TrimSpace(route.BackendHost) == "" {
		return errors.New("route backend_host is required")
	}
	if route.BackendPort <= 0 || route.BackendPort > 65535 {
		return errors.New("route backend_port must be between 1 and 65535")
	}
	if route.HTTPSStatus == "" {
		return errors.New("route https_status is required")
	}
	protocol := route.BackendProtocol
	if protocol == "" {
		protocol = "http"
	}
	now := time.Now().UTC()
	createdAt := route.CreatedAt
	if createdAt.IsZero() {
		createdAt = now
	}
	updatedAt := route.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = createdAt
	}
	_, err := s.DB.ExecContext(ctx, `INSERT INTO caddy_routes (
		id, infrastructure_id, domain, subdomain, full_domain, backend_host, backend_port,
		backend_protocol, https_status, consumed_by, created_at, updated_at
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		route.ID,
		route.InfrastructureID,
		strings.TrimSpace(route.Domain),
		nullIfEmpty(strings.TrimSpace(route.Subdomain)),
		strings.TrimSpace(route.FullDomain),
		strings.TrimSpace(route.BackendHost),
		route.BackendPort,
		protocol,
		route.HTTPSStatus,
		nullIfEmpty(route.ConsumedBy),
		formatTime(createdAt),
		formatTime(updatedAt),
	)
	if err != nil {
		return fmt.Errorf("insert route %s: %w", route.ID, err)
	}
	return nil
}

// GetRoute loads a route by id.
func (s *Store) GetRoute(ctx context.Context, id string) (models.CaddyRoute, error) {
	if s == nil || s.DB == nil {
		return models.CaddyRoute{}, errors.New("db store is nil")
	}
	row := s.DB.QueryRowContext(ctx, routeSelect+` WHERE id = ?`, id)
	return scanRouteRow(row)
}

// GetRouteByFullDomain loads a route by (infrastructure, full_domain).
func (s *Store) GetRouteByFullDomain(ctx context.Context, infraID, fullDomain string) (models.CaddyRoute, error) {
	if s == nil || s.DB == nil {
		return models.CaddyRoute{}, errors.New("db store is nil")
	}
	if infraID == "" {
		return models.CaddyRoute{}, errors.New("infrastructure id is required")
	}
	row := s.DB.QueryRowContext(ctx, routeSelect+` WHERE infrastructure_id = ? AND full_domain = ?`,
		infraID, strings.TrimSpace(fullDomain))
	return scanRouteRow(row)
}

// ListRoutesByInfrastructure returns an infrastructure's routes ordered by
// full domain.
func (s *Store) ListRoutesByInfrastructure(ctx context.Context, infraID string) ([]models.CaddyRoute, error) {
	if s == nil || s.DB == nil {
		return nil, errors.New("db store is nil")
	}
	if infraID == "" {
		return nil, errors.New("infrastructure id is required")
	}
	rows, err := s.DB.QueryContext(ctx, routeSelect+` WHERE infrastructure_id = ? ORDER BY full_domain ASC`, infraID)
	if err != nil {
		return nil, fmt.Errorf("list routes for infrastructure %s: %w", infraID, err)
	}
	defer rows.Close()
	var out []models.CaddyRoute
	for rows.Next() {
		route, err := scanRouteRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, route)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate routes: %w", err)
	}
	return out, nil
}

// HasReadyRoute reports whether any route of the infrastructure has HTTPS
// provisioned (the proxyReady gating input).
func (s *Store) HasReadyRoute(ctx context.Context, infraID string) (bool, error) {
	if s == nil || s.DB == nil {
		return false, errors.New("db store is nil")
	}
	if infraID == "" {
		return false, errors.New("infrastructure id is required")
	}
	var count int
	err := s.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM caddy_routes WHERE infrastructure_id = ? AND https_status = ?`,
		infraID, models.HTTPSOK).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("count ready routes for infrastructure %s: %w", infraID, err)
	}
	return count > 0, nil
}

// UpdateRouteHTTPSStatus performs a compare-and-swap on https_status.
// Returns false when the stored status no longer matches from.
func (s *Store) UpdateRouteHTTPSStatus(ctx context.Context, id string, from, to models.HTTPSStatus) (bool, error) {
	if s == nil || s.DB == nil {
		return false, errors.New("db store is nil")
	}
	if id == "" {
		return false, errors.New("route id is required")
	}
	if to == "" {
		return false, errors.New("target https_status is required")
	}
	updatedAt := formatTime(time.Now().UTC())
	res, err := s.DB.ExecContext(ctx, `UPDATE caddy_routes SET https_status = ?, updated_at = ? WHERE id = ? AND https_status = ?`,
		to, updatedAt, id, from)
	if err != nil {
		return false, fmt.Errorf("update route %s https_status: %w", id, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected route %s: %w", id, err)
	}
	return affected > 0, nil
}

// SetRouteHTTPSStatus sets https_status unconditionally. Used when the
// verification outcome arrives, after the provisioning guard already ran.
func (s *Store) SetRouteHTTPSStatus(ctx context.Context, id string, to models.HTTPSStatus) error {
	if s == nil || s.DB == nil {
		return errors.New("db store is nil")
	}
	if id == "" {
		return errors.New("route id is required")
	}
	if to == "" {
		return errors.New("target https_status is required")
	}
	updatedAt := formatTime(time.Now().UTC())
	res, err := s.DB.ExecContext(ctx, `UPDATE caddy_routes SET https_status = ?, updated_at = ? WHERE id = ?`, to, updatedAt, id)
	if err != nil {
		return fmt.Errorf("set route %s https_status: %w", id, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected route %s: %w", id, err)
	}
	if affected == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// ClaimRoute sets consumed_by if and only if the route is currently
// unclaimed. Returns false when another consumer already holds the claim.
func (s *Store) ClaimRoute(ctx context.Context, id, consumer string) (bool, error) {
	if s == nil || s.DB == nil {
		return false, errors.New("db store is nil")
	}
	if id == "" {
		return false, errors.New("route id is required")
	}
	if strings.TrimSpace(consumer) == "" {
		return false, errors.New("consumer is required")
	}
	updatedAt := formatTime(time.Now().UTC())
	res, err := s.DB.ExecContext(ctx, `UPDATE caddy_routes SET consumed_by = ?, updated_at = ? WHERE id = ? AND consumed_by IS NULL`,
		strings.TrimSpace(consumer), updatedAt, id)
	if err != nil {
		return false, fmt.Errorf("claim route %s: %w", id, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected route %s: %w", id, err)
	}
	return affected > 0, nil
}

// ReleaseRoute clears consumed_by.
func (s *Store) ReleaseRoute(ctx context.Context, id string) error {
	if s == nil || s.DB == nil {
		return errors.New("db store is nil")
	}
	if id == "" {
		return errors.New("route id is required")
	}
	updatedAt := formatTime(time.Now().UTC())
	res, err := s.DB.ExecContext(ctx, `UPDATE caddy_routes SET consumed_by = NULL, updated_at = ? WHERE id = ?`, updatedAt, id)
	if err != nil {
		return fmt.Errorf("release route %s: %w", id, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected route %s: %w", id, err)
	}
	if affected == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// DeleteRoute removes a route if and only if it is unclaimed. Returns false
// when the route exists but is still consumed.
func (s *Store) DeleteRoute(ctx context.Context, id string) (bool, error) {
	if s == nil || s.DB == nil {
		return false, errors.New("db store is nil")
	}
	if id == "" {
		return false, errors.New("route id is required")
	}
	res, err := s.DB.ExecContext(ctx, `DELETE FROM caddy_routes WHERE id = ? AND consumed_by IS NULL`, id)
	if err != nil {
		return false, fmt.Errorf("delete route %s: %w", id, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected route %s: %w", id, err)
	}
	return affected > 0, nil
}

const routeSelect = `SELECT id, infrastructure_id, domain, subdomain, full_domain, backend_host,
	backend_port, backend_protocol, https_status, consumed_by, created_at, updated_at FROM caddy_routes`

func scanRouteRow(scanner interface{ Scan(dest ...any) error }) (models.CaddyRoute, error) {
	var route models.CaddyRoute
	var subdomain sql.NullString
	var httpsStatus string
	var consumedBy sql.NullString
	var createdAt, updatedAt string
	if err := scanner.Scan(
		&route.ID,
		&route.InfrastructureID,
		&route.Domain,
		&subdomain,
		&route.FullDomain,
		&route.BackendHost,
		&route.BackendPort,
		&route.BackendProtocol,
		&httpsStatus,
		&consumedBy,
		&createdAt,
		&updatedAt,
	); err != nil {
		return models.CaddyRoute{}, err
	}
	route.Subdomain = subdomain.String
	if httpsStatus == "" {
		return models.CaddyRoute{}, errors.New("route https_status missing")
	}
	route.HTTPSStatus = models.HTTPSStatus(httpsStatus)
	route.ConsumedBy = consumedBy.String
	var err error
	if route.CreatedAt, err = parseTime(createdAt); err != nil {
		return models.CaddyRoute{}, fmt.Errorf("parse created_at: %w", err)
	}
	if route.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return models.CaddyRoute{}, fmt.Errorf("parse updated_at: %w", err)
	}
	return route, nil
}
