// ABOUTME: Order database operations, including compare-and-swap lifecycle updates.
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

// maxTailBytes caps stored stdout/stderr tails. Agents may send more; the
// store keeps only the last maxTailBytes of each.
const maxTailBytes = 8 * 1024

// CreateOrder inserts a new order row. Orders are always created pending.
func (s *Store) CreateOrder(ctx context.Context, order models.Order) error {
	if s == nil || s.DB == nil {
		return errors.New("db store is nil")
	}
	if order.ID == "" {
		return errors.New("order id is required")
	}
	if order.RunnerID == "" {
		return errors.New("order runner_id is required")
	}
	if order.Category == "" {
		return errors.New("order category is required")
	}
	if strings.TrimSpace(order.Name) == "" {
		return errors.New("order name is required")
	}
	if strings.TrimSpace(order.Command) == "" {
		return errors.New("order command is required")
	}
	if order.Status == "" {
		return errors.New("order status is required")
	}
	now := time.Now().UTC()
	createdAt := order.CreatedAt
	if createdAt.IsZero() {
		createdAt = now
	}
	updatedAt := order.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = createdAt
	}
	var infra interface{}
	if order.InfrastructureID != nil && strings.TrimSpace(*order.InfrastructureID) != "" {
		infra = strings.TrimSpace(*order.InfrastructureID)
	}
	var progress interface{}
	if order.Progress != nil {
		progress = *order.Progress
	}
	var exitCode interface{}
	if order.ExitCode != nil {
		exitCode = *order.ExitCode
	}
	_, err := s.DB.ExecContext(ctx, `INSERT INTO orders (
		id, runner_id, infrastructure_id, category, name, description, command, env_sealed, status,
		progress, result_json, error_message, exit_code, stdout_tail, stderr_tail,
		created_at, started_at, completed_at, updated_at
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		order.ID,
		order.RunnerID,
		infra,
		order.Category,
		strings.TrimSpace(order.Name),
		nullIfEmpty(order.Description),
		order.Command,
		nullIfEmpty(order.EnvSealed),
		order.Status,
		progress,
		nullIfEmpty(order.ResultJSON),
		nullIfEmpty(order.ErrorMessage),
		exitCode,
		nullIfEmpty(truncateTail(order.StdoutTail)),
		nullIfEmpty(truncateTail(order.StderrTail)),
		formatTime(createdAt),
		nullIfZeroTime(order.StartedAt),
		nullIfZeroTime(order.CompletedAt),
		formatTime(updatedAt),
	)
	if err != nil {
		return fmt.Errorf("insert order %s: %w", order.ID, err)
	}
	return nil
}

// GetOrder loads an order by id.
func (s *Store) GetOrder(ctx context.Context, id string) (models.Order, error) {
	if s == nil || s.DB == nil {
		return models.Order{}, errors.New("db store is nil")
	}
	row := s.DB.QueryRowContext(ctx, orderSelect+` WHERE id = ?`, id)
	return scanOrderRow(row)
}

// ListOrdersByRunner returns a runner's orders, newest first. A non-empty
// status narrows the result.
func (s *Store) ListOrdersByRunner(ctx context.Context, runnerID string, status models.OrderStatus, limit int) ([]models.Order, error) {
	if s == nil || s.DB == nil {
		return nil, errors.New("db store is nil")
	}
	if runnerID == "" {
		return nil, errors.New("runner id is required")
	}
	if limit <= 0 {
		return nil, errors.New("limit must be positive")
	}
	query := orderSelect + ` WHERE runner_id = ?`
	args := []any{runnerID}
	if status != "" {
		query += ` AND status = ?`
		args = append(args, status)
	}
	query += ` ORDER BY created_at DESC LIMIT ?`
	args = append(args, limit)
	return s.queryOrders(ctx, query, args...)
}

// ListPendingOrdersByRunner returns a runner's pending orders oldest first,
// the order in which an agent should execute them.
func (s *Store) ListPendingOrdersByRunner(ctx context.Context, runnerID string) ([]models.Order, error) {
	if s == nil || s.DB == nil {
		return nil, errors.New("db store is nil")
	}
	if runnerID == "" {
		return nil, errors.New("runner id is required")
	}
	return s.queryOrders(ctx, orderSelect+` WHERE runner_id = ? AND status = ? ORDER BY created_at ASC`,
		runnerID, models.OrderPending)
}

// ListOrders returns the most recent orders across all runners.
func (s *Store) ListOrders(ctx context.Context, limit int) ([]models.Order, error) {
	if s == nil || s.DB == nil {
		return nil, errors.New("db store is nil")
	}
	if limit <= 0 {
		return nil, errors.New("limit must be positive")
	}
	return s.queryOrders(ctx, orderSelect+` ORDER BY created_at DESC LIMIT ?`, limit)
}

// CountOrdersByStatus returns a count of orders grouped by status.
func (s *Store) CountOrdersByStatus(ctx context.Context) (map[models.OrderStatus]int, error) {
	if s == nil || s.DB == nil {
		return nil, errors.New("db store is nil")
	}
	rows, err := s.DB.QueryContext(ctx, `SELECT status, COUNT(*) FROM orders GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("count orders: %w", err)
	}
	defer rows.Close()
	out := make(map[models.OrderStatus]int)
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, fmt.Errorf("scan order count: %w", err)
		}
		if status == "" {
			continue
		}
		out[models.OrderStatus(status)] = count
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate order counts: %w", err)
	}
	return out, nil
}

// MarkOrderRunning performs the pending→running compare-and-swap. started_at
// is set only if it was never set before. Returns false when the order was
// not pending.
func (s *Store) MarkOrderRunning(ctx context.Context, id string, startedAt time.Time) (bool, error) {
	if s == nil || s.DB == nil {
		return false, errors.New("db store is nil")
	}
	if id == "" {
		return false, errors.New("order id is required")
	}
	updatedAt := formatTime(time.Now().UTC())
	res, err := s.DB.ExecContext(ctx, `UPDATE orders SET status = ?, started_at = COALESCE(started_at, ?), updated_at = ?
		WHERE id = ? AND status = ?`,
		models.OrderRunning, formatTime(startedAt), updatedAt, id, models.OrderPending)
	if err != nil {
		return false, fmt.Errorf("mark order %s running: %w", id, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected order %s: %w", id, err)
	}
	return affected > 0, nil
}

// RecordOrderProgress stores an in-flight progress report. Values from the
// agent are stored as given, including regressions; the store never smooths.
// Only running orders accept progress.
func (s *Store) RecordOrderProgress(ctx context.Context, id string, progress *int, stdoutTail, stderrTail string) (bool, error) {
	if s == nil || s.DB == nil {
		return false, errors.New("db store is nil")
	}
	if id == "" {
		return false, errors.New("order id is required")
	}
	var progressValue interface{}
	if progress != nil {
		progressValue = *progress
	}
	updatedAt := formatTime(time.Now().UTC())
	res, err := s.DB.ExecContext(ctx, `UPDATE orders SET
		progress = COALESCE(?, progress),
		stdout_tail = COALESCE(?, stdout_tail),
		stderr_tail = COALESCE(?, stderr_tail),
		updated_at = ?
		WHERE id = ? AND status = ?`,
		progressValue,
		nullIfEmpty(truncateTail(stdoutTail)),
		nullIfEmpty(truncateTail(stderrTail)),
		updatedAt, id, models.OrderRunning)
	if err != nil {
		return false, fmt.Errorf("record order %s progress: %w", id, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected order %s: %w", id, err)
	}
	return affected > 0, nil
}

// OrderTermination carries the terminal report fields applied by FinalizeOrder.
type OrderTermination struct {
	Status       models.OrderStatus
	Progress     *int
	ResultJSON   string
	ErrorMessage string
	ExitCode     *int
	StdoutTail   string
	StderrTail   string
	CompletedAt  time.Time
}

// FinalizeOrder performs the transition into a terminal state with a
// compare-and-swap guard: only pending or running orders can be finalized,
// and terminal rows are never overwritten. Returns false when the guard
// rejects the write.
func (s *Store) FinalizeOrder(ctx context.Context, id string, term OrderTermination) (bool, error) {
	if s == nil || s.DB == nil {
		return false, errors.New("db store is nil")
	}
	if id == "" {
		return false, errors.New("order id is required")
	}
	if !term.Status.Terminal() {
		return false, fmt.Errorf("finalize order %s: status %s is not terminal", id, term.Status)
	}
	completedAt := term.CompletedAt
	if completedAt.IsZero() {
		completedAt = time.Now().UTC()
	}
	var progress interface{}
	if term.Progress != nil {
		progress = *term.Progress
	}
	var exitCode interface{}
	if term.ExitCode != nil {
		exitCode = *term.ExitCode
	}
	updatedAt := formatTime(time.Now().UTC())
	res, err := s.DB.ExecContext(ctx, `UPDATE orders SET
		status = ?,
		progress = COALESCE(?, progress),
		result_json = COALESCE(?, result_json),
		error_message = COALESCE(?, error_message),
		exit_code = COALESCE(?, exit_code),
		stdout_tail = COALESCE(?, stdout_tail),
		stderr_tail = COALESCE(?, stderr_tail),
		completed_at = ?,
		updated_at = ?
		WHERE id = ? AND status IN (?, ?)`,
		term.Status,
		progress,
		nullIfEmpty(term.ResultJSON),
		nullIfEmpty(term.ErrorMessage),
		exitCode,
		nullIfEmpty(truncateTail(term.StdoutTail)),
		nullIfEmpty(truncateTail(term.StderrTail)),
		formatTime(completedAt),
		updatedAt,
		id, models.OrderPending, models.OrderRunning)
	if err != nil {
		return false, fmt.Errorf("finalize order %s: %w", id, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected order %s: %w", id, err)
	}
	return affected > 0, nil
}

// CancelOrder performs the pending→cancelled compare-and-swap. Returns false
// when the order was no longer pending.
func (s *Store) CancelOrder(ctx context.Context, id string, cancelledAt time.Time) (bool, error) {
	if s == nil || s.DB == nil {
		return false, errors.New("db store is nil")
	}
	if id == "" {
		return false, errors.New("order id is required")
	}
	if cancelledAt.IsZero() {
		cancelledAt = time.Now().UTC()
	}
	updatedAt := formatTime(time.Now().UTC())
	res, err := s.DB.ExecContext(ctx, `UPDATE orders SET status = ?, completed_at = ?, updated_at = ?
		WHERE id = ? AND status = ?`,
		models.OrderCancelled, formatTime(cancelledAt), updatedAt, id, models.OrderPending)
	if err != nil {
		return false, fmt.Errorf("cancel order %s: %w", id, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected order %s: %w", id, err)
	}
	return affected > 0, nil
}

func (s *Store) queryOrders(ctx context.Context, query string, args ...any) ([]models.Order, error) {
	rows, err := s.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list orders: %w", err)
	}
	defer rows.Close()
	var out []models.Order
	for rows.Next() {
		order, err := scanOrderRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, order)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate orders: %w", err)
	}
	return out, nil
}

const orderSelect = `SELECT id, runner_id, infrastructure_id, category, name, description, command,
	env_sealed, status, progress, result_json, error_message, exit_code, stdout_tail, stderr_tail,
	created_at, started_at, completed_at, updated_at FROM orders`

func scanOrderRow(scanner interface{ Scan(dest ...any) error }) (models.Order, error) {
	var order models.Order
	var infra sql.NullString
	var description sql.NullString
	var envSealed sql.NullString
	var status string
	var progress sql.NullInt64
	var result, errorMessage sql.NullString
	var exitCode sql.NullInt64
	var stdoutTail, stderrTail sql.NullString
	var createdAt, updatedAt string
	var startedAt, completedAt sql.NullString
	if err := scanner.Scan(
		&order.ID,
		&order.RunnerID,
		&infra,
		&order.Category,
		&order.Name,
		&description,
		&order.Command,
		&envSealed,
		&status,
		&progress,
		&result,
		&errorMessage,
		&exitCode,
		&stdoutTail,
		&stderrTail,
		&createdAt,
		&startedAt,
		&completedAt,
		&updatedAt,
	); err != nil {
		return models.Order{}, err
	}
	if infra.Valid {
		value := infra.String
		order.InfrastructureID = &value
	}
	order.Description = description.String
	order.EnvSealed = envSealed.String
	if status == "" {
		return models.Order{}, errors.New("order status missing")
	}
	order.Status = models.OrderStatus(status)
	if progress.Valid {
		value := int(progress.Int64)
		order.Progress = &value
	}
	order.ResultJSON = result.String
	order.ErrorMessage = errorMessage.String
	if exitCode.Valid {
		value := int(exitCode.Int64)
		order.ExitCode = &value
	}
	order.StdoutTail = stdoutTail.String
	order.StderrTail = stderrTail.String
	var err error
	if order.CreatedAt, err = parseTime(createdAt); err != nil {
		return models.Order{}, fmt.Errorf("parse created_at: %w", err)
	}
	if startedAt.Valid {
		if order.StartedAt, err = parseTime(startedAt.String); err != nil {
			return models.Order{}, fmt.Errorf("parse started_at: %w", err)
		}
	}
	if completedAt.Valid {
		if order.CompletedAt, err = parseTime(completedAt.String); err != nil {
			return models.Order{}, fmt.Errorf("parse completed_at: %w", err)
		}
	}
	if order.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return models.Order{}, fmt.Errorf("parse updated_at: %w", err)
	}
	return order, nil
}

func truncateTail(tail string) string {
	if len(tail) <= maxTailBytes {
		return tail
	}
	return tail[len(tail)-maxTailBytes:]
}
