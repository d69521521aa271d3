// ABOUTME: Deployment and deployment step database operations.
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

// CreateDeploymentWithSteps inserts a deployment and its planned steps in a
// single transaction so a failure partway leaves no partial plan behind.
func (s *Store) CreateDeploymentWithSteps(ctx context.Context, deployment models.Deployment, steps []models.DeploymentStep) error {
	if s == nil || s.DB == nil {
		return errors.New("db store is nil")
	}
	if err := validateDeployment(deployment); err != nil {
		return err
	}
	for i, step := range steps {
		if step.ID == "" {
			return fmt.Errorf("step %d id is required", i)
		}
		if step.DeploymentID != deployment.ID {
			return fmt.Errorf("step %d deployment_id mismatch", i)
		}
		if step.StepOrder != i {
			return fmt.Errorf("step %d has step_order %d; step orders must be contiguous from zero", i, step.StepOrder)
		}
		if step.StepType == "" {
			return fmt.Errorf("step %d step_type is required", i)
		}
		if strings.TrimSpace(step.Command) == "" {
			return fmt.Errorf("step %d command is required", i)
		}
	}
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin deployment %s: %w", deployment.ID, err)
	}
	if err := insertDeployment(ctx, tx, deployment); err != nil {
		_ = tx.Rollback()
		return err
	}
	for _, step := range steps {
		if err := insertStep(ctx, tx, step); err != nil {
			_ = tx.Rollback()
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit deployment %s: %w", deployment.ID, err)
	}
	return nil
}

// GetDeployment loads a deployment by id.
func (s *Store) GetDeployment(ctx context.Context, id string) (models.Deployment, error) {
	if s == nil || s.DB == nil {
		return models.Deployment{}, errors.New("db store is nil")
	}
	row := s.DB.QueryRowContext(ctx, deploymentSelect+` WHERE id = ?`, id)
	return scanDeploymentRow(row)
}

// ListDeployments returns all deployments, newest first.
func (s *Store) ListDeployments(ctx context.Context, limit int) ([]models.Deployment, error) {
	if s == nil || s.DB == nil {
		return nil, errors.New("db store is nil")
	}
	if limit <= 0 {
		return nil, errors.New("limit must be positive")
	}
	rows, err := s.DB.QueryContext(ctx, deploymentSelect+` ORDER BY created_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list deployments: %w", err)
	}
	defer rows.Close()
	var out []models.Deployment
	for rows.Next() {
		deployment, err := scanDeploymentRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, deployment)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate deployments: %w", err)
	}
	return out, nil
}

// UpdateDeploymentStatus performs a compare-and-swap on deployment status.
// Returns false when the stored status no longer matches from.
func (s *Store) UpdateDeploymentStatus(ctx context.Context, id string, from, to models.DeploymentStatus) (bool, error) {
	if s == nil || s.DB == nil {
		return false, errors.New("db store is nil")
	}
	if id == "" {
		return false, errors.New("deployment id is required")
	}
	if to == "" {
		return false, errors.New("target status is required")
	}
	updatedAt := formatTime(time.Now().UTC())
	res, err := s.DB.ExecContext(ctx, `UPDATE deployments SET status = ?, updated_at = ? WHERE id = ? AND status = ?`,
		to, updatedAt, id, from)
	if err != nil {
		return false, fmt.Errorf("update deployment %s status: %w", id, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected deployment %s: %w", id, err)
	}
	return affected > 0, nil
}

// ListSteps returns a deployment's steps in execution order.
func (s *Store) ListSteps(ctx context.Context, deploymentID string) ([]models.DeploymentStep, error) {
	if s == nil || s.DB == nil {
		return nil, errors.New("db store is nil")
	}
	if deploymentID == "" {
		return nil, errors.New("deployment id is required")
	}
	rows, err := s.DB.QueryContext(ctx, stepSelect+` WHERE deployment_id = ? ORDER BY step_order ASC`, deploymentID)
	if err != nil {
		return nil, fmt.Errorf("list steps for deployment %s: %w", deploymentID, err)
	}
	defer rows.Close()
	var out []models.DeploymentStep
	for rows.Next() {
		step, err := scanStepRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, step)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate steps: %w", err)
	}
	return out, nil
}

// GetStepByOrderID loads the step linked to an order, if any.
func (s *Store) GetStepByOrderID(ctx context.Context, orderID string) (models.DeploymentStep, error) {
	if s == nil || s.DB == nil {
		return models.DeploymentStep{}, errors.New("db store is nil")
	}
	if orderID == "" {
		return models.DeploymentStep{}, errors.New("order id is required")
	}
	row := s.DB.QueryRowContext(ctx, stepSelect+` WHERE order_id = ?`, orderID)
	return scanStepRow(row)
}

// UpdateStepStatus performs a compare-and-swap on step status. Returns false
// when the stored status no longer matches from.
func (s *Store) UpdateStepStatus(ctx context.Context, id string, from, to models.StepStatus) (bool, error) {
	if s == nil || s.DB == nil {
		return false, errors.New("db store is nil")
	}
	if id == "" {
		return false, errors.New("step id is required")
	}
	if to == "" {
		return false, errors.New("target status is required")
	}
	updatedAt := formatTime(time.Now().UTC())
	res, err := s.DB.ExecContext(ctx, `UPDATE deployment_steps SET status = ?, updated_at = ? WHERE id = ? AND status = ?`,
		to, updatedAt, id, from)
	if err != nil {
		return false, fmt.Errorf("update step %s status: %w", id, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected step %s: %w", id, err)
	}
	return affected > 0, nil
}

// LinkStepOrder records the order dispatched to execute a step and moves the
// step to running.
func (s *Store) LinkStepOrder(ctx context.Context, stepID, orderID string) error {
	if s == nil || s.DB == nil {
		return errors.New("db store is nil")
	}
	if stepID == "" {
		return errors.New("step id is required")
	}
	if orderID == "" {
		return errors.New("order id is required")
	}
	updatedAt := formatTime(time.Now().UTC())
	res, err := s.DB.ExecContext(ctx, `UPDATE deployment_steps SET order_id = ?, status = ?, updated_at = ? WHERE id = ?`,
		orderID, models.StepRunning, updatedAt, stepID)
	if err != nil {
		return fmt.Errorf("link step %s order: %w", stepID, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected step %s: %w", stepID, err)
	}
	if affected == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// SkipRemainingSteps marks every non-terminal step of a deployment as
// skipped. Used when a step fails or the deployment is cancelled.
func (s *Store) SkipRemainingSteps(ctx context.Context, deploymentID string) error {
	if s == nil || s.DB == nil {
		return errors.New("db store is nil")
	}
	if deploymentID == "" {
		return errors.New("deployment id is required")
	}
	updatedAt := formatTime(time.Now().UTC())
	_, err := s.DB.ExecContext(ctx, `UPDATE deployment_steps SET status = ?, updated_at = ?
		WHERE deployment_id = ? AND status IN (?, ?)`,
		models.StepSkipped, updatedAt, deploymentID, models.StepPending, models.StepRunning)
	if err != nil {
		return fmt.Errorf("skip steps for deployment %s: %w", deploymentID, err)
	}
	return nil
}

func validateDeployment(deployment models.Deployment) error {
	if deployment.ID == "" {
		return errors.New("deployment id is required")
	}
	if strings.TrimSpace(deployment.AppName) == "" {
		return errors.New("deployment app_name is required")
	}
	if strings.TrimSpace(deployment.RepoURL) == "" {
		return errors.New("deployment repo_url is required")
	}
	if strings.TrimSpace(deployment.Branch) == "" {
		return errors.New("deployment branch is required")
	}
	if deployment.DeployType == "" {
		return errors.New("deployment deploy_type is required")
	}
	if deployment.RunnerID == "" {
		return errors.New("deployment runner_id is required")
	}
	if deployment.Status == "" {
		return errors.New("deployment status is required")
	}
	return nil
}

func insertDeployment(ctx context.Context, tx *sql.Tx, deployment models.Deployment) error {
	now := time.Now().UTC()
	createdAt := deployment.CreatedAt
	if createdAt.IsZero() {
		createdAt = now
	}
	updatedAt := deployment.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = createdAt
	}
	var infra interface{}
	if deployment.InfrastructureID != nil && strings.TrimSpace(*deployment.InfrastructureID) != "" {
		infra = strings.TrimSpace(*deployment.InfrastructureID)
	}
	var rolledBackFrom interface{}
	if deployment.RolledBackFrom != nil && *deployment.RolledBackFrom != "" {
		rolledBackFrom = *deployment.RolledBackFrom
	}
	var routeID interface{}
	if deployment.RouteID != nil && *deployment.RouteID != "" {
		routeID = *deployment.RouteID
	}
	_, err := tx.ExecContext(ctx, `INSERT INTO deployments (
		id, app_name, repo_url, branch, deploy_type, runner_id, infrastructure_id, route_id, status,
		port, start_command, build_command, healthcheck_type, healthcheck_value,
		env_vars_sealed, expose_via_caddy, domain, rolled_back_from, created_at, updated_at
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		deployment.ID,
		strings.TrimSpace(deployment.AppName),
		strings.TrimSpace(deployment.RepoURL),
		strings.TrimSpace(deployment.Branch),
		deployment.DeployType,
		deployment.RunnerID,
		infra,
		routeID,
		deployment.Status,
		nullableInt(deployment.Port),
		nullIfEmpty(deployment.StartCommand),
		nullIfEmpty(deployment.BuildCommand),
		nullIfEmpty(string(deployment.HealthcheckType)),
		nullIfEmpty(deployment.HealthcheckValue),
		nullIfEmpty(deployment.EnvVarsSealed),
		deployment.ExposeViaCaddy,
		nullIfEmpty(deployment.Domain),
		rolledBackFrom,
		formatTime(createdAt),
		formatTime(updatedAt),
	)
	if err != nil {
		return fmt.Errorf("insert deployment %s: %w", deployment.ID, err)
	}
	return nil
}

func insertStep(ctx context.Context, tx *sql.Tx, step models.DeploymentStep) error {
	now := time.Now().UTC()
	createdAt := step.CreatedAt
	if createdAt.IsZero() {
		createdAt = now
	}
	updatedAt := step.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = createdAt
	}
	status := step.Status
	if status == "" {
		status = models.StepPending
	}
	var orderID interface{}
	if step.OrderID != nil && *step.OrderID != "" {
		orderID = *step.OrderID
	}
	_, err := tx.ExecContext(ctx, `INSERT INTO deployment_steps (
		id, deployment_id, step_order, step_type, command, order_id, status, created_at, updated_at
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		step.ID,
		step.DeploymentID,
		step.StepOrder,
		step.StepType,
		step.Command,
		orderID,
		status,
		formatTime(createdAt),
		formatTime(updatedAt),
	)
	if err != nil {
		return fmt.Errorf("insert step %s: %w", step.ID, err)
	}
	return nil
}

const deploymentSelect = `SELECT id, app_name, repo_url, branch, deploy_type, runner_id,
	infrastructure_id, route_id, status, port, start_command, build_command, healthcheck_type,
	healthcheck_value, env_vars_sealed, expose_via_caddy, domain, rolled_back_from,
	created_at, updated_at FROM deployments`

const stepSelect = `SELECT id, deployment_id, step_order, step_type, command, order_id, status,
	created_at, updated_at FROM deployment_steps`

func scanDeploymentRow(scanner interface{ Scan(dest ...any) error }) (models.Deployment, error) {
	var deployment models.Deployment
	var infra sql.NullString
	var routeID sql.NullString
	var status string
	var port sql.NullInt64
	var startCommand, buildCommand sql.NullString
	var healthcheckType, healthcheckValue sql.NullString
	var envSealed sql.NullString
	var expose bool
	var domain sql.NullString
	var rolledBackFrom sql.NullString
	var createdAt, updatedAt string
	if err := scanner.Scan(
		&deployment.ID,
		&deployment.AppName,
		&deployment.RepoURL,
		&deployment.Branch,
		&deployment.DeployType,
		&deployment.RunnerID,
		&infra,
		&routeID,
		&status,
		&port,
		&startCommand,
		&buildCommand,
		&healthcheckType,
		&healthcheckValue,
		&envSealed,
		&expose,
		&domain,
		&rolledBackFrom,
		&createdAt,
		&updatedAt,
	); err != nil {
		return models.Deployment{}, err
	}
	if infra.Valid {
		value := infra.String
		deployment.InfrastructureID = &value
	}
	if routeID.Valid {
		value := routeID.String
		deployment.RouteID = &value
	}
	if status == "" {
		return models.Deployment{}, errors.New("deployment status missing")
	}
	deployment.Status = models.DeploymentStatus(status)
	deployment.Port = int(port.Int64)
	deployment.StartCommand = startCommand.String
	deployment.BuildCommand = buildCommand.String
	deployment.HealthcheckType = models.HealthcheckType(healthcheckType.String)
	deployment.HealthcheckValue = healthcheckValue.String
	deployment.EnvVarsSealed = envSealed.String
	deployment.ExposeViaCaddy = expose
	deployment.Domain = domain.String
	if rolledBackFrom.Valid {
		value := rolledBackFrom.String
		deployment.RolledBackFrom = &value
	}
	var err error
	if deployment.CreatedAt, err = parseTime(createdAt); err != nil {
		return models.Deployment{}, fmt.Errorf("parse created_at: %w", err)
	}
	if deployment.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return models.Deployment{}, fmt.Errorf("parse updated_at: %w", err)
	}
	return deployment, nil
}

func scanStepRow(scanner interface{ Scan(dest ...any) error }) (models.DeploymentStep, error) {
	var step models.DeploymentStep
	var orderID sql.NullString
	var status string
	var createdAt, updatedAt string
	if err := scanner.Scan(
		&step.ID,
		&step.DeploymentID,
		&step.StepOrder,
		&step.StepType,
		&step.Command,
		&orderID,
		&status,
		&createdAt,
		&updatedAt,
	); err != nil {
		return models.DeploymentStep{}, err
	}
	if orderID.Valid {
		value := orderID.String
		step.OrderID = &value
	}
	if status == "" {
		return models.DeploymentStep{}, errors.New("step status missing")
	}
	step.Status = models.StepStatus(status)
	var err error
	if step.CreatedAt, err = parseTime(createdAt); err != nil {
		return models.DeploymentStep{}, fmt.Errorf("parse created_at: %w", err)
	}
	if step.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return models.DeploymentStep{}, fmt.Errorf("parse updated_at: %w", err)
	}
	return step, nil
}
