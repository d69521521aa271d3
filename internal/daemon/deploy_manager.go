package daemon

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/fleetdeck/fleetdeck/internal/db"
	"github.com/fleetdeck/fleetdeck/internal/models"
	"github.com/fleetdeck/fleetdeck/internal/secrets"
)

var (
	ErrDeploymentNotFound   = errors.New("deployment not found")
	ErrDeploymentNotReady   = errors.New("deployment is not ready to start")
	ErrDeploymentNotApplied = errors.New("deployment is not applied")
	ErrDeploymentFinished   = errors.New("deployment already finished")
)

// DeploymentRequest is the operator input for planning a new deployment.
type DeploymentRequest struct {
	RunnerID         string
	AppName          string
	RepoURL          string
	Branch           string
	DeployType       models.DeployType
	EnvVars          map[string]string
	Port             int
	BuildCommand     string
	StartCommand     string
	HealthcheckType  models.HealthcheckType
	HealthcheckValue string
	ExposeViaCaddy   bool
	RouteID          string
	Domain           string
}

// DeployManager plans and executes multi-step application rollouts.
//
// Planning is synchronous: a created deployment lands with its full step
// plan persisted and status ready. Execution dispatches exactly one step at
// a time as an order to the deployment's runner; the next step is only
// dispatched once the previous order terminates non-failed. A failed step
// fails the deployment and skips everything after it.
type DeployManager struct {
	store   *db.Store
	orders  *OrderManager
	keeper  *secrets.Keeper
	events  *eventRecorder
	metrics *Metrics
	logger  *log.Logger
	now     func() time.Time
}

func NewDeployManager(store *db.Store, orders *OrderManager, keeper *secrets.Keeper, events *eventRecorder, metrics *Metrics, logger *log.Logger) *DeployManager {
	if logger == nil {
		logger = log.Default()
	}
	return &DeployManager{
		store:   store,
		orders:  orders,
		keeper:  keeper,
		events:  events,
		metrics: metrics,
		logger:  logger,
		now:     time.Now,
	}
}

// Create validates the request, seals the env vars, generates the step plan,
// and persists everything atomically. The deployment passes through
// planning and parks at ready, waiting for an explicit Start.
func (m *DeployManager) Create(ctx context.Context, req DeploymentRequest) (models.Deployment, error) {
	if m == nil || m.store == nil {
		return models.Deployment{}, errors.New("deploy manager unavailable")
	}
	req.AppName = strings.TrimSpace(req.AppName)
	if req.AppName == "" {
		return models.Deployment{}, errors.New("app name is required")
	}
	if strings.ContainsAny(req.AppName, " /\\") {
		return models.Deployment{}, fmt.Errorf("invalid app name %q", req.AppName)
	}
	if strings.TrimSpace(req.RepoURL) == "" && req.DeployType != models.DeployCustom {
		return models.Deployment{}, errors.New("repo url is required")
	}
	runner, err := m.store.GetRunner(ctx, req.RunnerID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.Deployment{}, ErrRunnerNotFound
		}
		return models.Deployment{}, err
	}
	if req.ExposeViaCaddy && strings.TrimSpace(req.Domain) == "" {
		return models.Deployment{}, errors.New("domain is required when exposing via caddy")
	}
	var routeID *string
	if trimmed := strings.TrimSpace(req.RouteID); trimmed != "" {
		if _, err := m.store.GetRoute(ctx, trimmed); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return models.Deployment{}, fmt.Errorf("%w: %s", ErrRouteNotFound, trimmed)
			}
			return models.Deployment{}, err
		}
		routeID = &trimmed
	}

	sealed := ""
	if len(req.EnvVars) > 0 {
		if m.keeper == nil {
			return models.Deployment{}, errors.New("env vars require a configured age key")
		}
		sealed, err = m.keeper.SealEnv(req.EnvVars)
		if err != nil {
			return models.Deployment{}, fmt.Errorf("seal env vars: %w", err)
		}
	}

	now := m.now().UTC()
	deployment := models.Deployment{
		ID:               uuid.NewString(),
		AppName:          req.AppName,
		RepoURL:          strings.TrimSpace(req.RepoURL),
		Branch:           strings.TrimSpace(req.Branch),
		DeployType:       req.DeployType,
		RunnerID:         runner.ID,
		InfrastructureID: runner.InfrastructureID,
		RouteID:          routeID,
		Status:           models.DeploymentDraft,
		Port:             req.Port,
		StartCommand:     strings.TrimSpace(req.StartCommand),
		BuildCommand:     strings.TrimSpace(req.BuildCommand),
		HealthcheckType:  req.HealthcheckType,
		HealthcheckValue: strings.TrimSpace(req.HealthcheckValue),
		EnvVarsSealed:    sealed,
		ExposeViaCaddy:   req.ExposeViaCaddy,
		Domain:           strings.ToLower(strings.TrimSpace(req.Domain)),
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if deployment.RepoURL == "" {
		deployment.RepoURL = "none"
	}

	steps, err := GenerateSteps(deployment, sealed != "", now)
	if err != nil {
		return models.Deployment{}, err
	}
	if err := m.store.CreateDeploymentWithSteps(ctx, deployment, steps); err != nil {
		return models.Deployment{}, fmt.Errorf("persist deployment plan: %w", err)
	}
	if _, err := m.store.UpdateDeploymentStatus(ctx, deployment.ID, models.DeploymentDraft, models.DeploymentPlanning); err != nil {
		return models.Deployment{}, err
	}
	if _, err := m.store.UpdateDeploymentStatus(ctx, deployment.ID, models.DeploymentPlanning, models.DeploymentReady); err != nil {
		return models.Deployment{}, err
	}
	deployment.Status = models.DeploymentReady

	m.metrics.RecordDeploymentCreated(string(deployment.DeployType))
	m.events.record(ctx, "deployment.planned", "deployment", deployment.ID,
		fmt.Sprintf("deployment %s planned with %d steps", deployment.ID, len(steps)), viewDeployment(deployment))
	return deployment, nil
}

func (m *DeployManager) Get(ctx context.Context, id string) (models.Deployment, error) {
	if m == nil || m.store == nil {
		return models.Deployment{}, errors.New("deploy manager unavailable")
	}
	deployment, err := m.store.GetDeployment(ctx, id)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Deployment{}, ErrDeploymentNotFound
	}
	return deployment, err
}

// Start moves a ready deployment to running and dispatches its first step.
// The deployment's runner must be online.
func (m *DeployManager) Start(ctx context.Context, id string) (models.Deployment, error) {
	deployment, err := m.Get(ctx, id)
	if err != nil {
		return models.Deployment{}, err
	}
	if deployment.Status != models.DeploymentReady {
		return deployment, ErrDeploymentNotReady
	}
	runner, err := m.store.GetRunner(ctx, deployment.RunnerID)
	if err != nil {
		return deployment, err
	}
	if models.DeriveLiveness(runner.Status, runner.LastSeenAt, m.now().UTC()) != models.RunnerOnline {
		return deployment, ErrNoActiveRunner
	}
	if err := m.claimRoute(ctx, deployment); err != nil {
		return deployment, err
	}
	moved, err := m.store.UpdateDeploymentStatus(ctx, deployment.ID, models.DeploymentReady, models.DeploymentRunning)
	if err != nil {
		m.releaseRoute(ctx, deployment)
		return deployment, err
	}
	if !moved {
		m.releaseRoute(ctx, deployment)
		return deployment, ErrDeploymentNotReady
	}
	deployment.Status = models.DeploymentRunning
	m.events.record(ctx, "deployment.started", "deployment", deployment.ID,
		fmt.Sprintf("deployment %s started", deployment.ID), nil)
	if err := m.advance(ctx, deployment); err != nil {
		return deployment, err
	}
	return m.Get(ctx, id)
}

// Cancel aborts a deployment that has not finished. Pending step orders are
// cancelled, all remaining steps are skipped, and the deployment is marked
// failed.
func (m *DeployManager) Cancel(ctx context.Context, id string) (models.Deployment, error) {
	deployment, err := m.Get(ctx, id)
	if err != nil {
		return models.Deployment{}, err
	}
	switch deployment.Status {
	case models.DeploymentApplied, models.DeploymentFailed, models.DeploymentRolledBack:
		return deployment, ErrDeploymentFinished
	}
	steps, err := m.store.ListSteps(ctx, deployment.ID)
	if err != nil {
		return deployment, err
	}
	for _, step := range steps {
		if step.Status == models.StepRunning && step.OrderID != nil {
			if _, err := m.orders.Cancel(ctx, *step.OrderID); err != nil && !errors.Is(err, ErrInvalidTransition) {
				m.logger.Printf("fleetdeckd: cancel step order %s: %v", *step.OrderID, err)
			}
			if _, err := m.store.UpdateStepStatus(ctx, step.ID, models.StepRunning, models.StepCancelled); err != nil {
				return deployment, err
			}
		}
	}
	if err := m.store.SkipRemainingSteps(ctx, deployment.ID); err != nil {
		return deployment, err
	}
	if _, err := m.store.UpdateDeploymentStatus(ctx, deployment.ID, deployment.Status, models.DeploymentFailed); err != nil {
		return deployment, err
	}
	m.releaseRoute(ctx, deployment)
	m.metrics.RecordDeploymentFinished("cancelled")
	m.events.record(ctx, "deployment.cancelled", "deployment", deployment.ID,
		fmt.Sprintf("deployment %s cancelled", deployment.ID), nil)
	return m.Get(ctx, id)
}

// Rollback plans a new deployment that stops the applied one and deploys the
// same configuration again, recording the lineage through rolled_back_from.
// The applied deployment moves to rolled_back immediately; the replacement
// parks at ready.
func (m *DeployManager) Rollback(ctx context.Context, id string) (models.Deployment, error) {
	previous, err := m.Get(ctx, id)
	if err != nil {
		return models.Deployment{}, err
	}
	if previous.Status != models.DeploymentApplied {
		return models.Deployment{}, ErrDeploymentNotApplied
	}

	now := m.now().UTC()
	replacement := previous
	replacement.ID = uuid.NewString()
	replacement.Status = models.DeploymentDraft
	replacement.RolledBackFrom = &previous.ID
	replacement.CreatedAt = now
	replacement.UpdatedAt = now

	steps, err := GenerateSteps(replacement, replacement.EnvVarsSealed != "", now)
	if err != nil {
		return models.Deployment{}, err
	}
	stop := models.DeploymentStep{
		ID:           uuid.NewString(),
		DeploymentID: replacement.ID,
		StepOrder:    0,
		StepType:     models.StepStop,
		Command:      stopCommand(previous),
		Status:       models.StepPending,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	for i := range steps {
		steps[i].StepOrder = i + 1
	}
	steps = append([]models.DeploymentStep{stop}, steps...)

	if err := m.store.CreateDeploymentWithSteps(ctx, replacement, steps); err != nil {
		return models.Deployment{}, fmt.Errorf("persist rollback plan: %w", err)
	}
	if _, err := m.store.UpdateDeploymentStatus(ctx, replacement.ID, models.DeploymentDraft, models.DeploymentPlanning); err != nil {
		return models.Deployment{}, err
	}
	if _, err := m.store.UpdateDeploymentStatus(ctx, replacement.ID, models.DeploymentPlanning, models.DeploymentReady); err != nil {
		return models.Deployment{}, err
	}
	if _, err := m.store.UpdateDeploymentStatus(ctx, previous.ID, models.DeploymentApplied, models.DeploymentRolledBack); err != nil {
		return models.Deployment{}, err
	}
	m.releaseRoute(ctx, previous)
	m.events.record(ctx, "deployment.rollback", "deployment", previous.ID,
		fmt.Sprintf("deployment %s rolled back by %s", previous.ID, replacement.ID), nil)
	return m.Get(ctx, replacement.ID)
}

// routeConsumer is the consumed_by marker a deployment stamps on its route.
func routeConsumer(d models.Deployment) string {
	return "app:" + d.AppName
}

// claimRoute takes the deployment's route for exclusive use. A route already
// consumed by the same app is treated as claimed, so restarting after a
// partial failure does not wedge.
func (m *DeployManager) claimRoute(ctx context.Context, deployment models.Deployment) error {
	if deployment.RouteID == nil {
		return nil
	}
	claimed, err := m.store.ClaimRoute(ctx, *deployment.RouteID, routeConsumer(deployment))
	if err != nil {
		return fmt.Errorf("claim route %s: %w", *deployment.RouteID, err)
	}
	if claimed {
		m.events.record(ctx, "route.claimed", "route", *deployment.RouteID,
			fmt.Sprintf("route %s claimed by deployment %s", *deployment.RouteID, deployment.ID), nil)
		return nil
	}
	route, err := m.store.GetRoute(ctx, *deployment.RouteID)
	if err != nil {
		return fmt.Errorf("claim route %s: %w", *deployment.RouteID, err)
	}
	if route.ConsumedBy == routeConsumer(deployment) {
		return nil
	}
	return fmt.Errorf("%w: route %s consumed by %s", ErrRouteAlreadyTaken, route.ID, route.ConsumedBy)
}

// releaseRoute drops the deployment's route claim, but only when the claim
// still belongs to this app. Errors are logged, not returned: releasing is
// cleanup on paths that already carry a primary error.
func (m *DeployManager) releaseRoute(ctx context.Context, deployment models.Deployment) {
	if deployment.RouteID == nil {
		return
	}
	route, err := m.store.GetRoute(ctx, *deployment.RouteID)
	if err != nil {
		if !errors.Is(err, sql.ErrNoRows) {
			m.logger.Printf("fleetdeckd: release route %s: %v", *deployment.RouteID, err)
		}
		return
	}
	if route.ConsumedBy != routeConsumer(deployment) {
		return
	}
	if err := m.store.ReleaseRoute(ctx, route.ID); err != nil {
		m.logger.Printf("fleetdeckd: release route %s: %v", route.ID, err)
		return
	}
	m.events.record(ctx, "route.released", "route", route.ID,
		fmt.Sprintf("route %s released by deployment %s", route.ID, deployment.ID), nil)
}

// HandleOrderTerminal is the OrderManager terminal hook for step orders.
func (m *DeployManager) HandleOrderTerminal(ctx context.Context, order models.Order) {
	if m == nil || m.store == nil {
		return
	}
	step, err := m.store.GetStepByOrderID(ctx, order.ID)
	if err != nil {
		if !errors.Is(err, sql.ErrNoRows) {
			m.logger.Printf("fleetdeckd: lookup step for order %s: %v", order.ID, err)
		}
		return
	}

	var target models.StepStatus
	switch order.Status {
	case models.OrderCompleted:
		target = models.StepCompleted
	case models.OrderFailed:
		target = models.StepFailed
	default:
		target = models.StepCancelled
	}
	if _, err := m.store.UpdateStepStatus(ctx, step.ID, models.StepRunning, target); err != nil {
		m.logger.Printf("fleetdeckd: update step %s: %v", step.ID, err)
		return
	}
	m.metrics.RecordStepOutcome(string(step.StepType), string(target))
	m.events.record(ctx, "deployment.step."+string(target), "deployment", step.DeploymentID,
		fmt.Sprintf("step %d (%s) %s", step.StepOrder, step.StepType, target), nil)

	deployment, err := m.Get(ctx, step.DeploymentID)
	if err != nil {
		m.logger.Printf("fleetdeckd: load deployment %s: %v", step.DeploymentID, err)
		return
	}

	if target != models.StepCompleted {
		if err := m.store.SkipRemainingSteps(ctx, deployment.ID); err != nil {
			m.logger.Printf("fleetdeckd: skip steps for %s: %v", deployment.ID, err)
		}
		if _, err := m.store.UpdateDeploymentStatus(ctx, deployment.ID, models.DeploymentRunning, models.DeploymentFailed); err != nil {
			m.logger.Printf("fleetdeckd: fail deployment %s: %v", deployment.ID, err)
		}
		m.releaseRoute(ctx, deployment)
		m.metrics.RecordDeploymentFinished("failed")
		m.events.record(ctx, "deployment.failed", "deployment", deployment.ID,
			fmt.Sprintf("deployment %s failed at step %d (%s)", deployment.ID, step.StepOrder, step.StepType), nil)
		return
	}
	if err := m.advance(ctx, deployment); err != nil {
		m.logger.Printf("fleetdeckd: advance deployment %s: %v", deployment.ID, err)
	}
}

// advance dispatches the next pending step, or completes the deployment when
// every step is terminal. A step is only dispatched when all lower-order
// steps completed.
func (m *DeployManager) advance(ctx context.Context, deployment models.Deployment) error {
	steps, err := m.store.ListSteps(ctx, deployment.ID)
	if err != nil {
		return err
	}
	for _, step := range steps {
		switch step.Status {
		case models.StepCompleted:
			continue
		case models.StepRunning:
			return nil
		case models.StepPending:
			return m.dispatchStep(ctx, deployment, step)
		default:
			// failed, cancelled, or skipped: the terminal hook handles the
			// deployment status, nothing left to dispatch.
			return nil
		}
	}

	moved, err := m.store.UpdateDeploymentStatus(ctx, deployment.ID, models.DeploymentRunning, models.DeploymentApplied)
	if err != nil {
		return err
	}
	if moved {
		m.metrics.RecordDeploymentFinished("applied")
		m.events.record(ctx, "deployment.applied", "deployment", deployment.ID,
			fmt.Sprintf("deployment %s applied", deployment.ID), nil)
	}
	return nil
}

func (m *DeployManager) dispatchStep(ctx context.Context, deployment models.Deployment, step models.DeploymentStep) error {
	command, err := m.materializeCommand(deployment, step)
	if err != nil {
		if _, uerr := m.store.UpdateStepStatus(ctx, step.ID, models.StepPending, models.StepFailed); uerr != nil {
			m.logger.Printf("fleetdeckd: fail step %s: %v", step.ID, uerr)
		}
		if err := m.store.SkipRemainingSteps(ctx, deployment.ID); err != nil {
			m.logger.Printf("fleetdeckd: skip steps for %s: %v", deployment.ID, err)
		}
		if _, uerr := m.store.UpdateDeploymentStatus(ctx, deployment.ID, models.DeploymentRunning, models.DeploymentFailed); uerr != nil {
			m.logger.Printf("fleetdeckd: fail deployment %s: %v", deployment.ID, uerr)
		}
		m.releaseRoute(ctx, deployment)
		return err
	}
	name := fmt.Sprintf("%s: %s (%d/%s)", deployment.AppName, step.StepType, step.StepOrder, deployment.ID)
	order, err := m.orders.Create(ctx, deployment.RunnerID, models.OrderInstallation, name,
		fmt.Sprintf("[deploy.%s] %s", step.StepType, deployment.AppName), command)
	if err != nil {
		return fmt.Errorf("dispatch step %d: %w", step.StepOrder, err)
	}
	if err := m.store.LinkStepOrder(ctx, step.ID, order.ID); err != nil {
		return fmt.Errorf("link step %s to order %s: %w", step.ID, order.ID, err)
	}
	m.events.record(ctx, "deployment.step.dispatched", "deployment", deployment.ID,
		fmt.Sprintf("step %d (%s) dispatched as order %s", step.StepOrder, step.StepType, order.ID), nil)
	return nil
}

// materializeCommand resolves the env_write placeholder into the real env
// file write, decrypting the sealed vars only at dispatch time.
func (m *DeployManager) materializeCommand(deployment models.Deployment, step models.DeploymentStep) (string, error) {
	if step.StepType != models.StepEnvWrite {
		return step.Command, nil
	}
	if m.keeper == nil {
		return "", errors.New("env vars require a configured age key")
	}
	vars, err := m.keeper.OpenEnv(deployment.EnvVarsSealed)
	if err != nil {
		return "", fmt.Errorf("open sealed env vars: %w", err)
	}
	dir := fmt.Sprintf("%s/%s", appRoot, deployment.AppName)
	return fmt.Sprintf("cat > %s/.env <<'FLEETDECK_ENV'\n%sFLEETDECK_ENV\nchmod 600 %s/.env", dir, secrets.RenderEnvFile(vars), dir), nil
}

func stopCommand(d models.Deployment) string {
	dir := fmt.Sprintf("%s/%s", appRoot, d.AppName)
	if d.DeployType == models.DeployDockerCompose {
		return fmt.Sprintf("cd %s && docker compose down", dir)
	}
	return fmt.Sprintf("if [ -f %s/app.pid ]; then kill $(cat %s/app.pid) 2>/dev/null || true; rm -f %s/app.pid; fi", dir, dir, dir)
}
