package daemon

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/fleetdeck/fleetdeck/internal/models"
)

// envWritePlaceholder marks an env_write step whose real command is only
// materialized at dispatch time, after the sealed env vars are decrypted.
// The plaintext never reaches the persisted plan.
const envWritePlaceholder = "# env file materialized at dispatch"

const appRoot = "/srv/fleetdeck/apps"

// GenerateSteps expands a deployment into its ordered step plan.
//
// The expansion is a pure function of the deployment: the same input always
// yields the same step types, commands, and ordering. Step order values are
// contiguous from zero and never change once the plan is persisted.
//
// Shape by deploy type:
//
//	always:         clone_repo, checkout
//	env vars set:   env_write
//	nodejs:         install_deps, build (when a build command is set), start
//	docker_compose: install_deps (compose pull), start (compose up)
//	static_site:    install_deps, build, start
//	custom:         start (operator-provided command only)
//	always:         healthcheck
//	expose_via_caddy: expose
//	always last:    finalize
func GenerateSteps(d models.Deployment, hasEnvVars bool, now time.Time) ([]models.DeploymentStep, error) {
	dir := fmt.Sprintf("%s/%s", appRoot, d.AppName)
	branch := d.Branch
	if branch == "" {
		branch = "main"
	}

	type draft struct {
		stepType models.StepType
		command  string
	}
	var drafts []draft
	add := func(stepType models.StepType, command string) {
		drafts = append(drafts, draft{stepType: stepType, command: command})
	}

	add(models.StepCloneRepo, fmt.Sprintf(
		"if [ -d %s/.git ]; then git -C %s fetch --all --prune; else mkdir -p %s && git clone %s %s; fi",
		dir, dir, appRoot, d.RepoURL, dir))
	add(models.StepCheckout, fmt.Sprintf("git -C %s checkout %s && git -C %s pull --ff-only", dir, branch, dir))
	if hasEnvVars {
		add(models.StepEnvWrite, envWritePlaceholder)
	}

	switch d.DeployType {
	case models.DeployNodeJS:
		add(models.StepInstallDeps, fmt.Sprintf("cd %s && (npm ci || npm install)", dir))
		if d.BuildCommand != "" {
			add(models.StepBuild, fmt.Sprintf("cd %s && %s", dir, d.BuildCommand))
		}
		start := d.StartCommand
		if start == "" {
			start = "npm run start"
		}
		add(models.StepStart, fmt.Sprintf("cd %s && nohup %s >> app.log 2>&1 & echo $! > %s/app.pid", dir, start, dir))
	case models.DeployDockerCompose:
		add(models.StepInstallDeps, fmt.Sprintf("cd %s && docker compose pull", dir))
		add(models.StepStart, fmt.Sprintf("cd %s && docker compose up -d --remove-orphans", dir))
	case models.DeployStaticSite:
		add(models.StepInstallDeps, fmt.Sprintf("cd %s && (npm ci || npm install)", dir))
		build := d.BuildCommand
		if build == "" {
			build = "npm run build"
		}
		add(models.StepBuild, fmt.Sprintf("cd %s && %s", dir, build))
		start := d.StartCommand
		if start == "" {
			start = fmt.Sprintf("npx serve -l %d build", d.Port)
		}
		add(models.StepStart, fmt.Sprintf("cd %s && nohup %s >> app.log 2>&1 & echo $! > %s/app.pid", dir, start, dir))
	case models.DeployCustom:
		if d.StartCommand == "" {
			return nil, fmt.Errorf("deploy type %s requires a start command", d.DeployType)
		}
		add(models.StepStart, fmt.Sprintf("cd %s && %s", dir, d.StartCommand))
	default:
		return nil, fmt.Errorf("unknown deploy type %q", d.DeployType)
	}

	add(models.StepHealthcheck, healthcheckCommand(d))
	if d.ExposeViaCaddy {
		add(models.StepExpose, exposeCommand(d))
	}
	add(models.StepFinalize, fmt.Sprintf(`echo '{"service":%q,"status":"deployed"}'`, d.AppName))

	steps := make([]models.DeploymentStep, 0, len(drafts))
	for i, item := range drafts {
		steps = append(steps, models.DeploymentStep{
			ID:           uuid.NewString(),
			DeploymentID: d.ID,
			StepOrder:    i,
			StepType:     item.stepType,
			Command:      item.command,
			Status:       models.StepPending,
			CreatedAt:    now,
			UpdatedAt:    now,
		})
	}
	return steps, nil
}

func healthcheckCommand(d models.Deployment) string {
	switch d.HealthcheckType {
	case models.HealthcheckTCP:
		port := d.Port
		if d.HealthcheckValue != "" {
			return fmt.Sprintf("nc -z localhost %s", d.HealthcheckValue)
		}
		return fmt.Sprintf("nc -z localhost %d", port)
	case models.HealthcheckCommand:
		if d.HealthcheckValue != "" {
			return d.HealthcheckValue
		}
	case models.HealthcheckHTTP:
		if d.HealthcheckValue != "" {
			return fmt.Sprintf("curl -fsS --max-time 10 %s > /dev/null", d.HealthcheckValue)
		}
	}
	if d.Port > 0 {
		return fmt.Sprintf("curl -fsS --max-time 10 http://localhost:%d/ > /dev/null", d.Port)
	}
	return "true"
}

func exposeCommand(d models.Deployment) string {
	return fmt.Sprintf(
		"printf '%%s\\n' '%s {' '  reverse_proxy localhost:%d' '}' | sudo tee /etc/caddy/sites/%s.caddy > /dev/null && sudo systemctl reload caddy",
		d.Domain, d.Port, d.AppName)
}
