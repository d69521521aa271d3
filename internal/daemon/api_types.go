package daemon

import (
	"time"

	"github.com/fleetdeck/fleetdeck/internal/db"
	"github.com/fleetdeck/fleetdeck/internal/models"
)

// Agent API wire types.

type registerRequest struct {
	Name             string            `json:"name"`
	Token            string            `json:"token"`
	InfrastructureID string            `json:"infrastructure_id,omitempty"`
	HostInfo         models.HostInfo   `json:"host_info"`
	Capabilities     map[string]string `json:"capabilities,omitempty"`
}

type registerResponse struct {
	RunnerID         string `json:"runner_id"`
	PollSeconds      int    `json:"poll_seconds"`
	HeartbeatSeconds int    `json:"heartbeat_seconds"`
}

type heartbeatRequest struct {
	Token  string `json:"token"`
	Status string `json:"status,omitempty"`
}

type heartbeatResponse struct {
	Status string `json:"status"`
	SeenAt string `json:"seen_at"`
}

type agentOrder struct {
	ID       string            `json:"id"`
	Category string            `json:"category"`
	Name     string            `json:"name"`
	Command  string            `json:"command"`
	Env      map[string]string `json:"env,omitempty"`
}

type pollOrdersResponse struct {
	Orders []agentOrder `json:"orders"`
}

type reportOrderRequest struct {
	Token        string  `json:"token"`
	Status       string  `json:"status"`
	Progress     *int    `json:"progress,omitempty"`
	ResultJSON   string  `json:"result_json,omitempty"`
	ErrorMessage string  `json:"error_message,omitempty"`
	ExitCode     *int    `json:"exit_code,omitempty"`
	Stdout       string  `json:"stdout,omitempty"`
	Stderr       string  `json:"stderr,omitempty"`
	ReportedAt   string  `json:"reported_at,omitempty"`
}

type reportOrderResponse struct {
	Status   string `json:"status"`
	Accepted bool   `json:"accepted"`
}

// Control API wire types.

type createOrderRequest struct {
	RunnerID string            `json:"runner_id"`
	Category string            `json:"category"`
	Name     string            `json:"name"`
	Command  string            `json:"command"`
	Env      map[string]string `json:"env,omitempty"`
}

type infrastructureRequest struct {
	Name                 string            `json:"name"`
	Type                 string            `json:"type"`
	OS                   string            `json:"os,omitempty"`
	Distribution         string            `json:"distribution,omitempty"`
	Architecture         string            `json:"architecture,omitempty"`
	CPUCores             int               `json:"cpu_cores,omitempty"`
	RAMMB                int               `json:"ram_mb,omitempty"`
	DiskGB               int               `json:"disk_gb,omitempty"`
	Provider             string            `json:"provider,omitempty"`
	Location             string            `json:"location,omitempty"`
	Notes                string            `json:"notes,omitempty"`
	DeclaredCapabilities map[string]string `json:"declared_capabilities,omitempty"`
}

type createRouteRequest struct {
	InfrastructureID string `json:"infrastructure_id"`
	Domain           string `json:"domain"`
	Subdomain        string `json:"subdomain,omitempty"`
	RoutingType      string `json:"routing_type"`
	Upstream         string `json:"upstream"`
	Protocol         string `json:"protocol,omitempty"`
	Port             int    `json:"port"`
}

type claimRouteRequest struct {
	ConsumedBy string `json:"consumed_by"`
}

type createDeploymentRequest struct {
	RunnerID         string            `json:"runner_id"`
	AppName          string            `json:"app_name"`
	RepoURL          string            `json:"repo_url"`
	Branch           string            `json:"branch,omitempty"`
	DeployType       string            `json:"deploy_type"`
	EnvVars          map[string]string `json:"env_vars,omitempty"`
	Port             int               `json:"port,omitempty"`
	BuildCommand     string            `json:"build_command,omitempty"`
	StartCommand     string            `json:"start_command,omitempty"`
	ExposeViaCaddy   bool              `json:"expose_via_caddy,omitempty"`
	RouteID          string            `json:"route_id,omitempty"`
	HealthcheckType  string            `json:"healthcheck_type,omitempty"`
	HealthcheckValue string            `json:"healthcheck_value,omitempty"`
}

type gatingCheck struct {
	Key string `json:"key"`
	Met bool   `json:"met"`
}

type gatingResponse struct {
	Ready                   bool          `json:"ready"`
	Checks                  []gatingCheck `json:"checks"`
	FirstUnmet              string        `json:"first_unmet,omitempty"`
	CanInstallPrerequisites bool          `json:"can_install_prerequisites"`
}

type statusResponse struct {
	Version        string         `json:"version"`
	Now            time.Time      `json:"now"`
	Runners        livenessCounts `json:"runners"`
	OrdersByStatus map[string]int `json:"orders_by_status"`
	RecentFailures []db.Event     `json:"recent_failures"`
	MetricsEnabled bool           `json:"metrics_enabled"`
}

type livenessCounts struct {
	Online  int `json:"online"`
	Offline int `json:"offline"`
	Paused  int `json:"paused"`
	Total   int `json:"total"`
}

// Read-model views. Domain models carry no json tags, so every API payload
// goes through one of these.

type orderView struct {
	ID               string     `json:"id"`
	RunnerID         string     `json:"runner_id"`
	InfrastructureID *string    `json:"infrastructure_id,omitempty"`
	Category         string     `json:"category"`
	Name             string     `json:"name"`
	Description      string     `json:"description,omitempty"`
	Command          string     `json:"command"`
	Status           string     `json:"status"`
	Progress         *int       `json:"progress,omitempty"`
	ResultJSON       string     `json:"result_json,omitempty"`
	ErrorMessage     string     `json:"error_message,omitempty"`
	ExitCode         *int       `json:"exit_code,omitempty"`
	StdoutTail       string     `json:"stdout_tail,omitempty"`
	StderrTail       string     `json:"stderr_tail,omitempty"`
	CreatedAt        time.Time  `json:"created_at"`
	StartedAt        *time.Time `json:"started_at,omitempty"`
	CompletedAt      *time.Time `json:"completed_at,omitempty"`
	UpdatedAt        time.Time  `json:"updated_at"`
}

func viewOrder(o models.Order) orderView {
	return orderView{
		ID:               o.ID,
		RunnerID:         o.RunnerID,
		InfrastructureID: o.InfrastructureID,
		Category:         string(o.Category),
		Name:             o.Name,
		Description:      o.Description,
		Command:          o.Command,
		Status:           string(o.Status),
		Progress:         o.Progress,
		ResultJSON:       o.ResultJSON,
		ErrorMessage:     o.ErrorMessage,
		ExitCode:         o.ExitCode,
		StdoutTail:       o.StdoutTail,
		StderrTail:       o.StderrTail,
		CreatedAt:        o.CreatedAt,
		StartedAt:        timePtr(o.StartedAt),
		CompletedAt:      timePtr(o.CompletedAt),
		UpdatedAt:        o.UpdatedAt,
	}
}

func viewOrders(orders []models.Order) []orderView {
	out := make([]orderView, 0, len(orders))
	for _, o := range orders {
		out = append(out, viewOrder(o))
	}
	return out
}

type runnerDetail struct {
	ID               string               `json:"id"`
	Name             string               `json:"name"`
	InfrastructureID *string              `json:"infrastructure_id,omitempty"`
	Status           string               `json:"status"`
	Liveness         string               `json:"liveness"`
	LastSeenAt       *time.Time           `json:"last_seen_at,omitempty"`
	HostInfo         models.HostInfo      `json:"host_info"`
	Capabilities     models.CapabilityMap `json:"capabilities,omitempty"`
	CreatedAt        time.Time            `json:"created_at"`
	UpdatedAt        time.Time            `json:"updated_at"`
}

func viewRunner(r models.Runner, now time.Time) runnerDetail {
	return runnerDetail{
		ID:               r.ID,
		Name:             r.Name,
		InfrastructureID: r.InfrastructureID,
		Status:           string(r.Status),
		Liveness:         string(models.DeriveLiveness(r.Status, r.LastSeenAt, now)),
		LastSeenAt:       timePtr(r.LastSeenAt),
		HostInfo:         r.HostInfo,
		Capabilities:     r.Capabilities,
		CreatedAt:        r.CreatedAt,
		UpdatedAt:        r.UpdatedAt,
	}
}

type infrastructureView struct {
	ID           string               `json:"id"`
	Name         string               `json:"name"`
	Type         string               `json:"type"`
	OS           string               `json:"os,omitempty"`
	Distribution string               `json:"distribution,omitempty"`
	Architecture string               `json:"architecture,omitempty"`
	CPUCores     int                  `json:"cpu_cores,omitempty"`
	RAMMB        int                  `json:"ram_mb,omitempty"`
	DiskGB       int                  `json:"disk_gb,omitempty"`
	Provider     string               `json:"provider,omitempty"`
	Location     string               `json:"location,omitempty"`
	Notes        string               `json:"notes,omitempty"`
	Declared     models.CapabilityMap `json:"declared_capabilities,omitempty"`
	Observed     models.CapabilityMap `json:"observed_capabilities,omitempty"`
	ObservedAt   map[string]time.Time `json:"observed_at,omitempty"`
	CreatedAt    time.Time            `json:"created_at"`
	UpdatedAt    time.Time            `json:"updated_at"`
}

func viewInfrastructure(i models.Infrastructure) infrastructureView {
	return infrastructureView{
		ID:           i.ID,
		Name:         i.Name,
		Type:         string(i.Type),
		OS:           i.OS,
		Distribution: i.Distribution,
		Architecture: i.Architecture,
		CPUCores:     i.CPUCores,
		RAMMB:        i.RAMMB,
		DiskGB:       i.DiskGB,
		Provider:     i.Provider,
		Location:     i.Location,
		Notes:        i.Notes,
		Declared:     i.Declared,
		Observed:     i.Observed,
		ObservedAt:   i.ObservedAt,
		CreatedAt:    i.CreatedAt,
		UpdatedAt:    i.UpdatedAt,
	}
}

type routeView struct {
	ID               string    `json:"id"`
	InfrastructureID string    `json:"infrastructure_id"`
	Domain           string    `json:"domain"`
	Subdomain        string    `json:"subdomain,omitempty"`
	FullDomain       string    `json:"full_domain"`
	BackendHost      string    `json:"backend_host"`
	BackendPort      int       `json:"backend_port"`
	BackendProtocol  string    `json:"backend_protocol"`
	HTTPSStatus      string    `json:"https_status"`
	ConsumedBy       string    `json:"consumed_by,omitempty"`
	CreatedAt        time.Time `json:"created_at"`
	UpdatedAt        time.Time `json:"updated_at"`
}

func viewRoute(r models.CaddyRoute) routeView {
	return routeView{
		ID:               r.ID,
		InfrastructureID: r.InfrastructureID,
		Domain:           r.Domain,
		Subdomain:        r.Subdomain,
		FullDomain:       r.FullDomain,
		BackendHost:      r.BackendHost,
		BackendPort:      r.BackendPort,
		BackendProtocol:  r.BackendProtocol,
		HTTPSStatus:      string(r.HTTPSStatus),
		ConsumedBy:       r.ConsumedBy,
		CreatedAt:        r.CreatedAt,
		UpdatedAt:        r.UpdatedAt,
	}
}

func viewRoutes(routes []models.CaddyRoute) []routeView {
	out := make([]routeView, 0, len(routes))
	for _, r := range routes {
		out = append(out, viewRoute(r))
	}
	return out
}

type deploymentView struct {
	ID               string     `json:"id"`
	AppName          string     `json:"app_name"`
	RepoURL          string     `json:"repo_url"`
	Branch           string     `json:"branch"`
	DeployType       string     `json:"deploy_type"`
	RunnerID         string     `json:"runner_id"`
	InfrastructureID *string    `json:"infrastructure_id,omitempty"`
	RouteID          *string    `json:"route_id,omitempty"`
	Status           string     `json:"status"`
	Port             int        `json:"port,omitempty"`
	StartCommand     string     `json:"start_command,omitempty"`
	BuildCommand     string     `json:"build_command,omitempty"`
	HealthcheckType  string     `json:"healthcheck_type,omitempty"`
	HealthcheckValue string     `json:"healthcheck_value,omitempty"`
	ExposeViaCaddy   bool       `json:"expose_via_caddy"`
	Domain           string     `json:"domain,omitempty"`
	RolledBackFrom   *string    `json:"rolled_back_from,omitempty"`
	CreatedAt        time.Time  `json:"created_at"`
	UpdatedAt        time.Time  `json:"updated_at"`
}

func viewDeployment(d models.Deployment) deploymentView {
	return deploymentView{
		ID:               d.ID,
		AppName:          d.AppName,
		RepoURL:          d.RepoURL,
		Branch:           d.Branch,
		DeployType:       string(d.DeployType),
		RunnerID:         d.RunnerID,
		InfrastructureID: d.InfrastructureID,
		RouteID:          d.RouteID,
		Status:           string(d.Status),
		Port:             d.Port,
		StartCommand:     d.StartCommand,
		BuildCommand:     d.BuildCommand,
		HealthcheckType:  string(d.HealthcheckType),
		HealthcheckValue: d.HealthcheckValue,
		ExposeViaCaddy:   d.ExposeViaCaddy,
		Domain:           d.Domain,
		RolledBackFrom:   d.RolledBackFrom,
		CreatedAt:        d.CreatedAt,
		UpdatedAt:        d.UpdatedAt,
	}
}

type stepView struct {
	ID           string    `json:"id"`
	DeploymentID string    `json:"deployment_id"`
	StepOrder    int       `json:"step_order"`
	StepType     string    `json:"step_type"`
	Command      string    `json:"command"`
	OrderID      *string   `json:"order_id,omitempty"`
	Status       string    `json:"status"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

func viewSteps(steps []models.DeploymentStep) []stepView {
	out := make([]stepView, 0, len(steps))
	for _, s := range steps {
		out = append(out, stepView{
			ID:           s.ID,
			DeploymentID: s.DeploymentID,
			StepOrder:    s.StepOrder,
			StepType:     string(s.StepType),
			Command:      s.Command,
			OrderID:      s.OrderID,
			Status:       string(s.Status),
			CreatedAt:    s.CreatedAt,
			UpdatedAt:    s.UpdatedAt,
		})
	}
	return out
}

func timePtr(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
