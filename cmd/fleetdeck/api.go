// ABOUTME: HTTP client for communicating with fleetdeckd over its Unix socket.
// ABOUTME: Provides typed request/response structures and JSON serialization.

// Package main provides the fleetdeck CLI.
//
// The apiClient communicates with the fleetdeckd daemon over a Unix socket
// using HTTP. All responses are JSON-encoded; API errors are returned as
// both HTTP status codes (>= 400) and JSON responses with an "error" field.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"
)

const defaultSocketPath = "/run/fleetdeck/fleetdeckd.sock"

const (
	defaultRequestTimeout = 30 * time.Second
	maxJSONOutputBytes    = 4 << 20 // 4MB maximum JSON response size
)

// apiClient is an HTTP client for communicating with fleetdeckd over a Unix socket.
type apiClient struct {
	socketPath string
	httpClient *http.Client
	timeout    time.Duration
}

// apiError represents an error response from the fleetdeckd API.
type apiError struct {
	Error string `json:"error"`
}

// orderCreateRequest contains parameters for creating a new order.
type orderCreateRequest struct {
	RunnerID string            `json:"runner_id"`
	Category string            `json:"category"`
	Name     string            `json:"name"`
	Command  string            `json:"command"`
	Env      map[string]string `json:"env,omitempty"`
}

// orderResponse represents an order returned from the API.
type orderResponse struct {
	ID               string  `json:"id"`
	RunnerID         string  `json:"runner_id"`
	InfrastructureID *string `json:"infrastructure_id,omitempty"`
	Category         string  `json:"category"`
	Name             string  `json:"name"`
	Command          string  `json:"command"`
	Status           string  `json:"status"`
	Progress         *int    `json:"progress,omitempty"`
	ErrorMessage     string  `json:"error_message,omitempty"`
	ExitCode         *int    `json:"exit_code,omitempty"`
	StdoutTail       string  `json:"stdout_tail,omitempty"`
	StderrTail       string  `json:"stderr_tail,omitempty"`
	CreatedAt        string  `json:"created_at"`
	StartedAt        *string `json:"started_at,omitempty"`
	CompletedAt      *string `json:"completed_at,omitempty"`
	UpdatedAt        string  `json:"updated_at"`
}

// ordersResponse contains a list of orders.
type ordersResponse struct {
	Orders []orderResponse `json:"orders"`
}

// runnerResponse represents a runner returned from the API.
type runnerResponse struct {
	ID               string            `json:"id"`
	Name             string            `json:"name"`
	InfrastructureID *string           `json:"infrastructure_id,omitempty"`
	Status           string            `json:"status"`
	Liveness         string            `json:"liveness"`
	LastSeenAt       *string           `json:"last_seen_at,omitempty"`
	Capabilities     map[string]string `json:"capabilities,omitempty"`
	CreatedAt        string            `json:"created_at"`
	UpdatedAt        string            `json:"updated_at"`
}

// runnersResponse contains a list of runners.
type runnersResponse struct {
	Runners []runnerResponse `json:"runners"`
}

// infraCreateRequest contains parameters for registering infrastructure.
type infraCreateRequest struct {
	Name                 string            `json:"name"`
	Type                 string            `json:"type"`
	OS                   string            `json:"os,omitempty"`
	Provider             string            `json:"provider,omitempty"`
	Location             string            `json:"location,omitempty"`
	Notes                string            `json:"notes,omitempty"`
	DeclaredCapabilities map[string]string `json:"declared_capabilities,omitempty"`
}

// infraResponse represents an infrastructure record returned from the API.
type infraResponse struct {
	ID           string            `json:"id"`
	Name         string            `json:"name"`
	Type         string            `json:"type"`
	OS           string            `json:"os,omitempty"`
	Distribution string            `json:"distribution,omitempty"`
	Architecture string            `json:"architecture,omitempty"`
	Provider     string            `json:"provider,omitempty"`
	Location     string            `json:"location,omitempty"`
	Notes        string            `json:"notes,omitempty"`
	Declared     map[string]string `json:"declared_capabilities,omitempty"`
	Observed     map[string]string `json:"observed_capabilities,omitempty"`
	CreatedAt    string            `json:"created_at"`
	UpdatedAt    string            `json:"updated_at"`
}

// infrasResponse contains a list of infrastructures.
type infrasResponse struct {
	Infrastructures []infraResponse `json:"infrastructures"`
}

// capabilityEntry is one effective capability row for an infrastructure.
type capabilityEntry struct {
	Key        string  `json:"key"`
	Declared   string  `json:"declared"`
	Observed   string  `json:"observed"`
	Effective  string  `json:"effective"`
	ObservedAt *string `json:"observed_at,omitempty"`
	Stale      bool    `json:"stale"`
}

// capabilitiesResponse contains the effective capability table.
type capabilitiesResponse struct {
	Capabilities []capabilityEntry `json:"capabilities"`
}

// gatingCheck is one readiness check for a service install.
type gatingCheck struct {
	Key string `json:"key"`
	Met bool   `json:"met"`
}

// gatingResponse contains the readiness evaluation for an infrastructure.
type gatingResponse struct {
	Ready                   bool          `json:"ready"`
	Checks                  []gatingCheck `json:"checks"`
	FirstUnmet              string        `json:"first_unmet,omitempty"`
	CanInstallPrerequisites bool          `json:"can_install_prerequisites"`
}

// routeCreateRequest contains parameters for creating a Caddy route.
type routeCreateRequest struct {
	InfrastructureID string `json:"infrastructure_id"`
	Domain           string `json:"domain"`
	Subdomain        string `json:"subdomain,omitempty"`
	RoutingType      string `json:"routing_type"`
	Upstream         string `json:"upstream"`
	Protocol         string `json:"protocol,omitempty"`
	Port             int    `json:"port"`
}

// routeClaimRequest contains parameters for claiming a route.
type routeClaimRequest struct {
	ConsumedBy string `json:"consumed_by"`
}

// routeResponse represents a Caddy route returned from the API.
type routeResponse struct {
	ID               string `json:"id"`
	InfrastructureID string `json:"infrastructure_id"`
	Domain           string `json:"domain"`
	Subdomain        string `json:"subdomain,omitempty"`
	FullDomain       string `json:"full_domain"`
	BackendHost      string `json:"backend_host"`
	BackendPort      int    `json:"backend_port"`
	BackendProtocol  string `json:"backend_protocol"`
	HTTPSStatus      string `json:"https_status"`
	ConsumedBy       string `json:"consumed_by,omitempty"`
	CreatedAt        string `json:"created_at"`
	UpdatedAt        string `json:"updated_at"`
}

// routesResponse contains a list of routes.
type routesResponse struct {
	Routes []routeResponse `json:"routes"`
}

// verifyResponse contains the verification order dispatched for a route.
type verifyResponse struct {
	Order orderResponse `json:"order"`
}

// deployCreateRequest contains parameters for creating a deployment.
type deployCreateRequest struct {
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

// deployResponse represents a deployment returned from the API.
type deployResponse struct {
	ID             string  `json:"id"`
	AppName        string  `json:"app_name"`
	RepoURL        string  `json:"repo_url"`
	Branch         string  `json:"branch"`
	DeployType     string  `json:"deploy_type"`
	RunnerID       string  `json:"runner_id"`
	Status         string  `json:"status"`
	Port           int     `json:"port,omitempty"`
	ExposeViaCaddy bool    `json:"expose_via_caddy"`
	Domain         string  `json:"domain,omitempty"`
	RolledBackFrom *string `json:"rolled_back_from,omitempty"`
	CreatedAt      string  `json:"created_at"`
	UpdatedAt      string  `json:"updated_at"`
}

// deploysResponse contains a list of deployments.
type deploysResponse struct {
	Deployments []deployResponse `json:"deployments"`
}

// stepResponse represents one deployment step returned from the API.
type stepResponse struct {
	ID        string  `json:"id"`
	StepOrder int     `json:"step_order"`
	StepType  string  `json:"step_type"`
	Command   string  `json:"command"`
	OrderID   *string `json:"order_id,omitempty"`
	Status    string  `json:"status"`
}

// stepsResponse contains the ordered step plan for a deployment.
type stepsResponse struct {
	Steps []stepResponse `json:"steps"`
}

// playbookResponse represents a playbook from the catalog.
type playbookResponse struct {
	Key         string `json:"key"`
	Version     string `json:"version"`
	Title       string `json:"title"`
	Description string `json:"description"`
	Category    string `json:"category"`
	Visibility  string `json:"visibility"`
	Command     string `json:"command"`
}

// playbooksResponse contains the playbook catalog.
type playbooksResponse struct {
	Playbooks []playbookResponse `json:"playbooks"`
}

// eventResponse represents a single audit event.
type eventResponse struct {
	ID        int64           `json:"id"`
	Timestamp string          `json:"ts"`
	Kind      string          `json:"kind"`
	Entity    string          `json:"entity,omitempty"`
	EntityID  string          `json:"entity_id,omitempty"`
	Message   string          `json:"msg,omitempty"`
	Payload   json.RawMessage `json:"json,omitempty"`
}

// eventsResponse contains a list of audit events.
type eventsResponse struct {
	Events []eventResponse `json:"events"`
}

// statusResponse contains the daemon status summary.
type statusResponse struct {
	Version        string          `json:"version"`
	Now            string          `json:"now"`
	Runners        livenessCounts  `json:"runners"`
	OrdersByStatus map[string]int  `json:"orders_by_status"`
	RecentFailures []eventResponse `json:"recent_failures"`
	MetricsEnabled bool            `json:"metrics_enabled"`
}

// livenessCounts summarizes runner liveness.
type livenessCounts struct {
	Online  int `json:"online"`
	Offline int `json:"offline"`
	Paused  int `json:"paused"`
	Total   int `json:"total"`
}

// newAPIClient creates a new API client for communicating with fleetdeckd.
// The client uses HTTP over a Unix socket to communicate with the daemon.
func newAPIClient(socketPath string, timeout time.Duration) *apiClient {
	path := socketPath
	if path == "" {
		path = defaultSocketPath
	}
	transport := &http.Transport{
		DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
			var d net.Dialer
			return d.DialContext(ctx, "unix", path)
		},
	}
	return &apiClient{
		socketPath: path,
		httpClient: &http.Client{Transport: transport},
		timeout:    timeout,
	}
}

// doJSON sends an HTTP request with a JSON payload and returns the JSON response.
// It handles timeout, request serialization, and error parsing.
func (c *apiClient) doJSON(ctx context.Context, method, path string, payload any) ([]byte, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	var body io.Reader
	if payload != nil {
		buf := &bytes.Buffer{}
		enc := json.NewEncoder(buf)
		if err := enc.Encode(payload); err != nil {
			return nil, err
		}
		body = buf
	}
	req, err := http.NewRequestWithContext(ctx, method, "http://unix"+path, body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request %s %s via %s: %w", method, path, c.socketPath, err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxJSONOutputBytes))
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 400 {
		return nil, parseAPIError(resp.StatusCode, data)
	}
	return data, nil
}

// parseAPIError converts an HTTP error response into an error.
// It attempts to parse the response as JSON and extract the error message.
func parseAPIError(status int, data []byte) error {
	if len(data) > 0 {
		var apiErr apiError
		if err := json.Unmarshal(data, &apiErr); err == nil && apiErr.Error != "" {
			return errors.New(apiErr.Error)
		}
	}
	return fmt.Errorf("request failed with status %d", status)
}

// withTimeout adds the client's timeout to the context if configured.
func (c *apiClient) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if c == nil || c.timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, c.timeout)
}

// prettyPrintJSON formats JSON data with indentation and writes it to the writer.
func prettyPrintJSON(w io.Writer, data []byte) error {
	var buf bytes.Buffer
	if err := json.Indent(&buf, data, "", "  "); err != nil {
		_, werr := w.Write(data)
		return werr
	}
	buf.WriteByte('\n')
	_, err := w.Write(buf.Bytes())
	return err
}
