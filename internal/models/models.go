// Package models provides data structures and constants for Fleetdeck.
//
// This package contains the core domain models used throughout Fleetdeck:
//   - Infrastructure: An operator-declared server (VPS, bare metal, cloud)
//   - Runner: A remote agent process bound to an infrastructure
//   - Order: One dispatched shell command and its execution lifecycle
//   - CaddyRoute: A reverse-proxy domain mapping with HTTPS provisioning state
//   - Deployment / DeploymentStep: A multi-step application rollout plan
//
// All models are designed for database persistence and JSON serialization.
package models

import "time"

// InfraType classifies a declared server.
type InfraType string

const (
	InfraVPS       InfraType = "vps"
	InfraBareMetal InfraType = "bare_metal"
	InfraCloud     InfraType = "cloud"
)

// CapabilityState is the tri-state value of one capability fact.
//
// Keys that were never declared are absent from the map entirely; absence
// means "never declared", not "not installed".
type CapabilityState string

const (
	CapabilityInstalled    CapabilityState = "installed"
	CapabilityNotInstalled CapabilityState = "not_installed"
	CapabilityUnknown      CapabilityState = "unknown"
)

// CapabilityMap holds capability facts keyed by capability name
// (e.g. "docker", "docker_compose", "caddy", "node").
type CapabilityMap map[string]CapabilityState

// Clone returns a copy of the map. A nil map clones to nil.
func (m CapabilityMap) Clone() CapabilityMap {
	if m == nil {
		return nil
	}
	out := make(CapabilityMap, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// Infrastructure represents an operator-declared server.
//
// The operator creates, edits, and deletes infrastructures; the remote agent
// never mutates one directly. Capability truth is split into two maps:
// Declared carries operator intent, Observed carries runtime evidence merged
// in from completed detection orders. ObservedAt records when each observed
// key was last confirmed, for staleness detection.
type Infrastructure struct {
	ID           string
	Name         string
	Type         InfraType
	OS           string
	Distribution string
	Architecture string
	CPUCores     int
	RAMMB        int
	DiskGB       int
	Provider     string
	Location     string
	Notes        string
	Declared     CapabilityMap
	Observed     CapabilityMap
	ObservedAt   map[string]time.Time
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Capability returns the reconciled state for one key: runtime evidence wins
// over declaration, and a key absent from both maps reports CapabilityUnknown
// with ok=false.
func (i Infrastructure) Capability(key string) (CapabilityState, bool) {
	if state, ok := i.Observed[key]; ok {
		return state, true
	}
	if state, ok := i.Declared[key]; ok {
		return state, true
	}
	return CapabilityUnknown, false
}

// RunnerStatus is the stored liveness hint for a runner.
//
// The stored value is a last-known hint only: heartbeats can stop without a
// status update, so true liveness is always derived at read time from
// LastSeenAt (see DeriveLiveness).
type RunnerStatus string

const (
	RunnerOnline  RunnerStatus = "online"
	RunnerOffline RunnerStatus = "offline"
	RunnerPaused  RunnerStatus = "paused"
)

// Runner represents one remote agent process bound to zero-or-one
// infrastructure.
//
// Fields:
//   - ID: Unique runner identifier
//   - Name: Agent name; registration upserts by name
//   - TokenHash: SHA-256 hex digest of the agent authentication token
//   - InfrastructureID: Bound infrastructure (nil when unbound)
//   - Status: Last-known status hint (see DeriveLiveness)
//   - LastSeenAt: Timestamp of the most recent heartbeat (zero if never seen)
//   - HostInfo: Self-reported host facts captured at registration
//   - Capabilities: Self-reported capability map
type Runner struct {
	ID               string
	Name             string
	TokenHash        string
	InfrastructureID *string
	Status           RunnerStatus
	LastSeenAt       time.Time
	HostInfo         HostInfo
	Capabilities     CapabilityMap
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// HostInfo holds host facts self-reported by an agent at registration.
type HostInfo struct {
	OS           string `json:"os,omitempty"`
	Architecture string `json:"architecture,omitempty"`
	CPUCores     int    `json:"cpu_cores,omitempty"`
	RAMMB        int    `json:"ram_mb,omitempty"`
}

// OrderCategory classifies what kind of work an order performs.
type OrderCategory string

const (
	OrderInstallation OrderCategory = "installation"
	OrderUpdate       OrderCategory = "update"
	OrderSecurity     OrderCategory = "security"
	OrderMaintenance  OrderCategory = "maintenance"
	OrderDetection    OrderCategory = "detection"
)

// OrderStatus represents the current status of an order in its lifecycle.
//
// Order state transitions:
//
//	pending → running → (completed|failed)
//	pending → cancelled
//
// No transition out of a terminal state is permitted.
type OrderStatus string

const (
	// OrderPending is the initial state when an order is created and waiting
	// for its runner to pick it up.
	OrderPending OrderStatus = "pending"
	// OrderRunning indicates the runner has started executing the command.
	OrderRunning OrderStatus = "running"
	// OrderCompleted indicates the command finished successfully.
	OrderCompleted OrderStatus = "completed"
	// OrderFailed indicates the command execution failed.
	OrderFailed OrderStatus = "failed"
	// OrderCancelled indicates the operator cancelled the order before it ran.
	OrderCancelled OrderStatus = "cancelled"
)

// Terminal reports whether the status is final.
func (s OrderStatus) Terminal() bool {
	switch s {
	case OrderCompleted, OrderFailed, OrderCancelled:
		return true
	default:
		return false
	}
}

// Order represents one dispatched unit of work addressed to a runner.
//
// Fields:
//   - ID: Unique order identifier (order_<hex>)
//   - RunnerID: Owning runner
//   - InfrastructureID: Target infrastructure (optional)
//   - Category: What kind of work this is
//   - Name / Description: Human labels; Description is conventionally
//     prefixed with a bracketed playbook key, e.g. "[docker.install] ..."
//   - Command: The literal shell script text to execute
//   - Status: Current lifecycle state
//   - Progress: 0-100, backend-authoritative; nil when never reported
//   - ResultJSON: Structured JSON result from the agent
//   - ErrorMessage / ExitCode: Failure detail from the agent
//   - StdoutTail / StderrTail: Truncated output tails
//   - StartedAt: Set exactly when the order first reaches running
//   - CompletedAt: Set exactly when the order reaches a terminal state
//
// EnvSealed carries optional environment variables for the command,
// encrypted at rest (see internal/secrets); they are only decrypted when the
// order is handed to its agent.
type Order struct {
	ID               string
	RunnerID         string
	InfrastructureID *string
	Category         OrderCategory
	Name             string
	Description      string
	Command          string
	EnvSealed        string
	Status           OrderStatus
	Progress         *int
	ResultJSON       string
	ErrorMessage     string
	ExitCode         *int
	StdoutTail       string
	StderrTail       string
	CreatedAt        time.Time
	StartedAt        time.Time
	CompletedAt      time.Time
	UpdatedAt        time.Time
}

// HTTPSStatus tracks HTTPS provisioning for a reverse-proxy route.
//
// Route state transitions:
//
//	pending → provisioning → (ok|failed)
//	failed → provisioning   (retry)
type HTTPSStatus string

const (
	HTTPSPending      HTTPSStatus = "pending"
	HTTPSProvisioning HTTPSStatus = "provisioning"
	HTTPSOK           HTTPSStatus = "ok"
	HTTPSFailed       HTTPSStatus = "failed"
)

// RoutingType selects how a route request expands into route rows.
//
// RoutingRootAndSubdomain always creates two independent CaddyRoute rows
// (root first, then subdomain), each with its own provisioning lifecycle.
type RoutingType string

const (
	RoutingRoot             RoutingType = "root"
	RoutingSubdomain        RoutingType = "subdomain"
	RoutingRootAndSubdomain RoutingType = "root_and_subdomain"
)

// CaddyRoute represents a reverse-proxy mapping from a public domain to a
// backend host:port on an infrastructure.
//
// FullDomain is derived: "subdomain.domain" when Subdomain is set, else
// Domain. It must be unique per infrastructure. ConsumedBy marks the route
// as claimed by a service ("supabase", "app:<name>"); a claimed route
// cannot be deleted until released.
type CaddyRoute struct {
	ID               string
	InfrastructureID string
	Domain           string
	Subdomain        string
	FullDomain       string
	BackendHost      string
	BackendPort      int
	BackendProtocol  string
	HTTPSStatus      HTTPSStatus
	ConsumedBy       string
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// DeployType selects the command template set for a deployment.
type DeployType string

const (
	DeployNodeJS        DeployType = "nodejs"
	DeployDockerCompose DeployType = "docker_compose"
	DeployStaticSite    DeployType = "static_site"
	DeployCustom        DeployType = "custom"
)

// DeploymentStatus represents the lifecycle of an application rollout.
//
// Deployment state transitions:
//
//	draft → planning → ready → running → (applied|failed)
//	applied → rolled_back
type DeploymentStatus string

const (
	DeploymentDraft      DeploymentStatus = "draft"
	DeploymentPlanning   DeploymentStatus = "planning"
	DeploymentReady      DeploymentStatus = "ready"
	DeploymentRunning    DeploymentStatus = "running"
	DeploymentApplied    DeploymentStatus = "applied"
	DeploymentFailed     DeploymentStatus = "failed"
	DeploymentRolledBack DeploymentStatus = "rolled_back"
)

// HealthcheckType selects how a deployment's healthcheck step probes the app.
type HealthcheckType string

const (
	HealthcheckHTTP    HealthcheckType = "http"
	HealthcheckTCP     HealthcheckType = "tcp"
	HealthcheckCommand HealthcheckType = "command"
)

// Deployment represents one application rollout.
//
// RolledBackFrom links a rollback deployment to the deployment it replaces.
// EnvVars are stored encrypted at rest (see internal/secrets) and are only
// decrypted when the env_write step command is materialized. RouteID links
// the deployment to the caddy route it exposes through; the route is claimed
// ("app:<name>") while the deployment runs or stays applied.
type Deployment struct {
	ID               string
	AppName          string
	RepoURL          string
	Branch           string
	DeployType       DeployType
	RunnerID         string
	InfrastructureID *string
	RouteID          *string
	Status           DeploymentStatus
	Port             int
	StartCommand     string
	BuildCommand     string
	HealthcheckType  HealthcheckType
	HealthcheckValue string
	EnvVarsSealed    string
	ExposeViaCaddy   bool
	Domain           string
	RolledBackFrom   *string
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// StepType is one typed unit of a deployment plan.
type StepType string

const (
	StepCloneRepo   StepType = "clone_repo"
	StepCheckout    StepType = "checkout"
	StepEnvWrite    StepType = "env_write"
	StepInstallDeps StepType = "install_deps"
	StepBuild       StepType = "build"
	StepStart       StepType = "start"
	StepHealthcheck StepType = "healthcheck"
	StepExpose      StepType = "expose"
	StepFinalize    StepType = "finalize"
	StepStop        StepType = "stop"
	StepRollback    StepType = "rollback"
	StepCustom      StepType = "custom"
)

// StepStatus mirrors order terminal states plus skipped.
type StepStatus string

const (
	StepPending   StepStatus = "pending"
	StepRunning   StepStatus = "running"
	StepCompleted StepStatus = "completed"
	StepFailed    StepStatus = "failed"
	StepCancelled StepStatus = "cancelled"
	StepSkipped   StepStatus = "skipped"
)

// Terminal reports whether the step status is final.
func (s StepStatus) Terminal() bool {
	switch s {
	case StepCompleted, StepFailed, StepCancelled, StepSkipped:
		return true
	default:
		return false
	}
}

// DeploymentStep is one ordered unit of a deployment plan.
//
// StepOrder values within one deployment are contiguous and strictly
// increasing from zero, and are immutable once persisted. A step may only
// start after all lower-order steps are terminal and non-failed. OrderID
// links the step to the order that executed it, once dispatched.
type DeploymentStep struct {
	ID           string
	DeploymentID string
	StepOrder    int
	StepType     StepType
	Command      string
	OrderID      *string
	Status       StepStatus
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Playbook is a named, versioned command template from the catalog.
//
// The core treats playbooks as opaque templates: Command is dispatched
// verbatim as an order's script. Commands are expected to be idempotent-safe
// to re-run and may emit a single structured JSON object on stdout for the
// capability reconciliation engine.
type Playbook struct {
	Key         string        `yaml:"key" json:"key"`
	Version     string        `yaml:"version" json:"version"`
	Title       string        `yaml:"title" json:"title"`
	Description string        `yaml:"description" json:"description"`
	Category    OrderCategory `yaml:"category" json:"category"`
	Visibility  string        `yaml:"visibility" json:"visibility"`
	Command     string        `yaml:"command" json:"command"`
}
