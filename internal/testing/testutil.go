// ABOUTME: Package testing provides shared test utilities and helper functions for fleetdeck.
//
// This package contains test helpers, factory functions for creating test data,
// and assertion utilities that promote consistent testing patterns across
// the Fleetdeck codebase.
//
// Key utilities:
//   - Model factories: NewTestRunner, NewTestOrder, NewTestInfrastructure
//   - Test helpers: TempFile, MkdirTempInDir, AssertJSONEqual
//   - Test constants: FixedTime, TestRunnerID, TestInfraID
//
// The package is designed to work with github.com/stretchr/testify for
// assertions.
package testing

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fleetdeck/fleetdeck/internal/models"
)

// FixedTime is a fixed timestamp for deterministic tests.
var FixedTime = time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)

// Common test constants used across the test suite.
const (
	TestRunnerID   = "runner-test-1"
	TestRunnerName = "runner-one"
	TestInfraID    = "infra-test-1"
	TestTokenHash  = "cafe1234cafe1234cafe1234cafe1234cafe1234cafe1234cafe1234cafe1234"
	TestRepoURL    = "https://github.com/example/app"
	TestBranch     = "main"
)

// AssertJSONEqual asserts that two JSON values are semantically equal,
// ignoring differences in whitespace and key order.
func AssertJSONEqual(t *testing.T, want, got any, msgAndArgs ...interface{}) {
	t.Helper()
	wantBytes, err := json.Marshal(want)
	require.NoError(t, err, "failed to marshal 'want' to JSON")
	gotBytes, err := json.Marshal(got)
	require.NoError(t, err, "failed to marshal 'got' to JSON")

	var wantAny, gotAny any
	require.NoError(t, json.Unmarshal(wantBytes, &wantAny), "failed to unmarshal 'want'")
	require.NoError(t, json.Unmarshal(gotBytes, &gotAny), "failed to unmarshal 'got'")

	assert.Equal(t, wantAny, gotAny, msgAndArgs...)
}

// TempFile creates a temporary file with the given content and returns its path.
func TempFile(t *testing.T, content string) string {
	t.Helper()
	tmpDir := t.TempDir()
	path := filepath.Join(tmpDir, "testfile")
	err := os.WriteFile(path, []byte(content), 0o644)
	require.NoError(t, err, "failed to write temp file")
	return path
}

// MkdirTempInDir creates a temporary directory under the given parent directory.
//
// Unlike t.TempDir(), which doesn't allow specifying the parent, this function
// creates a temporary directory as a subdirectory of parentDir. The directory
// is automatically cleaned up when the test completes.
func MkdirTempInDir(t *testing.T, parentDir string) string {
	t.Helper()
	path, err := os.MkdirTemp(parentDir, "testdir*")
	require.NoError(t, err, "failed to create temp dir")
	t.Cleanup(func() {
		_ = os.RemoveAll(path)
	})
	return path
}

// ParseTime parses an RFC3339 timestamp or fails the test.
func ParseTime(t *testing.T, s string) time.Time {
	t.Helper()
	ts, err := time.Parse(time.RFC3339, s)
	require.NoError(t, err, "failed to parse time %q", s)
	return ts
}

// RunnerOpts holds optional parameters for creating test runners.
type RunnerOpts struct {
	ID               string
	Name             string
	TokenHash        string
	InfrastructureID *string
	Status           models.RunnerStatus
	LastSeenAt       time.Time
	Capabilities     models.CapabilityMap
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// NewTestRunner creates a test runner with default values, applying optional overrides.
func NewTestRunner(opts RunnerOpts) models.Runner {
	if opts.ID == "" {
		opts.ID = TestRunnerID
	}
	if opts.Name == "" {
		opts.Name = TestRunnerName
	}
	if opts.TokenHash == "" {
		opts.TokenHash = TestTokenHash
	}
	if opts.Status == "" {
		opts.Status = models.RunnerOffline
	}
	if opts.CreatedAt.IsZero() {
		opts.CreatedAt = FixedTime
	}
	if opts.UpdatedAt.IsZero() {
		opts.UpdatedAt = FixedTime
	}
	return models.Runner{
		ID:               opts.ID,
		Name:             opts.Name,
		TokenHash:        opts.TokenHash,
		InfrastructureID: opts.InfrastructureID,
		Status:           opts.Status,
		LastSeenAt:       opts.LastSeenAt,
		Capabilities:     opts.Capabilities,
		CreatedAt:        opts.CreatedAt,
		UpdatedAt:        opts.UpdatedAt,
	}
}

// OrderOpts holds optional parameters for creating test orders.
type OrderOpts struct {
	ID               string
	RunnerID         string
	InfrastructureID *string
	Category         models.OrderCategory
	Name             string
	Description      string
	Command          string
	Status           models.OrderStatus
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// NewTestOrder creates a test order with default values, applying optional overrides.
func NewTestOrder(opts OrderOpts) models.Order {
	if opts.ID == "" {
		opts.ID = "order-test-1"
	}
	if opts.RunnerID == "" {
		opts.RunnerID = TestRunnerID
	}
	if opts.Category == "" {
		opts.Category = models.OrderDetection
	}
	if opts.Name == "" {
		opts.Name = "Detect Docker"
	}
	if opts.Command == "" {
		opts.Command = "echo '{\"capabilities\":{\"docker\":\"installed\"}}'"
	}
	if opts.Status == "" {
		opts.Status = models.OrderPending
	}
	if opts.CreatedAt.IsZero() {
		opts.CreatedAt = FixedTime
	}
	if opts.UpdatedAt.IsZero() {
		opts.UpdatedAt = FixedTime
	}
	return models.Order{
		ID:               opts.ID,
		RunnerID:         opts.RunnerID,
		InfrastructureID: opts.InfrastructureID,
		Category:         opts.Category,
		Name:             opts.Name,
		Description:      opts.Description,
		Command:          opts.Command,
		Status:           opts.Status,
		CreatedAt:        opts.CreatedAt,
		UpdatedAt:        opts.UpdatedAt,
	}
}

// InfraOpts holds optional parameters for creating test infrastructures.
type InfraOpts struct {
	ID        string
	Name      string
	Type      models.InfraType
	Declared  models.CapabilityMap
	Observed  models.CapabilityMap
	CreatedAt time.Time
	UpdatedAt time.Time
}

// NewTestInfrastructure creates a test infrastructure with default values,
// applying optional overrides.
func NewTestInfrastructure(opts InfraOpts) models.Infrastructure {
	if opts.ID == "" {
		opts.ID = TestInfraID
	}
	if opts.Name == "" {
		opts.Name = "infra-one"
	}
	if opts.Type == "" {
		opts.Type = models.InfraVPS
	}
	if opts.CreatedAt.IsZero() {
		opts.CreatedAt = FixedTime
	}
	if opts.UpdatedAt.IsZero() {
		opts.UpdatedAt = FixedTime
	}
	return models.Infrastructure{
		ID:        opts.ID,
		Name:      opts.Name,
		Type:      opts.Type,
		Declared:  opts.Declared,
		Observed:  opts.Observed,
		CreatedAt: opts.CreatedAt,
		UpdatedAt: opts.UpdatedAt,
	}
}
