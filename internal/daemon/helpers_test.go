package daemon

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/fleetdeck/fleetdeck/internal/db"
	"github.com/fleetdeck/fleetdeck/internal/models"
	testutil "github.com/fleetdeck/fleetdeck/internal/testing"
)

// openTestStore creates a migrated store in a temporary directory.
func openTestStore(t *testing.T) *db.Store {
	t.Helper()
	store, err := db.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() {
		store.Close()
	})
	return store
}

func seedInfrastructure(t *testing.T, store *db.Store, id string) models.Infrastructure {
	t.Helper()
	infra := testutil.NewTestInfrastructure(testutil.InfraOpts{ID: id, Name: "infra-" + id})
	require.NoError(t, store.CreateInfrastructure(context.Background(), infra))
	return infra
}

func seedRunner(t *testing.T, store *db.Store, id string, infraID *string) models.Runner {
	t.Helper()
	runner := testutil.NewTestRunner(testutil.RunnerOpts{
		ID:               id,
		Name:             "runner-" + id,
		TokenHash:        "hash-" + id,
		InfrastructureID: infraID,
		Status:           models.RunnerOnline,
		LastSeenAt:       testutil.FixedTime,
	})
	stored, err := store.UpsertRunner(context.Background(), runner)
	require.NoError(t, err)
	return stored
}

// fixedClock returns a now func pinned to the given time, plus a setter
// for tests that need to advance it.
func fixedClock(at time.Time) (func() time.Time, func(time.Time)) {
	current := at
	return func() time.Time { return current }, func(next time.Time) { current = next }
}

func newTestOrderManager(t *testing.T, store *db.Store) *OrderManager {
	t.Helper()
	m := NewOrderManager(store, nil, nil, nil, nil)
	m.now, _ = fixedClock(testutil.FixedTime)
	return m
}

func intPtr(v int) *int {
	return &v
}

func strPtr(v string) *string {
	return &v
}
