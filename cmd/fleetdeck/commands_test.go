package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKVFlag(t *testing.T) {
	t.Run("collects pairs", func(t *testing.T) {
		var f kvFlag
		require.NoError(t, f.Set("NODE_ENV=production"))
		require.NoError(t, f.Set("PORT=3000"))
		assert.Equal(t, map[string]string{"NODE_ENV": "production", "PORT": "3000"}, f.values)
	})

	t.Run("last value wins", func(t *testing.T) {
		var f kvFlag
		require.NoError(t, f.Set("KEY=a"))
		require.NoError(t, f.Set("KEY=b"))
		assert.Equal(t, "b", f.values["KEY"])
	})

	t.Run("value may contain equals", func(t *testing.T) {
		var f kvFlag
		require.NoError(t, f.Set("DSN=postgres://u:p@host/db?sslmode=disable"))
		assert.Equal(t, "postgres://u:p@host/db?sslmode=disable", f.values["DSN"])
	})

	t.Run("rejects missing key", func(t *testing.T) {
		var f kvFlag
		assert.Error(t, f.Set("=value"))
		assert.Error(t, f.Set("novalue"))
	})
}

func TestProgressString(t *testing.T) {
	assert.Equal(t, "-", progressString(nil))
	n := 42
	assert.Equal(t, "42%", progressString(&n))
}

func TestOrDashHelpers(t *testing.T) {
	assert.Equal(t, "-", orDash(""))
	assert.Equal(t, "-", orDash("  "))
	assert.Equal(t, "x", orDash("x"))
	assert.Equal(t, "-", orDashPtr(nil))
	empty := " "
	assert.Equal(t, "-", orDashPtr(&empty))
	value := "y"
	assert.Equal(t, "y", orDashPtr(&value))
}

func TestPrintEventsTracksLastID(t *testing.T) {
	events := []eventResponse{
		{ID: 3, Kind: "order.completed"},
		{ID: 7, Kind: "order.failed", Entity: "order", EntityID: "order_abc"},
		{ID: 5, Kind: "runner.registered"},
	}
	last := printEvents(events, true)
	assert.Equal(t, int64(7), last)
	assert.Equal(t, int64(0), printEvents(nil, false))
}

func TestParseAPIError(t *testing.T) {
	err := parseAPIError(404, []byte(`{"error":"order not found"}`))
	require.Error(t, err)
	assert.Equal(t, "order not found", err.Error())

	err = parseAPIError(500, []byte("not json"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "500")

	err = parseAPIError(502, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "502")
}
