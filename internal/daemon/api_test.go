package daemon

import (
	"bytes"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func jsonRequest(body string) (*httptest.ResponseRecorder, *http.Request) {
	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	return httptest.NewRecorder(), req
}

func TestDecodeJSON(t *testing.T) {
	type payload struct {
		Name string `json:"name"`
	}

	t.Run("decodes a valid body", func(t *testing.T) {
		w, r := jsonRequest(`{"name":"runner-one"}`)
		var out payload
		require.NoError(t, decodeJSON(w, r, &out))
		assert.Equal(t, "runner-one", out.Name)
	})

	t.Run("rejects unknown fields", func(t *testing.T) {
		w, r := jsonRequest(`{"name":"x","surprise":true}`)
		var out payload
		assert.Error(t, decodeJSON(w, r, &out))
	})

	t.Run("rejects trailing data", func(t *testing.T) {
		w, r := jsonRequest(`{"name":"x"}{"name":"y"}`)
		var out payload
		assert.Error(t, decodeJSON(w, r, &out))
	})

	t.Run("rejects malformed json", func(t *testing.T) {
		w, r := jsonRequest(`{"name":`)
		var out payload
		assert.Error(t, decodeJSON(w, r, &out))
	})
}

func TestDecodeOptionalJSON(t *testing.T) {
	type payload struct {
		Force bool `json:"force"`
	}

	t.Run("empty body is fine", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/", http.NoBody)
		var out payload
		require.NoError(t, decodeOptionalJSON(httptest.NewRecorder(), req, &out))
		assert.False(t, out.Force)
	})

	t.Run("whitespace body is fine", func(t *testing.T) {
		w, r := jsonRequest("  \n")
		var out payload
		require.NoError(t, decodeOptionalJSON(w, r, &out))
	})

	t.Run("present body is decoded strictly", func(t *testing.T) {
		w, r := jsonRequest(`{"force":true}`)
		var out payload
		require.NoError(t, decodeOptionalJSON(w, r, &out))
		assert.True(t, out.Force)

		w, r = jsonRequest(`{"unknown":1}`)
		assert.Error(t, decodeOptionalJSON(w, r, &out))
	})
}

func TestNewID(t *testing.T) {
	id, err := newID(bytes.NewReader([]byte("abcdefgh")), "order")
	require.NoError(t, err)
	assert.Equal(t, "order_6162636465666768", id)

	id, err = newID(nil, "order")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(id, "order_"))
	assert.Len(t, id, len("order_")+16)

	_, err = newID(bytes.NewReader([]byte("ab")), "order")
	assert.Error(t, err)
}

func TestClampLimit(t *testing.T) {
	assert.Equal(t, 200, clampLimit(0, 200, 1000))
	assert.Equal(t, 200, clampLimit(-5, 200, 1000))
	assert.Equal(t, 50, clampLimit(50, 200, 1000))
	assert.Equal(t, 1000, clampLimit(5000, 200, 1000))
}

func TestParseQueryInt(t *testing.T) {
	n, err := parseQueryInt("")
	require.NoError(t, err)
	assert.Zero(t, n)

	n, err = parseQueryInt("42")
	require.NoError(t, err)
	assert.Equal(t, 42, n)

	_, err = parseQueryInt("many")
	assert.Error(t, err)

	v, err := parseQueryInt64("9000000000")
	require.NoError(t, err)
	assert.Equal(t, int64(9000000000), v)

	_, err = parseQueryInt64("x")
	assert.Error(t, err)
}

func TestIsUniqueConstraint(t *testing.T) {
	assert.False(t, isUniqueConstraint(nil))
	assert.False(t, isUniqueConstraint(errors.New("disk I/O error")))
	assert.True(t, isUniqueConstraint(errors.New("constraint failed: UNIQUE constraint failed: caddy_routes.full_domain")))
}

func TestDerefInt(t *testing.T) {
	assert.Zero(t, derefInt(nil))
	assert.Equal(t, 7, derefInt(intPtr(7)))
}
