package main

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseGlobal(t *testing.T) {
	tests := []struct {
		name       string
		args       []string
		wantOpts   globalOptions
		wantRemain []string
		wantErr    bool
	}{
		{
			name:       "default values",
			args:       []string{},
			wantOpts:   globalOptions{socketPath: defaultSocketPath, timeout: defaultRequestTimeout},
			wantRemain: []string{},
		},
		{
			name:       "with remaining args",
			args:       []string{"order", "list"},
			wantOpts:   globalOptions{socketPath: defaultSocketPath, timeout: defaultRequestTimeout},
			wantRemain: []string{"order", "list"},
		},
		{
			name:       "custom socket path",
			args:       []string{"--socket", "/tmp/test.sock"},
			wantOpts:   globalOptions{socketPath: "/tmp/test.sock", timeout: defaultRequestTimeout},
			wantRemain: []string{},
		},
		{
			name:       "json output flag",
			args:       []string{"--json"},
			wantOpts:   globalOptions{socketPath: defaultSocketPath, jsonOutput: true, timeout: defaultRequestTimeout},
			wantRemain: []string{},
		},
		{
			name:       "custom timeout",
			args:       []string{"--timeout", "5m"},
			wantOpts:   globalOptions{socketPath: defaultSocketPath, timeout: 5 * time.Minute},
			wantRemain: []string{},
		},
		{
			name:       "version flag",
			args:       []string{"--version"},
			wantOpts:   globalOptions{socketPath: defaultSocketPath, timeout: defaultRequestTimeout, showVersion: true},
			wantRemain: []string{},
		},
		{
			name:    "invalid timeout",
			args:    []string{"--timeout", "invalid"},
			wantErr: true,
		},
		{
			name:       "all flags with args",
			args:       []string{"--socket", "/custom.sock", "--json", "--timeout", "30s", "runner", "list"},
			wantOpts:   globalOptions{socketPath: "/custom.sock", jsonOutput: true, timeout: 30 * time.Second},
			wantRemain: []string{"runner", "list"},
		},
		{
			name:       "flags after positional arg are not parsed",
			args:       []string{"order", "--socket", "/tmp/test.sock"},
			wantOpts:   globalOptions{socketPath: defaultSocketPath, timeout: defaultRequestTimeout},
			wantRemain: []string{"order", "--socket", "/tmp/test.sock"},
		},
		{
			name:    "unknown flag",
			args:    []string{"--unknown", "value"},
			wantErr: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			opts, remain, err := parseGlobal(tt.args)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantOpts, opts)
			assert.Equal(t, tt.wantRemain, remain)
		})
	}
}

func TestIsHelpToken(t *testing.T) {
	assert.True(t, isHelpToken("help"))
	assert.True(t, isHelpToken("-h"))
	assert.True(t, isHelpToken("--help"))
	assert.True(t, isHelpToken(" help "))
	assert.False(t, isHelpToken("status"))
	assert.False(t, isHelpToken(""))
}

func TestDefaults(t *testing.T) {
	assert.Equal(t, "/run/fleetdeck/fleetdeckd.sock", defaultSocketPath)
	assert.Equal(t, 30*time.Second, defaultRequestTimeout)
}
