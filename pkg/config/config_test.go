package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "0.0.0.0", cfg.Server.Host)
	assert.Equal(t, 8000, cfg.Server.Port)
	assert.Empty(t, cfg.Server.APIKey)
	assert.Equal(t, []string{"http://localhost"}, cfg.Discovery.Hosts)
	assert.Equal(t, PortRange{Start: 8001, End: 8007}, cfg.Discovery.Ports)
	assert.Equal(t, 300*time.Second, cfg.Discovery.Interval)
	assert.Equal(t, 500*time.Second, cfg.Dispatch.ExecutionTimeout)
	assert.Equal(t, 2*time.Second, cfg.Dispatch.ReserveInitialBackoff)
	assert.Equal(t, 30*time.Second, cfg.Dispatch.ReserveMaxBackoff)
	assert.Equal(t, 60*time.Second, cfg.Recovery.RetryDelay)
	assert.Equal(t, 24*time.Hour, cfg.Recovery.GiveUpAfter)
	assert.Equal(t, 100, cfg.History.TaskCapacity)
	assert.Equal(t, 50, cfg.History.ErrorCapacity)
	assert.Equal(t, 50000, cfg.History.LogCapacity)
	assert.Equal(t, "automated", cfg.TestMgmt.AutomatedLabel)
}

func TestLoadFromEnvironment(t *testing.T) {
	t.Setenv("ORCHESTRATOR_HOST", "127.0.0.1")
	t.Setenv("ORCHESTRATOR_PORT", "9100")
	t.Setenv("ORCHESTRATOR_API_KEY", "sekrit")
	t.Setenv("REMOTE_AGENT_HOSTS", "http://agents-a, http://agents-b/")
	t.Setenv("AGENT_DISCOVERY_PORTS", "9001-9003")
	t.Setenv("DISCOVERY_INTERVAL_SECONDS", "30")
	t.Setenv("TASK_EXECUTION_TIMEOUT_SECONDS", "1.5")
	t.Setenv("DASHBOARD_USERNAME", "ops")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1:9100", cfg.Server.Addr())
	assert.Equal(t, "sekrit", cfg.Server.APIKey)
	assert.Equal(t, []string{"http://agents-a", "http://agents-b"}, cfg.Discovery.Hosts)
	assert.Equal(t, PortRange{Start: 9001, End: 9003}, cfg.Discovery.Ports)
	assert.Equal(t, 30*time.Second, cfg.Discovery.Interval)
	assert.Equal(t, 1500*time.Millisecond, cfg.Dispatch.ExecutionTimeout)
	assert.Equal(t, "ops", cfg.Dashboard.Username)
}

func TestLoadRejectsBadValues(t *testing.T) {
	tests := []struct {
		name  string
		key   string
		value string
	}{
		{"non-numeric port", "ORCHESTRATOR_PORT", "eighty"},
		{"port out of range", "ORCHESTRATOR_PORT", "70000"},
		{"inverted port range", "AGENT_DISCOVERY_PORTS", "9000-8000"},
		{"garbage port range", "AGENT_DISCOVERY_PORTS", "abc-def"},
		{"negative interval", "DISCOVERY_INTERVAL_SECONDS", "-5"},
		{"non-numeric timeout", "TASK_EXECUTION_TIMEOUT_SECONDS", "soon"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv(tt.key, tt.value)
			_, err := Load()
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrInvalidValue)
		})
	}
}

func TestParsePortRange(t *testing.T) {
	pr, err := ParsePortRange("8001-8007")
	require.NoError(t, err)
	assert.Equal(t, 8001, pr.Start)
	assert.Equal(t, 8007, pr.End)
	assert.Len(t, pr.Ports(), 7)
	assert.Equal(t, "8001-8007", pr.String())

	single, err := ParsePortRange("8005")
	require.NoError(t, err)
	assert.Equal(t, PortRange{Start: 8005, End: 8005}, single)
	assert.Equal(t, []int{8005}, single.Ports())
	assert.Equal(t, "8005", single.String())

	_, err = ParsePortRange("")
	assert.Error(t, err)
}
