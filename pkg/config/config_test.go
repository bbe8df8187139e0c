package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefault_IsValid(t *testing.T) {
	require.NoError(t, Default().Validate())
}

func TestLoad_OverridesDefaults(t *testing.T) {
	doc := `
agent:
  name: arbiter-test
  version: "1.0.0"
htn_planning:
  default_strategy: rule_based
htn_execution:
  default_strategy: work_stealing
  max_parallel_workers: 8
htn_verification:
  default_level: paranoid
htn_policies:
  max_tasks_per_plan: 12
  allowed_actions: [read_file, calculate]
  blocked_actions: [shell]
observability:
  enabled: true
  otlp_endpoint: collector:4317
  insecure: true
`
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(doc), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "arbiter-test", cfg.Agent.Name)
	assert.Equal(t, "rule_based", cfg.Planning.DefaultStrategy)
	assert.Equal(t, "work_stealing", cfg.Execution.DefaultStrategy)
	assert.Equal(t, 8, cfg.Execution.MaxParallelWorkers)
	assert.Equal(t, "paranoid", cfg.Verification.DefaultLevel)
	assert.Equal(t, 12, cfg.Policies.MaxTasksPerPlan)
	assert.Equal(t, []string{"shell"}, cfg.Policies.BlockedActions)
	assert.True(t, cfg.Observability.Enabled)
	assert.Equal(t, "collector:4317", cfg.Observability.OTLPEndpoint)

	// Untouched sections keep their defaults.
	assert.Equal(t, 2048, cfg.Generation.MaxTokens)
	assert.Equal(t, "logs/events", cfg.Paths.EventsDir)
}

func TestLoad_RejectsBadStrategy(t *testing.T) {
	doc := `
htn_execution:
  default_strategy: quantum
`
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(doc), 0o644))

	_, err := Load(path)
	assert.Error(t, err)
}

func TestValidate_ObservabilityNeedsEndpoint(t *testing.T) {
	cfg := Default()
	cfg.Observability.Enabled = true
	cfg.Observability.OTLPEndpoint = ""
	assert.Error(t, cfg.Validate())
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}
