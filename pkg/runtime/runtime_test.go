package runtime

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arbiterlabs/arbiter/pkg/config"
	"github.com/arbiterlabs/arbiter/pkg/decision"
	"github.com/arbiterlabs/arbiter/pkg/executor"
	"github.com/arbiterlabs/arbiter/pkg/policy"
	"github.com/arbiterlabs/arbiter/pkg/runstore"
)

func tempConfig(t *testing.T) *config.Config {
	t.Helper()
	base := t.TempDir()
	cfg := config.Default()
	cfg.Paths.EventsDir = filepath.Join(base, "events")
	cfg.Paths.DigestsDir = filepath.Join(base, "digests")
	cfg.Paths.DecisionsDir = filepath.Join(base, "decisions")
	cfg.Paths.ProvenanceDir = filepath.Join(base, "provenance")
	cfg.Paths.ArchiveDir = filepath.Join(base, "archive")
	cfg.Paths.SignaturesDir = filepath.Join(base, "signatures")
	cfg.Paths.RunStorePath = filepath.Join(base, "runs.db")
	return cfg
}

func initRuntime(t *testing.T, cfg *config.Config) *State {
	t.Helper()
	Reset()
	s, err := Init(context.Background(), cfg)
	require.NoError(t, err)
	t.Cleanup(Reset)
	return s
}

func TestInitIsSingleton(t *testing.T) {
	cfg := tempConfig(t)
	s1 := initRuntime(t, cfg)

	s2, err := Init(context.Background(), tempConfig(t))
	require.NoError(t, err)
	assert.Same(t, s1, s2, "second Init returns the existing state")
	assert.Same(t, s1, Current())
}

func TestResetAllowsReinit(t *testing.T) {
	s1 := initRuntime(t, tempConfig(t))
	Reset()
	assert.Nil(t, Current())

	s2 := initRuntime(t, tempConfig(t))
	assert.NotSame(t, s1, s2)
}

func TestObservabilityConfigCarriesDocumentValues(t *testing.T) {
	cfg := tempConfig(t)
	cfg.Observability.Enabled = true
	cfg.Observability.OTLPEndpoint = "collector:4317"
	cfg.Observability.Insecure = true

	oc := observabilityConfig(cfg)
	assert.True(t, oc.Enabled)
	assert.Equal(t, "collector:4317", oc.OTLPEndpoint)
	assert.True(t, oc.Insecure)
	assert.Equal(t, cfg.Agent.Name, oc.ServiceName)
	assert.Equal(t, cfg.Agent.Version, oc.ServiceVersion)
}

func TestInitMetricsDisabledByDefault(t *testing.T) {
	s := initRuntime(t, tempConfig(t))
	assert.False(t, s.Metrics.Enabled())
}

func TestShutdownClearsState(t *testing.T) {
	initRuntime(t, tempConfig(t))
	require.NoError(t, Shutdown(context.Background()))
	assert.Nil(t, Current())
	require.NoError(t, Shutdown(context.Background()), "repeated shutdown is a no-op")
}

func stubRegistry() map[string]executor.Action {
	return map[string]executor.Action{
		"read_file": func(ctx context.Context, params map[string]any) (any, error) {
			return "1,2,3", nil
		},
		"calculate": func(ctx context.Context, params map[string]any) (any, error) {
			return 6, nil
		},
		"generic_execute": func(ctx context.Context, params map[string]any) (any, error) {
			return "done", nil
		},
	}
}

func TestOrchestratorEndToEnd(t *testing.T) {
	cfg := tempConfig(t)
	cfg.Planning.DefaultStrategy = "rule_based"
	cfg.Execution.DefaultStrategy = "sequential"
	s := initRuntime(t, cfg)

	runs, err := runstore.Open(cfg.Paths.RunStorePath)
	require.NoError(t, err)
	defer func() { _ = runs.Close() }()

	o := NewOrchestrator(s, stubRegistry(), WithRunStore(runs))
	report, err := o.Run(context.Background(), "Lis data.csv, calcule la somme")
	require.NoError(t, err)

	assert.True(t, report.Execution.Success)
	assert.Equal(t, 2, report.Execution.Completed)
	assert.Equal(t, 0, report.Execution.Failed)
	assert.Len(t, report.Verification, 2)
	for _, vr := range report.Verification {
		assert.True(t, vr.Valid, vr.Errors)
	}

	// The planning decision is signed and on disk.
	rec, err := s.Decisions.Load(report.DecisionID)
	require.NoError(t, err)
	require.NotNil(t, rec)
	ok, err := decision.Verify(rec, s.Decisions.PublicKey())
	require.NoError(t, err)
	assert.True(t, ok)

	// Task lifecycle landed in the WORM log.
	raw, err := os.ReadFile(s.Worm.Path())
	require.NoError(t, err)
	assert.Contains(t, string(raw), "task_completed")
	assert.Contains(t, string(raw), "run_finished")

	// Run history was persisted.
	saved, err := runs.Get(context.Background(), report.RunID)
	require.NoError(t, err)
	assert.True(t, saved.Success)
	assert.Equal(t, 2, saved.Completed)
	assert.Equal(t, report.DecisionID, saved.Payload["decision_id"])
}

func TestOrchestratorRejectsBlockedAction(t *testing.T) {
	cfg := tempConfig(t)
	cfg.Planning.DefaultStrategy = "rule_based"
	cfg.Policies.BlockedActions = []string{"read_file"}
	s := initRuntime(t, cfg)

	o := NewOrchestrator(s, stubRegistry())
	_, err := o.Run(context.Background(), "Lis data.csv, calcule la somme")
	require.Error(t, err)
	assert.ErrorIs(t, err, policy.ErrActionDenied)

	raw, readErr := os.ReadFile(s.Worm.Path())
	require.NoError(t, readErr)
	assert.Contains(t, string(raw), "plan_rejected")
}

func TestOrchestratorPlanTooLarge(t *testing.T) {
	cfg := tempConfig(t)
	cfg.Planning.DefaultStrategy = "rule_based"
	cfg.Policies.MaxTasksPerPlan = 1
	s := initRuntime(t, cfg)

	o := NewOrchestrator(s, stubRegistry())
	_, err := o.Run(context.Background(), "Lis data.csv, calcule la somme")
	require.Error(t, err)
	assert.ErrorIs(t, err, policy.ErrPlanTooLarge)
}

func TestOrchestratorFallbackQueryStillRuns(t *testing.T) {
	cfg := tempConfig(t)
	cfg.Planning.DefaultStrategy = "rule_based"
	cfg.Execution.DefaultStrategy = "adaptive"
	s := initRuntime(t, cfg)

	o := NewOrchestrator(s, stubRegistry())
	report, err := o.Run(context.Background(), "quelque chose de totalement libre")
	require.NoError(t, err)

	assert.True(t, report.Execution.Success)
	assert.Equal(t, 1, report.Execution.Completed)
	assert.True(t, strings.HasPrefix(report.RunID, "run-"))
	decisionMeta := report.Plan.Metadata["validation_passed"]
	assert.Equal(t, true, decisionMeta)
}
