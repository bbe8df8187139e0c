package policy

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateAction_DenyListPrecedence(t *testing.T) {
	g, err := New(Document{
		AllowedActions: []string{"read_file"},
		BlockedActions: []string{"read_file"},
	})
	require.NoError(t, err)

	err = g.ValidateAction("read_file")
	assert.ErrorIs(t, err, ErrActionDenied)
}

func TestValidateAction_AllowList(t *testing.T) {
	g, err := New(Document{AllowedActions: []string{"read_file"}})
	require.NoError(t, err)

	assert.NoError(t, g.ValidateAction("read_file"))
	assert.ErrorIs(t, g.ValidateAction("calculate"), ErrActionNotAllowed)
}

func TestValidateAction_EmptyAllowListAdmitsAll(t *testing.T) {
	g, err := New(Document{BlockedActions: []string{"rm_rf"}})
	require.NoError(t, err)

	assert.NoError(t, g.ValidateAction("anything"))
	assert.ErrorIs(t, g.ValidateAction("rm_rf"), ErrActionDenied)
}

func TestValidateAction_GenericExecuteAlwaysAdmitted(t *testing.T) {
	g, err := New(Document{AllowedActions: []string{"read_file"}})
	require.NoError(t, err)
	assert.NoError(t, g.ValidateAction(GenericExecuteAction))
}

func TestValidateAction_GenericExecuteStillDeniable(t *testing.T) {
	g, err := New(Document{BlockedActions: []string{GenericExecuteAction}})
	require.NoError(t, err)
	assert.ErrorIs(t, g.ValidateAction(GenericExecuteAction), ErrActionDenied)
}

func TestValidatePlan_TooLarge(t *testing.T) {
	g, err := New(Document{MaxTasksPerPlan: 2})
	require.NoError(t, err)

	assert.NoError(t, g.ValidatePlan(2, []string{"a", "b"}))
	assert.ErrorIs(t, g.ValidatePlan(3, []string{"a", "b", "c"}), ErrPlanTooLarge)
}

func TestConditions_CEL(t *testing.T) {
	g, err := New(Document{
		Conditions: map[string]string{
			"read_file": `params.path.startsWith("/data/")`,
		},
	})
	require.NoError(t, err)

	assert.NoError(t, g.ValidateActionParams("read_file", map[string]any{"path": "/data/x.csv"}))
	assert.ErrorIs(t,
		g.ValidateActionParams("read_file", map[string]any{"path": "/etc/passwd"}),
		ErrConditionFailed)
	// Missing attribute fails closed.
	assert.ErrorIs(t,
		g.ValidateActionParams("read_file", map[string]any{}),
		ErrConditionFailed)
}

func TestConditions_BadExpressionRejectedAtLoad(t *testing.T) {
	_, err := New(Document{Conditions: map[string]string{"x": "((("}})
	assert.Error(t, err)
}

func TestReload_SwapsSnapshot(t *testing.T) {
	g, err := New(Document{BlockedActions: []string{"a"}})
	require.NoError(t, err)
	require.ErrorIs(t, g.ValidateAction("a"), ErrActionDenied)

	require.NoError(t, g.Reload(Document{}))
	assert.NoError(t, g.ValidateAction("a"))
}

func TestLoadFile(t *testing.T) {
	doc := `
version: "2026-08"
max_tasks_per_plan: 10
max_execution_time_sec: 300
allowed_actions: [read_file, calculate]
blocked_actions: [shell]
retry_policy:
  max_attempts: 3
`
	path := filepath.Join(t.TempDir(), "policy.yaml")
	require.NoError(t, os.WriteFile(path, []byte(doc), 0o644))

	g, err := LoadFile(path)
	require.NoError(t, err)

	snap := g.Snapshot()
	assert.Equal(t, "2026-08", snap.Version)
	assert.Equal(t, 10, snap.MaxTasksPerPlan)
	assert.Equal(t, 300, snap.MaxExecutionTimeSec)
	assert.Equal(t, 3, snap.RetryPolicy["max_attempts"])
	assert.NoError(t, g.ValidateAction("read_file"))
	assert.ErrorIs(t, g.ValidateAction("shell"), ErrActionDenied)
}
