package verifier

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arbiterlabs/arbiter/pkg/taskgraph"
)

func completedTask(t *testing.T, action string, result any) *taskgraph.Task {
	t.Helper()
	task := taskgraph.NewTask("t", action, nil, nil, taskgraph.PriorityNormal)
	task.SetResult(result)
	return task
}

func TestBasicPassesCleanTask(t *testing.T) {
	v := New(LevelBasic)
	res := v.VerifyTask(completedTask(t, "calculate", 42))

	assert.True(t, res.Valid)
	assert.Empty(t, res.Errors)
	assert.Empty(t, res.Warnings)
}

func TestBasicNilResultFails(t *testing.T) {
	v := New(LevelBasic)
	task := taskgraph.NewTask("t", "calculate", nil, nil, taskgraph.PriorityNormal)
	task.SetStatus(taskgraph.StatusCompleted)

	res := v.VerifyTask(task)
	assert.False(t, res.Valid)
	assert.Contains(t, res.Errors[0], "result_present")
}

func TestBasicNonCompletedWarns(t *testing.T) {
	v := New(LevelBasic)
	task := taskgraph.NewTask("t", "calculate", nil, nil, taskgraph.PriorityNormal)
	task.Result = "partial"
	task.SetStatus(taskgraph.StatusRunning)

	res := v.VerifyTask(task)
	assert.True(t, res.Valid, "non-COMPLETED status is a warning, not an error")
	require.Len(t, res.Warnings, 1)
	assert.Contains(t, res.Warnings[0], "RUNNING")
}

func TestConfidenceIsPassedCheckFraction(t *testing.T) {
	v := New(LevelBasic)

	clean := v.VerifyTask(completedTask(t, "calculate", 42))
	assert.Equal(t, 1.0, clean.Confidence)

	task := taskgraph.NewTask("t", "calculate", nil, nil, taskgraph.PriorityNormal)
	task.SetStatus(taskgraph.StatusCompleted)
	half := v.VerifyTask(task)
	assert.False(t, half.Valid)
	assert.Equal(t, 0.5, half.Confidence, "one of the two basic checks fails on a nil result")
}

func TestConfidenceDefaultsToOneWithoutChecks(t *testing.T) {
	r := &Result{}
	assert.Equal(t, 1.0, r.score())
}

func TestStrictShapeMatch(t *testing.T) {
	v := New(LevelStrict)
	v.RegisterShape("fetch_user", map[string]any{
		"name": "string",
		"age":  "int",
		"address": map[string]any{
			"city": "string",
		},
	})

	good := completedTask(t, "fetch_user", map[string]any{
		"name":    "ada",
		"age":     36,
		"address": map[string]any{"city": "london"},
	})
	res := v.VerifyTask(good)
	assert.True(t, res.Valid, res.Errors)

	missing := completedTask(t, "fetch_user", map[string]any{
		"name":    "ada",
		"address": map[string]any{"city": "london"},
	})
	res = v.VerifyTask(missing)
	assert.False(t, res.Valid)
	assert.Contains(t, res.Errors[0], "missing field age")

	wrongType := completedTask(t, "fetch_user", map[string]any{
		"name":    "ada",
		"age":     "thirty-six",
		"address": map[string]any{"city": "london"},
	})
	res = v.VerifyTask(wrongType)
	assert.False(t, res.Valid)

	extra := completedTask(t, "fetch_user", map[string]any{
		"name":    "ada",
		"age":     36,
		"address": map[string]any{"city": "london"},
		"ssn":     "000-00-0000",
	})
	res = v.VerifyTask(extra)
	assert.False(t, res.Valid)
	assert.Contains(t, res.Errors[0], "unexpected field ssn")
}

func TestStrictTemporalCoherence(t *testing.T) {
	v := New(LevelStrict)

	task := completedTask(t, "calculate", 1)
	res := v.VerifyTask(task)
	assert.True(t, res.Valid, res.Errors)

	skewed := completedTask(t, "calculate", 1)
	skewed.Metadata["created_at"] = time.Now().UTC().Add(time.Hour).Format(time.RFC3339Nano)
	res = v.VerifyTask(skewed)
	assert.False(t, res.Valid)

	future := completedTask(t, "calculate", 1)
	future.Metadata["created_at"] = time.Now().UTC().Add(time.Hour).Format(time.RFC3339Nano)
	future.Metadata["updated_at"] = time.Now().UTC().Add(2 * time.Hour).Format(time.RFC3339Nano)
	future.Metadata["completed_at"] = future.Metadata["updated_at"]
	res = v.VerifyTask(future)
	assert.False(t, res.Valid)
}

func TestParanoidSchema(t *testing.T) {
	v := New(LevelParanoid)
	require.NoError(t, v.RegisterSchema("fetch_stats", []byte(`{
		"type": "object",
		"required": ["count"],
		"properties": {
			"count": {"type": "integer", "minimum": 0}
		}
	}`)))

	good := completedTask(t, "fetch_stats", map[string]any{"count": 3})
	assert.True(t, v.VerifyTask(good).Valid)

	bad := completedTask(t, "fetch_stats", map[string]any{"count": -1})
	res := v.VerifyTask(bad)
	assert.False(t, res.Valid)
	assert.Contains(t, res.Errors[0], "schema_valid")
}

func TestParanoidSchemaIgnoredAtStrict(t *testing.T) {
	v := New(LevelStrict)
	require.NoError(t, v.RegisterSchema("fetch_stats", []byte(`{"type":"object","required":["count"]}`)))

	bad := completedTask(t, "fetch_stats", map[string]any{"other": 1})
	assert.True(t, v.VerifyTask(bad).Valid, "schemas only apply at paranoid")
}

func TestParanoidCustomVerifierMerges(t *testing.T) {
	v := New(LevelParanoid)
	v.RegisterCustom("transform", func(task *taskgraph.Task) *Result {
		return &Result{
			Valid:  false,
			Checks: []Check{{Name: "domain_invariant", Pass: false, Reason: "sum mismatch"}},
			Errors: []string{"domain_invariant: sum mismatch"},
		}
	})

	res := v.VerifyTask(completedTask(t, "transform", map[string]any{"sum": 9}))
	assert.False(t, res.Valid)
	assert.Contains(t, res.Errors, "domain_invariant: sum mismatch")
}

func TestInvalidSchemaRejected(t *testing.T) {
	v := New(LevelParanoid)
	err := v.RegisterSchema("broken", []byte(`{"type": 12}`))
	require.Error(t, err)
}

func TestVerifyGraphOnlyCompleted(t *testing.T) {
	g := taskgraph.New()
	done := taskgraph.NewTask("done", "calculate", nil, nil, taskgraph.PriorityNormal)
	require.NoError(t, g.AddTask(done))
	g.SetResult(done.ID, 7)
	failed := taskgraph.NewTask("failed", "calculate", nil, nil, taskgraph.PriorityNormal)
	require.NoError(t, g.AddTask(failed))
	g.SetError(failed.ID, "boom")

	v := New(LevelBasic)
	results := v.VerifyGraph(g, "")

	require.Len(t, results, 1)
	assert.Contains(t, results, done.ID)
	assert.True(t, results[done.ID].Valid)
}

func TestSelfCheck(t *testing.T) {
	v := New(LevelStrict)
	v.RegisterShape("a", map[string]any{"x": "int"})
	v.RegisterCustom("b", func(*taskgraph.Task) *Result { return nil })

	v.VerifyTask(completedTask(t, "c", 1))
	badTask := taskgraph.NewTask("t", "c", nil, nil, taskgraph.PriorityNormal)
	badTask.SetStatus(taskgraph.StatusCompleted)
	v.VerifyTask(badTask)

	report := v.SelfCheck()
	assert.Equal(t, true, report["healthy"])
	assert.Equal(t, 2, report["tasks_verified"])
	assert.Equal(t, 1, report["tasks_passed"])
	assert.Equal(t, 1, report["tasks_failed"])
	assert.Equal(t, 1, report["registered_shapes"])
	assert.Equal(t, 1, report["registered_custom"])
}
