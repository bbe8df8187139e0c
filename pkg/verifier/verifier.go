// Package verifier checks completed task results at three escalating levels.
// BASIC inspects the task's own record, STRICT adds structural shape and
// temporal coherence checks, PARANOID adds registered JSON Schemas and
// domain-specific callbacks. Every finding is evidence-grade: named check,
// pass flag, failure reason.
package verifier

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/arbiterlabs/arbiter/pkg/taskgraph"
)

// Level selects how deep verification goes. Each level includes everything
// below it.
type Level string

const (
	LevelBasic    Level = "basic"
	LevelStrict   Level = "strict"
	LevelParanoid Level = "paranoid"
)

func (l Level) rank() int {
	switch l {
	case LevelParanoid:
		return 3
	case LevelStrict:
		return 2
	default:
		return 1
	}
}

// Check is one named verification step.
type Check struct {
	Name   string `json:"name"`
	Pass   bool   `json:"pass"`
	Reason string `json:"reason,omitempty"`
}

// Result is the outcome of verifying one task. Confidence is the fraction of
// checks that passed, 1.0 when no checks ran.
type Result struct {
	TaskID     string    `json:"task_id"`
	Level      Level     `json:"level"`
	Valid      bool      `json:"valid"`
	Confidence float64   `json:"confidence"`
	Checks     []Check   `json:"checks"`
	Errors     []string  `json:"errors,omitempty"`
	Warnings   []string  `json:"warnings,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

func (r *Result) addCheck(c Check) {
	r.Checks = append(r.Checks, c)
	if !c.Pass {
		r.Valid = false
		r.Errors = append(r.Errors, c.Name+": "+c.Reason)
	}
}

func (r *Result) warn(msg string) {
	r.Warnings = append(r.Warnings, msg)
}

func (r *Result) score() float64 {
	if len(r.Checks) == 0 {
		return 1.0
	}
	passed := 0
	for _, c := range r.Checks {
		if c.Pass {
			passed++
		}
	}
	return float64(passed) / float64(len(r.Checks))
}

// merge folds a custom verifier's findings into this result.
func (r *Result) merge(other *Result) {
	if other == nil {
		return
	}
	r.Checks = append(r.Checks, other.Checks...)
	r.Errors = append(r.Errors, other.Errors...)
	r.Warnings = append(r.Warnings, other.Warnings...)
	if !other.Valid {
		r.Valid = false
	}
}

// CustomVerifier is a domain-specific callback registered per action name,
// consulted at PARANOID level.
type CustomVerifier func(t *taskgraph.Task) *Result

// Verifier holds the registered shapes, schemas and callbacks plus running
// statistics. Safe for concurrent use.
type Verifier struct {
	mu      sync.RWMutex
	level   Level
	shapes  map[string]map[string]any
	schemas map[string]*jsonschema.Schema
	custom  map[string]CustomVerifier

	verified int
	passed   int
	failed   int
}

// New creates a verifier with the given default level.
func New(level Level) *Verifier {
	if level == "" {
		level = LevelBasic
	}
	return &Verifier{
		level:   level,
		shapes:  make(map[string]map[string]any),
		schemas: make(map[string]*jsonschema.Schema),
		custom:  make(map[string]CustomVerifier),
	}
}

// RegisterShape installs a structural shape for an action's results. Values
// are primitive type names ("string", "number", "int", "bool", "list", "map")
// or nested shape maps.
func (v *Verifier) RegisterShape(action string, shape map[string]any) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.shapes[action] = shape
}

// RegisterSchema compiles and installs a JSON Schema for an action's results,
// consulted at PARANOID level.
func (v *Verifier) RegisterSchema(action string, schemaJSON []byte) error {
	compiler := jsonschema.NewCompiler()
	url := "inline://" + action + ".schema.json"
	if err := compiler.AddResource(url, strings.NewReader(string(schemaJSON))); err != nil {
		return fmt.Errorf("verifier: add schema for %s: %w", action, err)
	}
	schema, err := compiler.Compile(url)
	if err != nil {
		return fmt.Errorf("verifier: compile schema for %s: %w", action, err)
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	v.schemas[action] = schema
	return nil
}

// RegisterCustom installs a domain-specific verifier for an action.
func (v *Verifier) RegisterCustom(action string, fn CustomVerifier) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.custom[action] = fn
}

// VerifyTask verifies one task at the verifier's default level.
func (v *Verifier) VerifyTask(t *taskgraph.Task) *Result {
	return v.VerifyTaskAt(t, v.level)
}

// VerifyTaskAt verifies one task at an explicit level.
func (v *Verifier) VerifyTaskAt(t *taskgraph.Task, level Level) *Result {
	res := &Result{
		TaskID:    t.ID,
		Level:     level,
		Valid:     true,
		Timestamp: time.Now().UTC(),
	}

	v.checkBasic(t, res)
	if level.rank() >= LevelStrict.rank() {
		v.checkShape(t, res)
		v.checkTemporal(t, res)
	}
	if level.rank() >= LevelParanoid.rank() {
		v.checkSchema(t, res)
		v.runCustom(t, res)
	}
	res.Confidence = res.score()

	v.mu.Lock()
	v.verified++
	if res.Valid {
		v.passed++
	} else {
		v.failed++
	}
	v.mu.Unlock()
	return res
}

func (v *Verifier) checkBasic(t *taskgraph.Task, res *Result) {
	present := Check{Name: "result_present", Pass: t.Result != nil}
	if !present.Pass {
		present.Reason = "task completed with a nil result"
	}
	res.addCheck(present)

	clean := Check{Name: "no_error_recorded", Pass: t.Error == ""}
	if !clean.Pass {
		clean.Reason = "error recorded: " + t.Error
	}
	res.addCheck(clean)
	if t.Status != taskgraph.StatusCompleted {
		res.warn(fmt.Sprintf("status is %s, expected COMPLETED", t.Status))
	}
}

// checkShape performs strict structural matching against the registered
// shape: every declared field must be present with the declared type and no
// undeclared fields are allowed.
func (v *Verifier) checkShape(t *taskgraph.Task, res *Result) {
	v.mu.RLock()
	shape, ok := v.shapes[t.Action]
	v.mu.RUnlock()
	if !ok {
		return
	}

	obj, ok := t.Result.(map[string]any)
	if !ok {
		res.addCheck(Check{
			Name:   "shape_match",
			Pass:   false,
			Reason: fmt.Sprintf("result is %T, shape requires an object", t.Result),
		})
		return
	}
	if reason := matchShape(shape, obj, ""); reason != "" {
		res.addCheck(Check{Name: "shape_match", Pass: false, Reason: reason})
		return
	}
	res.addCheck(Check{Name: "shape_match", Pass: true})
}

func matchShape(shape map[string]any, obj map[string]any, prefix string) string {
	for field, want := range shape {
		path := prefix + field
		got, present := obj[field]
		if !present {
			return "missing field " + path
		}
		switch w := want.(type) {
		case string:
			if reason := matchPrimitive(w, got, path); reason != "" {
				return reason
			}
		case map[string]any:
			nested, ok := got.(map[string]any)
			if !ok {
				return fmt.Sprintf("field %s is %T, expected nested object", path, got)
			}
			if reason := matchShape(w, nested, path+"."); reason != "" {
				return reason
			}
		default:
			return fmt.Sprintf("shape for %s has unsupported descriptor %T", path, want)
		}
	}
	for field := range obj {
		if _, declared := shape[field]; !declared {
			return "unexpected field " + prefix + field
		}
	}
	return ""
}

func matchPrimitive(want string, got any, path string) string {
	ok := false
	switch want {
	case "string":
		_, ok = got.(string)
	case "bool":
		_, ok = got.(bool)
	case "int":
		switch got.(type) {
		case int, int32, int64:
			ok = true
		case float64:
			f := got.(float64)
			ok = f == float64(int64(f))
		}
	case "number":
		switch got.(type) {
		case int, int32, int64, float32, float64:
			ok = true
		}
	case "list":
		switch got.(type) {
		case []any, []string, []int, []float64:
			ok = true
		}
	case "map":
		_, ok = got.(map[string]any)
	default:
		return fmt.Sprintf("shape for %s names unknown type %q", path, want)
	}
	if !ok {
		return fmt.Sprintf("field %s is %T, expected %s", path, got, want)
	}
	return ""
}

// checkTemporal verifies created_at <= updated_at <= completed_at and that no
// stamp lies in the future.
func (v *Verifier) checkTemporal(t *taskgraph.Task, res *Result) {
	created, okC := stamp(t.Metadata, "created_at")
	updated, okU := stamp(t.Metadata, "updated_at")
	completed, okD := stamp(t.Metadata, "completed_at")

	now := time.Now().UTC().Add(time.Second) // tolerate clock granularity
	pass := true
	reason := ""
	switch {
	case okC && okU && created.After(updated):
		pass, reason = false, "created_at is after updated_at"
	case okU && okD && updated.After(completed):
		pass, reason = false, "updated_at is after completed_at"
	case okC && created.After(now):
		pass, reason = false, "created_at is in the future"
	case okU && updated.After(now):
		pass, reason = false, "updated_at is in the future"
	case okD && completed.After(now):
		pass, reason = false, "completed_at is in the future"
	}
	res.addCheck(Check{Name: "temporal_coherence", Pass: pass, Reason: reason})
}

func stamp(md map[string]any, key string) (time.Time, bool) {
	raw, ok := md[key].(string)
	if !ok {
		return time.Time{}, false
	}
	ts, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return time.Time{}, false
	}
	return ts, true
}

func (v *Verifier) checkSchema(t *taskgraph.Task, res *Result) {
	v.mu.RLock()
	schema, ok := v.schemas[t.Action]
	v.mu.RUnlock()
	if !ok {
		return
	}

	// Round-trip through JSON so typed results validate like wire data.
	raw, err := json.Marshal(t.Result)
	if err != nil {
		res.addCheck(Check{Name: "schema_valid", Pass: false, Reason: "result not serializable: " + err.Error()})
		return
	}
	var value any
	if err := json.Unmarshal(raw, &value); err != nil {
		res.addCheck(Check{Name: "schema_valid", Pass: false, Reason: err.Error()})
		return
	}
	if err := schema.Validate(value); err != nil {
		res.addCheck(Check{Name: "schema_valid", Pass: false, Reason: err.Error()})
		return
	}
	res.addCheck(Check{Name: "schema_valid", Pass: true})
}

func (v *Verifier) runCustom(t *taskgraph.Task, res *Result) {
	v.mu.RLock()
	fn, ok := v.custom[t.Action]
	v.mu.RUnlock()
	if !ok {
		return
	}
	res.merge(fn(t))
}

// VerifyGraph runs the per-task verifier over every COMPLETED task and
// returns results keyed by task id.
func (v *Verifier) VerifyGraph(g *taskgraph.Graph, level Level) map[string]*Result {
	if level == "" {
		level = v.level
	}
	out := make(map[string]*Result)
	for _, id := range g.TaskIDs() {
		t := g.Task(id)
		if t == nil || t.Status != taskgraph.StatusCompleted {
			continue
		}
		out[id] = v.VerifyTaskAt(t, level)
	}
	return out
}

// SelfCheck reports the verifier's own structural health: statistics
// consistency and registration counts.
func (v *Verifier) SelfCheck() map[string]any {
	v.mu.RLock()
	defer v.mu.RUnlock()
	healthy := v.verified == v.passed+v.failed
	return map[string]any{
		"healthy":            healthy,
		"level":              string(v.level),
		"tasks_verified":     v.verified,
		"tasks_passed":       v.passed,
		"tasks_failed":       v.failed,
		"registered_shapes":  len(v.shapes),
		"registered_schemas": len(v.schemas),
		"registered_custom":  len(v.custom),
	}
}
