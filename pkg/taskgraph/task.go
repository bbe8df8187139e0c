// Package taskgraph provides the in-memory task DAG that plans are compiled
// into and executed from. The graph is acyclic at all times: every insertion
// is verified and rolled back in full if it would introduce a cycle.
package taskgraph

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// Priority orders tasks within the scheduler. Higher runs first.
type Priority int

const (
	PriorityOptional Priority = 1
	PriorityLow      Priority = 2
	PriorityNormal   Priority = 3
	PriorityHigh     Priority = 4
	PriorityCritical Priority = 5
)

// String returns the canonical name of the priority.
func (p Priority) String() string {
	switch p {
	case PriorityCritical:
		return "CRITICAL"
	case PriorityHigh:
		return "HIGH"
	case PriorityLow:
		return "LOW"
	case PriorityOptional:
		return "OPTIONAL"
	default:
		return "NORMAL"
	}
}

// Status tracks a task through its lifecycle.
// Legal transitions: PENDING -> READY -> RUNNING -> {COMPLETED | FAILED},
// with SKIPPED and CANCELLED reachable from PENDING or READY.
type Status string

const (
	StatusPending   Status = "PENDING"
	StatusReady     Status = "READY"
	StatusRunning   Status = "RUNNING"
	StatusCompleted Status = "COMPLETED"
	StatusFailed    Status = "FAILED"
	StatusSkipped   Status = "SKIPPED"
	StatusCancelled Status = "CANCELLED"
)

// Terminal reports whether the status admits no further transition.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusSkipped, StatusCancelled:
		return true
	}
	return false
}

// Task is the atomic unit of work in a plan.
type Task struct {
	ID        string         `json:"id"`
	Name      string         `json:"name"`
	Action    string         `json:"action"`
	Params    map[string]any `json:"params,omitempty"`
	DependsOn []string       `json:"depends_on,omitempty"`
	Priority  Priority       `json:"priority"`
	Status    Status         `json:"status"`
	Result    any            `json:"result,omitempty"`
	Error     string         `json:"error,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// NewTask creates a PENDING task with a generated identifier and
// created_at/updated_at metadata stamps.
func NewTask(name, action string, params map[string]any, deps []string, priority Priority) *Task {
	now := time.Now().UTC().Format(time.RFC3339Nano)
	return &Task{
		ID:        "task-" + strings.ReplaceAll(uuid.New().String(), "-", "")[:16],
		Name:      name,
		Action:    action,
		Params:    params,
		DependsOn: append([]string(nil), deps...),
		Priority:  priority,
		Status:    StatusPending,
		Metadata: map[string]any{
			"created_at": now,
			"updated_at": now,
		},
	}
}

func (t *Task) touch() {
	if t.Metadata == nil {
		t.Metadata = make(map[string]any)
	}
	t.Metadata["updated_at"] = time.Now().UTC().Format(time.RFC3339Nano)
}

// SetStatus transitions the task and refreshes updated_at. The caller is
// responsible for transition legality; the graph serializes these writes.
func (t *Task) SetStatus(s Status) {
	t.Status = s
	t.touch()
}

// SetResult records the result payload, stamps completed_at and transitions
// the task to COMPLETED.
func (t *Task) SetResult(result any) {
	t.Result = result
	t.Status = StatusCompleted
	t.touch()
	t.Metadata["completed_at"] = t.Metadata["updated_at"]
}

// SetError records the failure and transitions the task to FAILED.
func (t *Task) SetError(msg string) {
	t.Error = msg
	t.Status = StatusFailed
	t.touch()
	t.Metadata["error_timestamp"] = t.Metadata["updated_at"]
}

// Clone returns a deep-enough copy for safe concurrent inspection.
// Result payloads are shared; everything the executor mutates is copied.
func (t *Task) Clone() *Task {
	cp := *t
	cp.DependsOn = append([]string(nil), t.DependsOn...)
	if t.Params != nil {
		cp.Params = make(map[string]any, len(t.Params))
		for k, v := range t.Params {
			cp.Params[k] = v
		}
	}
	if t.Metadata != nil {
		cp.Metadata = make(map[string]any, len(t.Metadata))
		for k, v := range t.Metadata {
			cp.Metadata[k] = v
		}
	}
	return &cp
}
