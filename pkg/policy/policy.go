// Package policy validates actions and plan shape against a declarative
// allow/deny document before anything executes. Evaluation is fail-closed: a
// condition that cannot be evaluated denies the action.
package policy

import (
	"fmt"
	"os"
	"sync"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/decls"
	"github.com/google/cel-go/common/types"
	"gopkg.in/yaml.v3"
)

// GenericExecuteAction is the reserved fallback action; it is always admitted
// even when an allow-list is in force.
const GenericExecuteAction = "generic_execute"

// Policy violation kinds. Plans failing any of these are never executed.
var (
	ErrActionDenied     = fmt.Errorf("policy: action denied")
	ErrActionNotAllowed = fmt.Errorf("policy: action not in allow-list")
	ErrPlanTooLarge     = fmt.Errorf("policy: plan exceeds max task count")
	ErrConditionFailed  = fmt.Errorf("policy: condition not satisfied")
)

// Document is the YAML shape the guard loads.
type Document struct {
	Version             string            `yaml:"version"`
	MaxTasksPerPlan     int               `yaml:"max_tasks_per_plan"`
	MaxExecutionTimeSec int               `yaml:"max_execution_time_sec"`
	AllowedActions      []string          `yaml:"allowed_actions"`
	BlockedActions      []string          `yaml:"blocked_actions"`
	RetryPolicy         map[string]int    `yaml:"retry_policy"`
	Conditions          map[string]string `yaml:"conditions"` // action -> CEL expression
}

// Snapshot is the immutable compiled form of a Document.
type Snapshot struct {
	Version             string
	MaxTasksPerPlan     int
	MaxExecutionTimeSec int
	allowed             map[string]bool
	blocked             map[string]bool
	RetryPolicy         map[string]int
	conditions          map[string]cel.Program
}

// AllowAll reports whether the allow-list is empty (everything admitted
// except the deny-list).
func (s *Snapshot) AllowAll() bool {
	return len(s.allowed) == 0
}

// Guard validates actions and plans against its current snapshot. The
// snapshot is cached; reloads are explicit.
type Guard struct {
	mu   sync.RWMutex
	snap *Snapshot
}

// LoadFile reads a YAML policy document from disk.
func LoadFile(path string) (*Guard, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("policy: read %s: %w", path, err)
	}
	var doc Document
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("policy: parse %s: %w", path, err)
	}
	return New(doc)
}

// New compiles a Document into a Guard.
func New(doc Document) (*Guard, error) {
	snap, err := compile(doc)
	if err != nil {
		return nil, err
	}
	return &Guard{snap: snap}, nil
}

// Reload swaps in a freshly compiled snapshot.
func (g *Guard) Reload(doc Document) error {
	snap, err := compile(doc)
	if err != nil {
		return err
	}
	g.mu.Lock()
	g.snap = snap
	g.mu.Unlock()
	return nil
}

// Snapshot returns the current immutable snapshot.
func (g *Guard) Snapshot() *Snapshot {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.snap
}

func compile(doc Document) (*Snapshot, error) {
	snap := &Snapshot{
		Version:             doc.Version,
		MaxTasksPerPlan:     doc.MaxTasksPerPlan,
		MaxExecutionTimeSec: doc.MaxExecutionTimeSec,
		allowed:             make(map[string]bool, len(doc.AllowedActions)),
		blocked:             make(map[string]bool, len(doc.BlockedActions)),
		RetryPolicy:         doc.RetryPolicy,
	}
	for _, a := range doc.AllowedActions {
		snap.allowed[a] = true
	}
	for _, a := range doc.BlockedActions {
		snap.blocked[a] = true
	}

	if len(doc.Conditions) > 0 {
		env, err := cel.NewEnv(
			cel.VariableDecls(
				decls.NewVariable("action", types.StringType),
				decls.NewVariable("params", types.NewMapType(types.StringType, types.DynType)),
			),
		)
		if err != nil {
			return nil, fmt.Errorf("policy: create CEL env: %w", err)
		}
		snap.conditions = make(map[string]cel.Program, len(doc.Conditions))
		for action, src := range doc.Conditions {
			ast, issues := env.Compile(src)
			if issues != nil && issues.Err() != nil {
				return nil, fmt.Errorf("policy: compile condition for %q: %w", action, issues.Err())
			}
			prg, err := env.Program(ast)
			if err != nil {
				return nil, fmt.Errorf("policy: build condition for %q: %w", action, err)
			}
			snap.conditions[action] = prg
		}
	}
	return snap, nil
}

// ValidateAction checks the deny-list first (it takes precedence), then the
// allow-list. generic_execute is always admitted as a fallback.
func (g *Guard) ValidateAction(name string) error {
	return g.ValidateActionParams(name, nil)
}

// ValidateActionParams additionally evaluates the action's CEL condition, if
// one is configured, against {action, params}.
func (g *Guard) ValidateActionParams(name string, params map[string]any) error {
	snap := g.Snapshot()

	if snap.blocked[name] {
		return fmt.Errorf("%w: %s", ErrActionDenied, name)
	}
	if name != GenericExecuteAction && !snap.AllowAll() && !snap.allowed[name] {
		return fmt.Errorf("%w: %s", ErrActionNotAllowed, name)
	}

	if prg, ok := snap.conditions[name]; ok {
		if params == nil {
			params = map[string]any{}
		}
		out, _, err := prg.Eval(map[string]any{
			"action": name,
			"params": params,
		})
		if err != nil {
			// Fail closed on evaluation errors.
			return fmt.Errorf("%w: %s: evaluation error: %v", ErrConditionFailed, name, err)
		}
		if passed, ok := out.Value().(bool); !ok || !passed {
			return fmt.Errorf("%w: %s", ErrConditionFailed, name)
		}
	}
	return nil
}

// ValidatePlan checks every action name and the overall plan size.
func (g *Guard) ValidatePlan(taskCount int, actionNames []string) error {
	snap := g.Snapshot()
	if snap.MaxTasksPerPlan > 0 && taskCount > snap.MaxTasksPerPlan {
		return fmt.Errorf("%w: %d > %d", ErrPlanTooLarge, taskCount, snap.MaxTasksPerPlan)
	}
	for _, name := range actionNames {
		if err := g.ValidateAction(name); err != nil {
			return err
		}
	}
	return nil
}
