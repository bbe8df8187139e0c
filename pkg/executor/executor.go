// Package executor runs a task graph under one of four strategies:
// sequential, parallel by level, adaptive, or work-stealing. Every task
// transition is appended to the WORM log, completed tasks are tracked as
// provenance activities, and failures propagate to transitive dependents.
package executor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/arbiterlabs/arbiter/pkg/audit"
	"github.com/arbiterlabs/arbiter/pkg/observability"
	"github.com/arbiterlabs/arbiter/pkg/provenance"
	"github.com/arbiterlabs/arbiter/pkg/taskgraph"
)

// Action is a registered task callable. Implementations must honor ctx
// cancellation for per-task timeouts to be enforceable; a non-cooperative
// action is abandoned on timeout but its goroutine is left to finish.
type Action func(ctx context.Context, params map[string]any) (any, error)

// Strategy selects how the graph is walked.
type Strategy string

const (
	StrategySequential   Strategy = "sequential"
	StrategyParallel     Strategy = "parallel"
	StrategyAdaptive     Strategy = "adaptive"
	StrategyWorkStealing Strategy = "work_stealing"
)

// ErrUnknownStrategy is returned for a strategy outside the four modes.
var ErrUnknownStrategy = errors.New("executor: unknown strategy")

// Result summarizes one execution. Success is true iff no task of priority
// HIGH or CRITICAL failed and the run was not cancelled.
type Result struct {
	Success     bool              `json:"success"`
	Completed   int               `json:"completed"`
	Failed      int               `json:"failed"`
	Skipped     int               `json:"skipped"`
	Cancelled   int               `json:"cancelled"`
	Duration    time.Duration     `json:"duration"`
	TaskResults map[string]any    `json:"task_results"`
	TaskErrors  map[string]string `json:"task_errors"`
	Metadata    map[string]any    `json:"metadata"`
}

// Executor dispatches registered actions over a task graph. The registry is
// immutable after construction; all task state flows through the graph's lock.
type Executor struct {
	registry     map[string]Action
	maxWorkers   int
	taskTimeout  time.Duration
	totalTimeout time.Duration
	victim       VictimStrategy
	limiter      *rate.Limiter
	emitter      *audit.Emitter
	prov         *provenance.Store
	obs          *observability.Provider
	logger       *slog.Logger
}

// Option configures an Executor.
type Option func(*Executor)

// WithMaxWorkers bounds the worker pool for parallel and work-stealing modes.
func WithMaxWorkers(n int) Option {
	return func(e *Executor) {
		if n > 0 {
			e.maxWorkers = n
		}
	}
}

// WithTaskTimeout bounds a single action invocation.
func WithTaskTimeout(d time.Duration) Option {
	return func(e *Executor) { e.taskTimeout = d }
}

// WithTotalTimeout bounds the whole execution. On expiry no new tasks are
// dispatched and pending tasks transition to CANCELLED.
func WithTotalTimeout(d time.Duration) Option {
	return func(e *Executor) { e.totalTimeout = d }
}

// WithVictimStrategy selects how work-stealing workers pick steal victims.
func WithVictimStrategy(v VictimStrategy) Option {
	return func(e *Executor) { e.victim = v }
}

// WithDispatchRate throttles task dispatch to n starts per second.
func WithDispatchRate(n float64) Option {
	return func(e *Executor) {
		if n > 0 {
			e.limiter = rate.NewLimiter(rate.Limit(n), 1)
		}
	}
}

// WithAudit wires task lifecycle events into the WORM-backed emitter.
func WithAudit(em *audit.Emitter) Option {
	return func(e *Executor) { e.emitter = em }
}

// WithProvenance records completed tasks as provenance activities.
func WithProvenance(s *provenance.Store) Option {
	return func(e *Executor) { e.prov = s }
}

// WithObservability wires RED metrics and spans.
func WithObservability(p *observability.Provider) Option {
	return func(e *Executor) { e.obs = p }
}

// WithLogger overrides the default slog logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Executor) { e.logger = l }
}

// New creates an executor over a fixed action registry.
func New(registry map[string]Action, opts ...Option) *Executor {
	e := &Executor{
		registry:   make(map[string]Action, len(registry)),
		maxWorkers: 4,
		victim:     VictimRandom,
		logger:     slog.Default().With("component", "executor"),
	}
	for name, fn := range registry {
		e.registry[name] = fn
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Execute runs the graph under the given strategy and returns the result.
// An error is returned only for structural problems; task failures are
// reported through the Result.
func (e *Executor) Execute(ctx context.Context, g *taskgraph.Graph, strategy Strategy) (*Result, error) {
	start := time.Now()
	if e.totalTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.totalTimeout)
		defer cancel()
	}
	ctx, span := e.obs.StartSpan(ctx, "executor.execute")
	defer span.End()

	res := &Result{
		TaskResults: make(map[string]any),
		TaskErrors:  make(map[string]string),
		Metadata: map[string]any{
			"started_at": start.UTC().Format(time.RFC3339Nano),
		},
	}

	chosen := strategy
	if strategy == StrategyAdaptive {
		reason := ""
		chosen, reason = e.adaptiveChoice(g)
		res.Metadata["adaptive_decision"] = map[string]any{
			"chosen": string(chosen),
			"reason": reason,
		}
	}
	res.Metadata["strategy"] = string(chosen)

	var err error
	switch chosen {
	case StrategySequential:
		err = e.runSequential(ctx, g)
	case StrategyParallel:
		err = e.runParallel(ctx, g)
	case StrategyWorkStealing:
		err = e.runWorkStealing(ctx, g, res)
	default:
		err = fmt.Errorf("%w: %q", ErrUnknownStrategy, chosen)
	}
	if err != nil {
		return nil, err
	}

	if ctx.Err() != nil {
		e.cancelRemaining(ctx, g, res)
	}
	e.finalize(g, res, start)
	e.emit(ctx, audit.LevelInfo, "execution_finished", map[string]any{
		"strategy":  string(chosen),
		"success":   res.Success,
		"completed": res.Completed,
		"failed":    res.Failed,
		"skipped":   res.Skipped,
		"cancelled": res.Cancelled,
	})
	return res, nil
}

// adaptiveChoice picks sequential for small graphs and for any graph carrying
// a CRITICAL task, parallel otherwise.
func (e *Executor) adaptiveChoice(g *taskgraph.Graph) (Strategy, string) {
	if g.Len() < 3 {
		return StrategySequential, fmt.Sprintf("graph has %d tasks, below parallel threshold", g.Len())
	}
	for _, id := range g.TaskIDs() {
		if t := g.Task(id); t != nil && t.Priority == taskgraph.PriorityCritical {
			return StrategySequential, fmt.Sprintf("task %s is CRITICAL", id)
		}
	}
	return StrategyParallel, "no critical tasks and enough parallelism"
}

func (e *Executor) runSequential(ctx context.Context, g *taskgraph.Graph) error {
	order, err := g.TopologicalSort()
	if err != nil {
		return err
	}
	for _, t := range order {
		if ctx.Err() != nil {
			return nil
		}
		if g.Status(t.ID).Terminal() {
			continue
		}
		ok, blocked := g.DependenciesSatisfied(t.ID)
		if !ok {
			reason := "Dependency failed"
			if blocked != "" {
				reason = "Dependency failed: " + blocked
			}
			g.MarkSkipped(t.ID, reason)
			continue
		}
		e.runTask(ctx, g, t.ID)
	}
	return nil
}

func (e *Executor) runParallel(ctx context.Context, g *taskgraph.Graph) error {
	for _, level := range g.ParallelizableLevels() {
		if ctx.Err() != nil {
			return nil
		}
		var grp errgroup.Group
		grp.SetLimit(e.maxWorkers)
		for _, t := range level {
			if g.Status(t.ID).Terminal() {
				continue
			}
			ok, blocked := g.DependenciesSatisfied(t.ID)
			if !ok {
				reason := "Dependency failed"
				if blocked != "" {
					reason = "Dependency failed: " + blocked
				}
				g.MarkSkipped(t.ID, reason)
				continue
			}
			id := t.ID
			grp.Go(func() error {
				e.runTask(ctx, g, id)
				return nil
			})
		}
		// Level barrier: nothing from a later level starts before this
		// level's submitted tasks settle.
		_ = grp.Wait()
	}
	return nil
}

// runTask drives one task through RUNNING to a terminal state, recording the
// transitions and propagating any failure.
func (e *Executor) runTask(ctx context.Context, g *taskgraph.Graph, id string) {
	t := g.Task(id)
	if t == nil {
		return
	}
	action := t.Action

	if e.limiter != nil {
		if err := e.limiter.Wait(ctx); err != nil {
			return
		}
	}

	g.SetStatus(id, taskgraph.StatusRunning)
	e.emit(ctx, audit.LevelInfo, "task_started", map[string]any{"task_id": id, "action": action})
	e.obs.TaskStarted(ctx, action)

	started := time.Now()
	result, err := e.invoke(ctx, action, t.Params)
	elapsed := time.Since(started)

	if err != nil {
		g.SetError(id, err.Error())
		e.obs.TaskFinished(ctx, action, "FAILED", elapsed)
		e.emit(ctx, audit.LevelError, "task_failed", map[string]any{
			"task_id": id, "action": action, "error": err.Error(),
		})
		e.propagateFailure(ctx, g, id)
		return
	}

	g.SetResult(id, result)
	e.obs.TaskFinished(ctx, action, "COMPLETED", elapsed)
	e.emit(ctx, audit.LevelInfo, "task_completed", map[string]any{
		"task_id": id, "action": action, "duration_ms": elapsed.Milliseconds(),
	})
	e.trackProvenance(id, action, t.Params, result, started)
}

// invoke runs the action with panic recovery and the per-task timeout.
func (e *Executor) invoke(ctx context.Context, name string, params map[string]any) (any, error) {
	action, ok := e.registry[name]
	if !ok {
		return nil, fmt.Errorf("Unknown action %s", name)
	}

	runCtx := ctx
	if e.taskTimeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, e.taskTimeout)
		defer cancel()
	}

	type outcome struct {
		result any
		err    error
	}
	ch := make(chan outcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				ch <- outcome{err: fmt.Errorf("action panic: %v", r)}
			}
		}()
		result, err := action(runCtx, params)
		ch <- outcome{result: result, err: err}
	}()

	select {
	case out := <-ch:
		return out.result, out.err
	case <-runCtx.Done():
		if errors.Is(runCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
			return nil, fmt.Errorf("timeout after %gs", e.taskTimeout.Seconds())
		}
		return nil, runCtx.Err()
	}
}

// propagateFailure skips every pending transitive dependent of the failed
// task, naming it in the skip reason.
func (e *Executor) propagateFailure(ctx context.Context, g *taskgraph.Graph, failedID string) {
	for _, dep := range g.TransitiveDependents(failedID) {
		if g.MarkSkipped(dep, "Dependency failed: "+failedID) {
			e.emit(ctx, audit.LevelWarn, "task_skipped", map[string]any{
				"task_id": dep, "failed_ancestor": failedID,
			})
		}
	}
}

// cancelRemaining sweeps PENDING and READY tasks to CANCELLED after the total
// timeout or an external cancel. Running tasks are left to finish or time out.
func (e *Executor) cancelRemaining(ctx context.Context, g *taskgraph.Graph, res *Result) {
	for _, id := range g.TaskIDs() {
		if g.MarkCancelled(id) {
			e.emit(ctx, audit.LevelWarn, "task_cancelled", map[string]any{"task_id": id})
		}
	}
	res.Metadata["cancelled"] = true
}

// finalize tallies terminal statuses into the result and computes success.
func (e *Executor) finalize(g *taskgraph.Graph, res *Result, start time.Time) {
	success := true
	for _, id := range g.TaskIDs() {
		t := g.Task(id)
		switch t.Status {
		case taskgraph.StatusCompleted:
			res.Completed++
			res.TaskResults[id] = t.Result
		case taskgraph.StatusFailed:
			res.Failed++
			res.TaskErrors[id] = t.Error
			if t.Priority >= taskgraph.PriorityHigh {
				success = false
			}
		case taskgraph.StatusSkipped:
			res.Skipped++
			if t.Error != "" {
				res.TaskErrors[id] = t.Error
			}
			if t.Priority >= taskgraph.PriorityHigh {
				success = false
			}
		case taskgraph.StatusCancelled:
			res.Cancelled++
			success = false
		default:
			// Dispatch never finished for this task.
			success = false
		}
	}
	if cancelled, ok := res.Metadata["cancelled"].(bool); ok && cancelled {
		success = false
	}
	res.Success = success
	res.Duration = time.Since(start)
	res.Metadata["completed_at"] = time.Now().UTC().Format(time.RFC3339Nano)
}

func (e *Executor) emit(ctx context.Context, level audit.Level, event string, fields map[string]any) {
	if e.emitter == nil {
		return
	}
	e.emitter.Emit(ctx, level, "executor", event, fields)
}

func (e *Executor) trackProvenance(id, action string, params map[string]any, result any, started time.Time) {
	if e.prov == nil {
		return
	}
	input, _ := json.Marshal(params)
	output, _ := json.Marshal(result)
	if _, err := e.prov.TrackToolExecution("exec-"+id, action, input, output, started, time.Now()); err != nil {
		e.logger.Error("provenance tracking failed", "task_id", id, "error", err)
	}
}
