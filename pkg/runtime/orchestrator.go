package runtime

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/arbiterlabs/arbiter/pkg/audit"
	"github.com/arbiterlabs/arbiter/pkg/canonical"
	"github.com/arbiterlabs/arbiter/pkg/decision"
	"github.com/arbiterlabs/arbiter/pkg/executor"
	"github.com/arbiterlabs/arbiter/pkg/llm"
	"github.com/arbiterlabs/arbiter/pkg/planner"
	"github.com/arbiterlabs/arbiter/pkg/runstore"
	"github.com/arbiterlabs/arbiter/pkg/verifier"
)

// Report is the outcome of one orchestrated run: the plan, the signed
// decision that authorized it, the execution result and the per-task
// verification results.
type Report struct {
	RunID        string                      `json:"run_id"`
	Query        string                      `json:"query"`
	DecisionID   string                      `json:"decision_id"`
	Plan         *planner.Result             `json:"plan"`
	Execution    *executor.Result            `json:"execution"`
	Verification map[string]*verifier.Result `json:"verification"`
}

// Orchestrator drives the plan, guard, decide, execute, verify pipeline over
// the runtime singletons.
type Orchestrator struct {
	state    *State
	planner  *planner.Planner
	executor *executor.Executor
	verifier *verifier.Verifier
	runs     *runstore.Store
	model    llm.Client
}

// OrchestratorOption configures an Orchestrator.
type OrchestratorOption func(*Orchestrator)

// WithModel wires the LLM collaborator for llm_based and hybrid planning.
func WithModel(c llm.Client) OrchestratorOption {
	return func(o *Orchestrator) { o.model = c }
}

// WithRunStore enables run history persistence. Save failures are logged and
// never fail the run.
func WithRunStore(s *runstore.Store) OrchestratorOption {
	return func(o *Orchestrator) { o.runs = s }
}

// NewOrchestrator assembles the pipeline from the runtime state and the
// collaborator-provided action registry.
func NewOrchestrator(s *State, registry map[string]executor.Action, opts ...OrchestratorOption) *Orchestrator {
	o := &Orchestrator{state: s}
	for _, opt := range opts {
		opt(o)
	}
	cfg := s.Config

	actions := make([]string, 0, len(registry))
	for name := range registry {
		actions = append(actions, name)
	}
	plannerOpts := []planner.Option{
		planner.WithRegistry(actions),
		planner.WithObservability(s.Metrics),
	}
	if cfg.Planning.CacheSize > 0 {
		plannerOpts = append(plannerOpts, planner.WithCacheSize(
			cfg.Planning.CacheSize,
			time.Duration(cfg.Planning.CacheTTLSec)*time.Second,
		))
	}
	if o.model != nil {
		plannerOpts = append(plannerOpts, planner.WithModel(o.model, llm.GenerationConfig{
			Temperature:       cfg.Generation.Temperature,
			TopP:              cfg.Generation.TopP,
			TopK:              cfg.Generation.TopK,
			MaxTokens:         cfg.Generation.MaxTokens,
			Seed:              cfg.Generation.Seed,
			RepetitionPenalty: cfg.Generation.RepetitionPenalty,
		}))
	}
	o.planner = planner.New(plannerOpts...)

	execOpts := []executor.Option{
		executor.WithMaxWorkers(cfg.Execution.MaxParallelWorkers),
		executor.WithTaskTimeout(time.Duration(cfg.Execution.TaskTimeoutSec) * time.Second),
		executor.WithVictimStrategy(executor.VictimStrategy(cfg.Execution.VictimStrategy)),
		executor.WithAudit(s.Audit),
		executor.WithProvenance(s.Provenance),
		executor.WithObservability(s.Metrics),
	}
	if max := s.Guard.Snapshot().MaxExecutionTimeSec; max > 0 {
		execOpts = append(execOpts, executor.WithTotalTimeout(time.Duration(max)*time.Second))
	}
	if cfg.Execution.DispatchRatePerSec > 0 {
		execOpts = append(execOpts, executor.WithDispatchRate(cfg.Execution.DispatchRatePerSec))
	}
	o.executor = executor.New(registry, execOpts...)

	o.verifier = verifier.New(verifier.Level(cfg.Verification.DefaultLevel))
	return o
}

// Verifier exposes the pipeline verifier so callers can register shapes,
// schemas and custom callbacks before running.
func (o *Orchestrator) Verifier() *verifier.Verifier {
	return o.verifier
}

// Run plans, authorizes, executes and verifies one query end to end.
func (o *Orchestrator) Run(ctx context.Context, query string) (*Report, error) {
	runID := "run-" + strings.ReplaceAll(uuid.New().String(), "-", "")[:12]
	s := o.state

	s.Audit.Emit(ctx, audit.LevelInfo, "orchestrator", "run_started", map[string]any{
		"run_id": runID,
		"query":  query,
	})

	plan, err := o.planner.Plan(ctx, query, planner.Strategy(s.Config.Planning.DefaultStrategy), nil)
	if err != nil {
		s.Audit.Emit(ctx, audit.LevelError, "orchestrator", "planning_failed", map[string]any{
			"run_id": runID,
			"error":  err.Error(),
		})
		return nil, fmt.Errorf("runtime: plan: %w", err)
	}

	actionNames := make([]string, 0, plan.Graph.Len())
	for _, id := range plan.Graph.TaskIDs() {
		actionNames = append(actionNames, plan.Graph.Task(id).Action)
	}
	if err := s.Guard.ValidatePlan(plan.Graph.Len(), actionNames); err != nil {
		s.Audit.Emit(ctx, audit.LevelError, "orchestrator", "plan_rejected", map[string]any{
			"run_id": runID,
			"error":  err.Error(),
		})
		return nil, fmt.Errorf("runtime: plan rejected: %w", err)
	}
	for _, id := range plan.Graph.TaskIDs() {
		t := plan.Graph.Task(id)
		if err := s.Guard.ValidateActionParams(t.Action, t.Params); err != nil {
			return nil, fmt.Errorf("runtime: task %s rejected: %w", id, err)
		}
	}

	drOpts := []decision.Option{
		decision.WithPolicyVersion(s.Guard.Snapshot().Version),
		decision.WithToolsUsed(actionNames...),
		decision.WithConstraints(map[string]any{
			"max_tasks_per_plan": s.Guard.Snapshot().MaxTasksPerPlan,
			"strategy":           string(plan.Strategy),
			"confidence":         plan.Confidence,
		}),
	}
	if fp, ok := o.model.(llm.Fingerprinter); ok {
		drOpts = append(drOpts, decision.WithModelFingerprint(fp.Fingerprint()))
	}
	dr, err := s.Decisions.Create(
		"planner", runID,
		fmt.Sprintf("approved %d-task plan via %s", plan.Graph.Len(), plan.Strategy),
		canonical.SHA256Prefixed([]byte(query)),
		drOpts...,
	)
	if err != nil {
		return nil, fmt.Errorf("runtime: decision record: %w", err)
	}

	execResult, err := o.executor.Execute(ctx, plan.Graph,
		executor.Strategy(s.Config.Execution.DefaultStrategy))
	if err != nil {
		return nil, fmt.Errorf("runtime: execute: %w", err)
	}

	verification := o.verifier.VerifyGraph(plan.Graph, "")

	report := &Report{
		RunID:        runID,
		Query:        query,
		DecisionID:   dr.ID,
		Plan:         plan,
		Execution:    execResult,
		Verification: verification,
	}
	o.saveRun(ctx, report)

	s.Audit.Emit(ctx, audit.LevelInfo, "orchestrator", "run_finished", map[string]any{
		"run_id":      runID,
		"decision_id": dr.ID,
		"success":     execResult.Success,
		"completed":   execResult.Completed,
		"failed":      execResult.Failed,
	})
	return report, nil
}

// saveRun persists the run summary when a store is configured. Advisory: a
// failed save never fails the run.
func (o *Orchestrator) saveRun(ctx context.Context, r *Report) {
	if o.runs == nil {
		return
	}
	invalid := 0
	for _, vr := range r.Verification {
		if !vr.Valid {
			invalid++
		}
	}
	err := o.runs.Save(ctx, &runstore.Run{
		RunID:      r.RunID,
		Query:      r.Query,
		Strategy:   string(r.Plan.Strategy),
		Success:    r.Execution.Success,
		Completed:  r.Execution.Completed,
		Failed:     r.Execution.Failed,
		Skipped:    r.Execution.Skipped,
		DurationMS: r.Execution.Duration.Milliseconds(),
		CreatedAt:  time.Now(),
		Payload: map[string]any{
			"decision_id":          r.DecisionID,
			"confidence":           r.Plan.Confidence,
			"verification_invalid": invalid,
		},
	})
	if err != nil {
		o.state.Audit.Emit(ctx, audit.LevelWarn, "orchestrator", "run_save_failed", map[string]any{
			"run_id": r.RunID,
			"error":  err.Error(),
		})
	}
}
