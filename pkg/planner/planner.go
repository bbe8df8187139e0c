// Package planner turns a natural-language query into a validated task graph.
// Three strategies share one result shape: a rule table, LLM decomposition,
// and a hybrid that prefers rules and falls back to the model. Plans are
// cached as blueprints so a cache hit always materializes a fresh graph.
package planner

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/arbiterlabs/arbiter/pkg/llm"
	"github.com/arbiterlabs/arbiter/pkg/observability"
	"github.com/arbiterlabs/arbiter/pkg/plancache"
	"github.com/arbiterlabs/arbiter/pkg/taskgraph"
)

// Strategy names match the configuration document.
type Strategy string

const (
	StrategyRuleBased Strategy = "rule_based"
	StrategyLLMBased  Strategy = "llm_based"
	StrategyHybrid    Strategy = "hybrid"
)

// GenericExecuteAction is the reserved fallback action a planner may always
// emit; the policy guard admits it unconditionally.
const GenericExecuteAction = "generic_execute"

var (
	ErrDecompositionFailed = errors.New("planner: llm decomposition failed")
	ErrEmptyPlan           = errors.New("planner: plan contains no tasks")
	ErrActionUnavailable   = errors.New("planner: action not in registry")
	ErrNoModel             = errors.New("planner: no model collaborator configured")
	ErrUnknownStrategy     = errors.New("planner: unknown strategy")
)

// Result is the outcome of one planning call.
type Result struct {
	Graph      *taskgraph.Graph `json:"-"`
	Strategy   Strategy         `json:"strategy"`
	Confidence float64          `json:"confidence"`
	Reasoning  string           `json:"reasoning"`
	Metadata   map[string]any   `json:"metadata"`
}

// taskSpec is one planned step before graph materialization. Dependencies are
// indices into the blueprint's spec slice.
type taskSpec struct {
	Name     string             `json:"name"`
	Action   string             `json:"action"`
	Params   map[string]any     `json:"params,omitempty"`
	Deps     []int              `json:"depends_on,omitempty"`
	Priority taskgraph.Priority `json:"priority,omitempty"`
}

// blueprint is the cacheable form of a plan. Materializing mints fresh task
// ids so cached plans never share mutable graph state across runs.
type blueprint struct {
	Specs      []taskSpec `json:"specs"`
	Strategy   Strategy   `json:"strategy"`
	Confidence float64    `json:"confidence"`
	Reasoning  string     `json:"reasoning"`
}

// Planner resolves queries into task graphs.
type Planner struct {
	rules    []Rule
	client   llm.Client
	genCfg   llm.GenerationConfig
	registry map[string]bool
	cache    *plancache.Cache[*blueprint]
	cacheTTL time.Duration
	obs      *observability.Provider
	logger   *slog.Logger
}

// Option configures a Planner.
type Option func(*Planner)

// WithModel wires the LLM collaborator used by llm_based and hybrid modes.
func WithModel(c llm.Client, cfg llm.GenerationConfig) Option {
	return func(p *Planner) {
		p.client = c
		p.genCfg = cfg
	}
}

// WithRegistry declares the executor's known action names; validation rejects
// plans using anything else except generic_execute.
func WithRegistry(actions []string) Option {
	return func(p *Planner) {
		p.registry = make(map[string]bool, len(actions))
		for _, a := range actions {
			p.registry[a] = true
		}
	}
}

// WithCacheSize enables the plan cache with the given capacity. TTL zero
// means entries never expire.
func WithCacheSize(size int, ttl time.Duration) Option {
	return func(p *Planner) {
		cache, err := plancache.New[*blueprint](size, ttl)
		if err != nil {
			p.logger.Warn("plan cache disabled", "error", err)
			return
		}
		p.cache = cache
		p.cacheTTL = ttl
	}
}

// WithRules prepends caller-supplied rules to the built-in table. The first
// matching rule wins.
func WithRules(rules []Rule) Option {
	return func(p *Planner) {
		p.rules = append(append([]Rule(nil), rules...), p.rules...)
	}
}

// WithObservability wires planning metrics.
func WithObservability(o *observability.Provider) Option {
	return func(p *Planner) { p.obs = o }
}

// New creates a planner with the built-in rule table.
func New(opts ...Option) *Planner {
	p := &Planner{
		rules:  builtinRules(),
		logger: slog.Default().With("component", "planner"),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Plan decomposes the query under the given strategy. The planning context
// participates in the cache key; per-request identifiers should be left out
// of it by the caller.
func (p *Planner) Plan(ctx context.Context, query string, strategy Strategy, planCtx map[string]any) (*Result, error) {
	key := plancache.Key(query, string(strategy), planCtx)
	if p.cache != nil {
		if bp, ok := p.cache.Get(key); ok {
			p.obs.CacheLookup(ctx, true)
			res, err := p.materialize(bp, planCtx)
			if err == nil {
				res.Metadata["cache_hit"] = true
				return res, nil
			}
			p.logger.Warn("cached blueprint failed to materialize", "error", err)
		} else {
			p.obs.CacheLookup(ctx, false)
		}
	}

	var bp *blueprint
	var err error
	switch strategy {
	case StrategyRuleBased:
		bp = p.ruleBased(query)
	case StrategyLLMBased:
		bp, err = p.llmBased(ctx, query)
	case StrategyHybrid:
		bp, err = p.hybrid(ctx, query)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownStrategy, strategy)
	}
	if err != nil {
		return nil, err
	}

	res, err := p.materialize(bp, planCtx)
	if err != nil {
		return nil, err
	}
	if p.cache != nil {
		p.cache.PutTTL(key, bp, p.cacheTTL)
	}
	return res, nil
}

// hybrid keeps the rule result when it is confident enough, otherwise asks
// the model and falls back to the rules on decomposition failure.
func (p *Planner) hybrid(ctx context.Context, query string) (*blueprint, error) {
	ruled := p.ruleBased(query)
	if ruled.Confidence >= 0.7 {
		ruled.Strategy = StrategyHybrid
		return ruled, nil
	}
	modeled, err := p.llmBased(ctx, query)
	if err != nil {
		ruled.Strategy = StrategyHybrid
		ruled.Reasoning += "; llm decomposition failed, kept rule-based fallback: " + err.Error()
		return ruled, nil
	}
	modeled.Strategy = StrategyHybrid
	return modeled, nil
}

// materialize builds and validates a fresh graph from the blueprint.
func (p *Planner) materialize(bp *blueprint, planCtx map[string]any) (*Result, error) {
	g := taskgraph.New()
	ids := make([]string, len(bp.Specs))
	for i, spec := range bp.Specs {
		deps := make([]string, 0, len(spec.Deps))
		for _, d := range spec.Deps {
			if d < 0 || d >= i {
				return nil, fmt.Errorf("planner: step %d has invalid dependency index %d", i, d)
			}
			deps = append(deps, ids[d])
		}
		prio := spec.Priority
		if prio == 0 {
			prio = taskgraph.PriorityNormal
		}
		t := taskgraph.NewTask(spec.Name, spec.Action, spec.Params, deps, prio)
		if err := g.AddTask(t); err != nil {
			return nil, fmt.Errorf("planner: build graph: %w", err)
		}
		ids[i] = t.ID
	}

	if err := p.validate(g); err != nil {
		return nil, err
	}

	return &Result{
		Graph:      g,
		Strategy:   bp.Strategy,
		Confidence: bp.Confidence,
		Reasoning:  bp.Reasoning,
		Metadata: map[string]any{
			"planned_at":        time.Now().UTC().Format(time.RFC3339Nano),
			"context":           planCtx,
			"validation_passed": true,
		},
	}, nil
}

// validate re-checks graph invariants and confirms every action is known.
func (p *Planner) validate(g *taskgraph.Graph) error {
	if g.Len() == 0 {
		return ErrEmptyPlan
	}
	if _, err := g.TopologicalSort(); err != nil {
		return err
	}
	if p.registry == nil {
		return nil
	}
	for _, id := range g.TaskIDs() {
		action := g.Task(id).Action
		if action != GenericExecuteAction && !p.registry[action] {
			return fmt.Errorf("%w: %s", ErrActionUnavailable, action)
		}
	}
	return nil
}

// CacheStats exposes the plan cache counters; zero-valued when caching is
// disabled.
func (p *Planner) CacheStats() plancache.Stats {
	if p.cache == nil {
		return plancache.Stats{}
	}
	return p.cache.Stats()
}

const decompositionSystemPrompt = `You decompose a user request into executable tasks.
Respond with a JSON array only. Each element is an object with keys:
  "name": short human label,
  "action": one of the available actions,
  "params": object of action parameters,
  "depends_on": array of zero-based indices of earlier elements this task needs,
  "priority": integer 1 (optional) to 5 (critical), default 3.
Dependencies may only reference earlier elements. No prose, no code fences.`

// llmBased asks the model collaborator for a decomposition and parses it.
func (p *Planner) llmBased(ctx context.Context, query string) (*blueprint, error) {
	if p.client == nil {
		return nil, ErrNoModel
	}
	system := decompositionSystemPrompt
	if len(p.registry) > 0 {
		actions := make([]string, 0, len(p.registry))
		for a := range p.registry {
			actions = append(actions, a)
		}
		system += "\nAvailable actions: " + strings.Join(actions, ", ")
	}

	gen, err := p.client.Generate(ctx, query, p.genCfg, system)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecompositionFailed, err)
	}

	var specs []taskSpec
	if err := json.Unmarshal([]byte(stripFences(gen.Text)), &specs); err != nil {
		return nil, fmt.Errorf("%w: unparseable response: %v", ErrDecompositionFailed, err)
	}
	if len(specs) == 0 {
		return nil, fmt.Errorf("%w: model returned no tasks", ErrDecompositionFailed)
	}

	return &blueprint{
		Specs:      specs,
		Strategy:   StrategyLLMBased,
		Confidence: 0.9,
		Reasoning:  fmt.Sprintf("model decomposed the query into %d tasks", len(specs)),
	}, nil
}

// stripFences removes a surrounding markdown code fence, with or without a
// language tag.
func stripFences(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	if idx := strings.IndexByte(s, '\n'); idx >= 0 {
		first := strings.TrimSpace(s[:idx])
		if len(first) <= 10 && !strings.ContainsAny(first, "{[") {
			s = s[idx+1:]
		}
	}
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}
