// Package runtime wires the process-wide singletons and the orchestration
// pipeline. The policy guard, WORM log, decision store, provenance store and
// metrics provider are initialized once with double-checked locking; tests
// reset them through Reset.
package runtime

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/arbiterlabs/arbiter/pkg/audit"
	"github.com/arbiterlabs/arbiter/pkg/config"
	"github.com/arbiterlabs/arbiter/pkg/decision"
	"github.com/arbiterlabs/arbiter/pkg/observability"
	"github.com/arbiterlabs/arbiter/pkg/policy"
	"github.com/arbiterlabs/arbiter/pkg/provenance"
	"github.com/arbiterlabs/arbiter/pkg/wormlog"
)

// State bundles the process-wide singletons.
type State struct {
	Config     *config.Config
	Guard      *policy.Guard
	Worm       *wormlog.Log
	Decisions  *decision.Store
	Provenance *provenance.Store
	Audit      *audit.Emitter
	Metrics    *observability.Provider
}

var (
	instMu sync.Mutex
	inst   atomic.Pointer[State]
)

// Init builds the singletons from the configuration. Repeated calls return
// the existing state; the fast path takes no lock.
func Init(ctx context.Context, cfg *config.Config) (*State, error) {
	if s := inst.Load(); s != nil {
		return s, nil
	}
	instMu.Lock()
	defer instMu.Unlock()
	if s := inst.Load(); s != nil {
		return s, nil
	}
	s, err := build(ctx, cfg)
	if err != nil {
		return nil, err
	}
	inst.Store(s)
	return s, nil
}

// Current returns the initialized state, or nil before Init.
func Current() *State {
	return inst.Load()
}

// Reset tears the singletons down so tests can reinitialize from scratch.
func Reset() {
	instMu.Lock()
	defer instMu.Unlock()
	if s := inst.Load(); s != nil {
		_ = s.close(context.Background())
	}
	inst.Store(nil)
}

// Shutdown flushes and closes the singletons.
func Shutdown(ctx context.Context) error {
	instMu.Lock()
	defer instMu.Unlock()
	s := inst.Load()
	if s == nil {
		return nil
	}
	inst.Store(nil)
	return s.close(ctx)
}

func build(ctx context.Context, cfg *config.Config) (*State, error) {
	if cfg == nil {
		cfg = config.Default()
	}

	guard, err := policy.New(policy.Document{
		Version:             cfg.Agent.Version,
		MaxTasksPerPlan:     cfg.Policies.MaxTasksPerPlan,
		MaxExecutionTimeSec: cfg.Policies.MaxExecutionTimeSec,
		AllowedActions:      cfg.Policies.AllowedActions,
		BlockedActions:      cfg.Policies.BlockedActions,
		Conditions:          cfg.Policies.Conditions,
	})
	if err != nil {
		return nil, fmt.Errorf("runtime: build policy guard: %w", err)
	}

	worm, err := wormlog.Open("events", cfg.Paths.EventsDir, cfg.Paths.DigestsDir)
	if err != nil {
		return nil, fmt.Errorf("runtime: open worm log: %w", err)
	}

	decisions, err := decision.NewStore(cfg.Paths.DecisionsDir, cfg.Paths.SignaturesDir)
	if err != nil {
		_ = worm.Close()
		return nil, fmt.Errorf("runtime: open decision store: %w", err)
	}

	prov, err := provenance.NewStore(cfg.Paths.ProvenanceDir)
	if err != nil {
		_ = worm.Close()
		return nil, fmt.Errorf("runtime: open provenance store: %w", err)
	}

	metrics, err := observability.New(ctx, observabilityConfig(cfg))
	if err != nil {
		_ = worm.Close()
		return nil, fmt.Errorf("runtime: init observability: %w", err)
	}

	return &State{
		Config:     cfg,
		Guard:      guard,
		Worm:       worm,
		Decisions:  decisions,
		Provenance: prov,
		Audit:      audit.NewEmitter(worm, nil),
		Metrics:    metrics,
	}, nil
}

func observabilityConfig(cfg *config.Config) *observability.Config {
	return &observability.Config{
		ServiceName:    cfg.Agent.Name,
		ServiceVersion: cfg.Agent.Version,
		Enabled:        cfg.Observability.Enabled,
		OTLPEndpoint:   cfg.Observability.OTLPEndpoint,
		Insecure:       cfg.Observability.Insecure,
	}
}

func (s *State) close(ctx context.Context) error {
	var firstErr error
	if s.Metrics != nil {
		if err := s.Metrics.Shutdown(ctx); err != nil {
			firstErr = err
		}
	}
	if s.Worm != nil {
		if err := s.Worm.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
