// Package config loads the runtime configuration document.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Config is the YAML configuration document loaded at startup.
type Config struct {
	Agent         AgentConfig         `yaml:"agent"`
	Generation    GenerationConfig    `yaml:"generation"`
	Timeouts      TimeoutsConfig      `yaml:"timeouts"`
	Model         ModelConfig         `yaml:"model"`
	Memory        MemoryConfig        `yaml:"memory"`
	Planning      PlanningConfig      `yaml:"htn_planning"`
	Execution     ExecutionConfig     `yaml:"htn_execution"`
	Verification  VerificationConfig  `yaml:"htn_verification"`
	Policies      PoliciesConfig      `yaml:"htn_policies"`
	Observability ObservabilityConfig `yaml:"observability"`
	Paths         PathsConfig         `yaml:"paths"`
}

// AgentConfig identifies the agent instance.
type AgentConfig struct {
	Name          string `yaml:"name"`
	Version       string `yaml:"version"`
	MaxIterations int    `yaml:"max_iterations"`
	TimeoutSec    int    `yaml:"timeout"`
}

// GenerationConfig holds sampling defaults.
type GenerationConfig struct {
	Temperature       float64 `yaml:"temperature"`
	TopP              float64 `yaml:"top_p"`
	TopK              int     `yaml:"top_k"`
	MaxTokens         int     `yaml:"max_tokens"`
	Seed              int64   `yaml:"seed"`
	RepetitionPenalty float64 `yaml:"repetition_penalty"`
}

// TimeoutsConfig holds the per-stage timeouts, in seconds.
type TimeoutsConfig struct {
	GenerationSec    int `yaml:"generation"`
	ToolExecutionSec int `yaml:"tool_execution"`
	TotalRequestSec  int `yaml:"total_request"`
}

// ModelConfig describes the backend model.
type ModelConfig struct {
	Name        string `yaml:"name"`
	Path        string `yaml:"path"`
	Backend     string `yaml:"backend"`
	ContextSize int    `yaml:"context_size"`
}

// MemoryConfig configures conversation memory retention.
type MemoryConfig struct {
	Episodic EpisodicMemoryConfig `yaml:"episodic"`
	Semantic SemanticMemoryConfig `yaml:"semantic"`
}

// EpisodicMemoryConfig retains raw interaction history.
type EpisodicMemoryConfig struct {
	TTLDays int `yaml:"ttl_days"`
}

// SemanticMemoryConfig retains distilled knowledge.
type SemanticMemoryConfig struct {
	Enabled       bool `yaml:"enabled"`
	MaxEntries    int  `yaml:"max_entries"`
	EmbeddingDims int  `yaml:"embedding_dims"`
}

// PlanningConfig configures the planner.
type PlanningConfig struct {
	Enabled               bool   `yaml:"enabled"`
	DefaultStrategy       string `yaml:"default_strategy"` // rule_based | llm_based | hybrid
	MaxDecompositionDepth int    `yaml:"max_decomposition_depth"`
	CacheSize             int    `yaml:"cache_size"`
	CacheTTLSec           int    `yaml:"cache_ttl_sec"`
}

// ExecutionConfig configures the executor.
type ExecutionConfig struct {
	DefaultStrategy    string  `yaml:"default_strategy"` // sequential | parallel | adaptive | work_stealing
	MaxParallelWorkers int     `yaml:"max_parallel_workers"`
	TaskTimeoutSec     int     `yaml:"task_timeout_sec"`
	VictimStrategy     string  `yaml:"victim_strategy"` // random | round_robin | least_loaded
	DispatchRatePerSec float64 `yaml:"dispatch_rate_per_sec"`
}

// VerificationConfig configures the verifier.
type VerificationConfig struct {
	DefaultLevel string `yaml:"default_level"` // basic | strict | paranoid
}

// PoliciesConfig is the inline policy document.
type PoliciesConfig struct {
	MaxTasksPerPlan     int               `yaml:"max_tasks_per_plan"`
	MaxExecutionTimeSec int               `yaml:"max_execution_time_sec"`
	AllowedActions      []string          `yaml:"allowed_actions"`
	BlockedActions      []string          `yaml:"blocked_actions"`
	Conditions          map[string]string `yaml:"conditions"`
}

// ObservabilityConfig enables OTLP export. Disabled, the metrics provider is
// a no-op.
type ObservabilityConfig struct {
	Enabled      bool   `yaml:"enabled"`
	OTLPEndpoint string `yaml:"otlp_endpoint"`
	Insecure     bool   `yaml:"insecure"`
}

// PathsConfig fixes the on-disk layout.
type PathsConfig struct {
	EventsDir     string `yaml:"events_dir"`
	DigestsDir    string `yaml:"digests_dir"`
	DecisionsDir  string `yaml:"decisions_dir"`
	ProvenanceDir string `yaml:"provenance_dir"`
	TracesDir     string `yaml:"traces_dir"`
	ArchiveDir    string `yaml:"archive_dir"`
	SignaturesDir string `yaml:"signatures_dir"`
	RunStorePath  string `yaml:"run_store_path"`
}

// Default returns a runnable configuration.
func Default() *Config {
	return &Config{
		Agent: AgentConfig{
			Name:          "arbiter",
			Version:       "0.3.0",
			MaxIterations: 10,
			TimeoutSec:    600,
		},
		Generation: GenerationConfig{
			Temperature: 0.2,
			TopP:        0.9,
			MaxTokens:   2048,
		},
		Timeouts: TimeoutsConfig{
			GenerationSec:    60,
			ToolExecutionSec: 30,
			TotalRequestSec:  300,
		},
		Model: ModelConfig{
			Name:        "local",
			Backend:     "openai",
			ContextSize: 8192,
		},
		Memory: MemoryConfig{
			Episodic: EpisodicMemoryConfig{TTLDays: 30},
		},
		Planning: PlanningConfig{
			Enabled:         true,
			DefaultStrategy: "hybrid",
			CacheSize:       128,
			CacheTTLSec:     300,
		},
		Execution: ExecutionConfig{
			DefaultStrategy:    "adaptive",
			MaxParallelWorkers: 4,
			TaskTimeoutSec:     30,
			VictimStrategy:     "round_robin",
		},
		Verification: VerificationConfig{DefaultLevel: "strict"},
		Policies: PoliciesConfig{
			MaxTasksPerPlan:     50,
			MaxExecutionTimeSec: 300,
		},
		Observability: ObservabilityConfig{
			Enabled:      false,
			OTLPEndpoint: "localhost:4317",
			Insecure:     true,
		},
		Paths: PathsConfig{
			EventsDir:     "logs/events",
			DigestsDir:    "logs/digests",
			DecisionsDir:  "logs/decisions",
			ProvenanceDir: "provenance/graphs",
			TracesDir:     "logs/traces/otlp",
			ArchiveDir:    "audit/signed",
			SignaturesDir: "provenance/signatures",
			RunStorePath:  "logs/runs.db",
		},
	}
}

// Load reads and validates a YAML configuration file. Missing sections fall
// back to defaults.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	cfg := Default()
	if err := yaml.Unmarshal(raw, cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects out-of-range values.
func (c *Config) Validate() error {
	switch c.Planning.DefaultStrategy {
	case "rule_based", "llm_based", "hybrid":
	default:
		return fmt.Errorf("config: unknown planning strategy %q", c.Planning.DefaultStrategy)
	}
	switch c.Execution.DefaultStrategy {
	case "sequential", "parallel", "adaptive", "work_stealing":
	default:
		return fmt.Errorf("config: unknown execution strategy %q", c.Execution.DefaultStrategy)
	}
	switch c.Verification.DefaultLevel {
	case "basic", "strict", "paranoid":
	default:
		return fmt.Errorf("config: unknown verification level %q", c.Verification.DefaultLevel)
	}
	if c.Execution.MaxParallelWorkers < 1 {
		return fmt.Errorf("config: max_parallel_workers must be >= 1")
	}
	if c.Observability.Enabled && c.Observability.OTLPEndpoint == "" {
		return fmt.Errorf("config: observability enabled without otlp_endpoint")
	}
	if c.Policies.MaxTasksPerPlan < 0 {
		return fmt.Errorf("config: max_tasks_per_plan must be >= 0")
	}
	return nil
}
