// Package llm defines the model collaborator contract. The orchestrator only
// depends on Generate; backends are external collaborators.
package llm

import "context"

// GenerationConfig mirrors the generation section of the configuration
// document.
type GenerationConfig struct {
	Temperature       float64 `json:"temperature"`
	TopP              float64 `json:"top_p"`
	TopK              int     `json:"top_k,omitempty"`
	MaxTokens         int     `json:"max_tokens"`
	Seed              int64   `json:"seed,omitempty"`
	RepetitionPenalty float64 `json:"repetition_penalty,omitempty"`
}

// GenerationResult carries the model reply and token accounting.
type GenerationResult struct {
	Text            string     `json:"text"`
	PromptTokens    int        `json:"prompt_tokens"`
	TokensGenerated int        `json:"tokens_generated"`
	TotalTokens     int        `json:"total_tokens"`
	ToolCalls       []ToolCall `json:"tool_calls,omitempty"`
}

// ToolCall is emitted by function-calling-capable backends.
type ToolCall struct {
	ID        string         `json:"id"`
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments"`
}

// Client is the minimal model backend contract.
type Client interface {
	Generate(ctx context.Context, prompt string, cfg GenerationConfig, systemPrompt string) (*GenerationResult, error)
}

// Fingerprinter is implemented by backends that can identify their weights.
// The planner embeds the fingerprint into decision records when available.
type Fingerprinter interface {
	Fingerprint() string
}
