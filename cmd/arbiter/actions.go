package main

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/arbiterlabs/arbiter/pkg/executor"
)

// builtinActions is the demo registry the binary ships with. Real
// deployments supply their own registry through the library API.
func builtinActions() map[string]executor.Action {
	return map[string]executor.Action{
		"read_file":       readFileAction,
		"write_file":      writeFileAction,
		"calculate":       calculateAction,
		"summarize":       summarizeAction,
		"fetch_url":       fetchURLAction,
		"web_search":      webSearchAction,
		"generic_execute": genericExecuteAction,
	}
}

func stringParam(params map[string]any, key string) (string, error) {
	v, ok := params[key].(string)
	if !ok || v == "" {
		return "", fmt.Errorf("missing required param %q", key)
	}
	return v, nil
}

func readFileAction(ctx context.Context, params map[string]any) (any, error) {
	path, err := stringParam(params, "path")
	if err != nil {
		return nil, err
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return string(raw), nil
}

func writeFileAction(ctx context.Context, params map[string]any) (any, error) {
	path, err := stringParam(params, "path")
	if err != nil {
		return nil, err
	}
	content, _ := params["content"].(string)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		return nil, err
	}
	return map[string]any{"path": path, "bytes": len(content)}, nil
}

// calculateAction sums every numeric token in its input. The input is either
// the "input" param or the upstream task's raw text.
func calculateAction(ctx context.Context, params map[string]any) (any, error) {
	text, _ := params["input"].(string)
	var sum float64
	count := 0
	for _, tok := range strings.FieldsFunc(text, func(r rune) bool {
		return r == ',' || r == ';' || r == ' ' || r == '\n' || r == '\t'
	}) {
		if v, err := strconv.ParseFloat(tok, 64); err == nil {
			sum += v
			count++
		}
	}
	return map[string]any{"sum": sum, "values": count}, nil
}

func summarizeAction(ctx context.Context, params map[string]any) (any, error) {
	text, _ := params["input"].(string)
	const maxLen = 280
	truncated := len(text) > maxLen
	if truncated {
		text = text[:maxLen] + "..."
	}
	return map[string]any{"summary": text, "truncated": truncated}, nil
}

func fetchURLAction(ctx context.Context, params map[string]any) (any, error) {
	url, err := stringParam(params, "url")
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	client := &http.Client{Timeout: 30 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("fetch %s: status %d", url, resp.StatusCode)
	}
	return map[string]any{"status": resp.StatusCode, "body": string(body)}, nil
}

func webSearchAction(ctx context.Context, params map[string]any) (any, error) {
	query, err := stringParam(params, "query")
	if err != nil {
		return nil, err
	}
	// No search backend is wired into the demo binary.
	return map[string]any{"query": query, "results": []any{}}, nil
}

func genericExecuteAction(ctx context.Context, params map[string]any) (any, error) {
	query, _ := params["query"].(string)
	return map[string]any{"echo": query, "executed_at": time.Now().UTC().Format(time.RFC3339)}, nil
}
