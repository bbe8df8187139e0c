// Command arbiter runs the governed orchestration pipeline from the command
// line: plan a query, execute the resulting task graph under policy, and
// inspect the audit trail it leaves behind.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/arbiterlabs/arbiter/pkg/config"
	"github.com/arbiterlabs/arbiter/pkg/llm"
	"github.com/arbiterlabs/arbiter/pkg/runstore"
	"github.com/arbiterlabs/arbiter/pkg/runtime"
	"github.com/arbiterlabs/arbiter/pkg/wormlog"
)

func main() {
	os.Exit(run(os.Args, os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	if len(args) < 2 {
		usage(stderr)
		return 2
	}
	switch args[1] {
	case "run":
		return runQuery(args[2:], stdout, stderr)
	case "history":
		return runHistory(args[2:], stdout, stderr)
	case "verify-log":
		return runVerifyLog(args[2:], stdout, stderr)
	default:
		usage(stderr)
		return 2
	}
}

func usage(w io.Writer) {
	fmt.Fprintln(w, "usage: arbiter <command> [flags]")
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "commands:")
	fmt.Fprintln(w, "  run         plan and execute a query")
	fmt.Fprintln(w, "  history     list recent runs")
	fmt.Fprintln(w, "  verify-log  check WORM log integrity against its checkpoint")
}

func loadConfig(path string, stderr io.Writer) *config.Config {
	if path == "" {
		return config.Default()
	}
	cfg, err := config.Load(path)
	if err != nil {
		fmt.Fprintf(stderr, "arbiter: %v\n", err)
		return nil
	}
	return cfg
}

func runQuery(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("run", flag.ContinueOnError)
	fs.SetOutput(stderr)
	configPath := fs.String("config", "", "path to YAML configuration")
	planStrategy := fs.String("plan", "", "planning strategy override (rule_based|llm_based|hybrid)")
	execStrategy := fs.String("exec", "", "execution strategy override (sequential|parallel|adaptive|work_stealing)")
	modelURL := fs.String("model-url", os.Getenv("ARBITER_MODEL_URL"), "OpenAI-compatible endpoint for llm planning")
	modelName := fs.String("model", "", "model name for llm planning")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if fs.NArg() < 1 {
		fmt.Fprintln(stderr, "arbiter run: missing query")
		return 2
	}
	query := fs.Arg(0)

	cfg := loadConfig(*configPath, stderr)
	if cfg == nil {
		return 1
	}
	if *planStrategy != "" {
		cfg.Planning.DefaultStrategy = *planStrategy
	}
	if *execStrategy != "" {
		cfg.Execution.DefaultStrategy = *execStrategy
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(stderr, "arbiter: %v\n", err)
		return 1
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	state, err := runtime.Init(ctx, cfg)
	if err != nil {
		fmt.Fprintf(stderr, "arbiter: %v\n", err)
		return 1
	}
	defer func() { _ = runtime.Shutdown(context.Background()) }()

	var opts []runtime.OrchestratorOption
	if *modelURL != "" {
		name := *modelName
		if name == "" {
			name = cfg.Model.Name
		}
		opts = append(opts, runtime.WithModel(
			llm.NewOpenAIClient(*modelURL, os.Getenv("ARBITER_API_KEY"), name)))
	}
	if cfg.Paths.RunStorePath != "" {
		runs, err := runstore.Open(cfg.Paths.RunStorePath)
		if err != nil {
			fmt.Fprintf(stderr, "arbiter: run store disabled: %v\n", err)
		} else {
			defer func() { _ = runs.Close() }()
			opts = append(opts, runtime.WithRunStore(runs))
		}
	}

	o := runtime.NewOrchestrator(state, builtinActions(), opts...)
	report, err := o.Run(ctx, query)
	if err != nil {
		fmt.Fprintf(stderr, "arbiter: %v\n", err)
		return 1
	}

	enc := json.NewEncoder(stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(report); err != nil {
		fmt.Fprintf(stderr, "arbiter: encode report: %v\n", err)
		return 1
	}
	if !report.Execution.Success {
		return 1
	}
	return 0
}

func runHistory(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("history", flag.ContinueOnError)
	fs.SetOutput(stderr)
	configPath := fs.String("config", "", "path to YAML configuration")
	limit := fs.Int("n", 10, "number of runs to show")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	cfg := loadConfig(*configPath, stderr)
	if cfg == nil {
		return 1
	}
	runs, err := runstore.Open(cfg.Paths.RunStorePath)
	if err != nil {
		fmt.Fprintf(stderr, "arbiter: %v\n", err)
		return 1
	}
	defer func() { _ = runs.Close() }()

	recent, err := runs.Recent(context.Background(), *limit)
	if err != nil {
		fmt.Fprintf(stderr, "arbiter: %v\n", err)
		return 1
	}
	for _, r := range recent {
		status := "FAIL"
		if r.Success {
			status = "OK"
		}
		fmt.Fprintf(stdout, "%-16s %-4s %-13s completed=%d failed=%d skipped=%d %6dms  %s\n",
			r.RunID, status, r.Strategy, r.Completed, r.Failed, r.Skipped, r.DurationMS,
			r.CreatedAt.Format(time.RFC3339))
	}
	return 0
}

func runVerifyLog(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("verify-log", flag.ContinueOnError)
	fs.SetOutput(stderr)
	configPath := fs.String("config", "", "path to YAML configuration")
	expected := fs.String("root", "", "expected merkle root (default: last checkpoint)")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	cfg := loadConfig(*configPath, stderr)
	if cfg == nil {
		return 1
	}
	log, err := wormlog.Open("events", cfg.Paths.EventsDir, cfg.Paths.DigestsDir)
	if err != nil {
		fmt.Fprintf(stderr, "arbiter: %v\n", err)
		return 1
	}
	defer func() { _ = log.Close() }()

	ok, err := log.VerifyIntegrity(*expected)
	if err != nil {
		fmt.Fprintf(stderr, "arbiter: %v\n", err)
		return 1
	}
	if !ok {
		fmt.Fprintln(stdout, "INTEGRITY FAILURE: log does not match checkpoint")
		return 1
	}
	fmt.Fprintln(stdout, "log verified against checkpoint")
	return 0
}
