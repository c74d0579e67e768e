// Command aiagent answers a prompt by letting a model inspect, edit and run
// Python files inside one working directory.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/martinemde/aiagent/agentloop"
	"github.com/martinemde/aiagent/internal/config"
	"github.com/martinemde/aiagent/internal/transcript"
	"github.com/martinemde/aiagent/unifiedllm"
)

const (
	exitOK         = 0
	exitError      = 1
	exitIncomplete = 2
)

type options struct {
	prompt     string
	configPath string
	workDir    string
	dbPath     string
	verbose    bool
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := run(ctx, os.Args[1:], os.Stdout, os.Stderr)
	stop()
	os.Exit(code)
}

func parseArgs(args []string, stderr io.Writer) (options, error) {
	var opts options
	fs := flag.NewFlagSet("aiagent", flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.Usage = func() {
		fmt.Fprintln(stderr, "usage: aiagent [flags] <prompt>")
		fs.PrintDefaults()
	}
	fs.BoolVar(&opts.verbose, "verbose", false, "add debugging text output")
	fs.StringVar(&opts.configPath, "config", "", "optional YAML config file")
	fs.StringVar(&opts.workDir, "workdir", "", "working directory the tools are confined to")
	fs.StringVar(&opts.dbPath, "db", "", "SQLite database for run transcripts")
	if err := fs.Parse(args); err != nil {
		return opts, err
	}

	opts.prompt = strings.TrimSpace(strings.Join(fs.Args(), " "))
	if opts.prompt == "" {
		fs.Usage()
		return opts, errors.New("a prompt is required")
	}
	return opts, nil
}

func loadConfig(opts options) (config.Config, error) {
	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return cfg, err
	}
	if opts.workDir != "" {
		cfg.WorkingDir = opts.workDir
	}
	if opts.dbPath != "" {
		cfg.DatabasePath = opts.dbPath
	}
	if opts.verbose {
		cfg.Verbose = true
	}

	if cfg.WorkingDir, err = filepath.Abs(cfg.WorkingDir); err != nil {
		return cfg, fmt.Errorf("resolve working dir: %w", err)
	}
	if cfg.DatabasePath != "" {
		if cfg.DatabasePath, err = filepath.Abs(cfg.DatabasePath); err != nil {
			return cfg, fmt.Errorf("resolve db path: %w", err)
		}
	}
	return cfg, nil
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	opts, err := parseArgs(args, stderr)
	if errors.Is(err, flag.ErrHelp) {
		return exitOK
	}
	if err != nil {
		fmt.Fprintln(stderr, err)
		return exitError
	}

	cfg, err := loadConfig(opts)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return exitError
	}
	logger := newLogger(stderr, cfg.Verbose)

	env, err := agentloop.NewLocalExecutionEnvironment(cfg.WorkingDir, cfg.EnvironmentOptions()...)
	if err != nil {
		logger.Error("working directory unusable", "error", err)
		return exitError
	}
	registry, err := agentloop.NewCoreToolRegistry()
	if err != nil {
		logger.Error("build tool registry", "error", err)
		return exitError
	}

	adapter, err := unifiedllm.NewGollmAdapter(cfg.Provider, cfg.APIKey, unifiedllm.WithModel(cfg.Model))
	if err != nil {
		logger.Error("model client", "error", err)
		return exitError
	}
	policy := cfg.RetryPolicy()
	policy.OnRetry = func(err error, attempt int, delay time.Duration) {
		logger.Warn("retrying model call", "attempt", attempt, "delay", delay, "error", err)
	}
	client := unifiedllm.NewClient(
		unifiedllm.WithProvider(cfg.Provider, adapter),
		unifiedllm.WithRetry(policy),
		unifiedllm.WithLogging(logger),
	)
	defer client.Close()

	sessionCfg := cfg.SessionConfig()
	session := agentloop.NewSession(client, env, registry, &sessionCfg,
		agentloop.WithLogger(logger),
		agentloop.WithTraceWriter(stdout),
	)
	defer session.Close()

	started := time.Now()
	result, err := session.Submit(ctx, opts.prompt)
	if err != nil {
		logger.Error("run failed", "error", err)
		return exitError
	}

	if result.FinalText != "" {
		fmt.Fprintln(stdout, "Final response:")
		fmt.Fprintln(stdout, result.FinalText)
	}
	if cfg.Verbose {
		fmt.Fprintf(stdout, "User prompt: %s\n", result.Prompt)
		fmt.Fprintf(stdout, "Prompt tokens: %d\n", result.Usage.InputTokens)
		fmt.Fprintf(stdout, "Response tokens: %d\n", result.Usage.OutputTokens)
	}

	if cfg.DatabasePath != "" {
		rec := transcript.NewRunRecord(result, cfg.WorkingDir, cfg.Model, started, time.Now())
		if err := saveTranscript(ctx, cfg.DatabasePath, rec); err != nil {
			logger.Warn("transcript not saved", "error", err)
		} else {
			logger.Debug("transcript saved", "run_id", rec.RunID, "db", cfg.DatabasePath)
		}
	}

	if result.Status == agentloop.RunIncomplete {
		fmt.Fprintf(stderr, "No final response after %d model calls.\n", result.Iterations)
		return exitIncomplete
	}
	return exitOK
}

func saveTranscript(ctx context.Context, path string, rec transcript.RunRecord) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	store, err := transcript.Open(path)
	if err != nil {
		return err
	}
	defer store.Close()

	if err := store.Init(ctx); err != nil {
		return err
	}
	return store.SaveRun(ctx, rec)
}
