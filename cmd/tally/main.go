// Tally is a conversational market-research assistant.
//
// It exposes a native chat API, an OpenAI-compatible completions API, a
// WebSocket event stream, and a CLI for one-shot questions. Configuration
// is loaded from a single YAML file discovered automatically (see
// [config.DefaultSearchPaths]).
//
// Usage:
//
//	tally serve              Start the API server
//	tally init [dir]         Write an example config.yaml into dir
//	tally ask <question>     Ask a single question
//	tally ask -v <question>  Ask and print the full transcript
//	tally version            Print version and build information
//	tally -o json version    Output version information as JSON
package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/nugget/tally/internal/agent"
	"github.com/nugget/tally/internal/api"
	"github.com/nugget/tally/internal/buildinfo"
	"github.com/nugget/tally/internal/checkpoint"
	"github.com/nugget/tally/internal/config"
	"github.com/nugget/tally/internal/conversation"
	"github.com/nugget/tally/internal/events"
	"github.com/nugget/tally/internal/llm"
	"github.com/nugget/tally/internal/mqtt"
	"github.com/nugget/tally/internal/search"
	"github.com/nugget/tally/internal/tools"
)

// main constructs the OS-level environment and delegates to [run] so
// the whole lifecycle can be driven from tests.
func main() {
	ctx := context.Background()

	if err := run(ctx, os.Stdout, os.Stderr, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		os.Exit(1)
	}
}

// run is the real entry point for the tally command. Structured logs go
// to stdout; the caller prints the returned error.
//
// Arguments are parsed by hand. The flag package relies on package-level
// globals, which makes run unsafe to call from parallel tests.
func run(ctx context.Context, stdout io.Writer, stderr io.Writer, args []string) error {
	var configPath string
	var outputFmt string // "text" (default) or "json"
	var command string
	var cmdArgs []string

	for i := 0; i < len(args); i++ {
		switch {
		case command != "":
			cmdArgs = append(cmdArgs, args[i])
		case args[i] == "-config" && i+1 < len(args):
			configPath = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-config="):
			configPath = strings.TrimPrefix(args[i], "-config=")
		case (args[i] == "-o" || args[i] == "--output") && i+1 < len(args):
			outputFmt = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-o="):
			outputFmt = strings.TrimPrefix(args[i], "-o=")
		case strings.HasPrefix(args[i], "--output="):
			outputFmt = strings.TrimPrefix(args[i], "--output=")
		case args[i] == "-h" || args[i] == "-help" || args[i] == "--help":
			return printUsage(stdout)
		case !strings.HasPrefix(args[i], "-"):
			command = args[i]
		default:
			return fmt.Errorf("unknown flag: %s", args[i])
		}
	}

	if outputFmt == "" {
		outputFmt = "text"
	}
	if outputFmt != "text" && outputFmt != "json" {
		return fmt.Errorf("unknown output format: %q (expected text or json)", outputFmt)
	}

	switch command {
	case "serve":
		return runServe(ctx, stdout, configPath)
	case "init":
		dir := "."
		if len(cmdArgs) > 0 {
			dir = cmdArgs[0]
		}
		return runInit(stdout, dir)
	case "ask":
		return runAsk(ctx, stdout, stderr, configPath, outputFmt, cmdArgs)
	case "version":
		return runVersion(stdout, outputFmt)
	case "":
		return printUsage(stdout)
	default:
		return fmt.Errorf("unknown command: %s", command)
	}
}

// runVersion prints build metadata in the requested output format.
func runVersion(w io.Writer, outputFmt string) error {
	info := buildinfo.BuildInfo()
	if outputFmt == "json" {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(info)
	}
	fmt.Fprintln(w, buildinfo.String())
	for _, k := range []string{"version", "git_commit", "git_branch", "build_time", "go_version", "os", "arch"} {
		if v, ok := info[k]; ok {
			fmt.Fprintf(w, "  %-12s %s\n", k+":", v)
		}
	}
	return nil
}

func printUsage(w io.Writer) error {
	fmt.Fprintln(w, "Tally - Conversational Market Research")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Usage: tally [flags] <command> [args]")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  serve            Start the API server")
	fmt.Fprintln(w, "  init [dir]       Write an example config.yaml (default: .)")
	fmt.Fprintln(w, "  ask [-v] <text>  Ask a single question; -v prints the transcript")
	fmt.Fprintln(w, "  version          Show version information")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Flags:")
	fmt.Fprintln(w, "  -config <path>    Path to config file (default: auto-discover)")
	fmt.Fprintln(w, "  -o, --output fmt  Output format: text (default) or json")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Config search order:")
	fmt.Fprintln(w, "  "+strings.Join(config.DefaultSearchPaths(), ", "))
	return nil
}

// loadConfig locates and parses the YAML configuration file.
func loadConfig(explicit string) (*config.Config, string, error) {
	cfgPath, err := config.FindConfig(explicit)
	if err != nil {
		return nil, "", err
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, cfgPath, fmt.Errorf("load config %s: %w", cfgPath, err)
	}
	return cfg, cfgPath, nil
}

// components is the agent core shared by serve and ask.
type components struct {
	store    *conversation.MemoryStore
	registry *tools.Registry
	loop     *agent.Loop
}

// buildAgent wires the store, tool registry, reasoning client and loop.
func buildAgent(cfg *config.Config, logger *slog.Logger) (*components, error) {
	store := conversation.NewMemoryStore()

	registry := tools.NewRegistry(logger)
	registry.SetParallel(cfg.Agent.ParallelTools)
	if err := registry.Register(search.Tool(search.NewClient(cfg.Research, logger))); err != nil {
		return nil, fmt.Errorf("register market_research: %w", err)
	}
	if !cfg.Research.Configured() {
		logger.Warn("research api key not set; market_research calls will fail")
	}

	client, err := llm.New(cfg.Reasoning, logger)
	if err != nil {
		return nil, err
	}
	reasoner := agent.NewLLMReasoner(client, cfg.Reasoning.Model, cfg.Reasoning.Temperature, cfg.Reasoning.MaxTokens, logger)

	loop := agent.NewLoop(logger, store, reasoner, registry, cfg.Agent.MaxIterations)

	logger.Info("agent initialized",
		"provider", client.Provider(),
		"model", cfg.Reasoning.Model,
		"max_iterations", loop.MaxIterations(),
		"parallel_tools", cfg.Agent.ParallelTools,
	)
	return &components{store: store, registry: registry, loop: loop}, nil
}

// runAsk handles "tally ask". It runs one user turn against a fresh
// in-memory session and prints the answer, or the whole transcript with
// -v. Logs go to stderr so stdout carries only the answer.
func runAsk(ctx context.Context, stdout io.Writer, stderr io.Writer, configPath, outputFmt string, args []string) error {
	verbose := false
	if len(args) > 0 && args[0] == "-v" {
		verbose = true
		args = args[1:]
	}
	question := strings.TrimSpace(strings.Join(args, " "))
	if question == "" {
		return fmt.Errorf("usage: tally ask [-v] <question>")
	}

	cfg, _, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	logger := cfg.NewLogger(stderr)

	c, err := buildAgent(cfg, logger)
	if err != nil {
		return err
	}

	res, err := c.loop.Run(ctx, "cli", question)
	if err != nil {
		return fmt.Errorf("ask: %w", err)
	}

	if outputFmt == "json" {
		enc := json.NewEncoder(stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(res)
	}
	if verbose {
		fmt.Fprint(stdout, agent.FormatTranscript(res.Turns))
		return nil
	}
	if res.CeilingHit {
		fmt.Fprintf(stdout, "(no answer after %d reasoning calls)\n", res.Iterations)
		return nil
	}
	fmt.Fprintln(stdout, res.Answer)
	return nil
}

// runServe handles "tally serve". It blocks until ctx is cancelled or a
// shutdown signal arrives.
//
// The shutdown sequence is:
//  1. SIGINT or SIGTERM cancels the context
//  2. The MQTT publisher announces offline and disconnects
//  3. A shutdown checkpoint is persisted
//  4. The HTTP server drains in-flight requests
func runServe(ctx context.Context, stdout io.Writer, configPath string) error {
	cfg, cfgPath, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	logger := cfg.NewLogger(stdout)
	logger.Info("starting Tally",
		"version", buildinfo.Version,
		"commit", buildinfo.GitCommit,
		"branch", buildinfo.GitBranch,
		"built", buildinfo.BuildTime,
	)
	logger.Info("config loaded",
		"path", cfgPath,
		"port", cfg.Listen.Port,
		"provider", cfg.Reasoning.Provider,
		"log_level", cfg.LogLevel,
	)

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return fmt.Errorf("create data directory: %w", err)
	}

	bus := events.New()

	c, err := buildAgent(cfg, logger)
	if err != nil {
		return err
	}
	c.loop.SetEventBus(bus)

	// --- Checkpoints ---
	var checkpointer *checkpoint.Checkpointer
	if cfg.Checkpoint.Enabled {
		var db *sql.DB
		db, err = checkpoint.OpenDB(cfg.CheckpointPath())
		if err != nil {
			return fmt.Errorf("open checkpoint database: %w", err)
		}
		defer db.Close()

		checkpointer, err = checkpoint.NewCheckpointer(db, checkpoint.Config{
			IntervalTurns: cfg.Checkpoint.IntervalTurns,
		}, c.store, logger)
		if err != nil {
			return fmt.Errorf("create checkpointer: %w", err)
		}
		checkpointer.SetEventBus(bus)
		c.store.SetAppendHook(checkpointer.OnAppend)

		if cfg.Checkpoint.RestoreOnStart {
			cp, err := checkpointer.RestoreLatest()
			switch {
			case err != nil:
				logger.Error("checkpoint restore failed", "error", err)
			case cp != nil:
				logger.Info("restored from checkpoint", "checkpoint", cp.Summary())
			}
		}

		attrs := []any{"path", cfg.CheckpointPath(), "interval_turns", cfg.Checkpoint.IntervalTurns}
		if status, err := checkpointer.GetStartupStatus(); err != nil {
			logger.Warn("checkpoint startup status unavailable", "error", err)
		} else {
			attrs = append(attrs, "sessions", status.Sessions, "turns", status.Turns)
			if status.LastCheckpoint != nil {
				attrs = append(attrs, "last_checkpoint", status.LastCheckpoint.Format(time.RFC3339))
			}
		}
		logger.Info("checkpointing enabled", attrs...)
	} else {
		logger.Info("checkpointing disabled")
	}

	// --- API server ---
	server := api.NewServer(cfg.Listen.Address, cfg.Listen.Port, c.loop, c.store, logger)
	server.SetTools(c.registry)
	server.SetEventBus(bus)
	if checkpointer != nil {
		server.SetCheckpointer(checkpointer)
	}

	// --- Signal handling ---
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// --- MQTT ---
	var publisher *mqtt.Publisher
	if cfg.MQTT.Configured() {
		instanceID, err := mqtt.LoadOrCreateInstanceID(cfg.DataDir)
		if err != nil {
			return fmt.Errorf("mqtt instance id: %w", err)
		}
		publisher = mqtt.New(cfg.MQTT, instanceID, bus, c.store, logger)
		go func() {
			if err := publisher.Start(ctx); err != nil {
				logger.Error("mqtt publisher failed", "error", err)
			}
		}()
		logger.Info("mqtt publishing enabled",
			"broker", cfg.MQTT.Broker,
			"topic_prefix", cfg.MQTT.TopicPrefix,
			"interval", cfg.MQTT.PublishIntervalSec,
		)
	} else {
		logger.Info("mqtt publishing disabled (not configured)")
	}

	shutdownDone := make(chan struct{})
	go func() {
		defer close(shutdownDone)
		<-ctx.Done()
		logger.Info("shutdown signal received")

		if publisher != nil {
			stopCtx, stopCancel := context.WithTimeout(context.Background(), 5*time.Second)
			if err := publisher.Stop(stopCtx); err != nil {
				logger.Error("mqtt shutdown failed", "error", err)
			}
			stopCancel()
		}

		// In-flight runs finish before the final checkpoint is taken.
		drainCtx, drainCancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer drainCancel()
		if err := server.Shutdown(drainCtx); err != nil {
			logger.Error("server shutdown failed", "error", err)
		}

		if checkpointer != nil {
			if cp, err := checkpointer.CreateShutdown(); err != nil {
				logger.Error("failed to create shutdown checkpoint", "error", err)
			} else {
				logger.Info("shutdown checkpoint created", "checkpoint", cp.Summary())
			}
		}
	}()

	serveErr := server.Start(ctx)
	if serveErr != nil && ctx.Err() == nil {
		cancel()
		<-shutdownDone
		return fmt.Errorf("server failed: %w", serveErr)
	}
	<-shutdownDone

	logger.Info("Tally stopped")
	return nil
}
