// Marill is a WhatsApp finance assistant. Inbound chat messages are
// routed to specialist agents that keep the user's ledger, goals and
// recurring charges.
//
// Usage:
//
//	marill serve              Start the webhook server
//	marill init [dir]         Write an example config and policy
//	marill version            Print version and build information
//	marill -o json version    Output version information as JSON
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
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/financiia/marill/internal/agent"
	"github.com/financiia/marill/internal/api"
	"github.com/financiia/marill/internal/billing"
	"github.com/financiia/marill/internal/buildinfo"
	"github.com/financiia/marill/internal/config"
	"github.com/financiia/marill/internal/ledger"
	"github.com/financiia/marill/internal/llm"
	"github.com/financiia/marill/internal/router"
	"github.com/financiia/marill/internal/scheduler"
	"github.com/financiia/marill/internal/session"
	"github.com/financiia/marill/internal/tools"
	"github.com/financiia/marill/internal/transcribe"
	"github.com/financiia/marill/internal/usage"
	"github.com/financiia/marill/internal/whatsapp"

	_ "github.com/mattn/go-sqlite3" // SQLite driver for database/sql
)

func main() {
	ctx := context.Background()

	if err := run(ctx, os.Stdout, os.Stderr, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		os.Exit(1)
	}
}

// run is the real entry point. ctx controls the process lifetime;
// structured logs go to stdout. Arguments are parsed by hand so run can
// be driven concurrently from tests.
func run(ctx context.Context, stdout io.Writer, stderr io.Writer, args []string) error {
	var configPath string
	var outputFmt string
	var command string
	var cmdArgs []string

	for i := 0; i < len(args); i++ {
		switch {
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
		case !strings.HasPrefix(args[i], "-") && command == "":
			command = args[i]
		default:
			if command != "" {
				cmdArgs = append(cmdArgs, args[i])
			} else {
				return fmt.Errorf("unknown flag: %s", args[i])
			}
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
		return runServe(ctx, stdout, stderr, configPath)
	case "init":
		dir := "."
		if len(cmdArgs) > 0 {
			dir = cmdArgs[0]
		}
		return runInit(stdout, dir)
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
	fmt.Fprintln(w, "Marill - WhatsApp finance assistant")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Usage: marill [flags] <command> [args]")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  serve        Start the webhook server")
	fmt.Fprintln(w, "  init [dir]   Write an example config and policy (default: .)")
	fmt.Fprintln(w, "  version      Show version information")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Flags:")
	fmt.Fprintln(w, "  -config <path>    Path to config file (default: auto-discover)")
	fmt.Fprintln(w, "  -o, --output fmt  Output format: text (default) or json")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Config search order:")
	fmt.Fprintln(w, "  "+strings.Join(config.DefaultSearchPaths(), ", "))
	return nil
}

// runServe wires every component and serves until ctx is cancelled or
// SIGINT/SIGTERM arrives.
func runServe(ctx context.Context, stdout io.Writer, _ io.Writer, configPath string) error {
	logger := config.NewLogger(stdout, slog.LevelInfo, "text")
	logger.Info("starting Marill", "version", buildinfo.Version, "commit", buildinfo.GitCommit, "built", buildinfo.BuildTime)

	cfg, cfgPath, err := loadConfig(configPath)
	if err != nil {
		return err
	}

	// Level is already validated by config.Validate.
	level, _ := config.ParseLogLevel(cfg.LogLevel)
	logger = config.NewLogger(stdout, level, cfg.LogFormat)

	logger.Info("config loaded",
		"path", cfgPath,
		"port", cfg.Listen.Port,
		"model", cfg.OpenAI.Model,
		"router_model", cfg.OpenAI.RouterModel,
		"timezone", cfg.Timezone,
	)

	// --- Data directory ---
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return fmt.Errorf("create data directory %s: %w", cfg.DataDir, err)
	}

	// --- Ledger ---
	ledgerPath := filepath.Join(cfg.DataDir, "ledger.db")
	ledgerDB, err := sql.Open("sqlite3", ledgerPath+"?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return fmt.Errorf("open ledger database %s: %w", ledgerPath, err)
	}
	defer ledgerDB.Close()
	store, err := ledger.NewStore(ledgerDB)
	if err != nil {
		return err
	}
	logger.Info("ledger database opened", "path", ledgerPath)

	// --- Sessions ---
	sessionPath := filepath.Join(cfg.DataDir, "sessions.db")
	sessions, err := session.NewStore(sessionPath)
	if err != nil {
		return fmt.Errorf("open session database %s: %w", sessionPath, err)
	}
	defer sessions.Close()

	// --- Usage ---
	usagePath := filepath.Join(cfg.DataDir, "usage.db")
	usageStore, err := usage.NewStore(usagePath)
	if err != nil {
		return fmt.Errorf("open usage database %s: %w", usagePath, err)
	}
	defer usageStore.Close()

	// --- WhatsApp gateway ---
	waha := whatsapp.NewClient(whatsapp.ClientConfig{
		URL:     cfg.WAHA.URL,
		APIKey:  cfg.WAHA.APIKey,
		Session: cfg.WAHA.Session,
		Logger:  logger,
	})
	// Notices not prompted by an inbound message: charge notifications
	// and the post-checkout welcome.
	notifier := whatsapp.NewReplier(waha, "", cfg.Agent.TypingDelay, logger)

	// --- Scheduler ---
	schedPath := filepath.Join(cfg.DataDir, "scheduler.db")
	schedStore, err := scheduler.NewStore(schedPath)
	if err != nil {
		return fmt.Errorf("open scheduler database %s: %w", schedPath, err)
	}
	defer schedStore.Close()

	deps := taskExecDeps{
		charges: ledger.NewChargeRunner(store, notifier, logger),
		logger:  logger,
	}
	sched := scheduler.New(logger, schedStore, func(ctx context.Context, task *scheduler.Task, exec *scheduler.Execution) error {
		return runScheduledTask(ctx, task, exec, deps)
	})

	// --- Actions ---
	policy, err := tools.LoadPolicy(ctx, cfg.PolicyFile)
	if err != nil {
		return fmt.Errorf("load action policy: %w", err)
	}
	registry := tools.NewRegistry(logger)
	registry.SetPolicy(policy)

	ledgerActions := ledger.NewActions(store, ledger.NewChargeQueue(sched), logger)
	if err := ledgerActions.Register(registry); err != nil {
		return fmt.Errorf("register ledger actions: %w", err)
	}

	var (
		checkout      whatsapp.Checkout
		stripeWebhook *billing.WebhookHandler
	)
	if cfg.Stripe.Configured() {
		provider := billing.NewStripeProvider(billing.StripeConfig{
			SecretKey:  cfg.Stripe.SecretKey,
			PriceID:    cfg.Stripe.PriceID,
			TrialDays:  cfg.Stripe.TrialDays,
			SuccessURL: cfg.Stripe.SuccessURL,
			CancelURL:  cfg.Stripe.CancelURL,
		})
		if err := billing.NewActions(provider, store, logger).Register(registry); err != nil {
			return fmt.Errorf("register billing actions: %w", err)
		}
		checkout = provider
		if cfg.Stripe.WebhookSecret != "" {
			stripeWebhook = billing.NewWebhookHandler(cfg.Stripe.WebhookSecret, store, notifier, logger)
		} else {
			logger.Warn("stripe.webhook_secret not set; checkout completions will not be linked")
		}
		logger.Info("billing enabled")
	} else {
		logger.Info("billing disabled (stripe not configured)")
	}
	logger.Info("actions registered", "count", len(registry.Names()))

	// --- Completion service ---
	completions := llm.NewMeteredClient(
		llm.NewOpenAIClient(llm.OpenAIConfig{
			APIKey:     cfg.OpenAI.APIKey,
			BaseURL:    cfg.OpenAI.BaseURL,
			MaxRetries: 2,
		}, logger),
		usageStore,
		logger,
	)

	// --- Agents and router ---
	executor := agent.NewExecutor(completions, sessions, agent.Config{
		Model:         cfg.OpenAI.Model,
		MaxIterations: cfg.Agent.MaxIterations,
		TurnTimeout:   cfg.Agent.TurnTimeout,
		Pacing:        cfg.Agent.MessagePacing,
	}, logger)

	definitions, err := agent.Definitions(registry, ledgerActions)
	if err != nil {
		return fmt.Errorf("build agents: %w", err)
	}
	rtr := router.NewRouter(logger, completions, executor, definitions, router.Config{
		Model: cfg.OpenAI.RouterModel,
	})

	// --- Turn lock ---
	var locker session.Locker = session.NewLocalLocker()
	if cfg.Redis.URL != "" {
		opts, err := redis.ParseURL(cfg.Redis.URL)
		if err != nil {
			return fmt.Errorf("parse redis.url: %w", err)
		}
		rdb := redis.NewClient(opts)
		defer rdb.Close()
		locker = session.NewRedisLocker(rdb, cfg.Redis.LockTTL)
		logger.Info("shared turn lock enabled", "addr", opts.Addr)
	}

	// --- Transcription ---
	var transcriber whatsapp.Transcriber
	if cfg.Deepgram.APIKey != "" {
		transcriber = transcribe.NewDeepgram(transcribe.Config{
			APIKey:   cfg.Deepgram.APIKey,
			Model:    cfg.Deepgram.Model,
			Language: cfg.Deepgram.Language,
			Logger:   logger,
		})
	} else {
		logger.Warn("deepgram not configured; audio messages will be rejected")
	}

	// --- Bridge ---
	bridge := whatsapp.NewBridge(whatsapp.BridgeConfig{
		Gateway:       waha,
		Accounts:      store,
		Checkout:      checkout,
		Transcriber:   transcriber,
		Router:        rtr,
		Sessions:      sessions,
		Locker:        locker,
		Logger:        logger,
		Location:      cfg.Location(),
		RateLimit:     cfg.RateLimit.PerMinute,
		IgnoreSenders: cfg.WAHA.IgnoreSenders,
		MinConfidence: cfg.Deepgram.MinConfidence,
		HistoryLimit:  cfg.WAHA.HistoryLimit,
		TypingDelay:   cfg.Agent.TypingDelay,
		HandleTimeout: cfg.Agent.HandleTimeout,
	})

	// --- Signal handling ---
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := sched.Start(ctx); err != nil {
		return fmt.Errorf("start scheduler: %w", err)
	}
	defer sched.Stop()

	// --- HTTP server ---
	serverCfg := api.Config{
		Address:   cfg.Listen.Address,
		Port:      cfg.Listen.Port,
		Logger:    logger,
		Router:    rtr,
		Usage:     usageStore,
		Scheduler: sched,
	}
	if stripeWebhook != nil {
		serverCfg.Stripe = stripeWebhook
	}
	if cfg.WAHA.Websocket {
		stream := whatsapp.NewStream(whatsapp.StreamConfig{
			URL:     cfg.WAHA.URL,
			APIKey:  cfg.WAHA.APIKey,
			Session: cfg.WAHA.Session,
			Logger:  logger,
		}, bridge)
		go func() {
			if err := stream.Run(ctx); err != nil {
				logger.Error("event stream stopped", "error", err)
			}
		}()
		logger.Info("inbound delivery via gateway event stream")
	} else {
		serverCfg.Events = bridge
		logger.Info("inbound delivery via webhook", "path", "/webhooks/waha")
	}
	server := api.NewServer(serverCfg)

	go func() {
		<-ctx.Done()
		logger.Info("shutdown signal received")

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error("server shutdown failed", "error", err)
		}
	}()

	if err := server.Start(ctx); err != nil {
		if ctx.Err() == nil {
			return fmt.Errorf("server failed: %w", err)
		}
	}

	// Let in-flight turns finish before the stores close.
	bridge.Wait()
	logger.Info("Marill stopped")
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
