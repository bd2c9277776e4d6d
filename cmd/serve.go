package cmd

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/conductor/internal/agents"
	"github.com/nextlevelbuilder/conductor/internal/bus"
	"github.com/nextlevelbuilder/conductor/internal/config"
	"github.com/nextlevelbuilder/conductor/internal/gateway"
	"github.com/nextlevelbuilder/conductor/internal/memory"
	"github.com/nextlevelbuilder/conductor/internal/orchestrator"
	"github.com/nextlevelbuilder/conductor/internal/prd"
	"github.com/nextlevelbuilder/conductor/internal/providers"
	"github.com/nextlevelbuilder/conductor/internal/store"
	"github.com/nextlevelbuilder/conductor/internal/store/pg"
	"github.com/nextlevelbuilder/conductor/internal/telemetry"
)

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the orchestration service",
		Run: func(cmd *cobra.Command, args []string) {
			runServe()
		},
	}
}

func runServe() {
	logLevel := slog.LevelInfo
	if verbose {
		logLevel = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	})))

	cfgPath := resolveConfigPath()
	cfg, err := config.Load(cfgPath)
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTelemetry, err := telemetry.Setup(ctx, cfg.Telemetry)
	if err != nil {
		slog.Warn("telemetry disabled", "error", err)
	} else {
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			shutdownTelemetry(shutdownCtx)
		}()
	}

	sessions := openSessionStore(ctx, cfg)

	sweeper := store.NewSweeper(sessions, cfg.SessionTTL(), cfg.Sessions.SweepSchedule)
	go sweeper.Run(ctx)

	msgBus := bus.New(cfg.Gateway.RingBufferSize)

	llm := newLLMClient(cfg)

	mem, err := memory.NewClient(cfg.Memory.ServiceURL, cfg.Memory.WorkspaceRoot, cfg.Memory.ActorID)
	if err != nil {
		slog.Error("failed to create memory client", "error", err)
		os.Exit(1)
	}

	manager := agents.NewManager(llm, mem, msgBus, cfg.Agents, cfg.LLM)
	manager.Start()
	defer manager.Stop()

	builder := prd.NewBuilder(llm, sessions)

	orch := orchestrator.New(llm, sessions, manager, builder, mem, msgBus, cfg.Orchestrator, cfg.Ralph)

	srv := gateway.NewServer(cfg, msgBus, orch)

	// Hot reload applies only rate limiting; structural settings need a restart.
	go func() {
		err := config.Watch(ctx, cfgPath, func(newCfg *config.Config) {
			srv.ApplyConfig(newCfg)
		})
		if err != nil {
			slog.Warn("config watcher stopped", "error", err)
		}
	}()

	if err := srv.Start(ctx); err != nil {
		slog.Error("gateway failed", "error", err)
		os.Exit(1)
	}
	slog.Info("conductor stopped")
}

// newLLMClient builds the provider client with the configured retry cap.
func newLLMClient(cfg *config.Config) *providers.Client {
	retry := providers.DefaultRetryConfig()
	if cfg.LLM.MaxRetries > 0 {
		retry.MaxAttempts = cfg.LLM.MaxRetries
	}
	return providers.NewClient(cfg.LLM.BaseURL, cfg.LLM.APIKey, cfg.LLM.Model, cfg.CompletionTimeout()).
		WithRetryConfig(retry)
}

// openSessionStore connects to Postgres when a DSN is configured and the
// server is reachable, otherwise falls back to the in-memory store.
func openSessionStore(ctx context.Context, cfg *config.Config) store.SessionStore {
	dsn := cfg.Database.PostgresDSN
	maxMessages := cfg.Sessions.MaxMessagesPerSession

	if dsn == "" {
		slog.Info("no postgres dsn configured, using in-memory session storage")
		return store.NewMemoryStore(maxMessages)
	}

	openCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	st, err := pg.Open(openCtx, dsn, maxMessages)
	if err != nil {
		slog.Warn("postgres unreachable, using in-memory session storage", "error", err)
		return store.NewMemoryStore(maxMessages)
	}
	slog.Info("session storage connected", "backend", "postgres")
	return st
}
