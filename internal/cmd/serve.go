package cmd

import (
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/verdantlab/phyloforge/internal/observability"
	"github.com/verdantlab/phyloforge/internal/server"
	"github.com/verdantlab/phyloforge/internal/server/handlers"
	"github.com/verdantlab/phyloforge/internal/server/middleware"
	"github.com/verdantlab/phyloforge/pkg/hypothesis"
	"github.com/verdantlab/phyloforge/pkg/jobregistry"
	"github.com/verdantlab/phyloforge/pkg/lifecycle"
	"github.com/verdantlab/phyloforge/pkg/reconcile"
	"github.com/verdantlab/phyloforge/pkg/session"
	"github.com/verdantlab/phyloforge/pkg/sessiongc"
	"github.com/verdantlab/phyloforge/pkg/supervisor"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the job orchestration server",
	Long: `Start the HTTP API, recover job records orphaned by a previous run,
and sweep idle session directories in the background.`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().String("host", "", "Bind host (overrides config)")
	serveCmd.Flags().Int("port", 0, "Bind port (overrides config)")
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if err := observability.Init(cfg.Logging.Level, cfg.Logging.Profile); err != nil {
		return err
	}
	defer observability.Sync()
	logger := observability.ServerLogger

	if host, _ := cmd.Flags().GetString("host"); host != "" {
		cfg.Server.Host = host
	}
	if port, _ := cmd.Flags().GetInt("port"); port != 0 {
		cfg.Server.Port = port
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := jobregistry.Open(ctx, cfg.Data.RegistryPath())
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	procs := supervisor.New(logger)
	sessions := session.NewResolver(cfg.Data.SessionsDir())
	reconciler := reconcile.New(logger)

	jobs := lifecycle.NewManager(store, procs, sessions, reconciler, logger, lifecycle.Options{
		JobsDir:    cfg.Data.JobsDir(),
		Engine:     cfg.Engine.Command,
		MaxRunning: cfg.Lifecycle.MaxRunning,
	})
	hyp := hypothesis.NewManager(store, procs, sessions, logger,
		cfg.Data.JobsDir(), cfg.Engine.HypothesisCommand)

	recovered, err := jobs.StartupRecover(ctx)
	if err != nil {
		return fmt.Errorf("startup recovery: %w", err)
	}
	if recovered > 0 {
		logger.Warn("recovered orphaned jobs", zap.Int("count", recovered))
	}

	sweeper := sessiongc.NewSweeper(cfg.Data.SessionsDir(), cfg.GC.SessionRetention, logger)
	go sweeper.RunPeriodic(ctx, cfg.GC.Interval)

	health := handlers.NewHealthManager(versionInfo.Version)
	health.RegisterChecker("registry", handlers.CheckerFunc(store.Ping))

	srv := server.New(cfg.Server.Host, cfg.Server.Port, server.Deps{
		Jobs:    &handlers.Jobs{Lifecycle: jobs, Hypothesis: hyp},
		Health:  health,
		Limiter: middleware.NewOwnerLimiter(cfg.RateLimit.SubmitPerSecond, cfg.RateLimit.SubmitBurst),
		Logger:  logger,
		Timeouts: server.Timeouts{
			Read:     cfg.Server.ReadTimeout,
			Write:    cfg.Server.WriteTimeout,
			Idle:     cfg.Server.IdleTimeout,
			Shutdown: cfg.Server.ShutdownTimeout,
		},
	})

	if err := srv.ListenAndServe(ctx); err != nil {
		return err
	}

	logger.Info("server shut down cleanly")
	return nil
}
