package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/labmesh-io/labmesh/internal/agentclient"
	"github.com/labmesh-io/labmesh/internal/api"
	"github.com/labmesh-io/labmesh/internal/config"
	"github.com/labmesh-io/labmesh/internal/cooldown"
	"github.com/labmesh-io/labmesh/internal/db"
	"github.com/labmesh-io/labmesh/internal/enforcer"
	"github.com/labmesh-io/labmesh/internal/events"
	"github.com/labmesh-io/labmesh/internal/health"
	"github.com/labmesh-io/labmesh/internal/imagesync"
	"github.com/labmesh-io/labmesh/internal/jobengine"
	"github.com/labmesh-io/labmesh/internal/multihost"
	"github.com/labmesh-io/labmesh/internal/reconciler"
	"github.com/labmesh-io/labmesh/internal/registry"
	"github.com/labmesh-io/labmesh/internal/repositories"
	"github.com/labmesh-io/labmesh/internal/scheduler"
	"github.com/labmesh-io/labmesh/internal/selector"
	"github.com/labmesh-io/labmesh/internal/webhook"
	"github.com/labmesh-io/labmesh/internal/ws"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

type flags struct {
	httpAddr   string
	dbDriver   string
	dbDSN      string
	redisAddr  string
	agentToken string
	logLevel   string
	imageDir   string
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	f := &flags{}

	root := &cobra.Command{
		Use:   "labmesh-controller",
		Short: "labmesh controller — network lab orchestration",
		Long: `The labmesh controller orchestrates network labs across a fleet of
agents. It exposes the REST and WebSocket API, runs the job engine and
the background reconciliation, enforcement and health loops, and keeps
container images distributed to the hosts that need them.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), f)
		},
	}

	root.AddCommand(newVersionCmd())

	root.PersistentFlags().StringVar(&f.httpAddr, "http-addr", envOrDefault("LABMESH_HTTP_ADDR", ":8080"), "HTTP API listen address")
	root.PersistentFlags().StringVar(&f.dbDriver, "db-driver", envOrDefault("LABMESH_DB_DRIVER", "sqlite"), "Database driver (sqlite or postgres)")
	root.PersistentFlags().StringVar(&f.dbDSN, "db-dsn", envOrDefault("LABMESH_DB_DSN", "./labmesh.db"), "Database DSN or file path for SQLite")
	root.PersistentFlags().StringVar(&f.redisAddr, "redis-addr", envOrDefault("LABMESH_REDIS_ADDR", ""), "Redis address for enforcement cooldowns (empty: in-process store)")
	root.PersistentFlags().StringVar(&f.agentToken, "agent-token", envOrDefault("LABMESH_AGENT_TOKEN", ""), "Shared token agents must present (empty disables the check)")
	root.PersistentFlags().StringVar(&f.logLevel, "log-level", envOrDefault("LABMESH_LOG_LEVEL", "info"), "Log level (debug, info, warn, error)")
	root.PersistentFlags().StringVar(&f.imageDir, "image-dir", envOrDefault("LABMESH_IMAGE_DIR", ""), "Directory of image archives for push-strategy sync (empty disables push)")

	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("labmesh-controller %s (commit: %s, built: %s)\n", version, commit, date)
		},
	}
}

func run(ctx context.Context, f *flags) error {
	logger, err := buildLogger(f.logLevel)
	if err != nil {
		return fmt.Errorf("failed to build logger: %w", err)
	}
	defer logger.Sync() //nolint:errcheck

	cfg := config.Default()
	cfg.HTTPAddr = f.httpAddr
	cfg.DBDriver = f.dbDriver
	cfg.DBDSN = f.dbDSN
	cfg.RedisAddr = f.redisAddr
	cfg.AgentToken = f.agentToken
	cfg.LogLevel = f.logLevel

	logger.Info("starting labmesh controller",
		zap.String("version", version),
		zap.String("http_addr", cfg.HTTPAddr),
		zap.String("db_driver", cfg.DBDriver),
		zap.String("log_level", cfg.LogLevel),
	)

	ctx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	database, err := db.New(db.Config{
		Driver: cfg.DBDriver,
		DSN:    cfg.DBDSN,
		Logger: logger,
	})
	if err != nil {
		return err
	}

	agents := repositories.NewAgentRepository(database)
	labs := repositories.NewLabRepository(database)
	topo := repositories.NewTopologyRepository(database)
	states := repositories.NewStateRepository(database)
	jobs := repositories.NewJobRepository(database)
	images := repositories.NewImageRepository(database)
	hooks := repositories.NewWebhookRepository(database)
	updates := repositories.NewAgentUpdateRepository(database)

	client := agentclient.New(cfg.Agent, logger)

	// Live event plumbing: webhooks and the WebSocket hub both consume the
	// same lifecycle events.
	hub := ws.NewHub()
	go hub.Run(ctx)
	live := ws.NewPublisher(hub)
	dispatcher := webhook.NewDispatcher(hooks, logger)
	pub := events.Fanout{dispatcher, live}

	sel := selector.New(agents, jobs, states, logger)
	deployer := multihost.New(agents, states, client, logger)

	var source imagesync.ImageSource
	if f.imageDir != "" {
		source = imagesync.NewFileSource(f.imageDir)
	}
	imageMgr := imagesync.New(images, agents, client, source, cfg.ImageSync, logger)

	engine := jobengine.New(jobengine.Deps{
		Labs:      labs,
		Jobs:      jobs,
		Agents:    agents,
		Topology:  topo,
		States:    states,
		Selector:  sel,
		Client:    client,
		MultiHost: deployer,
		Images:    imageMgr,
		Publisher: pub,
	}, cfg.Jobs, logger)

	reg := registry.New(agents, cfg.Agent.StaleTimeout, logger)
	monitor := health.New(jobs, agents, images, engine, client, cfg.Jobs, cfg.ImageSync, logger)
	rec := reconciler.New(labs, topo, states, jobs, agents, client, pub, cfg.Reconcile, cfg.Jobs, logger)

	cooldowns, err := buildCooldownStore(ctx, cfg.RedisAddr, logger)
	if err != nil {
		return err
	}
	enf := enforcer.New(labs, topo, states, jobs, agents, engine, cooldowns, cfg.Enforcement, logger)

	sched, err := scheduler.New(logger)
	if err != nil {
		return err
	}
	loops := []struct {
		interval time.Duration
		name     string
		fn       func(context.Context)
	}{
		{cfg.Agent.HealthCheckInterval, "registry_sweep", func(ctx context.Context) {
			sweep(ctx, reg, monitor, live, logger)
		}},
		{cfg.Jobs.HealthCheckInterval, "health_monitor", monitor.Check},
		{cfg.Reconcile.Interval, "reconciler", rec.Run},
		{cfg.Enforcement.Interval, "enforcer", enf.Run},
		{cfg.Reconcile.Interval, "image_inventory", imageMgr.ReconcileAll},
	}
	for _, l := range loops {
		if err := sched.Every(ctx, l.interval, l.name, l.fn); err != nil {
			return err
		}
	}
	sched.Start()

	router := api.NewRouter(api.RouterConfig{
		Engine:     engine,
		Registry:   reg,
		Reconciler: rec,
		Dispatcher: dispatcher,
		ImageSync:  imageMgr,
		Hub:        hub,
		Live:       live,
		Logger:     logger,
		Agents:     agents,
		Labs:       labs,
		Topology:   topo,
		States:     states,
		Jobs:       jobs,
		Images:     images,
		Webhooks:   hooks,
		Updates:    updates,
		AgentToken: cfg.AgentToken,
	})

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	serveErr := make(chan error, 1)
	go func() {
		logger.Info("http server listening", zap.String("addr", cfg.HTTPAddr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
	}()

	select {
	case err := <-serveErr:
		cancel()
		return fmt.Errorf("http server failed: %w", err)
	case <-ctx.Done():
	}

	logger.Info("shutting down labmesh controller")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown failed", zap.Error(err))
	}
	if err := sched.Stop(); err != nil {
		logger.Warn("scheduler shutdown failed", zap.Error(err))
	}

	// Let in-flight jobs and webhook deliveries finish before exit.
	engine.Wait()
	dispatcher.Wait()
	return nil
}

// sweep runs one registry staleness pass and fails over the jobs of every
// agent it took offline.
func sweep(ctx context.Context, reg *registry.Registry, monitor *health.Monitor, live *ws.Publisher, logger *zap.Logger) {
	stale, err := reg.Sweep(ctx)
	if err != nil {
		logger.Error("registry sweep failed", zap.Error(err))
		return
	}
	for i := range stale {
		agent := &stale[i]
		monitor.FailAgentJobs(ctx, agent)
		live.AgentStatus(agent.ID, db.AgentOffline)
	}
}

func buildCooldownStore(ctx context.Context, redisAddr string, logger *zap.Logger) (cooldown.Store, error) {
	if redisAddr == "" {
		logger.Warn("no redis configured, enforcement cooldowns will not survive restarts")
		return cooldown.NewMemory(), nil
	}
	rdb := redis.NewClient(&redis.Options{Addr: redisAddr})
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		return nil, fmt.Errorf("redis at %s unreachable: %w", redisAddr, err)
	}
	return cooldown.NewRedis(rdb, "labmesh:"), nil
}

func buildLogger(level string) (*zap.Logger, error) {
	var cfg zap.Config

	switch level {
	case "debug":
		cfg = zap.NewDevelopmentConfig()
	default:
		cfg = zap.NewProductionConfig()
	}

	switch level {
	case "debug":
		cfg.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
	case "info":
		cfg.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	case "warn":
		cfg.Level = zap.NewAtomicLevelAt(zap.WarnLevel)
	case "error":
		cfg.Level = zap.NewAtomicLevelAt(zap.ErrorLevel)
	default:
		cfg.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	}

	return cfg.Build()
}

func envOrDefault(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}
