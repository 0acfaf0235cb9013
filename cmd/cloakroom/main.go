// Package main is the CLI entrypoint for the Cloakroom delivery service. It
// provides subcommands for running the server (serve), managing database
// migrations (migrate), and printing version information (version). The serve
// command loads configuration, connects to PostgreSQL, NATS, and Redis, runs
// pending migrations, starts the RPC server and background workers, and
// handles graceful shutdown on SIGINT/SIGTERM. A missing service DID refuses
// to start.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/cloakroom-chat/cloakroom/internal/actor"
	"github.com/cloakroom-chat/cloakroom/internal/api"
	"github.com/cloakroom-chat/cloakroom/internal/config"
	"github.com/cloakroom-chat/cloakroom/internal/database"
	"github.com/cloakroom-chat/cloakroom/internal/events"
	"github.com/cloakroom-chat/cloakroom/internal/fanout"
	"github.com/cloakroom-chat/cloakroom/internal/idempotency"
	"github.com/cloakroom-chat/cloakroom/internal/identity"
	"github.com/cloakroom-chat/cloakroom/internal/metrics"
	"github.com/cloakroom-chat/cloakroom/internal/ratelimit"
	"github.com/cloakroom-chat/cloakroom/internal/rejoin"
	"github.com/cloakroom-chat/cloakroom/internal/store"
	"github.com/cloakroom-chat/cloakroom/internal/stream"
	"github.com/cloakroom-chat/cloakroom/internal/workers"
)

// Build-time variables set via ldflags.
var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "serve":
		if err := runServe(); err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			os.Exit(1)
		}
	case "migrate":
		if err := runMigrate(); err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			os.Exit(1)
		}
	case "version":
		runVersion()
	case "help", "--help", "-h":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

// printUsage prints the CLI usage information.
func printUsage() {
	fmt.Println("Cloakroom — MLS Delivery Service")
	fmt.Println()
	fmt.Println("Usage:")
	fmt.Println("  cloakroom <command> [options]")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  serve     Start the delivery service")
	fmt.Println("  migrate   Run database migrations (up, down, status)")
	fmt.Println("  version   Print version information")
	fmt.Println("  help      Show this help message")
	fmt.Println()
	fmt.Println("Configuration:")
	fmt.Println("  Config file:  cloakroom.toml (or set CLOAKROOM_CONFIG_PATH)")
	fmt.Println("  Env prefix:   CLOAKROOM_ (e.g. CLOAKROOM_DATABASE_URL)")
}

// runServe starts the full delivery service.
func runServe() error {
	logger := setupLogger("info", "json")

	logger.Info("starting cloakroom",
		slog.String("version", version),
		slog.String("commit", commit),
	)

	cfgPath := configPath()
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger = setupLogger(cfg.Logging.Level, cfg.Logging.Format)
	logger.Info("configuration loaded",
		slog.String("path", cfgPath),
		slog.String("service_did", cfg.Service.DID),
	)

	ctx := context.Background()

	// Connect to the database and run migrations.
	db, err := database.New(ctx, cfg.Database.URL, cfg.Database.MaxConnections, logger)
	if err != nil {
		return fmt.Errorf("connecting to database: %w", err)
	}
	defer db.Close()

	if err := database.MigrateUp(cfg.Database.URL, logger); err != nil {
		return fmt.Errorf("running migrations: %w", err)
	}

	// Connect to NATS.
	bus, err := events.New(cfg.NATS.URL, logger)
	if err != nil {
		return fmt.Errorf("connecting to NATS: %w", err)
	}
	defer bus.Close()

	// Connect to Redis for the idempotency and replay caches.
	redisOpts, err := redis.ParseURL(cfg.Cache.URL)
	if err != nil {
		return fmt.Errorf("parsing cache URL: %w", err)
	}
	redisClient := redis.NewClient(redisOpts)
	if err := redisClient.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("pinging cache: %w", err)
	}
	defer redisClient.Close()
	logger.Info("cache connection established")

	st := store.New(db.Pool, logger)

	// Identity verifier with a cached external DID resolver.
	tokenLifetime, err := cfg.Auth.TokenMaxLifetimeParsed()
	if err != nil {
		return err
	}
	resolverTTL, err := cfg.Auth.ResolverTTLParsed()
	if err != nil {
		return err
	}
	verifier, err := identity.NewVerifier(identity.Config{
		ServiceDID:    cfg.Service.DID,
		MethodBinding: cfg.Auth.MethodBinding,
		MaxLifetime:   tokenLifetime,
		Resolver: identity.NewCachingResolver(
			identity.NewHTTPResolver(cfg.Auth.ResolverURL),
			resolverTTL,
			cfg.Auth.ResolverCacheSize,
		),
		Replay: identity.NewRedisReplayCache(redisClient),
		Logger: logger,
	})
	if err != nil {
		return fmt.Errorf("creating identity verifier: %w", err)
	}

	// Rate limiter and idempotency cache.
	quotas := make(map[string]ratelimit.Quota, len(cfg.Limits.MethodQuotas))
	for method, q := range cfg.Limits.MethodQuotas {
		quotas[method] = ratelimit.Quota{Capacity: q.Capacity, Refill: q.Refill}
	}
	limiter := ratelimit.New(quotas, ratelimit.Quota{
		Capacity: cfg.Limits.IPQuota.Capacity,
		Refill:   cfg.Limits.IPQuota.Refill,
	})

	idemTTL, err := cfg.Retention.IdempotencyTTLParsed()
	if err != nil {
		return err
	}
	idem := idempotency.New(idempotency.NewRedisBackend(redisClient), idemTTL)

	// Metrics registry.
	var serviceMetrics *metrics.Metrics
	promRegistry := prometheus.NewRegistry()
	if cfg.Metrics.Enabled {
		promRegistry.MustRegister(collectors.NewGoCollector())
		serviceMetrics = metrics.New(promRegistry)
	}

	// Push sender (optional).
	pusher := fanout.NewWebPushSender(
		cfg.Push.VAPIDPublicKey,
		cfg.Push.VAPIDPrivateKey,
		cfg.Push.VAPIDContactEmail,
	)
	if pusher != nil {
		logger.Info("push notifications enabled")
	}

	// Fan-out engine feeding the event bus and push provider.
	var enginePusher fanout.Pusher
	if pusher != nil {
		enginePusher = pusher
	}
	engine := fanout.New(fanout.Config{
		Bus:       bus,
		Directory: st,
		Querier:   db.Pool,
		Pusher:    enginePusher,
		Metrics:   serviceMetrics,
		Logger:    logger,
	})

	// Epoch actor registry.
	messageRetention, err := cfg.Retention.MessageParsed()
	if err != nil {
		return err
	}
	receivedBucket, err := cfg.Retention.ReceivedBucketParsed()
	if err != nil {
		return err
	}
	registry := actor.NewRegistry(actor.Config{
		Storage:        st,
		Emitter:        engine,
		Logger:         logger,
		Retention:      messageRetention,
		ReceivedBucket: receivedBucket,
	})

	// Real-time stream and rejoin orchestrator.
	streamer := stream.New(stream.Config{
		Reader:  st,
		Querier: db.Pool,
		Bus:     stream.BusAdapter{Bus: bus},
		Logger:  logger,
	})
	orchestrator := rejoin.New(rejoin.Config{
		Directory: st,
		Querier:   db.Pool,
		Bus:       bus,
		Logger:    logger,
	})

	// Background workers.
	workerCfg, err := workerConfig(cfg, st, db, limiter, registry, logger)
	if err != nil {
		return err
	}
	workerCfg.ActorCount = registry.Len
	workerCfg.Metrics = serviceMetrics
	workerMgr := workers.New(workerCfg)
	workerMgr.Start(ctx)

	// RPC server.
	srv := api.NewServer(api.Deps{
		Store:       st,
		Registry:    registry,
		Verifier:    verifier,
		Limiter:     limiter,
		Idempotency: idem,
		Streamer:    streamer,
		Rejoin:      orchestrator,
		Metrics:     serviceMetrics,
		Config:      cfg,
		Logger:      logger,
	})

	// Optional metrics listener, guarded by the admin token.
	var metricsServer *http.Server
	if cfg.Metrics.Enabled {
		metricsServer = &http.Server{
			Addr:              cfg.Metrics.Listen,
			Handler:           api.MetricsHandler(promRegistry, cfg.Metrics.AdminTokenHash, logger),
			ReadHeaderTimeout: 10 * time.Second,
		}
	}

	// Serve until a shutdown signal or server failure.
	shutdownCh := make(chan os.Signal, 1)
	signal.Notify(shutdownCh, syscall.SIGINT, syscall.SIGTERM)

	var group errgroup.Group
	group.Go(srv.Start)
	if metricsServer != nil {
		group.Go(func() error {
			logger.Info("metrics server listening", slog.String("addr", cfg.Metrics.Listen))
			if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				return fmt.Errorf("metrics server: %w", err)
			}
			return nil
		})
	}

	errCh := make(chan error, 1)
	go func() { errCh <- group.Wait() }()

	select {
	case err := <-errCh:
		if err != nil {
			return err
		}
	case sig := <-shutdownCh:
		logger.Info("shutdown signal received", slog.String("signal", sig.String()))
	}

	// Graceful shutdown: stop accepting requests, drain the actors, stop the
	// workers, then release the external connections via the defers above.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("RPC server shutdown error", slog.String("error", err.Error()))
	}
	if metricsServer != nil {
		if err := metricsServer.Shutdown(shutdownCtx); err != nil {
			logger.Error("metrics server shutdown error", slog.String("error", err.Error()))
		}
	}
	registry.Close()
	workerMgr.Stop()

	logger.Info("cloakroom stopped")
	return nil
}

// workerConfig assembles the background worker configuration from parsed
// retention knobs.
func workerConfig(cfg *config.Config, st *store.Store, db *database.DB, limiter *ratelimit.Limiter, registry *actor.Registry, logger *slog.Logger) (workers.Config, error) {
	sweepInterval, err := cfg.Retention.SweepIntervalParsed()
	if err != nil {
		return workers.Config{}, err
	}
	eventRetention, err := cfg.Retention.EventStreamParsed()
	if err != nil {
		return workers.Config{}, err
	}
	welcomeGrace, err := cfg.Retention.WelcomeGraceParsed()
	if err != nil {
		return workers.Config{}, err
	}
	kpKeep, err := cfg.Retention.KeyPackageParsed()
	if err != nil {
		return workers.Config{}, err
	}
	rejoinTTL, err := cfg.Retention.RejoinRequestParsed()
	if err != nil {
		return workers.Config{}, err
	}
	rlIdle, err := cfg.Retention.RateLimiterIdleParsed()
	if err != nil {
		return workers.Config{}, err
	}
	actorIdle, err := cfg.Retention.ActorIdleParsed()
	if err != nil {
		return workers.Config{}, err
	}

	return workers.Config{
		Store:           st,
		Querier:         db.Pool,
		Logger:          logger,
		RateLimiter:     limiter,
		Actors:          registry,
		SweepInterval:   sweepInterval,
		EventRetention:  eventRetention,
		WelcomeGrace:    welcomeGrace,
		KeyPackageKeep:  kpKeep,
		RejoinTTL:       rejoinTTL,
		RateLimiterIdle: rlIdle,
		ActorIdle:       actorIdle,
	}, nil
}

// runMigrate handles the migrate subcommand with up/down/status operations.
func runMigrate() error {
	logger := setupLogger("info", "text")

	cfg, err := config.Load(configPath())
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	action := "up"
	if len(os.Args) >= 3 {
		action = os.Args[2]
	}

	switch action {
	case "up":
		return database.MigrateUp(cfg.Database.URL, logger)
	case "down":
		return database.MigrateDown(cfg.Database.URL, logger)
	case "status":
		v, dirty, err := database.MigrateStatus(cfg.Database.URL)
		if err != nil {
			return err
		}
		fmt.Printf("Migration version: %d\n", v)
		fmt.Printf("Dirty: %v\n", dirty)
		return nil
	default:
		return fmt.Errorf("unknown migrate action: %s (use: up, down, status)", action)
	}
}

// runVersion prints version information and exits.
func runVersion() {
	fmt.Printf("Cloakroom %s\n", version)
	fmt.Printf("  commit:     %s\n", commit)
	fmt.Printf("  built:      %s\n", buildDate)
}

// configPath returns the config file path from CLOAKROOM_CONFIG_PATH or the
// default "cloakroom.toml".
func configPath() string {
	if p := os.Getenv("CLOAKROOM_CONFIG_PATH"); p != "" {
		return p
	}
	return "cloakroom.toml"
}

// setupLogger creates a slog.Logger with the given level and format.
func setupLogger(level, format string) *slog.Logger {
	var lvl slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: lvl}

	var handler slog.Handler
	switch strings.ToLower(format) {
	case "text":
		handler = slog.NewTextHandler(os.Stdout, opts)
	default:
		handler = slog.NewJSONHandler(os.Stdout, opts)
	}

	return slog.New(handler)
}
