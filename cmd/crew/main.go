package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/nidhogg/nuka-crew/internal/api"
	"github.com/nidhogg/nuka-crew/internal/batch"
	"github.com/nidhogg/nuka-crew/internal/bus"
	"github.com/nidhogg/nuka-crew/internal/config"
	"github.com/nidhogg/nuka-crew/internal/guard"
	"github.com/nidhogg/nuka-crew/internal/notify"
	"github.com/nidhogg/nuka-crew/internal/orchestrator"
	"github.com/nidhogg/nuka-crew/internal/reasoning"
	"github.com/nidhogg/nuka-crew/internal/store"
	"github.com/nidhogg/nuka-crew/internal/team"
	"github.com/nidhogg/nuka-crew/internal/worklist"
)

// runStore is everything the service needs from persistence.
type runStore interface {
	batch.Persistence
	api.RunLog
	orchestrator.RunLog
}

func main() {
	_ = godotenv.Load()

	cfgPath := os.Getenv("CONFIG_PATH")
	if cfgPath == "" {
		cfgPath = "configs/crew.json"
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config %s: %v\n", cfgPath, err)
		os.Exit(1)
	}

	logger := newLogger(cfg.Server.LogLevel)
	defer logger.Sync()
	logger.Info("Starting Nuka Crew...", zap.String("config", cfgPath))

	ctx := context.Background()

	// Persistence
	var runs runStore
	var pg *store.Store
	if cfg.Database.Postgres.DSN != "" {
		pg, err = store.New(ctx, cfg.Database.Postgres.DSN, logger)
		if err != nil {
			logger.Fatal("PostgreSQL unavailable", zap.Error(err))
		}
		if err := pg.Migrate(ctx, cfg.Database.Postgres.MigrationsDir); err != nil {
			logger.Fatal("migration failed", zap.Error(err))
		}
		runs = pg
	} else {
		logger.Warn("No PostgreSQL DSN, run history is kept in memory")
		runs = store.NewMemory()
	}

	// Redis backs the bus mirror and the distributed cycle lock.
	var rdb *redis.Client
	if cfg.Database.Redis.URL != "" {
		opts, err := redis.ParseURL(cfg.Database.Redis.URL)
		if err != nil {
			logger.Fatal("invalid redis url", zap.Error(err))
		}
		rdb = redis.NewClient(opts)
		if err := rdb.Ping(ctx).Err(); err != nil {
			logger.Fatal("Redis unavailable", zap.Error(err))
		}
	}

	// Reasoning providers
	providers := reasoning.NewRegistry(logger)
	for _, pc := range cfg.Providers {
		if pc.APIKey == "" {
			logger.Warn("Provider has no api key, skipped", zap.String("id", pc.ID))
			continue
		}
		providers.Register(reasoning.NewClient(pc.ID, pc.Endpoint, pc.APIKey, pc.Model, logger))
	}
	if providers.Len() == 0 {
		logger.Warn("No reasoning providers configured, workers are scripted")
	}

	// Teams
	teams := team.NewConfigManager(cfg.TeamsFile, logger)
	reasoning.RegisterFactories(teams, providers)
	if err := teams.Load(); err != nil {
		logger.Fatal("failed to load teams", zap.Error(err))
	}

	// Bus, host, coordinator, engine
	msgBus := bus.New(logger)
	var mirror *bus.RedisMirror
	if rdb != nil && cfg.Database.Redis.MirrorBus {
		mirror = bus.NewRedisMirrorFromClient(rdb, 1000, logger)
		msgBus.SetMirror(mirror)
	}
	board := bus.NewStatusBoard()
	g := guard.New(guard.Options{
		Window:    cfg.Guard.Window,
		PrefixLen: cfg.Guard.PrefixLen,
		MaxSteps:  cfg.Guard.MaxSteps,
		Timeout:   cfg.Guard.Timeout(),
	}, logger)
	host := orchestrator.NewHost(teams, g, msgBus, board, len(teams.Teams()), logger)
	host.Serve()
	coord := orchestrator.NewCoordinator("coordinator", msgBus, teams, logger)
	engine := orchestrator.NewWorkflowEngine(teams, coord, host, runs, logger)
	if cfg.WorkflowTimeoutSeconds > 0 {
		engine.SetTimeout(time.Duration(cfg.WorkflowTimeoutSeconds) * time.Second)
	}
	msgBus.Start()

	// Worklist
	var source worklist.Source
	switch cfg.Worklist.Type {
	case "notion":
		source = worklist.NewNotion(cfg.Worklist.Endpoint, cfg.Worklist.APIKey, cfg.Worklist.Version, logger)
	default:
		logger.Warn("Using in-memory worklist")
		source = worklist.NewMemory()
	}

	// Notifications
	broadcaster := notify.NewBroadcaster(logger)
	if sc := cfg.Notify.Slack; sc.Enabled {
		broadcaster.Register(notify.NewSlack(sc.BotToken, sc.Channel, logger))
	}
	if dc := cfg.Notify.Discord; dc.Enabled {
		d, err := notify.NewDiscord(dc.BotToken, dc.ChannelID, logger)
		if err != nil {
			logger.Warn("Discord notifier disabled", zap.Error(err))
		} else {
			broadcaster.Register(d)
		}
	}

	// Batch scheduler
	var lock batch.CycleLock = batch.NewLocalLock()
	if cfg.Batch.LockBackend == "redis" {
		// The TTL covers a full cycle of timed-out items.
		ttl := time.Duration(cfg.Batch.BatchSize)*cfg.Batch.RunTimeout() + time.Minute
		lock = batch.NewRedisLock(rdb, ttl, logger)
	}
	sched := batch.NewScheduler(batch.OptionsFromConfig(cfg.Batch), runs, source, engine, lock, logger)
	sched.SetNotifier(broadcaster)

	// HTTP
	var history api.BusHistory
	if mirror != nil {
		history = mirror
	}
	handler := api.NewHandler(sched, engine, runs, teams, host, history, broadcaster, logger)

	port := fmt.Sprintf("%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:              ":" + port,
		Handler:           handler.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("Nuka Crew listening", zap.String("port", port))
		if err := srv.ListenAndServe(); err != http.ErrServerClosed {
			logger.Fatal("server error", zap.Error(err))
		}
	}()

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down Nuka Crew...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	srv.Shutdown(shutdownCtx)
	sched.Shutdown(shutdownCtx)
	coord.Close()
	if err := msgBus.Stop(shutdownCtx); err != nil {
		logger.Warn("bus did not drain", zap.Error(err))
	}
	host.Close()
	if rdb != nil {
		rdb.Close()
	}
	if pg != nil {
		pg.Close()
	}
	logger.Info("Nuka Crew stopped")
}

func newLogger(level string) *zap.Logger {
	var logger *zap.Logger
	if level == "" || level == "debug" {
		logger, _ = zap.NewDevelopment()
	} else {
		cfg := zap.NewProductionConfig()
		if lvl, err := zap.ParseAtomicLevel(level); err == nil {
			cfg.Level = lvl
		}
		logger, _ = cfg.Build()
	}
	return logger
}
