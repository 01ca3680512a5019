package main

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"os/signal"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/spf13/pflag"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/t77yq/ping-scheduler/internal/config"
	"github.com/t77yq/ping-scheduler/internal/executor"
	"github.com/t77yq/ping-scheduler/internal/handler"
	"github.com/t77yq/ping-scheduler/internal/monitor"
	"github.com/t77yq/ping-scheduler/internal/scheduler"
	"github.com/t77yq/ping-scheduler/internal/server"
	"github.com/t77yq/ping-scheduler/internal/service"
	"github.com/t77yq/ping-scheduler/internal/storage"
)

func main() {
	configPath := pflag.StringP("config", "c", "", "path to the configuration file")
	pflag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	logger, err := newLogger(cfg.Log)
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}
	defer logger.Sync()

	if err := run(cfg, logger); err != nil {
		logger.Fatal("Scheduler exited with error", zap.Error(err))
	}
}

func newLogger(cfg config.LogConfig) (*zap.Logger, error) {
	zcfg := zap.NewProductionConfig()
	if cfg.Development {
		zcfg = zap.NewDevelopmentConfig()
	}
	if cfg.Level != "" {
		level, err := zapcore.ParseLevel(cfg.Level)
		if err != nil {
			return nil, fmt.Errorf("invalid log level %q: %w", cfg.Level, err)
		}
		zcfg.Level = zap.NewAtomicLevelAt(level)
	}
	return zcfg.Build()
}

func run(cfg *config.Config, logger *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger = logger.With(zap.String("app", cfg.App.Name))

	loc, err := cfg.Scheduler.Location()
	if err != nil {
		return err
	}

	// Storage
	var (
		stats     storage.TaskStatStore
		dataDB    *sql.DB
		historyDB *sql.DB
	)
	switch cfg.Storage.Driver {
	case config.StorageDriverSQLite:
		db, err := storage.OpenSQLite(cfg.Storage.Path)
		if err != nil {
			return err
		}

		sqliteStats, err := storage.NewSQLiteStatStore(db, logger, cfg.Storage.AutoMigrate)
		if err != nil {
			db.Close()
			return err
		}
		stats = sqliteStats
		dataDB = db
		historyDB = db
	default:
		stats = storage.NewMemoryStatStore()
	}
	// closes the sqlite database as well
	defer stats.Close()

	var history storage.TaskHistoryStorage
	if cfg.History.Enabled {
		if historyDB == nil {
			db, err := storage.OpenSQLite(":memory:")
			if err != nil {
				return err
			}
			defer db.Close()
			historyDB = db
		}
		h, err := storage.NewSQLiteTaskHistory(historyDB, logger)
		if err != nil {
			return err
		}
		history = h
	}

	// Result publishing
	execOpts := []executor.Option{}
	if history != nil {
		execOpts = append(execOpts, executor.WithHistory(history))
	}

	var statsPublisher monitor.StatsPublisher
	if cfg.NATS.URL != "" {
		nc, js, err := service.Connect(cfg.NATS, logger)
		if err != nil {
			return err
		}
		defer drain(nc, logger)

		publisher := service.NewResultPublisher(js, cfg.NATS.Stream, cfg.NATS.SubjectPrefix, logger)
		if err := publisher.EnsureStream(ctx); err != nil {
			return err
		}
		execOpts = append(execOpts, executor.WithPublisher(publisher))
		statsPublisher = publisher

		logger.Info("Publishing results to NATS",
			zap.String("url", nc.ConnectedUrl()),
			zap.String("stream", cfg.NATS.Stream))
	}

	// Tasks
	exec := executor.NewExecutor(stats, logger, execOpts...)
	registry := scheduler.NewRegistry(exec, stats, scheduler.Config{
		DefaultPeriod:  cfg.Scheduler.DefaultPeriod,
		MaxConcurrency: cfg.Scheduler.MaxConcurrency,
		Location:       loc,
	}, logger)

	if err := registerTasks(registry, cfg, dataDB, history, logger); err != nil {
		return err
	}
	registry.Seal()

	if ok, err := registry.StoreAvailable(ctx); err != nil || !ok {
		logger.Warn("Task stats table is missing, pings will fail until it is migrated",
			zap.Bool("auto_migrate", cfg.Storage.AutoMigrate),
			zap.Error(err))
	}

	// Host monitoring
	var hostStats server.HostStatsSource
	if cfg.Monitor.Enabled {
		collector := monitor.NewMetricsCollector(cfg.Monitor.Interval, statsPublisher, logger)
		collector.Start(ctx)
		defer collector.Stop()
		hostStats = collector
	}

	// HTTP
	srv := server.New(registry, history, hostStats, server.Options{
		Addr:         cfg.Server.Addr,
		APIKey:       cfg.Server.APIKey,
		Disabled:     cfg.Scheduler.Disabled,
		PingTimeout:  cfg.Scheduler.PingTimeout,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}, logger)

	var pinger *scheduler.SelfPinger
	if cfg.SelfPing.Schedule != "" && !cfg.Scheduler.Disabled {
		pinger, err = scheduler.NewSelfPinger(registry, cfg.SelfPing.Schedule, cfg.Scheduler.PingTimeout, logger)
		if err != nil {
			return err
		}
		srv.SetPingReports(pinger)
	}

	if err := srv.Start(); err != nil {
		return err
	}
	if pinger != nil {
		pinger.Start()
		defer pinger.Stop()
	}

	logger.Info("Scheduler started",
		zap.Int("tasks", registry.TaskCount()),
		zap.Strings("task_names", registry.TaskNames()),
		zap.Bool("disabled", cfg.Scheduler.Disabled))

	<-ctx.Done()
	logger.Info("Received shutdown signal")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("Shutdown timeout reached, some requests may not have completed", zap.Error(err))
	}

	logger.Info("Server shutting down gracefully")
	return nil
}

func registerTasks(registry *scheduler.Registry, cfg *config.Config, db *sql.DB, history storage.TaskHistoryStorage, logger *zap.Logger) error {
	factory := handler.NewFactory(logger, db)

	for _, tc := range cfg.Tasks {
		work, err := factory.Build(tc)
		if err != nil {
			return fmt.Errorf("task %q: %w", tc.Name, err)
		}
		err = registry.Register(scheduler.TaskDefinition{
			Name:        tc.Name,
			Description: tc.Description,
			Period:      tc.Period,
			Cron:        tc.Cron,
			Work:        work,
		})
		if err != nil {
			return err
		}
	}

	if history != nil && cfg.History.CleanupCron != "" {
		err := registry.Register(scheduler.TaskDefinition{
			Name:        handler.HistoryCleanupTaskName,
			Description: fmt.Sprintf("Delete execution history older than %s", cfg.History.Retention),
			Cron:        cfg.History.CleanupCron,
			Work:        handler.NewHistoryCleanup(history, cfg.History.Retention, logger),
		})
		if err != nil {
			return err
		}
	}
	return nil
}

func drain(nc *nats.Conn, logger *zap.Logger) {
	if err := nc.Drain(); err != nil {
		logger.Warn("Failed to drain NATS connection", zap.Error(err))
		nc.Close()
		return
	}
	deadline := time.Now().Add(5 * time.Second)
	for !nc.IsClosed() && time.Now().Before(deadline) {
		time.Sleep(50 * time.Millisecond)
	}
}
