// Package main runs the Plantain server: the schedule API, the alarm service and the actor
// directory in one process.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	_ "net/http/pprof" // #nosec G108 - pprof is isolated to PPROF_PORT
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/muaviaUsmani/plantain/internal/actor"
	"github.com/muaviaUsmani/plantain/internal/alarm"
	"github.com/muaviaUsmani/plantain/internal/api"
	"github.com/muaviaUsmani/plantain/internal/config"
	"github.com/muaviaUsmani/plantain/internal/history"
	"github.com/muaviaUsmani/plantain/internal/logger"
	"github.com/muaviaUsmani/plantain/internal/metrics"
	"github.com/muaviaUsmani/plantain/internal/store"
)

// connectWithRetry attempts to connect to Redis with exponential backoff
func connectWithRetry(ctx context.Context, redisURL string, maxRetries int, log logger.Logger) (*redis.Client, error) {
	var client *redis.Client
	var err error

	for attempt := 0; attempt < maxRetries; attempt++ {
		client, err = store.ConnectRedis(ctx, redisURL)
		if err == nil {
			return client, nil
		}

		// Calculate exponential backoff delay: 2^attempt seconds (max 30 seconds)
		delay := time.Duration(1<<uint(attempt)) * time.Second
		if delay > 30*time.Second {
			delay = 30 * time.Second
		}

		log.Warn("Failed to connect to Redis, retrying",
			"attempt", attempt+1,
			"max_attempts", maxRetries,
			"error", err,
			"retry_in", delay)

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(delay):
		}
	}

	return nil, fmt.Errorf("failed to connect to Redis after %d attempts: %w", maxRetries, err)
}

func needsRedis(cfg *config.Config) bool {
	return cfg.StoreBackend == config.StoreRedis || cfg.AlarmBackend == config.AlarmRedis || cfg.HistoryEnabled
}

func openBackend(cfg *config.Config, client *redis.Client, log logger.Logger) (store.Backend, error) {
	opts := store.Options{MaxPayloadBytes: cfg.MaxPayloadBytes, Logger: log}
	if cfg.StoreBackend == config.StoreSQLite {
		return store.NewSQLiteBackend(cfg.SQLitePath, opts)
	}
	return store.NewRedisBackend(client, opts), nil
}

func main() {
	// Load configuration
	cfg, err := config.LoadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	// Initialize logger
	log, err := logger.NewLogger(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	logger.SetDefault(log)
	metrics.Default().ObserveLogDrops(log.Dropped)

	if err := run(cfg, log); err != nil {
		log.Error("Plantain stopped with error", "error", err)
		_ = log.Close()
		os.Exit(1)
	}
	if err := log.Close(); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to close logger: %v\n", err)
	}
}

func run(cfg *config.Config, log logger.Logger) error {
	appLog := log.WithComponent(logger.ComponentAPI).WithSource(logger.LogSourceInternal)
	appLog.Info("Plantain starting",
		"store_backend", cfg.StoreBackend,
		"alarm_backend", cfg.AlarmBackend,
		"api_port", cfg.APIPort,
		"scheduler_max_retries", cfg.SchedulerMaxRetries,
		"callback_timeout", cfg.CallbackTimeout)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.PprofPort != "" {
		go func() {
			appLog.Info("Starting pprof server", "port", cfg.PprofPort, "url", fmt.Sprintf("http://localhost:%s/debug/pprof/", cfg.PprofPort))
			pprofServer := &http.Server{
				Addr:              ":" + cfg.PprofPort,
				ReadHeaderTimeout: 5 * time.Second,
			}
			if err := pprofServer.ListenAndServe(); err != nil {
				appLog.Error("pprof server failed", "error", err)
			}
		}()
	}

	var client *redis.Client
	if needsRedis(cfg) {
		var err error
		client, err = connectWithRetry(ctx, cfg.RedisURL, 5, appLog)
		if err != nil {
			return err
		}
		defer client.Close()
		appLog.Info("Connected to Redis")
	}

	backend, err := openBackend(cfg, client, log)
	if err != nil {
		return fmt.Errorf("failed to open %s store: %w", cfg.StoreBackend, err)
	}
	defer backend.Close()

	schedOpts, err := cfg.SchedulerOptions()
	if err != nil {
		return err
	}
	var hist history.Store
	if cfg.HistoryEnabled {
		hist = history.NewRedisRecorder(client, cfg.HistoryTTLSuccess, cfg.HistoryTTLFailure)
		schedOpts.Recorder = hist
	}

	collector := metrics.Default()
	alarmOpts := cfg.AlarmOptions()
	alarmOpts.Logger = log
	alarmOpts.Metrics = collector
	dirOpts := actor.Options{
		Scheduler:       schedOpts,
		CallbackTimeout: cfg.CallbackTimeout,
		Logger:          log,
		Metrics:         collector,
	}
	def := demoDefinition()

	g, gctx := errgroup.WithContext(ctx)

	var dir *actor.Directory
	switch cfg.AlarmBackend {
	case config.AlarmLocal:
		svc, err := alarm.NewLocalService(alarmOpts)
		if err != nil {
			return err
		}
		dir = actor.NewDirectory(def, backend, svc, dirOpts)

		// local alarms die with the process; rebuild them from the store
		n, err := dir.RestoreAll(ctx)
		if err != nil {
			appLog.Error("Some actors could not be restored", "error", err)
		}
		appLog.Info("Local alarms restored", "actors", n)

		svc.Start(gctx)
		defer func() {
			if err := svc.Shutdown(); err != nil {
				appLog.Error("Failed to stop alarm service", "error", err)
			}
		}()

	default:
		redisOpts := cfg.RedisAlarmOptions()
		redisOpts.Options = alarmOpts
		svc := alarm.NewRedisService(client, redisOpts)
		dir = actor.NewDirectory(def, backend, svc, dirOpts)
		g.Go(func() error { return svc.Run(gctx) })
	}

	appLog.Info("Actor definition registered", "definition", def.Name(), "callbacks", def.Names())

	if cfg.ActorIdleTimeout > 0 {
		g.Go(func() error {
			return dir.RunEviction(gctx, cfg.ActorIdleTimeout/2, cfg.ActorIdleTimeout)
		})
	}

	server := &http.Server{
		Addr: ":" + cfg.APIPort,
		Handler: api.NewServer(dir, api.Options{
			History: hist,
			Metrics: collector,
			Health:  backend.Ping,
			Logger:  log,
		}),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      45 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	g.Go(func() error {
		appLog.Info("API server listening", "address", server.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("API server failed: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		appLog.Info("Shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		return err
	}
	appLog.Info("Plantain shut down successfully")
	return nil
}
