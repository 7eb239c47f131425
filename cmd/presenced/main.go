// presenced ingests agent lifecycle hooks, tracks each agent's presence
// status and pushes status changes to websocket clients and, optionally,
// Redis pub/sub.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/pflag"

	"go-agent-presence/internal/agentlock"
	"go-agent-presence/internal/blackboard"
	"go-agent-presence/internal/config"
	"go-agent-presence/internal/eventbus"
	"go-agent-presence/internal/fsm"
	"go-agent-presence/internal/heartbeat"
	"go-agent-presence/internal/notify"
	"go-agent-presence/internal/pipeline"
	"go-agent-presence/internal/server"
	"go-agent-presence/internal/storage"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var configPath, addr, dbPath, logLevel, redisAddr string

	flagSet := pflag.NewFlagSet("presenced", pflag.ContinueOnError)
	flagSet.StringVar(&configPath, "config", "", "path to YAML config file (default: $PRESENCE_CONFIG)")
	flagSet.StringVar(&addr, "addr", "", "listen address, overrides server.host and server.port")
	flagSet.StringVar(&dbPath, "db", "", "SQLite database path, overrides storage.path")
	flagSet.StringVar(&logLevel, "log-level", "", "log level: debug, info, warn, error")
	flagSet.StringVar(&redisAddr, "redis", "", "Redis address for notification fan-out")
	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}

	var (
		cfg *config.Config
		err error
	)
	if configPath != "" {
		cfg, err = config.LoadFile(configPath)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		return err
	}
	if dbPath != "" {
		cfg.Storage.Path = dbPath
	}
	if logLevel != "" {
		cfg.Log.Level = logLevel
	}
	if redisAddr != "" {
		cfg.Notify.RedisAddr = redisAddr
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	listen := cfg.Addr()
	if addr != "" {
		listen = addr
	}

	logger := newLogger(cfg.Log)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := os.MkdirAll(filepath.Dir(cfg.Storage.Path), 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}
	db, err := storage.NewDB(cfg.Storage.Path)
	if err != nil {
		return err
	}
	defer db.Close()

	machine := fsm.New(cfg.Machine(), logger.With("component", "fsm"))
	if err := machine.ValidateTransitions(); err != nil {
		return fmt.Errorf("transition table: %w", err)
	}

	hub := notify.NewHub(cfg.Notify.WebsocketBuffer, logger.With("component", "hub"))
	sinks := notify.Multi{hub}
	var presence server.Board
	if cfg.Notify.RedisAddr != "" {
		bus := eventbus.NewRedisBus(&redis.Options{Addr: cfg.Notify.RedisAddr}, logger.With("component", "eventbus"))
		defer bus.Close()

		// The hub is fed back from the bus so every instance sharing Redis
		// delivers every instance's notifications exactly once.
		relay := notify.NewRelay(bus, cfg.Notify.TopicPrefix, hub, logger.With("component", "relay"))
		if err := relay.Start(ctx); err != nil {
			logger.Warn("redis unavailable at startup, delivering to local clients only",
				"addr", cfg.Notify.RedisAddr, "error", err)
		} else {
			defer func() {
				stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				if err := relay.Stop(stopCtx); err != nil {
					logger.Warn("relay stop failed", "error", err)
				}
			}()
			sinks = notify.Multi{}
		}
		sinks = append(sinks, notify.NewBusSink(bus, cfg.Notify.TopicPrefix))

		board := blackboard.NewRedisStore(&redis.Options{Addr: cfg.Notify.RedisAddr}, cfg.Notify.TopicPrefix,
			logger.With("component", "blackboard"))
		defer board.Close()
		sinks = append(sinks, blackboard.NewMirror(board, cfg.BoardTTL()))
		presence = board
	}

	locks := agentlock.New()
	pipe := pipeline.New(db, machine, sinks, locks, logger.With("component", "pipeline"))
	scheduler := heartbeat.New(db, machine, sinks, locks, cfg.HeartbeatInterval(), logger.With("component", "heartbeat"))
	scheduler.SetStaleSessionAfter(cfg.StaleSessionAfter())

	srv := server.New(pipe, db, hub, server.Options{
		AuthToken:           cfg.Server.AuthToken,
		IngestRatePerMinute: cfg.Server.IngestRatePerMinute,
		RecentEventsLimit:   cfg.Resume.RecentEventsLimit,
		Board:               presence,
	}, logger.With("component", "server"))
	httpServer := &http.Server{
		Addr:              listen,
		Handler:           srv,
		ReadHeaderTimeout: 10 * time.Second,
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		scheduler.Run(ctx)
	}()

	errCh := make(chan error, 1)
	go func() {
		logger.Info("presenced listening", "addr", listen, "db", cfg.Storage.Path)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case err := <-errCh:
		if err != nil {
			stop()
			wg.Wait()
			return fmt.Errorf("http server: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("http shutdown failed", "error", err)
	}
	stop()
	wg.Wait()
	return nil
}

func newLogger(cfg config.LogConfig) *slog.Logger {
	var level slog.Level
	switch strings.ToLower(cfg.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if cfg.Format == "json" {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}
