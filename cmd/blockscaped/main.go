// Command blockscaped is the realtime session daemon: it terminates
// WebSocket connections for collaborative build sessions, fans out scene
// and presence deltas, and reconciles session state with durable storage.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/redis/go-redis/v9"

	"github.com/MarcinPlaza1/block-scape-sub003/internal/broker"
	brokermem "github.com/MarcinPlaza1/block-scape-sub003/internal/broker/memory"
	brokerredis "github.com/MarcinPlaza1/block-scape-sub003/internal/broker/redis"
	"github.com/MarcinPlaza1/block-scape-sub003/internal/config"
	"github.com/MarcinPlaza1/block-scape-sub003/internal/janitor"
	"github.com/MarcinPlaza1/block-scape-sub003/internal/logctx"
	"github.com/MarcinPlaza1/block-scape-sub003/internal/realtime"
	"github.com/MarcinPlaza1/block-scape-sub003/internal/store"
	storemem "github.com/MarcinPlaza1/block-scape-sub003/internal/store/memory"
	storepg "github.com/MarcinPlaza1/block-scape-sub003/internal/store/postgres"
	"github.com/MarcinPlaza1/block-scape-sub003/internal/tokenauth"
)

func main() {
	if err := run(); err != nil {
		slog.Error("daemon exited", "err", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	log := newLogger(cfg)
	slog.SetDefault(log)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	gw, err := newGateway(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer gw.Close()

	brk, err := newBroker(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer brk.Close()

	verifier := tokenauth.NewVerifier([]byte(cfg.TokenSecret), gw)

	router, err := realtime.NewRouter(realtime.Config{
		AuthTimeout:        cfg.AuthTimeout,
		SendQueueLen:       cfg.SendQueueLen,
		MaxConnsPerUser:    cfg.MaxConnsPerUser,
		PresenceSampleRate: cfg.PresenceSampleRate,
		Limits:             realtime.DefaultConfig().Limits,
	}, verifier, gw, brk, realtime.WithLogger(log))
	if err != nil {
		return fmt.Errorf("router: %w", err)
	}
	defer router.Close()

	jan := janitor.New(gw, router.Directory(), cfg.JanitorInterval, cfg.SessionStaleAfter, log)
	go jan.Run(ctx)

	m := mux.NewRouter()
	m.Handle("/ws", router)
	m.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	}).Methods(http.MethodGet)
	m.HandleFunc("/diagnostics", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(router.Snapshot())
	}).Methods(http.MethodGet)

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           m,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("listening", "addr", cfg.Addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}

func newLogger(cfg *config.Config) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.LogLevel)); err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	var inner slog.Handler
	if cfg.LogJSON {
		inner = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		inner = slog.NewTextHandler(os.Stderr, opts)
	}
	return slog.New(logctx.Handler{Handler: inner})
}

func newGateway(ctx context.Context, cfg *config.Config, log *slog.Logger) (store.Gateway, error) {
	if cfg.DatabaseURL == "" {
		log.Warn("no database configured, session records are process-local")
		return storemem.New(), nil
	}
	gw, err := storepg.New(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("postgres store: %w", err)
	}
	log.Info("connected to postgres store")
	return gw, nil
}

func newBroker(ctx context.Context, cfg *config.Config, log *slog.Logger) (broker.Broker, error) {
	if cfg.RedisAddr == "" {
		log.Info("no redis configured, running single-node fan-out")
		return brokermem.New(), nil
	}
	client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, errors.Join(fmt.Errorf("redis broker at %s unreachable", cfg.RedisAddr), err)
	}
	log.Info("connected to redis broker", "addr", cfg.RedisAddr)
	return brokerredis.New(brokerredis.Config{Client: client, Logger: log}), nil
}
