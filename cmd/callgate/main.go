// Command callgate serves the CALL dispatch protocol: a single POST
// /call entrypoint in front of the lending catalogue, plus the token,
// polling, chunk, discovery and stream endpoints around it.
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"github.com/openshelf/callgate/pkg/auth"
	"github.com/openshelf/callgate/pkg/config"
	"github.com/openshelf/callgate/pkg/dispatch"
	"github.com/openshelf/callgate/pkg/library"
	"github.com/openshelf/callgate/pkg/observability"
	"github.com/openshelf/callgate/pkg/ops"
	"github.com/openshelf/callgate/pkg/registry"
	"github.com/openshelf/callgate/pkg/schema"
	"github.com/openshelf/callgate/pkg/stream"
	"github.com/openshelf/callgate/pkg/transport"
)

const idempotencyTTL = 24 * time.Hour

func main() {
	// Missing .env is fine; the environment wins either way.
	_ = godotenv.Load()

	cfg := config.Load()
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: parseLogLevel(cfg.LogLevel),
	}))
	slog.SetDefault(logger)

	if err := run(cfg, logger); err != nil {
		logger.Error("server exited", "error", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	obsCfg := observability.DefaultConfig()
	obsCfg.Enabled = cfg.TelemetryEnabled
	obsCfg.OTLPEndpoint = cfg.OTLPEndpoint
	obs, err := observability.New(ctx, obsCfg)
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = obs.Shutdown(shutdownCtx)
	}()

	lib, err := library.Open(cfg.DatabasePath)
	if err != nil {
		return err
	}
	defer func() { _ = lib.Close() }()
	if err := lib.Seed(ctx); err != nil {
		return err
	}

	descriptors, err := library.Descriptors()
	if err != nil {
		return err
	}
	reg, err := registry.New(library.CallVersion, descriptors)
	if err != nil {
		return err
	}
	validator, err := schema.New(reg)
	if err != nil {
		return err
	}

	tokens := auth.NewStore(lib, cfg.TokenTTL)
	defer tokens.Close()

	opsStore := ops.NewStore(ops.WithPollInterval(cfg.PollInterval))
	defer opsStore.Close()
	pool := ops.NewPool(cfg.WorkerPoolSize)
	defer pool.Close()

	idem := newIdempotencyStore(cfg, logger)

	alloc := stream.NewAllocator([]byte(cfg.StreamSecret), cfg.TokenTTL)
	feed := library.NewFeed()
	handlers := library.Handlers(lib, feed, alloc)

	dispatcher := dispatch.New(reg, validator, tokens, opsStore, pool, handlers, idem,
		dispatch.WithObservability(obs))

	server := transport.New(dispatcher, tokens, opsStore, reg,
		stream.Handler(alloc, feed),
		transport.NewIPRateLimiter(cfg.AuthRateRPS, cfg.AuthRateBurst))

	httpServer := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           server.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("callgate listening", "port", cfg.Port, "callVersion", library.CallVersion)
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return httpServer.Shutdown(shutdownCtx)
}

// newIdempotencyStore picks the replay cache backend: Redis when
// REDIS_ADDR is set, in-process memory otherwise.
func newIdempotencyStore(cfg *config.Config, logger *slog.Logger) dispatch.IdempotencyStore {
	if cfg.RedisAddr == "" {
		return dispatch.NewMemoryIdempotencyStore(idempotencyTTL)
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
	})
	logger.Info("idempotency store backed by redis", "addr", cfg.RedisAddr)
	return dispatch.NewRedisIdempotencyStore(client, idempotencyTTL)
}

func parseLogLevel(level string) slog.Level {
	switch strings.ToUpper(level) {
	case "DEBUG":
		return slog.LevelDebug
	case "WARN":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
