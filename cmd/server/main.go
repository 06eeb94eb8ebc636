// Command server runs the relationship-based authorization engine's HTTP
// API: Check, Write, Read, and BatchCheck against a configurable tuple
// store and cache backend.
package main

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/relatehq/engine/pkg/api"
	"github.com/relatehq/engine/pkg/cache"
	"github.com/relatehq/engine/pkg/checker"
	"github.com/relatehq/engine/pkg/config"
	"github.com/relatehq/engine/pkg/hierarchy"
	"github.com/relatehq/engine/pkg/store"
	"github.com/relatehq/engine/pkg/zookie"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"
)

func main() {
	os.Exit(Run(os.Args, os.Stdout, os.Stderr))
}

// runServer is a variable so tests can stub it out, matching the
// teacher's cmd/helm/main.go pattern.
var runServer = startServer

// Run is the entrypoint used by both main() and tests.
func Run(args []string, stdout, stderr io.Writer) int {
	if len(args) < 2 {
		return runServer(stdout, stderr)
	}
	switch args[1] {
	case "server", "serve", "":
		return runServer(stdout, stderr)
	case "health":
		return runHealthCheck(stdout, stderr)
	case "help", "--help", "-h":
		fmt.Fprintln(stdout, "Usage: server [serve|health]")
		return 0
	default:
		fmt.Fprintf(stderr, "unknown command: %s\n", args[1])
		return 2
	}
}

func runHealthCheck(stdout, stderr io.Writer) int {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 1
	}
	resp, err := http.Get(fmt.Sprintf("http://localhost:%s/health", cfg.Port))
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 1
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		fmt.Fprintf(stderr, "unhealthy: status %d\n", resp.StatusCode)
		return 1
	}
	fmt.Fprintln(stdout, "ok")
	return 0
}

func startServer(stdout, stderr io.Writer) int {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 1
	}

	logger := slog.New(slog.NewJSONHandler(stdout, &slog.HandlerOptions{Level: parseLevel(cfg.LogLevel)}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	tupleStore, closeStore, err := openStore(ctx, cfg)
	if err != nil {
		logger.Error("failed to initialize tuple store", "error", err)
		return 1
	}
	defer closeStore()

	cacheImpl, closeCache, err := openCache(cfg)
	if err != nil {
		logger.Error("failed to initialize cache", "error", err)
		return 1
	}
	defer closeCache()

	chain := hierarchy.Default()
	if cfg.HierarchyOverridePath != "" {
		chain, err = hierarchy.LoadFromFile(cfg.HierarchyOverridePath)
		if err != nil {
			logger.Error("failed to load hierarchy override", "error", err)
			return 1
		}
	}

	chk := checker.New(tupleStore, chain, cacheImpl, cfg.CheckDepthLimit, logger)
	zookies := zookie.NewManager()
	srv := api.NewServer(tupleStore, chk, zookies, cacheImpl, nil, logger)
	srv.RequestTimeout = cfg.RequestTimeout
	limiter := api.NewGlobalRateLimiter(50, 100)

	httpServer := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      srv.Routes(limiter),
		ReadTimeout:  cfg.RequestTimeout,
		WriteTimeout: cfg.RequestTimeout * 2,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("authorization engine listening", "addr", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case err := <-errCh:
		logger.Error("server error", "error", err)
		return 1
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown failed", "error", err)
		return 1
	}
	return 0
}

func parseLevel(level string) slog.Level {
	var l slog.Level
	if err := l.UnmarshalText([]byte(level)); err != nil {
		return slog.LevelInfo
	}
	return l
}

// openStore selects the TupleStore backend named by cfg.StorageDriver.
func openStore(ctx context.Context, cfg *config.Config) (store.TupleStore, func(), error) {
	switch cfg.StorageDriver {
	case "", "memory":
		return store.NewMemoryStore(), func() {}, nil
	case "postgres":
		db, err := sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			return nil, nil, fmt.Errorf("open postgres: %w", err)
		}
		pg := store.NewPostgresStore(db)
		if err := pg.Init(ctx); err != nil {
			_ = db.Close()
			return nil, nil, err
		}
		return pg, func() { _ = db.Close() }, nil
	case "sqlite":
		path := cfg.DatabaseURL
		if path == "" {
			path = ":memory:"
		}
		db, err := sql.Open("sqlite", path)
		if err != nil {
			return nil, nil, fmt.Errorf("open sqlite: %w", err)
		}
		lite, err := store.NewSQLiteStore(db)
		if err != nil {
			_ = db.Close()
			return nil, nil, err
		}
		return lite, func() { _ = db.Close() }, nil
	default:
		return nil, nil, fmt.Errorf("unknown STORAGE_DRIVER %q", cfg.StorageDriver)
	}
}

// openCache selects the Cache backend named by cfg.CacheDriver.
func openCache(cfg *config.Config) (cache.Cache, func(), error) {
	switch cfg.CacheDriver {
	case "", "memory":
		return cache.NewMemoryStore(cfg.CacheTTL), func() {}, nil
	case "redis":
		client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPass, DB: cfg.RedisDB})
		return cache.NewRedisStore(client, cfg.CacheTTL), func() { _ = client.Close() }, nil
	case "none":
		return nil, func() {}, nil
	default:
		return nil, nil, fmt.Errorf("unknown CACHE_DRIVER %q", cfg.CacheDriver)
	}
}
