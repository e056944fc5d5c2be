package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	appcfg "github.com/park285/match-engine/internal/config"
	"github.com/park285/match-engine/internal/archive"
	"github.com/park285/match-engine/internal/guard"
	"github.com/park285/match-engine/internal/httpapi"
	"github.com/park285/match-engine/internal/lifecycle"
	"github.com/park285/match-engine/internal/msgcat"
	"github.com/park285/match-engine/internal/obslog"
	"github.com/park285/match-engine/internal/reconcile"
	"github.com/park285/match-engine/internal/stats"
	"github.com/park285/match-engine/internal/store"
	"go.uber.org/zap"
)

func main() {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.Printf(".env load error: %v", err)
	}
	cfg, err := appcfg.Load()
	if err != nil {
		log.Fatalf("config error: %v", err)
	}
	if err := obslog.Init(cfg.Log); err != nil {
		log.Fatalf("logger init error: %v", err)
	}
	defer obslog.Sync()
	logger := obslog.L()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	rdb, err := store.Dial(ctx, cfg.RedisURL)
	cancel()
	if err != nil {
		logger.Fatal("redis_connect_failed", zap.Error(err))
	}
	defer func() { _ = rdb.Close() }()

	matches := store.NewRedisStore(rdb)
	active := guard.New(matches)
	engine := stats.NewEngine(rdb, stats.WithCacheTTL(cfg.RankingCacheTTL))

	opts := []lifecycle.Option{lifecycle.WithRetries(cfg.CommitRetries)}
	if cfg.DatabaseURL != "" {
		actx, acancel := context.WithTimeout(context.Background(), 10*time.Second)
		repo, err := archive.Open(actx, cfg.DatabaseURL)
		if err == nil {
			err = repo.EnsureSchema(actx)
		}
		acancel()
		if err != nil {
			logger.Fatal("archive_init_failed", zap.Error(err))
		}
		defer func() { _ = repo.Close() }()
		opts = append(opts, lifecycle.WithArchive(repo))
	} else {
		logger.Info("archive_disabled")
	}
	ctl := lifecycle.New(matches, active, engine, opts...)

	msgs, err := msgcat.New(cfg.MessagesDir)
	if err != nil {
		logger.Fatal("messages_load_failed", zap.Error(err))
	}

	job := reconcile.New(matches, active, ctl, engine, cfg.ReconcileInterval)
	if err := job.Start(); err != nil {
		logger.Fatal("reconcile_start_failed", zap.Error(err))
	}

	srv := httpapi.New(ctl, engine, msgs, httpapi.WithHealth(func(ctx context.Context) error {
		return rdb.Ping(ctx).Err()
	}))
	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe(cfg.HTTPAddr, cfg.ReadTimeout, cfg.WriteTimeout) }()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-sigCh:
		logger.Info("shutdown", zap.String("signal", sig.String()))
	case err := <-errCh:
		logger.Error("http_server_stopped", zap.Error(err))
	}

	_ = job.Stop()
	sctx, scancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer scancel()
	if err := srv.Shutdown(sctx); err != nil {
		logger.Warn("http_shutdown_error", zap.Error(err))
	}
}
