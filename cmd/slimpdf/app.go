package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/yourusername/slimpdf/internal/config"
	"github.com/yourusername/slimpdf/internal/jobs"
	"github.com/yourusername/slimpdf/internal/logging"
	"github.com/yourusername/slimpdf/internal/pdf"
	"github.com/yourusername/slimpdf/internal/ratelimit"
	"github.com/yourusername/slimpdf/internal/storage"
	"github.com/yourusername/slimpdf/internal/tier"
)

// app は各コマンドが共有するコンポーネントです。
type app struct {
	cfg      *config.Config
	logger   zerolog.Logger
	rdb      *redis.Client
	registry *storage.Registry
	limiter  *ratelimit.Limiter
	manager  *jobs.Manager
}

// newApp は設定を読み込み、Redis と保存領域とジョブマネージャーを組み立てます。
func newApp(ctx context.Context) (*app, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	logger := logging.Global(logging.Config{
		Level:  cfg.LogLevel,
		Format: cfg.LogFormat,
		Output: cfg.LogOutput,
	})

	redisOpts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid REDIS_URL: %w", err)
	}
	rdb := redis.NewClient(redisOpts)
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	if err := os.MkdirAll(cfg.WorkDir(), 0o755); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("failed to create work dir: %w", err)
	}
	registry, err := storage.OpenRegistry(cfg.RegistryPath)
	if err != nil {
		_ = rdb.Close()
		return nil, err
	}
	files, err := storage.NewManager(cfg.FilesDir(), registry, logger)
	if err != nil {
		_ = registry.Close()
		_ = rdb.Close()
		return nil, err
	}

	policy := tier.NewPolicy(cfg)
	limiter := ratelimit.NewLimiter(ratelimit.NewRedisCounter(rdb), policy, logger)

	pdfcpu := pdf.NewPdfcpu(cfg.AdapterTimeout())
	manager, err := jobs.NewManager(jobs.Deps{
		Store:   jobs.NewStore(rdb, cfg.JobRetention()),
		Files:   files,
		Limiter: limiter,
		Policy:  policy,
		Adapters: jobs.Adapters{
			Compressor: pdf.NewGhostscript(cfg.GhostscriptPath, cfg.AdapterTimeout()),
			Merger:     pdfcpu,
			Images:     pdfcpu,
			Pages:      pdfcpu,
		},
		Logger:   logger,
		WorkDir:  cfg.WorkDir(),
		InputTTL: cfg.InputTTL(),
		BaseURL:  cfg.PublicBaseURL,
	})
	if err != nil {
		_ = registry.Close()
		_ = rdb.Close()
		return nil, err
	}

	return &app{
		cfg:      cfg,
		logger:   logger,
		rdb:      rdb,
		registry: registry,
		limiter:  limiter,
		manager:  manager,
	}, nil
}

// queueOpt は Asynq 用の接続設定です。
func (a *app) queueOpt() (asynq.RedisConnOpt, error) {
	opt, err := asynq.ParseRedisURI(a.cfg.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid REDIS_URL for queue: %w", err)
	}
	return opt, nil
}

func (a *app) Close() error {
	return errors.Join(a.registry.Close(), a.rdb.Close())
}
