package main

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"

	"github.com/yourusername/slimpdf/internal/api"
	"github.com/yourusername/slimpdf/internal/auth"
	"github.com/yourusername/slimpdf/internal/config"
	"github.com/yourusername/slimpdf/internal/jobs"
	"github.com/yourusername/slimpdf/internal/pdf"
)

const (
	shutdownTimeout    = 30 * time.Second
	maxMultipartMemory = 32 << 20
	localQueueSize     = 256
)

func newServeCmd() *cobra.Command {
	var noSweep bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "APIサーバーを起動します（QUEUE_MODE=local ならワーカーも同じプロセスで動かします）",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), !noSweep)
		},
	}
	cmd.Flags().BoolVar(&noSweep, "no-sweep", false, "期限切れファイルの定期掃除を行わない")
	return cmd
}

func runServe(parent context.Context, sweep bool) error {
	ctx, stop := withSignals(parent)
	defer stop()

	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()
	cfg := a.cfg
	logger := a.logger

	gin.SetMode(cfg.GinMode)

	// ワーカーは HTTP より後に止めるので別の ctx で動かす
	workerCtx, cancelWorkers := context.WithCancel(context.Background())
	defer cancelWorkers()

	var stopWorkers func()
	switch cfg.QueueMode {
	case config.QueueModeAsynq:
		opt, err := a.queueOpt()
		if err != nil {
			return err
		}
		scheduler := jobs.NewQueueScheduler(opt, taskTimeout(cfg))
		defer scheduler.Close()
		a.manager.SetScheduler(scheduler)
		stopWorkers = func() {}
		logger.Info().Msg("jobs are enqueued to asynq; run `slimpdf worker` to process them")
	default:
		pool := jobs.NewLocalPool(a.manager, cfg.WorkerConcurrency, localQueueSize, logger)
		pool.Start(workerCtx)
		a.manager.SetScheduler(pool)
		stopWorkers = pool.Stop
	}

	if sweep {
		go jobs.NewSweeper(a.manager, cfg.SweepInterval()).Run(workerCtx)
	}

	handler := api.NewHandler(a.manager, a.limiter, logger)
	router := api.NewRouter(api.RouterConfig{
		Handler:            handler,
		Identify:           auth.NewManager(cfg).Identify(),
		CORSAllowedOrigins: cfg.CORSAllowedOrigins,
		MaxMultipartMemory: maxMultipartMemory,
		Logger:             logger,
	})

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info().Str("addr", srv.Addr).Str("mode", cfg.GinMode).Str("queue", cfg.QueueMode).Msg("starting API server")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		logger.Info().Msg("shutting down")
	case err := <-errCh:
		if err != nil {
			cancelWorkers()
			stopWorkers()
			return err
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("http server shutdown failed")
	}

	// 受付を止めてから、キューに残ったジョブを処理し終えるのを待つ
	stopWorkers()
	cancelWorkers()
	logger.Info().Msg("server stopped")
	return nil
}

// taskTimeout は目標サイズ指定でティアを全部試した場合に収まる長さです。
func taskTimeout(cfg *config.Config) time.Duration {
	return cfg.AdapterTimeout() * time.Duration(len(pdf.Tiers)+1)
}
