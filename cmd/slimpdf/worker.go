package main

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/yourusername/slimpdf/internal/config"
	"github.com/yourusername/slimpdf/internal/jobs"
)

func newWorkerCmd() *cobra.Command {
	var concurrency int
	var sweep bool
	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Asynq のキューからジョブを取り出して処理します",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := withSignals(cmd.Context())
			defer stop()

			a, err := newApp(ctx)
			if err != nil {
				return err
			}
			defer a.Close()

			if a.cfg.QueueMode != config.QueueModeAsynq {
				a.logger.Warn().Str("queue_mode", a.cfg.QueueMode).Msg("worker started while QUEUE_MODE is not asynq; the API server will not enqueue to it")
			}
			if concurrency <= 0 {
				concurrency = a.cfg.WorkerConcurrency
			}

			opt, err := a.queueOpt()
			if err != nil {
				return err
			}
			worker := jobs.NewQueueWorker(opt, a.manager, concurrency, a.logger)
			if err := worker.Start(); err != nil {
				return err
			}
			if sweep {
				go jobs.NewSweeper(a.manager, a.cfg.SweepInterval()).Run(ctx)
			}

			a.logger.Info().Int("concurrency", concurrency).Msg("worker started")
			<-ctx.Done()
			worker.Shutdown()
			a.logger.Info().Msg("worker stopped")
			return nil
		},
	}
	cmd.Flags().IntVar(&concurrency, "concurrency", 0, "同時処理数（0なら WORKER_CONCURRENCY）")
	cmd.Flags().BoolVar(&sweep, "sweep", false, "このプロセスでも期限切れファイルの掃除を行う")
	return cmd
}

func withSignals(parent context.Context) (context.Context, context.CancelFunc) {
	if parent == nil {
		parent = context.Background()
	}
	return signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
}
