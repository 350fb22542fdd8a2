package main

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/yourusername/slimpdf/internal/client"
	"github.com/yourusername/slimpdf/internal/logging"
)

func newWaitCmd() *cobra.Command {
	var (
		server      string
		apiKey      string
		output      string
		maxAttempts int
		verbose     bool
	)
	cmd := &cobra.Command{
		Use:   "wait <job-id>",
		Short: "ジョブが終わるまで状態を確認し、完了したら成果物を保存します",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := withSignals(cmd.Context())
			defer stop()

			level := "warn"
			if verbose {
				level = "debug"
			}
			logger := logging.New(logging.Config{Level: level, Format: "console", Output: "stderr"})

			if apiKey == "" {
				apiKey = os.Getenv("SLIMPDF_API_KEY")
			}
			c := client.New(server, apiKey, 30*time.Second)
			cfg := client.DefaultPollConfig()
			if maxAttempts > 0 {
				cfg.MaxAttempts = maxAttempts
			}

			jobID := args[0]
			status, err := client.NewPoller(c, cfg, logger).Wait(ctx, jobID)
			if err != nil {
				return describeWaitError(err)
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "job %s completed\n", status.JobID)
			if status.OriginalSize != nil && status.OutputSize != nil {
				fmt.Fprintf(out, "  size: %d -> %d bytes", *status.OriginalSize, *status.OutputSize)
				if status.ReductionPercent != nil {
					fmt.Fprintf(out, " (%.1f%% smaller)", *status.ReductionPercent)
				}
				fmt.Fprintln(out)
			}
			if output == "" {
				if status.DownloadURL != nil {
					fmt.Fprintf(out, "  download: %s\n", *status.DownloadURL)
				}
				return nil
			}
			return download(cmd, c, jobID, output, logger)
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&server, "server", "http://localhost:8080", "APIサーバーのURL")
	flags.StringVar(&apiKey, "api-key", "", "ProティアのAPIキー（未指定なら SLIMPDF_API_KEY）")
	flags.StringVarP(&output, "output", "o", "", "完了後に成果物を保存するパス")
	flags.IntVar(&maxAttempts, "max-attempts", 0, "状態確認の最大回数（0なら既定値）")
	flags.BoolVarP(&verbose, "verbose", "v", false, "確認のたびにログを出す")
	return cmd
}

func download(cmd *cobra.Command, c *client.Client, jobID, output string, logger zerolog.Logger) error {
	f, err := os.Create(output)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", output, err)
	}
	n, err := c.Download(cmd.Context(), jobID, f)
	if closeErr := f.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		_ = os.Remove(output)
		return fmt.Errorf("download failed: %w", err)
	}
	logger.Debug().Str("path", output).Int64("bytes", n).Msg("saved output")
	fmt.Fprintf(cmd.OutOrStdout(), "  saved: %s (%d bytes)\n", output, n)
	return nil
}

func describeWaitError(err error) error {
	var failed *client.JobFailedError
	if errors.As(err, &failed) {
		if failed.Code != "" {
			return fmt.Errorf("job %s failed (%s): %s", failed.JobID, failed.Code, failed.Detail)
		}
		return failed
	}
	var timeout *client.TimeoutError
	if errors.As(err, &timeout) {
		return fmt.Errorf("%w; the job is still on the server, run `slimpdf wait %s` again later", timeout, timeout.JobID)
	}
	return err
}
