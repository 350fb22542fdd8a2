package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/yourusername/slimpdf/internal/jobs"
)

func newSweepCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "期限切れの成果物と入力を1回だけ掃除します（cron 向け）",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := withSignals(cmd.Context())
			defer stop()

			a, err := newApp(ctx)
			if err != nil {
				return err
			}
			defer a.Close()

			summary, err := jobs.NewSweeper(a.manager, a.cfg.SweepInterval()).SweepOnce(ctx)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(),
				"deleted=%d failed=%d expired_jobs=%d orphans=%d stale_workdirs=%d\n",
				summary.DeletedFiles, summary.FailedFiles, summary.ExpiredJobs, summary.OrphansRemoved, summary.StaleWorkDirs)
			return nil
		},
	}
}
