package jobs

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"

	"github.com/yourusername/slimpdf/internal/metrics"
	"github.com/yourusername/slimpdf/internal/storage"
)

// orphanAge は台帳に無いファイルや作業ディレクトリを残しておく時間です。
const orphanAge = 24 * time.Hour

// SweepSummary は掃除1回分の結果です。
type SweepSummary struct {
	DeletedFiles   int
	FailedFiles    int
	ExpiredJobs    int
	OrphansRemoved int
	StaleWorkDirs  int
}

// Sweeper は期限切れファイルを定期的に削除し、ジョブに expired を記録します。
type Sweeper struct {
	files    *storage.Manager
	store    *Store
	workDir  string
	interval time.Duration
	now      func() time.Time
	logger   zerolog.Logger
}

// NewSweeper は m と同じ保存領域を掃除する Sweeper を作成します。
func NewSweeper(m *Manager, interval time.Duration) *Sweeper {
	if interval <= 0 {
		interval = 15 * time.Minute
	}
	return &Sweeper{
		files:    m.files,
		store:    m.store,
		workDir:  m.workDir,
		interval: interval,
		now:      m.now,
		logger:   m.logger.With().Str("component", "sweeper").Logger(),
	}
}

// Run は ctx が終わるまで interval ごとに掃除します。
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		if _, err := s.SweepOnce(ctx); err != nil && !errors.Is(err, context.Canceled) {
			s.logger.Error().Err(err).Msg("sweep failed")
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// SweepOnce は1回分の掃除を行います。
// 個別の削除失敗はログに残して続行し、一覧の取得に失敗したときだけエラーを返します。
func (s *Sweeper) SweepOnce(ctx context.Context) (*SweepSummary, error) {
	now := s.now()
	report, err := s.files.Sweep(ctx, now)
	if err != nil {
		return nil, err
	}

	summary := &SweepSummary{
		DeletedFiles: len(report.Deleted),
		FailedFiles:  report.Failed,
	}
	metrics.SweepDeleted.Add(float64(len(report.Deleted)))

	for _, f := range report.Deleted {
		if f.Kind != storage.KindOutput || f.JobID == "" {
			continue
		}
		record, err := s.store.MarkExpired(ctx, f.JobID)
		if err != nil {
			if !errors.Is(err, ErrJobNotFound) {
				s.logger.Error().Err(err).Str("job_id", f.JobID).Msg("failed to mark job expired")
			}
			continue
		}
		summary.ExpiredJobs++
		metrics.JobsTotal.WithLabelValues(string(record.Tool), "expired").Inc()
		s.logger.Info().Str("job_id", f.JobID).Str("tool", string(record.Tool)).Msg("job expired")
	}

	orphans, err := s.files.SweepOrphans(ctx, orphanAge)
	if err != nil {
		s.logger.Error().Err(err).Msg("failed to sweep orphaned files")
	}
	summary.OrphansRemoved = orphans
	summary.StaleWorkDirs = s.sweepWorkDirs(now)

	s.logger.Info().
		Int("deleted", summary.DeletedFiles).
		Int("failed", summary.FailedFiles).
		Int("expired_jobs", summary.ExpiredJobs).
		Int("orphans", summary.OrphansRemoved).
		Int("stale_work_dirs", summary.StaleWorkDirs).
		Msg("sweep finished")
	return summary, nil
}

// sweepWorkDirs はプロセス停止などで残った古い作業ディレクトリを削除します。
func (s *Sweeper) sweepWorkDirs(now time.Time) int {
	entries, err := os.ReadDir(s.workDir)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			s.logger.Error().Err(err).Msg("failed to read work dir")
		}
		return 0
	}
	cutoff := now.Add(-orphanAge)
	removed := 0
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		info, err := entry.Info()
		if err != nil || info.ModTime().After(cutoff) {
			continue
		}
		if err := os.RemoveAll(filepath.Join(s.workDir, entry.Name())); err != nil {
			s.logger.Error().Err(err).Str("dir", entry.Name()).Msg("failed to remove stale work dir")
			continue
		}
		removed++
	}
	return removed
}
