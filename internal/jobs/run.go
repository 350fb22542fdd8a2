package jobs

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/rs/zerolog"

	"github.com/yourusername/slimpdf/internal/metrics"
	"github.com/yourusername/slimpdf/internal/pdf"
	"github.com/yourusername/slimpdf/internal/storage"
)

// errInputMissing は入力ファイルが実行前に消えていたことを表します。
var errInputMissing = errors.New("input file is no longer available")

// Run はジョブを1件処理します。ワーカーから呼ばれます。
// pending→processing の取得に失敗した場合は何もせずに戻ります。
// 変換の失敗はジョブの failed として記録し、呼び出し元には返しません。
func (m *Manager) Run(ctx context.Context, jobID string) error {
	record, err := m.store.Claim(ctx, jobID)
	if err != nil {
		switch {
		case errors.Is(err, ErrAlreadyClaimed):
			m.logger.Debug().Str("job_id", jobID).Msg("job already claimed")
			return nil
		case errors.Is(err, ErrJobNotFound):
			m.logger.Warn().Str("job_id", jobID).Msg("job record not found, skipping")
			return nil
		default:
			return fmt.Errorf("failed to claim job %s: %w", jobID, err)
		}
	}

	logger := m.logger.With().Str("job_id", jobID).Str("tool", string(record.Tool)).Logger()
	logger.Info().Msg("job claimed")
	started := m.now()

	output, execErr := m.execute(ctx, record, logger)
	// 入力は終端状態になった時点で不要になる
	defer m.deleteJobInputs(context.WithoutCancel(ctx), jobID, logger)

	if execErr != nil {
		info := classify(execErr)
		if _, err := m.store.MarkFailed(context.WithoutCancel(ctx), jobID, info); err != nil {
			logger.Error().Err(err).Msg("failed to mark job failed")
			return nil
		}
		metrics.JobsTotal.WithLabelValues(string(record.Tool), string(StatusFailed)).Inc()
		logger.Warn().Err(execErr).Str("error_code", info.Code).Msg("job failed")
		return nil
	}

	metrics.JobsTotal.WithLabelValues(string(record.Tool), string(StatusCompleted)).Inc()
	logger.Info().
		Int64("output_size", output.Size).
		Dur("elapsed", m.now().Sub(started)).
		Msg("job completed")
	return nil
}

// execute は変換して成果物を登録し、completed に遷移させます。
// パニックもここで捕まえて失敗として返します。
func (m *Manager) execute(ctx context.Context, record *Record, logger zerolog.Logger) (output *OutputFile, err error) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error().Interface("panic", r).Bytes("stack", debug.Stack()).Msg("job panicked")
			err = fmt.Errorf("panic: %v", r)
		}
	}()

	opts, err := record.Options.Decode()
	if err != nil {
		return nil, err
	}
	paths, err := m.inputPaths(ctx, record.Inputs)
	if err != nil {
		return nil, err
	}

	ws, err := pdf.NewWorkspace(m.workDir, record.JobID)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err := ws.Remove(); err != nil {
			logger.Warn().Err(err).Msg("failed to remove workspace")
		}
	}()

	progress := func(stage string, percent int) {
		if err := m.store.UpdateProgress(ctx, record.JobID, ProgressInfo{Percent: percent, Stage: stage}); err != nil {
			logger.Debug().Err(err).Msg("failed to update progress")
		}
	}

	out := &OutputFile{Filename: downloadFilename(record)}
	var outputPath string

	switch o := opts.(type) {
	case CompressPreset:
		res, err := m.search.Preset(ctx, paths[0], ws.Dir, o.Quality, progress)
		if err != nil {
			return nil, err
		}
		outputPath = res.OutputPath
		setCompressResult(out, res)
	case CompressTarget:
		res, err := m.search.Target(ctx, paths[0], ws.Dir, o.TargetBytes, progress)
		if err != nil {
			return nil, err
		}
		if !res.MetTarget {
			logger.Info().Int64("target", o.TargetBytes).Int64("output_size", res.OutputSize).Msg("target size not reached, using smallest result")
		}
		outputPath = res.OutputPath
		setCompressResult(out, res)
	case MergeOptions:
		progress(pdf.StageProcess, 20)
		outputPath = ws.Path("merged.pdf")
		started := time.Now()
		err := m.adapters.Merger.Merge(ctx, paths, outputPath)
		metrics.ObserveAdapter("merge", started, err)
		if err != nil {
			return nil, err
		}
	case ImageOptions:
		progress(pdf.StageProcess, 20)
		outputPath = ws.Path("images.pdf")
		started := time.Now()
		err := m.adapters.Images.ImagesToPDF(ctx, paths, outputPath, o.PageSize)
		metrics.ObserveAdapter("image_to_pdf", started, err)
		if err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("unsupported options %T", opts)
	}

	progress(pdf.StageWrite, 90)
	if m.adapters.Pages != nil {
		if pages, err := m.adapters.Pages.PageCount(ctx, outputPath); err == nil {
			out.Pages = pages
		} else {
			logger.Debug().Err(err).Msg("failed to count output pages")
		}
	}

	t := m.policy.For(record.Tier)
	stored, err := m.files.Adopt(ctx, outputPath, storage.StoreRequest{
		JobID:       record.JobID,
		Kind:        storage.KindOutput,
		Ext:         ".pdf",
		ContentType: "application/pdf",
		TTL:         t.OutputTTL,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to store output: %w", err)
	}
	out.FileID = stored.ID
	out.Size = stored.Size

	if _, err := m.store.MarkCompleted(context.WithoutCancel(ctx), record.JobID, *out, stored.ExpiresAt); err != nil {
		// completed にできなかった成果物は残さない
		_ = m.files.Delete(context.WithoutCancel(ctx), stored.ID)
		return nil, err
	}
	return out, nil
}

// deleteJobInputs はジョブに紐づく入力を台帳から引いてすべて削除します。
func (m *Manager) deleteJobInputs(ctx context.Context, jobID string, logger zerolog.Logger) {
	deleted, err := m.files.DeleteByJob(ctx, jobID, storage.KindInput)
	if err != nil {
		logger.Warn().Err(err).Msg("failed to delete input files")
	}
	logger.Debug().Int("deleted", deleted).Msg("input files deleted")
}

func (m *Manager) inputPaths(ctx context.Context, inputs []InputFile) ([]string, error) {
	if len(inputs) == 0 {
		return nil, errInputMissing
	}
	paths := make([]string, 0, len(inputs))
	for _, in := range inputs {
		f, err := m.files.Stat(ctx, in.FileID)
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				return nil, fmt.Errorf("%w: %s", errInputMissing, in.FileID)
			}
			return nil, err
		}
		paths = append(paths, f.Path)
	}
	return paths, nil
}

func setCompressResult(out *OutputFile, res *pdf.CompressResult) {
	reduction := res.ReductionPercent
	out.ReductionPercent = &reduction
	out.Quality = res.Quality
}

// classify は失敗理由を分類します。メッセージにファイルパスは含めません。
func classify(err error) ErrorInfo {
	var adapterErr *pdf.AdapterError
	switch {
	case errors.As(err, &adapterErr) && adapterErr.Timeout():
		return ErrorInfo{Code: ErrorAdapterTimeout, Message: "adapter timeout"}
	case errors.As(err, &adapterErr) && (adapterErr.Op == "merge" || adapterErr.Op == "image_to_pdf"):
		return ErrorInfo{Code: ErrorInvalidDoc, Message: adapterErr.Detail + ": the document could not be read"}
	case errors.As(err, &adapterErr):
		return ErrorInfo{Code: ErrorAdapterFailed, Message: adapterErr.Detail}
	case errors.Is(err, errInputMissing):
		return ErrorInfo{Code: ErrorInputMissing, Message: errInputMissing.Error()}
	case errors.Is(err, context.Canceled):
		return ErrorInfo{Code: ErrorInternal, Message: "processing was interrupted"}
	default:
		return ErrorInfo{Code: ErrorInternal, Message: "internal error while processing the job"}
	}
}

// instrumentedCompressor は圧縮1回ごとにメトリクスを記録します。
type instrumentedCompressor struct {
	inner pdf.Compressor
}

func (c instrumentedCompressor) Compress(ctx context.Context, inputPath, outputPath string, tier pdf.Tier) error {
	started := time.Now()
	err := c.inner.Compress(ctx, inputPath, outputPath, tier)
	metrics.ObserveAdapter("compress", started, err)
	return err
}
