package pdf

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"
)

const compressedFilename = "compressed.pdf"

// Compressor は1回の圧縮を行うアダプターです。
type Compressor interface {
	Compress(ctx context.Context, inputPath, outputPath string, tier Tier) error
}

// Search はティア表に従って圧縮アダプターを呼び出します。
// 呼び出し回数はティア数を超えません。
type Search struct {
	compressor Compressor
	tiers      []Tier
	logger     zerolog.Logger
}

// NewSearch は Search を作成します。tiers は圧縮の強い順に並べます。
func NewSearch(compressor Compressor, tiers []Tier, logger zerolog.Logger) *Search {
	if len(tiers) == 0 {
		tiers = Tiers
	}
	return &Search{compressor: compressor, tiers: tiers, logger: logger}
}

// attempt は1回の試行結果です。探索中だけ保持します。
type attempt struct {
	tier      Tier
	path      string
	size      int64
	satisfied bool
}

// Preset は指定ティアで1回だけ圧縮します。
func (s *Search) Preset(ctx context.Context, inputPath, workDir string, quality Quality, progress ProgressReporter) (*CompressResult, error) {
	tier, ok := TierFor(quality)
	if !ok {
		return nil, fmt.Errorf("unknown quality: %s", quality)
	}
	originalSize, err := fileSize(inputPath)
	if err != nil {
		return nil, err
	}

	reportProgress(progress, StageProcess, attemptPercent(0, 1))
	a, err := s.try(ctx, inputPath, workDir, 0, tier, 0)
	if err != nil {
		return nil, err
	}
	return s.finish(inputPath, workDir, originalSize, a, 1, false, progress)
}

// Target は出力サイズが targetBytes 以下になる最初のティアを探します。
// どのティアも届かない場合は最も小さかった出力を返し、失敗にはしません。
func (s *Search) Target(ctx context.Context, inputPath, workDir string, targetBytes int64, progress ProgressReporter) (*CompressResult, error) {
	if targetBytes <= 0 {
		return nil, fmt.Errorf("target size must be positive")
	}
	originalSize, err := fileSize(inputPath)
	if err != nil {
		return nil, err
	}

	tiers := s.tiers
	if originalSize <= targetBytes {
		// すでに目標以下なので high で軽く整えるだけにする
		tiers = []Tier{s.lightTier()}
	}

	var best *attempt
	var lastErr error
	attempts := 0
	for i, tier := range tiers {
		reportProgress(progress, StageProcess, attemptPercent(i, len(tiers)))
		a, err := s.try(ctx, inputPath, workDir, i, tier, targetBytes)
		attempts++
		if err != nil {
			_ = os.Remove(filepath.Join(workDir, attemptFilename(i, tier)))
			// 上限時間超過とキャンセルは次のティアでも変わらないので打ち切る
			if ctx.Err() != nil || errors.Is(err, ErrAdapterTimeout) {
				if best != nil {
					_ = os.Remove(best.path)
				}
				return nil, err
			}
			lastErr = err
			continue
		}

		if best == nil || a.size < best.size {
			if best != nil {
				_ = os.Remove(best.path)
			}
			best = a
		} else {
			_ = os.Remove(a.path)
		}

		if a.satisfied {
			// 成功した先行試行はすべて目標超過なので、ここでは a が最小になっている
			break
		}
	}
	if best == nil {
		return nil, lastErr
	}
	return s.finish(inputPath, workDir, originalSize, best, attempts, best.satisfied, progress)
}

func (s *Search) try(ctx context.Context, inputPath, workDir string, index int, tier Tier, targetBytes int64) (*attempt, error) {
	outputPath := filepath.Join(workDir, attemptFilename(index, tier))
	started := time.Now()
	if err := s.compressor.Compress(ctx, inputPath, outputPath, tier); err != nil {
		s.logger.Warn().Err(err).Str("tier", string(tier.Quality)).Msg("compression attempt failed")
		return nil, err
	}
	size, err := fileSize(outputPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat compressed output: %w", err)
	}
	a := &attempt{
		tier:      tier,
		path:      outputPath,
		size:      size,
		satisfied: targetBytes > 0 && size <= targetBytes,
	}
	s.logger.Debug().
		Str("tier", string(tier.Quality)).
		Int64("size", size).
		Int64("target", targetBytes).
		Bool("satisfied", a.satisfied).
		Dur("elapsed", time.Since(started)).
		Msg("compression attempt")
	return a, nil
}

// finish は採用した試行を compressed.pdf に確定させます。
// 元ファイルより小さくならなかった場合は元ファイルをそのまま返します。
func (s *Search) finish(inputPath, workDir string, originalSize int64, best *attempt, attempts int, metTarget bool, progress ProgressReporter) (*CompressResult, error) {
	reportProgress(progress, StageWrite, 80)
	outputPath := filepath.Join(workDir, compressedFilename)

	result := &CompressResult{
		OutputPath:   outputPath,
		OriginalSize: originalSize,
		Attempts:     attempts,
		MetTarget:    metTarget,
	}

	if best.size >= originalSize {
		_ = os.Remove(best.path)
		if err := copyFile(inputPath, outputPath); err != nil {
			return nil, fmt.Errorf("failed to keep original document: %w", err)
		}
		result.OutputSize = originalSize
		result.KeptOriginal = true
		return result, nil
	}

	if err := os.Rename(best.path, outputPath); err != nil {
		return nil, fmt.Errorf("failed to finalize compressed output: %w", err)
	}
	result.OutputSize = best.size
	result.Quality = best.tier.Quality
	result.ReductionPercent = ReductionPercent(originalSize, best.size)
	return result, nil
}

// lightTier は入力がすでに目標以下のときに使うティアです。
func (s *Search) lightTier() Tier {
	for _, t := range s.tiers {
		if t.Quality == QualityHigh {
			return t
		}
	}
	return s.tiers[len(s.tiers)-1]
}

func attemptFilename(index int, tier Tier) string {
	return fmt.Sprintf("attempt-%d-%s.pdf", index, tier.Quality)
}

func fileSize(path string) (int64, error) {
	info, err := os.Stat(path)
	if err != nil {
		return 0, err
	}
	return info.Size(), nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		_ = os.Remove(dst)
		return err
	}
	return out.Close()
}
