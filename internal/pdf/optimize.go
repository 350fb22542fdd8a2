package pdf

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"
)

// Ghostscript は gs コマンドで圧縮を行うアダプターです。
type Ghostscript struct {
	path    string
	timeout time.Duration
}

// NewGhostscript は Ghostscript アダプターを作成します。
func NewGhostscript(path string, timeout time.Duration) *Ghostscript {
	if path == "" {
		path = "gs"
	}
	return &Ghostscript{path: path, timeout: timeout}
}

// Compress は inputPath を tier のパラメータで圧縮し outputPath に書き出します。
// 終了コードが 0 以外の場合と上限時間超過の場合は *AdapterError を返します。
func (g *Ghostscript) Compress(ctx context.Context, inputPath, outputPath string, tier Tier) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if g.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, g.timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(ctx, g.path, ghostscriptArgs(outputPath, inputPath, tier)...)
	var stderr bytes.Buffer
	cmd.Stdout = &stderr
	cmd.Stderr = &stderr
	// gs が子プロセスを残してもパイプ待ちで止まらないようにする
	cmd.WaitDelay = time.Second

	if err := cmd.Run(); err != nil {
		_ = os.Remove(outputPath)
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return adapterError("compress", "adapter timeout", ErrAdapterTimeout)
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return adapterError("compress", ghostscriptDetail(stderr.String(), inputPath, outputPath), err)
	}

	info, err := os.Stat(outputPath)
	if err != nil || info.Size() == 0 {
		return adapterError("compress", "ghostscript produced no output", err)
	}
	return nil
}

func ghostscriptArgs(outputPath, inputPath string, tier Tier) []string {
	dpi := fmt.Sprintf("%d", tier.DPI)
	distiller := fmt.Sprintf(
		"<< /ColorACSImageDict << /QFactor %.1f /Blend 1 /HSamples [%s] /VSamples [%s] >> "+
			"/GrayACSImageDict << /QFactor %.1f /Blend 1 /HSamples [%s] /VSamples [%s] >> >> setdistillerparams",
		tier.QFactor, tier.Sampling, tier.Sampling, tier.QFactor, tier.Sampling, tier.Sampling,
	)

	return []string{
		"-sDEVICE=pdfwrite",
		"-dCompatibilityLevel=1.5",
		"-dNOPAUSE",
		"-dQUIET",
		"-dBATCH",
		"-dSAFER",
		fmt.Sprintf("-dPDFSETTINGS=%s", tier.PDFSettings),
		"-dDetectDuplicateImages=true",
		"-dCompressFonts=true",
		"-dSubsetFonts=true",
		"-dDownsampleColorImages=true",
		"-dDownsampleGrayImages=true",
		"-dDownsampleMonoImages=true",
		"-dColorImageDownsampleType=/Bicubic",
		"-dGrayImageDownsampleType=/Bicubic",
		"-dColorImageResolution=" + dpi,
		"-dGrayImageResolution=" + dpi,
		"-dMonoImageResolution=" + dpi,
		"-dColorImageDownsampleThreshold=1.0",
		"-dGrayImageDownsampleThreshold=1.0",
		"-dMonoImageDownsampleThreshold=1.0",
		"-dAutoFilterColorImages=false",
		"-dAutoFilterGrayImages=false",
		"-dColorImageFilter=/DCTEncode",
		"-dGrayImageFilter=/DCTEncode",
		"-dPassThroughJPEGImages=false",
		fmt.Sprintf("-sOutputFile=%s", outputPath),
		"-c", distiller,
		"-f", inputPath,
	}
}

// ghostscriptDetail は gs の出力からパスを取り除き、1行に要約します。
func ghostscriptDetail(output string, paths ...string) string {
	detail := output
	for _, p := range paths {
		if p != "" {
			detail = strings.ReplaceAll(detail, p, "<file>")
		}
	}
	detail = strings.Join(strings.Fields(detail), " ")
	if len(detail) > 200 {
		detail = detail[:200]
	}
	if detail == "" {
		return "ghostscript exited with an error"
	}
	return "ghostscript failed: " + detail
}
