package pdf

import (
	"context"
	"os"
	"time"

	pdfapi "github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/model"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/types"
)

// Pdfcpu は pdfcpu ライブラリで結合と画像取り込みを行うアダプターです。
type Pdfcpu struct {
	timeout time.Duration
}

// NewPdfcpu は Pdfcpu アダプターを作成します。
func NewPdfcpu(timeout time.Duration) *Pdfcpu {
	return &Pdfcpu{timeout: timeout}
}

func (p *Pdfcpu) config() *model.Configuration {
	conf := model.NewDefaultConfiguration()
	conf.ValidationMode = model.ValidationRelaxed
	return conf
}

// Merge は inputs をこの順番で1つのPDFに結合します。
func (p *Pdfcpu) Merge(ctx context.Context, inputs []string, outputPath string) error {
	if len(inputs) < 2 {
		return adapterError("merge", "at least two documents are required", nil)
	}
	err := runWithTimeout(ctx, p.timeout, "merge", func() error {
		return pdfapi.MergeCreateFile(inputs, outputPath, false, p.config())
	})
	if err != nil {
		_ = os.Remove(outputPath)
	}
	return err
}

// ImagesToPDF は画像を1枚1ページとしてPDFに変換します。
func (p *Pdfcpu) ImagesToPDF(ctx context.Context, inputs []string, outputPath string, size PageSize) error {
	if len(inputs) == 0 {
		return adapterError("image_to_pdf", "no images given", nil)
	}
	imp, err := pdfapi.Import(importDescription(size), types.POINTS)
	if err != nil {
		return adapterError("image_to_pdf", "invalid page layout", err)
	}
	err = runWithTimeout(ctx, p.timeout, "image_to_pdf", func() error {
		return pdfapi.ImportImagesFile(inputs, outputPath, imp, p.config())
	})
	if err != nil {
		_ = os.Remove(outputPath)
	}
	return err
}

// PageCount はPDFのページ数を返します。
func (p *Pdfcpu) PageCount(ctx context.Context, path string) (int, error) {
	var pages int
	err := runWithTimeout(ctx, p.timeout, "page_count", func() error {
		n, err := pdfapi.PageCountFile(path)
		pages = n
		return err
	})
	if err != nil {
		return 0, err
	}
	return pages, nil
}

func importDescription(size PageSize) string {
	switch size {
	case PageSizeLetter:
		return "form:Letter, pos:c, sc:1.0"
	case PageSizeOriginal:
		return "pos:full"
	default:
		return "form:A4, pos:c, sc:1.0"
	}
}
