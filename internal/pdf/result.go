package pdf

import (
	"fmt"
	"strings"
)

// Tool はPDF処理の種別を表します。
type Tool string

const (
	ToolCompress   Tool = "compress"
	ToolMerge      Tool = "merge"
	ToolImageToPDF Tool = "image_to_pdf"
)

// Tools は提供しているすべての処理種別です。
var Tools = []Tool{ToolCompress, ToolMerge, ToolImageToPDF}

// PageSize は画像→PDF変換時のページサイズです。
type PageSize string

const (
	PageSizeA4       PageSize = "a4"
	PageSizeLetter   PageSize = "letter"
	PageSizeOriginal PageSize = "original"
)

// ParsePageSize はページサイズを正規化します。空文字は A4 です。
func ParsePageSize(s string) (PageSize, error) {
	switch PageSize(strings.ToLower(strings.TrimSpace(s))) {
	case "", PageSizeA4:
		return PageSizeA4, nil
	case PageSizeLetter:
		return PageSizeLetter, nil
	case PageSizeOriginal:
		return PageSizeOriginal, nil
	default:
		return "", fmt.Errorf("page_size must be one of a4, letter, original (received: %s)", s)
	}
}

// CompressResult は圧縮処理の成果です。
type CompressResult struct {
	OutputPath       string
	OriginalSize     int64
	OutputSize       int64
	ReductionPercent float64
	// Quality は採用したティアです。元ファイルをそのまま返した場合は空です。
	Quality      Quality
	Attempts     int
	MetTarget    bool
	KeptOriginal bool
}
