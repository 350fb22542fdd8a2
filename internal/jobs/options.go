package jobs

import (
	"fmt"

	"github.com/yourusername/slimpdf/internal/pdf"
)

// Options はツールごとの処理オプションです。
// 実装は下の4種類だけで、Run ではすべてを型スイッチで扱います。
type Options interface {
	Tool() pdf.Tool
	encode() OptionsSpec
}

// CompressPreset は指定プリセットで1回だけ圧縮します。
type CompressPreset struct {
	Quality pdf.Quality
}

// CompressTarget は出力サイズの目標に向けてティアを探索します。
type CompressTarget struct {
	TargetBytes int64
}

// MergeOptions はアップロード順にPDFを結合します。
type MergeOptions struct{}

// ImageOptions は画像をPDFに変換します。
type ImageOptions struct {
	PageSize pdf.PageSize
}

func (CompressPreset) Tool() pdf.Tool { return pdf.ToolCompress }
func (CompressTarget) Tool() pdf.Tool { return pdf.ToolCompress }
func (MergeOptions) Tool() pdf.Tool   { return pdf.ToolMerge }
func (ImageOptions) Tool() pdf.Tool   { return pdf.ToolImageToPDF }

func (o CompressPreset) encode() OptionsSpec {
	return OptionsSpec{Mode: modePreset, Quality: o.Quality}
}

func (o CompressTarget) encode() OptionsSpec {
	return OptionsSpec{Mode: modeTarget, TargetBytes: o.TargetBytes}
}

func (MergeOptions) encode() OptionsSpec {
	return OptionsSpec{Mode: modeMerge}
}

func (o ImageOptions) encode() OptionsSpec {
	return OptionsSpec{Mode: modeImages, PageSize: o.PageSize}
}

const (
	modePreset = "preset"
	modeTarget = "target"
	modeMerge  = "merge"
	modeImages = "images"
)

// OptionsSpec は Options をジョブ記録に保存するための形です。
type OptionsSpec struct {
	Mode        string       `json:"mode"`
	Quality     pdf.Quality  `json:"quality,omitempty"`
	TargetBytes int64        `json:"target_bytes,omitempty"`
	PageSize    pdf.PageSize `json:"page_size,omitempty"`
}

// Decode は保存された形から Options を復元します。
func (s OptionsSpec) Decode() (Options, error) {
	switch s.Mode {
	case modePreset:
		return CompressPreset{Quality: s.Quality}, nil
	case modeTarget:
		return CompressTarget{TargetBytes: s.TargetBytes}, nil
	case modeMerge:
		return MergeOptions{}, nil
	case modeImages:
		return ImageOptions{PageSize: s.PageSize}, nil
	default:
		return nil, fmt.Errorf("unknown options mode: %q", s.Mode)
	}
}

// validateOptions はオプションの値を検証し、既定値を補います。
func validateOptions(opts Options) (Options, error) {
	switch o := opts.(type) {
	case CompressPreset:
		q, err := pdf.ParseQuality(string(o.Quality))
		if err != nil {
			return nil, err
		}
		return CompressPreset{Quality: q}, nil
	case CompressTarget:
		if o.TargetBytes <= 0 {
			return nil, fmt.Errorf("target size must be greater than zero")
		}
		return o, nil
	case MergeOptions:
		return o, nil
	case ImageOptions:
		size, err := pdf.ParsePageSize(string(o.PageSize))
		if err != nil {
			return nil, err
		}
		return ImageOptions{PageSize: size}, nil
	case nil:
		return nil, fmt.Errorf("options are required")
	default:
		return nil, fmt.Errorf("unsupported options type %T", opts)
	}
}
