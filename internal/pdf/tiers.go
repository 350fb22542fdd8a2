package pdf

import (
	"fmt"
	"math"
	"strings"
)

// Quality は圧縮ティアの名前です。
type Quality string

const (
	QualityLow     Quality = "low"
	QualityMedium  Quality = "medium"
	QualityHigh    Quality = "high"
	QualityMaximum Quality = "maximum"
)

// Tier は Ghostscript に渡す固定パラメータの組です。
type Tier struct {
	Quality     Quality
	DPI         int
	QFactor     float64
	Sampling    string // HSamples/VSamples
	PDFSettings string
}

// Tiers は圧縮の強い順に並んだティアです。
var Tiers = []Tier{
	{Quality: QualityLow, DPI: 50, QFactor: 2.4, Sampling: "2 1 1 2", PDFSettings: "/screen"},
	{Quality: QualityMedium, DPI: 72, QFactor: 1.8, Sampling: "2 1 1 2", PDFSettings: "/ebook"},
	{Quality: QualityHigh, DPI: 100, QFactor: 1.0, Sampling: "1 1 1 1", PDFSettings: "/ebook"},
	{Quality: QualityMaximum, DPI: 150, QFactor: 0.4, Sampling: "1 1 1 1", PDFSettings: "/printer"},
}

// DefaultQuality はプリセット未指定時のティアです。
const DefaultQuality = QualityMedium

// ParseQuality はプリセット名を正規化します。
func ParseQuality(s string) (Quality, error) {
	q := Quality(strings.ToLower(strings.TrimSpace(s)))
	if q == "" {
		return DefaultQuality, nil
	}
	if _, ok := TierFor(q); !ok {
		return "", fmt.Errorf("preset must be one of low, medium, high, maximum (received: %s)", s)
	}
	return q, nil
}

// TierFor はプリセット名に対応するティアを返します。
func TierFor(q Quality) (Tier, bool) {
	for _, t := range Tiers {
		if t.Quality == q {
			return t, true
		}
	}
	return Tier{}, false
}

// ReductionPercent は削減率を小数第1位で返します。負の値は 0 に丸めます。
func ReductionPercent(original, output int64) float64 {
	if original <= 0 || output >= original {
		return 0
	}
	pct := float64(original-output) / float64(original) * 100
	return math.Round(pct*10) / 10
}
