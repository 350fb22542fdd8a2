// Package tier は無料/Proの利用条件をまとめます。
package tier

import (
	"time"

	"github.com/yourusername/slimpdf/internal/config"
	"github.com/yourusername/slimpdf/internal/pdf"
)

// Name はティア名です。
type Name string

const (
	Free Name = "free"
	Pro  Name = "pro"
)

// Tier は1つのティアの上限値です。DailyLimits の 0 は無制限を表します。
type Tier struct {
	Name          Name
	MaxFileBytes  int64
	MaxImageBytes int64
	MaxMergeFiles int
	MaxImages     int
	OutputTTL     time.Duration
	DailyLimits   map[pdf.Tool]int
}

// DailyLimit は tool の1日あたりの上限です。
func (t Tier) DailyLimit(tool pdf.Tool) int {
	return t.DailyLimits[tool]
}

// Policy はティアごとの設定一式です。
type Policy struct {
	free Tier
	pro  Tier
}

// NewPolicy は設定からティアを組み立てます。Pro は利用回数が無制限です。
func NewPolicy(cfg *config.Config) *Policy {
	return &Policy{
		free: Tier{
			Name:          Free,
			MaxFileBytes:  config.MB(cfg.MaxFileSizeFreeMB),
			MaxImageBytes: config.MB(cfg.MaxImageSizeFreeMB),
			MaxMergeFiles: cfg.MaxMergeFilesFree,
			MaxImages:     cfg.MaxImagesFree,
			OutputTTL:     minutes(cfg.FileExpiryFreeMinutes, 60),
			DailyLimits: map[pdf.Tool]int{
				pdf.ToolCompress:   cfg.RateLimitCompress,
				pdf.ToolMerge:      cfg.RateLimitMerge,
				pdf.ToolImageToPDF: cfg.RateLimitImageToPDF,
			},
		},
		pro: Tier{
			Name:          Pro,
			MaxFileBytes:  config.MB(cfg.MaxFileSizeProMB),
			MaxImageBytes: config.MB(cfg.MaxImageSizeProMB),
			MaxMergeFiles: cfg.MaxMergeFilesPro,
			MaxImages:     cfg.MaxImagesPro,
			OutputTTL:     minutes(cfg.FileExpiryProMinutes, 1440),
			DailyLimits:   map[pdf.Tool]int{},
		},
	}
}

// For はティア名に対応する設定を返します。未知の名前は無料扱いです。
func (p *Policy) For(name Name) Tier {
	if name == Pro {
		return p.pro
	}
	return p.free
}

func minutes(n, fallback int) time.Duration {
	if n <= 0 {
		n = fallback
	}
	return time.Duration(n) * time.Minute
}
