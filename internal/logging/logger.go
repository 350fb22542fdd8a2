// Package logging は zerolog ベースの構造化ログを提供します。
package logging

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Config はロガーの設定です。
type Config struct {
	Level  string // debug, info, warn, error
	Format string // json または console
	Output string // stdout, stderr またはファイルパス
}

// New は設定に従ってロガーを作成します。
func New(cfg Config) zerolog.Logger {
	zerolog.TimeFieldFormat = time.RFC3339

	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil || cfg.Level == "" {
		level = zerolog.InfoLevel
	}

	var writer io.Writer
	switch cfg.Output {
	case "stdout", "":
		writer = os.Stdout
	case "stderr":
		writer = os.Stderr
	default:
		f, err := os.OpenFile(cfg.Output, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
		if err != nil {
			writer = os.Stdout
		} else {
			writer = f
		}
	}

	if cfg.Format == "console" {
		writer = zerolog.ConsoleWriter{Out: writer, TimeFormat: "15:04:05"}
	}

	return zerolog.New(writer).Level(level).With().Timestamp().Logger()
}

// Global はパッケージ共通のロガーを差し替えて返します。
func Global(cfg Config) zerolog.Logger {
	logger := New(cfg)
	log.Logger = logger
	return logger
}

// Component はコンポーネント名付きの子ロガーを返します。
func Component(base zerolog.Logger, name string) zerolog.Logger {
	return base.With().Str("component", name).Logger()
}
