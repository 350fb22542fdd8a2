// Package config は環境変数から設定を読み込み、アプリケーション全体で使用する設定を提供します。
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

const megabyte = 1024 * 1024

// QueueMode はワーカーの実行方式です。
const (
	QueueModeLocal = "local"
	QueueModeAsynq = "asynq"
)

// Config はアプリケーションの設定を保持する構造体です。
type Config struct {
	// サーバー設定
	Port          string // APIサーバーのポート番号
	GinMode       string // Ginの実行モード (debug, release, test)
	PublicBaseURL string // ダウンロードURLの前置き（空なら相対パス）

	// CORS設定
	CORSAllowedOrigins string // CORS許可オリジン（カンマ区切り）

	// ログ設定
	LogLevel  string // debug, info, warn, error
	LogFormat string // json または console
	LogOutput string // stdout, stderr またはファイルパス

	// ストレージ設定
	DataDir      string // 保存ファイルと作業ディレクトリのルート
	RegistryPath string // ファイル台帳（SQLite）のパス

	// ジョブ/キュー設定
	RedisURL          string // ジョブ記録・利用回数・Asynq用Redis接続URL
	QueueMode         string // local または asynq
	WorkerConcurrency int    // 同時実行ワーカー数
	JobRetentionHours int    // ジョブ記録の保持時間

	// PDF処理設定
	GhostscriptPath       string // Ghostscript実行ファイルのパス
	AdapterTimeoutSeconds int    // 変換1回あたりのタイムアウト

	// 有効期限
	SweepIntervalMinutes  int // 期限切れファイル掃除の間隔
	InputTTLMinutes       int // アップロード済み入力の保持時間
	FileExpiryFreeMinutes int // 無料ティアの成果物保持時間
	FileExpiryProMinutes  int // Proティアの成果物保持時間

	// ファイル制限
	MaxFileSizeFreeMB  int64
	MaxFileSizeProMB   int64
	MaxMergeFilesFree  int
	MaxMergeFilesPro   int
	MaxImagesFree      int
	MaxImagesPro       int
	MaxImageSizeFreeMB int64
	MaxImageSizeProMB  int64

	// 1日あたりの利用上限（無料ティア、0は無制限）
	RateLimitCompress   int
	RateLimitMerge      int
	RateLimitImageToPDF int

	// 認証
	ProAPIKeyHashes []string // bcryptでハッシュ化されたProティアAPIキー
}

// Load は環境変数から設定を読み込みます。
// .env.local ファイルが存在する場合はそこから読み込みます。
func Load() (*Config, error) {
	// .env.local ファイルを読み込む（存在しない場合はスキップ）
	loadEnvFile()

	dataDir := getEnv("DATA_DIR", filepath.Join(os.TempDir(), "slimpdf"))

	config := &Config{
		// サーバー設定
		Port:          getEnv("PORT", "8080"),
		GinMode:       getEnv("GIN_MODE", "debug"),
		PublicBaseURL: getEnv("PUBLIC_BASE_URL", ""),

		// CORS設定
		CORSAllowedOrigins: getEnv("CORS_ALLOWED_ORIGINS", "http://localhost:5173"),

		// ログ設定
		LogLevel:  getEnv("LOG_LEVEL", "info"),
		LogFormat: getEnv("LOG_FORMAT", "json"),
		LogOutput: getEnv("LOG_OUTPUT", "stdout"),

		// ストレージ設定
		DataDir:      dataDir,
		RegistryPath: getEnv("REGISTRY_PATH", filepath.Join(dataDir, "registry.db")),

		// ジョブ/キュー設定
		RedisURL:          getEnv("REDIS_URL", "redis://127.0.0.1:6379/0"),
		QueueMode:         strings.ToLower(getEnv("QUEUE_MODE", QueueModeLocal)),
		WorkerConcurrency: getEnvAsInt("WORKER_CONCURRENCY", 4),
		JobRetentionHours: getEnvAsInt("JOB_RETENTION_HOURS", 168), // 7日

		// PDF処理設定
		GhostscriptPath:       getEnv("GHOSTSCRIPT_PATH", "gs"),
		AdapterTimeoutSeconds: getEnvAsInt("ADAPTER_TIMEOUT_SECONDS", 120),

		// 有効期限
		SweepIntervalMinutes:  getEnvAsInt("SWEEP_INTERVAL_MINUTES", 15),
		InputTTLMinutes:       getEnvAsInt("INPUT_TTL_MINUTES", 120),
		FileExpiryFreeMinutes: getEnvAsInt("FILE_EXPIRY_FREE_MINUTES", 60),
		FileExpiryProMinutes:  getEnvAsInt("FILE_EXPIRY_PRO_MINUTES", 1440),

		// ファイル制限
		MaxFileSizeFreeMB:  getEnvAsInt64("MAX_FILE_SIZE_FREE_MB", 20),
		MaxFileSizeProMB:   getEnvAsInt64("MAX_FILE_SIZE_PRO_MB", 100),
		MaxMergeFilesFree:  getEnvAsInt("MAX_MERGE_FILES_FREE", 5),
		MaxMergeFilesPro:   getEnvAsInt("MAX_MERGE_FILES_PRO", 50),
		MaxImagesFree:      getEnvAsInt("MAX_IMAGES_FREE", 10),
		MaxImagesPro:       getEnvAsInt("MAX_IMAGES_PRO", 100),
		MaxImageSizeFreeMB: getEnvAsInt64("MAX_IMAGE_SIZE_FREE_MB", 5),
		MaxImageSizeProMB:  getEnvAsInt64("MAX_IMAGE_SIZE_PRO_MB", 20),

		// 利用上限
		RateLimitCompress:   getEnvAsInt("RATE_LIMIT_COMPRESS", 2),
		RateLimitMerge:      getEnvAsInt("RATE_LIMIT_MERGE", 3),
		RateLimitImageToPDF: getEnvAsInt("RATE_LIMIT_IMAGE_TO_PDF", 3),

		// 認証
		ProAPIKeyHashes: getEnvAsList("PRO_API_KEY_HASHES"),
	}

	// 必須設定のバリデーション
	if err := config.Validate(); err != nil {
		return nil, err
	}

	return config, nil
}

func loadEnvFile() {
	if err := godotenv.Load(".env.local"); err == nil {
		return
	}

	cwd, err := os.Getwd()
	if err != nil {
		return
	}

	parent := filepath.Dir(cwd)
	if parent == "" || parent == cwd {
		return
	}

	_ = godotenv.Load(filepath.Join(parent, ".env.local"))
}

// Validate は設定の妥当性を検証します。
func (c *Config) Validate() error {
	switch c.QueueMode {
	case QueueModeLocal, QueueModeAsynq:
	default:
		return fmt.Errorf("QUEUE_MODE must be %q or %q (received: %s)", QueueModeLocal, QueueModeAsynq, c.QueueMode)
	}
	if c.WorkerConcurrency <= 0 {
		return fmt.Errorf("WORKER_CONCURRENCY must be positive")
	}
	if c.DataDir == "" {
		return fmt.Errorf("DATA_DIR is required")
	}

	// 本番環境では厳格にチェックする
	if c.GinMode == "release" {
		if c.RedisURL == "" {
			return fmt.Errorf("REDIS_URL is required in release mode")
		}
		if c.GhostscriptPath == "" {
			return fmt.Errorf("GHOSTSCRIPT_PATH is required in release mode")
		}
		if c.AdapterTimeoutSeconds <= 0 {
			return fmt.Errorf("ADAPTER_TIMEOUT_SECONDS must be positive in release mode")
		}
	}

	return nil
}

// AdapterTimeout は変換1回あたりの上限時間です。
func (c *Config) AdapterTimeout() time.Duration {
	seconds := c.AdapterTimeoutSeconds
	if seconds <= 0 {
		seconds = 120
	}
	return time.Duration(seconds) * time.Second
}

// SweepInterval は掃除ループの間隔です。
func (c *Config) SweepInterval() time.Duration {
	return minutesOr(c.SweepIntervalMinutes, 15)
}

// InputTTL はアップロード済み入力の保持時間です。
func (c *Config) InputTTL() time.Duration {
	return minutesOr(c.InputTTLMinutes, 120)
}

// JobRetention はジョブ記録の保持時間です。
func (c *Config) JobRetention() time.Duration {
	hours := c.JobRetentionHours
	if hours <= 0 {
		hours = 168
	}
	return time.Duration(hours) * time.Hour
}

// WorkDir は変換処理用の作業ディレクトリです。
func (c *Config) WorkDir() string {
	return filepath.Join(c.DataDir, "work")
}

// FilesDir は保存ファイルの格納先です。
func (c *Config) FilesDir() string {
	return filepath.Join(c.DataDir, "files")
}

// MB はメガバイト指定をバイトに換算します。
func MB(n int64) int64 {
	return n * megabyte
}

func minutesOr(minutes, fallback int) time.Duration {
	if minutes <= 0 {
		minutes = fallback
	}
	return time.Duration(minutes) * time.Minute
}

// getEnv は環境変数を取得し、存在しない場合はデフォルト値を返します。
func getEnv(key string, defaultValue string) string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	return value
}

// getEnvAsInt は環境変数を整数として取得します。
func getEnvAsInt(key string, defaultValue int) int {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

// getEnvAsInt64 は環境変数を64ビット整数として取得します。
func getEnvAsInt64(key string, defaultValue int64) int64 {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseInt(valueStr, 10, 64)
	if err != nil {
		return defaultValue
	}
	return value
}

// getEnvAsList はカンマ区切りの環境変数を空要素を除いて返します。
func getEnvAsList(key string) []string {
	raw := os.Getenv(key)
	if raw == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
