package api

import (
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/yourusername/slimpdf/internal/metrics"
)

// RouterConfig はルーター構築に必要な設定です。
type RouterConfig struct {
	Handler *Handler
	// Identify は呼び出し元を判定するミドルウェアです（auth.Manager.Identify）。
	Identify gin.HandlerFunc
	// CORSAllowedOrigins はカンマ区切りの許可オリジンです。
	CORSAllowedOrigins string
	// MaxMultipartMemory はメモリに保持するアップロードの上限です。超えた分は一時ファイルになります。
	MaxMultipartMemory int64
	Logger             zerolog.Logger
}

// NewRouter はミドルウェアとルートを設定した gin.Engine を返します。
func NewRouter(cfg RouterConfig) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery(), RequestLogger(cfg.Logger), metrics.Middleware())
	if cfg.MaxMultipartMemory > 0 {
		router.MaxMultipartMemory = cfg.MaxMultipartMemory
	}

	if origins := splitOrigins(cfg.CORSAllowedOrigins); len(origins) > 0 {
		corsConfig := cors.DefaultConfig()
		corsConfig.AllowOrigins = origins
		corsConfig.AllowHeaders = []string{
			"Origin",
			"Content-Type",
			"Accept",
			"Authorization",
			"X-API-Key",
		}
		// フロントエンドが利用状況ヘッダーを読めるように公開する
		corsConfig.ExposeHeaders = []string{
			"X-RateLimit-Limit",
			"X-RateLimit-Remaining",
			"X-RateLimit-Reset",
			"X-Job-Id",
			"Content-Disposition",
		}
		router.Use(cors.New(corsConfig))
	}

	router.GET("/health", Health)
	router.GET("/metrics", metrics.Handler())

	identify := cfg.Identify
	if identify == nil {
		identify = func(c *gin.Context) { c.Next() }
	}

	h := cfg.Handler
	v1 := router.Group("/api/v1")
	v1.Use(identify)
	{
		v1.POST("/compress", h.Compress)
		v1.POST("/merge", h.Merge)
		v1.POST("/image-to-pdf", h.ImageToPDF)
		v1.GET("/jobs/:id", h.JobStatus)
		v1.GET("/jobs/:id/download", h.JobDownload)
		v1.GET("/usage", h.Usage)
	}
	return router
}

// RequestLogger はリクエストごとにメソッド・パス・ステータス・所要時間を記録します。
// 5xx は error、4xx は warn、それ以外は info で出します。
func RequestLogger(logger zerolog.Logger) gin.HandlerFunc {
	logger = logger.With().Str("component", "http").Logger()
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		status := c.Writer.Status()
		event := logger.Info()
		switch {
		case status >= 500:
			event = logger.Error()
		case status >= 400:
			event = logger.Warn()
		}
		event.
			Str("method", c.Request.Method).
			Str("path", c.Request.URL.Path).
			Int("status", status).
			Dur("duration", time.Since(start)).
			Int("bytes", c.Writer.Size()).
			Str("client_ip", c.ClientIP()).
			Msg("http request")
	}
}

func splitOrigins(raw string) []string {
	var origins []string
	for _, o := range strings.Split(raw, ",") {
		if o = strings.TrimSpace(o); o != "" {
			origins = append(origins, o)
		}
	}
	return origins
}
