// Package metrics は Prometheus のメトリクスを定義します。
package metrics

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// JobsTotal は終端状態に達したジョブ数です（status は submitted/completed/failed/expired）。
	JobsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "slimpdf_jobs_total",
			Help: "Number of jobs by tool and lifecycle event",
		},
		[]string{"tool", "status"},
	)

	// AdapterAttempts は変換アダプターの呼び出し数です。
	AdapterAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "slimpdf_adapter_attempts_total",
			Help: "Number of adapter invocations by operation and outcome",
		},
		[]string{"op", "outcome"},
	)

	// AdapterDuration は変換アダプター1回あたりの所要時間です。
	AdapterDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "slimpdf_adapter_duration_seconds",
			Help:    "Duration of adapter invocations in seconds",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120},
		},
		[]string{"op"},
	)

	// QuotaDenied は上限到達で拒否した受付の数です。
	QuotaDenied = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "slimpdf_quota_denied_total",
			Help: "Number of submissions rejected by the daily limit",
		},
		[]string{"tool"},
	)

	// SweepDeleted は掃除で削除したファイル数です。
	SweepDeleted = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "slimpdf_sweep_deleted_total",
			Help: "Number of expired files deleted by the sweeper",
		},
	)

	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "slimpdf_http_requests_total",
			Help: "Number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "slimpdf_http_request_duration_seconds",
			Help:    "Duration of HTTP requests in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)
)

// ObserveAdapter はアダプター呼び出しの結果を記録します。
func ObserveAdapter(op string, started time.Time, err error) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	AdapterAttempts.WithLabelValues(op, outcome).Inc()
	AdapterDuration.WithLabelValues(op).Observe(time.Since(started).Seconds())
}

// Middleware はリクエスト数と所要時間を記録する gin ミドルウェアです。
// パスはルート定義（/api/v1/jobs/:id など）で集計します。
func Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}
		httpRequestsTotal.WithLabelValues(c.Request.Method, path, strconv.Itoa(c.Writer.Status())).Inc()
		httpRequestDuration.WithLabelValues(c.Request.Method, path).Observe(time.Since(start).Seconds())
	}
}

// Handler は /metrics 用のハンドラーです。
func Handler() gin.HandlerFunc {
	return gin.WrapH(promhttp.Handler())
}
