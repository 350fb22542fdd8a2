package client

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand/v2"
	"net/http"
	"time"

	"github.com/rs/zerolog"
)

var (
	// ErrTimeout は上限回数までに終端状態にならなかったことを表します。
	ErrTimeout = errors.New("polling timed out")
	// ErrJobFailed はサーバーがジョブの失敗を報告したことを表します。
	ErrJobFailed = errors.New("job failed")
)

// TimeoutError はポーリングを諦めたことを表します。
// サーバー側のジョブは止まっていないので、JobID で後から再開できます。
type TimeoutError struct {
	JobID    string
	Attempts int
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("job %s did not finish after %d status checks", e.JobID, e.Attempts)
}

func (e *TimeoutError) Is(target error) bool {
	return target == ErrTimeout
}

// JobFailedError はサーバーが failed を返したことを表します。Detail はサーバーの文言そのままです。
type JobFailedError struct {
	JobID  string
	Code   string
	Detail string
}

func (e *JobFailedError) Error() string {
	return fmt.Sprintf("job %s failed: %s", e.JobID, e.Detail)
}

func (e *JobFailedError) Is(target error) bool {
	return target == ErrJobFailed
}

// StatusFetcher はジョブの状態を1回取得します。*Client が実装します。
type StatusFetcher interface {
	Status(ctx context.Context, jobID string) (*JobStatus, error)
}

// PollConfig はポーリング間隔の設定です。
type PollConfig struct {
	InitialInterval time.Duration
	MaxInterval     time.Duration
	Multiplier      float64
	// JitterFraction は伸ばした後の間隔に対する揺らぎの割合です（0.1 なら ±10%）。
	JitterFraction float64
	MaxAttempts    int
}

// DefaultPollConfig は 1秒から始めて1.5倍ずつ伸ばし、5秒で頭打ち、最大60回です。
func DefaultPollConfig() PollConfig {
	return PollConfig{
		InitialInterval: time.Second,
		MaxInterval:     5 * time.Second,
		Multiplier:      1.5,
		JitterFraction:  0.1,
		MaxAttempts:     60,
	}
}

// Poller はジョブIDを終端状態まで待つ処理に変換します。
type Poller struct {
	fetcher StatusFetcher
	cfg     PollConfig
	sleep   func(ctx context.Context, d time.Duration) error
	random  func() float64
	logger  zerolog.Logger
}

// NewPoller は Poller を作成します。
func NewPoller(fetcher StatusFetcher, cfg PollConfig, logger zerolog.Logger) *Poller {
	def := DefaultPollConfig()
	if cfg.InitialInterval <= 0 {
		cfg.InitialInterval = def.InitialInterval
	}
	if cfg.MaxInterval <= 0 {
		cfg.MaxInterval = def.MaxInterval
	}
	if cfg.Multiplier < 1 {
		cfg.Multiplier = def.Multiplier
	}
	if cfg.JitterFraction < 0 {
		cfg.JitterFraction = 0
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = def.MaxAttempts
	}
	return &Poller{
		fetcher: fetcher,
		cfg:     cfg,
		sleep:   sleepContext,
		random:  rand.Float64,
		logger:  logger,
	}
}

// Wait は終端状態になるまで状態を取得します。
// completed なら状態を返し、failed なら待たずに *JobFailedError を返します。
// 上限回数に達したら *TimeoutError を返します。
func (p *Poller) Wait(ctx context.Context, jobID string) (*JobStatus, error) {
	interval := p.cfg.InitialInterval

	for attempt := 1; attempt <= p.cfg.MaxAttempts; attempt++ {
		status, err := p.fetcher.Status(ctx, jobID)
		switch {
		case err != nil:
			if !retryable(ctx, err) {
				return nil, err
			}
			p.logger.Debug().Err(err).Str("job_id", jobID).Int("attempt", attempt).Msg("status check failed, retrying")
		case status.Status == StatusCompleted:
			return status, nil
		case status.Status == StatusFailed:
			detail, code := "", ""
			if status.ErrorMessage != nil {
				detail = *status.ErrorMessage
			}
			if status.ErrorCode != nil {
				code = *status.ErrorCode
			}
			return status, &JobFailedError{JobID: jobID, Code: code, Detail: detail}
		}

		if attempt == p.cfg.MaxAttempts {
			break
		}
		if err := p.sleep(ctx, interval); err != nil {
			return nil, err
		}
		interval = p.next(interval)
	}
	return nil, &TimeoutError{JobID: jobID, Attempts: p.cfg.MaxAttempts}
}

// next は間隔を Multiplier 倍し、その値に ±JitterFraction の揺らぎを加えて MaxInterval で抑えます。
func (p *Poller) next(current time.Duration) time.Duration {
	grown := float64(current) * p.cfg.Multiplier
	jitter := grown * p.cfg.JitterFraction * (2*p.random() - 1)
	next := time.Duration(math.Round(grown + jitter))
	if next > p.cfg.MaxInterval {
		return p.cfg.MaxInterval
	}
	if next <= 0 {
		return p.cfg.InitialInterval
	}
	return next
}

// retryable は一時的な失敗かどうかを返します。4xx はやり直しても変わらないので諦めます。
// 1回のリクエストのタイムアウトは次の試行に回し、呼び出し元の ctx が終わったときだけ止めます。
func retryable(ctx context.Context, err error) bool {
	if ctx.Err() != nil {
		return false
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode >= http.StatusInternalServerError || apiErr.StatusCode == http.StatusTooManyRequests
	}
	return true
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
