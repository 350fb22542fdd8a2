// Package ratelimit は呼び出し元・ツール・UTC日付ごとの利用回数を制限します。
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/yourusername/slimpdf/internal/auth"
	"github.com/yourusername/slimpdf/internal/pdf"
	"github.com/yourusername/slimpdf/internal/tier"
)

const (
	keyPrefix = "usage:"
	// 日付キーは翌日以降使われないので、日付が変わった後も少し残してから消す
	counterTTL = 48 * time.Hour
)

// Counter は上限付きの原子的なカウンターです。
type Counter interface {
	// Incr は ceiling 未満のときだけ key を1増やします。ceiling が 0 なら常に増やします。
	Incr(ctx context.Context, key string, ceiling int, ttl time.Duration) (count int64, allowed bool, err error)
	Get(ctx context.Context, key string) (int64, error)
}

// Decision は受付判定の結果です。
type Decision struct {
	Allowed   bool
	Unlimited bool
	Limit     int
	Used      int64
	Remaining int
	ResetAt   time.Time
}

// DeniedError は上限到達で受付を拒否したことを表します。
type DeniedError struct {
	Tool     pdf.Tool
	Decision Decision
}

func (e *DeniedError) Error() string {
	return fmt.Sprintf("daily limit of %d %s jobs reached, resets at %s",
		e.Decision.Limit, e.Tool, e.Decision.ResetAt.Format(time.RFC3339))
}

// Limiter はティアごとの上限で受付を判定します。
type Limiter struct {
	counter Counter
	policy  *tier.Policy
	now     func() time.Time
	logger  zerolog.Logger
}

// NewLimiter は Limiter を作成します。
func NewLimiter(counter Counter, policy *tier.Policy, logger zerolog.Logger) *Limiter {
	return &Limiter{counter: counter, policy: policy, now: time.Now, logger: logger}
}

// SetClock は現在時刻の取得方法を差し替えます。
func (l *Limiter) SetClock(now func() time.Time) {
	l.now = now
}

// CheckAndIncrement は上限内なら利用回数を1増やして受け付けます。
// 上限を超える場合は *DeniedError を返し、回数は増えません。
func (l *Limiter) CheckAndIncrement(ctx context.Context, id auth.Identity, tool pdf.Tool) (Decision, error) {
	now := l.now().UTC()
	ceiling := l.policy.For(id.Tier).DailyLimit(tool)
	key := Key(id, tool, now)

	count, allowed, err := l.counter.Incr(ctx, key, ceiling, counterTTL)
	if err != nil {
		return Decision{}, fmt.Errorf("failed to update usage counter: %w", err)
	}

	decision := newDecision(ceiling, count, now)
	decision.Allowed = allowed
	if !allowed {
		l.logger.Info().Str("identity", id.Key).Str("tool", string(tool)).Int("limit", ceiling).Msg("daily limit reached")
		return decision, &DeniedError{Tool: tool, Decision: decision}
	}
	return decision, nil
}

// Peek は回数を増やさずに現在の利用状況を返します。
func (l *Limiter) Peek(ctx context.Context, id auth.Identity, tool pdf.Tool) (Decision, error) {
	now := l.now().UTC()
	ceiling := l.policy.For(id.Tier).DailyLimit(tool)
	count, err := l.counter.Get(ctx, Key(id, tool, now))
	if err != nil {
		return Decision{}, err
	}
	decision := newDecision(ceiling, count, now)
	decision.Allowed = decision.Unlimited || count < int64(ceiling)
	return decision, nil
}

// IsDenied は err が上限到達による拒否かどうかを返します。
func IsDenied(err error) (*DeniedError, bool) {
	var denied *DeniedError
	if errors.As(err, &denied) {
		return denied, true
	}
	return nil, false
}

// Key は集計キーを返します。日付は UTC です。
func Key(id auth.Identity, tool pdf.Tool, now time.Time) string {
	return fmt.Sprintf("%s%s:%s:%s", keyPrefix, tool, id.Key, now.UTC().Format("2006-01-02"))
}

// ResetAt は now の翌日の UTC 0時です。
func ResetAt(now time.Time) time.Time {
	y, m, d := now.UTC().Date()
	return time.Date(y, m, d+1, 0, 0, 0, 0, time.UTC)
}

func newDecision(ceiling int, count int64, now time.Time) Decision {
	d := Decision{
		Limit:   ceiling,
		Used:    count,
		ResetAt: ResetAt(now),
	}
	if ceiling <= 0 {
		d.Unlimited = true
		d.Limit = 0
		return d
	}
	if remaining := int64(ceiling) - count; remaining > 0 {
		d.Remaining = int(remaining)
	}
	return d
}
