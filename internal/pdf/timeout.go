package pdf

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// runWithTimeout は fn を別ゴルーチンで実行し、上限時間を超えたら待たずに戻ります。
// pdfcpu はキャンセルに対応しないため、超過後の fn は捨てられた作業ディレクトリに書き込むだけです。
func runWithTimeout(ctx context.Context, timeout time.Duration, op string, fn func() error) error {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("panic: %v", r)
			}
		}()
		done <- fn()
	}()

	select {
	case err := <-done:
		if err != nil {
			return adapterError(op, op+" failed", err)
		}
		return nil
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return adapterError(op, "adapter timeout", ErrAdapterTimeout)
		}
		return ctx.Err()
	}
}
