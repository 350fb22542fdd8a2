package jobs

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"
)

// ErrPoolClosed は停止済みのプールに投入したことを表します。
var ErrPoolClosed = errors.New("worker pool is closed")

// Runner は1件のジョブを処理します。*Manager が実装します。
type Runner interface {
	Run(ctx context.Context, jobID string) error
}

// PoolStats はプールの処理件数です。
type PoolStats struct {
	Processed int64
	Errors    int64
}

// LocalPool はプロセス内のワーカープールです。QUEUE_MODE=local で使います。
type LocalPool struct {
	runner  Runner
	workers int
	queue   chan string
	logger  zerolog.Logger

	mu     sync.RWMutex
	closed bool
	wg     sync.WaitGroup
	stats  PoolStats
}

// NewLocalPool は workers 個のワーカーを持つプールを作成します。
// queueSize を超えて投入すると Schedule は空きが出るまで待ちます。
func NewLocalPool(runner Runner, workers, queueSize int, logger zerolog.Logger) *LocalPool {
	if workers <= 0 {
		workers = 1
	}
	if queueSize <= 0 {
		queueSize = workers * 16
	}
	return &LocalPool{
		runner:  runner,
		workers: workers,
		queue:   make(chan string, queueSize),
		logger:  logger.With().Str("component", "pool").Logger(),
	}
}

// Start はワーカーを起動します。ctx が終わるとキューに残ったジョブを取らずに止まります。
func (p *LocalPool) Start(ctx context.Context) {
	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go func(workerID int) {
			defer p.wg.Done()
			p.worker(ctx, workerID)
		}(i)
	}
}

// Schedule はジョブをキューに入れます。
func (p *LocalPool) Schedule(ctx context.Context, jobID string) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return ErrPoolClosed
	}
	select {
	case p.queue <- jobID:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stop は新規の投入を止め、キューに残ったジョブを処理し終えるまで待ちます。
func (p *LocalPool) Stop() {
	p.mu.Lock()
	if !p.closed {
		p.closed = true
		close(p.queue)
	}
	p.mu.Unlock()
	p.wg.Wait()
}

// Stats は現在までの処理件数を返します。
func (p *LocalPool) Stats() PoolStats {
	return PoolStats{
		Processed: atomic.LoadInt64(&p.stats.Processed),
		Errors:    atomic.LoadInt64(&p.stats.Errors),
	}
}

func (p *LocalPool) worker(ctx context.Context, id int) {
	for {
		select {
		case <-ctx.Done():
			return
		case jobID, ok := <-p.queue:
			if !ok {
				return
			}
			p.process(ctx, id, jobID)
		}
	}
}

// process はジョブを1件実行します。パニックでワーカーが止まらないようにします。
func (p *LocalPool) process(ctx context.Context, workerID int, jobID string) {
	defer func() {
		if r := recover(); r != nil {
			atomic.AddInt64(&p.stats.Errors, 1)
			p.logger.Error().Interface("panic", r).Int("worker", workerID).Str("job_id", jobID).Msg("worker recovered from panic")
		}
	}()

	if err := p.runner.Run(ctx, jobID); err != nil {
		atomic.AddInt64(&p.stats.Errors, 1)
		p.logger.Error().Err(err).Int("worker", workerID).Str("job_id", jobID).Msg("job run failed")
		return
	}
	atomic.AddInt64(&p.stats.Processed, 1)
}
