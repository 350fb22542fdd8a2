package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/hibiken/asynq"
	"github.com/rs/zerolog"
)

const (
	taskTypePDF = "pdf:process"
	queueName   = "pdf"
)

// TaskPayload はPDF処理タスクのペイロードです。
type TaskPayload struct {
	JobID string `json:"job_id"`
}

// QueueScheduler は Asynq にジョブを投入します。QUEUE_MODE=asynq で使います。
type QueueScheduler struct {
	client  *asynq.Client
	timeout time.Duration
}

// NewQueueScheduler は QueueScheduler を作成します。timeout はタスク1件の上限時間です。
func NewQueueScheduler(opt asynq.RedisConnOpt, timeout time.Duration) *QueueScheduler {
	return &QueueScheduler{client: asynq.NewClient(opt), timeout: timeout}
}

// Schedule はジョブをキューに投入します。
// タスクIDにジョブIDを使うので、同じジョブの二重投入は無視されます。
func (s *QueueScheduler) Schedule(ctx context.Context, jobID string) error {
	if jobID == "" {
		return fmt.Errorf("jobID is required")
	}
	body, err := json.Marshal(TaskPayload{JobID: jobID})
	if err != nil {
		return err
	}

	opts := []asynq.Option{
		asynq.Queue(queueName),
		asynq.TaskID(jobID),
		// 変換の再試行はしない。失敗はジョブの failed として記録される
		asynq.MaxRetry(0),
	}
	if s.timeout > 0 {
		opts = append(opts, asynq.Timeout(s.timeout))
	}

	task := asynq.NewTask(taskTypePDF, body)
	if _, err := s.client.EnqueueContext(ctx, task, opts...); err != nil {
		if errors.Is(err, asynq.ErrTaskIDConflict) {
			return nil
		}
		return err
	}
	return nil
}

// Close はクライアントを閉じます。
func (s *QueueScheduler) Close() error {
	return s.client.Close()
}

// QueueWorker は Asynq のタスクを受け取り Runner に渡します。
type QueueWorker struct {
	server *asynq.Server
	mux    *asynq.ServeMux
	runner Runner
	logger zerolog.Logger
}

// NewQueueWorker は QueueWorker を初期化します。
func NewQueueWorker(opt asynq.RedisConnOpt, runner Runner, concurrency int, logger zerolog.Logger) *QueueWorker {
	if concurrency <= 0 {
		concurrency = 1
	}
	logger = logger.With().Str("component", "queue").Logger()
	server := asynq.NewServer(
		opt,
		asynq.Config{
			Concurrency: concurrency,
			Queues: map[string]int{
				queueName: 1,
			},
			Logger: asynqLogger{logger: logger},
		},
	)

	w := &QueueWorker{
		server: server,
		mux:    asynq.NewServeMux(),
		runner: runner,
		logger: logger,
	}
	w.mux.HandleFunc(taskTypePDF, w.handlePDFTask)
	return w
}

// Start はワーカーをバックグラウンドで起動します。
func (w *QueueWorker) Start() error {
	return w.server.Start(w.mux)
}

// Shutdown は処理中のタスクを待ってから停止します。
func (w *QueueWorker) Shutdown() {
	w.server.Shutdown()
}

func (w *QueueWorker) handlePDFTask(ctx context.Context, task *asynq.Task) error {
	var payload TaskPayload
	if err := json.Unmarshal(task.Payload(), &payload); err != nil {
		return fmt.Errorf("%w: invalid payload: %v", asynq.SkipRetry, err)
	}
	if payload.JobID == "" {
		return fmt.Errorf("%w: missing job_id in payload", asynq.SkipRetry)
	}
	return w.runner.Run(ctx, payload.JobID)
}

// asynqLogger は Asynq のログを zerolog に流します。
type asynqLogger struct {
	logger zerolog.Logger
}

func (l asynqLogger) Debug(args ...interface{}) { l.logger.Debug().Msg(fmt.Sprint(args...)) }
func (l asynqLogger) Info(args ...interface{})  { l.logger.Info().Msg(fmt.Sprint(args...)) }
func (l asynqLogger) Warn(args ...interface{})  { l.logger.Warn().Msg(fmt.Sprint(args...)) }
func (l asynqLogger) Error(args ...interface{}) { l.logger.Error().Msg(fmt.Sprint(args...)) }
func (l asynqLogger) Fatal(args ...interface{}) { l.logger.Fatal().Msg(fmt.Sprint(args...)) }
