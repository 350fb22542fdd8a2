package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/yourusername/slimpdf/internal/pdf"
)

const (
	jobKeyPrefix     = "job:"
	maxUpdateRetries = 16
)

var (
	// ErrJobNotFound は未知のジョブIDを表します。
	ErrJobNotFound = errors.New("job not found")
	// ErrAlreadyClaimed は他のワーカーが処理を開始済みであることを表します。
	ErrAlreadyClaimed = errors.New("job already claimed")
	// ErrInvalidTransition は後退方向の状態遷移を表します。
	ErrInvalidTransition = errors.New("invalid job status transition")
)

// Store はジョブ状態を Redis に保存します。
type Store struct {
	rdb redis.UniversalClient
	ttl time.Duration
	now func() time.Time
}

// NewStore は Store を作成します。ttl はジョブ記録の保持時間です。
func NewStore(rdb redis.UniversalClient, ttl time.Duration) *Store {
	return &Store{
		rdb: rdb,
		ttl: ttl,
		now: time.Now,
	}
}

// Get はジョブ情報を取得します。存在しない場合は nil を返します。
func (s *Store) Get(ctx context.Context, jobID string) (*Record, error) {
	if jobID == "" {
		return nil, fmt.Errorf("jobID is required")
	}
	data, err := s.rdb.Get(ctx, jobKey(jobID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, err
	}
	var record Record
	if err := json.Unmarshal(data, &record); err != nil {
		return nil, err
	}
	return &record, nil
}

// Create は pending のジョブを新規に保存します。同じIDが既にあればエラーです。
func (s *Store) Create(ctx context.Context, record *Record) error {
	if record == nil {
		return fmt.Errorf("record is nil")
	}
	if record.Status != StatusPending {
		return fmt.Errorf("%w: new jobs must be pending", ErrInvalidTransition)
	}
	now := s.now().UTC()
	if record.CreatedAt.IsZero() {
		record.CreatedAt = now
	}
	record.UpdatedAt = now

	payload, err := json.Marshal(record)
	if err != nil {
		return err
	}
	ok, err := s.rdb.SetNX(ctx, jobKey(record.JobID), payload, s.ttl).Result()
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("job %s already exists", record.JobID)
	}
	return nil
}

// Claim は pending→processing を1回の原子的な遷移として行います。
// 既に他のワーカーが遷移させていた場合は ErrAlreadyClaimed を返します。
func (s *Store) Claim(ctx context.Context, jobID string) (*Record, error) {
	return s.update(ctx, jobID, func(record *Record) error {
		if record.Status != StatusPending {
			return ErrAlreadyClaimed
		}
		record.Status = StatusProcessing
		record.Progress = ProgressInfo{Percent: 0, Stage: pdf.StageLoad}
		return nil
	})
}

// UpdateProgress は処理中のジョブの進捗を更新します。
func (s *Store) UpdateProgress(ctx context.Context, jobID string, progress ProgressInfo) error {
	_, err := s.update(ctx, jobID, func(record *Record) error {
		if record.Status != StatusProcessing {
			return ErrInvalidTransition
		}
		record.Progress = progress
		return nil
	})
	return err
}

// MarkCompleted はジョブ完了時の情報を保存します。
func (s *Store) MarkCompleted(ctx context.Context, jobID string, output OutputFile, expiresAt time.Time) (*Record, error) {
	return s.update(ctx, jobID, func(record *Record) error {
		if !canTransition(record.Status, StatusCompleted) {
			return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, record.Status, StatusCompleted)
		}
		completedAt := s.now().UTC()
		expires := expiresAt.UTC()
		record.Status = StatusCompleted
		record.Progress = ProgressInfo{Percent: 100, Stage: pdf.StageComplete}
		record.Output = &output
		record.CompletedAt = &completedAt
		record.ExpiresAt = &expires
		record.Error = nil
		return nil
	})
}

// MarkFailed はジョブ失敗時の情報を保存します。
func (s *Store) MarkFailed(ctx context.Context, jobID string, errInfo ErrorInfo) (*Record, error) {
	return s.update(ctx, jobID, func(record *Record) error {
		if !canTransition(record.Status, StatusFailed) {
			return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, record.Status, StatusFailed)
		}
		completedAt := s.now().UTC()
		record.Status = StatusFailed
		record.Error = &errInfo
		record.CompletedAt = &completedAt
		record.Output = nil
		record.ExpiresAt = nil
		return nil
	})
}

// MarkExpired は成果物が掃除されたことを記録します。status は変えません。
func (s *Store) MarkExpired(ctx context.Context, jobID string) (*Record, error) {
	return s.update(ctx, jobID, func(record *Record) error {
		if !record.Status.Terminal() {
			return fmt.Errorf("%w: cannot expire a %s job", ErrInvalidTransition, record.Status)
		}
		record.Expired = true
		return nil
	})
}

// Delete はジョブ記録を削除します。投入に失敗したジョブの後始末に使います。
func (s *Store) Delete(ctx context.Context, jobID string) error {
	return s.rdb.Del(ctx, jobKey(jobID)).Err()
}

// update は WATCH で楽観ロックを取りながら記録を書き換えます。
func (s *Store) update(ctx context.Context, jobID string, mutate func(*Record) error) (*Record, error) {
	key := jobKey(jobID)
	var updated *Record

	txf := func(tx *redis.Tx) error {
		data, err := tx.Get(ctx, key).Bytes()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				return ErrJobNotFound
			}
			return err
		}
		var record Record
		if err := json.Unmarshal(data, &record); err != nil {
			return err
		}
		if err := mutate(&record); err != nil {
			return err
		}
		record.UpdatedAt = s.now().UTC()
		payload, err := json.Marshal(&record)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, payload, s.ttl)
			return nil
		})
		if err == nil {
			updated = &record
		}
		return err
	}

	for i := 0; i < maxUpdateRetries; i++ {
		err := s.rdb.Watch(ctx, txf, key)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		if err != nil {
			return nil, err
		}
		return updated, nil
	}
	return nil, fmt.Errorf("job %s: update retries exhausted", jobID)
}

func jobKey(id string) string {
	return jobKeyPrefix + id
}
