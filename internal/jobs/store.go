package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	jobKeyPrefix = "job:"
)

// ErrNotFound は指定されたジョブが存在しない場合に返されます。
var ErrNotFound = errors.New("job not found")

// Store はジョブ状態の永続化を抽象化します。
type Store interface {
	// Get はジョブ情報を取得します。存在しない場合は ErrNotFound を返します。
	Get(ctx context.Context, jobID string) (*Record, error)
	// Upsert はジョブ情報を保存します（存在しない場合は作成）。
	Upsert(ctx context.Context, record *Record) error
	// MarkRunning は実行開始を記録します。attempt は1始まりの試行回数です。
	MarkRunning(ctx context.Context, jobID string, attempt int) error
	// UpdateProgress は進捗を更新します。
	UpdateProgress(ctx context.Context, jobID string, progress ProgressInfo) error
	// MarkDone はジョブ完了時の情報を保存します。
	MarkDone(ctx context.Context, jobID string, resultURLs []string, processingMs int64) error
	// MarkFailed はジョブ失敗時の情報を保存します。final が false の場合は
	// 再試行待ちとしてキュー済み状態へ戻します。
	MarkFailed(ctx context.Context, jobID string, errInfo *ErrorInfo, final bool) error
	// MarkCanceled はジョブをキャンセル済みにします。既に終端状態の
	// レコードは変更しません。
	MarkCanceled(ctx context.Context, jobID string) error
}

// RedisStore はジョブ状態を Redis に保存する Store 実装です。
type RedisStore struct {
	rdb *redis.Client
	ttl time.Duration
}

// NewRedisStore は RedisStore を作成します。
func NewRedisStore(rdb *redis.Client, ttl time.Duration) *RedisStore {
	return &RedisStore{
		rdb: rdb,
		ttl: ttl,
	}
}

// Get はジョブ情報を取得します。
func (s *RedisStore) Get(ctx context.Context, jobID string) (*Record, error) {
	if jobID == "" {
		return nil, fmt.Errorf("jobID is required")
	}
	data, err := s.rdb.Get(ctx, jobKey(jobID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, jobID)
		}
		return nil, err
	}
	var record Record
	if err := json.Unmarshal(data, &record); err != nil {
		return nil, err
	}
	return &record, nil
}

// Upsert はジョブ情報を保存します（存在しない場合は作成）。
func (s *RedisStore) Upsert(ctx context.Context, record *Record) error {
	if record == nil {
		return fmt.Errorf("record is nil")
	}
	now := time.Now().UTC()
	if record.CreatedAt.IsZero() {
		record.CreatedAt = now
	}
	record.UpdatedAt = now
	if s.ttl > 0 {
		record.ExpiresAt = now.Add(s.ttl)
	}

	payload, err := json.Marshal(record)
	if err != nil {
		return err
	}
	return s.rdb.Set(ctx, jobKey(record.JobID), payload, s.ttl).Err()
}

// MarkRunning は実行開始を記録します。
func (s *RedisStore) MarkRunning(ctx context.Context, jobID string, attempt int) error {
	return s.updatePartial(ctx, jobID, func(record *Record) {
		now := time.Now().UTC()
		record.Status = StatusRunning
		record.Attempts = attempt
		record.StartedAt = &now
		record.FinishedAt = nil
	})
}

// UpdateProgress は進捗を更新します。
func (s *RedisStore) UpdateProgress(ctx context.Context, jobID string, progress ProgressInfo) error {
	return s.updatePartial(ctx, jobID, func(record *Record) {
		record.Progress = progress
	})
}

// MarkDone はジョブ完了時の情報を保存します。
func (s *RedisStore) MarkDone(ctx context.Context, jobID string, resultURLs []string, processingMs int64) error {
	return s.updatePartial(ctx, jobID, func(record *Record) {
		now := time.Now().UTC()
		record.Status = StatusDone
		record.Progress = ProgressInfo{
			Percent: 100,
			Stage:   StageComposition,
			Message: "Enhancement complete",
		}
		record.ResultURLs = resultURLs
		record.ProcessingMs = processingMs
		record.FinishedAt = &now
		record.Error = nil
	})
}

// MarkFailed はジョブ失敗時の情報を保存します。
func (s *RedisStore) MarkFailed(ctx context.Context, jobID string, errInfo *ErrorInfo, final bool) error {
	return s.updatePartial(ctx, jobID, func(record *Record) {
		if errInfo != nil {
			record.Error = errInfo
		}
		if final {
			now := time.Now().UTC()
			record.Status = StatusFailed
			record.FinishedAt = &now
			return
		}
		// 再試行が残っている場合はキューへ戻る。直前のエラーは状態照会で
		// 参照できるよう残す。
		record.Status = StatusQueued
	})
}

// MarkCanceled はジョブをキャンセル済みにします。
func (s *RedisStore) MarkCanceled(ctx context.Context, jobID string) error {
	return s.updatePartial(ctx, jobID, func(record *Record) {
		if record.Status.Terminal() {
			return
		}
		now := time.Now().UTC()
		record.Status = StatusCanceled
		record.FinishedAt = &now
	})
}

// updatePartial はレコードを読み取り・変更・書き戻しします。ワーカーと
// キャンセルAPIが同じレコードを同時に更新するため、WATCH で競合を検出し
// 失敗した場合は読み直して再試行します。
func (s *RedisStore) updatePartial(ctx context.Context, jobID string, mutate func(*Record)) error {
	key := jobKey(jobID)
	for {
		err := s.rdb.Watch(ctx, func(tx *redis.Tx) error {
			data, err := tx.Get(ctx, key).Bytes()
			if err != nil {
				if errors.Is(err, redis.Nil) {
					return fmt.Errorf("%w: %s", ErrNotFound, jobID)
				}
				return err
			}
			var record Record
			if err := json.Unmarshal(data, &record); err != nil {
				return err
			}
			mutate(&record)
			now := time.Now().UTC()
			record.UpdatedAt = now
			if s.ttl > 0 {
				record.ExpiresAt = now.Add(s.ttl)
			}
			payload, err := json.Marshal(&record)
			if err != nil {
				return err
			}
			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.Set(ctx, key, payload, s.ttl)
				return nil
			})
			return err
		}, key)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return err
	}
}

func jobKey(id string) string {
	return jobKeyPrefix + id
}
