// Package sessions は共有ストアに基づくWebSocketセッションレジストリを提供します。
// 登録情報を外部ストアに置くことで、単一ゲートウェイの再起動をまたいで生存し、
// 水平スケールした全インスタンスから参照できます。
package sessions

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrNotFound はキーが存在しない場合に返されます。
var ErrNotFound = errors.New("session store: key not found")

// StoreUnavailableError は共有ストアへの接続断を表します。
// 受け取った側はクラッシュせず、ローカル配信へのデグレードで処理を継続します。
type StoreUnavailableError struct {
	Op  string
	Err error
}

func (e *StoreUnavailableError) Error() string {
	return fmt.Sprintf("session store unavailable during %s: %v", e.Op, e.Err)
}

func (e *StoreUnavailableError) Unwrap() error {
	return e.Err
}

// Store はセッションレジストリが利用する共有ストアのインターフェースです。
// カウンター操作は複数のゲートウェイインスタンスからの同時登録に対して
// アトミックであることが求められます（read-modify-writeは不可）。
type Store interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error

	AddToSet(ctx context.Context, key, member string, ttl time.Duration) error
	RemoveFromSet(ctx context.Context, key, member string) (bool, error)
	SetMembers(ctx context.Context, key string) ([]string, error)

	IncrByField(ctx context.Context, key, field string, delta int64) (int64, error)
	DeleteField(ctx context.Context, key, field string) error
	GetAllFields(ctx context.Context, key string) (map[string]string, error)

	Ping(ctx context.Context) error
}

// RedisStore は Redis を使った Store の実装です。
type RedisStore struct {
	rdb *redis.Client
}

// NewRedisStore は RedisStore を作成します。
func NewRedisStore(rdb *redis.Client) *RedisStore {
	return &RedisStore{rdb: rdb}
}

// Get は値を取得します。キーが存在しない場合は ErrNotFound を返します。
func (s *RedisStore) Get(ctx context.Context, key string) ([]byte, error) {
	data, err := s.rdb.Get(ctx, key).Bytes()
	if err != nil {
		if err == redis.Nil {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return data, nil
}

// Set は値をTTL付きで保存します。
func (s *RedisStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return s.rdb.Set(ctx, key, value, ttl).Err()
}

// Delete はキーを削除します。
func (s *RedisStore) Delete(ctx context.Context, key string) error {
	return s.rdb.Del(ctx, key).Err()
}

// AddToSet はセットにメンバーを追加し、セットのTTLを更新します。
func (s *RedisStore) AddToSet(ctx context.Context, key, member string, ttl time.Duration) error {
	pipe := s.rdb.TxPipeline()
	pipe.SAdd(ctx, key, member)
	if ttl > 0 {
		pipe.Expire(ctx, key, ttl)
	}
	_, err := pipe.Exec(ctx)
	return err
}

// RemoveFromSet はセットからメンバーを削除し、実際に削除されたかを返します。
func (s *RedisStore) RemoveFromSet(ctx context.Context, key, member string) (bool, error) {
	removed, err := s.rdb.SRem(ctx, key, member).Result()
	if err != nil {
		return false, err
	}
	return removed > 0, nil
}

// SetMembers はセットの全メンバーを返します。
func (s *RedisStore) SetMembers(ctx context.Context, key string) ([]string, error) {
	return s.rdb.SMembers(ctx, key).Result()
}

// IncrByField はハッシュのフィールドをアトミックに加算します。
func (s *RedisStore) IncrByField(ctx context.Context, key, field string, delta int64) (int64, error) {
	return s.rdb.HIncrBy(ctx, key, field, delta).Result()
}

// DeleteField はハッシュのフィールドを削除します。
func (s *RedisStore) DeleteField(ctx context.Context, key, field string) error {
	return s.rdb.HDel(ctx, key, field).Err()
}

// GetAllFields はハッシュの全フィールドを返します。
func (s *RedisStore) GetAllFields(ctx context.Context, key string) (map[string]string, error) {
	return s.rdb.HGetAll(ctx, key).Result()
}

// Ping はストアへの疎通を確認します。
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.rdb.Ping(ctx).Err()
}
