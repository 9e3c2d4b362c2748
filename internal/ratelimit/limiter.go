// Package ratelimit は固定ウィンドウ方式のリクエストレート制限を提供します。
package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// Counter はウィンドウ毎のカウンターをアトミックに加算するインターフェースです。
type Counter interface {
	Incr(ctx context.Context, key string, ttl time.Duration) (int64, error)
}

// RedisCounter は Redis の INCR を使った Counter の実装です。
// キーにウィンドウ開始時刻を含めるため、複数インスタンスから同時に
// 加算しても同じウィンドウを正しく共有できます。
type RedisCounter struct {
	rdb *redis.Client
}

// NewRedisCounter は RedisCounter を作成します。
func NewRedisCounter(rdb *redis.Client) *RedisCounter {
	return &RedisCounter{rdb: rdb}
}

// Incr はカウンターを加算し、加算後の値を返します。
func (c *RedisCounter) Incr(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	pipe := c.rdb.TxPipeline()
	incr := pipe.Incr(ctx, key)
	pipe.Expire(ctx, key, ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, err
	}
	return incr.Val(), nil
}

// Result は1リクエスト分のレート制限判定です。
type Result struct {
	Allowed   bool
	Limit     int64
	Remaining int64
	ResetAt   time.Time
}

// Limiter は (エンドポイント, 識別子) 毎の固定ウィンドウレート制限です。
//
// カウンターストアに到達できない場合はフェイルオープンし、リクエストを
// 通します。ここでは厳密な制限よりも可用性を優先します。レート制限に
// よる拒否はサーキットブレーカーの失敗数には一切影響しません。
type Limiter struct {
	counter Counter
	max     int64
	window  time.Duration
	logger  zerolog.Logger

	now func() time.Time
}

// New は Limiter を作成します。
func New(counter Counter, max int64, window time.Duration, logger zerolog.Logger) *Limiter {
	return &Limiter{
		counter: counter,
		max:     max,
		window:  window,
		logger:  logger.With().Str("component", "rate_limiter").Logger(),
		now:     time.Now,
	}
}

// Allow は1リクエストを数え、判定結果を返します。
func (l *Limiter) Allow(ctx context.Context, endpoint, identity string) Result {
	windowStart := l.now().Truncate(l.window)
	resetAt := windowStart.Add(l.window)
	key := fmt.Sprintf("ratelimit:%s:%s:%d", endpoint, identity, windowStart.Unix())

	count, err := l.counter.Incr(ctx, key, l.window*2)
	if err != nil {
		l.logger.Warn().Err(err).
			Str("endpoint", endpoint).
			Msg("rate limit store unavailable, failing open")
		return Result{Allowed: true, Limit: l.max, Remaining: l.max, ResetAt: resetAt}
	}

	remaining := l.max - count
	if remaining < 0 {
		remaining = 0
	}
	return Result{
		Allowed:   count <= l.max,
		Limit:     l.max,
		Remaining: remaining,
		ResetAt:   resetAt,
	}
}
