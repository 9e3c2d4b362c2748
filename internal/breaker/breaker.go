// Package breaker は障害が発生しやすい依存先への呼び出しを保護する
// サーキットブレーカーを提供します。
package breaker

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// State はブレーカーの状態を表します。
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "closed"
	}
}

// Config は1つのブレーカーの動作パラメータです。
type Config struct {
	FailureThreshold    int           // Open へ遷移する失敗数のしきい値
	ResetTimeout        time.Duration // Open から Half-Open へ移るまでの時間
	HalfOpenMaxAttempts int           // Half-Open で許可する試行回数
	MonitoringPeriod    time.Duration // Closed 状態でカウンターを保持する観測ウィンドウ
	MinimumRequests     int           // 遷移判定に必要な最小観測数
}

func (c Config) withDefaults() Config {
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = 5
	}
	if c.ResetTimeout <= 0 {
		c.ResetTimeout = 30 * time.Second
	}
	if c.HalfOpenMaxAttempts <= 0 {
		c.HalfOpenMaxAttempts = 3
	}
	if c.MonitoringPeriod <= 0 {
		c.MonitoringPeriod = time.Minute
	}
	if c.MinimumRequests <= 0 {
		c.MinimumRequests = 1
	}
	return c
}

// OpenError はブレーカーが Open のため呼び出しを拒否したことを表します。
// RetryAfter は再試行までの推奨待機時間です。
type OpenError struct {
	Name       string
	RetryAfter time.Duration
}

func (e *OpenError) Error() string {
	return fmt.Sprintf("circuit breaker %q is open (retry after %s)", e.Name, e.RetryAfter)
}

// Breaker は1つの依存先を守る状態機械です。
//
// 状態遷移の管理はミューテックスで直列化されますが、保護対象の呼び出し
// 自体はロックの外で実行されます。少ない観測数でのノイズによる遷移を
// 防ぐため、失敗数がしきい値に達していても観測数が MinimumRequests に
// 届くまでは Open になりません。
type Breaker struct {
	name string
	cfg  Config

	mu                sync.Mutex
	state             State
	failures          int
	successes         int
	observations      int
	windowStart       time.Time
	lastFailure       time.Time
	openedAt          time.Time
	halfOpenAttempts  int
	halfOpenSuccesses int

	now func() time.Time
}

// New は Breaker を作成します。
func New(name string, cfg Config) *Breaker {
	return &Breaker{
		name: name,
		cfg:  cfg.withDefaults(),
		now:  time.Now,
	}
}

// Name はブレーカー名を返します。
func (b *Breaker) Name() string {
	return b.name
}

// CanAttempt は呼び出しを実行してよいかを返します。
// Half-Open では試行枠を1つ消費するため、trueを返すのは最大
// HalfOpenMaxAttempts 回です。
func (b *Breaker) CanAttempt() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.canAttemptLocked()
}

func (b *Breaker) canAttemptLocked() bool {
	switch b.state {
	case StateClosed:
		return true
	case StateOpen:
		if b.now().Sub(b.openedAt) >= b.cfg.ResetTimeout {
			b.toHalfOpenLocked()
			b.halfOpenAttempts++
			return true
		}
		return false
	default: // StateHalfOpen
		if b.halfOpenAttempts < b.cfg.HalfOpenMaxAttempts {
			b.halfOpenAttempts++
			return true
		}
		return false
	}
}

// Execute は CanAttempt が許可した場合のみ fn を呼び出し、結果を記録します。
// Open 状態で拒否された場合は fn を呼ばず *OpenError を返します。
func (b *Breaker) Execute(ctx context.Context, fn func(context.Context) error) error {
	b.mu.Lock()
	if !b.canAttemptLocked() {
		retryAfter := b.timeUntilResetLocked()
		b.mu.Unlock()
		return &OpenError{Name: b.name, RetryAfter: retryAfter}
	}
	b.mu.Unlock()

	if err := fn(ctx); err != nil {
		b.RecordFailure()
		return err
	}
	b.RecordSuccess()
	return nil
}

// ExecuteWithFallback は Execute と同じ保護の下で fn を実行し、拒否または
// 失敗した場合は fallback の結果を返します。fallback の成否はブレーカーに
// 記録しません。
func (b *Breaker) ExecuteWithFallback(ctx context.Context, fn, fallback func(context.Context) error) error {
	if err := b.Execute(ctx, fn); err != nil {
		return fallback(ctx)
	}
	return nil
}

// RecordSuccess は成功を記録します。
// Half-Open で十分な成功が続いた場合は Closed へ戻します。
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateHalfOpen:
		b.halfOpenSuccesses++
		if b.halfOpenSuccesses >= b.cfg.HalfOpenMaxAttempts {
			b.toClosedLocked()
		}
	case StateClosed:
		b.rotateWindowLocked()
		b.successes++
		b.observations++
	}
}

// RecordFailure は失敗を記録し、必要に応じて Open へ遷移します。
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.lastFailure = b.now()
	switch b.state {
	case StateHalfOpen:
		// Half-Open中の失敗は即座にOpenへ戻し、リセット時計を再起動する
		b.toOpenLocked()
	case StateClosed:
		b.rotateWindowLocked()
		b.failures++
		b.observations++
		if b.failures >= b.cfg.FailureThreshold && b.observations >= b.cfg.MinimumRequests {
			b.toOpenLocked()
		}
	}
}

// State は現在の状態を返します。Open のままリセット時間が経過していた
// 場合は Half-Open へ遷移させた上で返します（試行枠は消費しません）。
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == StateOpen && b.now().Sub(b.openedAt) >= b.cfg.ResetTimeout {
		b.toHalfOpenLocked()
	}
	return b.state
}

// TimeUntilReset は Open が解除されるまでの残り時間を返します。
// Open 以外では 0 を返します。
func (b *Breaker) TimeUntilReset() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.timeUntilResetLocked()
}

func (b *Breaker) timeUntilResetLocked() time.Duration {
	if b.state != StateOpen {
		return 0
	}
	remaining := b.cfg.ResetTimeout - b.now().Sub(b.openedAt)
	if remaining < 0 {
		return 0
	}
	return remaining
}

// Reset は状態を Closed に戻し、全カウンターをクリアします。
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.toClosedLocked()
}

func (b *Breaker) rotateWindowLocked() {
	now := b.now()
	if b.windowStart.IsZero() {
		b.windowStart = now
		return
	}
	if now.Sub(b.windowStart) >= b.cfg.MonitoringPeriod {
		b.failures = 0
		b.successes = 0
		b.observations = 0
		b.windowStart = now
	}
}

func (b *Breaker) toOpenLocked() {
	b.state = StateOpen
	b.openedAt = b.now()
	b.halfOpenAttempts = 0
	b.halfOpenSuccesses = 0
}

func (b *Breaker) toHalfOpenLocked() {
	b.state = StateHalfOpen
	b.halfOpenAttempts = 0
	b.halfOpenSuccesses = 0
}

func (b *Breaker) toClosedLocked() {
	b.state = StateClosed
	b.failures = 0
	b.successes = 0
	b.observations = 0
	b.halfOpenAttempts = 0
	b.halfOpenSuccesses = 0
	b.windowStart = b.now()
}

// Snapshot は監視用の状態スナップショットです。
type Snapshot struct {
	Name         string     `json:"name"`
	Status       string     `json:"status"`
	FailureCount int        `json:"failureCount"`
	SuccessCount int        `json:"successCount"`
	Observations int        `json:"observations"`
	LastFailure  *time.Time `json:"lastFailureTime,omitempty"`
	RetryAfterMs int64      `json:"retryAfterMs,omitempty"`
}

// Snapshot は現在の状態のスナップショットを返します。
func (b *Breaker) Snapshot() Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()

	snap := Snapshot{
		Name:         b.name,
		Status:       b.state.String(),
		FailureCount: b.failures,
		SuccessCount: b.successes,
		Observations: b.observations,
		RetryAfterMs: b.timeUntilResetLocked().Milliseconds(),
	}
	if !b.lastFailure.IsZero() {
		lastFailure := b.lastFailure
		snap.LastFailure = &lastFailure
	}
	return snap
}
