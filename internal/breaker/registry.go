package breaker

import (
	"context"
	"sort"
	"sync"

	"github.com/rs/zerolog"
)

// Registry は名前付きブレーカーの集合を管理します。
// パッケージ変数ではなくコンストラクタで注入して使うことで、
// テストごとに独立したインスタンスを持てます。
type Registry struct {
	mu       sync.Mutex
	defaults Config
	breakers map[string]*Breaker
	logger   zerolog.Logger
}

// NewRegistry は Registry を作成します。
// defaults は Get で自動作成されるブレーカーに適用されます。
func NewRegistry(defaults Config, logger zerolog.Logger) *Registry {
	return &Registry{
		defaults: defaults.withDefaults(),
		breakers: make(map[string]*Breaker),
		logger:   logger.With().Str("component", "breaker_registry").Logger(),
	}
}

// Get は名前付きブレーカーを返します。存在しない場合は
// デフォルト設定で作成します。
func (r *Registry) Get(name string) *Breaker {
	r.mu.Lock()
	defer r.mu.Unlock()

	if b, ok := r.breakers[name]; ok {
		return b
	}
	b := New(name, r.defaults)
	r.breakers[name] = b
	r.logger.Debug().Str("breaker", name).Msg("circuit breaker created")
	return b
}

// Configure は個別設定のブレーカーを登録します。
// 同名のブレーカーが既にある場合は置き換えます。
func (r *Registry) Configure(name string, cfg Config) *Breaker {
	r.mu.Lock()
	defer r.mu.Unlock()

	b := New(name, cfg)
	r.breakers[name] = b
	return b
}

// Execute は名前付きブレーカー越しに fn を実行します。
func (r *Registry) Execute(ctx context.Context, name string, fn func(context.Context) error) error {
	return r.Get(name).Execute(ctx, fn)
}

// Snapshots は全ブレーカーのスナップショットを名前順で返します。
func (r *Registry) Snapshots() []Snapshot {
	r.mu.Lock()
	breakers := make([]*Breaker, 0, len(r.breakers))
	for _, b := range r.breakers {
		breakers = append(breakers, b)
	}
	r.mu.Unlock()

	snapshots := make([]Snapshot, 0, len(breakers))
	for _, b := range breakers {
		snapshots = append(snapshots, b.Snapshot())
	}
	sort.Slice(snapshots, func(i, j int) bool {
		return snapshots[i].Name < snapshots[j].Name
	})
	return snapshots
}

// Reset は指定された名前のブレーカーをリセットします。
// 存在しない場合は false を返します。
func (r *Registry) Reset(name string) bool {
	r.mu.Lock()
	b, ok := r.breakers[name]
	r.mu.Unlock()

	if !ok {
		return false
	}
	b.Reset()
	r.logger.Info().Str("breaker", name).Msg("circuit breaker reset")
	return true
}
