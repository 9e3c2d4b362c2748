package sessions

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"time"

	"github.com/rs/zerolog"
)

const (
	sessionKeyPrefix = "ws:session:"
	countsKey        = "ws:session_counts"
)

func sessionKey(sessionID string) string {
	return sessionKeyPrefix + sessionID
}

func userSessionsKey(userID string) string {
	return "ws:user:" + userID + ":sessions"
}

// Session は1つの生きたWebSocket接続を表します。
// ユーザーは複数のセッションを同時に持つことがあります。
type Session struct {
	SessionID    string    `json:"sessionId"`
	UserID       string    `json:"userId"`
	ServerID     string    `json:"serverId"`
	ConnectedAt  time.Time `json:"connectedAt"`
	LastActivity time.Time `json:"lastActivity"`
	Channels     []string  `json:"channels,omitempty"`
}

// Registry はセッションの登録状況を共有ストアで管理します。
//
// セッションレコードは切断後もTTLが切れるまで保持され、その間の再接続で
// 購読チャンネルを復元できます。ユーザー毎のアクティブ数はハッシュへの
// アトミック加算で追跡します。
type Registry struct {
	store  Store
	ttl    time.Duration
	logger zerolog.Logger
}

// NewRegistry は Registry を作成します。
func NewRegistry(store Store, ttl time.Duration, logger zerolog.Logger) *Registry {
	return &Registry{
		store:  store,
		ttl:    ttl,
		logger: logger.With().Str("component", "session_registry").Logger(),
	}
}

// TTL はセッションの有効期限を返します。
func (r *Registry) TTL() time.Duration {
	return r.ttl
}

// Register は新しいセッションを登録します。
func (r *Registry) Register(ctx context.Context, session *Session) error {
	now := time.Now().UTC()
	if session.ConnectedAt.IsZero() {
		session.ConnectedAt = now
	}
	session.LastActivity = now

	if err := r.writeSession(ctx, session); err != nil {
		return r.storeErr("register", err)
	}
	if err := r.store.AddToSet(ctx, userSessionsKey(session.UserID), session.SessionID, r.ttl); err != nil {
		return r.storeErr("register", err)
	}
	if _, err := r.store.IncrByField(ctx, countsKey, session.UserID, 1); err != nil {
		return r.storeErr("register", err)
	}
	return nil
}

// Resume は切断前のセッションをTTL内で再開します。
// レコードが残っていない、または別ユーザーのセッションIDだった場合は
// 再開せず false を返します。
func (r *Registry) Resume(ctx context.Context, sessionID, userID, serverID string) (*Session, bool, error) {
	session, err := r.GetSession(ctx, sessionID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, false, nil
		}
		return nil, false, err
	}
	if session.UserID != userID {
		return nil, false, nil
	}

	session.ServerID = serverID
	session.LastActivity = time.Now().UTC()
	if err := r.writeSession(ctx, session); err != nil {
		return nil, false, r.storeErr("resume", err)
	}
	if err := r.store.AddToSet(ctx, userSessionsKey(session.UserID), session.SessionID, r.ttl); err != nil {
		return nil, false, r.storeErr("resume", err)
	}
	if _, err := r.store.IncrByField(ctx, countsKey, session.UserID, 1); err != nil {
		return nil, false, r.storeErr("resume", err)
	}
	return session, true, nil
}

// Disconnect はセッションを非アクティブにします。
// 再接続に備えてセッションレコード自体はTTLが切れるまで残します。
// 二重切断してもカウンターが二重に減らないよう冪等に動作します。
func (r *Registry) Disconnect(ctx context.Context, userID, sessionID string) error {
	removed, err := r.store.RemoveFromSet(ctx, userSessionsKey(userID), sessionID)
	if err != nil {
		return r.storeErr("disconnect", err)
	}
	if removed {
		if _, err := r.store.IncrByField(ctx, countsKey, userID, -1); err != nil {
			return r.storeErr("disconnect", err)
		}
	}
	return nil
}

// Forget はセッションレコードを完全に削除します。
// 管理者による強制切断や期限切れセッションの掃除から呼ばれます。
func (r *Registry) Forget(ctx context.Context, sessionID string) error {
	session, err := r.GetSession(ctx, sessionID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil
		}
		return err
	}

	removed, err := r.store.RemoveFromSet(ctx, userSessionsKey(session.UserID), sessionID)
	if err != nil {
		return r.storeErr("forget", err)
	}
	if removed {
		if _, err := r.store.IncrByField(ctx, countsKey, session.UserID, -1); err != nil {
			return r.storeErr("forget", err)
		}
	}
	if err := r.store.Delete(ctx, sessionKey(sessionID)); err != nil {
		return r.storeErr("forget", err)
	}
	return nil
}

// Touch は最終アクティビティ時刻とTTLを更新します。
func (r *Registry) Touch(ctx context.Context, sessionID string) error {
	session, err := r.GetSession(ctx, sessionID)
	if err != nil {
		return err
	}
	session.LastActivity = time.Now().UTC()
	if err := r.writeSession(ctx, session); err != nil {
		return r.storeErr("touch", err)
	}
	return r.storeErr("touch", r.store.AddToSet(ctx, userSessionsKey(session.UserID), sessionID, r.ttl))
}

// SetChannels はセッションが購読中のチャンネル一覧を保存します。
// 再接続時の自動再購読はこの記録を元に行われます。
func (r *Registry) SetChannels(ctx context.Context, sessionID string, channels []string) error {
	session, err := r.GetSession(ctx, sessionID)
	if err != nil {
		return err
	}
	session.Channels = channels
	session.LastActivity = time.Now().UTC()
	if err := r.writeSession(ctx, session); err != nil {
		return r.storeErr("set_channels", err)
	}
	return nil
}

// GetSession はセッションレコードを取得します。
func (r *Registry) GetSession(ctx context.Context, sessionID string) (*Session, error) {
	data, err := r.store.Get(ctx, sessionKey(sessionID))
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, r.storeErr("get", err)
	}
	var session Session
	if err := json.Unmarshal(data, &session); err != nil {
		return nil, err
	}
	return &session, nil
}

// ActiveSessions は指定ユーザーのアクティブなセッション一覧を返します。
// レコードが期限切れになったセッションはセットから取り除きます。
func (r *Registry) ActiveSessions(ctx context.Context, userID string) ([]*Session, error) {
	ids, err := r.store.SetMembers(ctx, userSessionsKey(userID))
	if err != nil {
		return nil, r.storeErr("active_sessions", err)
	}

	sessions := make([]*Session, 0, len(ids))
	for _, id := range ids {
		session, err := r.GetSession(ctx, id)
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				if _, cleanupErr := r.store.RemoveFromSet(ctx, userSessionsKey(userID), id); cleanupErr != nil {
					r.logger.Warn().Err(cleanupErr).Str("session_id", id).Msg("failed to clean up expired session")
				}
				continue
			}
			return nil, err
		}
		sessions = append(sessions, session)
	}
	return sessions, nil
}

// SessionCounts はユーザー毎のアクティブセッション数を返します。
// カウンターが負になっていた場合は0として扱います。
func (r *Registry) SessionCounts(ctx context.Context) (map[string]int, error) {
	fields, err := r.store.GetAllFields(ctx, countsKey)
	if err != nil {
		return nil, r.storeErr("session_counts", err)
	}

	counts := make(map[string]int, len(fields))
	for userID, raw := range fields {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			continue
		}
		counts[userID] = n
	}
	return counts, nil
}

// HealthCheck は共有ストアへの疎通を確認します。
func (r *Registry) HealthCheck(ctx context.Context) bool {
	return r.store.Ping(ctx) == nil
}

func (r *Registry) writeSession(ctx context.Context, session *Session) error {
	payload, err := json.Marshal(session)
	if err != nil {
		return err
	}
	return r.store.Set(ctx, sessionKey(session.SessionID), payload, r.ttl)
}

func (r *Registry) storeErr(op string, err error) error {
	if err == nil {
		return nil
	}
	return &StoreUnavailableError{Op: op, Err: err}
}
