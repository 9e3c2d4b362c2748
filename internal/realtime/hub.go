package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/SubhajL/canva-beautifying-sub006/internal/access"
	"github.com/SubhajL/canva-beautifying-sub006/internal/auth"
	"github.com/SubhajL/canva-beautifying-sub006/internal/breaker"
	"github.com/SubhajL/canva-beautifying-sub006/internal/sessions"
)

// BreakerDocumentAccess はドキュメント・バッチのアクセス検証を保護する
// サーキットブレーカーの名前です。
const BreakerDocumentAccess = "document-access"

const storeTimeout = 5 * time.Second

// Config はハブの動作設定です。
type Config struct {
	ServerID        string
	SendBuffer      int           // クライアント毎の送信キュー長
	MaxMessageBytes int64         // 受信メッセージの最大サイズ
	InboundPerSec   int           // クライアント毎の受信レート上限
	SweepInterval   time.Duration // 固着セッションを掃除する間隔
	ProbeInterval   time.Duration // 劣化モード中にストア復旧を確認する間隔
}

func (c Config) withDefaults() Config {
	if c.SendBuffer <= 0 {
		c.SendBuffer = 64
	}
	if c.MaxMessageBytes <= 0 {
		c.MaxMessageBytes = 4096
	}
	if c.InboundPerSec <= 0 {
		c.InboundPerSec = 20
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = time.Minute
	}
	if c.ProbeInterval <= 0 {
		c.ProbeInterval = 15 * time.Second
	}
	return c
}

// Hub は接続中の全クライアントを管理し、イベントを配信します。
//
// セッションレジストリが落ちている間は劣化モードに入り、登録・再開・
// チャンネル永続化をスキップしてローカル配信だけで動き続けます。
// 復旧は定期プローブで検知します。
type Hub struct {
	cfg      Config
	registry *sessions.Registry
	checker  access.Checker
	breakers *breaker.Registry
	relay    *Relay
	logger   zerolog.Logger

	mu      sync.RWMutex
	clients map[string]*Client            // sessionID → client
	users   map[string]map[string]*Client // userID → sessionID → client
	rooms   map[string]map[string]*Client // channel → sessionID → client

	degraded atomic.Bool

	done      chan struct{}
	closeOnce sync.Once
}

// NewHub は Hub を作成し、掃除・復旧プローブのループを開始します。
func NewHub(cfg Config, registry *sessions.Registry, checker access.Checker, breakers *breaker.Registry, relay *Relay, logger zerolog.Logger) *Hub {
	if checker == nil {
		checker = access.AllowAll{}
	}
	h := &Hub{
		cfg:      cfg.withDefaults(),
		registry: registry,
		checker:  checker,
		breakers: breakers,
		relay:    relay,
		logger:   logger.With().Str("component", "ws_hub").Logger(),
		clients:  make(map[string]*Client),
		users:    make(map[string]map[string]*Client),
		rooms:    make(map[string]map[string]*Client),
		done:     make(chan struct{}),
	}
	go h.maintain()
	return h
}

// Degraded はセッションストアに到達できない劣化モードかどうかを返します。
func (h *Hub) Degraded() bool {
	return h.degraded.Load()
}

// Register は認証済みの接続をハブへ登録します。
//
// resumeSessionID が指定され、レジストリに同一ユーザーのセッションが
// 残っていれば購読チャンネルごと再開します。それ以外は新しいセッション
// を発行します。呼び出し側は戻り値のクライアントでポンプを開始します。
func (h *Hub) Register(ctx context.Context, conn *websocket.Conn, identity auth.Identity, resumeSessionID string) *Client {
	var (
		sessionID string
		channels  []string
		resumed   bool
	)

	if resumeSessionID != "" {
		// 同じセッションの古い接続がローカルに残っている場合は、再開で
		// カウンターが加算される前に旧接続ぶんの登録を解除しておきます。
		if old := h.takeLocal(resumeSessionID, identity.UserID); old != nil {
			close(old.send)
			if err := h.registry.Disconnect(ctx, old.userID, old.sessionID); err != nil {
				h.registryError("disconnect", err)
			}
			h.logger.Info().Str("session_id", resumeSessionID).Msg("session taken over by new connection")
		}

		session, ok, err := h.registry.Resume(ctx, resumeSessionID, identity.UserID, h.cfg.ServerID)
		switch {
		case err != nil:
			h.registryError("resume", err)
		case ok:
			sessionID = session.SessionID
			channels = session.Channels
			resumed = true
		}
	}

	if sessionID == "" {
		sessionID = uuid.NewString()
		err := h.registry.Register(ctx, &sessions.Session{
			SessionID: sessionID,
			UserID:    identity.UserID,
			ServerID:  h.cfg.ServerID,
		})
		if err != nil {
			h.registryError("register", err)
		}
	}

	client := newClient(h, conn, sessionID, identity.UserID, identity.IsAdmin())
	if displaced := h.addClient(client, channels); displaced != nil {
		// 登録の競合で同じセッションIDが重なった場合の後始末です。
		close(displaced.send)
	}

	h.sendReady(client, resumed, channels)
	h.logger.Info().
		Str("session_id", sessionID).
		Str("user_id", identity.UserID).
		Bool("resumed", resumed).
		Msg("client connected")
	return client
}

// addClient はクライアントを各マップへ追加し、暗黙のユーザーチャンネルと
// 再開時の購読チャンネルへ参加させます。同じセッションIDの既存クライアント
// がいた場合はマップから外して返します。
func (h *Hub) addClient(c *Client, channels []string) *Client {
	h.mu.Lock()
	defer h.mu.Unlock()

	displaced := h.clients[c.sessionID]
	if displaced != nil {
		h.detachLocked(displaced)
	}

	h.clients[c.sessionID] = c
	if h.users[c.userID] == nil {
		h.users[c.userID] = make(map[string]*Client)
	}
	h.users[c.userID][c.sessionID] = c

	h.joinRoomLocked(c, UserChannel(c.userID))
	for _, channel := range channels {
		if _, _, ok := SplitChannel(channel); ok {
			h.joinRoomLocked(c, channel)
		}
	}
	return displaced
}

// takeLocal は指定セッションを握っているローカルクライアントをマップから
// 外して返します。所有者が異なる場合は何もしません。
func (h *Hub) takeLocal(sessionID, userID string) *Client {
	h.mu.Lock()
	defer h.mu.Unlock()
	c := h.clients[sessionID]
	if c == nil || c.userID != userID {
		return nil
	}
	h.detachLocked(c)
	return c
}

// unregister はクライアントをハブから取り除きます。
// readPumpの終了・遅い消費者の切断・強制切断のどこから呼ばれても
// 二重実行で壊れないよう、マップ上の本人確認をしてから外します。
func (h *Hub) unregister(c *Client) {
	h.mu.Lock()
	current, ok := h.clients[c.sessionID]
	if !ok || current != c {
		h.mu.Unlock()
		return
	}
	h.detachLocked(c)
	h.mu.Unlock()

	close(c.send)

	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()
	if err := h.registry.Disconnect(ctx, c.userID, c.sessionID); err != nil {
		h.registryError("disconnect", err)
	}
	h.logger.Info().
		Str("session_id", c.sessionID).
		Str("user_id", c.userID).
		Msg("client disconnected")
}

func (h *Hub) detachLocked(c *Client) {
	delete(h.clients, c.sessionID)
	if set := h.users[c.userID]; set != nil {
		delete(set, c.sessionID)
		if len(set) == 0 {
			delete(h.users, c.userID)
		}
	}
	for channel := range c.channels {
		h.leaveRoomLocked(c, channel)
	}
}

func (h *Hub) joinRoomLocked(c *Client, channel string) {
	if h.rooms[channel] == nil {
		h.rooms[channel] = make(map[string]*Client)
	}
	h.rooms[channel][c.sessionID] = c
	if c.channels == nil {
		c.channels = make(map[string]struct{})
	}
	c.channels[channel] = struct{}{}
}

func (h *Hub) leaveRoomLocked(c *Client, channel string) {
	if set := h.rooms[channel]; set != nil {
		delete(set, c.sessionID)
		if len(set) == 0 {
			delete(h.rooms, channel)
		}
	}
	delete(c.channels, channel)
}

// dispatch はクライアントからの1メッセージを処理します。
func (h *Hub) dispatch(c *Client, env *Envelope) {
	var payload struct {
		DocumentID string `json:"documentId"`
		BatchID    string `json:"batchId"`
		UserID     string `json:"userId"`
	}
	if len(env.Data) > 0 {
		if err := json.Unmarshal(env.Data, &payload); err != nil {
			h.sendError(c, &EventError{
				Code:    "INVALID_MESSAGE",
				Message: "event data must be a JSON object",
			})
			return
		}
	}

	switch env.Event {
	case EventPing:
		h.touchSession(c)
		h.sendEvent(c, EventPong, pongEvent{Timestamp: time.Now().UnixMilli()})
	case EventSubscribeDocument:
		h.subscribe(c, ChannelDocument, payload.DocumentID)
	case EventSubscribeBatch, EventJoinBatch:
		h.subscribe(c, ChannelBatch, payload.BatchID)
	case EventSubscribeUser:
		userID := payload.UserID
		if userID == "" {
			userID = c.userID
		}
		h.subscribe(c, ChannelUser, userID)
	case EventUnsubscribeDocument:
		h.unsubscribe(c, ChannelDocument, payload.DocumentID)
	case EventUnsubscribeBatch, EventLeaveBatch:
		h.unsubscribe(c, ChannelBatch, payload.BatchID)
	case EventUnsubscribeUser:
		userID := payload.UserID
		if userID == "" {
			userID = c.userID
		}
		h.unsubscribe(c, ChannelUser, userID)
	default:
		h.sendError(c, &EventError{
			Code:    "UNKNOWN_EVENT",
			Message: "unsupported event: " + env.Event,
		})
	}
}

type pongEvent struct {
	Timestamp int64 `json:"timestamp"`
}

// subscribe は認可を通ったクライアントをチャンネルへ参加させます。
// 参加済みチャンネルへの再購読は黙って成功します。
func (h *Hub) subscribe(c *Client, kind, id string) {
	if id == "" {
		h.sendError(c, &EventError{
			Code:    "INVALID_MESSAGE",
			Message: "channel id is required",
		})
		return
	}

	if eventErr := h.authorizeChannel(c, kind, id); eventErr != nil {
		h.sendError(c, eventErr)
		return
	}

	channel := kind + ":" + id
	h.mu.Lock()
	h.joinRoomLocked(c, channel)
	h.mu.Unlock()

	h.persistChannels(c)
	h.logger.Debug().
		Str("session_id", c.sessionID).
		Str("channel", channel).
		Msg("subscribed")
}

// unsubscribe はチャンネルから離脱させます。未購読でもエラーにしません。
func (h *Hub) unsubscribe(c *Client, kind, id string) {
	if id == "" {
		return
	}
	channel := kind + ":" + id
	h.mu.Lock()
	h.leaveRoomLocked(c, channel)
	h.mu.Unlock()

	h.persistChannels(c)
}

// authorizeChannel は購読の認可を判定します。拒否の場合はクライアントへ
// 返すエラーを返し、許可の場合は nil を返します。
//
// ユーザーチャンネルは本人または管理者のみです。ドキュメント・バッチの
// チャンネルはアクセス検証サービスに問い合わせ、呼び出しはサーキット
// ブレーカーで保護します。ブレーカーが開いている間の拒否は再試行可能
// として通知します。
func (h *Hub) authorizeChannel(c *Client, kind, id string) *EventError {
	if c.isAdmin {
		return nil
	}

	if kind == ChannelUser {
		if id == c.userID {
			return nil
		}
		return &EventError{
			Code:    "FORBIDDEN",
			Message: "cannot subscribe to another user's channel",
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()

	var allowed bool
	err := h.breakers.Execute(ctx, BreakerDocumentAccess, func(ctx context.Context) error {
		var checkErr error
		switch kind {
		case ChannelBatch:
			allowed, checkErr = h.checker.CanAccessBatch(ctx, c.userID, id)
		default:
			allowed, checkErr = h.checker.CanAccessDocument(ctx, c.userID, id)
		}
		return checkErr
	})
	if err != nil {
		var openErr *breaker.OpenError
		if errors.As(err, &openErr) {
			return &EventError{
				Code:         "SERVICE_UNAVAILABLE",
				Message:      "access check is temporarily unavailable",
				Retryable:    true,
				RetryAfterMs: openErr.RetryAfter.Milliseconds(),
			}
		}
		h.logger.Warn().Err(err).
			Str("channel", kind+":"+id).
			Msg("access check failed")
		return &EventError{
			Code:      "ACCESS_CHECK_FAILED",
			Message:   "could not verify access to the channel",
			Retryable: true,
		}
	}
	if !allowed {
		return &EventError{
			Code:    "FORBIDDEN",
			Message: "no access to the requested channel",
		}
	}
	return nil
}

// persistChannels は明示的に購読中のチャンネル一覧をレジストリへ保存します。
// 本人のユーザーチャンネルは再接続時に必ず自動参加するため保存しません。
func (h *Hub) persistChannels(c *Client) {
	own := UserChannel(c.userID)

	h.mu.RLock()
	channels := make([]string, 0, len(c.channels))
	for channel := range c.channels {
		if channel != own {
			channels = append(channels, channel)
		}
	}
	h.mu.RUnlock()
	sort.Strings(channels)

	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()
	if err := h.registry.SetChannels(ctx, c.sessionID, channels); err != nil {
		h.registryError("set_channels", err)
	}
}

func (h *Hub) touchSession(c *Client) {
	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()
	if err := h.registry.Touch(ctx, c.sessionID); err != nil {
		h.registryError("touch", err)
	}
}

// Broadcast はチャンネルの全購読者へイベントを届けます。
// ローカル配信に加えてリレーへ発行し、他インスタンスの購読者にも届けます。
func (h *Hub) Broadcast(channel, event string, data any) {
	payload, raw, err := encodeEventWithRaw(event, data)
	if err != nil {
		h.logger.Error().Err(err).Str("event", event).Msg("failed to encode event")
		return
	}
	h.deliverToChannel(channel, payload)
	h.relayPublish(scopeChannel, channel, event, raw)
}

// SendToUser はユーザーの全セッションへイベントを届けます。
func (h *Hub) SendToUser(userID, event string, data any) {
	payload, raw, err := encodeEventWithRaw(event, data)
	if err != nil {
		h.logger.Error().Err(err).Str("event", event).Msg("failed to encode event")
		return
	}
	h.deliverToUser(userID, payload)
	h.relayPublish(scopeUser, userID, event, raw)
}

// SendToSession は特定のセッションへイベントを届けます。
// セッションが他インスタンスにある場合はリレー経由で届きます。
func (h *Hub) SendToSession(sessionID, event string, data any) {
	payload, raw, err := encodeEventWithRaw(event, data)
	if err != nil {
		h.logger.Error().Err(err).Str("event", event).Msg("failed to encode event")
		return
	}
	if h.deliverToSession(sessionID, payload) {
		return
	}
	h.relayPublish(scopeSession, sessionID, event, raw)
}

func (h *Hub) relayPublish(scope, target, event string, data json.RawMessage) {
	if h.relay == nil || h.degraded.Load() {
		return
	}
	if err := h.relay.publishEvent(scope, target, event, data); err != nil {
		h.enterDegraded(err)
	}
}

// deliverRelayed は他インスタンスからリレーされたイベントをローカルの
// 対象へ配信します。再発行はしません。
func (h *Hub) deliverRelayed(env *relayEnvelope) {
	payload, err := encodeRawEvent(env.Event, env.Data)
	if err != nil {
		h.logger.Warn().Err(err).Str("event", env.Event).Msg("failed to encode relayed event")
		return
	}
	switch env.Scope {
	case scopeChannel:
		h.deliverToChannel(env.Target, payload)
	case scopeUser:
		h.deliverToUser(env.Target, payload)
	case scopeSession:
		h.deliverToSession(env.Target, payload)
	}
}

func (h *Hub) deliverToChannel(channel string, payload []byte) {
	h.mu.RLock()
	targets := make([]*Client, 0, len(h.rooms[channel]))
	for _, c := range h.rooms[channel] {
		targets = append(targets, c)
	}
	h.mu.RUnlock()
	h.deliver(targets, payload)
}

func (h *Hub) deliverToUser(userID string, payload []byte) {
	h.mu.RLock()
	targets := make([]*Client, 0, len(h.users[userID]))
	for _, c := range h.users[userID] {
		targets = append(targets, c)
	}
	h.mu.RUnlock()
	h.deliver(targets, payload)
}

func (h *Hub) deliverToSession(sessionID string, payload []byte) bool {
	h.mu.RLock()
	c, ok := h.clients[sessionID]
	h.mu.RUnlock()
	if !ok {
		return false
	}
	h.deliver([]*Client{c}, payload)
	return true
}

// deliver は各クライアントの送信キューへ積みます。キューが一杯の
// クライアントは読み出しが止まっているとみなして切断します。
// ロックを持ったままブロックしないため、配信がハブ全体を止めることは
// ありません。
func (h *Hub) deliver(targets []*Client, payload []byte) {
	var slow []*Client
	for _, c := range targets {
		if !c.trySend(payload) {
			slow = append(slow, c)
		}
	}
	for _, c := range slow {
		h.logger.Warn().
			Str("session_id", c.sessionID).
			Str("user_id", c.userID).
			Msg("send buffer full, dropping slow consumer")
		h.unregister(c)
	}
}

func (h *Hub) sendEvent(c *Client, event string, data any) {
	payload, err := encodeEvent(event, data)
	if err != nil {
		h.logger.Error().Err(err).Str("event", event).Msg("failed to encode event")
		return
	}
	c.trySend(payload)
}

func (h *Hub) sendError(c *Client, eventErr *EventError) {
	h.sendEvent(c, EventConnectionError, eventErr)
}

func (h *Hub) sendReady(c *Client, resumed bool, channels []string) {
	h.sendEvent(c, EventConnectionReady, readyEvent{
		SessionID: c.sessionID,
		UserID:    c.userID,
		ServerID:  h.cfg.ServerID,
		Resumed:   resumed,
		Channels:  channels,
	})
}

type readyEvent struct {
	SessionID string   `json:"sessionId"`
	UserID    string   `json:"userId"`
	ServerID  string   `json:"serverId"`
	Resumed   bool     `json:"resumed"`
	Channels  []string `json:"channels,omitempty"`
}

// ForceDisconnect はセッションを強制切断し、レジストリからも削除します。
// 他インスタンスに接続しているセッションはリレーの制御チャンネル経由で
// 切断されます。ローカルで切断できた場合に true を返します。
func (h *Hub) ForceDisconnect(ctx context.Context, sessionID string) bool {
	local := h.disconnectLocal(sessionID)
	if err := h.registry.Forget(ctx, sessionID); err != nil {
		h.registryError("forget", err)
	}
	if !local && h.relay != nil && !h.degraded.Load() {
		if err := h.relay.publishDisconnect(sessionID); err != nil {
			h.enterDegraded(err)
		}
	}
	return local
}

// disconnectLocal はローカルに接続しているセッションを切断します。
func (h *Hub) disconnectLocal(sessionID string) bool {
	h.mu.RLock()
	c, ok := h.clients[sessionID]
	h.mu.RUnlock()
	if ok {
		h.unregister(c)
	}
	return ok
}

// Rooms はローカルインスタンスのチャンネル毎の購読者数を返します。
func (h *Hub) Rooms() map[string]int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	counts := make(map[string]int, len(h.rooms))
	for channel, set := range h.rooms {
		counts[channel] = len(set)
	}
	return counts
}

// LocalSessions はローカルインスタンスに接続中のセッション数を返します。
func (h *Hub) LocalSessions() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Close は全クライアントを切断し、バックグラウンドループを止めます。
func (h *Hub) Close() {
	h.closeOnce.Do(func() {
		close(h.done)
	})

	h.mu.RLock()
	targets := make([]*Client, 0, len(h.clients))
	for _, c := range h.clients {
		targets = append(targets, c)
	}
	h.mu.RUnlock()
	for _, c := range targets {
		h.unregister(c)
	}
}

// maintain は固着セッションの掃除と劣化モードからの復旧確認を行います。
func (h *Hub) maintain() {
	sweep := time.NewTicker(h.cfg.SweepInterval)
	probe := time.NewTicker(h.cfg.ProbeInterval)
	defer sweep.Stop()
	defer probe.Stop()

	for {
		select {
		case <-h.done:
			return
		case <-sweep.C:
			h.sweepStale()
		case <-probe.C:
			if !h.degraded.Load() {
				continue
			}
			ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
			healthy := h.registry.HealthCheck(ctx)
			cancel()
			if healthy {
				h.exitDegraded()
			}
		}
	}
}

// sweepStale はTTLを超えて無反応のクライアントを切断します。
// Pongやメッセージ受信があるかぎり lastSeen は更新され続けるため、
// ここで外れるのは読み書きが固着した接続だけです。
func (h *Hub) sweepStale() {
	cutoff := time.Now().Add(-h.registry.TTL())

	h.mu.RLock()
	var stale []*Client
	for _, c := range h.clients {
		if c.lastSeenTime().Before(cutoff) {
			stale = append(stale, c)
		}
	}
	h.mu.RUnlock()

	for _, c := range stale {
		h.logger.Info().
			Str("session_id", c.sessionID).
			Str("user_id", c.userID).
			Msg("evicting stale session")
		h.unregister(c)
		ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
		if err := h.registry.Forget(ctx, c.sessionID); err != nil {
			h.registryError("forget", err)
		}
		cancel()
	}
}

// registryError はレジストリ操作の失敗を処理します。ストア障害は劣化
// モードへの遷移として扱い、それ以外は警告ログに留めます。
func (h *Hub) registryError(op string, err error) {
	var storeErr *sessions.StoreUnavailableError
	if errors.As(err, &storeErr) {
		h.enterDegraded(err)
		return
	}
	if errors.Is(err, sessions.ErrNotFound) {
		return
	}
	h.logger.Warn().Err(err).Str("op", op).Msg("session registry operation failed")
}

func (h *Hub) enterDegraded(err error) {
	if h.degraded.CompareAndSwap(false, true) {
		h.logger.Warn().Err(err).
			Str("mode", "degraded").
			Msg("session store unreachable, continuing with local-only delivery")
	}
}

func (h *Hub) exitDegraded() {
	if h.degraded.CompareAndSwap(true, false) {
		h.logger.Info().Msg("session store recovered, resuming normal mode")
	}
}
