package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/SubhajL/canva-beautifying-sub006/internal/auth"
	"github.com/SubhajL/canva-beautifying-sub006/internal/breaker"
	"github.com/SubhajL/canva-beautifying-sub006/internal/sessions"
)

var errStoreDown = errors.New("store down")

// memorySessionStore は sessions.Store のインメモリ実装です。
// failing を立てるとストア障害を再現できます。
type memorySessionStore struct {
	mu      sync.Mutex
	values  map[string][]byte
	sets    map[string]map[string]bool
	hashes  map[string]map[string]int64
	failing bool
}

func newMemorySessionStore() *memorySessionStore {
	return &memorySessionStore{
		values: make(map[string][]byte),
		sets:   make(map[string]map[string]bool),
		hashes: make(map[string]map[string]int64),
	}
}

func (s *memorySessionStore) Get(ctx context.Context, key string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failing {
		return nil, errStoreDown
	}
	data, ok := s.values[key]
	if !ok {
		return nil, sessions.ErrNotFound
	}
	return data, nil
}

func (s *memorySessionStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failing {
		return errStoreDown
	}
	s.values[key] = value
	return nil
}

func (s *memorySessionStore) Delete(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failing {
		return errStoreDown
	}
	delete(s.values, key)
	return nil
}

func (s *memorySessionStore) AddToSet(ctx context.Context, key, member string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failing {
		return errStoreDown
	}
	if s.sets[key] == nil {
		s.sets[key] = make(map[string]bool)
	}
	s.sets[key][member] = true
	return nil
}

func (s *memorySessionStore) RemoveFromSet(ctx context.Context, key, member string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failing {
		return false, errStoreDown
	}
	if !s.sets[key][member] {
		return false, nil
	}
	delete(s.sets[key], member)
	return true, nil
}

func (s *memorySessionStore) SetMembers(ctx context.Context, key string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failing {
		return nil, errStoreDown
	}
	members := make([]string, 0, len(s.sets[key]))
	for member := range s.sets[key] {
		members = append(members, member)
	}
	return members, nil
}

func (s *memorySessionStore) IncrByField(ctx context.Context, key, field string, delta int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failing {
		return 0, errStoreDown
	}
	if s.hashes[key] == nil {
		s.hashes[key] = make(map[string]int64)
	}
	s.hashes[key][field] += delta
	return s.hashes[key][field], nil
}

func (s *memorySessionStore) DeleteField(ctx context.Context, key, field string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failing {
		return errStoreDown
	}
	delete(s.hashes[key], field)
	return nil
}

func (s *memorySessionStore) GetAllFields(ctx context.Context, key string) (map[string]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failing {
		return nil, errStoreDown
	}
	fields := make(map[string]string, len(s.hashes[key]))
	for field, value := range s.hashes[key] {
		fields[field] = strconv.FormatInt(value, 10)
	}
	return fields, nil
}

func (s *memorySessionStore) Ping(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failing {
		return errStoreDown
	}
	return nil
}

func (s *memorySessionStore) setFailing(failing bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failing = failing
}

// fakeChecker は access.Checker のテスト用実装です。
type fakeChecker struct {
	mu    sync.Mutex
	allow bool
	err   error
	calls int
}

func (f *fakeChecker) CanAccessDocument(ctx context.Context, userID, documentID string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return f.allow, f.err
}

func (f *fakeChecker) CanAccessBatch(ctx context.Context, userID, batchID string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return f.allow, f.err
}

func (f *fakeChecker) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type hubFixture struct {
	hub      *Hub
	store    *memorySessionStore
	checker  *fakeChecker
	registry *sessions.Registry
	breakers *breaker.Registry
}

func newHubFixture(t *testing.T, cfg Config) *hubFixture {
	t.Helper()
	if cfg.ServerID == "" {
		cfg.ServerID = "server-test"
	}
	store := newMemorySessionStore()
	checker := &fakeChecker{allow: true}
	registry := sessions.NewRegistry(store, time.Minute, zerolog.Nop())
	breakers := breaker.NewRegistry(breaker.Config{
		FailureThreshold:    2,
		ResetTimeout:        time.Minute,
		HalfOpenMaxAttempts: 1,
		MonitoringPeriod:    time.Minute,
		MinimumRequests:     2,
	}, zerolog.Nop())

	hub := NewHub(cfg, registry, checker, breakers, nil, zerolog.Nop())
	t.Cleanup(hub.Close)
	return &hubFixture{
		hub:      hub,
		store:    store,
		checker:  checker,
		registry: registry,
		breakers: breakers,
	}
}

func (f *hubFixture) connect(t *testing.T, userID string, admin bool) *Client {
	t.Helper()
	identity := auth.Identity{UserID: userID, Role: auth.RoleUser}
	if admin {
		identity.Role = auth.RoleAdmin
	}
	return f.hub.Register(context.Background(), nil, identity, "")
}

// readEvent は送信キューから1件取り出します。ハブの配信は同期なので
// 待ち合わせは不要です。
func readEvent(t *testing.T, c *Client) *Envelope {
	t.Helper()
	select {
	case raw := <-c.send:
		var env Envelope
		if err := json.Unmarshal(raw, &env); err != nil {
			t.Fatalf("unmarshal envelope: %v", err)
		}
		return &env
	default:
		t.Fatal("expected an event but the send queue is empty")
		return nil
	}
}

func readReady(t *testing.T, c *Client) readyEvent {
	t.Helper()
	env := readEvent(t, c)
	if env.Event != EventConnectionReady {
		t.Fatalf("event = %q, want %q", env.Event, EventConnectionReady)
	}
	var ready readyEvent
	if err := json.Unmarshal(env.Data, &ready); err != nil {
		t.Fatalf("unmarshal ready: %v", err)
	}
	return ready
}

func readError(t *testing.T, c *Client) EventError {
	t.Helper()
	env := readEvent(t, c)
	if env.Event != EventConnectionError {
		t.Fatalf("event = %q, want %q", env.Event, EventConnectionError)
	}
	var eventErr EventError
	if err := json.Unmarshal(env.Data, &eventErr); err != nil {
		t.Fatalf("unmarshal error event: %v", err)
	}
	return eventErr
}

func expectNoEvent(t *testing.T, c *Client) {
	t.Helper()
	select {
	case raw := <-c.send:
		t.Fatalf("unexpected event: %s", raw)
	default:
	}
}

func TestRegisterSendsReadyAndJoinsUserChannel(t *testing.T) {
	f := newHubFixture(t, Config{})
	client := f.connect(t, "user-1", false)

	ready := readReady(t, client)
	if ready.SessionID == "" {
		t.Fatal("ready event is missing the session id")
	}
	if ready.UserID != "user-1" {
		t.Fatalf("userId = %q, want user-1", ready.UserID)
	}
	if ready.Resumed {
		t.Fatal("a fresh connection must not be marked as resumed")
	}
	if ready.ServerID != "server-test" {
		t.Fatalf("serverId = %q, want server-test", ready.ServerID)
	}

	rooms := f.hub.Rooms()
	if rooms[UserChannel("user-1")] != 1 {
		t.Fatalf("user channel members = %d, want 1", rooms[UserChannel("user-1")])
	}

	session, err := f.registry.GetSession(context.Background(), ready.SessionID)
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	if session.UserID != "user-1" {
		t.Fatalf("registered userId = %q, want user-1", session.UserID)
	}
}

func TestSubscribeDocumentJoinsRoom(t *testing.T) {
	f := newHubFixture(t, Config{})
	client := f.connect(t, "user-1", false)
	readReady(t, client)

	f.hub.dispatch(client, &Envelope{
		Event: EventSubscribeDocument,
		Data:  json.RawMessage(`{"documentId":"doc-1"}`),
	})

	expectNoEvent(t, client)
	if f.hub.Rooms()[DocumentChannel("doc-1")] != 1 {
		t.Fatal("client did not join the document channel")
	}

	// 購読はレジストリへ永続化され、再接続時の復元に使われます。
	session, err := f.registry.GetSession(context.Background(), client.sessionID)
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	if len(session.Channels) != 1 || session.Channels[0] != DocumentChannel("doc-1") {
		t.Fatalf("persisted channels = %v, want [document:doc-1]", session.Channels)
	}
}

func TestSubscribeDeniedByChecker(t *testing.T) {
	f := newHubFixture(t, Config{})
	f.checker.allow = false
	client := f.connect(t, "user-1", false)
	readReady(t, client)

	f.hub.dispatch(client, &Envelope{
		Event: EventSubscribeDocument,
		Data:  json.RawMessage(`{"documentId":"doc-1"}`),
	})

	eventErr := readError(t, client)
	if eventErr.Code != "FORBIDDEN" {
		t.Fatalf("code = %q, want FORBIDDEN", eventErr.Code)
	}
	if eventErr.Retryable {
		t.Fatal("an authorization denial must not be retryable")
	}
	if f.hub.Rooms()[DocumentChannel("doc-1")] != 0 {
		t.Fatal("denied client must not join the channel")
	}
}

func TestSubscribeOtherUserChannelForbidden(t *testing.T) {
	f := newHubFixture(t, Config{})
	client := f.connect(t, "user-1", false)
	readReady(t, client)

	f.hub.dispatch(client, &Envelope{
		Event: EventSubscribeUser,
		Data:  json.RawMessage(`{"userId":"user-2"}`),
	})

	if readError(t, client).Code != "FORBIDDEN" {
		t.Fatal("expected FORBIDDEN for another user's channel")
	}
	// ユーザーチャンネルの判定はチェッカーを経由しません。
	if f.checker.callCount() != 0 {
		t.Fatalf("checker calls = %d, want 0", f.checker.callCount())
	}
}

func TestAdminMaySubscribeAnywhere(t *testing.T) {
	f := newHubFixture(t, Config{})
	f.checker.allow = false
	admin := f.connect(t, "admin-1", true)
	readReady(t, admin)

	f.hub.dispatch(admin, &Envelope{
		Event: EventSubscribeUser,
		Data:  json.RawMessage(`{"userId":"user-2"}`),
	})
	f.hub.dispatch(admin, &Envelope{
		Event: EventSubscribeDocument,
		Data:  json.RawMessage(`{"documentId":"doc-9"}`),
	})

	expectNoEvent(t, admin)
	rooms := f.hub.Rooms()
	if rooms[UserChannel("user-2")] != 1 || rooms[DocumentChannel("doc-9")] != 1 {
		t.Fatalf("admin did not join the channels: %v", rooms)
	}
	if f.checker.callCount() != 0 {
		t.Fatal("admin subscriptions must bypass the access checker")
	}
}

func TestSubscribeWhileAccessCheckerBroken(t *testing.T) {
	f := newHubFixture(t, Config{})
	f.checker.err = errors.New("access api down")
	client := f.connect(t, "user-1", false)
	readReady(t, client)

	subscribe := func() EventError {
		f.hub.dispatch(client, &Envelope{
			Event: EventSubscribeDocument,
			Data:  json.RawMessage(`{"documentId":"doc-1"}`),
		})
		return readError(t, client)
	}

	// ブレーカーが開くまでは失敗がそのまま伝わります。
	for i := 0; i < 2; i++ {
		eventErr := subscribe()
		if eventErr.Code != "ACCESS_CHECK_FAILED" {
			t.Fatalf("code = %q, want ACCESS_CHECK_FAILED", eventErr.Code)
		}
		if !eventErr.Retryable {
			t.Fatal("a transient access failure must be retryable")
		}
	}

	// しきい値を超えた後はブレーカーが開き、再試行時刻付きで拒否されます。
	eventErr := subscribe()
	if eventErr.Code != "SERVICE_UNAVAILABLE" {
		t.Fatalf("code = %q, want SERVICE_UNAVAILABLE", eventErr.Code)
	}
	if !eventErr.Retryable || eventErr.RetryAfterMs <= 0 {
		t.Fatalf("expected a retryable error with retryAfterMs, got %+v", eventErr)
	}
	calls := f.checker.callCount()
	if calls != 2 {
		t.Fatalf("checker calls = %d, want 2 (open breaker must short-circuit)", calls)
	}
}

func TestBroadcastReachesOnlySubscribers(t *testing.T) {
	f := newHubFixture(t, Config{})
	subscriber := f.connect(t, "user-1", false)
	bystander := f.connect(t, "user-2", false)
	readReady(t, subscriber)
	readReady(t, bystander)

	f.hub.dispatch(subscriber, &Envelope{
		Event: EventSubscribeDocument,
		Data:  json.RawMessage(`{"documentId":"doc-1"}`),
	})

	f.hub.Broadcast(DocumentChannel("doc-1"), EventEnhancementProgress, map[string]any{
		"documentId": "doc-1",
		"progress":   40,
	})

	env := readEvent(t, subscriber)
	if env.Event != EventEnhancementProgress {
		t.Fatalf("event = %q, want %q", env.Event, EventEnhancementProgress)
	}
	expectNoEvent(t, bystander)
}

func TestSendToUserReachesAllSessions(t *testing.T) {
	f := newHubFixture(t, Config{})
	first := f.connect(t, "user-1", false)
	second := f.connect(t, "user-1", false)
	other := f.connect(t, "user-2", false)
	readReady(t, first)
	readReady(t, second)
	readReady(t, other)

	f.hub.SendToUser("user-1", EventNotification, map[string]any{"message": "hello"})

	if readEvent(t, first).Event != EventNotification {
		t.Fatal("first session missed the notification")
	}
	if readEvent(t, second).Event != EventNotification {
		t.Fatal("second session missed the notification")
	}
	expectNoEvent(t, other)
}

func TestSlowConsumerIsDropped(t *testing.T) {
	f := newHubFixture(t, Config{SendBuffer: 1})
	client := f.connect(t, "user-1", false)
	// ready イベントがキューを埋めたまま読み出さない＝遅い消費者。

	f.hub.SendToUser("user-1", EventNotification, map[string]any{"message": "x"})

	if f.hub.LocalSessions() != 0 {
		t.Fatal("slow consumer must be dropped from the hub")
	}
	// キューに溜まっていた ready イベントの後ろでキューが閉じられています。
	if env := readEvent(t, client); env.Event != EventConnectionReady {
		t.Fatalf("buffered event = %q, want %q", env.Event, EventConnectionReady)
	}
	if _, ok := <-client.send; ok {
		t.Fatal("send queue should be closed after the drop")
	}

	counts, err := f.registry.SessionCounts(context.Background())
	if err != nil {
		t.Fatalf("SessionCounts: %v", err)
	}
	if counts["user-1"] != 0 {
		t.Fatalf("active count = %d, want 0 after drop", counts["user-1"])
	}
}

func TestResumeRestoresChannels(t *testing.T) {
	f := newHubFixture(t, Config{})
	client := f.connect(t, "user-1", false)
	ready := readReady(t, client)

	f.hub.dispatch(client, &Envelope{
		Event: EventSubscribeBatch,
		Data:  json.RawMessage(`{"batchId":"batch-7"}`),
	})
	f.hub.unregister(client)
	if f.hub.LocalSessions() != 0 {
		t.Fatal("client should be gone after unregister")
	}

	resumed := f.hub.Register(context.Background(), nil,
		auth.Identity{UserID: "user-1", Role: auth.RoleUser}, ready.SessionID)
	readyAgain := readReady(t, resumed)

	if !readyAgain.Resumed {
		t.Fatal("reconnect within the TTL must resume the session")
	}
	if readyAgain.SessionID != ready.SessionID {
		t.Fatalf("sessionId = %q, want the original %q", readyAgain.SessionID, ready.SessionID)
	}
	if len(readyAgain.Channels) != 1 || readyAgain.Channels[0] != BatchChannel("batch-7") {
		t.Fatalf("restored channels = %v, want [batch:batch-7]", readyAgain.Channels)
	}
	if f.hub.Rooms()[BatchChannel("batch-7")] != 1 {
		t.Fatal("resumed client did not rejoin the batch channel")
	}
}

func TestResumeRejectsOtherUsersSession(t *testing.T) {
	f := newHubFixture(t, Config{})
	client := f.connect(t, "user-1", false)
	ready := readReady(t, client)

	hijacker := f.hub.Register(context.Background(), nil,
		auth.Identity{UserID: "user-2", Role: auth.RoleUser}, ready.SessionID)
	hijacked := readReady(t, hijacker)

	if hijacked.Resumed {
		t.Fatal("a session must not be resumable by another user")
	}
	if hijacked.SessionID == ready.SessionID {
		t.Fatal("hijacker received the original session id")
	}
}

func TestSessionTakeover(t *testing.T) {
	f := newHubFixture(t, Config{})
	client := f.connect(t, "user-1", false)
	ready := readReady(t, client)

	replacement := f.hub.Register(context.Background(), nil,
		auth.Identity{UserID: "user-1", Role: auth.RoleUser}, ready.SessionID)
	readReady(t, replacement)

	// 古い接続の送信キューは閉じられます。
	if _, ok := <-client.send; ok {
		t.Fatal("displaced client's send queue should be closed")
	}
	if f.hub.LocalSessions() != 1 {
		t.Fatalf("local sessions = %d, want 1", f.hub.LocalSessions())
	}
}

func TestPingAnswersPong(t *testing.T) {
	f := newHubFixture(t, Config{})
	client := f.connect(t, "user-1", false)
	readReady(t, client)

	f.hub.dispatch(client, &Envelope{Event: EventPing})

	env := readEvent(t, client)
	if env.Event != EventPong {
		t.Fatalf("event = %q, want %q", env.Event, EventPong)
	}
}

func TestUnknownEventRejected(t *testing.T) {
	f := newHubFixture(t, Config{})
	client := f.connect(t, "user-1", false)
	readReady(t, client)

	f.hub.dispatch(client, &Envelope{Event: "warp"})

	if readError(t, client).Code != "UNKNOWN_EVENT" {
		t.Fatal("expected UNKNOWN_EVENT")
	}
}

func TestUnsubscribeIsIdempotent(t *testing.T) {
	f := newHubFixture(t, Config{})
	client := f.connect(t, "user-1", false)
	readReady(t, client)

	f.hub.dispatch(client, &Envelope{
		Event: EventSubscribeDocument,
		Data:  json.RawMessage(`{"documentId":"doc-1"}`),
	})
	for i := 0; i < 2; i++ {
		f.hub.dispatch(client, &Envelope{
			Event: EventUnsubscribeDocument,
			Data:  json.RawMessage(`{"documentId":"doc-1"}`),
		})
	}

	expectNoEvent(t, client)
	if f.hub.Rooms()[DocumentChannel("doc-1")] != 0 {
		t.Fatal("channel should be empty after unsubscribe")
	}
}

func TestDegradedModeKeepsServingLocally(t *testing.T) {
	f := newHubFixture(t, Config{ProbeInterval: 20 * time.Millisecond})
	f.store.setFailing(true)

	// レジストリが落ちていても接続と配信は続きます。
	client := f.connect(t, "user-1", false)
	ready := readReady(t, client)
	if ready.SessionID == "" {
		t.Fatal("degraded mode must still issue a session id")
	}
	if !f.hub.Degraded() {
		t.Fatal("hub should be in degraded mode while the store is down")
	}

	f.hub.SendToUser("user-1", EventNotification, map[string]any{"message": "still here"})
	if readEvent(t, client).Event != EventNotification {
		t.Fatal("local delivery must keep working in degraded mode")
	}

	// ストアが復旧するとプローブが通常モードへ戻します。
	f.store.setFailing(false)
	deadline := time.Now().Add(2 * time.Second)
	for f.hub.Degraded() {
		if time.Now().After(deadline) {
			t.Fatal("hub did not recover from degraded mode")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestForceDisconnectRemovesSession(t *testing.T) {
	f := newHubFixture(t, Config{})
	client := f.connect(t, "user-1", false)
	ready := readReady(t, client)

	if !f.hub.ForceDisconnect(context.Background(), ready.SessionID) {
		t.Fatal("ForceDisconnect should report a local hit")
	}
	if f.hub.LocalSessions() != 0 {
		t.Fatal("client should be removed from the hub")
	}
	if _, err := f.registry.GetSession(context.Background(), ready.SessionID); !errors.Is(err, sessions.ErrNotFound) {
		t.Fatalf("session record should be gone, got err=%v", err)
	}
	// 送信キューが閉じられ、writePumpがCloseフレームを送って終了します。
	if _, ok := <-client.send; ok {
		t.Fatal("send queue should be closed")
	}
}
