package realtime

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

const (
	relayEventsChannel  = "ws:relay:events"
	relayControlChannel = "ws:relay:control"
)

// リレーの配信範囲です。
const (
	scopeChannel = "channel"
	scopeUser    = "user"
	scopeSession = "session"
)

const relayControlDisconnect = "disconnect"

// relayEnvelope はインスタンス間で転送されるイベントです。
// origin には発行元インスタンスのIDが入り、受信側は自分が発行した
// メッセージを読み捨てることで二重配信を防ぎます。
type relayEnvelope struct {
	Origin string          `json:"origin"`
	Scope  string          `json:"scope"`
	Target string          `json:"target"`
	Event  string          `json:"event"`
	Data   json.RawMessage `json:"data,omitempty"`
}

type relayControl struct {
	Origin    string `json:"origin"`
	Action    string `json:"action"`
	SessionID string `json:"sessionId"`
}

// Relay は複数インスタンス間のイベント転送を担います。
//
// イベントチャンネルはブロードキャストの転送、制御チャンネルは
// 強制切断のようにソケットを握っているインスタンスでしか実行できない
// 操作の転送に使います。
type Relay struct {
	rdb      *redis.Client
	serverID string
	logger   zerolog.Logger

	events  *redis.PubSub
	control *redis.PubSub

	wg       sync.WaitGroup
	stopOnce sync.Once
}

// NewRelay は Relay を作成します。Start を呼ぶまで転送は始まりません。
func NewRelay(rdb *redis.Client, serverID string, logger zerolog.Logger) *Relay {
	return &Relay{
		rdb:      rdb,
		serverID: serverID,
		logger:   logger.With().Str("component", "ws_relay").Logger(),
	}
}

// Start は購読を開始し、受信したイベントをハブへ渡します。
func (r *Relay) Start(hub *Hub) {
	ctx := context.Background()
	r.events = r.rdb.Subscribe(ctx, relayEventsChannel)
	r.control = r.rdb.Subscribe(ctx, relayControlChannel)

	r.wg.Add(2)
	go r.eventLoop(hub)
	go r.controlLoop(hub)
}

func (r *Relay) eventLoop(hub *Hub) {
	defer r.wg.Done()
	for msg := range r.events.Channel() {
		var env relayEnvelope
		if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
			r.logger.Warn().Err(err).Msg("malformed relay event")
			continue
		}
		if env.Origin == r.serverID {
			continue
		}
		hub.deliverRelayed(&env)
	}
}

func (r *Relay) controlLoop(hub *Hub) {
	defer r.wg.Done()
	for msg := range r.control.Channel() {
		var ctl relayControl
		if err := json.Unmarshal([]byte(msg.Payload), &ctl); err != nil {
			r.logger.Warn().Err(err).Msg("malformed relay control message")
			continue
		}
		if ctl.Origin == r.serverID {
			continue
		}
		switch ctl.Action {
		case relayControlDisconnect:
			if hub.disconnectLocal(ctl.SessionID) {
				r.logger.Info().
					Str("session_id", ctl.SessionID).
					Msg("disconnected session on relay request")
			}
		default:
			r.logger.Warn().Str("action", ctl.Action).Msg("unknown relay control action")
		}
	}
}

// Stop は購読を閉じ、転送ループの終了を待ちます。
func (r *Relay) Stop() {
	r.stopOnce.Do(func() {
		if r.events != nil {
			r.events.Close()
		}
		if r.control != nil {
			r.control.Close()
		}
		r.wg.Wait()
	})
}

func (r *Relay) publishEvent(scope, target, event string, data json.RawMessage) error {
	payload, err := json.Marshal(relayEnvelope{
		Origin: r.serverID,
		Scope:  scope,
		Target: target,
		Event:  event,
		Data:   data,
	})
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	return r.rdb.Publish(ctx, relayEventsChannel, payload).Err()
}

func (r *Relay) publishDisconnect(sessionID string) error {
	payload, err := json.Marshal(relayControl{
		Origin:    r.serverID,
		Action:    relayControlDisconnect,
		SessionID: sessionID,
	})
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	return r.rdb.Publish(ctx, relayControlChannel, payload).Err()
}
