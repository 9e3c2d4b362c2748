package realtime

import (
	"encoding/json"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

const (
	// 1回の書き込みに許容する時間です。
	writeWait = 10 * time.Second
	// Pong応答を待つ時間です。超えた接続は死んだとみなします。
	pongWait = 60 * time.Second
	// Ping送信の間隔です。pongWaitより短くなければなりません。
	pingPeriod = (pongWait * 9) / 10
)

// Client は1本のWebSocket接続を表します。
//
// 読み書きはそれぞれ専用のゴルーチン（readPump / writePump）が担当し、
// 送信はFIFOのsendチャンネル経由で直列化されます。これによりセッション
// 単位のイベント順序が保たれます。
type Client struct {
	hub  *Hub
	conn *websocket.Conn

	sessionID string
	userID    string
	isAdmin   bool

	// send はこの接続への送信キューです。ハブが閉じたら書き込み側も
	// 終了します。
	send chan []byte

	// channels は購読中のチャンネル集合です。ハブのロックで保護されます。
	channels map[string]struct{}

	// inbound はクライアントからの受信メッセージを制限します。
	inbound *rate.Limiter

	// lastSeen は最後に受信があった時刻（UnixNano）です。
	// 固着した接続の掃除に使います。
	lastSeen atomic.Int64

	logger zerolog.Logger
}

func newClient(hub *Hub, conn *websocket.Conn, sessionID, userID string, isAdmin bool) *Client {
	c := &Client{
		hub:       hub,
		conn:      conn,
		sessionID: sessionID,
		userID:    userID,
		isAdmin:   isAdmin,
		send:      make(chan []byte, hub.cfg.SendBuffer),
		inbound:   rate.NewLimiter(rate.Limit(hub.cfg.InboundPerSec), hub.cfg.InboundPerSec),
		logger: hub.logger.With().
			Str("session_id", sessionID).
			Str("user_id", userID).
			Logger(),
	}
	c.touch()
	return c
}

func (c *Client) touch() {
	c.lastSeen.Store(time.Now().UnixNano())
}

func (c *Client) lastSeenTime() time.Time {
	return time.Unix(0, c.lastSeen.Load())
}

// trySend はブロックせずに送信キューへ積みます。
// キューが一杯（＝読み出しが追いつかない消費者）の場合は false を返します。
func (c *Client) trySend(message []byte) bool {
	select {
	case c.send <- message:
		return true
	default:
		return false
	}
}

// readPump はクライアントからのメッセージを読み続けます。
// 接続ごとに1つだけ起動し、終了時にハブから自分を取り除きます。
func (c *Client) readPump() {
	defer func() {
		c.hub.unregister(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(c.hub.cfg.MaxMessageBytes)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		c.touch()
		return nil
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.logger.Warn().Err(err).Msg("websocket closed unexpectedly")
			}
			return
		}
		c.touch()

		if !c.inbound.Allow() {
			c.hub.sendError(c, &EventError{
				Code:      "RATE_LIMITED",
				Message:   "too many messages, slow down",
				Retryable: true,
			})
			continue
		}

		var env Envelope
		if err := json.Unmarshal(raw, &env); err != nil {
			c.hub.sendError(c, &EventError{
				Code:    "INVALID_MESSAGE",
				Message: "message must be a JSON envelope with an event field",
			})
			continue
		}
		c.hub.dispatch(c, &env)
	}
}

// writePump は送信キューからメッセージを書き出し、定期的にPingを送ります。
// sendチャンネルが閉じられたらCloseフレームを送って終了します。
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
