// Package realtime はWebSocketゲートウェイを提供します。
//
// 接続ごとの状態機械は Connecting → Authenticated → Subscribed → Disconnected
// です。認証はセッション登録より先に行われ、失敗した接続はセッションを
// 残さずに切断されます。イベントの配信順序はセッション単位で保証されます
// （1接続につき単一の書き込みゴルーチンとFIFOバッファ）。
package realtime

import (
	"encoding/json"
	"strings"
)

// クライアント→サーバーのイベント名です。
const (
	EventSubscribeDocument   = "subscribe:document"
	EventSubscribeBatch      = "subscribe:batch"
	EventSubscribeUser       = "subscribe:user"
	EventUnsubscribeDocument = "unsubscribe:document"
	EventUnsubscribeBatch    = "unsubscribe:batch"
	EventUnsubscribeUser     = "unsubscribe:user"
	EventJoinBatch           = "join-batch"
	EventLeaveBatch          = "leave-batch"
	EventPing                = "ping"
)

// サーバー→クライアントのイベント名です。
// connection:error はトランスポート・購読レベルの失敗を表し、
// ジョブ自体の失敗（job:failed）とは区別されます。
const (
	EventConnectionReady     = "connection:ready"
	EventConnectionError     = "connection:error"
	EventEnhancementProgress = "enhancement:progress"
	EventJobStarted          = "job:started"
	EventJobCompleted        = "job:completed"
	EventJobFailed           = "job:failed"
	EventQueuePosition       = "queue:position"
	EventBatchUpdate         = "batch:update"
	EventNotification        = "notification"
	EventPong                = "pong"
)

// チャンネル種別です。チャンネル名は "<種別>:<ID>" の形式をとります。
const (
	ChannelDocument = "document"
	ChannelBatch    = "batch"
	ChannelUser     = "user"
)

// Envelope は1件のWebSocketメッセージです。
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// EventError は connection:error で送られるエラー内容です。
// retryable が true の場合、クライアントは retryAfterMs（あれば）を
// 待ってから同じ操作を再試行できます。
type EventError struct {
	Code         string `json:"code"`
	Message      string `json:"message"`
	Retryable    bool   `json:"retryable"`
	RetryAfterMs int64  `json:"retryAfterMs,omitempty"`
}

// encodeEvent はペイロードをエンベロープ形式にエンコードします。
func encodeEvent(event string, data any) ([]byte, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	return json.Marshal(Envelope{Event: event, Data: raw})
}

func encodeRawEvent(event string, data json.RawMessage) ([]byte, error) {
	return json.Marshal(Envelope{Event: event, Data: data})
}

// encodeEventWithRaw はエンベロープ全体とペイロード部分の両方を返します。
// ローカル配信とリレー発行で二重にエンコードしないための形です。
func encodeEventWithRaw(event string, data any) ([]byte, json.RawMessage, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, nil, err
	}
	envelope, err := json.Marshal(Envelope{Event: event, Data: raw})
	if err != nil {
		return nil, nil, err
	}
	return envelope, raw, nil
}

// DocumentChannel はドキュメント用のチャンネル名を返します。
func DocumentChannel(documentID string) string {
	return ChannelDocument + ":" + documentID
}

// BatchChannel はバッチ用のチャンネル名を返します。
func BatchChannel(batchID string) string {
	return ChannelBatch + ":" + batchID
}

// UserChannel はユーザー用のチャンネル名を返します。
func UserChannel(userID string) string {
	return ChannelUser + ":" + userID
}

// SplitChannel はチャンネル名を種別とIDに分解します。
// 未知の種別や空のIDの場合は ok=false を返します。
func SplitChannel(channel string) (kind, id string, ok bool) {
	kind, id, found := strings.Cut(channel, ":")
	if !found || id == "" {
		return "", "", false
	}
	switch kind {
	case ChannelDocument, ChannelBatch, ChannelUser:
		return kind, id, true
	}
	return "", "", false
}
