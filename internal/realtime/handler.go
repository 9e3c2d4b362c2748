package realtime

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/SubhajL/canva-beautifying-sub006/internal/auth"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// ブラウザのWebSocket APIはAuthorizationヘッダーを付けられないため、
	// トークンをサブプロトコルで渡せるようにしておきます。
	Subprotocols: []string{"bearer"},
	CheckOrigin: func(r *http.Request) bool {
		// オリジン制限はフロントのCORS設定と同様にプロキシ層で行います。
		return true
	},
}

// WSHandler はWebSocket接続のエントリポイントです。
//
// 認証はセッション登録より先に行い、失敗した接続には connection:error を
// 送ってからポリシー違反のCloseフレームで切断します。セッションは残り
// ません。`session` クエリパラメータでTTL内の再接続を再開できます。
func WSHandler(hub *Hub, verifier auth.Verifier) gin.HandlerFunc {
	return func(c *gin.Context) {
		conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			// Upgrade が失敗した時点でレスポンスは書き込み済みです。
			return
		}

		token := auth.TokenFromRequest(c.Request)
		if token == "" {
			rejectConn(conn, &EventError{
				Code:    "AUTH_REQUIRED",
				Message: "an access token is required",
			})
			return
		}

		identity, err := verifier.Verify(c.Request.Context(), token)
		if err != nil {
			eventErr := &EventError{
				Code:    "AUTH_INVALID",
				Message: "the access token is invalid",
			}
			if errors.Is(err, auth.ErrTokenExpired) {
				eventErr.Code = "TOKEN_EXPIRED"
				eventErr.Message = "the access token has expired"
			}
			rejectConn(conn, eventErr)
			return
		}

		client := hub.Register(c.Request.Context(), conn, identity, c.Query("session"))
		go client.writePump()
		go client.readPump()
	}
}

// rejectConn は認証に失敗した接続へエラーを通知して切断します。
func rejectConn(conn *websocket.Conn, eventErr *EventError) {
	defer conn.Close()

	payload, err := encodeEvent(EventConnectionError, eventErr)
	if err != nil {
		return
	}
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	conn.WriteMessage(websocket.TextMessage, payload)
	conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.ClosePolicyViolation, eventErr.Code))
}
