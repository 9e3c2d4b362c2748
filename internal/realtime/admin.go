package realtime

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/SubhajL/canva-beautifying-sub006/internal/auth"
	"github.com/SubhajL/canva-beautifying-sub006/internal/sessions"
)

// SessionsHandler は GET /api/admin/sessions のハンドラーを返します。
//
// 管理者は userId クエリで任意のユーザーを、省略時は全ユーザーの
// セッションを取得できます。一般ユーザーは常に自分のセッションのみです。
func SessionsHandler(hub *Hub) gin.HandlerFunc {
	return func(c *gin.Context) {
		identity, ok := auth.IdentityFrom(c)
		if !ok {
			c.JSON(http.StatusUnauthorized, gin.H{
				"code":    "AUTH_REQUIRED",
				"message": "アクセストークンを指定してください。",
			})
			return
		}

		userID := strings.TrimSpace(c.Query("userId"))
		if !identity.IsAdmin() {
			userID = identity.UserID
		}

		ctx := c.Request.Context()
		if userID != "" {
			list, err := hub.registry.ActiveSessions(ctx, userID)
			if err != nil {
				respondStoreError(c, err)
				return
			}
			c.JSON(http.StatusOK, gin.H{
				"sessions": list,
				"count":    len(list),
			})
			return
		}

		counts, err := hub.registry.SessionCounts(ctx)
		if err != nil {
			respondStoreError(c, err)
			return
		}
		all := make([]*sessions.Session, 0, len(counts))
		for uid := range counts {
			list, err := hub.registry.ActiveSessions(ctx, uid)
			if err != nil {
				respondStoreError(c, err)
				return
			}
			all = append(all, list...)
		}
		c.JSON(http.StatusOK, gin.H{
			"sessions": all,
			"count":    len(all),
		})
	}
}

// StatsHandler は GET /api/admin/sessions/stats のハンドラーを返します。
func StatsHandler(hub *Hub) gin.HandlerFunc {
	return func(c *gin.Context) {
		counts, err := hub.registry.SessionCounts(c.Request.Context())
		if err != nil {
			respondStoreError(c, err)
			return
		}
		total := 0
		for _, n := range counts {
			total += n
		}
		c.JSON(http.StatusOK, gin.H{
			"totalSessions": total,
			"totalUsers":    len(counts),
			"byUser":        counts,
			"localSessions": hub.LocalSessions(),
			"degraded":      hub.Degraded(),
		})
	}
}

// DisconnectHandler は DELETE /api/admin/sessions/:id のハンドラーを返します。
// セッションが他インスタンスに接続している場合もリレー経由で切断されます。
func DisconnectHandler(hub *Hub) gin.HandlerFunc {
	return func(c *gin.Context) {
		sessionID := strings.TrimSpace(c.Param("id"))
		if sessionID == "" {
			c.JSON(http.StatusBadRequest, gin.H{
				"code":    "INVALID_INPUT",
				"message": "sessionId を指定してください。",
			})
			return
		}

		_, err := hub.registry.GetSession(c.Request.Context(), sessionID)
		if err != nil {
			if errors.Is(err, sessions.ErrNotFound) {
				// レコードが消えていてもローカル接続が残っていれば切断します。
				if hub.disconnectLocal(sessionID) {
					c.JSON(http.StatusOK, gin.H{
						"sessionId": sessionID,
						"status":    "disconnected",
					})
					return
				}
				c.JSON(http.StatusNotFound, gin.H{
					"code":    "SESSION_NOT_FOUND",
					"message": "指定されたセッションは存在しません。",
				})
				return
			}
			respondStoreError(c, err)
			return
		}

		hub.ForceDisconnect(c.Request.Context(), sessionID)
		c.JSON(http.StatusOK, gin.H{
			"sessionId": sessionID,
			"status":    "disconnected",
		})
	}
}

// RoomsHandler は GET /api/admin/rooms のハンドラーを返します。
// ローカルインスタンスのチャンネル毎の購読者数を返します。
func RoomsHandler(hub *Hub) gin.HandlerFunc {
	return func(c *gin.Context) {
		rooms := hub.Rooms()
		c.JSON(http.StatusOK, gin.H{
			"rooms": rooms,
			"count": len(rooms),
		})
	}
}

func respondStoreError(c *gin.Context, err error) {
	var storeErr *sessions.StoreUnavailableError
	if errors.As(err, &storeErr) {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"code":    "STORE_UNAVAILABLE",
			"message": "セッションストアに接続できません。",
		})
		return
	}
	c.JSON(http.StatusInternalServerError, gin.H{
		"code":    "INTERNAL_ERROR",
		"message": "サーバー内部でエラーが発生しました。",
	})
}
