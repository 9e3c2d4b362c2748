package ratelimit

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/SubhajL/canva-beautifying-sub006/internal/auth"
)

// Middleware はエンドポイント毎・識別子毎のレート制限を適用するGin
// ミドルウェアを返します。識別子は認証済みならユーザーID、未認証なら
// クライアントIPです。判定結果は常に X-RateLimit-* ヘッダーで返します。
func Middleware(limiter *Limiter) gin.HandlerFunc {
	return func(c *gin.Context) {
		identity := c.ClientIP()
		if id, ok := auth.IdentityFrom(c); ok {
			identity = id.UserID
		}

		endpoint := c.FullPath()
		if endpoint == "" {
			endpoint = c.Request.URL.Path
		}

		result := limiter.Allow(c.Request.Context(), endpoint, identity)
		c.Header("X-RateLimit-Limit", strconv.FormatInt(result.Limit, 10))
		c.Header("X-RateLimit-Remaining", strconv.FormatInt(result.Remaining, 10))
		c.Header("X-RateLimit-Reset", strconv.FormatInt(result.ResetAt.Unix(), 10))

		if !result.Allowed {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"code":    "RATE_LIMITED",
				"message": "リクエストが多すぎます。しばらくしてから再度お試しください。",
				"resetAt": result.ResetAt.Unix(),
			})
			return
		}
		c.Next()
	}
}
