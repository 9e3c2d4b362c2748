package breaker

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
)

// HeaderName はブレーカー状態を伝えるレスポンスヘッダー名です。
const HeaderName = "X-Circuit-Breaker"

// HeaderFallback はデグレード応答を返したことを示すヘッダー値です。
const HeaderFallback = "fallback"

// Middleware は名前付きブレーカーでエンドポイントを保護するGinミドルウェアを
// 返します。5xx応答を失敗として記録し、Open 中は503と Retry-After を返します。
// レート制限による429は失敗として数えません。
func Middleware(reg *Registry, name string) gin.HandlerFunc {
	return func(c *gin.Context) {
		b := reg.Get(name)
		if !b.CanAttempt() {
			retryAfter := b.TimeUntilReset()
			c.Header(HeaderName, StateOpen.String())
			c.Header("Retry-After", strconv.FormatInt(retryAfterSeconds(retryAfter), 10))
			c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{
				"code":         "CIRCUIT_OPEN",
				"message":      "依存サービスが一時的に利用できません。しばらくしてから再度お試しください。",
				"retryAfterMs": retryAfter.Milliseconds(),
			})
			return
		}

		c.Header(HeaderName, b.State().String())
		c.Next()

		// 503はハンドラー内の依存側ブレーカーが返した拒否応答なので、
		// このエンドポイント自体の失敗としては数えません。
		status := c.Writer.Status()
		if status >= http.StatusInternalServerError && status != http.StatusServiceUnavailable {
			b.RecordFailure()
		} else {
			b.RecordSuccess()
		}
	}
}

// MarkFallback はデグレード応答であることをヘッダーで通知します。
func MarkFallback(c *gin.Context) {
	c.Header(HeaderName, HeaderFallback)
}

// retryAfterSeconds は Retry-After ヘッダー用に秒数を切り上げます。
// Open 中に 0 を返さないようにします。
func retryAfterSeconds(d time.Duration) int64 {
	if d <= 0 {
		return 1
	}
	return int64((d + time.Second - 1) / time.Second)
}
