package auth

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"golang.org/x/crypto/bcrypt"
)

// ContextIdentityKey は、ハンドラー間で検証済みの利用者情報を共有するためのキーです。
const ContextIdentityKey = "auth.identity"

// Middleware は認証・認可ミドルウェアをまとめた構造体です。
type Middleware struct {
	verifier     Verifier
	adminKeyHash string
}

// NewMiddleware は認証ミドルウェアを作成します。
// adminKeyHash が空の場合、X-Admin-Key による管理者認証は無効になります。
func NewMiddleware(verifier Verifier, adminKeyHash string) *Middleware {
	return &Middleware{
		verifier:     verifier,
		adminKeyHash: adminKeyHash,
	}
}

// RequireAuth はアクセストークンを検証するミドルウェアを返します。
func (m *Middleware) RequireAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		// 運用ツール向け: X-Admin-Key が設定されていれば bcrypt ハッシュと照合する
		if key := c.GetHeader("X-Admin-Key"); key != "" && m.verifyAdminKey(key) {
			c.Set(ContextIdentityKey, Identity{UserID: "admin", Role: RoleAdmin})
			c.Next()
			return
		}

		token := TokenFromRequest(c.Request)
		if token == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"code":    "AUTH_REQUIRED",
				"message": "アクセストークンを指定してください。",
			})
			return
		}

		identity, err := m.verifier.Verify(c.Request.Context(), token)
		if err != nil {
			code := "AUTH_INVALID"
			message := "アクセストークンが正しくありません。"
			if errors.Is(err, ErrTokenExpired) {
				code = "TOKEN_EXPIRED"
				message = "アクセストークンの有効期限が切れました。"
			}
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"code":    code,
				"message": message,
			})
			return
		}

		c.Set(ContextIdentityKey, identity)
		c.Next()
	}
}

// RequireAdmin は管理者ロールを要求するミドルウェアを返します。
// RequireAuth の後段で使用してください。
func (m *Middleware) RequireAdmin() gin.HandlerFunc {
	return func(c *gin.Context) {
		identity, ok := IdentityFrom(c)
		if !ok || !identity.IsAdmin() {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"code":    "FORBIDDEN",
				"message": "この操作には管理者権限が必要です。",
			})
			return
		}
		c.Next()
	}
}

func (m *Middleware) verifyAdminKey(key string) bool {
	if m.adminKeyHash == "" {
		return false
	}
	return bcrypt.CompareHashAndPassword([]byte(m.adminKeyHash), []byte(key)) == nil
}

// IdentityFrom はコンテキストから検証済みの利用者情報を取得します。
func IdentityFrom(c *gin.Context) (Identity, bool) {
	value, exists := c.Get(ContextIdentityKey)
	if !exists {
		return Identity{}, false
	}
	identity, ok := value.(Identity)
	return identity, ok
}

// TokenFromRequest はリクエストからアクセストークンを取り出します。
// Authorization ヘッダー、token クエリパラメータ、WebSocket サブプロトコルの
// 順で探します（ブラウザのWebSocket APIはヘッダーを設定できないため）。
func TokenFromRequest(r *http.Request) string {
	if header := r.Header.Get("Authorization"); header != "" {
		if token, ok := strings.CutPrefix(header, "Bearer "); ok {
			return strings.TrimSpace(token)
		}
	}

	if token := r.URL.Query().Get("token"); token != "" {
		return token
	}

	// Sec-WebSocket-Protocol: bearer, <token>
	protocols := strings.Split(r.Header.Get("Sec-WebSocket-Protocol"), ",")
	for i, p := range protocols {
		if strings.TrimSpace(p) == "bearer" && i+1 < len(protocols) {
			return strings.TrimSpace(protocols[i+1])
		}
	}

	return ""
}
