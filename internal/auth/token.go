// Package auth は認証・認可機能を提供します。
package auth

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Role はアクセストークンに含まれる権限ロールです。
type Role string

const (
	RoleUser  Role = "user"
	RoleAdmin Role = "admin"
)

// Identity は検証済みトークンから得られる利用者情報です。
type Identity struct {
	UserID string
	Role   Role
}

// IsAdmin は管理者ロールかどうかを返します。
func (i Identity) IsAdmin() bool {
	return i.Role == RoleAdmin
}

var (
	// ErrTokenInvalid はトークンの形式または署名が不正な場合に返されます。
	ErrTokenInvalid = errors.New("token is invalid")
	// ErrTokenExpired はトークンの有効期限が切れている場合に返されます。
	ErrTokenExpired = errors.New("token is expired")
)

// Verifier はアクセストークンを検証するインターフェースです。
type Verifier interface {
	Verify(ctx context.Context, token string) (Identity, error)
}

type claims struct {
	UserID    string `json:"userId"`
	Role      string `json:"role"`
	ExpiresAt int64  `json:"exp"`
}

// TokenVerifier はHMAC-SHA256署名付きトークンを発行・検証します。
// トークンは base64url(claims JSON) + "." + base64url(署名) の形式です。
type TokenVerifier struct {
	secret []byte
}

// NewTokenVerifier は TokenVerifier を作成します。
func NewTokenVerifier(secret string) *TokenVerifier {
	return &TokenVerifier{secret: []byte(secret)}
}

// Mint は署名付きトークンを発行します。テストや運用ツールからも利用します。
func (v *TokenVerifier) Mint(identity Identity, ttl time.Duration) (string, error) {
	if identity.UserID == "" {
		return "", fmt.Errorf("userID is required")
	}
	role := identity.Role
	if role == "" {
		role = RoleUser
	}
	payload, err := json.Marshal(claims{
		UserID:    identity.UserID,
		Role:      string(role),
		ExpiresAt: time.Now().Add(ttl).Unix(),
	})
	if err != nil {
		return "", err
	}
	encoded := base64.RawURLEncoding.EncodeToString(payload)
	sig := base64.RawURLEncoding.EncodeToString(v.sign(payload))
	return encoded + "." + sig, nil
}

// Verify はトークンの署名と有効期限を検証し、利用者情報を返します。
func (v *TokenVerifier) Verify(_ context.Context, token string) (Identity, error) {
	encoded, encodedSig, ok := strings.Cut(token, ".")
	if !ok {
		return Identity{}, ErrTokenInvalid
	}

	payload, err := base64.RawURLEncoding.DecodeString(encoded)
	if err != nil {
		return Identity{}, ErrTokenInvalid
	}
	sig, err := base64.RawURLEncoding.DecodeString(encodedSig)
	if err != nil {
		return Identity{}, ErrTokenInvalid
	}
	if !hmac.Equal(sig, v.sign(payload)) {
		return Identity{}, ErrTokenInvalid
	}

	var c claims
	if err := json.Unmarshal(payload, &c); err != nil {
		return Identity{}, ErrTokenInvalid
	}
	if c.UserID == "" {
		return Identity{}, ErrTokenInvalid
	}
	if time.Now().Unix() >= c.ExpiresAt {
		return Identity{}, ErrTokenExpired
	}

	role := Role(c.Role)
	if role != RoleAdmin {
		role = RoleUser
	}
	return Identity{UserID: c.UserID, Role: role}, nil
}

func (v *TokenVerifier) sign(payload []byte) []byte {
	mac := hmac.New(sha256.New, v.secret)
	mac.Write(payload)
	return mac.Sum(nil)
}
