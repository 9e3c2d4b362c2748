// Package config は環境変数から設定を読み込み、アプリケーション全体で使用する設定を提供します。
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
)

// Config はアプリケーションの設定を保持する構造体です。
type Config struct {
	// サーバー設定
	Port     string // APIサーバーのポート番号
	GinMode  string // Ginの実行モード (debug, release, test)
	ServerID string // 水平スケール時にインスタンスを識別するID

	// CORS設定
	CORSAllowedOrigins string // CORS許可オリジン（カンマ区切り）

	// 認証設定
	AuthTokenSecret string // アクセストークン署名用の秘密鍵
	AdminKeyHash    string // bcryptでハッシュ化された運用ツール用の管理キー

	// Redis設定（セッションレジストリ・レート制限・イベント中継・ジョブキューで共用）
	RedisURL string

	// セッションレジストリ設定
	SessionTTLMinutes int // 切断後にセッション情報を保持する時間（分）

	// WebSocket設定
	WSSendBuffer      int   // クライアント毎の送信バッファ（イベント件数）
	WSMaxMessageBytes int64 // 受信メッセージの最大サイズ（バイト）
	WSInboundPerSec   int   // クライアント毎の受信メッセージレート（件/秒）

	// ジョブ/キュー設定
	WorkerConcurrency int // Asynqワーカーの並列数
	MaxJobRetries     int // ジョブの最大リトライ回数
	JobExpireMinutes  int // ジョブ状態レコードの有効期限（分）

	// サーキットブレーカー設定（全ブレーカー共通のデフォルト値）
	BreakerFailureThreshold    int   // Openへ遷移する連続失敗数のしきい値
	BreakerResetTimeoutMs      int64 // OpenからHalf-Openへ遷移するまでの時間（ミリ秒）
	BreakerHalfOpenMaxAttempts int   // Half-Openで許可する試行回数
	BreakerMonitoringPeriodMs  int64 // 観測ウィンドウの長さ（ミリ秒）
	BreakerMinimumRequests     int   // 遷移判定に必要な最小観測数

	// レート制限設定
	RateLimitMax      int64 // ウィンドウ内の最大リクエスト数
	RateLimitWindowMs int64 // 固定ウィンドウの長さ（ミリ秒）

	// 外部コラボレーター設定
	AccessCheckBaseURL string // ドキュメント/バッチのアクセス権検証APIのベースURL（空ならすべて許可）
	EnhancerBaseURL    string // AIエンハンスメントサービスのベースURL（空なら内蔵シミュレーターを使用）
	EnhancerPollMs     int64  // エンハンスメントサービスの進捗ポーリング間隔（ミリ秒）
}

// Load は環境変数から設定を読み込みます。
// .env.local ファイルが存在する場合はそこから読み込みます。
func Load() (*Config, error) {
	// .env.local ファイルを読み込む（存在しない場合はスキップ）
	loadEnvFile()

	config := &Config{
		// サーバー設定
		Port:     getEnv("PORT", "8080"),
		GinMode:  getEnv("GIN_MODE", "debug"),
		ServerID: getEnv("SERVER_ID", defaultServerID()),

		// CORS設定
		CORSAllowedOrigins: getEnv("CORS_ALLOWED_ORIGINS", "http://localhost:5173"),

		// 認証設定
		AuthTokenSecret: getEnv("AUTH_TOKEN_SECRET", ""),
		AdminKeyHash:    getEnv("ADMIN_KEY_HASH", ""),

		// Redis設定
		RedisURL: getEnv("REDIS_URL", "redis://127.0.0.1:6379/0"),

		// セッションレジストリ設定
		SessionTTLMinutes: getEnvAsInt("SESSION_TTL_MINUTES", 30),

		// WebSocket設定
		WSSendBuffer:      getEnvAsInt("WS_SEND_BUFFER", 64),
		WSMaxMessageBytes: getEnvAsInt64("WS_MAX_MESSAGE_BYTES", 4096),
		WSInboundPerSec:   getEnvAsInt("WS_INBOUND_PER_SEC", 20),

		// ジョブ/キュー設定
		WorkerConcurrency: getEnvAsInt("WORKER_CONCURRENCY", 4),
		MaxJobRetries:     getEnvAsInt("MAX_JOB_RETRIES", 3),
		JobExpireMinutes:  getEnvAsInt("JOB_EXPIRE_MINUTES", 60),

		// サーキットブレーカー設定
		BreakerFailureThreshold:    getEnvAsInt("BREAKER_FAILURE_THRESHOLD", 5),
		BreakerResetTimeoutMs:      getEnvAsInt64("BREAKER_RESET_TIMEOUT_MS", 30000),
		BreakerHalfOpenMaxAttempts: getEnvAsInt("BREAKER_HALF_OPEN_MAX_ATTEMPTS", 3),
		BreakerMonitoringPeriodMs:  getEnvAsInt64("BREAKER_MONITORING_PERIOD_MS", 60000),
		BreakerMinimumRequests:     getEnvAsInt("BREAKER_MINIMUM_REQUESTS", 10),

		// レート制限設定
		RateLimitMax:      getEnvAsInt64("RATE_LIMIT_MAX", 100),
		RateLimitWindowMs: getEnvAsInt64("RATE_LIMIT_WINDOW_MS", 60000),

		// 外部コラボレーター設定
		AccessCheckBaseURL: getEnv("ACCESS_CHECK_BASE_URL", ""),
		EnhancerBaseURL:    getEnv("ENHANCER_BASE_URL", ""),
		EnhancerPollMs:     getEnvAsInt64("ENHANCER_POLL_MS", 2000),
	}

	// 必須設定のバリデーション
	if err := config.Validate(); err != nil {
		return nil, err
	}

	return config, nil
}

func loadEnvFile() {
	if err := godotenv.Load(".env.local"); err == nil {
		return
	}

	cwd, err := os.Getwd()
	if err != nil {
		return
	}

	parent := filepath.Dir(cwd)
	if parent == "" || parent == cwd {
		return
	}

	_ = godotenv.Load(filepath.Join(parent, ".env.local"))
}

// Validate は設定の妥当性を検証します。
func (c *Config) Validate() error {
	// ローカル開発では認証設定は任意
	// 本番環境では厳格にチェックする想定
	if c.GinMode == "release" {
		if c.AuthTokenSecret == "" {
			return fmt.Errorf("AUTH_TOKEN_SECRET is required in release mode")
		}
		if c.RedisURL == "" {
			return fmt.Errorf("REDIS_URL is required in release mode")
		}
		if c.AccessCheckBaseURL == "" {
			return fmt.Errorf("ACCESS_CHECK_BASE_URL is required in release mode")
		}
	}

	if c.SessionTTLMinutes <= 0 {
		return fmt.Errorf("SESSION_TTL_MINUTES must be positive")
	}
	if c.RateLimitMax <= 0 || c.RateLimitWindowMs <= 0 {
		return fmt.Errorf("RATE_LIMIT_MAX and RATE_LIMIT_WINDOW_MS must be positive")
	}

	return nil
}

// SessionTTL はセッションレジストリのTTLを time.Duration で返します。
func (c *Config) SessionTTL() time.Duration {
	return time.Duration(c.SessionTTLMinutes) * time.Minute
}

// JobTTL はジョブ状態レコードのTTLを time.Duration で返します。
func (c *Config) JobTTL() time.Duration {
	return time.Duration(c.JobExpireMinutes) * time.Minute
}

// RateLimitWindow は固定ウィンドウの長さを time.Duration で返します。
func (c *Config) RateLimitWindow() time.Duration {
	return time.Duration(c.RateLimitWindowMs) * time.Millisecond
}

func defaultServerID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "gateway"
	}
	return fmt.Sprintf("%s-%s", host, uuid.NewString()[:8])
}

// getEnv は環境変数を取得し、存在しない場合はデフォルト値を返します。
func getEnv(key string, defaultValue string) string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	return value
}

// getEnvAsInt は環境変数を整数として取得します。
func getEnvAsInt(key string, defaultValue int) int {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

// getEnvAsInt64 は環境変数を64ビット整数として取得します。
func getEnvAsInt64(key string, defaultValue int64) int64 {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseInt(valueStr, 10, 64)
	if err != nil {
		return defaultValue
	}
	return value
}
