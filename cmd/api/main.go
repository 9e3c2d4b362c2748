// Package main はリアルタイムゲートウェイのエントリーポイントです。
package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/SubhajL/canva-beautifying-sub006/internal/access"
	"github.com/SubhajL/canva-beautifying-sub006/internal/auth"
	"github.com/SubhajL/canva-beautifying-sub006/internal/breaker"
	"github.com/SubhajL/canva-beautifying-sub006/internal/config"
	"github.com/SubhajL/canva-beautifying-sub006/internal/jobs"
	"github.com/SubhajL/canva-beautifying-sub006/internal/logging"
	"github.com/SubhajL/canva-beautifying-sub006/internal/ratelimit"
	"github.com/SubhajL/canva-beautifying-sub006/internal/realtime"
	"github.com/SubhajL/canva-beautifying-sub006/internal/sessions"
)

func main() {
	// 設定の読み込み
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	logger := logging.New(cfg.GinMode).With().Str("server_id", cfg.ServerID).Logger()
	gin.SetMode(cfg.GinMode)

	// Redisクライアント（セッション・レート制限・ジョブ状態・中継で共用）
	redisOpts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		logger.Fatal().Err(err).Msg("invalid REDIS_URL")
	}
	rdb := redis.NewClient(redisOpts)

	// 起動時にRedisへ到達できなくてもプロセスは落とさず、劣化モードで
	// 開始します。復旧はハブのプローブが検知します。
	pingCtx, cancelPing := context.WithTimeout(context.Background(), 3*time.Second)
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		logger.Warn().Err(err).Msg("redis is not reachable, starting in degraded mode")
	}
	cancelPing()

	// サーキットブレーカー（管理APIに最初から見えるよう事前に生成しておく）
	breakers := breaker.NewRegistry(breaker.Config{
		FailureThreshold:    cfg.BreakerFailureThreshold,
		ResetTimeout:        time.Duration(cfg.BreakerResetTimeoutMs) * time.Millisecond,
		HalfOpenMaxAttempts: cfg.BreakerHalfOpenMaxAttempts,
		MonitoringPeriod:    time.Duration(cfg.BreakerMonitoringPeriodMs) * time.Millisecond,
		MinimumRequests:     cfg.BreakerMinimumRequests,
	}, logger)
	breakers.Get(jobs.BreakerAIService)
	breakers.Get(realtime.BreakerDocumentAccess)
	breakers.Get(breakerJobsAPI)

	// セッションレジストリ
	registry := sessions.NewRegistry(sessions.NewRedisStore(rdb), cfg.SessionTTL(), logger)

	// レート制限
	limiter := ratelimit.New(ratelimit.NewRedisCounter(rdb), cfg.RateLimitMax, cfg.RateLimitWindow(), logger)

	// ドキュメント/バッチのアクセス検証
	var checker access.Checker = access.AllowAll{}
	if cfg.AccessCheckBaseURL != "" {
		checker = access.NewHTTPChecker(cfg.AccessCheckBaseURL)
	} else {
		logger.Warn().Msg("ACCESS_CHECK_BASE_URL is not set, allowing all channel subscriptions")
	}

	// WebSocketハブとインスタンス間リレー
	relay := realtime.NewRelay(rdb, cfg.ServerID, logger)
	hub := realtime.NewHub(realtime.Config{
		ServerID:        cfg.ServerID,
		SendBuffer:      cfg.WSSendBuffer,
		MaxMessageBytes: cfg.WSMaxMessageBytes,
		InboundPerSec:   cfg.WSInboundPerSec,
	}, registry, checker, breakers, relay, logger)
	relay.Start(hub)

	// ジョブ基盤（状態ストア・進捗ブリッジ・キュー/ワーカー）
	jobStore := jobs.NewRedisStore(rdb, cfg.JobTTL())
	bridge := jobs.NewBridge(jobStore, hub, logger)

	var enhancer jobs.Enhancer
	if cfg.EnhancerBaseURL != "" {
		enhancer = jobs.NewHTTPEnhancer(cfg.EnhancerBaseURL, time.Duration(cfg.EnhancerPollMs)*time.Millisecond)
	} else {
		logger.Info().Msg("ENHANCER_BASE_URL is not set, using the simulated enhancer")
		enhancer = jobs.NewSimulatedEnhancer(0)
	}

	manager, err := jobs.NewManager(cfg, jobStore, bridge, enhancer, breakers, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to initialize the job manager")
	}
	manager.StartWorkers()

	// 認証
	verifier := auth.NewTokenVerifier(cfg.AuthTokenSecret)
	authMW := auth.NewMiddleware(verifier, cfg.AdminKeyHash)

	// HTTPルーター
	router := gin.New()
	router.Use(gin.Recovery(), requestLogger(logger))
	router.Use(cors.New(corsConfig(cfg)))
	setupRoutes(router, authMW, limiter, breakers, hub, verifier, manager)

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal().Err(err).Msg("server failed")
		}
	}()
	logger.Info().
		Str("addr", srv.Addr).
		Str("mode", cfg.GinMode).
		Msg("gateway started")

	<-ctx.Done()
	stop()
	logger.Info().Msg("shutting down")

	// 新規リクエストの受付を止めてから、実行中のワーカー、配信待ちの
	// イベント、接続中のクライアントの順に畳みます。
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("http server shutdown failed")
	}
	if err := manager.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("job manager shutdown failed")
	}
	bridge.Close()
	hub.Close()
	relay.Stop()
	if err := rdb.Close(); err != nil {
		logger.Error().Err(err).Msg("redis close failed")
	}
	logger.Info().Msg("gateway stopped")
}

func corsConfig(cfg *config.Config) cors.Config {
	corsCfg := cors.DefaultConfig()
	corsCfg.AllowOrigins = strings.Split(cfg.CORSAllowedOrigins, ",")
	corsCfg.AllowCredentials = true
	corsCfg.AllowHeaders = []string{
		"Origin",
		"Content-Type",
		"Accept",
		"Authorization",
		"X-Admin-Key",
	}
	// フロントエンドが再試行の判断に使うヘッダーを公開する
	corsCfg.ExposeHeaders = []string{
		"X-RateLimit-Limit",
		"X-RateLimit-Remaining",
		"X-RateLimit-Reset",
		breaker.HeaderName,
		"Retry-After",
	}
	return corsCfg
}

func requestLogger(logger zerolog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logger.Info().
			Str("method", c.Request.Method).
			Str("path", c.Request.URL.Path).
			Int("status", c.Writer.Status()).
			Dur("elapsed", time.Since(start)).
			Msg("request")
	}
}
