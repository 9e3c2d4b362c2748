package main

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/SubhajL/canva-beautifying-sub006/internal/auth"
	"github.com/SubhajL/canva-beautifying-sub006/internal/breaker"
	"github.com/SubhajL/canva-beautifying-sub006/internal/jobs"
	"github.com/SubhajL/canva-beautifying-sub006/internal/ratelimit"
	"github.com/SubhajL/canva-beautifying-sub006/internal/realtime"
)

// breakerJobsAPI はジョブAPIのエンドポイント自体を守るブレーカーの名前です。
// AIサービス用のブレーカー（ワーカーが管理）とは独立して動きます。
const breakerJobsAPI = "jobs-api"

// setupRoutes は全エンドポイントの配線を行います。
func setupRoutes(router *gin.Engine, authMW *auth.Middleware, limiter *ratelimit.Limiter, breakers *breaker.Registry, hub *realtime.Hub, verifier auth.Verifier, manager *jobs.Manager) {
	// ヘルスチェックは認証不要
	router.GET("/health", healthHandler(hub))

	// WebSocketはアップグレード後にハンドラー内で認証する
	router.GET("/ws", realtime.WSHandler(hub, verifier))

	api := router.Group("/api")
	api.Use(authMW.RequireAuth(), ratelimit.Middleware(limiter))
	{
		jobsGroup := api.Group("/jobs", breaker.Middleware(breakers, breakerJobsAPI))
		{
			jobsGroup.POST("", jobs.EnqueueHandler(manager))
			jobsGroup.GET("/:id", jobs.StatusHandler(manager))
			jobsGroup.DELETE("/:id", jobs.CancelHandler(manager))
		}

		admin := api.Group("/admin")
		{
			// 一般ユーザーも自分のセッション一覧は参照できる（ハンドラー内で制限）
			admin.GET("/sessions", realtime.SessionsHandler(hub))

			restricted := admin.Group("", authMW.RequireAdmin())
			{
				restricted.GET("/sessions/stats", realtime.StatsHandler(hub))
				restricted.DELETE("/sessions/:id", realtime.DisconnectHandler(hub))
				restricted.GET("/rooms", realtime.RoomsHandler(hub))
				restricted.GET("/breakers", breaker.StatesHandler(breakers))
				restricted.POST("/breakers/:name/reset", breaker.ResetHandler(breakers))
				restricted.GET("/queue/stats", jobs.QueueStatsHandler(manager, breakers.Get(breakerJobsAPI)))
			}
		}
	}
}

// healthHandler はヘルスチェックエンドポイントのハンドラーを返します。
func healthHandler(hub *realtime.Hub) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":   "ok",
			"service":  "realtime-gateway",
			"degraded": hub.Degraded(),
			"version":  "0.1.0",
		})
	}
}
