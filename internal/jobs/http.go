package jobs

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/SubhajL/canva-beautifying-sub006/internal/auth"
	"github.com/SubhajL/canva-beautifying-sub006/internal/breaker"
)

// Service はジョブAPIのハンドラーが必要とする操作です。Manager が実装します。
type Service interface {
	Enqueue(ctx context.Context, payload *Payload) (*Record, error)
	GetRecord(ctx context.Context, jobID string) (*Record, error)
	Cancel(ctx context.Context, jobID string) error
	QueuePosition(ctx context.Context, jobID string) (int, error)
	WaitingCount(ctx context.Context) (int, error)
}

// EnqueueHandler は POST /api/jobs のハンドラーを返します。
func EnqueueHandler(svc Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		var payload Payload
		if err := c.ShouldBindJSON(&payload); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{
				"code":    "INVALID_INPUT",
				"message": "リクエストボディをJSONとして解釈できません。",
			})
			return
		}

		identity, ok := auth.IdentityFrom(c)
		if !ok {
			c.JSON(http.StatusUnauthorized, gin.H{
				"code":    "AUTH_REQUIRED",
				"message": "認証が必要です。",
			})
			return
		}
		// 他ユーザー名義の投入は管理者のみ許可する
		if payload.UserID == "" || !identity.IsAdmin() {
			payload.UserID = identity.UserID
		}

		record, err := svc.Enqueue(c.Request.Context(), &payload)
		if err != nil {
			respondWithError(c, err)
			return
		}

		response := gin.H{
			"jobId":  record.JobID,
			"status": record.Status,
		}
		if position, err := svc.QueuePosition(c.Request.Context(), record.JobID); err == nil && position > 0 {
			response["queuePosition"] = position
		}
		c.JSON(http.StatusAccepted, response)
	}
}

// StatusHandler は GET /api/jobs/:id のハンドラーを返します。再接続した
// クライアントが取りこぼし分を補うスナップショットもここから取得します。
func StatusHandler(svc Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		jobID := strings.TrimSpace(c.Param("id"))
		if jobID == "" {
			c.JSON(http.StatusBadRequest, gin.H{
				"code":    "INVALID_INPUT",
				"message": "jobId を指定してください。",
			})
			return
		}

		record, err := svc.GetRecord(c.Request.Context(), jobID)
		if err != nil {
			respondWithError(c, err)
			return
		}
		if !canViewJob(c, record) {
			c.JSON(http.StatusForbidden, gin.H{
				"code":    "FORBIDDEN",
				"message": "このジョブを参照する権限がありません。",
			})
			return
		}

		response := gin.H{
			"jobId":      record.JobID,
			"kind":       record.Kind,
			"documentId": record.DocumentID,
			"status":     record.Status,
			"progress": gin.H{
				"percent": record.Progress.Percent,
				"stage":   record.Progress.Stage,
				"message": record.Progress.Message,
			},
			"attempts":  record.Attempts,
			"createdAt": record.CreatedAt,
			"updatedAt": record.UpdatedAt,
		}
		if record.BatchID != "" {
			response["batchId"] = record.BatchID
		}
		if len(record.ResultURLs) > 0 {
			response["resultUrls"] = record.ResultURLs
		}
		if record.ProcessingMs > 0 {
			response["processingTimeMs"] = record.ProcessingMs
		}
		if record.Error != nil {
			response["error"] = record.Error
		}
		if record.Status == StatusQueued {
			if position, err := svc.QueuePosition(c.Request.Context(), jobID); err == nil && position > 0 {
				response["queuePosition"] = position
			}
		}
		c.JSON(http.StatusOK, response)
	}
}

// CancelHandler は DELETE /api/jobs/:id のハンドラーを返します。
func CancelHandler(svc Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		jobID := strings.TrimSpace(c.Param("id"))
		if jobID == "" {
			c.JSON(http.StatusBadRequest, gin.H{
				"code":    "INVALID_INPUT",
				"message": "jobId を指定してください。",
			})
			return
		}

		record, err := svc.GetRecord(c.Request.Context(), jobID)
		if err != nil {
			respondWithError(c, err)
			return
		}
		if !canViewJob(c, record) {
			c.JSON(http.StatusForbidden, gin.H{
				"code":    "FORBIDDEN",
				"message": "このジョブをキャンセルする権限がありません。",
			})
			return
		}

		if err := svc.Cancel(c.Request.Context(), jobID); err != nil {
			respondWithError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"jobId":  jobID,
			"status": StatusCanceled,
		})
	}
}

// QueueStatsHandler は GET /api/admin/queue/stats のハンドラーを返します。
// キュー照会が失敗している間は最後に取得できた件数を stale 付きで返します。
func QueueStatsHandler(svc Service, br *breaker.Breaker) gin.HandlerFunc {
	var lastKnown atomic.Int64
	return func(c *gin.Context) {
		waiting := 0
		stale := false
		err := br.ExecuteWithFallback(c.Request.Context(),
			func(ctx context.Context) error {
				n, err := svc.WaitingCount(ctx)
				if err != nil {
					return err
				}
				waiting = n
				return nil
			},
			func(context.Context) error {
				waiting = int(lastKnown.Load())
				stale = true
				return nil
			},
		)
		if err != nil {
			respondWithError(c, err)
			return
		}

		response := gin.H{
			"queue":   queueEnhance,
			"waiting": waiting,
		}
		if stale {
			breaker.MarkFallback(c)
			response["stale"] = true
		} else {
			lastKnown.Store(int64(waiting))
		}
		c.JSON(http.StatusOK, response)
	}
}

// canViewJob はジョブの所有者または管理者かどうかを判定します。
func canViewJob(c *gin.Context, record *Record) bool {
	identity, ok := auth.IdentityFrom(c)
	if !ok {
		return false
	}
	return identity.IsAdmin() || identity.UserID == record.UserID
}

func respondWithError(c *gin.Context, err error) {
	var apiErr *Error
	var openErr *breaker.OpenError
	switch {
	case errors.Is(err, ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{
			"code":    "JOB_NOT_FOUND",
			"message": "指定されたジョブは存在しません。",
		})
	case errors.As(err, &apiErr):
		status := http.StatusBadRequest
		switch apiErr.Code {
		case "JOB_ALREADY_QUEUED", "JOB_NOT_CANCELABLE":
			status = http.StatusConflict
		}
		c.JSON(status, gin.H{
			"code":    apiErr.Code,
			"message": apiErr.Message,
		})
	case errors.As(err, &openErr):
		retryAfter := openErr.RetryAfter
		if retryAfter <= 0 {
			retryAfter = time.Second
		}
		c.Header(breaker.HeaderName, breaker.StateOpen.String())
		c.Header("Retry-After", strconv.FormatInt(int64((retryAfter+time.Second-1)/time.Second), 10))
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"code":         "CIRCUIT_OPEN",
			"message":      "依存サービスが一時的に利用できません。しばらくしてから再度お試しください。",
			"retryAfterMs": retryAfter.Milliseconds(),
		})
	case errors.Is(err, context.Canceled):
		c.JSON(http.StatusRequestTimeout, gin.H{
			"code":    "REQUEST_CANCELED",
			"message": "リクエストがキャンセルされました。",
		})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{
			"code":    "INTERNAL_ERROR",
			"message": "サーバー内部でエラーが発生しました。",
		})
	}
}
