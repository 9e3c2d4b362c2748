package jobs

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/SubhajL/canva-beautifying-sub006/internal/realtime"
)

// Publisher は Bridge からリアルタイムゲートウェイへの配信を抽象化します。
// realtime.Hub が実装します。
type Publisher interface {
	Broadcast(channel, event string, data any)
}

// JobContext は実行中ジョブの識別情報です。ワーカーのタスクハンドラーが
// 組み立てて各フックに渡します。Attempt は1始まりの試行回数です。
type JobContext struct {
	JobID       string
	Payload     *Payload
	Attempt     int
	MaxAttempts int
	EnqueuedAt  time.Time
	StartedAt   time.Time
}

// ProgressUpdate はパイプラインから報告される進捗1件です。InternalStage は
// 内部語彙のままで、公開語彙への変換は Bridge が行います。
type ProgressUpdate struct {
	InternalStage string
	Percent       int
	Message       string
	Details       map[string]any
}

// PendingJob はキューで実行待ちのジョブです。Position は1始まりです。
type PendingJob struct {
	JobID      string
	DocumentID string
	UserID     string
	Position   int
}

// progressEvent は enhancement:progress のペイロードです。
type progressEvent struct {
	JobID      string         `json:"jobId"`
	DocumentID string         `json:"documentId"`
	Stage      Stage          `json:"stage"`
	Progress   int            `json:"progress"`
	Message    string         `json:"message,omitempty"`
	Details    map[string]any `json:"details,omitempty"`
	Timestamp  time.Time      `json:"timestamp"`
}

// lifecycleEvent は job:started / job:completed / job:failed のペイロードです。
type lifecycleEvent struct {
	JobID        string         `json:"jobId"`
	DocumentID   string         `json:"documentId"`
	BatchID      string         `json:"batchId,omitempty"`
	Status       Status         `json:"status"`
	Attempt      int            `json:"attempt,omitempty"`
	ResultURLs   []string       `json:"resultUrls,omitempty"`
	Report       map[string]any `json:"report,omitempty"`
	ProcessingMs int64          `json:"processingTimeMs,omitempty"`
	Error        *ErrorInfo     `json:"error,omitempty"`
	Timestamp    time.Time      `json:"timestamp"`
}

// queuePositionEvent は queue:position のペイロードです。
type queuePositionEvent struct {
	JobID      string    `json:"jobId"`
	DocumentID string    `json:"documentId"`
	Position   int       `json:"position"`
	Timestamp  time.Time `json:"timestamp"`
}

// batchUpdateEvent は batch:update のペイロードです。
type batchUpdateEvent struct {
	BatchID    string    `json:"batchId"`
	JobID      string    `json:"jobId"`
	DocumentID string    `json:"documentId"`
	Status     Status    `json:"status"`
	Timestamp  time.Time `json:"timestamp"`
}

// notificationEvent は notification のペイロードです。
type notificationEvent struct {
	JobID      string    `json:"jobId,omitempty"`
	DocumentID string    `json:"documentId,omitempty"`
	Type       string    `json:"type"`
	Message    string    `json:"message"`
	Timestamp  time.Time `json:"timestamp"`
}

const emitBufferSize = 256

// Bridge はワーカーの実行フックをジョブ状態の永続化とゲートウェイ配信に
// 橋渡しします。状態の保存はフック内で同期的に行い、失敗はログに残すだけで
// ジョブには波及させません。配信は専用ゴルーチンがFIFOバッファを順に処理
// するため、フックの呼び出し元をブロックせず、1ジョブのイベント順序が
// 保たれます。
type Bridge struct {
	store  Store
	pub    Publisher
	logger zerolog.Logger

	emit      chan func()
	done      chan struct{}
	closeOnce sync.Once
}

// NewBridge は Bridge を作成し、配信ゴルーチンを開始します。
func NewBridge(store Store, pub Publisher, logger zerolog.Logger) *Bridge {
	b := &Bridge{
		store:  store,
		pub:    pub,
		logger: logger.With().Str("component", "job_bridge").Logger(),
		emit:   make(chan func(), emitBufferSize),
		done:   make(chan struct{}),
	}
	go b.pump()
	return b
}

func (b *Bridge) pump() {
	defer close(b.done)
	for fn := range b.emit {
		fn()
	}
}

// Close はバッファ済みの配信を処理し切ってから停止します。
// すべてのフック呼び出し元（ワーカー）が停止した後に呼び出してください。
func (b *Bridge) Close() {
	b.closeOnce.Do(func() {
		close(b.emit)
	})
	<-b.done
}

// OnJobStarted は実行開始を記録し、job:started と初回の進捗イベントを
// ドキュメントルームと所有ユーザーのルームへ配信します。
func (b *Bridge) OnJobStarted(ctx context.Context, jctx *JobContext) {
	if err := b.store.MarkRunning(ctx, jctx.JobID, jctx.Attempt); err != nil {
		b.logger.Error().Err(err).Str("jobId", jctx.JobID).Msg("failed to mark job running")
	}

	now := time.Now().UTC()
	b.publish(realtime.EventJobStarted, ownerRooms(jctx.Payload), lifecycleEvent{
		JobID:      jctx.JobID,
		DocumentID: jctx.Payload.DocumentID,
		BatchID:    jctx.Payload.BatchID,
		Status:     StatusRunning,
		Attempt:    jctx.Attempt,
		Timestamp:  now,
	})
	b.publish(realtime.EventEnhancementProgress, ownerRooms(jctx.Payload), progressEvent{
		JobID:      jctx.JobID,
		DocumentID: jctx.Payload.DocumentID,
		Stage:      StagePlanning,
		Progress:   0,
		Message:    "Processing started",
		Timestamp:  now,
	})
}

// OnJobProgress は内部ステージ名を公開語彙へ変換し、進捗を保存して
// enhancement:progress を配信します。進捗率は0〜100に丸められます。
func (b *Bridge) OnJobProgress(ctx context.Context, jctx *JobContext, update ProgressUpdate) {
	stage := MapStage(update.InternalStage)
	percent := clampPercent(update.Percent)

	if err := b.store.UpdateProgress(ctx, jctx.JobID, ProgressInfo{
		Percent: percent,
		Stage:   stage,
		Message: update.Message,
	}); err != nil {
		b.logger.Error().Err(err).Str("jobId", jctx.JobID).Msg("failed to persist job progress")
	}

	b.publish(realtime.EventEnhancementProgress, ownerRooms(jctx.Payload), progressEvent{
		JobID:      jctx.JobID,
		DocumentID: jctx.Payload.DocumentID,
		Stage:      stage,
		Progress:   percent,
		Message:    update.Message,
		Details:    update.Details,
		Timestamp:  time.Now().UTC(),
	})
}

// OnJobCompleted は処理時間を計算して完了を記録し、job:completed を
// 配信します。バッチの一員だった場合はバッチルームへ batch:update も
// 配信します。
func (b *Bridge) OnJobCompleted(ctx context.Context, jctx *JobContext, outcome *Outcome) {
	processingMs := time.Since(jctx.StartedAt).Milliseconds()

	var resultURLs []string
	var report map[string]any
	if outcome != nil {
		resultURLs = outcome.ResultURLs
		report = outcome.Report
	}

	if err := b.store.MarkDone(ctx, jctx.JobID, resultURLs, processingMs); err != nil {
		b.logger.Error().Err(err).Str("jobId", jctx.JobID).Msg("failed to mark job done")
	}

	now := time.Now().UTC()
	b.publish(realtime.EventJobCompleted, ownerRooms(jctx.Payload), lifecycleEvent{
		JobID:        jctx.JobID,
		DocumentID:   jctx.Payload.DocumentID,
		BatchID:      jctx.Payload.BatchID,
		Status:       StatusDone,
		ResultURLs:   resultURLs,
		Report:       report,
		ProcessingMs: processingMs,
		Timestamp:    now,
	})
	if jctx.Payload.BatchID != "" {
		b.publish(realtime.EventBatchUpdate, []string{realtime.BatchChannel(jctx.Payload.BatchID)}, batchUpdateEvent{
			BatchID:    jctx.Payload.BatchID,
			JobID:      jctx.JobID,
			DocumentID: jctx.Payload.DocumentID,
			Status:     StatusDone,
			Timestamp:  now,
		})
	}
}

// OnJobFailed は失敗を記録し、job:failed を配信します。retryable は
// 再試行枠が残っているかどうかで決まり、使い切った場合のみジョブは
// 終端状態になります。失敗はこのジョブ限りで、ワーカー自体には波及
// しません。
func (b *Bridge) OnJobFailed(ctx context.Context, jctx *JobContext, errInfo *ErrorInfo) {
	info := ErrorInfo{Code: "ENHANCEMENT_FAILED", Message: "enhancement failed"}
	if errInfo != nil {
		info = *errInfo
	}
	info.Retryable = jctx.Attempt < jctx.MaxAttempts

	if err := b.store.MarkFailed(ctx, jctx.JobID, &info, !info.Retryable); err != nil {
		b.logger.Error().Err(err).Str("jobId", jctx.JobID).Msg("failed to mark job failed")
	}

	now := time.Now().UTC()
	b.publish(realtime.EventJobFailed, ownerRooms(jctx.Payload), lifecycleEvent{
		JobID:      jctx.JobID,
		DocumentID: jctx.Payload.DocumentID,
		BatchID:    jctx.Payload.BatchID,
		Status:     StatusFailed,
		Attempt:    jctx.Attempt,
		Error:      &info,
		Timestamp:  now,
	})
	if jctx.Payload.BatchID != "" && !info.Retryable {
		b.publish(realtime.EventBatchUpdate, []string{realtime.BatchChannel(jctx.Payload.BatchID)}, batchUpdateEvent{
			BatchID:    jctx.Payload.BatchID,
			JobID:      jctx.JobID,
			DocumentID: jctx.Payload.DocumentID,
			Status:     StatusFailed,
			Timestamp:  now,
		})
	}
}

// OnJobCanceled はキャンセルを記録し、所有ユーザーへ notification を
// 配信します。
func (b *Bridge) OnJobCanceled(ctx context.Context, record *Record) {
	if err := b.store.MarkCanceled(ctx, record.JobID); err != nil {
		b.logger.Error().Err(err).Str("jobId", record.JobID).Msg("failed to mark job canceled")
	}

	b.publish(realtime.EventNotification, []string{realtime.UserChannel(record.UserID)}, notificationEvent{
		JobID:      record.JobID,
		DocumentID: record.DocumentID,
		Type:       "job:canceled",
		Message:    "Enhancement canceled",
		Timestamp:  time.Now().UTC(),
	})
}

// NotifyQueuePositions は実行待ちジョブの現在位置を所有ユーザーへ配信
// します。位置はロックなしで読んだ近似値であり、UX向けのヒントとして
// 扱います。
func (b *Bridge) NotifyQueuePositions(pending []PendingJob) {
	if len(pending) == 0 {
		return
	}
	now := time.Now().UTC()
	for _, job := range pending {
		rooms := []string{
			realtime.DocumentChannel(job.DocumentID),
			realtime.UserChannel(job.UserID),
		}
		b.publish(realtime.EventQueuePosition, rooms, queuePositionEvent{
			JobID:      job.JobID,
			DocumentID: job.DocumentID,
			Position:   job.Position,
			Timestamp:  now,
		})
	}
}

// publish は配信処理をFIFOバッファへ積みます。満杯の場合は破棄してログに
// 残します。ワーカーをブロックしないことを配信の完全性より優先します。
func (b *Bridge) publish(event string, rooms []string, data any) {
	fn := func() {
		for _, room := range rooms {
			b.pub.Broadcast(room, event, data)
		}
	}
	select {
	case b.emit <- fn:
	default:
		b.logger.Warn().Str("event", event).Msg("publish buffer full, event dropped")
	}
}

// ownerRooms はジョブのイベントを受け取るルーム一覧を返します。
func ownerRooms(p *Payload) []string {
	return []string{
		realtime.DocumentChannel(p.DocumentID),
		realtime.UserChannel(p.UserID),
	}
}

func clampPercent(percent int) int {
	if percent < 0 {
		return 0
	}
	if percent > 100 {
		return 100
	}
	return percent
}
