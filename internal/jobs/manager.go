package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"
	"github.com/rs/zerolog"

	"github.com/SubhajL/canva-beautifying-sub006/internal/breaker"
	"github.com/SubhajL/canva-beautifying-sub006/internal/config"
)

const (
	taskTypeEnhance = "enhancement:process"
	queueEnhance    = "enhance"

	// enhanceTimeout は1回の試行に許す処理時間です。重複投入を防ぐ
	// ユニークロックの期限も同じ値を使います。
	enhanceTimeout = 10 * time.Minute
)

// BreakerAIService はAIサービス呼び出しを保護するブレーカー名です。
const BreakerAIService = "ai-service"

// Manager はジョブの投入・実行・キャンセルと状態管理を担います。
type Manager struct {
	cfg       *config.Config
	client    *asynq.Client
	server    *asynq.Server
	mux       *asynq.ServeMux
	inspector *asynq.Inspector
	store     Store
	bridge    *Bridge
	enhancer  Enhancer
	breakers  *breaker.Registry
	logger    zerolog.Logger
}

// NewManager は Manager を初期化します。
func NewManager(cfg *config.Config, store Store, bridge *Bridge, enhancer Enhancer, breakers *breaker.Registry, logger zerolog.Logger) (*Manager, error) {
	if cfg == nil {
		return nil, errors.New("config is nil")
	}
	if store == nil {
		return nil, errors.New("store is nil")
	}
	if bridge == nil {
		return nil, errors.New("bridge is nil")
	}
	if enhancer == nil {
		return nil, errors.New("enhancer is nil")
	}
	if breakers == nil {
		return nil, errors.New("breakers is nil")
	}

	opt, err := asynq.ParseRedisURI(cfg.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis url: %w", err)
	}

	managerLogger := logger.With().Str("component", "job_manager").Logger()

	client := asynq.NewClient(opt)
	server := asynq.NewServer(
		opt,
		asynq.Config{
			Concurrency: cfg.WorkerConcurrency,
			Queues: map[string]int{
				queueEnhance: 1,
			},
			Logger: asynqLogger{logger: managerLogger},
			ErrorHandler: asynq.ErrorHandlerFunc(func(ctx context.Context, task *asynq.Task, err error) {
				managerLogger.Error().Err(err).Str("type", task.Type()).Msg("task handler error")
			}),
		},
	)

	mux := asynq.NewServeMux()
	manager := &Manager{
		cfg:       cfg,
		client:    client,
		server:    server,
		mux:       mux,
		inspector: asynq.NewInspector(opt),
		store:     store,
		bridge:    bridge,
		enhancer:  enhancer,
		breakers:  breakers,
		logger:    managerLogger,
	}
	mux.HandleFunc(taskTypeEnhance, manager.handleEnhanceTask)
	return manager, nil
}

// StartWorkers は Asynq サーバーをバックグラウンドで起動します。
func (m *Manager) StartWorkers() {
	go func() {
		if err := m.server.Run(m.mux); err != nil && !errors.Is(err, asynq.ErrServerClosed) {
			m.logger.Error().Err(err).Msg("asynq server stopped with error")
		}
	}()
}

// Shutdown は実行中のタスク完了を待ってワーカーを停止し、接続を閉じます。
func (m *Manager) Shutdown(ctx context.Context) error {
	m.server.Shutdown()
	if err := m.client.Close(); err != nil {
		m.logger.Warn().Err(err).Msg("failed to close asynq client")
	}
	if err := m.inspector.Close(); err != nil {
		m.logger.Warn().Err(err).Msg("failed to close asynq inspector")
	}
	return nil
}

// Enqueue はジョブ状態を作成してキューへ投入します。同じドキュメントの
// ジョブが待機中の場合は JOB_ALREADY_QUEUED を返します。AIサービスの
// ブレーカーが Open の間は新規投入を受け付けず、再試行ヒント付きで
// 即座に拒否します。
func (m *Manager) Enqueue(ctx context.Context, payload *Payload) (*Record, error) {
	if err := payload.Validate(); err != nil {
		return nil, &Error{Code: "INVALID_PAYLOAD", Message: err.Error()}
	}
	if br := m.breakers.Get(BreakerAIService); br.State() == breaker.StateOpen {
		return nil, &breaker.OpenError{Name: BreakerAIService, RetryAfter: br.TimeUntilReset()}
	}

	record := &Record{
		JobID:      uuid.NewString(),
		Kind:       payload.Kind,
		DocumentID: payload.DocumentID,
		UserID:     payload.UserID,
		BatchID:    payload.BatchID,
		Status:     StatusQueued,
		Progress: ProgressInfo{
			Percent: 0,
			Message: "Waiting in queue",
		},
	}
	if err := m.store.Upsert(ctx, record); err != nil {
		return nil, fmt.Errorf("failed to create job record: %w", err)
	}

	// タスクIDにジョブIDを使い、ペイロードにはジョブIDを含めない。
	// 同一ドキュメントのペイロードはバイト列まで一致するため、
	// ユニークロックがそのまま重複投入の防止になる。
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}

	task := asynq.NewTask(taskTypeEnhance, body)
	_, err = m.client.EnqueueContext(ctx, task,
		asynq.Queue(queueEnhance),
		asynq.TaskID(record.JobID),
		asynq.MaxRetry(m.cfg.MaxJobRetries),
		asynq.Timeout(enhanceTimeout),
		asynq.Retention(m.cfg.JobTTL()),
		asynq.Unique(enhanceTimeout),
	)
	if err != nil {
		if errors.Is(err, asynq.ErrDuplicateTask) || errors.Is(err, asynq.ErrTaskIDConflict) {
			return nil, &Error{
				Code:    "JOB_ALREADY_QUEUED",
				Message: "このドキュメントのジョブは既にキューに存在します。",
			}
		}
		return nil, fmt.Errorf("failed to enqueue job: %w", err)
	}

	m.logger.Info().
		Str("jobId", record.JobID).
		Str("documentId", payload.DocumentID).
		Str("kind", string(payload.Kind)).
		Msg("job enqueued")
	return record, nil
}

// GetRecord はジョブ情報を取得します。
func (m *Manager) GetRecord(ctx context.Context, jobID string) (*Record, error) {
	return m.store.Get(ctx, jobID)
}

// Cancel はジョブをキャンセルします。待機中のタスクはキューから取り除き、
// 実行中のタスクには中断を要請します。実行中の外部AI呼び出しが即座に
// 止まる保証はありません。
func (m *Manager) Cancel(ctx context.Context, jobID string) error {
	record, err := m.store.Get(ctx, jobID)
	if err != nil {
		return err
	}
	if record.Status.Terminal() {
		return &Error{
			Code:    "JOB_NOT_CANCELABLE",
			Message: "このジョブは既に終了しています。",
		}
	}

	// 先に状態をキャンセル済みへ変えておく。実行中のハンドラーは中断後に
	// この状態を確認し、失敗イベントや再試行を発生させずに終了する。
	m.bridge.OnJobCanceled(ctx, record)

	if record.Status == StatusQueued {
		if err := m.inspector.DeleteTask(queueEnhance, jobID); err == nil {
			m.logger.Info().Str("jobId", jobID).Msg("queued job canceled")
			return nil
		}
		// 取得と削除の間にワーカーが取り出した場合は実行中扱いへ進む
	}

	if err := m.inspector.CancelProcessing(jobID); err != nil {
		m.logger.Warn().Err(err).Str("jobId", jobID).Msg("advisory cancel failed")
	} else {
		m.logger.Info().Str("jobId", jobID).Msg("running job cancel requested")
	}
	return nil
}

// WaitingCount はキューで待機中のジョブ数を返します。
func (m *Manager) WaitingCount(ctx context.Context) (int, error) {
	info, err := m.inspector.GetQueueInfo(queueEnhance)
	if err != nil {
		return 0, err
	}
	return info.Pending, nil
}

const positionPageSize = 100

// QueuePosition は待機中ジョブの1始まりの位置を返します。見つからない
// 場合（実行中・終了済みなど）は0を返します。ロックなしでキューを読む
// ため、位置は近似値です。
func (m *Manager) QueuePosition(ctx context.Context, jobID string) (int, error) {
	for page := 1; page <= 10; page++ {
		tasks, err := m.inspector.ListPendingTasks(queueEnhance, asynq.Page(page), asynq.PageSize(positionPageSize))
		if err != nil {
			return 0, err
		}
		for i, task := range tasks {
			if task.ID == jobID {
				return (page-1)*positionPageSize + i + 1, nil
			}
		}
		if len(tasks) < positionPageSize {
			break
		}
	}
	return 0, nil
}

// PendingPositions は待機中ジョブの現在位置一覧を返します。
func (m *Manager) PendingPositions(ctx context.Context) ([]PendingJob, error) {
	tasks, err := m.inspector.ListPendingTasks(queueEnhance, asynq.Page(1), asynq.PageSize(positionPageSize))
	if err != nil {
		return nil, err
	}

	pending := make([]PendingJob, 0, len(tasks))
	for i, task := range tasks {
		var payload Payload
		if err := json.Unmarshal(task.Payload, &payload); err != nil {
			continue
		}
		pending = append(pending, PendingJob{
			JobID:      task.ID,
			DocumentID: payload.DocumentID,
			UserID:     payload.UserID,
			Position:   i + 1,
		})
	}
	return pending, nil
}

func (m *Manager) handleEnhanceTask(ctx context.Context, task *asynq.Task) error {
	var payload Payload
	if err := json.Unmarshal(task.Payload(), &payload); err != nil {
		return fmt.Errorf("failed to unmarshal payload: %v: %w", err, asynq.SkipRetry)
	}
	if err := payload.Validate(); err != nil {
		return fmt.Errorf("invalid payload: %v: %w", err, asynq.SkipRetry)
	}

	jobID, ok := asynq.GetTaskID(ctx)
	if !ok {
		return fmt.Errorf("task id missing: %w", asynq.SkipRetry)
	}
	retried, _ := asynq.GetRetryCount(ctx)
	maxRetry, _ := asynq.GetMaxRetry(ctx)

	jctx := &JobContext{
		JobID:       jobID,
		Payload:     &payload,
		Attempt:     retried + 1,
		MaxAttempts: maxRetry + 1,
		StartedAt:   time.Now().UTC(),
	}

	// 実行前にキャンセルされていたら何もしない
	if record, err := m.store.Get(ctx, jobID); err == nil && record.Status == StatusCanceled {
		return nil
	}

	m.bridge.OnJobStarted(ctx, jctx)

	outcome, err := m.runEnhance(ctx, jctx)
	if err != nil {
		if errors.Is(err, context.Canceled) && m.isCanceled(jobID) {
			m.logger.Info().Str("jobId", jobID).Msg("job canceled during execution")
			return nil
		}
		m.bridge.OnJobFailed(context.WithoutCancel(ctx), jctx, classifyError(err))
		return err
	}

	m.bridge.OnJobCompleted(ctx, jctx, outcome)

	// 待機中ジョブの位置が繰り上がったことを通知する
	if pending, err := m.PendingPositions(ctx); err == nil {
		m.bridge.NotifyQueuePositions(pending)
	}
	return nil
}

// runEnhance は Enhancer をAIサービス用ブレーカーの管理下で実行します。
// 利用者都合のキャンセルはサービス障害として数えません。
func (m *Manager) runEnhance(ctx context.Context, jctx *JobContext) (*Outcome, error) {
	br := m.breakers.Get(BreakerAIService)
	if !br.CanAttempt() {
		return nil, &breaker.OpenError{Name: BreakerAIService, RetryAfter: br.TimeUntilReset()}
	}

	outcome, err := m.enhancer.Enhance(ctx, jctx.Payload, func(update ProgressUpdate) {
		m.bridge.OnJobProgress(ctx, jctx, update)
	})
	if err != nil {
		if errors.Is(err, context.Canceled) {
			// Half-Open の試行枠を消費したままにしないよう Open へ戻す
			if br.State() == breaker.StateHalfOpen {
				br.RecordFailure()
			}
			return nil, err
		}
		br.RecordFailure()
		return nil, err
	}
	br.RecordSuccess()
	return outcome, nil
}

// isCanceled はジョブがキャンセル済みかどうかを確認します。タスクの
// コンテキストは既に死んでいるため、独立したコンテキストで照会します。
func (m *Manager) isCanceled(jobID string) bool {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	record, err := m.store.Get(ctx, jobID)
	return err == nil && record.Status == StatusCanceled
}

// classifyError は実行エラーをクライアント向けのエラー情報へ変換します。
func classifyError(err error) *ErrorInfo {
	var openErr *breaker.OpenError
	if errors.As(err, &openErr) {
		return &ErrorInfo{
			Code:    "AI_SERVICE_UNAVAILABLE",
			Message: "AI enhancement service is temporarily unavailable",
		}
	}
	var apiErr *Error
	if errors.As(err, &apiErr) {
		return &ErrorInfo{Code: apiErr.Code, Message: apiErr.Message}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return &ErrorInfo{
			Code:    "ENHANCEMENT_TIMEOUT",
			Message: "enhancement did not finish in time",
		}
	}
	return &ErrorInfo{Code: "ENHANCEMENT_FAILED", Message: err.Error()}
}

// asynqLogger は Asynq のログを zerolog へ流すアダプターです。
type asynqLogger struct {
	logger zerolog.Logger
}

func (l asynqLogger) Debug(args ...interface{}) { l.logger.Debug().Msg(fmt.Sprint(args...)) }
func (l asynqLogger) Info(args ...interface{})  { l.logger.Info().Msg(fmt.Sprint(args...)) }
func (l asynqLogger) Warn(args ...interface{})  { l.logger.Warn().Msg(fmt.Sprint(args...)) }
func (l asynqLogger) Error(args ...interface{}) { l.logger.Error().Msg(fmt.Sprint(args...)) }
func (l asynqLogger) Fatal(args ...interface{}) { l.logger.Fatal().Msg(fmt.Sprint(args...)) }
