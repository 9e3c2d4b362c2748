// Package jobs はAIエンハンスメントジョブのキュー投入・実行・状態管理と、
// 実行中の進捗をリアルタイムゲートウェイへ橋渡しする機能を提供します。
package jobs

import (
	"fmt"
	"time"
)

// Kind はジョブの種別タグです。ペイロードは種別ごとのバリアント構造体を
// 1つだけ持ち、種別に関係のないフィールドは存在しません。
type Kind string

const (
	KindAnalysis    Kind = "analysis"
	KindEnhancement Kind = "enhancement"
	KindExport      Kind = "export"
)

// Payload はキューに投入されるジョブのペイロードです。
// Kind に対応するバリアントだけが非nilであることを Validate が保証します。
type Payload struct {
	Kind       Kind   `json:"kind"`
	DocumentID string `json:"documentId"`
	UserID     string `json:"userId"`
	BatchID    string `json:"batchId,omitempty"`

	Analysis    *AnalysisOptions    `json:"analysis,omitempty"`
	Enhancement *EnhancementOptions `json:"enhancement,omitempty"`
	Export      *ExportOptions      `json:"export,omitempty"`
}

// AnalysisOptions はドキュメント解析ジョブの設定です。
type AnalysisOptions struct {
	Targets []string `json:"targets,omitempty"` // layout, color, typography など
	Depth   string   `json:"depth,omitempty"`   // quick または full
}

// EnhancementOptions はエンハンスメントジョブの設定です。
type EnhancementOptions struct {
	Preset       string `json:"preset,omitempty"`
	Instructions string `json:"instructions,omitempty"`
	TargetScore  int    `json:"targetScore,omitempty"`
}

// ExportOptions はエクスポートジョブの設定です。
type ExportOptions struct {
	Format  string `json:"format"` // png, pdf, pptx
	Quality int    `json:"quality,omitempty"`
}

// Validate はペイロードの必須項目と、種別タグとバリアントの整合を検証します。
func (p *Payload) Validate() error {
	if p == nil {
		return fmt.Errorf("payload is nil")
	}
	if p.DocumentID == "" {
		return fmt.Errorf("documentId is required")
	}
	if p.UserID == "" {
		return fmt.Errorf("userId is required")
	}

	switch p.Kind {
	case KindAnalysis:
		if p.Enhancement != nil || p.Export != nil {
			return fmt.Errorf("analysis payload must not carry other variants")
		}
	case KindEnhancement:
		if p.Analysis != nil || p.Export != nil {
			return fmt.Errorf("enhancement payload must not carry other variants")
		}
	case KindExport:
		if p.Export == nil {
			return fmt.Errorf("export payload requires export options")
		}
		if p.Analysis != nil || p.Enhancement != nil {
			return fmt.Errorf("export payload must not carry other variants")
		}
		switch p.Export.Format {
		case "png", "pdf", "pptx":
		default:
			return fmt.Errorf("unsupported export format: %q", p.Export.Format)
		}
	default:
		return fmt.Errorf("unknown job kind: %q", p.Kind)
	}
	return nil
}

// Status はジョブの実行状態を表します。
type Status string

const (
	StatusQueued   Status = "queued"
	StatusRunning  Status = "running"
	StatusDone     Status = "done"
	StatusFailed   Status = "error"
	StatusCanceled Status = "canceled"
)

// Terminal はこれ以上状態が変化しない状態かどうかを返します。
func (s Status) Terminal() bool {
	return s == StatusDone || s == StatusFailed || s == StatusCanceled
}

// ProgressInfo は進捗の補足情報を表します。
type ProgressInfo struct {
	Percent int    `json:"percent"`
	Stage   Stage  `json:"stage,omitempty"`
	Message string `json:"message,omitempty"`
}

// ErrorInfo はジョブ失敗時のエラー情報を保持します。
// Retryable は再試行枠が残っているかどうかを表します。
type ErrorInfo struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	Retryable bool   `json:"retryable"`
}

// Record はジョブの現在状態を表します。共有ストアにJSONで永続化され、
// 再接続したクライアントが取得するスナップショットの元になります。
type Record struct {
	JobID      string       `json:"jobId"`
	Kind       Kind         `json:"kind"`
	DocumentID string       `json:"documentId"`
	UserID     string       `json:"userId"`
	BatchID    string       `json:"batchId,omitempty"`
	Status     Status       `json:"status"`
	Progress   ProgressInfo `json:"progress"`
	ResultURLs []string     `json:"resultUrls,omitempty"`
	Error      *ErrorInfo   `json:"error,omitempty"`
	Attempts   int          `json:"attempts"`

	CreatedAt    time.Time  `json:"createdAt"`
	StartedAt    *time.Time `json:"startedAt,omitempty"`
	FinishedAt   *time.Time `json:"finishedAt,omitempty"`
	UpdatedAt    time.Time  `json:"updatedAt"`
	ExpiresAt    time.Time  `json:"expiresAt"`
	ProcessingMs int64      `json:"processingTimeMs,omitempty"`
}

// Outcome はエンハンスメント処理の成果です。成果物のURLは外部サービスが
// 発行した署名URLなどの不透明な文字列として扱います。
type Outcome struct {
	ResultURLs []string       `json:"resultUrls,omitempty"`
	Report     map[string]any `json:"report,omitempty"`
}
