package jobs

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// ProgressFunc は実行中のジョブから進捗を受け取るコールバックです。
type ProgressFunc func(update ProgressUpdate)

// Enhancer はエンハンスメント処理本体の抽象です。処理はAIサービスへ
// 委譲され、本モジュールの関心は進捗と結果の伝搬に限られます。
type Enhancer interface {
	Enhance(ctx context.Context, payload *Payload, report ProgressFunc) (*Outcome, error)
}

// SimulatedEnhancer は固定スクリプトの進捗を再生する Enhancer です。
// 外部AIサービスなしで一連の配信経路を動かすために使用します。
type SimulatedEnhancer struct {
	stepDelay time.Duration
}

// NewSimulatedEnhancer は SimulatedEnhancer を作成します。
func NewSimulatedEnhancer(stepDelay time.Duration) *SimulatedEnhancer {
	if stepDelay <= 0 {
		stepDelay = 250 * time.Millisecond
	}
	return &SimulatedEnhancer{stepDelay: stepDelay}
}

var simulatedSteps = map[Kind][]ProgressUpdate{
	KindAnalysis: {
		{InternalStage: "document-analysis", Percent: 20, Message: "Analyzing document structure"},
		{InternalStage: "layout-analysis", Percent: 45, Message: "Evaluating layout"},
		{InternalStage: "color-extraction", Percent: 70, Message: "Extracting color palette"},
		{InternalStage: "content-scan", Percent: 90, Message: "Scanning content"},
	},
	KindEnhancement: {
		{InternalStage: "document-analysis", Percent: 10, Message: "Analyzing document structure"},
		{InternalStage: "enhancement-planning", Percent: 25, Message: "Planning enhancements"},
		{InternalStage: "prompt-building", Percent: 40, Message: "Building generation prompts"},
		{InternalStage: "background-generation", Percent: 60, Message: "Generating background assets"},
		{InternalStage: "text-enhancement", Percent: 75, Message: "Refining typography"},
		{InternalStage: "compositing", Percent: 90, Message: "Compositing final document"},
	},
	KindExport: {
		{InternalStage: "rendering", Percent: 40, Message: "Rendering document"},
		{InternalStage: "export", Percent: 75, Message: "Converting to requested format"},
		{InternalStage: "upload", Percent: 95, Message: "Uploading results"},
	},
}

// Enhance は種別ごとのステップを順に再生します。キャンセルには各ステップの
// 待機中に反応します。
func (e *SimulatedEnhancer) Enhance(ctx context.Context, payload *Payload, report ProgressFunc) (*Outcome, error) {
	steps := simulatedSteps[payload.Kind]
	timer := time.NewTimer(e.stepDelay)
	defer timer.Stop()

	for _, step := range steps {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-timer.C:
		}
		if report != nil {
			report(step)
		}
		timer.Reset(e.stepDelay)
	}

	ext := "png"
	if payload.Kind == KindExport && payload.Export != nil {
		ext = payload.Export.Format
	}
	return &Outcome{
		ResultURLs: []string{fmt.Sprintf("/results/%s/enhanced.%s", payload.DocumentID, ext)},
		Report:     map[string]any{"score": 85, "steps": len(steps)},
	}, nil
}

// HTTPEnhancer はエンハンスメントAPIへ処理を委譲する Enhancer です。
// 投入後は状態APIをポーリングし、進捗を report へ転送します。
type HTTPEnhancer struct {
	baseURL      string
	pollInterval time.Duration
	client       *http.Client
}

// NewHTTPEnhancer は HTTPEnhancer を作成します。
func NewHTTPEnhancer(baseURL string, pollInterval time.Duration) *HTTPEnhancer {
	if pollInterval <= 0 {
		pollInterval = time.Second
	}
	return &HTTPEnhancer{
		baseURL:      strings.TrimRight(baseURL, "/"),
		pollInterval: pollInterval,
		client:       &http.Client{Timeout: 30 * time.Second},
	}
}

// Enhance は処理を投入し、完了または失敗までポーリングします。
func (e *HTTPEnhancer) Enhance(ctx context.Context, payload *Payload, report ProgressFunc) (*Outcome, error) {
	taskID, err := e.submit(ctx, payload)
	if err != nil {
		return nil, err
	}

	ticker := time.NewTicker(e.pollInterval)
	defer ticker.Stop()

	var lastPercent int
	var lastStage string
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}

		st, err := e.poll(ctx, taskID)
		if err != nil {
			return nil, err
		}

		switch st.Status {
		case "completed":
			return &Outcome{ResultURLs: st.ResultURLs, Report: st.Report}, nil
		case "failed":
			if st.Error != nil {
				return nil, &Error{Code: st.Error.Code, Message: st.Error.Message}
			}
			return nil, fmt.Errorf("enhancement task %s failed", taskID)
		}

		if report != nil && (st.Percent != lastPercent || st.Stage != lastStage) {
			report(ProgressUpdate{
				InternalStage: st.Stage,
				Percent:       st.Percent,
				Message:       st.Message,
				Details:       st.Details,
			})
			lastPercent = st.Percent
			lastStage = st.Stage
		}
	}
}

func (e *HTTPEnhancer) submit(ctx context.Context, payload *Payload) (string, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.baseURL+"/internal/enhance", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("enhancement request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusAccepted {
		return "", fmt.Errorf("enhancement request returned status %d", resp.StatusCode)
	}

	var created struct {
		TaskID string `json:"taskId"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&created); err != nil {
		return "", fmt.Errorf("failed to decode enhancement response: %w", err)
	}
	if created.TaskID == "" {
		return "", fmt.Errorf("enhancement response missing taskId")
	}
	return created.TaskID, nil
}

type enhanceStatus struct {
	Status     string         `json:"status"`
	Stage      string         `json:"stage"`
	Percent    int            `json:"percent"`
	Message    string         `json:"message"`
	Details    map[string]any `json:"details"`
	ResultURLs []string       `json:"resultUrls"`
	Report     map[string]any `json:"report"`
	Error      *struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func (e *HTTPEnhancer) poll(ctx context.Context, taskID string) (*enhanceStatus, error) {
	endpoint := e.baseURL + "/internal/enhance/" + url.PathEscape(taskID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}

	resp, err := e.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("enhancement status request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("enhancement status returned status %d", resp.StatusCode)
	}

	var st enhanceStatus
	if err := json.NewDecoder(resp.Body).Decode(&st); err != nil {
		return nil, fmt.Errorf("failed to decode enhancement status: %w", err)
	}
	return &st, nil
}
