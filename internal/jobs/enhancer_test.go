package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

func TestSimulatedEnhancerReportsKnownStages(t *testing.T) {
	enhancer := NewSimulatedEnhancer(time.Millisecond)
	payload := &Payload{Kind: KindEnhancement, DocumentID: "doc-1", UserID: "user-1"}

	var updates []ProgressUpdate
	outcome, err := enhancer.Enhance(context.Background(), payload, func(update ProgressUpdate) {
		updates = append(updates, update)
	})
	if err != nil {
		t.Fatalf("Enhance returned error: %v", err)
	}
	if outcome == nil || len(outcome.ResultURLs) == 0 {
		t.Fatalf("expected outcome with result urls, got %+v", outcome)
	}
	if len(updates) == 0 {
		t.Fatal("expected progress updates")
	}

	lastPercent := -1
	for _, update := range updates {
		if _, ok := internalStages[update.InternalStage]; !ok {
			t.Errorf("unknown internal stage reported: %q", update.InternalStage)
		}
		if update.Percent <= lastPercent {
			t.Errorf("progress not increasing: %d after %d", update.Percent, lastPercent)
		}
		lastPercent = update.Percent
	}
}

func TestSimulatedEnhancerHonorsCancel(t *testing.T) {
	enhancer := NewSimulatedEnhancer(50 * time.Millisecond)
	payload := &Payload{Kind: KindEnhancement, DocumentID: "doc-1", UserID: "user-1"}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := enhancer.Enhance(ctx, payload, nil)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestHTTPEnhancerPollsUntilCompleted(t *testing.T) {
	var polls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodPost && r.URL.Path == "/internal/enhance":
			w.WriteHeader(http.StatusAccepted)
			_ = json.NewEncoder(w).Encode(map[string]string{"taskId": "task-1"})
		case r.Method == http.MethodGet && r.URL.Path == "/internal/enhance/task-1":
			if polls.Add(1) < 3 {
				_ = json.NewEncoder(w).Encode(map[string]any{
					"status":  "processing",
					"stage":   "image-generation",
					"percent": 40,
					"message": "Generating",
				})
				return
			}
			_ = json.NewEncoder(w).Encode(map[string]any{
				"status":     "completed",
				"resultUrls": []string{"/results/doc-1/enhanced.png"},
				"report":     map[string]any{"score": 91},
			})
		default:
			http.NotFound(w, r)
		}
	}))
	defer server.Close()

	enhancer := NewHTTPEnhancer(server.URL, 5*time.Millisecond)
	payload := &Payload{Kind: KindEnhancement, DocumentID: "doc-1", UserID: "user-1"}

	var updates []ProgressUpdate
	outcome, err := enhancer.Enhance(context.Background(), payload, func(update ProgressUpdate) {
		updates = append(updates, update)
	})
	if err != nil {
		t.Fatalf("Enhance returned error: %v", err)
	}
	if len(outcome.ResultURLs) != 1 {
		t.Fatalf("unexpected result urls: %#v", outcome.ResultURLs)
	}
	if outcome.Report["score"] != float64(91) {
		t.Fatalf("unexpected report: %#v", outcome.Report)
	}
	// 同じ進捗のポーリング結果は1回しか転送しない
	if len(updates) != 1 {
		t.Fatalf("expected 1 deduplicated update, got %d", len(updates))
	}
	if updates[0].InternalStage != "image-generation" || updates[0].Percent != 40 {
		t.Fatalf("unexpected update: %+v", updates[0])
	}
}

func TestHTTPEnhancerSurfacesRemoteFailure(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost {
			_ = json.NewEncoder(w).Encode(map[string]string{"taskId": "task-2"})
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"status": "failed",
			"error":  map[string]string{"code": "MODEL_OVERLOADED", "message": "try again later"},
		})
	}))
	defer server.Close()

	enhancer := NewHTTPEnhancer(server.URL, time.Millisecond)
	payload := &Payload{Kind: KindEnhancement, DocumentID: "doc-1", UserID: "user-1"}

	_, err := enhancer.Enhance(context.Background(), payload, nil)
	var apiErr *Error
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected coded error, got %v", err)
	}
	if apiErr.Code != "MODEL_OVERLOADED" {
		t.Fatalf("unexpected code: %s", apiErr.Code)
	}
}

func TestHTTPEnhancerRejectsMissingTaskID(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]string{})
	}))
	defer server.Close()

	enhancer := NewHTTPEnhancer(server.URL, time.Millisecond)
	payload := &Payload{Kind: KindEnhancement, DocumentID: "doc-1", UserID: "user-1"}

	if _, err := enhancer.Enhance(context.Background(), payload, nil); err == nil {
		t.Fatal("expected error for missing taskId")
	}
}
