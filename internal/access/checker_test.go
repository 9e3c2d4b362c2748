package access

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestHTTPCheckerAllowed(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/internal/access/documents/doc-1" {
			t.Fatalf("unexpected path: %s", r.URL.Path)
		}
		if r.URL.Query().Get("userId") != "user-1" {
			t.Fatalf("unexpected userId: %s", r.URL.Query().Get("userId"))
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"allowed":true}`))
	}))
	defer server.Close()

	allowed, err := NewHTTPChecker(server.URL).CanAccessDocument(context.Background(), "user-1", "doc-1")
	if err != nil {
		t.Fatalf("CanAccessDocument returned error: %v", err)
	}
	if !allowed {
		t.Fatal("expected access to be allowed")
	}
}

func TestHTTPCheckerDenied(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"allowed":false}`))
	}))
	defer server.Close()

	allowed, err := NewHTTPChecker(server.URL).CanAccessBatch(context.Background(), "user-1", "batch-1")
	if err != nil {
		t.Fatalf("CanAccessBatch returned error: %v", err)
	}
	if allowed {
		t.Fatal("expected access to be denied")
	}
}

func TestHTTPCheckerForbiddenStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	defer server.Close()

	allowed, err := NewHTTPChecker(server.URL).CanAccessDocument(context.Background(), "user-1", "doc-1")
	if err != nil {
		t.Fatalf("403 should not be an error: %v", err)
	}
	if allowed {
		t.Fatal("expected access to be denied")
	}
}

func TestHTTPCheckerServerError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	if _, err := NewHTTPChecker(server.URL).CanAccessDocument(context.Background(), "user-1", "doc-1"); err == nil {
		t.Fatal("expected error for 500 response")
	}
}

func TestAllowAll(t *testing.T) {
	var checker Checker = AllowAll{}
	allowed, err := checker.CanAccessDocument(context.Background(), "anyone", "anything")
	if err != nil || !allowed {
		t.Fatalf("AllowAll should allow everything: allowed=%v err=%v", allowed, err)
	}
}
