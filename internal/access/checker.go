// Package access はドキュメント・バッチへのアクセス権を外部の
// プラットフォームAPIに問い合わせます。
package access

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Checker はリソースへのアクセス可否を判定するインターフェースです。
type Checker interface {
	CanAccessDocument(ctx context.Context, userID, documentID string) (bool, error)
	CanAccessBatch(ctx context.Context, userID, batchID string) (bool, error)
}

// AllowAll は常に許可する Checker です。ローカル開発で使用します。
type AllowAll struct{}

// CanAccessDocument は常に true を返します。
func (AllowAll) CanAccessDocument(context.Context, string, string) (bool, error) {
	return true, nil
}

// CanAccessBatch は常に true を返します。
func (AllowAll) CanAccessBatch(context.Context, string, string) (bool, error) {
	return true, nil
}

// HTTPChecker はアクセス権APIに問い合わせる Checker です。
// 呼び出し側はサーキットブレーカー越しに使用する想定です。
type HTTPChecker struct {
	baseURL string
	client  *http.Client
}

// NewHTTPChecker は HTTPChecker を作成します。
func NewHTTPChecker(baseURL string) *HTTPChecker {
	return &HTTPChecker{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: 5 * time.Second},
	}
}

// CanAccessDocument はドキュメントへのアクセス可否を返します。
func (c *HTTPChecker) CanAccessDocument(ctx context.Context, userID, documentID string) (bool, error) {
	return c.check(ctx, "documents", documentID, userID)
}

// CanAccessBatch はバッチへのアクセス可否を返します。
func (c *HTTPChecker) CanAccessBatch(ctx context.Context, userID, batchID string) (bool, error) {
	return c.check(ctx, "batches", batchID, userID)
}

func (c *HTTPChecker) check(ctx context.Context, resource, resourceID, userID string) (bool, error) {
	endpoint := fmt.Sprintf("%s/internal/access/%s/%s?userId=%s",
		c.baseURL, resource, url.PathEscape(resourceID), url.QueryEscape(userID))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return false, err
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return false, fmt.Errorf("access check request failed: %w", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusForbidden, http.StatusNotFound:
		return false, nil
	default:
		return false, fmt.Errorf("access check returned status %d", resp.StatusCode)
	}

	var payload struct {
		Allowed bool `json:"allowed"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return false, fmt.Errorf("failed to decode access check response: %w", err)
	}
	return payload.Allowed, nil
}
