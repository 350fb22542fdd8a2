// Package client はジョブの状態取得とダウンロードを行うHTTPクライアントです。
package client

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// JobStatus は GET /api/v1/jobs/:id のレスポンスです。
type JobStatus struct {
	JobID            string     `json:"job_id"`
	Status           string     `json:"status"`
	Tool             string     `json:"tool"`
	OriginalSize     *int64     `json:"original_size"`
	OutputSize       *int64     `json:"output_size"`
	ReductionPercent *float64   `json:"reduction_percent"`
	DownloadURL      *string    `json:"download_url"`
	ExpiresAt        *time.Time `json:"expires_at"`
	ErrorCode        *string    `json:"error_code"`
	ErrorMessage     *string    `json:"error_message"`
	CreatedAt        time.Time  `json:"created_at"`
	CompletedAt      *time.Time `json:"completed_at"`
}

// ジョブの状態
const (
	StatusPending    = "pending"
	StatusProcessing = "processing"
	StatusCompleted  = "completed"
	StatusFailed     = "failed"
)

// Terminal は終端状態かどうかを返します。
func (s *JobStatus) Terminal() bool {
	return s.Status == StatusCompleted || s.Status == StatusFailed
}

// APIError はサーバーが返したエラーです。
type APIError struct {
	StatusCode int
	Code       string `json:"code"`
	Message    string `json:"message"`
}

func (e *APIError) Error() string {
	if e.Code == "" {
		return fmt.Sprintf("server returned %d", e.StatusCode)
	}
	return fmt.Sprintf("server returned %d %s: %s", e.StatusCode, e.Code, e.Message)
}

// Client は slimpdf API のクライアントです。
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

// New はクライアントを作成します。apiKey が空なら匿名で呼び出します。
func New(baseURL, apiKey string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: timeout},
	}
}

// Status はジョブの状態を取得します。
func (c *Client) Status(ctx context.Context, jobID string) (*JobStatus, error) {
	resp, err := c.get(ctx, "/api/v1/jobs/"+url.PathEscape(jobID))
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var status JobStatus
	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
		return nil, fmt.Errorf("failed to decode job status: %w", err)
	}
	return &status, nil
}

// Download は成果物を w に書き出し、書き込んだバイト数を返します。
func (c *Client) Download(ctx context.Context, jobID string, w io.Writer) (int64, error) {
	resp, err := c.get(ctx, "/api/v1/jobs/"+url.PathEscape(jobID)+"/download")
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	return io.Copy(w, resp.Body)
}

func (c *Client) get(ctx context.Context, path string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, http.NoBody)
	if err != nil {
		return nil, err
	}
	if c.apiKey != "" {
		req.Header.Set("X-API-Key", c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request to %s failed: %w", c.baseURL, err)
	}
	if resp.StatusCode == http.StatusOK {
		return resp, nil
	}

	defer resp.Body.Close()
	apiErr := &APIError{StatusCode: resp.StatusCode}
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	_ = json.Unmarshal(body, apiErr)
	return nil, apiErr
}
