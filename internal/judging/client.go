// Package judging is a client for a living-labs style judging service: it
// hands out queries and candidate document pools, accepts ranked runs and
// reports their outcome.
package judging

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/time/rate"
)

// Config configures the client.
type Config struct {
	// BaseURL is the participant API root, e.g. https://host/api/participant/.
	BaseURL string

	// APIKey is sent as the basic auth user name.
	APIKey string

	// RateLimit caps requests per second. Zero disables pacing.
	RateLimit float64
	Burst     int

	Timeout time.Duration
}

// Query is one query handed out by the service.
type Query struct {
	QID          string `json:"qid"`
	QStr         string `json:"qstr"`
	Type         string `json:"type,omitempty"`
	CreationTime string `json:"creation_time,omitempty"`
}

// Doc is one entry of a document list.
type Doc struct {
	DocID string `json:"docid"`
	Title string `json:"title,omitempty"`
}

// Run is a ranked document list submitted for one query.
type Run struct {
	QID     string `json:"qid"`
	RunID   string `json:"runid"`
	DocList []Doc  `json:"doclist"`
}

// StatusError is a non-2xx answer from the service.
type StatusError struct {
	Method string
	Path   string
	Status int
	Body   string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s %s: HTTP %d: %s", e.Method, e.Path, e.Status, e.Body)
}

// Client talks to the judging service.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	limiter    *rate.Limiter
}

// New creates a client.
func New(cfg Config) *Client {
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}

	limit := rate.Inf
	if cfg.RateLimit > 0 {
		limit = rate.Limit(cfg.RateLimit)
	}
	burst := cfg.Burst
	if burst < 1 {
		burst = 1
	}

	base := cfg.BaseURL
	if !strings.HasSuffix(base, "/") {
		base += "/"
	}

	return &Client{
		baseURL:    base,
		apiKey:     cfg.APIKey,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		limiter:    rate.NewLimiter(limit, burst),
	}
}

// Queries lists the queries to answer.
func (c *Client) Queries(ctx context.Context) ([]Query, error) {
	var resp struct {
		Queries []Query `json:"queries"`
	}
	if _, err := c.do(ctx, http.MethodGet, "query", nil, &resp); err != nil {
		return nil, err
	}
	return resp.Queries, nil
}

// DocList returns the documents that must appear in a run for qid.
func (c *Client) DocList(ctx context.Context, qid string) ([]Doc, error) {
	var resp struct {
		QID     string `json:"qid"`
		DocList []Doc  `json:"doclist"`
	}
	if _, err := c.do(ctx, http.MethodGet, "doclist/"+url.PathEscape(qid), nil, &resp); err != nil {
		return nil, err
	}
	return resp.DocList, nil
}

// PutRun submits a run. It returns submitted=false without error when the
// service answers 409 Conflict, meaning the run was already submitted.
func (c *Client) PutRun(ctx context.Context, run Run) (bool, error) {
	status, err := c.do(ctx, http.MethodPut, "run/"+url.PathEscape(run.QID), run, nil)
	if status == http.StatusConflict {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// Outcome returns the raw outcome document for qid.
func (c *Client) Outcome(ctx context.Context, qid string) (json.RawMessage, error) {
	var raw json.RawMessage
	if _, err := c.do(ctx, http.MethodGet, "outcome/"+url.PathEscape(qid), nil, &raw); err != nil {
		return nil, err
	}
	return raw, nil
}

func (c *Client) do(ctx context.Context, method, path string, body, result any) (int, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return 0, err
	}

	var bodyReader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return 0, fmt.Errorf("failed to marshal request: %w", err)
		}
		bodyReader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bodyReader)
	if err != nil {
		return 0, fmt.Errorf("failed to create request: %w", err)
	}
	req.SetBasicAuth(c.apiKey, "")
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp.StatusCode, fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode >= 400 {
		return resp.StatusCode, &StatusError{
			Method: method,
			Path:   path,
			Status: resp.StatusCode,
			Body:   strings.TrimSpace(string(data)),
		}
	}

	if result != nil && len(data) > 0 {
		if err := json.Unmarshal(data, result); err != nil {
			return resp.StatusCode, fmt.Errorf("failed to unmarshal response: %w", err)
		}
	}
	return resp.StatusCode, nil
}
