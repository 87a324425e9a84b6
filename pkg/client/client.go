package client

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

	"github.com/psantana5/media-overseer/pkg/models"
	overseertls "github.com/psantana5/media-overseer/pkg/tls"
	"github.com/psantana5/media-overseer/pkg/tracing"
)

// APIError is a non-2xx answer from the server
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("server returned %d: %s", e.StatusCode, e.Message)
}

// Client talks to the overseer HTTP API
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

// Option configures a Client
type Option func(*Client) error

// WithAPIKey sends the key as a bearer token
func WithAPIKey(key string) Option {
	return func(c *Client) error {
		c.apiKey = key
		return nil
	}
}

// WithTLS uses the given certificates for https URLs
func WithTLS(cfg overseertls.Config) Option {
	return func(c *Client) error {
		tc, err := cfg.ClientConfig()
		if err != nil {
			return err
		}
		c.httpClient.Transport = &http.Transport{TLSClientConfig: tc}
		return nil
	}
}

// WithHTTPClient replaces the underlying HTTP client
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) error {
		c.httpClient = hc
		return nil
	}
}

// NewClient creates a new API client
func NewClient(baseURL string, opts ...Option) (*Client, error) {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
	for _, o := range opts {
		if err := o(c); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// SubmitJob asks the server to convert a file. The bool reports whether an
// earlier job for the same content was returned instead.
func (c *Client) SubmitJob(ctx context.Context, path string) (*models.Job, bool, error) {
	var job models.Job
	code, err := c.do(ctx, http.MethodPost, "/jobs", models.JobRequest{Path: path}, &job)
	if err != nil {
		return nil, false, err
	}
	return &job, code == http.StatusOK, nil
}

// ListJobs lists jobs, optionally filtered by state
func (c *Client) ListJobs(ctx context.Context, state models.JobState) ([]*models.Job, error) {
	p := "/jobs"
	if state != "" {
		p += "?state=" + url.QueryEscape(string(state))
	}
	var resp struct {
		Jobs  []*models.Job `json:"jobs"`
		Count int           `json:"count"`
	}
	if _, err := c.do(ctx, http.MethodGet, p, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Jobs, nil
}

// GetJob fetches a job record
func (c *Client) GetJob(ctx context.Context, id string) (*models.Job, error) {
	var job models.Job
	if _, err := c.do(ctx, http.MethodGet, "/jobs/"+url.PathEscape(id), nil, &job); err != nil {
		return nil, err
	}
	return &job, nil
}

// GetStatus fetches the status snapshot of a job
func (c *Client) GetStatus(ctx context.Context, id string) (*models.StatusResponse, error) {
	var st models.StatusResponse
	if _, err := c.do(ctx, http.MethodGet, "/jobs/"+url.PathEscape(id)+"/status", nil, &st); err != nil {
		return nil, err
	}
	return &st, nil
}

// CancelJob cancels a queued or running job
func (c *Client) CancelJob(ctx context.Context, id string) error {
	_, err := c.do(ctx, http.MethodPost, "/jobs/"+url.PathEscape(id)+"/cancel", nil, nil)
	return err
}

// CheckpointJob dumps the tools of a running job and returns the image directories
func (c *Client) CheckpointJob(ctx context.Context, id string) ([]string, error) {
	var resp struct {
		Checkpoints []string `json:"checkpoints"`
	}
	if _, err := c.do(ctx, http.MethodPost, "/jobs/"+url.PathEscape(id)+"/checkpoint", nil, &resp); err != nil {
		return nil, err
	}
	return resp.Checkpoints, nil
}

// Health returns the server health document
func (c *Client) Health(ctx context.Context) (map[string]interface{}, error) {
	var resp map[string]interface{}
	if _, err := c.do(ctx, http.MethodGet, "/health", nil, &resp); err != nil {
		return nil, err
	}
	return resp, nil
}

func (c *Client) do(ctx context.Context, method, path string, in, out interface{}) (int, error) {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return 0, fmt.Errorf("failed to marshal request: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return 0, fmt.Errorf("failed to create request: %w", err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	tracing.InjectHTTPHeaders(ctx, req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<16))
		apiErr := &APIError{StatusCode: resp.StatusCode, Message: strings.TrimSpace(string(data))}
		var e struct {
			Message string `json:"message"`
		}
		if json.Unmarshal(data, &e) == nil && e.Message != "" {
			apiErr.Message = e.Message
		}
		return resp.StatusCode, apiErr
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return resp.StatusCode, fmt.Errorf("failed to decode response: %w", err)
		}
	}
	return resp.StatusCode, nil
}
