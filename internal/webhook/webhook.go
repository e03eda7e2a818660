// Package webhook posts job-completion notifications to a job's
// webhookUrl, per spec.md §4.8: "emit one webhook to the job's webhookUrl
// with {jobId, status, inputUrl, outputs, error?, duration}".
package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/hashicorp/go-retryablehttp"

	"github.com/v0id-user/rwos/internal/logging"
	"github.com/v0id-user/rwos/internal/schema"
)

// Payload is the exact body spec.md §4.8 and §6 describe.
type Payload struct {
	JobID    string          `json:"jobId"`
	Status   schema.JobStatus `json:"status"`
	InputURL string          `json:"inputUrl"`
	Outputs  []string        `json:"outputs,omitempty"`
	Error    string          `json:"error,omitempty"`
	Duration float64         `json:"duration,omitempty"`
}

// Poster posts webhook payloads, an interface so workerrt can be tested
// without a live HTTP endpoint.
type Poster interface {
	Post(ctx context.Context, url string, payload Payload) error
}

// Client is the default Poster, built on go-retryablehttp the same way
// internal/provider is, so transient webhook-endpoint failures are
// absorbed by the transport instead of the worker loop.
type Client struct {
	httpClient *retryablehttp.Client
	logger     logging.StructuredLogger
}

// Option configures a Client.
type Option func(*Client)

// WithLogger sets the client's logger.
func WithLogger(l logging.StructuredLogger) Option {
	return func(c *Client) { c.logger = l }
}

// New builds a webhook Client with a small, bounded retry budget — a
// webhook is best-effort, not a blocking dependency of job completion.
func New(opts ...Option) *Client {
	rc := retryablehttp.NewClient()
	rc.RetryMax = 3
	rc.RetryWaitMin = 100 * time.Millisecond
	rc.RetryWaitMax = time.Second
	rc.Logger = nil

	c := &Client{httpClient: rc, logger: logging.Noop}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Post sends payload as a JSON POST to url.
func (c *Client) Post(ctx context.Context, url string, payload Payload) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("webhook: %s returned status %d", url, resp.StatusCode)
	}
	return nil
}
