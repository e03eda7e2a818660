// Package provider is the compute-provider client described in spec.md
// §6: create/start/stop/list-machines RPCs over HTTP, with retriable
// status codes (429, 5xx) wrapped in exponential backoff.
package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/hashicorp/go-retryablehttp"

	"github.com/v0id-user/rwos/internal/apierrors"
	"github.com/v0id-user/rwos/internal/logging"
	"github.com/v0id-user/rwos/internal/machinepool"
)

// GuestSpec is the machine's requested compute shape (spec.md §4.5 step 3:
// "1 shared cpu, 512 MB default").
type GuestSpec struct {
	CPUs   int
	Kind   string
	Memory int
}

// DefaultGuestSpec is the spec.md §4.5 default.
func DefaultGuestSpec() GuestSpec {
	return GuestSpec{CPUs: 1, Kind: "shared", Memory: 512}
}

// MachineSpec is everything create-machine needs (spec.md §6 create-machine
// RPC: "image ref, region, env, guest spec, restart policy, auto-destroy
// flag").
type MachineSpec struct {
	Image        string
	Region       string
	Env          map[string]string
	Guest        GuestSpec
	Restart      string // spec.md §4.5 step 3: "restart=no"
	AutoDestroy  bool   // spec.md §4.5 step 3: "auto_destroy=false"
}

// CreatedMachine is create-machine's response (spec.md §6: "returns a
// stable machineId and initial state").
type CreatedMachine struct {
	ID    string
	State string
}

// Client is the compute-provider client (spec.md §6 Compute provider).
type Client struct {
	httpClient *retryablehttp.Client
	baseURL    string
	apiToken   string
	appName    string
	region     string
	logger     logging.StructuredLogger
}

// Option configures a Client.
type Option func(*Client)

// WithLogger sets the client's logger.
func WithLogger(l logging.StructuredLogger) Option {
	return func(c *Client) { c.logger = l }
}

// Config is the connection info the client needs (PROVIDER_API_TOKEN,
// PROVIDER_APP_NAME, PROVIDER_REGION per spec.md §6 Configuration).
type Config struct {
	BaseURL  string
	APIToken string
	AppName  string
	Region   string
}

// New builds a Client whose retry policy matches spec.md §4.5 step 4
// exactly: base=BACKOFF_BASE_MS, cap=BACKOFF_MAX_MS, max 5 attempts,
// retry iff the response is 429 or any 5xx. This generalizes
// go-retryablehttp's own CheckRetry/Backoff hooks instead of hand-rolling a
// retry loop, since retryablehttp is already the transport the corpus
// reaches for in a sibling transcoding-worker repo.
func New(cfg Config, baseMs, capMs int64, opts ...Option) *Client {
	rc := retryablehttp.NewClient()
	rc.RetryMax = 4 // retries after the first attempt; 4+1 = 5 total attempts
	rc.RetryWaitMin = time.Duration(baseMs) * time.Millisecond
	rc.RetryWaitMax = time.Duration(capMs) * time.Millisecond
	rc.Logger = nil
	rc.CheckRetry = func(ctx context.Context, resp *http.Response, err error) (bool, error) {
		if ctx.Err() != nil {
			return false, ctx.Err()
		}
		if err != nil {
			return true, nil
		}
		if resp == nil {
			return true, nil
		}
		return resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500, nil
	}

	c := &Client{
		httpClient: rc,
		baseURL:    cfg.BaseURL,
		apiToken:   cfg.APIToken,
		appName:    cfg.AppName,
		region:     cfg.Region,
		logger:     logging.Noop,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// CreateMachine calls the provider's create-machine RPC (spec.md §4.5
// steps 3-4).
func (c *Client) CreateMachine(ctx context.Context, spec MachineSpec) (CreatedMachine, error) {
	body := map[string]interface{}{
		"image":       spec.Image,
		"region":      spec.Region,
		"env":         spec.Env,
		"guest":       spec.Guest,
		"restart":     spec.Restart,
		"auto_destroy": spec.AutoDestroy,
	}
	var resp struct {
		ID    string `json:"id"`
		State string `json:"state"`
	}
	if err := c.doJSON(ctx, http.MethodPost, "/v1/apps/"+c.appName+"/machines", body, &resp); err != nil {
		return CreatedMachine{}, err
	}
	if resp.ID == "" {
		return CreatedMachine{}, &apierrors.InvalidMachineResponse{Reason: "create-machine response missing id"}
	}
	return CreatedMachine{ID: resp.ID, State: resp.State}, nil
}

// StartMachine implements machinepool.Provider.
func (c *Client) StartMachine(ctx context.Context, machineID string) error {
	return c.doJSON(ctx, http.MethodPost, "/v1/apps/"+c.appName+"/machines/"+machineID+"/start", nil, nil)
}

// StopMachine implements machinepool.Provider.
func (c *Client) StopMachine(ctx context.Context, machineID string) error {
	return c.doJSON(ctx, http.MethodPost, "/v1/apps/"+c.appName+"/machines/"+machineID+"/stop", nil, nil)
}

// ListMachines implements machinepool.Provider.
func (c *Client) ListMachines(ctx context.Context) ([]machinepool.ProviderMachine, error) {
	var resp []struct {
		ID        string `json:"id"`
		State     string `json:"state"`
		Region    string `json:"region"`
		CreatedAt int64  `json:"created_at"`
	}
	if err := c.doJSON(ctx, http.MethodGet, "/v1/apps/"+c.appName+"/machines", nil, &resp); err != nil {
		return nil, err
	}
	out := make([]machinepool.ProviderMachine, 0, len(resp))
	for _, m := range resp {
		out = append(out, machinepool.ProviderMachine{
			ID:        m.ID,
			Stopped:   m.State == "stopped",
			Region:    m.Region,
			CreatedAt: m.CreatedAt,
		})
	}
	return out, nil
}

func (c *Client) doJSON(ctx context.Context, method, path string, body, out interface{}) error {
	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(b)
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+c.apiToken)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return &apierrors.ProviderHTTPError{Status: 0, Body: err.Error()}
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(resp.Body)
	if resp.StatusCode >= 300 {
		return &apierrors.ProviderHTTPError{Status: resp.StatusCode, Body: string(respBody)}
	}
	if out == nil || len(respBody) == 0 {
		return nil
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return &apierrors.InvalidMachineResponse{Reason: fmt.Sprintf("could not decode response from %s: %v", path, err)}
	}
	return nil
}
