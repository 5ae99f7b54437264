// Package client calls the rental-ops API. Contract mutations go through the
// guard package so a retried or repeated call is applied at most once.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"rental-ops/internal/guard"
	"rental-ops/internal/models"
	"rental-ops/internal/reconcile"
)

const (
	idempotencyHeader = "Idempotency-Key"
	replayedHeader    = "Idempotent-Replayed"
)

// APIError is a non-2xx response.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api: status %d: %s", e.StatusCode, e.Message)
}

// Config for Client.
type Config struct {
	BaseURL string
	Tenant  string
	Timeout time.Duration
}

// Client is safe for concurrent use. Each named action has its own lock.
type Client struct {
	baseURL    string
	tenant     string
	httpClient *http.Client
	tokens     *guard.TokenGuard

	mu      sync.Mutex
	actions map[string]*guard.Action
}

func New(cfg Config, tokens *guard.TokenGuard) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	if tokens == nil {
		tokens = guard.NewTokenGuard(nil)
	}
	return &Client{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		tenant:     cfg.Tenant,
		httpClient: &http.Client{Timeout: timeout},
		tokens:     tokens,
		actions:    make(map[string]*guard.Action),
	}
}

func (c *Client) action(name string, keepToken bool) *guard.Action {
	c.mu.Lock()
	defer c.mu.Unlock()
	a, ok := c.actions[name]
	if !ok {
		a = guard.NewAction(name, c.tokens)
		a.KeepToken = keepToken
		c.actions[name] = a
	}
	return a
}

// DocumentRequest is the answer to GenerateDocument.
type DocumentRequest struct {
	Job     models.Job `json:"job"`
	Created bool       `json:"created"`
}

// GenerateDocument asks for a contract document. While a job for the contract
// is active the server returns that job instead of starting another.
func (c *Client) GenerateDocument(ctx context.Context, contractID, template string) (DocumentRequest, error) {
	var out DocumentRequest
	body := map[string]string{}
	if template != "" {
		body["template"] = template
	}
	err := c.action("generate-document-"+contractID, false).Run(ctx, func(ctx context.Context, token string) error {
		_, err := c.do(ctx, http.MethodPost, "/contracts/"+url.PathEscape(contractID)+"/documents", token, body, &out)
		return err
	})
	return out, err
}

// GetJob reads a job.
func (c *Client) GetJob(ctx context.Context, jobID string) (models.Job, error) {
	var job models.Job
	_, err := c.do(ctx, http.MethodGet, "/jobs/"+url.PathEscape(jobID), "", nil, &job)
	return job, err
}

// WaitForJob polls until the job is completed or failed.
func (c *Client) WaitForJob(ctx context.Context, jobID string, interval time.Duration, onPoll func(models.Job)) (models.Job, error) {
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		job, err := c.GetJob(ctx, jobID)
		if err != nil {
			return job, err
		}
		if onPoll != nil {
			onPoll(job)
		}
		if job.Status.Terminal() {
			return job, nil
		}
		select {
		case <-ctx.Done():
			return job, ctx.Err()
		case <-ticker.C:
		}
	}
}

// DeadLetter is a render request the worker gave up on.
type DeadLetter struct {
	JobID  string `json:"jobId"`
	Reason string `json:"reason,omitempty"`
}

// DeadLetters lists up to limit dead-lettered render requests, oldest first.
func (c *Client) DeadLetters(ctx context.Context, limit int) ([]DeadLetter, error) {
	path := "/dlq"
	if limit > 0 {
		path += "?limit=" + strconv.Itoa(limit)
	}
	var out struct {
		Items []DeadLetter `json:"items"`
	}
	_, err := c.do(ctx, http.MethodGet, path, "", nil, &out)
	return out.Items, err
}

// PaymentCheck is the answer to VerifyPayment.
type PaymentCheck struct {
	reconcile.Result
	Recorded        bool `json:"recorded"`
	AlreadyRecorded bool `json:"alreadyRecorded"`
}

// VerifyPayment asks the server to look for the contract's payment. A check
// that could not run (status 422 or 503) returns both the decoded check and an
// *APIError.
func (c *Client) VerifyPayment(ctx context.Context, contractID string) (PaymentCheck, error) {
	var out PaymentCheck
	_, err := c.do(ctx, http.MethodPost, "/contracts/"+url.PathEscape(contractID)+"/payments/verify", "", nil, &out)
	return out, err
}

// Mutation is the answer to a guarded contract mutation.
type Mutation struct {
	Contract models.Contract
	// Replayed is true when the server answered from a stored response,
	// including a stored error.
	Replayed bool
}

// ApproveContract moves a pending contract to active.
func (c *Client) ApproveContract(ctx context.Context, contractID string) (Mutation, error) {
	return c.mutate(ctx, "approve", contractID)
}

// TerminateContract moves an active contract to terminated.
func (c *Client) TerminateContract(ctx context.Context, contractID string) (Mutation, error) {
	return c.mutate(ctx, "terminate", contractID)
}

func (c *Client) mutate(ctx context.Context, verb, contractID string) (Mutation, error) {
	var out Mutation
	err := c.action(verb+"-contract-"+contractID, false).Run(ctx, func(ctx context.Context, token string) error {
		hdr, err := c.do(ctx, http.MethodPost, "/contracts/"+url.PathEscape(contractID)+"/"+verb, token, nil, &out.Contract)
		out.Replayed = hdr.Get(replayedHeader) == "true"
		return err
	})
	return out, err
}

func (c *Client) do(ctx context.Context, method, path, token string, in, out any) (http.Header, error) {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return nil, fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set(idempotencyHeader, token)
	}
	if c.tenant != "" {
		req.Header.Set("X-Tenant-ID", c.tenant)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return resp.Header, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode >= http.StatusBadRequest {
		apiErr := &APIError{StatusCode: resp.StatusCode, Message: strings.TrimSpace(string(data))}
		var e struct {
			Error string `json:"error"`
		}
		if json.Unmarshal(data, &e) == nil && e.Error != "" {
			apiErr.Message = e.Error
		}
		if out != nil {
			_ = json.Unmarshal(data, out)
		}
		return resp.Header, apiErr
	}
	if out != nil && len(data) > 0 {
		if err := json.Unmarshal(data, out); err != nil {
			return resp.Header, fmt.Errorf("decode response: %w", err)
		}
	}
	return resp.Header, nil
}
