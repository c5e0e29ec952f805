// Package generation is a client for the asynchronous media generation
// provider (fal.ai queue API).
package generation

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/iliamunaev/media-order-fulfillment/internal/apperr"
	"github.com/iliamunaev/media-order-fulfillment/internal/backoff"
	"github.com/iliamunaev/media-order-fulfillment/internal/tracker"
)

// DefaultQueueURL is the provider's queue API base.
const DefaultQueueURL = "https://queue.fal.run"

// maxResultBytes caps a downloaded result.
const maxResultBytes = 1 << 30

// Config configures the provider client.
type Config struct {
	Key           string
	Endpoint      string // model id, e.g. fal-ai/kling-video/v1/standard/image-to-video
	QueueURL      string
	SubmitTimeout time.Duration
	StatusTimeout time.Duration
	FetchTimeout  time.Duration
}

// Client talks to the provider over HTTP.
type Client struct {
	cfg   Config
	http  *http.Client
	retry backoff.Policy
	tr    *tracker.Tracker
	log   *slog.Logger
}

// New returns a Client. A nil httpClient uses http.DefaultClient;
// per-call deadlines come from the configured timeouts.
func New(cfg Config, httpClient *http.Client, tr *tracker.Tracker, log *slog.Logger) *Client {
	if cfg.QueueURL == "" {
		cfg.QueueURL = DefaultQueueURL
	}
	if cfg.SubmitTimeout <= 0 {
		cfg.SubmitTimeout = 30 * time.Second
	}
	if cfg.StatusTimeout <= 0 {
		cfg.StatusTimeout = 30 * time.Second
	}
	if cfg.FetchTimeout <= 0 {
		cfg.FetchTimeout = 5 * time.Minute
	}
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	if log == nil {
		log = slog.Default()
	}
	return &Client{
		cfg:   cfg,
		http:  httpClient,
		retry: backoff.Default,
		tr:    tr,
		log:   log.With("component", "generation", "endpoint", cfg.Endpoint),
	}
}

// WithRetry returns a copy of c using policy p for transient failures.
func (c *Client) WithRetry(p backoff.Policy) *Client {
	cp := *c
	cp.retry = p
	return &cp
}

type submitRequest struct {
	Prompt   string `json:"prompt"`
	ImageURL string `json:"image_url"`
}

type submitResponse struct {
	RequestID string `json:"request_id"`
}

// Submit enqueues a job and returns the provider's request id.
// The provider calls callbackURL when the job finishes.
func (c *Client) Submit(ctx context.Context, prompt, imageURL, callbackURL string) (string, error) {
	u := c.cfg.QueueURL + "/" + c.cfg.Endpoint
	if callbackURL != "" {
		u += "?" + url.Values{"fal_webhook": {callbackURL}}.Encode()
	}
	body, err := json.Marshal(submitRequest{Prompt: prompt, ImageURL: imageURL})
	if err != nil {
		return "", err
	}

	var out submitResponse
	err = c.retry.Retry(ctx, func(ctx context.Context) error {
		ctx, cancel := context.WithTimeout(ctx, c.cfg.SubmitTimeout)
		defer cancel()
		return c.doJSON(ctx, http.MethodPost, u, body, &out)
	})
	if err != nil {
		return "", fmt.Errorf("generation: submit: %w", err)
	}
	if out.RequestID == "" {
		return "", fmt.Errorf("generation: submit: empty request id: %w", apperr.ErrProviderRejected)
	}
	c.log.Info("job submitted", "request_id", out.RequestID)
	return out.RequestID, nil
}

type statusResponse struct {
	Status string `json:"status"`
}

// Status reports the queue state of a job. A completed job may still have
// failed; Result tells which.
func (c *Client) Status(ctx context.Context, handle string) (QueueState, error) {
	u := fmt.Sprintf("%s/%s/requests/%s/status", c.cfg.QueueURL, appID(c.cfg.Endpoint), url.PathEscape(handle))

	var out statusResponse
	err := c.retry.Retry(ctx, func(ctx context.Context) error {
		ctx, cancel := context.WithTimeout(ctx, c.cfg.StatusTimeout)
		defer cancel()
		return c.doJSON(ctx, http.MethodGet, u, nil, &out)
	})
	if err != nil {
		return "", fmt.Errorf("generation: status %s: %w", handle, err)
	}
	return ParseQueueState(out.Status), nil
}

// Result fetches the outcome of a completed job.
// A job the provider reports as failed is returned as a failed Outcome with
// a nil error; transport problems are returned as errors.
func (c *Client) Result(ctx context.Context, handle string) (Outcome, error) {
	u := fmt.Sprintf("%s/%s/requests/%s", c.cfg.QueueURL, appID(c.cfg.Endpoint), url.PathEscape(handle))

	ctx, cancel := context.WithTimeout(ctx, c.cfg.StatusTimeout)
	defer cancel()

	var payload json.RawMessage
	err := c.doJSON(ctx, http.MethodGet, u, nil, &payload)
	var rej *rejectedError
	switch {
	case errors.As(err, &rej) && rej.status == http.StatusNotFound:
		// Status said COMPLETED but the result is not readable yet.
		return Outcome{}, apperr.Transient(fmt.Errorf("generation: result %s: %w", handle, err))
	case errors.As(err, &rej):
		return Outcome{State: StateFailed, Error: rej.detail}, nil
	case err != nil:
		return Outcome{}, fmt.Errorf("generation: result %s: %w", handle, err)
	}

	ref := MediaURL(payload)
	if ref == "" {
		return Outcome{State: StateFailed, Error: "no media in result"}, nil
	}
	return Outcome{State: StateSucceeded, ResultRef: ref}, nil
}

// Fetch downloads a result.
func (c *Client) Fetch(ctx context.Context, ref string) ([]byte, error) {
	defer c.tr.Track()()

	ctx, cancel := context.WithTimeout(ctx, c.cfg.FetchTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ref, nil)
	if err != nil {
		return nil, fmt.Errorf("generation: fetch: %w", err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, apperr.Transient(fmt.Errorf("generation: fetch: %w", err))
	}
	defer resp.Body.Close()

	if err := classify(resp); err != nil {
		return nil, fmt.Errorf("generation: fetch: %w", err)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResultBytes+1))
	if err != nil {
		return nil, apperr.Transient(fmt.Errorf("generation: fetch body: %w", err))
	}
	if len(data) > maxResultBytes {
		return nil, fmt.Errorf("generation: fetch: result exceeds %d bytes", maxResultBytes)
	}
	return data, nil
}

func (c *Client) doJSON(ctx context.Context, method, u string, body []byte, out any) error {
	defer c.tr.Track()()

	var rd io.Reader
	if body != nil {
		rd = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, u, rd)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Key "+c.cfg.Key)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return apperr.Transient(err)
	}
	defer resp.Body.Close()

	if err := classify(resp); err != nil {
		return err
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// rejectedError is a non-retryable 4xx answer.
type rejectedError struct {
	status int
	detail string
}

func (e *rejectedError) Error() string {
	return fmt.Sprintf("status %d: %s", e.status, e.detail)
}

func (e *rejectedError) Unwrap() error { return apperr.ErrProviderRejected }

// classify maps an HTTP answer to nil, a transient error or a rejection.
func classify(resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	detail := readDetail(resp.Body)
	if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
		return apperr.Transient(fmt.Errorf("status %d: %s", resp.StatusCode, detail))
	}
	return &rejectedError{status: resp.StatusCode, detail: detail}
}

func readDetail(r io.Reader) string {
	data, _ := io.ReadAll(io.LimitReader(r, 4096))
	var body struct {
		Detail any    `json:"detail"`
		Error  string `json:"error"`
	}
	if json.Unmarshal(data, &body) == nil {
		if body.Error != "" {
			return body.Error
		}
		if body.Detail != nil {
			if s, ok := body.Detail.(string); ok {
				return s
			}
			if b, err := json.Marshal(body.Detail); err == nil {
				return string(b)
			}
		}
	}
	return strings.TrimSpace(string(data))
}

// appID returns the owner/app prefix of a model id, which the queue
// status and result routes are keyed by.
func appID(endpoint string) string {
	parts := strings.SplitN(strings.Trim(endpoint, "/"), "/", 3)
	if len(parts) < 2 {
		return endpoint
	}
	return parts[0] + "/" + parts[1]
}
