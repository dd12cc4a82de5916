package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"math"
	"math/rand"
	"net/http"
	"time"

	"gen-orchestrator/internal/models"
)

// Kind classifies a dispatch failure so the orchestrator can record a
// distinguishable reason per failure class.
type Kind int

const (
	KindTransient Kind = iota // timeout, connection refused, 5xx: retried
	KindPermanent             // other 4xx, malformed response: not retried
	KindAuth                  // 401/403 from the workflow engine
	KindRateLimited           // 429
)

func (k Kind) String() string {
	switch k {
	case KindTransient:
		return "transient"
	case KindPermanent:
		return "permanent"
	case KindAuth:
		return "auth"
	case KindRateLimited:
		return "rate_limited"
	}
	return "unknown"
}

type Error struct {
	Kind       Kind
	StatusCode int
	Message    string
	Err        error
}

func (e *Error) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("dispatch %s error (HTTP %d): %s", e.Kind, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("dispatch %s error: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

const (
	DefaultTimeout     = 30 * time.Second
	DefaultMaxAttempts = 3
	retryWaitMin       = 2 * time.Second
	retryWaitMax       = 10 * time.Second
)

// payload is the outbound request to the generation workflow engine. The
// engine echoes security_token back on its callback to callback_url.
type payload struct {
	RequestID      string  `json:"request_id"`
	Prompt         string  `json:"prompt"`
	NegativePrompt string  `json:"negative_prompt,omitempty"`
	Model          string  `json:"model"`
	Width          int     `json:"width"`
	Height         int     `json:"height"`
	AspectRatio    string  `json:"aspect_ratio,omitempty"`
	Seed           int64   `json:"seed,omitempty"`
	InferenceSteps int     `json:"inference_steps"`
	CfgScale       float64 `json:"cfg_scale"`
	NumImages      int     `json:"num_images"`
	CallbackURL    string  `json:"callback_url"`
	SecurityToken  string  `json:"security_token"`
}

type ackResponse struct {
	ExecutionID string `json:"execution_id"`
}

// Client sends generation requests to the external workflow engine with
// retry-with-backoff on transient failures. It never mutates the request
// record; the orchestrator does that from the returned result.
type Client struct {
	httpClient    *http.Client
	webhookURL    string
	apiKey        string
	callbackURL   string
	callbackToken string
	maxAttempts   int
	sleep         func(ctx context.Context, d time.Duration) error
}

func NewClient(webhookURL, apiKey, callbackURL, callbackToken string) *Client {
	return &Client{
		httpClient:    &http.Client{Timeout: DefaultTimeout},
		webhookURL:    webhookURL,
		apiKey:        apiKey,
		callbackURL:   callbackURL,
		callbackToken: callbackToken,
		maxAttempts:   DefaultMaxAttempts,
		sleep:         sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// backoffFor returns the wait before retry attempt n (1-based), exponential
// with jitter, clamped to [retryWaitMin, retryWaitMax].
func backoffFor(attempt int) time.Duration {
	d := time.Duration(math.Pow(2, float64(attempt))) * time.Second
	if d < retryWaitMin {
		d = retryWaitMin
	}
	if d > retryWaitMax {
		d = retryWaitMax
	}
	// Up to 25% jitter, still within the max bound.
	jitter := time.Duration(rand.Int63n(int64(d) / 4))
	if d+jitter > retryWaitMax {
		return retryWaitMax
	}
	return d + jitter
}

// Dispatch sends the generation request and returns the engine's execution
// reference. Transient failures are retried up to the attempt budget; all
// other failures return immediately with their classification.
func (c *Client) Dispatch(ctx context.Context, req *models.GenerationRequest) (string, error) {
	body, err := json.Marshal(payload{
		RequestID:      req.ID.String(),
		Prompt:         req.Prompt,
		NegativePrompt: req.NegativePrompt,
		Model:          req.Model,
		Width:          req.Width,
		Height:         req.Height,
		AspectRatio:    req.AspectRatio,
		Seed:           req.Seed,
		InferenceSteps: req.InferenceSteps,
		CfgScale:       req.CfgScale,
		NumImages:      req.NumImages,
		CallbackURL:    c.callbackURL,
		SecurityToken:  c.callbackToken,
	})
	if err != nil {
		return "", &Error{Kind: KindPermanent, Message: "failed to encode payload", Err: err}
	}

	var lastErr *Error
	for attempt := 1; attempt <= c.maxAttempts; attempt++ {
		ref, derr := c.doRequest(ctx, body)
		if derr == nil {
			return ref, nil
		}
		lastErr = derr

		if derr.Kind != KindTransient {
			log.Printf("Dispatch for request %s failed (%s), not retrying: %v", req.ID, derr.Kind, derr)
			return "", derr
		}
		if attempt == c.maxAttempts {
			break
		}

		wait := backoffFor(attempt)
		log.Printf("Dispatch for request %s failed transiently (attempt %d/%d), retrying in %s: %v",
			req.ID, attempt, c.maxAttempts, wait, derr)
		if err := c.sleep(ctx, wait); err != nil {
			return "", &Error{Kind: KindTransient, Message: "dispatch cancelled while waiting to retry", Err: err}
		}
	}

	log.Printf("Dispatch for request %s exhausted %d attempts: %v", req.ID, c.maxAttempts, lastErr)
	return "", lastErr
}

func (c *Client) doRequest(ctx context.Context, body []byte) (string, *Error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.webhookURL, bytes.NewReader(body))
	if err != nil {
		return "", &Error{Kind: KindPermanent, Message: "failed to build request", Err: err}
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("X-Workflow-API-Key", c.apiKey)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		// Timeouts and connection errors are the retryable class.
		return "", &Error{Kind: KindTransient, Message: "request failed", Err: err}
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))

	if derr := classifyStatus(resp.StatusCode, respBody); derr != nil {
		return "", derr
	}

	if len(respBody) == 0 {
		return "", nil
	}
	var ack ackResponse
	if err := json.Unmarshal(respBody, &ack); err != nil {
		return "", &Error{Kind: KindPermanent, Message: "malformed acknowledgement body", Err: err}
	}
	return ack.ExecutionID, nil
}

func classifyStatus(status int, body []byte) *Error {
	switch {
	case status >= 200 && status < 300:
		return nil
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return &Error{Kind: KindAuth, StatusCode: status, Message: "workflow engine rejected credentials"}
	case status == http.StatusTooManyRequests:
		return &Error{Kind: KindRateLimited, StatusCode: status, Message: "workflow engine rate limit exceeded"}
	case status >= 500:
		return &Error{Kind: KindTransient, StatusCode: status, Message: truncate(string(body), 200)}
	default:
		return &Error{Kind: KindPermanent, StatusCode: status, Message: truncate(string(body), 200)}
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
