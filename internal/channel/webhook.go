package channel

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"time"

	"github.com/kalambet/salesagent/internal/storage"
	"golang.org/x/time/rate"
)

const (
	defaultTimeout = 10 * time.Second
	maxRetries     = 3
	initialBackoff = 500 * time.Millisecond
)

// WebhookOptions configures a Webhook.
type WebhookOptions struct {
	URL   string
	Token string
	// RatePerSecond limits outbound calls. Zero disables the limit.
	RatePerSecond float64
	Burst         int
	Timeout       time.Duration
}

// Webhook posts outbound actions as JSON to a single URL. The receiving
// side translates them to the platform API. It implements Channel and Handoff.
type Webhook struct {
	url        string
	token      string
	httpClient *http.Client
	limiter    *rate.Limiter
	backoff    time.Duration
}

// NewWebhook creates a webhook client.
func NewWebhook(opts WebhookOptions) *Webhook {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	limiter := rate.NewLimiter(rate.Inf, 0)
	if opts.RatePerSecond > 0 {
		burst := opts.Burst
		if burst <= 0 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(opts.RatePerSecond), burst)
	}
	return &Webhook{
		url:        opts.URL,
		token:      opts.Token,
		httpClient: &http.Client{Timeout: timeout},
		limiter:    limiter,
		backoff:    initialBackoff,
	}
}

// Action is the body of one webhook call.
type Action struct {
	Action    string            `json:"action"`
	DialogKey storage.DialogKey `json:"dialog_key"`
	Text      string            `json:"text,omitempty"`
	MessageID string            `json:"message_id,omitempty"`
	Contact   string            `json:"contact,omitempty"`
}

// Action names.
const (
	ActionSend     = "send"
	ActionMarkRead = "mark_read"
	ActionTyping   = "typing"
	ActionHandoff  = "handoff"
)

func (w *Webhook) Send(ctx context.Context, key storage.DialogKey, text string) error {
	return w.post(ctx, Action{Action: ActionSend, DialogKey: key, Text: text})
}

func (w *Webhook) MarkRead(ctx context.Context, key storage.DialogKey, messageID string) error {
	return w.post(ctx, Action{Action: ActionMarkRead, DialogKey: key, MessageID: messageID})
}

func (w *Webhook) Typing(ctx context.Context, key storage.DialogKey) error {
	return w.post(ctx, Action{Action: ActionTyping, DialogKey: key})
}

func (w *Webhook) OpenHandoff(ctx context.Context, key storage.DialogKey, contact string) error {
	return w.post(ctx, Action{Action: ActionHandoff, DialogKey: key, Contact: contact})
}

// rateLimitError is returned on HTTP 429.
type rateLimitError struct {
	status int
}

func (e *rateLimitError) Error() string {
	return fmt.Sprintf("rate limited (HTTP %d)", e.status)
}

// post delivers one action, retrying with exponential backoff while the
// receiver answers 429.
func (w *Webhook) post(ctx context.Context, a Action) error {
	body, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("marshaling %s: %w", a.Action, err)
	}

	var lastErr error
	for attempt := range maxRetries {
		if err := w.limiter.Wait(ctx); err != nil {
			return fmt.Errorf("%s: %w", a.Action, err)
		}
		err := w.do(ctx, body)
		if err == nil {
			return nil
		}
		var rl *rateLimitError
		if !errors.As(err, &rl) {
			return fmt.Errorf("%s: %w", a.Action, err)
		}

		lastErr = err
		if attempt < maxRetries-1 {
			backoff := time.Duration(float64(w.backoff) * math.Pow(2, float64(attempt)))
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
			}
		}
	}
	return fmt.Errorf("%s: rate limited after %d retries: %w", a.Action, maxRetries, lastErr)
}

func (w *Webhook) do(ctx context.Context, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if w.token != "" {
		req.Header.Set("Authorization", "Bearer "+w.token)
	}

	resp, err := w.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("executing request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests {
		return &rateLimitError{status: resp.StatusCode}
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("unexpected status %d: %s", resp.StatusCode, string(respBody))
	}
	io.Copy(io.Discard, resp.Body)
	return nil
}
