// Package webhook delivers chat messages to group webhooks. Delivery
// classification is a value, not an error: callers branch on the outcome to
// drive task state transitions.
package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/fieldops/fsoa-service/pkg/metrics"
)

// Outcome classifies one delivery attempt.
type Outcome string

const (
	OutcomeSent      Outcome = "sent"
	OutcomeTransient Outcome = "transient"
	OutcomePermanent Outcome = "permanent"
)

// Result is the full report of one delivery attempt.
type Result struct {
	Outcome    Outcome
	StatusCode int
	Err        error
}

// Client sends one text message to a group webhook.
type Client interface {
	Send(ctx context.Context, webhookURL, content string, mentions []string) Result
}

// HTTPClient talks the enterprise-chat webhook protocol: a JSON text
// envelope POSTed to the group's webhook URL.
type HTTPClient struct {
	httpClient *http.Client
	logger     *zap.Logger
}

// NewHTTPClient creates a webhook client with the given request timeout.
func NewHTTPClient(timeout time.Duration, logger *zap.Logger) *HTTPClient {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &HTTPClient{
		httpClient: &http.Client{Timeout: timeout},
		logger:     logger,
	}
}

type textPayload struct {
	Content       string   `json:"content"`
	MentionedList []string `json:"mentioned_list,omitempty"`
}

type messageEnvelope struct {
	MsgType string      `json:"msgtype"`
	Text    textPayload `json:"text"`
}

type webhookReply struct {
	ErrCode int    `json:"errcode"`
	ErrMsg  string `json:"errmsg"`
}

// chat platform rate-limit error code; retryable.
const errCodeRateLimited = 45009

// Send delivers one message. Network failures, 5xx and 429 are transient;
// other HTTP 4xx and platform-level rejections are permanent.
func (c *HTTPClient) Send(ctx context.Context, webhookURL, content string, mentions []string) Result {
	body, err := json.Marshal(messageEnvelope{
		MsgType: "text",
		Text:    textPayload{Content: content, MentionedList: mentions},
	})
	if err != nil {
		return Result{Outcome: OutcomePermanent, Err: fmt.Errorf("failed to encode message: %w", err)}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, webhookURL, bytes.NewReader(body))
	if err != nil {
		return Result{Outcome: OutcomePermanent, Err: fmt.Errorf("failed to build webhook request: %w", err)}
	}
	req.Header.Set("Content-Type", "application/json")

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	metrics.WebhookCallDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		return Result{Outcome: OutcomeTransient, Err: fmt.Errorf("webhook request failed: %w", err)}
	}
	defer resp.Body.Close()
	replyBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))

	switch {
	case resp.StatusCode >= 500, resp.StatusCode == http.StatusTooManyRequests:
		return Result{
			Outcome:    OutcomeTransient,
			StatusCode: resp.StatusCode,
			Err:        fmt.Errorf("webhook returned status %d", resp.StatusCode),
		}
	case resp.StatusCode >= 400:
		return Result{
			Outcome:    OutcomePermanent,
			StatusCode: resp.StatusCode,
			Err:        fmt.Errorf("webhook rejected message with status %d", resp.StatusCode),
		}
	}

	var reply webhookReply
	if err := json.Unmarshal(replyBody, &reply); err == nil && reply.ErrCode != 0 {
		outcome := OutcomePermanent
		if reply.ErrCode == errCodeRateLimited {
			outcome = OutcomeTransient
		}
		return Result{
			Outcome:    outcome,
			StatusCode: resp.StatusCode,
			Err:        fmt.Errorf("webhook error %d: %s", reply.ErrCode, reply.ErrMsg),
		}
	}

	return Result{Outcome: OutcomeSent, StatusCode: resp.StatusCode}
}

// SentMessage is one message captured by the noop client.
type SentMessage struct {
	WebhookURL string
	Content    string
	Mentions   []string
}

// NoopClient records messages without delivering them. Dry runs inject it in
// place of the HTTP client so the rest of the pipeline is exercised
// unchanged.
type NoopClient struct {
	mu       sync.Mutex
	messages []SentMessage
}

// NewNoopClient creates an empty recorder.
func NewNoopClient() *NoopClient {
	return &NoopClient{}
}

// Send records the message and reports success.
func (c *NoopClient) Send(_ context.Context, webhookURL, content string, mentions []string) Result {
	c.mu.Lock()
	c.messages = append(c.messages, SentMessage{
		WebhookURL: webhookURL,
		Content:    content,
		Mentions:   mentions,
	})
	c.mu.Unlock()
	return Result{Outcome: OutcomeSent, StatusCode: http.StatusOK}
}

// Messages returns a copy of everything recorded so far.
func (c *NoopClient) Messages() []SentMessage {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]SentMessage, len(c.messages))
	copy(out, c.messages)
	return out
}
