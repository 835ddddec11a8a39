// Package collab is the HTTP client for the generation collaborator: the
// black box that owns prompts, model calls and checkpoint history. The relay
// talks to it for thread orchestration and consumes its streaming replies.
package collab

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	lru "github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/sony/gobreaker"
	"golang.org/x/sync/singleflight"
)

// ErrNotConfigured is returned when no collaborator base URL is set.
var ErrNotConfigured = errors.New("collaborator not configured")

// StatusError carries a non-2xx collaborator response so HTTP proxies can
// forward the upstream status and detail verbatim.
type StatusError struct {
	Code   int
	Detail string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("collaborator responded %d: %s", e.Code, e.Detail)
}

const (
	connectTimeout   = 10 * time.Second
	historyTimeout   = 30 * time.Second
	summarizeTimeout = 60 * time.Second
	smsTimeout       = 60 * time.Second

	historyCacheSize = 128
	historyCacheTTL  = 5 * time.Second
)

// HistoryMessage is one reconstructed conversation entry.
type HistoryMessage struct {
	Type              string  `json:"type"`
	Content           string  `json:"content"`
	ID                string  `json:"id"`
	SentAt            *string `json:"sent_at"`
	ReadAt            *string `json:"read_at"`
	PreviousMessageID *string `json:"previous_message_id"`
}

type SummarizeResult struct {
	ThreadID string `json:"thread_id"`
	Summary  string `json:"summary"`
}

type SMSResult struct {
	ThreadID string `json:"thread_id"`
	Message  string `json:"message"`
}

type Client struct {
	baseURL string
	apiKey  string
	httpc   *http.Client
	logger  *slog.Logger

	breaker *gobreaker.CircuitBreaker
	flight  singleflight.Group
	history *lru.LRU[string, []HistoryMessage]
}

func NewClient(baseURL, apiKey string, logger *slog.Logger) *Client {
	return &Client{
		baseURL: baseURL,
		apiKey:  apiKey,
		httpc:   &http.Client{},
		logger:  logger,
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name: "collaborator",
			// Upstream 4xx is the caller's problem, not an outage.
			IsSuccessful: func(err error) bool {
				var se *StatusError
				if errors.As(err, &se) {
					return se.Code < 500
				}
				return err == nil
			},
		}),
		history: lru.NewLRU[string, []HistoryMessage](historyCacheSize, nil, historyCacheTTL),
	}
}

// Configured reports whether a collaborator base URL is set.
func (c *Client) Configured() bool { return c.baseURL != "" }

// Connect asks the collaborator to attach a worker to the thread. The start
// is side-effecting and fire-and-forget upstream, so a short deadline here
// never waits out the worker's own socket handshake.
func (c *Client) Connect(ctx context.Context, threadID string) error {
	_, err := c.postJSON(ctx, "/thread/connect", map[string]any{
		"thread_id": threadID,
	}, connectTimeout)
	return err
}

// Summarize proxies a summarization request. humanMessages is an optional
// operator transcript forwarded untouched.
func (c *Client) Summarize(ctx context.Context, threadID string, humanMessages json.RawMessage) (*SummarizeResult, error) {
	body := map[string]any{"thread_id": threadID}
	if len(humanMessages) > 0 {
		body["human_messages"] = humanMessages
	}
	payload, err := c.postJSON(ctx, "/thread/summarize", body, summarizeTimeout)
	if err != nil {
		return nil, err
	}
	var result SummarizeResult
	if err := json.Unmarshal(payload, &result); err != nil {
		return nil, fmt.Errorf("summarize response: %w", err)
	}
	if result.ThreadID == "" {
		result.ThreadID = threadID
	}
	return &result, nil
}

// History fetches the reconstructed message list. Concurrent identical
// fetches collapse into one upstream call, and responses are cached briefly
// to absorb frontend refresh bursts.
func (c *Client) History(ctx context.Context, threadID string) ([]HistoryMessage, error) {
	if cached, ok := c.history.Get(threadID); ok {
		return cached, nil
	}

	result, err, _ := c.flight.Do(threadID, func() (any, error) {
		payload, err := c.postJSON(ctx, "/thread/history", map[string]any{
			"thread_id": threadID,
		}, historyTimeout)
		if err != nil {
			return nil, err
		}
		messages, err := decodeHistory(payload)
		if err != nil {
			return nil, err
		}
		normalizeHistory(threadID, messages)
		c.history.Add(threadID, messages)
		return messages, nil
	})
	if err != nil {
		return nil, err
	}
	return result.([]HistoryMessage), nil
}

// ChatSMS requests a synchronous single-shot reply for the SMS channel.
func (c *Client) ChatSMS(ctx context.Context, threadID, message, webappLink string) (*SMSResult, error) {
	body := map[string]any{
		"thread_id": threadID,
		"message":   message,
	}
	if webappLink != "" {
		body["webapp_link"] = webappLink
	}
	payload, err := c.postJSON(ctx, "/chat/sms", body, smsTimeout)
	if err != nil {
		return nil, err
	}
	var result SMSResult
	if err := json.Unmarshal(payload, &result); err != nil {
		return nil, fmt.Errorf("sms response: %w", err)
	}
	if result.ThreadID == "" {
		result.ThreadID = threadID
	}
	return &result, nil
}

func (c *Client) postJSON(ctx context.Context, path string, body any, timeout time.Duration) ([]byte, error) {
	if !c.Configured() {
		return nil, ErrNotConfigured
	}

	result, err := c.breaker.Execute(func() (interface{}, error) {
		reqCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()

		payload, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("collaborator request: %w", err)
		}

		req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
		if err != nil {
			return nil, fmt.Errorf("collaborator request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")
		if c.apiKey != "" {
			req.Header.Set("X-API-KEY", c.apiKey)
		}

		resp, err := c.httpc.Do(req)
		if err != nil {
			return nil, fmt.Errorf("collaborator %s: %w", path, err)
		}
		defer resp.Body.Close()

		respBody, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
		if err != nil {
			return nil, fmt.Errorf("collaborator %s: %w", path, err)
		}
		if resp.StatusCode >= 400 {
			return nil, &StatusError{Code: resp.StatusCode, Detail: extractDetail(respBody)}
		}
		return respBody, nil
	})
	if err != nil {
		return nil, err
	}
	return result.([]byte), nil
}

func extractDetail(body []byte) string {
	var envelope struct {
		Detail string `json:"detail"`
	}
	if err := json.Unmarshal(body, &envelope); err == nil && envelope.Detail != "" {
		return envelope.Detail
	}
	return string(body)
}

// decodeHistory accepts both the bare-list and wrapped response shapes.
func decodeHistory(payload []byte) ([]HistoryMessage, error) {
	var messages []HistoryMessage
	if err := json.Unmarshal(payload, &messages); err == nil {
		return messages, nil
	}
	var wrapped struct {
		Messages []HistoryMessage `json:"messages"`
	}
	if err := json.Unmarshal(payload, &wrapped); err != nil {
		return nil, fmt.Errorf("history response: %w", err)
	}
	return wrapped.Messages, nil
}

// normalizeHistory guarantees stable ids across repeated calls: missing ids
// get a deterministic hash of (thread, index, content), and broken
// previous_message_id links are rebuilt against the normalized chain.
func normalizeHistory(threadID string, messages []HistoryMessage) {
	if len(messages) > 0 {
		// The chain starts at null no matter what the collaborator sent.
		messages[0].PreviousMessageID = nil
	}
	prevGenerated := false
	for i := range messages {
		generated := messages[i].ID == ""
		if generated {
			messages[i].ID = stableMessageID(threadID, i, messages[i].Content)
		}
		if i > 0 {
			p := messages[i].PreviousMessageID
			// A generated predecessor id cannot be referenced by stored
			// links, so the chain is rebuilt from the normalized ids.
			if p == nil || *p == "" || prevGenerated {
				id := messages[i-1].ID
				messages[i].PreviousMessageID = &id
			}
		}
		prevGenerated = generated
	}
}

func stableMessageID(threadID string, index int, content string) string {
	sum := sha256.Sum256(fmt.Appendf(nil, "%s:%d:%s", threadID, index, content))
	return fmt.Sprintf("%x", sum)
}
