package collab

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/careline/session-relay/internal/domain/model"
)

// maxEventSize bounds one SSE event line; generation tokens are small but
// static post-scripts can carry a full invoice blob.
const maxEventSize = 1 << 20

// ReplyStream is one turn's lazy event sequence. It is finite and
// non-restartable; cancelling the request context aborts the upstream
// generation mid-flight.
type ReplyStream struct {
	body    io.ReadCloser
	scanner *bufio.Scanner
	cancel  context.CancelFunc
}

// StreamReply starts a streaming generation for the chat request and returns
// the event stream. There is no overall deadline; the caller's context bounds
// the turn.
func (c *Client) StreamReply(ctx context.Context, chat *model.ChatRequest) (*ReplyStream, error) {
	if !c.Configured() {
		return nil, ErrNotConfigured
	}

	payload, err := json.Marshal(chat)
	if err != nil {
		return nil, fmt.Errorf("stream request: %w", err)
	}

	streamCtx, cancel := context.WithCancel(ctx)
	req, err := http.NewRequestWithContext(streamCtx, http.MethodPost, c.baseURL+"/chat/stream", bytes.NewReader(payload))
	if err != nil {
		cancel()
		return nil, fmt.Errorf("stream request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream")
	if c.apiKey != "" {
		req.Header.Set("X-API-KEY", c.apiKey)
	}

	resp, err := c.httpc.Do(req)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("collaborator stream: %w", err)
	}
	if resp.StatusCode >= 400 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
		resp.Body.Close()
		cancel()
		return nil, &StatusError{Code: resp.StatusCode, Detail: extractDetail(body)}
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 64<<10), maxEventSize)
	return &ReplyStream{body: resp.Body, scanner: scanner, cancel: cancel}, nil
}

// Next returns the next event, or io.EOF when the collaborator closes the
// stream. Non-data SSE lines (comments, event names, blanks) are skipped.
func (s *ReplyStream) Next() (*model.StreamEvent, error) {
	for s.scanner.Scan() {
		line := strings.TrimSpace(s.scanner.Text())
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if data == "" || data == "[DONE]" {
			continue
		}

		var event model.StreamEvent
		if err := json.Unmarshal([]byte(data), &event); err != nil {
			return nil, fmt.Errorf("stream event: %w", err)
		}
		return &event, nil
	}
	if err := s.scanner.Err(); err != nil {
		return nil, err
	}
	return nil, io.EOF
}

func (s *ReplyStream) Close() error {
	s.cancel()
	return s.body.Close()
}
