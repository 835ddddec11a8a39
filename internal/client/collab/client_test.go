package collab

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/careline/session-relay/internal/domain/model"
)

func newTestClient(t *testing.T, handler http.Handler) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewClient(srv.URL, "secret", slog.New(slog.DiscardHandler))
}

func TestClientNotConfigured(t *testing.T) {
	client := NewClient("", "", slog.New(slog.DiscardHandler))
	err := client.Connect(context.Background(), "thread-1")
	assert.ErrorIs(t, err, ErrNotConfigured)
}

func TestConnectSendsThreadAndSecret(t *testing.T) {
	var gotPath, gotKey string
	var gotBody map[string]any
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotKey = r.Header.Get("X-API-KEY")
		_ = json.NewDecoder(r.Body).Decode(&gotBody)
		_ = json.NewEncoder(w).Encode(map[string]any{"status": "ok", "thread_id": "thread-1"})
	}))

	require.NoError(t, client.Connect(context.Background(), "thread-1"))
	assert.Equal(t, "/thread/connect", gotPath)
	assert.Equal(t, "secret", gotKey)
	assert.Equal(t, "thread-1", gotBody["thread_id"])
}

func TestUpstreamErrorIsForwarded(t *testing.T) {
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnprocessableEntity)
		fmt.Fprint(w, `{"detail":"thread not found"}`)
	}))

	err := client.Connect(context.Background(), "thread-1")
	var se *StatusError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, http.StatusUnprocessableEntity, se.Code)
	assert.Equal(t, "thread not found", se.Detail)
}

func TestBreakerIgnoresUpstreamClientErrors(t *testing.T) {
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnprocessableEntity)
		fmt.Fprint(w, `{"detail":"bad thread"}`)
	}))

	// A run of 4xx responses keeps the breaker closed: every call still
	// reaches upstream and comes back as a StatusError.
	for range 10 {
		err := client.Connect(context.Background(), "thread-1")
		var se *StatusError
		require.ErrorAs(t, err, &se)
		assert.Equal(t, http.StatusUnprocessableEntity, se.Code)
	}
}

func TestBreakerOpensOnServerErrors(t *testing.T) {
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))

	var err error
	for range 10 {
		err = client.Connect(context.Background(), "thread-1")
		require.Error(t, err)
	}
	assert.ErrorIs(t, err, gobreaker.ErrOpenState)
}

func TestSummarizeForwardsHumanMessages(t *testing.T) {
	var gotBody map[string]any
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewDecoder(r.Body).Decode(&gotBody)
		_ = json.NewEncoder(w).Encode(map[string]any{"thread_id": "thread-1", "summary": "patient asked about billing"})
	}))

	result, err := client.Summarize(context.Background(), "thread-1",
		json.RawMessage(`[{"content":"hi"}]`))
	require.NoError(t, err)
	assert.Equal(t, "patient asked about billing", result.Summary)
	assert.Len(t, gotBody["human_messages"], 1)
}

func TestHistoryNormalizesMissingIDs(t *testing.T) {
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `[
			{"type":"patient","content":"hello","id":"","sent_at":null,"read_at":null,"previous_message_id":"ghost-0"},
			{"type":"ai","content":"hi there","id":"","sent_at":null,"read_at":null,"previous_message_id":null}
		]`)
	}))

	first, err := client.History(context.Background(), "thread-1")
	require.NoError(t, err)
	require.Len(t, first, 2)
	assert.NotEmpty(t, first[0].ID)
	assert.Nil(t, first[0].PreviousMessageID)
	require.NotNil(t, first[1].PreviousMessageID)
	assert.Equal(t, first[0].ID, *first[1].PreviousMessageID)

	// Stable across repeated calls.
	second, err := client.History(context.Background(), "thread-1")
	require.NoError(t, err)
	assert.Equal(t, first[0].ID, second[0].ID)
	assert.Equal(t, first[1].ID, second[1].ID)
}

func TestHistoryKeepsCollaboratorIDs(t *testing.T) {
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"thread_id":"thread-1","messages":[
			{"type":"patient","content":"hello","id":"ckpt-1","sent_at":"2026-01-01T00:00:00Z","read_at":null,"previous_message_id":null},
			{"type":"ai","content":"hi","id":"ckpt-2","sent_at":"2026-01-01T00:00:01Z","read_at":null,"previous_message_id":"ckpt-1"}
		]}`)
	}))

	messages, err := client.History(context.Background(), "thread-1")
	require.NoError(t, err)
	require.Len(t, messages, 2)
	assert.Equal(t, "ckpt-1", messages[0].ID)
	assert.Equal(t, "ckpt-1", *messages[1].PreviousMessageID)
}

func TestHistoryUsesCacheWithinTTL(t *testing.T) {
	var calls atomic.Int32
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		fmt.Fprint(w, `[]`)
	}))

	for range 3 {
		_, err := client.History(context.Background(), "thread-1")
		require.NoError(t, err)
	}
	assert.Equal(t, int32(1), calls.Load())
}

func TestChatSMS(t *testing.T) {
	var gotBody map[string]any
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewDecoder(r.Body).Decode(&gotBody)
		_ = json.NewEncoder(w).Encode(map[string]any{"thread_id": "thread-1", "message": "Your invoice is ready."})
	}))

	result, err := client.ChatSMS(context.Background(), "thread-1", "status?", "https://app.example/i/1")
	require.NoError(t, err)
	assert.Equal(t, "Your invoice is ready.", result.Message)
	assert.Equal(t, "https://app.example/i/1", gotBody["webapp_link"])
}

func TestStreamReplyParsesEvents(t *testing.T) {
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/chat/stream", r.URL.Path)
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "data: {\"type\":\"token\",\"content\":\"Hel\"}\n\n")
		fmt.Fprint(w, ": keep-alive\n\n")
		fmt.Fprint(w, "data: {\"type\":\"token\",\"content\":\"lo\"}\n\n")
		fmt.Fprint(w, "data: {\"type\":\"escalation\",\"should_escalate\":false}\n\n")
		fmt.Fprint(w, "data: {\"type\":\"end\"}\n\n")
	}))

	stream, err := client.StreamReply(context.Background(), &model.ChatRequest{
		ThreadID: "thread-1",
		Message:  "hello",
		Channel:  model.ChannelWeb,
	})
	require.NoError(t, err)
	defer stream.Close()

	var types []string
	var text string
	for {
		event, err := stream.Next()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		types = append(types, event.Type)
		if event.Type == model.EventToken {
			text += event.Content
		}
	}
	assert.Equal(t, []string{"token", "token", "escalation", "end"}, types)
	assert.Equal(t, "Hello", text)
}

func TestStreamReplyUpstreamError(t *testing.T) {
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
		fmt.Fprint(w, `{"detail":"worker pool exhausted"}`)
	}))

	_, err := client.StreamReply(context.Background(), &model.ChatRequest{ThreadID: "t", Message: "m"})
	var se *StatusError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, http.StatusServiceUnavailable, se.Code)
}
