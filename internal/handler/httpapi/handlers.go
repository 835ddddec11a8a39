// Package httpapi is the relay's HTTP control plane: bridge orchestration
// and collaborator proxies, plus health and metrics.
package httpapi

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/sony/gobreaker"

	"github.com/careline/session-relay/internal/bridge"
	"github.com/careline/session-relay/internal/client/collab"
	"github.com/careline/session-relay/internal/domain/model"
)

type Handlers struct {
	collab  *collab.Client
	bridges *bridge.Manager
	logger  *slog.Logger
}

func NewHandlers(client *collab.Client, bridges *bridge.Manager, logger *slog.Logger) *Handlers {
	return &Handlers{collab: client, bridges: bridges, logger: logger}
}

type connectRequest struct {
	ThreadID string `json:"thread_id"`
	UserType string `json:"user_type"`
}

// Connect handles POST /thread/connect. Operators join sessions without an
// AI worker, so their calls succeed without starting anything.
func (h *Handlers) Connect(w http.ResponseWriter, r *http.Request) {
	var req connectRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid JSON")
		return
	}
	if strings.TrimSpace(req.ThreadID) == "" {
		writeError(w, http.StatusBadRequest, "thread_id is required")
		return
	}

	if role, err := model.ParseRole(req.UserType); err == nil && role == model.RoleOperator {
		writeJSON(w, http.StatusOK, map[string]any{
			"status":        "ok",
			"thread_id":     req.ThreadID,
			"llm_connected": false,
		})
		return
	}

	if err := h.startWorker(r, req.ThreadID); err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":        "ok",
		"thread_id":     req.ThreadID,
		"llm_connected": true,
	})
}

// startWorker attaches an AI worker to the thread: through the collaborator
// when one is configured, else by starting the in-process bridge directly.
func (h *Handlers) startWorker(r *http.Request, threadID string) error {
	if h.collab.Configured() {
		return h.collab.Connect(r.Context(), threadID)
	}
	_, err := h.bridges.Start(threadID)
	return err
}

type summarizeRequest struct {
	ThreadID      string          `json:"thread_id"`
	HumanMessages json.RawMessage `json:"human_messages"`
}

func (h *Handlers) Summarize(w http.ResponseWriter, r *http.Request) {
	var req summarizeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid JSON")
		return
	}
	if strings.TrimSpace(req.ThreadID) == "" {
		writeError(w, http.StatusBadRequest, "thread_id is required")
		return
	}

	result, err := h.collab.Summarize(r.Context(), req.ThreadID, req.HumanMessages)
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

type historyRequest struct {
	ThreadID string `json:"thread_id"`
}

func (h *Handlers) History(w http.ResponseWriter, r *http.Request) {
	var req historyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid JSON")
		return
	}
	if strings.TrimSpace(req.ThreadID) == "" {
		writeError(w, http.StatusBadRequest, "thread_id is required")
		return
	}

	messages, err := h.collab.History(r.Context(), req.ThreadID)
	if err != nil {
		h.fail(w, err)
		return
	}
	if messages == nil {
		messages = []collab.HistoryMessage{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"thread_id": req.ThreadID,
		"messages":  messages,
	})
}

type smsRequest struct {
	ThreadID   string `json:"thread_id"`
	Message    string `json:"message"`
	WebAppLink string `json:"webapp_link"`
}

func (h *Handlers) ChatSMS(w http.ResponseWriter, r *http.Request) {
	var req smsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid JSON")
		return
	}
	if strings.TrimSpace(req.ThreadID) == "" || strings.TrimSpace(req.Message) == "" {
		writeError(w, http.StatusBadRequest, "thread_id and message are required")
		return
	}

	result, err := h.collab.ChatSMS(r.Context(), req.ThreadID, req.Message, req.WebAppLink)
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// Health answers without touching any dependency.
func (h *Handlers) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// fail maps collaborator and bridge errors onto the error envelope.
// Upstream 4xx/5xx statuses are forwarded verbatim with their detail.
func (h *Handlers) fail(w http.ResponseWriter, err error) {
	var se *collab.StatusError
	switch {
	case errors.Is(err, collab.ErrNotConfigured), errors.Is(err, bridge.ErrNoRelayURL):
		writeError(w, http.StatusServiceUnavailable, "collaborator endpoint not configured")
	case errors.As(err, &se):
		writeError(w, se.Code, se.Detail)
	case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
		writeError(w, http.StatusBadGateway, "collaborator unavailable")
	case errors.Is(err, bridge.ErrEmptySession):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, bridge.ErrShuttingDown):
		writeError(w, http.StatusServiceUnavailable, err.Error())
	default:
		h.logger.Error("collaborator call failed", slog.Any("error", err))
		writeError(w, http.StatusBadGateway, "collaborator unreachable")
	}
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, detail string) {
	writeJSON(w, status, map[string]string{"detail": detail})
}
