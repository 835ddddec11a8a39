// Package bridge runs the AI worker side of a session: an outbound
// WebSocket client that joins the session under the ai role, watches for
// patient chat payloads, and relays the collaborator's streamed reply events
// back into the group.
package bridge

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/careline/session-relay/internal/client/collab"
	"github.com/careline/session-relay/internal/domain/model"
	"github.com/careline/session-relay/internal/metrics"
)

var (
	ErrEmptySession = errors.New("bridge: empty session id")
	ErrNoRelayURL   = errors.New("bridge: relay URL not configured")
	ErrShuttingDown = errors.New("bridge: manager is shutting down")
)

// Streamer is the collaborator surface the bridge drives.
type Streamer interface {
	StreamReply(ctx context.Context, chat *model.ChatRequest) (*collab.ReplyStream, error)
}

type task struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// Manager owns at most one live bridge per session. Start is idempotent:
// a second call while the first bridge lives is a no-op.
type Manager struct {
	relayURL string
	origin   string
	secret   string

	streamer Streamer
	metrics  *metrics.Metrics
	logger   *slog.Logger

	mu       sync.Mutex
	tasks    map[string]*task
	draining bool
}

func NewManager(relayURL, origin, secret string, streamer Streamer, m *metrics.Metrics, logger *slog.Logger) *Manager {
	return &Manager{
		relayURL: relayURL,
		origin:   origin,
		secret:   secret,
		streamer: streamer,
		metrics:  m,
		logger:   logger,
		tasks:    make(map[string]*task),
	}
}

// Start launches a bridge for the session unless one is already attached.
// It returns whether a new bridge was started.
func (m *Manager) Start(sessionID string) (bool, error) {
	if sessionID == "" {
		return false, ErrEmptySession
	}
	if m.relayURL == "" {
		return false, ErrNoRelayURL
	}
	safeID := model.SanitizeSessionID(sessionID)

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.draining {
		return false, ErrShuttingDown
	}
	if _, exists := m.tasks[safeID]; exists {
		return false, nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	tk := &task{cancel: cancel, done: make(chan struct{})}
	m.tasks[safeID] = tk

	if m.metrics != nil {
		m.metrics.BridgeStarted()
	}
	go m.run(ctx, safeID, tk)
	return true, nil
}

// Active reports whether a bridge is attached to the session.
func (m *Manager) Active(sessionID string) bool {
	safeID := model.SanitizeSessionID(sessionID)
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.tasks[safeID]
	return ok
}

func (m *Manager) run(ctx context.Context, sessionID string, tk *task) {
	defer func() {
		close(tk.done)
		m.mu.Lock()
		// Guarded compare: a replacement bridge started after our
		// deregistration must not be evicted by us.
		if m.tasks[sessionID] == tk {
			delete(m.tasks, sessionID)
		}
		m.mu.Unlock()
		if m.metrics != nil {
			m.metrics.BridgeStopped()
		}
	}()

	logger := m.logger.With(slog.String("session_id", sessionID))
	if err := m.attach(ctx, sessionID, logger); err != nil && !errors.Is(err, context.Canceled) {
		logger.Warn("bridge finished with error", slog.Any("error", err))
		return
	}
	logger.Info("bridge finished")
}

// Shutdown cancels every bridge and waits for them to unwind.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	m.draining = true
	tasks := make([]*task, 0, len(m.tasks))
	for _, tk := range m.tasks {
		tk.cancel()
		tasks = append(tasks, tk)
	}
	m.mu.Unlock()

	for _, tk := range tasks {
		select {
		case <-tk.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}
