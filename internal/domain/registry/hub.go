// Package registry tracks live WebSocket connections grouped by session and
// feeds them from the fan-out bus. One Cell per session holds the local
// members and the session's single bus subscription.
package registry

import (
	"context"
	"log/slog"
	"sync"

	"github.com/careline/session-relay/internal/domain/model"
	"github.com/careline/session-relay/internal/metrics"
)

// Feeder is the subscribe side of the fan-out bus. The returned channel
// closes when ctx is cancelled.
type Feeder interface {
	Subscribe(ctx context.Context, sessionID string) (<-chan *model.Envelope, error)
}

// Hubber registers and releases connections for session cells.
type Hubber interface {
	Register(ctx context.Context, sessionID string, conn *Connection)
	Unregister(sessionID, connectionID string)
	Members(sessionID string) int
}

type Hub struct {
	feeder  Feeder
	logger  *slog.Logger
	metrics *metrics.Metrics

	mu    sync.Mutex
	cells map[string]*Cell
}

func NewHub(feeder Feeder, m *metrics.Metrics, logger *slog.Logger) *Hub {
	return &Hub{
		feeder:  feeder,
		logger:  logger,
		metrics: m,
		cells:   make(map[string]*Cell),
	}
}

// Register attaches the connection to its session cell, creating the cell
// and its bus subscription on first member. A subscription failure leaves
// the cell running without a feed; members can still publish and get
// per-frame errors, and the next Register retries nothing because routing
// degrades open rather than refusing the socket.
func (h *Hub) Register(ctx context.Context, sessionID string, conn *Connection) {
	safeID := model.SanitizeSessionID(sessionID)

	h.mu.Lock()
	cell, ok := h.cells[safeID]
	if !ok {
		cell = newCell(safeID, h.logger)
		if h.metrics != nil {
			cell.onDrop = h.metrics.FrameDropped
			cell.onFrame = h.metrics.FrameDelivered
		}
		h.cells[safeID] = cell
		h.subscribe(cell)
	}
	cell.attach(conn)
	h.mu.Unlock()

	if h.metrics != nil {
		h.metrics.ConnectionOpened()
	}
	h.logger.Debug("connection registered",
		slog.String("session_id", safeID),
		slog.String("connection_id", conn.ID()))
}

func (h *Hub) subscribe(cell *Cell) {
	subCtx, cancel := context.WithCancel(context.Background())
	cell.cancelFn = cancel

	feed, err := h.feeder.Subscribe(subCtx, cell.sessionID)
	if err != nil {
		h.logger.Error("bus subscription failed, cell runs without feed",
			slog.String("session_id", cell.sessionID),
			slog.Any("error", err))
		close(cell.doneCh)
		return
	}
	go cell.run(feed)
}

// Unregister detaches the connection; the last member out cancels the cell's
// bus subscription and drops the cell.
func (h *Hub) Unregister(sessionID, connectionID string) {
	safeID := model.SanitizeSessionID(sessionID)

	h.mu.Lock()
	cell, ok := h.cells[safeID]
	if ok && cell.detach(connectionID) {
		delete(h.cells, safeID)
		cell.stop()
	}
	h.mu.Unlock()

	if !ok {
		return
	}
	if h.metrics != nil {
		h.metrics.ConnectionClosed()
	}
	h.logger.Debug("connection released",
		slog.String("session_id", safeID),
		slog.String("connection_id", connectionID))
}

// Members reports the local member count for a session.
func (h *Hub) Members(sessionID string) int {
	safeID := model.SanitizeSessionID(sessionID)
	h.mu.Lock()
	cell, ok := h.cells[safeID]
	h.mu.Unlock()
	if !ok {
		return 0
	}
	return cell.size()
}

// Shutdown cancels every cell subscription and waits for their delivery
// loops to drain.
func (h *Hub) Shutdown(ctx context.Context) error {
	h.mu.Lock()
	cells := make([]*Cell, 0, len(h.cells))
	for id, cell := range h.cells {
		cells = append(cells, cell)
		delete(h.cells, id)
	}
	h.mu.Unlock()

	for _, cell := range cells {
		cell.stop()
		select {
		case <-cell.doneCh:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}
