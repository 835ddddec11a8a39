package registry

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/careline/session-relay/internal/domain/model"
	"github.com/careline/session-relay/internal/domain/routing"
)

// sendTimeout bounds how long delivery waits on one member's buffer before
// dropping the frame for that member only.
const sendTimeout = time.Second

// Cell is the per-session delivery group on this instance. It owns the
// single bus subscription for its topic and fans every envelope out to the
// local members through the routing policy.
type Cell struct {
	sessionID string

	mu      sync.RWMutex
	members map[string]*Connection

	cancelFn context.CancelFunc
	doneCh   chan struct{}

	logger  *slog.Logger
	onDrop  func()
	onFrame func()
}

func newCell(sessionID string, logger *slog.Logger) *Cell {
	return &Cell{
		sessionID: sessionID,
		members:   make(map[string]*Connection),
		doneCh:    make(chan struct{}),
		logger:    logger.With(slog.String("session_id", sessionID)),
	}
}

func (c *Cell) attach(conn *Connection) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.members[conn.ID()] = conn
}

// detach removes the member and reports whether the cell is now empty.
func (c *Cell) detach(connectionID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.members, connectionID)
	return len(c.members) == 0
}

func (c *Cell) size() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.members)
}

// run drains the subscription feed until the channel closes. Subscription
// lifetime is controlled by the context the Hub cancels on last detach.
func (c *Cell) run(feed <-chan *model.Envelope) {
	defer close(c.doneCh)
	for env := range feed {
		c.deliver(env)
	}
}

func (c *Cell) deliver(env *model.Envelope) {
	c.mu.RLock()
	recipients := make([]*Connection, 0, len(c.members))
	for _, m := range c.members {
		recipients = append(recipients, m)
	}
	c.mu.RUnlock()

	for _, conn := range recipients {
		frame, ok := routing.Resolve(env, conn.Role(), conn.ID())
		if !ok {
			continue
		}
		// [BACKPRESSURE] Slow members lose frames, not the whole cell
		if !conn.Send(frame, sendTimeout) {
			if c.onDrop != nil {
				c.onDrop()
			}
			c.logger.Warn("frame dropped for slow member",
				slog.String("connection_id", conn.ID()))
			continue
		}
		if c.onFrame != nil {
			c.onFrame()
		}
	}
}

func (c *Cell) stop() {
	if c.cancelFn != nil {
		c.cancelFn()
	}
}
