package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/careline/session-relay/internal/domain/model"
)

// Connection is one live WebSocket held by this instance. All outbound
// traffic for the socket funnels through its send channel so JSON frames
// are serialized on the wire regardless of which goroutine produced them.
type Connection struct {
	id        string
	createdAt time.Time

	ctx      context.Context
	cancelFn context.CancelFunc

	sendCh    chan []byte
	closeOnce sync.Once

	// Role is unset until the role handshake completes, then latched for
	// the lifetime of the connection.
	role atomic.Value

	droppedCount atomic.Uint64
}

func NewConnection(ctx context.Context, bufferSize int) *Connection {
	childCtx, cancel := context.WithCancel(ctx)
	u := uuid.New()
	return &Connection{
		id:        fmt.Sprintf("%x", u[:]),
		createdAt: time.Now(),
		ctx:       childCtx,
		cancelFn:  cancel,
		sendCh:    make(chan []byte, bufferSize),
	}
}

func (c *Connection) ID() string { return c.id }

// Role returns the latched role, or "" before admission.
func (c *Connection) Role() model.Role {
	if r, ok := c.role.Load().(model.Role); ok {
		return r
	}
	return ""
}

// SetRole latches the role once. Later calls are no-ops and return false.
func (c *Connection) SetRole(r model.Role) bool {
	return c.role.CompareAndSwap(nil, r)
}

// Send marshals a frame and enqueues it for the writer pump. It waits up to
// timeout for buffer space so one slow consumer cannot stall a whole cell
// indefinitely; on timeout the frame is dropped.
func (c *Connection) Send(frame any, timeout time.Duration) bool {
	payload, err := json.Marshal(frame)
	if err != nil {
		return false
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	select {
	case <-c.ctx.Done():
		return false
	case c.sendCh <- payload:
		return true
	case <-ctx.Done():
		c.droppedCount.Add(1)
		return false
	}
}

// Recv is consumed by the socket writer pump.
func (c *Connection) Recv() <-chan []byte { return c.sendCh }

// Dropped reports frames discarded due to backpressure.
func (c *Connection) Dropped() uint64 { return c.droppedCount.Load() }

func (c *Connection) Done() <-chan struct{} { return c.ctx.Done() }

// Close terminates the connection exactly once. The send channel is never
// closed, so concurrent Sends cannot panic; they abort on the cancelled
// context, and the writer pump exits on Done after draining what is queued.
func (c *Connection) Close() {
	c.closeOnce.Do(c.cancelFn)
}
