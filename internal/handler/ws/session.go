package ws

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/careline/session-relay/internal/domain/model"
	"github.com/careline/session-relay/internal/domain/registry"
)

// Structured error codes sent inside error frames.
const (
	errInvalidJSON         = "invalid_json"
	errUserTypeRequired    = "user_type_required"
	errInvalidUserType     = "invalid_user_type"
	errPresenceUnavailable = "presence_unavailable"
	errPublishFailed       = "publish_failed"
	errRateLimited         = "rate_limited"
)

const (
	storeOpTimeout = 5 * time.Second
	publishTimeout = 10 * time.Second

	broadcastRate  = 20
	broadcastBurst = 40
)

// session runs one admitted (or admitting) socket: strictly sequential
// reads, all writes funneled through the registry connection so the write
// pump is the only goroutine touching the wire.
type session struct {
	delivery  *Delivery
	sessionID string
	safeID    string

	ws   *websocket.Conn
	conn *registry.Connection

	limiter *rate.Limiter
	logger  *slog.Logger

	closeCode   atomic.Int32
	lastRefresh atomic.Int64
}

func newSession(d *Delivery, sessionID string, wsConn *websocket.Conn, conn *registry.Connection) *session {
	safeID := model.SanitizeSessionID(sessionID)
	s := &session{
		delivery:  d,
		sessionID: sessionID,
		safeID:    safeID,
		ws:        wsConn,
		conn:      conn,
		limiter:   rate.NewLimiter(broadcastRate, broadcastBurst),
		logger: d.logger.With(
			slog.String("session_id", safeID),
			slog.String("connection_id", conn.ID()),
		),
	}
	s.closeCode.Store(websocket.CloseNormalClosure)
	return s
}

// writePump serializes outbound frames onto the socket. It is the sole
// writer; on shutdown it drains what is already queued (a final error frame,
// typically) and then emits the close frame with whatever code the read side
// recorded.
func (s *session) writePump() {
	defer s.ws.Close()
	for {
		select {
		case <-s.conn.Done():
			s.drainAndClose()
			return
		case payload := <-s.conn.Recv():
			if !s.write(payload) {
				return
			}
		}
	}
}

func (s *session) write(payload []byte) bool {
	_ = s.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := s.ws.WriteMessage(websocket.TextMessage, payload); err != nil {
		s.logger.Debug("socket write failed", slog.Any("error", err))
		return false
	}
	return true
}

func (s *session) drainAndClose() {
	for {
		select {
		case payload := <-s.conn.Recv():
			if !s.write(payload) {
				return
			}
		default:
			code := int(s.closeCode.Load())
			_ = s.ws.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(code, ""),
				time.Now().Add(time.Second))
			return
		}
	}
}

func (s *session) readLoop() {
	defer s.teardown()

	s.ws.SetReadLimit(readLimit)
	for {
		_, payload, err := s.ws.ReadMessage()
		if err != nil {
			return
		}
		if !s.handleFrame(payload) {
			return
		}
	}
}

func (s *session) teardown() {
	s.conn.Close()

	s.delivery.hub.Unregister(s.sessionID, s.conn.ID())
	if s.conn.Role() != "" {
		ctx, cancel := context.WithTimeout(context.Background(), storeOpTimeout)
		defer cancel()
		if err := s.delivery.roster.Remove(ctx, s.sessionID, s.conn.ID()); err != nil {
			s.logger.Warn("presence remove failed", slog.Any("error", err))
		}
	}
	s.logger.Debug("session closed")
}

// handleFrame processes one inbound message; it returns false when the
// socket must close.
func (s *session) handleFrame(payload []byte) bool {
	frame, err := model.DecodeClientFrame(payload)
	if err != nil {
		s.send(model.NewErrorFrame(errInvalidJSON))
		return true
	}

	if s.conn.Role() == "" {
		return s.admit(frame)
	}
	s.touch()
	s.dispatch(frame)
	return true
}

// admit runs the role handshake on the first inbound message. A missing or
// invalid user_type rejects the connection with close code 4401; a presence
// outage fails admission with an internal-error close, since presence-gated
// operations would be unsafe on an untracked member.
func (s *session) admit(frame *model.ClientFrame) bool {
	raw := frame.AdmissionRole()
	if raw == "" {
		s.closeWith(model.CloseAdmissionFailed, model.NewErrorFrame(errUserTypeRequired))
		return false
	}
	role, err := model.ParseRole(raw)
	if err != nil {
		s.closeWith(model.CloseAdmissionFailed, model.NewErrorFrame(errInvalidUserType))
		return false
	}

	ctx, cancel := context.WithTimeout(context.Background(), storeOpTimeout)
	defer cancel()
	if err := s.delivery.roster.Upsert(ctx, s.sessionID, s.conn.ID(), role); err != nil {
		s.logger.Error("presence upsert failed, rejecting admission", slog.Any("error", err))
		s.closeWith(websocket.CloseInternalServerErr, model.NewErrorFrame(errPresenceUnavailable))
		return false
	}

	s.conn.SetRole(role)
	s.lastRefresh.Store(time.Now().Unix())
	go s.refreshLoop()

	s.logger.Info("connection admitted", slog.String("user_type", string(role)))
	s.dispatch(frame)
	return true
}

// dispatch handles a post-admission frame. A user_type on later frames is
// ignored; the latched role is immutable.
func (s *session) dispatch(frame *model.ClientFrame) {
	switch frame.Type {
	case model.FrameHello:
		s.send(model.HelloAckFrame{
			Type:         model.FrameHelloAck,
			SessionID:    s.safeID,
			ConnectionID: s.conn.ID(),
			UserType:     s.conn.Role(),
		})

	case model.FramePresence:
		s.sendPresence()

	case model.FrameBroadcast:
		s.publish(frame)

	default:
		s.send(model.EchoFrame{Type: model.FrameEcho, Data: frame.Raw})
	}
}

func (s *session) sendPresence() {
	ctx, cancel := context.WithTimeout(context.Background(), storeOpTimeout)
	defer cancel()

	members, err := s.delivery.roster.List(ctx, s.sessionID)
	if err != nil {
		s.logger.Warn("presence list failed", slog.Any("error", err))
		s.send(model.NewErrorFrame(errPresenceUnavailable))
		return
	}

	byType := make(map[string]int)
	for _, m := range members {
		byType[string(m.UserType)]++
	}
	if members == nil {
		members = []model.PresenceMember{}
	}
	s.send(model.PresenceFrame{
		Type:      model.FramePresence,
		SessionID: s.safeID,
		Count:     len(members),
		ByType:    byType,
		Members:   members,
	})
}

// publish puts a broadcast frame on the bus. Failures surface to the
// publishing socket only; nobody else sees the message or the error.
func (s *session) publish(frame *model.ClientFrame) {
	if !s.limiter.Allow() {
		s.send(model.NewErrorFrame(errRateLimited))
		return
	}

	env := &model.Envelope{
		SenderRole:    s.conn.Role(),
		SenderChannel: s.conn.ID(),
		Msg:           frame.Msg,
		Data:          frame.Data,
	}

	ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
	defer cancel()
	if err := s.delivery.bus.Publish(ctx, s.sessionID, env); err != nil {
		s.logger.Error("bus publish failed", slog.Any("error", err))
		if s.delivery.metrics != nil {
			s.delivery.metrics.PublishError()
		}
		s.send(model.NewErrorFrame(errPublishFailed))
	}
}

// refreshLoop keeps the presence record warm on a fixed tick. A record that
// expired between ticks is re-upserted; store errors are retried next tick
// rather than dropping the client.
func (s *session) refreshLoop() {
	ticker := time.NewTicker(s.delivery.refreshEvery)
	defer ticker.Stop()

	for {
		select {
		case <-s.conn.Done():
			return
		case <-ticker.C:
			s.refresh()
		}
	}
}

func (s *session) refresh() {
	ctx, cancel := context.WithTimeout(context.Background(), storeOpTimeout)
	defer cancel()

	ok, err := s.delivery.roster.Refresh(ctx, s.sessionID, s.conn.ID())
	if err != nil {
		s.logger.Warn("presence refresh failed", slog.Any("error", err))
		return
	}
	s.lastRefresh.Store(time.Now().Unix())
	if ok {
		return
	}
	if err := s.delivery.roster.Upsert(ctx, s.sessionID, s.conn.ID(), s.conn.Role()); err != nil {
		s.logger.Warn("presence re-upsert failed", slog.Any("error", err))
	}
}

// touch refreshes presence passively on inbound traffic, throttled so chatty
// clients do not hammer the store.
func (s *session) touch() {
	last := s.lastRefresh.Load()
	now := time.Now().Unix()
	if now-last < int64(storeOpTimeout/time.Second) {
		return
	}
	if !s.lastRefresh.CompareAndSwap(last, now) {
		return
	}
	go s.refresh()
}

func (s *session) send(frame any) {
	s.conn.Send(frame, writeTimeout)
}

// closeWith queues a final error frame, records the close code for the
// write pump, and shuts the connection down.
func (s *session) closeWith(code int, frame *model.ErrorFrame) {
	s.send(frame)
	s.closeCode.Store(int32(code))
	s.conn.Close()
}
