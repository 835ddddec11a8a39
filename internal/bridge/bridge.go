package bridge

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/careline/session-relay/internal/domain/model"
)

const (
	dialTimeout  = 5 * time.Second
	writeTimeout = 10 * time.Second
)

// inboundFrame is what the hub delivers to the ai member. Only patient
// session_message frames carry work; everything else is ignored.
type inboundFrame struct {
	Type     string         `json:"type"`
	UserType model.Role     `json:"user_type"`
	Data     map[string]any `json:"data"`
}

type outboundFrame struct {
	Type string         `json:"type"`
	Data map[string]any `json:"data"`
}

func (m *Manager) sessionURL(sessionID string) string {
	base := strings.TrimRight(m.relayURL, "/")
	return base + "/ws/session/" + url.PathEscape(sessionID) + "/"
}

// attach dials back into the relay, completes the ai-role handshake and
// serves chat turns until the socket drops, the context is cancelled, or an
// escalation hands the session over to a human.
func (m *Manager) attach(ctx context.Context, sessionID string, logger *slog.Logger) error {
	header := http.Header{}
	if m.secret != "" {
		header.Set("X-API-KEY", m.secret)
	}
	if m.origin != "" {
		header.Set("Origin", m.origin)
	}

	dialer := websocket.Dialer{HandshakeTimeout: dialTimeout}
	conn, resp, err := dialer.DialContext(ctx, m.sessionURL(sessionID), header)
	if err != nil {
		if resp != nil {
			return fmt.Errorf("bridge dial: %w (status %d)", err, resp.StatusCode)
		}
		return fmt.Errorf("bridge dial: %w", err)
	}
	defer conn.Close()

	// The watcher turns context cancellation into a read error, which is
	// the only way to interrupt a blocked ReadMessage.
	watchDone := make(chan struct{})
	defer close(watchDone)
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, ""),
				time.Now().Add(time.Second))
			conn.Close()
		case <-watchDone:
		}
	}()

	// The hello goes out without waiting for the relay's connected frame:
	// blocking reads with deadlines would poison the connection on a quiet
	// relay, since gorilla read errors are permanent. connected and
	// hello_ack arrive on the main loop below and fall through the
	// session_message filter.
	if err := writeFrame(conn, map[string]any{
		"type":      model.FrameHello,
		"user_type": string(model.RoleAI),
	}); err != nil {
		return fmt.Errorf("bridge hello: %w", err)
	}

	logger.Info("bridge attached")

	for {
		_, payload, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil
			}
			return fmt.Errorf("bridge read: %w", err)
		}

		var frame inboundFrame
		if err := json.Unmarshal(payload, &frame); err != nil {
			logger.Debug("ignoring malformed frame", slog.Any("error", err))
			continue
		}
		if frame.Type != model.FrameSessionMessage {
			continue
		}
		chat, ok := model.ParseChatData(sessionID, frame.Data)
		if !ok {
			continue
		}

		escalated, err := m.serveTurn(ctx, conn, chat, logger)
		if err != nil {
			return err
		}
		if escalated {
			logger.Info("escalation raised, detaching bridge")
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, "escalated"),
				time.Now().Add(time.Second))
			return nil
		}
	}
}

// serveTurn drives one generation and relays its events as broadcast
// frames. Collaborator failures surface to the group as error+end and keep
// the bridge alive; only socket write failures tear it down.
func (m *Manager) serveTurn(ctx context.Context, conn *websocket.Conn, chat *model.ChatRequest, logger *slog.Logger) (bool, error) {
	if m.metrics != nil {
		m.metrics.BridgeTurn()
	}

	stream, err := m.streamer.StreamReply(ctx, chat)
	if err != nil {
		logger.Warn("generation failed to start", slog.Any("error", err))
		return false, emitFailure(conn)
	}
	defer stream.Close()

	escalated := false
	for {
		event, err := stream.Next()
		if err == io.EOF {
			return escalated, nil
		}
		if err != nil {
			if ctx.Err() != nil {
				return false, ctx.Err()
			}
			logger.Warn("generation stream broke", slog.Any("error", err))
			return false, emitFailure(conn)
		}

		if event.Type == model.EventEscalation && event.ShouldEscalate {
			escalated = true
		}
		if err := writeFrame(conn, outboundFrame{Type: model.FrameBroadcast, Data: event.Data()}); err != nil {
			return false, fmt.Errorf("bridge write: %w", err)
		}
	}
}

// emitFailure tells the session the reply failed, followed by the turn
// terminator so clients unlock their input.
func emitFailure(conn *websocket.Conn) error {
	events := []*model.StreamEvent{
		{Type: model.EventError, Content: "The assistant is unavailable right now."},
		{Type: model.EventEnd},
	}
	for _, event := range events {
		if err := writeFrame(conn, outboundFrame{Type: model.FrameBroadcast, Data: event.Data()}); err != nil {
			return fmt.Errorf("bridge write: %w", err)
		}
	}
	return nil
}

func writeFrame(conn *websocket.Conn, frame any) error {
	_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return conn.WriteJSON(frame)
}
