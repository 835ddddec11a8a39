package ws

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/alicebob/miniredis/v2"
	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/careline/session-relay/config"
	"github.com/careline/session-relay/internal/adapter/presence"
	"github.com/careline/session-relay/internal/adapter/pubsub"
	"github.com/careline/session-relay/internal/domain/registry"
)

type testRelay struct {
	srv    *httptest.Server
	roster presence.Registrar
}

func newTestRelay(t *testing.T, secret string) *testRelay {
	t.Helper()
	logger := slog.New(slog.DiscardHandler)

	mr := miniredis.RunT(t)
	redisClient := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = redisClient.Close() })
	roster := presence.NewStore(redisClient, 120*time.Second, logger)

	channel := gochannel.NewGoChannel(gochannel.Config{}, watermill.NopLogger{})
	t.Cleanup(func() { _ = channel.Close() })
	bus := pubsub.NewBus(channel, channel, logger)

	hub := registry.NewHub(bus, nil, logger)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = hub.Shutdown(ctx)
	})

	cfg := &config.Config{
		SharedSecret:    secret,
		PresenceTTL:     120 * time.Second,
		PresenceRefresh: 30 * time.Second,
	}
	delivery := NewDelivery(hub, bus, roster, nil, cfg, logger)

	router := chi.NewRouter()
	router.Get("/ws/session/{sessionID}/", delivery.ServeSession)
	srv := httptest.NewServer(router)
	t.Cleanup(srv.Close)

	return &testRelay{srv: srv, roster: roster}
}

func (tr *testRelay) dial(t *testing.T, sessionID string, header http.Header, protocols ...string) *websocket.Conn {
	t.Helper()
	wsURL := strings.Replace(tr.srv.URL, "http", "ws", 1) + "/ws/session/" + sessionID + "/"
	dialer := websocket.Dialer{Subprotocols: protocols}
	conn, _, err := dialer.Dial(wsURL, header)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func readFrame(t *testing.T, conn *websocket.Conn) map[string]any {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	_, payload, err := conn.ReadMessage()
	require.NoError(t, err)
	var frame map[string]any
	require.NoError(t, json.Unmarshal(payload, &frame))
	return frame
}

func expectSilence(t *testing.T, conn *websocket.Conn) {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(300*time.Millisecond)))
	_, payload, err := conn.ReadMessage()
	if err == nil {
		t.Fatalf("unexpected frame: %s", payload)
	}
}

func expectClose(t *testing.T, conn *websocket.Conn, code int) {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	for {
		_, _, err := conn.ReadMessage()
		if err == nil {
			continue
		}
		var closeErr *websocket.CloseError
		require.ErrorAs(t, err, &closeErr)
		assert.Equal(t, code, closeErr.Code)
		return
	}
}

// admit connects a socket and completes the role handshake.
func (tr *testRelay) admit(t *testing.T, sessionID, role string) *websocket.Conn {
	t.Helper()
	conn := tr.dial(t, sessionID, nil)
	connected := readFrame(t, conn)
	require.Equal(t, "connected", connected["type"])
	require.NoError(t, conn.WriteJSON(map[string]any{"type": "hello", "user_type": role}))
	ack := readFrame(t, conn)
	require.Equal(t, "hello_ack", ack["type"])
	require.Equal(t, role, ack["user_type"])
	return conn
}

func TestConnectedFrameOnAccept(t *testing.T) {
	relay := newTestRelay(t, "")
	conn := relay.dial(t, "abc", nil)

	frame := readFrame(t, conn)
	assert.Equal(t, "connected", frame["type"])
	assert.Equal(t, "abc", frame["session_id"])
	assert.NotEmpty(t, frame["connection_id"])
	assert.Equal(t, true, frame["user_type_required"])
}

func TestOperatorMessageReachesPatientsOnly(t *testing.T) {
	relay := newTestRelay(t, "")
	patientA := relay.admit(t, "abc", "patient")
	patientB := relay.admit(t, "abc", "patient")
	operator := relay.admit(t, "abc", "operator")

	require.NoError(t, operator.WriteJSON(map[string]any{"type": "broadcast", "msg": "hi"}))

	for _, conn := range []*websocket.Conn{patientA, patientB} {
		frame := readFrame(t, conn)
		assert.Equal(t, "session_message", frame["type"])
		assert.Equal(t, "operator", frame["user_type"])
		assert.Equal(t, "hi", frame["msg"])
		assert.Nil(t, frame["data"])
	}
	expectSilence(t, operator)
}

func TestAIVisibilitySplit(t *testing.T) {
	relay := newTestRelay(t, "")
	patient := relay.admit(t, "s1", "patient")
	operator := relay.admit(t, "s1", "operator")
	ai := relay.admit(t, "s1", "ai")

	require.NoError(t, ai.WriteJSON(map[string]any{
		"type": "broadcast",
		"data": map[string]any{"type": "token", "content": "Hello"},
	}))

	patientFrame := readFrame(t, patient)
	assert.Equal(t, "broadcast", patientFrame["type"])
	assert.Equal(t, "ai", patientFrame["user_type"])
	assert.Equal(t, "Hello", patientFrame["data"].(map[string]any)["content"])

	operatorFrame := readFrame(t, operator)
	assert.Equal(t, "broadcast", operatorFrame["type"])
	assert.Equal(t, "", operatorFrame["data"].(map[string]any)["content"])
}

func TestAdmissionRequiresUserType(t *testing.T) {
	relay := newTestRelay(t, "")
	conn := relay.dial(t, "abc", nil)
	readFrame(t, conn)

	require.NoError(t, conn.WriteJSON(map[string]any{"type": "hello"}))
	frame := readFrame(t, conn)
	assert.Equal(t, "error", frame["type"])
	assert.Equal(t, "user_type_required", frame["error"])
	expectClose(t, conn, 4401)
}

func TestAdmissionRejectsUnknownRole(t *testing.T) {
	relay := newTestRelay(t, "")
	conn := relay.dial(t, "abc", nil)
	readFrame(t, conn)

	require.NoError(t, conn.WriteJSON(map[string]any{"type": "hello", "user_type": "admin"}))
	frame := readFrame(t, conn)
	assert.Equal(t, "invalid_user_type", frame["error"])
	expectClose(t, conn, 4401)
}

func TestBroadcastBeforeAdmissionCloses(t *testing.T) {
	relay := newTestRelay(t, "")
	conn := relay.dial(t, "abc", nil)
	readFrame(t, conn)

	require.NoError(t, conn.WriteJSON(map[string]any{"type": "broadcast", "msg": "sneaky"}))
	frame := readFrame(t, conn)
	assert.Equal(t, "error", frame["type"])
	expectClose(t, conn, 4401)
}

func TestRoleIsCaseInsensitive(t *testing.T) {
	relay := newTestRelay(t, "")
	conn := relay.dial(t, "abc", nil)
	readFrame(t, conn)

	require.NoError(t, conn.WriteJSON(map[string]any{"type": "hello", "user_type": "Operator"}))
	ack := readFrame(t, conn)
	assert.Equal(t, "hello_ack", ack["type"])
	assert.Equal(t, "operator", ack["user_type"])
}

func TestLegacyFromAliasAdmits(t *testing.T) {
	relay := newTestRelay(t, "")
	conn := relay.dial(t, "abc", nil)
	readFrame(t, conn)

	require.NoError(t, conn.WriteJSON(map[string]any{"type": "hello", "from": "patient"}))
	ack := readFrame(t, conn)
	assert.Equal(t, "hello_ack", ack["type"])
	assert.Equal(t, "patient", ack["user_type"])
}

func TestSecondAdmissionIsIgnored(t *testing.T) {
	relay := newTestRelay(t, "")
	conn := relay.admit(t, "abc", "patient")

	require.NoError(t, conn.WriteJSON(map[string]any{"type": "hello", "user_type": "operator"}))
	ack := readFrame(t, conn)
	assert.Equal(t, "hello_ack", ack["type"])
	assert.Equal(t, "patient", ack["user_type"], "role is immutable after the first admission")
}

func TestUnknownFrameIsEchoed(t *testing.T) {
	relay := newTestRelay(t, "")
	conn := relay.admit(t, "abc", "patient")

	require.NoError(t, conn.WriteJSON(map[string]any{"type": "ping", "nonce": float64(7)}))
	frame := readFrame(t, conn)
	assert.Equal(t, "echo", frame["type"])
	data := frame["data"].(map[string]any)
	assert.Equal(t, "ping", data["type"])
	assert.Equal(t, float64(7), data["nonce"])
}

func TestMalformedJSONKeepsSocketOpen(t *testing.T) {
	relay := newTestRelay(t, "")
	conn := relay.admit(t, "abc", "patient")

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("{not json")))
	frame := readFrame(t, conn)
	assert.Equal(t, "error", frame["type"])
	assert.Equal(t, "invalid_json", frame["error"])

	require.NoError(t, conn.WriteJSON(map[string]any{"type": "hello"}))
	ack := readFrame(t, conn)
	assert.Equal(t, "hello_ack", ack["type"])
}

func TestPresenceFrame(t *testing.T) {
	relay := newTestRelay(t, "")
	patient := relay.admit(t, "abc", "patient")
	_ = relay.admit(t, "abc", "operator")

	require.NoError(t, patient.WriteJSON(map[string]any{"type": "presence"}))
	frame := readFrame(t, patient)
	assert.Equal(t, "presence", frame["type"])
	assert.Equal(t, float64(2), frame["count"])
	byType := frame["by_type"].(map[string]any)
	assert.Equal(t, float64(1), byType["patient"])
	assert.Equal(t, float64(1), byType["operator"])
	assert.Len(t, frame["members"], 2)
}

func TestDisconnectRemovesPresence(t *testing.T) {
	relay := newTestRelay(t, "")
	conn := relay.admit(t, "abc", "patient")

	members, err := relay.roster.List(context.Background(), "abc")
	require.NoError(t, err)
	require.Len(t, members, 1)

	require.NoError(t, conn.Close())
	assert.Eventually(t, func() bool {
		members, err := relay.roster.List(context.Background(), "abc")
		return err == nil && len(members) == 0
	}, 3*time.Second, 20*time.Millisecond)
}

func TestSecretGateRejectsBadKey(t *testing.T) {
	relay := newTestRelay(t, "hush")
	wsURL := strings.Replace(relay.srv.URL, "http", "ws", 1) + "/ws/session/abc/"

	_, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	_, resp, err = websocket.DefaultDialer.Dial(wsURL, http.Header{"X-API-KEY": {"wrong"}})
	require.Error(t, err)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestSecretGateAcceptsHeader(t *testing.T) {
	relay := newTestRelay(t, "hush")
	conn := relay.dial(t, "abc", http.Header{"X-API-KEY": {"hush"}})
	frame := readFrame(t, conn)
	assert.Equal(t, "connected", frame["type"])
}

func TestSecretGateAcceptsSubprotocol(t *testing.T) {
	relay := newTestRelay(t, "hush")
	conn := relay.dial(t, "abc", nil, "x-api-key", "hush")
	assert.Equal(t, "x-api-key", conn.Subprotocol(), "first subprotocol is echoed")
	frame := readFrame(t, conn)
	assert.Equal(t, "connected", frame["type"])
}

func TestSessionIDSanitizedInFrames(t *testing.T) {
	relay := newTestRelay(t, "")
	conn := relay.dial(t, "room@42", nil)
	frame := readFrame(t, conn)
	assert.Equal(t, "room_42", frame["session_id"])
}
