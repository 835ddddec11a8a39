// Package ws is the session hub's WebSocket surface: the shared-secret gate,
// the upgrade, and the per-connection read/write pumps around the admission
// state machine in session.go.
package ws

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/careline/session-relay/config"
	"github.com/careline/session-relay/internal/adapter/presence"
	"github.com/careline/session-relay/internal/adapter/pubsub"
	"github.com/careline/session-relay/internal/domain/model"
	"github.com/careline/session-relay/internal/domain/registry"
	"github.com/careline/session-relay/internal/metrics"
)

const (
	writeTimeout = 10 * time.Second
	readLimit    = 1 << 20
	sendBuffer   = 64

	// Browsers cannot set custom headers on WebSocket dials, so the secret
	// may ride in the subprotocol list after this literal token.
	subprotocolToken = "x-api-key"
)

type Delivery struct {
	hub     registry.Hubber
	bus     pubsub.Bus
	roster  presence.Registrar
	metrics *metrics.Metrics
	logger  *slog.Logger

	secret       string
	refreshEvery time.Duration

	upgrader websocket.Upgrader
}

func NewDelivery(
	hub registry.Hubber,
	bus pubsub.Bus,
	roster presence.Registrar,
	m *metrics.Metrics,
	cfg *config.Config,
	logger *slog.Logger,
) *Delivery {
	return &Delivery{
		hub:          hub,
		bus:          bus,
		roster:       roster,
		metrics:      m,
		logger:       logger,
		secret:       cfg.SharedSecret,
		refreshEvery: cfg.PresenceRefresh,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// The gate is the shared secret, not the Origin header.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

// ServeSession handles GET /ws/session/{sessionID}/.
func (d *Delivery) ServeSession(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")

	respHeader, ok := d.authorize(r)
	if !ok {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnauthorized)
		_ = json.NewEncoder(w).Encode(map[string]string{"detail": "invalid or missing API key"})
		return
	}

	wsConn, err := d.upgrader.Upgrade(w, r, respHeader)
	if err != nil {
		// Upgrade already wrote the HTTP error.
		d.logger.Debug("websocket upgrade failed", slog.Any("error", err))
		return
	}

	conn := registry.NewConnection(context.Background(), sendBuffer)
	d.hub.Register(r.Context(), sessionID, conn)

	s := newSession(d, sessionID, wsConn, conn)
	go s.writePump()

	conn.Send(model.ConnectedFrame{
		Type:             model.FrameConnected,
		SessionID:        s.safeID,
		ConnectionID:     conn.ID(),
		UserTypeRequired: true,
	}, writeTimeout)

	s.readLoop()
}

// authorize checks the shared secret in the X-API-KEY header or the
// subprotocol list. The returned header echoes the first subprotocol when
// that path was used, as the upgrade handshake requires.
func (d *Delivery) authorize(r *http.Request) (http.Header, bool) {
	if d.secret == "" {
		return nil, true
	}
	if secretEqual(r.Header.Get("X-API-KEY"), d.secret) {
		return nil, true
	}

	protocols := websocket.Subprotocols(r)
	for i, proto := range protocols {
		if proto == subprotocolToken && i+1 < len(protocols) && secretEqual(protocols[i+1], d.secret) {
			return http.Header{"Sec-WebSocket-Protocol": {protocols[0]}}, true
		}
	}
	return nil, false
}

func secretEqual(got, want string) bool {
	return subtle.ConstantTimeCompare([]byte(got), []byte(want)) == 1
}
