// Package metrics exposes the Prometheus collectors for the relay.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type Metrics struct {
	connections   prometheus.Gauge
	framesTotal   prometheus.Counter
	framesDropped prometheus.Counter
	publishErrors prometheus.Counter
	bridgesActive prometheus.Gauge
	bridgeTurns   prometheus.Counter
}

func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		connections: factory.NewGauge(prometheus.GaugeOpts{
			Name: "relay_connections_active",
			Help: "WebSocket connections currently registered.",
		}),
		// No session_id label here: session ids are caller-chosen and
		// unbounded, which would grow the series set without limit.
		framesTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "relay_frames_delivered_total",
			Help: "Frames delivered to local members.",
		}),
		framesDropped: factory.NewCounter(prometheus.CounterOpts{
			Name: "relay_frames_dropped_total",
			Help: "Frames dropped due to member backpressure.",
		}),
		publishErrors: factory.NewCounter(prometheus.CounterOpts{
			Name: "relay_publish_errors_total",
			Help: "Bus publish failures reported to senders.",
		}),
		bridgesActive: factory.NewGauge(prometheus.GaugeOpts{
			Name: "relay_bridge_tasks_active",
			Help: "AI bridge tasks currently attached to sessions.",
		}),
		bridgeTurns: factory.NewCounter(prometheus.CounterOpts{
			Name: "relay_bridge_turns_total",
			Help: "Chat turns relayed to the generation collaborator.",
		}),
	}
}

func (m *Metrics) ConnectionOpened() { m.connections.Inc() }
func (m *Metrics) ConnectionClosed() { m.connections.Dec() }

func (m *Metrics) FrameDelivered() { m.framesTotal.Inc() }
func (m *Metrics) FrameDropped()   { m.framesDropped.Inc() }
func (m *Metrics) PublishError() { m.publishErrors.Inc() }

func (m *Metrics) BridgeStarted() { m.bridgesActive.Inc() }
func (m *Metrics) BridgeStopped() { m.bridgesActive.Dec() }
func (m *Metrics) BridgeTurn()    { m.bridgeTurns.Inc() }
