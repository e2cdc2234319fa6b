// Package metrics holds the prometheus collectors shared by the coordinator.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "callsignal"

type Metrics struct {
	Rooms        prometheus.Gauge
	Participants prometheus.Gauge
	Connections  prometheus.Gauge

	RelayedMessages  *prometheus.CounterVec
	GraceExpirations prometheus.Counter

	WebhookEvents     *prometheus.CounterVec
	RecordingsStarted prometheus.Counter
	RecordingsStopped prometheus.Counter
	RecordingErrors   *prometheus.CounterVec

	PresenceUpdates *prometheus.CounterVec
}

// New builds the collectors and registers them with reg. A nil reg leaves
// them unregistered, which is what tests want.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Rooms: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "room",
			Name:      "total",
			Help:      "Rooms currently held in the registry.",
		}),
		Participants: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "participant",
			Name:      "total",
			Help:      "Participants across all rooms.",
		}),
		Connections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "ws",
			Name:      "connections",
			Help:      "Open signaling connections.",
		}),
		RelayedMessages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ws",
			Name:      "relayed_total",
			Help:      "Messages relayed between participants.",
		}, []string{"kind", "delivered"}),
		GraceExpirations: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "grace",
			Name:      "expired_total",
			Help:      "Disconnects that were not followed by a rejoin in time.",
		}),
		WebhookEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "webhook",
			Name:      "events_total",
			Help:      "Media router webhook events by kind.",
		}, []string{"event"}),
		RecordingsStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "recording",
			Name:      "started_total",
		}),
		RecordingsStopped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "recording",
			Name:      "stopped_total",
		}),
		RecordingErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "recording",
			Name:      "errors_total",
		}, []string{"op"}),
		PresenceUpdates: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "presence",
			Name:      "updates_total",
		}, []string{"result"}),
	}

	if reg != nil {
		reg.MustRegister(
			m.Rooms,
			m.Participants,
			m.Connections,
			m.RelayedMessages,
			m.GraceExpirations,
			m.WebhookEvents,
			m.RecordingsStarted,
			m.RecordingsStopped,
			m.RecordingErrors,
			m.PresenceUpdates,
		)
	}
	return m
}
