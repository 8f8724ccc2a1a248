package room

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	gaugeRooms = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "room_sessions_active",
		Help: "Rooms currently held in the registry",
	})

	gaugePeers = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "room_peers_active",
		Help: "Peers currently joined across all rooms",
	})

	metricCreated = promauto.NewCounter(prometheus.CounterOpts{
		Name: "room_created_total",
		Help: "Rooms created",
	})

	metricExpired = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "room_expired_total",
		Help: "Rooms removed from the registry",
	}, []string{"reason"}) // grace, idle

	metricJoins = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "room_joins_total",
		Help: "Successful joins by assigned role",
	}, []string{"role"})

	metricCommands = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "room_playback_commands_total",
		Help: "Playback transitions applied",
	}, []string{"action"})

	metricCorrections = promauto.NewCounter(prometheus.CounterOpts{
		Name: "room_corrections_total",
		Help: "Drift corrections sent back to reporting peers",
	})

	metricRelays = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "room_relays_total",
		Help: "Envelopes relayed between peers",
	}, []string{"kind"}) // signal, chat, media

	metricErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "room_errors_total",
		Help: "Error envelopes sent to clients",
	}, []string{"kind"})
)

// CountError records one error envelope by kind. Called from the gateway,
// which owns the error mapping.
func CountError(kind string) { metricErrors.WithLabelValues(kind).Inc() }
