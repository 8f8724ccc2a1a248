package gateway

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	gaugeConns = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "ws_connections_active",
		Help: "Open websocket connections",
	})

	metricConnsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ws_connections_total",
		Help: "Websocket connections accepted",
	})

	metricMessages = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ws_messages_received_total",
		Help: "Inbound envelopes by type",
	}, []string{"type"})

	metricSendFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ws_send_failures_total",
		Help: "Outbound envelope writes that failed or timed out",
	})

	metricInvalidFrames = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ws_invalid_frames_total",
		Help: "Frames that failed to parse or carried an unknown type",
	})
)
