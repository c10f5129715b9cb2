package conn

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/albertbausili/celeris-h3/internal/h3/transport"
)

var (
	h3ConnectionsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "celeris_h3_connections_total",
			Help: "Total number of HTTP/3 connections served",
		},
	)

	h3ConnectionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "celeris_h3_connections_active",
			Help: "Current number of open HTTP/3 connections",
		},
	)

	h3StreamsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "celeris_h3_streams_total",
			Help: "Total number of HTTP/3 streams accepted, by kind",
		},
		[]string{"kind"},
	)

	h3RequestsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "celeris_h3_requests_active",
			Help: "Current number of request streams being served",
		},
	)

	h3StreamResets = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "celeris_h3_stream_resets_total",
			Help: "Total number of request streams reset by the server, by error code",
		},
		[]string{"code"},
	)

	h3ConnectionAborts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "celeris_h3_connection_aborts_total",
			Help: "Total number of connections closed with an error, by error code",
		},
		[]string{"code"},
	)

	h3GoAwaySent = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "celeris_h3_goaway_sent_total",
			Help: "Total number of GOAWAY frames sent",
		},
	)
)

func observeReset(code transport.ErrorCode) {
	h3StreamResets.WithLabelValues(CodeName(code)).Inc()
}

func observeAbort(code transport.ErrorCode) {
	h3ConnectionAborts.WithLabelValues(CodeName(code)).Inc()
}
