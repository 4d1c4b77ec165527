package wsd

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type metrics struct {
	Sent     *prometheus.CounterVec
	Received prometheus.Counter
	Dropped  *prometheus.CounterVec
	Errors   *prometheus.CounterVec
}

func newMetrics(reg prometheus.Registerer) *metrics {
	f := promauto.With(reg)
	return &metrics{
		Sent: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "wsd",
			Name:      "datagrams_sent_total",
			Help:      "Datagrams sent, by delivery mode.",
		}, []string{"mode"}),
		Received: f.NewCounter(prometheus.CounterOpts{
			Namespace: "wsd",
			Name:      "datagrams_received_total",
			Help:      "Datagrams received on any socket.",
		}),
		Dropped: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "wsd",
			Name:      "datagrams_dropped_total",
			Help:      "Inbound datagrams dropped before reaching the engine, by reason.",
		}, []string{"reason"}),
		Errors: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "wsd",
			Name:      "socket_errors_total",
			Help:      "Transient socket errors, by operation.",
		}, []string{"op"}),
	}
}
