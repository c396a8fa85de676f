// Package metrics exposes the Prometheus collectors the Dispatcher and
// image pipeline update, grounded on go/network/metrics.go's package-level
// promauto collector-variable convention (registering directly against the
// default registerer rather than threading an explicit *Registry through
// every component).
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	StreamClients = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "shelter",
		Subsystem: "dispatch",
		Name:      "stream_clients",
		Help:      "Number of currently connected TCP stream clients.",
	})

	DatagramPeers = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "shelter",
		Subsystem: "dispatch",
		Name:      "datagram_peers",
		Help:      "Number of currently cached UDP datagram peers.",
	})

	AlertsProcessed = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "shelter",
		Subsystem: "alerts",
		Name:      "processed_total",
		Help:      "Total number of alert lines read from the FIFO and persisted.",
	})

	PipelineInvocations = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "shelter",
		Subsystem: "imaging",
		Name:      "pipeline_invocations_total",
		Help:      "Total number of image pipeline invocations, labeled by outcome.",
	}, []string{"outcome"})
)
