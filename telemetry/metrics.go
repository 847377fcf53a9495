package telemetry

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	Registry = prometheus.NewRegistry()

	EstablishedPeers = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "gmcast",
			Name:      "established_peers",
			Help:      "Number of peer connections in OK state.",
		},
	)

	DatagramsIn = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "gmcast",
			Name:      "datagrams_in_total",
			Help:      "User datagrams delivered upward from the mesh.",
		},
	)

	DatagramsOut = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "gmcast",
			Name:      "datagrams_out_total",
			Help:      "User datagrams fanned out to the mesh.",
		},
	)

	buildInfo = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "gmcast",
			Name:      "build_info",
			Help:      "Build info (constant 1, labeled by version and git_sha).",
		},
		[]string{"version", "git_sha"},
	)

	startTime = time.Now()
	uptime    = prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Namespace: "gmcast",
			Name:      "uptime_seconds",
			Help:      "Process uptime in seconds.",
		},
		func() float64 { return time.Since(startTime).Seconds() },
	)
)

func init() {
	Registry.MustRegister(EstablishedPeers, DatagramsIn, DatagramsOut, buildInfo, uptime)
}

// MetricsHandler exposes /metrics. Mount it with
// mux.Handle("/metrics", telemetry.MetricsHandler()).
func MetricsHandler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}

// SetBuildInfo should be called once at startup, e.g. with
// ldflags-provided values.
func SetBuildInfo(version, gitSHA string) {
	buildInfo.WithLabelValues(version, gitSHA).Set(1)
}
