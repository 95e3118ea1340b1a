package metrics

import (
	"errors"
	"net/http"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Package-level Prometheus collectors. They are registered via Register.
var (
	regOK atomic.Bool

	statusTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "minefleet",
			Subsystem: "server",
			Name:      "status_transitions_total",
			Help:      "Number of server status transitions.",
		}, []string{"server", "from", "to"},
	)
	runningServers = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "minefleet",
			Subsystem: "server",
			Name:      "running_total",
			Help:      "Currently tracked server instances on this node.",
		},
	)
	logLines = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "minefleet",
			Subsystem: "server",
			Name:      "log_lines_total",
			Help:      "Console lines ingested per server.",
		}, []string{"server"},
	)
	statsFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "minefleet",
			Subsystem: "server",
			Name:      "stats_failures_total",
			Help:      "Best-effort stats probes that returned an error.",
		}, []string{"server"},
	)
	connectedAgents = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "minefleet",
			Subsystem: "agent",
			Name:      "connected",
			Help:      "Remote agent sessions currently admitted.",
		},
	)
	agentHeartbeats = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "minefleet",
			Subsystem: "agent",
			Name:      "heartbeats_total",
			Help:      "Heartbeats received per node.",
		}, []string{"node"},
	)
)

// Register registers all metrics with the provided registerer.
// Safe to call multiple times; subsequent calls after success are no-ops.
func Register(r prometheus.Registerer) error {
	if regOK.Load() {
		return nil
	}
	cs := []prometheus.Collector{
		statusTransitions, runningServers, logLines, statsFailures,
		connectedAgents, agentHeartbeats,
	}
	for _, c := range cs {
		if err := r.Register(c); err != nil {
			var are prometheus.AlreadyRegisteredError
			if errors.As(err, &are) {
				continue
			}
			return err
		}
	}
	regOK.Store(true)
	return nil
}

// Handler returns the /metrics HTTP handler for the default registry.
func Handler() http.Handler { return promhttp.Handler() }

func IncTransition(server, from, to string) {
	statusTransitions.WithLabelValues(server, from, to).Inc()
}

func SetRunningServers(n int)       { runningServers.Set(float64(n)) }
func IncLogLines(server string)     { logLines.WithLabelValues(server).Inc() }
func IncStatsFailure(server string) { statsFailures.WithLabelValues(server).Inc() }
func SetConnectedAgents(n int)      { connectedAgents.Set(float64(n)) }
func IncHeartbeat(node string)      { agentHeartbeats.WithLabelValues(node).Inc() }
