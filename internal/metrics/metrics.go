// Package metrics collects and exposes Prometheus metrics for the
// service lifecycle engine.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector holds the scaffold-level Prometheus metrics.
type Collector struct {
	registry *prometheus.Registry

	SignalTotal      *prometheus.CounterVec
	CtrlCommandTotal *prometheus.CounterVec
	CtrlConnections  prometheus.Gauge
	LogRotateTotal   prometheus.Counter
	StatTotal        prometheus.Counter
	Uptime           prometheus.Gauge
	BuildInfo        *prometheus.GaugeVec
}

// New creates and registers all scaffold metrics.
func New() *Collector {
	reg := prometheus.NewRegistry()

	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	c := &Collector{
		registry: reg,

		SignalTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "larch_service_signal_total",
				Help: "Total number of POSIX signals observed, by signal name.",
			},
			[]string{"signal"},
		),

		CtrlCommandTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "larch_ctrl_command_total",
				Help: "Total number of control commands dispatched, by verb.",
			},
			[]string{"verb"},
		),

		CtrlConnections: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "larch_ctrl_connections",
				Help: "Number of currently open control connections.",
			},
		),

		LogRotateTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "larch_service_logrotate_total",
				Help: "Total number of log rotations performed.",
			},
		),

		StatTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "larch_service_stat_total",
				Help: "Total number of statistics snapshots requested.",
			},
		),

		Uptime: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "larch_service_uptime_seconds",
				Help: "Uptime of the service in seconds.",
			},
		),

		BuildInfo: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "larch_info",
				Help: "Build information about the service.",
			},
			[]string{"name", "version"},
		),
	}

	reg.MustRegister(
		c.SignalTotal,
		c.CtrlCommandTotal,
		c.CtrlConnections,
		c.LogRotateTotal,
		c.StatTotal,
		c.Uptime,
		c.BuildInfo,
	)

	return c
}

// Handler returns an http.Handler serving the /metrics endpoint.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// SetBuildInfo sets the constant build info gauge.
func (c *Collector) SetBuildInfo(name, version string) {
	c.BuildInfo.WithLabelValues(name, version).Set(1)
}

// IncSignal increments the signal counter.
func (c *Collector) IncSignal(name string) {
	c.SignalTotal.WithLabelValues(name).Inc()
}

// IncCtrlCommand increments the control command counter.
func (c *Collector) IncCtrlCommand(verb string) {
	c.CtrlCommandTotal.WithLabelValues(verb).Inc()
}

// SetUptime sets the uptime gauge.
func (c *Collector) SetUptime(seconds float64) {
	c.Uptime.Set(seconds)
}
