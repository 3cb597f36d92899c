package infra

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const metricsNamespace = "trade_sync"

// Collector exposes a Metrics snapshot as Prometheus metrics.
type Collector struct {
	m *Metrics

	frames      *prometheus.Desc
	emitted     *prometheus.Desc
	filtered    *prometheus.Desc
	reconnects  *prometheus.Desc
	commands    *prometheus.Desc
	errors      *prometheus.Desc
	connections *prometheus.Desc
	passes      *prometheus.Desc
	avgPass     *prometheus.Desc
}

func NewCollector(m *Metrics) *Collector {
	desc := func(name, help string, labels ...string) *prometheus.Desc {
		return prometheus.NewDesc(prometheus.BuildFQName(metricsNamespace, "", name), help, labels, nil)
	}
	return &Collector{
		m:           m,
		frames:      desc("frames_received_total", "Inbound transport frames."),
		emitted:     desc("events_emitted_total", "Events delivered to subscribers."),
		filtered:    desc("events_filtered_total", "Events suppressed by payload or account filtering."),
		reconnects:  desc("reconnects_scheduled_total", "Reconnect attempts scheduled after link failures."),
		commands:    desc("commands_sent_total", "Outbound commands written to the socket."),
		errors:      desc("errors_total", "Errors observed by the sync layer."),
		connections: desc("active_connections", "Live streaming connections."),
		passes:      desc("reconcile_passes_total", "Reconciliation ticks by outcome.", "outcome"),
		avgPass:     desc("reconcile_pass_avg_seconds", "Average duration of a completed reconciliation pass."),
	}
}

func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.frames
	ch <- c.emitted
	ch <- c.filtered
	ch <- c.reconnects
	ch <- c.commands
	ch <- c.errors
	ch <- c.connections
	ch <- c.passes
	ch <- c.avgPass
}

func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	s := c.m.Snapshot()
	counter := func(d *prometheus.Desc, v uint64, labels ...string) {
		ch <- prometheus.MustNewConstMetric(d, prometheus.CounterValue, float64(v), labels...)
	}

	counter(c.frames, s.FramesReceived)
	counter(c.emitted, s.EventsEmitted)
	counter(c.filtered, s.EventsFiltered)
	counter(c.reconnects, s.ReconnectsPlanned)
	counter(c.commands, s.CommandsSent)
	counter(c.errors, s.ErrorsTotal)
	counter(c.passes, s.PassesRun, "completed")
	counter(c.passes, s.PassesSkipped, "skipped")
	counter(c.passes, s.PassesFailed, "failed")
	ch <- prometheus.MustNewConstMetric(c.connections, prometheus.GaugeValue, float64(s.ActiveConnections))
	ch <- prometheus.MustNewConstMetric(c.avgPass, prometheus.GaugeValue, float64(s.AvgPassNs)/1e9)
}

// NewRegistry returns a private registry with the runtime collectors and m.
func NewRegistry(m *Metrics) *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	reg.MustRegister(NewCollector(m))
	return reg
}

// MetricsHandler serves reg in the Prometheus text format.
func MetricsHandler(reg *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg})
}
