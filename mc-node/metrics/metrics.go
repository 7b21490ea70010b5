// Package metrics provides the modelc node metrics.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/simbus-network/sim-runtime/mc-service/httputil"
	svcmetrics "github.com/simbus-network/sim-runtime/mc-service/metrics"
)

const Namespace = "modelc"

// Metrics tracks the tick loop and bus interactions of one runtime.
type Metrics struct {
	registry *prometheus.Registry

	info *prometheus.GaugeVec
	up   prometheus.Gauge

	ticks         prometheus.Counter
	stepErrors    prometheus.Counter
	modelTime     prometheus.Gauge
	readyDuration prometheus.Histogram
}

func NewMetrics(procName string) *Metrics {
	if procName == "" {
		procName = "default"
	}
	ns := Namespace + "_" + procName
	registry := svcmetrics.NewRegistry()
	factory := prometheus.WrapRegistererWith(nil, registry)

	m := &Metrics{
		registry: registry,
		info: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: ns,
			Name:      "info",
			Help:      "Pseudo-metric tracking version and config info",
		}, []string{"version"}),
		up: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: ns,
			Name:      "up",
			Help:      "1 if the modelc node has finished starting up",
		}),
		ticks: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: ns,
			Name:      "ticks_total",
			Help:      "Number of completed step-coordination ticks",
		}),
		stepErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: ns,
			Name:      "step_errors_total",
			Help:      "Number of model step handler errors",
		}),
		modelTime: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: ns,
			Name:      "model_time",
			Help:      "Current simulation model time in seconds",
		}),
		readyDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: ns,
			Name:      "bus_ready_duration_seconds",
			Help:      "Duration of simbus ready exchanges",
			Buckets:   prometheus.ExponentialBuckets(0.0001, 4, 10),
		}),
	}
	factory.MustRegister(m.info, m.up, m.ticks, m.stepErrors, m.modelTime, m.readyDuration)
	return m
}

// RecordInfo sets a pseudo-metric that contains the version of the node.
func (m *Metrics) RecordInfo(version string) {
	m.info.WithLabelValues(version).Set(1)
}

// RecordUp sets the up metric to 1.
func (m *Metrics) RecordUp() {
	m.up.Set(1)
}

func (m *Metrics) RecordTick(modelTime float64) {
	m.ticks.Inc()
	m.modelTime.Set(modelTime)
}

func (m *Metrics) RecordStepError() {
	m.stepErrors.Inc()
}

func (m *Metrics) RecordBusReady(d time.Duration) {
	m.readyDuration.Observe(d.Seconds())
}

// Registry exposes the metrics registry for serving.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// StartServer starts a metrics server serving this node's registry.
func (m *Metrics) StartServer(hostname string, port int) (*httputil.HTTPServer, error) {
	return svcmetrics.StartServer(m.registry, hostname, port)
}
