package metrics

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"trafficmon/internal/pipeline"
	"trafficmon/internal/resources"
)

const namespace = "trafficmon"

// Metrics holds all application metrics
type Metrics struct {
	incidents *prometheus.CounterVec
	results   *prometheus.CounterVec
	inference *prometheus.HistogramVec
	vehicles  *prometheus.GaugeVec
	density   *prometheus.GaugeVec

	// Prometheus collectors
	registry *prometheus.Registry
}

// New creates a new Metrics instance with Prometheus collectors
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		incidents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "incidents_total",
			Help:      "Incidents raised per stream and type",
		}, []string{"stream", "type"}),
		results: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "results_published_total",
			Help:      "Analysed frames published per stream",
		}, []string{"stream"}),
		inference: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "inference_duration_ms",
			Help:      "Detector call latency in milliseconds",
			Buckets:   []float64{5, 10, 20, 35, 50, 75, 100, 150, 250, 500},
		}, []string{"stream"}),
		vehicles: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "vehicles",
			Help:      "Vehicles counted in the latest analysed frame",
		}, []string{"stream"}),
		density: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "density",
			Help:      "Traffic density of the latest analysed frame",
		}, []string{"stream"}),
	}

	m.registry.MustRegister(m.incidents, m.results, m.inference, m.vehicles, m.density)
	return m
}

// OnResult implements pipeline.ResultHandler
func (m *Metrics) OnResult(result *pipeline.Result) {
	if result.Telemetry == nil {
		return
	}
	id := result.StreamID
	m.results.WithLabelValues(id).Inc()
	m.inference.WithLabelValues(id).Observe(result.InferenceMs)
	m.vehicles.WithLabelValues(id).Set(float64(result.Telemetry.Stats.Count))
	m.density.WithLabelValues(id).Set(result.Telemetry.Stats.Density)
	for _, inc := range result.Telemetry.Incidents {
		m.incidents.WithLabelValues(id, string(inc.Type)).Inc()
	}
}

// Forget drops the per-stream series of a stopped session
func (m *Metrics) Forget(streamID string) {
	labels := prometheus.Labels{"stream": streamID}
	m.results.DeletePartialMatch(labels)
	m.inference.DeletePartialMatch(labels)
	m.vehicles.DeletePartialMatch(labels)
	m.density.DeletePartialMatch(labels)
	m.incidents.DeletePartialMatch(labels)
}

// RegisterManager exports admission state and per-session counters
func (m *Metrics) RegisterManager(mgr pipeline.SessionManager, maxStreams int) {
	m.registry.MustRegister(prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_sessions",
			Help:      "Sessions counted against the stream cap",
		},
		func() float64 {
			n := 0
			for _, info := range mgr.List() {
				if info.Status.Active() {
					n++
				}
			}
			return float64(n)
		},
	))

	m.registry.MustRegister(prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "max_sessions",
			Help:      "Configured stream cap",
		},
		func() float64 { return float64(maxStreams) },
	))

	m.registry.MustRegister(newSessionCollector(mgr))
}

// RegisterProbe exports accelerator readings
func (m *Metrics) RegisterProbe(probe resources.Probe) {
	read := func() resources.Reading {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		return probe.Read(ctx)
	}

	m.registry.MustRegister(prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "accelerator_memory_used_mb",
			Help:      "Accelerator memory in use (-1 when unknown)",
		},
		func() float64 {
			r := read()
			if !r.MemoryOK {
				return -1
			}
			return r.MemoryUsedMB
		},
	))

	m.registry.MustRegister(prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "accelerator_temperature_celsius",
			Help:      "Hottest accelerator or thermal zone reading (-1 when unknown)",
		},
		func() float64 {
			r := read()
			if !r.TemperatureOK {
				return -1
			}
			return r.TemperatureC
		},
	))
}

// RegisterClients exports the number of connected readers of one kind
func (m *Metrics) RegisterClients(kind string, count func() int64) {
	m.registry.MustRegister(prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Namespace:   namespace,
			Name:        "connected_clients",
			Help:        "Connected output clients",
			ConstLabels: prometheus.Labels{"kind": kind},
		},
		func() float64 { return float64(count()) },
	))
}

// RegisterDropped exports a running count of results that consumers missed
func (m *Metrics) RegisterDropped(consumer string, dropped func() uint64) {
	m.registry.MustRegister(prometheus.NewCounterFunc(
		prometheus.CounterOpts{
			Namespace:   namespace,
			Name:        "results_dropped_total",
			Help:        "Analysed results dropped by slow consumers",
			ConstLabels: prometheus.Labels{"consumer": consumer},
		},
		func() float64 { return float64(dropped()) },
	))
}

// Registry returns the underlying registry
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler returns the Prometheus HTTP handler
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

var _ pipeline.ResultHandler = (*Metrics)(nil)
