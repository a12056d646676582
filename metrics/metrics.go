// Package metrics exposes session engine counters to Prometheus.
package metrics

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "canscope"

// Metrics holds every collector of the process. A nil *Metrics is valid and
// hands out unregistered counters.
type Metrics struct {
	registry *prometheus.Registry

	FramesReceived *prometheus.CounterVec
	FramesDecoded  *prometheus.CounterVec
	FramesFiltered *prometheus.CounterVec
	DecodeErrors   *prometheus.CounterVec
	ReadErrors     *prometheus.CounterVec
	FramesSent     *prometheus.CounterVec
	SendErrors     *prometheus.CounterVec
	Collisions     *prometheus.CounterVec
	Sessions       prometheus.Gauge
	Connected      *prometheus.GaugeVec

	mu      sync.Mutex
	loggers map[string][]prometheus.Collector
}

func counterVec(subsystem, name, help string) *prometheus.CounterVec {
	return prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      name,
		Help:      help,
	}, []string{"session"})
}

// New creates the collectors and registers them, with the Go runtime and
// process collectors, on a private registry.
func New() *Metrics {
	m := &Metrics{
		registry:       prometheus.NewRegistry(),
		FramesReceived: counterVec("rx", "frames_total", "Frames read from the bus"),
		FramesDecoded:  counterVec("rx", "decoded_total", "Frames decoded into signals"),
		FramesFiltered: counterVec("rx", "filtered_total", "Frames rejected by a filter"),
		DecodeErrors:   counterVec("rx", "decode_errors_total", "Frames whose payload failed to decode"),
		ReadErrors:     counterVec("rx", "read_errors_total", "Transport receive errors"),
		FramesSent:     counterVec("tx", "frames_total", "Frames written to the bus"),
		SendErrors:     counterVec("tx", "errors_total", "Transport send errors"),
		Collisions:     counterVec("db", "collisions_total", "Frame IDs defined by more than one database"),
		Sessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sessions",
			Help:      "Sessions currently managed",
		}),
		Connected: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "session_connected",
			Help:      "1 while the session has an open transport",
		}, []string{"session"}),
		loggers: map[string][]prometheus.Collector{},
	}
	m.registry.MustRegister(
		m.FramesReceived, m.FramesDecoded, m.FramesFiltered, m.DecodeErrors, m.ReadErrors,
		m.FramesSent, m.SendErrors, m.Collisions, m.Sessions, m.Connected,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{EnableOpenMetrics: true})
}

// Session is the set of counters one session increments on its hot paths.
type Session struct {
	Received  prometheus.Counter
	Decoded   prometheus.Counter
	Filtered  prometheus.Counter
	DecodeErr prometheus.Counter
	ReadErr   prometheus.Counter
	Sent      prometheus.Counter
	SendErr   prometheus.Counter
	Collision prometheus.Counter
	Connected prometheus.Gauge
}

func detached(name string) prometheus.Counter {
	return prometheus.NewCounter(prometheus.CounterOpts{Name: name})
}

// ForSession returns the counters labelled with session id.
func (m *Metrics) ForSession(id string) *Session {
	if m == nil {
		return &Session{
			Received:  detached("rx"),
			Decoded:   detached("decoded"),
			Filtered:  detached("filtered"),
			DecodeErr: detached("decode_errors"),
			ReadErr:   detached("read_errors"),
			Sent:      detached("tx"),
			SendErr:   detached("tx_errors"),
			Collision: detached("collisions"),
			Connected: prometheus.NewGauge(prometheus.GaugeOpts{Name: "connected"}),
		}
	}
	return &Session{
		Received:  m.FramesReceived.WithLabelValues(id),
		Decoded:   m.FramesDecoded.WithLabelValues(id),
		Filtered:  m.FramesFiltered.WithLabelValues(id),
		DecodeErr: m.DecodeErrors.WithLabelValues(id),
		ReadErr:   m.ReadErrors.WithLabelValues(id),
		Sent:      m.FramesSent.WithLabelValues(id),
		SendErr:   m.SendErrors.WithLabelValues(id),
		Collision: m.Collisions.WithLabelValues(id),
		Connected: m.Connected.WithLabelValues(id),
	}
}

// LogCounts reports a frame logger's enqueued, written and dropped totals.
type LogCounts func() (enqueued, written, dropped uint64)

// TrackLogger exports a session logger's counters, read at scrape time.
func (m *Metrics) TrackLogger(id string, counts LogCounts) {
	if m == nil {
		return
	}
	labels := prometheus.Labels{"session": id}
	read := func(pick func(e, w, d uint64) uint64) func() float64 {
		return func() float64 { return float64(pick(counts())) }
	}
	cs := []prometheus.Collector{
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "log", Name: "enqueued_total",
			Help: "Frames handed to the logger", ConstLabels: labels,
		}, read(func(e, _, _ uint64) uint64 { return e })),
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "log", Name: "written_total",
			Help: "Frames written to the log file", ConstLabels: labels,
		}, read(func(_, w, _ uint64) uint64 { return w })),
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "log", Name: "dropped_total",
			Help: "Frames dropped by the logger", ConstLabels: labels,
		}, read(func(_, _, d uint64) uint64 { return d })),
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.loggers[id]; ok {
		return
	}
	for _, c := range cs {
		m.registry.MustRegister(c)
	}
	m.loggers[id] = cs
}

// DeleteSession removes every series labelled with session id.
func (m *Metrics) DeleteSession(id string) {
	if m == nil {
		return
	}
	for _, v := range []*prometheus.CounterVec{
		m.FramesReceived, m.FramesDecoded, m.FramesFiltered, m.DecodeErrors,
		m.ReadErrors, m.FramesSent, m.SendErrors, m.Collisions,
	} {
		v.DeleteLabelValues(id)
	}
	m.Connected.DeleteLabelValues(id)

	m.mu.Lock()
	defer m.mu.Unlock()
	for _, c := range m.loggers[id] {
		m.registry.Unregister(c)
	}
	delete(m.loggers, id)
}
