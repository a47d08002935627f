// Package metrics exposes pipeline counters to Prometheus.
package metrics

import (
	"net/http"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "zonemonitor"

// Metrics holds all application metrics. Counters are plain atomics so the
// hot paths never touch the Prometheus client; collectors read them on scrape.
type Metrics struct {
	// Capture counters
	FramesCaptured atomic.Uint64
	FramesPaced    atomic.Uint64 // discarded by the frame-rate ceiling
	FramesEvicted  atomic.Uint64 // dropped from a full per-stream queue
	ReadErrors     atomic.Uint64
	ConnectErrors  atomic.Uint64
	Reconnects     atomic.Uint64

	// Processing counters
	FramesCollected   atomic.Uint64
	CollectorEvicted  atomic.Uint64 // dropped from a full processing queue
	FramesProcessed   atomic.Uint64
	ProcessErrors     atomic.Uint64
	ResultsEvicted    atomic.Uint64 // dropped from a full results queue
	ThrottleEvents    atomic.Uint64
	avgProcessingTime atomic.Int64 // nanoseconds, exponential moving average
	maxQueueUsage     atomic.Int64 // percent

	// Sink counters
	SinkPublished atomic.Uint64
	SinkErrors    atomic.Uint64

	latency  prometheus.Histogram
	registry *prometheus.Registry
}

// New creates a Metrics instance with its own registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		latency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "processing_latency_seconds",
			Help:      "Per-frame detection and analysis latency",
			Buckets:   prometheus.ExponentialBuckets(0.005, 2, 10),
		}),
	}
	m.registry.MustRegister(m.latency)
	m.registerCounters()
	return m
}

func (m *Metrics) registerCounters() {
	counters := []struct {
		name string
		help string
		v    *atomic.Uint64
	}{
		{"frames_captured_total", "Frames accepted by stream workers", &m.FramesCaptured},
		{"frames_paced_total", "Frames discarded by the frame-rate ceiling", &m.FramesPaced},
		{"frames_evicted_total", "Frames dropped from full per-stream queues", &m.FramesEvicted},
		{"read_errors_total", "Frame read failures", &m.ReadErrors},
		{"connect_errors_total", "Failed source connection attempts", &m.ConnectErrors},
		{"reconnects_total", "Reconnection attempts", &m.Reconnects},
		{"frames_collected_total", "Frames moved into the processing queue", &m.FramesCollected},
		{"processing_queue_evicted_total", "Frames dropped from the full processing queue", &m.CollectorEvicted},
		{"frames_processed_total", "Frames that produced a result", &m.FramesProcessed},
		{"process_errors_total", "Frames discarded after a processing failure", &m.ProcessErrors},
		{"results_evicted_total", "Results dropped from the full results queue", &m.ResultsEvicted},
		{"throttle_events_total", "Processing pauses caused by high CPU usage", &m.ThrottleEvents},
		{"sink_published_total", "Results delivered to external sinks", &m.SinkPublished},
		{"sink_errors_total", "Result sink failures", &m.SinkErrors},
	}
	for _, c := range counters {
		v := c.v
		m.registry.MustRegister(prometheus.NewCounterFunc(
			prometheus.CounterOpts{Namespace: namespace, Name: c.name, Help: c.help},
			func() float64 { return float64(v.Load()) },
		))
	}

	m.registry.MustRegister(prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "processing_time_avg_ms",
			Help:      "Moving average of per-frame processing time in milliseconds",
		},
		m.AvgProcessingTimeMs,
	))
	m.registry.MustRegister(prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "processing_queue_peak_usage_percent",
			Help:      "Peak processing queue utilization",
		},
		func() float64 { return float64(m.maxQueueUsage.Load()) },
	))
}

// RegisterGauge exposes a value owned by another component, such as a queue
// depth or the number of active streams.
func (m *Metrics) RegisterGauge(name, help string, fn func() float64) {
	m.registry.MustRegister(prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{Namespace: namespace, Name: name, Help: help},
		fn,
	))
}

// ObserveProcessing records the latency of one processed frame.
func (m *Metrics) ObserveProcessing(d time.Duration) {
	m.latency.Observe(d.Seconds())

	current := m.avgProcessingTime.Load()
	sample := d.Nanoseconds()
	if current == 0 {
		m.avgProcessingTime.Store(sample)
		return
	}
	// EMA with alpha = 0.1
	m.avgProcessingTime.Store(int64(float64(current)*0.9 + float64(sample)*0.1))
}

// AvgProcessingTimeMs returns the moving average processing time.
func (m *Metrics) AvgProcessingTimeMs() float64 {
	return float64(m.avgProcessingTime.Load()) / 1e6
}

// UpdateQueueUsage raises the recorded peak queue utilization if percent is higher.
func (m *Metrics) UpdateQueueUsage(percent int64) {
	for {
		current := m.maxQueueUsage.Load()
		if percent <= current {
			return
		}
		if m.maxQueueUsage.CompareAndSwap(current, percent) {
			return
		}
	}
}

// PeakQueueUsage returns the highest recorded processing queue utilization.
func (m *Metrics) PeakQueueUsage() int64 {
	return m.maxQueueUsage.Load()
}

// Registry returns the underlying registry, mainly for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler returns the HTTP handler serving the metrics.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
