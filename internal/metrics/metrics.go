// Package metrics exposes the pipeline's Prometheus collectors. Everything
// hangs off a dedicated registry so tests can build as many instances as
// they like without duplicate-registration panics.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus collectors for the counting pipeline.
type Metrics struct {
	registry *prometheus.Registry

	// Counters
	EventsEmitted *prometheus.CounterVec
	Detections    *prometheus.CounterVec
	KVErrors      prometheus.Counter
	SinkErrors    prometheus.Counter
	EventsDropped prometheus.Counter

	// Histograms
	FrameLatency prometheus.Histogram
	KVCall       prometheus.Histogram

	// Gauges
	ActiveTracks      *prometheus.GaugeVec
	DisappearedTracks *prometheus.GaugeVec
	KVDegraded        prometheus.Gauge
}

// New creates a Metrics with every collector registered on its own registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),

		EventsEmitted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "footfall",
				Name:      "events_emitted_total",
				Help:      "Counted events emitted, by channel, zone and type",
			},
			[]string{"channel", "zone", "type"},
		),

		Detections: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "footfall",
				Name:      "detections_total",
				Help:      "Person detections accepted after the confidence floor",
			},
			[]string{"channel"},
		),

		KVErrors: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "footfall",
				Name:      "kv_errors_total",
				Help:      "KV store calls that returned an error",
			},
		),

		SinkErrors: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "footfall",
				Name:      "sink_errors_total",
				Help:      "Event sink writes that returned an error",
			},
		),

		EventsDropped: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "footfall",
				Name:      "events_dropped_total",
				Help:      "Counted events dropped because the sink buffer overflowed",
			},
		),

		FrameLatency: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: "footfall",
				Name:      "frame_latency_ms",
				Help:      "Wall time to process one frame in milliseconds",
				Buckets:   []float64{1, 2.5, 5, 10, 25, 50, 100, 250, 500, 1000},
			},
		),

		KVCall: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: "footfall",
				Name:      "kv_call_ms",
				Help:      "KV store round-trip time in milliseconds",
				Buckets:   []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 25, 50, 100, 250},
			},
		),

		ActiveTracks: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: "footfall",
				Name:      "active_tracks",
				Help:      "Tracks currently live in the zone counter, by channel",
			},
			[]string{"channel"},
		),

		DisappearedTracks: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: "footfall",
				Name:      "disappeared_tracks",
				Help:      "Tracks waiting in the recovery pool, by channel",
			},
			[]string{"channel"},
		),

		KVDegraded: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "footfall",
				Name:      "kv_degraded",
				Help:      "1 when the KV store is unreachable and in-memory fallbacks are in use",
			},
		),
	}

	m.registry.MustRegister(
		m.EventsEmitted,
		m.Detections,
		m.KVErrors,
		m.SinkErrors,
		m.EventsDropped,
		m.FrameLatency,
		m.KVCall,
		m.ActiveTracks,
		m.DisappearedTracks,
		m.KVDegraded,
	)

	return m
}

// RecordEvent counts one emitted event.
func (m *Metrics) RecordEvent(channelID int, zoneID, eventType string) {
	m.EventsEmitted.WithLabelValues(strconv.Itoa(channelID), zoneID, eventType).Inc()
}

// RecordDetections counts accepted detections for a channel.
func (m *Metrics) RecordDetections(channelID, n int) {
	m.Detections.WithLabelValues(strconv.Itoa(channelID)).Add(float64(n))
}

// RecordKVError counts one failed KV call.
func (m *Metrics) RecordKVError() {
	m.KVErrors.Inc()
}

// RecordSinkError counts one failed sink write.
func (m *Metrics) RecordSinkError() {
	m.SinkErrors.Inc()
}

// RecordEventsDropped counts events lost to sink buffer overflow.
func (m *Metrics) RecordEventsDropped(n int) {
	m.EventsDropped.Add(float64(n))
}

// ObserveFrameLatency records one frame's processing time.
func (m *Metrics) ObserveFrameLatency(d time.Duration) {
	m.FrameLatency.Observe(float64(d) / float64(time.Millisecond))
}

// ObserveKVCall records one KV round trip.
func (m *Metrics) ObserveKVCall(d time.Duration) {
	m.KVCall.Observe(float64(d) / float64(time.Millisecond))
}

// SetActiveTracks updates the live track gauge for a channel.
func (m *Metrics) SetActiveTracks(channelID, n int) {
	m.ActiveTracks.WithLabelValues(strconv.Itoa(channelID)).Set(float64(n))
}

// SetDisappearedTracks updates the recovery pool gauge for a channel.
func (m *Metrics) SetDisappearedTracks(channelID, n int) {
	m.DisappearedTracks.WithLabelValues(strconv.Itoa(channelID)).Set(float64(n))
}

// SetKVDegraded raises or clears the degradation banner.
func (m *Metrics) SetKVDegraded(degraded bool) {
	if degraded {
		m.KVDegraded.Set(1)
	} else {
		m.KVDegraded.Set(0)
	}
}

// Handler serves the registry in Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry for test scraping.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}
