// Package metrics exposes the Prometheus instruments described in
// SPEC_FULL.md §12, grounded on ManuGH-xg2g's instrumentation style: a
// package-level registry of counters/gauges, constructed once and passed
// by reference into the components that touch them. Purely observational —
// no code path depends on these for correctness.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Set bundles every instrument the core components update.
type Set struct {
	Reconnects        *prometheus.CounterVec
	WatchdogRestarts  *prometheus.CounterVec
	DroppedDetections *prometheus.CounterVec
	SegmentsWritten   *prometheus.CounterVec
	RecordingsOpen    prometheus.Gauge
	RecordingsClosed  *prometheus.CounterVec
	DiscoveredDevices prometheus.Gauge
}

// NewSet constructs and registers a fresh instrument set against reg. Pass
// prometheus.NewRegistry() in tests to avoid collisions with the default
// global registry.
func NewSet(reg prometheus.Registerer) *Set {
	s := &Set{
		Reconnects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "lightnvr_stream_reconnects_total",
			Help: "Count of CONNECTING/RECONNECTING attempts per stream.",
		}, []string{"stream"}),
		WatchdogRestarts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "lightnvr_watchdog_restarts_total",
			Help: "Count of watchdog-triggered restarts per stream.",
		}, []string{"stream"}),
		DroppedDetections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "lightnvr_detections_dropped_total",
			Help: "Frames dropped because a detection was already in-flight.",
		}, []string{"stream"}),
		SegmentsWritten: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "lightnvr_hls_segments_written_total",
			Help: "HLS segments rolled over per stream.",
		}, []string{"stream"}),
		RecordingsOpen: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "lightnvr_recordings_open",
			Help: "Number of MP4 recording files currently open.",
		}),
		RecordingsClosed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "lightnvr_recordings_closed_total",
			Help: "Recordings finalized per stream and trigger.",
		}, []string{"stream", "trigger"}),
		DiscoveredDevices: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "lightnvr_onvif_devices_discovered",
			Help: "Devices found by the most recent discovery pass.",
		}),
	}
	reg.MustRegister(
		s.Reconnects, s.WatchdogRestarts, s.DroppedDetections,
		s.SegmentsWritten, s.RecordingsOpen, s.RecordingsClosed,
		s.DiscoveredDevices,
	)
	return s
}
