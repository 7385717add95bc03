// Package config holds the typed configuration values the core consumes.
// It never parses a file or an environment variable — config-file parsing
// is an explicit external non-goal (spec.md §1) owned by the surrounding
// binary. What lives here are the structs that binary populates and the
// numeric defaults spec.md pins down in §4.
package config

import "time"

// Transport selects how the ingest supervisor dials the RTSP source.
type Transport int

const (
	TransportTCP Transport = iota
	TransportUDP
)

// DetectorRef names which detector variant a stream uses. It is either one
// of the sentinel values below or an opaque reference (a model path or an
// HTTP URL) the caller interprets.
type DetectorRef string

const (
	DetectorLocal   DetectorRef = "local"
	DetectorHttpApi DetectorRef = "http_api"
	DetectorMotion  DetectorRef = "motion"
	DetectorOnvif   DetectorRef = "onvif"
)

// StreamConfig is the identity and ingest/recording/detection policy for one
// camera, per spec.md §3.
type StreamConfig struct {
	Name      string
	URL       string
	Transport Transport
	Enabled   bool

	RecordEnabled     bool
	SegmentDurationS  int // HLS segment duration, default 5
	RecordDurationS   int // MP4 file duration in continuous mode, default 60
	DetectionBased    bool
	PreRollS          int
	PostRollS         int

	DetectorRef          DetectorRef
	ConfidenceThreshold  float64
	RunIntervalS         int
	DetectionAPIURL      string
	ModelPath            string

	// LiveFrameDetection and SegmentScanDetection select §4.4's two frame
	// sources. Mutually exclusive — detect.New rejects a config with both.
	LiveFrameDetection   bool
	SegmentScanDetection bool

	User              string
	Pass              string
	OnvifProfileToken string

	// Declared media shape. Advisory only — never trusted over what the
	// demuxer actually reports.
	Codec  string
	Width  int
	Height int
	FPS    int

	Zones []Zone
}

// Zone is an operator-defined polygon (or rectangle, expressed as a 4-point
// polygon) in normalized [0,1] coordinates constraining which detections
// count, per spec.md §4.4.
type Zone struct {
	Name        string
	Polygon     []Point
	LabelFilter []string // empty = all labels pass
}

// Point is a normalized coordinate in [0,1].
type Point struct {
	X, Y float64
}

// Defaults holds every numeric constant spec.md §4 pins down. Callers start
// from New() and override only what they need.
type Defaults struct {
	// Reconnect policy (§4.1).
	BackoffBase        time.Duration
	BackoffMax         time.Duration
	MaxReconnectAttempt int

	// Liveness watchdog (§4.1).
	WatchdogInterval time.Duration
	PacketTimeout    time.Duration
	RestartCooldown  time.Duration
	MaxRestarts      int

	// Shutdown cooperation (§5).
	StopGrace time.Duration

	// HLS segmenter (§4.2).
	HLSSegmentDurationS int
	PlaylistWindow      int

	// Recording engine (§4.3).
	RecordSegmentDurationS int
	MaxRecordingDuration   time.Duration
	CheckTimeoutInterval   time.Duration

	// Detection orchestrator (§4.4).
	DetectionStartupDelay time.Duration
	ZoneOverlapThreshold  float64
	MotionDebounce        time.Duration

	// ONVIF discovery (§4.6).
	DiscoveryProbeTimeout  time.Duration
	DiscoveryTotalWindow   time.Duration
	DiscoveryMaxRounds     int
	SubscriptionDuration   time.Duration
	SubscriptionMargin     time.Duration
}

// New returns the defaults named throughout spec.md.
func New() Defaults {
	return Defaults{
		BackoffBase:          500 * time.Millisecond,
		BackoffMax:           30 * time.Second,
		MaxReconnectAttempt:  1000,

		WatchdogInterval: 30 * time.Second,
		PacketTimeout:    5 * time.Second,
		RestartCooldown:  5 * time.Minute,
		MaxRestarts:      5,

		StopGrace: 2 * time.Second,

		HLSSegmentDurationS: 5,
		PlaylistWindow:      6,

		RecordSegmentDurationS: 60,
		MaxRecordingDuration:   10 * time.Minute,
		CheckTimeoutInterval:   5 * time.Second,

		DetectionStartupDelay: 10 * time.Second,
		ZoneOverlapThreshold:  0.2,
		MotionDebounce:        2 * time.Second,

		DiscoveryProbeTimeout: 200 * time.Millisecond,
		DiscoveryTotalWindow:  10 * time.Second,
		DiscoveryMaxRounds:    5,
		SubscriptionDuration:  1 * time.Hour,
		SubscriptionMargin:    30 * time.Second,
	}
}
