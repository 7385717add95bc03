// Package detect implements C4, the Detection Orchestrator: one long-lived
// worker per stream that gates frames through an at-most-one-in-flight,
// interval, and startup-delay discipline, calls a pluggable Detector, and
// applies zone filtering before feeding survivors to the Recording Engine.
//
// Frame sourcing is mutually exclusive per stream: live-frame mode
// (frames offered by the ingest supervisor as they're decoded) or
// segment-scan mode (keyframes extracted from newly-closed HLS segments,
// see segmentscan.go). Constructing a Worker with both enabled returns
// nvrerr.ConfigInvalid — spec.md §9's open question on this explicitly
// permits forbidding the combination, which is the simpler of the two
// documented options.
package detect

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/lightnvr/core/internal/config"
	"github.com/lightnvr/core/internal/metrics"
	"github.com/lightnvr/core/internal/nvrerr"
	"github.com/lightnvr/core/internal/streamtypes"
)

// Box is a single detection in normalized [0,1] image coordinates.
type Box struct {
	X0, Y0, X1, Y1 float64
	Label          string
	Confidence     float64
}

// Result is what a Detector returns for one Sample.
type Result struct {
	Boxes []Box
}

// Sample is the unit of work handed to a Detector. Exactly one of Frame or
// Encoded is populated: live-frame mode decodes planes itself and sets
// Frame; segment-scan mode extracts a keyframe's compressed NAL payload
// from the TS segment (internal/hlsseg's own muxing output) without
// decoding pixels — no H264 decoder exists anywhere in the retrieved
// example pack, so segment-scan Samples carry Encoded bytes and detector
// variants that need pixel access (Motion) report zero detections rather
// than fabricate a decode step.
type Sample struct {
	Stream        string
	PTS           time.Duration
	Frame         *streamtypes.Frame
	Encoded       []byte
	Width, Height int
}

// Detector is the polymorphic inference interface spec.md §4.4 names:
// Local, HttpApi, Motion, and Onvif variants all implement it.
type Detector interface {
	Infer(ctx context.Context, s Sample) (Result, error)
}

// RecordingSink is the subset of recording.Engine the orchestrator drives.
// Declared here (rather than imported from internal/recording) so detect
// has no compile-time dependency on the recording package's concrete
// type — the two components are wired together by the caller.
type RecordingSink interface {
	OnDetection(now time.Time)
}

// ZoneFilter is the stream's configured zones, applied after inference.
type ZoneFilter struct {
	Zones     []config.Zone
	Threshold float64 // fraction of box area that must fall in a zone
}

// Observer optionally receives every detection cycle's pre-filter boxes,
// satisfying spec.md §4.4's "rejected detections... still emitted to
// observers" (no standalone "observer" component exists among the six, so
// this is the narrow hook a caller — e.g. a future UI or log sink — can
// fill in).
type Observer func(stream string, survivors, rejected []Box)

// Worker runs one stream's detection cadence. Exactly one frame source
// feeds it: OnFrame (live-frame mode) or the segment scanner (see
// segmentscan.go); New refuses to build one with both modes requested.
type Worker struct {
	stream   string
	cfg      config.StreamConfig
	defaults config.Defaults
	detector Detector
	zones    ZoneFilter
	recorder RecordingSink
	metrics  *metrics.Set
	observer Observer
	log      zerolog.Logger

	startedAt time.Time
	inFlight  atomic.Bool
	sampleCh  chan Sample

	mu                      sync.Mutex
	lastRunAt               time.Time
	active                  bool
	lastSurvivorAt          time.Time
	consecutiveLoadFailures int
}

// New builds a Worker for one stream. zones and recorder may be nil/zero
// (no filtering, no recording wiring — useful standalone for tests).
func New(log zerolog.Logger, cfg config.StreamConfig, defaults config.Defaults, detector Detector, zones ZoneFilter, recorder RecordingSink, m *metrics.Set, observer Observer) (*Worker, error) {
	if cfg.LiveFrameDetection && cfg.SegmentScanDetection {
		return nil, nvrerr.Fatal("detect.new", cfg.Name, nvrerr.ConfigInvalid, errLiveAndSegmentScan)
	}
	return &Worker{
		stream:   cfg.Name,
		cfg:      cfg,
		defaults: defaults,
		detector: detector,
		zones:    zones,
		recorder: recorder,
		metrics:  m,
		observer: observer,
		log:      log.With().Str("stream", cfg.Name).Str("component", "detect").Logger(),
		sampleCh: make(chan Sample, 1),
	}, nil
}

var errLiveAndSegmentScan = configError("live-frame and segment-scan detection cannot both be enabled for one stream")

type configError string

func (e configError) Error() string { return string(e) }

// OnFrame implements streamtypes.FrameSink — the live-frame source. Frames
// offered while a detection is in-flight, before the interval has
// elapsed, or during the startup delay are dropped, per spec.md §4.4.
func (w *Worker) OnFrame(stream string, f streamtypes.Frame) error {
	if !w.cfg.LiveFrameDetection {
		return nil
	}
	w.offer(Sample{Stream: stream, PTS: f.PTS, Frame: &f, Width: f.Width, Height: f.Height})
	return nil
}

// offerSegment is called by the segment scanner (segmentscan.go) with an
// extracted keyframe; same gating discipline as OnFrame.
func (w *Worker) offerSegment(s Sample) {
	w.offer(s)
}

func (w *Worker) offer(s Sample) {
	if time.Since(w.startedAt) < w.defaults.DetectionStartupDelay {
		return
	}
	if !w.inFlight.CompareAndSwap(false, true) {
		w.dropped()
		return
	}

	w.mu.Lock()
	interval := time.Duration(w.cfg.RunIntervalS) * time.Second
	elapsed := time.Since(w.lastRunAt)
	w.mu.Unlock()
	if interval > 0 && elapsed < interval {
		w.inFlight.Store(false)
		w.dropped()
		return
	}

	select {
	case w.sampleCh <- s:
	default:
		// Worker loop is between iterations; at-most-one-in-flight means
		// this should not happen in practice, but never block the caller.
		w.inFlight.Store(false)
		w.dropped()
	}
}

func (w *Worker) dropped() {
	if w.metrics != nil {
		w.metrics.DroppedDetections.WithLabelValues(w.stream).Inc()
	}
}

// Run is the worker's long-lived goroutine body: one stream, one thread,
// matching §5's concurrency model. It blocks until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) error {
	if w.startedAt.IsZero() {
		w.startedAt = time.Now()
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		case s := <-w.sampleCh:
			w.process(ctx, s)
		}
	}
}

func (w *Worker) process(ctx context.Context, s Sample) {
	defer w.inFlight.Store(false)

	w.mu.Lock()
	w.lastRunAt = time.Now()
	w.mu.Unlock()

	sample := applyResolutionPolicy(s, w.cfg.DetectorRef)

	result, err := w.detector.Infer(ctx, sample)
	if err != nil {
		w.onInferError(err)
		return
	}
	w.mu.Lock()
	w.consecutiveLoadFailures = 0
	w.mu.Unlock()

	survivors, rejected := filterZones(result.Boxes, w.zones)

	if w.observer != nil {
		w.observer(w.stream, survivors, rejected)
	}

	now := time.Now()
	w.mu.Lock()
	defer w.mu.Unlock()

	if len(survivors) > 0 {
		w.active = true
		w.lastSurvivorAt = now
		if w.recorder != nil {
			w.recorder.OnDetection(now)
		}
		return
	}

	if w.active && now.Sub(w.lastSurvivorAt) >= w.defaults.MotionDebounce {
		w.active = false
		w.log.Debug().Msg("motion ended")
	}
}

// onInferError logs and clears in-flight state without ever propagating a
// supervisor-fatal error, per spec.md §4.4's failure semantics. Local-model
// load failures are counted; after repeated failures the worker keeps
// running but effectively skips inference (the Local detector itself
// reports ErrModelUnavailable cheaply once its model path check fails, so
// this loop never blocks retrying a broken model on every sample).
func (w *Worker) onInferError(err error) {
	w.mu.Lock()
	w.consecutiveLoadFailures++
	n := w.consecutiveLoadFailures
	w.mu.Unlock()

	if n <= localModelFailureLogThreshold {
		w.log.Warn().Err(err).Msg("detector inference failed")
	} else if n == localModelFailureLogThreshold+1 {
		w.log.Warn().Err(err).Int("consecutive_failures", n).Msg("detector repeatedly failing, will keep skipping quietly")
	}
}

const localModelFailureLogThreshold = 3
