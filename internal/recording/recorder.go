// Package recording implements C3, the Recording Engine: continuous
// fixed-length MP4 segments or detection-gated clips with pre/post-roll,
// muxed via internal/recording's go-mp4-backed writer. The trigger/event
// handling and thumbnail generation are grounded on SentryShot's
// pkg/monitor.Recorder (other_examples/713a5efb_SentryShot-sentryshot__pkg-monitor-recorder.go.go),
// and the ffmpeg subprocess invocation style on the teacher's
// services.RTSPService.convertRTSPToHLS.
package recording

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/lightnvr/core/internal/config"
	"github.com/lightnvr/core/internal/metrics"
	"github.com/lightnvr/core/internal/nvrerr"
	"github.com/lightnvr/core/internal/recordings"
	"github.com/lightnvr/core/internal/streamtypes"
)

// Engine implements streamtypes.PacketSink for one stream, in either
// continuous mode (fixed-length rollover) or detection-gated mode
// (pre-roll + active recording + post-roll, closing when no further
// detections arrive within post_roll_s).
type Engine struct {
	cfg      config.StreamConfig
	defaults config.Defaults
	dir      string
	store    *recordings.Store
	metrics  *metrics.Set
	log      zerolog.Logger
	ffmpeg   string

	// segmentDurationOverride and postRollOverride let tests exercise
	// rollover/close timing without waiting on whole-second granularity;
	// zero means "derive from cfg/defaults".
	segmentDurationOverride time.Duration
	postRollOverride        time.Duration

	mu           sync.Mutex
	info         streamtypes.StreamInfo
	preRoll      *ring
	active       *session
	lastDetectAt time.Time
	gateOpen     bool
}

type session struct {
	startedAt time.Time
	pkts      []streamtypes.Packet
	lastPTS   time.Duration
	trigger   recordings.Trigger
}

// New builds a recording Engine writing into dir/<stream>/.
func New(log zerolog.Logger, dir string, cfg config.StreamConfig, defaults config.Defaults, store *recordings.Store, m *metrics.Set) *Engine {
	preRollDur := time.Duration(cfg.PreRollS) * time.Second
	return &Engine{
		cfg:      cfg,
		defaults: defaults,
		dir:      filepath.Join(dir, cfg.Name),
		store:    store,
		metrics:  m,
		log:      log.With().Str("stream", cfg.Name).Str("component", "recording").Logger(),
		ffmpeg:   "ffmpeg",
		preRoll:  newRing(preRollDur),
	}
}

// OnPacket implements streamtypes.PacketSink.
func (e *Engine) OnPacket(stream string, pkt streamtypes.Packet, info streamtypes.StreamInfo) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.info = info

	if !e.cfg.RecordEnabled {
		return nil
	}

	if e.cfg.DetectionBased {
		return e.onPacketDetectionGated(pkt)
	}
	return e.onPacketContinuous(pkt)
}

func (e *Engine) onPacketContinuous(pkt streamtypes.Packet) error {
	if e.active == nil {
		if !pkt.KeyFrame {
			return nil // wait for a GOP boundary to open cleanly
		}
		e.active = &session{startedAt: time.Now(), trigger: recordings.TriggerContinuous}
	}

	e.active.pkts = append(e.active.pkts, pkt)
	e.active.lastPTS = pkt.PTS

	segDur := e.segmentDurationOverride
	if segDur <= 0 {
		segDur = time.Duration(e.cfg.RecordDurationS) * time.Second
	}
	if segDur <= 0 {
		segDur = time.Duration(e.defaults.RecordSegmentDurationS) * time.Second
	}

	if len(e.active.pkts) > 1 && pkt.KeyFrame && time.Since(e.active.startedAt) >= segDur {
		return e.closeActiveLocked(recordings.TriggerContinuous)
	}
	return nil
}

// OnDetection signals the detection orchestrator found a match, opening or
// extending a detection-gated recording. Called from outside the packet
// fan-out path, so it takes its own lock.
func (e *Engine) OnDetection(now time.Time) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.lastDetectAt = now
	e.gateOpen = true
}

func (e *Engine) onPacketDetectionGated(pkt streamtypes.Packet) error {
	if e.active == nil {
		e.preRoll.push(pkt)
		if !e.gateOpen || !pkt.KeyFrame {
			return nil
		}
		// Drain includes pkt itself (just pushed above), so the opening
		// keyframe is not appended a second time.
		e.active = &session{startedAt: time.Now(), trigger: recordings.TriggerDetectionGate}
		e.active.pkts = append(e.active.pkts, e.preRoll.drain()...)
		e.active.lastPTS = pkt.PTS
	} else {
		e.active.pkts = append(e.active.pkts, pkt)
		e.active.lastPTS = pkt.PTS
	}

	maxDur := e.defaults.MaxRecordingDuration
	if maxDur > 0 && time.Since(e.active.startedAt) >= maxDur {
		return e.closeActiveLocked(recordings.TriggerMaxDuration)
	}

	postRoll := e.postRollOverride
	if postRoll <= 0 {
		postRoll = time.Duration(e.cfg.PostRollS) * time.Second
	}
	if e.gateOpen && time.Since(e.lastDetectAt) > postRoll {
		e.gateOpen = false
	}
	if !e.gateOpen && time.Since(e.lastDetectAt) > postRoll {
		return e.closeActiveLocked(recordings.TriggerDetectionGate)
	}
	return nil
}

// CheckTimeouts is the periodic (≤5s, per spec.md §4.3) post-roll
// enforcement spec.md §4.3 names as a required operation: onPacketDetectionGated's
// own close check only runs when a new packet arrives, so a session whose
// source stops sending packets entirely (e.g. the camera disconnects mid
// post-roll) would otherwise sit open until the next Flush. The caller is
// expected to invoke this on a short ticker for every detection-gated
// stream.
func (e *Engine) CheckTimeouts(now time.Time) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.active == nil || !e.cfg.DetectionBased {
		return nil
	}

	postRoll := e.postRollOverride
	if postRoll <= 0 {
		postRoll = time.Duration(e.cfg.PostRollS) * time.Second
	}
	if e.gateOpen && now.Sub(e.lastDetectAt) > postRoll {
		e.gateOpen = false
	}
	if !e.gateOpen && now.Sub(e.lastDetectAt) > postRoll {
		return e.closeActiveLocked(recordings.TriggerDetectionGate)
	}
	return nil
}

// closeActiveLocked finalizes the in-flight session to an MP4 file,
// records its metadata, and kicks off thumbnail generation. Caller holds
// e.mu.
func (e *Engine) closeActiveLocked(trigger recordings.Trigger) error {
	sess := e.active
	e.active = nil
	if sess == nil || len(sess.pkts) == 0 {
		return nil
	}

	if err := os.MkdirAll(e.dir, 0o755); err != nil {
		return nvrerr.IO("recording.mkdir", e.dir, err)
	}

	name := sess.startedAt.Format("2006-01-02_15-04-05") + ".mp4"
	path := filepath.Join(e.dir, name)

	if err := muxMP4(path, e.info, sess.pkts); err != nil {
		e.log.Error().Err(err).Str("path", path).Msg("mp4 mux failed")
		return err
	}

	endedAt := sess.startedAt.Add(sess.lastPTS - sess.pkts[0].PTS)
	size := int64(0)
	if fi, err := os.Stat(path); err == nil {
		size = fi.Size()
	}

	meta := &recordings.Metadata{
		StreamName: e.cfg.Name,
		Path:       path,
		StartedAt:  sess.startedAt,
		EndedAt:    endedAt,
		DurationS:  endedAt.Sub(sess.startedAt).Seconds(),
		SizeBytes:  size,
		Trigger:    trigger,
	}

	go e.generateThumbnail(path, sess.pkts[0])

	if e.store != nil {
		if err := e.store.Insert(meta); err != nil {
			e.log.Error().Err(err).Msg("failed to record recording metadata")
		}
	}
	if e.metrics != nil {
		e.metrics.RecordingsClosed.WithLabelValues(e.cfg.Name, string(trigger)).Inc()
	}

	e.log.Info().Str("path", path).Str("trigger", string(trigger)).Msg("recording finalized")
	return nil
}

// generateThumbnail runs ffmpeg on the finished recording file and writes
// its first video frame as a jpeg preview beside it, in the style of
// SentryShot's Recorder.generateThumbnail. The firstKeyframe argument is
// not used; ffmpeg decodes from the file.
func (e *Engine) generateThumbnail(recordingPath string, firstKeyframe streamtypes.Packet) {
	thumbPath := recordingPath + ".jpg"

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	cmd := exec.CommandContext(ctx, e.ffmpeg,
		"-y", "-threads", "1", "-loglevel", "error",
		"-i", recordingPath,
		"-frames:v", "1",
		thumbPath,
	)

	if err := cmd.Run(); err != nil {
		e.log.Warn().Err(err).Str("path", thumbPath).Msg("thumbnail generation failed")
		return
	}
	e.log.Debug().Str("path", thumbPath).Msg("thumbnail generated")
}

// Flush forces the in-flight session (if any) to close, used on stream
// shutdown so no partial segment is lost.
func (e *Engine) Flush() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.active == nil {
		return nil
	}
	return e.closeActiveLocked(recordings.TriggerStreamStopped)
}
