package detect

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/asticode/go-astits"
	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

const videoPID uint16 = 256 // matches internal/hlsseg's PMT elementary PID

// SegmentScanner watches a stream's HLS directory (internal/hlsseg's
// output) for newly-created .ts files. A Create event for seg_NNNN.ts
// means the *previous* segment finished rolling over and is now a closed,
// complete file — hlsseg only creates the next segment after publishing
// the playlist for the one before it — so the scanner feeds that
// predecessor's keyframes to the Worker. Modeled on
// ManuGH-xg2g's internal/proxy.WaitForFile fsnotify usage, generalized
// from "wait for one file" to "watch a directory forever".
type SegmentScanner struct {
	dir    string
	worker *Worker
	log    zerolog.Logger

	lastSeen string
}

func NewSegmentScanner(log zerolog.Logger, dir string, worker *Worker) *SegmentScanner {
	return &SegmentScanner{
		dir:    dir,
		worker: worker,
		log:    log.With().Str("component", "detect.segmentscan").Logger(),
	}
}

// Run watches s.dir until ctx is cancelled. Safe to call only when the
// stream's config sets SegmentScanDetection (the caller is responsible
// for not starting this alongside live-frame mode).
func (s *SegmentScanner) Run(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return err
	}
	if err := watcher.Add(s.dir); err != nil {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if ev.Op&fsnotify.Create == 0 || !strings.HasSuffix(ev.Name, ".ts") {
				continue
			}
			s.onSegmentCreated(ev.Name)
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			s.log.Warn().Err(err).Msg("segment watcher error")
		}
	}
}

func (s *SegmentScanner) onSegmentCreated(newPath string) {
	prev := s.previousSegment(newPath)
	s.lastSeen = newPath
	if prev == "" {
		return // first segment in the session has no predecessor yet
	}

	keyframes, err := extractKeyframes(prev)
	if err != nil {
		s.log.Warn().Err(err).Str("path", prev).Msg("failed to scan segment for keyframes")
		return
	}
	for _, kf := range keyframes {
		s.worker.offerSegment(Sample{Stream: s.worker.stream, PTS: kf.pts, Encoded: kf.data})
	}
}

// previousSegment derives the prior seg_NNNN.ts name by index, falling
// back to whatever was last observed if the naming scheme doesn't match
// (defensive only — internal/hlsseg always names files this way).
func (s *SegmentScanner) previousSegment(newPath string) string {
	dir := filepath.Dir(newPath)
	base := filepath.Base(newPath)
	var idx int
	if _, err := parseSegIndex(base, &idx); err != nil || idx == 0 {
		return s.lastSeen
	}
	candidate := filepath.Join(dir, segName(idx-1))
	if _, err := os.Stat(candidate); err != nil {
		return s.lastSeen
	}
	return candidate
}

func segName(idx int) string {
	return fmt.Sprintf("seg_%08d.ts", idx)
}

func parseSegIndex(base string, out *int) (int, error) {
	const prefix, suffix = "seg_", ".ts"
	if !strings.HasPrefix(base, prefix) || !strings.HasSuffix(base, suffix) {
		return 0, errBadSegmentName
	}
	digits := base[len(prefix) : len(base)-len(suffix)]
	n, err := strconv.Atoi(digits)
	if err != nil {
		return 0, errBadSegmentName
	}
	*out = n
	return n, nil
}

var errBadSegmentName = configError("segment filename doesn't match seg_NNNNNNNN.ts")

type keyframe struct {
	pts  time.Duration
	data []byte
}

// extractKeyframes demuxes a closed .ts segment with go-astits and returns
// each video PES payload flagged as a random-access point. There is no
// H264/H265 decoder anywhere in the retrieved example pack, so this stops
// at "compressed keyframe bytes" rather than decoded pixels — see
// Sample's doc for how that limits segment-scan mode to detector variants
// that don't need a pixel plane.
func extractKeyframes(path string) ([]keyframe, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	dmx := astits.NewDemuxer(context.Background(), f)

	var out []keyframe
	for {
		data, err := dmx.NextData()
		if err != nil {
			if err == io.EOF {
				break
			}
			return out, err
		}
		if data.PES == nil || data.PID != videoPID {
			continue
		}
		if !looksLikeKeyframe(data.PES.Data) {
			continue
		}
		pts := time.Duration(0)
		if data.PES.Header != nil && data.PES.Header.OptionalHeader != nil && data.PES.Header.OptionalHeader.PTS != nil {
			pts = time.Duration(data.PES.Header.OptionalHeader.PTS.Base) * time.Second / 90000
		}
		out = append(out, keyframe{pts: pts, data: data.PES.Data})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].pts < out[j].pts })
	return out, nil
}

// looksLikeKeyframe scans Annex-B NAL units for an IDR slice (type 5),
// the same byte-level check internal/recording's ring buffer relies on
// implicitly via Packet.KeyFrame upstream of the demuxer — here there's
// no upstream flag, since the bytes are coming back out of a muxed
// segment, so the NAL type is inspected directly.
func looksLikeKeyframe(data []byte) bool {
	for i := 0; i+4 < len(data); i++ {
		if data[i] == 0 && data[i+1] == 0 && data[i+2] == 1 {
			nalType := data[i+3] & 0x1F
			if nalType == 5 {
				return true
			}
			i += 3
		}
	}
	return false
}
