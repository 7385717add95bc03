package recording

import (
	"time"

	"github.com/lightnvr/core/internal/streamtypes"
)

// ring is the pre-roll buffer described in spec.md §4.3: it retains enough
// recent packets, back to the most recent keyframe at or before pre_roll_s,
// so a detection-gated recording can open with footage from before the
// triggering event instead of starting cold on the detection frame.
type ring struct {
	maxAge time.Duration
	pkts   []streamtypes.Packet
}

func newRing(maxAge time.Duration) *ring {
	return &ring{maxAge: maxAge}
}

// push appends a packet, then evicts anything older than maxAge measured
// from the newest packet's PTS — but never evicts past the oldest retained
// keyframe, since decoding requires starting from one.
func (r *ring) push(pkt streamtypes.Packet) {
	r.pkts = append(r.pkts, pkt)
	if len(r.pkts) == 0 {
		return
	}
	newest := r.pkts[len(r.pkts)-1].PTS
	cutoff := newest - r.maxAge

	keep := 0
	for i, p := range r.pkts {
		if p.PTS >= cutoff {
			keep = i
			break
		}
		keep = i + 1
	}
	// Walk back to the nearest preceding keyframe so the retained window
	// always starts on a decodable boundary.
	for keep > 0 && !r.pkts[keep].KeyFrame {
		keep--
	}
	r.pkts = r.pkts[keep:]
}

// drain returns the buffered packets and resets the ring to empty — used
// when a detection-gated recording opens and consumes the pre-roll.
func (r *ring) drain() []streamtypes.Packet {
	out := r.pkts
	r.pkts = nil
	return out
}

func (r *ring) reset() {
	r.pkts = nil
}
