package recording

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/lightnvr/core/internal/streamtypes"
)

func TestRingEvictsOldPacketsButKeepsBackToKeyframe(t *testing.T) {
	r := newRing(2 * time.Second)

	r.push(streamtypes.Packet{PTS: 0, KeyFrame: true})
	r.push(streamtypes.Packet{PTS: 500 * time.Millisecond})
	r.push(streamtypes.Packet{PTS: time.Second, KeyFrame: true})
	r.push(streamtypes.Packet{PTS: 3 * time.Second}) // now > 2s old relative to pts=0

	out := r.drain()
	// Oldest retained packet must still be a keyframe.
	assert.True(t, out[0].KeyFrame)
	assert.Equal(t, time.Second, out[0].PTS)
}

func TestRingDrainResets(t *testing.T) {
	r := newRing(time.Second)
	r.push(streamtypes.Packet{PTS: 0, KeyFrame: true})
	_ = r.drain()
	assert.Empty(t, r.pkts)
}

func TestRingResetClears(t *testing.T) {
	r := newRing(time.Second)
	r.push(streamtypes.Packet{PTS: 0, KeyFrame: true})
	r.reset()
	assert.Empty(t, r.pkts)
}
