package recording

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lightnvr/core/internal/config"
	"github.com/lightnvr/core/internal/recordings"
	"github.com/lightnvr/core/internal/streamtypes"
)

func testEngine(t *testing.T, detectionBased bool) (*Engine, string, *recordings.Store) {
	t.Helper()
	dir := t.TempDir()
	store, err := recordings.Open(filepath.Join(dir, "index.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	cfg := config.StreamConfig{
		Name:             "cam1",
		RecordEnabled:    true,
		DetectionBased:   detectionBased,
		RecordDurationS:  0,
		PreRollS:         2,
		PostRollS:        0,
	}
	defaults := config.New()
	defaults.RecordSegmentDurationS = 0

	e := New(zerolog.Nop(), dir, cfg, defaults, store, nil)
	e.ffmpeg = "/bin/true" // avoid depending on a real ffmpeg binary in tests
	return e, dir, store
}

func TestContinuousRecordingOpensOnKeyframe(t *testing.T) {
	e, _, _ := testEngine(t, false)
	info := streamtypes.StreamInfo{Codec: "h264", Width: 640, Height: 480}

	require.NoError(t, e.OnPacket("cam1", streamtypes.Packet{Data: []byte{1}}, info)) // dropped: no keyframe yet
	e.mu.Lock()
	assert.Nil(t, e.active)
	e.mu.Unlock()

	require.NoError(t, e.OnPacket("cam1", streamtypes.Packet{KeyFrame: true, Data: []byte{0, 0, 0, 1, 0x65}}, info))
	e.mu.Lock()
	assert.NotNil(t, e.active)
	e.mu.Unlock()
}

func TestContinuousRecordingRollsOverAndPersistsMetadata(t *testing.T) {
	e, _, store := testEngine(t, false)
	e.cfg.RecordDurationS = 0
	e.defaults.RecordSegmentDurationS = 0
	info := streamtypes.StreamInfo{Codec: "h264", Width: 640, Height: 480}

	require.NoError(t, e.OnPacket("cam1", streamtypes.Packet{KeyFrame: true, PTS: 0, Data: []byte{0, 0, 0, 1, 0x65}}, info))
	time.Sleep(5 * time.Millisecond)
	require.NoError(t, e.OnPacket("cam1", streamtypes.Packet{KeyFrame: true, PTS: time.Second, Data: []byte{0, 0, 0, 1, 0x65, 1}}, info))

	results, err := store.Query("cam1", time.Time{}, time.Now().Add(time.Hour))
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, recordings.TriggerContinuous, results[0].Trigger)
	assert.FileExists(t, results[0].Path)
}

func TestDetectionGatedRecordingUsesPreRollAndClosesAfterPostRoll(t *testing.T) {
	e, _, store := testEngine(t, true)
	e.postRollOverride = 20 * time.Millisecond
	info := streamtypes.StreamInfo{Codec: "h264", Width: 640, Height: 480}

	// Pre-roll packets arrive before any detection.
	require.NoError(t, e.OnPacket("cam1", streamtypes.Packet{KeyFrame: true, PTS: 0, Data: []byte{1}}, info))
	require.NoError(t, e.OnPacket("cam1", streamtypes.Packet{PTS: 100 * time.Millisecond, Data: []byte{2}}, info))

	e.OnDetection(time.Now())

	require.NoError(t, e.OnPacket("cam1", streamtypes.Packet{KeyFrame: true, PTS: 200 * time.Millisecond, Data: []byte{0, 0, 0, 1, 0x65}}, info))
	e.mu.Lock()
	require.NotNil(t, e.active)
	assert.GreaterOrEqual(t, len(e.active.pkts), 3) // pre-roll + trigger packet
	e.mu.Unlock()

	// Still within the post-roll window: the session must stay open.
	require.NoError(t, e.OnPacket("cam1", streamtypes.Packet{PTS: 210 * time.Millisecond, Data: []byte{3}}, info))
	e.mu.Lock()
	require.NotNil(t, e.active)
	e.mu.Unlock()

	time.Sleep(30 * time.Millisecond)
	require.NoError(t, e.OnPacket("cam1", streamtypes.Packet{KeyFrame: true, PTS: 300 * time.Millisecond, Data: []byte{0, 0, 0, 1, 0x65, 2}}, info))

	results, err := store.Query("cam1", time.Time{}, time.Now().Add(time.Hour))
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, recordings.TriggerDetectionGate, results[0].Trigger)
}

func TestFlushClosesInFlightSession(t *testing.T) {
	e, _, store := testEngine(t, false)
	info := streamtypes.StreamInfo{Codec: "h264", Width: 640, Height: 480}

	require.NoError(t, e.OnPacket("cam1", streamtypes.Packet{KeyFrame: true, PTS: 0, Data: []byte{0, 0, 0, 1, 0x65}}, info))
	require.NoError(t, e.Flush())

	results, err := store.Query("cam1", time.Time{}, time.Now().Add(time.Hour))
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, recordings.TriggerStreamStopped, results[0].Trigger)
}

func TestRecordEnabledFalseSkipsRecording(t *testing.T) {
	e, _, _ := testEngine(t, false)
	e.cfg.RecordEnabled = false
	info := streamtypes.StreamInfo{Codec: "h264"}

	require.NoError(t, e.OnPacket("cam1", streamtypes.Packet{KeyFrame: true, Data: []byte{1}}, info))
	e.mu.Lock()
	assert.Nil(t, e.active)
	e.mu.Unlock()
}

