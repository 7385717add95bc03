package hlsseg

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lightnvr/core/internal/config"
	"github.com/lightnvr/core/internal/streamtypes"
)

func testSegmenter(t *testing.T) (*Segmenter, string) {
	t.Helper()
	dir := t.TempDir()
	cfg := config.StreamConfig{Name: "cam1", SegmentDurationS: 0}
	defaults := config.New()
	defaults.HLSSegmentDurationS = 1
	defaults.PlaylistWindow = 2
	s := New(zerolog.Nop(), dir, cfg, defaults)
	return s, dir
}

func TestSegmenterWritesFirstSegmentAndPlaylist(t *testing.T) {
	s, dir := testSegmenter(t)
	info := streamtypes.StreamInfo{Codec: "h264"}

	require.NoError(t, s.OnPacket("cam1", streamtypes.Packet{KeyFrame: true, Data: []byte{0, 0, 0, 1, 0x65}}, info))
	require.NoError(t, s.OnPacket("cam1", streamtypes.Packet{Data: []byte{0, 0, 0, 1, 0x41}}, info))
	require.NoError(t, s.Close())

	entries, err := os.ReadDir(filepath.Join(dir, "cam1"))
	require.NoError(t, err)
	assert.GreaterOrEqual(t, len(entries), 2) // one .ts + stream.m3u8

	playlist, err := os.ReadFile(filepath.Join(dir, "cam1", "stream.m3u8"))
	require.NoError(t, err)
	assert.Contains(t, string(playlist), "#EXTM3U")
	assert.Contains(t, string(playlist), "#EXT-X-TARGETDURATION")
}

func TestSegmenterRollsOverOnKeyframeAfterTargetDuration(t *testing.T) {
	s, dir := testSegmenter(t)
	s.targetDur = 5 * time.Millisecond
	info := streamtypes.StreamInfo{Codec: "h264"}

	require.NoError(t, s.OnPacket("cam1", streamtypes.Packet{KeyFrame: true, Data: []byte{1}}, info))
	time.Sleep(10 * time.Millisecond)
	require.NoError(t, s.OnPacket("cam1", streamtypes.Packet{KeyFrame: true, Data: []byte{2}}, info))
	require.NoError(t, s.Close())

	s.mu.Lock()
	segCount := len(s.segments)
	s.mu.Unlock()
	assert.GreaterOrEqual(t, segCount, 1)

	entries, err := os.ReadDir(filepath.Join(dir, "cam1"))
	require.NoError(t, err)
	tsCount := 0
	for _, e := range entries {
		if filepath.Ext(e.Name()) == ".ts" {
			tsCount++
		}
	}
	assert.GreaterOrEqual(t, tsCount, 2)
}

func TestSegmenterPrunesWindow(t *testing.T) {
	s, dir := testSegmenter(t)
	s.targetDur = time.Millisecond
	s.window = 1
	info := streamtypes.StreamInfo{Codec: "h264"}

	for i := 0; i < 4; i++ {
		require.NoError(t, s.OnPacket("cam1", streamtypes.Packet{KeyFrame: true, Data: []byte{byte(i)}}, info))
		time.Sleep(2 * time.Millisecond)
	}
	require.NoError(t, s.Close())

	s.mu.Lock()
	segCount := len(s.segments)
	deleted := s.deletedCnt
	s.mu.Unlock()
	assert.LessOrEqual(t, segCount, 2)
	assert.Greater(t, deleted, uint64(0))

	_ = dir
}
