package detect

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSegNameAndParseSegIndexRoundTrip(t *testing.T) {
	name := segName(42)
	assert.Equal(t, "seg_00000042.ts", name)

	var idx int
	n, err := parseSegIndex(name, &idx)
	require.NoError(t, err)
	assert.Equal(t, 42, n)
	assert.Equal(t, 42, idx)
}

func TestParseSegIndexRejectsBadNames(t *testing.T) {
	var idx int
	_, err := parseSegIndex("playlist.m3u8", &idx)
	assert.Error(t, err)

	_, err = parseSegIndex("seg_abc.ts", &idx)
	assert.Error(t, err)
}

func TestLooksLikeKeyframeDetectsIDRNal(t *testing.T) {
	nonIDR := []byte{0, 0, 0, 1, 0x01, 0xAA, 0xBB} // nal_type 1
	assert.False(t, looksLikeKeyframe(nonIDR))

	idr := []byte{0, 0, 0, 1, 0x65, 0xAA, 0xBB} // nal_type 5
	assert.True(t, looksLikeKeyframe(idr))
}
