package detect

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lightnvr/core/internal/streamtypes"
)

func solidFrame(w, h int, value byte) streamtypes.Frame {
	plane := make([]byte, w*h)
	for i := range plane {
		plane[i] = value
	}
	return streamtypes.Frame{Width: w, Height: h, Format: "gray", Planes: [][]byte{plane}}
}

func TestMotionDetectorFirstSampleNeverFires(t *testing.T) {
	d := NewMotionDetector()
	f := solidFrame(16, 16, 50)
	res, err := d.Infer(context.Background(), Sample{Frame: &f, Width: 16, Height: 16})
	require.NoError(t, err)
	assert.Empty(t, res.Boxes)
}

func TestMotionDetectorFlagsLargeChange(t *testing.T) {
	d := NewMotionDetector()
	f1 := solidFrame(16, 16, 20)
	_, err := d.Infer(context.Background(), Sample{Frame: &f1, Width: 16, Height: 16})
	require.NoError(t, err)

	f2 := solidFrame(16, 16, 220) // every block changes by far more than the threshold
	res, err := d.Infer(context.Background(), Sample{Frame: &f2, Width: 16, Height: 16})
	require.NoError(t, err)
	require.Len(t, res.Boxes, 1)
	assert.Equal(t, "motion", res.Boxes[0].Label)
}

func TestMotionDetectorIgnoresSmallChange(t *testing.T) {
	d := NewMotionDetector()
	f1 := solidFrame(16, 16, 100)
	_, err := d.Infer(context.Background(), Sample{Frame: &f1, Width: 16, Height: 16})
	require.NoError(t, err)

	f2 := solidFrame(16, 16, 102) // well under motionBlockChangeThreshold
	res, err := d.Infer(context.Background(), Sample{Frame: &f2, Width: 16, Height: 16})
	require.NoError(t, err)
	assert.Empty(t, res.Boxes)
}

func TestMotionDetectorSegmentScanSampleIsNoop(t *testing.T) {
	d := NewMotionDetector()
	res, err := d.Infer(context.Background(), Sample{Encoded: []byte{1, 2, 3}})
	require.NoError(t, err)
	assert.Empty(t, res.Boxes)
}
