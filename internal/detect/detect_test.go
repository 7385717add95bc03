package detect

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lightnvr/core/internal/config"
	"github.com/lightnvr/core/internal/nvrerr"
	"github.com/lightnvr/core/internal/streamtypes"
)

// countingDetector always reports one survivor box and counts calls,
// optionally blocking until release is closed to simulate slow inference.
type countingDetector struct {
	calls   int32
	release chan struct{}
	box     Box
}

func (d *countingDetector) Infer(ctx context.Context, s Sample) (Result, error) {
	atomic.AddInt32(&d.calls, 1)
	if d.release != nil {
		<-d.release
	}
	return Result{Boxes: []Box{d.box}}, nil
}

type recordingSinkStub struct {
	mu    sync.Mutex
	calls []time.Time
}

func (r *recordingSinkStub) OnDetection(now time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, now)
}

func (r *recordingSinkStub) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.calls)
}

func testCfg() config.StreamConfig {
	return config.StreamConfig{Name: "cam1", RunIntervalS: 0}
}

func TestNewRejectsBothModesEnabled(t *testing.T) {
	cfg := testCfg()
	cfg.LiveFrameDetection = true
	cfg.SegmentScanDetection = true
	_, err := New(zerolog.Nop(), cfg, config.New(), &countingDetector{}, ZoneFilter{}, nil, nil, nil)
	require.Error(t, err)
	nerr, ok := err.(*nvrerr.Error)
	require.True(t, ok)
	assert.Equal(t, nvrerr.KindFatal, nerr.Kind)
	assert.Equal(t, nvrerr.ConfigInvalid, nerr.Sub)
}

func TestWorkerDropsFrameWhileInFlight(t *testing.T) {
	cfg := testCfg()
	cfg.LiveFrameDetection = true
	det := &countingDetector{release: make(chan struct{})}
	sink := &recordingSinkStub{}
	w, err := New(zerolog.Nop(), cfg, config.New(), det, ZoneFilter{}, sink, nil, nil)
	require.NoError(t, err)
	w.startedAt = time.Now().Add(-time.Hour) // past the startup delay

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go w.Run(ctx)

	f := streamtypes.Frame{Width: 8, Height: 8, Planes: [][]byte{make([]byte, 64)}}
	require.NoError(t, w.OnFrame("cam1", f))
	time.Sleep(10 * time.Millisecond) // let Run pick it up; detector now blocked on release

	require.NoError(t, w.OnFrame("cam1", f)) // dropped: in-flight

	close(det.release)
	time.Sleep(20 * time.Millisecond)

	assert.EqualValues(t, 1, atomic.LoadInt32(&det.calls))
}

func TestWorkerCallsRecorderOnSurvivor(t *testing.T) {
	cfg := testCfg()
	cfg.LiveFrameDetection = true
	det := &countingDetector{box: Box{X0: 0, Y0: 0, X1: 1, Y1: 1, Label: "person"}}
	sink := &recordingSinkStub{}
	w, err := New(zerolog.Nop(), cfg, config.New(), det, ZoneFilter{}, sink, nil, nil)
	require.NoError(t, err)
	w.startedAt = time.Now().Add(-time.Hour)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go w.Run(ctx)

	f := streamtypes.Frame{Width: 8, Height: 8, Planes: [][]byte{make([]byte, 64)}}
	require.NoError(t, w.OnFrame("cam1", f))
	time.Sleep(20 * time.Millisecond)

	assert.Equal(t, 1, sink.count())
}

func TestWorkerDropsDuringStartupDelay(t *testing.T) {
	cfg := testCfg()
	cfg.LiveFrameDetection = true
	det := &countingDetector{box: Box{Label: "person"}}
	defaults := config.New()
	defaults.DetectionStartupDelay = time.Hour
	w, err := New(zerolog.Nop(), cfg, defaults, det, ZoneFilter{}, nil, nil, nil)
	require.NoError(t, err)
	w.startedAt = time.Now() // fresh start, well inside the 1h startup delay

	f := streamtypes.Frame{Width: 8, Height: 8, Planes: [][]byte{make([]byte, 64)}}
	require.NoError(t, w.OnFrame("cam1", f))
	time.Sleep(10 * time.Millisecond)

	assert.EqualValues(t, 0, atomic.LoadInt32(&det.calls))
}

func TestWorkerIgnoresFrameWhenLiveFrameDisabled(t *testing.T) {
	cfg := testCfg() // LiveFrameDetection left false
	det := &countingDetector{}
	w, err := New(zerolog.Nop(), cfg, config.New(), det, ZoneFilter{}, nil, nil, nil)
	require.NoError(t, err)

	f := streamtypes.Frame{Width: 8, Height: 8, Planes: [][]byte{make([]byte, 64)}}
	require.NoError(t, w.OnFrame("cam1", f))
	time.Sleep(10 * time.Millisecond)
	assert.EqualValues(t, 0, atomic.LoadInt32(&det.calls))
}
