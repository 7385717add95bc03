package detect

import (
	"context"
	"sync"
)

// Fixed, documented motion-heuristic constants (SPEC_FULL.md §14 decision
// #3): deterministic 8x8 luma-block mean-absolute-difference comparison
// against the previous sample, so the same input sequence always produces
// the same verdict.
const (
	motionBlockSize             = 8
	motionBlockChangeThreshold  = 20.0 // per-block mean abs luma delta to count a block "changed"
	motionBlockFractionRequired = 0.05 // fraction of blocks that must change to report whole-frame motion
)

// MotionDetector is the `Motion` variant: a frame-difference heuristic
// that emits one whole-frame box when movement exceeds a threshold. It
// keeps per-stream previous-block-mean state, so one instance must not be
// shared across streams (Worker owns one per stream, matching every other
// detector variant's lifetime).
type MotionDetector struct {
	mu   sync.Mutex
	prev [][]float64 // block-mean grid from the previous sample, nil until the first
}

// NewMotionDetector builds a fresh, stateless-until-first-sample detector.
func NewMotionDetector() *MotionDetector {
	return &MotionDetector{}
}

func (d *MotionDetector) Infer(_ context.Context, s Sample) (Result, error) {
	if s.Frame == nil {
		// Segment-scan mode hands us compressed NAL bytes with no decoded
		// luma plane to diff; motion can't evaluate that, so it reports
		// "no movement" rather than fabricate a decode (see Sample's doc).
		return Result{}, nil
	}

	grid := blockMeans(s.Frame.Planes[0], s.Width, s.Height)

	d.mu.Lock()
	prev := d.prev
	d.prev = grid
	d.mu.Unlock()

	if prev == nil || len(prev) != len(grid) {
		return Result{}, nil // first sample (or a resolution change): nothing to diff against
	}

	changed, total := 0, 0
	for y := range grid {
		for x := range grid[y] {
			total++
			delta := grid[y][x] - prev[y][x]
			if delta < 0 {
				delta = -delta
			}
			if delta >= motionBlockChangeThreshold {
				changed++
			}
		}
	}
	if total == 0 || float64(changed)/float64(total) < motionBlockFractionRequired {
		return Result{}, nil
	}

	return Result{Boxes: []Box{{X0: 0, Y0: 0, X1: 1, Y1: 1, Label: "motion", Confidence: float64(changed) / float64(total)}}}, nil
}

// blockMeans divides the luma plane into motionBlockSize x motionBlockSize
// blocks (the last row/column truncated rather than padded) and returns
// each block's mean pixel value.
func blockMeans(luma []byte, width, height int) [][]float64 {
	if width <= 0 || height <= 0 || len(luma) < width*height {
		return nil
	}
	rows := (height + motionBlockSize - 1) / motionBlockSize
	cols := (width + motionBlockSize - 1) / motionBlockSize
	grid := make([][]float64, rows)

	for by := 0; by < rows; by++ {
		grid[by] = make([]float64, cols)
		for bx := 0; bx < cols; bx++ {
			sum, count := 0, 0
			y0, y1 := by*motionBlockSize, min(height, (by+1)*motionBlockSize)
			x0, x1 := bx*motionBlockSize, min(width, (bx+1)*motionBlockSize)
			for y := y0; y < y1; y++ {
				row := y * width
				for x := x0; x < x1; x++ {
					sum += int(luma[row+x])
					count++
				}
			}
			if count > 0 {
				grid[by][bx] = float64(sum) / float64(count)
			}
		}
	}
	return grid
}
