package detect

import (
	"context"
	"fmt"
	"os"
	"sync"
)

// ErrModelUnavailable is returned by LocalDetector.Infer whenever the
// configured model path isn't readable — a stat failure, not an inference
// failure, so the Worker's consecutive-failure counter can distinguish
// "model missing" from "model loaded but inference errored" if a future
// variant needs to.
var ErrModelUnavailable = fmt.Errorf("local detector: model path unreadable")

// InferFunc is the actual in-process inference call. No ML runtime exists
// anywhere in the retrieved example pack (no ONNX/TensorFlow/ncnn
// binding), so LocalDetector takes this as an injected function rather
// than fabricating a model-loading dependency — callers wire in whatever
// embedded model runtime their build supports.
type InferFunc func(ctx context.Context, s Sample) (Result, error)

// LocalDetector is the `Local` variant: in-process inference over an
// embedded model file. It re-checks the model path's readability on every
// call (cheaply, via os.Stat) rather than caching a load error forever, so
// a model file that reappears after being briefly unavailable recovers
// without a restart, per spec.md §4.4's "until the model path becomes
// readable again".
type LocalDetector struct {
	modelPath string
	infer     InferFunc

	mu                sync.Mutex
	lastStatOK        bool
	consecutiveStatErr int
}

// NewLocalDetector builds a LocalDetector that calls infer only while
// modelPath stat-checks cleanly.
func NewLocalDetector(modelPath string, infer InferFunc) *LocalDetector {
	return &LocalDetector{modelPath: modelPath, infer: infer}
}

func (d *LocalDetector) Infer(ctx context.Context, s Sample) (Result, error) {
	if _, err := os.Stat(d.modelPath); err != nil {
		d.mu.Lock()
		d.consecutiveStatErr++
		d.lastStatOK = false
		d.mu.Unlock()
		return Result{}, ErrModelUnavailable
	}
	d.mu.Lock()
	d.lastStatOK = true
	d.consecutiveStatErr = 0
	d.mu.Unlock()

	return d.infer(ctx, s)
}
