package detect

import (
	"context"
	"time"
)

// OnvifMotionSource reports whether a camera has signalled a motion event
// since a given time. internal/onvifdisco's subscription cache implements
// this; detect only depends on the narrow interface so the two components
// don't import each other — the caller that wires up a stream's detection
// worker supplies the concrete source.
type OnvifMotionSource interface {
	MotionSince(cameraURL string, since time.Time) bool
}

// OnvifDetector is the `Onvif` variant: rather than running inference
// itself, it asks the camera (via C6's pulled SOAP events) whether motion
// fired recently and, on a match, emits one whole-frame box labelled
// "motion" — mirroring spec.md §4.4's description of this variant.
type OnvifDetector struct {
	cameraURL string
	source    OnvifMotionSource
	lastCheck time.Time
}

func NewOnvifDetector(cameraURL string, source OnvifMotionSource) *OnvifDetector {
	return &OnvifDetector{cameraURL: cameraURL, source: source, lastCheck: time.Now()}
}

func (d *OnvifDetector) Infer(_ context.Context, _ Sample) (Result, error) {
	since := d.lastCheck
	d.lastCheck = time.Now()

	if d.source == nil || !d.source.MotionSince(d.cameraURL, since) {
		return Result{}, nil
	}
	return Result{Boxes: []Box{{X0: 0, Y0: 0, X1: 1, Y1: 1, Label: "motion", Confidence: 1}}}, nil
}
