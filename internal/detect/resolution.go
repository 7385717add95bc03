package detect

import (
	"image"
	"image/draw"

	xdraw "golang.org/x/image/draw"

	"github.com/lightnvr/core/internal/config"
	"github.com/lightnvr/core/internal/streamtypes"
)

// downscaleFactor is the per-variant integer downscale spec.md §4.4 calls
// for ("a factor that depends on the detector variant"): heavier
// detectors get a more aggressive reduction before the resolution-
// sensitive cost of inference is paid.
func downscaleFactor(ref config.DetectorRef) int {
	switch ref {
	case config.DetectorLocal:
		return 2
	case config.DetectorHttpApi:
		return 1 // already JPEG-compressed over the wire; let the server decide
	case config.DetectorMotion:
		return 4 // the heuristic only needs coarse luma blocks
	default:
		return 1
	}
}

// applyResolutionPolicy returns a copy of s whose Frame is a downscaled
// gray copy (by a variant-dependent integer factor, dimensions forced
// even), used before Infer is called; the caller's s.Frame is not
// modified. Encoded-only samples (segment-scan mode) pass through
// unchanged — there's no pixel buffer to resize.
func applyResolutionPolicy(s Sample, ref config.DetectorRef) Sample {
	if s.Frame == nil {
		return s
	}
	factor := downscaleFactor(ref)
	if factor <= 1 {
		return s
	}
	gray := frameToGray(*s.Frame)
	scaled := downscaleGray(gray, factor)
	out := s
	out.Width = scaled.Bounds().Dx()
	out.Height = scaled.Bounds().Dy()
	newFrame := *s.Frame
	newFrame.Width = out.Width
	newFrame.Height = out.Height
	newFrame.Format = "gray"
	newFrame.Planes = [][]byte{scaled.Pix}
	out.Frame = &newFrame
	return out
}

// frameToGray builds an image.Gray from a Frame's first plane, treating it
// as luma regardless of declared Format — every detector variant here
// either only needs luma (Motion) or re-encodes to JPEG anyway (HttpApi),
// so chroma planes are never consulted.
func frameToGray(f streamtypes.Frame) *image.Gray {
	img := image.NewGray(image.Rect(0, 0, f.Width, f.Height))
	if len(f.Planes) > 0 && len(f.Planes[0]) >= f.Width*f.Height {
		copy(img.Pix, f.Planes[0][:f.Width*f.Height])
	}
	return img
}

// downscaleGray shrinks img by an integer factor, forcing even output
// dimensions (spec.md §4.4), using x/image/draw's bilinear scaler — the
// same package jmylchreest-tvarr pulls in for its image pipeline.
func downscaleGray(img *image.Gray, factor int) *image.Gray {
	b := img.Bounds()
	w := evenFloor(b.Dx() / factor)
	h := evenFloor(b.Dy() / factor)
	if w <= 0 {
		w = 2
	}
	if h <= 0 {
		h = 2
	}
	dst := image.NewGray(image.Rect(0, 0, w, h))
	xdraw.ApproxBiLinear.Scale(dst, dst.Bounds(), img, b, draw.Over, nil)
	return dst
}

func evenFloor(n int) int {
	if n%2 != 0 {
		n--
	}
	return n
}
