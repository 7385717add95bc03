package detect

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"image"
	"image/jpeg"
	"net/http"
	"time"
)

// apiBox is the wire shape a configured HTTP detection endpoint returns:
// a JSON list of boxes in normalized coordinates, each "box" being
// [x0, y0, x1, y1].
type apiBox struct {
	Box        [4]float64 `json:"box"`
	Label      string     `json:"label"`
	Confidence float64    `json:"confidence"`
}

// HttpApiDetector is the `HttpApi` variant: POSTs the sample JPEG-encoded
// to a configured URL and applies the confidence threshold client-side,
// per spec.md §4.4.
type HttpApiDetector struct {
	url       string
	threshold float64
	client    *http.Client
}

func NewHttpApiDetector(url string, threshold float64) *HttpApiDetector {
	return &HttpApiDetector{
		url:       url,
		threshold: threshold,
		client:    &http.Client{Timeout: 5 * time.Second},
	}
}

func (d *HttpApiDetector) Infer(ctx context.Context, s Sample) (Result, error) {
	if s.Frame == nil {
		// Segment-scan mode has no decoded plane to JPEG-encode; encoded
		// H264 bytes aren't a format this endpoint understands.
		return Result{}, nil
	}

	jpegBytes, err := encodeGrayJPEG(s.Frame.Planes[0], s.Width, s.Height)
	if err != nil {
		return Result{}, fmt.Errorf("detect.httpapi: encode jpeg: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.url, bytes.NewReader(jpegBytes))
	if err != nil {
		return Result{}, fmt.Errorf("detect.httpapi: build request: %w", err)
	}
	req.Header.Set("Content-Type", "image/jpeg")

	resp, err := d.client.Do(req)
	if err != nil {
		return Result{}, fmt.Errorf("detect.httpapi: request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return Result{}, fmt.Errorf("detect.httpapi: unexpected status %d", resp.StatusCode)
	}

	var boxes []apiBox
	if err := json.NewDecoder(resp.Body).Decode(&boxes); err != nil {
		return Result{}, fmt.Errorf("detect.httpapi: decode response: %w", err)
	}

	var out []Box
	for _, b := range boxes {
		if b.Confidence < d.threshold {
			continue
		}
		out = append(out, Box{X0: b.Box[0], Y0: b.Box[1], X1: b.Box[2], Y1: b.Box[3], Label: b.Label, Confidence: b.Confidence})
	}
	return Result{Boxes: out}, nil
}

// encodeGrayJPEG wraps a luma plane as a grayscale JPEG — the frame's
// chroma is never transmitted since every detector this core supports
// only consumes luma (see resolution.go's frameToGray), so sending the
// full color plane would just cost bandwidth for no client benefit.
func encodeGrayJPEG(luma []byte, width, height int) ([]byte, error) {
	img := image.NewGray(image.Rect(0, 0, width, height))
	if len(luma) >= width*height {
		copy(img.Pix, luma[:width*height])
	}
	buf := &bytes.Buffer{}
	if err := jpeg.Encode(buf, img, &jpeg.Options{Quality: 85}); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
