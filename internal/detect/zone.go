package detect

import "github.com/lightnvr/core/internal/config"

// filterZones splits detector boxes into survivors and rejects per
// spec.md §4.4: a box survives iff it overlaps at least one zone's
// polygon by an area fraction >= the configured threshold AND its label
// passes that zone's allowlist (empty allowlist = all labels pass). An
// empty zone list passes everything — "no zones configured" means no
// filtering, not "nothing survives".
func filterZones(boxes []Box, zf ZoneFilter) (survivors, rejected []Box) {
	if len(zf.Zones) == 0 {
		return boxes, nil
	}
	threshold := zf.Threshold
	if threshold <= 0 {
		threshold = 0.2
	}

	for _, b := range boxes {
		kept := false
		for _, z := range zf.Zones {
			if !labelAllowed(b.Label, z.LabelFilter) {
				continue
			}
			if boxZoneOverlapFraction(b, z.Polygon) >= threshold {
				kept = true
				break
			}
		}
		if kept {
			survivors = append(survivors, b)
		} else {
			rejected = append(rejected, b)
		}
	}
	return survivors, rejected
}

func labelAllowed(label string, allow []string) bool {
	if len(allow) == 0 {
		return true
	}
	for _, l := range allow {
		if l == label {
			return true
		}
	}
	return false
}

// boxZoneOverlapFraction returns the fraction of b's area that falls
// inside the polygon, clipping b (an axis-aligned rectangle) against the
// polygon with Sutherland-Hodgman. Zones are operator-drawn and assumed
// convex, per spec.md §4.4's "polygon (or rectangle)" framing; either
// winding order is accepted. For a concave zone the result is not exact.
func boxZoneOverlapFraction(b Box, polygon []config.Point) float64 {
	if len(polygon) < 3 {
		return 0
	}
	boxArea := (b.X1 - b.X0) * (b.Y1 - b.Y0)
	if boxArea <= 0 {
		return 0
	}

	// sutherlandHodgman keeps the left side of each edge, which is the
	// inside only for a counter-clockwise polygon; reverse a clockwise one.
	signed := 0.0
	for i := range polygon {
		j := (i + 1) % len(polygon)
		signed += polygon[i].X*polygon[j].Y - polygon[j].X*polygon[i].Y
	}
	if signed < 0 {
		rev := make([]config.Point, len(polygon))
		for i, p := range polygon {
			rev[len(polygon)-1-i] = p
		}
		polygon = rev
	}

	rect := []config.Point{
		{X: b.X0, Y: b.Y0},
		{X: b.X1, Y: b.Y0},
		{X: b.X1, Y: b.Y1},
		{X: b.X0, Y: b.Y1},
	}

	clipped := sutherlandHodgman(rect, polygon)
	return polygonArea(clipped) / boxArea
}

// sutherlandHodgman clips subject against each edge of a convex clip
// polygon in turn, returning the resulting (possibly empty) polygon.
func sutherlandHodgman(subject, clip []config.Point) []config.Point {
	output := subject
	for i := range clip {
		if len(output) == 0 {
			return output
		}
		a := clip[i]
		c := clip[(i+1)%len(clip)]
		input := output
		output = nil
		for j := range input {
			cur := input[j]
			prev := input[(j-1+len(input))%len(input)]
			curInside := isLeft(a, c, cur) >= 0
			prevInside := isLeft(a, c, prev) >= 0
			if curInside {
				if !prevInside {
					output = append(output, lineIntersect(prev, cur, a, c))
				}
				output = append(output, cur)
			} else if prevInside {
				output = append(output, lineIntersect(prev, cur, a, c))
			}
		}
	}
	return output
}

func isLeft(a, b, p config.Point) float64 {
	return (b.X-a.X)*(p.Y-a.Y) - (b.Y-a.Y)*(p.X-a.X)
}

func lineIntersect(p1, p2, a, b config.Point) config.Point {
	d1x, d1y := p2.X-p1.X, p2.Y-p1.Y
	d2x, d2y := b.X-a.X, b.Y-a.Y
	denom := d1x*d2y - d1y*d2x
	if denom == 0 {
		return p1
	}
	t := ((a.X-p1.X)*d2y - (a.Y-p1.Y)*d2x) / denom
	return config.Point{X: p1.X + t*d1x, Y: p1.Y + t*d1y}
}

func polygonArea(pts []config.Point) float64 {
	if len(pts) < 3 {
		return 0
	}
	sum := 0.0
	for i := range pts {
		j := (i + 1) % len(pts)
		sum += pts[i].X*pts[j].Y - pts[j].X*pts[i].Y
	}
	if sum < 0 {
		sum = -sum
	}
	return sum / 2
}
