package reference

import (
	"math"

	"github.com/andresmejia3/spotter/internal/geom"
)

// Projection is the outcome of a location calibration: where the inference
// region and its children sit in the current frame, and at what scale.
type Projection struct {
	Scale     float64
	Inference geom.Rect
	Children  []geom.Rect
}

// closestPair returns the canonical point indices (i on a, j on b) at the
// smallest distance. Ties keep the first pair in row-major order.
func closestPair(a, b geom.Rect) (int, int) {
	pa, pb := a.Canonical(), b.Canonical()
	bi, bj, best := 0, 0, math.Inf(1)
	for i := range pa {
		for j := range pb {
			if d := pa[i].Dist(pb[j]); d < best {
				bi, bj, best = i, j, d
			}
		}
	}
	return bi, bj
}

// sizeRatio is the mean of the per-axis ratios of measured to configured size.
func sizeRatio(measured, configured geom.Rect) float64 {
	sx := float64(measured.W) / float64(configured.W)
	sy := float64(measured.H) / float64(configured.H)
	return (sx + sy) / 2
}

// Project places the inference region relative to the found anchor.
//
// The pairing of closest canonical points between the configured anchor and
// the inference region fixes which point of the inference region follows
// which point of the anchor; the offset between them and every size is
// multiplied by the anchor's measured scale.
func Project(e Entry, found geom.Rect) Projection {
	s := sizeRatio(found, e.CalibrationRegion)
	cal, inf := e.CalibrationRegion, e.InferenceRegion

	i, j := closestPair(cal, inf)
	offset := inf.Canonical()[j].Sub(cal.Canonical()[i])
	anchor := found.Canonical()[i].Add(offset.Mul(s))

	w, h := float64(inf.W)*s, float64(inf.H)*s
	origin := anchor.Sub(geom.CanonicalOffset(j, w, h))

	p := Projection{
		Scale:     s,
		Inference: geom.Round(origin.X, origin.Y, w, h),
	}
	for _, c := range e.Children {
		cx := origin.X + float64(c.X-inf.X)*s
		cy := origin.Y + float64(c.Y-inf.Y)*s
		p.Children = append(p.Children, geom.Round(cx, cy, float64(c.W)*s, float64(c.H)*s))
	}
	return p
}

// MeasureLength is the scale a length reference derives from its match.
func MeasureLength(e Entry, found geom.Rect) float64 {
	if e.Axis == Height {
		return float64(found.H) / float64(e.CalibrationRegion.H)
	}
	return float64(found.W) / float64(e.CalibrationRegion.W)
}

// regionFor is the rectangle the k-th listed element receives.
func (p Projection) regionFor(k int) geom.Rect {
	if k < len(p.Children) {
		return p.Children[k]
	}
	return p.Inference
}
