// Package geom holds the integer rectangle and point primitives shared by
// recognizers, calibration and result aggregation.
package geom

import (
	"fmt"
	"image"
	"math"
)

// Rect is an axis-aligned rectangle in frame pixel coordinates.
type Rect struct {
	X int `json:"x" yaml:"x" mapstructure:"x"`
	Y int `json:"y" yaml:"y" mapstructure:"y"`
	W int `json:"w" yaml:"w" mapstructure:"w"`
	H int `json:"h" yaml:"h" mapstructure:"h"`
}

// Unset marks a ROI that was never configured; recognizers search the whole frame.
var Unset = Rect{}

// R is shorthand for building a Rect.
func R(x, y, w, h int) Rect {
	return Rect{X: x, Y: y, W: w, H: h}
}

// IsUnset reports whether r carries no usable area.
func (r Rect) IsUnset() bool {
	return r.W <= 0 || r.H <= 0
}

func (r Rect) Area() int {
	if r.IsUnset() {
		return 0
	}
	return r.W * r.H
}

func (r Rect) Right() int { return r.X + r.W }
func (r Rect) Bottom() int { return r.Y + r.H }

// Intersect returns the overlapping region, or Unset when there is none.
func (r Rect) Intersect(o Rect) Rect {
	x0 := max(r.X, o.X)
	y0 := max(r.Y, o.Y)
	x1 := min(r.Right(), o.Right())
	y1 := min(r.Bottom(), o.Bottom())
	if x1 <= x0 || y1 <= y0 {
		return Unset
	}
	return Rect{X: x0, Y: y0, W: x1 - x0, H: y1 - y0}
}

// IoU is the intersection-over-union overlap ratio in [0,1].
func (r Rect) IoU(o Rect) float64 {
	inter := r.Intersect(o).Area()
	if inter == 0 {
		return 0
	}
	union := r.Area() + o.Area() - inter
	if union <= 0 {
		return 0
	}
	return float64(inter) / float64(union)
}

// Resolve maps r onto bounds: Unset expands to the full bounds, anything else
// is clipped to them.
func (r Rect) Resolve(bounds image.Rectangle) Rect {
	b := FromImage(bounds)
	if r.IsUnset() {
		return b
	}
	return r.Intersect(b)
}

// Image converts to the standard library rectangle.
func (r Rect) Image() image.Rectangle {
	return image.Rect(r.X, r.Y, r.X+r.W, r.Y+r.H)
}

// FromImage converts a standard library rectangle.
func FromImage(b image.Rectangle) Rect {
	return Rect{X: b.Min.X, Y: b.Min.Y, W: b.Dx(), H: b.Dy()}
}

func (r Rect) String() string {
	return fmt.Sprintf("(%d,%d,%d,%d)", r.X, r.Y, r.W, r.H)
}

// Point is a sub-pixel position used during calibration.
type Point struct {
	X, Y float64
}

func (p Point) Sub(o Point) Point { return Point{X: p.X - o.X, Y: p.Y - o.Y} }
func (p Point) Add(o Point) Point { return Point{X: p.X + o.X, Y: p.Y + o.Y} }
func (p Point) Mul(s float64) Point { return Point{X: p.X * s, Y: p.Y * s} }
func (p Point) Dist(o Point) float64 { return math.Hypot(p.X-o.X, p.Y-o.Y) }

// NumCanonical is the number of canonical points per rectangle.
const NumCanonical = 9

// Canonical returns the 4 corners, 4 edge midpoints and the center, row-major
// from top-left to bottom-right.
func (r Rect) Canonical() [NumCanonical]Point {
	var pts [NumCanonical]Point
	xs := [3]float64{float64(r.X), float64(r.X) + float64(r.W)/2, float64(r.Right())}
	ys := [3]float64{float64(r.Y), float64(r.Y) + float64(r.H)/2, float64(r.Bottom())}
	for row := 0; row < 3; row++ {
		for col := 0; col < 3; col++ {
			pts[row*3+col] = Point{X: xs[col], Y: ys[row]}
		}
	}
	return pts
}

// CanonicalOffset is the displacement of canonical point idx from the top-left
// corner of a w x h rectangle.
func CanonicalOffset(idx int, w, h float64) Point {
	return Point{X: float64(idx%3) * w / 2, Y: float64(idx/3) * h / 2}
}

// Round converts a float rectangle to integer pixels.
func Round(x, y, w, h float64) Rect {
	return Rect{
		X: int(math.Round(x)),
		Y: int(math.Round(y)),
		W: int(math.Round(w)),
		H: int(math.Round(h)),
	}
}
