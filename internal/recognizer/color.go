package recognizer

import (
	"fmt"
	"image"
	"log/slog"

	"github.com/andresmejia3/spotter/internal/candidate"
	"github.com/andresmejia3/spotter/internal/geom"
	"github.com/andresmejia3/spotter/internal/params"
)

type colorTarget struct {
	label   string
	roi     geom.Rect
	lo, hi  params.RGB
	minArea int
}

// Color finds 4-connected blobs of pixels inside an RGB box.
type Color struct {
	taskID  string
	logger  *slog.Logger
	targets []colorTarget
	ready   bool
}

// NewColor is the Factory for params.KindColor.
func NewColor(taskID string, logger *slog.Logger) Recognizer {
	return &Color{taskID: taskID, logger: logger}
}

func (c *Color) Initialize(cfg params.Configuration) error {
	p, ok := cfg.Payload.(*params.ColorPayload)
	if !ok {
		return fmt.Errorf("color recognizer: unexpected payload %T", cfg.Payload)
	}
	c.targets = c.targets[:0]
	for _, t := range p.Targets {
		minArea := t.MinArea
		if minArea <= 0 {
			minArea = 1
		}
		c.targets = append(c.targets, colorTarget{
			label:   t.Label,
			roi:     cfg.EffectiveROI(t.Element),
			lo:      t.Lower,
			hi:      t.Upper,
			minArea: minArea,
		})
	}
	c.ready = true
	return nil
}

func (c *Color) Predict(frame image.Image, roi geom.Rect) ([]candidate.Candidate, error) {
	if !c.ready {
		return nil, ErrNotInitialized
	}

	var out []candidate.Candidate
	for idx, t := range c.targets {
		region := t.roi
		if region.IsUnset() {
			region = roi
		}
		region = region.Resolve(frame.Bounds())
		if region.IsUnset() {
			continue
		}
		for _, blob := range findBlobs(frame, region, t.lo, t.hi) {
			if blob.area < t.minArea {
				continue
			}
			out = append(out, candidate.Candidate{
				ClassID: idx,
				Label:   t.label,
				Score:   float64(blob.area) / float64(blob.rect.Area()),
				Scale:   1,
				Rect:    blob.rect,
			})
		}
	}
	candidate.SortByScore(out)
	return out, nil
}

func (c *Color) Release() error {
	c.targets = nil
	c.ready = false
	return nil
}

type blob struct {
	rect geom.Rect
	area int
}

// findBlobs labels matching pixels of region and returns each component's
// bounding box in frame coordinates, in scan order of their first pixel.
func findBlobs(frame image.Image, region geom.Rect, lo, hi params.RGB) []blob {
	w, h := region.W, region.H
	mask := make([]bool, w*h)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			mask[y*w+x] = params.Contains(lo, hi, frame.At(region.X+x, region.Y+y))
		}
	}

	seen := make([]bool, w*h)
	var blobs []blob
	stack := make([]int, 0, 64)
	for start := range mask {
		if !mask[start] || seen[start] {
			continue
		}
		seen[start] = true
		stack = append(stack[:0], start)
		x0, y0, x1, y1 := w, h, -1, -1
		area := 0
		for len(stack) > 0 {
			i := stack[len(stack)-1]
			stack = stack[:len(stack)-1]
			x, y := i%w, i/w
			area++
			x0, y0 = min(x0, x), min(y0, y)
			x1, y1 = max(x1, x), max(y1, y)

			for _, n := range [4][2]int{{x - 1, y}, {x + 1, y}, {x, y - 1}, {x, y + 1}} {
				nx, ny := n[0], n[1]
				if nx < 0 || ny < 0 || nx >= w || ny >= h {
					continue
				}
				j := ny*w + nx
				if mask[j] && !seen[j] {
					seen[j] = true
					stack = append(stack, j)
				}
			}
		}
		blobs = append(blobs, blob{
			rect: geom.R(region.X+x0, region.Y+y0, x1-x0+1, y1-y0+1),
			area: area,
		})
	}
	return blobs
}
