package recognizer

import (
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"log/slog"
	"math"
	"os"

	xdraw "golang.org/x/image/draw"

	"github.com/andresmejia3/spotter/internal/candidate"
	"github.com/andresmejia3/spotter/internal/geom"
	"github.com/andresmejia3/spotter/internal/params"
)

const (
	defaultMatchThreshold = 0.8
	defaultMatchOverlap   = 0.3
	defaultMaxHits        = 8
)

// scaledTemplate is one template rendered at one scale with its statistics
// precomputed for normalized cross-correlation.
type scaledTemplate struct {
	scale  float64
	w, h   int
	pix    []float64
	mean   float64
	sumVar float64 // sum of squared deviations from mean
}

type templateElement struct {
	label  string
	roi    geom.Rect
	scales []scaledTemplate
}

// Template matches grayscale templates by normalized cross-correlation over
// every configured scale level.
type Template struct {
	taskID    string
	logger    *slog.Logger
	elements  []templateElement
	threshold float64
	overlap   float64
	maxHits   int
	ready     bool
}

// NewTemplate is the Factory for params.KindTemplate.
func NewTemplate(taskID string, logger *slog.Logger) Recognizer {
	return &Template{taskID: taskID, logger: logger}
}

func (t *Template) Initialize(cfg params.Configuration) error {
	p, ok := cfg.Payload.(*params.TemplatePayload)
	if !ok {
		return fmt.Errorf("template recognizer: unexpected payload %T", cfg.Payload)
	}

	t.threshold = orDefault(p.Threshold, defaultMatchThreshold)
	t.overlap = orDefault(p.Overlap, defaultMatchOverlap)
	t.maxHits = p.MaxHits
	if t.maxHits <= 0 {
		t.maxHits = defaultMaxHits
	}

	elements := make([]templateElement, 0, len(p.Templates))
	for i, te := range p.Templates {
		img := te.Image
		if img == nil {
			loaded, err := loadImage(te.Path)
			if err != nil {
				return fmt.Errorf("template %d: %w", i, err)
			}
			img = loaded
		}

		el := templateElement{label: te.Label, roi: cfg.EffectiveROI(te.Element)}
		for _, s := range cfg.EffectiveScale(te.Element).Values() {
			st, ok := renderScaled(img, s)
			if !ok {
				t.logger.Debug("skipping degenerate template scale", "element", i, "scale", s)
				continue
			}
			el.scales = append(el.scales, st)
		}
		if len(el.scales) == 0 {
			return fmt.Errorf("template %d: no usable scale", i)
		}
		elements = append(elements, el)
	}

	t.elements = elements
	t.ready = true
	return nil
}

func (t *Template) Predict(frame image.Image, roi geom.Rect) ([]candidate.Candidate, error) {
	if !t.ready {
		return nil, ErrNotInitialized
	}

	var hits []candidate.Candidate
	for idx, el := range t.elements {
		region := el.roi
		if region.IsUnset() {
			region = roi
		}
		region = region.Resolve(frame.Bounds())
		if region.IsUnset() {
			continue
		}

		gray := grayRegion(frame, region)
		integ := newIntegral(gray, region.W, region.H)
		for _, st := range el.scales {
			for _, c := range t.matchScale(gray, integ, region, st) {
				c.ClassID = idx
				c.Label = el.label
				hits = append(hits, c)
			}
		}
	}

	merged := candidate.MergePerClass(hits, t.overlap)
	if len(merged) > t.maxHits {
		merged = merged[:t.maxHits]
	}
	return merged, nil
}

// matchScale returns the local score peaks at or above the threshold.
func (t *Template) matchScale(gray []float64, integ *integral, region geom.Rect, st scaledTemplate) []candidate.Candidate {
	cols := region.W - st.w + 1
	rows := region.H - st.h + 1
	if cols <= 0 || rows <= 0 || st.sumVar == 0 {
		return nil
	}

	n := float64(st.w * st.h)
	scores := make([]float64, cols*rows)
	for y := 0; y < rows; y++ {
		for x := 0; x < cols; x++ {
			sum, sq := integ.window(x, y, st.w, st.h)
			winVar := sq - sum*sum/n
			if winVar <= 1e-9 {
				continue
			}
			var cross float64
			for ty := 0; ty < st.h; ty++ {
				row := (y+ty)*region.W + x
				trow := ty * st.w
				for tx := 0; tx < st.w; tx++ {
					cross += gray[row+tx] * st.pix[trow+tx]
				}
			}
			num := cross - sum*st.mean
			scores[y*cols+x] = num / math.Sqrt(winVar*st.sumVar)
		}
	}

	var out []candidate.Candidate
	for y := 0; y < rows; y++ {
		for x := 0; x < cols; x++ {
			s := scores[y*cols+x]
			if s < t.threshold || !isPeak(scores, cols, rows, x, y) {
				continue
			}
			out = append(out, candidate.Candidate{
				Score: math.Min(s, 1),
				Scale: st.scale,
				Rect:  geom.R(region.X+x, region.Y+y, st.w, st.h),
			})
		}
	}
	return out
}

func (t *Template) Release() error {
	t.elements = nil
	t.ready = false
	return nil
}

func isPeak(scores []float64, cols, rows, x, y int) bool {
	s := scores[y*cols+x]
	for dy := -1; dy <= 1; dy++ {
		for dx := -1; dx <= 1; dx++ {
			nx, ny := x+dx, y+dy
			if (dx == 0 && dy == 0) || nx < 0 || ny < 0 || nx >= cols || ny >= rows {
				continue
			}
			n := scores[ny*cols+nx]
			// Ties resolve to the first position in scan order.
			if n > s || (n == s && (ny < y || (ny == y && nx < x))) {
				return false
			}
		}
	}
	return true
}

func renderScaled(img image.Image, s float64) (scaledTemplate, bool) {
	b := img.Bounds()
	w := int(math.Round(float64(b.Dx()) * s))
	h := int(math.Round(float64(b.Dy()) * s))
	if w < 2 || h < 2 {
		return scaledTemplate{}, false
	}

	dst := image.NewGray(image.Rect(0, 0, w, h))
	if w == b.Dx() && h == b.Dy() {
		xdraw.Draw(dst, dst.Bounds(), img, b.Min, xdraw.Src)
	} else {
		xdraw.ApproxBiLinear.Scale(dst, dst.Bounds(), img, b, xdraw.Src, nil)
	}

	st := scaledTemplate{scale: s, w: w, h: h, pix: make([]float64, w*h)}
	var sum float64
	for i, v := range dst.Pix[:w*h] {
		st.pix[i] = float64(v)
		sum += float64(v)
	}
	st.mean = sum / float64(w*h)
	for _, v := range st.pix {
		d := v - st.mean
		st.sumVar += d * d
	}
	return st, true
}

// grayRegion converts the region of frame to row-major luminance values.
func grayRegion(frame image.Image, region geom.Rect) []float64 {
	dst := image.NewGray(image.Rect(0, 0, region.W, region.H))
	xdraw.Draw(dst, dst.Bounds(), frame, image.Pt(region.X, region.Y), xdraw.Src)
	out := make([]float64, region.W*region.H)
	for y := 0; y < region.H; y++ {
		row := dst.Pix[y*dst.Stride : y*dst.Stride+region.W]
		for x, v := range row {
			out[y*region.W+x] = float64(v)
		}
	}
	return out
}

// integral holds summed-area tables of values and squared values.
type integral struct {
	w    int
	sum  []float64
	sum2 []float64
}

func newIntegral(pix []float64, w, h int) *integral {
	stride := w + 1
	in := &integral{w: w, sum: make([]float64, stride*(h+1)), sum2: make([]float64, stride*(h+1))}
	for y := 0; y < h; y++ {
		var rs, rs2 float64
		for x := 0; x < w; x++ {
			v := pix[y*w+x]
			rs += v
			rs2 += v * v
			in.sum[(y+1)*stride+x+1] = in.sum[y*stride+x+1] + rs
			in.sum2[(y+1)*stride+x+1] = in.sum2[y*stride+x+1] + rs2
		}
	}
	return in
}

func (in *integral) window(x, y, w, h int) (sum, sq float64) {
	stride := in.w + 1
	a, b := y*stride+x, y*stride+x+w
	c, d := (y+h)*stride+x, (y+h)*stride+x+w
	return in.sum[d] - in.sum[b] - in.sum[c] + in.sum[a],
		in.sum2[d] - in.sum2[b] - in.sum2[c] + in.sum2[a]
}

func loadImage(path string) (image.Image, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	img, _, err := image.Decode(f)
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", path, err)
	}
	return img, nil
}

func orDefault(v, def float64) float64 {
	if v <= 0 {
		return def
	}
	return v
}
