// Package params describes the per-task configuration: the recognizer kind,
// the task category, its search region and scale range, and the kind-specific
// payload. Payloads are a closed set of variants, each carrying the elements a
// reference task may recalibrate.
package params

import (
	"fmt"
	"strings"

	"golang.org/x/text/unicode/norm"

	"github.com/andresmejia3/spotter/internal/geom"
)

// Kind selects the recognizer implementation.
type Kind string

const (
	KindTemplate Kind = "template"
	KindColor    Kind = "color"
	KindExternal Kind = "external"
)

// Kinds lists every supported kind in a stable order.
var Kinds = []Kind{KindTemplate, KindColor, KindExternal}

// Valid reports whether k belongs to the closed set.
func (k Kind) Valid() bool {
	for _, known := range Kinds {
		if k == known {
			return true
		}
	}
	return false
}

// Category separates calibration tasks from the tasks they calibrate.
type Category string

const (
	Reference Category = "reference"
	Target    Category = "target"
)

// ScaleRange is the set of template scales a recognizer searches.
type ScaleRange struct {
	Min    float64 `yaml:"min" json:"min" validate:"gte=0"`
	Max    float64 `yaml:"max" json:"max" validate:"gte=0"`
	Levels int     `yaml:"levels" json:"levels" validate:"gte=0,lte=64"`
}

// IsZero reports whether the range was left unconfigured.
func (s ScaleRange) IsZero() bool {
	return s.Min == 0 && s.Max == 0 && s.Levels == 0
}

// Fixed builds a single-level range at scale s.
func Fixed(s float64) ScaleRange {
	return ScaleRange{Min: s, Max: s, Levels: 1}
}

// Values expands the range into concrete scales. An empty range means 1.0.
func (s ScaleRange) Values() []float64 {
	if s.IsZero() {
		return []float64{1}
	}
	lo, hi := s.Min, s.Max
	if lo <= 0 {
		lo = hi
	}
	if hi < lo {
		hi = lo
	}
	if lo <= 0 {
		return []float64{1}
	}
	if s.Levels <= 1 || hi == lo {
		return []float64{lo}
	}
	out := make([]float64, s.Levels)
	step := (hi - lo) / float64(s.Levels-1)
	for i := range out {
		out[i] = lo + step*float64(i)
	}
	return out
}

// Element is the calibratable part shared by every payload variant: one
// searchable item with its own region and scale.
type Element struct {
	Label string     `yaml:"label" json:"label"`
	ROI   geom.Rect  `yaml:"roi" json:"roi"`
	Scale ScaleRange `yaml:"scale" json:"scale"`
}

// Configuration is the full parameter bag for one task. It is replaced
// wholesale on change; calibration works on a Clone.
type Configuration struct {
	TaskID   string     `yaml:"task_id" json:"task_id" validate:"required"`
	Kind     Kind       `yaml:"kind" json:"kind" validate:"required,oneof=template color external"`
	Category Category   `yaml:"category" json:"category" validate:"required,oneof=reference target"`
	ROI      geom.Rect  `yaml:"roi" json:"roi"`
	Scale    ScaleRange `yaml:"scale" json:"scale"`
	Level    int        `yaml:"level" json:"level"`
	Payload  Payload    `yaml:"-" json:"-"`
}

// Clone returns a deep copy; mutating the copy's elements never touches c.
func (c Configuration) Clone() Configuration {
	out := c
	if c.Payload != nil {
		out.Payload = clonePayload(c.Payload)
	}
	return out
}

// Elements returns pointers to the payload's elements in declaration order.
func (c *Configuration) Elements() []*Element {
	if c.Payload == nil {
		return nil
	}
	return ElementsOf(c.Payload)
}

// EffectiveROI is the region element e searches: its own ROI, or the task's.
func (c *Configuration) EffectiveROI(e Element) geom.Rect {
	if !e.ROI.IsUnset() {
		return e.ROI
	}
	return c.ROI
}

// EffectiveScale is the scale range element e searches.
func (c *Configuration) EffectiveScale(e Element) ScaleRange {
	if !e.Scale.IsZero() {
		return e.Scale
	}
	return c.Scale
}

func (c Configuration) String() string {
	return fmt.Sprintf("%s[%s/%s]", c.TaskID, c.Kind, c.Category)
}

// NormalizeID canonicalizes a task id so visually identical ids collide.
func NormalizeID(id string) string {
	return norm.NFKC.String(strings.TrimSpace(id))
}
