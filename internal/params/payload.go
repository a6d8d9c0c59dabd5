package params

import (
	"image"
	"image/color"
	"time"
)

// Payload is the kind-specific part of a Configuration. The set of variants is
// closed; every switch over it must handle each one.
type Payload interface {
	Kind() Kind
	isPayload()
}

// TemplatePayload configures normalized cross-correlation matching.
type TemplatePayload struct {
	Threshold float64           `yaml:"threshold" json:"threshold" validate:"gte=0,lte=1"`
	Overlap   float64           `yaml:"overlap" json:"overlap" validate:"gte=0,lte=1"`
	MaxHits   int               `yaml:"max_hits" json:"max_hits" validate:"gte=0"`
	Templates []TemplateElement `yaml:"templates" json:"templates" validate:"required,min=1,dive"`
}

// TemplateElement is one template image. Image, when set, wins over Path.
type TemplateElement struct {
	Element `yaml:",inline"`
	Path    string      `yaml:"path" json:"path" validate:"required_without=Image"`
	Image   image.Image `yaml:"-" json:"-"`
}

// ColorPayload configures RGB-range blob finding.
type ColorPayload struct {
	Targets []ColorElement `yaml:"targets" json:"targets" validate:"required,min=1,dive"`
}

// ColorElement matches pixels whose channels all fall within [Lower, Upper].
type ColorElement struct {
	Element `yaml:",inline"`
	Lower   RGB `yaml:"lower" json:"lower"`
	Upper   RGB `yaml:"upper" json:"upper"`
	MinArea int `yaml:"min_area" json:"min_area" validate:"gte=0"`
}

// RGB is an 8-bit color triple.
type RGB struct {
	R uint8 `yaml:"r" json:"r"`
	G uint8 `yaml:"g" json:"g"`
	B uint8 `yaml:"b" json:"b"`
}

// Contains reports whether c lies inside the inclusive box [lo, hi].
func Contains(lo, hi RGB, c color.Color) bool {
	r, g, b, _ := c.RGBA()
	r8, g8, b8 := uint8(r>>8), uint8(g>>8), uint8(b>>8)
	return r8 >= lo.R && r8 <= hi.R &&
		g8 >= lo.G && g8 <= hi.G &&
		b8 >= lo.B && b8 <= hi.B
}

// ExternalPayload delegates prediction to a helper process.
type ExternalPayload struct {
	Command   []string      `yaml:"command" json:"command" validate:"required,min=1"`
	Timeout   time.Duration `yaml:"timeout" json:"timeout" validate:"gte=0"`
	Threshold float64       `yaml:"threshold" json:"threshold" validate:"gte=0,lte=1"`
	Regions   []Element     `yaml:"regions" json:"regions"`
}

func (*TemplatePayload) Kind() Kind { return KindTemplate }
func (*ColorPayload) Kind() Kind    { return KindColor }
func (*ExternalPayload) Kind() Kind { return KindExternal }

func (*TemplatePayload) isPayload() {}
func (*ColorPayload) isPayload()    {}
func (*ExternalPayload) isPayload() {}

// ElementsOf returns pointers to p's elements so calibration can rewrite them
// in place on a cloned configuration.
func ElementsOf(p Payload) []*Element {
	var out []*Element
	switch v := p.(type) {
	case *TemplatePayload:
		for i := range v.Templates {
			out = append(out, &v.Templates[i].Element)
		}
	case *ColorPayload:
		for i := range v.Targets {
			out = append(out, &v.Targets[i].Element)
		}
	case *ExternalPayload:
		for i := range v.Regions {
			out = append(out, &v.Regions[i])
		}
	}
	return out
}

func clonePayload(p Payload) Payload {
	switch v := p.(type) {
	case *TemplatePayload:
		c := *v
		c.Templates = append([]TemplateElement(nil), v.Templates...)
		return &c
	case *ColorPayload:
		c := *v
		c.Targets = append([]ColorElement(nil), v.Targets...)
		return &c
	case *ExternalPayload:
		c := *v
		c.Command = append([]string(nil), v.Command...)
		c.Regions = append([]Element(nil), v.Regions...)
		return &c
	}
	return p
}
