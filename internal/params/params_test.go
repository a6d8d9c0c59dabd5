package params

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/andresmejia3/spotter/internal/geom"
)

const groupYAML = `
group_id: lobby
tasks:
  anchor:
    kind: template
    category: reference
    roi: {x: 0, y: 0, w: 320, h: 240}
    template:
      threshold: 0.8
      templates:
        - label: logo
          path: logo.png
  button:
    kind: color
    category: target
    level: 2
    scale: {min: 0.5, max: 1.5, levels: 3}
    color:
      targets:
        - label: red
          lower: {r: 200, g: 0, b: 0}
          upper: {r: 255, g: 60, b: 60}
          min_area: 12
        - label: green
          roi: {x: 10, y: 10, w: 50, h: 50}
          lower: {r: 0, g: 200, b: 0}
          upper: {r: 60, g: 255, b: 60}
  helper:
    kind: external
    category: target
    external:
      command: ["python3", "-u", "detect.py"]
      timeout: 5s
      regions:
        - label: whole
`

func TestDecodeGroup(t *testing.T) {
	g, err := DecodeGroup(strings.NewReader(groupYAML))
	require.NoError(t, err)

	assert.Equal(t, "lobby", g.GroupID)
	assert.Equal(t, []string{"anchor", "button", "helper"}, g.IDs())

	anchor := g.Tasks["anchor"]
	assert.Equal(t, "anchor", anchor.TaskID)
	assert.Equal(t, Reference, anchor.Category)
	tp, ok := anchor.Payload.(*TemplatePayload)
	require.True(t, ok)
	assert.Equal(t, "logo.png", tp.Templates[0].Path)
	assert.Equal(t, 0.8, tp.Threshold)

	button := g.Tasks["button"]
	assert.Equal(t, 2, button.Level)
	cp, ok := button.Payload.(*ColorPayload)
	require.True(t, ok)
	require.Len(t, cp.Targets, 2)
	assert.Equal(t, RGB{R: 200}, cp.Targets[0].Lower)
	assert.Equal(t, geom.R(10, 10, 50, 50), cp.Targets[1].ROI)

	ep, ok := g.Tasks["helper"].Payload.(*ExternalPayload)
	require.True(t, ok)
	assert.Equal(t, 5*time.Second, ep.Timeout)

	for _, id := range g.IDs() {
		cfg := g.Tasks[id]
		assert.NoError(t, Validate(&cfg), id)
	}
}

func TestDecodeGroup_JSON(t *testing.T) {
	doc := `{"group_id":"g","tasks":{"a":{"kind":"color","category":"target","color":{"targets":[{"label":"x"}]}}}}`
	g, err := DecodeGroup(strings.NewReader(doc))
	require.NoError(t, err)
	assert.Equal(t, KindColor, g.Tasks["a"].Kind)
}

func TestDecodeGroup_UnknownKind(t *testing.T) {
	_, err := DecodeGroup(strings.NewReader("tasks:\n  a:\n    kind: sonar\n"))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInvalid)
}

func TestLoadGroup_ResolvesTemplatePaths(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "group.yaml")
	require.NoError(t, os.WriteFile(path, []byte(groupYAML), 0o644))

	g, err := LoadGroup(path)
	require.NoError(t, err)

	tp := g.Tasks["anchor"].Payload.(*TemplatePayload)
	assert.Equal(t, filepath.Join(dir, "logo.png"), tp.Templates[0].Path)
}

func TestValidate(t *testing.T) {
	valid := func() Configuration {
		return Configuration{
			TaskID:   "t",
			Kind:     KindColor,
			Category: Target,
			Payload:  &ColorPayload{Targets: []ColorElement{{MinArea: 1}}},
		}
	}

	tests := []struct {
		name   string
		mutate func(c *Configuration)
	}{
		{"missing id", func(c *Configuration) { c.TaskID = "" }},
		{"bad kind", func(c *Configuration) { c.Kind = "sonar" }},
		{"bad category", func(c *Configuration) { c.Category = "other" }},
		{"missing payload", func(c *Configuration) { c.Payload = nil }},
		{"payload mismatch", func(c *Configuration) { c.Payload = &ExternalPayload{Command: []string{"x"}} }},
		{"empty targets", func(c *Configuration) { c.Payload = &ColorPayload{} }},
		{"inverted scale", func(c *Configuration) { c.Scale = ScaleRange{Min: 2, Max: 1, Levels: 2} }},
		{"template without image", func(c *Configuration) {
			c.Kind = KindTemplate
			c.Payload = &TemplatePayload{Templates: []TemplateElement{{}}}
		}},
	}

	base := valid()
	require.NoError(t, Validate(&base))

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := valid()
			tt.mutate(&c)
			err := Validate(&c)
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrInvalid)
		})
	}
}

func TestScaleRangeValues(t *testing.T) {
	assert.Equal(t, []float64{1}, ScaleRange{}.Values())
	assert.Equal(t, []float64{0.8}, Fixed(0.8).Values())
	assert.Equal(t, []float64{0.5, 1.0, 1.5}, ScaleRange{Min: 0.5, Max: 1.5, Levels: 3}.Values())
	assert.Equal(t, []float64{2}, ScaleRange{Min: 2, Max: 1, Levels: 4}.Values())
}

func TestCloneIsDeep(t *testing.T) {
	orig := Configuration{
		TaskID: "t", Kind: KindTemplate, Category: Target,
		Payload: &TemplatePayload{Templates: []TemplateElement{{Path: "a.png"}, {Path: "b.png"}}},
	}

	cp := orig.Clone()
	els := cp.Elements()
	require.Len(t, els, 2)
	els[1].ROI = geom.R(1, 2, 3, 4)

	assert.True(t, orig.Elements()[1].ROI.IsUnset(), "original must be untouched")
	assert.Equal(t, geom.R(1, 2, 3, 4), cp.Payload.(*TemplatePayload).Templates[1].ROI)
}

func TestEffectiveROI(t *testing.T) {
	c := Configuration{ROI: geom.R(0, 0, 100, 100), Scale: Fixed(2)}
	assert.Equal(t, geom.R(0, 0, 100, 100), c.EffectiveROI(Element{}))
	assert.Equal(t, geom.R(5, 5, 5, 5), c.EffectiveROI(Element{ROI: geom.R(5, 5, 5, 5)}))
	assert.Equal(t, Fixed(2), c.EffectiveScale(Element{}))
}

func TestNormalizeID(t *testing.T) {
	assert.Equal(t, "Task1", NormalizeID("  Ｔａｓｋ１ "))
}
