package recognizer

import (
	"bytes"
	"encoding/binary"
	"image"
	"image/color"
	"image/png"
	"log/slog"
	"math/rand"
	"os/exec"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/andresmejia3/spotter/internal/geom"
	"github.com/andresmejia3/spotter/internal/params"
)

// MockCloser wraps a bytes.Buffer to satisfy io.ReadCloser and io.WriteCloser.
// This lets in-memory buffers stand in for OS pipes.
type MockCloser struct {
	*bytes.Buffer
}

func (m *MockCloser) Close() error { return nil }

func fill(img *image.RGBA, r geom.Rect, c color.Color) {
	for y := r.Y; y < r.Bottom(); y++ {
		for x := r.X; x < r.Right(); x++ {
			img.Set(x, y, c)
		}
	}
}

func noisePatch(w, h int) *image.Gray {
	rng := rand.New(rand.NewSource(7))
	patch := image.NewGray(image.Rect(0, 0, w, h))
	for i := range patch.Pix {
		patch.Pix[i] = uint8(rng.Intn(256))
	}
	return patch
}

func TestRegistry(t *testing.T) {
	reg := DefaultRegistry(slog.Default())
	assert.Equal(t, []params.Kind{params.KindColor, params.KindExternal, params.KindTemplate}, reg.Kinds())

	r, err := reg.New(params.KindColor, "a")
	require.NoError(t, err)
	assert.IsType(t, &Color{}, r)

	_, err = reg.New("sonar", "a")
	assert.ErrorIs(t, err, ErrUnknownKind)
}

func TestTemplate_FindsPatch(t *testing.T) {
	patch := noisePatch(10, 10)
	frame := image.NewRGBA(image.Rect(0, 0, 80, 60))
	fill(frame, geom.R(0, 0, 80, 60), color.Gray{Y: 50})
	for y := 0; y < 10; y++ {
		for x := 0; x < 10; x++ {
			frame.Set(30+x, 20+y, patch.GrayAt(x, y))
		}
	}

	tpl := NewTemplate("t", slog.Default())
	err := tpl.Initialize(params.Configuration{
		TaskID: "t", Kind: params.KindTemplate, Category: params.Target,
		Payload: &params.TemplatePayload{Templates: []params.TemplateElement{
			{Element: params.Element{Label: "patch"}, Image: patch},
		}},
	})
	require.NoError(t, err)
	defer tpl.Release()

	hits, err := tpl.Predict(frame, geom.Unset)
	require.NoError(t, err)
	require.NotEmpty(t, hits)
	assert.Equal(t, geom.R(30, 20, 10, 10), hits[0].Rect)
	assert.Equal(t, "patch", hits[0].Label)
	assert.Equal(t, 0, hits[0].ClassID)
	assert.InDelta(t, 1.0, hits[0].Score, 1e-6)
}

func TestTemplate_ElementsMergeSeparately(t *testing.T) {
	patch := noisePatch(10, 10)
	frame := image.NewRGBA(image.Rect(0, 0, 80, 60))
	fill(frame, geom.R(0, 0, 80, 60), color.Gray{Y: 50})
	for y := 0; y < 10; y++ {
		for x := 0; x < 10; x++ {
			frame.Set(30+x, 20+y, patch.GrayAt(x, y))
		}
	}

	tpl := NewTemplate("t", slog.Default())
	require.NoError(t, tpl.Initialize(params.Configuration{
		Payload: &params.TemplatePayload{Templates: []params.TemplateElement{
			{Element: params.Element{Label: "left"}, Image: patch},
			{Element: params.Element{Label: "right"}, Image: patch},
		}},
	}))
	defer tpl.Release()

	hits, err := tpl.Predict(frame, geom.Unset)
	require.NoError(t, err)
	classes := map[int]string{}
	for _, h := range hits {
		if h.Rect == geom.R(30, 20, 10, 10) {
			classes[h.ClassID] = h.Label
		}
	}
	assert.Equal(t, map[int]string{0: "left", 1: "right"}, classes, "overlapping hits of different elements both survive")
}

func TestTemplate_RestrictedToROI(t *testing.T) {
	patch := noisePatch(8, 8)
	frame := image.NewRGBA(image.Rect(0, 0, 64, 64))
	for y := 0; y < 8; y++ {
		for x := 0; x < 8; x++ {
			frame.Set(40+x, 40+y, patch.GrayAt(x, y))
		}
	}

	tpl := NewTemplate("t", slog.Default())
	require.NoError(t, tpl.Initialize(params.Configuration{
		Payload: &params.TemplatePayload{Templates: []params.TemplateElement{{Image: patch}}},
	}))

	hits, err := tpl.Predict(frame, geom.R(0, 0, 32, 32))
	require.NoError(t, err)
	assert.Empty(t, hits)
}

func TestTemplate_NotInitialized(t *testing.T) {
	tpl := NewTemplate("t", slog.Default())
	_, err := tpl.Predict(image.NewRGBA(image.Rect(0, 0, 4, 4)), geom.Unset)
	assert.ErrorIs(t, err, ErrNotInitialized)
}

func TestColor_Blobs(t *testing.T) {
	frame := image.NewRGBA(image.Rect(0, 0, 40, 40))
	red := color.RGBA{R: 230, G: 10, B: 10, A: 255}
	fill(frame, geom.R(5, 5, 10, 4), red)
	fill(frame, geom.R(30, 30, 3, 3), red)

	c := NewColor("c", slog.Default())
	require.NoError(t, c.Initialize(params.Configuration{
		Payload: &params.ColorPayload{Targets: []params.ColorElement{{
			Element: params.Element{Label: "red"},
			Lower:   params.RGB{R: 200},
			Upper:   params.RGB{R: 255, G: 60, B: 60},
			MinArea: 10,
		}}},
	}))

	hits, err := c.Predict(frame, geom.Unset)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, geom.R(5, 5, 10, 4), hits[0].Rect)
	assert.Equal(t, 1.0, hits[0].Score)
	assert.Equal(t, "red", hits[0].Label)

	require.NoError(t, c.Release())
	require.NoError(t, c.Release())
	_, err = c.Predict(frame, geom.Unset)
	assert.ErrorIs(t, err, ErrNotInitialized)
}

func writeReply(t *testing.T, pipe *MockCloser, body string) {
	t.Helper()
	require.NoError(t, binary.Write(pipe, binary.BigEndian, uint32(len(body))))
	pipe.WriteString(body)
}

func TestExternal_Predict(t *testing.T) {
	stdinMock := &MockCloser{Buffer: new(bytes.Buffer)}
	dataPipeMock := &MockCloser{Buffer: new(bytes.Buffer)}
	writeReply(t, dataPipeMock, `{"candidates":[{"score":0.9,"x":1,"y":2,"w":3,"h":4},{"score":0.2,"x":0,"y":0,"w":1,"h":1}]}`)

	e := &External{
		logger:    slog.Default(),
		regions:   []externalRegion{{label: "box", roi: geom.R(5, 5, 10, 10)}},
		threshold: 0.5,
		Stdin:     stdinMock,
		DataPipe:  dataPipeMock,
	}

	hits, err := e.Predict(image.NewRGBA(image.Rect(0, 0, 20, 20)), geom.Unset)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, geom.R(6, 7, 3, 4), hits[0].Rect)
	assert.Equal(t, "box", hits[0].Label)

	// Verify the crop that went out.
	sent := stdinMock.Bytes()
	require.Greater(t, len(sent), 4)
	assert.Equal(t, uint32(len(sent)-4), binary.BigEndian.Uint32(sent[:4]))
	crop, err := png.Decode(bytes.NewReader(sent[4:]))
	require.NoError(t, err)
	assert.Equal(t, image.Rect(0, 0, 10, 10), crop.Bounds())
}

func TestExternal_HelperError(t *testing.T) {
	stdinMock := &MockCloser{Buffer: new(bytes.Buffer)}
	dataPipeMock := &MockCloser{Buffer: new(bytes.Buffer)}
	writeReply(t, dataPipeMock, `{"error":"model missing"}`)

	e := &External{
		logger:   slog.Default(),
		regions:  []externalRegion{{}},
		Stdin:    stdinMock,
		DataPipe: dataPipeMock,
	}

	_, err := e.Predict(image.NewRGBA(image.Rect(0, 0, 8, 8)), geom.Unset)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrHelper)
	assert.Contains(t, err.Error(), "model missing")
}

func TestExternal_TruncatedReply(t *testing.T) {
	dataPipeMock := &MockCloser{Buffer: new(bytes.Buffer)}
	require.NoError(t, binary.Write(dataPipeMock, binary.BigEndian, uint32(100)))
	dataPipeMock.WriteString("{")

	e := &External{
		logger:   slog.Default(),
		regions:  []externalRegion{{}},
		Stdin:    &MockCloser{Buffer: new(bytes.Buffer)},
		DataPipe: dataPipeMock,
	}
	_, err := e.Predict(image.NewRGBA(image.Rect(0, 0, 8, 8)), geom.Unset)
	assert.Error(t, err)
}

func TestExternal_InitializeRejects(t *testing.T) {
	e := NewExternal("x", slog.Default())
	assert.Error(t, e.Initialize(params.Configuration{Payload: &params.ColorPayload{}}))
	assert.Error(t, e.Initialize(params.Configuration{Payload: &params.ExternalPayload{}}))

	_, err := e.Predict(image.NewRGBA(image.Rect(0, 0, 4, 4)), geom.Unset)
	assert.ErrorIs(t, err, ErrNotInitialized)
	assert.NoError(t, e.Release())
}

func TestExternal_ReleaseKillsLingeringHelper(t *testing.T) {
	if _, err := exec.LookPath("sleep"); err != nil {
		t.Skip("sleep not available")
	}
	old := releaseGrace
	releaseGrace = 100 * time.Millisecond
	defer func() { releaseGrace = old }()

	e := NewExternal("slow", slog.Default())
	require.NoError(t, e.Initialize(params.Configuration{
		TaskID:  "slow",
		Payload: &params.ExternalPayload{Command: []string{"sleep", "6"}},
	}))

	start := time.Now()
	assert.NoError(t, e.Release())
	assert.Less(t, time.Since(start), 3*time.Second, "a helper ignoring EOF must not stall Release")
	assert.NoError(t, e.Release(), "second release is a no-op")
}
