package task

import (
	"errors"
	"image"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/andresmejia3/spotter/internal/candidate"
	"github.com/andresmejia3/spotter/internal/geom"
	"github.com/andresmejia3/spotter/internal/params"
	"github.com/andresmejia3/spotter/internal/recognizer"
)

type fakeRecognizer struct {
	initErr    error
	predictErr error
	panicMsg   string
	cands      []candidate.Candidate

	inits, releases int
	lastROI         geom.Rect
}

func (f *fakeRecognizer) Initialize(cfg params.Configuration) error {
	f.inits++
	return f.initErr
}

func (f *fakeRecognizer) Predict(frame image.Image, roi geom.Rect) ([]candidate.Candidate, error) {
	if f.panicMsg != "" {
		panic(f.panicMsg)
	}
	f.lastROI = roi
	return f.cands, f.predictErr
}

func (f *fakeRecognizer) Release() error {
	f.releases++
	return nil
}

func registryWith(f *fakeRecognizer) *recognizer.Registry {
	reg := recognizer.NewRegistry(slog.Default())
	reg.Register(params.KindColor, func(string, *slog.Logger) recognizer.Recognizer { return f })
	return reg
}

func colorConfig(id string) params.Configuration {
	return params.Configuration{
		TaskID:   id,
		Kind:     params.KindColor,
		Category: params.Target,
		ROI:      geom.R(1, 2, 3, 4),
		Payload:  &params.ColorPayload{Targets: []params.ColorElement{{MinArea: 1}}},
	}
}

var frame = image.NewRGBA(image.Rect(0, 0, 8, 8))

func TestCreateRecognizer(t *testing.T) {
	f := &fakeRecognizer{cands: []candidate.Candidate{{Score: 0.7}}}
	tk := New(colorConfig("a"), registryWith(f), Running, nil)

	require.NoError(t, tk.CreateRecognizer())
	assert.True(t, tk.HasRecognizer())
	assert.Equal(t, 1, f.inits)

	res := tk.Process(frame)
	assert.Equal(t, StatusOK, res.Status)
	assert.True(t, res.Found())
	assert.Equal(t, geom.R(1, 2, 3, 4), f.lastROI)
	assert.Equal(t, params.KindColor, res.Kind)

	// Rebuilding releases the superseded instance first.
	require.NoError(t, tk.CreateRecognizer())
	assert.Equal(t, 1, f.releases)
	assert.Equal(t, 2, f.inits)
}

func TestCreateRecognizer_InitFailure(t *testing.T) {
	f := &fakeRecognizer{initErr: errors.New("boom")}
	tk := New(colorConfig("a"), registryWith(f), Running, nil)

	err := tk.CreateRecognizer()
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrRecognizerInit)

	var te *TaskError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, "a", te.TaskID)

	assert.False(t, tk.HasRecognizer())
	assert.Equal(t, 1, f.releases, "half-built instance must be released")

	res := tk.Process(frame)
	assert.Equal(t, StatusFailed, res.Status)
	assert.Empty(t, res.Candidates)
	assert.Equal(t, 1, tk.Failures)
}

func TestCreateRecognizer_BadConfig(t *testing.T) {
	cfg := colorConfig("a")
	cfg.Payload = nil
	tk := New(cfg, registryWith(&fakeRecognizer{}), Running, nil)

	err := tk.CreateRecognizer()
	assert.ErrorIs(t, err, ErrConfiguration)
	assert.ErrorIs(t, err, params.ErrInvalid)
}

func TestCreateRecognizer_UnknownKind(t *testing.T) {
	tk := New(colorConfig("a"), recognizer.NewRegistry(nil), Running, nil)
	err := tk.CreateRecognizer()
	assert.ErrorIs(t, err, ErrRecognizerInit)
	assert.ErrorIs(t, err, recognizer.ErrUnknownKind)
}

func TestReleaseRecognizerIdempotent(t *testing.T) {
	f := &fakeRecognizer{}
	tk := New(colorConfig("a"), registryWith(f), Running, nil)
	require.NoError(t, tk.CreateRecognizer())

	require.NoError(t, tk.ReleaseRecognizer())
	require.NoError(t, tk.ReleaseRecognizer())
	assert.Equal(t, 1, f.releases)
	assert.False(t, tk.HasRecognizer())
}

func TestProcess_Outcomes(t *testing.T) {
	t.Run("not found", func(t *testing.T) {
		tk := New(colorConfig("a"), registryWith(&fakeRecognizer{}), Running, nil)
		require.NoError(t, tk.CreateRecognizer())
		res := tk.Process(frame)
		assert.Equal(t, StatusNotFound, res.Status)
		assert.NotNil(t, res.Candidates)
		assert.False(t, res.Found())
	})

	t.Run("predict error", func(t *testing.T) {
		tk := New(colorConfig("a"), registryWith(&fakeRecognizer{predictErr: errors.New("bad frame")}), Running, nil)
		require.NoError(t, tk.CreateRecognizer())
		res := tk.Process(frame)
		assert.Equal(t, StatusFailed, res.Status)
		assert.Contains(t, res.Error, "bad frame")
	})

	t.Run("panic", func(t *testing.T) {
		tk := New(colorConfig("a"), registryWith(&fakeRecognizer{panicMsg: "nil map"}), Running, nil)
		require.NoError(t, tk.CreateRecognizer())
		res := tk.Process(frame)
		assert.Equal(t, StatusFailed, res.Status)
		assert.Contains(t, res.Error, "nil map")
		assert.Equal(t, 1, tk.Failures)
	})
}

func TestSetParamDoesNotRebuild(t *testing.T) {
	f := &fakeRecognizer{}
	tk := New(colorConfig("a"), registryWith(f), Running, nil)
	require.NoError(t, tk.CreateRecognizer())

	cfg := colorConfig("a")
	cfg.ROI = geom.R(9, 9, 9, 9)
	cfg.Level = 3
	tk.SetParam(cfg)

	assert.Equal(t, 1, f.inits)
	assert.Equal(t, 0, f.releases)
	assert.Equal(t, 3, tk.Level)
	assert.Equal(t, geom.R(9, 9, 9, 9), tk.Config.ROI)
}

func TestActive(t *testing.T) {
	tk := New(colorConfig("a"), nil, Waiting, nil)
	assert.False(t, tk.Active())
	tk.State = Running
	assert.True(t, tk.Active())
	tk.Enabled = false
	assert.False(t, tk.Active())
	assert.Equal(t, "over", Over.String())
}

// stepClock advances by step on every reading.
type stepClock struct {
	now  time.Time
	step time.Duration
}

func (c *stepClock) Now() time.Time {
	t := c.now
	c.now = c.now.Add(c.step)
	return t
}

func TestOverloadTracking(t *testing.T) {
	f := &fakeRecognizer{}
	tk := New(colorConfig("a"), registryWith(f), Running, nil)
	require.NoError(t, tk.CreateRecognizer())
	clock := &stepClock{now: time.Unix(100, 0), step: 20 * time.Millisecond}
	tk.Clock = clock
	tk.Budget = 10 * time.Millisecond

	res := tk.Process(frame)
	assert.Equal(t, 20*time.Millisecond, res.Elapsed)
	tk.Process(frame)
	assert.Equal(t, 2, tk.Overload)

	clock.step = 5 * time.Millisecond
	res = tk.Process(frame)
	assert.Equal(t, 5*time.Millisecond, res.Elapsed)
	assert.Equal(t, 0, tk.Overload, "a round within budget resets the count")

	tk.Budget = 0
	clock.step = time.Second
	tk.Process(frame)
	assert.Equal(t, 0, tk.Overload, "no budget, no tracking")
}
