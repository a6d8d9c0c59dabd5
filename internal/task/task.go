// Package task holds one recognition task: its configuration, live recognizer,
// execution state and scheduling hints.
package task

import (
	"fmt"
	"image"
	"log/slog"
	"time"

	"github.com/andresmejia3/spotter/internal/candidate"
	"github.com/andresmejia3/spotter/internal/params"
	"github.com/andresmejia3/spotter/internal/recognizer"
)

// State is a task's position in its lifecycle.
type State int

const (
	Waiting State = iota
	Running
	Over
)

func (s State) String() string {
	switch s {
	case Waiting:
		return "waiting"
	case Running:
		return "running"
	case Over:
		return "over"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Clock supplies the time Predict calls are measured with.
type Clock interface {
	Now() time.Time
}

type wallClock struct{}

func (wallClock) Now() time.Time { return time.Now() }

// Status tags a per-frame result.
type Status string

const (
	StatusOK       Status = "ok"
	StatusNotFound Status = "not_found"
	StatusFailed   Status = "failed"
)

// Result is what one task produced for one frame.
type Result struct {
	TaskID     string                `json:"task_id"`
	Kind       params.Kind           `json:"kind"`
	Category   params.Category       `json:"category"`
	Status     Status                `json:"status"`
	Candidates []candidate.Candidate `json:"candidates"`
	Error      string                `json:"error,omitempty"`
	Elapsed    time.Duration         `json:"elapsed_ns"`
}

// Found reports whether the task located anything.
func (r Result) Found() bool {
	return r.Status == StatusOK && len(r.Candidates) > 0
}

// Best returns the top-scoring candidate.
func (r Result) Best() (candidate.Candidate, bool) {
	return candidate.Best(r.Candidates)
}

// Task is the context of one configured task.
//
// Fields are owned by the control goroutine. The only thing a pool worker
// touches is Process, and only between StartRound and WaitRound.
type Task struct {
	ID      string
	Config  params.Configuration
	State   State
	Enabled bool

	// Level orders submission within a round, lowest first.
	Level int
	// Overload counts consecutive rounds whose Predict exceeded Budget.
	Overload int
	Budget   time.Duration

	Predicts int
	Failures int

	// Clock times Process; New installs the wall clock.
	Clock Clock

	rec      recognizer.Recognizer
	registry *recognizer.Registry
	logger   *slog.Logger
}

// New returns an enabled task in the given state with no recognizer.
func New(cfg params.Configuration, registry *recognizer.Registry, state State, logger *slog.Logger) *Task {
	if logger == nil {
		logger = slog.Default()
	}
	return &Task{
		ID:       cfg.TaskID,
		Config:   cfg.Clone(),
		State:    state,
		Enabled:  true,
		Level:    cfg.Level,
		Clock:    wallClock{},
		registry: registry,
		logger:   logger.With("task_id", cfg.TaskID),
	}
}

// Category is the task's configured category.
func (t *Task) Category() params.Category { return t.Config.Category }

// HasRecognizer reports whether a live recognizer is attached.
func (t *Task) HasRecognizer() bool { return t.rec != nil }

// Active reports whether the task runs in the next round.
func (t *Task) Active() bool { return t.Enabled && t.State == Running }

// CreateRecognizer builds and initializes a recognizer from the current
// configuration, replacing any live one. On failure the task is left with
// no recognizer.
func (t *Task) CreateRecognizer() error {
	if err := t.ReleaseRecognizer(); err != nil {
		t.logger.Warn("release before rebuild failed", "error", err)
	}

	if err := params.Validate(&t.Config); err != nil {
		return &TaskError{TaskID: t.ID, Err: ErrConfiguration, Cause: err}
	}
	if t.registry == nil {
		return Errorf(t.ID, ErrRecognizerInit, "no recognizer registry")
	}

	rec, err := t.registry.New(t.Config.Kind, t.ID)
	if err != nil {
		return &TaskError{TaskID: t.ID, Err: ErrRecognizerInit, Cause: err}
	}
	if err := rec.Initialize(t.Config.Clone()); err != nil {
		if rerr := rec.Release(); rerr != nil {
			t.logger.Debug("release after failed init", "error", rerr)
		}
		return &TaskError{TaskID: t.ID, Err: ErrRecognizerInit, Cause: err}
	}

	t.rec = rec
	t.logger.Debug("recognizer ready", "kind", t.Config.Kind)
	return nil
}

// ReleaseRecognizer drops the live recognizer. It is a no-op without one.
func (t *Task) ReleaseRecognizer() error {
	if t.rec == nil {
		return nil
	}
	rec := t.rec
	t.rec = nil
	return rec.Release()
}

// SetParam replaces the configuration. The live recognizer keeps running on
// the old one until CreateRecognizer is called.
func (t *Task) SetParam(cfg params.Configuration) {
	t.Config = cfg.Clone()
	t.Level = cfg.Level
}

// Process runs the recognizer on frame. It never panics and never returns
// an error; failures are reported in the result.
func (t *Task) Process(frame image.Image) (res Result) {
	res = Result{TaskID: t.ID, Kind: t.Config.Kind, Category: t.Config.Category}
	clock := t.Clock
	if clock == nil {
		clock = wallClock{}
	}
	start := clock.Now()
	t.Predicts++

	defer func() {
		if p := recover(); p != nil {
			res.Status = StatusFailed
			res.Candidates = nil
			res.Error = (&TaskError{TaskID: t.ID, Err: ErrPredict, Cause: fmt.Errorf("panic: %v", p)}).Error()
		}
		res.Elapsed = clock.Now().Sub(start)
		if res.Status == StatusFailed {
			t.Failures++
		}
		t.trackBudget(res.Elapsed)
	}()

	if t.rec == nil {
		t.logger.Warn("no live recognizer, skipping frame")
		res.Status = StatusFailed
		res.Error = (&TaskError{TaskID: t.ID, Err: ErrRecognizerInit, Cause: recognizer.ErrNotInitialized}).Error()
		return res
	}

	cands, err := t.rec.Predict(frame, t.Config.ROI)
	if err != nil {
		t.logger.Warn("predict failed", "error", err)
		res.Status = StatusFailed
		res.Error = (&TaskError{TaskID: t.ID, Err: ErrPredict, Cause: err}).Error()
		return res
	}

	if cands == nil {
		cands = []candidate.Candidate{}
	}
	res.Candidates = cands
	res.Status = StatusOK
	if len(cands) == 0 {
		res.Status = StatusNotFound
	}
	return res
}

func (t *Task) trackBudget(elapsed time.Duration) {
	if t.Budget <= 0 {
		return
	}
	if elapsed > t.Budget {
		t.Overload++
		t.logger.Debug("predict over budget", "elapsed", elapsed, "budget", t.Budget, "overload", t.Overload)
		return
	}
	t.Overload = 0
}
