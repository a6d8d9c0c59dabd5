package reference

import (
	"log/slog"
	"sort"

	"github.com/andresmejia3/spotter/internal/geom"
	"github.com/andresmejia3/spotter/internal/params"
	"github.com/andresmejia3/spotter/internal/task"
)

// Outcome summarizes one UpdateFromFrameResult call.
type Outcome struct {
	// Resolved lists references that reached Over this frame.
	Resolved []string
	// Calibrated lists targets whose configuration was rewritten.
	Calibrated []string
	// Released lists targets that flipped Waiting to Running.
	Released []string
	// Errors holds per-target failures; none of them stop the update.
	Errors []error
}

// Manager applies reference results to the targets they calibrate.
type Manager struct {
	index  *Index
	logger *slog.Logger
}

// NewManager builds a manager over entries.
func NewManager(entries []Entry, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		index:  NewIndex(entries),
		logger: logger.With("component", "reference"),
	}
}

// Index exposes the link table.
func (m *Manager) Index() *Index { return m.index }

// Reset replaces the link table.
func (m *Manager) Reset(entries []Entry) {
	m.index = NewIndex(entries)
	m.logger.Info("reference links loaded", "links", m.index.Len())
}

// InitialState is the state a newly created task starts in. References run
// at once; a target waits until every reference linked to it is Over.
func (m *Manager) InitialState(cfg params.Configuration, tasks map[string]*task.Task) task.State {
	if cfg.Category == params.Reference {
		return task.Running
	}
	if m.Ready(cfg.TaskID, tasks) {
		return task.Running
	}
	return task.Waiting
}

// Ready reports whether every reference linked to targetID is Over. A linked
// reference missing from tasks counts as not Over.
func (m *Manager) Ready(targetID string, tasks map[string]*task.Task) bool {
	for _, refID := range m.index.ReferencesOf(targetID) {
		ref, ok := tasks[refID]
		if !ok || ref.State != task.Over {
			return false
		}
	}
	return true
}

// Regate recomputes the gate of each target in ids: Running when Ready,
// Waiting otherwise. Over tasks and references are left alone. It returns
// the targets that flipped to Running.
func (m *Manager) Regate(ids []string, tasks map[string]*task.Task) []string {
	var released []string
	for _, id := range ids {
		t, ok := tasks[id]
		if !ok || t.State == task.Over || t.Category() != params.Target {
			continue
		}
		want := task.Waiting
		if m.Ready(id, tasks) {
			want = task.Running
		}
		if t.State == want {
			continue
		}
		t.State = want
		if want == task.Running {
			released = append(released, id)
			m.logger.Info("target released", "task_id", id)
		} else {
			m.logger.Info("target gated", "task_id", id, "references", m.index.ReferencesOf(id))
		}
	}
	return released
}

// UpdateFromFrameResult resolves every reference that found its anchor in
// results: it recalibrates the linked target elements, rebuilds their
// recognizers, marks the reference Over and re-gates the targets.
func (m *Manager) UpdateFromFrameResult(results map[string]task.Result, tasks map[string]*task.Task) Outcome {
	var out Outcome

	ids := make([]string, 0, len(results))
	for id := range results {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	touched := map[string]bool{}
	for _, id := range ids {
		ref, ok := tasks[id]
		if !ok || ref.Category() != params.Reference || ref.State == task.Over {
			continue
		}
		res := results[id]
		found, ok := res.Best()
		if !res.Found() || !ok {
			// Retried on every active frame until it succeeds or is removed.
			continue
		}

		for _, e := range m.index.Entries(id) {
			target, ok := tasks[e.TargetTaskID]
			if !ok {
				m.logger.Warn("reference target not present", "reference", id, "target", e.TargetTaskID)
				continue
			}
			errs := m.calibrate(e, found.Rect, target)
			out.Errors = append(out.Errors, errs...)
			out.Calibrated = append(out.Calibrated, target.ID)
			touched[target.ID] = true
		}

		ref.State = task.Over
		if err := ref.ReleaseRecognizer(); err != nil {
			m.logger.Warn("release resolved reference", "task_id", id, "error", err)
		}
		out.Resolved = append(out.Resolved, id)
		m.logger.Info("reference resolved", "task_id", id, "rect", found.Rect.String(), "score", found.Score)
	}

	targets := make([]string, 0, len(touched))
	for id := range touched {
		targets = append(targets, id)
	}
	sort.Strings(targets)
	out.Released = m.Regate(targets, tasks)
	return out
}

// calibrate rewrites the elements e names on target and rebuilds its
// recognizer. Indices past the target's element count are skipped.
func (m *Manager) calibrate(e Entry, found geom.Rect, target *task.Task) []error {
	var errs []error
	cfg := target.Config.Clone()
	elements := cfg.Elements()

	var proj Projection
	var scale float64
	switch e.Type {
	case Location:
		proj = Project(e, found)
		scale = proj.Scale
	case Length:
		scale = MeasureLength(e, found)
	}

	for k, idx := range e.ElementIndices {
		if idx < 0 || idx >= len(elements) {
			err := task.Errorf(target.ID, task.ErrOutOfRange, "reference %s: index %d, target has %d elements", e.TaskID, idx, len(elements))
			m.logger.Warn("skipping element index", "error", err)
			errs = append(errs, err)
			continue
		}
		el := elements[idx]
		if e.Type == Location {
			el.ROI = proj.regionFor(k)
		}
		el.Scale = params.Fixed(scale)
	}

	if err := target.ReleaseRecognizer(); err != nil {
		m.logger.Warn("release before recalibration", "task_id", target.ID, "error", err)
	}
	target.SetParam(cfg)
	if err := target.CreateRecognizer(); err != nil {
		m.logger.Error("rebuild after recalibration failed", "task_id", target.ID, "error", err)
		errs = append(errs, err)
	}
	m.logger.Debug("target recalibrated", "task_id", target.ID, "reference", e.TaskID, "type", e.Type, "scale", scale)
	return errs
}
