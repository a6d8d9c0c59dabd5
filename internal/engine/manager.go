// Package engine drives the per-frame recognition rounds: it owns the task
// map, applies inbound commands, runs active tasks on the worker pool and
// hands reference results to the reference manager.
package engine

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/andresmejia3/spotter/internal/candidate"
	"github.com/andresmejia3/spotter/internal/params"
	"github.com/andresmejia3/spotter/internal/pool"
	"github.com/andresmejia3/spotter/internal/recognizer"
	"github.com/andresmejia3/spotter/internal/reference"
	"github.com/andresmejia3/spotter/internal/task"
	"github.com/andresmejia3/spotter/internal/types"
)

// FrameResult is everything one Update produced.
type FrameResult struct {
	FrameSeq      int64                  `json:"frame_seq"`
	GroupID       string                 `json:"group_id,omitempty"`
	Results       map[string]task.Result `json:"results"`
	CommandErrors []string               `json:"command_errors,omitempty"`
}

// TaskSummary describes one task in an InitReport.
type TaskSummary struct {
	TaskID        string          `json:"task_id"`
	Kind          params.Kind     `json:"kind"`
	Category      params.Category `json:"category"`
	State         string          `json:"state"`
	HasRecognizer bool            `json:"has_recognizer"`
}

// InitReport is emitted once, after the first successful CreateGroup.
type InitReport struct {
	GroupID string        `json:"group_id"`
	Tasks   []TaskSummary `json:"tasks"`
	Errors  []string      `json:"errors,omitempty"`
}

// TaskStats are per-task counters.
type TaskStats struct {
	State    string `json:"state"`
	Enabled  bool   `json:"enabled"`
	Predicts int    `json:"predicts"`
	Failures int    `json:"failures"`
	Overload int    `json:"overload"`
}

// Stats are engine counters.
type Stats struct {
	Frames    int64                `json:"frames"`
	Rounds    int64                `json:"rounds"`
	Completed int64                `json:"completed"`
	Tasks     map[string]TaskStats `json:"tasks"`
}

// Options tune a Manager.
type Options struct {
	Workers int
	// MergeOverlap, when positive, merges each task's candidates per element.
	MergeOverlap float64
	// Budget is the per-task Predict time beyond which Overload grows.
	Budget time.Duration
	// References are the initial reference links.
	References []reference.Entry
	Clock      Clock
	IDs        IDGenerator
}

// Manager owns every task. All methods must be called from one goroutine.
type Manager struct {
	opts     Options
	registry *recognizer.Registry
	refs     *reference.Manager
	refCfg   []reference.Entry
	pool     *pool.Pool
	logger   *slog.Logger

	groupID string
	tasks   map[string]*task.Task

	initDone   bool
	initReport *InitReport

	frames, rounds int64
}

// NewManager starts the worker pool and returns an empty manager.
func NewManager(registry *recognizer.Registry, opts Options, logger *slog.Logger) (*Manager, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if registry == nil {
		return nil, errors.New("engine: nil recognizer registry")
	}
	if opts.Workers <= 0 {
		opts.Workers = 1
	}
	if opts.Clock == nil {
		opts.Clock = SystemClock{}
	}
	if opts.IDs == nil {
		opts.IDs = &Sequence{}
	}
	if err := reference.Validate(opts.References); err != nil {
		return nil, err
	}

	p := pool.New(logger)
	if err := p.Initialize(opts.Workers); err != nil {
		return nil, err
	}

	return &Manager{
		opts:     opts,
		registry: registry,
		refs:     reference.NewManager(opts.References, logger),
		refCfg:   opts.References,
		pool:     p,
		logger:   logger.With("component", "engine"),
		tasks:    make(map[string]*task.Task),
	}, nil
}

// Task returns the task with id.
func (m *Manager) Task(id string) (*task.Task, bool) {
	t, ok := m.tasks[id]
	return t, ok
}

// TaskIDs lists task ids in sorted order.
func (m *Manager) TaskIDs() []string {
	ids := make([]string, 0, len(m.tasks))
	for id := range m.tasks {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// GroupID is the id of the installed group.
func (m *Manager) GroupID() string { return m.groupID }

// ActiveTasks are the enabled, running tasks in submission order: lower
// Level first, then id.
func (m *Manager) ActiveTasks() []*task.Task {
	var out []*task.Task
	for _, t := range m.tasks {
		if t.Active() {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Level != out[j].Level {
			return out[i].Level < out[j].Level
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Update applies cmds, runs one round over the active tasks on frame and
// resolves references. didWork is false when no task ran.
func (m *Manager) Update(frame types.Frame, cmds []Command) (FrameResult, bool) {
	fr := FrameResult{FrameSeq: frame.Seq, Results: map[string]task.Result{}}
	for _, err := range m.Apply(cmds) {
		m.logger.Warn("command rejected", "error", err)
		fr.CommandErrors = append(fr.CommandErrors, err.Error())
	}
	fr.GroupID = m.groupID

	if frame.Image == nil {
		if err := frame.Decode(); err != nil {
			if len(frame.Data) > 0 {
				m.logger.Warn("frame skipped", "seq", frame.Seq, "error", err)
			}
			return fr, false
		}
	}

	active := m.ActiveTasks()
	if len(active) == 0 {
		return fr, false
	}
	m.frames++

	results := m.runRound(frame, active)
	for _, t := range active {
		res, ok := results[t.ID]
		if !ok {
			res = task.Result{
				TaskID:   t.ID,
				Kind:     t.Config.Kind,
				Category: t.Category(),
				Status:   task.StatusFailed,
				Error:    (&task.TaskError{TaskID: t.ID, Err: task.ErrPredict, Cause: errors.New("no result recorded")}).Error(),
			}
		}
		if m.opts.MergeOverlap > 0 && len(res.Candidates) > 1 {
			res.Candidates = candidate.MergePerClass(res.Candidates, m.opts.MergeOverlap)
		}
		fr.Results[t.ID] = res
	}

	out := m.refs.UpdateFromFrameResult(fr.Results, m.tasks)
	for _, err := range out.Errors {
		m.logger.Warn("reference update", "error", err)
	}
	return fr, true
}

// runRound submits one work item per task and waits for the barrier.
func (m *Manager) runRound(frame types.Frame, active []*task.Task) map[string]task.Result {
	var mu sync.Mutex
	results := make(map[string]task.Result, len(active))

	for _, t := range active {
		item := WorkItem{Task: t, Frame: frame}
		err := m.pool.Submit(func() {
			res := item.Run()
			mu.Lock()
			results[res.TaskID] = res
			mu.Unlock()
		})
		if err != nil {
			m.logger.Error("submit failed", "task_id", t.ID, "error", err)
		}
	}

	if err := m.pool.StartRound(); err != nil {
		m.logger.Error("round not started", "error", err)
		return results
	}
	if err := m.pool.WaitRound(); err != nil {
		m.logger.Error("round wait failed", "error", err)
	}
	m.rounds++
	return results
}

// WorkItem binds a task to the current frame.
type WorkItem struct {
	Task  *task.Task
	Frame types.Frame
}

// Run predicts on the frame.
func (w WorkItem) Run() task.Result {
	return w.Task.Process(w.Frame.Image)
}

// TakeInitReport returns the initialization report once, after the first
// successful CreateGroup.
func (m *Manager) TakeInitReport() (InitReport, bool) {
	if m.initReport == nil {
		return InitReport{}, false
	}
	r := *m.initReport
	m.initReport = nil
	return r, true
}

// Stats snapshots the counters.
func (m *Manager) Stats() Stats {
	s := Stats{
		Frames:    m.frames,
		Rounds:    m.rounds,
		Completed: m.pool.Completed(),
		Tasks:     make(map[string]TaskStats, len(m.tasks)),
	}
	for id, t := range m.tasks {
		s.Tasks[id] = TaskStats{
			State:    t.State.String(),
			Enabled:  t.Enabled,
			Predicts: t.Predicts,
			Failures: t.Failures,
			Overload: t.Overload,
		}
	}
	return s
}

// Close releases every recognizer and joins the pool.
func (m *Manager) Close() {
	m.pool.Release()
	for _, id := range m.TaskIDs() {
		m.dropTask(id)
	}
	m.logger.Info("engine stopped", "frames", m.frames, "rounds", m.rounds)
}

func (m *Manager) dropTask(id string) {
	t, ok := m.tasks[id]
	if !ok {
		return
	}
	if err := t.ReleaseRecognizer(); err != nil {
		m.logger.Warn("release failed", "task_id", id, "error", err)
	}
	delete(m.tasks, id)
}

func (m *Manager) summary() []TaskSummary {
	out := make([]TaskSummary, 0, len(m.tasks))
	for _, id := range m.TaskIDs() {
		t := m.tasks[id]
		out = append(out, TaskSummary{
			TaskID:        id,
			Kind:          t.Config.Kind,
			Category:      t.Category(),
			State:         t.State.String(),
			HasRecognizer: t.HasRecognizer(),
		})
	}
	return out
}

func (m *Manager) String() string {
	return fmt.Sprintf("engine(group=%s, tasks=%d)", m.groupID, len(m.tasks))
}
