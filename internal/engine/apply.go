package engine

import (
	"errors"
	"fmt"
	"sort"

	"github.com/andresmejia3/spotter/internal/params"
	"github.com/andresmejia3/spotter/internal/reference"
	"github.com/andresmejia3/spotter/internal/task"
)

// Apply runs cmds in order. A rejected command (or task within a command)
// never stops the rest of the batch; every rejection is returned.
func (m *Manager) Apply(cmds []Command) []error {
	var errs []error
	for _, c := range cmds {
		if err := m.apply(c); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", describe(c), err))
		}
	}
	return errs
}

func (m *Manager) apply(c Command) error {
	switch cmd := c.(type) {
	case CreateGroup:
		return m.createGroup(cmd)
	case *CreateGroup:
		return m.createGroup(*cmd)
	case AddTask:
		return m.addTask(cmd.Config)
	case *AddTask:
		return m.addTask(cmd.Config)
	case RemoveTask:
		return m.removeTasks(cmd.IDs)
	case *RemoveTask:
		return m.removeTasks(cmd.IDs)
	case ChangeTask:
		return m.changeTask(cmd.Config)
	case *ChangeTask:
		return m.changeTask(cmd.Config)
	case SetFlag:
		return m.setFlags(cmd.Enabled)
	case *SetFlag:
		return m.setFlags(cmd.Enabled)
	case SetReferenceConfig:
		return m.setReferences(cmd)
	case *SetReferenceConfig:
		return m.setReferences(*cmd)
	case nil:
		return task.ErrMalformedCommand
	default:
		return fmt.Errorf("%w: %T", task.ErrMalformedCommand, c)
	}
}

// prepare normalizes and validates a configuration for insertion under key.
func prepare(key string, cfg params.Configuration) (params.Configuration, error) {
	if cfg.TaskID == "" {
		cfg.TaskID = key
	}
	cfg.TaskID = params.NormalizeID(cfg.TaskID)
	if key != "" && params.NormalizeID(key) != cfg.TaskID {
		return cfg, task.Errorf(cfg.TaskID, task.ErrConfiguration, "id does not match key %q", key)
	}
	if err := params.Validate(&cfg); err != nil {
		return cfg, &task.TaskError{TaskID: cfg.TaskID, Err: task.ErrConfiguration, Cause: err}
	}
	return cfg, nil
}

func (m *Manager) newTask(cfg params.Configuration) *task.Task {
	t := task.New(cfg, m.registry, task.Waiting, m.logger)
	t.Budget = m.opts.Budget
	t.Clock = m.opts.Clock
	return t
}

func (m *Manager) createGroup(cmd CreateGroup) error {
	var errs []error

	keys := make([]string, 0, len(cmd.Tasks))
	for k := range cmd.Tasks {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	// Validate everything before touching the live map.
	next := make(map[string]*task.Task, len(keys))
	for _, k := range keys {
		cfg, err := prepare(k, cmd.Tasks[k])
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if _, dup := next[cfg.TaskID]; dup {
			errs = append(errs, task.Errorf(cfg.TaskID, task.ErrConfiguration, "duplicate task id"))
			continue
		}
		next[cfg.TaskID] = m.newTask(cfg)
	}

	for _, id := range m.TaskIDs() {
		m.dropTask(id)
	}
	m.tasks = next
	m.refs.Reset(m.refCfg)

	m.groupID = cmd.GroupID
	if m.groupID == "" {
		m.groupID = fmt.Sprintf("group-%d", m.opts.IDs.Next())
	}

	for _, id := range m.TaskIDs() {
		t := m.tasks[id]
		t.State = m.refs.InitialState(t.Config, m.tasks)
		if err := t.CreateRecognizer(); err != nil {
			// The task keeps its slot and produces failure results until changed.
			m.logger.Error("recognizer init failed", "task_id", id, "error", err)
			errs = append(errs, err)
		}
	}

	m.logger.Info("group created", "group_id", m.groupID, "tasks", len(m.tasks), "rejected", len(errs))
	if !m.initDone {
		m.initDone = true
		report := InitReport{GroupID: m.groupID, Tasks: m.summary()}
		for _, err := range errs {
			report.Errors = append(report.Errors, err.Error())
		}
		m.initReport = &report
	}
	return errors.Join(errs...)
}

func (m *Manager) addTask(cfg params.Configuration) error {
	cfg, err := prepare("", cfg)
	if err != nil {
		return err
	}
	if _, exists := m.tasks[cfg.TaskID]; exists {
		return task.Errorf(cfg.TaskID, task.ErrConfiguration, "task already exists")
	}

	t := m.newTask(cfg)
	m.tasks[t.ID] = t
	t.State = m.refs.InitialState(cfg, m.tasks)
	if cfg.Category == params.Reference {
		m.refs.Regate(m.refs.Index().TargetsOf(t.ID), m.tasks)
	}
	if err := t.CreateRecognizer(); err != nil {
		return err
	}
	m.logger.Info("task added", "task_id", t.ID, "kind", cfg.Kind, "state", t.State.String())
	return nil
}

func (m *Manager) removeTasks(ids []string) error {
	if len(ids) == 0 {
		return fmt.Errorf("%w: no ids", task.ErrMalformedCommand)
	}
	var errs []error
	var regate []string
	for _, raw := range ids {
		id := params.NormalizeID(raw)
		t, ok := m.tasks[id]
		if !ok {
			errs = append(errs, &task.TaskError{TaskID: id, Err: task.ErrUnknownTask})
			continue
		}
		if t.Category() == params.Reference {
			// Its targets lose a reference that can still turn Over.
			regate = append(regate, m.refs.Index().TargetsOf(id)...)
		}
		m.dropTask(id)
		m.logger.Info("task removed", "task_id", id)
	}
	m.refs.Regate(regate, m.tasks)
	return errors.Join(errs...)
}

func (m *Manager) changeTask(cfg params.Configuration) error {
	cfg, err := prepare("", cfg)
	if err != nil {
		return err
	}
	t, ok := m.tasks[cfg.TaskID]
	if !ok {
		return &task.TaskError{TaskID: cfg.TaskID, Err: task.ErrUnknownTask}
	}

	if err := t.ReleaseRecognizer(); err != nil {
		m.logger.Warn("release before change failed", "task_id", t.ID, "error", err)
	}
	categoryChanged := t.Category() != cfg.Category
	t.SetParam(cfg)
	if categoryChanged {
		t.State = m.refs.InitialState(cfg, m.tasks)
		m.refs.Regate(m.refs.Index().TargetsOf(t.ID), m.tasks)
	}
	if t.State == task.Over {
		// A resolved reference never runs again.
		m.logger.Info("task changed without recognizer", "task_id", t.ID, "state", t.State.String())
		return nil
	}
	if err := t.CreateRecognizer(); err != nil {
		return err
	}
	m.logger.Info("task changed", "task_id", t.ID, "kind", cfg.Kind)
	return nil
}

func (m *Manager) setFlags(flags map[string]bool) error {
	if len(flags) == 0 {
		return fmt.Errorf("%w: no flags", task.ErrMalformedCommand)
	}
	ids := make([]string, 0, len(flags))
	for id := range flags {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	var errs []error
	for _, raw := range ids {
		id := params.NormalizeID(raw)
		t, ok := m.tasks[id]
		if !ok {
			errs = append(errs, &task.TaskError{TaskID: id, Err: task.ErrUnknownTask})
			continue
		}
		t.Enabled = flags[raw]
		m.logger.Debug("task flag set", "task_id", id, "enabled", t.Enabled)
	}
	return errors.Join(errs...)
}

func (m *Manager) setReferences(cmd SetReferenceConfig) error {
	entries := cmd.Entries
	if entries == nil {
		if cmd.Path == "" {
			return fmt.Errorf("%w: no path or entries", task.ErrMalformedCommand)
		}
		loaded, err := reference.Load(cmd.Path)
		if err != nil {
			return err
		}
		entries = loaded
	} else if err := reference.Validate(entries); err != nil {
		return err
	}

	m.refCfg = entries
	m.refs.Reset(entries)
	m.refs.Regate(m.TaskIDs(), m.tasks)
	return nil
}
