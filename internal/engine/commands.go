package engine

import (
	"sync"

	"github.com/andresmejia3/spotter/internal/params"
	"github.com/andresmejia3/spotter/internal/reference"
)

// Command is an inbound instruction applied at the start of Update.
// The set of commands is closed.
type Command interface {
	Name() string
	isCommand()
}

// CreateGroup replaces the whole task map.
type CreateGroup struct {
	GroupID string
	Tasks   map[string]params.Configuration
}

// AddTask declares one new task.
type AddTask struct {
	Config params.Configuration
}

// RemoveTask deletes tasks by id.
type RemoveTask struct {
	IDs []string
}

// ChangeTask replaces a task's configuration and rebuilds its recognizer.
type ChangeTask struct {
	Config params.Configuration
}

// SetFlag enables or disables tasks by id.
type SetFlag struct {
	Enabled map[string]bool
}

// SetReferenceConfig reloads the reference links. Entries, when non-nil, are
// used instead of reading Path.
type SetReferenceConfig struct {
	Path    string
	Entries []reference.Entry
}

func (CreateGroup) Name() string        { return "create_group" }
func (AddTask) Name() string            { return "add_task" }
func (RemoveTask) Name() string         { return "remove_task" }
func (ChangeTask) Name() string         { return "change_task" }
func (SetFlag) Name() string            { return "set_flag" }
func (SetReferenceConfig) Name() string { return "set_reference_config" }

func (CreateGroup) isCommand()        {}
func (AddTask) isCommand()            {}
func (RemoveTask) isCommand()         {}
func (ChangeTask) isCommand()         {}
func (SetFlag) isCommand()            {}
func (SetReferenceConfig) isCommand() {}

// GroupCommand turns a decoded group file into a CreateGroup.
func GroupCommand(g *params.Group) CreateGroup {
	return CreateGroup{GroupID: g.GroupID, Tasks: g.Tasks}
}

// CommandQueue collects commands from any goroutine for the control loop.
type CommandQueue struct {
	mu    sync.Mutex
	items []Command
}

// Push appends cmds.
func (q *CommandQueue) Push(cmds ...Command) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.items = append(q.items, cmds...)
}

// Drain removes and returns everything queued, oldest first.
func (q *CommandQueue) Drain() []Command {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := q.items
	q.items = nil
	return out
}

// Len is the number of queued commands.
func (q *CommandQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

func describe(c Command) string {
	if c == nil {
		return "<nil>"
	}
	return c.Name()
}
