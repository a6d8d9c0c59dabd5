package engine

import (
	"context"
	"sync"

	"github.com/andresmejia3/spotter/internal/types"
)

// Mailbox is a single-slot frame hand-off between a frame source and the
// control loop. In latest-wins mode a Put over an unconsumed frame drops the
// old one; in blocking mode Put waits for the slot to empty.
type Mailbox struct {
	mu       sync.Mutex
	cond     *sync.Cond
	slot     *types.Frame
	closed   bool
	blocking bool
	dropped  int64
}

// NewMailbox returns an open mailbox.
func NewMailbox(blocking bool) *Mailbox {
	m := &Mailbox{blocking: blocking}
	m.cond = sync.NewCond(&m.mu)
	return m
}

// Put deposits f. It returns false if the mailbox is closed or ctx ends
// while waiting for the slot.
func (m *Mailbox) Put(ctx context.Context, f types.Frame) bool {
	stop := context.AfterFunc(ctx, func() {
		m.mu.Lock()
		m.cond.Broadcast()
		m.mu.Unlock()
	})
	defer stop()

	m.mu.Lock()
	defer m.mu.Unlock()
	for m.blocking && m.slot != nil && !m.closed && ctx.Err() == nil {
		m.cond.Wait()
	}
	if m.closed || ctx.Err() != nil {
		return false
	}
	if m.slot != nil {
		m.dropped++
	}
	m.slot = &f
	return true
}

// Take removes the pending frame, if any.
func (m *Mailbox) Take() (types.Frame, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.slot == nil {
		return types.Frame{}, false
	}
	f := *m.slot
	m.slot = nil
	m.cond.Broadcast()
	return f, true
}

// Close stops further Puts. A pending frame can still be taken.
func (m *Mailbox) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	m.cond.Broadcast()
}

// Done reports whether the mailbox is closed and empty.
func (m *Mailbox) Done() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed && m.slot == nil
}

// Dropped is the number of frames overwritten before being taken.
func (m *Mailbox) Dropped() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.dropped
}
