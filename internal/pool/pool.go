// Package pool is a fixed-size worker pool with round/barrier semantics: work
// is queued, a round is opened, and the caller blocks until the round drains.
package pool

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
)

var (
	ErrPoolClosed     = errors.New("pool: closed")
	ErrRoundInFlight  = errors.New("pool: round already in flight")
	ErrNoRound        = errors.New("pool: no round in flight")
	ErrNotInitialized = errors.New("pool: not initialized")
)

// Work is one queued callable. It records its own outcome; the pool only
// logs panics.
type Work func()

// Pool runs queued Work on N goroutines, one round at a time.
type Pool struct {
	mu      sync.Mutex
	cond    *sync.Cond
	queue   []Work
	open    bool // a round is in flight
	closed  bool
	size    int
	pending sync.WaitGroup // items submitted but not finished
	workers sync.WaitGroup

	completed atomic.Int64
	panics    atomic.Int64
	logger    *slog.Logger
}

// New returns an uninitialized pool.
func New(logger *slog.Logger) *Pool {
	if logger == nil {
		logger = slog.Default()
	}
	p := &Pool{logger: logger.With("component", "pool")}
	p.cond = sync.NewCond(&p.mu)
	return p
}

// Initialize starts n workers. It may be called once.
func (p *Pool) Initialize(n int) error {
	if n < 1 {
		return fmt.Errorf("pool: size must be at least 1, got %d", n)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrPoolClosed
	}
	if p.size > 0 {
		return fmt.Errorf("pool: already initialized with %d workers", p.size)
	}
	p.size = n
	for i := 0; i < n; i++ {
		p.workers.Add(1)
		go p.run(i)
	}
	p.logger.Debug("workers started", "count", n)
	return nil
}

// Size is the number of workers.
func (p *Pool) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.size
}

// Submit queues w. Workers pick it up only while a round is open.
func (p *Pool) Submit(w Work) error {
	if w == nil {
		return errors.New("pool: nil work")
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrPoolClosed
	}
	p.pending.Add(1)
	p.queue = append(p.queue, w)
	if p.open {
		p.cond.Signal()
	}
	return nil
}

// StartRound wakes the workers to drain the queue.
func (p *Pool) StartRound() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	switch {
	case p.closed:
		return ErrPoolClosed
	case p.size == 0:
		return ErrNotInitialized
	case p.open:
		return ErrRoundInFlight
	}
	p.open = true
	p.cond.Broadcast()
	return nil
}

// WaitRound blocks until every submitted item has finished, then closes the
// round.
func (p *Pool) WaitRound() error {
	p.mu.Lock()
	if !p.open {
		p.mu.Unlock()
		return ErrNoRound
	}
	p.mu.Unlock()

	p.pending.Wait()

	p.mu.Lock()
	p.open = false
	p.mu.Unlock()
	return nil
}

// InFlight reports whether a round is open.
func (p *Pool) InFlight() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.open
}

// Completed is the number of items run since the pool started.
func (p *Pool) Completed() int64 { return p.completed.Load() }

// Panics is the number of items that panicked.
func (p *Pool) Panics() int64 { return p.panics.Load() }

// Release finishes any in-flight round, drops work that was never started,
// and joins the workers. It is safe to call more than once.
func (p *Pool) Release() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	open := p.open
	p.mu.Unlock()

	if open {
		_ = p.WaitRound()
	}

	p.mu.Lock()
	p.closed = true
	dropped := len(p.queue)
	for range p.queue {
		p.pending.Done()
	}
	p.queue = nil
	p.cond.Broadcast()
	p.mu.Unlock()

	p.workers.Wait()
	if dropped > 0 {
		p.logger.Warn("dropped queued work on release", "count", dropped)
	}
	p.logger.Debug("workers joined", "completed", p.Completed())
}

func (p *Pool) run(id int) {
	defer p.workers.Done()
	for {
		p.mu.Lock()
		for !p.closed && !(p.open && len(p.queue) > 0) {
			p.cond.Wait()
		}
		if p.closed {
			p.mu.Unlock()
			return
		}
		w := p.queue[0]
		p.queue[0] = nil
		p.queue = p.queue[1:]
		p.mu.Unlock()

		p.exec(id, w)
	}
}

func (p *Pool) exec(id int, w Work) {
	defer p.pending.Done()
	defer func() {
		if r := recover(); r != nil {
			p.panics.Add(1)
			p.logger.Error("work item panicked", "worker", id, "panic", r)
		}
	}()
	w()
	p.completed.Add(1)
}
