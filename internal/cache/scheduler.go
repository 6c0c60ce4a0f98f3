package cache

import (
	"errors"
	"sync"
	"time"
)

// ErrSchedulerClosed is returned when scheduling on a scheduler that has been shut down.
var ErrSchedulerClosed = errors.New("scheduler closed")

// Scheduler runs delayed callbacks on a single dedicated goroutine.
// Callbacks never run on the goroutine that scheduled them, and they run one
// at a time, in the order their delays elapse.
//
// Lifecycle:
//   - NewScheduler starts the executor goroutine
//   - Schedule registers a callback with a delay
//   - Shutdown cancels pending callbacks and stops the executor
//
// Thread safety:
//   - All methods are safe for concurrent use
type Scheduler struct {
	tasks   chan func()
	quit    chan struct{}
	done    chan struct{}
	pending map[uint64]*Task
	nextID  uint64
	mu      sync.Mutex
	closed  bool
}

// Task is a handle to one scheduled callback.
type Task struct {
	timer *time.Timer
	s     *Scheduler
	id    uint64
}

// NewScheduler creates a scheduler and starts its executor goroutine.
func NewScheduler() *Scheduler {
	s := &Scheduler{
		tasks:   make(chan func()),
		quit:    make(chan struct{}),
		done:    make(chan struct{}),
		pending: make(map[uint64]*Task),
	}
	go s.run()
	return s
}

func (s *Scheduler) run() {
	defer close(s.done)
	for {
		select {
		case fn := <-s.tasks:
			fn()
		case <-s.quit:
			return
		}
	}
}

// Schedule arranges for fn to run once on the executor after delay d.
// A non-positive delay fires as soon as the executor is free.
func (s *Scheduler) Schedule(d time.Duration, fn func()) (*Task, error) {
	if d < 0 {
		d = 0
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrSchedulerClosed
	}

	s.nextID++
	t := &Task{s: s, id: s.nextID}
	s.pending[t.id] = t
	t.timer = time.AfterFunc(d, func() {
		if !s.release(t.id) {
			return
		}
		select {
		case s.tasks <- fn:
		case <-s.quit:
		}
	})
	return t, nil
}

// release removes a task from the pending set, reporting whether it was
// still pending. Only the first caller for a given task wins.
func (s *Scheduler) release(id uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.pending[id]; !ok {
		return false
	}
	delete(s.pending, id)
	return true
}

// Pending returns the number of callbacks that have not fired or been canceled.
func (s *Scheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

// Shutdown cancels every pending callback, waits for a running callback to
// return, and rejects further scheduling. Safe to call more than once.
func (s *Scheduler) Shutdown() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		<-s.done
		return
	}
	s.closed = true
	for id, t := range s.pending {
		t.timer.Stop()
		delete(s.pending, id)
	}
	s.mu.Unlock()

	close(s.quit)
	<-s.done
}

// Cancel prevents the callback from running. It reports whether the
// callback was still pending; false means it already fired or was canceled.
func (t *Task) Cancel() bool {
	if t == nil {
		return false
	}
	if !t.s.release(t.id) {
		return false
	}
	t.timer.Stop()
	return true
}
