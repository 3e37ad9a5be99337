package sched

import (
	"errors"
	"sync"
	"time"
)

// ErrTaskStopped is returned from Sleep and WaitUntil once the task has been
// stopped. Task bodies should return it.
var ErrTaskStopped = errors.New("task stopped")

// Task is a cooperative task on an event scheduler. Its body runs on its own
// goroutine, but only while the scheduler loop is parked waiting for it, so
// the body never runs concurrently with any other scheduled callback. Control
// returns to the loop at Sleep and WaitUntil.
type Task struct {
	name string
	s    Scheduler

	resume chan bool
	yield  chan struct{}
	done   chan struct{}

	mu      sync.Mutex
	stopped bool
	parked  bool
	wakeID  string
	err     error
}

// Go starts fn as a task at the scheduler's current time.
func Go(s Scheduler, name string, fn func(t *Task) error) *Task {
	t := &Task{
		name:   name,
		s:      s,
		resume: make(chan bool),
		yield:  make(chan struct{}),
		done:   make(chan struct{}),
	}
	s.Schedule(s.Now(), func() {
		t.mu.Lock()
		if t.stopped {
			t.mu.Unlock()
			close(t.done)
			return
		}
		t.mu.Unlock()
		go t.run(fn)
		<-t.yield
	})
	return t
}

func (t *Task) run(fn func(t *Task) error) {
	err := fn(t)
	t.mu.Lock()
	t.err = err
	t.mu.Unlock()
	close(t.done)
	t.yield <- struct{}{}
}

// Name returns the task name.
func (t *Task) Name() string { return t.name }

// Now returns the scheduler's current time.
func (t *Task) Now() time.Time { return t.s.Now() }

// Sleep suspends the task for d of simulation time.
func (t *Task) Sleep(d time.Duration) error {
	t.mu.Lock()
	if t.stopped {
		t.mu.Unlock()
		return ErrTaskStopped
	}
	t.parked = true
	t.wakeID = t.s.Schedule(t.s.Now().Add(d), t.wake)
	t.mu.Unlock()

	t.yield <- struct{}{}
	if ok := <-t.resume; !ok {
		return ErrTaskStopped
	}
	return nil
}

// wake runs on the scheduler loop and hands control to the task until it
// yields again.
func (t *Task) wake() {
	t.mu.Lock()
	if !t.parked {
		t.mu.Unlock()
		return
	}
	t.parked = false
	t.mu.Unlock()

	t.resume <- true
	<-t.yield
}

// WaitUntil sleeps in steps of poll until cond holds. cond is evaluated on
// the task, so it may read state owned by the scheduler loop.
func (t *Task) WaitUntil(cond func() bool, poll time.Duration) error {
	for !cond() {
		if err := t.Sleep(poll); err != nil {
			return err
		}
	}
	return nil
}

// Stop ends the task at its next suspension point. A parked task is resumed
// immediately so its body can unwind; Stop returns after it yields.
func (t *Task) Stop() {
	t.mu.Lock()
	if t.stopped {
		t.mu.Unlock()
		return
	}
	t.stopped = true
	wasParked := t.parked
	t.parked = false
	id := t.wakeID
	t.mu.Unlock()

	if wasParked {
		t.s.Cancel(id)
		t.resume <- false
		<-t.yield
	}
}

// Done is closed when the task body has returned.
func (t *Task) Done() <-chan struct{} { return t.done }

// Err returns the task body's result once Done is closed.
func (t *Task) Err() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.err
}
