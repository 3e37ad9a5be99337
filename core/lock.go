package core

import (
	"errors"
	"sync"
	"time"
)

// ErrLockBusy is returned when the schedule cannot be locked because a slot
// is in operation or another holder owns the lock.
var ErrLockBusy = errors.New("schedule lock busy")

// Lock is the Schedule Lock shared by the slot engine and schedule mutators.
//
// A mutator that finds a slot in operation leaves a request behind; from then
// on the engine refuses to start slots until the request is either satisfied
// (the mutator retries and acquires) or withdrawn with CancelRequest.
type Lock struct {
	mu        sync.Mutex
	held      bool
	requested bool
	inSlot    bool
}

// Guard is a held Schedule Lock. Release is safe to call more than once, so
// callers can pair TryAcquire with a deferred Release.
type Guard struct {
	l    *Lock
	once sync.Once
}

// Release gives the lock back.
func (g *Guard) Release() {
	if g == nil || g.l == nil {
		return
	}
	g.once.Do(func() {
		g.l.mu.Lock()
		g.l.held = false
		g.l.mu.Unlock()
	})
}

// TryAcquire takes the lock unless it is held or a slot is in operation.
func (l *Lock) TryAcquire() (*Guard, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.held {
		return nil, false
	}
	if l.inSlot {
		l.requested = true
		return nil, false
	}
	l.held = true
	l.requested = false
	return &Guard{l: l}, true
}

// Sleeper yields for d of simulated time. sched.Task implements it.
type Sleeper interface {
	Sleep(d time.Duration) error
}

// AcquireWait retries TryAcquire every poll until it succeeds. If s stops
// sleeping, the request is withdrawn and the sleep error returned.
func (l *Lock) AcquireWait(s Sleeper, poll time.Duration) (*Guard, error) {
	for {
		if g, ok := l.TryAcquire(); ok {
			return g, nil
		}
		if err := s.Sleep(poll); err != nil {
			l.CancelRequest()
			return nil, err
		}
	}
}

// CancelRequest withdraws a pending lock request.
func (l *Lock) CancelRequest() {
	l.mu.Lock()
	l.requested = false
	l.mu.Unlock()
}

// Held reports whether a mutator owns the lock.
func (l *Lock) Held() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.held
}

// Requested reports whether a mutator is waiting for the current slot to end.
func (l *Lock) Requested() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.requested
}

// EnterSlot marks a slot as in operation. It refuses, and the engine must skip
// the slot, while the lock is held or requested.
func (l *Lock) EnterSlot() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.held || l.requested {
		return false
	}
	l.inSlot = true
	return true
}

// ExitSlot marks the end of slot operation.
func (l *Lock) ExitSlot() {
	l.mu.Lock()
	l.inSlot = false
	l.mu.Unlock()
}

// InSlot reports whether a slot is in operation.
func (l *Lock) InSlot() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.inSlot
}
