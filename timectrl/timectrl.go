package timectrl

import (
	"context"
	"sort"
	"sync"
	"time"
)

// SimClock is an interface for accessing simulation time. The event
// scheduler and the simulated radios depend on this abstraction rather than
// on the concrete TimeController.
type SimClock interface {
	// Now returns the current simulation time.
	Now() time.Time
	// After returns a channel that receives the simulation time once d has
	// elapsed in simulation time.
	After(d time.Duration) <-chan time.Time
}

// Stepper is the event source the TimeController drives. sched.EventScheduler
// satisfies it.
type Stepper interface {
	// Next returns the time of the earliest pending event.
	Next() (time.Time, bool)
	// RunDue executes every event due at the current time.
	RunDue()
}

// Mode describes how the TimeController advances simulation time.
type Mode int

const (
	// RealTime paces simulation time against the wall clock.
	RealTime Mode = iota
	// Accelerated jumps from one event to the next as fast as they run.
	Accelerated
)

func (m Mode) String() string {
	if m == Accelerated {
		return "accelerated"
	}
	return "realtime"
}

type timer struct {
	at time.Time
	ch chan time.Time
}

// TimeController drives simulation time and notifies registered listeners
// every Tick of simulation time. It implements SimClock.
type TimeController struct {
	mu        sync.RWMutex
	StartTime time.Time
	Tick      time.Duration
	Mode      Mode

	// currentTime only moves forward.
	currentTime time.Time

	listeners []func(time.Time)
	timers    []timer // ordered by at
}

// NewTimeController constructs a controller.
func NewTimeController(start time.Time, tick time.Duration, mode Mode) *TimeController {
	return &TimeController{
		StartTime:   start,
		Tick:        tick,
		Mode:        mode,
		currentTime: start,
	}
}

// Now returns the current simulation time. Implements SimClock.
func (tc *TimeController) Now() time.Time {
	tc.mu.RLock()
	defer tc.mu.RUnlock()
	return tc.currentTime
}

// SetTime moves simulation time to t and fires any After timers that became
// due. Moving backwards is ignored.
func (tc *TimeController) SetTime(t time.Time) {
	tc.mu.Lock()
	if t.After(tc.currentTime) {
		tc.currentTime = t
	}
	now := tc.currentTime
	n := sort.Search(len(tc.timers), func(i int) bool {
		return tc.timers[i].at.After(now)
	})
	due := make([]timer, n)
	copy(due, tc.timers[:n])
	tc.timers = tc.timers[n:]
	tc.mu.Unlock()

	for _, tm := range due {
		tm.ch <- now
	}
}

// After returns a channel that receives the simulation time once d has
// elapsed. The channel is buffered, so an unread timer never blocks the
// controller. Implements SimClock.
func (tc *TimeController) After(d time.Duration) <-chan time.Time {
	ch := make(chan time.Time, 1)
	tc.mu.Lock()
	at := tc.currentTime.Add(d)
	if d <= 0 {
		now := tc.currentTime
		tc.mu.Unlock()
		ch <- now
		return ch
	}
	idx := sort.Search(len(tc.timers), func(i int) bool {
		return tc.timers[i].at.After(at)
	})
	tc.timers = append(tc.timers, timer{})
	copy(tc.timers[idx+1:], tc.timers[idx:])
	tc.timers[idx] = timer{at: at, ch: ch}
	tc.mu.Unlock()
	return ch
}

// AddListener registers a callback invoked on every tick.
func (tc *TimeController) AddListener(fn func(time.Time)) {
	tc.mu.Lock()
	tc.listeners = append(tc.listeners, fn)
	tc.mu.Unlock()
}

func (tc *TimeController) notify(t time.Time) {
	tc.mu.RLock()
	ls := make([]func(time.Time), len(tc.listeners))
	copy(ls, tc.listeners)
	tc.mu.RUnlock()
	for _, fn := range ls {
		fn(t)
	}
}

// Run drives s until duration of simulation time has elapsed or ctx is done.
// Each iteration moves the clock to the next event and runs everything due;
// with no pending events the clock moves straight to the end. In RealTime
// mode each step waits until the wall clock has caught up with it.
func (tc *TimeController) Run(ctx context.Context, s Stepper, duration time.Duration) error {
	simStart := tc.Now()
	wallStart := time.Now()
	end := simStart.Add(duration)
	nextTick := simStart.Add(tc.Tick)

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		next, ok := s.Next()
		if !ok || next.After(end) {
			next = end
		}

		for tc.Tick > 0 && !nextTick.After(next) {
			if err := tc.pace(ctx, simStart, wallStart, nextTick); err != nil {
				return err
			}
			tc.SetTime(nextTick)
			tc.notify(nextTick)
			nextTick = nextTick.Add(tc.Tick)
		}

		if err := tc.pace(ctx, simStart, wallStart, next); err != nil {
			return err
		}
		tc.SetTime(next)
		s.RunDue()

		if !next.Before(end) {
			return nil
		}
	}
}

// pace blocks until the wall clock reaches the instant that corresponds to
// simulation time t. It returns immediately in Accelerated mode.
func (tc *TimeController) pace(ctx context.Context, simStart, wallStart, t time.Time) error {
	if tc.Mode != RealTime {
		return nil
	}
	wait := time.Until(wallStart.Add(t.Sub(simStart)))
	if wait <= 0 {
		return nil
	}
	tm := time.NewTimer(wait)
	defer tm.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-tm.C:
		return nil
	}
}

// Start runs Run in a separate goroutine and returns a channel that is closed
// when it finishes.
func (tc *TimeController) Start(ctx context.Context, s Stepper, duration time.Duration) <-chan struct{} {
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = tc.Run(ctx, s, duration)
	}()
	return done
}
