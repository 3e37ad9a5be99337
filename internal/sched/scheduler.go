package sched

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/signalsfoundry/tsch-simulator/timectrl"
)

// Scheduler is the part of the event scheduler that components need to arm
// and cancel timers. The slot engine, 6P transactions and cooperative tasks
// all depend on this rather than on a concrete clock.
type Scheduler interface {
	// Schedule registers f to run at simulation time at and returns an
	// opaque event ID usable with Cancel.
	Schedule(at time.Time, f func()) (id string)

	// Cancel is a no-op if the ID is unknown or the event already ran.
	Cancel(id string)

	// Now returns the current simulation time.
	Now() time.Time
}

// EventScheduler is a task queue keyed by wake time. The time controller
// moves the clock to Next() and calls RunDue; callbacks run one at a time, in
// time order, and events sharing a timestamp run in the order they were
// scheduled.
type EventScheduler interface {
	Scheduler

	// RunDue executes all events whose scheduled time is <= Now(),
	// including events scheduled by those callbacks that are already due.
	RunDue()

	// Next returns the time of the earliest pending event.
	Next() (time.Time, bool)

	// Len returns the number of pending events.
	Len() int
}

// scheduledEvent represents a single scheduled callback.
type scheduledEvent struct {
	id        string
	when      time.Time
	f         func()
	cancelled bool
}

// eventScheduler keeps events sorted by time and reads the current time from
// a SimClock owned by the time controller.
type eventScheduler struct {
	clock timectrl.SimClock

	mu      sync.Mutex
	counter uint64
	events  []*scheduledEvent // ordered by 'when', FIFO among equal times
	index   map[string]*scheduledEvent
}

// NewEventScheduler creates an event scheduler backed by the given SimClock.
func NewEventScheduler(clock timectrl.SimClock) EventScheduler {
	return &eventScheduler{
		clock: clock,
		index: make(map[string]*scheduledEvent),
	}
}

// Schedule registers a callback to run at the specified simulation time.
func (s *eventScheduler) Schedule(at time.Time, f func()) (id string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.counter++
	id = fmt.Sprintf("ev-%d", s.counter)
	ev := &scheduledEvent{id: id, when: at, f: f}
	s.events = insertEvent(s.events, ev)
	s.index[id] = ev
	return id
}

// insertEvent places ev after every event scheduled at the same time or
// earlier.
func insertEvent(events []*scheduledEvent, ev *scheduledEvent) []*scheduledEvent {
	idx := sort.Search(len(events), func(i int) bool {
		return events[i].when.After(ev.when)
	})
	events = append(events, nil)
	copy(events[idx+1:], events[idx:])
	events[idx] = ev
	return events
}

// Cancel attempts to cancel a previously scheduled event.
func (s *eventScheduler) Cancel(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ev, ok := s.index[id]
	if !ok {
		return
	}
	// Removal from s.events is lazy; RunDue and Next skip cancelled events.
	ev.cancelled = true
	delete(s.index, id)
}

// Now returns the current simulation time from the underlying clock.
func (s *eventScheduler) Now() time.Time {
	return s.clock.Now()
}

// Next returns the time of the earliest non-cancelled event.
func (s *eventScheduler) Next() (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for len(s.events) > 0 && s.events[0].cancelled {
		s.events = s.events[1:]
	}
	if len(s.events) == 0 {
		return time.Time{}, false
	}
	return s.events[0].when, true
}

// Len returns the number of pending events.
func (s *eventScheduler) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.index)
}

// popDueLocked removes and returns the earliest due event, or nil.
// Caller must hold s.mu.
func (s *eventScheduler) popDueLocked(now time.Time) *scheduledEvent {
	for len(s.events) > 0 {
		ev := s.events[0]
		if ev.cancelled {
			s.events = s.events[1:]
			continue
		}
		if ev.when.After(now) {
			return nil
		}
		s.events = s.events[1:]
		delete(s.index, ev.id)
		return ev
	}
	return nil
}

// RunDue executes all events whose scheduled time is <= Now().
func (s *eventScheduler) RunDue() {
	for {
		now := s.clock.Now()
		s.mu.Lock()
		ev := s.popDueLocked(now)
		s.mu.Unlock()
		if ev == nil {
			return
		}
		// Callbacks run outside the lock so they can schedule and cancel.
		if ev.f != nil {
			ev.f()
		}
	}
}
