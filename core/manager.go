package core

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/signalsfoundry/tsch-simulator/internal/logging"
	"github.com/signalsfoundry/tsch-simulator/model"
)

// ScheduleMetricsRecorder receives the link count after every committed
// schedule mutation.
type ScheduleMetricsRecorder interface {
	SetScheduleLinks(n int)
}

// ManagerOption customises ScheduleManager construction.
type ManagerOption func(*ScheduleManager)

// WithManagerLogger attaches a structured logger.
func WithManagerLogger(l logging.Logger) ManagerOption {
	return func(m *ScheduleManager) {
		if l != nil {
			m.log = l
		}
	}
}

// WithScheduleMetrics attaches a metrics recorder.
func WithScheduleMetrics(r ScheduleMetricsRecorder) ManagerOption {
	return func(m *ScheduleManager) {
		m.metrics = r
	}
}

// ScheduleManager owns a node's Schedule and the Schedule Lock guarding it.
// Every mutation runs inside Update, which holds the lock for exactly the
// duration of the mutation, so the slot engine never observes a partially
// applied change.
type ScheduleManager struct {
	lock Lock

	// mu protects sched and gen against readers on other goroutines; the
	// Schedule Lock is what serialises mutators against slot operation.
	mu    sync.RWMutex
	sched *Schedule
	gen   uint64

	log     logging.Logger
	metrics ScheduleMetricsRecorder
}

// NewScheduleManager returns a manager around an empty schedule.
func NewScheduleManager(maxLinks int, opts ...ManagerOption) *ScheduleManager {
	m := &ScheduleManager{
		sched: NewSchedule(maxLinks),
		log:   logging.Noop(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Lock exposes the Schedule Lock to the slot engine.
func (m *ScheduleManager) Lock() *Lock { return &m.lock }

// Update runs fn with exclusive access to the schedule. It returns ErrLockBusy
// without calling fn when a slot is in operation; the caller is expected to
// retry once the slot ends. fn must leave the schedule unchanged when it
// returns an error.
func (m *ScheduleManager) Update(fn func(s *Schedule) error) error {
	guard, ok := m.lock.TryAcquire()
	if !ok {
		return ErrLockBusy
	}
	defer guard.Release()

	m.mu.Lock()
	err := fn(m.sched)
	if err == nil {
		m.gen++
	}
	n := m.sched.LinkCount()
	m.mu.Unlock()

	if err == nil && m.metrics != nil {
		m.metrics.SetScheduleLinks(n)
	}
	return err
}

// UpdateWait is Update for cooperative tasks: while a slot is in operation it
// sleeps for poll and retries.
func (m *ScheduleManager) UpdateWait(s Sleeper, poll time.Duration, fn func(s *Schedule) error) error {
	for {
		err := m.Update(fn)
		if !errors.Is(err, ErrLockBusy) {
			return err
		}
		if serr := s.Sleep(poll); serr != nil {
			m.lock.CancelRequest()
			return serr
		}
	}
}

// View runs fn with read access to the schedule.
func (m *ScheduleManager) View(fn func(s *Schedule)) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	fn(m.sched)
}

// Generation increments on every committed mutation.
func (m *ScheduleManager) Generation() uint64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.gen
}

// AddSlotframe creates a slotframe.
func (m *ScheduleManager) AddSlotframe(handle, size uint16) error {
	return m.Update(func(s *Schedule) error {
		_, err := s.AddSlotframe(handle, size)
		return err
	})
}

// AddLink schedules a link and returns a copy of it.
func (m *ScheduleManager) AddLink(sfHandle uint16, opts model.LinkOptions, typ model.LinkType, addr model.Addr, cell model.Cell) (model.Link, error) {
	var out model.Link
	err := m.Update(func(s *Schedule) error {
		l, err := s.AddLink(sfHandle, opts, typ, addr, cell)
		if err != nil {
			return err
		}
		out = *l
		return nil
	})
	if err == nil {
		m.log.Debug(context.Background(), "link added", logging.Any("link", out.String()))
	}
	return out, err
}

// RemoveLink removes the link at timeslot and returns a copy of it.
func (m *ScheduleManager) RemoveLink(sfHandle, timeslot uint16) (model.Link, error) {
	var out model.Link
	err := m.Update(func(s *Schedule) error {
		l, err := s.RemoveLink(sfHandle, timeslot)
		if err != nil {
			return err
		}
		out = *l
		return nil
	})
	if err == nil {
		m.log.Debug(context.Background(), "link removed", logging.Any("link", out.String()))
	}
	return out, err
}

// RelocateLink moves the link at from to the cell to, keeping its peer,
// options and type. Both halves happen under one lock acquisition.
func (m *ScheduleManager) RelocateLink(sfHandle uint16, from, to model.Cell) (model.Link, error) {
	var out model.Link
	err := m.Update(func(s *Schedule) error {
		old, err := s.RemoveLink(sfHandle, from.Timeslot)
		if err != nil {
			return err
		}
		l, err := s.AddLink(sfHandle, old.Options, old.Type, old.Addr, to)
		if err != nil {
			// Put the old link back so the schedule is unchanged.
			if _, rerr := s.AddLink(sfHandle, old.Options, old.Type, old.Addr, old.Cell()); rerr != nil {
				return fmt.Errorf("relocate %s -> %s: %w (restore failed: %v)", from, to, err, rerr)
			}
			return fmt.Errorf("relocate %s -> %s: %w", from, to, err)
		}
		out = *l
		return nil
	})
	return out, err
}

// LinkAt returns a copy of the link at timeslot, if any.
func (m *ScheduleManager) LinkAt(sfHandle, timeslot uint16) (model.Link, bool) {
	var (
		out   model.Link
		found bool
	)
	m.View(func(s *Schedule) {
		if sf := s.Slotframe(sfHandle); sf != nil {
			if l := sf.LinkByTimeslot(timeslot); l != nil {
				out, found = *l, true
			}
		}
	})
	return out, found
}

// IsScheduled reports whether any link occupies timeslot in the slotframe.
func (m *ScheduleManager) IsScheduled(sfHandle, timeslot uint16) bool {
	_, ok := m.LinkAt(sfHandle, timeslot)
	return ok
}

// HasSlotframe reports whether the slotframe exists.
func (m *ScheduleManager) HasSlotframe(sfHandle uint16) bool {
	var ok bool
	m.View(func(s *Schedule) { ok = s.Slotframe(sfHandle) != nil })
	return ok
}

// SlotframeSize returns the size of the slotframe, or 0 when absent.
func (m *ScheduleManager) SlotframeSize(sfHandle uint16) uint16 {
	var size uint16
	m.View(func(s *Schedule) {
		if sf := s.Slotframe(sfHandle); sf != nil {
			size = sf.Size
		}
	})
	return size
}

// Snapshot copies every scheduled link.
func (m *ScheduleManager) Snapshot() []model.Link {
	var out []model.Link
	m.View(func(s *Schedule) { out = s.Snapshot() })
	return out
}
