package sched

import (
	"testing"
	"time"
)

func TestFakeEventScheduler_AdvanceToStepsClock(t *testing.T) {
	start := time.Unix(0, 0)
	s := NewFakeEventScheduler(start)

	var seen []time.Duration
	record := func() { seen = append(seen, s.Now().Sub(start)) }

	s.Schedule(start.Add(30*time.Millisecond), record)
	s.Schedule(start.Add(10*time.Millisecond), func() {
		record()
		// Scheduled from a callback, still inside the advance window.
		s.Schedule(s.Now().Add(5*time.Millisecond), record)
	})

	s.AdvanceTo(start.Add(40 * time.Millisecond))

	want := []time.Duration{10 * time.Millisecond, 15 * time.Millisecond, 30 * time.Millisecond}
	if len(seen) != len(want) {
		t.Fatalf("callbacks observed %v, want %v", seen, want)
	}
	for i := range want {
		if seen[i] != want[i] {
			t.Fatalf("callbacks observed %v, want %v", seen, want)
		}
	}
	if got := s.Now(); !got.Equal(start.Add(40 * time.Millisecond)) {
		t.Fatalf("Now() = %v after advance", got)
	}
}

func TestFakeEventScheduler_NeverMovesBackwards(t *testing.T) {
	start := time.Unix(100, 0)
	s := NewFakeEventScheduler(start)

	var ran bool
	s.Schedule(start.Add(-time.Second), func() { ran = true })

	s.AdvanceTo(start.Add(-2 * time.Second))
	if !s.Now().Equal(start) {
		t.Fatalf("clock moved backwards to %v", s.Now())
	}

	s.RunDue()
	if !ran {
		t.Fatalf("past-due event did not run")
	}
}

func TestFakeEventScheduler_Cancel(t *testing.T) {
	start := time.Unix(0, 0)
	s := NewFakeEventScheduler(start)

	var counter int
	id := s.Schedule(start.Add(time.Second), func() { counter++ })
	s.Cancel(id)
	s.AdvanceBy(2 * time.Second)

	if counter != 0 {
		t.Fatalf("cancelled event ran")
	}
	if s.Len() != 0 {
		t.Fatalf("Len() = %d, want 0", s.Len())
	}
}
