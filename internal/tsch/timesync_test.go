package tsch

import (
	"testing"
	"time"

	"github.com/signalsfoundry/tsch-simulator/model"
)

func TestTimesync_LearnsDrift(t *testing.T) {
	ts := NewTimesync(10*time.Millisecond, 400)
	src := model.AddrFromID(1)

	// The first update only binds the source.
	ts.Update(src, 0, 0)
	if ts.DriftPPM() != 0 {
		t.Fatalf("drift after first update = %v", ts.DriftPPM())
	}

	// 400 µs over 400 slots of 10 ms is 100 ppm.
	ts.Update(src, 400, 400*time.Microsecond)
	if got := ts.DriftPPM(); got != 100 {
		t.Fatalf("DriftPPM = %v, want 100", got)
	}
	if got := ts.Compensate(10 * time.Millisecond); got != time.Microsecond {
		t.Fatalf("Compensate(10ms) = %v, want 1µs", got)
	}
}

func TestTimesync_ShortIntervalsAccumulate(t *testing.T) {
	ts := NewTimesync(10*time.Millisecond, 400)
	src := model.AddrFromID(1)
	ts.Update(src, 0, 0)

	ts.Update(src, 100, 50*time.Microsecond)
	if ts.DriftPPM() != 0 {
		t.Fatalf("learned from a short interval")
	}
	ts.Update(src, 300, 50*time.Microsecond)
	if got := ts.DriftPPM(); got != 25 {
		t.Fatalf("DriftPPM = %v, want 25", got)
	}
}

func TestTimesync_SourceChangeResets(t *testing.T) {
	ts := NewTimesync(10*time.Millisecond, 400)
	a, b := model.AddrFromID(1), model.AddrFromID(2)
	ts.Update(a, 0, 0)
	ts.Update(a, 400, 400*time.Microsecond)
	if ts.DriftPPM() == 0 {
		t.Fatalf("no drift learned")
	}
	ts.Update(b, 400, 400*time.Microsecond)
	if ts.DriftPPM() != 0 {
		t.Fatalf("drift kept across time source change: %v", ts.DriftPPM())
	}
}

func TestTimesync_CompensateCarriesRemainder(t *testing.T) {
	ts := NewTimesync(10*time.Millisecond, 400)
	src := model.AddrFromID(1)
	ts.Update(src, 0, 0)
	ts.Update(src, 400, 400*time.Microsecond)

	// 100 ppm of 1 µs is 0.1 ns; ten calls add up to 1 ns.
	var total time.Duration
	for i := 0; i < 10; i++ {
		total += ts.Compensate(time.Microsecond)
	}
	if total != time.Nanosecond {
		t.Fatalf("total compensation = %v, want 1ns", total)
	}
}
