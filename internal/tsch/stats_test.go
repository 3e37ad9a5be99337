package tsch

import (
	"testing"

	"github.com/signalsfoundry/tsch-simulator/model"
)

func recordN(s *CellStats, cell model.Cell, total, success int) {
	for i := 0; i < total; i++ {
		s.Record(cell, i < success)
	}
}

func TestCellStats_HalvingMakesEntryRelevant(t *testing.T) {
	s := NewCellStats(4, 32)
	cell := model.Cell{Timeslot: 3, ChannelOffset: 1}
	recordN(s, cell, 31, 10)
	e, ok := s.Lookup(3)
	if !ok || e.Relevant || e.TxTotal != 31 {
		t.Fatalf("after 31 attempts: %+v", e)
	}
	s.Record(cell, false)
	e, _ = s.Lookup(3)
	if !e.Relevant || e.TxTotal != 16 || e.TxSuccess != 5 {
		t.Fatalf("after 32 attempts: %+v, want total=16 success=5 relevant", e)
	}
}

func TestCellStats_SuccessNeverExceedsTotal(t *testing.T) {
	s := NewCellStats(4, 32)
	cell := model.Cell{Timeslot: 5}
	for i := 0; i < 500; i++ {
		s.Record(cell, i%7 != 0)
		e, _ := s.Lookup(5)
		if e.TxSuccess > e.TxTotal || e.TxTotal >= 32 {
			t.Fatalf("iteration %d: %+v", i, e)
		}
	}
}

func TestCellStats_EvaluateThreshold(t *testing.T) {
	s := NewCellStats(4, 32)
	bad := model.Cell{Timeslot: 3}
	good := model.Cell{Timeslot: 4}
	fresh := model.Cell{Timeslot: 6}
	recordN(s, bad, 32, 10)
	recordN(s, good, 32, 20)
	recordN(s, fresh, 10, 0)

	evaluated, selected := s.Evaluate(0.5)
	if evaluated != 2 {
		t.Fatalf("evaluated = %d, want 2 relevant entries", evaluated)
	}
	if len(selected) != 1 || selected[0].Cell != bad {
		t.Fatalf("selected = %+v, want only %s", selected, bad)
	}
	e, _ := s.Lookup(3)
	if !e.Pending {
		t.Fatalf("selected entry not marked pending")
	}

	// Pending entries are frozen.
	s.Record(bad, true)
	if e2, _ := s.Lookup(3); e2.TxTotal != e.TxTotal {
		t.Fatalf("pending entry updated: %+v", e2)
	}

	if n := s.RemovePending(); n != 1 {
		t.Fatalf("RemovePending = %d", n)
	}
	if _, ok := s.Lookup(3); ok {
		t.Fatalf("removed entry still present")
	}
	if s.Len() != 2 {
		t.Fatalf("Len = %d", s.Len())
	}
}

func TestCellStats_Capacity(t *testing.T) {
	s := NewCellStats(2, 32)
	if !s.Record(model.Cell{Timeslot: 1}, true) || !s.Record(model.Cell{Timeslot: 2}, true) {
		t.Fatalf("record under capacity failed")
	}
	if s.Record(model.Cell{Timeslot: 3}, true) {
		t.Fatalf("record beyond capacity accepted")
	}
	if !s.Record(model.Cell{Timeslot: 1}, false) {
		t.Fatalf("existing entry rejected when full")
	}
	if !s.Remove(model.Cell{Timeslot: 1}) {
		t.Fatalf("Remove failed")
	}
	if !s.Record(model.Cell{Timeslot: 3}, true) {
		t.Fatalf("record after Remove failed")
	}
}

func TestCellStats_ClearPending(t *testing.T) {
	s := NewCellStats(4, 4)
	cell := model.Cell{Timeslot: 9}
	recordN(s, cell, 4, 0)
	if _, sel := s.Evaluate(0.5); len(sel) != 1 {
		t.Fatalf("selected = %v", sel)
	}
	s.ClearPending()
	e, _ := s.Lookup(9)
	if e.Pending {
		t.Fatalf("pending mark survived ClearPending")
	}
	s.Record(cell, true)
	if e2, _ := s.Lookup(9); e2.TxTotal != e.TxTotal+1 {
		t.Fatalf("entry not updated after ClearPending: %+v", e2)
	}
}
