package tsch

import (
	"sync"

	"github.com/signalsfoundry/tsch-simulator/model"
)

// Cell statistics defaults.
const (
	DefaultMaxStatCells = 60
	DefaultMaxNumTx     = 32
)

// CellStatEntry tracks delivery on one TX cell towards the time source.
type CellStatEntry struct {
	Cell      model.Cell
	TxTotal   int
	TxSuccess int
	// Relevant is set once TxTotal has saturated at least once.
	Relevant bool
	// AllocationIndex is the order in which the entry was created.
	AllocationIndex int
	// Pending marks an entry selected for relocation; it is not updated
	// until the mark is cleared or the entry is removed.
	Pending bool
}

// PDR is the delivery ratio, or 1 with no attempts.
func (e CellStatEntry) PDR() float64 {
	if e.TxTotal == 0 {
		return 1
	}
	return float64(e.TxSuccess) / float64(e.TxTotal)
}

// CellStats is the fixed-capacity cell statistics table. Entries are keyed by
// timeslot.
type CellStats struct {
	mu       sync.Mutex
	entries  []CellStatEntry
	capacity int
	maxNumTx int
}

// NewCellStats returns a table with room for capacity entries; counters are
// halved once they reach maxNumTx.
func NewCellStats(capacity, maxNumTx int) *CellStats {
	if capacity <= 0 {
		capacity = DefaultMaxStatCells
	}
	if maxNumTx <= 1 {
		maxNumTx = DefaultMaxNumTx
	}
	return &CellStats{
		entries:  make([]CellStatEntry, 0, capacity),
		capacity: capacity,
		maxNumTx: maxNumTx,
	}
}

func (s *CellStats) index(ts uint16) int {
	for i := range s.entries {
		if s.entries[i].Cell.Timeslot == ts {
			return i
		}
	}
	return -1
}

// Record counts one transmission attempt on cell. It reports false when the
// table is full and the cell had no entry.
func (s *CellStats) Record(cell model.Cell, ok bool) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if i := s.index(cell.Timeslot); i >= 0 {
		e := &s.entries[i]
		if e.Pending {
			return true
		}
		e.TxTotal++
		if ok {
			e.TxSuccess++
		}
		if e.TxTotal >= s.maxNumTx {
			e.TxTotal /= 2
			e.TxSuccess /= 2
			e.Relevant = true
		}
		return true
	}

	if len(s.entries) >= s.capacity {
		return false
	}
	e := CellStatEntry{Cell: cell, TxTotal: 1, AllocationIndex: len(s.entries)}
	if ok {
		e.TxSuccess = 1
	}
	s.entries = append(s.entries, e)
	return true
}

// Lookup returns the entry for timeslot ts.
func (s *CellStats) Lookup(ts uint16) (CellStatEntry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if i := s.index(ts); i >= 0 {
		return s.entries[i], true
	}
	return CellStatEntry{}, false
}

// Entries returns a copy of the table.
func (s *CellStats) Entries() []CellStatEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]CellStatEntry, len(s.entries))
	copy(out, s.entries)
	return out
}

// Len returns the number of entries.
func (s *CellStats) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// Evaluate selects the entries whose loss ratio exceeds threshold among the
// statistically relevant ones, marks them pending and returns them along
// with the number of relevant entries examined. Marks from a previous
// evaluation are cleared first.
func (s *CellStats) Evaluate(threshold float64) (evaluated int, selected []CellStatEntry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.entries {
		s.entries[i].Pending = false
	}
	for i := range s.entries {
		e := &s.entries[i]
		if !e.Relevant || e.TxTotal <= 0 {
			continue
		}
		evaluated++
		if 1-float64(e.TxSuccess)/float64(e.TxTotal) > threshold {
			e.Pending = true
			selected = append(selected, *e)
		}
	}
	return evaluated, selected
}

// Remove drops the entry for cell's timeslot; the last entry takes its place.
func (s *CellStats) Remove(cell model.Cell) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	i := s.index(cell.Timeslot)
	if i < 0 {
		return false
	}
	last := len(s.entries) - 1
	s.entries[i] = s.entries[last]
	s.entries = s.entries[:last]
	return true
}

// RemovePending drops every entry marked pending.
func (s *CellStats) RemovePending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for i := 0; i < len(s.entries); {
		if s.entries[i].Pending {
			last := len(s.entries) - 1
			s.entries[i] = s.entries[last]
			s.entries = s.entries[:last]
			n++
			continue
		}
		i++
	}
	return n
}

// ClearPending removes every pending mark so the entries are updated and
// evaluated again.
func (s *CellStats) ClearPending() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.entries {
		s.entries[i].Pending = false
	}
}
