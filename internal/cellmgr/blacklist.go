package cellmgr

import "github.com/signalsfoundry/tsch-simulator/model"

// BlacklistSize is the number of interfered cells remembered.
const BlacklistSize = 5

// Blacklist is a fixed ring of cells known to suffer interference. When full,
// pushing evicts the oldest entry.
type Blacklist struct {
	buf   [BlacklistSize]model.Cell
	head  int
	count int
}

// Push records c, evicting the oldest entry when the ring is full.
func (b *Blacklist) Push(c model.Cell) {
	tail := (b.head + b.count) % BlacklistSize
	b.buf[tail] = c
	if b.count == BlacklistSize {
		b.head = (b.head + 1) % BlacklistSize
		return
	}
	b.count++
}

// Contains reports whether c (timeslot and channel) is blacklisted.
func (b *Blacklist) Contains(c model.Cell) bool {
	for i := 0; i < b.count; i++ {
		if b.buf[(b.head+i)%BlacklistSize] == c {
			return true
		}
	}
	return false
}

// Entries returns the blacklisted cells, oldest first.
func (b *Blacklist) Entries() []model.Cell {
	out := make([]model.Cell, 0, b.count)
	for i := 0; i < b.count; i++ {
		out = append(out, b.buf[(b.head+i)%BlacklistSize])
	}
	return out
}

func (b *Blacklist) Len() int { return b.count }
