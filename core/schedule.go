package core

import (
	"errors"
	"fmt"
	"sort"

	"github.com/signalsfoundry/tsch-simulator/model"
)

var (
	ErrSlotframeExists   = errors.New("slotframe already exists")
	ErrSlotframeNotFound = errors.New("slotframe not found")
	ErrScheduleFull      = errors.New("schedule link capacity reached")
	ErrTimeslotRange     = errors.New("timeslot outside slotframe")
	ErrNoSuchLink        = errors.New("no link at timeslot")
)

// DefaultMaxLinks bounds the number of links across all slotframes.
const DefaultMaxLinks = 90

// Slotframe is a cyclic sequence of Size timeslots and the links scheduled in
// it, kept ordered by timeslot. A timeslot holds at most one link.
type Slotframe struct {
	Handle uint16
	Size   uint16

	links []*model.Link
}

// LinkByTimeslot returns the link at ts, or nil.
func (sf *Slotframe) LinkByTimeslot(ts uint16) *model.Link {
	i := sf.search(ts)
	if i < len(sf.links) && sf.links[i].Timeslot == ts {
		return sf.links[i]
	}
	return nil
}

// Links returns the slotframe's links in timeslot order. The pointers are
// owned by the schedule; callers must not mutate them.
func (sf *Slotframe) Links() []*model.Link {
	out := make([]*model.Link, len(sf.links))
	copy(out, sf.links)
	return out
}

func (sf *Slotframe) search(ts uint16) int {
	return sort.Search(len(sf.links), func(i int) bool {
		return sf.links[i].Timeslot >= ts
	})
}

// Schedule is the Schedule Store: slotframes ordered by handle, each holding
// its links. It is plain data with a fixed link capacity; mutation goes
// through ScheduleManager so it is serialised against slot operation.
type Schedule struct {
	slotframes []*Slotframe
	maxLinks   int
	numLinks   int
	nextHandle uint16
}

// NewSchedule returns an empty schedule holding at most maxLinks links.
func NewSchedule(maxLinks int) *Schedule {
	if maxLinks <= 0 {
		maxLinks = DefaultMaxLinks
	}
	return &Schedule{maxLinks: maxLinks}
}

// AddSlotframe creates a slotframe with a unique handle.
func (s *Schedule) AddSlotframe(handle, size uint16) (*Slotframe, error) {
	if size == 0 {
		return nil, fmt.Errorf("slotframe %d: size must be positive", handle)
	}
	if s.Slotframe(handle) != nil {
		return nil, fmt.Errorf("%w: %d", ErrSlotframeExists, handle)
	}
	sf := &Slotframe{Handle: handle, Size: size}
	idx := sort.Search(len(s.slotframes), func(i int) bool {
		return s.slotframes[i].Handle >= handle
	})
	s.slotframes = append(s.slotframes, nil)
	copy(s.slotframes[idx+1:], s.slotframes[idx:])
	s.slotframes[idx] = sf
	return sf, nil
}

// RemoveSlotframe deletes a slotframe and all of its links.
func (s *Schedule) RemoveSlotframe(handle uint16) error {
	for i, sf := range s.slotframes {
		if sf.Handle == handle {
			s.numLinks -= len(sf.links)
			s.slotframes = append(s.slotframes[:i], s.slotframes[i+1:]...)
			return nil
		}
	}
	return fmt.Errorf("%w: %d", ErrSlotframeNotFound, handle)
}

// Slotframe returns the slotframe with the given handle, or nil.
func (s *Schedule) Slotframe(handle uint16) *Slotframe {
	for _, sf := range s.slotframes {
		if sf.Handle == handle {
			return sf
		}
	}
	return nil
}

// Slotframes returns all slotframes ordered by handle.
func (s *Schedule) Slotframes() []*Slotframe {
	out := make([]*Slotframe, len(s.slotframes))
	copy(out, s.slotframes)
	return out
}

// LinkCount returns the number of links across all slotframes.
func (s *Schedule) LinkCount() int { return s.numLinks }

// AddLink schedules a link. An existing link at the same timeslot of the
// slotframe is replaced.
func (s *Schedule) AddLink(sfHandle uint16, opts model.LinkOptions, typ model.LinkType, addr model.Addr, cell model.Cell) (*model.Link, error) {
	sf := s.Slotframe(sfHandle)
	if sf == nil {
		return nil, fmt.Errorf("%w: %d", ErrSlotframeNotFound, sfHandle)
	}
	if cell.Timeslot >= sf.Size {
		return nil, fmt.Errorf("%w: %d >= %d", ErrTimeslotRange, cell.Timeslot, sf.Size)
	}

	i := sf.search(cell.Timeslot)
	replacing := i < len(sf.links) && sf.links[i].Timeslot == cell.Timeslot
	if !replacing && s.numLinks >= s.maxLinks {
		return nil, fmt.Errorf("%w (%d)", ErrScheduleFull, s.maxLinks)
	}

	s.nextHandle++
	l := &model.Link{
		Handle:          s.nextHandle,
		SlotframeHandle: sfHandle,
		Timeslot:        cell.Timeslot,
		ChannelOffset:   cell.ChannelOffset,
		Options:         opts,
		Type:            typ,
		Addr:            addr,
	}
	if replacing {
		sf.links[i] = l
		return l, nil
	}
	sf.links = append(sf.links, nil)
	copy(sf.links[i+1:], sf.links[i:])
	sf.links[i] = l
	s.numLinks++
	return l, nil
}

// RemoveLink deletes the link at the given timeslot and returns it.
func (s *Schedule) RemoveLink(sfHandle, timeslot uint16) (*model.Link, error) {
	sf := s.Slotframe(sfHandle)
	if sf == nil {
		return nil, fmt.Errorf("%w: %d", ErrSlotframeNotFound, sfHandle)
	}
	i := sf.search(timeslot)
	if i >= len(sf.links) || sf.links[i].Timeslot != timeslot {
		return nil, fmt.Errorf("%w: sf=%d ts=%d", ErrNoSuchLink, sfHandle, timeslot)
	}
	l := sf.links[i]
	sf.links = append(sf.links[:i], sf.links[i+1:]...)
	s.numLinks--
	return l, nil
}

// Holds reports whether l is currently part of the schedule (pointer identity).
func (s *Schedule) Holds(l *model.Link) bool {
	if l == nil {
		return false
	}
	sf := s.Slotframe(l.SlotframeHandle)
	return sf != nil && sf.LinkByTimeslot(l.Timeslot) == l
}

// LinksTo returns links towards addr carrying all of opts, in slotframe then
// timeslot order.
func (s *Schedule) LinksTo(addr model.Addr, opts model.LinkOptions) []*model.Link {
	var out []*model.Link
	for _, sf := range s.slotframes {
		for _, l := range sf.links {
			if l.Addr == addr && l.Options.Has(opts) {
				out = append(out, l)
			}
		}
	}
	return out
}

// Snapshot copies every link out of the schedule.
func (s *Schedule) Snapshot() []model.Link {
	out := make([]model.Link, 0, s.numLinks)
	for _, sf := range s.slotframes {
		for _, l := range sf.links {
			out = append(out, *l)
		}
	}
	return out
}

// NextActiveLink returns the first link strictly after asn across all
// slotframes, the distance to it in slots, and an RX-capable backup link
// that overlaps it. Overlapping links are ranked TX first, then by lower
// slotframe handle. It returns a nil link when the schedule is empty.
func (s *Schedule) NextActiveLink(asn model.ASN) (best *model.Link, diff uint16, backup *model.Link) {
	var bestDiff uint16
	for _, sf := range s.slotframes {
		ts := asn.Mod(sf.Size)
		for _, l := range sf.links {
			var d uint16
			if l.Timeslot > ts {
				d = l.Timeslot - ts
			} else {
				d = sf.Size + l.Timeslot - ts
			}

			switch {
			case best == nil || d < bestDiff:
				best, bestDiff, backup = l, d, nil
			case d == bestDiff:
				var newBest *model.Link
				if best.Options.Has(model.LinkOptionTX) == l.Options.Has(model.LinkOptionTX) {
					if l.SlotframeHandle < best.SlotframeHandle {
						newBest = l
					}
				} else if l.Options.Has(model.LinkOptionTX) {
					newBest = l
				}

				if newBest != l && l.Options.Has(model.LinkOptionRX) {
					if backup == nil || l.SlotframeHandle < backup.SlotframeHandle {
						backup = l
					}
				}
				if newBest != nil && best.Options.Has(model.LinkOptionRX) {
					if backup == nil || best.SlotframeHandle < backup.SlotframeHandle {
						backup = best
					}
				}
				if newBest != nil {
					best = newBest
				}
			}
		}
	}
	return best, bestDiff, backup
}
