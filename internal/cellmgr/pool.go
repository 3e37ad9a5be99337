// Package cellmgr is the adaptive cell manager: the candidate pool and
// blacklist, and the cooperative controllers that grow the schedule towards
// the time source and relocate cells whose delivery ratio degrades.
package cellmgr

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"

	"github.com/signalsfoundry/tsch-simulator/internal/logging"
	"github.com/signalsfoundry/tsch-simulator/model"
)

const (
	CandidatePoolSize      = 9
	DefaultSlotframeLength = 101
	DefaultNumChannels     = 4
)

// ErrPoolExhausted is returned when no acceptable cell was found within the
// retry budget. The affected pool entry stays empty until Refill succeeds.
var ErrPoolExhausted = errors.New("cellmgr: candidate pool exhausted")

// Occupancy tells whether a timeslot is already in use. core.ScheduleManager
// implements it.
type Occupancy interface {
	IsScheduled(sfHandle, timeslot uint16) bool
}

// Metrics receives pool and controller measurements.
type Metrics interface {
	CandidateReplaced(ok bool)
	BlacklistSize(n int)
	RelocationsRequested(n int)
}

// PoolConfig sizes the pool and the cell space it draws from.
type PoolConfig struct {
	SlotframeHandle uint16
	SlotframeLength uint16
	NumChannels     uint16
	Size            int
	// MaxReplaceAttempts bounds the draws per entry in Replace and Refill.
	// Init always allows SlotframeLength draws per entry.
	MaxReplaceAttempts int
}

func DefaultPoolConfig() PoolConfig {
	return PoolConfig{
		SlotframeLength:    DefaultSlotframeLength,
		NumChannels:        DefaultNumChannels,
		Size:               CandidatePoolSize,
		MaxReplaceAttempts: DefaultSlotframeLength,
	}
}

type candidate struct {
	cell  model.Cell
	valid bool
}

// PoolOption configures a Pool.
type PoolOption func(*Pool)

func WithPoolConfig(c PoolConfig) PoolOption { return func(p *Pool) { p.cfg = c } }

func WithPoolRand(r *rand.Rand) PoolOption {
	return func(p *Pool) {
		if r != nil {
			p.rng = r
		}
	}
}

func WithPoolLogger(l logging.Logger) PoolOption {
	return func(p *Pool) { p.log = logging.OrNoop(l) }
}

func WithPoolMetrics(m Metrics) PoolOption { return func(p *Pool) { p.metrics = m } }

// Pool holds the unallocated cells offered in negotiations. No two entries
// share a timeslot and none uses the minimal cell's timeslot. It is owned by
// the node's scheduler loop.
type Pool struct {
	cfg       PoolConfig
	entries   []candidate
	blacklist Blacklist
	occ       Occupancy
	rng       *rand.Rand
	log       logging.Logger
	metrics   Metrics
}

// NewPool returns an empty pool; call Init to fill it.
func NewPool(occ Occupancy, opts ...PoolOption) *Pool {
	p := &Pool{
		cfg: DefaultPoolConfig(),
		occ: occ,
		rng: rand.New(rand.NewPCG(1, 2)),
		log: logging.Noop(),
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.cfg.Size <= 0 {
		p.cfg.Size = CandidatePoolSize
	}
	if p.cfg.MaxReplaceAttempts <= 0 {
		p.cfg.MaxReplaceAttempts = int(p.cfg.SlotframeLength)
	}
	p.entries = make([]candidate, p.cfg.Size)
	return p
}

func (p *Pool) draw() model.Cell {
	c := model.Cell{
		Timeslot:      uint16(p.rng.IntN(int(p.cfg.SlotframeLength))),
		ChannelOffset: uint16(p.rng.IntN(int(p.cfg.NumChannels))),
	}
	if c.Timeslot == model.MinimalCellTimeslot {
		c.Timeslot++
	}
	return c
}

// taken reports whether ts is used by a candidate other than entry skip.
func (p *Pool) taken(ts uint16, skip int) bool {
	for i, e := range p.entries {
		if i != skip && e.valid && e.cell.Timeslot == ts {
			return true
		}
	}
	return false
}

func (p *Pool) scheduled(ts uint16) bool {
	return p.occ != nil && p.occ.IsScheduled(p.cfg.SlotframeHandle, ts)
}

// Init fills the pool with random cells. Each entry gets SlotframeLength
// draws; when they run out the pool is left partially filled.
func (p *Pool) Init() error {
	for i := range p.entries {
		p.entries[i] = candidate{}
	}
	for i := range p.entries {
		ok := false
		for trial := 0; trial < int(p.cfg.SlotframeLength); trial++ {
			c := p.draw()
			if p.taken(c.Timeslot, i) || p.scheduled(c.Timeslot) {
				continue
			}
			p.entries[i] = candidate{cell: c, valid: true}
			ok = true
			break
		}
		if !ok {
			p.log.Warn(context.Background(), "cellmgr: number of trials for free slot exceeded",
				logging.Int("filled", i), logging.Int("size", len(p.entries)))
			return fmt.Errorf("%w: %d of %d entries filled", ErrPoolExhausted, i, len(p.entries))
		}
	}
	return nil
}

// Candidates returns the valid entries in pool order.
func (p *Pool) Candidates() []model.Cell {
	out := make([]model.Cell, 0, len(p.entries))
	for _, e := range p.entries {
		if e.valid {
			out = append(out, e.cell)
		}
	}
	return out
}

// Offer returns the first n candidates.
func (p *Pool) Offer(n int) []model.Cell {
	c := p.Candidates()
	if n < len(c) {
		c = c[:n]
	}
	return c
}

// IsCandidate reports whether c is in the pool.
func (p *Pool) IsCandidate(c model.Cell) bool {
	for _, e := range p.entries {
		if e.valid && e.cell == c {
			return true
		}
	}
	return false
}

// Replace swaps the candidate at c's timeslot for a fresh cell that is not
// scheduled, not another candidate's timeslot, and not blacklisted. Cells
// that are not candidates are ignored.
func (p *Pool) Replace(c model.Cell) error {
	for i, e := range p.entries {
		if e.valid && e.cell.Timeslot == c.Timeslot {
			return p.fill(i, e.cell.Timeslot)
		}
	}
	return nil
}

// fill draws a cell for entry i. The old timeslot, if any, is never reused.
func (p *Pool) fill(i int, old uint16) error {
	for trial := 0; trial < p.cfg.MaxReplaceAttempts; trial++ {
		c := p.draw()
		if c.Timeslot == old || p.taken(c.Timeslot, i) || p.scheduled(c.Timeslot) || p.blacklist.Contains(c) {
			continue
		}
		p.entries[i] = candidate{cell: c, valid: true}
		if p.metrics != nil {
			p.metrics.CandidateReplaced(true)
		}
		return nil
	}
	p.entries[i] = candidate{}
	if p.metrics != nil {
		p.metrics.CandidateReplaced(false)
	}
	p.log.Warn(context.Background(), "cellmgr: no replacement candidate",
		logging.Int("entry", i), logging.Int("attempts", p.cfg.MaxReplaceAttempts))
	return fmt.Errorf("%w: entry %d after %d draws", ErrPoolExhausted, i, p.cfg.MaxReplaceAttempts)
}

// Prune replaces candidates whose timeslot has been scheduled since they were
// drawn. It returns the number replaced.
func (p *Pool) Prune() int {
	n := 0
	for i, e := range p.entries {
		if e.valid && p.scheduled(e.cell.Timeslot) {
			_ = p.fill(i, e.cell.Timeslot)
			n++
		}
	}
	return n
}

// Refill retries every empty entry once.
func (p *Pool) Refill() error {
	var errs []error
	for i, e := range p.entries {
		if !e.valid {
			if err := p.fill(i, model.MinimalCellTimeslot); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}

// Sense compares the pool against the currently interfered cells. Each match
// is blacklisted and replaced together with the entry after it, even when no
// replacement for the match itself is found. It reports whether anything
// matched.
func (p *Pool) Sense(interfered []model.Cell) bool {
	if len(interfered) == 0 {
		return false
	}
	hit := false
	for i := range p.entries {
		e := p.entries[i]
		if !e.valid || !containsCell(interfered, e.cell) {
			continue
		}
		hit = true
		p.blacklist.Push(e.cell)
		_ = p.fill(i, e.cell.Timeslot)
		if next := (i + 1) % len(p.entries); next != i && p.entries[next].valid {
			_ = p.fill(next, p.entries[next].cell.Timeslot)
		}
	}
	if hit {
		if p.metrics != nil {
			p.metrics.BlacklistSize(p.blacklist.Len())
		}
		p.log.Debug(context.Background(), "cellmgr: interference sensed on candidates",
			logging.Int("blacklisted", p.blacklist.Len()))
	}
	return hit
}

// Blacklist returns the blacklisted cells, oldest first.
func (p *Pool) Blacklist() []model.Cell { return p.blacklist.Entries() }

func containsCell(cells []model.Cell, c model.Cell) bool {
	for _, x := range cells {
		if x == c {
			return true
		}
	}
	return false
}
