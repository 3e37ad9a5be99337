package cellmgr

import (
	"context"
	"time"

	"github.com/signalsfoundry/tsch-simulator/core"
	"github.com/signalsfoundry/tsch-simulator/internal/logging"
	"github.com/signalsfoundry/tsch-simulator/internal/sched"
	"github.com/signalsfoundry/tsch-simulator/model"
)

// Flusher drops the packets queued for a neighbour. *tsch.Queue implements
// it.
type Flusher interface {
	Flush(addr model.Addr) int
}

// AllocationConfig holds the ADD process parameters.
type AllocationConfig struct {
	SlotframeHandle uint16
	PollInterval    time.Duration
	// StaticRX are installed as soon as the time source is known, StaticTX
	// after StaticDelay. Both are links to the time source.
	StaticRX    []model.Cell
	StaticTX    []model.Cell
	StaticDelay time.Duration
	TargetCells int
	// MaxNumCells scales the wait between additions: the next cell is
	// requested after SlotframeDuration * (MaxNumCells / added) so that
	// every cell has carried traffic for a comparable number of attempts.
	MaxNumCells       int
	SlotframeDuration time.Duration
	TransactionPoll   time.Duration
	MaxSenseRounds    int
	LockPoll          time.Duration
}

func DefaultAllocationConfig() AllocationConfig {
	return AllocationConfig{
		PollInterval: 2 * time.Second,
		StaticRX: []model.Cell{
			{Timeslot: 5, ChannelOffset: 2},
			{Timeslot: 50, ChannelOffset: 3},
			{Timeslot: 80, ChannelOffset: 1},
		},
		StaticTX:          []model.Cell{{Timeslot: 90, ChannelOffset: 3}},
		StaticDelay:       10 * time.Second,
		TargetCells:       30,
		MaxNumCells:       100,
		SlotframeDuration: 1010 * time.Millisecond,
		TransactionPoll:   20 * time.Millisecond,
		MaxSenseRounds:    16,
		LockPoll:          time.Millisecond,
	}
}

// AllocationController grows the TX cells towards the time source one ADD
// at a time until TargetCells is reached.
type AllocationController struct {
	Config       AllocationConfig
	Manager      *core.ScheduleManager
	Pool         *Pool
	Negotiator   Negotiator
	Network      Network
	Queue        Flusher
	Interference InterferenceSource
	Reporter     Reporter
	Log          logging.Logger

	added    int
	finished bool
	started  time.Time
}

// Added is the number of TX cells installed or requested so far.
func (c *AllocationController) Added() int { return c.added }

// Finished reports whether TargetCells was reached.
func (c *AllocationController) Finished() bool { return c.finished }

// Started is when the static cells were in place and growth began.
func (c *AllocationController) Started() time.Time { return c.started }

func (c *AllocationController) log() logging.Logger { return logging.OrNoop(c.Log) }

func (c *AllocationController) parent() (model.Addr, bool) {
	if !c.Network.IsReachable() {
		return model.Addr{}, false
	}
	return c.Network.TimeSource()
}

// Run is the task body.
func (c *AllocationController) Run(t *sched.Task) error {
	var parent model.Addr
	if err := t.WaitUntil(func() bool {
		p, ok := c.parent()
		parent = p
		return ok
	}, c.Config.PollInterval); err != nil {
		return err
	}

	if err := c.installStatic(t, parent, model.LinkOptionRX, c.Config.StaticRX); err != nil {
		return err
	}
	if err := t.Sleep(c.Config.StaticDelay); err != nil {
		return err
	}
	if err := c.installStatic(t, parent, model.LinkOptionTX, c.Config.StaticTX); err != nil {
		return err
	}
	c.added = len(c.Config.StaticTX)
	c.Pool.Prune()
	c.log().Info(context.Background(), "added static cells",
		logging.Int("rx", len(c.Config.StaticRX)), logging.Int("tx", len(c.Config.StaticTX)))
	if err := c.flush(t, parent); err != nil {
		return err
	}
	c.started = t.Now()

	for c.added < c.Config.TargetCells {
		if p, ok := c.Network.TimeSource(); ok {
			parent = p
		}
		wait := c.Config.SlotframeDuration * time.Duration(c.Config.MaxNumCells/max(c.added, 1))
		if err := t.Sleep(wait); err != nil {
			return err
		}
		if err := t.WaitUntil(func() bool { return !c.Negotiator.Busy(parent) }, c.Config.TransactionPoll); err != nil {
			return err
		}
		for round := 0; round < c.Config.MaxSenseRounds; round++ {
			if err := t.Sleep(c.Config.TransactionPoll); err != nil {
				return err
			}
			if c.Interference == nil || !c.Pool.Sense(c.Interference.InterferedCells()) {
				break
			}
			_ = c.Pool.Refill()
		}
		if err := c.flush(t, parent); err != nil {
			return err
		}
		if err := c.Negotiator.Add(parent, 1); err != nil {
			c.log().Warn(context.Background(), "allocation: ADD not sent", logging.Err(err))
			continue
		}
		c.added++
		if c.Reporter != nil {
			c.Reporter.CellAdded(c.added, t.Now())
		}
	}
	c.finished = true
	c.log().Info(context.Background(), "allocation finished", logging.Int("cells", c.added))
	return nil
}

func (c *AllocationController) installStatic(t *sched.Task, parent model.Addr, opts model.LinkOptions, cells []model.Cell) error {
	if len(cells) == 0 {
		return nil
	}
	return c.Manager.UpdateWait(t, c.Config.LockPoll, func(s *core.Schedule) error {
		for i, cell := range cells {
			if _, err := s.AddLink(c.Config.SlotframeHandle, opts, model.LinkTypeNormal, parent, cell); err != nil {
				for _, done := range cells[:i] {
					_, _ = s.RemoveLink(c.Config.SlotframeHandle, done.Timeslot)
				}
				return err
			}
		}
		return nil
	})
}

// flush empties the parent's queue while no slot is in operation.
func (c *AllocationController) flush(t *sched.Task, parent model.Addr) error {
	if c.Queue == nil {
		return nil
	}
	guard, err := c.Manager.Lock().AcquireWait(t, c.Config.LockPoll)
	if err != nil {
		return err
	}
	defer guard.Release()
	if n := c.Queue.Flush(parent); n > 0 {
		c.log().Debug(context.Background(), "flushed parent queue", logging.Int("packets", n))
	}
	return nil
}
