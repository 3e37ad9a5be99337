package cellmgr

import (
	"context"
	"time"

	"github.com/signalsfoundry/tsch-simulator/core"
	"github.com/signalsfoundry/tsch-simulator/internal/logging"
	"github.com/signalsfoundry/tsch-simulator/internal/sched"
	"github.com/signalsfoundry/tsch-simulator/internal/tsch"
	"github.com/signalsfoundry/tsch-simulator/model"
)

// Negotiator is the 6P surface the controllers drive. *sixp.Negotiator
// implements it.
type Negotiator interface {
	Busy(peer model.Addr) bool
	Add(peer model.Addr, count int) error
	Relocate(peer model.Addr, cell model.Cell, candidates []model.Cell) error
}

// Network reports the node's attachment to the network.
type Network interface {
	TimeSource() (model.Addr, bool)
	IsReachable() bool
}

// InterferenceSource lists the cells currently suffering interference. It
// stands in for channel sensing.
type InterferenceSource interface {
	InterferedCells() []model.Cell
}

// Stats is the cell statistics table. *tsch.CellStats implements it.
type Stats interface {
	Evaluate(threshold float64) (evaluated int, selected []tsch.CellStatEntry)
	ClearPending()
	Entries() []tsch.CellStatEntry
}

// RelocationConfig holds the relocation loop timing and thresholds.
type RelocationConfig struct {
	StartupDelay  time.Duration
	ReachablePoll time.Duration
	Period        time.Duration
	// Threshold is the loss ratio above which a cell is relocated.
	Threshold float64
	// TargetCells is the number of cells the allocation controller grows to.
	TargetCells int
	// StableMargin is how many target cells may stay unevaluated when the
	// schedule is declared stable.
	StableMargin    int
	RequestSpacing  time.Duration
	TransactionPoll time.Duration
	Offered         int
	MaxSenseRounds  int
	LockPoll        time.Duration
}

func DefaultRelocationConfig() RelocationConfig {
	return RelocationConfig{
		StartupDelay:    30 * time.Second,
		ReachablePoll:   3 * time.Second,
		Period:          60 * time.Second,
		Threshold:       0.5,
		TargetCells:     30,
		StableMargin:    5,
		RequestSpacing:  time.Second,
		TransactionPoll: 20 * time.Millisecond,
		Offered:         3,
		MaxSenseRounds:  16,
		LockPoll:        time.Millisecond,
	}
}

// RelocationController periodically evaluates the cell statistics and asks
// the time source to relocate cells whose loss ratio exceeds the threshold.
type RelocationController struct {
	Config       RelocationConfig
	Manager      *core.ScheduleManager
	Stats        Stats
	Pool         *Pool
	Negotiator   Negotiator
	Network      Network
	Interference InterferenceSource
	// AllocationDone reports whether the allocation controller finished.
	// Nil means there is none.
	AllocationDone func() bool
	Reporter       Reporter
	Metrics        Metrics
	Log            logging.Logger

	indexStable []time.Time
	passes      int
	stable      bool
}

// Passes returns the number of completed housekeeping passes.
func (c *RelocationController) Passes() int { return c.passes }

// Stable reports whether the schedule was declared stable.
func (c *RelocationController) Stable() bool { return c.stable }

func (c *RelocationController) log() logging.Logger { return logging.OrNoop(c.Log) }

// Run is the task body. It returns nil once the schedule is stable.
func (c *RelocationController) Run(t *sched.Task) error {
	if err := t.Sleep(c.Config.StartupDelay); err != nil {
		return err
	}
	if err := t.WaitUntil(c.Network.IsReachable, c.Config.ReachablePoll); err != nil {
		return err
	}
	for {
		if err := t.Sleep(c.Config.Period); err != nil {
			return err
		}
		done, err := c.Pass(t)
		if err != nil {
			return err
		}
		if done {
			return nil
		}
	}
}

// sense replaces interfered candidates until a round finds none.
func (c *RelocationController) sense() {
	if c.Interference == nil {
		return
	}
	for round := 0; round < c.Config.MaxSenseRounds; round++ {
		if !c.Pool.Sense(c.Interference.InterferedCells()) {
			break
		}
		if err := c.Pool.Refill(); err != nil {
			c.log().Warn(context.Background(), "cellmgr: pool refill failed", logging.Err(err))
		}
	}
}

// Pass runs one housekeeping pass and reports whether the schedule is
// stable.
func (c *RelocationController) Pass(t *sched.Task) (bool, error) {
	peer, ok := c.Network.TimeSource()
	if !ok {
		c.log().Debug(context.Background(), "relocation: no time source")
		return false, nil
	}
	c.log().Info(context.Background(), "relocation: pass starting", logging.Int("pass", c.passes+1))
	c.sense()

	guard, err := c.Manager.Lock().AcquireWait(t, c.Config.LockPoll)
	if err != nil {
		return false, err
	}
	evaluated, selected := c.Stats.Evaluate(c.Config.Threshold)
	guard.Release()

	if err := t.Sleep(c.Config.TransactionPoll); err != nil {
		return false, err
	}
	c.markStable(t.Now(), evaluated, selected)

	for _, e := range selected {
		if err := t.Sleep(c.Config.RequestSpacing); err != nil {
			return false, err
		}
		if err := t.WaitUntil(func() bool {
			if !c.Negotiator.Busy(peer) {
				return true
			}
			c.sense()
			return false
		}, c.Config.TransactionPoll); err != nil {
			return false, err
		}
		if c.Reporter != nil {
			c.Reporter.RelocationRequested(peer, e, t.Now())
		}
		if err := c.Negotiator.Relocate(peer, e.Cell, c.Pool.Offer(c.Config.Offered)); err != nil {
			c.log().Warn(context.Background(), "relocation: request not sent",
				logging.String("cell", e.Cell.String()), logging.Err(err))
		}
	}
	if c.Metrics != nil {
		c.Metrics.RelocationsRequested(len(selected))
	}
	c.passes++

	allocDone := c.AllocationDone == nil || c.AllocationDone()
	if evaluated >= c.Config.TargetCells-c.Config.StableMargin && allocDone && len(selected) == 0 {
		c.stable = true
		now := t.Now()
		if evaluated > 0 && evaluated <= len(c.indexStable) {
			c.indexStable[evaluated-1] = now
		}
		if c.Reporter != nil {
			c.Reporter.Stable(StableReport{
				Peer:        peer,
				At:          now,
				Evaluated:   evaluated,
				IndexStable: append([]time.Time(nil), c.indexStable...),
				Cells:       c.Stats.Entries(),
			})
		}
		return true, nil
	}

	if err := t.WaitUntil(func() bool { return !c.Negotiator.Busy(peer) }, c.Config.TransactionPoll); err != nil {
		return false, err
	}
	if err := t.Sleep(c.Config.RequestSpacing); err != nil {
		return false, err
	}
	guard, err = c.Manager.Lock().AcquireWait(t, c.Config.LockPoll)
	if err != nil {
		return false, err
	}
	c.Stats.ClearPending()
	guard.Release()

	c.log().Info(context.Background(), "relocation: pass done",
		logging.Int("relocated", len(selected)), logging.Int("evaluated", evaluated))
	return false, nil
}

// markStable records the first pass at which each allocation index, and
// every index before it, needed no relocation.
func (c *RelocationController) markStable(now time.Time, evaluated int, selected []tsch.CellStatEntry) {
	if c.indexStable == nil {
		c.indexStable = make([]time.Time, max(c.Config.TargetCells, 1))
	}
	smallest := evaluated
	for _, e := range selected {
		if e.AllocationIndex+1 < smallest {
			smallest = e.AllocationIndex + 1
		}
	}
	for i := 0; i < smallest-1 && i < len(c.indexStable); i++ {
		if c.indexStable[i].IsZero() {
			c.indexStable[i] = now
		}
	}
}
