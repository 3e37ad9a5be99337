// Package tsch implements the TSCH slot engine: per-timeslot link selection,
// transmission with enhanced ACKs, reception with drift measurement, clock
// drift compensation, and re-arming for the next active slot.
//
// The engine is a state machine driven by a sched.Scheduler running in the
// node's local time. Every sub-step of a slot is an event at an absolute
// offset from the slot start, and the engine never blocks.
package tsch

import (
	"context"
	"errors"
	"math/rand/v2"
	"time"

	"github.com/signalsfoundry/tsch-simulator/core"
	"github.com/signalsfoundry/tsch-simulator/internal/logging"
	"github.com/signalsfoundry/tsch-simulator/internal/sched"
	"github.com/signalsfoundry/tsch-simulator/model"
)

var (
	ErrAlreadyAssociated = errors.New("already associated")
	ErrNotAssociated     = errors.New("not associated")
)

// Config holds the engine parameters.
type Config struct {
	Timing  Timing
	Hopping core.HoppingSequence
	// JoinHopping restricts the channels EBs are sent on and scanned. Empty
	// means Hopping.
	JoinHopping core.HoppingSequence

	// Guard is the minimum lead time for a timer to count as on time.
	Guard time.Duration
	// Radio turnaround delays subtracted from scheduled radio operations.
	DelayBeforeTx     time.Duration
	DelayBeforeRx     time.Duration
	DelayBeforeDetect time.Duration
	// PollInterval is the busy-wait period while a frame is in flight.
	PollInterval time.Duration

	// DesyncThreshold is the longest time without synchronisation before a
	// non-coordinator leaves the network.
	DesyncThreshold time.Duration
	BurstMaxLen     int

	InputRingSize    int
	DequeuedRingSize int
	MaxStatCells     int
	MaxNumTx         int

	// Scanning parameters.
	ScanChannelPeriod time.Duration
	ScanPoll          time.Duration

	// MinLearningSlots is the shortest drift learning interval.
	MinLearningSlots uint64
}

// DefaultConfig returns 802.15.4e defaults for 10 ms slots.
func DefaultConfig() Config {
	return Config{
		Timing:            DefaultTiming(),
		Hopping:           core.HoppingSequence4_4,
		PollInterval:      50 * time.Microsecond,
		DesyncThreshold:   120 * time.Second,
		BurstMaxLen:       32,
		InputRingSize:     8,
		DequeuedRingSize:  8,
		MaxStatCells:      DefaultMaxStatCells,
		MaxNumTx:          DefaultMaxNumTx,
		ScanChannelPeriod: time.Second,
		ScanPoll:          10 * time.Millisecond,
		MinLearningSlots:  400,
	}
}

func (c Config) joinSequence() core.HoppingSequence {
	if len(c.JoinHopping) > 0 {
		return c.JoinHopping
	}
	return c.Hopping
}

// Input is a received frame handed to the upper layer.
type Input struct {
	Buf       []byte
	ASN       model.ASN
	Channel   uint8
	RSSI      int8
	LQI       uint8
	Timestamp time.Time
}

// Hooks are upper-layer callbacks. All run on the scheduler loop.
type Hooks struct {
	// OnAssociate runs once slot operation starts after joining.
	OnAssociate func(timeSource model.Addr)
	// OnDisassociate runs after the engine left the network.
	OnDisassociate func()
	// OnSync runs whenever the time source resynchronised us.
	OnSync func()
	// OnInput receives frames from pending-events processing.
	OnInput func(in Input)
}

// Option configures an Engine.
type Option func(*Engine)

// WithConfig replaces the default configuration.
func WithConfig(cfg Config) Option {
	return func(e *Engine) { e.cfg = cfg }
}

// WithLogger attaches a structured logger.
func WithLogger(l logging.Logger) Option {
	return func(e *Engine) { e.log = logging.OrNoop(l) }
}

// WithRecorder attaches a metrics recorder.
func WithRecorder(r Recorder) Option {
	return func(e *Engine) {
		if r != nil {
			e.metrics = r
		}
	}
}

// WithHooks sets the upper-layer callbacks.
func WithHooks(h Hooks) Option {
	return func(e *Engine) { e.hooks = h }
}

// WithRand sets the random source used for backoff and scanning.
func WithRand(r *rand.Rand) Option {
	return func(e *Engine) {
		if r != nil {
			e.rng = r
		}
	}
}

// Engine is the slot engine of one node.
type Engine struct {
	cfg     Config
	self    model.Addr
	s       sched.Scheduler
	radio   Radio
	framer  Framer
	mgr     *core.ScheduleManager
	lock    *core.Lock
	queue   *Queue
	stats   *CellStats
	tsync   *Timesync
	log     logging.Logger
	metrics Recorder
	hooks   Hooks
	rng     *rand.Rand

	// epoch invalidates scheduled steps when slot operation stops.
	epoch uint64

	associated   bool
	coordinator  bool
	scanning     bool
	joinPriority uint8
	asn          model.ASN
	lastSyncASN  model.ASN
	lastSyncTime time.Time

	curStart  time.Time
	link      *model.Link
	backup    *model.Link
	linkGen   uint64
	countsGen uint64
	pkt       *Packet
	nbr       *Neighbor
	channel   uint8

	driftCorrection time.Duration
	driftUsed       bool
	burstScheduled  bool
	burstCount      int

	tx txState
	rx rxState

	input            ring[Input]
	dequeued         ring[*Packet]
	pendingScheduled bool
	inputDrops       int

	scan scanState
}

// NewEngine creates an engine for node self. s must run in the node's local
// time; radio timestamps are interpreted in the same time base.
func NewEngine(self model.Addr, s sched.Scheduler, radio Radio, framer Framer, mgr *core.ScheduleManager, opts ...Option) *Engine {
	e := &Engine{
		cfg:     DefaultConfig(),
		self:    self,
		s:       s,
		radio:   radio,
		framer:  framer,
		mgr:     mgr,
		lock:    mgr.Lock(),
		log:     logging.Noop(),
		metrics: noopRecorder{},
		rng:     rand.New(rand.NewPCG(uint64(self.ID()), 0x7473)),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.queue = NewQueue(WithQueueRand(e.rng), WithLinkCounter(e.countLinks))
	e.stats = NewCellStats(e.cfg.MaxStatCells, e.cfg.MaxNumTx)
	e.tsync = NewTimesync(e.cfg.Timing.SlotLength, e.cfg.MinLearningSlots)
	e.input = newRing[Input](e.cfg.InputRingSize)
	e.dequeued = newRing[*Packet](e.cfg.DequeuedRingSize)
	e.countsGen = ^uint64(0)
	return e
}

func (e *Engine) countLinks(addr model.Addr) (tx, dedicated int) {
	e.mgr.View(func(s *core.Schedule) {
		for _, l := range s.LinksTo(addr, model.LinkOptionTX) {
			tx++
			if !l.Options.Has(model.LinkOptionShared) {
				dedicated++
			}
		}
	})
	return tx, dedicated
}

// Self returns the node address.
func (e *Engine) Self() model.Addr { return e.self }

// Queue returns the neighbor queues.
func (e *Engine) Queue() *Queue { return e.queue }

// Stats returns the cell statistics table.
func (e *Engine) Stats() *CellStats { return e.stats }

// Timesync returns the drift learner.
func (e *Engine) Timesync() *Timesync { return e.tsync }

// Config returns the engine configuration.
func (e *Engine) Config() Config { return e.cfg }

// Schedule returns the schedule manager the engine executes from.
func (e *Engine) Schedule() *core.ScheduleManager { return e.mgr }

// ASN returns the ASN of the current (or next) slot.
func (e *Engine) ASN() model.ASN { return e.asn }

// CurrentSlotStart is the local start time of the slot at ASN().
func (e *Engine) CurrentSlotStart() time.Time { return e.curStart }

// IsAssociated reports whether slot operation is running.
func (e *Engine) IsAssociated() bool { return e.associated }

// IsCoordinator reports whether this node started the network.
func (e *Engine) IsCoordinator() bool { return e.coordinator }

// JoinPriority is the priority advertised in our EBs.
func (e *Engine) JoinPriority() uint8 { return e.joinPriority }

// LastSync returns the ASN and local time of the last synchronisation.
func (e *Engine) LastSync() (model.ASN, time.Time) { return e.lastSyncASN, e.lastSyncTime }

// NetworkUptime estimates time since the network was formed.
func (e *Engine) NetworkUptime() time.Duration {
	if !e.associated {
		return 0
	}
	return time.Duration(e.lastSyncASN)*e.cfg.Timing.SlotLength + e.s.Now().Sub(e.lastSyncTime)
}

// CurrentLink returns a copy of the link of the current slot.
func (e *Engine) CurrentLink() (model.Link, bool) {
	if e.link == nil {
		return model.Link{}, false
	}
	return *e.link, true
}

// DriftCorrection returns the correction applied to the current slot.
func (e *Engine) DriftCorrection() (time.Duration, bool) {
	return e.driftCorrection, e.driftUsed
}

// TimeSource returns the address we synchronise to.
func (e *Engine) TimeSource() (model.Addr, bool) {
	if n := e.queue.TimeSource(); n != nil {
		return n.Addr, true
	}
	return model.Addr{}, false
}

// SetTimeSource switches the time source neighbor.
func (e *Engine) SetTimeSource(addr model.Addr) error {
	_, err := e.queue.SetTimeSource(addr)
	return err
}

// StartCoordinator forms a new network at ASN 0 with the first slot
// starting now.
func (e *Engine) StartCoordinator() error {
	if e.associated {
		return ErrAlreadyAssociated
	}
	e.stopScan()
	e.coordinator = true
	e.joinPriority = 0
	if _, err := e.queue.SetTimeSource(model.Addr{}); err != nil {
		return err
	}
	e.sync(e.s.Now(), 0)
	e.associated = true
	e.log.Info(context.Background(), "network started", logging.String("node", e.self.String()))
	e.startSlotOperation()
	return nil
}

// Associate joins a network given the start time (local) and ASN of a slot
// observed from timeSource, then starts slot operation.
func (e *Engine) Associate(asn model.ASN, slotStart time.Time, timeSource model.Addr, joinPriority uint8) error {
	if e.associated {
		return ErrAlreadyAssociated
	}
	e.stopScan()
	if _, err := e.queue.SetTimeSource(timeSource); err != nil {
		return err
	}
	e.coordinator = false
	e.joinPriority = joinPriority
	e.tsync.Reset()
	e.sync(slotStart, asn)
	e.associated = true
	e.log.Info(context.Background(), "associated",
		logging.String("time_source", timeSource.String()),
		logging.Uint64("asn", uint64(asn)),
		logging.Int("join_priority", int(joinPriority)))
	e.startSlotOperation()
	if e.hooks.OnAssociate != nil {
		e.hooks.OnAssociate(timeSource)
	}
	return nil
}

// Stop halts slot operation and scanning without notifying hooks.
func (e *Engine) Stop() {
	e.epoch++
	e.stopScan()
	e.associated = false
	e.link, e.backup = nil, nil
	e.burstScheduled = false
	_ = e.radio.Off()
	if e.lock.InSlot() {
		e.lock.ExitSlot()
	}
}

func (e *Engine) sync(slotStart time.Time, asn model.ASN) {
	e.curStart = slotStart
	e.asn = asn
	e.lastSyncASN = asn
	e.lastSyncTime = e.s.Now()
	e.link, e.backup = nil, nil
	e.burstScheduled = false
	e.burstCount = 0
	e.driftCorrection, e.driftUsed = 0, false
}

// startSlotOperation arms the first slot after a sync point.
func (e *Engine) startSlotOperation() {
	e.epoch++
	for {
		link, diff, backup := e.nextActiveLink()
		e.link, e.backup = link, backup
		if link == nil {
			diff = 1
		}
		e.asn = e.asn.Add(uint64(diff))
		t := time.Duration(diff) * e.cfg.Timing.SlotLength
		t += e.tsync.Compensate(t)
		prev := e.curStart
		e.curStart = prev.Add(t)
		if e.scheduleAt(prev, t, "assoc", e.slotStart) {
			return
		}
	}
}

func (e *Engine) nextActiveLink() (*model.Link, uint16, *model.Link) {
	var (
		link, backup *model.Link
		diff         uint16
	)
	e.mgr.View(func(s *core.Schedule) {
		link, diff, backup = s.NextActiveLink(e.asn)
	})
	e.linkGen = e.mgr.Generation()
	return link, diff, backup
}

// scheduleAt arms fn at ref+offset. It reports false, after logging a
// deadline miss, when that instant is not at least Guard in the future.
func (e *Engine) scheduleAt(ref time.Time, offset time.Duration, op string, fn func()) bool {
	now := e.s.Now()
	target := ref.Add(offset)
	if !target.Add(-e.cfg.Guard).After(now) {
		e.log.Warn(context.Background(), "!dl-miss",
			logging.String("op", op),
			logging.Duration("since_ref", now.Sub(ref)),
			logging.Duration("offset", offset),
			logging.Uint64("asn", uint64(e.asn)))
		e.metrics.DeadlineMiss(op)
		return false
	}
	epoch := e.epoch
	e.s.Schedule(target, func() {
		if e.epoch == epoch {
			fn()
		}
	})
	return true
}

// step is scheduleAt for in-slot steps: a missed step runs immediately.
func (e *Engine) step(ref time.Time, offset time.Duration, op string, fn func()) {
	if !e.scheduleAt(ref, offset, op, fn) {
		fn()
	}
}

// busyWait polls cond every PollInterval until it holds or deadline passes,
// then runs then.
func (e *Engine) busyWait(cond func() bool, deadline time.Time, then func()) {
	now := e.s.Now()
	if cond() || !now.Before(deadline) {
		then()
		return
	}
	next := now.Add(e.cfg.PollInterval)
	if next.After(deadline) {
		next = deadline
	}
	epoch := e.epoch
	e.s.Schedule(next, func() {
		if e.epoch == epoch {
			e.busyWait(cond, deadline, then)
		}
	})
}
