// Package node assembles simulated TSCH nodes. A Node is the slot engine
// running on a drifting local clock and a simulated radio, the frame codec,
// the 6P negotiator and, depending on its role, the adaptive cell manager
// controllers or the interferer. A Network builds every node of a scenario
// on one global event loop and drives it with the time controller.
package node

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/signalsfoundry/tsch-simulator/core"
	"github.com/signalsfoundry/tsch-simulator/internal/cellmgr"
	"github.com/signalsfoundry/tsch-simulator/internal/frame"
	"github.com/signalsfoundry/tsch-simulator/internal/logging"
	"github.com/signalsfoundry/tsch-simulator/internal/sched"
	"github.com/signalsfoundry/tsch-simulator/internal/sim"
	"github.com/signalsfoundry/tsch-simulator/internal/sixp"
	"github.com/signalsfoundry/tsch-simulator/internal/tsch"
	"github.com/signalsfoundry/tsch-simulator/model"
)

var (
	ErrStopped     = errors.New("node: event loop stopped")
	ErrNoCellMgr   = errors.New("node: no cell manager on this node")
	ErrNoNegotiate = errors.New("node: node does not negotiate cells")
)

// First payload byte of application frames.
const (
	payloadData      byte = 'D'
	payloadKeepalive byte = 'K'
)

// maxQueuedData bounds the application frames waiting for the parent.
const maxQueuedData = 8

// Config holds the per-node parameters.
type Config struct {
	Role sim.Role
	// Parent is the routing parent, the peer of the cell manager and the
	// time source used when rejoining.
	Parent model.Addr
	// Children whose static cells this node mirrors.
	Children        []model.Addr
	SlotframeHandle uint16
	SlotframeLength uint16
	Engine          tsch.Config
	SixP            sixp.Config
	Pool            cellmgr.PoolConfig
	Allocation      cellmgr.AllocationConfig
	Relocation      cellmgr.RelocationConfig
	Timers          sim.Timers
	Traffic         bool
	PANID           uint16
	// NetworkKey enables frame encryption when set.
	NetworkKey []byte
	Seed       uint64
	// LockPoll is the retry period of schedule updates issued from outside
	// the controllers.
	LockPoll time.Duration
}

// DefaultConfig returns the parameters of the reference experiment for a
// node of the given role.
func DefaultConfig(role sim.Role) Config {
	return Config{
		Role:            role,
		SlotframeLength: cellmgr.DefaultSlotframeLength,
		Engine:          tsch.DefaultConfig(),
		SixP:            sixp.DefaultConfig(),
		Pool:            cellmgr.DefaultPoolConfig(),
		Allocation:      cellmgr.DefaultAllocationConfig(),
		Relocation:      cellmgr.DefaultRelocationConfig(),
		Timers:          sim.DefaultTimers(),
		Traffic:         true,
		PANID:           frame.DefaultPANID,
		Seed:            1,
		LockPoll:        time.Millisecond,
	}
}

// SyncSource supplies the network's slot timing to nodes rejoining after a
// desynchronisation: the ASN of a slot and its start in global time.
type SyncSource interface {
	SyncPoint() (asn model.ASN, slotStart time.Time, ok bool)
}

// Env is the simulated environment a node runs in.
type Env struct {
	// Loop is the global event loop. Clock schedules on it.
	Loop    sched.Scheduler
	Stopped <-chan struct{}
	Clock   *sim.Clock
	Radio   *sim.Radio
	Routing *sim.Routing
	// Interference is sensed by children and driven by interferers.
	Interference *sim.Interference
	Sync         SyncSource
}

// CellMetrics receives the node's cell manager measurements.
// *observability.CellRecorder implements it.
type CellMetrics interface {
	sixp.Recorder
	cellmgr.Metrics
	core.ScheduleMetricsRecorder
	SetSchedule(txCells, statEntries int)
}

// Journal records the node's experiment events. *journal.NodeJournal
// implements it.
type Journal interface {
	cellmgr.Reporter
	TransactionDone(r sixp.Result, at time.Time)
}

// Option configures a Node.
type Option func(*Node)

func WithLogger(l logging.Logger) Option {
	return func(n *Node) { n.log = logging.OrNoop(l) }
}

// WithSlotRecorder attaches slot engine metrics.
func WithSlotRecorder(r tsch.Recorder) Option { return func(n *Node) { n.slotRec = r } }

// WithCellMetrics attaches cell manager metrics.
func WithCellMetrics(m CellMetrics) Option { return func(n *Node) { n.cellRec = m } }

// WithJournal attaches the experiment journal.
func WithJournal(j Journal) Option { return func(n *Node) { n.journal = j } }

func WithTracerProvider(tp trace.TracerProvider) Option { return func(n *Node) { n.tp = tp } }

// WithRunStart sets the origin of the times in controller log events.
func WithRunStart(t time.Time) Option { return func(n *Node) { n.runStart = t } }

// TrafficStats counts application-level frames.
type TrafficStats struct {
	DataSent       int
	DataDelivered  int
	DataReceived   int
	DataForwarded  int
	EBsQueued      int
	KeepalivesSent int
	Rejoins        int
}

// Node is one simulated node. Apart from Do and Update, its methods must be
// called on the event loop.
type Node struct {
	addr   model.Addr
	cfg    Config
	env    Env
	log    logging.Logger
	rng    *rand.Rand
	codec  *frame.Codec
	mgr    *core.ScheduleManager
	engine *tsch.Engine
	route  *sim.RouteView

	neg        *sixp.Negotiator
	pool       *cellmgr.Pool
	alloc      *cellmgr.AllocationController
	reloc      *cellmgr.RelocationController
	interferer *sim.Interferer

	slotRec  tsch.Recorder
	cellRec  CellMetrics
	journal  Journal
	tp       trace.TracerProvider
	runStart time.Time

	seq              uint8
	started          bool
	stopped          bool
	keepalivePending bool
	tasks            []*sched.Task
	timers           map[string]string
	traffic          TrafficStats
}

// New assembles a node. The schedule starts with the minimal cell and the
// mirrored static cells of the node's children; nothing runs until Start.
func New(addr model.Addr, env Env, cfg Config, opts ...Option) (*Node, error) {
	if env.Loop == nil || env.Clock == nil || env.Radio == nil {
		return nil, fmt.Errorf("node %s: incomplete environment", addr)
	}
	n := &Node{
		addr:   addr,
		cfg:    cfg,
		env:    env,
		log:    logging.Noop(),
		rng:    rand.New(rand.NewPCG(cfg.Seed, uint64(addr.ID())<<8|3)),
		timers: make(map[string]string),
	}
	for _, opt := range opts {
		opt(n)
	}
	n.log = n.log.With(logging.String("node", addr.String()), logging.String("role", cfg.Role.String()))
	if n.runStart.IsZero() {
		n.runStart = env.Clock.Now()
	}
	if n.cfg.LockPoll <= 0 {
		n.cfg.LockPoll = time.Millisecond
	}

	codecOpts := []frame.Option{frame.WithPANID(cfg.PANID)}
	if len(cfg.NetworkKey) > 0 {
		codecOpts = append(codecOpts, frame.WithKey(cfg.NetworkKey))
	}
	codec, err := frame.NewCodec(addr, codecOpts...)
	if err != nil {
		return nil, fmt.Errorf("node %s: %w", addr, err)
	}
	n.codec = codec

	var mgrOpts []core.ManagerOption
	mgrOpts = append(mgrOpts, core.WithManagerLogger(n.log))
	if n.cellRec != nil {
		mgrOpts = append(mgrOpts, core.WithScheduleMetrics(n.cellRec))
	}
	n.mgr = core.NewScheduleManager(core.DefaultMaxLinks, mgrOpts...)
	if err := n.installInitialSchedule(); err != nil {
		return nil, fmt.Errorf("node %s: %w", addr, err)
	}

	engineOpts := []tsch.Option{
		tsch.WithConfig(cfg.Engine),
		tsch.WithLogger(n.log),
		tsch.WithRand(rand.New(rand.NewPCG(cfg.Seed, uint64(addr.ID())<<8|1))),
		tsch.WithHooks(tsch.Hooks{
			OnAssociate:    n.onAssociate,
			OnDisassociate: n.onDisassociate,
			OnInput:        n.onInput,
		}),
	}
	if n.slotRec != nil {
		engineOpts = append(engineOpts, tsch.WithRecorder(n.slotRec))
	}
	n.engine = tsch.NewEngine(addr, env.Clock, env.Radio, codec, n.mgr, engineOpts...)

	if env.Routing != nil {
		n.route = env.Routing.View(addr, n.engine, env.Clock)
	}

	switch cfg.Role {
	case sim.RoleInterferer:
		n.interferer = &sim.Interferer{
			SlotframeHandle: cfg.SlotframeHandle,
			Manager:         n.mgr,
			Queue:           n.engine.Queue(),
			Frames:          codec,
			Interference:    env.Interference,
			Depth:           4,
			PayloadLen:      40,
			LockPoll:        n.cfg.LockPoll,
			Log:             n.log,
		}
	default:
		n.buildNegotiator()
		if cfg.Role == sim.RoleChild {
			if err := n.buildCellManager(); err != nil {
				return nil, fmt.Errorf("node %s: %w", addr, err)
			}
		}
	}
	return n, nil
}

func (n *Node) installInitialSchedule() error {
	h := n.cfg.SlotframeHandle
	if err := n.mgr.AddSlotframe(h, n.cfg.SlotframeLength); err != nil {
		return err
	}
	if _, err := n.mgr.AddLink(h,
		model.LinkOptionTX|model.LinkOptionRX|model.LinkOptionShared|model.LinkOptionTimeKeeping,
		model.LinkTypeAdvertising, model.BroadcastAddr,
		model.Cell{Timeslot: model.MinimalCellTimeslot}); err != nil {
		return fmt.Errorf("minimal cell: %w", err)
	}
	// A parent mirrors the static cells its children install towards it.
	for _, child := range n.cfg.Children {
		for _, c := range n.cfg.Allocation.StaticRX {
			if _, err := n.mgr.AddLink(h, model.LinkOptionTX, model.LinkTypeNormal, child, c); err != nil {
				return fmt.Errorf("static cell %s to %s: %w", c, child, err)
			}
		}
		for _, c := range n.cfg.Allocation.StaticTX {
			if _, err := n.mgr.AddLink(h, model.LinkOptionRX, model.LinkTypeNormal, child, c); err != nil {
				return fmt.Errorf("static cell %s from %s: %w", c, child, err)
			}
		}
	}
	return nil
}

func (n *Node) buildNegotiator() {
	sixpCfg := n.cfg.SixP
	sixpCfg.SlotframeHandle = n.cfg.SlotframeHandle
	opts := []sixp.Option{
		sixp.WithConfig(sixpCfg),
		sixp.WithLogger(n.log),
		sixp.WithStats(n.engine.Stats()),
		sixp.OnComplete(n.transactionDone),
	}
	if n.tp != nil {
		opts = append(opts, sixp.WithTracerProvider(n.tp))
	}
	if n.cellRec != nil {
		opts = append(opts, sixp.WithRecorder(n.cellRec))
	}
	n.neg = sixp.New(n.env.Clock, n.mgr, n, opts...)
}

func (n *Node) buildCellManager() error {
	poolCfg := n.cfg.Pool
	poolCfg.SlotframeHandle = n.cfg.SlotframeHandle
	poolCfg.SlotframeLength = n.cfg.SlotframeLength
	poolOpts := []cellmgr.PoolOption{
		cellmgr.WithPoolConfig(poolCfg),
		cellmgr.WithPoolRand(rand.New(rand.NewPCG(n.cfg.Seed, uint64(n.addr.ID())<<8|2))),
		cellmgr.WithPoolLogger(n.log),
	}
	if n.cellRec != nil {
		poolOpts = append(poolOpts, cellmgr.WithPoolMetrics(n.cellRec))
	}
	n.pool = cellmgr.NewPool(n.mgr, poolOpts...)
	if err := n.pool.Init(); err != nil {
		n.log.Warn(context.Background(), "candidate pool partially filled", logging.Err(err))
	}
	n.neg.SetCandidates(n.pool)

	if n.route == nil {
		return errors.New("cell manager needs routing")
	}
	var journal cellmgr.Reporter
	if n.journal != nil {
		journal = n.journal
	}
	reporter := cellmgr.Reporters(cellmgr.LogReporter{Log: n.log, Start: n.localRunStart()}, journal)
	var interference cellmgr.InterferenceSource
	if n.env.Interference != nil {
		interference = n.env.Interference
	}

	allocCfg := n.cfg.Allocation
	allocCfg.SlotframeHandle = n.cfg.SlotframeHandle
	allocCfg.SlotframeDuration = time.Duration(n.cfg.SlotframeLength) * n.cfg.Engine.Timing.SlotLength
	allocCfg.LockPoll = n.cfg.LockPoll
	relocCfg := n.cfg.Relocation
	relocCfg.TargetCells = allocCfg.TargetCells
	relocCfg.LockPoll = n.cfg.LockPoll
	n.alloc = &cellmgr.AllocationController{
		Config:       allocCfg,
		Manager:      n.mgr,
		Pool:         n.pool,
		Negotiator:   n.neg,
		Network:      n.route,
		Queue:        n.engine.Queue(),
		Interference: interference,
		Reporter:     reporter,
		Log:          n.log,
	}
	n.reloc = &cellmgr.RelocationController{
		Config:         relocCfg,
		Manager:        n.mgr,
		Stats:          n.engine.Stats(),
		Pool:           n.pool,
		Negotiator:     n.neg,
		Network:        n.route,
		Interference:   interference,
		AllocationDone: n.alloc.Finished,
		Reporter:       reporter,
		Log:            n.log,
	}
	if n.cellRec != nil {
		n.reloc.Metrics = n.cellRec
	}
	return nil
}

// localRunStart is the run start as read on this node's clock.
func (n *Node) localRunStart() time.Time {
	return n.env.Clock.Local(n.runStart)
}

func (n *Node) Addr() model.Addr                          { return n.addr }
func (n *Node) Role() sim.Role                            { return n.cfg.Role }
func (n *Node) Config() Config                            { return n.cfg }
func (n *Node) Engine() *tsch.Engine                      { return n.engine }
func (n *Node) Schedule() *core.ScheduleManager           { return n.mgr }
func (n *Node) Negotiator() *sixp.Negotiator              { return n.neg }
func (n *Node) Pool() *cellmgr.Pool                       { return n.pool }
func (n *Node) Allocation() *cellmgr.AllocationController { return n.alloc }
func (n *Node) Relocation() *cellmgr.RelocationController { return n.reloc }
func (n *Node) Interferer() *sim.Interferer               { return n.interferer }
func (n *Node) Route() *sim.RouteView                     { return n.route }
func (n *Node) Clock() *sim.Clock                         { return n.env.Clock }
func (n *Node) Radio() *sim.Radio                         { return n.env.Radio }
func (n *Node) Traffic() TrafficStats                     { return n.traffic }
func (n *Node) Started() bool                             { return n.started }

// Start powers the node on: the coordinator forms the network, every other
// node scans for it, and the role's tasks and timers are armed.
func (n *Node) Start() error {
	if n.started {
		return nil
	}
	n.started = true
	ctx := context.Background()

	if n.cfg.Role == sim.RoleCoordinator {
		if err := n.engine.StartCoordinator(); err != nil {
			return fmt.Errorf("node %s: %w", n.addr, err)
		}
		if n.route != nil {
			n.route.Joined(n.env.Clock.Now())
		}
	} else if err := n.engine.Scan(); err != nil {
		return fmt.Errorf("node %s: %w", n.addr, err)
	}

	if n.cfg.Role == sim.RoleCoordinator || len(n.cfg.Children) > 0 {
		n.every("eb", n.cfg.Timers.EBPeriod, n.sendEB)
	}
	if n.cfg.Role != sim.RoleCoordinator && n.cfg.Timers.KeepaliveTimeout > 0 {
		n.every("keepalive", min(time.Second, n.cfg.Timers.KeepaliveTimeout), n.keepalive)
	}
	if n.cfg.Traffic && (n.cfg.Role == sim.RoleChild || n.cfg.Role == sim.RoleNode) {
		n.after("traffic", n.trafficPeriod(), n.sendData)
	}

	switch {
	case n.alloc != nil:
		n.tasks = append(n.tasks,
			sched.Go(n.env.Clock, "allocation", n.alloc.Run),
			sched.Go(n.env.Clock, "relocation", n.reloc.Run))
	case n.interferer != nil && n.env.Interference != nil:
		n.tasks = append(n.tasks, sched.Go(n.env.Clock, "interferer", func(t *sched.Task) error {
			if err := t.WaitUntil(n.engine.IsAssociated, 100*time.Millisecond); err != nil {
				return err
			}
			return n.interferer.Run(t)
		}))
	}
	n.log.Info(ctx, "node started")
	return nil
}

// Stop halts the node's tasks, timers and slot operation.
func (n *Node) Stop() {
	if n.stopped {
		return
	}
	n.stopped = true
	for _, t := range n.tasks {
		t.Stop()
	}
	for name, id := range n.timers {
		n.env.Clock.Cancel(id)
		delete(n.timers, name)
	}
	n.engine.Stop()
}

// after arms a named one-shot timer in local time, replacing a pending one.
func (n *Node) after(name string, d time.Duration, fn func()) {
	if n.stopped {
		return
	}
	if id, ok := n.timers[name]; ok {
		n.env.Clock.Cancel(id)
	}
	n.timers[name] = n.env.Clock.Schedule(n.env.Clock.Now().Add(d), func() {
		delete(n.timers, name)
		fn()
	})
}

// every runs fn with period d, starting after one period.
func (n *Node) every(name string, d time.Duration, fn func()) {
	if d <= 0 {
		return
	}
	var tick func()
	tick = func() {
		fn()
		n.after(name, d, tick)
	}
	n.after(name, d, tick)
}

func (n *Node) nextSeq() uint8 {
	n.seq++
	return n.seq
}

// SendSixP implements sixp.Sender on the node's queue.
func (n *Node) SendSixP(peer model.Addr, body []byte, sent func(ok bool)) error {
	buf, err := n.codec.BuildSixP(peer, n.nextSeq(), body)
	if err != nil {
		return err
	}
	_, err = n.engine.Queue().Enqueue(peer, buf, func(_ *tsch.Packet, status model.TxStatus) {
		if sent != nil {
			sent(status == model.TxOK)
		}
	})
	return err
}

func (n *Node) onAssociate(timeSource model.Addr) {
	if n.route != nil {
		n.route.Joined(n.env.Clock.Now())
	}
	n.log.Info(context.Background(), "joined network", logging.String("time_source", timeSource.String()))
}

func (n *Node) onDisassociate() {
	if n.route != nil {
		n.route.Left()
	}
	n.keepalivePending = false
	n.log.Warn(context.Background(), "left network", logging.Duration("rejoin_in", n.cfg.Timers.RejoinDelay))
	n.after("rejoin", n.cfg.Timers.RejoinDelay, n.rejoin)
}

// rejoin re-synchronises to the network's slot timing, or scans when no sync
// source is known.
func (n *Node) rejoin() {
	if n.stopped || n.engine.IsAssociated() {
		return
	}
	if n.env.Sync == nil {
		if err := n.engine.Scan(); err != nil {
			n.log.Warn(context.Background(), "rejoin: scan failed", logging.Err(err))
		}
		return
	}
	asn, start, ok := n.env.Sync.SyncPoint()
	if !ok {
		n.after("rejoin", n.cfg.Timers.RejoinDelay, n.rejoin)
		return
	}
	if err := n.engine.Associate(asn, n.env.Clock.Local(start), n.cfg.Parent, 1); err != nil {
		n.log.Warn(context.Background(), "rejoin failed", logging.Err(err))
		n.after("rejoin", n.cfg.Timers.RejoinDelay, n.rejoin)
		return
	}
	n.traffic.Rejoins++
}

// SyncPoint reports the ASN and global start time of the slot the engine
// has armed. It implements SyncSource for the coordinator.
func (n *Node) SyncPoint() (model.ASN, time.Time, bool) {
	if !n.engine.IsAssociated() {
		return 0, time.Time{}, false
	}
	return n.engine.ASN(), n.env.Clock.Global(n.engine.CurrentSlotStart()), true
}

func (n *Node) onInput(in tsch.Input) {
	f, err := n.codec.Parse(in.Buf, in.ASN)
	if err != nil {
		n.log.Debug(context.Background(), "dropping input", logging.Err(err))
		return
	}
	if f.Type != frame.TypeData {
		return
	}
	if f.SixP != nil {
		if n.neg != nil {
			n.neg.Input(f.Src, f.SixP)
		}
		return
	}
	if len(f.Payload) == 0 {
		return
	}
	// Keepalives only exist for their ACK.
	if f.Payload[0] != payloadData {
		return
	}
	n.traffic.DataReceived++
	if n.cfg.Role != sim.RoleCoordinator && n.engine.IsAssociated() {
		n.forward(f.Payload)
	}
}

func (n *Node) forward(payload []byte) {
	if n.engine.Queue().PacketCount(n.cfg.Parent) >= maxQueuedData {
		return
	}
	buf, err := n.codec.BuildData(n.cfg.Parent, n.nextSeq(), payload)
	if err != nil {
		return
	}
	if _, err := n.engine.Queue().Enqueue(n.cfg.Parent, buf, nil); err == nil {
		n.traffic.DataForwarded++
	}
}

func (n *Node) sendEB() {
	if !n.engine.IsAssociated() || n.engine.Queue().PacketCount(model.NullAddr) > 0 {
		return
	}
	buf, err := n.codec.BuildBeacon(n.nextSeq(), n.engine.JoinPriority())
	if err != nil {
		n.log.Warn(context.Background(), "cannot build EB", logging.Err(err))
		return
	}
	if _, err := n.engine.Queue().Enqueue(model.NullAddr, buf, nil); err == nil {
		n.traffic.EBsQueued++
	}
}

// keepalive sends an empty frame to the time source when nothing
// resynchronised us for KeepaliveTimeout; its ACK carries a correction.
func (n *Node) keepalive() {
	if n.keepalivePending || !n.engine.IsAssociated() {
		return
	}
	ts, ok := n.engine.TimeSource()
	if !ok {
		return
	}
	if _, last := n.engine.LastSync(); n.env.Clock.Now().Sub(last) < n.cfg.Timers.KeepaliveTimeout {
		return
	}
	buf, err := n.codec.BuildData(ts, n.nextSeq(), []byte{payloadKeepalive})
	if err != nil {
		return
	}
	if _, err := n.engine.Queue().Enqueue(ts, buf, func(*tsch.Packet, model.TxStatus) {
		n.keepalivePending = false
	}); err == nil {
		n.keepalivePending = true
		n.traffic.KeepalivesSent++
	}
}

// txCells counts the TX links towards the parent.
func (n *Node) txCells() int {
	count := 0
	n.mgr.View(func(s *core.Schedule) {
		count = len(s.LinksTo(n.cfg.Parent, model.LinkOptionTX))
	})
	return count
}

// trafficPeriod is one second shared across the TX cells, jittered by 10%,
// or five seconds while there are none.
func (n *Node) trafficPeriod() time.Duration {
	cells := n.txCells()
	if cells == 0 {
		return 5 * time.Second
	}
	base := float64(time.Second) / float64(cells)
	return time.Duration(base * (0.9 + 0.2*n.rng.Float64()))
}

func (n *Node) sendData() {
	defer n.after("traffic", n.trafficPeriod(), n.sendData)
	if !n.engine.IsAssociated() || (n.route != nil && !n.route.IsReachable()) {
		return
	}
	if n.engine.Queue().PacketCount(n.cfg.Parent) >= maxQueuedData {
		return
	}
	seq := n.nextSeq()
	buf, err := n.codec.BuildData(n.cfg.Parent, seq, []byte{payloadData, byte(n.addr.ID() >> 8), byte(n.addr.ID()), seq})
	if err != nil {
		return
	}
	if _, err := n.engine.Queue().Enqueue(n.cfg.Parent, buf, func(_ *tsch.Packet, status model.TxStatus) {
		if status == model.TxOK {
			n.traffic.DataDelivered++
		}
	}); err == nil {
		n.traffic.DataSent++
	}
}

func (n *Node) transactionDone(r sixp.Result) {
	if n.journal != nil {
		n.journal.TransactionDone(r, n.env.Clock.Now())
	}
	if n.cellRec != nil {
		n.cellRec.SetSchedule(n.txCells(), n.engine.Stats().Len())
	}
}

// Do runs fn on the event loop and waits for it. It is the only way for
// other goroutines to touch node state.
func (n *Node) Do(ctx context.Context, fn func() error) error {
	return do(ctx, n.env.Loop, n.env.Stopped, fn)
}

func do(ctx context.Context, loop sched.Scheduler, stopped <-chan struct{}, fn func() error) error {
	select {
	case <-stopped:
		return ErrStopped
	default:
	}
	done := make(chan error, 1)
	loop.Schedule(loop.Now(), func() { done <- fn() })
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-stopped:
		return ErrStopped
	}
}

// Update applies fn to the schedule from any goroutine. The mutation runs in
// a task on the event loop and waits for the slot in operation to end. When
// ctx ends first the task is stopped and fn never commits; if it committed
// already, Update reports its result instead of ctx.Err().
func (n *Node) Update(ctx context.Context, fn func(s *core.Schedule) error) error {
	var task *sched.Task
	if err := n.Do(ctx, func() error {
		task = sched.Go(n.env.Clock, "update", func(t *sched.Task) error {
			return n.mgr.UpdateWait(t, n.cfg.LockPoll, fn)
		})
		return nil
	}); err != nil {
		return err
	}
	select {
	case <-task.Done():
		return task.Err()
	case <-ctx.Done():
		err := ctx.Err()
		if serr := n.Do(context.Background(), func() error {
			select {
			case <-task.Done():
				err = task.Err()
			default:
				task.Stop()
			}
			return nil
		}); serr != nil {
			return serr
		}
		return err
	case <-n.env.Stopped:
		return ErrStopped
	}
}

// SyncState is the synchronisation view of a node.
type SyncState struct {
	Associated   bool
	Coordinator  bool
	Scanning     bool
	Reachable    bool
	ASN          model.ASN
	TimeSource   model.Addr
	JoinPriority uint8
	LastSyncASN  model.ASN
	LastSync     time.Time
	Uptime       time.Duration
	DriftPPM     float64
	Compensation time.Duration
}

// SyncState snapshots the engine's synchronisation state.
func (n *Node) SyncState() SyncState {
	st := SyncState{
		Associated:   n.engine.IsAssociated(),
		Coordinator:  n.engine.IsCoordinator(),
		Scanning:     n.engine.Scanning(),
		ASN:          n.engine.ASN(),
		JoinPriority: n.engine.JoinPriority(),
		Uptime:       n.engine.NetworkUptime(),
		DriftPPM:     n.env.Clock.DriftPPM(),
	}
	st.TimeSource, _ = n.engine.TimeSource()
	st.LastSyncASN, st.LastSync = n.engine.LastSync()
	if n.route != nil {
		st.Reachable = n.route.IsReachable()
	}
	st.Compensation, _ = n.engine.DriftCorrection()
	return st
}

// AddCells asks peer for count TX cells.
func (n *Node) AddCells(peer model.Addr, count int) error {
	if n.neg == nil {
		return ErrNoNegotiate
	}
	return n.neg.Add(peer, count)
}

// DeleteCell asks peer to remove one TX cell.
func (n *Node) DeleteCell(peer model.Addr) error {
	if n.neg == nil {
		return ErrNoNegotiate
	}
	return n.neg.Delete(peer)
}

// RelocateCell asks peer to move cell to one of the pool's candidates.
func (n *Node) RelocateCell(peer model.Addr, cell model.Cell, offered int) error {
	if n.neg == nil {
		return ErrNoNegotiate
	}
	if n.pool == nil {
		return ErrNoCellMgr
	}
	return n.neg.Relocate(peer, cell, n.pool.Offer(offered))
}

// Candidates lists the candidate pool, nil when the node has none.
func (n *Node) Candidates() []model.Cell {
	if n.pool == nil {
		return nil
	}
	return n.pool.Candidates()
}
