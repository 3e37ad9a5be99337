package node

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"sync"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/signalsfoundry/tsch-simulator/internal/journal"
	"github.com/signalsfoundry/tsch-simulator/internal/logging"
	"github.com/signalsfoundry/tsch-simulator/internal/observability"
	"github.com/signalsfoundry/tsch-simulator/internal/sched"
	"github.com/signalsfoundry/tsch-simulator/internal/sim"
	"github.com/signalsfoundry/tsch-simulator/model"
	"github.com/signalsfoundry/tsch-simulator/timectrl"
)

var (
	ErrUnknownNode = errors.New("node: unknown node")
	ErrRunning     = errors.New("node: network already running")
)

// NetworkOption configures a Network.
type NetworkOption func(*Network)

func WithNetworkLogger(l logging.Logger) NetworkOption {
	return func(n *Network) { n.log = logging.OrNoop(l) }
}

// WithMode selects real-time or accelerated execution.
func WithMode(m timectrl.Mode) NetworkOption { return func(n *Network) { n.mode = m } }

// WithStartTime sets the simulation epoch.
func WithStartTime(t time.Time) NetworkOption { return func(n *Network) { n.start = t } }

func WithSlotCollector(c *observability.SlotCollector) NetworkOption {
	return func(n *Network) { n.slots = c }
}

func WithCellCollector(c *observability.CellCollector) NetworkOption {
	return func(n *Network) { n.cells = c }
}

// WithNetworkJournal records every node's events in j.
func WithNetworkJournal(j *journal.Journal) NetworkOption {
	return func(n *Network) { n.journal = j }
}

func WithNetworkTracerProvider(tp trace.TracerProvider) NetworkOption {
	return func(n *Network) { n.tp = tp }
}

// WithLockPoll sets the retry period of schedule updates from the control
// plane.
func WithLockPoll(d time.Duration) NetworkOption { return func(n *Network) { n.lockPoll = d } }

// Network is a scenario instantiated on one global event loop.
type Network struct {
	scenario *sim.Scenario
	log      logging.Logger
	mode     timectrl.Mode
	start    time.Time
	lockPoll time.Duration
	slots    *observability.SlotCollector
	cells    *observability.CellCollector
	journal  *journal.Journal
	tp       trace.TracerProvider

	tc           *timectrl.TimeController
	loop         sched.EventScheduler
	medium       *sim.Medium
	routing      *sim.Routing
	interference *sim.Interference
	nodes        []*Node
	byAddr       map[model.Addr]*Node
	coordinator  *Node

	mu        sync.Mutex
	running   bool
	closeOnce sync.Once
	stopped   chan struct{}
}

// Build creates every node, link and the interference of s. Nodes power on
// at their start delay once Run is called.
func Build(s *sim.Scenario, opts ...NetworkOption) (*Network, error) {
	if err := s.Validate(); err != nil {
		return nil, err
	}
	n := &Network{
		scenario: s,
		log:      logging.Noop(),
		mode:     timectrl.Accelerated,
		start:    time.Unix(0, 0).UTC(),
		lockPoll: time.Millisecond,
		byAddr:   make(map[model.Addr]*Node),
		stopped:  make(chan struct{}),
	}
	for _, opt := range opts {
		opt(n)
	}

	n.tc = timectrl.NewTimeController(n.start, time.Second, n.mode)
	n.loop = sched.NewEventScheduler(n.tc)
	n.medium = sim.NewMedium(n.loop,
		sim.WithMediumRand(rand.New(rand.NewPCG(s.Seed, 0x6d656469))),
		sim.WithMediumLogger(n.log))

	coord, _ := s.Coordinator()
	n.routing = sim.NewRouting(coord.Addr(), s.Timers.RouteDelay)
	children := make(map[model.Addr][]model.Addr)
	for _, spec := range s.Nodes {
		if spec.Role == sim.RoleCoordinator {
			continue
		}
		parent := s.ParentOf(spec)
		if err := n.routing.SetParent(spec.Addr(), parent); err != nil {
			return nil, fmt.Errorf("node %d: %w", spec.ID, err)
		}
		if spec.Role == sim.RoleChild {
			children[parent] = append(children[parent], spec.Addr())
		}
	}
	if in := s.Interference; in != nil {
		n.interference = sim.NewInterference(n.loop, in.Cells, in.Start, in.Stop)
	}

	for _, spec := range s.Nodes {
		nd, err := n.buildNode(spec, s.ParentOf(spec), children[spec.Addr()])
		if err != nil {
			return nil, err
		}
		n.nodes = append(n.nodes, nd)
		n.byAddr[spec.Addr()] = nd
		if spec.Role == sim.RoleCoordinator {
			n.coordinator = nd
		}
	}
	for _, l := range s.Links {
		if err := n.medium.SetLink(model.AddrFromID(l.A), model.AddrFromID(l.B), l.Quality); err != nil {
			return nil, fmt.Errorf("link %d-%d: %w", l.A, l.B, err)
		}
	}

	for i, spec := range s.Nodes {
		nd := n.nodes[i]
		n.loop.Schedule(n.start.Add(spec.StartDelay), func() {
			if err := nd.Start(); err != nil {
				n.log.Error(context.Background(), "node failed to start",
					logging.String("node", nd.Addr().String()), logging.Err(err))
			}
		})
	}
	return n, nil
}

func (n *Network) buildNode(spec sim.NodeSpec, parent model.Addr, children []model.Addr) (*Node, error) {
	s := n.scenario
	clock := sim.NewClock(n.loop, spec.DriftPPM, spec.Offset)
	radio, err := n.medium.Attach(spec.Addr(), clock)
	if err != nil {
		return nil, fmt.Errorf("node %d: %w", spec.ID, err)
	}

	cfg := DefaultConfig(spec.Role)
	cfg.Parent = parent
	cfg.Children = children
	cfg.SlotframeLength = s.SlotframeLength
	cfg.Pool.SlotframeLength = s.SlotframeLength
	cfg.Pool.MaxReplaceAttempts = int(s.SlotframeLength)
	cfg.Allocation.TargetCells = s.TargetCells
	cfg.Timers = s.Timers
	cfg.Traffic = s.Traffic
	cfg.NetworkKey = s.NetworkKey
	cfg.Seed = s.Seed
	cfg.LockPoll = n.lockPoll
	if c := s.Controllers; c.StaticDelay > 0 {
		cfg.Allocation.StaticDelay = c.StaticDelay
	}
	if c := s.Controllers; c.RelocationStartup > 0 {
		cfg.Relocation.StartupDelay = c.RelocationStartup
	}
	if c := s.Controllers; c.RelocationPeriod > 0 {
		cfg.Relocation.Period = c.RelocationPeriod
	}
	if c := s.Controllers; c.Threshold > 0 {
		cfg.Relocation.Threshold = c.Threshold
	}

	env := Env{
		Loop:         n.loop,
		Stopped:      n.stopped,
		Clock:        clock,
		Radio:        radio,
		Routing:      n.routing,
		Interference: n.interference,
		Sync:         n,
	}
	opts := []Option{
		WithLogger(n.log),
		WithRunStart(n.start),
	}
	if n.slots != nil {
		opts = append(opts, WithSlotRecorder(n.slots.ForNode(spec.Addr())))
	}
	if n.cells != nil {
		opts = append(opts, WithCellMetrics(n.cells.ForNode(spec.Addr())))
	}
	if n.journal != nil {
		opts = append(opts, WithJournal(n.journal.ForNode(spec.Addr())))
	}
	if n.tp != nil {
		opts = append(opts, WithTracerProvider(n.tp))
	}
	return New(spec.Addr(), env, cfg, opts...)
}

// SyncPoint delegates to the coordinator.
func (n *Network) SyncPoint() (model.ASN, time.Time, bool) {
	if n.coordinator == nil {
		return 0, time.Time{}, false
	}
	return n.coordinator.SyncPoint()
}

// Run drives the simulation for duration or until ctx is done. It may be
// called again to continue a finished run.
func (n *Network) Run(ctx context.Context, duration time.Duration) error {
	n.mu.Lock()
	if n.running {
		n.mu.Unlock()
		return ErrRunning
	}
	select {
	case <-n.stopped:
		n.mu.Unlock()
		return ErrStopped
	default:
	}
	n.running = true
	n.mu.Unlock()
	defer func() {
		n.mu.Lock()
		n.running = false
		n.mu.Unlock()
	}()

	n.log.Info(ctx, "simulation running",
		logging.String("scenario", n.scenario.Name),
		logging.String("mode", n.mode.String()),
		logging.Duration("duration", duration),
		logging.Int("nodes", len(n.nodes)))
	err := n.tc.Run(ctx, n.loop, duration)
	st := n.medium.Stats()
	n.log.Info(context.Background(), "simulation paused",
		logging.Duration("elapsed", n.tc.Now().Sub(n.start)),
		logging.Int("transmissions", st.Transmissions),
		logging.Int("collisions", st.Collisions))
	return err
}

// Close stops every node and fails pending and future Do calls. It must not
// be called while Run is in progress.
func (n *Network) Close() {
	n.closeOnce.Do(func() {
		for _, nd := range n.nodes {
			nd.Stop()
		}
		close(n.stopped)
	})
}

// Do runs fn on the event loop while Run is in progress.
func (n *Network) Do(ctx context.Context, fn func() error) error {
	return do(ctx, n.loop, n.stopped, fn)
}

func (n *Network) Scenario() *sim.Scenario { return n.scenario }
func (n *Network) Medium() *sim.Medium     { return n.medium }
func (n *Network) Routing() *sim.Routing   { return n.routing }
func (n *Network) Coordinator() *Node      { return n.coordinator }

// Now is the global simulation time. It is safe from any goroutine.
func (n *Network) Now() time.Time { return n.tc.Now() }

// Start is the simulation epoch.
func (n *Network) Start() time.Time { return n.start }

// Nodes lists the nodes in scenario order.
func (n *Network) Nodes() []*Node { return n.nodes }

// Node looks a node up by address.
func (n *Network) Node(addr model.Addr) (*Node, error) {
	nd, ok := n.byAddr[addr]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownNode, addr)
	}
	return nd, nil
}

// SetLink changes the radio link between a and b. Call it on the loop.
func (n *Network) SetLink(a, b model.Addr, q sim.LinkQuality) error {
	if _, err := n.Node(a); err != nil {
		return err
	}
	if _, err := n.Node(b); err != nil {
		return err
	}
	if a == b {
		return fmt.Errorf("%w: link to itself", sim.ErrInvalidScenario)
	}
	return n.medium.SetLink(a, b, q)
}

// RemoveLink puts a and b out of range. Call it on the loop.
func (n *Network) RemoveLink(a, b model.Addr) bool { return n.medium.RemoveLink(a, b) }
