package node

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/signalsfoundry/tsch-simulator/core"
	"github.com/signalsfoundry/tsch-simulator/internal/logging"
	"github.com/signalsfoundry/tsch-simulator/internal/sched"
	"github.com/signalsfoundry/tsch-simulator/internal/sim"
	"github.com/signalsfoundry/tsch-simulator/model"
	"github.com/signalsfoundry/tsch-simulator/timectrl"
)

var epoch = time.Unix(1_700_000_000, 0)

func testEnv(t *testing.T, s *sched.FakeEventScheduler, m *sim.Medium, id uint16) Env {
	t.Helper()
	clock := sim.NewClock(s, 0, 0)
	radio, err := m.Attach(model.AddrFromID(id), clock)
	if err != nil {
		t.Fatalf("Attach(%d): %v", id, err)
	}
	r := sim.NewRouting(model.AddrFromID(1), 0)
	if id != 1 {
		_ = r.SetParent(model.AddrFromID(id), model.AddrFromID(1))
	}
	return Env{Loop: s, Clock: clock, Radio: radio, Routing: r}
}

func TestNewRejectsIncompleteEnv(t *testing.T) {
	if _, err := New(model.AddrFromID(1), Env{}, DefaultConfig(sim.RoleNode)); err == nil {
		t.Fatalf("New accepted an empty environment")
	}
}

func TestParentMirrorsChildStaticCells(t *testing.T) {
	s := sched.NewFakeEventScheduler(epoch)
	m := sim.NewMedium(s)
	cfg := DefaultConfig(sim.RoleCoordinator)
	child := model.AddrFromID(2)
	cfg.Children = []model.Addr{child}

	n, err := New(model.AddrFromID(1), testEnv(t, s, m, 1), cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	minimal, ok := n.Schedule().LinkAt(0, model.MinimalCellTimeslot)
	if !ok || minimal.Type != model.LinkTypeAdvertising || !minimal.Options.Has(model.LinkOptionTimeKeeping|model.LinkOptionShared) {
		t.Fatalf("minimal cell = %+v, %v", minimal, ok)
	}
	for _, c := range cfg.Allocation.StaticRX {
		l, ok := n.Schedule().LinkAt(0, c.Timeslot)
		if !ok || l.Options != model.LinkOptionTX || l.Addr != child || l.ChannelOffset != c.ChannelOffset {
			t.Fatalf("mirror of RX %s = %+v, %v", c, l, ok)
		}
	}
	for _, c := range cfg.Allocation.StaticTX {
		l, ok := n.Schedule().LinkAt(0, c.Timeslot)
		if !ok || l.Options != model.LinkOptionRX || l.Addr != child {
			t.Fatalf("mirror of TX %s = %+v, %v", c, l, ok)
		}
	}
	if n.Pool() != nil || n.Allocation() != nil {
		t.Fatalf("coordinator built a cell manager")
	}
	if n.Negotiator() == nil {
		t.Fatalf("coordinator has no negotiator")
	}
}

func TestRolesBuildTheirComponents(t *testing.T) {
	s := sched.NewFakeEventScheduler(epoch)
	m := sim.NewMedium(s)

	child, err := New(model.AddrFromID(2), testEnv(t, s, m, 2), DefaultConfig(sim.RoleChild))
	if err != nil {
		t.Fatalf("New(child): %v", err)
	}
	if child.Pool() == nil || child.Allocation() == nil || child.Relocation() == nil {
		t.Fatalf("child is missing its cell manager")
	}
	if got := len(child.Candidates()); got != child.Config().Pool.Size {
		t.Fatalf("candidates = %d, want %d", got, child.Config().Pool.Size)
	}

	env := testEnv(t, s, m, 3)
	env.Interference = sim.NewInterference(s, []model.Cell{{Timeslot: 20}}, 0, 0)
	jammer, err := New(model.AddrFromID(3), env, DefaultConfig(sim.RoleInterferer))
	if err != nil {
		t.Fatalf("New(interferer): %v", err)
	}
	if jammer.Interferer() == nil || jammer.Negotiator() != nil {
		t.Fatalf("interferer components wrong")
	}
	if err := jammer.AddCells(model.AddrFromID(1), 1); !errors.Is(err, ErrNoNegotiate) {
		t.Fatalf("AddCells on interferer = %v", err)
	}

	plain, err := New(model.AddrFromID(4), testEnv(t, s, m, 4), DefaultConfig(sim.RoleNode))
	if err != nil {
		t.Fatalf("New(node): %v", err)
	}
	if err := plain.RelocateCell(model.AddrFromID(1), model.Cell{Timeslot: 9}, 3); !errors.Is(err, ErrNoCellMgr) {
		t.Fatalf("RelocateCell without pool = %v", err)
	}
	if plain.Candidates() != nil {
		t.Fatalf("plain node reports candidates")
	}
}

func TestNewRejectsBadKey(t *testing.T) {
	s := sched.NewFakeEventScheduler(epoch)
	m := sim.NewMedium(s)
	cfg := DefaultConfig(sim.RoleNode)
	cfg.NetworkKey = []byte{1, 2, 3}
	if _, err := New(model.AddrFromID(2), testEnv(t, s, m, 2), cfg); err == nil {
		t.Fatalf("New accepted a 3-byte key")
	}
}

func TestCoordinatorSendsBeaconsAndSyncPoint(t *testing.T) {
	s := sched.NewFakeEventScheduler(epoch)
	m := sim.NewMedium(s)
	cfg := DefaultConfig(sim.RoleCoordinator)
	cfg.Traffic = false
	n, err := New(model.AddrFromID(1), testEnv(t, s, m, 1), cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if _, _, ok := n.SyncPoint(); ok {
		t.Fatalf("sync point before start")
	}
	if err := n.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer n.Stop()

	s.AdvanceBy(3 * cfg.Timers.EBPeriod)
	if n.Traffic().EBsQueued == 0 {
		t.Fatalf("no EB queued")
	}
	asn, start, ok := n.SyncPoint()
	if !ok || asn == 0 {
		t.Fatalf("SyncPoint = %d, %v, %v", asn, start, ok)
	}
	st := n.SyncState()
	if !st.Associated || !st.Coordinator || st.JoinPriority != 0 {
		t.Fatalf("SyncState = %+v", st)
	}
	if !st.Reachable {
		t.Fatalf("coordinator unreachable")
	}
}

func TestDoRunsOnLoop(t *testing.T) {
	sc := smallScenario()
	net, err := Build(sc, WithNetworkLogger(logging.NewCapture()))
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- net.Run(ctx, time.Hour) }()

	coord := net.Coordinator()
	errCallback := errors.New("callback failed")
	var started bool
	if err := coord.Do(context.Background(), func() error {
		started = coord.Started()
		return errCallback
	}); !errors.Is(err, errCallback) {
		t.Fatalf("Do = %v, want the callback's error", err)
	}
	if !started {
		t.Fatalf("coordinator not started at its zero start delay")
	}
	err = coord.Update(context.Background(), func(s *core.Schedule) error {
		_, err := s.AddLink(0, model.LinkOptionRX, model.LinkTypeNormal, model.AddrFromID(2), model.Cell{Timeslot: 33, ChannelOffset: 1})
		return err
	})
	if err != nil {
		t.Fatalf("Update: %v", err)
	}
	cancel()
	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Fatalf("Run = %v, want context.Canceled", err)
	}
	if !coord.Schedule().IsScheduled(0, 33) {
		t.Fatalf("update not applied")
	}

	net.Close()
	if err := coord.Do(context.Background(), func() error { return nil }); !errors.Is(err, ErrStopped) {
		t.Fatalf("Do after Close = %v, want ErrStopped", err)
	}
	if err := net.Run(context.Background(), time.Second); !errors.Is(err, ErrStopped) {
		t.Fatalf("Run after Close = %v, want ErrStopped", err)
	}
}

func TestUpdateAbandonedOnContextEnd(t *testing.T) {
	net, err := Build(smallScenario(), WithNetworkLogger(logging.NewCapture()), WithMode(timectrl.RealTime))
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	defer net.Close()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- net.Run(ctx, time.Hour) }()
	defer func() {
		cancel()
		<-done
	}()

	coord := net.Coordinator()
	lock := coord.Schedule().Lock()
	var guard *core.Guard
	for i := 0; guard == nil; i++ {
		if i == 100 {
			t.Fatalf("schedule lock never acquired")
		}
		if err := coord.Do(context.Background(), func() error {
			guard, _ = lock.TryAcquire()
			return nil
		}); err != nil {
			t.Fatalf("Do: %v", err)
		}
		if guard == nil {
			time.Sleep(time.Millisecond)
		}
	}

	upCtx, upCancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer upCancel()
	err = coord.Update(upCtx, func(s *core.Schedule) error {
		_, err := s.AddLink(0, model.LinkOptionRX, model.LinkTypeNormal, model.AddrFromID(2), model.Cell{Timeslot: 33, ChannelOffset: 1})
		return err
	})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Update = %v, want context.DeadlineExceeded", err)
	}

	if err := coord.Do(context.Background(), func() error {
		guard.Release()
		return nil
	}); err != nil {
		t.Fatalf("Do: %v", err)
	}
	// Give a leftover update task many poll periods to commit.
	time.Sleep(50 * time.Millisecond)
	var scheduled, requested bool
	if err := coord.Do(context.Background(), func() error {
		scheduled = coord.Schedule().IsScheduled(0, 33)
		requested = lock.Requested()
		return nil
	}); err != nil {
		t.Fatalf("Do: %v", err)
	}
	if scheduled {
		t.Fatalf("update committed after its context ended")
	}
	if requested {
		t.Fatalf("lock request left pending")
	}
}
