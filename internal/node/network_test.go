package node

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/signalsfoundry/tsch-simulator/internal/journal"
	"github.com/signalsfoundry/tsch-simulator/internal/sim"
	"github.com/signalsfoundry/tsch-simulator/model"
)

// smallScenario is a coordinator and one child on a perfect link, with
// shortened timers.
func smallScenario() *sim.Scenario {
	return &sim.Scenario{
		Name:            "pair",
		Seed:            3,
		SlotframeLength: 101,
		TargetCells:     4,
		Traffic:         true,
		Nodes: []sim.NodeSpec{
			{ID: 1, Role: sim.RoleCoordinator},
			{ID: 2, Role: sim.RoleChild, DriftPPM: 10},
		},
		Links: []sim.LinkSpec{{A: 1, B: 2, Quality: sim.LinkQuality{PRR: 1, RSSI: -50}}},
		Timers: sim.Timers{
			EBPeriod:         time.Second,
			KeepaliveTimeout: 12 * time.Second,
			RejoinDelay:      2 * time.Second,
			RouteDelay:       time.Second,
		},
		Controllers: sim.ControllerOverrides{StaticDelay: 2 * time.Second},
	}
}

func TestBuildRejectsInvalidScenario(t *testing.T) {
	sc := smallScenario()
	sc.Nodes = sc.Nodes[1:]
	if _, err := Build(sc); !errors.Is(err, sim.ErrInvalidScenario) {
		t.Fatalf("Build = %v, want ErrInvalidScenario", err)
	}
}

func TestBuildWiresScenario(t *testing.T) {
	net, err := Build(smallScenario())
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	defer net.Close()
	if len(net.Nodes()) != 2 || net.Coordinator() == nil {
		t.Fatalf("nodes = %d, coordinator = %v", len(net.Nodes()), net.Coordinator())
	}
	if _, err := net.Node(model.AddrFromID(9)); !errors.Is(err, ErrUnknownNode) {
		t.Fatalf("Node(9) = %v", err)
	}
	child, err := net.Node(model.AddrFromID(2))
	if err != nil {
		t.Fatalf("Node(2): %v", err)
	}
	if child.Config().Parent != model.AddrFromID(1) || child.Config().Allocation.TargetCells != 4 {
		t.Fatalf("child config = %+v", child.Config())
	}
	if child.Config().Allocation.StaticDelay != 2*time.Second {
		t.Fatalf("static delay override lost")
	}
	// The coordinator mirrors the child's static cells.
	if !net.Coordinator().Schedule().IsScheduled(0, 90) {
		t.Fatalf("coordinator lacks the child's static TX mirror")
	}
	if q, ok := net.Medium().Link(model.AddrFromID(1), model.AddrFromID(2)); !ok || q.RSSI != -50 {
		t.Fatalf("link = %+v, %v", q, ok)
	}
	if p, _ := net.Routing().Parent(model.AddrFromID(2)); p != model.AddrFromID(1) {
		t.Fatalf("routing parent = %v", p)
	}

	if err := net.SetLink(model.AddrFromID(1), model.AddrFromID(7), sim.LinkQuality{PRR: 1}); !errors.Is(err, ErrUnknownNode) {
		t.Fatalf("SetLink to unknown node = %v", err)
	}
	if !net.RemoveLink(model.AddrFromID(2), model.AddrFromID(1)) {
		t.Fatalf("RemoveLink found no link")
	}
}

func TestChildJoinsAndGrowsCells(t *testing.T) {
	j, err := journal.Open(":memory:")
	if err != nil {
		t.Fatalf("journal.Open: %v", err)
	}
	defer j.Close()
	sc := smallScenario()
	if _, err := j.StartRun(context.Background(), journal.RunInfo{Scenario: sc.Name, Seed: sc.Seed, Started: time.Unix(0, 0)}); err != nil {
		t.Fatalf("StartRun: %v", err)
	}

	net, err := Build(sc, WithNetworkJournal(j))
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	defer net.Close()
	if err := net.Run(context.Background(), 90*time.Second); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if got := net.Now().Sub(net.Start()); got != 90*time.Second {
		t.Fatalf("simulated %v", got)
	}

	child, _ := net.Node(model.AddrFromID(2))
	st := child.SyncState()
	if !st.Associated || st.TimeSource != model.AddrFromID(1) || st.JoinPriority != 1 {
		t.Fatalf("child sync state = %+v", st)
	}
	for _, c := range child.Config().Allocation.StaticRX {
		l, ok := child.Schedule().LinkAt(0, c.Timeslot)
		if !ok || l.Options != model.LinkOptionRX || l.Addr != model.AddrFromID(1) {
			t.Fatalf("static RX %s = %+v, %v", c, l, ok)
		}
	}
	if child.Allocation().Added() == 0 {
		t.Fatalf("allocation added no cell")
	}
	if child.Traffic().DataSent == 0 {
		t.Fatalf("child sent no data")
	}
	if net.Coordinator().Traffic().DataReceived == 0 {
		t.Fatalf("coordinator received no data")
	}
	if err := j.Err(); err != nil {
		t.Fatalf("journal: %v", err)
	}
	events, err := j.Events(context.Background(), j.RunID(), journal.KindTransaction)
	if err != nil {
		t.Fatalf("Events: %v", err)
	}
	if len(events) == 0 {
		t.Fatalf("no 6P transaction journaled")
	}
}
