package journal

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/signalsfoundry/tsch-simulator/internal/cellmgr"
	"github.com/signalsfoundry/tsch-simulator/internal/logging"
	"github.com/signalsfoundry/tsch-simulator/internal/sixp"
	"github.com/signalsfoundry/tsch-simulator/internal/tsch"
	"github.com/signalsfoundry/tsch-simulator/model"
)

var t0 = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

func openTemp(t *testing.T, opts ...Option) *Journal {
	t.Helper()
	j, err := Open(filepath.Join(t.TempDir(), "runs.db"), opts...)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = j.Close() })
	return j
}

func TestJournal_RecordsControllerEvents(t *testing.T) {
	ctx := context.Background()
	j := openTemp(t)

	run, err := j.StartRun(ctx, RunInfo{Scenario: "two-node", Seed: 7, Started: t0, Params: map[string]any{"target_cells": 30}})
	if err != nil {
		t.Fatalf("StartRun: %v", err)
	}
	if run == uuid.Nil || j.RunID() != run {
		t.Fatalf("run id = %v, journal has %v", run, j.RunID())
	}

	child := model.AddrFromID(1)
	parent := model.AddrFromID(2)
	var rep cellmgr.Reporter = j.ForNode(child)

	rep.CellAdded(2, t0.Add(40*time.Second))
	rep.RelocationRequested(parent, tsch.CellStatEntry{
		Cell:            model.Cell{Timeslot: 33, ChannelOffset: 1},
		TxTotal:         16,
		TxSuccess:       5,
		AllocationIndex: 1,
	}, t0.Add(90*time.Second))
	j.ForNode(child).TransactionDone(sixp.Result{
		Peer:     parent,
		Cmd:      sixp.CmdRelocate,
		Outcome:  sixp.OutcomeSuccess,
		RC:       sixp.RCSuccess,
		Cells:    []model.Cell{{Timeslot: 61, ChannelOffset: 2}},
		From:     []model.Cell{{Timeslot: 33, ChannelOffset: 1}},
		Duration: 30 * time.Millisecond,
	}, t0.Add(91*time.Second))
	rep.Stable(cellmgr.StableReport{
		Peer:        parent,
		At:          t0.Add(150 * time.Second),
		Evaluated:   2,
		IndexStable: []time.Time{t0.Add(90 * time.Second), t0.Add(150 * time.Second), {}},
		Cells: []tsch.CellStatEntry{
			{Cell: model.Cell{Timeslot: 61, ChannelOffset: 2}, TxTotal: 16, TxSuccess: 16},
		},
	})
	if err := j.Err(); err != nil {
		t.Fatalf("journal write failed: %v", err)
	}

	all, err := j.Events(ctx, run, "")
	if err != nil {
		t.Fatalf("Events: %v", err)
	}
	var kinds []string
	for _, e := range all {
		kinds = append(kinds, e.Kind)
	}
	want := []string{KindRunStarted, KindCellAdded, KindRelocationRequested, KindTransaction, KindStable}
	if len(kinds) != len(want) {
		t.Fatalf("kinds = %v, want %v", kinds, want)
	}
	for i := range want {
		if kinds[i] != want[i] {
			t.Fatalf("kinds = %v, want %v", kinds, want)
		}
	}

	added, err := j.Events(ctx, run, KindCellAdded)
	if err != nil || len(added) != 1 {
		t.Fatalf("cell_added events = %v, %v", added, err)
	}
	if added[0].Offset != 40*time.Second || added[0].Node != child.String() {
		t.Fatalf("cell_added = %+v", added[0])
	}
	if got := added[0].Detail["total"]; got != float64(2) {
		t.Fatalf("total = %v (%T)", got, got)
	}

	tx, _ := j.Events(ctx, run, KindTransaction)
	if len(tx) != 1 || tx[0].Detail["command"] != "relocate" || tx[0].Detail["outcome"] != "success" {
		t.Fatalf("transaction events = %+v", tx)
	}

	offsets, err := j.StabilityOffsets(ctx, run, child)
	if err != nil {
		t.Fatalf("StabilityOffsets: %v", err)
	}
	if len(offsets) != 2 || offsets[0] != 90*time.Second || offsets[1] != 150*time.Second {
		t.Fatalf("offsets = %v", offsets)
	}
}

func TestJournal_NoRun(t *testing.T) {
	log := logging.NewCapture()
	j := openTemp(t, WithLogger(log))

	if err := j.Record(context.Background(), model.AddrFromID(1), KindCellAdded, t0, nil); !errors.Is(err, ErrNoRun) {
		t.Fatalf("Record before StartRun = %v", err)
	}
	j.ForNode(model.AddrFromID(1)).CellAdded(1, t0)
	if !errors.Is(j.Err(), ErrNoRun) {
		t.Fatalf("Err = %v", j.Err())
	}
	if len(log.Matching("journal: write failed")) != 1 {
		t.Fatalf("write failure not logged: %+v", log.Entries())
	}
}

func TestJournal_RunsAreSeparate(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "runs.db")
	node := model.AddrFromID(3)

	first, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	run1, _ := first.StartRun(ctx, RunInfo{Scenario: "a", Started: t0})
	first.ForNode(node).CellAdded(2, t0.Add(time.Second))
	if err := first.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if _, err := first.StartRun(ctx, RunInfo{Started: t0}); !errors.Is(err, ErrClosed) {
		t.Fatalf("StartRun after Close = %v", err)
	}

	second, err := Open(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer second.Close()
	run2, _ := second.StartRun(ctx, RunInfo{Scenario: "b", Started: t0})
	if run1 == run2 {
		t.Fatalf("run ids collide")
	}

	old, err := second.Events(ctx, run1, KindCellAdded)
	if err != nil || len(old) != 1 {
		t.Fatalf("first run events after reopen = %v, %v", old, err)
	}
	fresh, _ := second.Events(ctx, run2, KindCellAdded)
	if len(fresh) != 0 {
		t.Fatalf("second run has events: %v", fresh)
	}
}
