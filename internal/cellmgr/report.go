package cellmgr

import (
	"context"
	"time"

	"github.com/signalsfoundry/tsch-simulator/internal/logging"
	"github.com/signalsfoundry/tsch-simulator/internal/tsch"
	"github.com/signalsfoundry/tsch-simulator/model"
)

// StableReport is the final state published when relocation stops.
type StableReport struct {
	Peer      model.Addr
	At        time.Time
	Evaluated int
	// IndexStable[i] is the first pass at which the cell allocated i-th
	// and every cell before it needed no relocation. Zero when never.
	IndexStable []time.Time
	Cells       []tsch.CellStatEntry
}

// Offsets returns IndexStable relative to start; never-stable indexes are
// reported as -1.
func (r StableReport) Offsets(start time.Time) []time.Duration {
	out := make([]time.Duration, len(r.IndexStable))
	for i, t := range r.IndexStable {
		if t.IsZero() {
			out[i] = -1
			continue
		}
		out[i] = t.Sub(start)
	}
	return out
}

// Reporter receives the experiment events of the controllers.
type Reporter interface {
	CellAdded(total int, at time.Time)
	RelocationRequested(peer model.Addr, e tsch.CellStatEntry, at time.Time)
	Stable(r StableReport)
}

// Reporters fans events out to every non-nil reporter.
func Reporters(rs ...Reporter) Reporter {
	var out multiReporter
	for _, r := range rs {
		if r != nil {
			out = append(out, r)
		}
	}
	return out
}

type multiReporter []Reporter

func (m multiReporter) CellAdded(total int, at time.Time) {
	for _, r := range m {
		r.CellAdded(total, at)
	}
}

func (m multiReporter) RelocationRequested(peer model.Addr, e tsch.CellStatEntry, at time.Time) {
	for _, r := range m {
		r.RelocationRequested(peer, e, at)
	}
}

func (m multiReporter) Stable(rep StableReport) {
	for _, r := range m {
		r.Stable(rep)
	}
}

// LogReporter writes controller events to a logger.
type LogReporter struct {
	Log   logging.Logger
	Start time.Time
}

func (l LogReporter) CellAdded(total int, at time.Time) {
	logging.OrNoop(l.Log).Info(context.Background(), "cell added",
		logging.Int("total", total), logging.Duration("at", at.Sub(l.Start)))
}

func (l LogReporter) RelocationRequested(peer model.Addr, e tsch.CellStatEntry, at time.Time) {
	logging.OrNoop(l.Log).Info(context.Background(), "relocating cell",
		logging.String("peer", peer.String()),
		logging.String("cell", e.Cell.String()),
		logging.Int("tx_total", e.TxTotal),
		logging.Int("tx_success", e.TxSuccess),
		logging.Duration("at", at.Sub(l.Start)))
}

func (l LogReporter) Stable(r StableReport) {
	log := logging.OrNoop(l.Log)
	log.Info(context.Background(), "all cells evaluated, no relocation left",
		logging.Int("evaluated", r.Evaluated),
		logging.Duration("at", r.At.Sub(l.Start)),
		logging.Any("relocation_times", r.Offsets(l.Start)))
	for _, e := range r.Cells {
		log.Info(context.Background(), "cell pdr",
			logging.String("cell", e.Cell.String()),
			logging.Int("allocation", e.AllocationIndex),
			logging.Any("pdr", e.PDR()))
	}
}
