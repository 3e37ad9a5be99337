package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/signalsfoundry/tsch-simulator/core"
	"github.com/signalsfoundry/tsch-simulator/internal/cellmgr"
	"github.com/signalsfoundry/tsch-simulator/internal/sixp"
	"github.com/signalsfoundry/tsch-simulator/model"
)

// CellCollector exposes cell manager and 6P metrics, labeled by node.
type CellCollector struct {
	gatherer prometheus.Gatherer

	Transactions         *prometheus.CounterVec
	TransactionDurations *prometheus.HistogramVec
	Relocations          *prometheus.CounterVec
	Replacements         *prometheus.CounterVec
	BlacklistSize        *prometheus.GaugeVec
	StatEntries          *prometheus.GaugeVec
	TxCells              *prometheus.GaugeVec
	ScheduleLinks        *prometheus.GaugeVec
}

// NewCellCollector registers cell manager metrics against the provided
// registerer.
func NewCellCollector(reg prometheus.Registerer) (*CellCollector, error) {
	reg, gatherer := gathererFor(reg)

	trans, err := registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "sixp_transactions_total",
		Help: "Finished 6P transactions, labeled by node, command, role and outcome.",
	}, []string{"node", "command", "role", "outcome"}), "sixp_transactions_total")
	if err != nil {
		return nil, err
	}
	durations, err := registerHistogramVec(reg, prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "sixp_transaction_duration_seconds",
		Help:    "Simulated time from request to completion of 6P transactions.",
		Buckets: []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5},
	}, []string{"command"}), "sixp_transaction_duration_seconds")
	if err != nil {
		return nil, err
	}
	relocations, err := registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "cellmgr_relocations_requested_total",
		Help: "Cells selected for relocation by the relocation controller.",
	}, []string{"node"}), "cellmgr_relocations_requested_total")
	if err != nil {
		return nil, err
	}
	replacements, err := registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "cellmgr_candidate_replacements_total",
		Help: "Candidate pool replacements, labeled by node and result.",
	}, []string{"node", "result"}), "cellmgr_candidate_replacements_total")
	if err != nil {
		return nil, err
	}
	blacklist, err := registerGaugeVec(reg, prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "cellmgr_blacklist_size",
		Help: "Cells currently blacklisted after sensing interference.",
	}, []string{"node"}), "cellmgr_blacklist_size")
	if err != nil {
		return nil, err
	}
	entries, err := registerGaugeVec(reg, prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "tsch_cell_stat_entries",
		Help: "Entries in the cell statistics table.",
	}, []string{"node"}), "tsch_cell_stat_entries")
	if err != nil {
		return nil, err
	}
	txCells, err := registerGaugeVec(reg, prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "tsch_tx_cells",
		Help: "Dedicated TX cells towards the time source.",
	}, []string{"node"}), "tsch_tx_cells")
	if err != nil {
		return nil, err
	}

	links, err := registerGaugeVec(reg, prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "tsch_schedule_links",
		Help: "Links installed in the node's schedule, all slotframes.",
	}, []string{"node"}), "tsch_schedule_links")
	if err != nil {
		return nil, err
	}

	return &CellCollector{
		gatherer:             gatherer,
		Transactions:         trans,
		TransactionDurations: durations,
		Relocations:          relocations,
		Replacements:         replacements,
		BlacklistSize:        blacklist,
		StatEntries:          entries,
		TxCells:              txCells,
		ScheduleLinks:        links,
	}, nil
}

// Gatherer returns the Prometheus gatherer associated with the collector.
func (c *CellCollector) Gatherer() prometheus.Gatherer {
	if c == nil {
		return nil
	}
	return c.gatherer
}

// ForNode returns the recorder for one node.
func (c *CellCollector) ForNode(node model.Addr) *CellRecorder {
	return &CellRecorder{c: c, node: node.String()}
}

// CellRecorder implements sixp.Recorder, cellmgr.Metrics and
// core.ScheduleMetricsRecorder.
type CellRecorder struct {
	c    *CellCollector
	node string
}

var (
	_ sixp.Recorder   = (*CellRecorder)(nil)
	_ cellmgr.Metrics = (*CellRecorder)(nil)

	_ core.ScheduleMetricsRecorder = (*CellRecorder)(nil)
)

func (r *CellRecorder) SixPTransaction(command, role, outcome string, d time.Duration) {
	if r == nil || r.c == nil {
		return
	}
	r.c.Transactions.WithLabelValues(r.node, command, role, outcome).Inc()
	r.c.TransactionDurations.WithLabelValues(command).Observe(d.Seconds())
}

func (r *CellRecorder) CandidateReplaced(ok bool) {
	if r == nil || r.c == nil {
		return
	}
	result := "ok"
	if !ok {
		result = "exhausted"
	}
	r.c.Replacements.WithLabelValues(r.node, result).Inc()
}

func (r *CellRecorder) BlacklistSize(n int) {
	if r == nil || r.c == nil {
		return
	}
	r.c.BlacklistSize.WithLabelValues(r.node).Set(float64(n))
}

func (r *CellRecorder) RelocationsRequested(n int) {
	if r == nil || r.c == nil || n <= 0 {
		return
	}
	r.c.Relocations.WithLabelValues(r.node).Add(float64(n))
}

// SetSchedule updates the schedule size gauges.
func (r *CellRecorder) SetSchedule(txCells, statEntries int) {
	if r == nil || r.c == nil {
		return
	}
	r.c.TxCells.WithLabelValues(r.node).Set(float64(txCells))
	r.c.StatEntries.WithLabelValues(r.node).Set(float64(statEntries))
}

// SetScheduleLinks records the schedule size after a committed mutation.
func (r *CellRecorder) SetScheduleLinks(n int) {
	if r == nil || r.c == nil {
		return
	}
	r.c.ScheduleLinks.WithLabelValues(r.node).Set(float64(n))
}
