package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/signalsfoundry/tsch-simulator/internal/tsch"
	"github.com/signalsfoundry/tsch-simulator/model"
)

// SlotCollector exposes slot engine metrics, labeled by node.
type SlotCollector struct {
	gatherer prometheus.Gatherer

	Slots           *prometheus.CounterVec
	Transmissions   *prometheus.CounterVec
	FramesReceived  *prometheus.CounterVec
	DeadlineMisses  *prometheus.CounterVec
	DriftCorrection *prometheus.HistogramVec
	Desyncs         *prometheus.CounterVec
	ASN             *prometheus.GaugeVec
}

// NewSlotCollector registers slot engine metrics against the provided
// registerer.
func NewSlotCollector(reg prometheus.Registerer) (*SlotCollector, error) {
	reg, gatherer := gathererFor(reg)

	slots, err := registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "tsch_slots_total",
		Help: "Timeslots started, labeled by node and what the slot was used for.",
	}, []string{"node", "outcome"}), "tsch_slots_total")
	if err != nil {
		return nil, err
	}
	tx, err := registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "tsch_transmissions_total",
		Help: "Transmission attempts, labeled by node and MAC status.",
	}, []string{"node", "status"}), "tsch_transmissions_total")
	if err != nil {
		return nil, err
	}
	rx, err := registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "tsch_frames_received_total",
		Help: "Frames accepted by the slot engine, labeled by node and frame type.",
	}, []string{"node", "type"}), "tsch_frames_received_total")
	if err != nil {
		return nil, err
	}
	misses, err := registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "tsch_deadline_misses_total",
		Help: "Slot operations that could not be scheduled in time, labeled by node and operation.",
	}, []string{"node", "op"}), "tsch_deadline_misses_total")
	if err != nil {
		return nil, err
	}
	drift, err := registerHistogramVec(reg, prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "tsch_drift_correction_seconds",
		Help:    "Magnitude of the clock corrections applied from the time source.",
		Buckets: []float64{1e-6, 5e-6, 1e-5, 2.5e-5, 5e-5, 1e-4, 2.5e-4, 5e-4, 1e-3},
	}, []string{"node"}), "tsch_drift_correction_seconds")
	if err != nil {
		return nil, err
	}
	desyncs, err := registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "tsch_desyncs_total",
		Help: "Disassociations caused by losing synchronization.",
	}, []string{"node"}), "tsch_desyncs_total")
	if err != nil {
		return nil, err
	}
	asn, err := registerGaugeVec(reg, prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "tsch_asn",
		Help: "Absolute slot number of the last started slot.",
	}, []string{"node"}), "tsch_asn")
	if err != nil {
		return nil, err
	}

	return &SlotCollector{
		gatherer:        gatherer,
		Slots:           slots,
		Transmissions:   tx,
		FramesReceived:  rx,
		DeadlineMisses:  misses,
		DriftCorrection: drift,
		Desyncs:         desyncs,
		ASN:             asn,
	}, nil
}

// Gatherer returns the Prometheus gatherer associated with the collector.
func (c *SlotCollector) Gatherer() prometheus.Gatherer {
	if c == nil {
		return nil
	}
	return c.gatherer
}

// ForNode returns the tsch.Recorder for one node. A nil collector yields a
// recorder that drops everything.
func (c *SlotCollector) ForNode(node model.Addr) *SlotRecorder {
	return &SlotRecorder{c: c, node: node.String()}
}

// SlotRecorder implements tsch.Recorder.
type SlotRecorder struct {
	c    *SlotCollector
	node string
}

var _ tsch.Recorder = (*SlotRecorder)(nil)

func (r *SlotRecorder) SlotStarted(asn model.ASN, outcome tsch.SlotOutcome) {
	if r == nil || r.c == nil {
		return
	}
	r.c.Slots.WithLabelValues(r.node, string(outcome)).Inc()
	r.c.ASN.WithLabelValues(r.node).Set(float64(asn))
}

func (r *SlotRecorder) TxDone(status model.TxStatus) {
	if r == nil || r.c == nil {
		return
	}
	r.c.Transmissions.WithLabelValues(r.node, status.String()).Inc()
}

func (r *SlotRecorder) FrameReceived(typ string) {
	if r == nil || r.c == nil {
		return
	}
	r.c.FramesReceived.WithLabelValues(r.node, typ).Inc()
}

func (r *SlotRecorder) DeadlineMiss(op string) {
	if r == nil || r.c == nil {
		return
	}
	r.c.DeadlineMisses.WithLabelValues(r.node, op).Inc()
}

func (r *SlotRecorder) DriftCorrection(d time.Duration) {
	if r == nil || r.c == nil {
		return
	}
	if d < 0 {
		d = -d
	}
	r.c.DriftCorrection.WithLabelValues(r.node).Observe(d.Seconds())
}

func (r *SlotRecorder) Desync() {
	if r == nil || r.c == nil {
		return
	}
	r.c.Desyncs.WithLabelValues(r.node).Inc()
}
