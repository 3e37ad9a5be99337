package tsch

import (
	"time"

	"github.com/signalsfoundry/tsch-simulator/model"
)

// SlotOutcome classifies what a timeslot was used for.
type SlotOutcome string

const (
	SlotSkipped SlotOutcome = "skipped"
	SlotIdle    SlotOutcome = "idle"
	SlotTx      SlotOutcome = "tx"
	SlotRx      SlotOutcome = "rx"
)

// Recorder receives slot engine events. observability.SlotCollector
// implements it.
type Recorder interface {
	SlotStarted(asn model.ASN, outcome SlotOutcome)
	TxDone(status model.TxStatus)
	FrameReceived(typ string)
	DeadlineMiss(op string)
	DriftCorrection(d time.Duration)
	Desync()
}

type noopRecorder struct{}

func (noopRecorder) SlotStarted(model.ASN, SlotOutcome) {}
func (noopRecorder) TxDone(model.TxStatus)              {}
func (noopRecorder) FrameReceived(string)               {}
func (noopRecorder) DeadlineMiss(string)                {}
func (noopRecorder) DriftCorrection(time.Duration)      {}
func (noopRecorder) Desync()                            {}
