package tsch

import "time"

// Timing holds the per-slot timing template. Offsets are measured from the
// start of the timeslot.
type Timing struct {
	CCAOffset  time.Duration
	CCA        time.Duration
	TxOffset   time.Duration
	RxOffset   time.Duration
	RxAckDelay time.Duration
	TxAckDelay time.Duration
	RxWait     time.Duration
	AckWait    time.Duration
	RxTx       time.Duration
	MaxAck     time.Duration
	MaxTx      time.Duration
	SlotLength time.Duration
}

// DefaultTiming is the IEEE 802.15.4e template for 10 ms timeslots.
func DefaultTiming() Timing {
	us := time.Microsecond
	return Timing{
		CCAOffset:  1800 * us,
		CCA:        128 * us,
		TxOffset:   2120 * us,
		RxOffset:   1020 * us,
		RxAckDelay: 800 * us,
		TxAckDelay: 1000 * us,
		RxWait:     2200 * us,
		AckWait:    400 * us,
		RxTx:       192 * us,
		MaxAck:     2400 * us,
		MaxTx:      4256 * us,
		SlotLength: 10000 * us,
	}
}

const (
	byteAirTime = 32 * time.Microsecond
	phyOverhead = 3
)

// PacketDuration is the air time of an n-byte PSDU, capped at MaxTx.
func (t Timing) PacketDuration(n int) time.Duration {
	d := time.Duration(n+phyOverhead) * byteAirTime
	if t.MaxTx > 0 && d > t.MaxTx {
		return t.MaxTx
	}
	return d
}
