package tsch

import (
	"time"

	"github.com/signalsfoundry/tsch-simulator/internal/frame"
	"github.com/signalsfoundry/tsch-simulator/model"
)

// RadioResult is the outcome of Radio.Transmit.
type RadioResult int

const (
	RadioOK RadioResult = iota
	RadioCollision
	RadioErr
)

func (r RadioResult) String() string {
	switch r {
	case RadioOK:
		return "ok"
	case RadioCollision:
		return "collision"
	default:
		return "err"
	}
}

// Radio is the half-duplex transceiver the engine drives. Transmit starts
// sending the prepared frame and returns at once; the engine accounts for air
// time itself. Timestamps are in the node's local time.
type Radio interface {
	SetChannel(ch uint8) error
	On() error
	Off() error
	Prepare(buf []byte) error
	Transmit() RadioResult
	Read() ([]byte, error)
	// Receiving reports whether a frame is being received right now.
	Receiving() bool
	// Pending reports whether a complete frame is waiting to be read.
	Pending() bool
	LastRSSI() int8
	LastLQI() uint8
	// LastPacketTimestamp is the SFD time of the last frame read.
	LastPacketTimestamp() time.Time
}

// Framer is the frame layer used inside the slot. *frame.Codec implements it.
type Framer interface {
	Parse(buf []byte, asn model.ASN) (*frame.Frame, error)
	BuildEnhancedAck(dst model.Addr, seq uint8, correction time.Duration, nack bool) ([]byte, error)
	ParseEnhancedAck(buf []byte, seq uint8) (frame.Ack, error)
	UpdateBeacon(buf []byte, asn model.ASN, joinPriority uint8) error
	Secure(buf []byte, asn model.ASN) ([]byte, error)
}
