// Package frame implements the IEEE 802.15.4e frame subset the TSCH stack
// exchanges: enhanced beacons carrying a TSCH synchronization IE, data
// frames optionally carrying a 6top IE, and enhanced ACKs carrying a time
// correction IE. The FCS is left to the radio.
package frame

import (
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	"github.com/signalsfoundry/tsch-simulator/model"
)

// Type is the 802.15.4 frame type.
type Type uint8

const (
	TypeBeacon Type = 0
	TypeData   Type = 1
	TypeAck    Type = 2
)

func (t Type) String() string {
	switch t {
	case TypeBeacon:
		return "beacon"
	case TypeData:
		return "data"
	case TypeAck:
		return "ack"
	default:
		return fmt.Sprintf("type(%d)", uint8(t))
	}
}

var (
	ErrTruncated   = errors.New("frame truncated")
	ErrUnsupported = errors.New("unsupported frame format")
	ErrAuth        = errors.New("frame authentication failed")
	ErrNotAck      = errors.New("not an enhanced ack")
	ErrSeqMismatch = errors.New("ack sequence number mismatch")
	ErrTooLong     = errors.New("frame exceeds maximum length")
)

// MaxLen is the largest PSDU the codec produces, FCS excluded.
const MaxLen = 125

// Frame control field bits.
const (
	fcfTypeMask     = 0x0007
	fcfSecurity     = 0x0008
	fcfFramePending = 0x0010
	fcfAckRequest   = 0x0020
	fcfPANCompress  = 0x0040
	fcfIEPresent    = 0x0200
	fcfDstModeShift = 10
	fcfVersion2     = 0x2000
	fcfSrcModeShift = 14

	addrModeNone = 0
	addrModeExt  = 3
)

// Information element identifiers.
const (
	ieTimeCorrection = 0x1e
	ieHeaderTerm1    = 0x7e
	ieHeaderTerm2    = 0x7f

	ieGroupMLME = 0x1
	ieGroupIETF = 0x5
	ieGroupTerm = 0xf

	subIETSCHSync = 0x1a
	ietfSixTop    = 0xc9
)

// Sync is the content of the TSCH synchronization IE.
type Sync struct {
	ASN          model.ASN
	JoinPriority uint8
}

// Frame is a decoded frame.
type Frame struct {
	Type         Type
	Seq          uint8
	PANID        uint16
	Dst          model.Addr
	Src          model.Addr
	HasDst       bool
	HasSrc       bool
	AckRequest   bool
	FramePending bool
	Secured      bool

	// Time correction IE, ACK frames only.
	HasCorrection bool
	Correction    time.Duration
	Nack          bool

	Sync    *Sync
	SixP    []byte
	Payload []byte

	// HeaderLen is the length of the unencrypted part of the frame.
	HeaderLen int
}

// Ack is the result of parsing an enhanced ACK.
type Ack struct {
	Seq        uint8
	Dst        model.Addr
	Correction time.Duration
	Nack       bool
}

func (f *Frame) fcf() uint16 {
	v := uint16(f.Type) & fcfTypeMask
	if f.Secured {
		v |= fcfSecurity
	}
	if f.FramePending {
		v |= fcfFramePending
	}
	if f.AckRequest {
		v |= fcfAckRequest
	}
	if f.HasDst && f.HasSrc {
		v |= fcfPANCompress
	}
	if f.HasCorrection || f.Sync != nil || f.SixP != nil {
		v |= fcfIEPresent
	}
	if f.HasDst {
		v |= addrModeExt << fcfDstModeShift
	}
	if f.HasSrc {
		v |= addrModeExt << fcfSrcModeShift
	}
	return v | fcfVersion2
}

func headerIE(id uint8, length int) []byte {
	var d [2]byte
	binary.LittleEndian.PutUint16(d[:], uint16(length&0x7f)|uint16(id)<<7)
	return d[:]
}

func payloadIE(group uint8, length int) []byte {
	var d [2]byte
	binary.LittleEndian.PutUint16(d[:], uint16(length&0x7ff)|uint16(group&0xf)<<11|0x8000)
	return d[:]
}

func encodeCorrection(c time.Duration, nack bool) uint16 {
	us := c.Microseconds()
	if us > 2047 {
		us = 2047
	} else if us < -2047 {
		us = -2047
	}
	v := uint16(int16(us)) & 0x0fff
	if nack {
		v |= 0x8000
	}
	return v
}

func decodeCorrection(v uint16) (time.Duration, bool) {
	raw := int16(v<<4) >> 4 // sign-extend 12 bits
	return time.Duration(raw) * time.Microsecond, v&0x8000 != 0
}

// encode serialises f without security. The returned header length covers
// the MHR and header IEs.
func encode(f *Frame) ([]byte, int, error) {
	buf := make([]byte, 0, MaxLen)
	var fcf [2]byte
	binary.LittleEndian.PutUint16(fcf[:], f.fcf())
	buf = append(buf, fcf[0], fcf[1], f.Seq)
	var pan [2]byte
	binary.LittleEndian.PutUint16(pan[:], f.PANID)
	buf = append(buf, pan[0], pan[1])
	if f.HasDst {
		buf = append(buf, f.Dst[:]...)
	}
	if f.HasSrc {
		buf = append(buf, f.Src[:]...)
	}

	hasPayloadIEs := f.Sync != nil || f.SixP != nil
	if f.HasCorrection {
		buf = append(buf, headerIE(ieTimeCorrection, 2)...)
		var v [2]byte
		binary.LittleEndian.PutUint16(v[:], encodeCorrection(f.Correction, f.Nack))
		buf = append(buf, v[:]...)
	}
	switch {
	case hasPayloadIEs:
		buf = append(buf, headerIE(ieHeaderTerm1, 0)...)
	case f.HasCorrection && len(f.Payload) > 0:
		buf = append(buf, headerIE(ieHeaderTerm2, 0)...)
	}
	hdrLen := len(buf)

	if f.Sync != nil {
		// MLME group holding one short sub-IE.
		buf = append(buf, payloadIE(ieGroupMLME, 2+6)...)
		var sub [2]byte
		binary.LittleEndian.PutUint16(sub[:], uint16(6)|uint16(subIETSCHSync)<<8)
		buf = append(buf, sub[:]...)
		asn := f.Sync.ASN.Bytes()
		buf = append(buf, asn[:]...)
		buf = append(buf, f.Sync.JoinPriority)
	}
	if f.SixP != nil {
		buf = append(buf, payloadIE(ieGroupIETF, 1+len(f.SixP))...)
		buf = append(buf, ietfSixTop)
		buf = append(buf, f.SixP...)
	}
	if hasPayloadIEs && len(f.Payload) > 0 {
		buf = append(buf, payloadIE(ieGroupTerm, 0)...)
	}
	buf = append(buf, f.Payload...)

	if len(buf) > MaxLen {
		return nil, 0, fmt.Errorf("%w: %d bytes", ErrTooLong, len(buf))
	}
	return buf, hdrLen, nil
}

// decodeHeader parses the MHR and header IEs into f. It reports whether
// payload IEs follow and returns the header length.
func decodeHeader(buf []byte, f *Frame) (int, bool, error) {
	if len(buf) < 5 {
		return 0, false, ErrTruncated
	}
	fcf := binary.LittleEndian.Uint16(buf[0:2])
	if fcf&0x3000 != fcfVersion2 {
		return 0, false, fmt.Errorf("%w: frame version %d", ErrUnsupported, (fcf>>12)&0x3)
	}
	f.Type = Type(fcf & fcfTypeMask)
	f.Secured = fcf&fcfSecurity != 0
	f.FramePending = fcf&fcfFramePending != 0
	f.AckRequest = fcf&fcfAckRequest != 0
	f.Seq = buf[2]
	f.PANID = binary.LittleEndian.Uint16(buf[3:5])
	off := 5

	for _, m := range []struct {
		shift uint
		addr  *model.Addr
		has   *bool
	}{
		{fcfDstModeShift, &f.Dst, &f.HasDst},
		{fcfSrcModeShift, &f.Src, &f.HasSrc},
	} {
		switch (fcf >> m.shift) & 0x3 {
		case addrModeNone:
		case addrModeExt:
			if len(buf) < off+8 {
				return 0, false, ErrTruncated
			}
			copy(m.addr[:], buf[off:off+8])
			*m.has = true
			off += 8
		default:
			return 0, false, fmt.Errorf("%w: addressing mode", ErrUnsupported)
		}
	}

	if fcf&fcfIEPresent == 0 {
		return off, false, nil
	}
	for off+2 <= len(buf) {
		d := binary.LittleEndian.Uint16(buf[off : off+2])
		if d&0x8000 != 0 {
			return 0, false, fmt.Errorf("%w: payload IE in header", ErrUnsupported)
		}
		length := int(d & 0x7f)
		id := uint8(d >> 7)
		off += 2
		if len(buf) < off+length {
			return 0, false, ErrTruncated
		}
		switch id {
		case ieHeaderTerm1:
			return off, true, nil
		case ieHeaderTerm2:
			return off, false, nil
		case ieTimeCorrection:
			if length != 2 {
				return 0, false, fmt.Errorf("%w: time correction IE length %d", ErrUnsupported, length)
			}
			f.HasCorrection = true
			f.Correction, f.Nack = decodeCorrection(binary.LittleEndian.Uint16(buf[off : off+2]))
		}
		off += length
	}
	return off, false, nil
}

// decodeBody parses payload IEs (when present) and the payload.
func decodeBody(body []byte, payloadIEs bool, f *Frame) error {
	off := 0
	for payloadIEs && off+2 <= len(body) {
		d := binary.LittleEndian.Uint16(body[off : off+2])
		if d&0x8000 == 0 {
			return fmt.Errorf("%w: header IE in payload", ErrUnsupported)
		}
		length := int(d & 0x7ff)
		group := uint8(d>>11) & 0xf
		off += 2
		if len(body) < off+length {
			return ErrTruncated
		}
		content := body[off : off+length]
		off += length
		switch group {
		case ieGroupTerm:
			payloadIEs = false
		case ieGroupMLME:
			if err := decodeMLME(content, f); err != nil {
				return err
			}
		case ieGroupIETF:
			if len(content) > 0 && content[0] == ietfSixTop {
				f.SixP = append([]byte(nil), content[1:]...)
			}
		}
	}
	if off < len(body) {
		f.Payload = append([]byte(nil), body[off:]...)
	}
	return nil
}

func decodeMLME(content []byte, f *Frame) error {
	off := 0
	for off+2 <= len(content) {
		d := binary.LittleEndian.Uint16(content[off : off+2])
		off += 2
		if d&0x8000 != 0 {
			// Long sub-IEs are not used by this stack.
			return fmt.Errorf("%w: long MLME sub-IE", ErrUnsupported)
		}
		length := int(d & 0xff)
		id := uint8(d>>8) & 0x7f
		if len(content) < off+length {
			return ErrTruncated
		}
		if id == subIETSCHSync && length == 6 {
			var asn [5]byte
			copy(asn[:], content[off:off+5])
			f.Sync = &Sync{ASN: model.ASNFromBytes(asn), JoinPriority: content[off+5]}
		}
		off += length
	}
	return nil
}

// syncOffset returns the offset of the synchronization IE content in an
// unsecured beacon, or -1.
func syncOffset(buf []byte) (int, error) {
	var f Frame
	hdr, payloadIEs, err := decodeHeader(buf, &f)
	if err != nil {
		return -1, err
	}
	if f.Secured || !payloadIEs {
		return -1, nil
	}
	off := hdr
	for off+2 <= len(buf) {
		d := binary.LittleEndian.Uint16(buf[off : off+2])
		length := int(d & 0x7ff)
		group := uint8(d>>11) & 0xf
		off += 2
		if group == ieGroupTerm {
			return -1, nil
		}
		if off+length > len(buf) {
			return -1, ErrTruncated
		}
		if group == ieGroupMLME {
			end := off + length
			for sub := off; sub+2 <= end; {
				sd := binary.LittleEndian.Uint16(buf[sub : sub+2])
				sl := int(sd & 0xff)
				if uint8(sd>>8)&0x7f == subIETSCHSync && sl == 6 && sub+2+sl <= len(buf) {
					return sub + 2, nil
				}
				sub += 2 + sl
			}
		}
		off += length
	}
	return -1, nil
}
