package frame

import (
	"crypto/cipher"
	"encoding/binary"
	"fmt"
	"time"

	"golang.org/x/crypto/chacha20poly1305"

	"github.com/signalsfoundry/tsch-simulator/model"
)

// DefaultPANID is used when no PAN ID option is supplied.
const DefaultPANID uint16 = 0xabcd

// Codec builds and parses frames on behalf of one node.
type Codec struct {
	self model.Addr
	pan  uint16
	aead cipher.AEAD
}

// Option configures a Codec.
type Option func(*Codec) error

// WithPANID sets the PAN ID written to and expected in frames.
func WithPANID(id uint16) Option {
	return func(c *Codec) error {
		c.pan = id
		return nil
	}
}

// WithKey enables link-layer security with a 32-byte network key. Data
// frames are sealed; beacons and ACKs travel in the clear so that joining
// nodes can read the ASN.
func WithKey(key []byte) Option {
	return func(c *Codec) error {
		aead, err := chacha20poly1305.New(key)
		if err != nil {
			return fmt.Errorf("frame: network key: %w", err)
		}
		c.aead = aead
		return nil
	}
}

// NewCodec creates a codec for the node with address self.
func NewCodec(self model.Addr, opts ...Option) (*Codec, error) {
	c := &Codec{self: self, pan: DefaultPANID}
	for _, opt := range opts {
		if err := opt(c); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// Self returns the address frames are built from.
func (c *Codec) Self() model.Addr { return c.self }

// Secured reports whether the codec seals frames.
func (c *Codec) Secured() bool { return c.aead != nil }

// BuildBeacon builds an enhanced beacon. The ASN in the sync IE is a
// placeholder until UpdateBeacon runs at transmission time.
func (c *Codec) BuildBeacon(seq uint8, joinPriority uint8) ([]byte, error) {
	f := &Frame{
		Type:   TypeBeacon,
		Seq:    seq,
		PANID:  c.pan,
		Dst:    model.BroadcastAddr,
		Src:    c.self,
		HasDst: true,
		HasSrc: true,
		Sync:   &Sync{JoinPriority: joinPriority},
	}
	buf, _, err := encode(f)
	return buf, err
}

// BuildData builds a data frame. Unicast frames request an ACK.
func (c *Codec) BuildData(dst model.Addr, seq uint8, payload []byte) ([]byte, error) {
	return c.buildData(dst, seq, nil, payload)
}

// BuildSixP builds a data frame carrying a 6top IE.
func (c *Codec) BuildSixP(dst model.Addr, seq uint8, body []byte) ([]byte, error) {
	if body == nil {
		body = []byte{}
	}
	return c.buildData(dst, seq, body, nil)
}

func (c *Codec) buildData(dst model.Addr, seq uint8, sixp, payload []byte) ([]byte, error) {
	f := &Frame{
		Type:       TypeData,
		Seq:        seq,
		PANID:      c.pan,
		Dst:        dst,
		Src:        c.self,
		HasDst:     true,
		HasSrc:     true,
		AckRequest: !dst.IsBroadcast(),
		SixP:       sixp,
		Payload:    payload,
	}
	buf, _, err := encode(f)
	return buf, err
}

// BuildEnhancedAck builds an enhanced ACK for a frame from dst carrying the
// measured time correction.
func (c *Codec) BuildEnhancedAck(dst model.Addr, seq uint8, correction time.Duration, nack bool) ([]byte, error) {
	f := &Frame{
		Type:          TypeAck,
		Seq:           seq,
		PANID:         c.pan,
		Dst:           dst,
		HasDst:        true,
		HasCorrection: true,
		Correction:    correction,
		Nack:          nack,
	}
	buf, _, err := encode(f)
	return buf, err
}

// ParseEnhancedAck checks that buf is an enhanced ACK for seq addressed to
// this node and returns the time correction it carries.
func (c *Codec) ParseEnhancedAck(buf []byte, seq uint8) (Ack, error) {
	var f Frame
	if _, _, err := decodeHeader(buf, &f); err != nil {
		return Ack{}, err
	}
	if f.Type != TypeAck {
		return Ack{}, ErrNotAck
	}
	if f.Seq != seq {
		return Ack{}, fmt.Errorf("%w: got %d want %d", ErrSeqMismatch, f.Seq, seq)
	}
	if f.HasDst && f.Dst != c.self {
		return Ack{}, fmt.Errorf("%w: addressed to %s", ErrNotAck, f.Dst)
	}
	return Ack{Seq: f.Seq, Dst: f.Dst, Correction: f.Correction, Nack: f.Nack}, nil
}

// Parse decodes buf, opening it first if it is secured. asn must be the
// ASN of the slot the frame was received in.
func (c *Codec) Parse(buf []byte, asn model.ASN) (*Frame, error) {
	f := &Frame{}
	hdr, payloadIEs, err := decodeHeader(buf, f)
	if err != nil {
		return nil, err
	}
	if f.PANID != c.pan {
		return nil, fmt.Errorf("%w: PAN %#04x", ErrUnsupported, f.PANID)
	}
	f.HeaderLen = hdr
	body := buf[hdr:]
	if f.Secured {
		if c.aead == nil {
			return nil, fmt.Errorf("%w: secured frame without key", ErrAuth)
		}
		nonce := c.nonce(f.Src, asn)
		opened, err := c.aead.Open(nil, nonce, body, buf[:hdr])
		if err != nil {
			return nil, ErrAuth
		}
		body = opened
	}
	if err := decodeBody(body, payloadIEs, f); err != nil {
		return nil, err
	}
	return f, nil
}

// Secure returns a copy of buf with the security bit set and the body
// encrypted and tagged. Frames are returned unchanged when no key is
// configured or the frame is not a data frame.
func (c *Codec) Secure(buf []byte, asn model.ASN) ([]byte, error) {
	if c.aead == nil {
		return buf, nil
	}
	var f Frame
	hdr, _, err := decodeHeader(buf, &f)
	if err != nil {
		return nil, err
	}
	if f.Type != TypeData || f.Secured {
		return buf, nil
	}
	if len(buf)+c.aead.Overhead() > MaxLen {
		return nil, fmt.Errorf("%w: %d bytes sealed", ErrTooLong, len(buf)+c.aead.Overhead())
	}
	out := make([]byte, hdr, len(buf)+c.aead.Overhead())
	copy(out, buf[:hdr])
	fcf := binary.LittleEndian.Uint16(out[0:2]) | fcfSecurity
	binary.LittleEndian.PutUint16(out[0:2], fcf)
	aad := append([]byte(nil), out...)
	return c.aead.Seal(out, c.nonce(f.Src, asn), buf[hdr:], aad), nil
}

func (c *Codec) nonce(src model.Addr, asn model.ASN) []byte {
	n := make([]byte, c.aead.NonceSize())
	copy(n, src[:])
	b := asn.Bytes()
	copy(n[8:], b[:4])
	return n
}

// UpdateBeacon writes the ASN and join priority into an unsecured beacon.
func (c *Codec) UpdateBeacon(buf []byte, asn model.ASN, joinPriority uint8) error {
	off, err := syncOffset(buf)
	if err != nil {
		return err
	}
	if off < 0 || off+6 > len(buf) {
		return fmt.Errorf("%w: no sync IE", ErrUnsupported)
	}
	b := asn.Bytes()
	copy(buf[off:off+5], b[:])
	buf[off+5] = joinPriority
	return nil
}

// SetFramePending sets or clears the frame pending bit in place.
func SetFramePending(buf []byte, pending bool) {
	if len(buf) < 2 {
		return
	}
	if pending {
		buf[0] |= fcfFramePending
	} else {
		buf[0] &^= fcfFramePending
	}
}

// FramePending reports the frame pending bit.
func FramePending(buf []byte) bool {
	return len(buf) >= 1 && buf[0]&fcfFramePending != 0
}

// SequenceNumber returns the MAC sequence number.
func SequenceNumber(buf []byte) (uint8, error) {
	if len(buf) < 3 {
		return 0, ErrTruncated
	}
	return buf[2], nil
}

// Peek decodes the header only. It works on secured frames.
func Peek(buf []byte) (*Frame, error) {
	f := &Frame{}
	hdr, _, err := decodeHeader(buf, f)
	if err != nil {
		return nil, err
	}
	f.HeaderLen = hdr
	return f, nil
}
