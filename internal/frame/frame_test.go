package frame

import (
	"bytes"
	"encoding/hex"
	"errors"
	"testing"
	"time"

	"github.com/signalsfoundry/tsch-simulator/model"
)

func newCodec(t *testing.T, id uint16, opts ...Option) *Codec {
	t.Helper()
	c, err := NewCodec(model.AddrFromID(id), opts...)
	if err != nil {
		t.Fatalf("NewCodec: %v", err)
	}
	return c
}

func TestCodecDataFrame(t *testing.T) {
	a := newCodec(t, 1)
	b := newCodec(t, 2)

	buf, err := a.BuildData(b.Self(), 7, []byte("hello"))
	if err != nil {
		t.Fatalf("BuildData: %v", err)
	}
	f, err := b.Parse(buf, 100)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if f.Type != TypeData || f.Seq != 7 {
		t.Fatalf("type/seq = %v/%d", f.Type, f.Seq)
	}
	if f.Src != a.Self() || f.Dst != b.Self() {
		t.Fatalf("addresses = %s -> %s", f.Src, f.Dst)
	}
	if !f.AckRequest {
		t.Fatalf("unicast data frame must request an ack")
	}
	if !bytes.Equal(f.Payload, []byte("hello")) {
		t.Fatalf("payload = %q", f.Payload)
	}

	bc, err := a.BuildData(model.BroadcastAddr, 8, nil)
	if err != nil {
		t.Fatalf("BuildData broadcast: %v", err)
	}
	f, err = b.Parse(bc, 100)
	if err != nil {
		t.Fatalf("Parse broadcast: %v", err)
	}
	if f.AckRequest {
		t.Fatalf("broadcast frame requested an ack")
	}
}

func TestCodecSixPIE(t *testing.T) {
	a := newCodec(t, 1)
	body := []byte{0x20, 0x01, 0xf0, 0x03, 0x00, 0x00}
	buf, err := a.BuildSixP(model.AddrFromID(2), 1, body)
	if err != nil {
		t.Fatalf("BuildSixP: %v", err)
	}
	f, err := newCodec(t, 2).Parse(buf, 0)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if !bytes.Equal(f.SixP, body) {
		t.Fatalf("6P IE = %x, want %x", f.SixP, body)
	}
	if len(f.Payload) != 0 {
		t.Fatalf("unexpected payload %x", f.Payload)
	}
}

func TestCodecBeaconUpdate(t *testing.T) {
	a := newCodec(t, 1)
	buf, err := a.BuildBeacon(3, 0)
	if err != nil {
		t.Fatalf("BuildBeacon: %v", err)
	}
	if err := a.UpdateBeacon(buf, 0x0102030405, 2); err != nil {
		t.Fatalf("UpdateBeacon: %v", err)
	}
	f, err := newCodec(t, 9).Parse(buf, 0)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if f.Type != TypeBeacon || f.Sync == nil {
		t.Fatalf("expected beacon with sync IE, got %+v", f)
	}
	if f.Sync.ASN != 0x0102030405 || f.Sync.JoinPriority != 2 {
		t.Fatalf("sync IE = %+v", *f.Sync)
	}
}

func TestCodecEnhancedAck(t *testing.T) {
	sender := newCodec(t, 1)
	receiver := newCodec(t, 2)

	for _, tc := range []struct {
		in, want time.Duration
	}{
		{150 * time.Microsecond, 150 * time.Microsecond},
		{-300 * time.Microsecond, -300 * time.Microsecond},
		{5 * time.Millisecond, 2047 * time.Microsecond},
	} {
		buf, err := receiver.BuildEnhancedAck(sender.Self(), 42, tc.in, false)
		if err != nil {
			t.Fatalf("BuildEnhancedAck: %v", err)
		}
		ack, err := sender.ParseEnhancedAck(buf, 42)
		if err != nil {
			t.Fatalf("ParseEnhancedAck: %v", err)
		}
		if ack.Correction != tc.want || ack.Nack {
			t.Fatalf("correction %v: got %v nack=%v", tc.in, ack.Correction, ack.Nack)
		}
	}

	buf, _ := receiver.BuildEnhancedAck(sender.Self(), 42, 0, true)
	if _, err := sender.ParseEnhancedAck(buf, 41); !errors.Is(err, ErrSeqMismatch) {
		t.Fatalf("expected ErrSeqMismatch, got %v", err)
	}
	ack, err := sender.ParseEnhancedAck(buf, 42)
	if err != nil || !ack.Nack {
		t.Fatalf("expected nack, got %+v err=%v", ack, err)
	}
	if _, err := newCodec(t, 3).ParseEnhancedAck(buf, 42); !errors.Is(err, ErrNotAck) {
		t.Fatalf("ack for another node accepted: %v", err)
	}
}

func TestCodecSecurity(t *testing.T) {
	key := bytes.Repeat([]byte{0x5a}, 32)
	a := newCodec(t, 1, WithKey(key))
	b := newCodec(t, 2, WithKey(key))

	plain, err := a.BuildData(b.Self(), 1, []byte("secret"))
	if err != nil {
		t.Fatalf("BuildData: %v", err)
	}
	sealed, err := a.Secure(plain, 77)
	if err != nil {
		t.Fatalf("Secure: %v", err)
	}
	if bytes.Contains(sealed, []byte("secret")) {
		t.Fatalf("payload visible in sealed frame")
	}
	f, err := b.Parse(sealed, 77)
	if err != nil {
		t.Fatalf("Parse sealed: %v", err)
	}
	if !f.Secured || !bytes.Equal(f.Payload, []byte("secret")) {
		t.Fatalf("opened frame = %+v", f)
	}
	if _, err := b.Parse(sealed, 78); !errors.Is(err, ErrAuth) {
		t.Fatalf("wrong ASN accepted: %v", err)
	}
	if _, err := newCodec(t, 2).Parse(sealed, 77); !errors.Is(err, ErrAuth) {
		t.Fatalf("keyless codec accepted sealed frame: %v", err)
	}

	ack, _ := b.BuildEnhancedAck(a.Self(), 1, 0, false)
	out, err := b.Secure(ack, 77)
	if err != nil || !bytes.Equal(out, ack) {
		t.Fatalf("acks must stay unsecured")
	}
}

func TestFramePendingBit(t *testing.T) {
	a := newCodec(t, 1)
	buf, _ := a.BuildData(model.AddrFromID(2), 1, nil)
	if FramePending(buf) {
		t.Fatalf("pending set on fresh frame")
	}
	SetFramePending(buf, true)
	f, err := newCodec(t, 2).Parse(buf, 0)
	if err != nil || !f.FramePending {
		t.Fatalf("pending bit lost: %+v err=%v", f, err)
	}
	SetFramePending(buf, false)
	if FramePending(buf) {
		t.Fatalf("pending bit not cleared")
	}
}

func TestParseRejectsTruncated(t *testing.T) {
	a := newCodec(t, 1)
	buf, _ := a.BuildData(model.AddrFromID(2), 1, nil)
	if _, err := a.Parse(buf[:6], 0); !errors.Is(err, ErrTruncated) {
		t.Fatalf("expected ErrTruncated, got %v", err)
	}
}

func TestUpdateBeaconRejectsTruncated(t *testing.T) {
	a := newCodec(t, 1)
	buf, err := a.BuildBeacon(3, 0)
	if err != nil {
		t.Fatalf("BuildBeacon: %v", err)
	}
	for n := 0; n < len(buf); n++ {
		short := append([]byte(nil), buf[:n]...)
		if err := a.UpdateBeacon(short, 9, 1); err == nil {
			t.Fatalf("UpdateBeacon accepted a %d-byte prefix of a %d-byte beacon", n, len(buf))
		}
	}

	// MLME IE whose declared length runs past the end of the frame.
	bad, _ := hex.DecodeString("40ee03cdabffffffffffffffff00124b0000000002003f0888")
	if err := a.UpdateBeacon(bad, 9, 1); !errors.Is(err, ErrTruncated) {
		t.Fatalf("expected ErrTruncated, got %v", err)
	}
	if _, err := a.Parse(bad, 0); !errors.Is(err, ErrTruncated) {
		t.Fatalf("Parse: expected ErrTruncated, got %v", err)
	}
}
