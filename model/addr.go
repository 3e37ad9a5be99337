package model

import (
	"encoding/hex"
	"fmt"
	"strings"
)

// Addr is an IEEE 802.15.4 extended (EUI-64) link-layer address.
type Addr [8]byte

var (
	// NullAddr is the all-zero address. Enhanced beacons are queued to it.
	NullAddr Addr
	// BroadcastAddr is the link-layer broadcast address.
	BroadcastAddr = Addr{0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff}
)

// AddrFromID builds the address a node with the given numeric id uses in
// simulations (a fixed OUI prefix followed by the id).
func AddrFromID(id uint16) Addr {
	return Addr{0x00, 0x12, 0x4b, 0x00, 0x00, 0x00, byte(id >> 8), byte(id)}
}

// ParseAddr parses a colon-separated hex address ("00:12:4b:00:00:00:00:01").
// A bare decimal id ("3") is accepted as shorthand for AddrFromID.
func ParseAddr(s string) (Addr, error) {
	var a Addr
	s = strings.TrimSpace(s)
	if s == "" {
		return a, fmt.Errorf("empty address")
	}
	if !strings.Contains(s, ":") {
		var id uint16
		if _, err := fmt.Sscanf(s, "%d", &id); err != nil {
			return a, fmt.Errorf("parse address %q: %w", s, err)
		}
		return AddrFromID(id), nil
	}
	raw, err := hex.DecodeString(strings.ReplaceAll(s, ":", ""))
	if err != nil {
		return a, fmt.Errorf("parse address %q: %w", s, err)
	}
	if len(raw) != len(a) {
		return a, fmt.Errorf("parse address %q: want %d bytes, got %d", s, len(a), len(raw))
	}
	copy(a[:], raw)
	return a, nil
}

// IsBroadcast reports whether a is the broadcast address.
func (a Addr) IsBroadcast() bool { return a == BroadcastAddr }

// IsNull reports whether a is the all-zero address.
func (a Addr) IsNull() bool { return a == NullAddr }

// ID returns the trailing 16 bits, which is the node id for simulated nodes.
func (a Addr) ID() uint16 { return uint16(a[6])<<8 | uint16(a[7]) }

func (a Addr) String() string {
	var b strings.Builder
	for i, v := range a {
		if i > 0 {
			b.WriteByte(':')
		}
		fmt.Fprintf(&b, "%02x", v)
	}
	return b.String()
}
