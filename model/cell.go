package model

import (
	"fmt"
	"strings"
)

// MinimalCellTimeslot is the timeslot of the shared minimal cell. It is never
// negotiated or offered as a candidate.
const MinimalCellTimeslot uint16 = 0

// Cell is a (timeslot, channel offset) pair within a slotframe.
type Cell struct {
	Timeslot      uint16
	ChannelOffset uint16
}

func (c Cell) String() string {
	return fmt.Sprintf("ts=%d/ch=%d", c.Timeslot, c.ChannelOffset)
}

// LinkOptions is the option bitmask of a link.
type LinkOptions uint8

const (
	LinkOptionTX          LinkOptions = 1 << iota // transmit
	LinkOptionRX                                  // receive
	LinkOptionShared                              // contention-based, CSMA backoff applies
	LinkOptionTimeKeeping                         // peer is a time source on this link
)

// Has reports whether all bits of opt are set.
func (o LinkOptions) Has(opt LinkOptions) bool { return o&opt == opt }

func (o LinkOptions) String() string {
	if o == 0 {
		return "-"
	}
	var parts []string
	if o.Has(LinkOptionTX) {
		parts = append(parts, "TX")
	}
	if o.Has(LinkOptionRX) {
		parts = append(parts, "RX")
	}
	if o.Has(LinkOptionShared) {
		parts = append(parts, "SH")
	}
	if o.Has(LinkOptionTimeKeeping) {
		parts = append(parts, "TK")
	}
	return strings.Join(parts, "|")
}

// LinkType distinguishes links that may carry enhanced beacons.
type LinkType int

const (
	LinkTypeNormal LinkType = iota
	LinkTypeAdvertising
	LinkTypeAdvertisingOnly
)

func (t LinkType) String() string {
	switch t {
	case LinkTypeAdvertising:
		return "ADV"
	case LinkTypeAdvertisingOnly:
		return "ADV_ONLY"
	default:
		return "NORMAL"
	}
}

// Link binds one cell of a slotframe to a peer.
type Link struct {
	Handle          uint16
	SlotframeHandle uint16
	Timeslot        uint16
	ChannelOffset   uint16
	Options         LinkOptions
	Type            LinkType
	// Addr is the peer; BroadcastAddr for shared/broadcast links.
	Addr Addr
}

// Cell returns the link's (timeslot, channel offset) pair.
func (l *Link) Cell() Cell {
	return Cell{Timeslot: l.Timeslot, ChannelOffset: l.ChannelOffset}
}

func (l *Link) String() string {
	return fmt.Sprintf("sf=%d %s %s %s %s", l.SlotframeHandle, l.Cell(), l.Options, l.Type, l.Addr)
}

// ParseLinkOptions parses the String form ("TX|RX|SH|TK") or the long names
// ("tx", "rx", "shared", "timekeeping"), separated by '|' or ','.
func ParseLinkOptions(s string) (LinkOptions, error) {
	var o LinkOptions
	for _, part := range strings.FieldsFunc(s, func(r rune) bool { return r == '|' || r == ',' || r == ' ' }) {
		switch strings.ToLower(part) {
		case "tx":
			o |= LinkOptionTX
		case "rx":
			o |= LinkOptionRX
		case "sh", "shared":
			o |= LinkOptionShared
		case "tk", "timekeeping":
			o |= LinkOptionTimeKeeping
		case "-":
		default:
			return 0, fmt.Errorf("unknown link option %q", part)
		}
	}
	return o, nil
}

// ParseLinkType accepts the String form, case-insensitively. Empty means
// LinkTypeNormal.
func ParseLinkType(s string) (LinkType, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "", "NORMAL":
		return LinkTypeNormal, nil
	case "ADV", "ADVERTISING":
		return LinkTypeAdvertising, nil
	case "ADV_ONLY", "ADVERTISING_ONLY":
		return LinkTypeAdvertisingOnly, nil
	}
	return 0, fmt.Errorf("unknown link type %q", s)
}
