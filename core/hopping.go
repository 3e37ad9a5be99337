package core

import (
	"fmt"
	"strings"

	"github.com/signalsfoundry/tsch-simulator/model"
)

// HoppingSequence is the ordered list of IEEE 802.15.4 channels a TSCH
// network hops over. It is treated as immutable once built.
type HoppingSequence []uint8

var (
	// HoppingSequence4_4 is the default 4-channel TSCH sequence.
	HoppingSequence4_4 = HoppingSequence{15, 25, 26, 20}
	// HoppingSequence16_16 uses all sixteen 2.4 GHz channels.
	HoppingSequence16_16 = HoppingSequence{16, 17, 23, 18, 26, 15, 25, 22, 19, 11, 12, 13, 24, 14, 20, 21}
	// HoppingSequence1_1 disables hopping; useful for single-channel captures.
	HoppingSequence1_1 = HoppingSequence{20}
)

// ParseHoppingSequence resolves a sequence name ("4_4", "16_16", "1_1") or a
// comma-separated channel list ("15,25,26,20").
func ParseHoppingSequence(s string) (HoppingSequence, error) {
	switch strings.TrimSpace(s) {
	case "", "4_4":
		return HoppingSequence4_4, nil
	case "16_16":
		return HoppingSequence16_16, nil
	case "1_1":
		return HoppingSequence1_1, nil
	}

	var seq HoppingSequence
	for _, part := range strings.Split(s, ",") {
		var ch uint8
		if _, err := fmt.Sscanf(strings.TrimSpace(part), "%d", &ch); err != nil {
			return nil, fmt.Errorf("parse hopping sequence %q: %w", s, err)
		}
		seq = append(seq, ch)
	}
	if err := seq.Validate(); err != nil {
		return nil, err
	}
	return seq, nil
}

// Validate checks the sequence is non-empty and only uses 2.4 GHz channels.
func (h HoppingSequence) Validate() error {
	if len(h) == 0 {
		return fmt.Errorf("hopping sequence is empty")
	}
	for _, ch := range h {
		if ch < 11 || ch > 26 {
			return fmt.Errorf("hopping sequence channel %d outside 11..26", ch)
		}
	}
	return nil
}

// Channel returns the physical channel used at asn for the given channel
// offset: seq[(asn + offset) mod len(seq)].
func (h HoppingSequence) Channel(asn model.ASN, offset uint16) uint8 {
	if len(h) == 0 {
		return 0
	}
	n := uint64(len(h))
	return h[(uint64(asn)%n+uint64(offset))%n]
}

// Contains reports whether ch is part of the sequence.
func (h HoppingSequence) Contains(ch uint8) bool {
	for _, c := range h {
		if c == ch {
			return true
		}
	}
	return false
}
