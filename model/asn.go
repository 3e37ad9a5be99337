package model

// ASN is the 48-bit absolute slot number: the count of timeslots elapsed since
// the network was formed.
type ASN uint64

const asnMask = 1<<48 - 1

// Add advances the ASN by n slots, wrapping at 48 bits.
func (a ASN) Add(n uint64) ASN { return (a + ASN(n)) & asnMask }

// Diff returns a - b in slots, modulo 2^48.
func (a ASN) Diff(b ASN) uint64 { return uint64(a-b) & asnMask }

// Mod returns the ASN modulo n (n > 0).
func (a ASN) Mod(n uint16) uint16 { return uint16(uint64(a) % uint64(n)) }

// Bytes encodes the ASN as 5 little-endian bytes, as carried in EBs.
func (a ASN) Bytes() [5]byte {
	var b [5]byte
	for i := range b {
		b[i] = byte(a >> (8 * i))
	}
	return b
}

// ASNFromBytes decodes 5 little-endian bytes.
func ASNFromBytes(b [5]byte) ASN {
	var a ASN
	for i := range b {
		a |= ASN(b[i]) << (8 * i)
	}
	return a
}
