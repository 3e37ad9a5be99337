package sim

import (
	"context"
	"encoding/binary"
	"errors"
	"hash/crc32"
	"math/rand/v2"
	"sort"
	"time"

	"github.com/signalsfoundry/tsch-simulator/internal/logging"
	"github.com/signalsfoundry/tsch-simulator/internal/sched"
	"github.com/signalsfoundry/tsch-simulator/internal/tsch"
	"github.com/signalsfoundry/tsch-simulator/model"
)

// fcsLen is the 4-byte FCS the simulated PHY appends to every PSDU.
const fcsLen = 4

var (
	ErrNoFrame       = errors.New("sim: no frame received")
	ErrBadFCS        = errors.New("sim: frame check sequence mismatch")
	ErrInvalidPRR    = errors.New("sim: delivery ratio out of range")
	ErrDuplicateNode = errors.New("sim: node already attached")
)

// LinkQuality describes reception between two radios. A pair without a
// LinkQuality is out of range.
type LinkQuality struct {
	// PRR is the probability that an undisturbed frame is received.
	PRR  float64
	RSSI int8
	// ChannelPRR overrides PRR on individual physical channels.
	ChannelPRR map[uint8]float64
}

func (q LinkQuality) prr(ch uint8) float64 {
	if p, ok := q.ChannelPRR[ch]; ok {
		return p
	}
	return q.PRR
}

type pair struct{ a, b model.Addr }

func orderedPair(a, b model.Addr) pair {
	for i := range a {
		if a[i] != b[i] {
			if a[i] > b[i] {
				a, b = b, a
			}
			break
		}
	}
	return pair{a, b}
}

// transmission is a frame on the air, in global time.
type transmission struct {
	src   *Radio
	psdu  []byte
	ch    uint8
	start time.Time
	end   time.Time
}

// MediumStats counts what happened on the air.
type MediumStats struct {
	Transmissions int
	Delivered     int
	Collisions    int
	Lost          int
}

// Medium is the shared radio channel. All radios attached to it run on the
// same global scheduler; the medium is owned by that scheduler's loop.
type Medium struct {
	s      sched.Scheduler
	timing tsch.Timing
	rng    *rand.Rand
	log    logging.Logger

	radios map[model.Addr]*Radio
	order  []*Radio
	links  map[pair]LinkQuality
	stats  MediumStats
}

// MediumOption configures a Medium.
type MediumOption func(*Medium)

func WithMediumRand(r *rand.Rand) MediumOption {
	return func(m *Medium) {
		if r != nil {
			m.rng = r
		}
	}
}

func WithMediumLogger(l logging.Logger) MediumOption {
	return func(m *Medium) { m.log = logging.OrNoop(l) }
}

// WithTiming sets the timing used to compute air time.
func WithTiming(t tsch.Timing) MediumOption { return func(m *Medium) { m.timing = t } }

// NewMedium creates an empty medium on the global scheduler s.
func NewMedium(s sched.Scheduler, opts ...MediumOption) *Medium {
	m := &Medium{
		s:      s,
		timing: tsch.DefaultTiming(),
		rng:    rand.New(rand.NewPCG(0x6d65, 0x6469)),
		log:    logging.Noop(),
		radios: make(map[model.Addr]*Radio),
		links:  make(map[pair]LinkQuality),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Attach creates the radio of node addr, whose local time is clock.
func (m *Medium) Attach(addr model.Addr, clock *Clock) (*Radio, error) {
	if _, ok := m.radios[addr]; ok {
		return nil, ErrDuplicateNode
	}
	r := &Radio{m: m, addr: addr, clock: clock}
	m.radios[addr] = r
	m.order = append(m.order, r)
	return r, nil
}

// SetLink sets the symmetric link quality between a and b.
func (m *Medium) SetLink(a, b model.Addr, q LinkQuality) error {
	if q.PRR < 0 || q.PRR > 1 {
		return ErrInvalidPRR
	}
	for _, p := range q.ChannelPRR {
		if p < 0 || p > 1 {
			return ErrInvalidPRR
		}
	}
	m.links[orderedPair(a, b)] = q
	return nil
}

// Link returns the quality between a and b.
func (m *Medium) Link(a, b model.Addr) (LinkQuality, bool) {
	q, ok := m.links[orderedPair(a, b)]
	return q, ok
}

// RemoveLink takes a and b out of range of each other. It reports whether
// there was a link.
func (m *Medium) RemoveLink(a, b model.Addr) bool {
	k := orderedPair(a, b)
	_, ok := m.links[k]
	delete(m.links, k)
	return ok
}

// Links lists every link, ordered by endpoints.
func (m *Medium) Links() []LinkSpec {
	out := make([]LinkSpec, 0, len(m.links))
	for k, q := range m.links {
		out = append(out, LinkSpec{A: k.a.ID(), B: k.b.ID(), Quality: q})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].A != out[j].A {
			return out[i].A < out[j].A
		}
		return out[i].B < out[j].B
	})
	return out
}

// Stats returns the medium counters.
func (m *Medium) Stats() MediumStats { return m.stats }

func (m *Medium) transmit(src *Radio, psdu []byte) {
	now := m.s.Now()
	tx := &transmission{
		src:   src,
		psdu:  psdu,
		ch:    src.channel,
		start: now,
		end:   now.Add(m.timing.PacketDuration(len(psdu) - fcsLen)),
	}
	m.stats.Transmissions++
	src.txUntil = tx.end
	if src.rx != nil && !src.rx.complete(now) {
		src.rx = nil
	}

	for _, r := range m.order {
		addr := r.addr
		if r == src || !r.on || r.channel != tx.ch || now.Before(r.txUntil) {
			continue
		}
		q, ok := m.Link(src.addr, addr)
		if !ok {
			continue
		}
		if r.rx != nil && !r.rx.complete(now) {
			// Both frames are lost at r; the one already locked on is
			// corrupted and the new one is never captured.
			if !r.rx.corrupt {
				r.rx.corrupt = true
				r.rx.psdu = corrupt(r.rx.psdu)
				m.stats.Collisions++
				m.log.Debug(context.Background(), "sim: collision",
					logging.String("rx", addr.String()),
					logging.String("src", src.addr.String()),
					logging.Int("channel", int(tx.ch)))
			}
			continue
		}
		lost := m.rng.Float64() >= q.prr(tx.ch)
		if lost {
			m.stats.Lost++
		}
		r.rx = &reception{
			psdu: tx.psdu,
			end:  tx.end,
			sfd:  r.clock.Local(tx.start),
			rssi: q.RSSI,
			lost: lost,
		}
	}
}

func corrupt(psdu []byte) []byte {
	out := append([]byte(nil), psdu...)
	for i := 0; i < len(out); i += 7 {
		out[i] ^= 0x5a
	}
	return out
}

func appendFCS(buf []byte) []byte {
	out := make([]byte, len(buf), len(buf)+fcsLen)
	copy(out, buf)
	return binary.LittleEndian.AppendUint32(out, crc32.ChecksumIEEE(buf))
}

func checkFCS(psdu []byte) ([]byte, bool) {
	if len(psdu) < fcsLen {
		return nil, false
	}
	n := len(psdu) - fcsLen
	return psdu[:n], binary.LittleEndian.Uint32(psdu[n:]) == crc32.ChecksumIEEE(psdu[:n])
}

// reception is the frame a radio locked on to.
type reception struct {
	psdu    []byte
	end     time.Time
	sfd     time.Time
	rssi    int8
	lost    bool
	corrupt bool
	read    bool
}

func (r *reception) complete(now time.Time) bool { return !now.Before(r.end) }

// Radio is a half-duplex transceiver on a Medium. It implements tsch.Radio;
// timestamps are reported in the node's local time.
type Radio struct {
	m     *Medium
	addr  model.Addr
	clock *Clock

	on       bool
	channel  uint8
	prepared []byte
	txUntil  time.Time
	rx       *reception

	lastSFD  time.Time
	lastRSSI int8
	dropped  int
}

var _ tsch.Radio = (*Radio)(nil)

// Addr returns the address the radio was attached with.
func (r *Radio) Addr() model.Addr { return r.addr }

// Dropped counts frames discarded for a bad FCS.
func (r *Radio) Dropped() int { return r.dropped }

func (r *Radio) SetChannel(ch uint8) error {
	if ch != r.channel && r.rx != nil && !r.rx.complete(r.m.s.Now()) {
		r.rx = nil
	}
	r.channel = ch
	return nil
}

// On starts listening. Turning on discards a frame completed while off.
func (r *Radio) On() error {
	if !r.on && r.rx != nil && (r.rx.read || r.rx.complete(r.m.s.Now())) {
		r.rx = nil
	}
	r.on = true
	return nil
}

// Off stops listening. A frame still in the air is lost; a complete one
// stays readable.
func (r *Radio) Off() error {
	if r.rx != nil && !r.rx.complete(r.m.s.Now()) {
		r.rx = nil
	}
	r.on = false
	return nil
}

func (r *Radio) Prepare(buf []byte) error {
	r.prepared = appendFCS(buf)
	return nil
}

func (r *Radio) Transmit() tsch.RadioResult {
	if r.prepared == nil {
		return tsch.RadioErr
	}
	r.m.transmit(r, r.prepared)
	return tsch.RadioOK
}

func (r *Radio) Receiving() bool {
	return r.on && r.rx != nil && !r.rx.read && !r.rx.complete(r.m.s.Now())
}

func (r *Radio) Pending() bool {
	rx := r.rx
	if rx == nil || rx.read || rx.lost || !rx.complete(r.m.s.Now()) {
		return false
	}
	if _, ok := checkFCS(rx.psdu); !ok {
		rx.read = true
		r.dropped++
		return false
	}
	return true
}

// Read returns the received PSDU without its FCS.
func (r *Radio) Read() ([]byte, error) {
	if !r.Pending() {
		return nil, ErrNoFrame
	}
	rx := r.rx
	rx.read = true
	buf, ok := checkFCS(rx.psdu)
	if !ok {
		return nil, ErrBadFCS
	}
	r.lastSFD = rx.sfd
	r.lastRSSI = rx.rssi
	r.m.stats.Delivered++
	return append([]byte(nil), buf...), nil
}

func (r *Radio) LastRSSI() int8 { return r.lastRSSI }

// LastLQI maps RSSI onto the 0-255 range.
func (r *Radio) LastLQI() uint8 {
	v := (int(r.lastRSSI) + 100) * 4
	return uint8(max(0, min(255, v)))
}

func (r *Radio) LastPacketTimestamp() time.Time { return r.lastSFD }
