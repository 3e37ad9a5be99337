package tsch

import (
	"errors"
	"math/rand/v2"

	"github.com/signalsfoundry/tsch-simulator/model"
)

var (
	ErrQueueFull   = errors.New("neighbor queue full")
	ErrTooManyNbrs = errors.New("neighbor table full")
	ErrEmptyPacket = errors.New("empty packet")
)

// Queue defaults.
const (
	QueueSizePerNeighbor    = 16
	MaxNeighbors            = 16
	DefaultMinBE            = 1
	DefaultMaxBE            = 5
	DefaultMaxTransmissions = 8
)

// SentFunc is invoked from pending-events processing once a packet leaves the
// queue, either delivered or dropped after its last attempt.
type SentFunc func(p *Packet, status model.TxStatus)

// Packet is a frame queued for transmission.
type Packet struct {
	Buf              []byte
	Dst              model.Addr
	Transmissions    int
	MaxTransmissions int
	Status           model.TxStatus
	Sent             SentFunc
}

// Neighbor is a per-destination transmit queue with CSMA backoff state.
type Neighbor struct {
	Addr         model.Addr
	IsBroadcast  bool
	IsTimeSource bool

	BackoffExponent int
	BackoffWindow   int

	// TX link counts towards this neighbor, refreshed from the schedule.
	TxLinks          int
	DedicatedTxLinks int

	ring  [QueueSizePerNeighbor]*Packet
	head  int
	count int
}

// Len returns the number of queued packets.
func (n *Neighbor) Len() int { return n.count }

func (n *Neighbor) peek() *Packet {
	if n.count == 0 {
		return nil
	}
	return n.ring[n.head]
}

func (n *Neighbor) push(p *Packet) bool {
	if n.count == len(n.ring) {
		return false
	}
	n.ring[(n.head+n.count)%len(n.ring)] = p
	n.count++
	return true
}

func (n *Neighbor) pop() *Packet {
	if n.count == 0 {
		return nil
	}
	p := n.ring[n.head]
	n.ring[n.head] = nil
	n.head = (n.head + 1) % len(n.ring)
	n.count--
	return p
}

// LinkCounter reports how many TX links, and how many of them dedicated
// (non-shared), point at addr.
type LinkCounter func(addr model.Addr) (tx, dedicated int)

// QueueOption configures a Queue.
type QueueOption func(*Queue)

// WithQueueRand sets the random source used for backoff windows.
func WithQueueRand(r *rand.Rand) QueueOption {
	return func(q *Queue) {
		if r != nil {
			q.rng = r
		}
	}
}

// WithBackoffExponents overrides the CSMA backoff exponent bounds.
func WithBackoffExponents(minBE, maxBE int) QueueOption {
	return func(q *Queue) {
		q.minBE, q.maxBE = minBE, maxBE
	}
}

// WithLinkCounter sets the function used to refresh per-neighbor link counts.
func WithLinkCounter(c LinkCounter) QueueOption {
	return func(q *Queue) { q.counter = c }
}

// Queue holds the per-neighbor transmit queues of one node. Neighbors are kept
// in insertion order. The null address is the EB queue and the broadcast
// address the broadcast queue; both always exist.
type Queue struct {
	nbrs    []*Neighbor
	rng     *rand.Rand
	counter LinkCounter
	minBE   int
	maxBE   int
	maxTx   int
}

// NewQueue returns a queue holding the EB and broadcast neighbors.
func NewQueue(opts ...QueueOption) *Queue {
	q := &Queue{
		rng:   rand.New(rand.NewPCG(1, 2)),
		minBE: DefaultMinBE,
		maxBE: DefaultMaxBE,
		maxTx: DefaultMaxTransmissions,
	}
	for _, opt := range opts {
		opt(q)
	}
	q.mustAdd(model.NullAddr)
	q.mustAdd(model.BroadcastAddr)
	return q
}

func (q *Queue) mustAdd(addr model.Addr) {
	if _, err := q.AddNeighbor(addr); err != nil {
		panic(err)
	}
}

// AddNeighbor returns the neighbor for addr, creating it if needed.
func (q *Queue) AddNeighbor(addr model.Addr) (*Neighbor, error) {
	if n := q.Neighbor(addr); n != nil {
		return n, nil
	}
	if len(q.nbrs) >= MaxNeighbors {
		return nil, ErrTooManyNbrs
	}
	n := &Neighbor{
		Addr:            addr,
		IsBroadcast:     addr.IsBroadcast() || addr.IsNull(),
		BackoffExponent: q.minBE,
	}
	if q.counter != nil {
		n.TxLinks, n.DedicatedTxLinks = q.counter(addr)
	}
	q.nbrs = append(q.nbrs, n)
	return n, nil
}

// Neighbor looks up addr.
func (q *Queue) Neighbor(addr model.Addr) *Neighbor {
	for _, n := range q.nbrs {
		if n.Addr == addr {
			return n
		}
	}
	return nil
}

// Neighbors returns all neighbors in insertion order.
func (q *Queue) Neighbors() []*Neighbor {
	out := make([]*Neighbor, len(q.nbrs))
	copy(out, q.nbrs)
	return out
}

// EBNeighbor is the queue holding enhanced beacons.
func (q *Queue) EBNeighbor() *Neighbor { return q.nbrs[0] }

// BroadcastNeighbor is the queue holding broadcast frames.
func (q *Queue) BroadcastNeighbor() *Neighbor { return q.nbrs[1] }

// TimeSource returns the neighbor we synchronise to, or nil.
func (q *Queue) TimeSource() *Neighbor {
	for _, n := range q.nbrs {
		if n.IsTimeSource {
			return n
		}
	}
	return nil
}

// SetTimeSource makes addr the only time source. The zero address clears it.
func (q *Queue) SetTimeSource(addr model.Addr) (*Neighbor, error) {
	var ts *Neighbor
	if addr != (model.Addr{}) {
		n, err := q.AddNeighbor(addr)
		if err != nil {
			return nil, err
		}
		ts = n
	}
	for _, n := range q.nbrs {
		n.IsTimeSource = n == ts
	}
	return ts, nil
}

// RefreshLinkCounts recomputes TX link counts for every neighbor.
func (q *Queue) RefreshLinkCounts() {
	if q.counter == nil {
		return
	}
	for _, n := range q.nbrs {
		n.TxLinks, n.DedicatedTxLinks = q.counter(n.Addr)
	}
}

// Enqueue adds a frame for dst.
func (q *Queue) Enqueue(dst model.Addr, buf []byte, sent SentFunc) (*Packet, error) {
	if len(buf) == 0 {
		return nil, ErrEmptyPacket
	}
	n, err := q.AddNeighbor(dst)
	if err != nil {
		return nil, err
	}
	p := &Packet{Buf: buf, Dst: dst, MaxTransmissions: q.maxTx, Sent: sent}
	if !n.push(p) {
		return nil, ErrQueueFull
	}
	return p, nil
}

// PacketCount returns the number of frames queued for addr.
func (q *Queue) PacketCount(addr model.Addr) int {
	if n := q.Neighbor(addr); n != nil {
		return n.count
	}
	return 0
}

// Flush drops every packet queued for addr without invoking callbacks.
func (q *Queue) Flush(addr model.Addr) int {
	n := q.Neighbor(addr)
	if n == nil {
		return 0
	}
	dropped := n.count
	for n.pop() != nil {
	}
	return dropped
}

// PacketForNeighbor returns the head packet of n if it may be sent on link.
// On shared links the neighbor's backoff window must have expired.
func (q *Queue) PacketForNeighbor(n *Neighbor, link *model.Link) *Packet {
	if n == nil {
		return nil
	}
	p := n.peek()
	if p == nil {
		return nil
	}
	if link != nil && link.Options.Has(model.LinkOptionShared) && n.BackoffWindow != 0 {
		return nil
	}
	return p
}

// UnicastPacketForAny returns a packet for any unicast neighbor that has no TX
// link of its own, for use on a shared broadcast link.
func (q *Queue) UnicastPacketForAny(link *model.Link) (*Packet, *Neighbor) {
	for _, n := range q.nbrs {
		if n.IsBroadcast || n.TxLinks != 0 {
			continue
		}
		if p := q.PacketForNeighbor(n, link); p != nil {
			return p, n
		}
	}
	return nil, nil
}

// PacketSent applies the outcome of a transmission attempt to n's queue and
// backoff state. It reports whether p is still queued.
func (q *Queue) PacketSent(n *Neighbor, p *Packet, link *model.Link, status model.TxStatus) bool {
	shared := link != nil && link.Options.Has(model.LinkOptionShared)
	unicast := !n.IsBroadcast

	if status == model.TxOK {
		q.removeHead(n, p)
		if unicast && (shared || n.count == 0) {
			q.backoffReset(n)
		}
		return false
	}

	inQueue := true
	if p.Transmissions >= p.MaxTransmissions {
		q.removeHead(n, p)
		inQueue = false
	}
	if unicast && shared {
		q.backoffInc(n)
	}
	return inQueue
}

func (q *Queue) removeHead(n *Neighbor, p *Packet) {
	if n.peek() == p {
		n.pop()
	}
}

func (q *Queue) backoffReset(n *Neighbor) {
	n.BackoffWindow = 0
	n.BackoffExponent = q.minBE
}

func (q *Queue) backoffInc(n *Neighbor) {
	n.BackoffExponent++
	if n.BackoffExponent > q.maxBE {
		n.BackoffExponent = q.maxBE
	}
	// One extra slot because the window is decremented at the end of the
	// current slot.
	n.BackoffWindow = q.rng.IntN(1<<n.BackoffExponent) + 1
}

// UpdateAllBackoffWindows decrements the backoff window of every neighbor
// allowed to use a shared TX link towards dest.
func (q *Queue) UpdateAllBackoffWindows(dest model.Addr) {
	broadcast := dest.IsBroadcast()
	for _, n := range q.nbrs {
		if n.BackoffWindow == 0 {
			continue
		}
		if (n.TxLinks == 0 && broadcast) || (n.TxLinks > 0 && dest == n.Addr) {
			n.BackoffWindow--
		}
	}
}
