package tsch

import (
	"errors"
	"math/rand/v2"
	"testing"

	"github.com/signalsfoundry/tsch-simulator/model"
)

func sharedLink(addr model.Addr) *model.Link {
	return &model.Link{Options: model.LinkOptionTX | model.LinkOptionShared, Addr: addr}
}

func TestQueue_BuiltinNeighbors(t *testing.T) {
	q := NewQueue()
	if !q.EBNeighbor().Addr.IsNull() || !q.EBNeighbor().IsBroadcast {
		t.Fatalf("EB neighbor = %+v", q.EBNeighbor())
	}
	if !q.BroadcastNeighbor().Addr.IsBroadcast() {
		t.Fatalf("broadcast neighbor = %+v", q.BroadcastNeighbor())
	}
	if _, err := q.Enqueue(model.AddrFromID(2), nil, nil); !errors.Is(err, ErrEmptyPacket) {
		t.Fatalf("Enqueue(empty) err = %v, want ErrEmptyPacket", err)
	}
}

func TestQueue_FullQueue(t *testing.T) {
	q := NewQueue()
	dst := model.AddrFromID(2)
	for i := 0; i < QueueSizePerNeighbor; i++ {
		if _, err := q.Enqueue(dst, []byte{byte(i)}, nil); err != nil {
			t.Fatalf("Enqueue #%d: %v", i, err)
		}
	}
	if _, err := q.Enqueue(dst, []byte{0xff}, nil); !errors.Is(err, ErrQueueFull) {
		t.Fatalf("Enqueue on full queue err = %v", err)
	}
	if got := q.Flush(dst); got != QueueSizePerNeighbor {
		t.Fatalf("Flush = %d", got)
	}
	if got := q.PacketCount(dst); got != 0 {
		t.Fatalf("PacketCount after Flush = %d", got)
	}
}

func TestQueue_TimeSourceIsExclusive(t *testing.T) {
	q := NewQueue()
	a, b := model.AddrFromID(2), model.AddrFromID(3)
	if _, err := q.SetTimeSource(a); err != nil {
		t.Fatalf("SetTimeSource: %v", err)
	}
	if _, err := q.SetTimeSource(b); err != nil {
		t.Fatalf("SetTimeSource: %v", err)
	}
	if ts := q.TimeSource(); ts == nil || ts.Addr != b {
		t.Fatalf("TimeSource = %+v, want %s", ts, b)
	}
	if q.Neighbor(a).IsTimeSource {
		t.Fatalf("previous time source still flagged")
	}
	if _, err := q.SetTimeSource(model.Addr{}); err != nil {
		t.Fatalf("clear: %v", err)
	}
	if q.TimeSource() != nil {
		t.Fatalf("time source not cleared")
	}
}

func TestQueue_SharedLinkBackoff(t *testing.T) {
	q := NewQueue(WithQueueRand(rand.New(rand.NewPCG(7, 7))))
	dst := model.AddrFromID(2)
	link := sharedLink(dst)
	p, err := q.Enqueue(dst, []byte{1}, nil)
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	n := q.Neighbor(dst)
	n.TxLinks = 1

	p.Transmissions++
	if !q.PacketSent(n, p, link, model.TxNoAck) {
		t.Fatalf("packet dropped after first failure")
	}
	if n.BackoffExponent != DefaultMinBE+1 {
		t.Fatalf("BE = %d, want %d", n.BackoffExponent, DefaultMinBE+1)
	}
	if n.BackoffWindow < 1 || n.BackoffWindow > 1<<n.BackoffExponent {
		t.Fatalf("window %d outside [1, %d]", n.BackoffWindow, 1<<n.BackoffExponent)
	}
	if got := q.PacketForNeighbor(n, link); got != nil {
		t.Fatalf("packet offered during backoff")
	}

	for n.BackoffWindow > 0 {
		q.UpdateAllBackoffWindows(dst)
	}
	if got := q.PacketForNeighbor(n, link); got != p {
		t.Fatalf("packet not offered after backoff expired")
	}

	p.Transmissions++
	if q.PacketSent(n, p, link, model.TxOK) {
		t.Fatalf("delivered packet still queued")
	}
	if n.BackoffExponent != DefaultMinBE || n.BackoffWindow != 0 {
		t.Fatalf("backoff not reset: BE=%d window=%d", n.BackoffExponent, n.BackoffWindow)
	}
}

func TestQueue_BackoffExponentCapped(t *testing.T) {
	q := NewQueue(WithBackoffExponents(1, 3))
	dst := model.AddrFromID(2)
	link := sharedLink(dst)
	p, _ := q.Enqueue(dst, []byte{1}, nil)
	p.MaxTransmissions = 100
	n := q.Neighbor(dst)
	for i := 0; i < 10; i++ {
		p.Transmissions++
		q.PacketSent(n, p, link, model.TxCollision)
	}
	if n.BackoffExponent != 3 {
		t.Fatalf("BE = %d, want capped at 3", n.BackoffExponent)
	}
}

func TestQueue_DropsAfterMaxTransmissions(t *testing.T) {
	q := NewQueue()
	dst := model.AddrFromID(2)
	link := &model.Link{Options: model.LinkOptionTX, Addr: dst}
	p, _ := q.Enqueue(dst, []byte{1}, nil)
	n := q.Neighbor(dst)
	for i := 1; i < DefaultMaxTransmissions; i++ {
		p.Transmissions++
		if !q.PacketSent(n, p, link, model.TxNoAck) {
			t.Fatalf("dropped after %d attempts", i)
		}
	}
	p.Transmissions++
	if q.PacketSent(n, p, link, model.TxNoAck) {
		t.Fatalf("still queued after %d attempts", p.Transmissions)
	}
	if q.PacketCount(dst) != 0 {
		t.Fatalf("queue not empty")
	}
	// Dedicated links never back off.
	if n.BackoffWindow != 0 {
		t.Fatalf("window = %d on dedicated link", n.BackoffWindow)
	}
}

func TestQueue_UnicastPacketForAnySkipsNeighborsWithLinks(t *testing.T) {
	q := NewQueue()
	withLink, without := model.AddrFromID(2), model.AddrFromID(3)
	_, _ = q.Enqueue(withLink, []byte{1}, nil)
	p, _ := q.Enqueue(without, []byte{2}, nil)
	q.Neighbor(withLink).TxLinks = 1

	got, n := q.UnicastPacketForAny(sharedLink(model.BroadcastAddr))
	if got != p || n.Addr != without {
		t.Fatalf("UnicastPacketForAny = %v/%v, want packet for %s", got, n, without)
	}
}

func TestQueue_RefreshLinkCounts(t *testing.T) {
	dst := model.AddrFromID(2)
	counts := map[model.Addr][2]int{dst: {2, 1}}
	q := NewQueue(WithLinkCounter(func(a model.Addr) (int, int) {
		c := counts[a]
		return c[0], c[1]
	}))
	n, _ := q.AddNeighbor(dst)
	if n.TxLinks != 2 || n.DedicatedTxLinks != 1 {
		t.Fatalf("counts on add = %d/%d", n.TxLinks, n.DedicatedTxLinks)
	}
	counts[dst] = [2]int{0, 0}
	q.RefreshLinkCounts()
	if n.TxLinks != 0 {
		t.Fatalf("TxLinks after refresh = %d", n.TxLinks)
	}
}
