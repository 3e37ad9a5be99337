package sixp

import (
	"errors"
	"testing"
	"time"

	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/signalsfoundry/tsch-simulator/core"
	"github.com/signalsfoundry/tsch-simulator/internal/logging"
	"github.com/signalsfoundry/tsch-simulator/internal/sched"
	"github.com/signalsfoundry/tsch-simulator/model"
)

const slotframeLen = 101

var (
	addrA = model.AddrFromID(1)
	addrB = model.AddrFromID(2)
)

// wire delivers 6P bodies between negotiators on a shared fake scheduler.
// The sent callback fires after 5ms and delivery after 10ms.
type wire struct {
	s     *sched.FakeEventScheduler
	self  model.Addr
	nodes map[model.Addr]*Negotiator
	drop  bool
	sent  [][]byte
}

func (w *wire) SendSixP(peer model.Addr, body []byte, sent func(ok bool)) error {
	w.sent = append(w.sent, body)
	now := w.s.Now()
	drop := w.drop
	w.s.Schedule(now.Add(5*time.Millisecond), func() { sent(!drop) })
	if !drop {
		w.s.Schedule(now.Add(10*time.Millisecond), func() { w.nodes[peer].Input(w.self, body) })
	}
	return nil
}

// fakePool offers its entries in order and records replacements.
type fakePool struct {
	cells    []model.Cell
	replaced []model.Cell
	next     uint16
}

func (p *fakePool) Offer(n int) []model.Cell {
	if n > len(p.cells) {
		n = len(p.cells)
	}
	return append([]model.Cell(nil), p.cells[:n]...)
}

func (p *fakePool) Replace(c model.Cell) error {
	for i := range p.cells {
		if p.cells[i] == c {
			p.replaced = append(p.replaced, c)
			p.next++
			p.cells[i] = model.Cell{Timeslot: 90 + p.next}
			return nil
		}
	}
	return nil
}

type fakeStats struct{ removed []model.Cell }

func (s *fakeStats) Remove(c model.Cell) bool {
	s.removed = append(s.removed, c)
	return true
}

type peerNode struct {
	mgr     *core.ScheduleManager
	n       *Negotiator
	wire    *wire
	results []Result
	log     *logging.Capture
}

type pair struct {
	s    *sched.FakeEventScheduler
	a, b *peerNode
}

func newPair(t *testing.T, cfg Config, aOpts ...Option) *pair {
	t.Helper()
	s := sched.NewFakeEventScheduler(time.Unix(0, 0))
	nodes := map[model.Addr]*Negotiator{}
	mk := func(self model.Addr, opts ...Option) *peerNode {
		p := &peerNode{
			mgr:  core.NewScheduleManager(core.DefaultMaxLinks),
			wire: &wire{s: s, self: self, nodes: nodes},
			log:  logging.NewCapture(),
		}
		if err := p.mgr.AddSlotframe(0, slotframeLen); err != nil {
			t.Fatalf("AddSlotframe: %v", err)
		}
		opts = append([]Option{
			WithConfig(cfg),
			WithLogger(p.log),
			OnComplete(func(r Result) { p.results = append(p.results, r) }),
		}, opts...)
		p.n = New(s, p.mgr, p.wire, opts...)
		nodes[self] = p.n
		return p
	}
	return &pair{s: s, a: mk(addrA, aOpts...), b: mk(addrB)}
}

func (p *pair) run(d time.Duration) { p.s.AdvanceBy(d) }

func txLinks(m *core.ScheduleManager, peer model.Addr, opts model.LinkOptions) []model.Link {
	var out []model.Link
	m.View(func(s *core.Schedule) {
		for _, l := range s.LinksTo(peer, opts) {
			out = append(out, *l)
		}
	})
	return out
}

func TestAdd_GrantsFreeSubset(t *testing.T) {
	pool := &fakePool{cells: []model.Cell{
		{Timeslot: 10, ChannelOffset: 1},
		{Timeslot: 20, ChannelOffset: 2},
		{Timeslot: 30, ChannelOffset: 3},
		{Timeslot: 40, ChannelOffset: 0},
		{Timeslot: 50, ChannelOffset: 1},
		{Timeslot: 60, ChannelOffset: 2},
		{Timeslot: 70, ChannelOffset: 3},
		{Timeslot: 80, ChannelOffset: 0},
		{Timeslot: 85, ChannelOffset: 1},
	}}
	p := newPair(t, DefaultConfig(), WithCandidates(pool))
	// The responder already uses timeslot 20.
	if _, err := p.b.mgr.AddLink(0, model.LinkOptionRX, model.LinkTypeNormal, model.AddrFromID(9), model.Cell{Timeslot: 20}); err != nil {
		t.Fatalf("AddLink: %v", err)
	}

	if err := p.a.n.Add(addrB, 4); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if err := p.a.n.Add(addrB, 1); !errors.Is(err, ErrBusy) {
		t.Fatalf("second Add err = %v", err)
	}
	p.run(50 * time.Millisecond)

	granted := []model.Cell{{Timeslot: 10, ChannelOffset: 1}, {Timeslot: 30, ChannelOffset: 3}, {Timeslot: 40, ChannelOffset: 0}}
	if len(p.a.results) != 1 {
		t.Fatalf("requester results = %+v", p.a.results)
	}
	res := p.a.results[0]
	if res.Outcome != OutcomeSuccess || res.RC != RCSuccess || len(res.Cells) != 3 {
		t.Fatalf("requester result = %+v", res)
	}
	tx := txLinks(p.a.mgr, addrB, model.LinkOptionTX)
	if len(tx) != 3 {
		t.Fatalf("TX links = %v", tx)
	}
	for i, c := range granted {
		if tx[i].Cell() != c {
			t.Fatalf("TX link %d = %s, want %s", i, tx[i].Cell(), c)
		}
	}
	if len(pool.replaced) != 3 {
		t.Fatalf("replaced = %v", pool.replaced)
	}
	for i, c := range granted {
		if pool.replaced[i] != c {
			t.Fatalf("replaced %d = %s, want %s", i, pool.replaced[i], c)
		}
	}
	if rx := txLinks(p.b.mgr, addrA, model.LinkOptionRX); len(rx) != 3 {
		t.Fatalf("responder RX links = %v", rx)
	}
	if p.a.n.Busy(addrB) || p.b.n.Busy(addrA) {
		t.Fatalf("transactions left open")
	}
}

func TestAdd_StrictResponderStaysSilent(t *testing.T) {
	cfg := DefaultConfig()
	cfg.StrictAdd = true
	pool := &fakePool{cells: []model.Cell{{Timeslot: 10}, {Timeslot: 20}, {Timeslot: 30}, {Timeslot: 40}}}
	p := newPair(t, cfg, WithCandidates(pool))
	_, _ = p.b.mgr.AddLink(0, model.LinkOptionRX, model.LinkTypeNormal, model.AddrFromID(9), model.Cell{Timeslot: 30})

	if err := p.a.n.Add(addrB, 4); err != nil {
		t.Fatalf("Add: %v", err)
	}
	p.run(time.Second)
	if len(p.b.wire.sent) != 0 {
		t.Fatalf("responder sent %d messages", len(p.b.wire.sent))
	}
	if !p.a.n.Busy(addrB) {
		t.Fatalf("transaction closed before the timeout")
	}
	p.run(1100 * time.Millisecond)
	if len(p.a.results) != 1 || p.a.results[0].Outcome != OutcomeTimeout {
		t.Fatalf("requester results = %+v", p.a.results)
	}
	if len(txLinks(p.a.mgr, addrB, model.LinkOptionTX)) != 0 || len(pool.replaced) != 0 {
		t.Fatalf("timeout committed cells")
	}
}

func TestRequest_BusyPeerAnswersErrBusy(t *testing.T) {
	p := newPair(t, DefaultConfig())
	poolA := &fakePool{cells: []model.Cell{{Timeslot: 10}}}
	poolB := &fakePool{cells: []model.Cell{{Timeslot: 11}}}
	p.a.n.SetCandidates(poolA)
	p.b.n.SetCandidates(poolB)

	if err := p.a.n.Add(addrB, 1); err != nil {
		t.Fatalf("A Add: %v", err)
	}
	if err := p.b.n.Add(addrA, 1); err != nil {
		t.Fatalf("B Add: %v", err)
	}
	p.run(50 * time.Millisecond)

	for name, node := range map[string]*peerNode{"A": p.a, "B": p.b} {
		if len(node.results) != 1 {
			t.Fatalf("%s results = %+v", name, node.results)
		}
		if r := node.results[0]; r.Outcome != OutcomeRejected || r.RC != RCErrBusy {
			t.Fatalf("%s result = %+v", name, r)
		}
		if len(node.log.Matching("sixp: busy")) != 1 {
			t.Fatalf("%s did not log the busy rejection", name)
		}
	}
}

func TestDelete_RemovesOnBothSides(t *testing.T) {
	stats := &fakeStats{}
	p := newPair(t, DefaultConfig(), WithStats(stats))
	cell := model.Cell{Timeslot: 7, ChannelOffset: 2}
	_, _ = p.a.mgr.AddLink(0, model.LinkOptionTX, model.LinkTypeNormal, addrB, cell)
	_, _ = p.b.mgr.AddLink(0, model.LinkOptionRX, model.LinkTypeNormal, addrA, cell)

	if err := p.a.n.Delete(addrB); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	p.run(50 * time.Millisecond)

	if p.a.mgr.IsScheduled(0, 7) || p.b.mgr.IsScheduled(0, 7) {
		t.Fatalf("cell still scheduled: A=%v B=%v", p.a.mgr.Snapshot(), p.b.mgr.Snapshot())
	}
	if len(stats.removed) != 1 || stats.removed[0] != cell {
		t.Fatalf("stats removed = %v", stats.removed)
	}
	if r := p.b.results[0]; r.Role != RoleResponder || r.Outcome != OutcomeSuccess || len(r.Cells) != 1 {
		t.Fatalf("responder result = %+v", r)
	}
	if err := p.a.n.Delete(addrB); !errors.Is(err, ErrNoLink) {
		t.Fatalf("Delete without link err = %v", err)
	}
}

func TestRelocate_MovesCell(t *testing.T) {
	stats := &fakeStats{}
	pool := &fakePool{cells: []model.Cell{{Timeslot: 12}, {Timeslot: 15, ChannelOffset: 2}, {Timeslot: 18, ChannelOffset: 3}}}
	p := newPair(t, DefaultConfig(), WithStats(stats), WithCandidates(pool))
	old := model.Cell{Timeslot: 7, ChannelOffset: 1}
	_, _ = p.a.mgr.AddLink(0, model.LinkOptionTX, model.LinkTypeNormal, addrB, old)
	_, _ = p.b.mgr.AddLink(0, model.LinkOptionRX, model.LinkTypeNormal, addrA, old)
	_, _ = p.b.mgr.AddLink(0, model.LinkOptionRX, model.LinkTypeNormal, model.AddrFromID(9), model.Cell{Timeslot: 12})

	if err := p.a.n.Relocate(addrB, old, pool.Offer(3)); err != nil {
		t.Fatalf("Relocate: %v", err)
	}
	p.run(50 * time.Millisecond)

	want := model.Cell{Timeslot: 15, ChannelOffset: 2}
	res := p.a.results[0]
	if res.Outcome != OutcomeSuccess || len(res.Cells) != 1 || res.Cells[0] != want || res.From[0] != old {
		t.Fatalf("requester result = %+v", res)
	}
	if l, ok := p.a.mgr.LinkAt(0, 15); !ok || l.Options != model.LinkOptionTX || l.Addr != addrB || l.ChannelOffset != 2 {
		t.Fatalf("requester link at 15 = %+v, %v", l, ok)
	}
	if p.a.mgr.IsScheduled(0, 7) || p.b.mgr.IsScheduled(0, 7) {
		t.Fatalf("old cell still scheduled")
	}
	if l, ok := p.b.mgr.LinkAt(0, 15); !ok || l.Options != model.LinkOptionRX || l.Addr != addrA {
		t.Fatalf("responder link at 15 = %+v, %v", l, ok)
	}
	if len(stats.removed) != 1 || stats.removed[0] != old {
		t.Fatalf("stats removed = %v", stats.removed)
	}
	if len(pool.replaced) != 1 || pool.replaced[0] != want {
		t.Fatalf("pool replaced = %v", pool.replaced)
	}
}

func TestRelocate_NoFreeCandidateTimesOut(t *testing.T) {
	p := newPair(t, DefaultConfig())
	old := model.Cell{Timeslot: 7}
	_, _ = p.a.mgr.AddLink(0, model.LinkOptionTX, model.LinkTypeNormal, addrB, old)
	_, _ = p.b.mgr.AddLink(0, model.LinkOptionRX, model.LinkTypeNormal, addrA, old)
	_, _ = p.b.mgr.AddLink(0, model.LinkOptionRX, model.LinkTypeNormal, addrA, model.Cell{Timeslot: 12})

	if err := p.a.n.Relocate(addrB, old, []model.Cell{{Timeslot: 12}, {Timeslot: 0}}); err != nil {
		t.Fatalf("Relocate: %v", err)
	}
	if err := p.a.n.Relocate(addrB, model.Cell{Timeslot: 30}, []model.Cell{{Timeslot: 12}}); !errors.Is(err, ErrBusy) {
		t.Fatalf("relocate while busy err = %v", err)
	}
	p.run(3 * time.Second)
	if len(p.b.wire.sent) != 0 {
		t.Fatalf("responder answered")
	}
	if r := p.b.results[0]; r.Outcome != OutcomeRejected || r.Role != RoleResponder {
		t.Fatalf("responder result = %+v", r)
	}
	if r := p.a.results[0]; r.Outcome != OutcomeTimeout {
		t.Fatalf("requester result = %+v", r)
	}
	if !p.a.mgr.IsScheduled(0, 7) {
		t.Fatalf("failed relocation removed the old cell")
	}
}

func TestRelocate_Validation(t *testing.T) {
	p := newPair(t, DefaultConfig())
	if err := p.a.n.Relocate(addrB, model.Cell{Timeslot: 7}, nil); !errors.Is(err, ErrNoCandidates) {
		t.Fatalf("no candidates err = %v", err)
	}
	if err := p.a.n.Relocate(addrB, model.Cell{Timeslot: 7}, []model.Cell{{Timeslot: 8}}); !errors.Is(err, ErrNoLink) {
		t.Fatalf("missing link err = %v", err)
	}
	bare := New(p.s, core.NewScheduleManager(4), p.a.wire)
	if err := bare.Add(addrB, 1); !errors.Is(err, ErrNoSlotframe) {
		t.Fatalf("Add without slotframe err = %v", err)
	}
}

func TestCommit_WaitsForSlotToEnd(t *testing.T) {
	pool := &fakePool{cells: []model.Cell{{Timeslot: 10}}}
	p := newPair(t, DefaultConfig(), WithCandidates(pool))
	if err := p.a.n.Add(addrB, 1); err != nil {
		t.Fatalf("Add: %v", err)
	}
	// The response reaches A at 20ms; keep a slot in operation until 30ms.
	p.run(19 * time.Millisecond)
	lock := p.a.mgr.Lock()
	lock.EnterSlot()
	p.run(6 * time.Millisecond)
	if p.a.mgr.IsScheduled(0, 10) {
		t.Fatalf("committed during a slot")
	}
	if !lock.Requested() {
		t.Fatalf("commit did not request the lock")
	}
	p.run(5 * time.Millisecond)
	lock.ExitSlot()
	p.run(2 * time.Millisecond)
	if !p.a.mgr.IsScheduled(0, 10) {
		t.Fatalf("commit not retried after the slot")
	}
	if lock.Requested() || lock.Held() {
		t.Fatalf("lock left requested=%v held=%v", lock.Requested(), lock.Held())
	}
}

func TestSendFailureEndsTransaction(t *testing.T) {
	pool := &fakePool{cells: []model.Cell{{Timeslot: 10}}}
	p := newPair(t, DefaultConfig(), WithCandidates(pool))
	p.a.wire.drop = true
	if err := p.a.n.Add(addrB, 1); err != nil {
		t.Fatalf("Add: %v", err)
	}
	p.run(10 * time.Millisecond)
	if len(p.a.results) != 1 || p.a.results[0].Outcome != OutcomeSendFailed {
		t.Fatalf("results = %+v", p.a.results)
	}
	if p.a.n.Busy(addrB) {
		t.Fatalf("transaction still open")
	}
}

func TestInput_DropsMalformed(t *testing.T) {
	p := newPair(t, DefaultConfig())
	p.b.n.Input(addrA, []byte{0x00, 0x01})
	p.b.n.Input(addrA, []byte{0x00, 0x01, 0x42, 0x00, 0, 0, 1, 1})
	p.run(20 * time.Millisecond)

	if got := len(p.b.log.Matching("sixp: dropping message")); got != 1 {
		t.Fatalf("malformed drops logged = %d", got)
	}
	// The wrong SFID is answered with RC_ERR_SFID.
	if len(p.b.wire.sent) != 1 {
		t.Fatalf("responses sent = %d", len(p.b.wire.sent))
	}
	m, err := Unmarshal(p.b.wire.sent[0])
	if err != nil || m.Code != RCErrSFID {
		t.Fatalf("response = %+v, %v", m, err)
	}
	if p.b.n.Busy(addrA) {
		t.Fatalf("malformed input opened a transaction")
	}
}

func TestTransactionSpan(t *testing.T) {
	sr := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(sr))
	pool := &fakePool{cells: []model.Cell{{Timeslot: 10}}}
	p := newPair(t, DefaultConfig(), WithCandidates(pool), WithTracerProvider(tp))

	if err := p.a.n.Add(addrB, 1); err != nil {
		t.Fatalf("Add: %v", err)
	}
	p.run(50 * time.Millisecond)

	spans := sr.Ended()
	if len(spans) != 1 {
		t.Fatalf("ended spans = %d", len(spans))
	}
	if spans[0].Name() != "sixp.add" {
		t.Fatalf("span name = %q", spans[0].Name())
	}
	found := false
	for _, kv := range spans[0].Attributes() {
		if string(kv.Key) == "sixp.outcome" && kv.Value.AsString() == "success" {
			found = true
		}
	}
	if !found {
		t.Fatalf("outcome attribute missing: %v", spans[0].Attributes())
	}
}
