package sim

import (
	"bytes"
	"errors"
	"math/rand/v2"
	"testing"
	"time"

	"github.com/signalsfoundry/tsch-simulator/internal/sched"
	"github.com/signalsfoundry/tsch-simulator/internal/tsch"
	"github.com/signalsfoundry/tsch-simulator/model"
)

type testMedium struct {
	s      *sched.FakeEventScheduler
	m      *Medium
	radios []*Radio
}

func newTestMedium(t *testing.T, n int) *testMedium {
	t.Helper()
	s := sched.NewFakeEventScheduler(epoch)
	tm := &testMedium{s: s, m: NewMedium(s, WithMediumRand(rand.New(rand.NewPCG(7, 7))))}
	for i := 1; i <= n; i++ {
		r, err := tm.m.Attach(model.AddrFromID(uint16(i)), NewClock(s, 0, 0))
		if err != nil {
			t.Fatalf("Attach(%d): %v", i, err)
		}
		_ = r.SetChannel(20)
		tm.radios = append(tm.radios, r)
	}
	return tm
}

func (tm *testMedium) link(t *testing.T, a, b int, q LinkQuality) {
	t.Helper()
	if err := tm.m.SetLink(tm.radios[a].Addr(), tm.radios[b].Addr(), q); err != nil {
		t.Fatalf("SetLink: %v", err)
	}
}

func send(t *testing.T, r *Radio, payload []byte) {
	t.Helper()
	if err := r.Prepare(payload); err != nil {
		t.Fatalf("Prepare: %v", err)
	}
	if res := r.Transmit(); res != tsch.RadioOK {
		t.Fatalf("Transmit = %v", res)
	}
}

func TestMediumDeliversFrame(t *testing.T) {
	tm := newTestMedium(t, 2)
	tm.link(t, 0, 1, LinkQuality{PRR: 1, RSSI: -52})
	tx, rx := tm.radios[0], tm.radios[1]
	_ = rx.On()

	start := tm.s.Now()
	payload := []byte{0x41, 0xd8, 0x07, 0x10}
	send(t, tx, payload)

	if !rx.Receiving() {
		t.Fatalf("receiver did not lock on to the frame")
	}
	if rx.Pending() {
		t.Fatalf("frame pending before it ended")
	}
	tm.s.AdvanceBy(time.Millisecond)
	if !rx.Pending() {
		t.Fatalf("frame not pending after air time")
	}
	got, err := rx.Read()
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Fatalf("Read = %x, want %x", got, payload)
	}
	if rx.LastRSSI() != -52 {
		t.Fatalf("LastRSSI = %d", rx.LastRSSI())
	}
	if rx.LastLQI() != 192 {
		t.Fatalf("LastLQI = %d, want 192", rx.LastLQI())
	}
	if !rx.LastPacketTimestamp().Equal(start) {
		t.Fatalf("timestamp = %v, want %v", rx.LastPacketTimestamp(), start)
	}
	if rx.Pending() {
		t.Fatalf("frame still pending after Read")
	}
	if st := tm.m.Stats(); st.Transmissions != 1 || st.Delivered != 1 {
		t.Fatalf("stats = %+v", st)
	}
}

func TestMediumTimestampUsesReceiverClock(t *testing.T) {
	s := sched.NewFakeEventScheduler(epoch)
	m := NewMedium(s)
	tx, _ := m.Attach(model.AddrFromID(1), NewClock(s, 0, 0))
	rxClock := NewClock(s, 0, 5*time.Millisecond)
	rx, _ := m.Attach(model.AddrFromID(2), rxClock)
	if err := m.SetLink(tx.Addr(), rx.Addr(), LinkQuality{PRR: 1}); err != nil {
		t.Fatalf("SetLink: %v", err)
	}
	_ = rx.On()
	send(t, tx, []byte{1, 2, 3})
	s.AdvanceBy(time.Millisecond)
	if _, err := rx.Read(); err != nil {
		t.Fatalf("Read: %v", err)
	}
	if want := epoch.Add(5 * time.Millisecond); !rx.LastPacketTimestamp().Equal(want) {
		t.Fatalf("timestamp = %v, want %v", rx.LastPacketTimestamp(), want)
	}
}

func TestMediumRequiresChannelRangeAndListening(t *testing.T) {
	tm := newTestMedium(t, 3)
	tm.link(t, 0, 1, LinkQuality{PRR: 1})
	tx, rx, far := tm.radios[0], tm.radios[1], tm.radios[2]
	_ = far.On()

	// Receiver off.
	send(t, tx, []byte{1})
	tm.s.AdvanceBy(time.Millisecond)
	_ = rx.On()
	if rx.Pending() {
		t.Fatalf("radio that was off received a frame")
	}

	// Wrong channel.
	_ = rx.SetChannel(11)
	send(t, tx, []byte{2})
	tm.s.AdvanceBy(time.Millisecond)
	if rx.Pending() {
		t.Fatalf("frame crossed channels")
	}
	if far.Pending() {
		t.Fatalf("out-of-range radio received a frame")
	}
	if _, err := rx.Read(); !errors.Is(err, ErrNoFrame) {
		t.Fatalf("Read without frame = %v, want ErrNoFrame", err)
	}
}

func TestMediumCollisionCorruptsFrame(t *testing.T) {
	tm := newTestMedium(t, 3)
	tm.link(t, 0, 2, LinkQuality{PRR: 1})
	tm.link(t, 1, 2, LinkQuality{PRR: 1})
	a, b, rx := tm.radios[0], tm.radios[1], tm.radios[2]
	_ = rx.On()

	send(t, a, bytes.Repeat([]byte{0xaa}, 20))
	tm.s.AdvanceBy(100 * time.Microsecond)
	send(t, b, bytes.Repeat([]byte{0xbb}, 20))
	tm.s.AdvanceBy(2 * time.Millisecond)

	if rx.Pending() {
		t.Fatalf("corrupted frame reported pending")
	}
	if rx.Dropped() != 1 {
		t.Fatalf("Dropped = %d, want 1", rx.Dropped())
	}
	if st := tm.m.Stats(); st.Collisions != 1 || st.Delivered != 0 {
		t.Fatalf("stats = %+v", st)
	}
}

func TestMediumDeliveryRatio(t *testing.T) {
	tm := newTestMedium(t, 2)
	tm.link(t, 0, 1, LinkQuality{PRR: 1, ChannelPRR: map[uint8]float64{20: 0}})
	tx, rx := tm.radios[0], tm.radios[1]
	_ = rx.On()

	send(t, tx, []byte{9, 9})
	tm.s.AdvanceBy(time.Millisecond)
	if rx.Pending() {
		t.Fatalf("frame on a dead channel was delivered")
	}
	if st := tm.m.Stats(); st.Lost != 1 {
		t.Fatalf("Lost = %d, want 1", st.Lost)
	}

	_ = tx.SetChannel(21)
	_ = rx.SetChannel(21)
	send(t, tx, []byte{9, 9})
	tm.s.AdvanceBy(time.Millisecond)
	if !rx.Pending() {
		t.Fatalf("frame on a clean channel was lost")
	}
}

func TestMediumHalfDuplex(t *testing.T) {
	tm := newTestMedium(t, 2)
	tm.link(t, 0, 1, LinkQuality{PRR: 1})
	a, b := tm.radios[0], tm.radios[1]
	_ = a.On()
	_ = b.On()

	send(t, a, []byte{1, 2, 3, 4})
	send(t, b, []byte{5, 6, 7, 8})
	tm.s.AdvanceBy(time.Millisecond)
	if a.Pending() {
		t.Fatalf("transmitting radio received")
	}
}

func TestMediumErrors(t *testing.T) {
	tm := newTestMedium(t, 1)
	if _, err := tm.m.Attach(model.AddrFromID(1), NewClock(tm.s, 0, 0)); !errors.Is(err, ErrDuplicateNode) {
		t.Fatalf("duplicate Attach = %v", err)
	}
	if err := tm.m.SetLink(model.AddrFromID(1), model.AddrFromID(2), LinkQuality{PRR: 1.5}); !errors.Is(err, ErrInvalidPRR) {
		t.Fatalf("SetLink(1.5) = %v", err)
	}
	if err := tm.m.SetLink(model.AddrFromID(1), model.AddrFromID(2), LinkQuality{PRR: 1, ChannelPRR: map[uint8]float64{15: -1}}); !errors.Is(err, ErrInvalidPRR) {
		t.Fatalf("SetLink(channel -1) = %v", err)
	}
	if res := tm.radios[0].Transmit(); res != tsch.RadioErr {
		t.Fatalf("Transmit without Prepare = %v", res)
	}
	if _, ok := tm.m.Link(model.AddrFromID(2), model.AddrFromID(1)); ok {
		t.Fatalf("rejected link was stored")
	}
}

func TestFCSRoundTrip(t *testing.T) {
	psdu := appendFCS([]byte("frame"))
	if len(psdu) != 5+fcsLen {
		t.Fatalf("len = %d", len(psdu))
	}
	if buf, ok := checkFCS(psdu); !ok || string(buf) != "frame" {
		t.Fatalf("checkFCS = %q, %v", buf, ok)
	}
	psdu[1] ^= 1
	if _, ok := checkFCS(psdu); ok {
		t.Fatalf("flipped bit passed the FCS")
	}
	if _, ok := checkFCS([]byte{1, 2}); ok {
		t.Fatalf("short PSDU passed the FCS")
	}
}

func TestMediumLinkTable(t *testing.T) {
	tm := newTestMedium(t, 3)
	tm.link(t, 2, 0, LinkQuality{PRR: 0.5})
	tm.link(t, 1, 0, LinkQuality{PRR: 1})

	links := tm.m.Links()
	if len(links) != 2 || links[0].A != 1 || links[0].B != 2 || links[1].B != 3 || links[1].Quality.PRR != 0.5 {
		t.Fatalf("Links = %+v", links)
	}
	if !tm.m.RemoveLink(tm.radios[0].Addr(), tm.radios[2].Addr()) {
		t.Fatalf("RemoveLink reported no link")
	}
	if tm.m.RemoveLink(tm.radios[0].Addr(), tm.radios[2].Addr()) {
		t.Fatalf("second RemoveLink reported a link")
	}
	if got := len(tm.m.Links()); got != 1 {
		t.Fatalf("links after removal = %d", got)
	}
}
