package sixp

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/signalsfoundry/tsch-simulator/core"
	"github.com/signalsfoundry/tsch-simulator/internal/logging"
	"github.com/signalsfoundry/tsch-simulator/internal/sched"
	"github.com/signalsfoundry/tsch-simulator/model"
)

const tracerName = "github.com/signalsfoundry/tsch-simulator/internal/sixp"

var (
	ErrBusy         = errors.New("sixp: transaction with peer in progress")
	ErrNoSlotframe  = errors.New("sixp: slotframe not installed")
	ErrNoCandidates = errors.New("sixp: no candidate cells")
	ErrNoLink       = errors.New("sixp: no link to peer")
	ErrBuild        = errors.New("sixp: cannot build message")
)

// Sender hands an encoded 6P body to the link layer. sent is called once the
// frame has left the queue, with ok reporting whether it was acknowledged.
type Sender interface {
	SendSixP(peer model.Addr, body []byte, sent func(ok bool)) error
}

// CandidateSource supplies cells to offer and is told which ones were
// consumed.
type CandidateSource interface {
	Offer(n int) []model.Cell
	// Replace swaps a consumed candidate for a fresh one. Cells that are not
	// candidates are ignored.
	Replace(cell model.Cell) error
}

// StatsTable drops the statistics of cells that leave the schedule. It is
// called with the Schedule Lock held.
type StatsTable interface {
	Remove(cell model.Cell) bool
}

// Recorder counts finished transactions.
type Recorder interface {
	SixPTransaction(command, role, outcome string, d time.Duration)
}

// Config holds the negotiator parameters.
type Config struct {
	SlotframeHandle uint16
	Timeout         time.Duration
	// OfferSize is the minimum number of candidates offered by ADD.
	OfferSize int
	// StrictAdd makes the responder ignore ADD requests it cannot grant in
	// full instead of granting the free subset.
	StrictAdd bool
	// LockPoll is the retry period while a commit waits for a slot to end.
	LockPoll time.Duration
}

// DefaultConfig returns the parameters of the reference scheduling function.
func DefaultConfig() Config {
	return Config{
		SlotframeHandle: 0,
		Timeout:         2 * time.Second,
		OfferSize:       4,
		LockPoll:        time.Millisecond,
	}
}

// Option configures a Negotiator.
type Option func(*Negotiator)

func WithConfig(c Config) Option { return func(n *Negotiator) { n.cfg = c } }

func WithLogger(l logging.Logger) Option {
	return func(n *Negotiator) { n.log = logging.OrNoop(l) }
}

func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(n *Negotiator) {
		if tp != nil {
			n.tracer = tp.Tracer(tracerName)
		}
	}
}

func WithRecorder(r Recorder) Option { return func(n *Negotiator) { n.rec = r } }

func WithCandidates(c CandidateSource) Option { return func(n *Negotiator) { n.candidates = c } }

func WithStats(s StatsTable) Option { return func(n *Negotiator) { n.stats = s } }

// OnComplete registers the callback receiving every transaction result.
func OnComplete(fn func(Result)) Option { return func(n *Negotiator) { n.onComplete = fn } }

// Negotiator runs the 6P state machines of one node. All methods must be
// called from the node's scheduler loop.
type Negotiator struct {
	cfg        Config
	s          sched.Scheduler
	mgr        *core.ScheduleManager
	send       Sender
	log        logging.Logger
	tracer     trace.Tracer
	rec        Recorder
	candidates CandidateSource
	stats      StatsTable
	onComplete func(Result)

	trans map[model.Addr]*Transaction
	seq   map[model.Addr]uint8
}

// New returns a negotiator mutating mgr and sending through send.
func New(s sched.Scheduler, mgr *core.ScheduleManager, send Sender, opts ...Option) *Negotiator {
	n := &Negotiator{
		cfg:    DefaultConfig(),
		s:      s,
		mgr:    mgr,
		send:   send,
		log:    logging.Noop(),
		tracer: otel.Tracer(tracerName),
		trans:  make(map[model.Addr]*Transaction),
		seq:    make(map[model.Addr]uint8),
	}
	for _, opt := range opts {
		opt(n)
	}
	if n.cfg.LockPoll <= 0 {
		n.cfg.LockPoll = time.Millisecond
	}
	return n
}

// SetCandidates replaces the candidate source used by Add and commits.
func (n *Negotiator) SetCandidates(c CandidateSource) { n.candidates = c }

// Busy reports whether a transaction with peer is open.
func (n *Negotiator) Busy(peer model.Addr) bool {
	_, ok := n.trans[peer]
	return ok
}

// Transaction returns a copy of the open transaction with peer.
func (n *Negotiator) Transaction(peer model.Addr) (Transaction, bool) {
	t, ok := n.trans[peer]
	if !ok {
		return Transaction{}, false
	}
	return *t, true
}

func (n *Negotiator) nextSeq(peer model.Addr) uint8 {
	s := n.seq[peer]
	n.seq[peer] = s + 1
	return s
}

// Add asks peer for count cells, offering candidates from the pool.
func (n *Negotiator) Add(peer model.Addr, count int) error {
	if count <= 0 || count > 0xff {
		return fmt.Errorf("sixp: cannot add %d cells", count)
	}
	if err := n.checkRequest(peer); err != nil {
		return err
	}
	if n.candidates == nil {
		return ErrNoCandidates
	}
	offer := n.candidates.Offer(max(count, n.cfg.OfferSize))
	if len(offer) == 0 {
		return ErrNoCandidates
	}
	return n.request(peer, &Message{
		Type:        TypeRequest,
		Code:        CmdAdd,
		SFID:        SFID,
		CellOptions: CellOptionTX,
		NumCells:    uint8(count),
		Cells:       offer,
	})
}

// Delete asks peer to remove the first TX cell towards it.
func (n *Negotiator) Delete(peer model.Addr) error {
	if err := n.checkRequest(peer); err != nil {
		return err
	}
	var cell model.Cell
	found := false
	n.mgr.View(func(s *core.Schedule) {
		for _, l := range s.LinksTo(peer, model.LinkOptionTX) {
			if l.SlotframeHandle == n.cfg.SlotframeHandle {
				cell, found = l.Cell(), true
				return
			}
		}
	})
	if !found {
		return fmt.Errorf("%w %s", ErrNoLink, peer)
	}
	return n.request(peer, &Message{
		Type:        TypeRequest,
		Code:        CmdDelete,
		SFID:        SFID,
		CellOptions: CellOptionTX,
		NumCells:    1,
		Cells:       []model.Cell{cell},
	})
}

// Relocate asks peer to move cell to one of candidates.
func (n *Negotiator) Relocate(peer model.Addr, cell model.Cell, candidates []model.Cell) error {
	if err := n.checkRequest(peer); err != nil {
		return err
	}
	if len(candidates) == 0 {
		return ErrNoCandidates
	}
	if l, ok := n.mgr.LinkAt(n.cfg.SlotframeHandle, cell.Timeslot); !ok || l.ChannelOffset != cell.ChannelOffset {
		return fmt.Errorf("%w %s at %s", ErrNoLink, peer, cell)
	}
	return n.request(peer, &Message{
		Type:        TypeRequest,
		Code:        CmdRelocate,
		SFID:        SFID,
		CellOptions: CellOptionTX,
		NumCells:    1,
		Relocation:  []model.Cell{cell},
		Cells:       append([]model.Cell(nil), candidates...),
	})
}

func (n *Negotiator) checkRequest(peer model.Addr) error {
	if !n.mgr.HasSlotframe(n.cfg.SlotframeHandle) {
		return ErrNoSlotframe
	}
	if n.Busy(peer) {
		return ErrBusy
	}
	return nil
}

func (n *Negotiator) request(peer model.Addr, msg *Message) error {
	msg.Seq = n.nextSeq(peer)
	buf, err := msg.Marshal()
	if err != nil {
		n.log.Warn(context.Background(), "sixp: request not sent", logging.Err(err))
		return fmt.Errorf("%w: %v", ErrBuild, err)
	}

	t := &Transaction{
		Peer:      peer,
		Cmd:       msg.Code,
		Role:      RoleRequester,
		Seq:       msg.Seq,
		State:     StateRequestSent,
		NumCells:  int(msg.NumCells),
		Cells:     msg.Cells,
		Relocated: msg.Relocation,
		Started:   n.s.Now(),
	}
	n.open(t)

	err = n.send.SendSixP(peer, buf, func(ok bool) {
		if !ok && n.trans[peer] == t && t.State == StateRequestSent {
			n.finish(t, Result{Outcome: OutcomeSendFailed})
		}
	})
	if err != nil {
		n.close(t)
		t.span.End()
		return err
	}
	n.log.Debug(context.Background(), "sixp: request sent",
		logging.String("cmd", CommandString(t.Cmd)),
		logging.String("peer", peer.String()),
		logging.Int("seq", int(t.Seq)),
		logging.Int("cells", len(t.Cells)))
	return nil
}

func (n *Negotiator) open(t *Transaction) {
	_, t.span = n.tracer.Start(context.Background(), "sixp."+CommandString(t.Cmd),
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(
			attribute.String("sixp.peer", t.Peer.String()),
			attribute.String("sixp.role", t.Role.String()),
			attribute.Int("sixp.seq", int(t.Seq)),
			attribute.Int("sixp.num_cells", t.NumCells),
		))
	n.trans[t.Peer] = t
	n.armTimeout(t)
}

func (n *Negotiator) armTimeout(t *Transaction) {
	t.timer = n.s.Schedule(n.s.Now().Add(n.cfg.Timeout), func() {
		t.timer = ""
		if n.trans[t.Peer] != t {
			return
		}
		t.State = StateTimeout
		n.finish(t, Result{Outcome: OutcomeTimeout})
	})
}

func (n *Negotiator) stopTimeout(t *Transaction) {
	if t.timer != "" {
		n.s.Cancel(t.timer)
		t.timer = ""
	}
}

func (n *Negotiator) close(t *Transaction) {
	n.stopTimeout(t)
	if n.trans[t.Peer] == t {
		delete(n.trans, t.Peer)
	}
}

func (n *Negotiator) finish(t *Transaction, res Result) {
	n.close(t)
	if res.Outcome == OutcomeSuccess {
		t.State = StateCommitted
	} else if t.State != StateTimeout {
		t.State = StateIdle
	}

	res.Peer = t.Peer
	res.Cmd = t.Cmd
	res.Role = t.Role
	res.Duration = n.s.Now().Sub(t.Started)
	if res.Cmd == CmdRelocate && res.From == nil {
		res.From = t.Relocated
	}

	if t.span != nil {
		t.span.SetAttributes(
			attribute.String("sixp.outcome", res.Outcome.String()),
			attribute.String("sixp.rc", ReturnCodeString(res.RC)),
			attribute.Int("sixp.committed", len(res.Cells)),
		)
		if res.Outcome != OutcomeSuccess {
			msg := res.Outcome.String()
			if res.Err != nil {
				t.span.RecordError(res.Err)
				msg = res.Err.Error()
			}
			t.span.SetStatus(codes.Error, msg)
		}
		t.span.End()
	}
	if n.rec != nil {
		n.rec.SixPTransaction(CommandString(res.Cmd), res.Role.String(), res.Outcome.String(), res.Duration)
	}

	fields := []logging.Field{
		logging.String("cmd", CommandString(res.Cmd)),
		logging.String("role", res.Role.String()),
		logging.String("peer", res.Peer.String()),
		logging.String("outcome", res.Outcome.String()),
		logging.Int("cells", len(res.Cells)),
	}
	if res.Err != nil {
		fields = append(fields, logging.Err(res.Err))
	}
	if res.Outcome == OutcomeSuccess {
		n.log.Info(context.Background(), "sixp: transaction done", fields...)
	} else {
		n.log.Warn(context.Background(), "sixp: transaction failed", fields...)
	}
	if n.onComplete != nil {
		n.onComplete(res)
	}
}

// Input handles a 6P body received from src.
func (n *Negotiator) Input(src model.Addr, body []byte) {
	msg, err := Unmarshal(body)
	if err != nil {
		n.log.Warn(context.Background(), "sixp: dropping message",
			logging.String("src", src.String()), logging.Err(err))
		return
	}
	if msg.SFID != SFID {
		n.log.Warn(context.Background(), "sixp: unknown SFID",
			logging.String("src", src.String()), logging.Int("sfid", int(msg.SFID)))
		if msg.Type == TypeRequest {
			n.respond(src, msg.Seq, RCErrSFID, nil, nil)
		}
		return
	}
	switch msg.Type {
	case TypeRequest:
		n.handleRequest(src, msg)
	case TypeResponse:
		n.handleResponse(src, msg)
	default:
		n.log.Debug(context.Background(), "sixp: ignoring "+msg.Type.String(), logging.String("src", src.String()))
	}
}

// respond sends a response outside of any transaction when sent is nil.
func (n *Negotiator) respond(peer model.Addr, seq uint8, rc Code, cells []model.Cell, sent func(ok bool)) error {
	msg := &Message{Type: TypeResponse, Code: rc, SFID: SFID, Seq: seq, Cells: cells}
	buf, err := msg.Marshal()
	if err != nil {
		n.log.Warn(context.Background(), "sixp: response not sent", logging.Err(err))
		return fmt.Errorf("%w: %v", ErrBuild, err)
	}
	if sent == nil {
		sent = func(bool) {}
	}
	return n.send.SendSixP(peer, buf, sent)
}

func (n *Negotiator) handleRequest(src model.Addr, msg *Message) {
	if n.Busy(src) {
		n.log.Info(context.Background(), "sixp: busy, rejecting request",
			logging.String("src", src.String()), logging.String("cmd", CommandString(msg.Code)))
		_ = n.respond(src, msg.Seq, RCErrBusy, nil, nil)
		return
	}
	if !n.mgr.HasSlotframe(n.cfg.SlotframeHandle) {
		n.log.Warn(context.Background(), "sixp: no slotframe for request",
			logging.Int("handle", int(n.cfg.SlotframeHandle)))
		return
	}

	t := &Transaction{
		Peer:      src,
		Cmd:       msg.Code,
		Role:      RoleResponder,
		Seq:       msg.Seq,
		State:     StateRequestReceived,
		NumCells:  int(msg.NumCells),
		Relocated: msg.Relocation,
		Started:   n.s.Now(),
	}
	n.open(t)

	var (
		granted []model.Cell
		apply   func(s *core.Schedule) error
	)
	switch msg.Code {
	case CmdAdd:
		granted = n.freeCells(msg.Cells, int(msg.NumCells))
		if len(granted) == 0 || (n.cfg.StrictAdd && len(granted) < int(msg.NumCells)) {
			n.finish(t, Result{Outcome: OutcomeRejected, RC: RCErr,
				Err: fmt.Errorf("%d of %d requested cells free", len(granted), msg.NumCells)})
			return
		}
		apply = n.addLinks(src, model.LinkOptionRX, granted)
	case CmdDelete:
		n.mgr.View(func(s *core.Schedule) {
			sf := s.Slotframe(n.cfg.SlotframeHandle)
			for _, c := range msg.Cells {
				if l := sf.LinkByTimeslot(c.Timeslot); l != nil && !containsTimeslot(granted, c.Timeslot) {
					granted = append(granted, c)
				}
			}
		})
		apply = n.removeLinks(granted)
	case CmdRelocate:
		granted = n.freeCells(msg.Cells, len(msg.Relocation))
		if len(granted) < len(msg.Relocation) {
			n.finish(t, Result{Outcome: OutcomeRejected, RC: RCErr,
				Err: fmt.Errorf("%d of %d relocation candidates free", len(granted), len(msg.Relocation))})
			return
		}
		apply = n.relocateLinks(src, model.LinkOptionRX, msg.Relocation, granted)
	default:
		_ = n.respond(src, msg.Seq, RCErr, nil, nil)
		n.finish(t, Result{Outcome: OutcomeRejected, RC: RCErr})
		return
	}
	t.Cells = granted
	t.State = StateResponseSent

	err := n.respond(src, msg.Seq, RCSuccess, granted, func(ok bool) {
		if n.trans[src] != t || t.State != StateResponseSent {
			return
		}
		if !ok {
			n.finish(t, Result{Outcome: OutcomeSendFailed, RC: RCSuccess})
			return
		}
		n.stopTimeout(t)
		n.commit(t, apply, func(err error) {
			if err != nil {
				n.finish(t, Result{Outcome: OutcomeCommitFailed, RC: RCSuccess, Err: err})
				return
			}
			n.finish(t, Result{Outcome: OutcomeSuccess, RC: RCSuccess, Cells: granted})
		})
	})
	if err != nil {
		n.finish(t, Result{Outcome: OutcomeSendFailed, RC: RCSuccess, Err: err})
	}
}

// freeCells picks up to limit offered cells whose timeslot is unused here.
func (n *Negotiator) freeCells(offered []model.Cell, limit int) []model.Cell {
	var out []model.Cell
	n.mgr.View(func(s *core.Schedule) {
		sf := s.Slotframe(n.cfg.SlotframeHandle)
		for _, c := range offered {
			if len(out) >= limit {
				return
			}
			if c.Timeslot == model.MinimalCellTimeslot || c.Timeslot >= sf.Size {
				continue
			}
			if sf.LinkByTimeslot(c.Timeslot) == nil && !containsTimeslot(out, c.Timeslot) {
				out = append(out, c)
			}
		}
	})
	return out
}

func (n *Negotiator) handleResponse(src model.Addr, msg *Message) {
	t, ok := n.trans[src]
	if !ok || t.Role != RoleRequester || t.State != StateRequestSent {
		n.log.Debug(context.Background(), "sixp: unexpected response", logging.String("src", src.String()))
		return
	}
	if msg.Seq != t.Seq {
		n.log.Warn(context.Background(), "sixp: response sequence mismatch",
			logging.Int("want", int(t.Seq)), logging.Int("got", int(msg.Seq)))
		return
	}
	n.stopTimeout(t)
	if msg.Code != RCSuccess {
		n.finish(t, Result{Outcome: OutcomeRejected, RC: msg.Code})
		return
	}

	var apply func(s *core.Schedule) error
	cells := msg.Cells
	switch t.Cmd {
	case CmdAdd:
		if len(cells) > t.NumCells || !subset(cells, t.Cells) {
			n.finish(t, Result{Outcome: OutcomeRejected, RC: msg.Code, Err: fmt.Errorf("%w: granted cells were not offered", ErrMalformed)})
			return
		}
		apply = n.addLinks(src, model.LinkOptionTX, cells)
	case CmdDelete:
		if !subset(cells, t.Cells) {
			n.finish(t, Result{Outcome: OutcomeRejected, RC: msg.Code, Err: fmt.Errorf("%w: deleted cells were not requested", ErrMalformed)})
			return
		}
		apply = n.removeLinks(cells)
	case CmdRelocate:
		if len(cells) != len(t.Relocated) || !subset(cells, t.Cells) {
			n.finish(t, Result{Outcome: OutcomeRejected, RC: msg.Code, Err: fmt.Errorf("%w: relocation to cells not offered", ErrMalformed)})
			return
		}
		apply = n.relocateLinks(src, model.LinkOptionTX, t.Relocated, cells)
	}

	n.commit(t, apply, func(err error) {
		if err != nil {
			n.finish(t, Result{Outcome: OutcomeCommitFailed, RC: msg.Code, Err: err})
			return
		}
		if n.candidates != nil && t.Cmd != CmdDelete {
			for _, c := range cells {
				if err := n.candidates.Replace(c); err != nil {
					n.log.Warn(context.Background(), "sixp: candidate not replaced",
						logging.String("cell", c.String()), logging.Err(err))
				}
			}
		}
		n.finish(t, Result{Outcome: OutcomeSuccess, RC: msg.Code, Cells: cells})
	})
}

func subset(cells, of []model.Cell) bool {
	for _, c := range cells {
		if !containsCell(of, c) {
			return false
		}
	}
	return true
}

// commit applies fn under the Schedule Lock, retrying every LockPoll while a
// slot is in operation.
func (n *Negotiator) commit(t *Transaction, fn func(s *core.Schedule) error, done func(error)) {
	err := n.mgr.Update(fn)
	if errors.Is(err, core.ErrLockBusy) {
		n.s.Schedule(n.s.Now().Add(n.cfg.LockPoll), func() {
			if n.trans[t.Peer] != t {
				n.mgr.Lock().CancelRequest()
				return
			}
			n.commit(t, fn, done)
		})
		return
	}
	done(err)
}

// addLinks installs links at the given cells. Cells whose timeslot is already
// in use are skipped, so a failure can be undone by removing what was added.
func (n *Negotiator) addLinks(peer model.Addr, opts model.LinkOptions, cells []model.Cell) func(s *core.Schedule) error {
	handle := n.cfg.SlotframeHandle
	return func(s *core.Schedule) error {
		sf := s.Slotframe(handle)
		if sf == nil {
			return ErrNoSlotframe
		}
		var added []uint16
		for _, c := range cells {
			if sf.LinkByTimeslot(c.Timeslot) != nil {
				n.log.Warn(context.Background(), "sixp: timeslot already scheduled", logging.String("cell", c.String()))
				continue
			}
			if _, err := s.AddLink(handle, opts, model.LinkTypeNormal, peer, c); err != nil {
				for _, ts := range added {
					_, _ = s.RemoveLink(handle, ts)
				}
				return err
			}
			added = append(added, c.Timeslot)
		}
		return nil
	}
}

func (n *Negotiator) removeLinks(cells []model.Cell) func(s *core.Schedule) error {
	handle := n.cfg.SlotframeHandle
	return func(s *core.Schedule) error {
		for _, c := range cells {
			if _, err := s.RemoveLink(handle, c.Timeslot); err != nil && !errors.Is(err, core.ErrNoSuchLink) {
				return err
			}
			if n.stats != nil {
				n.stats.Remove(c)
			}
		}
		return nil
	}
}

// relocateLinks moves each from[i] to to[i] in one step. On failure the
// removed links are put back.
func (n *Negotiator) relocateLinks(peer model.Addr, opts model.LinkOptions, from, to []model.Cell) func(s *core.Schedule) error {
	handle := n.cfg.SlotframeHandle
	return func(s *core.Schedule) error {
		var removed []*model.Link
		var added []uint16
		undo := func() {
			for _, ts := range added {
				_, _ = s.RemoveLink(handle, ts)
			}
			for _, l := range removed {
				_, _ = s.AddLink(handle, l.Options, l.Type, l.Addr, l.Cell())
			}
		}
		for i, old := range from {
			l, err := s.RemoveLink(handle, old.Timeslot)
			switch {
			case err == nil:
				removed = append(removed, l)
			case !errors.Is(err, core.ErrNoSuchLink):
				undo()
				return err
			}
			if _, err := s.AddLink(handle, opts, model.LinkTypeNormal, peer, to[i]); err != nil {
				undo()
				return err
			}
			added = append(added, to[i].Timeslot)
		}
		if n.stats != nil {
			for _, old := range from {
				n.stats.Remove(old)
			}
		}
		return nil
	}
}
