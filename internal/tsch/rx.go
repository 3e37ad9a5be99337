package tsch

import (
	"context"
	"time"

	"github.com/signalsfoundry/tsch-simulator/internal/frame"
	"github.com/signalsfoundry/tsch-simulator/internal/logging"
	"github.com/signalsfoundry/tsch-simulator/model"
)

// rxState carries an RX slot across its scheduled steps.
type rxState struct {
	expected time.Time
	start    time.Time
	in       Input
	ackLen   int
}

// rxSlot arms listening for the current link.
func (e *Engine) rxSlot() {
	if e.input.full() {
		e.inputDrops++
		e.finishRx()
		return
	}
	e.rx = rxState{expected: e.curStart.Add(e.cfg.Timing.TxOffset)}
	e.rx.start = e.rx.expected
	e.step(e.curStart, e.cfg.Timing.RxOffset-e.cfg.DelayBeforeRx, "RxBeforeListen", e.rxListen)
}

func (e *Engine) rxListen() {
	_ = e.radio.On()
	tm := e.cfg.Timing
	if e.radio.Receiving() || e.radio.Pending() {
		e.rxSeen()
		return
	}
	deadline := e.curStart.Add(tm.RxOffset + tm.RxWait + e.cfg.DelayBeforeDetect)
	e.busyWait(e.radio.Receiving, deadline, func() {
		if !e.radio.Receiving() {
			_ = e.radio.Off()
			e.finishRx()
			return
		}
		e.rxSeen()
	})
}

func (e *Engine) rxSeen() {
	tm := e.cfg.Timing
	e.rx.start = e.s.Now().Add(-e.cfg.DelayBeforeDetect)
	deadline := e.curStart.Add(tm.RxOffset + tm.RxWait + tm.MaxTx)
	e.busyWait(func() bool { return !e.radio.Receiving() }, deadline, e.rxRead)
}

func (e *Engine) rxRead() {
	ctx := context.Background()
	_ = e.radio.Off()
	if !e.radio.Pending() {
		e.finishRx()
		return
	}

	buf, err := e.radio.Read()
	if err != nil {
		e.log.Debug(ctx, "!failed to parse frame", logging.Err(err), logging.Uint64("asn", uint64(e.asn)))
		e.finishRx()
		return
	}
	e.rx.start = e.radio.LastPacketTimestamp()
	e.rx.in = Input{
		Buf:       buf,
		ASN:       e.asn,
		Channel:   e.channel,
		RSSI:      e.radio.LastRSSI(),
		LQI:       e.radio.LastLQI(),
		Timestamp: e.rx.start,
	}
	duration := e.cfg.Timing.PacketDuration(len(buf))

	f, err := e.framer.Parse(buf, e.asn)
	if err != nil {
		e.log.Debug(ctx, "!failed to parse frame", logging.Err(err), logging.Int("len", len(buf)))
		e.finishRx()
		return
	}
	if f.Type != frame.TypeData && f.Type != frame.TypeBeacon {
		e.log.Debug(ctx, "!discarding frame", logging.String("type", f.Type.String()), logging.Int("len", len(buf)))
		e.finishRx()
		return
	}
	forUs := !f.HasDst || f.Dst == e.self || f.Dst.IsBroadcast()
	if !forUs || f.Src == e.self {
		e.log.Debug(ctx, "!not for us", logging.String("dst", f.Dst.String()), logging.String("src", f.Src.String()))
		e.finishRx()
		return
	}

	estimatedDrift := e.rx.expected.Sub(e.rx.start)

	if f.AckRequest {
		ack, err := e.framer.BuildEnhancedAck(f.Src, f.Seq, estimatedDrift, false)
		if err != nil {
			e.log.Warn(ctx, "!failed to build ACK", logging.Err(err))
		} else if err := e.radio.Prepare(ack); err != nil {
			e.log.Warn(ctx, "!failed to prepare ACK", logging.Err(err))
		} else {
			e.rx.ackLen = len(ack)
			offset := duration + e.cfg.Timing.TxAckDelay - e.cfg.DelayBeforeTx
			e.step(e.rx.start, offset, "RxBeforeAck", func() {
				e.radio.Transmit()
				ackEnd := offset + e.cfg.Timing.PacketDuration(e.rx.ackLen)
				e.step(e.rx.start, ackEnd, "RxAfterAck", func() {
					_ = e.radio.Off()
					e.burstScheduled = f.FramePending
					e.rxAccept(f.Src, estimatedDrift, f.Type)
				})
			})
			return
		}
	}
	e.rxAccept(f.Src, estimatedDrift, f.Type)
}

// rxAccept applies synchronisation from the time source and queues the frame.
func (e *Engine) rxAccept(src model.Addr, estimatedDrift time.Duration, typ frame.Type) {
	if n := e.queue.Neighbor(src); n != nil && n.IsTimeSource {
		e.resync(-estimatedDrift)
	}
	e.input.push(e.rx.in)
	e.metrics.FrameReceived(typ.String())
	e.log.Debug(context.Background(), "rx",
		logging.Uint64("asn", uint64(e.asn)),
		logging.String("link", e.link.String()),
		logging.Int("channel", int(e.channel)),
		logging.String("src", src.String()),
		logging.Duration("drift", estimatedDrift),
		logging.Bool("drift_used", e.driftUsed),
		logging.Int("len", len(e.rx.in.Buf)))
	e.schedulePending()
	e.finishRx()
}

func (e *Engine) finishRx() {
	_ = e.radio.Off()
	if e.inputDrops != 0 {
		e.log.Warn(context.Background(), "!queue full skipped", logging.Int("dropped", e.inputDrops))
		e.inputDrops = 0
	}
	e.endSlot()
}
