package tsch

import (
	"context"
	"time"

	"github.com/signalsfoundry/tsch-simulator/internal/frame"
	"github.com/signalsfoundry/tsch-simulator/internal/logging"
	"github.com/signalsfoundry/tsch-simulator/model"
)

// txState carries a TX slot across its scheduled steps.
type txState struct {
	buf            []byte
	seq            uint8
	waitAck        bool
	burstRequested bool
	start          time.Time
	duration       time.Duration
	ackStart       time.Time
}

// txSlot prepares the frame and arms the transmission.
func (e *Engine) txSlot() {
	if e.dequeued.full() {
		// No room to report the outcome; leave the packet queued.
		e.endSlot()
		return
	}
	p := e.pkt
	if len(p.Buf) == 0 {
		e.finishTx(model.TxErrFatal)
		return
	}

	e.tx = txState{waitAck: !e.nbr.IsBroadcast}
	e.tx.burstRequested = e.tx.waitAck &&
		e.burstCount+1 < e.cfg.BurstMaxLen &&
		e.queue.PacketCount(e.nbr.Addr) > 1
	frame.SetFramePending(p.Buf, e.tx.burstRequested)
	seq, err := frame.SequenceNumber(p.Buf)
	if err != nil {
		e.finishTx(model.TxErr)
		return
	}
	e.tx.seq = seq

	if hdr, err := frame.Peek(p.Buf); err == nil && hdr.Type == frame.TypeBeacon {
		if err := e.framer.UpdateBeacon(p.Buf, e.asn, e.joinPriority); err != nil {
			e.log.Warn(context.Background(), "!failed to update EB", logging.Err(err))
			e.finishTx(model.TxErr)
			return
		}
	}
	buf, err := e.framer.Secure(p.Buf, e.asn)
	if err != nil {
		e.log.Warn(context.Background(), "!failed to secure frame", logging.Err(err))
		e.finishTx(model.TxErr)
		return
	}
	e.tx.buf = buf
	if err := e.radio.Prepare(buf); err != nil {
		e.finishTx(model.TxErr)
		return
	}

	e.step(e.curStart, e.cfg.Timing.TxOffset-e.cfg.DelayBeforeTx, "TxBeforeTx", e.txTransmit)
}

func (e *Engine) txTransmit() {
	res := e.radio.Transmit()
	e.tx.start = e.curStart.Add(e.cfg.Timing.TxOffset)
	e.tx.duration = e.cfg.Timing.PacketDuration(len(e.tx.buf))
	switch res {
	case RadioOK:
	case RadioCollision:
		e.finishTx(model.TxCollision)
		return
	default:
		e.finishTx(model.TxErr)
		return
	}
	e.step(e.curStart, e.cfg.Timing.TxOffset+e.tx.duration, "TxEnd", e.txEnd)
}

func (e *Engine) txEnd() {
	_ = e.radio.Off()
	if !e.tx.waitAck {
		e.finishTx(model.TxOK)
		return
	}
	tm := e.cfg.Timing
	e.step(e.curStart, tm.TxOffset+e.tx.duration+tm.RxAckDelay-e.cfg.DelayBeforeRx, "TxBeforeAck", e.txListenAck)
}

func (e *Engine) txListenAck() {
	_ = e.radio.On()
	tm := e.cfg.Timing
	deadline := e.tx.start.Add(e.tx.duration + tm.RxAckDelay + tm.AckWait + e.cfg.DelayBeforeDetect)
	e.busyWait(e.radio.Receiving, deadline, func() {
		e.tx.ackStart = e.s.Now().Add(-e.cfg.DelayBeforeDetect)
		e.busyWait(func() bool { return !e.radio.Receiving() }, e.tx.ackStart.Add(tm.MaxAck), e.txReadAck)
	})
}

func (e *Engine) txReadAck() {
	_ = e.radio.Off()
	if !e.radio.Pending() {
		e.finishTx(model.TxNoAck)
		return
	}
	buf, err := e.radio.Read()
	if err != nil || len(buf) == 0 {
		e.finishTx(model.TxNoAck)
		return
	}
	ack, err := e.framer.ParseEnhancedAck(buf, e.tx.seq)
	if err != nil {
		e.log.Debug(context.Background(), "!failed to parse ACK", logging.Err(err))
		e.finishTx(model.TxNoAck)
		return
	}

	if e.nbr.IsTimeSource {
		bound := e.cfg.Timing.RxWait / 4
		correction := ack.Correction
		if correction > bound {
			correction = bound
		} else if correction < -bound {
			correction = -bound
		}
		if correction != ack.Correction {
			e.log.Warn(context.Background(), "!truncated dr",
				logging.Duration("reported", ack.Correction),
				logging.Duration("applied", correction))
		}
		e.resync(correction)
	}
	if e.tx.burstRequested {
		e.burstScheduled = true
	}
	e.finishTx(model.TxOK)
}

// finishTx reports the attempt to the queue and statistics, then ends the
// slot.
func (e *Engine) finishTx(status model.TxStatus) {
	_ = e.radio.Off()
	p, n, link := e.pkt, e.nbr, e.link

	p.Transmissions++
	p.Status = status
	if !e.queue.PacketSent(n, p, link, status) {
		e.dequeued.push(p)
	}
	if n != nil && n.IsTimeSource && link.Timeslot != 0 {
		e.stats.Record(link.Cell(), status == model.TxOK)
	}

	e.log.Debug(context.Background(), "tx",
		logging.Uint64("asn", uint64(e.asn)),
		logging.String("link", link.String()),
		logging.Int("channel", int(e.channel)),
		logging.String("dst", n.Addr.String()),
		logging.String("status", status.String()),
		logging.Int("num_tx", p.Transmissions),
		logging.Int("len", len(p.Buf)),
		logging.Duration("drift", e.driftCorrection),
		logging.Bool("drift_used", e.driftUsed),
		logging.Bool("burst", e.burstScheduled))
	e.metrics.TxDone(status)

	e.pkt, e.nbr = nil, nil
	e.schedulePending()
	e.endSlot()
}
