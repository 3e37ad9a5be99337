package tsch

import (
	"context"
	"time"

	"github.com/signalsfoundry/tsch-simulator/internal/frame"
	"github.com/signalsfoundry/tsch-simulator/internal/logging"
)

// maxScanTimestampSkew bounds how stale a received EB may be.
const maxScanTimestampSkew = 2 * time.Second

type scanState struct {
	active  bool
	channel uint8
	since   time.Time
	eventID string
}

// Scan keeps the radio on a random join channel, rotating every
// ScanChannelPeriod, until an enhanced beacon arrives; the engine then
// associates with the beacon's sender.
func (e *Engine) Scan() error {
	if e.associated {
		return ErrAlreadyAssociated
	}
	if e.scan.active {
		return nil
	}
	e.coordinator = false
	e.scan = scanState{active: true}
	e.scanStep()
	return nil
}

// Scanning reports whether the engine is looking for a network.
func (e *Engine) Scanning() bool { return e.scan.active }

func (e *Engine) stopScan() {
	if !e.scan.active {
		return
	}
	e.s.Cancel(e.scan.eventID)
	e.scan.active = false
}

func (e *Engine) scanStep() {
	if !e.scan.active {
		return
	}
	now := e.s.Now()
	if e.scan.channel == 0 || now.Sub(e.scan.since) > e.cfg.ScanChannelPeriod {
		seq := e.cfg.joinSequence()
		ch := seq[e.rng.IntN(len(seq))]
		if err := e.radio.SetChannel(ch); err != nil {
			e.log.Warn(context.Background(), "scan: set channel failed", logging.Err(err))
		}
		e.scan.channel, e.scan.since = ch, now
		e.log.Debug(context.Background(), "scanning", logging.Int("channel", int(ch)))
	}
	_ = e.radio.On()
	e.busyWait(func() bool {
		return e.radio.Pending() || !e.radio.Receiving()
	}, now.Add(10*time.Millisecond), e.scanRead)
}

func (e *Engine) scanRead() {
	if !e.scan.active {
		return
	}
	if e.radio.Pending() {
		buf, err := e.radio.Read()
		if err == nil && e.tryAssociate(buf, e.radio.LastPacketTimestamp()) {
			return
		}
	}
	epoch := e.epoch
	e.scan.eventID = e.s.Schedule(e.s.Now().Add(e.cfg.ScanPoll), func() {
		if e.epoch == epoch {
			e.scanStep()
		}
	})
}

func (e *Engine) tryAssociate(buf []byte, ts time.Time) bool {
	ctx := context.Background()
	f, err := e.framer.Parse(buf, 0)
	if err != nil || f.Type != frame.TypeBeacon || f.Sync == nil {
		return false
	}
	skew := e.s.Now().Sub(ts)
	if skew < 0 {
		skew = -skew
	}
	if skew > maxScanTimestampSkew {
		e.log.Warn(ctx, "scan: dropping EB with stale timestamp", logging.Duration("skew", skew))
		return false
	}
	jp := f.Sync.JoinPriority
	if jp < 0xff {
		jp++
	}
	_ = e.radio.Off()
	if err := e.Associate(f.Sync.ASN, ts.Add(-e.cfg.Timing.TxOffset), f.Src, jp); err != nil {
		e.log.Warn(ctx, "scan: association failed", logging.Err(err))
		return false
	}
	return true
}
