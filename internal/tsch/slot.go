package tsch

import (
	"context"
	"time"

	"github.com/signalsfoundry/tsch-simulator/core"
	"github.com/signalsfoundry/tsch-simulator/internal/logging"
	"github.com/signalsfoundry/tsch-simulator/model"
)

// slotStart runs at the start of every armed timeslot.
func (e *Engine) slotStart() {
	if g := e.mgr.Generation(); g != e.countsGen {
		e.queue.RefreshLinkCounts()
		e.countsGen = g
	}
	e.validateLinks()

	if e.link == nil || !e.lock.EnterSlot() {
		e.log.Debug(context.Background(), "!skipped slot",
			logging.Bool("locked", e.lock.Held()),
			logging.Bool("lock_requested", e.lock.Requested()),
			logging.Bool("no_link", e.link == nil),
			logging.Uint64("asn", uint64(e.asn)))
		e.metrics.SlotStarted(e.asn, SlotSkipped)
		e.endSlot()
		return
	}

	e.driftCorrection, e.driftUsed = 0, false
	e.pkt, e.nbr = e.packetForLink(e.link)
	if e.pkt == nil && e.backup != nil {
		if !e.link.Options.Has(model.LinkOptionRX) || e.backup.SlotframeHandle < e.link.SlotframeHandle {
			e.updateLinkBackoff(e.link)
			e.link = e.backup
			e.pkt, e.nbr = e.packetForLink(e.link)
		}
	}

	active := e.pkt != nil || e.link.Options.Has(model.LinkOptionRX)
	if !active {
		e.burstScheduled = false
		e.metrics.SlotStarted(e.asn, SlotIdle)
		e.endSlot()
		return
	}

	if e.burstScheduled {
		e.burstScheduled = false
	} else {
		e.channel = e.cfg.Hopping.Channel(e.asn, e.link.ChannelOffset)
	}
	if err := e.radio.SetChannel(e.channel); err != nil {
		e.log.Warn(context.Background(), "set channel failed", logging.Err(err))
	}

	if e.pkt != nil {
		e.metrics.SlotStarted(e.asn, SlotTx)
		e.txSlot()
	} else {
		e.metrics.SlotStarted(e.asn, SlotRx)
		e.rxSlot()
	}
}

// validateLinks drops the current and backup links if a schedule mutation
// removed them since they were looked up.
func (e *Engine) validateLinks() {
	gen := e.mgr.Generation()
	if gen == e.linkGen {
		return
	}
	e.mgr.View(func(s *core.Schedule) {
		if !s.Holds(e.link) {
			e.link = nil
		}
		if !s.Holds(e.backup) {
			e.backup = nil
		}
	})
	if e.link == nil && e.backup != nil {
		e.link, e.backup = e.backup, nil
	}
	e.linkGen = gen
}

// packetForLink picks the packet to send on link and its neighbor.
func (e *Engine) packetForLink(link *model.Link) (*Packet, *Neighbor) {
	if !link.Options.Has(model.LinkOptionTX) {
		return nil, nil
	}
	var (
		p *Packet
		n *Neighbor
	)
	if link.Type == model.LinkTypeAdvertising || link.Type == model.LinkTypeAdvertisingOnly {
		ch := e.cfg.Hopping.Channel(e.asn, link.ChannelOffset)
		if e.cfg.joinSequence().Contains(ch) {
			n = e.queue.EBNeighbor()
			p = e.queue.PacketForNeighbor(n, link)
		}
	}
	if link.Type != model.LinkTypeAdvertisingOnly && p == nil {
		n = e.queue.Neighbor(link.Addr)
		p = e.queue.PacketForNeighbor(n, link)
		if p == nil && n == e.queue.BroadcastNeighbor() {
			p, n = e.queue.UnicastPacketForAny(link)
		}
	}
	return p, n
}

// updateLinkBackoff counts a TX+SHARED link against the backoff windows of
// the neighbors allowed to use it.
func (e *Engine) updateLinkBackoff(link *model.Link) {
	if link != nil && link.Options.Has(model.LinkOptionTX) && link.Options.Has(model.LinkOptionShared) {
		e.queue.UpdateAllBackoffWindows(link.Addr)
	}
}

// endSlot closes the current slot: it checks synchronisation, then arms the
// next active slot, skipping slots whose deadline has already passed.
func (e *Engine) endSlot() {
	ctx := context.Background()
	if e.coordinator {
		e.lastSyncASN = e.asn
		e.lastSyncTime = e.s.Now()
	}

	if !e.coordinator && e.asn.Diff(e.lastSyncASN) > e.desyncSlots() {
		e.log.Warn(ctx, "! leaving the network",
			logging.Uint64("last_sync", e.asn.Diff(e.lastSyncASN)),
			logging.Uint64("asn", uint64(e.asn)))
		e.lock.ExitSlot()
		e.disassociate()
		return
	}

	for {
		e.updateLinkBackoff(e.link)

		var diff uint16
		if e.burstScheduled && e.link != nil {
			diff = 1
			e.backup = nil
			e.burstCount++
		} else {
			var link, backup *model.Link
			link, diff, backup = e.nextActiveLink()
			e.link, e.backup = link, backup
			if link == nil {
				diff = 1
			} else {
				e.burstCount = 0
			}
		}

		e.asn = e.asn.Add(uint64(diff))
		t := time.Duration(diff)*e.cfg.Timing.SlotLength + e.driftCorrection
		t += e.tsync.Compensate(t)
		e.driftCorrection, e.driftUsed = 0, false
		prev := e.curStart
		e.curStart = prev.Add(t)
		if e.scheduleAt(prev, t, "main", e.slotStart) {
			break
		}
	}
	e.lock.ExitSlot()
}

func (e *Engine) desyncSlots() uint64 {
	if e.cfg.Timing.SlotLength <= 0 {
		return 0
	}
	return uint64(e.cfg.DesyncThreshold / e.cfg.Timing.SlotLength)
}

// disassociate leaves the network. The engine stays idle until it is
// associated again.
func (e *Engine) disassociate() {
	e.epoch++
	e.associated = false
	e.link, e.backup = nil, nil
	e.burstScheduled = false
	e.tsync.Reset()
	_, _ = e.queue.SetTimeSource(model.Addr{})
	_ = e.radio.Off()
	e.metrics.Desync()
	if e.hooks.OnDisassociate != nil {
		e.hooks.OnDisassociate()
	}
}

// resync records a synchronisation event with the time source.
func (e *Engine) resync(correction time.Duration) {
	since := e.asn.Diff(e.lastSyncASN)
	e.driftCorrection = correction
	e.driftUsed = true
	if ts := e.queue.TimeSource(); ts != nil {
		e.tsync.Update(ts.Addr, since, correction)
	}
	e.lastSyncASN = e.asn
	e.lastSyncTime = e.s.Now()
	e.metrics.DriftCorrection(correction)
	if e.hooks.OnSync != nil {
		e.hooks.OnSync()
	}
}
