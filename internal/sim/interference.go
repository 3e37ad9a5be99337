package sim

import (
	"context"
	"fmt"
	"time"

	"github.com/signalsfoundry/tsch-simulator/core"
	"github.com/signalsfoundry/tsch-simulator/internal/logging"
	"github.com/signalsfoundry/tsch-simulator/internal/sched"
	"github.com/signalsfoundry/tsch-simulator/internal/tsch"
	"github.com/signalsfoundry/tsch-simulator/model"
)

// Interference is the list of cells an interferer occupies, active between
// Start and Stop after the origin. Stop zero means forever. It stands in for
// channel sensing and implements cellmgr.InterferenceSource.
type Interference struct {
	Cells  []model.Cell
	Start  time.Duration
	Stop   time.Duration
	origin time.Time
	clock  interface{ Now() time.Time }
}

// NewInterference anchors the activity window at clock's current time.
func NewInterference(clock interface{ Now() time.Time }, cells []model.Cell, start, stop time.Duration) *Interference {
	return &Interference{Cells: cells, Start: start, Stop: stop, origin: clock.Now(), clock: clock}
}

// Active reports whether the interferer is transmitting now.
func (i *Interference) Active() bool {
	if i == nil || i.clock == nil {
		return false
	}
	el := i.clock.Now().Sub(i.origin)
	return el >= i.Start && (i.Stop == 0 || el < i.Stop)
}

// InterferedCells returns the cells while active and nil otherwise.
func (i *Interference) InterferedCells() []model.Cell {
	if !i.Active() {
		return nil
	}
	return i.Cells
}

// FrameBuilder builds the interferer's broadcast frames. *frame.Codec
// implements it.
type FrameBuilder interface {
	BuildData(dst model.Addr, seq uint8, payload []byte) ([]byte, error)
}

// Interferer keeps a synchronised node broadcasting on the interfered cells
// with a continuously refilled broadcast queue. The minimal cell is reduced
// to receive-only so that the interferer stays synchronised without
// flooding it.
type Interferer struct {
	SlotframeHandle uint16
	Manager         *core.ScheduleManager
	Queue           *tsch.Queue
	Frames          FrameBuilder
	Interference    *Interference
	// Depth is the number of frames kept queued.
	Depth      int
	PayloadLen int
	LockPoll   time.Duration
	Log        logging.Logger

	seq     uint8
	queued  int
	sent    int
	started bool
}

// Sent counts broadcast frames that went out.
func (i *Interferer) Sent() int { return i.sent }

// Run installs the interferer links once and then tops up the broadcast
// queue whenever the activity window is open. It is a task body.
func (i *Interferer) Run(t *sched.Task) error {
	log := logging.OrNoop(i.Log)
	if err := t.WaitUntil(i.Interference.Active, 100*time.Millisecond); err != nil {
		return err
	}
	err := i.Manager.UpdateWait(t, i.lockPoll(), func(s *core.Schedule) error {
		if _, err := s.AddLink(i.SlotframeHandle,
			model.LinkOptionRX|model.LinkOptionTimeKeeping,
			model.LinkTypeNormal, model.BroadcastAddr,
			model.Cell{Timeslot: model.MinimalCellTimeslot}); err != nil {
			return fmt.Errorf("minimal cell: %w", err)
		}
		for _, c := range i.Interference.Cells {
			if _, err := s.AddLink(i.SlotframeHandle,
				model.LinkOptionTX|model.LinkOptionShared,
				model.LinkTypeNormal, model.BroadcastAddr, c); err != nil {
				return fmt.Errorf("interfered cell %s: %w", c, err)
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	i.started = true
	log.Info(context.Background(), "interferer started", logging.Int("cells", len(i.Interference.Cells)))

	for {
		if i.Interference.Active() {
			i.fill()
		}
		if err := t.Sleep(time.Second); err != nil {
			return err
		}
	}
}

func (i *Interferer) lockPoll() time.Duration {
	if i.LockPoll > 0 {
		return i.LockPoll
	}
	return time.Millisecond
}

func (i *Interferer) fill() {
	depth := max(i.Depth, 1)
	for i.queued < depth {
		i.seq++
		buf, err := i.Frames.BuildData(model.BroadcastAddr, i.seq, make([]byte, i.PayloadLen))
		if err != nil {
			logging.OrNoop(i.Log).Warn(context.Background(), "interferer: build frame", logging.Err(err))
			return
		}
		if _, err := i.Queue.Enqueue(model.BroadcastAddr, buf, i.onSent); err != nil {
			return
		}
		i.queued++
	}
}

func (i *Interferer) onSent(_ *tsch.Packet, _ model.TxStatus) {
	i.queued--
	i.sent++
	if i.started && i.Interference.Active() {
		i.fill()
	}
}
