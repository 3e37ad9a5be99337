// Package sim provides the environment simulated nodes run in: drifting
// local clocks over one global event scheduler, a shared radio medium with
// per-link delivery ratio and collisions, channel interference, a static
// routing oracle, and scenario files.
package sim

import (
	"time"

	"github.com/signalsfoundry/tsch-simulator/internal/sched"
)

// Clock is a node's local view of the global simulation time. It runs
// DriftPPM parts per million fast (or slow when negative) and starts Offset
// ahead of the global clock. It implements sched.Scheduler, so a slot engine
// driven by it experiences the drift its time source has to correct.
type Clock struct {
	global sched.Scheduler
	epoch  time.Time
	offset time.Duration
	ppm    float64
}

var _ sched.Scheduler = (*Clock)(nil)

// NewClock returns a clock drifting against global from its current time.
func NewClock(global sched.Scheduler, ppm float64, offset time.Duration) *Clock {
	return &Clock{global: global, epoch: global.Now(), offset: offset, ppm: ppm}
}

// DriftPPM returns the configured drift.
func (c *Clock) DriftPPM() float64 { return c.ppm }

// Local converts a global instant to local time.
func (c *Clock) Local(g time.Time) time.Time {
	d := g.Sub(c.epoch)
	return c.epoch.Add(c.offset + d + time.Duration(float64(d)*c.ppm/1e6))
}

// Global converts a local instant to the earliest global instant whose local
// time is not before it.
func (c *Clock) Global(l time.Time) time.Time {
	d := l.Sub(c.epoch) - c.offset
	g := c.epoch.Add(time.Duration(float64(d) / (1 + c.ppm/1e6)))
	for i := 0; i < 4 && c.Local(g).Before(l); i++ {
		g = g.Add(time.Nanosecond)
	}
	return g
}

func (c *Clock) Now() time.Time { return c.Local(c.global.Now()) }

// Schedule arms f at local time at. Instants already past run at the global
// scheduler's current time.
func (c *Clock) Schedule(at time.Time, f func()) string {
	g := c.Global(at)
	if now := c.global.Now(); g.Before(now) {
		g = now
	}
	return c.global.Schedule(g, f)
}

func (c *Clock) Cancel(id string) { c.global.Cancel(id) }
