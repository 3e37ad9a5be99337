package tsch

import (
	"time"

	"github.com/signalsfoundry/tsch-simulator/model"
)

// driftUnit is the fixed-point unit of learned drift: ppm × 256.
const driftUnit = 1_000_000 * 256

const timesyncSamples = 4

// Timesync learns the drift of the time source relative to the local clock
// from successive corrections and pre-compensates slot timing with it.
type Timesync struct {
	// MinLearningSlots is the shortest interval, in slots, over which a drift
	// sample is taken. Shorter intervals only accumulate.
	MinLearningSlots uint64
	SlotLength       time.Duration

	source      model.Addr
	hasSource   bool
	driftPPM    int64
	compensated time.Duration
	sinceLearn  uint64
	samples     [timesyncSamples]int64
	count       int
	pos         int
	remainder   int64
}

// NewTimesync returns a learner for the given slot length.
func NewTimesync(slotLength time.Duration, minLearningSlots uint64) *Timesync {
	return &Timesync{SlotLength: slotLength, MinLearningSlots: minLearningSlots}
}

// Reset forgets everything learned.
func (t *Timesync) Reset() {
	*t = Timesync{SlotLength: t.SlotLength, MinLearningSlots: t.MinLearningSlots}
}

// DriftPPM returns the learned drift in ppm.
func (t *Timesync) DriftPPM() float64 { return float64(t.driftPPM) / 256 }

// Update feeds a correction measured deltaASN slots after the previous one.
// Learning restarts when the time source changes.
func (t *Timesync) Update(source model.Addr, deltaASN uint64, correction time.Duration) {
	if !t.hasSource || t.source != source {
		t.Reset()
		t.source, t.hasSource = source, true
		return
	}
	t.sinceLearn += deltaASN
	if t.sinceLearn < t.MinLearningSlots {
		t.compensated += correction
		return
	}
	delta := int64(t.sinceLearn) * int64(t.SlotLength)
	if delta > 0 {
		measured := int64(correction + t.compensated)
		t.addSample(measured * driftUnit / delta)
	}
	t.compensated = 0
	t.sinceLearn = 0
}

func (t *Timesync) addSample(ppm int64) {
	t.samples[t.pos] = ppm
	t.pos = (t.pos + 1) % len(t.samples)
	if t.count < len(t.samples) {
		t.count++
	}
	var sum int64
	for i := 0; i < t.count; i++ {
		sum += t.samples[i]
	}
	t.driftPPM = sum / int64(t.count)
}

// Compensate returns the adjustment to apply to an interval of length d.
// Sub-nanosecond remainders are carried over to later calls.
func (t *Timesync) Compensate(d time.Duration) time.Duration {
	if t.driftPPM == 0 {
		return 0
	}
	drift := int64(d)*t.driftPPM + t.remainder
	amount := drift / driftUnit
	t.remainder = drift - amount*driftUnit
	t.compensated += time.Duration(amount)
	return time.Duration(amount)
}
