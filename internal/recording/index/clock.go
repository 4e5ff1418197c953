package index

// MaxClockDriftPPM bounds the per-recording clock-rate correction the
// writer is allowed to apply, in parts per million.
const MaxClockDriftPPM = 500

// clockAdjustThreshold is the tick count at which a delta saturates the
// ±500 ppm cap over one desired recording duration: 500ppm of a 60s
// (5,400,000-tick) recording is 2700 ticks.
const clockAdjustThreshold = int32(DesiredWallDuration * MaxClockDriftPPM / 1_000_000)

// ClockAdjuster redistributes a whole-recording clock-drift correction
// uniformly across individual frame durations, rather than applying it
// all at once. It is re-seeded fresh for every recording from the
// writer's current estimate of local-clock delta (see Open Question #1
// in DESIGN.md: the adjuster's internal accumulator is never carried
// across a recording boundary).
type ClockAdjuster struct {
	// everyMinus1+1 is the number of 90kHz ticks of frame duration
	// between each 1-tick nudge; 0 means no adjustment is needed.
	everyMinus1 int32
	// ndir is +1 (recording runs fast, shrink durations) or -1 (runs
	// slow, stretch durations).
	ndir int32
	cur  int32
}

// NewClockAdjuster picks an adjustment rate that corrects localTimeDelta
// (in 90kHz ticks, the difference between the camera's nominal media
// duration and local wall time) over roughly one desired recording
// duration, capped at ±500 ppm.
func NewClockAdjuster(localTimeDelta Duration) ClockAdjuster {
	if localTimeDelta == 0 {
		return ClockAdjuster{}
	}
	ndir := int32(1)
	d := int32(localTimeDelta)
	if d < 0 {
		ndir = -1
		d = -d
	}
	if d > clockAdjustThreshold {
		d = clockAdjustThreshold
	}
	if d == 0 {
		return ClockAdjuster{}
	}
	every := int32(DesiredWallDuration) / d
	return ClockAdjuster{everyMinus1: every - 1, ndir: ndir}
}

// Adjust returns the duration to use in place of val, applying a ±1 tick
// nudge for every (everyMinus1+1) ticks of duration seen.
func (a *ClockAdjuster) Adjust(val Duration) Duration {
	if a.everyMinus1 == 0 {
		return val
	}
	if int32(val) <= a.ndir {
		// Adjusting would produce a non-positive or degenerate duration;
		// skip this frame rather than risk a zero/negative result.
		return val
	}
	a.cur += int32(val)
	for a.cur > a.everyMinus1 {
		a.cur -= a.everyMinus1 + 1
		val -= Duration(a.ndir)
	}
	return val
}
