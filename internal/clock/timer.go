// Package clock provides the tick-countdown timers used by the CFDP engine.
//
// The engine never reads a wall clock. Every timer stores a remaining tick
// count and is advanced by exactly one on each engine wakeup, which keeps
// timeout behavior deterministic regardless of scheduling jitter.
package clock

// Timer is a countdown timer measured in engine ticks.
//
// The zero value is an expired timer.
type Timer struct {
	remaining uint32
}

// InitRelSec arms the timer to expire after the given number of seconds,
// converted using the configured tick rate.
func (t *Timer) InitRelSec(seconds, ticksPerSecond uint32) {
	t.remaining = seconds * ticksPerSecond
}

// InitRelTicks arms the timer with an absolute tick count.
func (t *Timer) InitRelTicks(ticks uint32) {
	t.remaining = ticks
}

// Tick advances the timer by one engine wakeup. Ticking an expired timer is
// a no-op; expiry is edge-triggered by the caller observing Expired after
// a Tick that reached zero.
func (t *Timer) Tick() {
	if t.remaining > 0 {
		t.remaining--
	}
}

// Expired reports whether the countdown has reached zero.
func (t *Timer) Expired() bool {
	return t.remaining == 0
}

// Remaining returns the number of ticks left before expiry.
func (t *Timer) Remaining() uint32 {
	return t.remaining
}
