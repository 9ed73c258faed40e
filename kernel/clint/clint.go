// Package clint exposes the core-local interrupt/timer unit's monotonic
// tick counter as a (seconds, subsecond-nanoseconds) pair, the form every
// syscall that reports elapsed time uses.
package clint

import "waterbear/kernel/cpu"

// ticksPerSecond is the CLINT's tick frequency. Real platforms report this
// via the device tree; it is fixed here because device discovery is out of
// scope for this kernel's core.
const ticksPerSecond = 10000000

// readTimeFn indirects cpu.ReadTime so tests can substitute a fake clock.
var readTimeFn = cpu.ReadTime

// Now returns the seconds and subsecond-nanoseconds components of the
// monotonic tick counter since boot.
func Now() (secs uint64, subsecNanos uint64) {
	ticks := readTimeFn()
	secs = ticks / ticksPerSecond
	remainder := ticks % ticksPerSecond
	subsecNanos = remainder * (1000000000 / ticksPerSecond)
	return secs, subsecNanos
}

// Ticks returns the raw monotonic tick count, the unit Sleeping{wake_at}
// and the scheduler's readiness check both compare against.
func Ticks() uint64 {
	return readTimeFn()
}

// DurationToTicks converts a (seconds, nanoseconds) duration, as taken by
// the Sleep syscall, into a relative tick count; callers add Ticks() to it
// to get an absolute wake-up time.
func DurationToTicks(secs, nanos uint64) uint64 {
	return secs*ticksPerSecond + nanos/(1000000000/ticksPerSecond)
}
