// Package sync provides the kernel's mutual-exclusion primitive. Unlike the
// standard library's sync.Mutex, a Spinlock also masks interrupts for the
// duration it is held: it is the only primitive kernel code may hold across
// operations that touch data shared with a trap handler.
package sync

import "sync/atomic"

var (
	// disableInterruptsFn and restoreInterruptsFn are indirections over
	// cpu.DisableInterrupts/cpu.RestoreInterrupts so that tests can run
	// without a real CSR. They are automatically inlined by the compiler
	// when building the kernel.
	disableInterruptsFn = func() bool { return false }
	restoreInterruptsFn = func(bool) {}

	// yieldFn is called while spinning on a contended lock. Tests
	// substitute runtime.Gosched so that goroutines actually interleave.
	yieldFn = func() {}
)

// Spinlock is a mutex guarding a single critical section. Acquire disables
// supervisor interrupts before spinning for the lock; Release restores
// whatever interrupt-enable state was captured at the matching Acquire.
// Re-entrant acquisition by the same logical owner deadlocks by design —
// there is no owner tracking to detect it.
type Spinlock struct {
	state           uint32
	interruptsWereEnabled bool
}

// Acquire disables interrupts and blocks until the lock can be taken.
func (l *Spinlock) Acquire() {
	wasEnabled := disableInterruptsFn()
	for !atomic.CompareAndSwapUint32(&l.state, 0, 1) {
		yieldFn()
	}
	l.interruptsWereEnabled = wasEnabled
}

// TryToAcquire attempts to acquire the lock without blocking. It returns
// true (and disables interrupts, same as Acquire) if the lock was free.
func (l *Spinlock) TryToAcquire() bool {
	wasEnabled := disableInterruptsFn()
	if atomic.CompareAndSwapUint32(&l.state, 0, 1) {
		l.interruptsWereEnabled = wasEnabled
		return true
	}
	restoreInterruptsFn(wasEnabled)
	return false
}

// Release relinquishes a held lock and restores the interrupt-enable state
// captured by the matching Acquire/TryToAcquire call. Calling Release while
// the lock is free has no effect beyond restoring the interrupt-enable state
// recorded by the most recent acquisition.
func (l *Spinlock) Release() {
	wasEnabled := l.interruptsWereEnabled
	atomic.StoreUint32(&l.state, 0)
	restoreInterruptsFn(wasEnabled)
}
