// Package sync provides synchronization primitive implementations for spinlocks.
package sync

import (
	"runtime"
	"sync/atomic"
)

const (
	// spinAttemptsBeforeYielding defines how many times Acquire retries a
	// held lock before handing the CPU to yieldFn.
	spinAttemptsBeforeYielding = 64
)

var (
	// yieldFn is invoked by a spinning task once it has exhausted its spin
	// attempts. Tests may override it.
	yieldFn = runtime.Gosched
)

// Spinlock implements a lock where each task trying to acquire it busy-waits
// till the lock becomes available. The zero value is an unlocked Spinlock.
type Spinlock struct {
	state uint32
}

// Acquire blocks until the lock can be acquired by the currently active task.
// Any attempt to re-acquire a lock already held by the current task will cause
// a deadlock.
func (l *Spinlock) Acquire() {
	archAcquireSpinlock(&l.state, spinAttemptsBeforeYielding)
}

// TryToAcquire attempts to acquire the lock and returns true if the lock could
// be acquired or false otherwise.
func (l *Spinlock) TryToAcquire() bool {
	return atomic.SwapUint32(&l.state, 1) == 0
}

// Release relinquishes a held lock allowing other tasks to acquire it. Calling
// Release while the lock is free has no effect.
func (l *Spinlock) Release() {
	atomic.StoreUint32(&l.state, 0)
}

// IsHeld reports whether some task currently holds the lock. The result is a
// snapshot and is only useful for assertions.
func (l *Spinlock) IsHeld() bool {
	return atomic.LoadUint32(&l.state) != 0
}

// archAcquireSpinlock spins on state until it observes the lock as free and
// manages to swap it to the held state. The load before the swap keeps the
// cache line shared while the lock is contended.
func archAcquireSpinlock(state *uint32, attemptsBeforeYielding uint32) {
	for attempts := uint32(0); ; attempts++ {
		if atomic.LoadUint32(state) == 0 && atomic.SwapUint32(state, 1) == 0 {
			return
		}

		if attempts == attemptsBeforeYielding {
			attempts = 0
			if yieldFn != nil {
				yieldFn()
			}
		}
	}
}
