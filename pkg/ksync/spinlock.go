// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package ksync

import (
	"runtime"
	"sync/atomic"
	"time"
)

// SpinLock is a simple test-and-set spin lock. On real hardware this never
// sleeps; here it yields the goroutine between attempts (runtime.Gosched)
// rather than busy-spin forever, since a hosted simulation has no cheap
// way to pin a goroutine to a simulated CPU the way the kernel pins an
// interrupt-disabled thread to a physical one.
type SpinLock struct {
	state atomic.Bool
}

// Lock acquires the lock, spinning until it is free.
func (s *SpinLock) Lock() {
	for !s.state.CompareAndSwap(false, true) {
		runtime.Gosched()
	}
}

// Unlock releases the lock. Unlocking an already-unlocked SpinLock is a
// caller bug and panics, matching the kernel's "must never be false"
// invariant class (spec §7).
func (s *SpinLock) Unlock() {
	if !s.state.CompareAndSwap(true, false) {
		panic("ksync: unlock of unlocked SpinLock")
	}
}

// TryLockTimeout attempts to acquire the lock before deadline elapses,
// matching the TSC-derived deadline spin locks use elsewhere in the kernel
// (spec §5, 100 ms typical for shootdown acks).
func (s *SpinLock) TryLockTimeout(deadline time.Duration) bool {
	giveUp := time.Now().Add(deadline)
	for {
		if s.state.CompareAndSwap(false, true) {
			return true
		}
		if time.Now().After(giveUp) {
			return false
		}
		runtime.Gosched()
	}
}
