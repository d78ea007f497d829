// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package ksync

import "sync/atomic"

// IRQState models the interrupt-enable flag a real CPU carries in EFLAGS.
// It is process-wide here because the simulation has no per-CPU registers;
// each simulated CPU (pkg/percpu) holds its own IRQState instance instead.
type IRQState struct {
	disabled atomic.Bool
}

// Save disables interrupts and returns whether they were previously
// enabled, mirroring the pushfq/cli pattern an IRQ-safe spin lock uses on
// acquire.
func (s *IRQState) Save() (wasEnabled bool) {
	wasEnabled = !s.disabled.Swap(true)
	return wasEnabled
}

// Restore re-enables interrupts only if wasEnabled is true, mirroring
// popfq on release.
func (s *IRQState) Restore(wasEnabled bool) {
	if wasEnabled {
		s.disabled.Store(false)
	}
}

func (s *IRQState) Enabled() bool {
	return !s.disabled.Load()
}

// IRQSafeLock is a spin lock mandatory for data touched from both thread
// and interrupt context (spec §5): acquiring it disables interrupts on the
// owning CPU and releasing restores the previous state.
type IRQSafeLock struct {
	irq  *IRQState
	lock SpinLock
	was  bool
}

func NewIRQSafeLock(irq *IRQState) *IRQSafeLock {
	return &IRQSafeLock{irq: irq}
}

func (l *IRQSafeLock) Lock() {
	l.was = l.irq.Save()
	l.lock.Lock()
}

func (l *IRQSafeLock) Unlock() {
	l.lock.Unlock()
	l.irq.Restore(l.was)
}
