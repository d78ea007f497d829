// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package sched_test

import (
	"testing"

	"github.com/go-logr/logr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/melloos/kernel/pkg/sched"
)

func TestSelectNextPicksHighestNonEmptyPriority(t *testing.T) {
	rq := sched.NewReadyQueue()
	low := sched.NewTask(1, sched.PriorityLow, nil)
	high := sched.NewTask(2, sched.PriorityHigh, nil)
	rq.Enqueue(low)
	rq.Enqueue(high)

	next, ok := rq.SelectNext()
	require.True(t, ok)
	assert.Equal(t, high, next)

	next, ok = rq.SelectNext()
	require.True(t, ok)
	assert.Equal(t, low, next)

	_, ok = rq.SelectNext()
	assert.False(t, ok)
}

func TestReadyQueueMaskClearsOnEmpty(t *testing.T) {
	rq := sched.NewReadyQueue()
	assert.Zero(t, rq.Mask())

	t1 := sched.NewTask(1, sched.PriorityNormal, nil)
	rq.Enqueue(t1)
	assert.Equal(t, uint8(1<<sched.PriorityNormal), rq.Mask())

	_, _ = rq.SelectNext()
	assert.Zero(t, rq.Mask())
}

func TestFIFOOrderWithinPriority(t *testing.T) {
	rq := sched.NewReadyQueue()
	a := sched.NewTask(1, sched.PriorityNormal, nil)
	b := sched.NewTask(2, sched.PriorityNormal, nil)
	rq.Enqueue(a)
	rq.Enqueue(b)

	first, _ := rq.SelectNext()
	second, _ := rq.SelectNext()
	assert.Equal(t, a, first)
	assert.Equal(t, b, second)
}

func TestSleepAndWake(t *testing.T) {
	rq := sched.NewReadyQueue()
	st := sched.NewSleepTable()
	task := sched.NewTask(1, sched.PriorityNormal, nil)

	st.SleepCurrentTask(task, 10, 5) // wakes at tick 15
	assert.Equal(t, sched.StateSleeping, task.State)

	st.WakeSleepingTasks(14, rq)
	assert.Zero(t, rq.Mask(), "must not wake before its tick")

	st.WakeSleepingTasks(15, rq)
	next, ok := rq.SelectNext()
	require.True(t, ok)
	assert.Equal(t, task, next)
	assert.Equal(t, sched.StateReady, next.State)
}

func TestContextSwitchUpdatesStates(t *testing.T) {
	cpu := sched.NewCPU(logr.Discard(), 4)
	a := sched.NewTask(1, sched.PriorityNormal, nil)
	b := sched.NewTask(2, sched.PriorityNormal, nil)

	require.NoError(t, cpu.ContextSwitch(nil, a))
	assert.Equal(t, sched.StateRunning, a.State)
	assert.Equal(t, a, cpu.Current)

	require.NoError(t, cpu.ContextSwitch(a, b))
	assert.Equal(t, sched.StateReady, a.State)
	assert.Equal(t, sched.StateRunning, b.State)
	assert.Equal(t, b, cpu.Current)
}

func TestContextSwitchToNilReturnsError(t *testing.T) {
	cpu := sched.NewCPU(logr.Discard(), 4)
	assert.Error(t, cpu.ContextSwitch(nil, nil))
}

// TestTickPreemptsOnSliceExpiry is the scheduler's time-slice property:
// after SliceTicks timer ticks, a pending ready task preempts the
// current one.
func TestTickPreemptsOnSliceExpiry(t *testing.T) {
	cpu := sched.NewCPU(logr.Discard(), 2)
	cur := sched.NewTask(1, sched.PriorityNormal, nil)
	pending := sched.NewTask(2, sched.PriorityNormal, nil)

	require.NoError(t, cpu.ContextSwitch(nil, cur))
	cpu.Ready.Enqueue(pending)

	require.NoError(t, cpu.Tick()) // tick 1: no preemption
	assert.Equal(t, cur, cpu.Current)

	require.NoError(t, cpu.Tick()) // tick 2: slice expired
	assert.Equal(t, pending, cpu.Current)
}

func TestPreemptionDisableEnableRestoresIRQState(t *testing.T) {
	var p sched.Preemption
	p.Disable()
	p.Enable()
	// No panic, no deadlock: the IRQState save/restore pair round-trips.
}
