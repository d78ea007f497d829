// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

// Package sched implements the per-CPU scheduler: three FIFO priority
// ready queues with a non-empty bitmask, a sleep table, preemption
// control, and the context-switch contract (spec §4.8). Ready queues are
// built on a generalized pkg/ringbuffer.RingBuffer, whose PushBack/Pop
// pair was added specifically so enqueuing a runnable task can never
// silently drop it the way the teacher's sampling buffer drops old
// entries.
package sched

import (
	"github.com/go-logr/logr"

	"github.com/melloos/kernel/pkg/kerrors"
	"github.com/melloos/kernel/pkg/ksync"
	"github.com/melloos/kernel/pkg/ringbuffer"
)

// Priority is a ready-queue level; 0 is highest priority.
type Priority int

const (
	PriorityHigh   Priority = 0
	PriorityNormal Priority = 1
	PriorityLow    Priority = 2

	numPriorities = 3
)

type State int

const (
	StateReady State = iota
	StateRunning
	StateSleeping
	StateTerminated
)

// SavedContext is the callee-saved register set a context switch
// preserves: RSP plus the System V AMD64 callee-saved GPRs. No assembly
// touches these fields here; ContextSwitch's job is purely the
// bookkeeping around when they would be saved and restored.
type SavedContext struct {
	RSP uintptr
	RBX uintptr
	RBP uintptr
	R12 uintptr
	R13 uintptr
	R14 uintptr
	R15 uintptr
}

// Task is the schedulable unit. pkg/proc's process/thread types embed or
// reference a Task; this package only cares about its scheduling state.
type Task struct {
	ID       uint64
	Priority Priority
	State    State
	WakeTick uint64
	Context  SavedContext

	// Entry is the trampoline a freshly created task's synthetic stack
	// returns into (spec §4.8: "a synthetic stack whose return address
	// is a trampoline that calls the task's entry point").
	Entry func()
}

// NewTask builds a task in the Ready state with a zeroed SavedContext
// (this simulation has no real stack to allocate, and records no stack
// pointer).
func NewTask(id uint64, priority Priority, entry func()) *Task {
	return &Task{ID: id, Priority: priority, State: StateReady, Entry: entry}
}

// ReadyQueue holds one CPU's three priority-level FIFOs plus the 3-bit
// non-empty mask spec §4.8 describes.
type ReadyQueue struct {
	queues [numPriorities]*ringbuffer.RingBuffer[*Task]
	mask   uint8
}

func NewReadyQueue() *ReadyQueue {
	rq := &ReadyQueue{}
	for i := range rq.queues {
		q, _ := ringbuffer.New[*Task](16)
		rq.queues[i] = q
	}
	return rq
}

// Enqueue appends t to its priority's queue and sets that level's mask
// bit.
func (rq *ReadyQueue) Enqueue(t *Task) {
	t.State = StateReady
	rq.queues[t.Priority].PushBack(t)
	rq.mask |= 1 << uint(t.Priority)
}

// SelectNext pops the head of the highest non-empty priority queue,
// clearing that level's mask bit if the queue becomes empty (spec §4.8).
func (rq *ReadyQueue) SelectNext() (*Task, bool) {
	for p := 0; p < numPriorities; p++ {
		if rq.mask&(1<<uint(p)) == 0 {
			continue
		}
		t, ok := rq.queues[p].Pop()
		if !ok {
			rq.mask &^= 1 << uint(p)
			continue
		}
		if rq.queues[p].Len() == 0 {
			rq.mask &^= 1 << uint(p)
		}
		return t, true
	}
	return nil, false
}

func (rq *ReadyQueue) Mask() uint8 { return rq.mask }

// sleepEntry pairs a task with the tick at which it should wake.
type sleepEntry struct {
	task     *Task
	wakeTick uint64
}

// SleepTable records tasks blocked until a future tick.
type SleepTable struct {
	mu      ksync.SpinLock
	entries []sleepEntry
}

func NewSleepTable() *SleepTable {
	return &SleepTable{}
}

// SleepCurrentTask records t as sleeping until currentTick+ticks and
// marks it Sleeping; the caller is responsible for yielding afterward
// (spec §4.8).
func (st *SleepTable) SleepCurrentTask(t *Task, currentTick, ticks uint64) {
	t.State = StateSleeping
	t.WakeTick = currentTick + ticks
	st.mu.Lock()
	st.entries = append(st.entries, sleepEntry{task: t, wakeTick: t.WakeTick})
	st.mu.Unlock()
}

// WakeSleepingTasks re-enqueues, at their stored priority, every sleeper
// whose wake tick has arrived; called from the timer tick (spec §4.8).
func (st *SleepTable) WakeSleepingTasks(currentTick uint64, rq *ReadyQueue) {
	st.mu.Lock()
	remaining := st.entries[:0]
	var woken []*Task
	for _, e := range st.entries {
		if e.wakeTick <= currentTick {
			woken = append(woken, e.task)
		} else {
			remaining = append(remaining, e)
		}
	}
	st.entries = remaining
	st.mu.Unlock()

	for _, t := range woken {
		rq.Enqueue(t)
	}
}

// Preemption implements preempt_disable/preempt_enable as an
// interrupt-disable pair rather than a nesting counter, per spec §4.8:
// "in SMP they rely on interrupts rather than a counter because each CPU
// schedules independently."
type Preemption struct {
	irq ksync.IRQState
	was bool
}

func (p *Preemption) Disable() { p.was = p.irq.Save() }
func (p *Preemption) Enable()  { p.irq.Restore(p.was) }

// CPU bundles one hardware thread's scheduling state: its ready queue,
// sleep table, current task, tick counter, and preemption latch.
type CPU struct {
	Ready      *ReadyQueue
	Sleeping   *SleepTable
	Current    *Task
	Ticks      uint64
	Preempt    Preemption
	SliceTicks uint64 // time-slice length in ticks

	log logr.Logger
}

func NewCPU(log logr.Logger, sliceTicks uint64) *CPU {
	return &CPU{
		Ready:      NewReadyQueue(),
		Sleeping:   NewSleepTable(),
		SliceTicks: sliceTicks,
		log:        log.WithName("sched"),
	}
}

// ContextSwitch moves cpu.Current from "from" to "to": from's context is
// snapshotted (it is already in from.Context, since callers update it
// before calling ContextSwitch — the same division of labor a real
// assembly switch has, where the C/Rust caller has already pushed
// callee-saved state before the switch routine reads RSP), to's state
// becomes Running, and cpu.Current is updated. This never touches real
// registers; it exists to make the handoff a single auditable point.
func (cpu *CPU) ContextSwitch(from, to *Task) error {
	if to == nil {
		return kerrors.New("sched: context switch to nil task")
	}
	if from != nil && from.State == StateRunning {
		from.State = StateReady
	}
	to.State = StateRunning
	cpu.Current = to
	return nil
}

// Tick advances the CPU's tick counter, wakes due sleepers, and — if
// preemption is enabled and the current task's slice has expired —
// selects and switches to the next ready task (spec §4.8).
func (cpu *CPU) Tick() error {
	cpu.Ticks++
	cpu.Sleeping.WakeSleepingTasks(cpu.Ticks, cpu.Ready)

	if cpu.Current == nil {
		next, ok := cpu.Ready.SelectNext()
		if ok {
			return cpu.ContextSwitch(nil, next)
		}
		return nil
	}

	sliceExpired := cpu.SliceTicks != 0 && cpu.Ticks%cpu.SliceTicks == 0
	if !sliceExpired {
		return nil
	}
	next, ok := cpu.Ready.SelectNext()
	if !ok {
		return nil
	}
	prev := cpu.Current
	cpu.Ready.Enqueue(prev)
	return cpu.ContextSwitch(prev, next)
}

// IdleLoop just ticks forever until done is closed, standing in for
// "halt until interrupted." It takes a done channel, not the
// (ctx, *PerCPU) signature of percpu.IdleFunc.
func (cpu *CPU) IdleLoop(done <-chan struct{}) {
	for {
		select {
		case <-done:
			return
		default:
			_ = cpu.Tick()
		}
	}
}
