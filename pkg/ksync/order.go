// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package ksync

import (
	"fmt"
	"sort"
	"sync"

	deadlock "github.com/sasha-s/go-deadlock"
	"github.com/petermattis/goid"
)

// Level is a position in the kernel's outer-to-inner lock ordering
// (spec §5). Lower levels must be acquired before higher ones on the same
// goroutine; same-level locks are never nested.
type Level int

const (
	LevelPTYTable Level = iota
	LevelSessionTable
	LevelProcessGroupTable
	LevelPortManagerTable
	LevelTaskTable
	LevelScheduler
	LevelPerCPURunqueue
	LevelSession
	LevelProcessGroup
	LevelTask
	LevelPTYPair
	LevelPort
)

func (l Level) String() string {
	names := [...]string{
		"PTYTable", "SessionTable", "ProcessGroupTable", "PortManagerTable",
		"TaskTable", "Scheduler", "PerCPURunqueue", "Session", "ProcessGroup",
		"Task", "PTYPair", "Port",
	}
	if int(l) < len(names) {
		return names[l]
	}
	return "Unknown"
}

var (
	heldMu sync.Mutex
	held   = map[int64][]Level{} // goroutine id -> stack of held levels, ascending
)

// OrderedMutex wraps a deadlock.Mutex (itself a drop-in, cycle-detecting
// sync.Mutex) and additionally enforces that this kernel's documented
// outer-to-inner lock order is never violated within a goroutine: taking a
// lock at level L while already holding a lock at level >= L panics.
// Same-level locks are never nested (spec §5).
type OrderedMutex struct {
	mu    deadlock.Mutex
	level Level
}

func NewOrderedMutex(level Level) *OrderedMutex {
	return &OrderedMutex{level: level}
}

func (m *OrderedMutex) Lock() {
	checkOrder(m.level)
	m.mu.Lock()
	pushLevel(m.level)
}

func (m *OrderedMutex) Unlock() {
	popLevel(m.level)
	m.mu.Unlock()
}

// OrderedRWMutex is the read/write counterpart of OrderedMutex.
type OrderedRWMutex struct {
	mu    deadlock.RWMutex
	level Level
}

func NewOrderedRWMutex(level Level) *OrderedRWMutex {
	return &OrderedRWMutex{level: level}
}

func (m *OrderedRWMutex) Lock() {
	checkOrder(m.level)
	m.mu.Lock()
	pushLevel(m.level)
}

func (m *OrderedRWMutex) Unlock() {
	popLevel(m.level)
	m.mu.Unlock()
}

func (m *OrderedRWMutex) RLock() {
	checkOrder(m.level)
	m.mu.RLock()
	pushLevel(m.level)
}

func (m *OrderedRWMutex) RUnlock() {
	popLevel(m.level)
	m.mu.RUnlock()
}

func checkOrder(level Level) {
	id := goid.Get()
	heldMu.Lock()
	stack := held[id]
	heldMu.Unlock()
	if len(stack) == 0 {
		return
	}
	top := stack[len(stack)-1]
	if level <= top {
		panic(fmt.Sprintf(
			"ksync: lock order violation: attempted to take %s while holding %s (outer locks must be taken before inner ones, never the same level twice)",
			level, top))
	}
}

func pushLevel(level Level) {
	id := goid.Get()
	heldMu.Lock()
	defer heldMu.Unlock()
	held[id] = append(held[id], level)
}

func popLevel(level Level) {
	id := goid.Get()
	heldMu.Lock()
	defer heldMu.Unlock()
	stack := held[id]
	for i := len(stack) - 1; i >= 0; i-- {
		if stack[i] == level {
			held[id] = append(stack[:i], stack[i+1:]...)
			return
		}
	}
}

// HeldLevels returns the sorted set of levels currently held by the
// calling goroutine, for diagnostics and tests.
func HeldLevels() []Level {
	id := goid.Get()
	heldMu.Lock()
	defer heldMu.Unlock()
	out := append([]Level(nil), held[id]...)
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
