// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package procfs

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/melloos/kernel/pkg/proc"
	"github.com/melloos/kernel/pkg/sched"
)

// fakeSource is an in-memory TaskSource for tests that don't need a real
// *proc.Registry (and its Badger-backed Table[T]) spun up.
type fakeSource struct {
	recs map[int]proc.TaskRecord
}

func (f fakeSource) LookupTask(pid int) (proc.TaskRecord, error) {
	rec, ok := f.recs[pid]
	if !ok {
		return proc.TaskRecord{}, errNotFound
	}
	return rec, nil
}

func (f fakeSource) ListPIDs() ([]int, error) {
	pids := make([]int, 0, len(f.recs))
	for pid := range f.recs {
		pids = append(pids, pid)
	}
	return pids, nil
}

type notFoundErr struct{}

func (notFoundErr) Error() string { return "not found" }

var errNotFound = notFoundErr{}

func TestStatLineFieldCountAndOrder(t *testing.T) {
	rec := proc.TaskRecord{
		PID: 42, PPID: 1, PGID: 42, SID: 42,
		Name:       "init",
		SchedState: sched.StateRunning,
		Priority:   sched.PriorityHigh,
	}
	line := StatLine(rec)
	fields := strings.Split(line, " ")
	require.Len(t, fields, 44, "a /proc/[pid]/stat line has exactly 44 space-separated fields")
	require.Equal(t, "42", fields[0])
	require.Equal(t, "(init)", fields[1])
	require.Equal(t, "R", fields[2])
	require.Equal(t, "1", fields[3])
}

func TestStatLineZombieState(t *testing.T) {
	rec := proc.TaskRecord{PID: 7, Name: "child", Zombie: true}
	line := StatLine(rec)
	fields := strings.Split(line, " ")
	require.Equal(t, "Z", fields[2])
}

func TestStatLineSleepingState(t *testing.T) {
	rec := proc.TaskRecord{PID: 8, Name: "waiter", SchedState: sched.StateSleeping}
	fields := strings.Split(StatLine(rec), " ")
	require.Equal(t, "S", fields[2])
}

func TestStatLineEmptyNameRendersPlaceholder(t *testing.T) {
	rec := proc.TaskRecord{PID: 9}
	fields := strings.Split(StatLine(rec), " ")
	require.Equal(t, "(?)", fields[1])
}

func TestStatReturnsLineForKnownPID(t *testing.T) {
	src := fakeSource{recs: map[int]proc.TaskRecord{
		1: {PID: 1, Name: "init", SchedState: sched.StateRunning},
	}}
	line, err := Stat(src, 1)
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(line, "1 (init) R"))
}

func TestStatErrorsForUnknownPID(t *testing.T) {
	src := fakeSource{recs: map[int]proc.TaskRecord{}}
	_, err := Stat(src, 999)
	require.Error(t, err)
}

func TestReadDirListsNumericPidsInAscendingOrder(t *testing.T) {
	src := fakeSource{recs: map[int]proc.TaskRecord{
		30: {PID: 30}, 1: {PID: 1}, 15: {PID: 15},
	}}
	entries, err := ReadDir(src)
	require.NoError(t, err)
	require.Equal(t, []string{"1", "15", "30"}, entries)
}

func TestReadDirEmptyRegistry(t *testing.T) {
	entries, err := ReadDir(fakeSource{recs: map[int]proc.TaskRecord{}})
	require.NoError(t, err)
	require.Empty(t, entries)
}

func TestNiceFromPriorityOrdering(t *testing.T) {
	require.Less(t, niceFromPriority(sched.PriorityHigh), niceFromPriority(sched.PriorityNormal))
	require.Less(t, niceFromPriority(sched.PriorityNormal), niceFromPriority(sched.PriorityLow))
}

func TestTaskSourceWiredToRealRegistry(t *testing.T) {
	reg, err := proc.NewRegistry()
	require.NoError(t, err)
	defer reg.Close()

	init := proc.NewTask(1, "init", sched.PriorityNormal, proc.Credentials{}, nil)
	require.NoError(t, reg.PublishTask(init))
	child := proc.Fork(init, 2)
	require.NoError(t, reg.PublishTask(child))

	src := NewTaskSource(reg)
	entries, err := ReadDir(src)
	require.NoError(t, err)
	require.Equal(t, []string{"1", "2"}, entries)

	line, err := Stat(src, 2)
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(line, "2 (init) R 1 "))
}
