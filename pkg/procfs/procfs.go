// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

// Package procfs renders pkg/proc's registry as the textual /proc
// contract userland expects (spec §4 External Interfaces). It is
// guillermo-go.procstat's field-by-field /proc/[pid]/stat parser run in
// reverse: that package scans the 44-field line with fmt.Fscanf to build
// a Stat struct, this package builds the same 44-field line from a
// proc.TaskRecord, since here the kernel is the line's producer, not its
// reader.
package procfs

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/melloos/kernel/pkg/kerrors"
	"github.com/melloos/kernel/pkg/proc"
	"github.com/melloos/kernel/pkg/sched"
)

// stateChar maps a task's registry-visible state to the single
// character /proc/[pid]/stat's third field uses. This kernel has no
// uninterruptible-disk-sleep or traced/stopped states, so only the
// subset those four sched.State values and Zombie can actually produce
// is reachable.
func stateChar(rec proc.TaskRecord) byte {
	if rec.Zombie {
		return 'Z'
	}
	switch rec.SchedState {
	case sched.StateRunning:
		return 'R'
	case sched.StateSleeping:
		return 'S'
	case sched.StateTerminated:
		return 'Z'
	default:
		return 'R'
	}
}

// niceFromPriority maps this scheduler's three coarse ready-queue levels
// onto the POSIX nice range's three representative points, since the
// kernel has no finer-grained priority to report than PriorityHigh/
// Normal/Low.
func niceFromPriority(p sched.Priority) int64 {
	switch p {
	case sched.PriorityHigh:
		return -10
	case sched.PriorityLow:
		return 10
	default:
		return 0
	}
}

// StatLine renders rec in the exact field order and format of
// /proc/[pid]/stat: "pid (comm) state ppid pgrp sid tty_nr tpgid flags
// ... utime stime ...". Fields this kernel's process model does not
// track (page-fault counters, memory addresses, signal bitmaps, tty,
// clock-tick timers) are reported as 0, matching the convention real
// /proc readers already tolerate for fields a given kernel build leaves
// unmaintained (see e.g. itrealvalue, documented as hard-coded 0 since
// Linux 2.6.17 in the grounding parser's field comments).
func StatLine(rec proc.TaskRecord) string {
	comm := rec.Name
	if comm == "" {
		comm = "?"
	}
	// A comm containing ')' or whitespace could be mistaken for the
	// field terminator by a naive scanner like fmt.Fscanf's "%c" state
	// read; neither this kernel's task names nor the grounding parser
	// guard against it, so parens are passed through unescaped here too.
	fields := []any{
		rec.PID,                 // (1) pid
		"(" + comm + ")",        // (2) comm
		string(stateChar(rec)),  // (3) state
		rec.PPID,                // (4) ppid
		rec.PGID,                // (5) pgrp
		rec.SID,                 // (6) session
		0,                       // (7) tty_nr — no tty subsystem
		0,                       // (8) tpgid
		0,                       // (9) flags
		0, 0, 0, 0,              // (10-13) minflt, cminflt, majflt, cmajflt
		0, 0,                    // (14-15) utime, stime
		0, 0,                    // (16-17) cutime, cstime
		0, niceFromPriority(rec.Priority), // (18-19) priority, nice
		1,                       // (20) num_threads
		0,                       // (21) itrealvalue
		0,                       // (22) starttime
		0, 0, 0,                 // (23-25) vsize, rss, rsslim
		0, 0, 0, 0, 0,           // (26-30) startcode..kstkeip
		0, 0, 0, 0,              // (31-34) signal, blocked, sigignore, sigcatch
		0, 0, 0,                 // (35-37) wchan, nswap, cnswap
		0, 0,                    // (38-39) exit_signal, processor
		0, 0,                    // (40-41) rt_priority, policy
		0, 0, 0,                 // (42-44) delayacct_blkio_ticks, guest_time, cguest_time
	}
	parts := make([]string, len(fields))
	for i, f := range fields {
		parts[i] = fmt.Sprint(f)
	}
	return strings.Join(parts, " ")
}

// TaskSource is the subset of *proc.Registry procfs needs: a lookup by
// pid and an enumeration of every currently-registered pid. Depending on
// the interface rather than *proc.Registry directly keeps this package
// testable without pulling in Badger.
type TaskSource interface {
	LookupTask(pid int) (proc.TaskRecord, error)
	ListPIDs() ([]int, error)
}

// registrySource adapts *proc.Registry to TaskSource.
type registrySource struct{ reg *proc.Registry }

// NewTaskSource wraps reg as a TaskSource for Stat/ReadDir.
func NewTaskSource(reg *proc.Registry) TaskSource { return registrySource{reg: reg} }

func (s registrySource) LookupTask(pid int) (proc.TaskRecord, error) {
	return s.reg.LookupTask(pid)
}

func (s registrySource) ListPIDs() ([]int, error) {
	keys, err := s.reg.Tasks.List()
	if err != nil {
		return nil, err
	}
	pids := make([]int, 0, len(keys))
	for _, k := range keys {
		pid, err := strconv.Atoi(k)
		if err != nil {
			continue
		}
		pids = append(pids, pid)
	}
	sort.Ints(pids)
	return pids, nil
}

// Stat looks pid up in src and renders its /proc/[pid]/stat line.
func Stat(src TaskSource, pid int) (string, error) {
	rec, err := src.LookupTask(pid)
	if err != nil {
		return "", kerrors.NewFsError("stat", procPath(pid, "stat"), kerrors.NotFound)
	}
	return StatLine(rec), nil
}

// ReadDir lists /proc's numeric pid entries, in ascending pid order —
// the directory enumeration spec §4's "/proc exposes one directory per
// live task" describes.
func ReadDir(src TaskSource) ([]string, error) {
	pids, err := src.ListPIDs()
	if err != nil {
		return nil, err
	}
	sort.Ints(pids)
	names := make([]string, len(pids))
	for i, pid := range pids {
		names[i] = strconv.Itoa(pid)
	}
	return names, nil
}

func procPath(pid int, leaf string) string {
	return "/proc/" + strconv.Itoa(pid) + "/" + leaf
}
