// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

// Package proc implements the process model above the scheduler: tasks
// with credentials and a signal/FD table, sessions, process groups, and
// the fork/execve bookkeeping that ties them together (spec §4.9-§4.11).
package proc

import (
	"github.com/melloos/kernel/pkg/kerrors"
	"github.com/melloos/kernel/pkg/ksignal"
	"github.com/melloos/kernel/pkg/sched"
)

// Credentials is a task's {uid, gid, is_kernel_thread} (spec §3 Task).
type Credentials struct {
	UID          int
	GID          int
	IsKernelThread bool
}

// Task is a process's full identity: its schedulable unit plus the
// process-model state the scheduler itself doesn't need to know about.
type Task struct {
	PID  int
	PPID int
	PGID int
	SID  int
	Name string

	Cred    Credentials
	Signals *ksignal.Signals
	FDs     *FDTable
	Sched   *sched.Task

	ExitCode int
	Zombie   bool
}

// NewTask creates a fresh kernel-thread-or-init task: no parent, its own
// new session/group (used for pid 1 and kernel threads; every other task
// is created by Fork).
func NewTask(pid int, name string, priority sched.Priority, cred Credentials, entry func()) *Task {
	return &Task{
		PID:     pid,
		PPID:    0,
		PGID:    pid,
		SID:     pid,
		Name:    name,
		Cred:    cred,
		Signals: ksignal.NewSignals(),
		FDs:     NewFDTable(),
		Sched:   sched.NewTask(uint64(pid), priority, entry),
	}
}

// Fork creates childPID as a copy of parent: same credentials, session,
// and process group, a cloned FD table (close-on-exec descriptors are
// not copied, per spec §4.12), and its own fresh signal state from
// ksignal.NewSignals: the parent's dispositions, mask and pending set
// are not copied, so a child starts with default dispositions, no
// pending signals and the default mask.
func Fork(parent *Task, childPID int) *Task {
	child := &Task{
		PID:     childPID,
		PPID:    parent.PID,
		PGID:    parent.PGID,
		SID:     parent.SID,
		Name:    parent.Name,
		Cred:    parent.Cred,
		Signals: ksignal.NewSignals(),
		FDs:     parent.FDs.CloneForFork(),
		Sched:   sched.NewTask(uint64(childPID), parent.Sched.Priority, parent.Sched.Entry),
	}
	return child
}

// Exec resets the task for a new program image: close-on-exec file
// descriptors are closed, and every custom signal handler reverts to
// default (Ignore dispositions are left alone — POSIX exec semantics
// only clear Custom handlers, since a process that chose to ignore a
// signal expects that to survive exec).
func (t *Task) Exec(name string, entry func()) {
	t.FDs.CloseCloexec()
	t.Name = name
	t.Sched.Entry = entry
	t.Signals.ResetCustomDispositions()
}

// Wait reaps a zombie child, returning its exit code. Returns an error
// if childPID is not a zombie child of t.
func Wait(parent *Task, child *Task) (int, error) {
	if child.PPID != parent.PID {
		return 0, kerrors.New("proc: not a child of the waiting task")
	}
	if !child.Zombie {
		return 0, kerrors.New("proc: child has not exited")
	}
	return child.ExitCode, nil
}

// Exit marks t as a zombie with the given exit code and closes its file
// descriptor table (spec: "table closed on exit").
func (t *Task) Exit(code int) {
	t.ExitCode = code
	t.Zombie = true
	t.Sched.State = sched.StateTerminated
	t.FDs.CloseAll()
}
