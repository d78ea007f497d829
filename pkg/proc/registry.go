// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package proc

import (
	"fmt"
	"strconv"

	"github.com/melloos/kernel/pkg/kerrors"
	"github.com/melloos/kernel/pkg/sched"
)

// TaskRecord is the serializable view of a Task suitable for gob encoding
// and the global Task table: concrete fields only, no function-valued
// scheduler entry point (sched.Task.Entry never survives a table
// round-trip, so it is restored by the caller on lookup). SchedState and
// Priority are mirrored in from Task.Sched on every PublishTask so a
// /proc reader working purely off the registry (pkg/procfs) can render a
// task's state and priority without touching the owning CPU's run queue.
type TaskRecord struct {
	PID, PPID, PGID, SID int
	Name                 string
	Cred                 Credentials
	ExitCode             int
	Zombie               bool
	SchedState           sched.State
	Priority             sched.Priority
}

// PortBinding records ownership of a single IPC port (spec §4.13): which
// task owns it.
type PortBinding struct {
	Port    int
	OwnerPID int
}

// Registry is the process model's global state: every table a running
// kernel needs to look tasks, sessions, process groups, and IPC ports up
// by id, independent of any single CPU's local scheduler run queue.
type Registry struct {
	Tasks    *Table[TaskRecord]
	Sessions *Table[Session]
	Groups   *Table[ProcessGroup]
	Ports    *Table[PortBinding]
}

// NewRegistry opens the four backing tables. Each is an independent
// Badger keyspace so one table's compaction or iteration never blocks
// another's.
func NewRegistry() (*Registry, error) {
	tasks, err := NewTable[TaskRecord]()
	if err != nil {
		return nil, fmt.Errorf("proc: opening task table: %w", err)
	}
	sessions, err := NewTable[Session]()
	if err != nil {
		return nil, fmt.Errorf("proc: opening session table: %w", err)
	}
	groups, err := NewTable[ProcessGroup]()
	if err != nil {
		return nil, fmt.Errorf("proc: opening process-group table: %w", err)
	}
	ports, err := NewTable[PortBinding]()
	if err != nil {
		return nil, fmt.Errorf("proc: opening port table: %w", err)
	}
	return &Registry{Tasks: tasks, Sessions: sessions, Groups: groups, Ports: ports}, nil
}

func (r *Registry) Close() error {
	for _, err := range []error{r.Tasks.Close(), r.Sessions.Close(), r.Groups.Close(), r.Ports.Close()} {
		if err != nil {
			return err
		}
	}
	return nil
}

func pidKey(pid int) string { return strconv.Itoa(pid) }

// PublishTask inserts or updates t's record in the registry, keyed by pid.
func (r *Registry) PublishTask(t *Task) error {
	rec := TaskRecord{
		PID: t.PID, PPID: t.PPID, PGID: t.PGID, SID: t.SID,
		Name: t.Name, Cred: t.Cred, ExitCode: t.ExitCode, Zombie: t.Zombie,
		SchedState: t.Sched.State, Priority: t.Sched.Priority,
	}
	key := pidKey(t.PID)
	if _, err := r.Tasks.Get(key); err != nil {
		return r.Tasks.Insert(key, rec)
	}
	return r.Tasks.Update(key, rec)
}

// LookupTask returns the registry's record for pid.
func (r *Registry) LookupTask(pid int) (TaskRecord, error) {
	return r.Tasks.Get(pidKey(pid))
}

// RetireTask removes pid's entry once it has been reaped (Wait
// succeeded) — the registry only ever holds live or not-yet-reaped
// zombie tasks.
func (r *Registry) RetireTask(pid int) error {
	return r.Tasks.Delete(pidKey(pid))
}

func sidKey(sid int) string  { return strconv.Itoa(sid) }
func pgidKey(pgid int) string { return strconv.Itoa(pgid) }

// PublishSession mirrors sess into the registry's in-memory session
// table, so a /proc reader running on another CPU observes the same
// session topology without taking SessionManager's lock.
func (r *Registry) PublishSession(sess *Session) error {
	key := sidKey(sess.SID)
	if _, err := r.Sessions.Get(key); err != nil {
		return r.Sessions.Insert(key, *sess)
	}
	return r.Sessions.Update(key, *sess)
}

func (r *Registry) PublishGroup(grp *ProcessGroup) error {
	key := pgidKey(grp.PGID)
	if _, err := r.Groups.Get(key); err != nil {
		return r.Groups.Insert(key, *grp)
	}
	return r.Groups.Update(key, *grp)
}

func portKey(port int) string { return strconv.Itoa(port) }

// BindPort claims port for ownerPID, failing if it is already bound —
// the single-owner invariant spec §4.13's IPC ports require.
func (r *Registry) BindPort(port, ownerPID int) error {
	if err := r.Ports.Insert(portKey(port), PortBinding{Port: port, OwnerPID: ownerPID}); err != nil {
		return kerrors.New("proc: port already bound: " + portKey(port))
	}
	return nil
}

func (r *Registry) UnbindPort(port int) error {
	return r.Ports.Delete(portKey(port))
}

func (r *Registry) PortOwner(port int) (int, error) {
	b, err := r.Ports.Get(portKey(port))
	if err != nil {
		return 0, err
	}
	return b.OwnerPID, nil
}
