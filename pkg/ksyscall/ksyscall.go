// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

// Package ksyscall implements the system-call dispatcher: a syscall-id ->
// handler table with a per-id metric counter, and the baseline syscall
// surface's argument/result shape (spec §4.9).
package ksyscall

import (
	"fmt"
	"sync/atomic"

	"github.com/go-logr/logr"

	"github.com/melloos/kernel/pkg/kerrors"
)

// ID is a syscall number. The concrete values are an implementation
// detail — callers address syscalls by these named constants, never by
// literal integer.
type ID int

const (
	SysWrite ID = iota
	SysExit
	SysSleep
	SysIpcSend
	SysIpcRecv
	SysGetpid
	SysYield
	SysFork
	SysWait
	SysExec
	SysOpen
	SysOpenat
	SysRead
	SysClose
	SysGetdents
	SysIoctl
	SysKill

	numSyscalls
)

func (id ID) String() string {
	names := [...]string{
		"write", "exit", "sleep", "ipc_send", "ipc_recv", "getpid", "yield",
		"fork", "wait", "exec", "open", "openat", "read", "close",
		"getdents", "ioctl", "kill",
	}
	if int(id) < 0 || int(id) >= len(names) {
		return fmt.Sprintf("syscall(%d)", int(id))
	}
	return names[id]
}

// Args is the fixed three-register argument convention the dispatcher
// hands every handler (spec §4.9: "(id, arg1, arg2, arg3)"). A real
// syscall gate passes raw register words and a pointer argument is a
// user-space address the handler dereferences through the page tables;
// a hosted simulation has no user address space to walk, so Buf and Str
// carry the payload a real dispatcher would have already copied in from
// userland, and Arg1-3 carry every non-pointer register word (fd
// numbers, flags, counts, pids).
type Args struct {
	Arg1, Arg2, Arg3 uintptr
	Buf              []byte
	Str              string
}

// Result is the value placed in the return register; Errno is nonzero on
// failure (spec: "a failing syscall returns a negative code").
type Result struct {
	Value uintptr
	Errno kerrors.Errno
}

func ok(v uintptr) Result    { return Result{Value: v} }
func fail(e kerrors.Errno) Result { return Result{Errno: e} }

// Handler executes one syscall for the calling task, identified opaquely
// by callerPID (handlers that need the full Task look it up via whatever
// registry pkg/proc's caller wired in — ksyscall itself has no upward
// dependency on pkg/proc).
type Handler func(callerPID int, args Args) Result

// Registry maps syscall id to handler, generalizing the teacher's
// CollectorRegistry (register-by-key, look up by key, reject duplicate
// registration) from a metric-collector keyspace to a syscall-id
// keyspace, and adding the per-id invocation counter the dispatcher
// contract requires.
type Registry struct {
	handlers [numSyscalls]Handler
	counts   [numSyscalls]atomic.Uint64
	log      logr.Logger
}

func NewRegistry(log logr.Logger) *Registry {
	return &Registry{log: log.WithName("ksyscall")}
}

// Register installs h for id, failing if id already has a handler.
func (r *Registry) Register(id ID, h Handler) error {
	if id < 0 || id >= numSyscalls {
		return kerrors.New("ksyscall: syscall id out of range")
	}
	if h == nil {
		return kerrors.New("ksyscall: cannot register nil handler")
	}
	if r.handlers[id] != nil {
		return kerrors.New("ksyscall: handler for " + id.String() + " already registered")
	}
	r.handlers[id] = h
	r.log.V(1).Info("registered syscall handler", "id", id.String())
	return nil
}

// Dispatch increments id's invocation counter and routes to its handler,
// per spec §4.9's "increments a per-id metric counter and routes to a
// handler". An unregistered id returns ENOSYS rather than panicking — a
// syscall gate reachable from userland must never crash the kernel on a
// bad id.
func (r *Registry) Dispatch(callerPID int, id ID, args Args) Result {
	if id < 0 || id >= numSyscalls {
		return fail(kerrors.EINVAL)
	}
	r.counts[id].Add(1)

	h := r.handlers[id]
	if h == nil {
		r.log.Info("dispatch to unregistered syscall", "id", id.String())
		return fail(kerrors.ENOSYS)
	}
	return h(callerPID, args)
}

// Count returns id's invocation counter.
func (r *Registry) Count(id ID) uint64 {
	if id < 0 || id >= numSyscalls {
		return 0
	}
	return r.counts[id].Load()
}
