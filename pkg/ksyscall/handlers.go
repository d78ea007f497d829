// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package ksyscall

import "github.com/melloos/kernel/pkg/kerrors"

// ProcessControl is the subset of the process model (pkg/proc, pkg/sched,
// pkg/ksignal) the baseline syscall handlers need. Handlers depend on
// this interface rather than importing pkg/proc directly so ksyscall's
// test suite can exercise dispatch with a fake, and so the dependency
// direction stays caller-injects-policy rather than callee-imports-caller.
type ProcessControl interface {
	Getpid(callerPID int) int
	Fork(callerPID int) (childPID int, err error)
	Exec(callerPID int, path string, argv, envp []string) error
	Wait(callerPID int, childPID int, opts int) (reapedPID int, status int, err error)
	Exit(callerPID int, code int)
	Yield(callerPID int)
	Sleep(callerPID int, ticks uint64)
	Kill(callerPID, targetPID, sig int) error
}

// FileSystem is the subset of pkg/vfs the open/read/write/close/getdents
// handlers need. ksyscall is L3; pkg/vfs is L4, so this interface (rather
// than a direct import) is what keeps the dependency pointing downward.
type FileSystem interface {
	Write(callerPID, fd int, buf []byte) (int, error)
	Read(callerPID, fd int, cap int) ([]byte, error)
	Open(callerPID int, path string, flags int) (fd int, err error)
	Openat(callerPID int, dirFd int, path string, flags int) (fd int, err error)
	Close(callerPID, fd int) error
	Getdents(callerPID, fd int, cap int) ([]byte, error)
	Ioctl(callerPID, fd int, cmd string, arg []byte) ([]byte, error)
}

// IPC is the subset of the port-based message-passing surface ipc_send
// and ipc_recv need.
type IPC interface {
	Send(callerPID, portID int, buf []byte) error
	Recv(callerPID, portID int, cap int) ([]byte, error)
}

// RegisterBaseline installs a Handler for every syscall in spec §4.9's
// table, closing over proc/fs/ipc so the Registry itself stays dependency
// free. A nil dependency is valid — any syscall whose handler it would
// back fails with ENOSYS instead of panicking, so a partially-wired
// kernel (e.g. a unit test exercising only process control) still
// dispatches safely.
func RegisterBaseline(r *Registry, proc ProcessControl, fs FileSystem, ipc IPC) error {
	register := func(id ID, h Handler) error {
		if h == nil {
			return nil
		}
		return r.Register(id, h)
	}

	var procHandlers, fsHandlers, ipcHandlers map[ID]Handler
	if proc != nil {
		procHandlers = processHandlers(proc)
	}
	if fs != nil {
		fsHandlers = fsHandlers_(fs)
	}
	if ipc != nil {
		ipcHandlers = ipcHandlers_(ipc)
	}

	for id, h := range procHandlers {
		if err := register(id, h); err != nil {
			return err
		}
	}
	for id, h := range fsHandlers {
		if err := register(id, h); err != nil {
			return err
		}
	}
	for id, h := range ipcHandlers {
		if err := register(id, h); err != nil {
			return err
		}
	}
	return nil
}

func processHandlers(p ProcessControl) map[ID]Handler {
	return map[ID]Handler{
		SysGetpid: func(callerPID int, _ Args) Result {
			return ok(uintptr(p.Getpid(callerPID)))
		},
		SysFork: func(callerPID int, _ Args) Result {
			child, err := p.Fork(callerPID)
			if err != nil {
				return fail(kerrors.ENOMEM)
			}
			return ok(uintptr(child))
		},
		SysExec: func(callerPID int, args Args) Result {
			if err := p.Exec(callerPID, args.Str, nil, nil); err != nil {
				return fail(kerrors.ENOENT)
			}
			return ok(0)
		},
		SysWait: func(callerPID int, args Args) Result {
			childPID := int(args.Arg1)
			opts := int(args.Arg3)
			pid, _, err := p.Wait(callerPID, childPID, opts)
			if err != nil {
				return fail(kerrors.ECHILD)
			}
			return ok(uintptr(pid))
		},
		SysExit: func(callerPID int, args Args) Result {
			p.Exit(callerPID, int(args.Arg1))
			return ok(0)
		},
		SysYield: func(callerPID int, _ Args) Result {
			p.Yield(callerPID)
			return ok(0)
		},
		SysSleep: func(callerPID int, args Args) Result {
			p.Sleep(callerPID, uint64(args.Arg1))
			return ok(0)
		},
		SysKill: func(callerPID int, args Args) Result {
			if err := p.Kill(callerPID, int(args.Arg1), int(args.Arg2)); err != nil {
				return fail(kerrors.EPERM)
			}
			return ok(0)
		},
	}
}

func fsHandlers_(fs FileSystem) map[ID]Handler {
	return map[ID]Handler{
		SysWrite: func(callerPID int, args Args) Result {
			n, err := fs.Write(callerPID, int(args.Arg1), args.Buf)
			if err != nil {
				return fail(kerrors.EBADF)
			}
			return ok(uintptr(n))
		},
		SysRead: func(callerPID int, args Args) Result {
			data, err := fs.Read(callerPID, int(args.Arg1), int(args.Arg3))
			if err != nil {
				return fail(kerrors.EBADF)
			}
			return ok(uintptr(len(data)))
		},
		SysOpen: func(callerPID int, args Args) Result {
			fd, err := fs.Open(callerPID, args.Str, int(args.Arg2))
			if err != nil {
				return fail(kerrors.ENOENT)
			}
			return ok(uintptr(fd))
		},
		SysOpenat: func(callerPID int, args Args) Result {
			fd, err := fs.Openat(callerPID, int(args.Arg1), args.Str, int(args.Arg3))
			if err != nil {
				return fail(kerrors.ENOENT)
			}
			return ok(uintptr(fd))
		},
		SysClose: func(callerPID int, args Args) Result {
			if err := fs.Close(callerPID, int(args.Arg1)); err != nil {
				return fail(kerrors.EBADF)
			}
			return ok(0)
		},
		SysGetdents: func(callerPID int, args Args) Result {
			data, err := fs.Getdents(callerPID, int(args.Arg1), int(args.Arg2))
			if err != nil {
				return fail(kerrors.ENOTDIR)
			}
			return ok(uintptr(len(data)))
		},
		SysIoctl: func(callerPID int, args Args) Result {
			_, err := fs.Ioctl(callerPID, int(args.Arg1), args.Str, args.Buf)
			if err != nil {
				return fail(kerrors.EINVAL)
			}
			return ok(0)
		},
	}
}

func ipcHandlers_(ipc IPC) map[ID]Handler {
	return map[ID]Handler{
		SysIpcSend: func(callerPID int, args Args) Result {
			if err := ipc.Send(callerPID, int(args.Arg1), args.Buf); err != nil {
				return fail(kerrors.EINVAL)
			}
			return ok(0)
		},
		SysIpcRecv: func(callerPID int, args Args) Result {
			data, err := ipc.Recv(callerPID, int(args.Arg1), int(args.Arg3))
			if err != nil {
				return fail(kerrors.EINVAL)
			}
			return ok(uintptr(len(data)))
		},
	}
}
