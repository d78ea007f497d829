// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package ksyscall

import (
	"testing"

	"github.com/go-logr/logr"
	"github.com/stretchr/testify/require"

	"github.com/melloos/kernel/pkg/kerrors"
)

func TestRegisterAndDispatch(t *testing.T) {
	r := NewRegistry(logr.Discard())
	require.NoError(t, r.Register(SysGetpid, func(callerPID int, _ Args) Result {
		return ok(uintptr(callerPID))
	}))

	res := r.Dispatch(42, SysGetpid, Args{})
	require.Equal(t, kerrors.EOK, res.Errno)
	require.Equal(t, uintptr(42), res.Value)
	require.Equal(t, uint64(1), r.Count(SysGetpid))
}

func TestDuplicateRegisterFails(t *testing.T) {
	r := NewRegistry(logr.Discard())
	h := func(int, Args) Result { return ok(0) }
	require.NoError(t, r.Register(SysYield, h))
	require.Error(t, r.Register(SysYield, h))
}

func TestDispatchUnregisteredReturnsENOSYS(t *testing.T) {
	r := NewRegistry(logr.Discard())
	res := r.Dispatch(1, SysFork, Args{})
	require.Equal(t, kerrors.ENOSYS, res.Errno)
	require.Equal(t, uint64(1), r.Count(SysFork), "dispatch still counts a miss")
}

func TestDispatchOutOfRangeID(t *testing.T) {
	r := NewRegistry(logr.Discard())
	res := r.Dispatch(1, ID(999), Args{})
	require.Equal(t, kerrors.EINVAL, res.Errno)
}

type fakeProc struct {
	pid       int
	forkErr   error
	childPID  int
	killCalls []int
}

func (f *fakeProc) Getpid(callerPID int) int { return f.pid }
func (f *fakeProc) Fork(callerPID int) (int, error) {
	if f.forkErr != nil {
		return 0, f.forkErr
	}
	return f.childPID, nil
}
func (f *fakeProc) Exec(callerPID int, path string, argv, envp []string) error { return nil }
func (f *fakeProc) Wait(callerPID, childPID, opts int) (int, int, error)       { return childPID, 0, nil }
func (f *fakeProc) Exit(callerPID, code int)                                  {}
func (f *fakeProc) Yield(callerPID int)                                       {}
func (f *fakeProc) Sleep(callerPID int, ticks uint64)                         {}
func (f *fakeProc) Kill(callerPID, targetPID, sig int) error {
	f.killCalls = append(f.killCalls, targetPID)
	return nil
}

func TestRegisterBaselineWiresProcessHandlers(t *testing.T) {
	r := NewRegistry(logr.Discard())
	fp := &fakeProc{pid: 7, childPID: 8}
	require.NoError(t, RegisterBaseline(r, fp, nil, nil))

	res := r.Dispatch(1, SysGetpid, Args{})
	require.Equal(t, uintptr(7), res.Value)

	res = r.Dispatch(1, SysFork, Args{})
	require.Equal(t, uintptr(8), res.Value)

	res = r.Dispatch(1, SysKill, Args{Arg1: 8, Arg2: 9})
	require.Equal(t, kerrors.EOK, res.Errno)
	require.Equal(t, []int{8}, fp.killCalls)

	// file-related syscalls were never wired (fs == nil): ENOSYS, not a panic.
	res = r.Dispatch(1, SysWrite, Args{})
	require.Equal(t, kerrors.ENOSYS, res.Errno)
}

func TestValidateIoctlUnknownCommand(t *testing.T) {
	_, errno := ValidateIoctl("BOGUS", 3, func(int) (IoctlCategory, error) { return CategoryFile, nil })
	require.Equal(t, kerrors.ENOSYS, errno)
}

func TestValidateIoctlCategoryMismatch(t *testing.T) {
	_, errno := ValidateIoctl("TCGETS", 3, func(int) (IoctlCategory, error) { return CategoryFile, nil })
	require.Equal(t, kerrors.EINVAL, errno)
}

func TestValidateIoctlSucceeds(t *testing.T) {
	cmd, errno := ValidateIoctl("TIOCGWINSZ", 3, func(int) (IoctlCategory, error) { return CategoryTerminal, nil })
	require.Equal(t, kerrors.EOK, errno)
	require.Equal(t, 8, cmd.ArgSize)
	require.True(t, cmd.WriteUser)
}
