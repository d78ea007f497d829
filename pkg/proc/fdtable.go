// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package proc

import (
	"sync"

	"github.com/melloos/kernel/pkg/kerrors"
)

// OpenFlags mirror the flags a file descriptor carries (spec §3 File
// Descriptor).
type OpenFlags struct {
	Readable    bool
	Writable    bool
	Append      bool
	CloseOnExec bool
	Nonblock    bool
}

// FileDescriptor is one table slot: a reference to an inode (left as an
// opaque handle here — pkg/vfs defines the concrete inode type, which
// would create an import cycle if referenced directly) plus an atomic
// offset and open flags.
type FileDescriptor struct {
	Inode  any
	Offset int64
	Flags  OpenFlags
}

// FDTable is a process's open-file table: open allocates the lowest free
// slot, dup/dup2 grow on demand, clone_for_fork filters close-on-exec,
// and close_cloexec/close_all run at execve and exit respectively (spec
// §4.12).
type FDTable struct {
	mu   sync.Mutex
	fds  []*FileDescriptor
}

func NewFDTable() *FDTable {
	return &FDTable{}
}

// Open installs fd at the lowest free slot and returns its number.
func (t *FDTable) Open(fd *FileDescriptor) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	for i, slot := range t.fds {
		if slot == nil {
			t.fds[i] = fd
			return i
		}
	}
	t.fds = append(t.fds, fd)
	return len(t.fds) - 1
}

func (t *FDTable) Get(fd int) (*FileDescriptor, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.get(fd)
}

func (t *FDTable) get(fd int) (*FileDescriptor, error) {
	if fd < 0 || fd >= len(t.fds) || t.fds[fd] == nil {
		return nil, kerrors.NewFsError("fdtable", "", kerrors.InvalidArgument)
	}
	return t.fds[fd], nil
}

// Close removes fd from the table.
func (t *FDTable) Close(fd int) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, err := t.get(fd); err != nil {
		return err
	}
	t.fds[fd] = nil
	return nil
}

// Dup duplicates fd onto the lowest free slot, sharing the same
// FileDescriptor (offset and inode reference, not flags independently —
// matching POSIX dup semantics).
func (t *FDTable) Dup(fd int) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	src, err := t.get(fd)
	if err != nil {
		return -1, err
	}
	for i, slot := range t.fds {
		if slot == nil {
			t.fds[i] = src
			return i, nil
		}
	}
	t.fds = append(t.fds, src)
	return len(t.fds) - 1, nil
}

// Dup2 duplicates fd onto newFD, growing the table if newFD is beyond
// its current length, and closing whatever newFD previously held.
func (t *FDTable) Dup2(fd, newFD int) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	src, err := t.get(fd)
	if err != nil {
		return err
	}
	if newFD < 0 {
		return kerrors.NewFsError("dup2", "", kerrors.InvalidArgument)
	}
	for len(t.fds) <= newFD {
		t.fds = append(t.fds, nil)
	}
	t.fds[newFD] = src
	return nil
}

// CloneForFork copies the table for a forked child, leaving every
// close-on-exec slot empty in the copy (spec §4.12).
func (t *FDTable) CloneForFork() *FDTable {
	t.mu.Lock()
	defer t.mu.Unlock()
	clone := &FDTable{fds: make([]*FileDescriptor, len(t.fds))}
	for i, fd := range t.fds {
		if fd == nil || fd.Flags.CloseOnExec {
			continue
		}
		cp := *fd
		clone.fds[i] = &cp
	}
	return clone
}

// CloseCloexec closes every close-on-exec descriptor, run at execve.
func (t *FDTable) CloseCloexec() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i, fd := range t.fds {
		if fd != nil && fd.Flags.CloseOnExec {
			t.fds[i] = nil
		}
	}
}

// CloseAll closes every descriptor, run at exit.
func (t *FDTable) CloseAll() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i := range t.fds {
		t.fds[i] = nil
	}
}

// Read validates the readable flag, reads via readFn at the fd's current
// offset, and advances the offset.
func (t *FDTable) Read(fd int, readFn func(inode any, offset int64) ([]byte, error)) ([]byte, error) {
	t.mu.Lock()
	f, err := t.get(fd)
	t.mu.Unlock()
	if err != nil {
		return nil, err
	}
	if !f.Flags.Readable {
		return nil, kerrors.NewFsError("read", "", kerrors.PermissionDenied)
	}
	data, err := readFn(f.Inode, f.Offset)
	if err != nil {
		return nil, err
	}
	t.mu.Lock()
	f.Offset += int64(len(data))
	t.mu.Unlock()
	return data, nil
}

// Write validates the writable flag, anchors the write offset to the
// inode's current size when append mode is set, and advances the fd's
// offset by the amount written (spec §4.12).
func (t *FDTable) Write(fd int, size func(inode any) int64, writeFn func(inode any, offset int64) (int, error)) (int, error) {
	t.mu.Lock()
	f, err := t.get(fd)
	t.mu.Unlock()
	if err != nil {
		return 0, err
	}
	if !f.Flags.Writable {
		return 0, kerrors.NewFsError("write", "", kerrors.PermissionDenied)
	}
	offset := f.Offset
	if f.Flags.Append {
		offset = size(f.Inode)
	}
	n, err := writeFn(f.Inode, offset)
	if err != nil {
		return n, err
	}
	t.mu.Lock()
	f.Offset = offset + int64(n)
	t.mu.Unlock()
	return n, nil
}
