// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package main

import (
	"github.com/melloos/kernel/pkg/kerrors"
	"github.com/melloos/kernel/pkg/vfs"
)

// memInode is a minimal in-memory vfs.Inode standing in for mellofs
// inodes: a real mellofs-to-vfs.Inode adapter would walk the mounted
// filesystem's root B-tree on every Lookup/Readdir, but this CLI's
// boot/proc smoke-test subcommands only need a root directory that
// satisfies vfs.Inode's full contract, the same reduced scope
// pkg/vfs's own test double (memInode in vfs_test.go) targets.
type memInode struct {
	id       uint64
	typ      vfs.FileType
	children map[string]*memInode
	target   string
	data     []byte
}

var nextIno uint64 = 1

func newDirInode() *memInode {
	nextIno++
	return &memInode{id: nextIno, typ: vfs.TypeDirectory, children: map[string]*memInode{}}
}

func newFileInode() *memInode {
	nextIno++
	return &memInode{id: nextIno, typ: vfs.TypeRegular}
}

func (m *memInode) Stat() vfs.Stat { return vfs.Stat{ID: m.id, Type: m.typ, Size: int64(len(m.data))} }

func (m *memInode) Lookup(name string) (vfs.Inode, error) {
	child, ok := m.children[name]
	if !ok {
		return nil, kerrors.NewFsError("lookup", name, kerrors.NotFound)
	}
	return child, nil
}

func (m *memInode) Create(name string, mode uint32) (vfs.Inode, error) {
	if _, exists := m.children[name]; exists {
		return nil, kerrors.NewFsError("create", name, kerrors.AlreadyExists)
	}
	child := newFileInode()
	m.children[name] = child
	return child, nil
}

func (m *memInode) Unlink(name string) error {
	delete(m.children, name)
	return nil
}

func (m *memInode) Link(name string, target vfs.Inode) error {
	return kerrors.NewFsError("link", name, kerrors.NotSupported)
}

func (m *memInode) Symlink(name, target string) error {
	nextIno++
	m.children[name] = &memInode{id: nextIno, typ: vfs.TypeSymlink, target: target}
	return nil
}

func (m *memInode) Readdir() ([]vfs.DirEntry, error) {
	var out []vfs.DirEntry
	for name, c := range m.children {
		out = append(out, vfs.DirEntry{Name: name, Ino: c.id, Type: c.typ})
	}
	return out, nil
}

func (m *memInode) ReadAt(buf []byte, offset int64) (int, error) {
	if offset >= int64(len(m.data)) {
		return 0, nil
	}
	return copy(buf, m.data[offset:]), nil
}

func (m *memInode) WriteAt(buf []byte, offset int64) (int, error) {
	need := int(offset) + len(buf)
	if need > len(m.data) {
		grown := make([]byte, need)
		copy(grown, m.data)
		m.data = grown
	}
	return copy(m.data[offset:], buf), nil
}

func (m *memInode) Truncate(size int64) error {
	if int(size) > len(m.data) {
		grown := make([]byte, size)
		copy(grown, m.data)
		m.data = grown
		return nil
	}
	m.data = m.data[:size]
	return nil
}

func (m *memInode) Readlink() (string, error) {
	if m.typ != vfs.TypeSymlink {
		return "", kerrors.NewFsError("readlink", "", kerrors.InvalidArgument)
	}
	return m.target, nil
}

func (m *memInode) GetXattr(name string) ([]byte, error) {
	return nil, kerrors.NewFsError("getxattr", name, kerrors.NotFound)
}
func (m *memInode) SetXattr(name string, value []byte) error { return nil }
func (m *memInode) ListXattr() ([]string, error)              { return nil, nil }
