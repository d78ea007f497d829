// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package vfs

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/melloos/kernel/pkg/kerrors"
)

// memInode is a minimal in-memory Inode used only to exercise path
// resolution and the dentry cache; it implements just enough of the
// capability set for directories, regular files, and symlinks.
type memInode struct {
	id       uint64
	typ      FileType
	children map[string]*memInode
	target   string // symlink target
	data     []byte
}

var nextIno uint64 = 1

func newDir() *memInode {
	nextIno++
	return &memInode{id: nextIno, typ: TypeDirectory, children: map[string]*memInode{}}
}

func newFile() *memInode {
	nextIno++
	return &memInode{id: nextIno, typ: TypeRegular}
}

func newSymlink(target string) *memInode {
	nextIno++
	return &memInode{id: nextIno, typ: TypeSymlink, target: target}
}

func (m *memInode) Stat() Stat { return Stat{ID: m.id, Type: m.typ} }

func (m *memInode) Lookup(name string) (Inode, error) {
	child, ok := m.children[name]
	if !ok {
		return nil, kerrors.NewFsError("lookup", name, kerrors.NotFound)
	}
	return child, nil
}

func (m *memInode) Create(name string, mode uint32) (Inode, error) {
	if _, exists := m.children[name]; exists {
		return nil, kerrors.NewFsError("create", name, kerrors.AlreadyExists)
	}
	child := newFile()
	m.children[name] = child
	return child, nil
}

func (m *memInode) Unlink(name string) error {
	delete(m.children, name)
	return nil
}
func (m *memInode) Link(name string, target Inode) error     { return kerrors.NewFsError("link", name, kerrors.NotSupported) }
func (m *memInode) Symlink(name, target string) error {
	m.children[name] = newSymlink(target)
	return nil
}
func (m *memInode) Readdir() ([]DirEntry, error) {
	var out []DirEntry
	for name, c := range m.children {
		out = append(out, DirEntry{Name: name, Ino: c.id, Type: c.typ})
	}
	return out, nil
}
func (m *memInode) ReadAt(buf []byte, offset int64) (int, error) {
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
func (m *memInode) Truncate(size int64) error { m.data = m.data[:size]; return nil }
func (m *memInode) Readlink() (string, error) {
	if m.typ != TypeSymlink {
		return "", kerrors.NewFsError("readlink", "", kerrors.InvalidArgument)
	}
	return m.target, nil
}
func (m *memInode) GetXattr(name string) ([]byte, error)  { return nil, kerrors.NewFsError("getxattr", name, kerrors.NotFound) }
func (m *memInode) SetXattr(name string, value []byte) error { return nil }
func (m *memInode) ListXattr() ([]string, error)           { return nil, nil }

func setupTree() (*Resolver, *memInode) {
	root := newDir()
	a := newDir()
	root.children["a"] = a
	b := newDir()
	a.children["b"] = b
	c := newDir()
	a.children["c"] = c

	mounts := NewMountTable(root)
	cache := NewDentryCache()
	return NewResolver(mounts, cache), root
}

func TestResolveRootReturnsRootInode(t *testing.T) {
	r, root := setupTree()
	d, err := r.ResolvePath("/", nil)
	require.NoError(t, err)
	require.Equal(t, root.id, d.Inode.Stat().ID)
}

func TestResolveCreatedChildReturnsSameInode(t *testing.T) {
	r, root := setupTree()
	child, err := root.Create("newfile", 0644)
	require.NoError(t, err)

	d, err := r.ResolvePath("/newfile", nil)
	require.NoError(t, err)
	require.Equal(t, child.Stat().ID, d.Inode.Stat().ID)
}

func TestResolveDotDot(t *testing.T) {
	r, _ := setupTree()
	d, err := r.ResolvePath("/a/b/../c", nil)
	require.NoError(t, err)

	expect, err := r.ResolvePath("/a/c", nil)
	require.NoError(t, err)
	require.Equal(t, expect.Inode.Stat().ID, d.Inode.Stat().ID)
}

func TestResolveMissingPathIsNotFound(t *testing.T) {
	r, _ := setupTree()
	_, err := r.ResolvePath("/nope", nil)
	require.True(t, kerrors.IsFsKind(err, kerrors.NotFound))
}

func TestResolveCyclicSymlinkFailsWithinHopCap(t *testing.T) {
	root := newDir()
	root.children["loop"] = newSymlink("/loop")
	mounts := NewMountTable(root)
	r := NewResolver(mounts, NewDentryCache())

	_, err := r.ResolvePath("/loop", nil)
	require.True(t, kerrors.IsFsKind(err, kerrors.TooManySymlinks))
}

func TestResolvePathTooLong(t *testing.T) {
	r, _ := setupTree()
	longPath := "/" + string(make([]byte, maxPathLen+1))
	_, err := r.ResolvePath(longPath, nil)
	require.True(t, kerrors.IsFsKind(err, kerrors.NameTooLong))
}

func TestDentryCacheNegativeEntryHit(t *testing.T) {
	r, _ := setupTree()
	_, err := r.ResolvePath("/missing", nil)
	require.Error(t, err)

	// second resolution should hit the negative cache entry, not re-call Lookup.
	_, err = r.ResolvePath("/missing", nil)
	require.True(t, kerrors.IsFsKind(err, kerrors.NotFound))
}

func TestDentryCacheEvictsLRUBeyondCapacity(t *testing.T) {
	c := NewDentryCache()
	parent := uint64(1)
	for i := 0; i < dentryBucketSize+1; i++ {
		c.Insert(&Dentry{ParentIno: parent, Name: string(rune('a' + i)), Ino: uint64(i + 100)})
	}
	// exact eviction target depends on hash distribution across 256 buckets,
	// but no single bucket may exceed its cap.
	for _, bucket := range c.buckets {
		require.LessOrEqual(t, bucket.Len(), dentryBucketSize)
	}
}

func TestMountTableLongestPrefixWithBoundary(t *testing.T) {
	root := newDir()
	devRoot := newDir()
	mt := NewMountTable(root)
	require.NoError(t, mt.Mount("/dev", devRoot))

	m := mt.Resolve("/dev/tty0")
	require.Equal(t, "/dev", m.Path)

	m = mt.Resolve("/device/foo")
	require.Equal(t, "/", m.Path)
}

func TestMountTableRejectsDuplicateAndRoot(t *testing.T) {
	root := newDir()
	mt := NewMountTable(root)
	require.Error(t, mt.Mount("/", newDir()))

	require.NoError(t, mt.Mount("/mnt", newDir()))
	require.Error(t, mt.Mount("/mnt", newDir()))
}

func TestMountTableCapacity(t *testing.T) {
	root := newDir()
	mt := NewMountTable(root)
	for i := 0; i < maxMounts-1; i++ {
		require.NoError(t, mt.Mount("/"+string(rune('a'+i)), newDir()))
	}
	require.Error(t, mt.Mount("/overflow", newDir()))
}
