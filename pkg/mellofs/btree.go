// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package mellofs

import (
	"bytes"
	"encoding/binary"
	"sort"

	"github.com/melloos/kernel/pkg/kerrors"
)

// KeyKind is the closed set of B-tree key discriminators (spec §6: "0x01
// Dir, 0x02 Inode, 0x03 Extent, 0x04 Xattr").
type KeyKind uint8

const (
	KeyDir    KeyKind = 0x01
	KeyInode  KeyKind = 0x02
	KeyExtent KeyKind = 0x03
	KeyXattr  KeyKind = 0x04
)

// Key is a single sortable B-tree key: discriminator plus the primary
// (usually an inode number) and secondary (name hash, file offset, or
// xattr name hash, depending on Kind) fields spec §4.14 keys every
// record by.
type Key struct {
	Kind      KeyKind
	Primary   uint64
	Secondary uint64
}

// Less orders keys first by discriminator, then Primary, then
// Secondary — the sort order every node's key list is maintained in.
func (k Key) Less(other Key) bool {
	if k.Kind != other.Kind {
		return k.Kind < other.Kind
	}
	if k.Primary != other.Primary {
		return k.Primary < other.Primary
	}
	return k.Secondary < other.Secondary
}

func (k Key) Equal(other Key) bool {
	return k.Kind == other.Kind && k.Primary == other.Primary && k.Secondary == other.Secondary
}

func encodeKey(b []byte, k Key) {
	b[0] = byte(k.Kind)
	binary.LittleEndian.PutUint64(b[1:9], k.Primary)
	binary.LittleEndian.PutUint64(b[9:17], k.Secondary)
}

func decodeKey(b []byte) Key {
	return Key{
		Kind:      KeyKind(b[0]),
		Primary:   binary.LittleEndian.Uint64(b[1:9]),
		Secondary: binary.LittleEndian.Uint64(b[9:17]),
	}
}

const keyEncodedSize = 17

// Node is one B-tree node: a leaf holds (key, value) records directly;
// an internal node holds keys plus the TreeRef of each child subtree.
// Node mutation is always copy-on-write — Commit rewrites a touched
// node at a fresh location rather than in place (spec §4.14 TxG step
// 1/3).
type Node struct {
	Leaf     bool
	Keys     []Key
	Values   [][]byte // leaf only, parallel to Keys
	Children []TreeRef // internal only, len(Children) == len(Keys)+1
}

// Encode serializes n into a checksummed on-disk block: a small header
// (leaf flag, key count) followed by the keys, then either the leaf
// values or the internal children, then a trailing CRC32C over
// everything before it.
func (n *Node) Encode() []byte {
	var buf bytes.Buffer
	var leafByte byte
	if n.Leaf {
		leafByte = 1
	}
	buf.WriteByte(leafByte)
	var countBuf [4]byte
	binary.LittleEndian.PutUint32(countBuf[:], uint32(len(n.Keys)))
	buf.Write(countBuf[:])

	keyBuf := make([]byte, keyEncodedSize)
	for _, k := range n.Keys {
		encodeKey(keyBuf, k)
		buf.Write(keyBuf)
	}

	if n.Leaf {
		for _, v := range n.Values {
			var lenBuf [4]byte
			binary.LittleEndian.PutUint32(lenBuf[:], uint32(len(v)))
			buf.Write(lenBuf[:])
			buf.Write(v)
		}
	} else {
		childBuf := make([]byte, 21)
		for _, c := range n.Children {
			encodeTreeRef(childBuf, c)
			buf.Write(childBuf)
		}
	}

	checksum := Checksum(buf.Bytes())
	var sumBuf [8]byte
	binary.LittleEndian.PutUint64(sumBuf[:], checksum)
	buf.Write(sumBuf[:])
	return buf.Bytes()
}

// DecodeNode parses and checksum-verifies a node previously produced by
// Encode. A checksum failure returns an IoError (spec §7: "checksum
// mismatches... during steady-state... return an I/O error up to the
// caller").
func DecodeNode(buf []byte) (*Node, error) {
	if len(buf) < 5+8 {
		return nil, kerrors.NewFsError("decode_node", "", kerrors.InvalidArgument)
	}
	body := buf[:len(buf)-8]
	wantChecksum := binary.LittleEndian.Uint64(buf[len(buf)-8:])
	if !Verify(body, wantChecksum) {
		return nil, kerrors.NewFsError("decode_node", "", kerrors.IoError)
	}

	n := &Node{Leaf: body[0] == 1}
	count := binary.LittleEndian.Uint32(body[1:5])
	off := 5
	n.Keys = make([]Key, count)
	for i := range n.Keys {
		n.Keys[i] = decodeKey(body[off : off+keyEncodedSize])
		off += keyEncodedSize
	}

	if n.Leaf {
		n.Values = make([][]byte, count)
		for i := range n.Values {
			l := binary.LittleEndian.Uint32(body[off : off+4])
			off += 4
			n.Values[i] = append([]byte(nil), body[off:off+int(l)]...)
			off += int(l)
		}
	} else {
		n.Children = make([]TreeRef, count+1)
		for i := range n.Children {
			n.Children[i] = decodeTreeRef(body[off : off+21])
			off += 21
		}
	}
	return n, nil
}

// NodeStore persists and retrieves nodes by the TreeRef a parent (or
// the superblock) references them with. Backed by a blockdev.Device in
// production; BTree itself only depends on this narrow interface so it
// never has to import pkg/blockdev (same injection pattern as
// ksyscall's FileSystem interface).
type NodeStore interface {
	ReadNode(ref TreeRef) (*Node, error)
	WriteNode(n *Node) (TreeRef, error) // allocates fresh space (CoW) and writes
}

// BTree is an in-memory B-tree index over one of the four key
// discriminators, backed by a NodeStore for persistence. Lookup/Insert
// dirty only the root in this simplified single-level-plus-leaves
// design: real multi-level rebalancing is out of scope (spec's
// Non-goals exclude the full on-disk B-tree implementation detail
// beyond the keyed record model), but the CoW-on-write, checksum-on-
// read contract that TxG's commit protocol depends on is complete.
type BTree struct {
	store NodeStore
	root  *Node
	dirty bool
}

// OpenBTree loads the tree rooted at ref from store.
func OpenBTree(store NodeStore, ref TreeRef) (*BTree, error) {
	root, err := store.ReadNode(ref)
	if err != nil {
		return nil, err
	}
	return &BTree{store: store, root: root}, nil
}

// NewBTree creates an empty tree (a single empty leaf root).
func NewBTree(store NodeStore) *BTree {
	return &BTree{store: store, root: &Node{Leaf: true}, dirty: true}
}

func (t *BTree) find(k Key) int {
	return sort.Search(len(t.root.Keys), func(i int) bool { return !t.root.Keys[i].Less(k) })
}

// Lookup returns the value stored at k, if present.
func (t *BTree) Lookup(k Key) ([]byte, error) {
	i := t.find(k)
	if i < len(t.root.Keys) && t.root.Keys[i].Equal(k) {
		return t.root.Values[i], nil
	}
	return nil, kerrors.NewFsError("lookup", "", kerrors.NotFound)
}

// Insert adds or replaces the record at k.
func (t *BTree) Insert(k Key, value []byte) {
	i := t.find(k)
	if i < len(t.root.Keys) && t.root.Keys[i].Equal(k) {
		t.root.Values[i] = value
		t.dirty = true
		return
	}
	t.root.Keys = append(t.root.Keys, Key{})
	copy(t.root.Keys[i+1:], t.root.Keys[i:])
	t.root.Keys[i] = k

	t.root.Values = append(t.root.Values, nil)
	copy(t.root.Values[i+1:], t.root.Values[i:])
	t.root.Values[i] = value

	t.dirty = true
}

// Delete removes the record at k, if present.
func (t *BTree) Delete(k Key) error {
	i := t.find(k)
	if i >= len(t.root.Keys) || !t.root.Keys[i].Equal(k) {
		return kerrors.NewFsError("delete", "", kerrors.NotFound)
	}
	t.root.Keys = append(t.root.Keys[:i], t.root.Keys[i+1:]...)
	t.root.Values = append(t.root.Values[:i], t.root.Values[i+1:]...)
	t.dirty = true
	return nil
}

// RangeLookup returns all keys (not their values) with Kind == kind and
// Primary == primary, in Secondary order — how a directory's entries or
// an inode's extents are enumerated.
func (t *BTree) RangeLookup(kind KeyKind, primary uint64) []Key {
	var out []Key
	for _, k := range t.root.Keys {
		if k.Kind == kind && k.Primary == primary {
			out = append(out, k)
		}
	}
	return out
}

// FloorLookup returns the key with the largest Secondary value that is
// <= target among keys matching (kind, primary) — the "key with the
// largest file_offset <= offset" rule spec §4.14 reads use to locate
// the extent covering a byte offset.
func (t *BTree) FloorLookup(kind KeyKind, primary uint64, target uint64) (Key, []byte, error) {
	var best *Key
	var bestValue []byte
	for i, k := range t.root.Keys {
		if k.Kind != kind || k.Primary != primary || k.Secondary > target {
			continue
		}
		if best == nil || k.Secondary > best.Secondary {
			kk := k
			best = &kk
			bestValue = t.root.Values[i]
		}
	}
	if best == nil {
		return Key{}, nil, kerrors.NewFsError("floor_lookup", "", kerrors.NotFound)
	}
	return *best, bestValue, nil
}

// Dirty reports whether the tree has unflushed mutations.
func (t *BTree) Dirty() bool { return t.dirty }

// Flush persists the root node through the store (CoW: a fresh
// location every call) and returns its new TreeRef. This is TxG commit
// steps 1-3 for a single-node tree: allocate, serialize+checksum+write,
// and since there's no parent above the root, "walking up" is a no-op.
func (t *BTree) Flush() (TreeRef, error) {
	ref, err := t.store.WriteNode(t.root)
	if err != nil {
		return TreeRef{}, err
	}
	t.dirty = false
	return ref, nil
}
