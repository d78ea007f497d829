// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package vfs

import (
	"container/list"
	"hash/fnv"
	"sync"
)

const (
	dentryBuckets    = 256
	dentryBucketSize = 16
)

// Dentry is one cache entry: a (parent inode id, name) key whose value is
// either a child inode (positive) or a negative marker recording a known
// failed lookup (spec: "Negative dentries accelerate repeated failed
// lookups"). Parent points back to the owning Dentry for `..`
// resolution. It is an ordinary Go pointer: a mount root's Parent is the
// root itself, and the resolver resets Parent on every cache hit.
type Dentry struct {
	ParentIno uint64
	Name      string
	Ino       uint64 // 0 for a negative entry
	Negative  bool
	Inode     Inode
	Parent    *Dentry
}

type bucketEntry struct {
	key   dentryKey
	entry *Dentry
}

type dentryKey struct {
	parentIno uint64
	name      string
}

func fnv1aHash(parentIno uint64, name string) uint32 {
	h := fnv.New32a()
	var buf [8]byte
	for i := 0; i < 8; i++ {
		buf[i] = byte(parentIno >> (8 * i))
	}
	h.Write(buf[:])
	h.Write([]byte(name))
	return h.Sum32()
}

// DentryCache is the VFS's name-resolution cache: 256 FNV-1a buckets,
// each an LRU list capped at 16 entries (spec §4.12). A directory
// mutation invalidates every entry keyed by that directory's inode id,
// which the cache tracks via a secondary parent index so invalidation
// never has to scan every bucket.
type DentryCache struct {
	mu       sync.Mutex
	buckets  [dentryBuckets]*list.List // each element is *bucketEntry
	byParent map[uint64]map[*list.Element]struct{}
}

func NewDentryCache() *DentryCache {
	c := &DentryCache{byParent: make(map[uint64]map[*list.Element]struct{})}
	for i := range c.buckets {
		c.buckets[i] = list.New()
	}
	return c
}

func (c *DentryCache) bucketFor(parentIno uint64, name string) *list.List {
	return c.buckets[fnv1aHash(parentIno, name)%dentryBuckets]
}

// Lookup returns the cached Dentry for (parentIno, name), touching it to
// the front of its bucket's LRU list. The second return is false on a
// cache miss; callers distinguish a negative hit from a miss via
// Dentry.Negative.
func (c *DentryCache) Lookup(parentIno uint64, name string) (*Dentry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	bucket := c.bucketFor(parentIno, name)
	for e := bucket.Front(); e != nil; e = e.Next() {
		be := e.Value.(*bucketEntry)
		if be.key.parentIno == parentIno && be.key.name == name {
			bucket.MoveToFront(e)
			return be.entry, true
		}
	}
	return nil, false
}

// Insert adds or replaces the cache entry for (d.ParentIno, d.Name),
// evicting the bucket's least-recently-used entry if it is already at
// capacity. Insertion only ever touches the one matching bucket (spec
// invariant).
func (c *DentryCache) Insert(d *Dentry) {
	c.mu.Lock()
	defer c.mu.Unlock()

	key := dentryKey{d.ParentIno, d.Name}
	bucket := c.bucketFor(d.ParentIno, d.Name)

	for e := bucket.Front(); e != nil; e = e.Next() {
		be := e.Value.(*bucketEntry)
		if be.key == key {
			be.entry = d
			bucket.MoveToFront(e)
			return
		}
	}

	if bucket.Len() >= dentryBucketSize {
		back := bucket.Back()
		evicted := back.Value.(*bucketEntry)
		c.removeFromParentIndex(evicted.key.parentIno, back)
		bucket.Remove(back)
	}

	elem := bucket.PushFront(&bucketEntry{key: key, entry: d})
	c.addToParentIndex(d.ParentIno, elem)
}

// InvalidateParent drops every cached entry keyed by parentIno — run on
// any mutation (create/unlink/rename) of that directory (spec:
// "a directory mutation invalidates all of its parent_inode key").
func (c *DentryCache) InvalidateParent(parentIno uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	elems := c.byParent[parentIno]
	for elem := range elems {
		be := elem.Value.(*bucketEntry)
		bucket := c.bucketFor(be.key.parentIno, be.key.name)
		bucket.Remove(elem)
	}
	delete(c.byParent, parentIno)
}

func (c *DentryCache) addToParentIndex(parentIno uint64, elem *list.Element) {
	set, ok := c.byParent[parentIno]
	if !ok {
		set = make(map[*list.Element]struct{})
		c.byParent[parentIno] = set
	}
	set[elem] = struct{}{}
}

func (c *DentryCache) removeFromParentIndex(parentIno uint64, elem *list.Element) {
	if set, ok := c.byParent[parentIno]; ok {
		delete(set, elem)
		if len(set) == 0 {
			delete(c.byParent, parentIno)
		}
	}
}
