// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

// Package pagecache implements the buffer/page cache, writeback
// coalescing, and dirty-page throttling between the VFS/MelloFS layer
// and the block device queue (spec §4.13).
package pagecache

import "sync"

const (
	BufferSize     = 4096
	MaxBuffers     = 512
)

// BufferKey identifies one 4 KiB metadata buffer by its owning device and
// block number.
type BufferKey struct {
	Device string
	Block  uint64
}

// Buffer is one cache slot: the data itself plus the valid/dirty flags
// and LRU stamp the eviction policy needs (spec §4.13).
type Buffer struct {
	Key        BufferKey
	Data       [BufferSize]byte
	Valid      bool
	Dirty      bool
	lastAccess int64 // logical clock, not wall time (see BufferCache.clock)
}

// BufferCache is a fixed-size (≤512 entries), hash-keyed buffer cache
// with LRU eviction: get_buffer touches the LRU stamp, insert_buffer
// prefers an invalid slot before evicting the coldest valid one (spec
// §4.13).
type BufferCache struct {
	mu      sync.Mutex
	byKey   map[BufferKey]*Buffer
	buffers []*Buffer
	clock   int64
	dirty   int
}

func NewBufferCache() *BufferCache {
	return &BufferCache{byKey: make(map[BufferKey]*Buffer)}
}

func (c *BufferCache) tick() int64 {
	c.clock++
	return c.clock
}

// Get returns the buffer for key if cached, touching its LRU stamp.
func (c *BufferCache) Get(key BufferKey) (*Buffer, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	b, ok := c.byKey[key]
	if ok {
		b.lastAccess = c.tick()
	}
	return b, ok
}

// Insert installs data under key, preferring an invalid (never-used)
// slot if the cache has not yet reached capacity, otherwise evicting the
// coldest valid buffer. The evicted buffer, if dirty, is returned so the
// caller can write it back before its data is discarded.
func (c *BufferCache) Insert(key BufferKey, data []byte) (evicted *Buffer) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if existing, ok := c.byKey[key]; ok {
		copy(existing.Data[:], data)
		existing.Valid = true
		existing.lastAccess = c.tick()
		return nil
	}

	var slot *Buffer
	if len(c.buffers) < MaxBuffers {
		slot = &Buffer{Key: key}
		c.buffers = append(c.buffers, slot)
	} else {
		coldest := c.buffers[0]
		for _, b := range c.buffers[1:] {
			if b.lastAccess < coldest.lastAccess {
				coldest = b
			}
		}
		if coldest.Dirty {
			evicted = &Buffer{Key: coldest.Key, Data: coldest.Data, Dirty: true}
		}
		delete(c.byKey, coldest.Key)
		if coldest.Dirty {
			c.dirty--
		}
		slot = coldest
		*slot = Buffer{Key: key}
	}

	copy(slot.Data[:], data)
	slot.Valid = true
	slot.lastAccess = c.tick()
	c.byKey[key] = slot
	return evicted
}

// MarkDirty flags key's buffer dirty, updating the dirty counter the
// throttle reads.
func (c *BufferCache) MarkDirty(key BufferKey) {
	c.mu.Lock()
	defer c.mu.Unlock()
	b, ok := c.byKey[key]
	if !ok || b.Dirty {
		return
	}
	b.Dirty = true
	c.dirty++
}

// ClearDirty is called once a dirty buffer has been written back.
func (c *BufferCache) ClearDirty(key BufferKey) {
	c.mu.Lock()
	defer c.mu.Unlock()
	b, ok := c.byKey[key]
	if !ok || !b.Dirty {
		return
	}
	b.Dirty = false
	c.dirty--
}

// Counts returns (total buffers in use, dirty buffers) for the throttle.
func (c *BufferCache) Counts() (total, dirty int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.buffers), c.dirty
}
