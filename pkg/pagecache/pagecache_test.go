// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package pagecache

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestBufferCacheInsertAndGet(t *testing.T) {
	c := NewBufferCache()
	key := BufferKey{Device: "disk0", Block: 1}
	data := make([]byte, BufferSize)
	data[0] = 0x7F

	require.Nil(t, c.Insert(key, data))
	b, ok := c.Get(key)
	require.True(t, ok)
	require.True(t, b.Valid)
	require.Equal(t, byte(0x7F), b.Data[0])
}

func TestBufferCacheEvictsColdestWhenFull(t *testing.T) {
	c := NewBufferCache()
	data := make([]byte, BufferSize)

	for i := 0; i < MaxBuffers; i++ {
		key := BufferKey{Device: "disk0", Block: uint64(i)}
		c.Insert(key, data)
	}
	// touch block 1 so it's no longer the coldest
	c.Get(BufferKey{Device: "disk0", Block: 1})

	evicted := c.Insert(BufferKey{Device: "disk0", Block: uint64(MaxBuffers)}, data)
	_, stillCached := c.Get(BufferKey{Device: "disk0", Block: 0})
	require.False(t, stillCached, "coldest (block 0) should have been evicted")
	require.Nil(t, evicted, "evicted buffer was not dirty, so nothing needs writeback")
}

func TestBufferCacheDirtyTracking(t *testing.T) {
	c := NewBufferCache()
	key := BufferKey{Device: "disk0", Block: 1}
	c.Insert(key, make([]byte, BufferSize))

	c.MarkDirty(key)
	total, dirty := c.Counts()
	require.Equal(t, 1, total)
	require.Equal(t, 1, dirty)

	c.ClearDirty(key)
	_, dirty = c.Counts()
	require.Equal(t, 0, dirty)
}

func TestFlusherCoalescesAdjacentPages(t *testing.T) {
	var mu sync.Mutex
	var flushed []Batch
	f := NewFlusher(func(b Batch) error {
		mu.Lock()
		flushed = append(flushed, b)
		mu.Unlock()
		return nil
	})

	for i := uint64(0); i < 4; i++ {
		f.MarkDirty(DirtyPage{Ino: 1, PageNumber: i, Data: make([]byte, 4096)})
	}
	require.NoError(t, f.FlushInode(1))

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, flushed, 1, "four adjacent pages coalesce into one batch")
	require.Len(t, flushed[0].Pages, 4)
}

func TestFlusherSplitsNonAdjacentPages(t *testing.T) {
	var flushed []Batch
	f := NewFlusher(func(b Batch) error {
		flushed = append(flushed, b)
		return nil
	})

	f.MarkDirty(DirtyPage{Ino: 1, PageNumber: 0, Data: make([]byte, 4096)})
	f.MarkDirty(DirtyPage{Ino: 1, PageNumber: 5, Data: make([]byte, 4096)})
	require.NoError(t, f.FlushInode(1))

	require.Len(t, flushed, 2, "a gap in page numbers starts a new batch")
}

func TestFlusherSyncFlushesAllInodes(t *testing.T) {
	var mu sync.Mutex
	seen := map[uint64]bool{}
	f := NewFlusher(func(b Batch) error {
		mu.Lock()
		seen[b.Ino] = true
		mu.Unlock()
		return nil
	})

	f.MarkDirty(DirtyPage{Ino: 1, PageNumber: 0, Data: []byte{1}})
	f.MarkDirty(DirtyPage{Ino: 2, PageNumber: 0, Data: []byte{2}})
	require.NoError(t, f.Sync())

	require.True(t, seen[1])
	require.True(t, seen[2])
}

func TestFlusherRetainsPagesOnFlushError(t *testing.T) {
	boom := require.New(t)
	attempt := 0
	f := NewFlusher(func(b Batch) error {
		attempt++
		if attempt == 1 {
			return assertErr
		}
		return nil
	})
	f.MarkDirty(DirtyPage{Ino: 1, PageNumber: 0, Data: []byte{1}})
	boom.Error(f.FlushInode(1))
	boom.NoError(f.FlushInode(1), "retry should still see the page that failed to flush")
	boom.Equal(2, attempt)
}

var assertErr = &flushErr{}

type flushErr struct{}

func (*flushErr) Error() string { return "simulated flush failure" }

func TestThrottleEnforcesPerFsLimit(t *testing.T) {
	th := NewThrottle(1000)
	th.ConfigureFs("root", 100) // limit = 10 dirty pages

	var throttled bool
	for i := 0; i < 15; i++ {
		if th.MarkDirty("root") {
			throttled = true
		}
	}
	require.True(t, throttled)
	require.Greater(t, th.ThrottledCount(), uint64(0))
}

func TestThrottleClearDirtyReducesCounters(t *testing.T) {
	th := NewThrottle(1000)
	th.ConfigureFs("root", 1000)
	th.MarkDirty("root")
	th.ClearDirty("root")
	require.False(t, th.MarkDirty("root"), "after clearing, a single dirty page should not throttle")
}

func TestFlusherRunStopsCleanly(t *testing.T) {
	f := NewFlusher(func(Batch) error { return nil })
	f.Run(5 * time.Millisecond)
	time.Sleep(10 * time.Millisecond)
	f.Stop()
}
