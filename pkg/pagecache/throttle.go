// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package pagecache

import (
	"runtime"
	"sync"
	"sync/atomic"
)

// Throttle enforces the dirty-page limits spec §4.13 defines: 10% of a
// filesystem's configured cache pages, 20% of total RAM pages globally.
// On each mark-dirty that would cross either limit, the caller cedes the
// CPU briefly and a counter increments.
type Throttle struct {
	mu           sync.Mutex
	perFsPages   map[string]int // configured cache page count, per filesystem
	perFsDirty   map[string]int
	totalRAMPages int
	globalDirty  atomic.Int64
	throttled    atomic.Uint64
}

func NewThrottle(totalRAMPages int) *Throttle {
	return &Throttle{
		perFsPages: make(map[string]int),
		perFsDirty: make(map[string]int),
		totalRAMPages: totalRAMPages,
	}
}

// ConfigureFs records fs's cache page budget, which its 10% per-fs limit
// is computed from.
func (t *Throttle) ConfigureFs(fs string, cachePages int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.perFsPages[fs] = cachePages
}

// MarkDirty records one more dirty page for fs, ceding the CPU if either
// the per-fs 10% limit or the global 20% limit would be exceeded.
// Returns true if throttling occurred.
func (t *Throttle) MarkDirty(fs string) bool {
	t.mu.Lock()
	t.perFsDirty[fs]++
	fsDirty := t.perFsDirty[fs]
	fsLimit := t.perFsPages[fs] / 10
	t.mu.Unlock()

	global := t.globalDirty.Add(1)
	globalLimit := int64(t.totalRAMPages) / 5

	exceeded := (fsLimit > 0 && fsDirty > fsLimit) || (globalLimit > 0 && global > globalLimit)
	if exceeded {
		t.throttled.Add(1)
		runtime.Gosched()
	}
	return exceeded
}

// ClearDirty releases one dirty page for fs, run once it has been
// written back.
func (t *Throttle) ClearDirty(fs string) {
	t.mu.Lock()
	if t.perFsDirty[fs] > 0 {
		t.perFsDirty[fs]--
	}
	t.mu.Unlock()
	if v := t.globalDirty.Add(-1); v < 0 {
		t.globalDirty.Store(0)
	}
}

// ThrottledCount reports how many MarkDirty calls triggered throttling.
func (t *Throttle) ThrottledCount() uint64 { return t.throttled.Load() }
