// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package mellofs

import (
	"sort"
	"sync"

	"github.com/melloos/kernel/pkg/kerrors"
)

// Extent is a contiguous run of free blocks, start_lba -> length (spec
// §4.14 space allocator). Free extents are kept in memory only, in
// FreeExtentTree; they are not written into the allocator B-tree on
// commit, and Mount does not read them back from it.
type Extent struct {
	Start  uint64
	Length uint64
}

func (e Extent) End() uint64 { return e.Start + e.Length }

// AllocPolicy selects how FreeExtentTree.Alloc picks among candidate
// free extents.
type AllocPolicy int

const (
	FirstFit AllocPolicy = iota
	BestFit
)

// FreeExtentTree tracks free space as an ordered set of non-overlapping
// extents, coalescing abutting ranges on free. Delayed-allocation
// reservations reduce the reported free-block count immediately while
// deferring the actual extent carve-out to commit time (spec §4.14:
// "delayed allocation... reduces the free count immediately, defers
// physical placement to commit").
type FreeExtentTree struct {
	mu       sync.Mutex
	extents  []Extent // sorted by Start, non-overlapping, non-adjacent
	reserved uint64   // blocks reserved but not yet carved out
}

func NewFreeExtentTree(total Extent) *FreeExtentTree {
	return &FreeExtentTree{extents: []Extent{total}}
}

// Reserve records a delayed-allocation reservation of n blocks without
// choosing a physical location yet. It fails if fewer than n blocks are
// free overall.
func (t *FreeExtentTree) Reserve(n uint64) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.freeLocked() < n {
		return kerrors.NewFsError("reserve", "", kerrors.IoError)
	}
	t.reserved += n
	return nil
}

// Alloc carves out n contiguous blocks from a previously reserved
// extent, choosing among candidates per policy, and removes the
// reservation. It's the "defers physical placement to commit" half of
// delayed allocation: called during TxG.Commit's step 1.
func (t *FreeExtentTree) Alloc(n uint64, policy AllocPolicy) (Extent, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	idx := -1
	for i, e := range t.extents {
		if e.Length < n {
			continue
		}
		if idx == -1 {
			idx = i
			if policy == FirstFit {
				break
			}
			continue
		}
		if policy == BestFit && t.extents[i].Length < t.extents[idx].Length {
			idx = i
		}
	}
	if idx == -1 {
		return Extent{}, kerrors.NewFsError("alloc", "", kerrors.IoError)
	}

	e := t.extents[idx]
	alloc := Extent{Start: e.Start, Length: n}
	remainder := Extent{Start: e.Start + n, Length: e.Length - n}

	if remainder.Length == 0 {
		t.extents = append(t.extents[:idx], t.extents[idx+1:]...)
	} else {
		t.extents[idx] = remainder
	}
	if t.reserved >= n {
		t.reserved -= n
	} else {
		t.reserved = 0
	}
	return alloc, nil
}

// carveExact removes the exact range [start, start+length) from the
// free list, splitting whichever extent contains it. Used at mount time
// to exclude blocks a tree's own nodes already occupy, as opposed to
// Alloc's first-fit/best-fit choice among candidates.
func (t *FreeExtentTree) carveExact(start, length uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()

	want := Extent{Start: start, Length: length}
	for i, e := range t.extents {
		if want.Start < e.Start || want.End() > e.End() {
			continue
		}
		before := Extent{Start: e.Start, Length: want.Start - e.Start}
		after := Extent{Start: want.End(), Length: e.End() - want.End()}

		replacement := make([]Extent, 0, 2)
		if before.Length > 0 {
			replacement = append(replacement, before)
		}
		if after.Length > 0 {
			replacement = append(replacement, after)
		}
		t.extents = append(t.extents[:i], append(replacement, t.extents[i+1:]...)...)
		return
	}
}

// Free returns e to the pool, coalescing with any abutting extents.
func (t *FreeExtentTree) Free(e Extent) {
	t.mu.Lock()
	defer t.mu.Unlock()

	i := sort.Search(len(t.extents), func(i int) bool { return t.extents[i].Start >= e.Start })
	t.extents = append(t.extents, Extent{})
	copy(t.extents[i+1:], t.extents[i:])
	t.extents[i] = e

	// coalesce with the following neighbor
	if i+1 < len(t.extents) && t.extents[i].End() == t.extents[i+1].Start {
		t.extents[i].Length += t.extents[i+1].Length
		t.extents = append(t.extents[:i+1], t.extents[i+2:]...)
	}
	// coalesce with the preceding neighbor
	if i > 0 && t.extents[i-1].End() == t.extents[i].Start {
		t.extents[i-1].Length += t.extents[i].Length
		t.extents = append(t.extents[:i], t.extents[i+1:]...)
	}
}

func (t *FreeExtentTree) freeLocked() uint64 {
	var total uint64
	for _, e := range t.extents {
		total += e.Length
	}
	if total < t.reserved {
		return 0
	}
	return total - t.reserved
}

// FreeBlocks reports the number of blocks still available for reservation
// (total free minus already-reserved).
func (t *FreeExtentTree) FreeBlocks() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.freeLocked()
}

// Extents returns a snapshot of the current free-extent list, ordered
// by start LBA. Nothing in this package writes it to disk.
func (t *FreeExtentTree) Extents() []Extent {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Extent, len(t.extents))
	copy(out, t.extents)
	return out
}
