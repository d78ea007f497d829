// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package pagecache

import (
	"sort"
	"sync"
	"time"
)

const (
	minBatchBytes = 128 * 1024
	maxBatchBytes = 1024 * 1024
	flushDeadline = 30 * time.Second
)

// DirtyPage is one dirty page pending writeback, identified by its
// owning inode and page number within that inode.
type DirtyPage struct {
	Ino        uint64
	PageNumber uint64
	Data       []byte
	markedAt   time.Time
}

// Batch is a coalesced run of adjacent dirty pages for one inode, at most
// maxBatchBytes (spec §4.13). No minimum size is enforced: minBatchBytes
// is not consulted, and a batch ends at a gap in page numbers or at the
// inode's last dirty page however small it is.
type Batch struct {
	Ino   uint64
	Pages []DirtyPage
}

func (b Batch) Bytes() int {
	n := 0
	for _, p := range b.Pages {
		n += len(p.Data)
	}
	return n
}

// Flusher is the single background goroutine that coalesces and drains
// dirty pages. FlushFn performs the actual I/O (typically a
// blockdev.Queue.Submit per coalesced batch); it is injected so this
// package has no dependency on pkg/blockdev.
type FlushFn func(Batch) error

type Flusher struct {
	mu      sync.Mutex
	dirty   map[uint64][]DirtyPage // by ino
	flush   FlushFn
	stop    chan struct{}
	wg      sync.WaitGroup
}

func NewFlusher(flush FlushFn) *Flusher {
	return &Flusher{dirty: make(map[uint64][]DirtyPage), flush: flush, stop: make(chan struct{})}
}

// MarkDirty records page as dirty, pending writeback.
func (f *Flusher) MarkDirty(page DirtyPage) {
	f.mu.Lock()
	defer f.mu.Unlock()
	page.markedAt = time.Now()
	f.dirty[page.Ino] = append(f.dirty[page.Ino], page)
}

// Run drives the flusher until Stop is called: every interval it flushes
// any inode whose oldest dirty page has aged past flushDeadline. This is
// the "single flusher thread" spec §4.13 requires.
func (f *Flusher) Run(interval time.Duration) {
	f.wg.Add(1)
	go func() {
		defer f.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				f.flushAged()
			case <-f.stop:
				return
			}
		}
	}()
}

func (f *Flusher) Stop() {
	close(f.stop)
	f.wg.Wait()
}

func (f *Flusher) flushAged() {
	now := time.Now()
	f.mu.Lock()
	var aged []uint64
	for ino, pages := range f.dirty {
		if len(pages) > 0 && now.Sub(pages[0].markedAt) >= flushDeadline {
			aged = append(aged, ino)
		}
	}
	f.mu.Unlock()

	for _, ino := range aged {
		f.FlushInode(ino)
	}
}

// Sync forces an immediate flush of every dirty inode, system-wide (spec:
// "a sync forces immediate flush across the whole system").
func (f *Flusher) Sync() error {
	f.mu.Lock()
	var inos []uint64
	for ino := range f.dirty {
		inos = append(inos, ino)
	}
	f.mu.Unlock()

	for _, ino := range inos {
		if err := f.FlushInode(ino); err != nil {
			return err
		}
	}
	return nil
}

// FlushInode coalesces ino's dirty pages into adjacent-page batches of
// at most maxBatchBytes and flushes each through FlushFn, removing
// successfully flushed pages from the dirty set.
func (f *Flusher) FlushInode(ino uint64) error {
	f.mu.Lock()
	pages := f.dirty[ino]
	delete(f.dirty, ino)
	f.mu.Unlock()

	if len(pages) == 0 {
		return nil
	}
	sort.Slice(pages, func(i, j int) bool { return pages[i].PageNumber < pages[j].PageNumber })

	batches := coalesce(ino, pages)
	for i, batch := range batches {
		if err := f.flush(batch); err != nil {
			f.mu.Lock()
			for _, unflushed := range batches[i:] {
				f.dirty[ino] = append(f.dirty[ino], unflushed.Pages...)
			}
			f.mu.Unlock()
			return err
		}
	}
	return nil
}

// coalesce groups sorted, adjacent-by-page-number pages for one inode
// into batches capped at maxBatchBytes; a batch also ends at any gap in
// page numbers, so batches below minBatchBytes occur at every gap as well
// as at the tail end.
func coalesce(ino uint64, pages []DirtyPage) []Batch {
	var batches []Batch
	var current Batch
	current.Ino = ino

	flushCurrent := func() {
		if len(current.Pages) > 0 {
			batches = append(batches, current)
			current = Batch{Ino: ino}
		}
	}

	for i, p := range pages {
		adjacent := i == 0 || p.PageNumber == pages[i-1].PageNumber+1
		if !adjacent || current.Bytes()+len(p.Data) > maxBatchBytes {
			flushCurrent()
		}
		current.Pages = append(current.Pages, p)
	}
	flushCurrent()
	return batches
}
