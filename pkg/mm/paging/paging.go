// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

// Package paging implements the four-level x86_64-shaped page table
// hierarchy (spec §4.2): 48-bit virtual addresses, 512-entry tables at
// each of 4 levels, a higher-half split at PML4 index 256 so the kernel
// upper half is never duplicated across address spaces, and copy-on-write
// preparation via a shared page-refcount table.
package paging

import (
	"encoding/binary"

	"github.com/go-logr/logr"

	"github.com/melloos/kernel/pkg/kerrors"
	"github.com/melloos/kernel/pkg/ksync"
	"github.com/melloos/kernel/pkg/mm/pmm"
)

const (
	entriesPerTable = 512
	pageShift       = 12
	levelBits       = 9
	// HigherHalfPML4Index is the PML4 index at which the kernel's HHDM and
	// kernel image live; every address space shares these entries.
	HigherHalfPML4Index = 256
)

// Flags mirrors the x86_64 PTE/PDE flag bits the spec names (spec §3 Page
// Table Hierarchy): present, writable, user, no-execute, accessed, dirty,
// global.
type Flags uint64

const (
	Present   Flags = 1 << 0
	Writable  Flags = 1 << 1
	User      Flags = 1 << 2
	Accessed  Flags = 1 << 5
	Dirty     Flags = 1 << 6
	Global    Flags = 1 << 8
	NoExecute Flags = 1 << 63

	frameMask = 0x000f_ffff_ffff_f000
)

// table is a page table's 4 KiB backing frame, viewed as 512 8-byte
// little-endian entries in place — reads and writes go straight through
// to the underlying pmm arena bytes.
type table []byte

func (t table) get(idx int) uint64 {
	return binary.LittleEndian.Uint64(t[idx*8 : idx*8+8])
}

func (t table) set(idx int, v uint64) {
	binary.LittleEndian.PutUint64(t[idx*8:idx*8+8], v)
}

func asTable(b []byte) table { return table(b) }

func entry(f pmm.Frame, flags Flags) uint64 {
	return (uint64(f) << pageShift) | uint64(flags&^frameMask)
}

func entryFrame(e uint64) pmm.Frame {
	return pmm.Frame((e & frameMask) >> pageShift)
}

func entryFlags(e uint64) Flags {
	return Flags(e &^ frameMask)
}

func entryPresent(e uint64) bool {
	return e&uint64(Present) != 0
}

// indices splits a 48-bit virtual address into its four 9-bit table
// indices (PML4, PDPT, PD, PT) plus the 12-bit page offset.
func indices(vaddr uint64) (pml4, pdpt, pd, pt int) {
	pml4 = int((vaddr >> (pageShift + 3*levelBits)) & 0x1FF)
	pdpt = int((vaddr >> (pageShift + 2*levelBits)) & 0x1FF)
	pd = int((vaddr >> (pageShift + 1*levelBits)) & 0x1FF)
	pt = int((vaddr >> pageShift) & 0x1FF)
	return
}

// PageRefcountTable maps a physical page to the number of page tables
// mapping it, used to decide whether a COW write fault must clone the
// page (count >= 2) or may simply remark it writable (count == 1).
type PageRefcountTable struct {
	mu    ksync.SpinLock
	count map[pmm.Frame]uint32
}

func NewPageRefcountTable() *PageRefcountTable {
	return &PageRefcountTable{count: make(map[pmm.Frame]uint32)}
}

func (t *PageRefcountTable) Inc(f pmm.Frame) uint32 {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.count[f]++
	return t.count[f]
}

func (t *PageRefcountTable) Dec(f pmm.Frame) uint32 {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.count[f] == 0 {
		return 0
	}
	t.count[f]--
	c := t.count[f]
	if c == 0 {
		delete(t.count, f)
	}
	return c
}

func (t *PageRefcountTable) Count(f pmm.Frame) uint32 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.count[f]
}

// System owns the PMM backing the page table frames and the single
// shared kernel upper half every address space's PML4[256:512] is
// seeded from, satisfying "kernel-half mappings identical in every
// process's root" (spec §3 invariant).
type System struct {
	pmm      *pmm.Allocator
	refcount *PageRefcountTable
	log      logr.Logger

	mu            ksync.SpinLock
	kernelEntries [entriesPerTable - HigherHalfPML4Index]uint64
}

func NewSystem(log logr.Logger, alloc *pmm.Allocator) *System {
	return &System{
		pmm:      alloc,
		refcount: NewPageRefcountTable(),
		log:      log.WithName("paging"),
	}
}

func (s *System) Refcount() *PageRefcountTable { return s.refcount }

// AddressSpace is a process's page-table handle: the physical frame of
// its PML4 root.
type AddressSpace struct {
	sys  *System
	Root pmm.Frame
}

// NewAddressSpace allocates a fresh root table and seeds its upper half
// from the system's shared kernel entries — by value, so no subtree is
// duplicated, only 256 pointer-sized entries are copied, exactly as real
// kernels do.
func (s *System) NewAddressSpace() (*AddressSpace, error) {
	root, ok := s.pmm.AllocFrame()
	if !ok {
		return nil, kerrors.New("paging: out of memory allocating root table")
	}
	as := &AddressSpace{sys: s, Root: root}
	s.mu.Lock()
	s.seedKernelHalf(root)
	s.mu.Unlock()
	return as, nil
}

func (s *System) seedKernelHalf(root pmm.Frame) {
	t := asTable(s.pmm.Bytes(root))
	for i, v := range s.kernelEntries {
		t.set(HigherHalfPML4Index+i, v)
	}
}

// MapKernelPage installs a mapping visible from every address space's
// upper half, then propagates it into the shared template so address
// spaces created afterward — and any already-created — inherit it (spec
// §4.2).
func (s *System) MapKernelPage(vaddr uint64, f pmm.Frame, flags Flags) error {
	pml4Idx, _, _, _ := indices(vaddr)
	if pml4Idx < HigherHalfPML4Index {
		return kerrors.New("paging: kernel mapping must be in the upper half")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	scratch, ok := s.pmm.AllocFrame()
	if !ok {
		return kerrors.New("paging: out of memory")
	}
	t := asTable(s.pmm.Bytes(scratch))
	for i, v := range s.kernelEntries {
		t.set(HigherHalfPML4Index+i, v)
	}
	if err := s.mapInto(scratch, vaddr, f, flags); err != nil {
		return err
	}
	for i := range s.kernelEntries {
		s.kernelEntries[i] = t.get(HigherHalfPML4Index + i)
	}
	return nil
}

// MapPage installs a leaf entry for vaddr -> f with flags, allocating
// intermediate tables as needed (spec §4.2).
func (as *AddressSpace) MapPage(vaddr uint64, f pmm.Frame, flags Flags) error {
	if err := as.sys.mapInto(as.Root, vaddr, f, flags); err != nil {
		return err
	}
	pml4Idx, _, _, _ := indices(vaddr)
	if pml4Idx >= HigherHalfPML4Index {
		as.sys.mu.Lock()
		t := asTable(as.sys.pmm.Bytes(as.Root))
		for i := range as.sys.kernelEntries {
			as.sys.kernelEntries[i] = t.get(HigherHalfPML4Index + i)
		}
		as.sys.mu.Unlock()
	}
	return nil
}

func (s *System) mapInto(root pmm.Frame, vaddr uint64, f pmm.Frame, flags Flags) error {
	pml4Idx, pdptIdx, pdIdx, ptIdx := indices(vaddr)

	pml4 := asTable(s.pmm.Bytes(root))
	pdptFrame, err := s.nextLevel(pml4, pml4Idx)
	if err != nil {
		return err
	}
	pdpt := asTable(s.pmm.Bytes(pdptFrame))
	pdFrame, err := s.nextLevel(pdpt, pdptIdx)
	if err != nil {
		return err
	}
	pd := asTable(s.pmm.Bytes(pdFrame))
	ptFrame, err := s.nextLevel(pd, pdIdx)
	if err != nil {
		return err
	}
	pt := asTable(s.pmm.Bytes(ptFrame))
	pt.set(ptIdx, entry(f, flags|Present))
	return nil
}

// nextLevel returns the child table frame at idx in t, allocating and
// linking a fresh zeroed one if absent.
func (s *System) nextLevel(t table, idx int) (pmm.Frame, error) {
	e := t.get(idx)
	if entryPresent(e) {
		return entryFrame(e), nil
	}
	child, ok := s.pmm.AllocFrame()
	if !ok {
		return 0, kerrors.New("paging: out of memory allocating intermediate table")
	}
	t.set(idx, entry(child, Present|Writable|User))
	return child, nil
}

// UnmapPage clears the leaf entry for vaddr. Callers are responsible for
// arranging a TLB shootdown afterward (spec §4.2, §4.4); a freed frame
// must not be reused until the shootdown completes (spec §5).
func (as *AddressSpace) UnmapPage(vaddr uint64) error {
	_, leaf, err := as.walk(vaddr)
	if err != nil {
		return err
	}
	_, _, _, ptIdx := indices(vaddr)
	leaf.set(ptIdx, 0)
	return nil
}

// Translate walks the hierarchy and returns the mapped physical frame, or
// ok=false if vaddr has no leaf mapping.
func (as *AddressSpace) Translate(vaddr uint64) (pmm.Frame, Flags, bool) {
	e, leaf, err := as.walk(vaddr)
	if err != nil {
		return 0, 0, false
	}
	_ = leaf
	return entryFrame(e), entryFlags(e), true
}

// walk descends PML4->PDPT->PD->PT for vaddr, returning the leaf PTE
// value and the PT itself (for callers that need to mutate it).
func (as *AddressSpace) walk(vaddr uint64) (uint64, table, error) {
	pml4Idx, pdptIdx, pdIdx, ptIdx := indices(vaddr)
	notMapped := kerrors.NewFsError("translate", "", kerrors.InvalidArgument)

	pml4 := asTable(as.sys.pmm.Bytes(as.Root))
	e := pml4.get(pml4Idx)
	if !entryPresent(e) {
		return 0, nil, notMapped
	}
	pdpt := asTable(as.sys.pmm.Bytes(entryFrame(e)))
	e = pdpt.get(pdptIdx)
	if !entryPresent(e) {
		return 0, nil, notMapped
	}
	pd := asTable(as.sys.pmm.Bytes(entryFrame(e)))
	e = pd.get(pdIdx)
	if !entryPresent(e) {
		return 0, nil, notMapped
	}
	pt := asTable(as.sys.pmm.Bytes(entryFrame(e)))
	e = pt.get(ptIdx)
	if !entryPresent(e) {
		return 0, nil, notMapped
	}
	return e, pt, nil
}

// ClonePageTableHierarchy allocates a fresh top level for the child,
// shares the kernel upper half (copied by value, no subtree copy), and
// deep-copies the user lower half: every present user leaf is refcounted
// and remapped read-only in both the parent and the child, preparing
// copy-on-write (spec §4.2).
func (src *AddressSpace) ClonePageTableHierarchy() (*AddressSpace, error) {
	dst, err := src.sys.NewAddressSpace()
	if err != nil {
		return nil, err
	}

	srcPML4 := asTable(src.sys.pmm.Bytes(src.Root))
	dstPML4 := asTable(src.sys.pmm.Bytes(dst.Root))

	for pml4Idx := 0; pml4Idx < HigherHalfPML4Index; pml4Idx++ {
		e := srcPML4.get(pml4Idx)
		if !entryPresent(e) {
			continue
		}
		dstPDPTFrame, err := src.sys.cloneTable(entryFrame(e), 2)
		if err != nil {
			return nil, err
		}
		dstPML4.set(pml4Idx, entry(dstPDPTFrame, entryFlags(e)))
	}
	return dst, nil
}

// cloneTable recursively copies intermediate tables (level 2=PDPT,
// 1=PD, 0=PT) and, at the PT level, refcounts and write-protects the
// shared physical data page in both copies rather than duplicating it.
func (s *System) cloneTable(srcFrame pmm.Frame, level int) (pmm.Frame, error) {
	dstFrame, ok := s.pmm.AllocFrame()
	if !ok {
		return 0, kerrors.New("paging: out of memory cloning page tables")
	}
	srcTable := asTable(s.pmm.Bytes(srcFrame))
	dstTable := asTable(s.pmm.Bytes(dstFrame))

	for i := 0; i < entriesPerTable; i++ {
		e := srcTable.get(i)
		if !entryPresent(e) {
			continue
		}
		if level == 0 {
			dataFrame := entryFrame(e)
			flags := (entryFlags(e) &^ Writable) | Present
			newEntry := entry(dataFrame, flags)
			srcTable.set(i, newEntry)
			dstTable.set(i, newEntry)
			if s.refcount.Count(dataFrame) == 0 {
				s.refcount.Inc(dataFrame) // the parent's existing mapping
			}
			s.refcount.Inc(dataFrame) // the child's new mapping
			continue
		}
		childFrame, err := s.cloneTable(entryFrame(e), level-1)
		if err != nil {
			return 0, err
		}
		dstTable.set(i, entry(childFrame, entryFlags(e)))
	}
	return dstFrame, nil
}
