// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package paging_test

import (
	"testing"

	"github.com/go-logr/logr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/melloos/kernel/pkg/mm/paging"
	"github.com/melloos/kernel/pkg/mm/pmm"
)

func newSystem(t *testing.T, numFrames uint64) (*paging.System, *pmm.Allocator) {
	t.Helper()
	usable := []pmm.Range{{Start: 0, Frames: numFrames}}
	alloc := pmm.New(logr.Discard(), numFrames, usable, pmm.Range{}, pmm.Range{})
	return paging.NewSystem(logr.Discard(), alloc), alloc
}

// TestP1MapTranslateUnmap verifies P1: a mapped page translates to the
// frame it was mapped with, and is unmapped cleanly.
func TestP1MapTranslateUnmap(t *testing.T) {
	sys, alloc := newSystem(t, 256)
	as, err := sys.NewAddressSpace()
	require.NoError(t, err)

	data, ok := alloc.AllocFrame()
	require.True(t, ok)

	const vaddr = 0x0000_1234_5000
	require.NoError(t, as.MapPage(vaddr, data, paging.Present|paging.Writable|paging.User))

	got, flags, ok := as.Translate(vaddr)
	require.True(t, ok)
	assert.Equal(t, data, got)
	assert.NotZero(t, flags&paging.Writable)

	require.NoError(t, as.UnmapPage(vaddr))
	_, _, ok = as.Translate(vaddr)
	assert.False(t, ok)
}

func TestTranslateUnmappedFails(t *testing.T) {
	sys, _ := newSystem(t, 64)
	as, err := sys.NewAddressSpace()
	require.NoError(t, err)

	_, _, ok := as.Translate(0x7fff_0000_1000)
	assert.False(t, ok)
}

// TestKernelHalfSharedAcrossAddressSpaces verifies that a kernel mapping
// installed via MapKernelPage is visible from address spaces created
// both before and after the call.
func TestKernelHalfSharedAcrossAddressSpaces(t *testing.T) {
	sys, alloc := newSystem(t, 256)
	before, err := sys.NewAddressSpace()
	require.NoError(t, err)

	kframe, ok := alloc.AllocFrame()
	require.True(t, ok)

	const kvaddr = uint64(0xFFFF_8000_0010_0000)
	require.NoError(t, sys.MapKernelPage(kvaddr, kframe, paging.Present|paging.Writable|paging.Global))

	after, err := sys.NewAddressSpace()
	require.NoError(t, err)

	for name, as := range map[string]*paging.AddressSpace{"before": before, "after": after} {
		got, _, ok := as.Translate(kvaddr)
		require.True(t, ok, name)
		assert.Equal(t, kframe, got, name)
	}
}

// TestCloneSharesLeavesReadOnlyAndRefcounts verifies the COW clone
// contract: both parent and child translate the shared data frame to the
// same physical frame, both leaves are write-protected, and the
// refcount table reflects two owners.
func TestCloneSharesLeavesReadOnlyAndRefcounts(t *testing.T) {
	sys, alloc := newSystem(t, 256)
	parent, err := sys.NewAddressSpace()
	require.NoError(t, err)

	data, ok := alloc.AllocFrame()
	require.True(t, ok)

	const vaddr = 0x0000_2000_0000
	require.NoError(t, parent.MapPage(vaddr, data, paging.Present|paging.Writable|paging.User))

	child, err := parent.ClonePageTableHierarchy()
	require.NoError(t, err)

	parentFrame, parentFlags, ok := parent.Translate(vaddr)
	require.True(t, ok)
	childFrame, childFlags, ok := child.Translate(vaddr)
	require.True(t, ok)

	assert.Equal(t, data, parentFrame)
	assert.Equal(t, data, childFrame)
	assert.Zero(t, parentFlags&paging.Writable, "parent leaf must be write-protected after clone")
	assert.Zero(t, childFlags&paging.Writable, "child leaf must be write-protected after clone")
	assert.EqualValues(t, 2, sys.Refcount().Count(data))
}

func TestCloneIsIndependentForFutureMappings(t *testing.T) {
	sys, alloc := newSystem(t, 256)
	parent, err := sys.NewAddressSpace()
	require.NoError(t, err)

	child, err := parent.ClonePageTableHierarchy()
	require.NoError(t, err)

	data, ok := alloc.AllocFrame()
	require.True(t, ok)

	const vaddr = 0x0000_3000_0000
	require.NoError(t, parent.MapPage(vaddr, data, paging.Present|paging.Writable|paging.User))

	_, _, ok = child.Translate(vaddr)
	assert.False(t, ok, "mapping added to parent after clone must not appear in child")
}
