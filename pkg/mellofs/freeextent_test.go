// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package mellofs

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestFreeExtentTreeAllocFirstFit(t *testing.T) {
	tree := NewFreeExtentTree(Extent{Start: 0, Length: 100})
	require.NoError(t, tree.Reserve(10))

	e, err := tree.Alloc(10, FirstFit)
	require.NoError(t, err)
	require.Equal(t, Extent{Start: 0, Length: 10}, e)
	require.Equal(t, uint64(90), tree.FreeBlocks())
}

func TestFreeExtentTreeAllocFailsWhenExhausted(t *testing.T) {
	tree := NewFreeExtentTree(Extent{Start: 0, Length: 10})
	require.NoError(t, tree.Reserve(10))
	_, err := tree.Alloc(10, FirstFit)
	require.NoError(t, err)

	require.Error(t, tree.Reserve(1))
}

func TestFreeExtentTreeFreeCoalescesAdjacentRanges(t *testing.T) {
	tree := NewFreeExtentTree(Extent{Start: 0, Length: 100})
	require.NoError(t, tree.Reserve(100))

	a, err := tree.Alloc(10, FirstFit)
	require.NoError(t, err)
	require.NoError(t, tree.Reserve(10))
	b, err := tree.Alloc(10, FirstFit)
	require.NoError(t, err)

	tree.Free(a)
	tree.Free(b)

	extents := tree.Extents()
	require.Len(t, extents, 1, "freeing two adjacent allocations should coalesce into one extent")
	require.Equal(t, Extent{Start: 0, Length: 100}, extents[0])
}

func TestFreeExtentTreeBestFitPicksSmallestSufficientExtent(t *testing.T) {
	tree := &FreeExtentTree{extents: []Extent{
		{Start: 0, Length: 50},
		{Start: 100, Length: 20},
		{Start: 200, Length: 30},
	}}
	require.NoError(t, tree.Reserve(15))

	e, err := tree.Alloc(15, BestFit)
	require.NoError(t, err)
	require.Equal(t, uint64(100), e.Start, "best fit should choose the 20-block extent over the larger ones")
}

func TestFreeExtentTreeCarveExactSplitsExtent(t *testing.T) {
	tree := NewFreeExtentTree(Extent{Start: 0, Length: 100})
	tree.carveExact(40, 10)

	extents := tree.Extents()
	require.Equal(t, []Extent{{Start: 0, Length: 40}, {Start: 50, Length: 50}}, extents)
}
