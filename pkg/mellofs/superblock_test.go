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

func TestSuperblockEncodeDecodeRoundTrip(t *testing.T) {
	sb := NewSuperblock([16]byte{1, 2, 3}, 4096, 1<<20, 12345)
	sb.RootBtree = TreeRef{LBA: 64, Length: 4096, Checksum: 0xdeadbeef, Level: 0}
	sb.Label = [64]byte{'r', 'o', 'o', 't'}

	encoded := sb.Encode()
	decoded, err := DecodeSuperblock(encoded[:])
	require.NoError(t, err)

	require.Equal(t, sb.Magic, decoded.Magic)
	require.Equal(t, sb.TotalBlocks, decoded.TotalBlocks)
	require.Equal(t, sb.RootBtree, decoded.RootBtree)
	require.Equal(t, sb.Label, decoded.Label)
}

func TestSuperblockDecodeRejectsBadChecksum(t *testing.T) {
	sb := NewSuperblock([16]byte{}, 4096, 100, 0)
	encoded := sb.Encode()
	encoded[10] ^= 0xff

	_, err := DecodeSuperblock(encoded[:])
	require.Error(t, err)
}

func TestSuperblockDecodeRejectsTruncatedBuffer(t *testing.T) {
	_, err := DecodeSuperblock(make([]byte, 10))
	require.Error(t, err)
}

func TestSecondarySuperblockSectorMirrorsPrimaryOffset(t *testing.T) {
	// Primary sits at the first sector of its 16-sector region (sector
	// 16); the secondary should sit at the first sector of the device's
	// last 16-sector region.
	total := uint64(1 << 20)
	require.Equal(t, total-16, SecondarySuperblockSector(total))
}
