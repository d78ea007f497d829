// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package mellofs

import (
	"github.com/melloos/kernel/pkg/kerrors"
)

// blockSize is MelloFS's fixed node/extent allocation unit; the
// superblock's own BlockSize field is informational/on-disk metadata,
// this is what NodeStore actually allocates in.
const blockSize = 4096

// deviceNodeStore is the NodeStore implementation a mounted filesystem
// uses: nodes occupy whole blocks on dev, allocated from free via CoW
// on every write.
type deviceNodeStore struct {
	dev  Device
	free *FreeExtentTree
}

func newDeviceNodeStore(dev Device, free *FreeExtentTree) *deviceNodeStore {
	return &deviceNodeStore{dev: dev, free: free}
}

func (s *deviceNodeStore) blocksFor(n int) uint64 {
	return uint64((n + blockSize - 1) / blockSize)
}

// ReadNode reads the whole-block span ref occupies and trims it back to
// ref.Length's exact encoded byte count before decoding — the block
// padding WriteNode zero-fills isn't part of the checksummed content.
func (s *deviceNodeStore) ReadNode(ref TreeRef) (*Node, error) {
	blocks := s.blocksFor(int(ref.Length))
	buf := make([]byte, blocks*blockSize)
	if err := readSpan(s.dev, ref.LBA*blocksToSectors(), buf); err != nil {
		return nil, err
	}
	node, err := DecodeNode(buf[:ref.Length])
	if err != nil {
		return nil, err
	}
	if Checksum(buf[:int(ref.Length)-8]) != ref.Checksum {
		return nil, kerrors.NewFsError("read_node", "", kerrors.IoError)
	}
	return node, nil
}

func (s *deviceNodeStore) WriteNode(n *Node) (TreeRef, error) {
	encoded := n.Encode()
	blocks := s.blocksFor(len(encoded))

	if err := s.free.Reserve(blocks); err != nil {
		return TreeRef{}, err
	}
	extent, err := s.free.Alloc(blocks, FirstFit)
	if err != nil {
		return TreeRef{}, err
	}

	padded := make([]byte, blocks*blockSize)
	copy(padded, encoded)
	if err := writeSpan(s.dev, extent.Start*blocksToSectors(), padded); err != nil {
		s.free.Free(extent)
		return TreeRef{}, err
	}

	checksum := Checksum(encoded[:len(encoded)-8])
	return TreeRef{LBA: extent.Start, Length: uint32(len(encoded)), Checksum: checksum, Level: nodeLevel(n)}, nil
}

func nodeLevel(n *Node) uint8 {
	if n.Leaf {
		return 0
	}
	return 1
}

func blocksToSectors() uint64 { return blockSize / SectorSize }

// dataRegion returns the allocatable block range for a device of
// totalBlocks blocks: everything except the front reserved region
// (bootloader sectors 0-15 plus the primary superblock's 16-sector
// region, sectors 0-31) and the trailing secondary-superblock region
// (its last 16 sectors) — spec §6's on-disk layout.
func dataRegion(totalBlocks uint64) Extent {
	frontReserved := uint64(32) / blocksToSectors()
	backReserved := secondaryRegionSectors / blocksToSectors()
	return Extent{Start: frontReserved, Length: totalBlocks - frontReserved - backReserved}
}

// Filesystem is a mounted MelloFS instance: the authenticated
// superblock, its root and allocator B-trees, the in-memory free-extent
// index, and the current open transaction group.
type Filesystem struct {
	dev   Device
	sb    *Superblock
	store *deviceNodeStore
	Root  *BTree
	Alloc *BTree
	Free  *FreeExtentTree
	txg   *TxG
}

// Mount reads the primary superblock, falling back to the secondary on
// a checksum or magic mismatch (spec §7), then opens the root and
// allocator B-trees and rebuilds the free-extent index as the whole data
// region minus the blocks those two trees' nodes occupy. The allocator
// tree's records are not read.
func Mount(dev Device, nowNanos uint64) (*Filesystem, error) {
	sb, err := readSuperblock(dev, PrimarySuperblockSector)
	if err != nil {
		sb, err = readSuperblock(dev, SecondarySuperblockSector(dev.SectorCount()))
		if err != nil {
			return nil, kerrors.NewFsError("mount", "", kerrors.IoError)
		}
	}

	if sb.State == StateDirty {
		// A prior session ended without a clean unmount; nothing further
		// to replay beyond what the last-committed txg_id already
		// reflects, since every commit is atomic at the superblock write
		// (spec §7: crash anywhere during commit yields either the
		// pre- or post-commit superblock, never a torn one).
		sb.State = StateError
	}

	free := NewFreeExtentTree(dataRegion(dev.SectorCount() / blocksToSectors()))
	store := newDeviceNodeStore(dev, free)

	root, err := OpenBTree(store, sb.RootBtree)
	if err != nil {
		return nil, err
	}
	alloc, err := OpenBTree(store, sb.AllocBtree)
	if err != nil {
		return nil, err
	}

	// The root/alloc B-tree nodes themselves occupy blocks that must not
	// be handed back out; carve them out of the fresh whole-device free
	// extent before anything allocates. No other blocks are excluded:
	// neither the root tree's extent records nor the allocator tree's
	// records are walked.
	carveOutNode(free, sb.RootBtree)
	carveOutNode(free, sb.AllocBtree)

	sb.MountedTime = nowNanos
	sb.MountCount++
	sb.State = StateDirty
	dirtyMark := sb.Encode()
	if err := writeSuperblockAt(dev, PrimarySuperblockSector, dirtyMark[:]); err != nil {
		return nil, err
	}

	return &Filesystem{
		dev:   dev,
		sb:    sb,
		store: store,
		Root:  root,
		Alloc: alloc,
		Free:  free,
		txg:   NewTxG(dev, free, sb, root, alloc),
	}, nil
}

// Init formats dev with a fresh, empty filesystem: an empty root and
// allocator B-tree and a superblock at txg_id 0, and writes both
// superblock copies.
func Init(dev Device, uuid [16]byte, nowNanos uint64) (*Filesystem, error) {
	total := dev.SectorCount() / blocksToSectors()
	free := NewFreeExtentTree(dataRegion(total))
	store := newDeviceNodeStore(dev, free)

	root := NewBTree(store)
	alloc := NewBTree(store)
	rootRef, err := root.Flush()
	if err != nil {
		return nil, err
	}
	allocRef, err := alloc.Flush()
	if err != nil {
		return nil, err
	}

	sb := NewSuperblock(uuid, blockSize, total, nowNanos)
	sb.RootBtree = rootRef
	sb.AllocBtree = allocRef
	sb.FreeBlocks = free.FreeBlocks()

	primary := sb.Encode()
	if err := writeSuperblockAt(dev, PrimarySuperblockSector, primary[:]); err != nil {
		return nil, err
	}
	if err := writeSuperblockAt(dev, SecondarySuperblockSector(dev.SectorCount()), primary[:]); err != nil {
		return nil, err
	}

	return &Filesystem{
		dev: dev, sb: sb, store: store,
		Root: root, Alloc: alloc, Free: free,
		txg: NewTxG(dev, free, sb, root, alloc),
	}, nil
}

// Unmount marks the superblock cleanly closed and writes both copies.
func (fs *Filesystem) Unmount() error {
	fs.sb.State = StateClean
	primary := fs.sb.Encode()
	if err := writeSuperblockAt(fs.dev, PrimarySuperblockSector, primary[:]); err != nil {
		return err
	}
	if err := writeSuperblockAt(fs.dev, SecondarySuperblockSector(fs.dev.SectorCount()), primary[:]); err != nil {
		return err
	}
	return fs.dev.Flush()
}

// Sync forces an immediate commit of the current transaction group,
// regardless of its size/age triggers.
func (fs *Filesystem) Sync() error {
	return fs.txg.Commit()
}

// TxgID returns the filesystem's current transaction-group id, for
// tests verifying P9's "monotonically increasing" property.
func (fs *Filesystem) TxgID() uint64 { return fs.sb.TxgID }

func readSuperblock(dev Device, sector uint64) (*Superblock, error) {
	buf := make([]byte, SectorSize)
	if err := dev.ReadSectors(sector, buf); err != nil {
		return nil, err
	}
	return DecodeSuperblock(buf[:SuperblockSize])
}

// carveOutNode removes ref's blocks from free, if it occupies any (a
// zero TreeRef has Length 0 and nothing to carve).
// ref.Length is the node's exact encoded byte count; the blocks it
// occupies on disk are the ceil-rounded block span WriteNode allocated.
func carveOutNode(free *FreeExtentTree, ref TreeRef) {
	if ref.Length == 0 {
		return
	}
	blocks := uint64((int(ref.Length) + blockSize - 1) / blockSize)
	if err := free.Reserve(blocks); err != nil {
		return
	}
	// Reserve only decrements the free-blocks budget; actually remove
	// this specific range from the extent list so nothing else can be
	// handed out from underneath these already-occupied blocks.
	free.carveExact(ref.LBA, blocks)
}
