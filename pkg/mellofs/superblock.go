// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

// Package mellofs implements the on-disk filesystem: superblock,
// checksummed B-tree, free-extent allocator, and transaction-group
// commit protocol (spec §4.14, §6).
package mellofs

import (
	"encoding/binary"

	"github.com/melloos/kernel/pkg/kerrors"
)

const (
	SectorSize = 512

	// PrimarySuperblockSector is fixed by the on-disk layout: sectors
	// 0-15 are reserved for the bootloader, the primary superblock lives
	// at sector 16 (spec §6).
	PrimarySuperblockSector = 16

	// secondaryRegionSectors is the size of the reserved region at the
	// end of the device ("last 16 sectors: secondary superblock");
	// SecondarySuperblockSector below writes at the first sector of
	// that region, mirroring the primary's placement at the first
	// sector of its own 16-sector region.
	secondaryRegionSectors = 16

	SuperblockSize = 256

	superblockMagic = 0x4D465344 // "MFSD"

	// StateClean, StateDirty, StateError are the superblock's mount
	// state machine (spec §6 state field).
	StateClean uint32 = 0
	StateDirty uint32 = 1
	StateError uint32 = 2
)

// TreeRef locates and authenticates the root of a B-tree: its starting
// LBA, its exact encoded length in bytes, its CRC32C checksum, and its
// height (spec §6 root_btree/alloc_btree layout).
type TreeRef struct {
	LBA      uint64
	Length   uint32
	Checksum uint64
	Level    uint8
}

// Superblock is the bit-exact 256-byte packed little-endian on-disk
// superblock (spec §6). Field order and offsets match the spec's
// layout exactly so Encode/Decode round-trip a real device image.
type Superblock struct {
	Magic        uint32
	Version      uint32
	UUID         [16]byte
	TxgID        uint64
	RootBtree    TreeRef
	AllocBtree   TreeRef
	Features     uint64
	BlockSize    uint32
	TotalBlocks  uint64
	FreeBlocks   uint64
	CreatedTime  uint64
	ModifiedTime uint64
	MountedTime  uint64
	MountCount   uint32
	State        uint32
	Label        [64]byte
}

// SecondarySuperblockSector returns the sector the secondary superblock
// is written at for a device of the given total sector count.
func SecondarySuperblockSector(totalSectors uint64) uint64 {
	return totalSectors - secondaryRegionSectors
}

// NewSuperblock builds a fresh, zeroed superblock for a filesystem of
// the given size, ready for its first mount.
func NewSuperblock(uuid [16]byte, blockSize uint32, totalBlocks uint64, createdTime uint64) *Superblock {
	return &Superblock{
		Magic:       superblockMagic,
		Version:     1,
		UUID:        uuid,
		BlockSize:   blockSize,
		TotalBlocks: totalBlocks,
		FreeBlocks:  totalBlocks,
		CreatedTime: createdTime,
		State:       StateClean,
	}
}

func encodeTreeRef(b []byte, t TreeRef) {
	binary.LittleEndian.PutUint64(b[0:8], t.LBA)
	binary.LittleEndian.PutUint32(b[8:12], t.Length)
	binary.LittleEndian.PutUint64(b[12:20], t.Checksum)
	b[20] = t.Level
	// b[21:24] pad, left zero
}

func decodeTreeRef(b []byte) TreeRef {
	return TreeRef{
		LBA:      binary.LittleEndian.Uint64(b[0:8]),
		Length:   binary.LittleEndian.Uint32(b[8:12]),
		Checksum: binary.LittleEndian.Uint64(b[12:20]),
		Level:    b[20],
	}
}

// Encode serializes sb into its bit-exact 256-byte on-disk form,
// including the trailing CRC32C checksum over bytes 0..248.
func (sb *Superblock) Encode() [SuperblockSize]byte {
	var buf [SuperblockSize]byte

	binary.LittleEndian.PutUint32(buf[0:4], sb.Magic)
	binary.LittleEndian.PutUint32(buf[4:8], sb.Version)
	copy(buf[8:24], sb.UUID[:])
	binary.LittleEndian.PutUint64(buf[24:32], sb.TxgID)
	encodeTreeRef(buf[32:64], sb.RootBtree)
	encodeTreeRef(buf[64:96], sb.AllocBtree)
	binary.LittleEndian.PutUint64(buf[96:104], sb.Features)
	binary.LittleEndian.PutUint32(buf[104:108], sb.BlockSize)
	// 108:112 pad
	binary.LittleEndian.PutUint64(buf[112:120], sb.TotalBlocks)
	binary.LittleEndian.PutUint64(buf[120:128], sb.FreeBlocks)
	binary.LittleEndian.PutUint64(buf[128:136], sb.CreatedTime)
	binary.LittleEndian.PutUint64(buf[136:144], sb.ModifiedTime)
	binary.LittleEndian.PutUint64(buf[144:152], sb.MountedTime)
	binary.LittleEndian.PutUint32(buf[152:156], sb.MountCount)
	binary.LittleEndian.PutUint32(buf[156:160], sb.State)
	copy(buf[160:224], sb.Label[:])
	// 224:240 reserved, 240:248 reserved, left zero

	checksum := Checksum(buf[0:248])
	binary.LittleEndian.PutUint64(buf[248:256], checksum)
	return buf
}

// DecodeSuperblock parses buf into a Superblock, verifying the magic
// number and trailing CRC32C checksum. A checksum mismatch or bad magic
// returns an IoError so the caller can fall back to the secondary
// superblock (spec §7 recovery policy: "checksum mismatches during
// mount trigger secondary-superblock fallback").
func DecodeSuperblock(buf []byte) (*Superblock, error) {
	if len(buf) < SuperblockSize {
		return nil, kerrors.NewFsError("decode_superblock", "", kerrors.InvalidArgument)
	}

	wantChecksum := binary.LittleEndian.Uint64(buf[248:256])
	if !Verify(buf[0:248], wantChecksum) {
		return nil, kerrors.NewFsError("decode_superblock", "", kerrors.IoError)
	}

	magic := binary.LittleEndian.Uint32(buf[0:4])
	if magic != superblockMagic {
		return nil, kerrors.NewFsError("decode_superblock", "", kerrors.IoError)
	}

	sb := &Superblock{
		Magic:        magic,
		Version:      binary.LittleEndian.Uint32(buf[4:8]),
		TxgID:        binary.LittleEndian.Uint64(buf[24:32]),
		RootBtree:    decodeTreeRef(buf[32:64]),
		AllocBtree:   decodeTreeRef(buf[64:96]),
		Features:     binary.LittleEndian.Uint64(buf[96:104]),
		BlockSize:    binary.LittleEndian.Uint32(buf[104:108]),
		TotalBlocks:  binary.LittleEndian.Uint64(buf[112:120]),
		FreeBlocks:   binary.LittleEndian.Uint64(buf[120:128]),
		CreatedTime:  binary.LittleEndian.Uint64(buf[128:136]),
		ModifiedTime: binary.LittleEndian.Uint64(buf[136:144]),
		MountedTime:  binary.LittleEndian.Uint64(buf[144:152]),
		MountCount:   binary.LittleEndian.Uint32(buf[152:156]),
		State:        binary.LittleEndian.Uint32(buf[156:160]),
	}
	copy(sb.UUID[:], buf[8:24])
	copy(sb.Label[:], buf[160:224])
	return sb, nil
}
