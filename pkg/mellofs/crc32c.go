// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package mellofs

import (
	"hash/crc32"

	"golang.org/x/sys/cpu"
)

// castagnoliTable is built once; on amd64/arm64 with SSE4.2/CRC32
// instructions present, hash/crc32 dispatches its Update through the
// architecture-specific hardware path automatically. HardwareAccelerated
// exposes whether that happened, purely for diagnostics.
var castagnoliTable = crc32.MakeTable(crc32.Castagnoli)

// HardwareAccelerated reports whether this CPU has the instruction
// support (SSE4.2 CRC32 on x86, CRC32 extension on arm64) that
// hash/crc32 uses for its Castagnoli fast path. A probe done once at
// init, not per-checksum.
var HardwareAccelerated = cpu.X86.HasSSE42 || cpu.ARM64.HasCRC32

// Checksum computes the CRC32C (Castagnoli) checksum of b, zero-extended
// to 64 bits the way the superblock's trailing checksum field stores it
// (spec §6 on-disk layout).
func Checksum(b []byte) uint64 {
	return uint64(crc32.Checksum(b, castagnoliTable))
}

// Verify reports whether b's CRC32C checksum matches want (P10: flipping
// any single bit of b must make this false).
func Verify(b []byte, want uint64) bool {
	return Checksum(b) == want
}

// ChecksumBuilder accumulates a CRC32C checksum incrementally, for
// callers that serialize a structure in pieces (e.g. a B-tree node's
// header followed by its key/value records) and want the checksum of
// the concatenation without buffering it all first.
type ChecksumBuilder struct {
	crc uint32
}

func NewChecksumBuilder() *ChecksumBuilder {
	return &ChecksumBuilder{}
}

func (c *ChecksumBuilder) Write(p []byte) (int, error) {
	c.crc = crc32.Update(c.crc, castagnoliTable, p)
	return len(p), nil
}

func (c *ChecksumBuilder) Sum() uint64 {
	return uint64(c.crc)
}
