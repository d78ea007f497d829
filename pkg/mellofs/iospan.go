// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package mellofs

// Device's ReadSectors/WriteSectors (spec: "block-device object
// exposing... read_sectors, write_sectors") operate one sector at a
// time; readSpan/writeSpan loop over a multi-sector buffer so the rest
// of this package can think in terms of whole blocks instead of the
// device's single-sector granularity.

func readSpan(dev Device, startSector uint64, out []byte) error {
	sector := make([]byte, SectorSize)
	for off := 0; off < len(out); off += SectorSize {
		if err := dev.ReadSectors(startSector+uint64(off/SectorSize), sector); err != nil {
			return err
		}
		copy(out[off:off+SectorSize], sector)
	}
	return nil
}

func writeSpan(dev Device, startSector uint64, in []byte) error {
	for off := 0; off < len(in); off += SectorSize {
		if err := dev.WriteSectors(startSector+uint64(off/SectorSize), in[off:off+SectorSize]); err != nil {
			return err
		}
	}
	return nil
}
