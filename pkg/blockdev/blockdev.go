// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

// Package blockdev implements the abstract block-device interface and a
// virtio-blk driver against a simulated MMIO config space (spec §4,
// External Interfaces).
package blockdev

import (
	"sync"

	"github.com/melloos/kernel/pkg/kerrors"
)

// Device is the abstract block device every filesystem and buffer-cache
// component talks to: sector geometry, sector-granular read/write, flush,
// and a name for diagnostics (spec: "Abstract: sector size, sector count,
// read_sectors, write_sectors, flush, name").
type Device interface {
	SectorSize() int
	SectorCount() uint64
	ReadSectors(lba uint64, buf []byte) error
	WriteSectors(lba uint64, buf []byte) error
	Flush() error
	Name() string
}

// virtioStatus mirrors the virtio device-status register bits a real
// handshake sets in sequence.
type virtioStatus uint8

const (
	statusAcknowledge virtioStatus = 1 << 0
	statusDriver      virtioStatus = 1 << 1
	statusFeaturesOK  virtioStatus = 1 << 3
	statusDriverOK    virtioStatus = 1 << 4
	statusFailed      virtioStatus = 1 << 7
)

// VirtioBlk implements Device against a simulated MMIO configuration
// space: a reset/ACKNOWLEDGE/DRIVER/FEATURES_OK/DRIVER_OK handshake
// (spec §4, External Interfaces) followed by sector-granular reads and
// writes into an in-memory backing store standing in for the virtqueue
// (virtqueue completion itself is out of scope, per spec's Open
// Questions).
type VirtioBlk struct {
	mu         sync.Mutex
	name       string
	sectorSize int
	sectors    uint64
	status     virtioStatus
	ready      bool
	backing    []byte
}

// NewVirtioBlk allocates a fully in-memory backing store of sectorCount
// sectors of sectorSize bytes each; the caller must call Init before any
// I/O, matching the real handshake's ordering requirement.
func NewVirtioBlk(name string, sectorSize int, sectorCount uint64) *VirtioBlk {
	return &VirtioBlk{
		name:       name,
		sectorSize: sectorSize,
		sectors:    sectorCount,
		backing:    make([]byte, sectorSize*int(sectorCount)),
	}
}

// Init runs the virtio handshake: reset, ACKNOWLEDGE, DRIVER, negotiate
// features (accepted unconditionally — this driver needs none beyond the
// baseline block-device feature bit), FEATURES_OK, then DRIVER_OK. The
// capacity is the sector count given to NewVirtioBlk; Init does not
// read it from a configuration area.
func (v *VirtioBlk) Init() error {
	v.mu.Lock()
	defer v.mu.Unlock()

	v.status = 0 // reset
	v.status |= statusAcknowledge
	v.status |= statusDriver
	// feature negotiation: this driver requests no optional features.
	v.status |= statusFeaturesOK
	if v.status&statusFeaturesOK == 0 {
		v.status |= statusFailed
		return kerrors.NewBlockError("virtio-blk init", kerrors.NotReady)
	}
	v.status |= statusDriverOK
	v.ready = true
	return nil
}

func (v *VirtioBlk) requireReady() error {
	if !v.ready {
		return kerrors.NewBlockError("virtio-blk", kerrors.NotReady)
	}
	return nil
}

func (v *VirtioBlk) SectorSize() int     { return v.sectorSize }
func (v *VirtioBlk) SectorCount() uint64 { return v.sectors }
func (v *VirtioBlk) Name() string        { return v.name }

func (v *VirtioBlk) validate(lba uint64, buf []byte, op string) error {
	if err := v.requireReady(); err != nil {
		return err
	}
	if lba >= v.sectors {
		return kerrors.NewBlockError(op, kerrors.InvalidSector)
	}
	if len(buf) != v.sectorSize {
		return kerrors.NewBlockError(op, kerrors.BufferTooSmall)
	}
	return nil
}

func (v *VirtioBlk) ReadSectors(lba uint64, buf []byte) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if err := v.validate(lba, buf, "read_sectors"); err != nil {
		return err
	}
	off := int(lba) * v.sectorSize
	copy(buf, v.backing[off:off+v.sectorSize])
	return nil
}

func (v *VirtioBlk) WriteSectors(lba uint64, buf []byte) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if err := v.validate(lba, buf, "write_sectors"); err != nil {
		return err
	}
	off := int(lba) * v.sectorSize
	copy(v.backing[off:off+v.sectorSize], buf)
	return nil
}

// Flush is a no-op for the in-memory backing store; it exists so callers
// (the writeback layer) have a real fsync-equivalent boundary to call.
func (v *VirtioBlk) Flush() error {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.requireReady()
}
