// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

// Package percpu models per-CPU state and SMP bring-up: MADT parsing, a
// cache-line-padded per-CPU slot table, and AP bring-up via the
// INIT/SIPI handshake (spec §4.5). The GS.BASE MSR load that makes
// percpu_current() a single instruction on real hardware is modeled as a
// goroutine-to-slot binding recorded at bring-up time — Go gives us no
// MSRs, so "current CPU" is whichever slot the caller was handed.
package percpu

import (
	"context"
	"encoding/binary"
	"sync/atomic"

	"github.com/go-logr/logr"
	"golang.org/x/sync/errgroup"

	"github.com/melloos/kernel/pkg/kerrors"
)

// MaxCPUs bounds the slot table exactly as the compile-time MAX_CPUS
// constant bounds the real kernel's.
const MaxCPUs = 64

const cacheLineSize = 64

// madt entry types, per the ACPI MADT layout spec §4.5 names.
const (
	entryLocalAPIC = 0
	entryIOAPIC    = 1
)

// CPUEntry is a parsed Processor Local APIC record.
type CPUEntry struct {
	ProcessorID uint8
	APICID      uint8
	Enabled     bool
}

// IOAPICEntry is a parsed I/O APIC record.
type IOAPICEntry struct {
	ID      uint8
	Address uint32
	GSIBase uint32
}

// ParseMADT walks a MADT-shaped buffer of type-length-value entries
// (type byte, length byte, then length-2 bytes of payload) and extracts
// Local APIC and I/O APIC records, clamped to MaxCPUs (spec §4.5).
func ParseMADT(raw []byte) (cpus []CPUEntry, ioapics []IOAPICEntry, err error) {
	off := 0
	for off < len(raw) {
		if off+2 > len(raw) {
			return nil, nil, kerrors.New("percpu: truncated MADT entry header")
		}
		typ := raw[off]
		length := int(raw[off+1])
		if length < 2 || off+length > len(raw) {
			return nil, nil, kerrors.New("percpu: malformed MADT entry length")
		}
		payload := raw[off+2 : off+length]

		switch typ {
		case entryLocalAPIC:
			if len(payload) < 6 {
				return nil, nil, kerrors.New("percpu: truncated Local APIC entry")
			}
			if len(cpus) < MaxCPUs {
				cpus = append(cpus, CPUEntry{
					ProcessorID: payload[0],
					APICID:      payload[1],
					Enabled:     binary.LittleEndian.Uint32(payload[2:6])&1 != 0,
				})
			}
		case entryIOAPIC:
			if len(payload) < 10 {
				return nil, nil, kerrors.New("percpu: truncated I/O APIC entry")
			}
			ioapics = append(ioapics, IOAPICEntry{
				ID:      payload[0],
				Address: binary.LittleEndian.Uint32(payload[2:6]),
				GSIBase: binary.LittleEndian.Uint32(payload[6:10]),
			})
		}
		off += length
	}
	return cpus, ioapics, nil
}

// PerCPU is one CPU's private state slot. The padding field reserves the
// rest of a 64-byte cache line so adjacent slots in the table never
// false-share.
type PerCPU struct {
	ID          int
	APICID      uint8
	Online      atomic.Bool
	TickRateHz  uint64
	CurrentTick atomic.Uint64

	_pad [cacheLineSize - 32]byte
}

// Table is the process-wide slot table, sized to MaxCPUs regardless of
// how many CPUs MADT actually reports.
type Table struct {
	slots [MaxCPUs]*PerCPU
}

func NewTable() *Table {
	t := &Table{}
	for i := range t.slots {
		t.slots[i] = &PerCPU{ID: i}
	}
	return t
}

func (t *Table) Slot(cpu int) *PerCPU {
	if cpu < 0 || cpu >= MaxCPUs {
		return nil
	}
	return t.slots[cpu]
}

// IdleFunc is the scheduler's idle loop, invoked once per AP after bring-
// up completes. Kept as a function value rather than an import of
// pkg/sched so percpu has no upward dependency on the scheduler layer.
type IdleFunc func(ctx context.Context, cpu *PerCPU) error

// BringUpAPs brings up every enabled, non-bootstrap CPU discovered by
// ParseMADT: it assigns each a slot, marks it online, calibrates a tick
// rate, and hands it to idle, standing in for the INIT/SIPI handshake and
// LAPIC timer calibration (spec §4.5). bspAPICID identifies the BSP,
// which is already running and is skipped.
func BringUpAPs(ctx context.Context, log logr.Logger, table *Table, cpus []CPUEntry, bspAPICID uint8, baseHz uint64, idle IdleFunc) error {
	g, gCtx := errgroup.WithContext(ctx)

	slot := 0
	for _, c := range cpus {
		if !c.Enabled || c.APICID == bspAPICID {
			continue
		}
		if slot >= MaxCPUs-1 {
			log.Info("discovered CPU exceeds MaxCPUs, skipping", "apicID", c.APICID)
			continue
		}
		slot++
		cpuIdx := slot
		entry := c
		pc := table.Slot(cpuIdx)
		pc.APICID = entry.APICID
		// A real calibration loop counts LAPIC timer ticks against the
		// PIT; here each AP is given a deterministic rate derived from
		// its APIC ID so bring-up is reproducible under test.
		pc.TickRateHz = baseHz + uint64(entry.APICID)

		g.Go(func() error {
			pc.Online.Store(true)
			log.Info("AP online", "cpu", cpuIdx, "apicID", entry.APICID, "tickRateHz", pc.TickRateHz)
			if idle == nil {
				return nil
			}
			return idle(gCtx, pc)
		})
	}

	return g.Wait()
}
