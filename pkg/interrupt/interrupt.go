// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

// Package interrupt models the IDT, the remapped legacy 8259 PIC, the
// PIT, and the page-fault decode path (spec §4.6, §4.7). The assembly
// shim that saves GPRs before calling into a handler and the iretq that
// returns from one are outside what a hosted Go package can express;
// what's modeled is the contract on either side of that shim — the
// vector table, the decoded fault info, and the dispatch rules.
package interrupt

import (
	"fmt"

	"github.com/go-logr/logr"

	"github.com/melloos/kernel/pkg/kerrors"
)

const (
	VectorPageFault = 14
	VectorTimer     = 32
	VectorSyscall   = 0x80

	NumVectors = 256
)

// Frame is what the assembly shim would have passed to the handler:
// the vector, the error code (only vectors that push one have a
// meaningful value), and the faulting instruction pointer.
type Frame struct {
	Vector    int
	ErrorCode uint64
	RIP       uintptr
	CR2       uintptr // only meaningful for VectorPageFault
}

// Handler is one IDT entry.
type Handler func(f Frame)

// IDT is the single interrupt descriptor table the BSP loads and every
// AP's stack points at (spec §4.6: "A single IDT is loaded on the BSP").
type IDT struct {
	vectors [NumVectors]Handler
	log     logr.Logger
}

func NewIDT(log logr.Logger) *IDT {
	return &IDT{log: log.WithName("idt")}
}

// Install registers h for vector, overwriting any previous handler.
func (t *IDT) Install(vector int, h Handler) error {
	if vector < 0 || vector >= NumVectors {
		return kerrors.New("interrupt: vector out of range")
	}
	t.vectors[vector] = h
	return nil
}

// Dispatch invokes the handler installed for f.Vector. An unhandled
// vector is logged rather than silently dropped — on real hardware an
// unhandled vector without a default handler is a triple fault.
func (t *IDT) Dispatch(f Frame) {
	h := t.vectors[f.Vector]
	if h == nil {
		t.log.Info("unhandled interrupt vector", "vector", f.Vector)
		return
	}
	h(f)
}

// PIC models the remapped legacy 8259: master vectors 32-39, slave
// 40-47, every IRQ line masked except the timer (spec §4.6).
type PIC struct {
	MasterOffset byte
	SlaveOffset  byte
	Mask         uint16 // bit i = IRQ i masked
}

const irqTimer = 0

// Remap sets the master/slave vector offsets and masks every IRQ line
// except the timer, matching the boot-time PIC programming sequence.
func (p *PIC) Remap(masterOffset, slaveOffset byte) {
	p.MasterOffset = masterOffset
	p.SlaveOffset = slaveOffset
	p.Mask = 0xFFFF &^ (1 << irqTimer)
}

func (p *PIC) Masked(irq int) bool {
	if irq < 0 || irq > 15 {
		return true
	}
	return p.Mask&(1<<uint(irq)) != 0
}

// PITBaseFreq is the PIT's fixed oscillator frequency in Hz.
const PITBaseFreq = 1193182

// PIT models the 8254 programmable interval timer in mode 3 (square
// wave, the mode the kernel programs it in).
type PIT struct {
	Divisor uint16
	HzRequested int
}

// Program computes the 16-bit divisor for the requested frequency and
// records it (spec §4.6: "the PIT is programmed in mode 3 with a divisor
// computed for the requested frequency (default 100 Hz)").
func (p *PIT) Program(hz int) (uint16, error) {
	if hz <= 0 {
		return 0, kerrors.New("interrupt: PIT frequency must be positive")
	}
	divisor := PITBaseFreq / hz
	if divisor <= 0 || divisor > 0xFFFF {
		return 0, kerrors.New("interrupt: PIT frequency out of representable range")
	}
	p.Divisor = uint16(divisor)
	p.HzRequested = hz
	return p.Divisor, nil
}

// PageFaultInfo is the decoded #PF error code (spec §4.7).
type PageFaultInfo struct {
	Present          bool
	Write            bool
	User             bool
	Reserved         bool
	InstructionFetch bool
}

// DecodePageFaultError decodes the x86_64 #PF error code bit layout:
// bit0 present, bit1 write, bit2 user, bit3 reserved-write, bit4
// instruction fetch.
func DecodePageFaultError(code uint64) PageFaultInfo {
	return PageFaultInfo{
		Present:          code&(1<<0) != 0,
		Write:            code&(1<<1) != 0,
		User:             code&(1<<2) != 0,
		Reserved:         code&(1<<3) != 0,
		InstructionFetch: code&(1<<4) != 0,
	}
}

// KernelFaultDiagnostics is the rich diagnostic context logged before a
// kernel-mode page fault panics (spec §4.7).
type KernelFaultDiagnostics struct {
	FaultingAddress uintptr
	RIP             uintptr
	TaskName        string
	SuspectedRegion string // "null-deref", "direct-map", "code-or-data", "unknown"
}

// ClassifyFault guesses which region a faulting kernel address belongs
// to, for the diagnostic log line.
func ClassifyFault(addr uintptr, hhdmBase, hhdmEnd, kernelImageStart, kernelImageEnd uintptr) string {
	switch {
	case addr < 0x1000:
		return "null-deref"
	case addr >= hhdmBase && addr < hhdmEnd:
		return "direct-map"
	case addr >= kernelImageStart && addr < kernelImageEnd:
		return "code-or-data"
	default:
		return "unknown"
	}
}

// HandlePageFault implements the branch spec §4.7 describes: a user-mode
// fault terminates the current task and returns so the ISR can fall
// through to the scheduler; a kernel-mode fault logs diagnostics and
// panics, and never returns.
func HandlePageFault(log logr.Logger, info PageFaultInfo, cr2, rip uintptr, userMode bool, diag KernelFaultDiagnostics, terminate func(reason string)) {
	if userMode {
		log.Info("user page fault, terminating task",
			"cr2", fmt.Sprintf("%#x", cr2), "rip", fmt.Sprintf("%#x", rip),
			"present", info.Present, "write", info.Write, "instructionFetch", info.InstructionFetch)
		if terminate != nil {
			terminate("segmentation fault")
		}
		return
	}

	log.Error(kerrors.New("kernel page fault"), "CRITICAL: kernel page fault",
		"cr2", fmt.Sprintf("%#x", cr2), "rip", fmt.Sprintf("%#x", rip),
		"task", diag.TaskName, "suspectedRegion", diag.SuspectedRegion,
		"present", info.Present, "write", info.Write)
	panic(fmt.Sprintf("kernel page fault at %#x (rip %#x, region %s)", cr2, rip, diag.SuspectedRegion))
}

// TimerTick is the vector-32 handler body: increment the tick count and
// invoke onTick (wired to sched.Tick by the caller, keeping this package
// free of an upward dependency on the scheduler).
type TimerTick struct {
	count   uint64
	onTick  func(tick uint64)
}

func NewTimerTick(onTick func(tick uint64)) *TimerTick {
	return &TimerTick{onTick: onTick}
}

func (t *TimerTick) Handle(f Frame) {
	t.count++
	if t.onTick != nil {
		t.onTick(t.count)
	}
}

func (t *TimerTick) Count() uint64 { return t.count }
