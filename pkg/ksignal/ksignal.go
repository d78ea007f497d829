// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

// Package ksignal implements POSIX-ish signal delivery: per-task mask,
// pending set, and a 64-entry disposition table, plus the permission
// matrix and the SIGKILL/SIGSTOP/init/kernel-thread protections (spec
// §4.10).
package ksignal

import (
	"sync/atomic"

	"github.com/melloos/kernel/pkg/kerrors"
)

const (
	NumSignals = 64

	SIGKILL = 9
	SIGSTOP = 19
)

type Disposition int

const (
	DispositionDefault Disposition = iota
	DispositionIgnore
	DispositionCustom
)

// DefaultAction is what DispositionDefault resolves to for a given
// signal number, per the POSIX default-action table.
type DefaultAction int

const (
	ActionTerminate DefaultAction = iota
	ActionIgnore
	ActionStop
	ActionContinue
	ActionCore
)

// defaultActions mirrors the standard POSIX table for the signals this
// kernel actually defines; anything absent defaults to ActionTerminate.
var defaultActions = map[int]DefaultAction{
	SIGKILL: ActionTerminate,
	18:      ActionContinue, // SIGCONT
	SIGSTOP: ActionStop,
	20:      ActionStop, // SIGTSTP
	17:      ActionIgnore, // SIGCHLD default is ignore for the purpose of termination
	11:      ActionCore,   // SIGSEGV
	4:       ActionCore,   // SIGILL
	8:       ActionCore,   // SIGFPE
	6:       ActionCore,   // SIGABRT
}

func DefaultActionFor(sig int) DefaultAction {
	if a, ok := defaultActions[sig]; ok {
		return a
	}
	return ActionTerminate
}

// Handler is a Custom disposition's target. Building the sigreturn-style
// signal frame on the user stack is a userspace-ABI concern outside a
// hosted simulation's reach; what's modeled is the dispatch decision —
// which handler runs and that Restore is called for sigreturn symmetry.
type Handler struct {
	Entry   func(sig int)
	Restore func()
}

// Signals is one task's signal state: mask, pending set, and disposition
// table. Mask and Pending are accessed with atomics so SendSignal can
// race safely against the task's own return-to-user check.
type Signals struct {
	mask         atomic.Uint64
	pending      atomic.Uint64
	dispositions [NumSignals]Disposition
	handlers     [NumSignals]Handler
}

func NewSignals() *Signals {
	return &Signals{}
}

func (s *Signals) SetMask(mask uint64) { s.mask.Store(mask) }
func (s *Signals) Mask() uint64        { return s.mask.Load() }
func (s *Signals) Pending() uint64     { return s.pending.Load() }

// ResetCustomDispositions reverts every Custom handler to Default,
// leaving Ignore dispositions untouched — the POSIX execve rule (spec
// §4.10's disposition table, applied at the exec boundary described in
// §4.9's syscall surface).
func (s *Signals) ResetCustomDispositions() {
	for i := range s.dispositions {
		if s.dispositions[i] == DispositionCustom {
			s.dispositions[i] = DispositionDefault
			s.handlers[i] = Handler{}
		}
	}
}

func (s *Signals) SetDisposition(sig int, d Disposition, h Handler) error {
	if sig < 0 || sig >= NumSignals {
		return kerrors.New("ksignal: signal number out of range")
	}
	if (sig == SIGKILL || sig == SIGSTOP) && d != DispositionDefault {
		return kerrors.New("ksignal: SIGKILL/SIGSTOP disposition cannot be changed")
	}
	s.dispositions[sig] = d
	if d == DispositionCustom {
		s.handlers[sig] = h
	}
	return nil
}

// Raise atomically ORs sig's bit into pending, bypassing mask — masking
// is applied only at delivery time (DeliverPending), matching
// send_signal's "atomically OR-s the bit into pending" wording.
func (s *Signals) Raise(sig int) error {
	if sig < 0 || sig >= NumSignals {
		return kerrors.New("ksignal: signal number out of range")
	}
	for {
		old := s.pending.Load()
		next := old | (1 << uint(sig))
		if s.pending.CompareAndSwap(old, next) {
			return nil
		}
	}
}

// Target identifies a task for permission checks and unmaskable-signal
// enforcement.
type Target struct {
	PID          int
	UID          int
	SessionID    int
	IsInit       bool // pid 1
	IsKernel     bool // kernel thread, never signalable from userspace
}

type Sender struct {
	PID       int
	UID       int
	IsRoot    bool
	SessionID int
}

// Permitted implements spec §4.10's permission matrix: same pid always;
// root always; job-control signals within a session always; same uid
// always; else deny.
func Permitted(sender Sender, target Target, sig int) bool {
	if sender.PID == target.PID {
		return true
	}
	if sender.IsRoot {
		return true
	}
	if isJobControlSignal(sig) && sender.SessionID == target.SessionID {
		return true
	}
	if sender.UID == target.UID {
		return true
	}
	return false
}

func isJobControlSignal(sig int) bool {
	switch sig {
	case 18, SIGSTOP, 20, 21, 22: // SIGCONT, SIGSTOP, SIGTSTP, SIGTTIN, SIGTTOU
		return true
	default:
		return false
	}
}

// SendSignal validates the signal number and sender permission, enforces
// the SIGKILL/SIGSTOP-on-init and kernel-thread protections, then raises
// the signal on target's Signals (spec §4.10).
func SendSignal(sender Sender, target Target, targetSignals *Signals, sig int) error {
	if sig < 0 || sig >= NumSignals {
		return kerrors.New("ksignal: signal number out of range")
	}
	if target.IsKernel {
		return kerrors.New("ksignal: kernel threads cannot be signaled from userspace")
	}
	if (sig == SIGKILL || sig == SIGSTOP) && target.IsInit {
		return kerrors.New("ksignal: init is protected from SIGKILL/SIGSTOP")
	}
	if !Permitted(sender, target, sig) {
		return kerrors.New("ksignal: permission denied")
	}
	return targetSignals.Raise(sig)
}

// Delivery is the decision DeliverPending hands back for the lowest
// pending, unmasked signal: which disposition applies and, for
// DispositionDefault, which action results.
type Delivery struct {
	Signal      int
	Disposition Disposition
	Action      DefaultAction
	Handler     Handler
}

// DeliverPending selects the lowest-numbered bit in pending & ^mask,
// clears it, and resolves its disposition. SIGKILL and SIGSTOP bypass
// mask and disposition entirely: if either is pending they are always
// selected and always resolve to their fixed action, regardless of what
// the task set (spec §4.10).
func (s *Signals) DeliverPending() (Delivery, bool) {
	pending := s.pending.Load()

	if pending&(1<<SIGKILL) != 0 {
		s.clearPending(SIGKILL)
		return Delivery{Signal: SIGKILL, Disposition: DispositionDefault, Action: ActionTerminate}, true
	}
	if pending&(1<<SIGSTOP) != 0 {
		s.clearPending(SIGSTOP)
		return Delivery{Signal: SIGSTOP, Disposition: DispositionDefault, Action: ActionStop}, true
	}

	deliverable := pending &^ s.mask.Load()
	if deliverable == 0 {
		return Delivery{}, false
	}
	sig := lowestSetBit(deliverable)
	s.clearPending(sig)

	d := s.dispositions[sig]
	switch d {
	case DispositionIgnore:
		return Delivery{Signal: sig, Disposition: d}, true
	case DispositionCustom:
		return Delivery{Signal: sig, Disposition: d, Handler: s.handlers[sig]}, true
	default:
		return Delivery{Signal: sig, Disposition: DispositionDefault, Action: DefaultActionFor(sig)}, true
	}
}

func (s *Signals) clearPending(sig int) {
	for {
		old := s.pending.Load()
		next := old &^ (1 << uint(sig))
		if s.pending.CompareAndSwap(old, next) {
			return
		}
	}
}

func lowestSetBit(v uint64) int {
	for i := 0; i < NumSignals; i++ {
		if v&(1<<uint(i)) != 0 {
			return i
		}
	}
	return -1
}
