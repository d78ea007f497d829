// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

// Package tlb implements TLB shootdown: requesting that a set of CPUs
// invalidate a virtual address range from their local TLB, and waiting
// for all of them to acknowledge before the caller may reuse the
// underlying physical frame (spec §4.4).
package tlb

import (
	"context"
	"math/bits"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/go-logr/logr"

	"github.com/melloos/kernel/pkg/kerrors"
)

// Mask is a bitmask of up to 64 target CPUs.
type Mask uint64

func (m Mask) Has(cpu int) bool { return m&(1<<uint(cpu)) != 0 }
func (m Mask) Count() int       { return bits.OnesCount64(uint64(m)) }

func MaskOf(cpus ...int) Mask {
	var m Mask
	for _, c := range cpus {
		m |= 1 << uint(c)
	}
	return m
}

// Request is the IPI payload a target CPU receives: the range to
// invalidate and the handle it must Ack once invlpg has run.
type Request struct {
	VAddr uintptr
	Pages int

	pending *atomic.Int32
	done    chan struct{}
}

// Ack records that this target has invalidated the range. The caller of
// Shootdown is released once every targeted CPU has acked.
func (r *Request) Ack() {
	if r.pending.Add(-1) == 0 {
		close(r.done)
	}
}

// Deliver is how Shootdown hands a Request to a target CPU — an IPI send
// in the real kernel, here the caller's choice of dispatch (e.g. posting
// to a percpu.PerCPU's mailbox channel).
type Deliver func(cpu int, req *Request)

// deadline bounds how long Shootdown waits for every target to ack
// before giving up and reporting a miss (spec §4.4).
const deadline = 100 * time.Millisecond

// Shootdown sends req to every CPU set in targets via send and blocks
// until all have acked or the deadline elapses. A deadline miss is
// logged and returned as a plain (non-retryable) error — TLB shootdown
// never panics on timeout, since a slow AP is not a kernel-fatal
// condition (spec §4.4, §7).
func Shootdown(ctx context.Context, log logr.Logger, vaddr uintptr, pages int, targets Mask, send Deliver) error {
	count := targets.Count()
	if count == 0 {
		return nil
	}

	var pending atomic.Int32
	pending.Store(int32(count))
	req := &Request{VAddr: vaddr, Pages: pages, pending: &pending, done: make(chan struct{})}

	for cpu := 0; cpu < 64; cpu++ {
		if targets.Has(cpu) {
			go send(cpu, req)
		}
	}

	bo := backoff.NewExponentialBackOff()
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		select {
		case <-req.done:
			return struct{}{}, nil
		default:
			return struct{}{}, kerrors.NewRetryable("tlb: shootdown ack pending")
		}
	}, backoff.WithBackOff(bo), backoff.WithMaxElapsedTime(deadline))
	if err != nil {
		log.Info("tlb shootdown deadline exceeded", "vaddr", vaddr, "pages", pages, "targets", targets, "acksOutstanding", pending.Load())
		return kerrors.New("tlb: shootdown deadline exceeded")
	}
	return nil
}
