// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package blockdev

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/melloos/kernel/pkg/kerrors"
	"github.com/melloos/kernel/pkg/ringbuffer"
)

// RequestKind distinguishes a read BIO from a write BIO.
type RequestKind int

const (
	RequestRead RequestKind = iota
	RequestWrite
)

// Request is one block I/O request: target sector, direction, buffer,
// priority, and a monotonically assigned id used to complete the right
// in-flight slot.
type Request struct {
	ID       uint64
	Kind     RequestKind
	LBA      uint64
	Buf      []byte
	Priority int
	done     chan error
}

// Queue is the BIO queue between a filesystem and a Device: a ring
// buffer of in-flight requests created at the queue's target depth (32
// for a foreground queue, 128 for a background writeback queue — spec
// §4, External Interfaces / §5.13 Writeback), built on the same
// generalized, non-overwriting RingBuffer the scheduler's ready queue
// uses (spec §4.8's FIFO shape, reused here for BIO ordering). The
// target depth is not enforced: once more requests are pending than the
// ring holds, PushBack grows the ring rather than making Submit wait.
type Queue struct {
	dev      Device
	pending  *ringbuffer.RingBuffer[*Request]
	depth    int
	nextID   uint64
}

// NewQueue creates a queue of the given target depth against dev.
func NewQueue(dev Device, depth int) *Queue {
	q, _ := ringbuffer.New[*Request](depth)
	return &Queue{dev: dev, pending: q, depth: depth}
}

// Submit enqueues req and, once its turn comes, executes it against the
// device, blocking until completion or ctx cancellation. The completion
// deadline itself is the caller's concern (writeback uses a 30s
// deadline, per spec §5.13). Submit never waits for a free queue slot;
// ctx bounds only the wait for completion.
func (q *Queue) Submit(ctx context.Context, req *Request) error {
	q.nextID++
	req.ID = q.nextID
	req.done = make(chan error, 1)
	q.pending.PushBack(req)

	go q.drainOne()

	select {
	case err := <-req.done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (q *Queue) drainOne() {
	req, ok := q.pending.Pop()
	if !ok {
		return
	}
	var err error
	switch req.Kind {
	case RequestRead:
		err = q.dev.ReadSectors(req.LBA, req.Buf)
	case RequestWrite:
		err = q.dev.WriteSectors(req.LBA, req.Buf)
	}
	req.done <- err
}

// Depth reports the queue's target depth.
func (q *Queue) Depth() int { return q.depth }

// Len reports how many requests are currently queued or in flight.
func (q *Queue) Len() int { return q.pending.Len() }

// RetryTransient retries op while it returns a retryable *BlockError
// (IoError or NotReady, per kerrors.Retryable), backing off
// exponentially up to maxElapsed — the same retry-until-deadline shape
// pkg/mm/tlb.Shootdown uses for IPI acknowledgment, reused here for
// transient device errors instead of a missing TLB ack.
func RetryTransient(op func() error, maxElapsed time.Duration) error {
	_, err := backoff.Retry(context.Background(), func() (struct{}, error) {
		err := op()
		if err == nil {
			return struct{}{}, nil
		}
		if be, ok := err.(*kerrors.BlockError); ok {
			switch be.Kind {
			case kerrors.BlockIoError, kerrors.NotReady:
				return struct{}{}, err
			}
		}
		return struct{}{}, backoff.Permanent(err)
	}, backoff.WithBackOff(backoff.NewExponentialBackOff()), backoff.WithMaxElapsedTime(maxElapsed))
	return err
}
