// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package ksync

import "sync/atomic"

// SeqLock backs lock-free /proc reads (spec §5): a single writer bumps the
// sequence around its critical section, readers retry if they observe an
// odd sequence (writer in progress) or the sequence changed mid-read.
type SeqLock struct {
	seq atomic.Uint64
}

// WriteBegin must be paired with WriteEnd around the writer's critical
// section.
func (s *SeqLock) WriteBegin() {
	s.seq.Add(1) // now odd: a write is in progress
}

func (s *SeqLock) WriteEnd() {
	s.seq.Add(1) // now even again
}

// ReadBegin returns a sequence snapshot; the caller's read is valid only
// if ReadRetry returns false afterward.
func (s *SeqLock) ReadBegin() uint64 {
	for {
		v := s.seq.Load()
		if v%2 == 0 {
			return v
		}
		// writer in progress; spin until it finishes
	}
}

// ReadRetry reports whether the reader must discard its read and retry.
func (s *SeqLock) ReadRetry(start uint64) bool {
	return s.seq.Load() != start
}

// Read runs fn under the seqlock read protocol, retrying fn until it
// observes a stable snapshot.
func (s *SeqLock) Read(fn func()) {
	for {
		start := s.ReadBegin()
		fn()
		if !s.ReadRetry(start) {
			return
		}
	}
}
