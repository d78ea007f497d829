// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

// Package kerrors holds the small, local, purpose-specific error kinds used
// across the kernel. Errors never cross a layer boundary unchanged: the
// filesystem has its own taxonomy, the block layer has its own, and the
// syscall boundary collapses everything into a small negative integer.
package kerrors

import (
	stdliberrors "errors"
)

var (
	ErrUnsupported = stdliberrors.ErrUnsupported

	As     = stdliberrors.As
	Is     = stdliberrors.Is
	Join   = stdliberrors.Join
	New    = stdliberrors.New
	Unwrap = stdliberrors.Unwrap
)

// NewRetryable wraps text in an error that callers may retry. The block
// device layer itself never retries (spec §7); it only marks which of its
// errors are transient so a caller, e.g. the writeback flusher, can decide.
func NewRetryable(text string) RetryableError {
	return &retryableError{text}
}

func Retryable(err error) bool {
	var be *BlockError
	if As(err, &be) {
		return be.Kind == BlockIoError || be.Kind == NotReady
	}
	var rerr RetryableError
	return As(err, &rerr)
}

type RetryableError interface {
	error
	Retryable()
}

type retryableError struct {
	text string
}

func (r *retryableError) Error() string {
	return r.text
}

func (r *retryableError) Retryable() {}
