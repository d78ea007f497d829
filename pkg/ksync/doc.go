// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

// Package ksync provides the synchronization primitives every other kernel
// package is built on (spec §5, L0): a TSC-deadline spin lock, an IRQ-safe
// spin lock, a sequence lock for lock-free /proc reads, and an ordered
// mutex that enforces the kernel's outer-to-inner lock ordering at runtime.
package ksync
