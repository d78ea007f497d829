// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package vfs

import (
	"strings"
	"sync"

	"github.com/melloos/kernel/pkg/kerrors"
)

const maxMounts = 16

// Mount binds a path prefix to a filesystem's root inode.
type Mount struct {
	Path string
	Root Inode
}

// MountTable is a fixed-capacity (≤16) set of mounts; lookup returns the
// longest-matching prefix with a boundary test, so "/dev" never matches
// "/device" (spec §4.12). The root mount ("/") is installed once and is
// immutable thereafter.
type MountTable struct {
	mu     sync.RWMutex
	mounts []Mount
}

func NewMountTable(root Inode) *MountTable {
	return &MountTable{mounts: []Mount{{Path: "/", Root: root}}}
}

// Mount adds a new mount point, failing once the table is at capacity or
// if path is already mounted, or is "/" (the root mount is immutable).
func (t *MountTable) Mount(path string, root Inode) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if path == "/" {
		return kerrors.NewFsError("mount", path, kerrors.InvalidArgument)
	}
	if len(t.mounts) >= maxMounts {
		return kerrors.NewFsError("mount", path, kerrors.NotSupported)
	}
	for _, m := range t.mounts {
		if m.Path == path {
			return kerrors.NewFsError("mount", path, kerrors.AlreadyExists)
		}
	}
	t.mounts = append(t.mounts, Mount{Path: path, Root: root})
	return nil
}

// Resolve returns the mount whose Path is the longest prefix of path that
// also respects a component boundary: a mount at "/dev" matches "/dev" and
// "/dev/tty0" but not "/device".
func (t *MountTable) Resolve(path string) Mount {
	t.mu.RLock()
	defer t.mu.RUnlock()

	best := t.mounts[0] // root, always present
	bestLen := -1
	for _, m := range t.mounts {
		if !hasPathPrefix(path, m.Path) {
			continue
		}
		if len(m.Path) > bestLen {
			best = m
			bestLen = len(m.Path)
		}
	}
	return best
}

func hasPathPrefix(path, prefix string) bool {
	if prefix == "/" {
		return true
	}
	if !strings.HasPrefix(path, prefix) {
		return false
	}
	rest := path[len(prefix):]
	return rest == "" || rest[0] == '/'
}
