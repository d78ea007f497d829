// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package vfs

import (
	"strings"

	"github.com/melloos/kernel/pkg/kerrors"
)

const (
	maxPathLen      = 4096
	maxComponentLen = 255
	maxSymlinkHops  = 40
)

// Resolver walks paths against a MountTable and caches the result in a
// DentryCache (spec §4.12).
type Resolver struct {
	mounts *MountTable
	cache  *DentryCache
}

func NewResolver(mounts *MountTable, cache *DentryCache) *Resolver {
	return &Resolver{mounts: mounts, cache: cache}
}

// rootDentryFor returns the synthetic dentry for a mount's root inode; its
// own ".." resolves to itself, matching POSIX root behavior.
func rootDentryFor(root Inode) *Dentry {
	st := root.Stat()
	d := &Dentry{ParentIno: st.ID, Name: "/", Ino: st.ID, Inode: root}
	d.Parent = d
	return d
}

// ResolvePath resolves path to its Dentry, starting from cwd for a
// relative path or the root mount for an absolute one. Path components
// are split on "/", empty components and "." are discarded, ".." walks
// the dentry tree's parent link rather than re-looking the parent up
// (spec's explicit instruction), and symlinks are followed up to
// maxSymlinkHops times.
func (r *Resolver) ResolvePath(path string, cwd *Dentry) (*Dentry, error) {
	if len(path) > maxPathLen {
		return nil, kerrors.NewFsError("resolve_path", path, kerrors.NameTooLong)
	}

	var current *Dentry
	if strings.HasPrefix(path, "/") {
		m := r.mounts.Resolve(path)
		current = rootDentryFor(m.Root)
	} else {
		if cwd == nil {
			return nil, kerrors.NewFsError("resolve_path", path, kerrors.InvalidArgument)
		}
		current = cwd
	}

	hops := 0
	return r.walk(current, path, &hops)
}

func (r *Resolver) walk(start *Dentry, path string, hops *int) (*Dentry, error) {
	current := start
	for _, comp := range strings.Split(path, "/") {
		if comp == "" || comp == "." {
			continue
		}
		if len(comp) > maxComponentLen {
			return nil, kerrors.NewFsError("resolve_path", comp, kerrors.NameTooLong)
		}
		if comp == ".." {
			current = current.Parent
			continue
		}

		next, err := r.step(current, comp)
		if err != nil {
			return nil, err
		}

		if next.Inode.Stat().Type == TypeSymlink {
			*hops++
			if *hops > maxSymlinkHops {
				return nil, kerrors.NewFsError("resolve_path", comp, kerrors.TooManySymlinks)
			}
			target, err := next.Inode.Readlink()
			if err != nil {
				return nil, err
			}
			base := current
			if strings.HasPrefix(target, "/") {
				m := r.mounts.Resolve(target)
				base = rootDentryFor(m.Root)
			}
			current, err = r.walk(base, target, hops)
			if err != nil {
				return nil, err
			}
			continue
		}
		current = next
	}
	return current, nil
}

// step resolves one path component against current, consulting and
// populating the dentry cache.
func (r *Resolver) step(current *Dentry, name string) (*Dentry, error) {
	if cached, ok := r.cache.Lookup(current.Ino, name); ok {
		if cached.Negative {
			return nil, kerrors.NewFsError("lookup", name, kerrors.NotFound)
		}
		cached.Parent = current
		return cached, nil
	}

	child, err := current.Inode.Lookup(name)
	if err != nil {
		r.cache.Insert(&Dentry{ParentIno: current.Ino, Name: name, Negative: true})
		return nil, err
	}

	d := &Dentry{
		ParentIno: current.Ino,
		Name:      name,
		Ino:       child.Stat().ID,
		Inode:     child,
		Parent:    current,
	}
	r.cache.Insert(d)
	return d, nil
}
