// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

// Package vfs implements the virtual filesystem layer: the inode
// capability set, dentry cache, mount table, and path resolution (spec
// §4.12).
package vfs

import "time"

// FileType is the closed set of inode kinds.
type FileType int

const (
	TypeRegular FileType = iota
	TypeDirectory
	TypeSymlink
)

// Credentials mirrors pkg/proc.Credentials without importing pkg/proc
// (vfs is L4; proc is L3 — an upward import would invert the layering).
type Credentials struct {
	UID, GID int
}

// Stat is an inode's externally visible metadata.
type Stat struct {
	ID        uint64
	Type      FileType
	Mode      uint32
	NLink     int
	Size      int64
	Cred      Credentials
	ModTime   time.Time
	ChangeTime time.Time
}

// Inode is the polymorphic substrate every concrete filesystem implements
// (spec: "Carries id, type, mode, link count, size, timestamps,
// credentials, and operation vtable"). A Go interface is this capability
// set's natural idiomatic form — no separate vtable struct is needed.
type Inode interface {
	Stat() Stat

	Lookup(name string) (Inode, error)
	Create(name string, mode uint32) (Inode, error)
	Unlink(name string) error
	Link(name string, target Inode) error
	Symlink(name, target string) error
	Readdir() ([]DirEntry, error)

	ReadAt(buf []byte, offset int64) (int, error)
	WriteAt(buf []byte, offset int64) (int, error)
	Truncate(size int64) error
	Readlink() (string, error)

	GetXattr(name string) ([]byte, error)
	SetXattr(name string, value []byte) error
	ListXattr() ([]string, error)
}

// DirEntry is one entry returned by Readdir/getdents.
type DirEntry struct {
	Name string
	Ino  uint64
	Type FileType
}
