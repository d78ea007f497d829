// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package ksyscall

import "github.com/melloos/kernel/pkg/kerrors"

// IoctlCategory is the closed set of device categories an ioctl command
// may target (spec §4.9: "each has a category (Terminal, PTY, File)").
type IoctlCategory int

const (
	CategoryTerminal IoctlCategory = iota
	CategoryPTY
	CategoryFile
)

// IoctlCommand describes one command in the closed ioctl taxonomy: its
// category, whether the kernel reads or writes the user-supplied
// argument, and the argument's byte size — all validated by the
// dispatcher before any bytes cross the user/kernel boundary (spec
// §4.9).
type IoctlCommand struct {
	Name     string
	Category IoctlCategory
	ReadUser  bool // dispatcher copies argument bytes FROM user before the handler runs
	WriteUser bool // dispatcher copies argument bytes TO user after the handler runs
	ArgSize  int
}

// winsize mirrors the POSIX struct winsize: 4 uint16 fields (rows, cols,
// xpixel, ypixel).
const winsizeSize = 8

// Ioctls is the closed set of ioctl commands this kernel recognizes
// (spec §4.9, §6). A command absent from this table is always ENOSYS,
// regardless of fd validity.
var Ioctls = map[string]IoctlCommand{
	"TIOCGPTN":  {Name: "TIOCGPTN", Category: CategoryPTY, WriteUser: true, ArgSize: 4},
	"TCGETS":    {Name: "TCGETS", Category: CategoryTerminal, WriteUser: true, ArgSize: 60},
	"TCSETS":    {Name: "TCSETS", Category: CategoryTerminal, ReadUser: true, ArgSize: 60},
	"TIOCGWINSZ": {Name: "TIOCGWINSZ", Category: CategoryTerminal, WriteUser: true, ArgSize: winsizeSize},
	"TIOCSWINSZ": {Name: "TIOCSWINSZ", Category: CategoryTerminal, ReadUser: true, ArgSize: winsizeSize},
	"TIOCSPGRP": {Name: "TIOCSPGRP", Category: CategoryTerminal, ReadUser: true, ArgSize: 4},
	"TIOCGPGRP": {Name: "TIOCGPGRP", Category: CategoryTerminal, WriteUser: true, ArgSize: 4},
	"TIOCSCTTY": {Name: "TIOCSCTTY", Category: CategoryFile, ArgSize: 0},
}

// FdCategory reports what category of object an fd is, supplied by
// whatever owns the fd table (ksyscall has no upward dependency on
// pkg/proc or pkg/vfs).
type FdCategory func(fd int) (IoctlCategory, error)

// ValidateIoctl looks cmd up in the closed taxonomy and checks it against
// fd's actual category, failing with ENOSYS for an unknown command,
// EBADF when fd's category cannot be determined, and
// EINVAL for a category mismatch (spec: "bad cmd for fd type").
func ValidateIoctl(cmd string, fd int, category FdCategory) (IoctlCommand, kerrors.Errno) {
	ioc, ok := Ioctls[cmd]
	if !ok {
		return IoctlCommand{}, kerrors.ENOSYS
	}
	fdCat, err := category(fd)
	if err != nil {
		return IoctlCommand{}, kerrors.EBADF
	}
	if fdCat != ioc.Category {
		return IoctlCommand{}, kerrors.EINVAL
	}
	return ioc, kerrors.EOK
}
