// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package kerrors

// FsKind is the closed taxonomy of VFS/filesystem error kinds (spec §4.12).
type FsKind int

const (
	NotFound FsKind = iota
	AlreadyExists
	NotADirectory
	IsADirectory
	NotEmpty
	PermissionDenied
	InvalidArgument
	NameTooLong
	TooManySymlinks
	TooManyOpenFiles
	InvalidSeek
	IoError
	NotSupported
)

func (k FsKind) String() string {
	switch k {
	case NotFound:
		return "NotFound"
	case AlreadyExists:
		return "AlreadyExists"
	case NotADirectory:
		return "NotADirectory"
	case IsADirectory:
		return "IsADirectory"
	case NotEmpty:
		return "NotEmpty"
	case PermissionDenied:
		return "PermissionDenied"
	case InvalidArgument:
		return "InvalidArgument"
	case NameTooLong:
		return "NameTooLong"
	case TooManySymlinks:
		return "TooManySymlinks"
	case TooManyOpenFiles:
		return "TooManyOpenFiles"
	case InvalidSeek:
		return "InvalidSeek"
	case IoError:
		return "IoError"
	case NotSupported:
		return "NotSupported"
	default:
		return "Unknown"
	}
}

// FsError is the uniform error type every VFS/MelloFS operation returns.
type FsError struct {
	Kind FsKind
	Op   string
	Path string
}

func (e *FsError) Error() string {
	if e.Path != "" {
		return e.Op + " " + e.Path + ": " + e.Kind.String()
	}
	return e.Op + ": " + e.Kind.String()
}

func NewFsError(op, path string, kind FsKind) *FsError {
	return &FsError{Kind: kind, Op: op, Path: path}
}

// IsFsKind reports whether err is an *FsError of the given kind.
func IsFsKind(err error, kind FsKind) bool {
	var fe *FsError
	if As(err, &fe) {
		return fe.Kind == kind
	}
	return false
}
