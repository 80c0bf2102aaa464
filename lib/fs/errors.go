// Copyright 2026 The Mayanfest Authors
// SPDX-License-Identifier: Apache-2.0

package fs

import "errors"

// Sentinel errors surfaced by core operations. The FUSE bridge maps
// them onto errnos; everything else wraps them with context via %w.
//
// Three families: user errors (NotFound, NotDir, IsDir, Exists, Denied,
// NameTooLong, Invalid), capacity errors (NoSpace), and invariant
// violations (Corrupted, Internal), which are fatal and not recoverable
// by the core.
var (
	ErrNotFound    = errors.New("no such file or directory")
	ErrNotDir      = errors.New("not a directory")
	ErrIsDir       = errors.New("is a directory")
	ErrExists      = errors.New("file exists")
	ErrDenied      = errors.New("permission denied")
	ErrNameTooLong = errors.New("name too long")
	ErrInvalid     = errors.New("invalid argument")
	ErrNotEmpty    = errors.New("directory not empty")

	// ErrNoSpace covers every capacity failure: no free inode, no
	// free segment, indirect map exhausted.
	ErrNoSpace = errors.New("out of space")

	// ErrCorrupted is raised when the on-disk superblock disagrees
	// with the store it was loaded from.
	ErrCorrupted = errors.New("filesystem corrupted")

	// ErrInternal marks invariant violations: non-unique frees,
	// out-of-range indices reached through trusted paths.
	ErrInternal = errors.New("internal invariant violation")
)
