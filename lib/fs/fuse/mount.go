// Copyright 2026 The Mayanfest Authors
// SPDX-License-Identifier: Apache-2.0

// Package fuse bridges the core filesystem onto the kernel through
// go-fuse. Each kernel node carries nothing but its inode index; every
// operation is translated into one facade call, with the caller's
// uid/gid from the FUSE request driving the permission checks.
package fuse

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"syscall"
	"time"

	gofuse "github.com/hanwen/go-fuse/v2/fs"
	"github.com/hanwen/go-fuse/v2/fuse"

	"github.com/garethgeorge/mayanfest-new/lib/fs"
)

// Options configures the FUSE mount.
type Options struct {
	// Mountpoint is the directory where the filesystem is mounted.
	// Created if it does not exist.
	Mountpoint string

	// FileSystem is the loaded core filesystem.
	FileSystem *fs.FileSystem

	// FsName is the filesystem name shown in mount tables. Empty
	// defaults to "mayanfest".
	FsName string

	// AllowOther permits other users to access the mount. Requires
	// user_allow_other in /etc/fuse.conf.
	AllowOther bool

	// Logger receives diagnostic messages. If nil, a stderr text
	// handler at Error level is used.
	Logger *slog.Logger
}

// Mount mounts the filesystem at the configured mountpoint. The caller
// must Unmount the returned server, then close the core filesystem,
// then the store.
func Mount(options Options) (*fuse.Server, error) {
	if options.Mountpoint == "" {
		return nil, fmt.Errorf("mountpoint is required")
	}
	if options.FileSystem == nil {
		return nil, fmt.Errorf("filesystem is required")
	}
	if options.FsName == "" {
		options.FsName = "mayanfest"
	}
	if options.Logger == nil {
		options.Logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
			Level: slog.LevelError,
		}))
	}

	if err := os.MkdirAll(options.Mountpoint, 0o755); err != nil {
		return nil, fmt.Errorf("creating mountpoint %s: %w", options.Mountpoint, err)
	}

	root := &node{options: &options, ino: options.FileSystem.Root()}

	entryTimeout := 1 * time.Second
	attrTimeout := 1 * time.Second

	server, err := gofuse.Mount(options.Mountpoint, root, &gofuse.Options{
		EntryTimeout: &entryTimeout,
		AttrTimeout:  &attrTimeout,
		MountOptions: fuse.MountOptions{
			FsName:     options.FsName,
			Name:       "mayanfest",
			AllowOther: options.AllowOther,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("mounting at %s: %w", options.Mountpoint, err)
	}

	options.Logger.Info("filesystem mounted", "mountpoint", options.Mountpoint)
	return server, nil
}

// errnoFor maps core sentinel errors onto the errnos the kernel
// expects. Capacity failures surface as EDQUOT; invariant violations as
// EFAULT.
func errnoFor(err error) syscall.Errno {
	switch {
	case err == nil:
		return 0
	case errors.Is(err, fs.ErrNotFound):
		return syscall.ENOENT
	case errors.Is(err, fs.ErrNotDir):
		return syscall.ENOTDIR
	case errors.Is(err, fs.ErrIsDir):
		return syscall.EISDIR
	case errors.Is(err, fs.ErrExists):
		return syscall.EEXIST
	case errors.Is(err, fs.ErrDenied):
		return syscall.EACCES
	case errors.Is(err, fs.ErrNameTooLong):
		return syscall.ENAMETOOLONG
	case errors.Is(err, fs.ErrNoSpace):
		return syscall.EDQUOT
	case errors.Is(err, fs.ErrNotEmpty):
		return syscall.ENOTEMPTY
	case errors.Is(err, fs.ErrInvalid):
		return syscall.EINVAL
	case errors.Is(err, fs.ErrInternal), errors.Is(err, fs.ErrCorrupted):
		return syscall.EFAULT
	default:
		return syscall.EIO
	}
}

// callerCreds extracts the requesting process's uid/gid. Requests
// without caller information (kernel-internal) run as root.
func callerCreds(ctx context.Context) (uint64, uint64) {
	if caller, ok := fuse.FromContext(ctx); ok {
		return uint64(caller.Uid), uint64(caller.Gid)
	}
	return 0, 0
}

func statMode(attr fs.Attr) uint32 {
	mode := uint32(attr.Permissions)
	if attr.Type == fs.FileTypeDir {
		mode |= syscall.S_IFDIR
	} else {
		mode |= syscall.S_IFREG
	}
	return mode
}

func fillAttr(attr fs.Attr, out *fuse.Attr) {
	out.Ino = attr.Index
	out.Mode = statMode(attr)
	out.Size = attr.Size
	out.Blocks = (attr.Size + 511) / 512
	out.Uid = uint32(attr.UID)
	out.Gid = uint32(attr.GID)
	out.Nlink = 1
	out.Atime = attr.AccessedMillis / 1000
	out.Atimensec = uint32(attr.AccessedMillis%1000) * 1e6
	out.Mtime = attr.ModifiedMillis / 1000
	out.Mtimensec = uint32(attr.ModifiedMillis%1000) * 1e6
}
