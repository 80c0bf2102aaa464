// Copyright 2026 The Mayanfest Authors
// SPDX-License-Identifier: Apache-2.0

package fuse

import (
	"context"
	"syscall"

	gofuse "github.com/hanwen/go-fuse/v2/fs"
	"github.com/hanwen/go-fuse/v2/fuse"

	"github.com/garethgeorge/mayanfest-new/lib/fs"
)

// node represents one core inode to the kernel. Files and directories
// share the type; the core decides which operations apply.
type node struct {
	gofuse.Inode
	options *Options
	ino     uint64
}

var _ gofuse.InodeEmbedder = (*node)(nil)
var _ gofuse.NodeLookuper = (*node)(nil)
var _ gofuse.NodeGetattrer = (*node)(nil)
var _ gofuse.NodeSetattrer = (*node)(nil)
var _ gofuse.NodeMknoder = (*node)(nil)
var _ gofuse.NodeMkdirer = (*node)(nil)
var _ gofuse.NodeCreater = (*node)(nil)
var _ gofuse.NodeOpener = (*node)(nil)
var _ gofuse.NodeReader = (*node)(nil)
var _ gofuse.NodeWriter = (*node)(nil)
var _ gofuse.NodeUnlinker = (*node)(nil)
var _ gofuse.NodeRmdirer = (*node)(nil)
var _ gofuse.NodeReaddirer = (*node)(nil)

func (n *node) core() *fs.FileSystem { return n.options.FileSystem }

// childInode wraps a core inode index into a kernel inode.
func (n *node) childInode(ctx context.Context, idx uint64, attr fs.Attr, out *fuse.EntryOut) *gofuse.Inode {
	fillAttr(attr, &out.Attr)
	stableMode := uint32(syscall.S_IFREG)
	if attr.Type == fs.FileTypeDir {
		stableMode = syscall.S_IFDIR
	}
	return n.NewInode(ctx, &node{options: n.options, ino: idx},
		gofuse.StableAttr{Mode: stableMode, Ino: idx})
}

func (n *node) Lookup(ctx context.Context, name string, out *fuse.EntryOut) (*gofuse.Inode, syscall.Errno) {
	idx, err := n.core().LookupAt(n.ino, name)
	if err != nil {
		return nil, errnoFor(err)
	}
	attr, err := n.core().GetAttr(idx)
	if err != nil {
		return nil, errnoFor(err)
	}
	return n.childInode(ctx, idx, attr, out), 0
}

func (n *node) Getattr(ctx context.Context, f gofuse.FileHandle, out *fuse.AttrOut) syscall.Errno {
	attr, err := n.core().GetAttr(n.ino)
	if err != nil {
		return errnoFor(err)
	}
	fillAttr(attr, &out.Attr)
	return 0
}

// Setattr applies timestamp updates. Size changes (truncation) are not
// part of the core's operation surface and are rejected, except for a
// size already equal to the file's, which some utilities issue
// needlessly.
func (n *node) Setattr(ctx context.Context, f gofuse.FileHandle, in *fuse.SetAttrIn, out *fuse.AttrOut) syscall.Errno {
	attr, err := n.core().GetAttr(n.ino)
	if err != nil {
		return errnoFor(err)
	}

	if size, ok := in.GetSize(); ok && size != attr.Size {
		return syscall.EOPNOTSUPP
	}

	accessed := attr.AccessedMillis
	modified := attr.ModifiedMillis
	if atime, ok := in.GetATime(); ok {
		accessed = uint64(atime.UnixMilli())
	}
	if mtime, ok := in.GetMTime(); ok {
		modified = uint64(mtime.UnixMilli())
	}
	if accessed != attr.AccessedMillis || modified != attr.ModifiedMillis {
		uid, gid := callerCreds(ctx)
		if err := n.core().CheckAccess(n.ino, uid, gid, false, true); err != nil {
			return errnoFor(err)
		}
		if err := n.core().SetAttrTimes(n.ino, accessed, modified); err != nil {
			return errnoFor(err)
		}
		attr.AccessedMillis = accessed
		attr.ModifiedMillis = modified
	}

	fillAttr(attr, &out.Attr)
	return 0
}

func (n *node) Mknod(ctx context.Context, name string, mode uint32, dev uint32, out *fuse.EntryOut) (*gofuse.Inode, syscall.Errno) {
	var kind fs.FileType
	switch mode & syscall.S_IFMT {
	case syscall.S_IFREG, 0:
		kind = fs.FileTypeRegular
	case syscall.S_IFDIR:
		kind = fs.FileTypeDir
	default:
		return nil, syscall.EINVAL
	}
	return n.createChild(ctx, name, uint16(mode&0o7777), kind, out)
}

func (n *node) Mkdir(ctx context.Context, name string, mode uint32, out *fuse.EntryOut) (*gofuse.Inode, syscall.Errno) {
	return n.createChild(ctx, name, uint16(mode&0o7777), fs.FileTypeDir, out)
}

func (n *node) Create(ctx context.Context, name string, flags uint32, mode uint32, out *fuse.EntryOut) (*gofuse.Inode, gofuse.FileHandle, uint32, syscall.Errno) {
	child, errno := n.createChild(ctx, name, uint16(mode&0o7777), fs.FileTypeRegular, out)
	if errno != 0 {
		return nil, nil, 0, errno
	}
	return child, nil, 0, 0
}

func (n *node) createChild(ctx context.Context, name string, perm uint16, kind fs.FileType, out *fuse.EntryOut) (*gofuse.Inode, syscall.Errno) {
	uid, gid := callerCreds(ctx)
	idx, err := n.core().CreateAt(n.ino, name, perm, kind, uid, gid)
	if err != nil {
		return nil, errnoFor(err)
	}
	attr, err := n.core().GetAttr(idx)
	if err != nil {
		return nil, errnoFor(err)
	}
	return n.childInode(ctx, idx, attr, out), 0
}

func (n *node) Open(ctx context.Context, flags uint32) (gofuse.FileHandle, uint32, syscall.Errno) {
	attr, err := n.core().GetAttr(n.ino)
	if err != nil {
		return nil, 0, errnoFor(err)
	}
	if attr.Type == fs.FileTypeDir {
		return nil, 0, syscall.EISDIR
	}

	uid, gid := callerCreds(ctx)
	accessMode := flags & syscall.O_ACCMODE
	wantRead := accessMode == syscall.O_RDONLY || accessMode == syscall.O_RDWR
	wantWrite := accessMode == syscall.O_WRONLY || accessMode == syscall.O_RDWR
	if err := n.core().CheckAccess(n.ino, uid, gid, wantRead, wantWrite); err != nil {
		return nil, 0, errnoFor(err)
	}
	return nil, 0, 0
}

func (n *node) Read(ctx context.Context, f gofuse.FileHandle, dest []byte, off int64) (fuse.ReadResult, syscall.Errno) {
	data, err := n.core().Read(n.ino, uint64(off), uint64(len(dest)))
	if err != nil {
		return nil, errnoFor(err)
	}
	return fuse.ReadResultData(data), 0
}

func (n *node) Write(ctx context.Context, f gofuse.FileHandle, data []byte, off int64) (uint32, syscall.Errno) {
	written, err := n.core().Write(n.ino, uint64(off), data)
	if err != nil {
		n.options.Logger.Warn("write failed",
			"inode", n.ino, "offset", off, "error", err)
		return uint32(written), errnoFor(err)
	}
	return uint32(written), 0
}

func (n *node) Unlink(ctx context.Context, name string) syscall.Errno {
	uid, gid := callerCreds(ctx)
	return errnoFor(n.core().UnlinkAt(n.ino, name, uid, gid))
}

func (n *node) Rmdir(ctx context.Context, name string) syscall.Errno {
	uid, gid := callerCreds(ctx)
	return errnoFor(n.core().RmdirAt(n.ino, name, uid, gid))
}

func (n *node) Readdir(ctx context.Context) (gofuse.DirStream, syscall.Errno) {
	uid, gid := callerCreds(ctx)
	if err := n.core().CheckAccess(n.ino, uid, gid, true, false); err != nil {
		return nil, errnoFor(err)
	}

	listing, err := n.core().ReadDir(n.ino)
	if err != nil {
		return nil, errnoFor(err)
	}

	entries := make([]fuse.DirEntry, 0, len(listing))
	for _, entry := range listing {
		mode := uint32(syscall.S_IFREG)
		if attr, err := n.core().GetAttr(entry.Inode); err == nil && attr.Type == fs.FileTypeDir {
			mode = syscall.S_IFDIR
		}
		entries = append(entries, fuse.DirEntry{
			Name: entry.Name,
			Ino:  entry.Inode,
			Mode: mode,
		})
	}
	return &sliceDirStream{entries: entries}, 0
}

// sliceDirStream implements gofuse.DirStream over a slice of entries.
type sliceDirStream struct {
	entries []fuse.DirEntry
	index   int
}

func (s *sliceDirStream) HasNext() bool {
	return s.index < len(s.entries)
}

func (s *sliceDirStream) Next() (fuse.DirEntry, syscall.Errno) {
	if s.index >= len(s.entries) {
		return fuse.DirEntry{}, syscall.EINVAL
	}
	entry := s.entries[s.index]
	s.index++
	return entry, 0
}

func (s *sliceDirStream) Close() {}
