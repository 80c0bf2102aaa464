// Copyright 2026 The Mayanfest Authors
// SPDX-License-Identifier: Apache-2.0

package fs

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestInodeTableReservesIndexZero(t *testing.T) {
	filesystem := newTestFS(t, 1024, 4096)

	// The root inode was allocated at format time; index 0 stays
	// reserved so segment reverse maps can use owner 0 for "free".
	require.Equal(t, uint64(1), filesystem.Root())

	inode, err := filesystem.sb.Table.Alloc()
	require.NoError(t, err)
	require.Greater(t, inode.Index, uint64(1))
	require.NoError(t, filesystem.sb.Table.Free(inode))

	_, err = filesystem.sb.Table.Get(0)
	require.Error(t, err)
}

func TestInodeTableGetSharesHandles(t *testing.T) {
	filesystem := newTestFS(t, 1024, 4096)
	table := filesystem.sb.Table

	a, err := table.Get(filesystem.Root())
	require.NoError(t, err)
	b, err := table.Get(filesystem.Root())
	require.NoError(t, err)
	require.Same(t, a, b)

	require.NoError(t, table.Put(a))
	require.NoError(t, table.Put(b))
}

func TestInodeTableFlushOnLastPut(t *testing.T) {
	filesystem := newTestFS(t, 1024, 4096)
	table := filesystem.sb.Table

	inode, err := table.Alloc()
	require.NoError(t, err)
	idx := inode.Index
	inode.Record.Type = FileTypeRegular
	inode.Record.FileSize = 777
	require.NoError(t, table.Put(inode))

	// A fresh load from the ilist must see the flushed record.
	reloaded, err := table.Get(idx)
	require.NoError(t, err)
	require.NotSame(t, inode, reloaded)
	require.Equal(t, uint64(777), reloaded.Record.FileSize)
	require.Equal(t, FileTypeRegular, reloaded.Record.Type)
	require.NoError(t, table.Put(reloaded))
}

func TestInodeTableUpdateWritesThrough(t *testing.T) {
	filesystem := newTestFS(t, 1024, 4096)
	table := filesystem.sb.Table

	inode, err := table.Alloc()
	require.NoError(t, err)
	inode.Record.FileSize = 1234
	require.NoError(t, table.Update(inode))

	var rec InodeRecord
	require.NoError(t, table.readRecord(inode.Index, &rec))
	require.Equal(t, uint64(1234), rec.FileSize)
	require.NoError(t, table.Put(inode))
}

func TestInodeTableFreeRequiresUniqueHandle(t *testing.T) {
	filesystem := newTestFS(t, 1024, 4096)
	table := filesystem.sb.Table

	inode, err := table.Alloc()
	require.NoError(t, err)
	extra, err := table.Get(inode.Index)
	require.NoError(t, err)
	require.Same(t, inode, extra)

	require.ErrorIs(t, table.Free(inode), ErrInternal)

	require.NoError(t, table.Put(extra))
	require.NoError(t, table.Free(inode))

	// The slot is reusable.
	again, err := table.Alloc()
	require.NoError(t, err)
	require.NoError(t, table.Put(again))
}

func TestInodeTableExhaustion(t *testing.T) {
	filesystem := newTestFS(t, 1024, 4096)
	table := filesystem.sb.Table

	var handles []*INode
	for {
		inode, err := table.Alloc()
		if err != nil {
			require.ErrorIs(t, err, ErrNoSpace)
			break
		}
		handles = append(handles, inode)
	}
	// Capacity minus the reserved index and the root inode.
	require.Equal(t, int(table.InodeCount()-2), len(handles))

	for _, inode := range handles {
		require.NoError(t, table.Put(inode))
	}
}
