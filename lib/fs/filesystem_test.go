// Copyright 2026 The Mayanfest Authors
// SPDX-License-Identifier: Apache-2.0

package fs

import (
	"fmt"
	"math/rand"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/garethgeorge/mayanfest-new/lib/chunkstore"
	"github.com/garethgeorge/mayanfest-new/lib/clock"
)

func newTestFS(t *testing.T, chunkCount, chunkSize uint64) *FileSystem {
	t.Helper()
	store, err := chunkstore.OpenAnonymous(chunkCount, chunkSize)
	require.NoError(t, err)

	filesystem, err := New(Options{Store: store, Clock: clock.NewFake(time.Unix(1700000000, 0))})
	require.NoError(t, err)
	require.NoError(t, filesystem.Init(0.1))

	t.Cleanup(func() {
		require.NoError(t, filesystem.Close())
		require.NoError(t, store.Close())
	})
	return filesystem
}

// checkSegmentInvariants verifies that every segment's usage counter
// matches its reverse-map population and that the free-segment count
// matches the number of zero-usage segments.
func checkSegmentInvariants(t *testing.T, filesystem *FileSystem) {
	t.Helper()
	sc := filesystem.sb.Segments

	var freeCount uint64
	for segment := uint64(0); segment < sc.numSegments; segment++ {
		usage, err := sc.segmentUsage(segment)
		require.NoError(t, err)

		var live uint64
		for slot := uint64(1); slot < sc.segmentSize; slot++ {
			owner, err := sc.chunkOwner(segment, slot)
			require.NoError(t, err)
			if owner != 0 {
				live++
			}
		}
		require.Equal(t, usage, live, "segment %d usage vs reverse map", segment)
		if usage == 0 {
			freeCount++
		}
	}
	require.Equal(t, freeCount, sc.FreeSegments())
}

func TestBasicRoundTrip(t *testing.T) {
	filesystem := newTestFS(t, 4096, 4096)

	ino, err := filesystem.Create("/hello", 0o644, FileTypeRegular, 0, 0)
	require.NoError(t, err)

	payload := []byte("the quick brown fox")
	written, err := filesystem.Write(ino, 0, payload)
	require.NoError(t, err)
	require.Equal(t, uint64(19), written)

	data, err := filesystem.Read(ino, 0, 19)
	require.NoError(t, err)
	require.Equal(t, payload, data)

	attr, err := filesystem.GetAttr(ino)
	require.NoError(t, err)
	require.Equal(t, uint64(19), attr.Size)
}

func TestSparseWrite(t *testing.T) {
	filesystem := newTestFS(t, 4096, 4096)

	ino, err := filesystem.Create("/sparse", 0o644, FileTypeRegular, 0, 0)
	require.NoError(t, err)

	_, err = filesystem.Write(ino, 1_000_000, []byte("end"))
	require.NoError(t, err)

	attr, err := filesystem.GetAttr(ino)
	require.NoError(t, err)
	require.Equal(t, uint64(1_000_003), attr.Size)

	head, err := filesystem.Read(ino, 0, 10)
	require.NoError(t, err)
	require.Equal(t, make([]byte, 10), head)

	tail, err := filesystem.Read(ino, 1_000_000, 3)
	require.NoError(t, err)
	require.Equal(t, []byte("end"), tail)
}

func TestReadPastEndAndClamp(t *testing.T) {
	filesystem := newTestFS(t, 1024, 4096)

	ino, err := filesystem.Create("/clamp", 0o644, FileTypeRegular, 0, 0)
	require.NoError(t, err)
	_, err = filesystem.Write(ino, 0, []byte("abcdef"))
	require.NoError(t, err)

	data, err := filesystem.Read(ino, 6, 10)
	require.NoError(t, err)
	require.Empty(t, data)

	data, err = filesystem.Read(ino, 4, 10)
	require.NoError(t, err)
	require.Equal(t, []byte("ef"), data)
}

func TestFileSizeIsHighWaterMark(t *testing.T) {
	filesystem := newTestFS(t, 1024, 4096)

	ino, err := filesystem.Create("/marks", 0o644, FileTypeRegular, 0, 0)
	require.NoError(t, err)

	_, err = filesystem.Write(ino, 100, []byte("xxxx"))
	require.NoError(t, err)
	attr, err := filesystem.GetAttr(ino)
	require.NoError(t, err)
	require.Equal(t, uint64(104), attr.Size)

	// Rewriting earlier bytes must not shrink the size.
	_, err = filesystem.Write(ino, 0, []byte("yy"))
	require.NoError(t, err)
	attr, err = filesystem.GetAttr(ino)
	require.NoError(t, err)
	require.Equal(t, uint64(104), attr.Size)
}

func TestReloadPersistence(t *testing.T) {
	path := filepath.Join(t.TempDir(), "backing.img")

	store, err := chunkstore.Open(path, 256, 4096)
	require.NoError(t, err)
	filesystem, err := New(Options{Store: store})
	require.NoError(t, err)
	require.NoError(t, filesystem.Init(0.1))

	ino, err := filesystem.Create("/greetings", 0o644, FileTypeRegular, 0, 0)
	require.NoError(t, err)
	_, err = filesystem.Write(ino, 0, []byte("hi"))
	require.NoError(t, err)

	require.NoError(t, filesystem.Close())
	require.NoError(t, store.Close())

	store, err = chunkstore.Open(path, 256, 4096)
	require.NoError(t, err)
	filesystem, err = New(Options{Store: store})
	require.NoError(t, err)
	require.NoError(t, filesystem.Load())

	reloaded, err := filesystem.Resolve("/greetings")
	require.NoError(t, err)
	require.Equal(t, ino, reloaded)

	data, err := filesystem.Read(reloaded, 0, 2)
	require.NoError(t, err)
	require.Equal(t, []byte("hi"), data)

	require.NoError(t, filesystem.Close())
	require.NoError(t, store.Close())
}

func TestLoadRejectsGeometryMismatch(t *testing.T) {
	path := filepath.Join(t.TempDir(), "backing.img")

	store, err := chunkstore.Open(path, 256, 4096)
	require.NoError(t, err)
	filesystem, err := New(Options{Store: store})
	require.NoError(t, err)
	require.NoError(t, filesystem.Init(0.1))
	require.NoError(t, filesystem.Close())
	require.NoError(t, store.Close())

	// Reopening with a different chunk count must be refused.
	store, err = chunkstore.Open(path, 512, 4096)
	require.NoError(t, err)
	filesystem, err = New(Options{Store: store})
	require.NoError(t, err)
	require.ErrorIs(t, filesystem.Load(), ErrCorrupted)
	require.NoError(t, filesystem.Close())
	require.NoError(t, store.Close())
}

func TestDirectoryListing(t *testing.T) {
	filesystem := newTestFS(t, 4096, 4096)

	for i := 0; i < 100; i++ {
		path := fmt.Sprintf("/file-%d", i)
		ino, err := filesystem.Create(path, 0o644, FileTypeRegular, 0, 0)
		require.NoError(t, err)
		content := fmt.Sprintf("the contents of this file is: %d\n", i)
		_, err = filesystem.Write(ino, 0, []byte(content))
		require.NoError(t, err)
	}

	entries, err := filesystem.ReadDir(filesystem.Root())
	require.NoError(t, err)
	require.Len(t, entries, 102)

	for i := 0; i < 100; i++ {
		path := fmt.Sprintf("/file-%d", i)
		ino, err := filesystem.Resolve(path)
		require.NoError(t, err)
		expected := fmt.Sprintf("the contents of this file is: %d\n", i)
		data, err := filesystem.Read(ino, 0, uint64(len(expected)))
		require.NoError(t, err)
		require.Equal(t, expected, string(data))
	}

	for i := 0; i < 100; i++ {
		require.NoError(t, filesystem.Unlink(fmt.Sprintf("/file-%d", i), 0, 0))
	}

	entries, err = filesystem.ReadDir(filesystem.Root())
	require.NoError(t, err)
	require.Len(t, entries, 2)
	names := []string{entries[0].Name, entries[1].Name}
	require.ElementsMatch(t, []string{".", ".."}, names)
}

func TestResolveAfterUnlinkFails(t *testing.T) {
	filesystem := newTestFS(t, 1024, 4096)

	_, err := filesystem.Create("/doomed", 0o644, FileTypeRegular, 0, 0)
	require.NoError(t, err)
	_, err = filesystem.Resolve("/doomed")
	require.NoError(t, err)

	require.NoError(t, filesystem.Unlink("/doomed", 0, 0))
	_, err = filesystem.Resolve("/doomed")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestNestedDirectories(t *testing.T) {
	filesystem := newTestFS(t, 4096, 4096)

	_, err := filesystem.Create("/a", 0o755, FileTypeDir, 0, 0)
	require.NoError(t, err)
	_, err = filesystem.Create("/a/b", 0o755, FileTypeDir, 0, 0)
	require.NoError(t, err)
	ino, err := filesystem.Create("/a/b/c.txt", 0o644, FileTypeRegular, 0, 0)
	require.NoError(t, err)

	_, err = filesystem.Write(ino, 0, []byte("deep"))
	require.NoError(t, err)

	resolved, err := filesystem.Resolve("/a/b/c.txt")
	require.NoError(t, err)
	require.Equal(t, ino, resolved)

	_, err = filesystem.Resolve("/a/missing/c.txt")
	require.ErrorIs(t, err, ErrNotFound)

	_, err = filesystem.Resolve("/a/b/c.txt/d")
	require.ErrorIs(t, err, ErrNotDir)
}

func TestCreateErrors(t *testing.T) {
	filesystem := newTestFS(t, 1024, 4096)

	_, err := filesystem.Create("/dup", 0o644, FileTypeRegular, 0, 0)
	require.NoError(t, err)
	_, err = filesystem.Create("/dup", 0o644, FileTypeRegular, 0, 0)
	require.ErrorIs(t, err, ErrExists)

	_, err = filesystem.Create("/nosuch/child", 0o644, FileTypeRegular, 0, 0)
	require.ErrorIs(t, err, ErrNotFound)

	longName := make([]byte, 300)
	for i := range longName {
		longName[i] = 'x'
	}
	_, err = filesystem.Create("/"+string(longName), 0o644, FileTypeRegular, 0, 0)
	require.ErrorIs(t, err, ErrNameTooLong)
}

func TestUnlinkDirectoryRejected(t *testing.T) {
	filesystem := newTestFS(t, 1024, 4096)

	_, err := filesystem.Create("/dir", 0o755, FileTypeDir, 0, 0)
	require.NoError(t, err)
	require.ErrorIs(t, filesystem.Unlink("/dir", 0, 0), ErrIsDir)
}

func TestRmdir(t *testing.T) {
	filesystem := newTestFS(t, 4096, 4096)

	_, err := filesystem.Create("/d", 0o755, FileTypeDir, 0, 0)
	require.NoError(t, err)
	_, err = filesystem.Create("/d/f", 0o644, FileTypeRegular, 0, 0)
	require.NoError(t, err)

	require.ErrorIs(t, filesystem.Rmdir("/d", 0, 0), ErrNotEmpty)

	require.NoError(t, filesystem.Unlink("/d/f", 0, 0))
	require.NoError(t, filesystem.Rmdir("/d", 0, 0))

	_, err = filesystem.Resolve("/d")
	require.ErrorIs(t, err, ErrNotFound)

	require.ErrorIs(t, filesystem.Rmdir("/also-missing", 0, 0), ErrNotFound)
}

func TestPermissionChecks(t *testing.T) {
	filesystem := newTestFS(t, 1024, 4096)

	// Root-owned 0700 directory: uid 1000 cannot create in it.
	_, err := filesystem.Create("/private", 0o700, FileTypeDir, 0, 0)
	require.NoError(t, err)
	_, err = filesystem.Create("/private/f", 0o644, FileTypeRegular, 1000, 1000)
	require.ErrorIs(t, err, ErrDenied)

	// A root-owned 0755 directory resolves and accepts explicit times.
	_, err = filesystem.Create("/home", 0o755, FileTypeDir, 0, 0)
	require.NoError(t, err)
	dirIno, err := filesystem.Resolve("/home")
	require.NoError(t, err)
	require.NoError(t, filesystem.SetAttrTimes(dirIno, 0, 0)) // exercise setattr on a dir

	rec := InodeRecord{UID: 1000, GID: 1000, Permissions: 0o644}
	assert.True(t, CanRead(&rec, 1000, 1000))
	assert.True(t, CanWrite(&rec, 1000, 1000))
	assert.False(t, CanWrite(&rec, 2000, 1000)) // group has no write bit
	assert.True(t, CanRead(&rec, 2000, 1000))   // group read
	assert.True(t, CanRead(&rec, 2000, 2000))   // other read
	assert.False(t, CanExec(&rec, 1000, 1000))

	// uid 0 bypasses read/write checks.
	locked := InodeRecord{UID: 1000, GID: 1000, Permissions: 0}
	assert.True(t, CanRead(&locked, 0, 0))
	assert.True(t, CanWrite(&locked, 0, 0))
}

func TestTimestamps(t *testing.T) {
	fake := clock.NewFake(time.UnixMilli(5_000_000))
	store, err := chunkstore.OpenAnonymous(1024, 4096)
	require.NoError(t, err)
	filesystem, err := New(Options{Store: store, Clock: fake})
	require.NoError(t, err)
	require.NoError(t, filesystem.Init(0.1))
	defer func() {
		require.NoError(t, filesystem.Close())
		require.NoError(t, store.Close())
	}()

	ino, err := filesystem.Create("/stamped", 0o644, FileTypeRegular, 0, 0)
	require.NoError(t, err)
	attr, err := filesystem.GetAttr(ino)
	require.NoError(t, err)
	require.Equal(t, uint64(5_000_000), attr.ModifiedMillis)
	require.Equal(t, uint64(5_000_000), attr.AccessedMillis)

	fake.Advance(1500 * time.Millisecond)
	_, err = filesystem.Write(ino, 0, []byte("tick"))
	require.NoError(t, err)
	attr, err = filesystem.GetAttr(ino)
	require.NoError(t, err)
	require.Equal(t, uint64(5_001_500), attr.ModifiedMillis)
	require.Equal(t, uint64(5_000_000), attr.AccessedMillis)

	require.NoError(t, filesystem.SetAttrTimes(ino, 42, 43))
	attr, err = filesystem.GetAttr(ino)
	require.NoError(t, err)
	require.Equal(t, uint64(42), attr.AccessedMillis)
	require.Equal(t, uint64(43), attr.ModifiedMillis)
}

func TestCleanerInvariance(t *testing.T) {
	// 28 segments of 32 chunks at this geometry; small enough that
	// overwrites force cleaning passes.
	filesystem := newTestFS(t, 1024, 4096)
	rng := rand.New(rand.NewSource(42))

	sc := filesystem.sb.Segments
	dataChunks := sc.NumSegments() * (sc.SegmentSize() - 1)
	perFile := (dataChunks * 6 / 10 / 20) * 4096 // ≈60% of capacity over 20 files

	contents := make(map[uint64][]byte)
	for i := 0; i < 20; i++ {
		ino, err := filesystem.Create(fmt.Sprintf("/data-%d", i), 0o644, FileTypeRegular, 0, 0)
		require.NoError(t, err)
		payload := make([]byte, perFile)
		rng.Read(payload)
		_, err = filesystem.Write(ino, 0, payload)
		require.NoError(t, err)
		contents[ino] = payload
	}

	// Overwrite half the files with fresh data, forcing COW churn.
	overwritten := 0
	for ino := range contents {
		if overwritten >= 10 {
			break
		}
		payload := make([]byte, perFile)
		rng.Read(payload)
		_, err := filesystem.Write(ino, 0, payload)
		require.NoError(t, err)
		contents[ino] = payload
		overwritten++
	}

	require.Greater(t, sc.CleanPasses(), uint64(0), "expected at least one cleaning pass")

	for ino, payload := range contents {
		data, err := filesystem.Read(ino, 0, uint64(len(payload)))
		require.NoError(t, err)
		require.Equal(t, payload, data, "inode %d content after cleaning", ino)
	}

	checkSegmentInvariants(t, filesystem)
}

func TestOutOfSpace(t *testing.T) {
	filesystem := newTestFS(t, 256, 4096)

	ino, err := filesystem.Create("/filler", 0o644, FileTypeRegular, 0, 0)
	require.NoError(t, err)

	payload := make([]byte, 4096)
	for i := range payload {
		payload[i] = byte(i)
	}

	var committed uint64
	var writeErr error
	for i := 0; i < 10000; i++ {
		var written uint64
		written, writeErr = filesystem.Write(ino, committed, payload)
		committed += written
		if writeErr != nil {
			break
		}
	}
	require.ErrorIs(t, writeErr, ErrNoSpace)

	attr, err := filesystem.GetAttr(ino)
	require.NoError(t, err)
	require.Equal(t, committed, attr.Size)

	data, err := filesystem.Read(ino, 0, attr.Size)
	require.NoError(t, err)
	require.Len(t, data, int(attr.Size))
	for i, b := range data {
		require.Equal(t, payload[i%4096], b, "byte %d of the committed prefix", i)
	}

	checkSegmentInvariants(t, filesystem)
}
