// Copyright 2026 The Mayanfest Authors
// SPDX-License-Identifier: Apache-2.0

package chunkstore

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func newTestBitMap(t *testing.T, nbits uint64) (*Store, *BitMap) {
	t.Helper()
	store, err := OpenAnonymous(8, 512)
	require.NoError(t, err)
	bm, err := NewBitMap(store, 0, nbits)
	require.NoError(t, err)
	bm.ClearAll()
	t.Cleanup(func() {
		bm.Close()
		require.NoError(t, store.Close())
	})
	return store, bm
}

func TestBitMapGetSetClear(t *testing.T) {
	_, bm := newTestBitMap(t, 100)

	for _, idx := range []uint64{0, 7, 8, 63, 99} {
		set, err := bm.Get(idx)
		require.NoError(t, err)
		require.False(t, set)

		require.NoError(t, bm.Set(idx))
		set, err = bm.Get(idx)
		require.NoError(t, err)
		require.True(t, set)

		require.NoError(t, bm.Clear(idx))
		set, err = bm.Get(idx)
		require.NoError(t, err)
		require.False(t, set)
	}
}

func TestBitMapBounds(t *testing.T) {
	_, bm := newTestBitMap(t, 100)

	_, err := bm.Get(100)
	require.ErrorIs(t, err, ErrOutOfRange)
	require.ErrorIs(t, bm.Set(100), ErrOutOfRange)
	require.ErrorIs(t, bm.Clear(100), ErrOutOfRange)
}

func TestBitMapFindRunWithinByte(t *testing.T) {
	_, bm := newTestBitMap(t, 64)

	run := bm.FindUnsetRun(4)
	require.Equal(t, uint64(0), run.Start)
	require.Equal(t, uint64(4), run.Count)
}

func TestBitMapFindRunSkipsUsedBits(t *testing.T) {
	_, bm := newTestBitMap(t, 64)

	// Occupy bits 0..9; the next run must start at 10.
	for i := uint64(0); i < 10; i++ {
		require.NoError(t, bm.Set(i))
	}
	run := bm.FindUnsetRun(3)
	require.Equal(t, uint64(10), run.Start)
	require.Equal(t, uint64(3), run.Count)
}

func TestBitMapFindRunStitchesAcrossBytes(t *testing.T) {
	_, bm := newTestBitMap(t, 64)

	// Bits 0..5 used: the free run 6..15 spans the first byte
	// boundary and must be stitched.
	for i := uint64(0); i < 6; i++ {
		require.NoError(t, bm.Set(i))
	}
	run := bm.FindUnsetRun(10)
	require.Equal(t, uint64(6), run.Start)
	require.Equal(t, uint64(10), run.Count)
}

func TestBitMapFindRunCursorWraps(t *testing.T) {
	_, bm := newTestBitMap(t, 64)

	// Advance the cursor past bit 0 by consuming an early run.
	run := bm.FindUnsetRun(16)
	require.Equal(t, uint64(16), run.Count)
	for i := run.Start; i < run.Start+run.Count; i++ {
		require.NoError(t, bm.Set(i))
	}
	run = bm.FindUnsetRun(16)
	for i := run.Start; i < run.Start+run.Count; i++ {
		require.NoError(t, bm.Set(i))
	}

	// Free an early bit; later scans must wrap and rediscover it.
	require.NoError(t, bm.Clear(3))
	for i := uint64(32); i < 64; i++ {
		require.NoError(t, bm.Set(i))
	}
	run = bm.FindUnsetRun(1)
	require.Equal(t, uint64(3), run.Start)
	require.Equal(t, uint64(1), run.Count)
}

func TestBitMapExhaustion(t *testing.T) {
	_, bm := newTestBitMap(t, 16)

	for i := uint64(0); i < 16; i++ {
		require.NoError(t, bm.Set(i))
	}
	run := bm.FindUnsetRun(1)
	require.Equal(t, uint64(0), run.Count)
}

func TestBitMapTailPadding(t *testing.T) {
	// 12 bits: the tail of the second byte must be pre-set so a run
	// can never extend past the declared size.
	_, bm := newTestBitMap(t, 12)

	run := bm.FindUnsetRun(64)
	require.Equal(t, uint64(0), run.Start)
	require.Equal(t, uint64(12), run.Count)
}
