// Copyright 2026 The Mayanfest Authors
// SPDX-License-Identifier: Apache-2.0

package chunkstore

import (
	"fmt"
	"sync"
)

// BitMap is a bit-addressable view laid directly over a contiguous run
// of chunks. The filesystem uses one for the block map covering the
// whole store and one for the used-inode map.
//
// The padding byte past the declared bit count is kept all-ones by
// ClearAll so that a run search can never hand out bits past the end.
type BitMap struct {
	mu sync.Mutex

	bits       uint64
	chunkSize  uint64
	chunks     []*Chunk
	lastSearch uint64 // byte-aligned bit cursor for FindUnsetRun
}

// BitRange is a run of consecutive bits.
type BitRange struct {
	Start uint64
	Count uint64
}

// byteRuns[b] is the first unset bit position within byte value b and
// the length of the maximal unset run starting there.
var byteRuns = func() [256]BitRange {
	var table [256]BitRange
	for b := 0; b < 256; b++ {
		for j := uint64(0); j < 8; j++ {
			if b&(1<<j) == 0 {
				k := uint64(1)
				for j+k < 8 && b&(1<<(j+k)) == 0 {
					k++
				}
				table[b] = BitRange{Start: j, Count: k}
				break
			}
		}
	}
	return table
}()

// NewBitMap lays a bitmap of nbits bits over the chunks starting at
// chunkStart, pinning the underlying chunk handles until Close.
func NewBitMap(store *Store, chunkStart, nbits uint64) (*BitMap, error) {
	bm := &BitMap{
		bits:      nbits,
		chunkSize: store.ChunkSize(),
	}
	for i := uint64(0); i < bm.SizeChunks(); i++ {
		chunk, err := store.Get(chunkStart + i)
		if err != nil {
			bm.Close()
			return nil, fmt.Errorf("pinning bitmap chunk %d: %w", chunkStart+i, err)
		}
		bm.chunks = append(bm.chunks, chunk)
	}
	return bm, nil
}

// Close releases the pinned chunk handles, scheduling writeback.
func (bm *BitMap) Close() {
	for _, chunk := range bm.chunks {
		chunk.Release()
	}
	bm.chunks = nil
}

// Bits returns the declared bit count.
func (bm *BitMap) Bits() uint64 { return bm.bits }

// SizeBytes returns the byte footprint including tail padding.
func (bm *BitMap) SizeBytes() uint64 { return bm.bits/8 + 8 }

// SizeChunks returns the chunk footprint.
func (bm *BitMap) SizeChunks() uint64 { return bm.SizeBytes()/bm.chunkSize + 1 }

func (bm *BitMap) byteAt(bit uint64) *byte {
	byteIdx := bit / 8
	chunk := bm.chunks[byteIdx/bm.chunkSize]
	return &chunk.Data[byteIdx%bm.chunkSize]
}

// Get reports whether bit idx is set.
func (bm *BitMap) Get(idx uint64) (bool, error) {
	if idx >= bm.bits {
		return false, fmt.Errorf("bitmap bit %d of %d: %w", idx, bm.bits, ErrOutOfRange)
	}
	bm.mu.Lock()
	defer bm.mu.Unlock()
	return *bm.byteAt(idx)&(1<<(idx%8)) != 0, nil
}

// Set sets bit idx.
func (bm *BitMap) Set(idx uint64) error {
	if idx >= bm.bits {
		return fmt.Errorf("bitmap bit %d of %d: %w", idx, bm.bits, ErrOutOfRange)
	}
	bm.mu.Lock()
	defer bm.mu.Unlock()
	*bm.byteAt(idx) |= 1 << (idx % 8)
	return nil
}

// Clear clears bit idx.
func (bm *BitMap) Clear(idx uint64) error {
	if idx >= bm.bits {
		return fmt.Errorf("bitmap bit %d of %d: %w", idx, bm.bits, ErrOutOfRange)
	}
	bm.mu.Lock()
	defer bm.mu.Unlock()
	*bm.byteAt(idx) &^= 1 << (idx % 8)
	return nil
}

// ClearAll zeroes the underlying chunks and sets the tail padding bits
// past the declared bit count so they cannot be allocated.
func (bm *BitMap) ClearAll() {
	bm.mu.Lock()
	defer bm.mu.Unlock()

	for _, chunk := range bm.chunks {
		chunk.Zero()
	}
	for idx := bm.bits; idx < bm.bits+8; idx++ {
		*bm.byteAt(idx) |= 1 << (idx % 8)
	}
	bm.lastSearch = 0
}

// FindUnsetRun returns the first run of consecutive unset bits of
// length up to n, scanning byte-wise from a persisted cursor. Runs are
// stitched across byte boundaries only when the next byte's run starts
// at its bit 0. An empty scan resets the cursor and retries once; a
// zero Count result means the bitmap has no unset bit left.
func (bm *BitMap) FindUnsetRun(n uint64) BitRange {
	bm.mu.Lock()
	defer bm.mu.Unlock()
	return bm.findUnsetRun(n)
}

func (bm *BitMap) findUnsetRun(n uint64) BitRange {
	var run BitRange
	for idx := bm.lastSearch; idx < bm.bits; idx += 8 {
		b := *bm.byteAt(idx)
		res := byteRuns[b]
		res.Start += idx

		// An accumulated run only continues if this byte's run
		// starts exactly where the previous one ended.
		if run.Count != 0 && res.Start != run.Start+run.Count {
			bm.lastSearch = idx
			break
		}

		if res.Count != 0 {
			if run.Count == 0 {
				run = res
			} else {
				run.Count += res.Count
			}
			if run.Count >= n {
				bm.lastSearch = idx
				break
			}
		}
	}

	if run.Count > n {
		run.Count = n
	}

	if run.Count == 0 && bm.lastSearch != 0 {
		bm.lastSearch = 0
		return bm.findUnsetRun(n)
	}

	return run
}
