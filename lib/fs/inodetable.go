// Copyright 2026 The Mayanfest Authors
// SPDX-License-Identifier: Apache-2.0

package fs

import (
	"fmt"
	"sync"

	"github.com/garethgeorge/mayanfest-new/lib/chunkstore"
)

// INodeTable manages the used-inode bitmap and the ilist (the packed
// array of inode records that follows it), plus the cache of in-memory
// inode handles.
//
// The cache and the ilist agree by construction: while a handle is
// live, every Get for that index returns the same handle; the record is
// mirrored back to its ilist slot by Update and by the final Put.
//
// Inode index 0 is reserved at format time — segment headers use owner
// 0 to mean "free slot", so no real inode may carry that index.
type INodeTable struct {
	mu sync.Mutex

	sb *SuperBlock

	offsetChunks   uint64 // first chunk of the used-inode bitmap
	ilistOffset    uint64 // first chunk of the ilist
	inodeCount     uint64
	inodesPerChunk uint64
	sizeChunks     uint64

	used  *chunkstore.BitMap
	cache map[uint64]*INode
}

// NewINodeTable lays a table of inodeCount inodes over the chunks
// starting at offsetChunks: used-inode bitmap first, ilist after.
func NewINodeTable(sb *SuperBlock, offsetChunks, inodeCount uint64) (*INodeTable, error) {
	inodesPerChunk := sb.ChunkSize / InodeSize
	if inodesPerChunk == 0 {
		return nil, fmt.Errorf("chunk size %d below inode record size %d: %w",
			sb.ChunkSize, InodeSize, ErrInvalid)
	}

	used, err := chunkstore.NewBitMap(sb.store, offsetChunks, inodeCount)
	if err != nil {
		return nil, fmt.Errorf("mapping used-inode bitmap: %w", err)
	}

	return &INodeTable{
		sb:             sb,
		offsetChunks:   offsetChunks,
		ilistOffset:    offsetChunks + used.SizeChunks(),
		inodeCount:     inodeCount,
		inodesPerChunk: inodesPerChunk,
		sizeChunks:     used.SizeChunks() + inodeCount/inodesPerChunk + 1,
		used:           used,
		cache:          make(map[uint64]*INode),
	}, nil
}

// SizeChunks returns the full table footprint: bitmap plus ilist.
func (t *INodeTable) SizeChunks() uint64 { return t.sizeChunks }

// InodeCount returns the table capacity.
func (t *INodeTable) InodeCount() uint64 { return t.inodeCount }

// Format clears the used-inode bitmap and reserves index 0.
func (t *INodeTable) Format() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.used.ClearAll()
	return t.used.Set(0)
}

// Alloc finds the first free index, marks it used, and returns a fresh
// handle bound to it. The record is zero until the caller fills it in.
// Fails with ErrNoSpace when the bitmap is full.
func (t *INodeTable) Alloc() (*INode, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	run := t.used.FindUnsetRun(1)
	if run.Count != 1 {
		return nil, fmt.Errorf("no free inode: %w", ErrNoSpace)
	}
	if err := t.used.Set(run.Start); err != nil {
		return nil, err
	}

	inode := &INode{Index: run.Start, sb: t.sb, refs: 1}
	t.cache[inode.Index] = inode
	return inode, nil
}

// Get returns a handle to the inode at idx, sharing the live handle if
// one exists, otherwise loading the record from the ilist. The index
// must be marked used.
func (t *INodeTable) Get(idx uint64) (*INode, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if idx == 0 {
		return nil, fmt.Errorf("inode index 0 is reserved: %w", ErrInternal)
	}
	if idx >= t.inodeCount {
		return nil, fmt.Errorf("inode %d of %d: %w", idx, t.inodeCount, chunkstore.ErrOutOfRange)
	}
	inUse, err := t.used.Get(idx)
	if err != nil {
		return nil, err
	}
	if !inUse {
		return nil, fmt.Errorf("inode %d is not allocated: %w", idx, ErrInternal)
	}

	if inode, ok := t.cache[idx]; ok {
		inode.refs++
		return inode, nil
	}

	inode := &INode{Index: idx, sb: t.sb, refs: 1}
	if err := t.readRecord(idx, &inode.Record); err != nil {
		return nil, err
	}
	t.cache[idx] = inode
	return inode, nil
}

// Update copies the handle's record back into its ilist slot.
func (t *INodeTable) Update(inode *INode) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.updateLocked(inode)
}

func (t *INodeTable) updateLocked(inode *INode) error {
	if inode.Index >= t.inodeCount {
		return fmt.Errorf("inode %d of %d: %w", inode.Index, t.inodeCount, chunkstore.ErrOutOfRange)
	}
	inUse, err := t.used.Get(inode.Index)
	if err != nil {
		return err
	}
	if !inUse {
		return fmt.Errorf("updating unallocated inode %d: %w", inode.Index, ErrInternal)
	}
	return t.writeRecord(inode.Index, &inode.Record)
}

// Put releases one reference to the handle. The final release mirrors
// the record to the ilist and drops the cache entry.
func (t *INodeTable) Put(inode *INode) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	inode.refs--
	if inode.refs < 0 {
		return fmt.Errorf("inode %d over-released: %w", inode.Index, ErrInternal)
	}
	if inode.refs > 0 {
		return nil
	}
	delete(t.cache, inode.Index)
	return t.updateLocked(inode)
}

// Free releases the inode's slot. The handed handle must be the sole
// reference; its data chunks must already have been returned via
// ReleaseChunks. The record is not written back.
func (t *INodeTable) Free(inode *INode) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if inode.refs != 1 {
		return fmt.Errorf("freeing inode %d with %d live references: %w",
			inode.Index, inode.refs, ErrInternal)
	}
	if inode.Index >= t.inodeCount {
		return fmt.Errorf("inode %d of %d: %w", inode.Index, t.inodeCount, chunkstore.ErrOutOfRange)
	}

	inode.refs = 0
	delete(t.cache, inode.Index)
	return t.used.Clear(inode.Index)
}

// FlushAll mirrors every cached inode to the ilist. Called on shutdown
// so that records held by long-lived handles reach the disk.
func (t *INodeTable) FlushAll() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	for _, inode := range t.cache {
		if err := t.updateLocked(inode); err != nil {
			return fmt.Errorf("flushing inode %d: %w", inode.Index, err)
		}
	}
	return nil
}

// Close flushes cached inodes and releases the bitmap's pinned chunks.
func (t *INodeTable) Close() error {
	if err := t.FlushAll(); err != nil {
		return err
	}
	t.used.Close()
	return nil
}

func (t *INodeTable) recordChunk(idx uint64) (*chunkstore.Chunk, uint64, error) {
	chunkIdx := t.ilistOffset + idx/t.inodesPerChunk
	chunk, err := t.sb.store.Get(chunkIdx)
	if err != nil {
		return nil, 0, fmt.Errorf("loading ilist chunk %d: %w", chunkIdx, err)
	}
	return chunk, (idx % t.inodesPerChunk) * InodeSize, nil
}

func (t *INodeTable) readRecord(idx uint64, rec *InodeRecord) error {
	chunk, off, err := t.recordChunk(idx)
	if err != nil {
		return err
	}
	rec.decode(chunk.Data[off : off+InodeSize])
	chunk.Release()
	return nil
}

func (t *INodeTable) writeRecord(idx uint64, rec *InodeRecord) error {
	chunk, off, err := t.recordChunk(idx)
	if err != nil {
		return err
	}
	rec.encode(chunk.Data[off : off+InodeSize])
	chunk.Release()
	return nil
}
