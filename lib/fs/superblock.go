// Copyright 2026 The Mayanfest Authors
// SPDX-License-Identifier: Apache-2.0

package fs

import (
	"fmt"
	"log/slog"

	"github.com/garethgeorge/mayanfest-new/lib/chunkstore"
)

// Superblock header word indices (u64 words at chunk 0).
const (
	sbWordSuperblockChunks = 0
	sbWordDiskSizeBytes    = 1
	sbWordDiskSizeChunks   = 2
	sbWordChunkSize        = 3
	sbWordBlockMapOffset   = 4
	sbWordBlockMapChunks   = 5
	sbWordInodeTableOffset = 6
	sbWordInodeTableChunks = 7
	sbWordInodeCount       = 8
	sbWordDataOffset       = 9
	sbWordSegmentSize      = 10
	sbWordSegmentCount     = 11
	sbWordRootInode        = 12
	sbWordFreeSegments     = 13
)

// superblockChunks is the header footprint; the header has always fit
// in a single chunk.
const superblockChunks = 1

// minSegments is the lower bound the format-time segment sizing halves
// toward: segments shrink until at least this many fit the data region.
const minSegments = 20

// SuperBlock is the root record of the filesystem: the global layout
// parameters persisted at chunk 0, plus the live views constructed over
// them — block map, inode table, segment controller.
type SuperBlock struct {
	store  *chunkstore.Store
	logger *slog.Logger

	DiskSizeBytes  uint64
	DiskSizeChunks uint64
	ChunkSize      uint64

	BlockMapOffset uint64
	BlockMapChunks uint64

	InodeTableOffset uint64
	InodeTableChunks uint64
	InodeCount       uint64

	DataOffset   uint64
	SegmentSize  uint64
	SegmentCount uint64
	RootInode    uint64

	blockMap *chunkstore.BitMap
	Table    *INodeTable
	Segments *SegmentController
}

// NewSuperBlock binds a superblock to a store. Call Init to format or
// Load to reconstruct from an existing image.
func NewSuperBlock(store *chunkstore.Store, logger *slog.Logger) *SuperBlock {
	return &SuperBlock{
		store:          store,
		logger:         logger,
		DiskSizeBytes:  store.SizeBytes(),
		DiskSizeChunks: store.ChunkCount(),
		ChunkSize:      store.ChunkSize(),
	}
}

// AllocateChunk takes the next chunk from the segment controller on
// behalf of inodeIdx and returns it zero-filled.
func (sb *SuperBlock) AllocateChunk(inodeIdx uint64) (*chunkstore.Chunk, error) {
	idx, err := sb.Segments.Allocate(inodeIdx)
	if err != nil {
		return nil, err
	}
	chunk, err := sb.store.Get(idx)
	if err != nil {
		return nil, err
	}
	chunk.Zero()
	return chunk, nil
}

// Init formats the store: block map after the header, inode table after
// that (sized by inodeFraction of the disk), then the segmented data
// region. The root directory is created with "." and ".." pointing to
// itself and the header is serialized to chunk 0.
func (sb *SuperBlock) Init(inodeFraction float64, nowMillis uint64) error {
	if sb.DiskSizeChunks < 16 ||
		float64(sb.DiskSizeChunks)*(1.0-inodeFraction) < 16 {
		return fmt.Errorf("store of %d chunks too small to format: %w",
			sb.DiskSizeChunks, ErrInvalid)
	}

	offset := uint64(superblockChunks)

	blockMap, err := chunkstore.NewBitMap(sb.store, offset, sb.DiskSizeChunks)
	if err != nil {
		return fmt.Errorf("laying out block map: %w", err)
	}
	blockMap.ClearAll()
	sb.blockMap = blockMap
	sb.BlockMapOffset = offset
	sb.BlockMapChunks = blockMap.SizeChunks()
	offset += blockMap.SizeChunks()

	inodesPerChunk := sb.ChunkSize / InodeSize
	inodeCount := uint64(inodeFraction*float64(sb.DiskSizeChunks)) * inodesPerChunk
	table, err := NewINodeTable(sb, offset, inodeCount)
	if err != nil {
		return fmt.Errorf("laying out inode table: %w", err)
	}
	if err := table.Format(); err != nil {
		return err
	}
	sb.Table = table
	sb.InodeCount = inodeCount
	sb.InodeTableOffset = offset
	sb.InodeTableChunks = table.SizeChunks()
	offset += table.SizeChunks()

	// One margin chunk between the inode table and the data region.
	offset++

	for bit := uint64(0); bit < offset; bit++ {
		if err := sb.blockMap.Set(bit); err != nil {
			return fmt.Errorf("marking metadata chunk %d used: %w", bit, err)
		}
	}
	sb.DataOffset = offset
	if sb.DataOffset+1 >= sb.DiskSizeChunks {
		return fmt.Errorf("metadata consumed the whole store (%d of %d chunks): %w",
			sb.DataOffset, sb.DiskSizeChunks, ErrInvalid)
	}

	// Halve the segment size until at least minSegments fit the
	// remaining data region.
	sb.SegmentCount = 0
	sb.SegmentSize = 2 * (sb.ChunkSize / 8)
	for sb.SegmentCount < minSegments {
		sb.SegmentSize /= 2
		if sb.SegmentSize == 0 {
			return fmt.Errorf("data region of %d chunks cannot hold %d segments: %w",
				sb.DiskSizeChunks-sb.DataOffset, minSegments, ErrInvalid)
		}
		sb.SegmentCount = (sb.DiskSizeChunks - sb.DataOffset - 1) / sb.SegmentSize
	}

	sb.Segments = &SegmentController{
		store:       sb.store,
		table:       sb.Table,
		logger:      sb.logger,
		dataOffset:  sb.DataOffset,
		segmentSize: sb.SegmentSize,
		numSegments: sb.SegmentCount,
	}
	if err := sb.Segments.ClearAll(); err != nil {
		return fmt.Errorf("clearing segments: %w", err)
	}

	root, err := sb.Table.Alloc()
	if err != nil {
		return fmt.Errorf("allocating root inode: %w", err)
	}
	root.Record.Type = FileTypeDir
	root.Record.Permissions = 0o755
	root.Record.AccessedMillis = nowMillis
	root.Record.ModifiedMillis = nowMillis
	rootDir := NewDirectory(root)
	if _, err := rootDir.Add(".", root.Index); err != nil {
		return fmt.Errorf("creating root directory: %w", err)
	}
	if _, err := rootDir.Add("..", root.Index); err != nil {
		return fmt.Errorf("creating root directory: %w", err)
	}
	sb.RootInode = root.Index
	if err := sb.Table.Put(root); err != nil {
		return err
	}

	if err := sb.writeHeader(); err != nil {
		return err
	}

	sb.logger.Info("filesystem formatted",
		"disk_chunks", sb.DiskSizeChunks,
		"chunk_size", sb.ChunkSize,
		"inode_count", sb.InodeCount,
		"data_offset", sb.DataOffset,
		"segment_size", sb.SegmentSize,
		"segment_count", sb.SegmentCount,
	)
	return nil
}

func (sb *SuperBlock) writeHeader() error {
	header, err := sb.store.Get(0)
	if err != nil {
		return fmt.Errorf("loading superblock chunk: %w", err)
	}
	header.SetWord(sbWordSuperblockChunks, superblockChunks)
	header.SetWord(sbWordDiskSizeBytes, sb.DiskSizeBytes)
	header.SetWord(sbWordDiskSizeChunks, sb.DiskSizeChunks)
	header.SetWord(sbWordChunkSize, sb.ChunkSize)
	header.SetWord(sbWordBlockMapOffset, sb.BlockMapOffset)
	header.SetWord(sbWordBlockMapChunks, sb.BlockMapChunks)
	header.SetWord(sbWordInodeTableOffset, sb.InodeTableOffset)
	header.SetWord(sbWordInodeTableChunks, sb.InodeTableChunks)
	header.SetWord(sbWordInodeCount, sb.InodeCount)
	header.SetWord(sbWordDataOffset, sb.DataOffset)
	header.SetWord(sbWordSegmentSize, sb.SegmentSize)
	header.SetWord(sbWordSegmentCount, sb.SegmentCount)
	header.SetWord(sbWordRootInode, sb.RootInode)
	header.SetWord(sbWordFreeSegments, sb.Segments.FreeSegments())
	header.Release()
	return nil
}

// Load reconstructs the superblock from chunk 0 of an already-formatted
// store. The format-fixed words must match the store's geometry and the
// block map must show every metadata chunk as used; any mismatch means
// the image is corrupted.
func (sb *SuperBlock) Load() error {
	header, err := sb.store.Get(0)
	if err != nil {
		return fmt.Errorf("loading superblock chunk: %w", err)
	}

	if header.Word(sbWordSuperblockChunks) != superblockChunks ||
		header.Word(sbWordDiskSizeBytes) != sb.DiskSizeBytes ||
		header.Word(sbWordDiskSizeChunks) != sb.DiskSizeChunks ||
		header.Word(sbWordChunkSize) != sb.ChunkSize {
		header.Release()
		return fmt.Errorf("superblock header does not match store geometry: %w", ErrCorrupted)
	}

	sb.BlockMapOffset = header.Word(sbWordBlockMapOffset)
	sb.BlockMapChunks = header.Word(sbWordBlockMapChunks)
	sb.InodeTableOffset = header.Word(sbWordInodeTableOffset)
	sb.InodeTableChunks = header.Word(sbWordInodeTableChunks)
	sb.InodeCount = header.Word(sbWordInodeCount)
	sb.DataOffset = header.Word(sbWordDataOffset)
	sb.SegmentSize = header.Word(sbWordSegmentSize)
	sb.SegmentCount = header.Word(sbWordSegmentCount)
	sb.RootInode = header.Word(sbWordRootInode)
	freeSegments := header.Word(sbWordFreeSegments)
	header.Release()

	if sb.SegmentCount == 0 || sb.SegmentSize == 0 {
		return fmt.Errorf("superblock records an empty data region: %w", ErrCorrupted)
	}

	blockMap, err := chunkstore.NewBitMap(sb.store, sb.BlockMapOffset, sb.DiskSizeChunks)
	if err != nil {
		return fmt.Errorf("mapping block map: %w", err)
	}
	if blockMap.SizeChunks() != sb.BlockMapChunks {
		blockMap.Close()
		return fmt.Errorf("block map footprint disagrees with header: %w", ErrCorrupted)
	}
	sb.blockMap = blockMap

	table, err := NewINodeTable(sb, sb.InodeTableOffset, sb.InodeCount)
	if err != nil {
		return fmt.Errorf("mapping inode table: %w", err)
	}
	sb.Table = table
	if table.SizeChunks() != sb.InodeTableChunks {
		return fmt.Errorf("inode table footprint disagrees with header: %w", ErrCorrupted)
	}

	sb.Segments = &SegmentController{
		store:        sb.store,
		table:        sb.Table,
		logger:       sb.logger,
		dataOffset:   sb.DataOffset,
		segmentSize:  sb.SegmentSize,
		numSegments:  sb.SegmentCount,
		freeSegments: freeSegments,
	}
	sb.Segments.PickWriteSegment()

	for bit := uint64(0); bit < sb.DataOffset; bit++ {
		used, err := sb.blockMap.Get(bit)
		if err != nil {
			return err
		}
		if !used {
			return fmt.Errorf("metadata chunk %d not marked used in block map: %w",
				bit, ErrCorrupted)
		}
	}

	sb.logger.Info("filesystem loaded",
		"disk_chunks", sb.DiskSizeChunks,
		"inode_count", sb.InodeCount,
		"segment_count", sb.SegmentCount,
		"free_segments", freeSegments,
		"root_inode", sb.RootInode,
	)
	return nil
}

// Close flushes cached inode records and releases the pinned bitmap
// chunks so the store can be closed.
func (sb *SuperBlock) Close() error {
	if sb.Table != nil {
		if err := sb.Table.Close(); err != nil {
			return err
		}
		sb.Table = nil
	}
	if sb.blockMap != nil {
		sb.blockMap.Close()
		sb.blockMap = nil
	}
	return nil
}
