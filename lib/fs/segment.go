// Copyright 2026 The Mayanfest Authors
// SPDX-License-Identifier: Apache-2.0

package fs

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/garethgeorge/mayanfest-new/lib/chunkstore"
)

// SegmentController is the log-structured allocator for the data
// region. The region is carved into segments of SegmentSize chunks;
// chunk 0 of each segment is the header: word 0 is the live-chunk usage
// counter, words 1..SegmentSize-1 map each data slot to the index of
// the inode that owns it (0 = free slot). A segment is free iff its
// usage counter is 0.
//
// Segment headers are the source of truth for data-chunk liveness; the
// superblock's block map only records metadata regions.
type SegmentController struct {
	mu sync.Mutex

	store  *chunkstore.Store
	table  *INodeTable // set once the inode table exists; used by the cleaner
	logger *slog.Logger

	dataOffset  uint64
	segmentSize uint64
	numSegments uint64

	// currentSegment is the write segment, or -1 when no free
	// segment is available. currentChunk is the next slot within it.
	currentSegment int64
	currentChunk   uint64

	// freeSegments mirrors the superblock header's free-segment word
	// on every free/used transition so reload can restore it.
	freeSegments uint64

	cleanPasses uint64
}

// CleanPasses reports how many cleaning passes have completed.
func (sc *SegmentController) CleanPasses() uint64 {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	return sc.cleanPasses
}

func (sc *SegmentController) headerChunk(segment uint64) (*chunkstore.Chunk, error) {
	return sc.store.Get(sc.dataOffset + segment*sc.segmentSize)
}

// segmentUsage reads a segment's live-chunk counter.
func (sc *SegmentController) segmentUsage(segment uint64) (uint64, error) {
	header, err := sc.headerChunk(segment)
	if err != nil {
		return 0, err
	}
	usage := header.Word(0)
	header.Release()
	return usage, nil
}

// setSegmentUsage writes a segment's usage counter, maintaining the
// free-segment count (and its superblock mirror) across free/used
// transitions.
func (sc *SegmentController) setSegmentUsage(segment, usage uint64) error {
	if usage > sc.segmentSize {
		return fmt.Errorf("segment %d usage %d exceeds segment size: %w", segment, usage, ErrInternal)
	}
	header, err := sc.headerChunk(segment)
	if err != nil {
		return err
	}
	old := header.Word(0)
	header.SetWord(0, usage)
	header.Release()

	if old == 0 && usage != 0 {
		sc.freeSegments--
		return sc.writeFreeSegmentStat()
	}
	if old != 0 && usage == 0 {
		sc.freeSegments++
		return sc.writeFreeSegmentStat()
	}
	return nil
}

func (sc *SegmentController) writeFreeSegmentStat() error {
	header, err := sc.store.Get(0)
	if err != nil {
		return fmt.Errorf("updating free-segment count: %w", err)
	}
	header.SetWord(sbWordFreeSegments, sc.freeSegments)
	header.Release()
	return nil
}

// chunkOwner reads the reverse-map entry for a data slot.
func (sc *SegmentController) chunkOwner(segment, slot uint64) (uint64, error) {
	header, err := sc.headerChunk(segment)
	if err != nil {
		return 0, err
	}
	owner := header.Word(slot)
	header.Release()
	return owner, nil
}

func (sc *SegmentController) setChunkOwner(segment, slot, inodeIdx uint64) error {
	header, err := sc.headerChunk(segment)
	if err != nil {
		return err
	}
	header.SetWord(slot, inodeIdx)
	header.Release()
	return nil
}

// FreeSegments returns the current free-segment count.
func (sc *SegmentController) FreeSegments() uint64 {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	return sc.freeSegments
}

// NumSegments returns the segment count of the data region.
func (sc *SegmentController) NumSegments() uint64 { return sc.numSegments }

// SegmentSize returns the segment size in chunks.
func (sc *SegmentController) SegmentSize() uint64 { return sc.segmentSize }

// ClearAll zeroes every segment header, resets the free count to the
// segment count, and picks a fresh write segment. Called at format.
func (sc *SegmentController) ClearAll() error {
	sc.mu.Lock()
	defer sc.mu.Unlock()

	for segment := uint64(0); segment < sc.numSegments; segment++ {
		header, err := sc.headerChunk(segment)
		if err != nil {
			return err
		}
		header.Zero()
		header.Release()
	}
	sc.freeSegments = sc.numSegments
	if err := sc.writeFreeSegmentStat(); err != nil {
		return err
	}
	sc.pickWriteSegment()
	return nil
}

// pickWriteSegment scans for the lowest-index free segment and makes it
// the write segment, or records that none exists. The free count is not
// touched here; it changes when the first allocation flips the
// segment's usage off zero.
func (sc *SegmentController) pickWriteSegment() {
	for segment := uint64(0); segment < sc.numSegments; segment++ {
		usage, err := sc.segmentUsage(segment)
		if err != nil {
			continue
		}
		if usage == 0 {
			sc.currentSegment = int64(segment)
			sc.currentChunk = 1
			return
		}
	}
	sc.currentSegment = -1
}

// PickWriteSegment exposes the scan for superblock init and reload.
func (sc *SegmentController) PickWriteSegment() {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	sc.pickWriteSegment()
}

// Allocate returns the absolute chunk index of the next slot in the
// write segment, bumping the segment's usage and recording inodeIdx in
// the reverse map. Moves to another free segment when the current one
// fills; fails with ErrNoSpace when none exists.
func (sc *SegmentController) Allocate(inodeIdx uint64) (uint64, error) {
	if inodeIdx == 0 {
		return 0, fmt.Errorf("allocating chunk for reserved inode 0: %w", ErrInternal)
	}

	sc.mu.Lock()
	defer sc.mu.Unlock()

	if sc.currentChunk == sc.segmentSize {
		sc.pickWriteSegment()
	}
	if sc.currentSegment < 0 {
		return 0, fmt.Errorf("no free segment for new chunk: %w", ErrNoSpace)
	}

	segment := uint64(sc.currentSegment)
	usage, err := sc.segmentUsage(segment)
	if err != nil {
		return 0, err
	}
	if err := sc.setSegmentUsage(segment, usage+1); err != nil {
		return 0, err
	}
	if err := sc.setChunkOwner(segment, sc.currentChunk, inodeIdx); err != nil {
		return 0, err
	}

	idx := sc.dataOffset + segment*sc.segmentSize + sc.currentChunk
	sc.currentChunk++
	return idx, nil
}

// FreeChunk returns a data chunk to its segment: the reverse-map entry
// is cleared and the usage counter decremented, freeing the segment
// when it hits zero. The handle must be the unique reference; it is
// consumed.
func (sc *SegmentController) FreeChunk(chunk *chunkstore.Chunk) error {
	if chunk.Refs() != 1 {
		return fmt.Errorf("freeing chunk %d with %d live references: %w",
			chunk.Index, chunk.Refs(), ErrInternal)
	}

	sc.mu.Lock()
	defer sc.mu.Unlock()

	if chunk.Index < sc.dataOffset {
		return fmt.Errorf("freeing metadata chunk %d: %w", chunk.Index, ErrInternal)
	}
	segment := (chunk.Index - sc.dataOffset) / sc.segmentSize
	slot := chunk.Index - sc.dataOffset - segment*sc.segmentSize
	if segment >= sc.numSegments || slot == 0 {
		return fmt.Errorf("freeing chunk %d outside any data slot: %w", chunk.Index, ErrInternal)
	}

	usage, err := sc.segmentUsage(segment)
	if err != nil {
		return err
	}
	if usage == 0 {
		return fmt.Errorf("freeing chunk %d in already-free segment %d: %w",
			chunk.Index, segment, ErrInternal)
	}
	if err := sc.setChunkOwner(segment, slot, 0); err != nil {
		return err
	}
	if err := sc.setSegmentUsage(segment, usage-1); err != nil {
		return err
	}

	chunk.Release()
	return nil
}

// Clean runs one cleaning pass: live chunks from partially filled
// segments are consolidated into up to two fresh segments and every
// touched inode's indirect tree is rewritten to the new locations. The
// controller lock is held for the whole pass, so callers observe
// either pre-clean or post-clean pointers, never a mixture.
//
// Returns nil when the pass completed or there was nothing safe to do
// (fewer than two free destinations); returns ErrNoSpace when fewer
// than two source segments could be consolidated.
func (sc *SegmentController) Clean() error {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	return sc.cleanLocked()
}

func (sc *SegmentController) cleanLocked() error {
	if sc.freeSegments == 0 {
		return nil
	}

	// Two free destinations, lowest index first, never the write
	// segment. With fewer than two the pass is a no-op: allocation
	// can still proceed until the write segment runs dry.
	destinations := make([]uint64, 0, 2)
	for segment := uint64(0); segment < sc.numSegments && len(destinations) < 2; segment++ {
		if int64(segment) == sc.currentSegment {
			continue
		}
		usage, err := sc.segmentUsage(segment)
		if err != nil {
			return err
		}
		if usage == 0 {
			destinations = append(destinations, segment)
		}
	}
	if len(destinations) < 2 {
		return nil
	}

	// Sources in ascending index order: partially filled segments
	// (full ones have nothing to consolidate), excluding the write
	// segment, until the next one would exceed the two-destination
	// budget.
	budget := 2 * (sc.segmentSize - 1)
	var sources []uint64
	var liveChunks uint64
	for segment := uint64(0); segment < sc.numSegments; segment++ {
		if int64(segment) == sc.currentSegment {
			continue
		}
		usage, err := sc.segmentUsage(segment)
		if err != nil {
			return err
		}
		if usage == 0 || usage == sc.segmentSize-1 {
			continue
		}
		if liveChunks+usage > budget {
			break
		}
		sources = append(sources, segment)
		liveChunks += usage
	}
	if len(sources) <= 1 {
		return fmt.Errorf("cleaner found %d consolidatable segments: %w", len(sources), ErrNoSpace)
	}

	usageA := liveChunks
	if usageA > sc.segmentSize-1 {
		usageA = sc.segmentSize - 1
	}
	usageB := liveChunks - usageA
	if err := sc.setSegmentUsage(destinations[0], usageA); err != nil {
		return err
	}
	if err := sc.setSegmentUsage(destinations[1], usageB); err != nil {
		return err
	}

	// Copy live chunks in source order, filling destination A then
	// B, and record old→new per owning inode.
	remaps := make(map[uint64]map[uint64]uint64)
	destination := destinations[0]
	writeHead := uint64(1)
	for _, source := range sources {
		for slot := uint64(1); slot < sc.segmentSize; slot++ {
			owner, err := sc.chunkOwner(source, slot)
			if err != nil {
				return err
			}
			if owner == 0 {
				continue
			}
			if destination == destinations[0] && writeHead == usageA+1 {
				destination = destinations[1]
				writeHead = 1
			}
			if err := sc.setChunkOwner(destination, writeHead, owner); err != nil {
				return err
			}

			oldIdx := sc.dataOffset + source*sc.segmentSize + slot
			newIdx := sc.dataOffset + destination*sc.segmentSize + writeHead
			src, err := sc.store.Get(oldIdx)
			if err != nil {
				return err
			}
			dst, err := sc.store.Get(newIdx)
			if err != nil {
				src.Release()
				return err
			}
			copy(dst.Data, src.Data)
			src.Release()
			dst.Release()

			if remaps[owner] == nil {
				remaps[owner] = make(map[uint64]uint64)
			}
			remaps[owner][oldIdx] = newIdx
			writeHead++
		}
	}

	// Rewrite each touched inode's indirect tree and persist it.
	for inodeIdx, mapping := range remaps {
		inode, err := sc.table.Get(inodeIdx)
		if err != nil {
			return fmt.Errorf("cleaner loading inode %d: %w", inodeIdx, err)
		}
		if err := inode.UpdateChunkLocations(mapping); err != nil {
			sc.table.Put(inode)
			return fmt.Errorf("cleaner rewriting inode %d pointers: %w", inodeIdx, err)
		}
		if err := sc.table.Update(inode); err != nil {
			sc.table.Put(inode)
			return err
		}
		if err := sc.table.Put(inode); err != nil {
			return err
		}
	}

	// Zero the sources, header and body. The usage transition keeps
	// the free-segment count right.
	for _, source := range sources {
		if err := sc.setSegmentUsage(source, 0); err != nil {
			return err
		}
		for slot := uint64(0); slot < sc.segmentSize; slot++ {
			chunk, err := sc.store.Get(sc.dataOffset + source*sc.segmentSize + slot)
			if err != nil {
				return err
			}
			chunk.Zero()
			chunk.Release()
		}
	}

	sc.cleanPasses++
	sc.logger.Debug("segment clean pass complete",
		"sources", len(sources),
		"live_chunks", liveChunks,
		"destinations", destinations,
		"free_segments", sc.freeSegments,
	)
	return nil
}
