// Copyright 2026 The Mayanfest Authors
// SPDX-License-Identifier: Apache-2.0

package fs

import (
	"encoding/binary"
	"fmt"

	"github.com/garethgeorge/mayanfest-new/lib/chunkstore"
)

// Address-array geometry. The 11 entries split into four regions:
// 8 direct, 1 single-indirect, 1 double-indirect, 1 triple-indirect.
const (
	DirectAddresses         = 8
	SingleIndirectAddresses = 1
	DoubleIndirectAddresses = 1
	TripleIndirectAddresses = 1
	AddressCount            = DirectAddresses + SingleIndirectAddresses +
		DoubleIndirectAddresses + TripleIndirectAddresses

	// InodeSize is the packed on-disk record size: five u64 fields,
	// eleven u64 addresses, u16 permissions, u8 type, padded to an
	// 8-byte boundary.
	InodeSize = 136
)

// indirectRegionSizes indexes region width by indirection level.
var indirectRegionSizes = [4]uint64{
	DirectAddresses,
	SingleIndirectAddresses,
	DoubleIndirectAddresses,
	TripleIndirectAddresses,
}

// FileType tags an inode as a regular file or a directory.
type FileType uint8

const (
	FileTypeNone FileType = iota
	FileTypeDir
	FileTypeRegular
)

// InodeRecord is the persistent per-file metadata. A zero address entry
// means "not present": reads of that logical chunk see zeros.
type InodeRecord struct {
	UID            uint64
	GID            uint64
	AccessedMillis uint64
	ModifiedMillis uint64
	FileSize       uint64
	Addresses      [AddressCount]uint64
	Permissions    uint16
	Type           FileType
}

func (rec *InodeRecord) encode(buf []byte) {
	binary.LittleEndian.PutUint64(buf[0:], rec.UID)
	binary.LittleEndian.PutUint64(buf[8:], rec.GID)
	binary.LittleEndian.PutUint64(buf[16:], rec.AccessedMillis)
	binary.LittleEndian.PutUint64(buf[24:], rec.ModifiedMillis)
	binary.LittleEndian.PutUint64(buf[32:], rec.FileSize)
	for i, addr := range rec.Addresses {
		binary.LittleEndian.PutUint64(buf[40+8*i:], addr)
	}
	binary.LittleEndian.PutUint16(buf[128:], rec.Permissions)
	buf[130] = byte(rec.Type)
	buf[131], buf[132], buf[133], buf[134], buf[135] = 0, 0, 0, 0, 0
}

func (rec *InodeRecord) decode(buf []byte) {
	rec.UID = binary.LittleEndian.Uint64(buf[0:])
	rec.GID = binary.LittleEndian.Uint64(buf[8:])
	rec.AccessedMillis = binary.LittleEndian.Uint64(buf[16:])
	rec.ModifiedMillis = binary.LittleEndian.Uint64(buf[24:])
	rec.FileSize = binary.LittleEndian.Uint64(buf[32:])
	for i := range rec.Addresses {
		rec.Addresses[i] = binary.LittleEndian.Uint64(buf[40+8*i:])
	}
	rec.Permissions = binary.LittleEndian.Uint16(buf[128:])
	rec.Type = FileType(buf[130])
}

// INode is an in-memory handle to one inode record. Handles are
// reference counted and owned by the inode table: acquire with
// INodeTable.Get or Alloc, release with Put. The record is mirrored
// back to the ilist when the last reference drops.
type INode struct {
	Index  uint64
	Record InodeRecord

	sb   *SuperBlock
	refs int64 // managed under the table lock
}

// fanout is the number of chunk addresses an indirect chunk holds.
func (ino *INode) fanout() uint64 { return ino.sb.ChunkSize / 8 }

// resolveSlot implements the copy-on-write step for one pointer slot:
// with create unset it follows the existing pointer (nil for a hole);
// with create set it always allocates a fresh chunk, copies the old
// chunk's bytes into it (returning the old one to its segment) or
// zero-fills, and stores the new index through set. Returns a handle
// to the chunk now behind the slot.
func (ino *INode) resolveSlot(current uint64, create bool, set func(uint64)) (*chunkstore.Chunk, error) {
	if !create {
		if current == 0 {
			return nil, nil
		}
		return ino.sb.store.Get(current)
	}

	fresh, err := ino.sb.AllocateChunk(ino.Index)
	if err != nil {
		return nil, err
	}
	if current != 0 {
		old, err := ino.sb.store.Get(current)
		if err != nil {
			fresh.Release()
			return nil, err
		}
		copy(fresh.Data, old.Data)
		if err := ino.sb.Segments.FreeChunk(old); err != nil {
			fresh.Release()
			return nil, err
		}
	}
	set(fresh.Index)
	return fresh, nil
}

// ResolveChunk maps the logical file chunk k to a chunk handle, walking
// the address regions in order: direct, single-, double-, then
// triple-indirect. With create unset a zero entry anywhere on the path
// yields (nil, nil) — the caller reads the hole as zeros. With create
// set, every level on the path is rewritten copy-on-write: data chunk
// and intermediate indirect pages alike move to freshly allocated
// chunks, which is what makes the allocator log-structured.
func (ino *INode) ResolveChunk(k uint64, create bool) (*chunkstore.Chunk, error) {
	fanout := ino.fanout()
	regionBase := uint64(0)
	reach := uint64(1) // chunks addressable per entry at this level

	for level := uint64(0); level < 4; level++ {
		regionSize := indirectRegionSizes[level]
		if k >= reach*regionSize {
			k -= reach * regionSize
			regionBase += regionSize
			reach *= fanout
			continue
		}

		slot := regionBase + k/reach
		k %= reach
		chunk, err := ino.resolveSlot(ino.Record.Addresses[slot], create, func(idx uint64) {
			ino.Record.Addresses[slot] = idx
		})
		if chunk == nil || err != nil {
			return nil, err
		}

		for depth := level; depth > 0; depth-- {
			reach /= fanout
			word := k / reach
			parent := chunk
			child, err := ino.resolveSlot(parent.Word(word), create, func(idx uint64) {
				parent.SetWord(word, idx)
			})
			parent.Release()
			if child == nil || err != nil {
				return nil, err
			}
			chunk = child
			k %= reach
		}
		return chunk, nil
	}

	if create {
		return nil, fmt.Errorf("file offset beyond the indirect map: %w", ErrNoSpace)
	}
	return nil, nil
}

// MaxFileChunks returns the number of logical chunks the indirect map
// can address.
func (ino *INode) MaxFileChunks() uint64 {
	f := ino.fanout()
	return DirectAddresses + SingleIndirectAddresses*f +
		DoubleIndirectAddresses*f*f + TripleIndirectAddresses*f*f*f
}

// Read copies up to len(buf) bytes starting at off into buf. The count
// is clamped to the file size; a start at or past it reads nothing.
// Holes read back as zeros.
func (ino *INode) Read(off uint64, buf []byte) (uint64, error) {
	chunkSize := ino.sb.ChunkSize
	if off >= ino.Record.FileSize {
		return 0, nil
	}
	n := uint64(len(buf))
	if off+n > ino.Record.FileSize {
		n = ino.Record.FileSize - off
	}

	var done uint64
	for done < n {
		within := (off + done) % chunkSize
		span := chunkSize - within
		if span > n-done {
			span = n - done
		}

		chunk, err := ino.ResolveChunk((off+done)/chunkSize, false)
		if err != nil {
			return done, err
		}
		if chunk == nil {
			for i := done; i < done+span; i++ {
				buf[i] = 0
			}
		} else {
			chunk.Mu.Lock()
			copy(buf[done:done+span], chunk.Data[within:within+span])
			chunk.Mu.Unlock()
			chunk.Release()
		}
		done += span
	}
	return n, nil
}

// Write copies buf into the file starting at off, allocating and
// copy-on-writing chunks as it goes. When the free-segment count is at
// or below a quarter of the segment count the cleaner runs first.
//
// On success the file size becomes max(old, off+len(buf)) and the full
// length is returned. When the allocator runs out of space mid-write,
// the file size is advanced to cover exactly the committed bytes and
// the count is returned with the error.
func (ino *INode) Write(off uint64, buf []byte) (uint64, error) {
	if 4*ino.sb.Segments.FreeSegments() <= ino.sb.Segments.NumSegments() {
		if err := ino.sb.Segments.Clean(); err != nil {
			return 0, fmt.Errorf("pre-write clean: %w", err)
		}
	}

	chunkSize := ino.sb.ChunkSize
	n := uint64(len(buf))

	var done uint64
	for done < n {
		within := (off + done) % chunkSize
		span := chunkSize - within
		if span > n-done {
			span = n - done
		}

		chunk, err := ino.ResolveChunk((off+done)/chunkSize, true)
		if err != nil {
			if off+done > ino.Record.FileSize {
				ino.Record.FileSize = off + done
			}
			return done, err
		}
		chunk.Mu.Lock()
		copy(chunk.Data[within:within+span], buf[done:done+span])
		chunk.Mu.Unlock()
		chunk.Release()
		done += span
	}

	if off+n > ino.Record.FileSize {
		ino.Record.FileSize = off + n
	}
	return n, nil
}

// ReleaseChunks returns every chunk reachable from the address array —
// data chunks and intermediate indirect pages alike — to the segment
// controller, then clears the array. Call before freeing the inode.
func (ino *INode) ReleaseChunks() error {
	regionBase := uint64(0)
	for level := uint64(0); level < 4; level++ {
		regionSize := indirectRegionSizes[level]
		for i := uint64(0); i < regionSize; i++ {
			idx := ino.Record.Addresses[regionBase+i]
			if idx == 0 {
				continue
			}
			if err := ino.releaseTree(idx, level); err != nil {
				return err
			}
			ino.Record.Addresses[regionBase+i] = 0
		}
		regionBase += regionSize
	}
	return nil
}

// releaseTree frees the subtree rooted at chunkIdx: children first
// (depth counts remaining indirection levels), then the chunk itself.
func (ino *INode) releaseTree(chunkIdx uint64, depth uint64) error {
	chunk, err := ino.sb.store.Get(chunkIdx)
	if err != nil {
		return err
	}
	if depth > 0 {
		for word := uint64(0); word < ino.fanout(); word++ {
			child := chunk.Word(word)
			if child == 0 {
				continue
			}
			if err := ino.releaseTree(child, depth-1); err != nil {
				chunk.Release()
				return err
			}
		}
	}
	return ino.sb.Segments.FreeChunk(chunk)
}

// UpdateChunkLocations rewrites the indirect tree after a cleaner pass:
// every stored chunk index present in mapping — leaf or indirect page —
// is overwritten with its new location. Indirect pages are walked and
// patched in place; their own index is remapped too when the cleaner
// moved them.
func (ino *INode) UpdateChunkLocations(mapping map[uint64]uint64) error {
	regionBase := uint64(0)
	for level := uint64(0); level < 4; level++ {
		regionSize := indirectRegionSizes[level]
		for i := uint64(0); i < regionSize; i++ {
			idx := ino.Record.Addresses[regionBase+i]
			if idx == 0 {
				continue
			}
			remapped, err := ino.remapTree(idx, level, mapping)
			if err != nil {
				return err
			}
			ino.Record.Addresses[regionBase+i] = remapped
		}
		regionBase += regionSize
	}
	return nil
}

func (ino *INode) remapTree(chunkIdx uint64, depth uint64, mapping map[uint64]uint64) (uint64, error) {
	if remapped, ok := mapping[chunkIdx]; ok {
		chunkIdx = remapped
	}
	if depth > 0 {
		chunk, err := ino.sb.store.Get(chunkIdx)
		if err != nil {
			return 0, err
		}
		for word := uint64(0); word < ino.fanout(); word++ {
			child := chunk.Word(word)
			if child == 0 {
				continue
			}
			remapped, err := ino.remapTree(child, depth-1, mapping)
			if err != nil {
				chunk.Release()
				return 0, err
			}
			chunk.SetWord(word, remapped)
		}
		chunk.Release()
	}
	return chunkIdx, nil
}
