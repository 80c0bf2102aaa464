// Copyright 2026 The Mayanfest Authors
// SPDX-License-Identifier: Apache-2.0

// Package chunkstore exposes a fixed-size backing file as an array of
// equally sized chunks. The file is memory-mapped with shared
// visibility, so mutations land in the page cache and the kernel pages
// them back; Flush schedules an asynchronous writeback for a chunk's
// page range.
//
// Chunk handles are reference counted. While any handle for an index is
// live, further Get calls return the same handle, so two parts of the
// filesystem mutating the same chunk see each other's writes. When the
// last handle is released the chunk leaves the cache and its bytes are
// scheduled for writeback.
package chunkstore

import (
	"encoding/binary"
	"fmt"
	"os"
	"sync"

	"golang.org/x/sys/unix"
)

// DefaultChunkSize is the chunk size used by the format and mount CLIs.
const DefaultChunkSize = 4096

// ErrOutOfRange is returned when a chunk index is past the end of the
// store.
var ErrOutOfRange = fmt.Errorf("chunk index out of range")

// Store is a chunk-addressable view over a memory-mapped backing file
// (or an anonymous mapping, for tests and scratch use).
type Store struct {
	mu sync.Mutex

	data       []byte
	chunkSize  uint64
	chunkCount uint64
	pageSize   uint64

	file *os.File // nil for anonymous mappings

	// chunks holds the handle for every chunk with a live reference.
	// Entries are removed by the final Release, never evicted while
	// referenced.
	chunks map[uint64]*Chunk
}

// Chunk is a shared handle to the bytes of one chunk. Data aliases the
// store's mapping directly; writes through it are writes to the backing
// file's page cache.
//
// The embedded mutex is caller discipline for byte-level access: the
// store does not serialize concurrent writers to the same chunk.
type Chunk struct {
	Index uint64
	Data  []byte

	Mu sync.Mutex

	store *Store
	refs  int64
}

// Open maps the backing file at path read-write with shared visibility.
// The file is created and truncated to chunkCount*chunkSize bytes if it
// does not already have that size.
func Open(path string, chunkCount, chunkSize uint64) (*Store, error) {
	if chunkCount == 0 || chunkSize == 0 {
		return nil, fmt.Errorf("opening %s: zero chunk count or size", path)
	}

	file, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, fmt.Errorf("opening backing file %s: %w", path, err)
	}

	size := int64(chunkCount * chunkSize)
	info, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("stating backing file %s: %w", path, err)
	}
	if info.Size() != size {
		if err := file.Truncate(size); err != nil {
			file.Close()
			return nil, fmt.Errorf("truncating backing file %s to %d bytes: %w", path, size, err)
		}
	}

	data, err := unix.Mmap(int(file.Fd()), 0, int(size),
		unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("mapping backing file %s: %w", path, err)
	}

	return &Store{
		data:       data,
		chunkSize:  chunkSize,
		chunkCount: chunkCount,
		pageSize:   uint64(unix.Getpagesize()),
		file:       file,
		chunks:     make(map[uint64]*Chunk),
	}, nil
}

// OpenAnonymous creates a store over an anonymous private mapping. Its
// contents do not survive Close; tests that do not exercise reload use
// it to avoid touching the disk.
func OpenAnonymous(chunkCount, chunkSize uint64) (*Store, error) {
	if chunkCount == 0 || chunkSize == 0 {
		return nil, fmt.Errorf("anonymous store: zero chunk count or size")
	}

	data, err := unix.Mmap(-1, 0, int(chunkCount*chunkSize),
		unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANON)
	if err != nil {
		return nil, fmt.Errorf("creating anonymous mapping: %w", err)
	}

	return &Store{
		data:       data,
		chunkSize:  chunkSize,
		chunkCount: chunkCount,
		pageSize:   uint64(unix.Getpagesize()),
		chunks:     make(map[uint64]*Chunk),
	}, nil
}

// ChunkSize returns the fixed chunk size in bytes.
func (s *Store) ChunkSize() uint64 { return s.chunkSize }

// ChunkCount returns the number of chunks in the store.
func (s *Store) ChunkCount() uint64 { return s.chunkCount }

// SizeBytes returns the total mapped size.
func (s *Store) SizeBytes() uint64 { return s.chunkCount * s.chunkSize }

// Get returns a handle to the chunk at idx, sharing the existing handle
// if one is live. The caller must Release the handle when done.
func (s *Store) Get(idx uint64) (*Chunk, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if idx >= s.chunkCount {
		return nil, fmt.Errorf("chunk %d of %d: %w", idx, s.chunkCount, ErrOutOfRange)
	}

	if chunk, ok := s.chunks[idx]; ok {
		chunk.refs++
		return chunk, nil
	}

	chunk := &Chunk{
		Index: idx,
		Data:  s.data[idx*s.chunkSize : (idx+1)*s.chunkSize : (idx+1)*s.chunkSize],
		store: s,
		refs:  1,
	}
	s.chunks[idx] = chunk
	return chunk, nil
}

// Retain adds a reference to an already-held handle.
func (c *Chunk) Retain() *Chunk {
	s := c.store
	s.mu.Lock()
	c.refs++
	s.mu.Unlock()
	return c
}

// Release drops one reference. When the last reference goes, the chunk
// leaves the cache and its bytes are scheduled for writeback. The
// store's lock is not held across the writeback call.
func (c *Chunk) Release() {
	s := c.store
	s.mu.Lock()
	c.refs--
	if c.refs < 0 {
		s.mu.Unlock()
		panic(fmt.Sprintf("chunkstore: chunk %d over-released", c.Index))
	}
	last := c.refs == 0
	if last {
		delete(s.chunks, c.Index)
	}
	s.mu.Unlock()

	if last {
		s.Flush(c.Index)
	}
}

// Refs reports the current reference count. FreeChunk callers use it to
// assert uniqueness before returning a chunk to its segment.
func (c *Chunk) Refs() int64 {
	c.store.mu.Lock()
	defer c.store.mu.Unlock()
	return c.refs
}

// Word reads the i-th 64-bit little-endian word of the chunk.
func (c *Chunk) Word(i uint64) uint64 {
	return binary.LittleEndian.Uint64(c.Data[i*8:])
}

// SetWord writes the i-th 64-bit little-endian word of the chunk.
func (c *Chunk) SetWord(i uint64, v uint64) {
	binary.LittleEndian.PutUint64(c.Data[i*8:], v)
}

// Zero fills the chunk with zero bytes.
func (c *Chunk) Zero() {
	for i := range c.Data {
		c.Data[i] = 0
	}
}

// Flush asks the kernel to schedule the chunk's pages for asynchronous
// writeback. The byte range is rounded out to page boundaries. A no-op
// for anonymous mappings.
func (s *Store) Flush(idx uint64) error {
	if s.file == nil {
		return nil
	}
	if idx >= s.chunkCount {
		return fmt.Errorf("flushing chunk %d of %d: %w", idx, s.chunkCount, ErrOutOfRange)
	}

	start := idx * s.chunkSize
	end := start + s.chunkSize
	start &^= s.pageSize - 1
	if rem := end % s.pageSize; rem != 0 {
		end += s.pageSize - rem
	}
	if end > uint64(len(s.data)) {
		end = uint64(len(s.data))
	}

	if err := unix.Msync(s.data[start:end], unix.MS_ASYNC); err != nil {
		return fmt.Errorf("msync of chunk %d: %w", idx, err)
	}
	return nil
}

// Close unmaps the store. It fails if any chunk handle is still live;
// callers must drop every handle first so that all writeback has been
// scheduled.
func (s *Store) Close() error {
	s.mu.Lock()
	live := len(s.chunks)
	s.mu.Unlock()
	if live > 0 {
		return fmt.Errorf("closing store: %d chunk handles still live", live)
	}

	if s.file != nil {
		if err := unix.Msync(s.data, unix.MS_SYNC); err != nil {
			return fmt.Errorf("final sync: %w", err)
		}
	}
	if err := unix.Munmap(s.data); err != nil {
		return fmt.Errorf("unmapping store: %w", err)
	}
	s.data = nil
	if s.file != nil {
		if err := s.file.Close(); err != nil {
			return fmt.Errorf("closing backing file: %w", err)
		}
	}
	return nil
}
