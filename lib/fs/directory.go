// Copyright 2026 The Mayanfest Authors
// SPDX-License-Identifier: Apache-2.0

package fs

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// Directory record layout: flag u64, name [255]byte, pad, ino u64.
// flag 0 marks a tombstoned slot available for reuse.
const (
	DirRecordSize = 272
	MaxNameLen    = 255

	dirRecordNameOff  = 8
	dirRecordInodeOff = 264
)

// DirEntry is one live directory record.
type DirEntry struct {
	Name  string
	Inode uint64
}

// Directory reads and writes the fixed-size record sequence stored in
// a directory inode's bytes. It performs no uniqueness checks; callers
// that need them (the filesystem facade does) look the name up first.
type Directory struct {
	inode *INode
}

// NewDirectory wraps a directory inode. The caller keeps ownership of
// the handle.
func NewDirectory(inode *INode) *Directory {
	return &Directory{inode: inode}
}

func encodeDirRecord(buf []byte, flag uint64, name string, inodeIdx uint64) {
	binary.LittleEndian.PutUint64(buf[0:], flag)
	nameBytes := buf[dirRecordNameOff : dirRecordNameOff+MaxNameLen]
	for i := range nameBytes {
		nameBytes[i] = 0
	}
	copy(nameBytes, name)
	buf[dirRecordNameOff+MaxNameLen] = 0
	binary.LittleEndian.PutUint64(buf[dirRecordInodeOff:], inodeIdx)
}

func decodeDirName(record []byte) string {
	name := record[dirRecordNameOff : dirRecordNameOff+MaxNameLen]
	if nul := bytes.IndexByte(name, 0); nul >= 0 {
		name = name[:nul]
	}
	return string(name)
}

// readAll loads the whole record sequence into memory.
func (d *Directory) readAll() ([]byte, error) {
	size := d.inode.Record.FileSize
	if size%DirRecordSize != 0 {
		return nil, fmt.Errorf("directory inode %d has size %d, not a record multiple: %w",
			d.inode.Index, size, ErrInternal)
	}
	buf := make([]byte, size)
	if _, err := d.inode.Read(0, buf); err != nil {
		return nil, fmt.Errorf("reading directory inode %d: %w", d.inode.Index, err)
	}
	return buf, nil
}

// Add writes a record for name→childIdx into the first tombstoned slot,
// or appends one at end of file. Names longer than MaxNameLen bytes are
// stored truncated; the path layer rejects them before they get here.
func (d *Directory) Add(name string, childIdx uint64) (*DirEntry, error) {
	buf, err := d.readAll()
	if err != nil {
		return nil, err
	}

	slot := uint64(len(buf)) // append position by default
	for off := uint64(0); off < uint64(len(buf)); off += DirRecordSize {
		if binary.LittleEndian.Uint64(buf[off:]) == 0 {
			slot = off
			break
		}
	}

	var record [DirRecordSize]byte
	encodeDirRecord(record[:], 1, name, childIdx)
	if _, err := d.inode.Write(slot, record[:]); err != nil {
		return nil, fmt.Errorf("writing directory record: %w", err)
	}

	if len(name) > MaxNameLen {
		name = name[:MaxNameLen]
	}
	return &DirEntry{Name: name, Inode: childIdx}, nil
}

// Get returns the first live record matching name, or nil when absent.
// Comparison is bounded to the first MaxNameLen bytes.
func (d *Directory) Get(name string) (*DirEntry, error) {
	if len(name) > MaxNameLen {
		name = name[:MaxNameLen]
	}
	buf, err := d.readAll()
	if err != nil {
		return nil, err
	}

	for off := uint64(0); off < uint64(len(buf)); off += DirRecordSize {
		record := buf[off : off+DirRecordSize]
		if binary.LittleEndian.Uint64(record) == 0 {
			continue
		}
		if decodeDirName(record) == name {
			return &DirEntry{
				Name:  name,
				Inode: binary.LittleEndian.Uint64(record[dirRecordInodeOff:]),
			}, nil
		}
	}
	return nil, nil
}

// Remove tombstones the first live record matching name, writing just
// that slot back. Returns the removed entry, or nil when absent.
func (d *Directory) Remove(name string) (*DirEntry, error) {
	if len(name) > MaxNameLen {
		name = name[:MaxNameLen]
	}
	buf, err := d.readAll()
	if err != nil {
		return nil, err
	}

	for off := uint64(0); off < uint64(len(buf)); off += DirRecordSize {
		record := buf[off : off+DirRecordSize]
		if binary.LittleEndian.Uint64(record) == 0 {
			continue
		}
		if decodeDirName(record) != name {
			continue
		}

		entry := &DirEntry{
			Name:  name,
			Inode: binary.LittleEndian.Uint64(record[dirRecordInodeOff:]),
		}
		binary.LittleEndian.PutUint64(record[0:], 0)
		if _, err := d.inode.Write(off, record); err != nil {
			return nil, fmt.Errorf("tombstoning directory record: %w", err)
		}
		return entry, nil
	}
	return nil, nil
}

// List returns every live record in file order.
func (d *Directory) List() ([]DirEntry, error) {
	buf, err := d.readAll()
	if err != nil {
		return nil, err
	}

	var entries []DirEntry
	for off := uint64(0); off < uint64(len(buf)); off += DirRecordSize {
		record := buf[off : off+DirRecordSize]
		if binary.LittleEndian.Uint64(record) == 0 {
			continue
		}
		entries = append(entries, DirEntry{
			Name:  decodeDirName(record),
			Inode: binary.LittleEndian.Uint64(record[dirRecordInodeOff:]),
		})
	}
	return entries, nil
}
