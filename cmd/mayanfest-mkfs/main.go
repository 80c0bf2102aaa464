// Copyright 2026 The Mayanfest Authors
// SPDX-License-Identifier: Apache-2.0

// mayanfest-mkfs formats a backing file as a mayanfest filesystem.
//
// Usage:
//
//	mayanfest-mkfs [flags] <backing-file> <size-bytes>
package main

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"

	"github.com/spf13/pflag"

	"github.com/garethgeorge/mayanfest-new/lib/chunkstore"
	"github.com/garethgeorge/mayanfest-new/lib/fs"
	"github.com/garethgeorge/mayanfest-new/lib/version"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		inodeFraction float64
		chunkSize     uint64
		verbose       bool
		showVersion   bool
	)
	pflag.Float64Var(&inodeFraction, "inode-fraction", 0.1,
		"fraction of the store reserved for the inode table")
	pflag.Uint64Var(&chunkSize, "chunk-size", chunkstore.DefaultChunkSize,
		"chunk size in bytes (power of two)")
	pflag.BoolVar(&verbose, "verbose", false, "log at debug level")
	pflag.BoolVar(&showVersion, "version", false, "print version information and exit")
	pflag.Parse()

	if showVersion {
		fmt.Printf("mayanfest-mkfs %s\n", version.Info())
		return nil
	}

	args := pflag.Args()
	if len(args) != 2 {
		return fmt.Errorf("expected arguments: <backing-file> <size-bytes>")
	}
	path := args[0]
	sizeBytes, err := strconv.ParseUint(args[1], 10, 64)
	if err != nil {
		return fmt.Errorf("parsing size %q: %w", args[1], err)
	}
	if chunkSize == 0 || chunkSize&(chunkSize-1) != 0 {
		return fmt.Errorf("chunk size %d is not a power of two", chunkSize)
	}
	chunkCount := sizeBytes / chunkSize
	if chunkCount == 0 {
		return fmt.Errorf("size %d bytes is below one chunk", sizeBytes)
	}

	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	store, err := chunkstore.Open(path, chunkCount, chunkSize)
	if err != nil {
		return err
	}

	filesystem, err := fs.New(fs.Options{Store: store, Logger: logger})
	if err != nil {
		store.Close()
		return err
	}
	if err := filesystem.Init(inodeFraction); err != nil {
		filesystem.Close()
		store.Close()
		return fmt.Errorf("formatting %s: %w", path, err)
	}
	if err := filesystem.Close(); err != nil {
		store.Close()
		return err
	}
	if err := store.Close(); err != nil {
		return err
	}

	logger.Info("filesystem initialized", "path", path,
		"bytes", chunkCount*chunkSize, "chunks", chunkCount)
	return nil
}
