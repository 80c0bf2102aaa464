// Copyright 2026 The Mayanfest Authors
// SPDX-License-Identifier: Apache-2.0

// mayanfest-mount serves a formatted backing file through FUSE.
//
// Usage:
//
//	mayanfest-mount [flags] <backing-file> <size-bytes> <mountpoint>
//
// On SIGINT/SIGTERM the mount is torn down in ownership order —
// filesystem first, then the backing store — so cached inodes and
// chunks are flushed before the mapping goes away.
package main

import (
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"

	"github.com/garethgeorge/mayanfest-new/lib/chunkstore"
	"github.com/garethgeorge/mayanfest-new/lib/fs"
	mayanfuse "github.com/garethgeorge/mayanfest-new/lib/fs/fuse"
	"github.com/garethgeorge/mayanfest-new/lib/version"
)

// config is the optional YAML mount configuration. Flags override it.
type config struct {
	AllowOther bool   `yaml:"allow_other"`
	FsName     string `yaml:"fs_name"`
	LogLevel   string `yaml:"log_level"`
	ChunkSize  uint64 `yaml:"chunk_size"`
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		configPath  string
		allowOther  bool
		logLevel    string
		showVersion bool
	)
	pflag.StringVar(&configPath, "config", "", "YAML config file")
	pflag.BoolVar(&allowOther, "allow-other", false,
		"allow other users to access the mount")
	pflag.StringVar(&logLevel, "log-level", "", "debug, info, warn, or error")
	pflag.BoolVar(&showVersion, "version", false, "print version information and exit")
	pflag.Parse()

	if showVersion {
		fmt.Printf("mayanfest-mount %s\n", version.Info())
		return nil
	}

	args := pflag.Args()
	if len(args) != 3 {
		return fmt.Errorf("expected arguments: <backing-file> <size-bytes> <mountpoint>")
	}
	path := args[0]
	sizeBytes, err := strconv.ParseUint(args[1], 10, 64)
	if err != nil {
		return fmt.Errorf("parsing size %q: %w", args[1], err)
	}
	mountpoint := args[2]

	cfg := config{ChunkSize: chunkstore.DefaultChunkSize, LogLevel: "info"}
	if configPath != "" {
		raw, err := os.ReadFile(configPath)
		if err != nil {
			return fmt.Errorf("reading config %s: %w", configPath, err)
		}
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return fmt.Errorf("parsing config %s: %w", configPath, err)
		}
		if cfg.ChunkSize == 0 {
			cfg.ChunkSize = chunkstore.DefaultChunkSize
		}
	}
	if allowOther {
		cfg.AllowOther = true
	}
	if logLevel != "" {
		cfg.LogLevel = logLevel
	}

	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.LogLevel)); err != nil {
		return fmt.Errorf("parsing log level %q: %w", cfg.LogLevel, err)
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	chunkCount := sizeBytes / cfg.ChunkSize
	store, err := chunkstore.Open(path, chunkCount, cfg.ChunkSize)
	if err != nil {
		return err
	}

	filesystem, err := fs.New(fs.Options{Store: store, Logger: logger})
	if err != nil {
		store.Close()
		return err
	}
	if err := filesystem.Load(); err != nil {
		store.Close()
		return fmt.Errorf("loading %s: %w", path, err)
	}

	server, err := mayanfuse.Mount(mayanfuse.Options{
		Mountpoint: mountpoint,
		FileSystem: filesystem,
		FsName:     cfg.FsName,
		AllowOther: cfg.AllowOther,
		Logger:     logger,
	})
	if err != nil {
		filesystem.Close()
		store.Close()
		return err
	}

	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-signals
		logger.Info("unmounting", "signal", sig)
		if err := server.Unmount(); err != nil {
			logger.Error("unmount failed", "error", err)
		}
	}()

	server.Wait()

	if err := filesystem.Close(); err != nil {
		store.Close()
		return fmt.Errorf("closing filesystem: %w", err)
	}
	if err := store.Close(); err != nil {
		return fmt.Errorf("closing store: %w", err)
	}
	logger.Info("shut down cleanly")
	return nil
}
