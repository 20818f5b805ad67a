// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package logfile provides a size-capped, rotating, append-only log
// file. When the live file would exceed its size cap, it is renamed to
// the first backup slot (compressed with zstd or lz4 by default), older
// backups shift down one slot, and backups past the retention count are
// deleted. Writers never rewrite earlier content in place.
//
// The proxy's structured log and the audit trails are written through
// this package. Each Write is expected to carry whole records (one JSON
// line per slog record), so a rotation never splits a record across
// files.
package logfile

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// Compression selects how rotated segments are stored.
type Compression string

const (
	// CompressionZstd stores rotated segments zstd-compressed. JSON
	// log lines compress well, so this is the default.
	CompressionZstd Compression = "zstd"

	// CompressionLZ4 trades ratio for speed.
	CompressionLZ4 Compression = "lz4"

	// CompressionNone keeps rotated segments as plain text.
	CompressionNone Compression = "none"
)

// Extension returns the filename suffix for rotated segments.
func (c Compression) Extension() string {
	switch c {
	case CompressionZstd:
		return ".zst"
	case CompressionLZ4:
		return ".lz4"
	default:
		return ""
	}
}

// Validate reports whether c names a supported compression.
func (c Compression) Validate() error {
	switch c {
	case CompressionZstd, CompressionLZ4, CompressionNone:
		return nil
	default:
		return fmt.Errorf("unknown log compression %q (supported: zstd, lz4, none)", c)
	}
}

// Config describes a rotating log file.
type Config struct {
	// Path is the live log file.
	Path string

	// MaxSize is the byte size at which the live file is rotated.
	// Defaults to 10 MiB.
	MaxSize int64

	// MaxBackups is how many rotated segments are kept. Defaults to 5.
	MaxBackups int

	// Compression for rotated segments. Defaults to zstd.
	Compression Compression
}

// Writer is an io.WriteCloser over a rotating log file. Safe for
// concurrent use.
type Writer struct {
	mu     sync.Mutex
	config Config
	file   *os.File
	size   int64
}

// Open opens (or creates) the live log file for appending. The parent
// directory is created if missing.
func Open(config Config) (*Writer, error) {
	if config.Path == "" {
		return nil, fmt.Errorf("log file path is required")
	}
	if config.MaxSize <= 0 {
		config.MaxSize = 10 << 20
	}
	if config.MaxBackups <= 0 {
		config.MaxBackups = 5
	}
	if config.Compression == "" {
		config.Compression = CompressionZstd
	}
	if err := config.Compression.Validate(); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(config.Path), 0700); err != nil {
		return nil, fmt.Errorf("creating log directory: %w", err)
	}

	writer := &Writer{config: config}
	if err := writer.openLive(); err != nil {
		return nil, err
	}
	return writer, nil
}

func (w *Writer) openLive() error {
	file, err := os.OpenFile(w.config.Path, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0600)
	if err != nil {
		return fmt.Errorf("opening log file: %w", err)
	}
	info, err := file.Stat()
	if err != nil {
		file.Close()
		return fmt.Errorf("stat log file: %w", err)
	}
	w.file = file
	w.size = info.Size()
	return nil
}

// Write appends p, rotating first if p would push the live file past
// MaxSize. A single record larger than MaxSize is written whole into
// a fresh file.
func (w *Writer) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.file == nil {
		return 0, os.ErrClosed
	}
	if w.size > 0 && w.size+int64(len(p)) > w.config.MaxSize {
		if err := w.rotate(); err != nil {
			return 0, err
		}
	}
	n, err := w.file.Write(p)
	w.size += int64(n)
	return n, err
}

// Close closes the live file. Further writes fail with os.ErrClosed.
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.file == nil {
		return nil
	}
	err := w.file.Close()
	w.file = nil
	return err
}

// BackupPath returns the path of the rotated segment in slot index
// (1 is the most recent).
func (w *Writer) BackupPath(index int) string {
	return fmt.Sprintf("%s.%d%s", w.config.Path, index, w.config.Compression.Extension())
}

// rotate must be called with w.mu held.
func (w *Writer) rotate() error {
	if err := w.file.Close(); err != nil {
		return fmt.Errorf("closing log file for rotation: %w", err)
	}
	w.file = nil

	os.Remove(w.BackupPath(w.config.MaxBackups))
	for index := w.config.MaxBackups - 1; index >= 1; index-- {
		source := w.BackupPath(index)
		if _, err := os.Stat(source); err != nil {
			continue
		}
		if err := os.Rename(source, w.BackupPath(index+1)); err != nil {
			return fmt.Errorf("shifting log backup %d: %w", index, err)
		}
	}

	if err := w.archive(w.config.Path, w.BackupPath(1)); err != nil {
		return err
	}
	return w.openLive()
}

// archive moves the live file into the first backup slot, compressing
// it on the way when configured.
func (w *Writer) archive(source, destination string) error {
	if w.config.Compression == CompressionNone {
		if err := os.Rename(source, destination); err != nil {
			return fmt.Errorf("renaming log file to backup: %w", err)
		}
		return nil
	}

	input, err := os.Open(source)
	if err != nil {
		return fmt.Errorf("opening log file for compression: %w", err)
	}
	defer input.Close()

	output, err := os.OpenFile(destination, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0600)
	if err != nil {
		return fmt.Errorf("creating compressed log backup: %w", err)
	}

	compressor, err := newCompressor(w.config.Compression, output)
	if err != nil {
		output.Close()
		os.Remove(destination)
		return err
	}
	if _, err := io.Copy(compressor, input); err != nil {
		compressor.Close()
		output.Close()
		os.Remove(destination)
		return fmt.Errorf("compressing log backup: %w", err)
	}
	if err := compressor.Close(); err != nil {
		output.Close()
		os.Remove(destination)
		return fmt.Errorf("finishing compressed log backup: %w", err)
	}
	if err := output.Close(); err != nil {
		os.Remove(destination)
		return fmt.Errorf("closing compressed log backup: %w", err)
	}
	return os.Remove(source)
}

func newCompressor(compression Compression, output io.Writer) (io.WriteCloser, error) {
	switch compression {
	case CompressionZstd:
		encoder, err := zstd.NewWriter(output, zstd.WithEncoderLevel(zstd.SpeedDefault))
		if err != nil {
			return nil, fmt.Errorf("creating zstd encoder: %w", err)
		}
		return encoder, nil
	case CompressionLZ4:
		return lz4.NewWriter(output), nil
	default:
		return nil, fmt.Errorf("unknown log compression %q", compression)
	}
}

// OpenSegment returns a reader over a rotated segment, decompressing it
// according to its extension. Used by operator tooling that tails the
// audit trail across rotations.
func OpenSegment(path string) (io.ReadCloser, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	switch filepath.Ext(path) {
	case ".zst":
		decoder, err := zstd.NewReader(file)
		if err != nil {
			file.Close()
			return nil, fmt.Errorf("creating zstd decoder: %w", err)
		}
		return &segmentReader{Reader: decoder.IOReadCloser(), file: file}, nil
	case ".lz4":
		return &segmentReader{Reader: io.NopCloser(lz4.NewReader(file)), file: file}, nil
	default:
		return file, nil
	}
}

type segmentReader struct {
	io.Reader
	file *os.File
}

func (r *segmentReader) Close() error {
	if closer, ok := r.Reader.(io.Closer); ok {
		closer.Close()
	}
	return r.file.Close()
}
