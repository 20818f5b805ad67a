// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package atomicfile replaces files as a whole so that concurrent readers
// in other processes observe either the previous content or the new
// content, never a prefix of it.
//
// Each write goes to a uniquely named temporary file in the destination
// directory, is fsynced, renamed over the destination, and the parent
// directory is fsynced so the rename survives power loss. Unique names
// matter: several independent processes (refresher, monitor, proxy,
// removal command) replace the same file without a shared lock, and a
// fixed temporary name would let one writer rename another writer's
// half-written file into place.
package atomicfile

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// Write atomically replaces path with data. The file is created with
// perm; the parent directory must exist.
func Write(path string, data []byte, perm os.FileMode) error {
	directory := filepath.Dir(path)
	file, err := os.CreateTemp(directory, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("creating temporary file for %s: %w", path, err)
	}
	temporaryPath := file.Name()

	// Write, chmod, sync, close, in that order. Any failure removes
	// the temporary file and reports the first error.
	if _, err := file.Write(data); err != nil {
		file.Close()
		os.Remove(temporaryPath)
		return fmt.Errorf("writing temporary file for %s: %w", path, err)
	}
	if err := file.Chmod(perm); err != nil {
		file.Close()
		os.Remove(temporaryPath)
		return fmt.Errorf("setting permissions on temporary file for %s: %w", path, err)
	}
	if err := file.Sync(); err != nil {
		file.Close()
		os.Remove(temporaryPath)
		return fmt.Errorf("syncing temporary file for %s: %w", path, err)
	}
	if err := file.Close(); err != nil {
		os.Remove(temporaryPath)
		return fmt.Errorf("closing temporary file for %s: %w", path, err)
	}

	if err := os.Rename(temporaryPath, path); err != nil {
		os.Remove(temporaryPath)
		return fmt.Errorf("renaming %s into place: %w", path, err)
	}

	parentDirectory, err := os.Open(directory)
	if err == nil {
		parentDirectory.Sync()
		parentDirectory.Close()
	}
	return nil
}

// WriteJSON marshals value as indented JSON with a trailing newline and
// atomically replaces path with it.
func WriteJSON(path string, value any, perm os.FileMode) error {
	data, err := json.MarshalIndent(value, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling %s: %w", filepath.Base(path), err)
	}
	data = append(data, '\n')
	return Write(path, data, perm)
}

// ReadJSON reads path and decodes it into value. A missing file returns
// an error wrapping os.ErrNotExist; a file that does not parse returns
// a *DecodeError so callers can tell corruption from absence.
func ReadJSON(path string, value any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, value); err != nil {
		return &DecodeError{Path: path, Err: err}
	}
	return nil
}

// DecodeError reports a file that exists but does not hold valid JSON
// for the requested type.
type DecodeError struct {
	Path string
	Err  error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("parsing %s: %v", e.Path, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }
