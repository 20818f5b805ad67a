// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package rotation

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/bureau-foundation/rotor/lib/atomicfile"
)

var (
	// ErrNoState is returned when the state document does not exist.
	// The installer creates it; this package never fabricates one on
	// read.
	ErrNoState = errors.New("rotation state does not exist")

	// ErrCorrupt is returned when the state document exists but cannot
	// be parsed. Callers treat it as "no usable key" and must not
	// overwrite the file with an empty document.
	ErrCorrupt = errors.New("rotation state is corrupt")

	// ErrNoChange can be returned by an Update mutation to skip the
	// write when nothing changed.
	ErrNoChange = errors.New("no change")
)

// StateFileName is the document's file name inside the state
// directory.
const StateFileName = "rotation-state.json"

// EventSink receives rotation_log entries after they are durably
// written. The audit log implements it.
type EventSink interface {
	RecordEvents(entries []LogEntry) error
}

// StoreConfig configures a Store.
type StoreConfig struct {
	// Path is the state document path.
	Path string

	// Sink, when set, receives the entries each Update appended.
	Sink EventSink

	// Logger defaults to slog.Default().
	Logger *slog.Logger
}

// Store reads and writes the state document.
type Store struct {
	path   string
	sink   EventSink
	logger *slog.Logger

	// mu serializes Updates within one process. Other processes are
	// not excluded; see the package documentation.
	mu sync.Mutex
}

// NewStore returns a Store for config.Path.
func NewStore(config StoreConfig) *Store {
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{path: config.Path, sink: config.Sink, logger: logger}
}

// Path returns the state document path.
func (s *Store) Path() string { return s.path }

// Read parses the current document.
func (s *Store) Read() (*State, error) {
	data, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrNoState, s.path)
	}
	if err != nil {
		return nil, fmt.Errorf("reading rotation state: %w", err)
	}
	state := NewState()
	if err := json.Unmarshal(data, state); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrCorrupt, s.path, err)
	}
	return state, nil
}

// Write validates state and atomically replaces the document with it.
func (s *Store) Write(state *State) error {
	if err := state.Validate(); err != nil {
		return fmt.Errorf("refusing to write invalid rotation state: %w", err)
	}
	if state.Version == 0 {
		state.Version = SchemaVersion
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0700); err != nil {
		return fmt.Errorf("creating state directory: %w", err)
	}
	if err := atomicfile.WriteJSON(s.path, state, 0600); err != nil {
		return fmt.Errorf("writing rotation state: %w", err)
	}
	return nil
}

// Update re-reads the document, applies mutate, and writes the result.
// If mutate returns ErrNoChange nothing is written and Update returns
// nil; any other error aborts the update and is returned. Entries
// mutate appended to the rotation log are forwarded to the sink once
// the write has succeeded. Sink failures are logged, not returned: the
// document is the source of truth.
//
// mutate must not perform network I/O.
func (s *Store) Update(mutate func(*State) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	state, err := s.Read()
	if err != nil {
		return err
	}
	logLength := len(state.RotationLog)

	if err := mutate(state); err != nil {
		if errors.Is(err, ErrNoChange) {
			return nil
		}
		return err
	}
	if err := s.Write(state); err != nil {
		return err
	}

	if s.sink != nil && len(state.RotationLog) > logLength {
		appended := state.RotationLog[logLength:]
		if err := s.sink.RecordEvents(appended); err != nil {
			s.logger.Warn("recording rotation events in audit log failed",
				"events", len(appended),
				"error", err,
			)
		}
	}
	return nil
}
