// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package rotation

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/bureau-foundation/rotor/keychain"
)

var testNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

// testKey builds a usable record whose tokens expire in an hour and
// whose usage was sampled a minute ago.
func testKey(status KeyStatus, email string, usage float64) *KeyRecord {
	return &KeyRecord{
		Status:       status,
		AccountEmail: email,
		AccountUUID:  "uuid-" + email,
		AccessToken:  "access-" + email,
		RefreshToken: "refresh-" + email,
		ExpiresAt:    MillisOf(testNow.Add(time.Hour)),
		LastUsage: &Usage{
			FiveHour:  usage,
			SevenDay:  usage / 2,
			CheckedAt: MillisOf(testNow.Add(-time.Minute)),
		},
	}
}

// stale pushes a record's usage observation outside the freshness
// window.
func stale(record *KeyRecord) *KeyRecord {
	record.LastUsage.CheckedAt = MillisOf(testNow.Add(-time.Hour))
	return record
}

func testState(active string, keys map[string]*KeyRecord) *State {
	state := NewState()
	state.ActiveKeyID = active
	state.Keys = keys
	return state
}

// newTestStore writes state to a fresh temp dir and returns a store
// over it.
func newTestStore(t *testing.T, state *State) *Store {
	t.Helper()
	store := NewStore(StoreConfig{Path: filepath.Join(t.TempDir(), StateFileName)})
	if err := store.Write(state); err != nil {
		t.Fatalf("writing initial state: %v", err)
	}
	return store
}

func mustRead(t *testing.T, store *Store) *State {
	t.Helper()
	state, err := store.Read()
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	return state
}

func countEvents(state *State, event EventKind, keyID string) int {
	count := 0
	for _, entry := range state.RotationLog {
		if entry.Event == event && (keyID == "" || entry.KeyID == keyID) {
			count++
		}
	}
	return count
}

// recordingWriter is a CredentialWriter that remembers what it wrote.
type recordingWriter struct {
	mu      sync.Mutex
	written []keychain.Credential
	fail    bool
}

func (w *recordingWriter) Write(ctx context.Context, credential keychain.Credential) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.fail {
		return errors.New("credential store unavailable")
	}
	w.written = append(w.written, credential)
	return nil
}

func (w *recordingWriter) last() keychain.Credential {
	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.written) == 0 {
		return keychain.Credential{}
	}
	return w.written[len(w.written)-1]
}

// recordingSink is an EventSink that collects entries.
type recordingSink struct {
	mu      sync.Mutex
	entries []LogEntry
}

func (s *recordingSink) RecordEvents(entries []LogEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = append(s.entries, entries...)
	return nil
}

func mustUpdate(t *testing.T, store *Store, mutate func(*State) error) {
	t.Helper()
	if err := store.Update(mutate); err != nil {
		t.Fatalf("Update: %v", err)
	}
}
