// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package monitor

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/bureau-foundation/rotor/lib/atomicfile"
	"github.com/bureau-foundation/rotor/rotation"
)

// SignalFileName is the rotation signal's file name in the state
// directory.
const SignalFileName = "rotation-signal.json"

// Signal tells session hooks that the active key changed underneath
// them. Hooks compare Timestamp with the last signal they saw; the host
// itself needs no restart because it re-reads the credential store.
type Signal struct {
	Timestamp    rotation.Millis `json:"timestamp"`
	FromKeyID    string          `json:"from_key_id"`
	ToKeyID      string          `json:"to_key_id"`
	AccountEmail string          `json:"account_email,omitempty"`
	Reason       rotation.Reason `json:"reason"`
}

// WriteSignal atomically replaces the signal file.
func WriteSignal(path string, signal Signal) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("creating signal directory: %w", err)
	}
	return atomicfile.WriteJSON(path, signal, 0600)
}

// ReadSignal returns the most recent signal. A missing file wraps
// os.ErrNotExist.
func ReadSignal(path string) (Signal, error) {
	var signal Signal
	if err := atomicfile.ReadJSON(path, &signal); err != nil {
		return Signal{}, err
	}
	return signal, nil
}
