// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package keychain

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/bureau-foundation/rotor/lib/atomicfile"
)

// FileStore keeps the credential in a JSON file (the host's Linux
// layout, typically ~/.claude/.credentials.json).
type FileStore struct {
	Path string
}

// Read returns the credential in the file.
func (s *FileStore) Read(ctx context.Context) (Credential, error) {
	data, err := os.ReadFile(s.Path)
	if errors.Is(err, os.ErrNotExist) {
		return Credential{}, ErrNoCredential
	}
	if err != nil {
		return Credential{}, fmt.Errorf("reading credential file: %w", err)
	}
	document, err := decodeDocument(data)
	if err != nil {
		return Credential{}, err
	}
	return credentialFromDocument(document)
}

// Write replaces the OAuth credential, keeping any other top-level
// entries. A credentials file that exists but does not parse is left
// untouched and reported: overwriting it would discard entries this
// package does not own.
func (s *FileStore) Write(ctx context.Context, credential Credential) error {
	if err := credential.Validate(); err != nil {
		return err
	}

	data, err := os.ReadFile(s.Path)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("reading credential file: %w", err)
	}
	document, err := decodeDocument(data)
	if err != nil {
		return err
	}
	encoded, err := encodeDocument(document, credential)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(s.Path), 0700); err != nil {
		return fmt.Errorf("creating credential directory: %w", err)
	}
	return atomicfile.Write(s.Path, encoded, 0600)
}
