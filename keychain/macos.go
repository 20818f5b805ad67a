// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package keychain

import (
	"bytes"
	"context"
	"encoding/hex"
	"fmt"
	"os/exec"
	"strings"
	"time"
)

// commandTimeout bounds each call to the security tool.
const commandTimeout = 10 * time.Second

// commandRunner executes a command with optional stdin and returns its
// stdout. Replaced in tests.
type commandRunner func(ctx context.Context, stdin []byte, name string, args ...string) ([]byte, error)

func runCommand(ctx context.Context, stdin []byte, name string, args ...string) ([]byte, error) {
	command := exec.CommandContext(ctx, name, args...)
	if stdin != nil {
		command.Stdin = bytes.NewReader(stdin)
	}
	var stderr bytes.Buffer
	command.Stderr = &stderr
	output, err := command.Output()
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w (%s)", name, args[0], err, strings.TrimSpace(stderr.String()))
	}
	return output, nil
}

// MacOSKeychainStore keeps the credential in a generic-password item of
// the login keychain, the host's macOS layout.
type MacOSKeychainStore struct {
	Service string
	Account string

	run commandRunner
}

func (s *MacOSKeychainStore) runner() commandRunner {
	if s.run != nil {
		return s.run
	}
	return runCommand
}

// Read returns the credential held in the keychain item.
func (s *MacOSKeychainStore) Read(ctx context.Context) (Credential, error) {
	ctx, cancel := context.WithTimeout(ctx, commandTimeout)
	defer cancel()

	output, err := s.runner()(ctx, nil, "security", "find-generic-password", "-s", s.Service, "-a", s.Account, "-w")
	if err != nil {
		return Credential{}, ErrNoCredential
	}
	document, err := decodeDocument(bytes.TrimSpace(output))
	if err != nil {
		return Credential{}, err
	}
	return credentialFromDocument(document)
}

// Write updates the keychain item in one add-generic-password -U call.
// The payload travels hex-encoded on the tool's stdin, never on its
// argument list, so it does not appear in the process table.
func (s *MacOSKeychainStore) Write(ctx context.Context, credential Credential) error {
	if err := credential.Validate(); err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, commandTimeout)
	defer cancel()

	existing, err := s.runner()(ctx, nil, "security", "find-generic-password", "-s", s.Service, "-a", s.Account, "-w")
	if err != nil {
		existing = nil
	}
	parsed, err := decodeDocument(bytes.TrimSpace(existing))
	if err != nil {
		return err
	}
	encoded, err := encodeDocument(parsed, credential)
	if err != nil {
		return err
	}

	command := fmt.Sprintf("add-generic-password -U -s %q -a %q -X %s\n", s.Service, s.Account, hex.EncodeToString(encoded))
	if _, err := s.runner()(ctx, []byte(command), "security", "-i"); err != nil {
		return fmt.Errorf("updating keychain item %q: %w", s.Service, err)
	}
	return nil
}
