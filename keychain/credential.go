// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package keychain reads and writes the OS-level credential store that
// the host agent loads its OAuth credential from.
//
// The host may read the store at any moment, so every write replaces the
// whole credential in one atomic operation: a file backend renames a
// fully written temporary file into place, the macOS backend issues a
// single update of the keychain item. A partially updated credential is
// never observable.
package keychain

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"time"
)

// ErrNoCredential is returned by Read when the store holds no OAuth
// credential.
var ErrNoCredential = errors.New("no OAuth credential in credential store")

// Credential is the OAuth credential the host agent authenticates with.
// Field names follow the host's on-disk format.
type Credential struct {
	AccessToken      string   `json:"accessToken"`
	RefreshToken     string   `json:"refreshToken"`
	ExpiresAt        int64    `json:"expiresAt"`
	Scopes           []string `json:"scopes,omitempty"`
	SubscriptionType string   `json:"subscriptionType,omitempty"`
}

// Expiry returns ExpiresAt as a time.
func (c Credential) Expiry() time.Time {
	return time.UnixMilli(c.ExpiresAt)
}

// Validate reports whether c is complete enough to hand to the host.
// Error messages never include token values.
func (c Credential) Validate() error {
	switch {
	case c.AccessToken == "":
		return fmt.Errorf("credential has no access token")
	case c.RefreshToken == "":
		return fmt.Errorf("credential has no refresh token")
	case c.ExpiresAt <= 0:
		return fmt.Errorf("credential has no expiry")
	}
	return nil
}

// Store is an OS credential store.
type Store interface {
	// Read returns the current credential, or ErrNoCredential.
	Read(ctx context.Context) (Credential, error)

	// Write atomically replaces the credential.
	Write(ctx context.Context, credential Credential) error
}

// Backend names accepted by Open.
const (
	BackendAuto          = "auto"
	BackendFile          = "file"
	BackendMacOSKeychain = "macos-keychain"
)

// Config selects and configures a credential store backend.
type Config struct {
	// Backend is one of BackendAuto, BackendFile, BackendMacOSKeychain.
	// Auto picks the macOS keychain on darwin and the file elsewhere.
	Backend string `yaml:"backend"`

	// Path is the credentials file for the file backend.
	Path string `yaml:"path"`

	// Service and Account identify the macOS keychain item.
	Service string `yaml:"service"`
	Account string `yaml:"account"`
}

// Open returns the Store described by config.
func Open(config Config) (Store, error) {
	backend := config.Backend
	if backend == "" || backend == BackendAuto {
		backend = BackendFile
		if runtime.GOOS == "darwin" {
			backend = BackendMacOSKeychain
		}
	}

	switch backend {
	case BackendFile:
		if config.Path == "" {
			return nil, fmt.Errorf("keychain: file backend requires a path")
		}
		return &FileStore{Path: config.Path}, nil
	case BackendMacOSKeychain:
		if config.Service == "" || config.Account == "" {
			return nil, fmt.Errorf("keychain: macos-keychain backend requires service and account")
		}
		return &MacOSKeychainStore{Service: config.Service, Account: config.Account}, nil
	default:
		return nil, fmt.Errorf("keychain: unknown backend %q (supported: auto, file, macos-keychain)", backend)
	}
}
