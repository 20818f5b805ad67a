// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package rotation

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/bureau-foundation/rotor/keychain"
)

// ErrLastAccount is returned when removal would leave no usable active
// key and the caller did not force it.
var ErrLastAccount = errors.New("refusing to remove the active account: no other usable account can take over (use --force)")

// CredentialWriter installs a credential where the host agent reads it.
// keychain.Store implements it.
type CredentialWriter interface {
	Write(ctx context.Context, credential keychain.Credential) error
}

// NoMatchError is returned when an identifier matches no removable key.
type NoMatchError struct {
	Identifier string
	// Known lists the accounts that could have matched: email when
	// known, key ID otherwise.
	Known []string
}

func (e *NoMatchError) Error() string {
	if len(e.Known) == 0 {
		return fmt.Sprintf("no account matches %q (no accounts are configured)", e.Identifier)
	}
	return fmt.Sprintf("no account matches %q (known accounts: %s)", e.Identifier, strings.Join(e.Known, ", "))
}

// RemoveOptions controls RemoveAccount.
type RemoveOptions struct {
	// Force allows removing the active account when nothing can
	// replace it, leaving the state with no active key.
	Force bool

	Selector SelectorOptions
}

// RemovalResult describes a completed removal.
type RemovalResult struct {
	// Removed lists the tombstoned key IDs.
	Removed []string

	// Replacement is the key switched in for the removed active key,
	// or "" when the active key was untouched or none was available.
	Replacement string

	// ActiveCleared is true when a forced removal left no active key.
	ActiveCleared bool
}

// MatchAccount returns the IDs of removable keys (not tombstoned, not
// invalid) whose email, account UUID or key ID equals identifier,
// ignoring case.
func MatchAccount(state *State, identifier string) []string {
	identifier = strings.TrimSpace(identifier)
	if identifier == "" {
		return nil
	}
	var matches []string
	for _, id := range state.UsableKeyIDs() {
		record := state.Keys[id]
		if strings.EqualFold(record.AccountEmail, identifier) ||
			strings.EqualFold(record.AccountUUID, identifier) ||
			strings.EqualFold(id, identifier) {
			matches = append(matches, id)
		}
	}
	return matches
}

// KnownAccounts lists every removable key by label, sorted and
// deduplicated.
func KnownAccounts(state *State) []string {
	seen := make(map[string]bool)
	var known []string
	for _, id := range state.UsableKeyIDs() {
		label := state.Keys[id].Label(id)
		if !seen[label] {
			seen[label] = true
			known = append(known, label)
		}
	}
	sort.Strings(known)
	return known
}

// RemoveAccount tombstones every key belonging to identifier.
//
// When the active key is among them, a replacement is chosen from the
// remaining keys and its credential is written to writer before the
// state changes, so the host is never left pointing at a removed
// account. With no replacement the removal fails with ErrLastAccount
// unless options.Force is set.
//
// The credential write is local I/O and happens inside the store's
// read-modify-write window, so the replacement is chosen from the same
// snapshot the removal is applied to.
func RemoveAccount(ctx context.Context, store *Store, writer CredentialWriter, identifier string, options RemoveOptions, now time.Time) (RemovalResult, error) {
	var result RemovalResult
	err := store.Update(func(state *State) error {
		result = RemovalResult{}

		matches := MatchAccount(state, identifier)
		if len(matches) == 0 {
			return &NoMatchError{Identifier: identifier, Known: KnownAccounts(state)}
		}

		removingActive := false
		for _, id := range matches {
			if id == state.ActiveKeyID {
				removingActive = true
			}
		}

		if removingActive {
			// A spent key still beats leaving no account: the host gets
			// a usable login and the quota monitor moves on once another
			// key recovers.
			replacement := SelectReplacement(state, now, options.Selector, matches...)
			if replacement == "" {
				replacement = selectAnyUsable(state, now, options.Selector, matches...)
			}
			switch {
			case replacement != "":
				credential := state.Keys[replacement].Credential()
				if err := writer.Write(ctx, credential); err != nil {
					return fmt.Errorf("installing replacement key %s: %w", replacement, err)
				}
				if err := Switch(state, replacement, StatusExhausted, ReasonAccountRemoved, now); err != nil {
					return err
				}
				result.Replacement = replacement
			case options.Force:
				state.ActiveKeyID = ""
				result.ActiveCleared = true
			default:
				return ErrLastAccount
			}
		}

		for _, id := range matches {
			if Tombstone(state, id, now) {
				state.Append(now, EventAccountRemoved, id, ReasonAccountRemoved)
				result.Removed = append(result.Removed, id)
			}
		}
		return nil
	})
	if err != nil {
		return RemovalResult{}, err
	}
	return result, nil
}
