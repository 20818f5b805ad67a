// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package rotation

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/bureau-foundation/rotor/keychain"
)

// Identity is the account an access token belongs to.
type Identity struct {
	Email            string
	UUID             string
	SubscriptionType string
}

// IdentityResolver looks up the account behind an access token. The
// oauth package's profile client implements it.
type IdentityResolver interface {
	ResolveIdentity(ctx context.Context, accessToken string) (Identity, error)
}

// CaptureResult describes what CaptureCredential did.
type CaptureResult struct {
	KeyID string
	// Added is true when a new key was created, false when an existing
	// key was matched.
	Added bool
	// Updated is true when an existing key's tokens were replaced by
	// the captured ones.
	Updated bool
}

// CaptureOptions adjusts CaptureCredential.
type CaptureOptions struct {
	// Readd allows capturing an account that was removed and is still
	// tombstoned. Without it such a credential is refused with
	// *RemovedAccountError.
	Readd bool
}

// RemovedAccountError reports a captured credential that belongs to a
// removed account. The host store can keep a removed account's login
// until the operator logs in elsewhere; capturing it automatically
// would undo the removal.
type RemovedAccountError struct {
	// KeyID is the tombstone the account matched.
	KeyID string
	// Account is the tombstone's label.
	Account string
}

func (e *RemovedAccountError) Error() string {
	return fmt.Sprintf("captured credential belongs to removed account %s (tombstone %s)", e.Account, e.KeyID)
}

// matchTombstone finds a tombstone for the resolved identity, by UUID
// when both sides carry one and by email otherwise.
func matchTombstone(state *State, identity Identity) string {
	for _, id := range state.KeyIDs() {
		record := state.Keys[id]
		if record.Status != StatusTombstone {
			continue
		}
		if identity.UUID != "" && record.AccountUUID != "" {
			if strings.EqualFold(record.AccountUUID, identity.UUID) {
				return id
			}
			continue
		}
		if identity.Email != "" && strings.EqualFold(record.AccountEmail, identity.Email) {
			return id
		}
	}
	return ""
}

// matchCredential finds a usable or invalid key holding one of the
// credential's tokens.
func matchCredential(state *State, credential keychain.Credential) string {
	for _, id := range state.KeyIDs() {
		record := state.Keys[id]
		if record.Status == StatusTombstone {
			continue
		}
		if record.AccessToken == credential.AccessToken || record.RefreshToken == credential.RefreshToken {
			return id
		}
	}
	return ""
}

// matchAccountUUID finds a non-tombstoned key for the account.
func matchAccountUUID(state *State, uuid string) string {
	if uuid == "" {
		return ""
	}
	for _, id := range state.KeyIDs() {
		record := state.Keys[id]
		if record.Status != StatusTombstone && strings.EqualFold(record.AccountUUID, uuid) {
			return id
		}
	}
	return ""
}

// CaptureCredential imports the host's current credential into the
// rotation state.
//
// A credential holding tokens an existing key already has is matched
// directly; its tokens are updated when the captured credential
// expires later (the host refreshed on its own). Otherwise the
// account is resolved through resolver and matched by UUID, so a fresh
// login of a known account updates that key instead of adding a
// duplicate; a previously invalid key is revived. An unknown account
// becomes a new key, active when nothing else is. An account that is
// tombstoned is refused with *RemovedAccountError unless options.Readd
// is set.
//
// The identity lookup happens before the store update. A resolver
// failure for an unmatched credential fails the capture: adding the key
// without identity risks duplicating an account.
func CaptureCredential(ctx context.Context, store *Store, credential keychain.Credential, resolver IdentityResolver, options CaptureOptions, now time.Time) (CaptureResult, error) {
	if err := credential.Validate(); err != nil {
		return CaptureResult{}, fmt.Errorf("capturing credential: %w", err)
	}

	snapshot, err := store.Read()
	if err != nil {
		return CaptureResult{}, err
	}

	var identity Identity
	if matchCredential(snapshot, credential) == "" {
		identity, err = resolver.ResolveIdentity(ctx, credential.AccessToken)
		if err != nil {
			return CaptureResult{}, fmt.Errorf("resolving identity of captured credential: %w", err)
		}
	}

	var result CaptureResult
	err = store.Update(func(state *State) error {
		result = CaptureResult{}

		id := matchCredential(state, credential)
		if id == "" {
			id = matchAccountUUID(state, identity.UUID)
		}
		if id != "" {
			result.KeyID = id
			result.Updated = adoptCredential(state, id, credential, identity, now)
			if !result.Updated {
				return ErrNoChange
			}
			return nil
		}

		if !options.Readd {
			if tombstone := matchTombstone(state, identity); tombstone != "" {
				return &RemovedAccountError{KeyID: tombstone, Account: state.Keys[tombstone].Label(tombstone)}
			}
		}

		id = KeyIDFor(credential.RefreshToken)
		if state.Keys[id] != nil {
			return fmt.Errorf("key ID %s already exists for a different credential", id)
		}
		record := &KeyRecord{
			Status:           StatusExhausted,
			AccountEmail:     identity.Email,
			AccountUUID:      identity.UUID,
			AccessToken:      credential.AccessToken,
			RefreshToken:     credential.RefreshToken,
			ExpiresAt:        Millis(credential.ExpiresAt),
			Scopes:           credential.Scopes,
			SubscriptionType: credential.SubscriptionType,
			AddedAt:          MillisOf(now),
		}
		if record.SubscriptionType == "" {
			record.SubscriptionType = identity.SubscriptionType
		}
		state.Keys[id] = record
		state.Append(now, EventKeyAdded, id, ReasonHostCredential)
		if state.ActiveKey() == nil {
			if err := Switch(state, id, StatusExhausted, ReasonInitialKey, now); err != nil {
				return err
			}
		}
		result.KeyID = id
		result.Added = true
		return nil
	})
	if err != nil {
		return CaptureResult{}, err
	}
	return result, nil
}

// adoptCredential copies a captured credential onto an existing key
// when it is newer than what the key holds. Returns whether anything
// changed.
func adoptCredential(state *State, id string, credential keychain.Credential, identity Identity, now time.Time) bool {
	record := state.Keys[id]
	changed := false

	if identity.Email != "" && record.AccountEmail == "" {
		record.AccountEmail = identity.Email
		changed = true
	}
	if identity.UUID != "" && record.AccountUUID == "" {
		record.AccountUUID = identity.UUID
		changed = true
	}

	sameTokens := record.AccessToken == credential.AccessToken && record.RefreshToken == credential.RefreshToken
	if sameTokens || Millis(credential.ExpiresAt) < record.ExpiresAt {
		return changed
	}

	record.AccessToken = credential.AccessToken
	record.RefreshToken = credential.RefreshToken
	record.ExpiresAt = Millis(credential.ExpiresAt)
	if len(credential.Scopes) > 0 {
		record.Scopes = credential.Scopes
	}
	if credential.SubscriptionType != "" {
		record.SubscriptionType = credential.SubscriptionType
	}
	record.LastRefreshedAt = MillisOf(now)
	switch {
	case id == state.ActiveKeyID && record.Status == StatusExpired:
		record.Status = StatusActive
	case record.Status == StatusExpired || record.Status == StatusInvalid:
		record.Status = StatusExhausted
	}
	state.Append(now, EventKeyRefreshed, id, ReasonHostCredential)
	return true
}
