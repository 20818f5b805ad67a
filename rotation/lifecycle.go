// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package rotation

import (
	"errors"
	"fmt"
	"time"
)

// DefaultTombstoneRetention is how long a removed key's tombstone is
// kept before PurgeTombstones deletes it.
const DefaultTombstoneRetention = 24 * time.Hour

// ErrNoReplacement is returned when a switch was needed but no usable
// key could take over.
var ErrNoReplacement = errors.New("no replacement key available")

// Switch makes newID the active key. The previous active key, if any
// and different, is parked with demoteTo (StatusExhausted or
// StatusExpired). A key_switched entry is appended. Switching to the
// key that is already active only re-asserts its status and logs
// nothing.
func Switch(state *State, newID string, demoteTo KeyStatus, reason Reason, now time.Time) error {
	record := state.Key(newID)
	if record == nil {
		return fmt.Errorf("switching to key %s: no such key", newID)
	}
	if !record.Status.Usable() {
		return fmt.Errorf("switching to key %s: status %s is not usable", newID, record.Status)
	}
	if demoteTo != StatusExhausted && demoteTo != StatusExpired {
		return fmt.Errorf("switching to key %s: cannot park previous key as %s", newID, demoteTo)
	}

	if state.ActiveKeyID == newID {
		record.Status = StatusActive
		return nil
	}

	if previous := state.ActiveKey(); previous != nil && previous.Status == StatusActive {
		previous.Status = demoteTo
	}
	// A state written by another tool may carry stray active statuses;
	// park them so the one-active invariant holds after the switch.
	for id, other := range state.Keys {
		if id != newID && other.Status == StatusActive {
			other.Status = StatusExhausted
		}
	}

	record.Status = StatusActive
	state.ActiveKeyID = newID
	state.Append(now, EventKeySwitched, newID, reason)
	return nil
}

// MarkExhausted records that id hit its quota: the key is parked as
// exhausted (it stays ActiveKeyID until a Switch moves away from it),
// exhausted_at is set so the quota refresh can be observed later, and
// key_exhausted is appended. Marking an already exhausted key again
// refreshes nothing and logs nothing.
func MarkExhausted(state *State, id string, reason Reason, now time.Time) bool {
	record := state.Key(id)
	if record == nil || !record.Status.Usable() {
		return false
	}
	if record.Status == StatusExhausted && !record.ExhaustedAt.IsZero() {
		return false
	}
	record.Status = StatusExhausted
	record.ExhaustedAt = MillisOf(now)
	state.Append(now, EventKeyExhausted, id, reason)
	return true
}

// MarkExpired marks every usable key whose access token has expired as
// expired, appending key_expired for each key whose status changed, and
// returns the IDs it changed. The active key keeps ActiveKeyID.
func MarkExpired(state *State, now time.Time) []string {
	var changed []string
	for _, id := range state.UsableKeyIDs() {
		record := state.Keys[id]
		if record.Status == StatusExpired || !record.TokenExpired(now) {
			continue
		}
		record.Status = StatusExpired
		state.Append(now, EventKeyExpired, id, ReasonTokenExpired)
		changed = append(changed, id)
	}
	return changed
}

// PruneDeadKeys deletes every invalid key except the active one,
// appending account_auth_failed for each before deleting it. Returns
// the deleted IDs.
func PruneDeadKeys(state *State, now time.Time) []string {
	var deleted []string
	for _, id := range state.KeyIDs() {
		if id == state.ActiveKeyID || state.Keys[id].Status != StatusInvalid {
			continue
		}
		state.Append(now, EventAccountAuthFailed, id, ReasonGarbageCollected)
		delete(state.Keys, id)
		deleted = append(deleted, id)
	}
	return deleted
}

// PurgeTombstones deletes tombstones older than retention, appending
// tombstone_purged for each. Returns the deleted IDs.
func PurgeTombstones(state *State, now time.Time, retention time.Duration) []string {
	if retention <= 0 {
		retention = DefaultTombstoneRetention
	}
	var deleted []string
	for _, id := range state.KeyIDs() {
		record := state.Keys[id]
		if record.Status != StatusTombstone || record.TombstonedAt.IsZero() {
			continue
		}
		if now.Sub(record.TombstonedAt.Time()) < retention {
			continue
		}
		state.Append(now, EventTombstonePurged, id, ReasonRetentionElapsed)
		delete(state.Keys, id)
		deleted = append(deleted, id)
	}
	return deleted
}

// Tombstone strips id's token material and marks it removed, keeping
// its identity fields. Tombstoning a tombstone keeps the original
// tombstoned_at. Returns false if id does not exist or was already a
// tombstone.
func Tombstone(state *State, id string, now time.Time) bool {
	record := state.Key(id)
	if record == nil || record.Status == StatusTombstone {
		return false
	}
	if state.ActiveKeyID == id {
		state.ActiveKeyID = ""
	}
	record.Status = StatusTombstone
	record.AccessToken = ""
	record.RefreshToken = ""
	record.ExpiresAt = 0
	record.Scopes = nil
	record.LastUsage = nil
	record.ExhaustedAt = 0
	record.TombstonedAt = MillisOf(now)
	return true
}

// ApplyRefresh stores refreshed tokens on id if the key still holds
// usedRefreshToken, the token the refresh was performed with. Returns
// false when the key is gone or another process already rotated its
// tokens, in which case the result is stale and dropped.
func ApplyRefresh(state *State, id, usedRefreshToken string, tokens Tokens, now time.Time) bool {
	record := state.Key(id)
	if record == nil || !record.Status.Usable() || record.RefreshToken != usedRefreshToken {
		return false
	}
	record.AccessToken = tokens.AccessToken
	if tokens.RefreshToken != "" {
		record.RefreshToken = tokens.RefreshToken
	}
	record.ExpiresAt = MillisOf(tokens.ExpiresAt)
	if len(tokens.Scopes) > 0 {
		record.Scopes = tokens.Scopes
	}
	record.LastRefreshedAt = MillisOf(now)
	if record.Status == StatusExpired {
		if id == state.ActiveKeyID {
			record.Status = StatusActive
		} else {
			record.Status = StatusExhausted
		}
	}
	state.Append(now, EventKeyRefreshed, id, ReasonScheduledRefresh)
	return true
}

// MarkInvalid records a permanent refresh failure for id if the key
// still holds usedRefreshToken. The key is left for PruneDeadKeys. An
// invalid key cannot stay active: if id was active, the best
// replacement is switched in and returned, or the state is left with
// no active key when there is none.
func MarkInvalid(state *State, id, usedRefreshToken string, options SelectorOptions, now time.Time) (marked bool, replacement string) {
	record := state.Key(id)
	if record == nil || !record.Status.Usable() || record.RefreshToken != usedRefreshToken {
		return false, ""
	}
	record.Status = StatusInvalid
	state.Append(now, EventRefreshTokenInvalidGrant, id, ReasonInvalidGrant)

	if state.ActiveKeyID != id {
		return true, ""
	}
	replacement = SelectReplacement(state, now, options, id)
	if replacement == "" {
		state.ActiveKeyID = ""
		return true, ""
	}
	if err := Switch(state, replacement, StatusExhausted, ReasonInvalidGrant, now); err != nil {
		state.ActiveKeyID = ""
		return true, ""
	}
	return true, replacement
}

// Tokens is a freshly issued token set.
type Tokens struct {
	AccessToken  string
	RefreshToken string
	ExpiresAt    time.Time
	Scopes       []string
}
