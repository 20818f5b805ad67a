// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package rotation

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/bureau-foundation/rotor/keychain"
)

// SchemaVersion is the document version this package writes.
const SchemaVersion = 1

// Millis is a wall-clock instant in epoch milliseconds, the resolution
// the state document and the host credential use. Zero means unset.
type Millis int64

// MillisOf converts t to Millis.
func MillisOf(t time.Time) Millis {
	return Millis(t.UnixMilli())
}

// Time converts m to a time.Time. The zero Millis converts to the zero
// time.
func (m Millis) Time() time.Time {
	if m == 0 {
		return time.Time{}
	}
	return time.UnixMilli(int64(m))
}

// IsZero reports whether m is unset.
func (m Millis) IsZero() bool { return m == 0 }

// KeyStatus is the lifecycle status of a key.
type KeyStatus string

const (
	// StatusActive marks the key the host is currently using. At most
	// one key holds it, and it is always the state's ActiveKeyID.
	StatusActive KeyStatus = "active"

	// StatusExhausted marks a usable key that is parked: routed away
	// from because of quota, or never yet selected.
	StatusExhausted KeyStatus = "exhausted"

	// StatusExpired marks a usable key whose access token lifetime has
	// elapsed and which has not been refreshed yet.
	StatusExpired KeyStatus = "expired"

	// StatusInvalid marks a key whose refresh token was permanently
	// rejected. Garbage collection deletes it.
	StatusInvalid KeyStatus = "invalid"

	// StatusTombstone marks a key removed by the operator. It keeps its
	// identity fields but no token material until the retention period
	// elapses.
	StatusTombstone KeyStatus = "tombstone"
)

// Known reports whether s is one of the defined statuses.
func (s KeyStatus) Known() bool {
	switch s {
	case StatusActive, StatusExhausted, StatusExpired, StatusInvalid, StatusTombstone:
		return true
	}
	return false
}

// Usable reports whether a key in status s can be made active.
func (s KeyStatus) Usable() bool {
	return s == StatusActive || s == StatusExhausted || s == StatusExpired
}

// Usage is the most recent quota observation for a key. Percentages
// are of the window's allowance, 0 to 100 (and occasionally above).
type Usage struct {
	FiveHour  float64 `json:"five_hour"`
	SevenDay  float64 `json:"seven_day"`
	CheckedAt Millis  `json:"checked_at"`
}

// Max returns the larger of the two window percentages.
func (u Usage) Max() float64 {
	if u.FiveHour > u.SevenDay {
		return u.FiveHour
	}
	return u.SevenDay
}

// KeyRecord is one OAuth key. The token field names match the host
// credential format so records and credentials convert without
// renaming.
type KeyRecord struct {
	Status           KeyStatus `json:"status"`
	AccountEmail     string    `json:"account_email,omitempty"`
	AccountUUID      string    `json:"account_uuid,omitempty"`
	AccessToken      string    `json:"accessToken,omitempty"`
	RefreshToken     string    `json:"refreshToken,omitempty"`
	ExpiresAt        Millis    `json:"expiresAt,omitempty"`
	Scopes           []string  `json:"scopes,omitempty"`
	SubscriptionType string    `json:"subscriptionType,omitempty"`
	LastUsage        *Usage    `json:"last_usage,omitempty"`
	AddedAt          Millis    `json:"added_at,omitempty"`
	LastRefreshedAt  Millis    `json:"last_refreshed_at,omitempty"`
	ExhaustedAt      Millis    `json:"exhausted_at,omitempty"`
	TombstonedAt     Millis    `json:"tombstoned_at,omitempty"`
}

// Credential returns the record's tokens in host credential form.
func (k *KeyRecord) Credential() keychain.Credential {
	return keychain.Credential{
		AccessToken:      k.AccessToken,
		RefreshToken:     k.RefreshToken,
		ExpiresAt:        int64(k.ExpiresAt),
		Scopes:           k.Scopes,
		SubscriptionType: k.SubscriptionType,
	}
}

// TokenExpired reports whether the access token's lifetime has elapsed
// at now. A record with no expiry counts as expired.
func (k *KeyRecord) TokenExpired(now time.Time) bool {
	return k.ExpiresAt.IsZero() || !now.Before(k.ExpiresAt.Time())
}

// ExpiresWithin reports whether the access token expires before
// now+window.
func (k *KeyRecord) ExpiresWithin(now time.Time, window time.Duration) bool {
	return k.ExpiresAt.IsZero() || k.ExpiresAt.Time().Before(now.Add(window))
}

// Label returns a human-facing name for the key: its account email
// when known, otherwise the key ID.
func (k *KeyRecord) Label(id string) string {
	if k.AccountEmail != "" {
		return k.AccountEmail
	}
	return id
}

// State is the rotation state document.
type State struct {
	Version int
	// ActiveKeyID is the key the host should be using, or "" when none
	// is. Serialized as null when empty.
	ActiveKeyID string
	Keys        map[string]*KeyRecord
	RotationLog []LogEntry
}

// stateDocument is the on-disk shape of State.
type stateDocument struct {
	Version     int                   `json:"version"`
	ActiveKeyID *string               `json:"active_key_id"`
	Keys        map[string]*KeyRecord `json:"keys"`
	RotationLog []LogEntry            `json:"rotation_log"`
}

// MarshalJSON writes the on-disk document shape.
func (s *State) MarshalJSON() ([]byte, error) {
	document := stateDocument{
		Version:     s.Version,
		Keys:        s.Keys,
		RotationLog: s.RotationLog,
	}
	if s.ActiveKeyID != "" {
		active := s.ActiveKeyID
		document.ActiveKeyID = &active
	}
	if document.Keys == nil {
		document.Keys = map[string]*KeyRecord{}
	}
	if document.RotationLog == nil {
		document.RotationLog = []LogEntry{}
	}
	return json.Marshal(document)
}

// UnmarshalJSON reads the on-disk document shape. A document with no
// version field is read as version 1.
func (s *State) UnmarshalJSON(data []byte) error {
	var document stateDocument
	if err := json.Unmarshal(data, &document); err != nil {
		return err
	}
	s.Version = document.Version
	if s.Version == 0 {
		s.Version = SchemaVersion
	}
	s.ActiveKeyID = ""
	if document.ActiveKeyID != nil {
		s.ActiveKeyID = *document.ActiveKeyID
	}
	s.Keys = document.Keys
	if s.Keys == nil {
		s.Keys = make(map[string]*KeyRecord)
	}
	for id, record := range s.Keys {
		if record == nil {
			return fmt.Errorf("key %q is null", id)
		}
	}
	s.RotationLog = document.RotationLog
	return nil
}

// NewState returns an empty state at the current schema version.
func NewState() *State {
	return &State{Version: SchemaVersion, Keys: make(map[string]*KeyRecord)}
}

// Key returns the record for id, or nil.
func (s *State) Key(id string) *KeyRecord {
	if id == "" {
		return nil
	}
	return s.Keys[id]
}

// ActiveKey returns the active key's record, or nil when no key is
// active or the active ID does not resolve.
func (s *State) ActiveKey() *KeyRecord {
	return s.Key(s.ActiveKeyID)
}

// KeyIDs returns every key ID in sorted order.
func (s *State) KeyIDs() []string {
	ids := make([]string, 0, len(s.Keys))
	for id := range s.Keys {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// UsableKeyIDs returns the IDs of every key whose status is usable, in
// sorted order.
func (s *State) UsableKeyIDs() []string {
	var ids []string
	for _, id := range s.KeyIDs() {
		if s.Keys[id].Status.Usable() {
			ids = append(ids, id)
		}
	}
	return ids
}

// Validate checks the document invariants. Store.Write refuses to
// persist a state that fails it.
func (s *State) Validate() error {
	activeCount := 0
	for _, id := range s.KeyIDs() {
		record := s.Keys[id]
		if !record.Status.Known() {
			return fmt.Errorf("key %s has unknown status %q", id, record.Status)
		}
		if record.Status == StatusActive {
			activeCount++
		}
		if record.Status == StatusTombstone {
			if record.AccessToken != "" || record.RefreshToken != "" || record.ExpiresAt != 0 {
				return fmt.Errorf("tombstoned key %s retains token material", id)
			}
			if record.TombstonedAt.IsZero() {
				return fmt.Errorf("tombstoned key %s has no tombstoned_at", id)
			}
		}
	}
	if activeCount > 1 {
		return fmt.Errorf("%d keys have status active, at most one may", activeCount)
	}
	if s.ActiveKeyID != "" {
		record := s.Keys[s.ActiveKeyID]
		if record == nil {
			return fmt.Errorf("active_key_id %s does not reference a key", s.ActiveKeyID)
		}
		if !record.Status.Usable() {
			return fmt.Errorf("active_key_id %s references a key with status %s", s.ActiveKeyID, record.Status)
		}
	}
	return nil
}
