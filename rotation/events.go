// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package rotation

import "time"

// EventKind is the closed vocabulary of rotation_log events. Every kind
// carries the same LogEntry payload.
type EventKind string

const (
	EventKeyAdded                 EventKind = "key_added"
	EventKeySwitched              EventKind = "key_switched"
	EventKeyExhausted             EventKind = "key_exhausted"
	EventKeyExpired               EventKind = "key_expired"
	EventKeyRefreshed             EventKind = "key_refreshed"
	EventRefreshTokenInvalidGrant EventKind = "refresh_token_invalid_grant"
	EventAccountNearlyDepleted    EventKind = "account_nearly_depleted"
	EventAccountQuotaRefreshed    EventKind = "account_quota_refreshed"
	EventAccountAuthFailed        EventKind = "account_auth_failed"
	EventAccountRemoved           EventKind = "account_removed"
	EventTombstonePurged          EventKind = "tombstone_purged"
)

// EventKinds lists every defined event kind.
var EventKinds = []EventKind{
	EventKeyAdded,
	EventKeySwitched,
	EventKeyExhausted,
	EventKeyExpired,
	EventKeyRefreshed,
	EventRefreshTokenInvalidGrant,
	EventAccountNearlyDepleted,
	EventAccountQuotaRefreshed,
	EventAccountAuthFailed,
	EventAccountRemoved,
	EventTombstonePurged,
}

// Known reports whether k is a defined event kind. Documents written by
// a newer version may contain kinds this version does not know; they
// are carried through unchanged.
func (k EventKind) Known() bool {
	for _, kind := range EventKinds {
		if k == kind {
			return true
		}
	}
	return false
}

// Reason qualifies an event. The set is closed like EventKind.
type Reason string

const (
	ReasonNone             Reason = ""
	ReasonHostCredential   Reason = "host_credential"
	ReasonInitialKey       Reason = "initial_key"
	ReasonScheduledRefresh Reason = "scheduled_refresh"
	ReasonTokenExpired     Reason = "token_expired"
	ReasonInvalidGrant     Reason = "invalid_grant"
	ReasonPreExpirySwap    Reason = "pre_expiry_swap"
	ReasonQuotaThreshold   Reason = "quota_threshold"
	ReasonUsageThreshold   Reason = "usage_threshold"
	ReasonQuotaReset       Reason = "quota_reset"
	ReasonRateLimited      Reason = "rate_limited"
	ReasonAccountRemoved   Reason = "account_removed"
	ReasonOperatorSelect   Reason = "operator_select"
	ReasonGarbageCollected Reason = "garbage_collected"
	ReasonRetentionElapsed Reason = "retention_elapsed"
	ReasonNoActiveKey      Reason = "no_active_key"
)

// LogEntry is one rotation_log record.
type LogEntry struct {
	Timestamp    Millis    `json:"timestamp"`
	Event        EventKind `json:"event"`
	KeyID        string    `json:"key_id"`
	AccountEmail string    `json:"account_email,omitempty"`
	Reason       Reason    `json:"reason,omitempty"`
}

// Append adds an entry for keyID to the rotation log. The account email
// is copied from the key record when the key exists, so the entry stays
// meaningful after the record is deleted.
func (s *State) Append(now time.Time, event EventKind, keyID string, reason Reason) {
	entry := LogEntry{
		Timestamp: MillisOf(now),
		Event:     event,
		KeyID:     keyID,
		Reason:    reason,
	}
	if record := s.Keys[keyID]; record != nil {
		entry.AccountEmail = record.AccountEmail
	}
	s.RotationLog = append(s.RotationLog, entry)
}
