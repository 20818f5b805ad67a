// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package rotation

import (
	"sort"
	"time"
)

const (
	// DefaultFreshness is how old a usage observation may be before
	// the selector treats the key's usage as unknown.
	DefaultFreshness = 15 * time.Minute

	// DefaultExhaustionLimit is the usage percentage at or above which
	// a key is not a candidate.
	DefaultExhaustionLimit = 100.0
)

// SelectorOptions tunes selection. Zero fields take the defaults.
type SelectorOptions struct {
	Freshness       time.Duration
	ExhaustionLimit float64
}

func (o SelectorOptions) withDefaults() SelectorOptions {
	if o.Freshness <= 0 {
		o.Freshness = DefaultFreshness
	}
	if o.ExhaustionLimit <= 0 {
		o.ExhaustionLimit = DefaultExhaustionLimit
	}
	return o
}

// tier orders keys by how much is known about their quota.
type tier int

const (
	// tierCandidate: fresh usage below the exhaustion limit.
	tierCandidate tier = iota
	// tierUnknown: no usage data, or data older than the freshness
	// window.
	tierUnknown
	// tierSpent: fresh usage at or above the exhaustion limit.
	tierSpent
)

type ranked struct {
	id      string
	tier    tier
	usage   float64
	expired bool
}

// rank classifies every usable key not in exclude and returns them in
// preference order: by tier; within a tier by usage (candidate and
// spent tiers only), then current active key first, then non-expired
// token first, then key ID.
func rank(state *State, now time.Time, options SelectorOptions, exclude map[string]bool) []ranked {
	options = options.withDefaults()
	var keys []ranked
	for _, id := range state.UsableKeyIDs() {
		if exclude[id] {
			continue
		}
		record := state.Keys[id]
		entry := ranked{id: id, tier: tierUnknown, expired: record.TokenExpired(now)}
		if usageFresh(record, now, options.Freshness) {
			entry.usage = record.LastUsage.Max()
			entry.tier = tierCandidate
			if entry.usage >= options.ExhaustionLimit {
				entry.tier = tierSpent
			}
		}
		keys = append(keys, entry)
	}

	sort.SliceStable(keys, func(i, j int) bool {
		a, b := keys[i], keys[j]
		if a.tier != b.tier {
			return a.tier < b.tier
		}
		if a.tier != tierUnknown && a.usage != b.usage {
			return a.usage < b.usage
		}
		aActive, bActive := a.id == state.ActiveKeyID, b.id == state.ActiveKeyID
		if aActive != bActive {
			return aActive
		}
		if a.expired != b.expired {
			return !a.expired
		}
		return a.id < b.id
	})
	return keys
}

func usageFresh(record *KeyRecord, now time.Time, freshness time.Duration) bool {
	if record.LastUsage == nil || record.LastUsage.CheckedAt.IsZero() {
		return false
	}
	return now.Sub(record.LastUsage.CheckedAt.Time()) <= freshness
}

// SelectActiveKey returns the key that should be active, or "" when no
// usable key exists.
//
// Keys whose usage data is older than the freshness window are unknown:
// still usable, never ranked against keys with fresh data. The current
// active key is kept when its own data is unknown, unless its status
// says it is unfit (exhausted or expired) and a fresh candidate exists.
// Among fresh keys below the exhaustion limit the lowest usage wins;
// ties go to the current active key, then a non-expired token, then the
// lowest key ID. With no usable active key the best-ranked usable key
// is chosen, whatever is known about it.
func SelectActiveKey(state *State, now time.Time, options SelectorOptions) string {
	keys := rank(state, now, options, nil)
	if len(keys) == 0 {
		return ""
	}
	best := keys[0]

	var active *ranked
	for i := range keys {
		if keys[i].id == state.ActiveKeyID {
			active = &keys[i]
			break
		}
	}
	if active == nil {
		return best.id
	}

	switch active.tier {
	case tierUnknown:
		status := state.Keys[active.id].Status
		if (status == StatusExhausted || status == StatusExpired) && best.tier == tierCandidate {
			return best.id
		}
		return active.id
	case tierCandidate:
		// The sort puts the active key ahead of equal-usage peers, so
		// best is the active key unless something is strictly lower.
		return best.id
	default:
		if best.tier == tierCandidate {
			return best.id
		}
		return active.id
	}
}

// SelectReplacement returns the best key to move to away from the keys
// in exclude, or "" when there is none. Keys with fresh usage at or
// above the exhaustion limit are never returned; keys with unknown
// usage are, after every fresh candidate.
func SelectReplacement(state *State, now time.Time, options SelectorOptions, exclude ...string) string {
	keys := rank(state, now, options, excludeSet(exclude))
	if len(keys) == 0 || keys[0].tier == tierSpent {
		return ""
	}
	return keys[0].id
}

// selectAnyUsable returns the best-ranked usable key outside exclude,
// spent or not, or "" when none is usable. It is the choice
// SelectActiveKey makes once the excluded keys are gone.
func selectAnyUsable(state *State, now time.Time, options SelectorOptions, exclude ...string) string {
	keys := rank(state, now, options, excludeSet(exclude))
	if len(keys) == 0 {
		return ""
	}
	return keys[0].id
}

func excludeSet(ids []string) map[string]bool {
	set := make(map[string]bool, len(ids))
	for _, id := range ids {
		set[id] = true
	}
	return set
}
