// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package refresher keeps every key's tokens alive. A sync cycle
// imports the host's own credential, marks expired keys, refreshes keys
// close to expiry, fills in missing account identity, swaps the active
// key for a healthy standby before it expires, and garbage-collects
// dead keys and old tombstones.
//
// Network calls happen between store updates, never inside one. A
// refresh result is applied only if the key still holds the refresh
// token the call was made with, so a cycle racing another process's
// cycle drops its stale result instead of overwriting a newer token.
package refresher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/bureau-foundation/rotor/keychain"
	"github.com/bureau-foundation/rotor/lib/clock"
	"github.com/bureau-foundation/rotor/oauth"
	"github.com/bureau-foundation/rotor/rotation"
)

// ErrSyncInProgress is returned by Sync when another Sync in this
// process has not finished.
var ErrSyncInProgress = errors.New("sync already in progress")

const (
	// DefaultInterval between cycles of Run.
	DefaultInterval = 10 * time.Minute

	// DefaultExpiryBuffer: keys expiring within it are refreshed.
	DefaultExpiryBuffer = 10 * time.Minute
)

// TokenRefresher performs refresh-token grants. *oauth.Client
// implements it.
type TokenRefresher interface {
	Refresh(ctx context.Context, refreshToken string) oauth.RefreshResult
}

// Config configures a Refresher.
type Config struct {
	Store       *rotation.Store
	Credentials keychain.Store
	OAuth       TokenRefresher
	Identity    rotation.IdentityResolver

	// Interval between Run cycles. Default: 10m.
	Interval time.Duration

	// ExpiryBuffer: keys expiring within it are refreshed, and an
	// active key inside it is swapped for a standby. Default: 10m.
	ExpiryBuffer time.Duration

	// TombstoneRetention for PurgeTombstones. Default: 24h.
	TombstoneRetention time.Duration

	Selector rotation.SelectorOptions

	// Clock defaults to clock.Real().
	Clock clock.Clock

	// Logger defaults to slog.Default().
	Logger *slog.Logger
}

// Refresher runs sync cycles.
type Refresher struct {
	store              *rotation.Store
	credentials        keychain.Store
	oauth              TokenRefresher
	identity           rotation.IdentityResolver
	interval           time.Duration
	expiryBuffer       time.Duration
	tombstoneRetention time.Duration
	selector           rotation.SelectorOptions
	clock              clock.Clock
	logger             *slog.Logger

	running atomic.Bool
}

// New returns a Refresher for config.
func New(config Config) (*Refresher, error) {
	if config.Store == nil || config.Credentials == nil || config.OAuth == nil || config.Identity == nil {
		return nil, fmt.Errorf("refresher: Store, Credentials, OAuth and Identity are required")
	}
	refresher := &Refresher{
		store:              config.Store,
		credentials:        config.Credentials,
		oauth:              config.OAuth,
		identity:           config.Identity,
		interval:           config.Interval,
		expiryBuffer:       config.ExpiryBuffer,
		tombstoneRetention: config.TombstoneRetention,
		selector:           config.Selector,
		clock:              config.Clock,
		logger:             config.Logger,
	}
	if refresher.interval <= 0 {
		refresher.interval = DefaultInterval
	}
	if refresher.expiryBuffer <= 0 {
		refresher.expiryBuffer = DefaultExpiryBuffer
	}
	if refresher.tombstoneRetention <= 0 {
		refresher.tombstoneRetention = rotation.DefaultTombstoneRetention
	}
	if refresher.clock == nil {
		refresher.clock = clock.Real()
	}
	if refresher.logger == nil {
		refresher.logger = slog.Default()
	}
	return refresher, nil
}

// Report summarizes one sync cycle.
type Report struct {
	// Captured is the key the host credential matched or created.
	Captured  string   `json:"captured,omitempty"`
	Expired   []string `json:"expired,omitempty"`
	Refreshed []string `json:"refreshed,omitempty"`
	// Transient lists keys whose refresh failed and will be retried.
	Transient []string `json:"transient,omitempty"`
	Invalid   []string `json:"invalid,omitempty"`
	Resolved  []string `json:"resolved,omitempty"`
	// Switched is the key made active this cycle, if any.
	Switched string   `json:"switched,omitempty"`
	Pruned   []string `json:"pruned,omitempty"`
	Purged   []string `json:"purged,omitempty"`
}

// Run syncs immediately and then every interval until ctx is done.
// Cycle failures are logged, not returned.
func (r *Refresher) Run(ctx context.Context) error {
	ticker := r.clock.NewTicker(r.interval)
	defer ticker.Stop()

	r.runCycle(ctx)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			r.runCycle(ctx)
		}
	}
}

func (r *Refresher) runCycle(ctx context.Context) {
	report, err := r.Sync(ctx)
	if err != nil {
		r.logger.Error("sync cycle failed", "error", err)
		return
	}
	r.logger.Info("sync cycle complete",
		"refreshed", len(report.Refreshed),
		"transient", len(report.Transient),
		"invalid", len(report.Invalid),
		"switched", report.Switched,
		"pruned", len(report.Pruned),
		"purged", len(report.Purged),
	)
}

// Sync runs one cycle. It fails only when the state cannot be read or
// written; per-key failures are reported and logged.
func (r *Refresher) Sync(ctx context.Context) (Report, error) {
	if !r.running.CompareAndSwap(false, true) {
		return Report{}, ErrSyncInProgress
	}
	defer r.running.Store(false)

	var report Report
	if _, err := r.store.Read(); err != nil {
		return report, err
	}

	r.captureHostCredential(ctx, &report)

	if err := r.markExpired(&report); err != nil {
		return report, err
	}
	if err := r.refreshExpiring(ctx, &report); err != nil {
		return report, err
	}
	if err := r.resolveIdentities(ctx, &report); err != nil {
		return report, err
	}
	if err := r.ensureHealthyActive(ctx, &report); err != nil {
		return report, err
	}
	if err := r.collectGarbage(&report); err != nil {
		return report, err
	}
	r.reconcileHostCredential(ctx)
	return report, nil
}

// captureHostCredential imports the host's current credential. The host
// refreshes its own token when it gets close to expiry; capturing first
// keeps the active key's refresh token current so this cycle does not
// spend a token the host has already rotated.
func (r *Refresher) captureHostCredential(ctx context.Context, report *Report) {
	credential, err := r.credentials.Read(ctx)
	if errors.Is(err, keychain.ErrNoCredential) {
		return
	}
	if err != nil {
		r.logger.Warn("reading host credential failed", "error", err)
		return
	}
	result, err := rotation.CaptureCredential(ctx, r.store, credential, r.identity, rotation.CaptureOptions{}, r.clock.Now())
	var removed *rotation.RemovedAccountError
	if errors.As(err, &removed) {
		r.logger.Info("host credential belongs to a removed account, not capturing",
			"tombstone", removed.KeyID)
		return
	}
	if err != nil {
		r.logger.Warn("capturing host credential failed", "error", err)
		return
	}
	report.Captured = result.KeyID
	if result.Added {
		r.logger.Info("captured new key from host credential", "key_id", result.KeyID)
	}
}

func (r *Refresher) markExpired(report *Report) error {
	return r.store.Update(func(state *rotation.State) error {
		report.Expired = rotation.MarkExpired(state, r.clock.Now())
		if len(report.Expired) == 0 {
			return rotation.ErrNoChange
		}
		return nil
	})
}

type refreshJob struct {
	keyID        string
	refreshToken string
}

func (r *Refresher) refreshExpiring(ctx context.Context, report *Report) error {
	snapshot, err := r.store.Read()
	if err != nil {
		return err
	}
	now := r.clock.Now()
	var jobs []refreshJob
	for _, id := range snapshot.UsableKeyIDs() {
		record := snapshot.Keys[id]
		if record.RefreshToken != "" && record.ExpiresWithin(now, r.expiryBuffer) {
			jobs = append(jobs, refreshJob{keyID: id, refreshToken: record.RefreshToken})
		}
	}

	for _, job := range jobs {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		result := r.oauth.Refresh(ctx, job.refreshToken)
		if err := r.applyRefresh(ctx, job, result, report); err != nil {
			return err
		}
	}
	return nil
}

func (r *Refresher) applyRefresh(ctx context.Context, job refreshJob, result oauth.RefreshResult, report *Report) error {
	switch outcome := result.(type) {
	case oauth.RefreshSuccess:
		var applied, active bool
		var credential keychain.Credential
		err := r.store.Update(func(state *rotation.State) error {
			applied = rotation.ApplyRefresh(state, job.keyID, job.refreshToken, outcome.Tokens, r.clock.Now())
			if !applied {
				return rotation.ErrNoChange
			}
			active = state.ActiveKeyID == job.keyID
			credential = state.Keys[job.keyID].Credential()
			return nil
		})
		if err != nil {
			return err
		}
		if !applied {
			r.logger.Info("dropping stale refresh result", "key_id", job.keyID)
			return nil
		}
		report.Refreshed = append(report.Refreshed, job.keyID)
		r.logger.Info("refreshed key", "key_id", job.keyID, "expires_at", outcome.Tokens.ExpiresAt)
		if active {
			r.installCredential(ctx, job.keyID, credential)
		}

	case oauth.RefreshInvalidGrant:
		var replacement string
		var credential keychain.Credential
		err := r.store.Update(func(state *rotation.State) error {
			marked, switched := rotation.MarkInvalid(state, job.keyID, job.refreshToken, r.selector, r.clock.Now())
			if !marked {
				return rotation.ErrNoChange
			}
			replacement = switched
			if switched != "" {
				credential = state.Keys[switched].Credential()
			}
			report.Invalid = append(report.Invalid, job.keyID)
			return nil
		})
		if err != nil {
			return err
		}
		r.logger.Warn("refresh token permanently rejected", "key_id", job.keyID, "detail", outcome.Detail)
		if replacement != "" {
			report.Switched = replacement
			r.installCredential(ctx, replacement, credential)
		}

	case oauth.RefreshTransient:
		report.Transient = append(report.Transient, job.keyID)
		r.logger.Warn("refresh failed, will retry next cycle", "key_id", job.keyID, "error", outcome.Err)

	default:
		return fmt.Errorf("unexpected refresh result %T", result)
	}
	return nil
}

func (r *Refresher) resolveIdentities(ctx context.Context, report *Report) error {
	snapshot, err := r.store.Read()
	if err != nil {
		return err
	}
	for _, id := range snapshot.UsableKeyIDs() {
		record := snapshot.Keys[id]
		if record.AccountEmail != "" && record.AccountUUID != "" {
			continue
		}
		if record.TokenExpired(r.clock.Now()) {
			continue
		}
		identity, err := r.identity.ResolveIdentity(ctx, record.AccessToken)
		if err != nil {
			r.logger.Warn("resolving account identity failed", "key_id", id, "error", err)
			continue
		}
		err = r.store.Update(func(state *rotation.State) error {
			current := state.Key(id)
			if current == nil {
				return rotation.ErrNoChange
			}
			changed := false
			if current.AccountEmail == "" && identity.Email != "" {
				current.AccountEmail = identity.Email
				changed = true
			}
			if current.AccountUUID == "" && identity.UUID != "" {
				current.AccountUUID = identity.UUID
				changed = true
			}
			if current.SubscriptionType == "" && identity.SubscriptionType != "" {
				current.SubscriptionType = identity.SubscriptionType
				changed = true
			}
			if !changed {
				return rotation.ErrNoChange
			}
			return nil
		})
		if err != nil {
			return err
		}
		report.Resolved = append(report.Resolved, id)
	}
	return nil
}

// ensureHealthyActive makes sure the host is on a key that will outlive
// the expiry buffer. With no active key, the selector's choice is
// installed. With an active key inside the buffer (its refresh failed),
// a standby with a later expiry takes over: its credential is written
// to the host's store first, then the state switches. The host picks
// the new credential up on its next read without restarting.
func (r *Refresher) ensureHealthyActive(ctx context.Context, report *Report) error {
	snapshot, err := r.store.Read()
	if err != nil {
		return err
	}
	now := r.clock.Now()

	var target string
	var reason rotation.Reason
	active := snapshot.ActiveKey()
	switch {
	case active == nil:
		target = rotation.SelectActiveKey(snapshot, now, r.selector)
		reason = rotation.ReasonNoActiveKey
	case active.ExpiresWithin(now, r.expiryBuffer):
		target = r.standbyFor(snapshot, now, active)
		reason = rotation.ReasonPreExpirySwap
	}
	if target == "" {
		return nil
	}

	record := snapshot.Keys[target]
	if err := r.credentials.Write(ctx, record.Credential()); err != nil {
		r.logger.Error("installing standby credential failed", "key_id", target, "error", err)
		return nil
	}

	switched := false
	err = r.store.Update(func(state *rotation.State) error {
		if state.ActiveKeyID == target {
			return rotation.ErrNoChange
		}
		if err := rotation.Switch(state, target, rotation.StatusExhausted, reason, r.clock.Now()); err != nil {
			return err
		}
		switched = true
		return nil
	})
	if err != nil {
		return err
	}
	if switched {
		report.Switched = target
		r.logger.Info("switched active key", "key_id", target, "reason", reason)
	}
	return nil
}

// standbyFor returns the best replacement for active whose token
// outlives both the buffer and active's own token.
func (r *Refresher) standbyFor(state *rotation.State, now time.Time, active *rotation.KeyRecord) string {
	exclude := []string{state.ActiveKeyID}
	for {
		candidate := rotation.SelectReplacement(state, now, r.selector, exclude...)
		if candidate == "" {
			return ""
		}
		record := state.Keys[candidate]
		if !record.ExpiresWithin(now, r.expiryBuffer) && record.ExpiresAt > active.ExpiresAt {
			return candidate
		}
		exclude = append(exclude, candidate)
	}
}

func (r *Refresher) collectGarbage(report *Report) error {
	return r.store.Update(func(state *rotation.State) error {
		now := r.clock.Now()
		report.Pruned = rotation.PruneDeadKeys(state, now)
		report.Purged = rotation.PurgeTombstones(state, now, r.tombstoneRetention)
		if len(report.Pruned) == 0 && len(report.Purged) == 0 {
			return rotation.ErrNoChange
		}
		return nil
	})
}

// reconcileHostCredential rewrites the host's credential when it no
// longer matches the active key, which happens when an earlier install
// failed or another tool overwrote it.
func (r *Refresher) reconcileHostCredential(ctx context.Context) {
	state, err := r.store.Read()
	if err != nil {
		return
	}
	active := state.ActiveKey()
	if active == nil || active.TokenExpired(r.clock.Now()) {
		return
	}
	host, err := r.credentials.Read(ctx)
	if err == nil && host.AccessToken == active.AccessToken && host.RefreshToken == active.RefreshToken {
		return
	}
	r.installCredential(ctx, state.ActiveKeyID, active.Credential())
}

func (r *Refresher) installCredential(ctx context.Context, keyID string, credential keychain.Credential) {
	if err := r.credentials.Write(ctx, credential); err != nil {
		r.logger.Error("writing credential to host store failed", "key_id", keyID, "error", err)
		return
	}
	r.logger.Info("installed credential in host store",
		"key_id", keyID, "fingerprint", rotation.Fingerprint(credential.AccessToken))
}
