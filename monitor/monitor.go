// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package monitor samples per-account quota usage and acts on it.
//
// A check samples every usable key, records the observation on the
// key, and then:
//
//   - emits account_nearly_depleted when the active key crosses the
//     warning threshold, at most once per key per cooldown period;
//   - emits account_quota_refreshed when a key that was routed away
//     from for quota reasons is back under its limit;
//   - rotates seamlessly when the active key crosses the rotation
//     threshold: the replacement's credential is written to the host's
//     credential store, the state switches, a signal file tells session
//     hooks a rotation happened, and a profile lookup with the new token
//     is recorded in the health trail.
//
// Checks are throttled across processes through a small state file, so
// hooks that fire on every prompt cost one file read most of the time.
package monitor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"time"

	"github.com/bureau-foundation/rotor/audit"
	"github.com/bureau-foundation/rotor/lib/atomicfile"
	"github.com/bureau-foundation/rotor/lib/clock"
	"github.com/bureau-foundation/rotor/oauth"
	"github.com/bureau-foundation/rotor/rotation"
)

// Defaults.
const (
	DefaultMinInterval            = 5 * time.Minute
	DefaultNearlyDepletedPercent  = 95.0
	DefaultNearlyDepletedCooldown = 5 * time.Hour
	DefaultRotationPercent        = 95.0
)

// UsageFetcher samples quota usage. *oauth.Client implements it.
type UsageFetcher interface {
	FetchUsage(ctx context.Context, accessToken string) (rotation.Usage, error)
}

// ProfileFetcher performs the post-rotation health check.
// *oauth.Client implements it.
type ProfileFetcher interface {
	FetchProfile(ctx context.Context, accessToken string) (oauth.Profile, error)
}

// HealthRecorder receives health check results. *audit.HealthTrail
// implements it.
type HealthRecorder interface {
	Record(check audit.HealthCheck) error
}

// Config configures a Monitor.
type Config struct {
	Store       *rotation.Store
	Credentials rotation.CredentialWriter
	Usage       UsageFetcher
	Profile     ProfileFetcher

	// Health, when set, receives post-rotation health checks.
	Health HealthRecorder

	// StateFile holds the throttle state (monitor-state.json).
	StateFile string

	// SignalFile is rewritten after every rotation
	// (rotation-signal.json).
	SignalFile string

	MinInterval            time.Duration
	NearlyDepletedPercent  float64
	NearlyDepletedCooldown time.Duration
	RotationPercent        float64

	Selector rotation.SelectorOptions

	// Clock defaults to clock.Real().
	Clock clock.Clock

	// Logger defaults to slog.Default().
	Logger *slog.Logger
}

// Monitor runs quota checks.
type Monitor struct {
	store       *rotation.Store
	credentials rotation.CredentialWriter
	usage       UsageFetcher
	profile     ProfileFetcher
	health      HealthRecorder
	stateFile   string
	signalFile  string

	minInterval            time.Duration
	nearlyDepletedPercent  float64
	nearlyDepletedCooldown time.Duration
	rotationPercent        float64
	selector               rotation.SelectorOptions

	clock  clock.Clock
	logger *slog.Logger
}

// New returns a Monitor for config.
func New(config Config) (*Monitor, error) {
	if config.Store == nil || config.Credentials == nil || config.Usage == nil || config.Profile == nil {
		return nil, fmt.Errorf("monitor: Store, Credentials, Usage and Profile are required")
	}
	if config.StateFile == "" || config.SignalFile == "" {
		return nil, fmt.Errorf("monitor: StateFile and SignalFile are required")
	}
	monitor := &Monitor{
		store:                  config.Store,
		credentials:            config.Credentials,
		usage:                  config.Usage,
		profile:                config.Profile,
		health:                 config.Health,
		stateFile:              config.StateFile,
		signalFile:             config.SignalFile,
		minInterval:            config.MinInterval,
		nearlyDepletedPercent:  config.NearlyDepletedPercent,
		nearlyDepletedCooldown: config.NearlyDepletedCooldown,
		rotationPercent:        config.RotationPercent,
		selector:               config.Selector,
		clock:                  config.Clock,
		logger:                 config.Logger,
	}
	if monitor.minInterval <= 0 {
		monitor.minInterval = DefaultMinInterval
	}
	if monitor.nearlyDepletedPercent <= 0 {
		monitor.nearlyDepletedPercent = DefaultNearlyDepletedPercent
	}
	if monitor.nearlyDepletedCooldown <= 0 {
		monitor.nearlyDepletedCooldown = DefaultNearlyDepletedCooldown
	}
	if monitor.rotationPercent <= 0 {
		monitor.rotationPercent = DefaultRotationPercent
	}
	if monitor.clock == nil {
		monitor.clock = clock.Real()
	}
	if monitor.logger == nil {
		monitor.logger = slog.Default()
	}
	return monitor, nil
}

// throttleState is the on-disk monitor-state.json.
type throttleState struct {
	LastCheckAt rotation.Millis `json:"last_check_at"`
	// NearlyDepletedAt records, per key, when account_nearly_depleted
	// was last emitted.
	NearlyDepletedAt map[string]rotation.Millis `json:"nearly_depleted_at,omitempty"`
}

func (m *Monitor) loadThrottle() throttleState {
	var state throttleState
	err := atomicfile.ReadJSON(m.stateFile, &state)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		m.logger.Warn("monitor state unreadable, starting fresh", "path", m.stateFile, "error", err)
		state = throttleState{}
	}
	if state.NearlyDepletedAt == nil {
		state.NearlyDepletedAt = make(map[string]rotation.Millis)
	}
	return state
}

func (m *Monitor) saveThrottle(state throttleState) {
	if err := atomicfile.WriteJSON(m.stateFile, state, 0600); err != nil {
		m.logger.Warn("saving monitor state failed", "path", m.stateFile, "error", err)
	}
}

// Rotation describes a seamless rotation performed by a check.
type Rotation struct {
	From string `json:"from"`
	To   string `json:"to"`
	// Healthy is the outcome of the post-rotation profile lookup.
	Healthy bool `json:"healthy"`
}

// Report summarizes a check.
type Report struct {
	// Throttled is true when the check was skipped because the last
	// one was too recent.
	Throttled      bool                      `json:"throttled,omitempty"`
	Sampled        map[string]rotation.Usage `json:"sampled,omitempty"`
	Failed         []string                  `json:"failed,omitempty"`
	NearlyDepleted []string                  `json:"nearly_depleted,omitempty"`
	QuotaRefreshed []string                  `json:"quota_refreshed,omitempty"`
	Rotation       *Rotation                 `json:"rotation,omitempty"`
}

// Check runs one quota check. Unless force is set, it returns a
// throttled report without sampling when the previous check (by any
// process) was less than the minimum interval ago.
func (m *Monitor) Check(ctx context.Context, force bool) (Report, error) {
	now := m.clock.Now()
	throttle := m.loadThrottle()
	if !force && !throttle.LastCheckAt.IsZero() && now.Sub(throttle.LastCheckAt.Time()) < m.minInterval {
		return Report{Throttled: true}, nil
	}
	// Claim the slot before sampling so concurrent hooks back off.
	throttle.LastCheckAt = rotation.MillisOf(now)
	m.saveThrottle(throttle)

	snapshot, err := m.store.Read()
	if err != nil {
		return Report{}, err
	}

	report := Report{Sampled: make(map[string]rotation.Usage)}
	for _, id := range snapshot.UsableKeyIDs() {
		record := snapshot.Keys[id]
		if record.AccessToken == "" || record.TokenExpired(now) {
			continue
		}
		usage, err := m.usage.FetchUsage(ctx, record.AccessToken)
		if err != nil {
			report.Failed = append(report.Failed, id)
			m.logger.Warn("usage check failed", "key_id", id, "error", err)
			continue
		}
		report.Sampled[id] = usage
	}

	if err := m.recordUsage(&report, &throttle); err != nil {
		return report, err
	}
	if err := m.maybeRotate(ctx, &report); err != nil {
		return report, err
	}
	m.saveThrottle(throttle)
	return report, nil
}

// recordUsage stores the samples and emits threshold events.
func (m *Monitor) recordUsage(report *Report, throttle *throttleState) error {
	if len(report.Sampled) == 0 {
		return nil
	}
	return m.store.Update(func(state *rotation.State) error {
		now := m.clock.Now()
		report.NearlyDepleted = nil
		report.QuotaRefreshed = nil

		for _, id := range sortedIDs(report.Sampled) {
			record := state.Key(id)
			if record == nil || !record.Status.Usable() {
				continue
			}
			usage := report.Sampled[id]
			record.LastUsage = &usage

			// A key parked at the rotation threshold is not refreshed
			// until its usage falls back below that threshold.
			if !record.ExhaustedAt.IsZero() && usage.Max() < min(m.rotationPercent, rotation.DefaultExhaustionLimit) {
				record.ExhaustedAt = 0
				state.Append(now, rotation.EventAccountQuotaRefreshed, id, rotation.ReasonQuotaReset)
				report.QuotaRefreshed = append(report.QuotaRefreshed, id)
			}

			if id == state.ActiveKeyID && usage.Max() >= m.nearlyDepletedPercent {
				last := throttle.NearlyDepletedAt[id]
				if last.IsZero() || now.Sub(last.Time()) >= m.nearlyDepletedCooldown {
					state.Append(now, rotation.EventAccountNearlyDepleted, id, rotation.ReasonUsageThreshold)
					throttle.NearlyDepletedAt[id] = rotation.MillisOf(now)
					report.NearlyDepleted = append(report.NearlyDepleted, id)
				}
			}
		}
		return nil
	})
}

// maybeRotate performs a seamless rotation when the active key's fresh
// usage is at or above the rotation threshold and a replacement with
// lower (or unknown) usage exists.
func (m *Monitor) maybeRotate(ctx context.Context, report *Report) error {
	snapshot, err := m.store.Read()
	if err != nil {
		return err
	}
	from := snapshot.ActiveKeyID
	usage, sampled := report.Sampled[from]
	if from == "" || !sampled || usage.Max() < m.rotationPercent {
		return nil
	}

	now := m.clock.Now()
	to := rotation.SelectReplacement(snapshot, now, m.selector, from)
	if to == "" {
		m.logger.Warn("active key over rotation threshold but no replacement available",
			"key_id", from, "usage", usage.Max())
		return nil
	}
	if candidate, ok := report.Sampled[to]; ok && candidate.Max() >= usage.Max() {
		m.logger.Info("replacement is no better than the active key, staying put",
			"key_id", from, "candidate", to)
		return nil
	}

	replacement := snapshot.Keys[to]
	if err := m.credentials.Write(ctx, replacement.Credential()); err != nil {
		return fmt.Errorf("installing replacement key %s: %w", to, err)
	}

	switched := false
	err = m.store.Update(func(state *rotation.State) error {
		if state.ActiveKeyID != from {
			// Another process rotated first; its choice stands.
			return rotation.ErrNoChange
		}
		now := m.clock.Now()
		rotation.MarkExhausted(state, from, rotation.ReasonQuotaThreshold, now)
		if err := rotation.Switch(state, to, rotation.StatusExhausted, rotation.ReasonQuotaThreshold, now); err != nil {
			return err
		}
		switched = true
		return nil
	})
	if err != nil {
		return err
	}
	if !switched {
		return nil
	}

	m.logger.Info("rotated active key on quota threshold", "from", from, "to", to, "usage", usage.Max())
	signal := Signal{
		Timestamp:    rotation.MillisOf(now),
		FromKeyID:    from,
		ToKeyID:      to,
		AccountEmail: replacement.AccountEmail,
		Reason:       rotation.ReasonQuotaThreshold,
	}
	if err := WriteSignal(m.signalFile, signal); err != nil {
		m.logger.Warn("writing rotation signal failed", "path", m.signalFile, "error", err)
	}

	report.Rotation = &Rotation{From: from, To: to, Healthy: m.healthCheck(ctx, to, replacement)}
	return nil
}

// healthCheck verifies the new key's token with a profile lookup and
// records the result in the health trail.
func (m *Monitor) healthCheck(ctx context.Context, keyID string, record *rotation.KeyRecord) bool {
	start := m.clock.Now()
	_, err := m.profile.FetchProfile(ctx, record.AccessToken)
	check := audit.HealthCheck{
		Timestamp:    rotation.MillisOf(start),
		KeyID:        keyID,
		AccountEmail: record.AccountEmail,
		Reason:       rotation.ReasonQuotaThreshold,
		Healthy:      err == nil,
		LatencyMS:    m.clock.Now().Sub(start).Milliseconds(),
	}
	if err != nil {
		check.Error = err.Error()
		var apiError *oauth.APIError
		if errors.As(err, &apiError) {
			check.StatusCode = apiError.StatusCode
		}
		m.logger.Warn("post-rotation health check failed", "key_id", keyID, "error", err)
	} else {
		check.StatusCode = 200
	}
	if m.health != nil {
		if err := m.health.Record(check); err != nil {
			m.logger.Warn("recording health check failed", "error", err)
		}
	}
	return check.Healthy
}

func sortedIDs(samples map[string]rotation.Usage) []string {
	ids := make([]string, 0, len(samples))
	for id := range samples {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
