// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package refresher

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/bureau-foundation/rotor/keychain"
	"github.com/bureau-foundation/rotor/lib/clock"
	"github.com/bureau-foundation/rotor/lib/testutil"
	"github.com/bureau-foundation/rotor/oauth"
	"github.com/bureau-foundation/rotor/rotation"
)

var testNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type memoryCredentials struct {
	mu         sync.Mutex
	credential keychain.Credential
	present    bool
	writes     int
}

func (m *memoryCredentials) Read(ctx context.Context) (keychain.Credential, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.present {
		return keychain.Credential{}, keychain.ErrNoCredential
	}
	return m.credential, nil
}

func (m *memoryCredentials) Write(ctx context.Context, credential keychain.Credential) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.credential = credential
	m.present = true
	m.writes++
	return nil
}

func (m *memoryCredentials) current() keychain.Credential {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.credential
}

// scriptedOAuth returns a preset result per refresh token. before, when
// set, runs ahead of each call to simulate concurrent writers.
type scriptedOAuth struct {
	mu      sync.Mutex
	results map[string]oauth.RefreshResult
	calls   []string
	before  func(refreshToken string)
}

func (s *scriptedOAuth) Refresh(ctx context.Context, refreshToken string) oauth.RefreshResult {
	s.mu.Lock()
	s.calls = append(s.calls, refreshToken)
	before := s.before
	result, ok := s.results[refreshToken]
	s.mu.Unlock()
	if before != nil {
		before(refreshToken)
	}
	if !ok {
		return oauth.RefreshTransient{Err: errors.New("no scripted result")}
	}
	return result
}

type staticIdentity struct {
	identities map[string]rotation.Identity
}

func (s *staticIdentity) ResolveIdentity(ctx context.Context, accessToken string) (rotation.Identity, error) {
	identity, ok := s.identities[accessToken]
	if !ok {
		return rotation.Identity{}, errors.New("unknown token")
	}
	return identity, nil
}

type fixture struct {
	store       *rotation.Store
	credentials *memoryCredentials
	oauth       *scriptedOAuth
	identity    *staticIdentity
	clock       *clock.FakeClock
	refresher   *Refresher
}

func newFixture(t *testing.T, state *rotation.State) *fixture {
	t.Helper()
	f := &fixture{
		store:       rotation.NewStore(rotation.StoreConfig{Path: filepath.Join(t.TempDir(), rotation.StateFileName)}),
		credentials: &memoryCredentials{},
		oauth:       &scriptedOAuth{results: make(map[string]oauth.RefreshResult)},
		identity:    &staticIdentity{identities: make(map[string]rotation.Identity)},
		clock:       clock.Fake(testNow),
	}
	if err := f.store.Write(state); err != nil {
		t.Fatal(err)
	}
	refresher, err := New(Config{
		Store:       f.store,
		Credentials: f.credentials,
		OAuth:       f.oauth,
		Identity:    f.identity,
		Clock:       f.clock,
		Logger:      slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	if err != nil {
		t.Fatal(err)
	}
	f.refresher = refresher
	return f
}

func (f *fixture) read(t *testing.T) *rotation.State {
	t.Helper()
	state, err := f.store.Read()
	if err != nil {
		t.Fatal(err)
	}
	return state
}

func key(status rotation.KeyStatus, name string, expiresIn time.Duration) *rotation.KeyRecord {
	return &rotation.KeyRecord{
		Status:       status,
		AccountEmail: name + "@example.com",
		AccountUUID:  "uuid-" + name,
		AccessToken:  "at-" + name,
		RefreshToken: "rt-" + name,
		ExpiresAt:    rotation.MillisOf(testNow.Add(expiresIn)),
	}
}

func state(active string, keys map[string]*rotation.KeyRecord) *rotation.State {
	s := rotation.NewState()
	s.ActiveKeyID = active
	s.Keys = keys
	return s
}

func count(state *rotation.State, event rotation.EventKind, keyID string) int {
	n := 0
	for _, entry := range state.RotationLog {
		if entry.Event == event && entry.KeyID == keyID {
			n++
		}
	}
	return n
}

func TestSyncRefreshesExpiringKeys(t *testing.T) {
	f := newFixture(t, state("a", map[string]*rotation.KeyRecord{
		"a": key(rotation.StatusActive, "a", 5*time.Minute),
		"b": key(rotation.StatusExhausted, "b", 5*time.Hour),
	}))
	f.oauth.results["rt-a"] = oauth.RefreshSuccess{Tokens: rotation.Tokens{
		AccessToken:  "at-a2",
		RefreshToken: "rt-a2",
		ExpiresAt:    testNow.Add(8 * time.Hour),
	}}

	report, err := f.refresher.Sync(context.Background())
	if err != nil {
		t.Fatalf("Sync: %v", err)
	}
	if len(report.Refreshed) != 1 || report.Refreshed[0] != "a" {
		t.Errorf("refreshed = %v, want [a]", report.Refreshed)
	}
	if len(f.oauth.calls) != 1 {
		t.Errorf("refresh calls = %v, want only the expiring key", f.oauth.calls)
	}

	got := f.read(t)
	if got.Keys["a"].AccessToken != "at-a2" || got.Keys["a"].RefreshToken != "rt-a2" {
		t.Errorf("key a tokens not updated: %+v", got.Keys["a"])
	}
	if count(got, rotation.EventKeyRefreshed, "a") != 1 {
		t.Error("key_refreshed not logged")
	}
	if f.credentials.current().AccessToken != "at-a2" {
		t.Errorf("host credential = %q, want the refreshed active token", f.credentials.current().AccessToken)
	}
}

func TestSyncInvalidGrantPrunesParkedKey(t *testing.T) {
	f := newFixture(t, state("a", map[string]*rotation.KeyRecord{
		"a": key(rotation.StatusActive, "a", 5*time.Hour),
		"b": key(rotation.StatusExhausted, "b", time.Minute),
	}))
	f.oauth.results["rt-b"] = oauth.RefreshInvalidGrant{Detail: "oauth: token: HTTP 400: invalid_grant"}

	report, err := f.refresher.Sync(context.Background())
	if err != nil {
		t.Fatalf("Sync: %v", err)
	}
	if len(report.Invalid) != 1 || len(report.Pruned) != 1 {
		t.Errorf("report = %+v, want b invalidated and pruned", report)
	}
	got := f.read(t)
	if _, ok := got.Keys["b"]; ok {
		t.Error("invalid key b not pruned")
	}
	if count(got, rotation.EventRefreshTokenInvalidGrant, "b") != 1 || count(got, rotation.EventAccountAuthFailed, "b") != 1 {
		t.Errorf("rotation log = %+v", got.RotationLog)
	}
	if got.ActiveKeyID != "a" {
		t.Errorf("active = %q, want a untouched", got.ActiveKeyID)
	}
}

func TestSyncTransientLeavesKeyUnchanged(t *testing.T) {
	f := newFixture(t, state("a", map[string]*rotation.KeyRecord{
		"a": key(rotation.StatusActive, "a", 5*time.Hour),
		"b": key(rotation.StatusExhausted, "b", time.Minute),
	}))
	f.oauth.results["rt-b"] = oauth.RefreshTransient{Err: errors.New("connection reset")}

	report, err := f.refresher.Sync(context.Background())
	if err != nil {
		t.Fatalf("Sync: %v", err)
	}
	if len(report.Transient) != 1 {
		t.Errorf("transient = %v", report.Transient)
	}
	got := f.read(t)
	if got.Keys["b"].Status != rotation.StatusExhausted || got.Keys["b"].RefreshToken != "rt-b" {
		t.Errorf("key b changed after a transient failure: %+v", got.Keys["b"])
	}
}

func TestSyncDropsStaleRefreshResult(t *testing.T) {
	f := newFixture(t, state("a", map[string]*rotation.KeyRecord{
		"a": key(rotation.StatusActive, "a", 5*time.Hour),
		"b": key(rotation.StatusExhausted, "b", time.Minute),
	}))
	f.oauth.results["rt-b"] = oauth.RefreshSuccess{Tokens: rotation.Tokens{
		AccessToken: "at-b-ours", RefreshToken: "rt-b-ours", ExpiresAt: testNow.Add(8 * time.Hour),
	}}
	// Another process refreshes b while our call is in flight.
	f.oauth.before = func(string) {
		f.store.Update(func(state *rotation.State) error {
			rotation.ApplyRefresh(state, "b", "rt-b", rotation.Tokens{
				AccessToken: "at-b-theirs", RefreshToken: "rt-b-theirs", ExpiresAt: testNow.Add(8 * time.Hour),
			}, testNow)
			return nil
		})
	}

	if _, err := f.refresher.Sync(context.Background()); err != nil {
		t.Fatalf("Sync: %v", err)
	}
	if got := f.read(t).Keys["b"]; got.RefreshToken != "rt-b-theirs" {
		t.Errorf("refresh token = %q, want the other process's newer token kept", got.RefreshToken)
	}
}

func TestSyncPreExpirySwap(t *testing.T) {
	f := newFixture(t, state("a", map[string]*rotation.KeyRecord{
		"a": key(rotation.StatusActive, "a", 3*time.Minute),
		"b": key(rotation.StatusExhausted, "b", 6*time.Hour),
	}))
	f.oauth.results["rt-a"] = oauth.RefreshTransient{Err: errors.New("timeout")}

	report, err := f.refresher.Sync(context.Background())
	if err != nil {
		t.Fatalf("Sync: %v", err)
	}
	if report.Switched != "b" {
		t.Fatalf("switched = %q, want b", report.Switched)
	}
	got := f.read(t)
	if got.ActiveKeyID != "b" || got.Keys["a"].Status != rotation.StatusExhausted {
		t.Errorf("active=%q a=%s", got.ActiveKeyID, got.Keys["a"].Status)
	}
	var swap rotation.LogEntry
	for _, entry := range got.RotationLog {
		if entry.Event == rotation.EventKeySwitched {
			swap = entry
		}
	}
	if swap.KeyID != "b" || swap.Reason != rotation.ReasonPreExpirySwap {
		t.Errorf("switch entry = %+v", swap)
	}
	if f.credentials.current().AccessToken != "at-b" {
		t.Errorf("host credential = %q, want b's", f.credentials.current().AccessToken)
	}
}

func TestSyncCapturesHostCredential(t *testing.T) {
	f := newFixture(t, rotation.NewState())
	f.credentials.credential = keychain.Credential{
		AccessToken: "at-new", RefreshToken: "rt-new", ExpiresAt: testNow.Add(8 * time.Hour).UnixMilli(),
	}
	f.credentials.present = true
	f.identity.identities["at-new"] = rotation.Identity{Email: "new@example.com", UUID: "u-new"}

	report, err := f.refresher.Sync(context.Background())
	if err != nil {
		t.Fatalf("Sync: %v", err)
	}
	got := f.read(t)
	if report.Captured == "" || got.ActiveKeyID != report.Captured {
		t.Errorf("captured = %q, active = %q", report.Captured, got.ActiveKeyID)
	}
	if got.Keys[report.Captured].AccountEmail != "new@example.com" {
		t.Errorf("captured key = %+v", got.Keys[report.Captured])
	}
}

func TestSyncDoesNotRecaptureRemovedAccount(t *testing.T) {
	f := newFixture(t, state("a", map[string]*rotation.KeyRecord{
		"a": key(rotation.StatusActive, "a", 5*time.Hour),
	}))
	_, err := rotation.RemoveAccount(context.Background(), f.store, f.credentials, "a@example.com",
		rotation.RemoveOptions{Force: true}, testNow)
	if err != nil {
		t.Fatalf("RemoveAccount: %v", err)
	}

	// The host still holds the removed account's login and refreshes
	// it on its own.
	f.credentials.Write(context.Background(), keychain.Credential{
		AccessToken:  "at-a2",
		RefreshToken: "rt-a2",
		ExpiresAt:    testNow.Add(8 * time.Hour).UnixMilli(),
	})
	f.identity.identities["at-a2"] = rotation.Identity{Email: "a@example.com", UUID: "uuid-a"}

	report, err := f.refresher.Sync(context.Background())
	if err != nil {
		t.Fatalf("Sync: %v", err)
	}
	if report.Captured != "" {
		t.Errorf("captured %q from a removed account's login", report.Captured)
	}
	got := f.read(t)
	if got.ActiveKeyID != "" {
		t.Errorf("ActiveKeyID = %q, want none after forced removal", got.ActiveKeyID)
	}
	if len(got.Keys) != 1 || got.Keys["a"].Status != rotation.StatusTombstone {
		t.Errorf("keys = %v, want only the tombstone", got.KeyIDs())
	}
}

func TestSyncResolvesMissingIdentity(t *testing.T) {
	anonymous := key(rotation.StatusExhausted, "b", 5*time.Hour)
	anonymous.AccountEmail = ""
	anonymous.AccountUUID = ""
	f := newFixture(t, state("a", map[string]*rotation.KeyRecord{
		"a": key(rotation.StatusActive, "a", 5*time.Hour),
		"b": anonymous,
	}))
	f.identity.identities["at-b"] = rotation.Identity{Email: "b@example.com", UUID: "uuid-b"}

	report, err := f.refresher.Sync(context.Background())
	if err != nil {
		t.Fatalf("Sync: %v", err)
	}
	if len(report.Resolved) != 1 {
		t.Errorf("resolved = %v", report.Resolved)
	}
	if got := f.read(t).Keys["b"]; got.AccountEmail != "b@example.com" || got.AccountUUID != "uuid-b" {
		t.Errorf("identity not stored: %+v", got)
	}
}

func TestSyncPurgesOldTombstones(t *testing.T) {
	initial := state("a", map[string]*rotation.KeyRecord{
		"a": key(rotation.StatusActive, "a", 5*time.Hour),
		"b": key(rotation.StatusExhausted, "b", 5*time.Hour),
	})
	rotation.Tombstone(initial, "b", testNow.Add(-48*time.Hour))
	f := newFixture(t, initial)

	report, err := f.refresher.Sync(context.Background())
	if err != nil {
		t.Fatalf("Sync: %v", err)
	}
	if len(report.Purged) != 1 || report.Purged[0] != "b" {
		t.Errorf("purged = %v, want [b]", report.Purged)
	}
}

func TestSyncFailsSafeOnCorruptState(t *testing.T) {
	f := newFixture(t, rotation.NewState())
	if err := writeFile(f.store.Path(), "{broken"); err != nil {
		t.Fatal(err)
	}
	if _, err := f.refresher.Sync(context.Background()); !errors.Is(err, rotation.ErrCorrupt) {
		t.Fatalf("Sync() error = %v, want ErrCorrupt", err)
	}
	if f.credentials.writes != 0 {
		t.Error("host credential written while state was corrupt")
	}
}

func TestSyncRejectsOverlap(t *testing.T) {
	f := newFixture(t, state("a", map[string]*rotation.KeyRecord{
		"a": key(rotation.StatusActive, "a", time.Minute),
	}))
	entered := make(chan struct{})
	release := make(chan struct{})
	f.oauth.before = func(string) {
		close(entered)
		<-release
	}

	done := make(chan error, 1)
	go func() {
		_, err := f.refresher.Sync(context.Background())
		done <- err
	}()
	testutil.RequireReceive(t, entered, 5*time.Second, "first sync did not reach the refresh call")

	if _, err := f.refresher.Sync(context.Background()); !errors.Is(err, ErrSyncInProgress) {
		t.Errorf("overlapping Sync() error = %v, want ErrSyncInProgress", err)
	}
	close(release)
	if err := testutil.RequireReceive(t, done, 5*time.Second, "first sync did not finish"); err != nil {
		t.Errorf("first Sync: %v", err)
	}
}

func TestRunSyncsOnEveryTick(t *testing.T) {
	f := newFixture(t, state("a", map[string]*rotation.KeyRecord{
		"a": key(rotation.StatusActive, "a", 5*time.Hour),
	}))
	synced := make(chan struct{}, 10)
	f.refresher.logger = slog.New(&notifyHandler{onMessage: "sync cycle complete", notify: synced})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.refresher.Run(ctx) }()

	testutil.RequireReceive(t, synced, 5*time.Second, "initial sync")
	f.clock.WaitForTimers(1)
	f.clock.Advance(DefaultInterval)
	testutil.RequireReceive(t, synced, 5*time.Second, "sync after one interval")

	cancel()
	if err := testutil.RequireReceive(t, done, 5*time.Second, "Run did not stop"); err != nil {
		t.Errorf("Run() = %v", err)
	}
}
