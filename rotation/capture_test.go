// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package rotation

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/bureau-foundation/rotor/keychain"
)

type fakeResolver struct {
	identity Identity
	err      error
	calls    int
}

func (r *fakeResolver) ResolveIdentity(ctx context.Context, accessToken string) (Identity, error) {
	r.calls++
	return r.identity, r.err
}

func hostCredential(suffix string, expires time.Time) keychain.Credential {
	return keychain.Credential{
		AccessToken:  "host-access-" + suffix,
		RefreshToken: "host-refresh-" + suffix,
		ExpiresAt:    expires.UnixMilli(),
	}
}

func TestCaptureFirstKeyBecomesActive(t *testing.T) {
	store := newTestStore(t, NewState())
	resolver := &fakeResolver{identity: Identity{Email: "one@example.com", UUID: "u1"}}
	credential := hostCredential("1", testNow.Add(time.Hour))

	result, err := CaptureCredential(context.Background(), store, credential, resolver, CaptureOptions{}, testNow)
	if err != nil {
		t.Fatalf("CaptureCredential: %v", err)
	}
	if !result.Added || result.KeyID != KeyIDFor(credential.RefreshToken) {
		t.Errorf("result = %+v", result)
	}
	state := mustRead(t, store)
	if state.ActiveKeyID != result.KeyID || state.Keys[result.KeyID].Status != StatusActive {
		t.Errorf("first key not active: active=%q", state.ActiveKeyID)
	}
	if countEvents(state, EventKeyAdded, result.KeyID) != 1 {
		t.Error("key_added not logged")
	}
}

func TestCaptureSecondKeyIsParked(t *testing.T) {
	store := newTestStore(t, testState("a", map[string]*KeyRecord{"a": testKey(StatusActive, "a@example.com", 10)}))
	resolver := &fakeResolver{identity: Identity{Email: "two@example.com", UUID: "u2"}}

	result, err := CaptureCredential(context.Background(), store, hostCredential("2", testNow.Add(time.Hour)), resolver, CaptureOptions{}, testNow)
	if err != nil {
		t.Fatalf("CaptureCredential: %v", err)
	}
	state := mustRead(t, store)
	if state.ActiveKeyID != "a" || state.Keys[result.KeyID].Status != StatusExhausted {
		t.Errorf("active=%q new status=%s", state.ActiveKeyID, state.Keys[result.KeyID].Status)
	}
}

func TestCaptureMatchesKnownTokensWithoutLookup(t *testing.T) {
	store := newTestStore(t, testState("a", map[string]*KeyRecord{"a": testKey(StatusActive, "a@example.com", 10)}))
	resolver := &fakeResolver{err: errors.New("network down")}

	credential := keychain.Credential{
		AccessToken:  "access-a@example.com",
		RefreshToken: "refresh-a@example.com",
		ExpiresAt:    testNow.Add(time.Hour).UnixMilli(),
	}
	result, err := CaptureCredential(context.Background(), store, credential, resolver, CaptureOptions{}, testNow)
	if err != nil {
		t.Fatalf("CaptureCredential: %v", err)
	}
	if result.KeyID != "a" || result.Added || result.Updated || resolver.calls != 0 {
		t.Errorf("result = %+v, resolver calls = %d", result, resolver.calls)
	}
}

func TestCaptureHostRefreshUpdatesKeyByUUID(t *testing.T) {
	store := newTestStore(t, testState("a", map[string]*KeyRecord{"a": testKey(StatusActive, "a@example.com", 10)}))
	resolver := &fakeResolver{identity: Identity{Email: "a@example.com", UUID: "uuid-a@example.com"}}
	credential := hostCredential("rotated", testNow.Add(8*time.Hour))

	result, err := CaptureCredential(context.Background(), store, credential, resolver, CaptureOptions{}, testNow)
	if err != nil {
		t.Fatalf("CaptureCredential: %v", err)
	}
	if result.KeyID != "a" || !result.Updated || result.Added {
		t.Fatalf("result = %+v, want key a updated", result)
	}
	state := mustRead(t, store)
	if len(state.Keys) != 1 || state.Keys["a"].RefreshToken != credential.RefreshToken {
		t.Errorf("keys = %d, a refresh token = %q", len(state.Keys), state.Keys["a"].RefreshToken)
	}
}

func TestCaptureResolverFailureAddsNothing(t *testing.T) {
	store := newTestStore(t, NewState())
	_, err := CaptureCredential(context.Background(), store, hostCredential("x", testNow.Add(time.Hour)), &fakeResolver{err: errors.New("timeout")}, CaptureOptions{}, testNow)
	if err == nil {
		t.Fatal("capture succeeded without identity")
	}
	if state := mustRead(t, store); len(state.Keys) != 0 {
		t.Error("key added without identity")
	}
}

func TestCaptureRefusesRemovedAccount(t *testing.T) {
	store := newTestStore(t, testState("a", map[string]*KeyRecord{"a": testKey(StatusActive, "a@example.com", 10)}))
	mustUpdate(t, store, func(state *State) error {
		Tombstone(state, "a", testNow)
		return nil
	})
	// The host refreshed the removed account's login on its own, so no
	// token matches and only the identity ties it to the tombstone.
	resolver := &fakeResolver{identity: Identity{Email: "a@example.com", UUID: "uuid-a@example.com"}}
	credential := hostCredential("refreshed", testNow.Add(time.Hour))

	_, err := CaptureCredential(context.Background(), store, credential, resolver, CaptureOptions{}, testNow)
	var removed *RemovedAccountError
	if !errors.As(err, &removed) || removed.KeyID != "a" {
		t.Fatalf("error = %v, want *RemovedAccountError for a", err)
	}
	state := mustRead(t, store)
	if state.ActiveKeyID != "" || len(state.Keys) != 1 {
		t.Errorf("refused capture changed state: active=%q keys=%d", state.ActiveKeyID, len(state.Keys))
	}

	result, err := CaptureCredential(context.Background(), store, credential, resolver, CaptureOptions{Readd: true}, testNow)
	if err != nil {
		t.Fatalf("capture with Readd: %v", err)
	}
	if !result.Added || mustRead(t, store).ActiveKeyID != result.KeyID {
		t.Errorf("Readd did not add the account back as active: %+v", result)
	}
}

func TestCaptureMatchesTombstoneByEmailWithoutUUID(t *testing.T) {
	record := testKey(StatusExhausted, "b@example.com", 10)
	record.AccountUUID = ""
	store := newTestStore(t, testState("a", map[string]*KeyRecord{
		"a": testKey(StatusActive, "a@example.com", 10),
		"b": record,
	}))
	mustUpdate(t, store, func(state *State) error {
		Tombstone(state, "b", testNow)
		return nil
	})
	resolver := &fakeResolver{identity: Identity{Email: "B@example.com", UUID: "u-b"}}

	_, err := CaptureCredential(context.Background(), store, hostCredential("b2", testNow.Add(time.Hour)), resolver, CaptureOptions{}, testNow)
	var removed *RemovedAccountError
	if !errors.As(err, &removed) {
		t.Fatalf("error = %v, want *RemovedAccountError", err)
	}
}
