// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package commands

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/bureau-foundation/rotor/cmd/rotor/cli"
	"github.com/bureau-foundation/rotor/keychain"
	"github.com/bureau-foundation/rotor/rotation"
)

// workspace is a config file and state directory under a temp dir,
// using the file credential backend.
type workspace struct {
	dir         string
	configPath  string
	credentials string
	stdout      *bytes.Buffer
	stderr      *bytes.Buffer
}

func newWorkspace(t *testing.T) *workspace {
	t.Helper()
	dir := t.TempDir()
	w := &workspace{
		dir:         dir,
		configPath:  filepath.Join(dir, "rotor.yaml"),
		credentials: filepath.Join(dir, "credentials.json"),
		stdout:      &bytes.Buffer{},
		stderr:      &bytes.Buffer{},
	}
	config := fmt.Sprintf(`paths:
  state_dir: %s
credentials:
  backend: file
  path: %s
proxy:
  listen: 127.0.0.1:19090
  ca_cert: %s
`, filepath.Join(dir, "state"), w.credentials, filepath.Join(dir, "state", "ca.pem"))
	if err := os.WriteFile(w.configPath, []byte(config), 0600); err != nil {
		t.Fatal(err)
	}

	previousOut, previousErr := stdout, stderr
	stdout, stderr = w.stdout, w.stderr
	t.Cleanup(func() { stdout, stderr = previousOut, previousErr })
	return w
}

func (w *workspace) seed(t *testing.T, state *rotation.State) {
	t.Helper()
	if err := os.MkdirAll(filepath.Join(w.dir, "state"), 0700); err != nil {
		t.Fatal(err)
	}
	store := rotation.NewStore(rotation.StoreConfig{Path: filepath.Join(w.dir, "state", rotation.StateFileName)})
	if err := store.Write(state); err != nil {
		t.Fatalf("seeding state: %v", err)
	}
}

func (w *workspace) state(t *testing.T) *rotation.State {
	t.Helper()
	store := rotation.NewStore(rotation.StoreConfig{Path: filepath.Join(w.dir, "state", rotation.StateFileName)})
	state, err := store.Read()
	if err != nil {
		t.Fatalf("reading state: %v", err)
	}
	return state
}

func (w *workspace) run(args ...string) error {
	return Root().Execute(context.Background(), append(args, "--config", w.configPath))
}

func record(status rotation.KeyStatus, email string) *rotation.KeyRecord {
	return &rotation.KeyRecord{
		Status:       status,
		AccountEmail: email,
		AccountUUID:  "uuid-" + email,
		AccessToken:  "access-secret-" + email,
		RefreshToken: "refresh-secret-" + email,
		ExpiresAt:    rotation.MillisOf(time.Now().Add(time.Hour)),
	}
}

func singleAccount() *rotation.State {
	state := rotation.NewState()
	state.ActiveKeyID = "key-alice"
	state.Keys = map[string]*rotation.KeyRecord{
		"key-alice": record(rotation.StatusActive, "alice@example.com"),
	}
	return state
}

func twoAccounts() *rotation.State {
	state := singleAccount()
	state.Keys["key-bob"] = record(rotation.StatusExhausted, "bob@example.com")
	return state
}

func TestRemoveUnknownAccountListsKnown(t *testing.T) {
	w := newWorkspace(t)
	w.seed(t, twoAccounts())

	err := w.run("remove", "carol@example.com")
	var exitErr *cli.ExitError
	if !errors.As(err, &exitErr) || exitErr.Code != 1 {
		t.Fatalf("error = %v, want exit code 1", err)
	}
	output := w.stderr.String()
	for _, want := range []string{"carol@example.com", "known accounts:", "alice@example.com", "bob@example.com"} {
		if !strings.Contains(output, want) {
			t.Errorf("stderr missing %q:\n%s", want, output)
		}
	}
	if len(w.state(t).Keys) != 2 {
		t.Error("unmatched removal changed the state")
	}
}

func TestRemoveLastAccountNeedsForce(t *testing.T) {
	w := newWorkspace(t)
	w.seed(t, singleAccount())

	err := w.run("remove", "alice@example.com")
	var exitErr *cli.ExitError
	if !errors.As(err, &exitErr) || exitErr.Code != 1 {
		t.Fatalf("error = %v, want exit code 1", err)
	}
	if !strings.Contains(w.stderr.String(), "--force") {
		t.Errorf("stderr does not mention --force:\n%s", w.stderr.String())
	}
	if state := w.state(t); state.ActiveKeyID != "key-alice" || state.Keys["key-alice"].Status != rotation.StatusActive {
		t.Error("refused removal changed the state")
	}

	if err := w.run("remove", "alice@example.com", "--force"); err != nil {
		t.Fatalf("forced remove: %v", err)
	}
	state := w.state(t)
	if state.ActiveKeyID != "" {
		t.Errorf("ActiveKeyID = %q after forced removal", state.ActiveKeyID)
	}
	if got := state.Keys["key-alice"]; got == nil || got.Status != rotation.StatusTombstone || got.AccessToken != "" {
		t.Errorf("removed key = %+v, want a token-free tombstone", got)
	}
}

func TestRemoveActiveInstallsReplacement(t *testing.T) {
	w := newWorkspace(t)
	w.seed(t, twoAccounts())

	if err := w.run("remove", "alice@example.com"); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if !strings.Contains(w.stdout.String(), "active key is now key-bob") {
		t.Errorf("stdout = %q", w.stdout.String())
	}
	if state := w.state(t); state.ActiveKeyID != "key-bob" {
		t.Errorf("ActiveKeyID = %q, want key-bob", state.ActiveKeyID)
	}

	installed, err := (&keychain.FileStore{Path: w.credentials}).Read(context.Background())
	if err != nil {
		t.Fatalf("reading installed credential: %v", err)
	}
	if installed.AccessToken != "access-secret-bob@example.com" {
		t.Error("host credential is not bob's after removing alice")
	}
}

func TestListNeverPrintsTokens(t *testing.T) {
	w := newWorkspace(t)
	w.seed(t, twoAccounts())

	if err := w.run("list"); err != nil {
		t.Fatalf("list: %v", err)
	}
	output := w.stdout.String()
	if strings.Contains(output, "secret") {
		t.Errorf("list output contains token material:\n%s", output)
	}
	for _, want := range []string{"key-alice", "key-bob", "alice@example.com", rotation.Fingerprint("access-secret-alice@example.com")} {
		if !strings.Contains(output, want) {
			t.Errorf("list output missing %q:\n%s", want, output)
		}
	}
}

func TestListJSON(t *testing.T) {
	w := newWorkspace(t)
	w.seed(t, twoAccounts())

	if err := w.run("list", "--json"); err != nil {
		t.Fatalf("list --json: %v", err)
	}
	if strings.Contains(w.stdout.String(), "secret") {
		t.Errorf("JSON output contains token material:\n%s", w.stdout.String())
	}
	var summaries []keySummary
	if err := json.Unmarshal(w.stdout.Bytes(), &summaries); err != nil {
		t.Fatalf("decoding output: %v", err)
	}
	if len(summaries) != 2 || summaries[0].KeyID != "key-alice" || !summaries[0].Active || summaries[1].Active {
		t.Errorf("summaries = %+v", summaries)
	}
}

func TestListWithoutStateSuggestsCapture(t *testing.T) {
	w := newWorkspace(t)
	err := w.run("list")
	if err == nil || !strings.Contains(err.Error(), "rotor capture") {
		t.Errorf("error = %v, want a hint to run rotor capture", err)
	}
}

func TestEnvPrintsExports(t *testing.T) {
	w := newWorkspace(t)
	if err := w.run("env"); err != nil {
		t.Fatalf("env: %v", err)
	}
	output := w.stdout.String()
	for _, want := range []string{
		`export HTTPS_PROXY="http://127.0.0.1:19090"`,
		`export HTTP_PROXY="http://127.0.0.1:19090"`,
		"export NO_PROXY=",
		"export NODE_EXTRA_CA_CERTS=",
	} {
		if !strings.Contains(output, want) {
			t.Errorf("output missing %q:\n%s", want, output)
		}
	}
}

func TestEnvMergesSettings(t *testing.T) {
	w := newWorkspace(t)
	settingsPath := filepath.Join(w.dir, "settings.json")
	existing := `{
  // user preferences
  "theme": "dark",
  "env": {
    "EDITOR": "vim",
    "HTTPS_PROXY": "http://old:1",
  },
}
`
	if err := os.WriteFile(settingsPath, []byte(existing), 0600); err != nil {
		t.Fatal(err)
	}

	if err := w.run("env", "--settings", settingsPath); err != nil {
		t.Fatalf("env --settings: %v", err)
	}
	data, err := os.ReadFile(settingsPath)
	if err != nil {
		t.Fatal(err)
	}
	var settings struct {
		Theme string            `json:"theme"`
		Env   map[string]string `json:"env"`
	}
	if err := json.Unmarshal(data, &settings); err != nil {
		t.Fatalf("merged settings are not plain JSON: %v\n%s", err, data)
	}
	if settings.Theme != "dark" {
		t.Errorf("theme = %q, want it preserved", settings.Theme)
	}
	if settings.Env["EDITOR"] != "vim" {
		t.Errorf("EDITOR = %q, want it preserved", settings.Env["EDITOR"])
	}
	if settings.Env["HTTPS_PROXY"] != "http://127.0.0.1:19090" {
		t.Errorf("HTTPS_PROXY = %q", settings.Env["HTTPS_PROXY"])
	}
	if settings.Env["NODE_EXTRA_CA_CERTS"] != filepath.Join(w.dir, "state", "ca.pem") {
		t.Errorf("NODE_EXTRA_CA_CERTS = %q", settings.Env["NODE_EXTRA_CA_CERTS"])
	}
	if w.stdout.Len() != 0 {
		t.Errorf("--settings also printed exports: %q", w.stdout.String())
	}
}

func TestEnvCreatesSettings(t *testing.T) {
	w := newWorkspace(t)
	settingsPath := filepath.Join(w.dir, "fresh", "settings.json")
	if err := w.run("env", "--settings", settingsPath); err != nil {
		t.Fatalf("env --settings: %v", err)
	}
	info, err := os.Stat(settingsPath)
	if err != nil {
		t.Fatalf("settings not created: %v", err)
	}
	if perm := info.Mode().Perm(); perm != 0600 {
		t.Errorf("settings mode = %o, want 0600", perm)
	}
}

func TestEnvRejectsNonObjectEnv(t *testing.T) {
	w := newWorkspace(t)
	settingsPath := filepath.Join(w.dir, "settings.json")
	if err := os.WriteFile(settingsPath, []byte(`{"env": "nope"}`), 0600); err != nil {
		t.Fatal(err)
	}
	if err := w.run("env", "--settings", settingsPath); err == nil {
		t.Fatal("expected an error for a non-object env")
	}
	data, _ := os.ReadFile(settingsPath)
	if string(data) != `{"env": "nope"}` {
		t.Errorf("settings rewritten despite the error: %s", data)
	}
}

func TestFilterEvents(t *testing.T) {
	entries := []rotation.LogEntry{
		{KeyID: "a", Event: rotation.EventKeySwitched},
		{KeyID: "b", Event: rotation.EventKeySwitched},
		{KeyID: "a", Event: rotation.EventKeyRefreshed},
		{KeyID: "c", Event: rotation.EventKeySwitched},
	}

	if got := filterEvents(entries, "", 2); len(got) != 2 || got[0].KeyID != "a" || got[1].KeyID != "c" {
		t.Errorf("limit 2 = %+v, want the last two entries", got)
	}
	if got := filterEvents(entries, "a", 0); len(got) != 2 || got[1].Event != rotation.EventKeyRefreshed {
		t.Errorf("key filter = %+v", got)
	}
	if got := filterEvents(entries, "", 0); len(got) != 4 {
		t.Errorf("no limit returned %d entries", len(got))
	}
	if len(entries) != 4 || entries[1].KeyID != "b" {
		t.Error("filterEvents modified its input")
	}
}

func TestRootRejectsUnknownCommand(t *testing.T) {
	err := Root().Execute(context.Background(), []string{"lsit"})
	if err == nil || !strings.Contains(err.Error(), `"list"`) {
		t.Errorf("error = %v, want a suggestion of list", err)
	}
}
