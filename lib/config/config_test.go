// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestDefault(t *testing.T) {
	cfg := Default()

	if cfg.Proxy.Listen != "127.0.0.1:18080" {
		t.Errorf("expected listen=127.0.0.1:18080, got %s", cfg.Proxy.Listen)
	}
	if cfg.Refresh.Interval != 10*time.Minute || cfg.Refresh.ExpiryBuffer != 10*time.Minute {
		t.Errorf("refresh = %+v", cfg.Refresh)
	}
	if cfg.Monitor.MinInterval != 5*time.Minute || cfg.Monitor.RotationPercent != 95 {
		t.Errorf("monitor = %+v", cfg.Monitor)
	}
	if cfg.Selector.Freshness != 15*time.Minute {
		t.Errorf("freshness = %v", cfg.Selector.Freshness)
	}
	if cfg.Proxy.MaxRetries != 2 {
		t.Errorf("max_retries = %d", cfg.Proxy.MaxRetries)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("default config does not validate: %v", err)
	}
}

func TestLoad_RequiresRotorConfig(t *testing.T) {
	t.Setenv(EnvConfig, "")

	_, err := Load()
	if err == nil {
		t.Fatal("expected error when ROTOR_CONFIG not set, got nil")
	}
	if !strings.HasPrefix(err.Error(), "ROTOR_CONFIG environment variable not set") {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestLoadFile(t *testing.T) {
	configPath := filepath.Join(t.TempDir(), "rotor.yaml")
	configContent := `
paths:
  state_dir: /srv/rotor
refresh:
  interval: 3m
monitor:
  rotation_percent: 90
proxy:
  listen: 127.0.0.1:19090
  intercept_hosts: [api.example.com]
log:
  compression: lz4
`
	if err := os.WriteFile(configPath, []byte(configContent), 0644); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}

	cfg, err := LoadFile(configPath)
	if err != nil {
		t.Fatalf("LoadFile() failed: %v", err)
	}

	if cfg.Refresh.Interval != 3*time.Minute {
		t.Errorf("interval = %v, want 3m", cfg.Refresh.Interval)
	}
	if cfg.Refresh.ExpiryBuffer != 10*time.Minute {
		t.Errorf("expiry_buffer = %v, want default 10m kept", cfg.Refresh.ExpiryBuffer)
	}
	if cfg.Monitor.RotationPercent != 90 {
		t.Errorf("rotation_percent = %v", cfg.Monitor.RotationPercent)
	}
	if len(cfg.Proxy.InterceptHosts) != 1 || cfg.Proxy.InterceptHosts[0] != "api.example.com" {
		t.Errorf("intercept_hosts = %v", cfg.Proxy.InterceptHosts)
	}
	if cfg.Paths.LogDir != "/srv/rotor/logs" {
		t.Errorf("log_dir = %q, want expansion relative to state_dir", cfg.Paths.LogDir)
	}
	if cfg.StateFile() != "/srv/rotor/rotation-state.json" {
		t.Errorf("StateFile() = %q", cfg.StateFile())
	}
	if cfg.Proxy.CACert != "/srv/rotor/ca.pem" {
		t.Errorf("ca_cert = %q", cfg.Proxy.CACert)
	}
}

func TestLoadFileInvalid(t *testing.T) {
	configPath := filepath.Join(t.TempDir(), "rotor.yaml")
	configContent := `
monitor:
  rotation_percent: 150
refresh:
  interval: 0s
log:
  compression: gzip
`
	if err := os.WriteFile(configPath, []byte(configContent), 0644); err != nil {
		t.Fatal(err)
	}
	_, err := LoadFile(configPath)
	if err == nil {
		t.Fatal("expected validation error")
	}
	for _, want := range []string{"monitor.rotation_percent", "refresh.interval", "log.compression"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error %q does not mention %s", err, want)
		}
	}
}

func TestResolve(t *testing.T) {
	dir := t.TempDir()
	envPath := filepath.Join(dir, "env.yaml")
	flagPath := filepath.Join(dir, "flag.yaml")
	os.WriteFile(envPath, []byte("proxy:\n  listen: 127.0.0.1:1111\n"), 0644)
	os.WriteFile(flagPath, []byte("proxy:\n  listen: 127.0.0.1:2222\n"), 0644)

	t.Setenv(EnvConfig, envPath)
	cfg, err := Resolve(flagPath)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Proxy.Listen != "127.0.0.1:2222" {
		t.Errorf("flag path not preferred: listen = %s", cfg.Proxy.Listen)
	}

	cfg, err = Resolve("")
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Proxy.Listen != "127.0.0.1:1111" {
		t.Errorf("ROTOR_CONFIG not used: listen = %s", cfg.Proxy.Listen)
	}

	t.Setenv(EnvConfig, "")
	t.Setenv("HOME", "/home/tester")
	cfg, err = Resolve("")
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Paths.StateDir != "/home/tester/.claude/rotor" {
		t.Errorf("default state_dir = %q", cfg.Paths.StateDir)
	}
}

func TestExpandVars(t *testing.T) {
	t.Setenv("ROTOR_TEST_VAR", "from-env")
	tests := []struct {
		input string
		want  string
	}{
		{"${ROTOR_TEST_VAR}/x", "from-env/x"},
		{"${ROTOR_UNSET_VAR:-fallback}", "fallback"},
		{"${KNOWN}", "known-value"},
		{"plain", "plain"},
	}
	for _, test := range tests {
		if got := expandVars(test.input, map[string]string{"KNOWN": "known-value"}); got != test.want {
			t.Errorf("expandVars(%q) = %q, want %q", test.input, got, test.want)
		}
	}
}
