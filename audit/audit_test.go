// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package audit

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/bureau-foundation/rotor/lib/logfile"
	"github.com/bureau-foundation/rotor/rotation"
)

var testNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func testEntry(i int) rotation.LogEntry {
	return rotation.LogEntry{
		Timestamp:    rotation.MillisOf(testNow.Add(time.Duration(i) * time.Second)),
		Event:        rotation.EventKeySwitched,
		KeyID:        fmt.Sprintf("key%02d", i),
		AccountEmail: "dev@example.com",
		Reason:       rotation.ReasonQuotaThreshold,
	}
}

func TestEventLogAppendsJSONLines(t *testing.T) {
	path := filepath.Join(t.TempDir(), EventsFileName)
	log, err := OpenEventLog(logfile.Config{Path: path})
	if err != nil {
		t.Fatal(err)
	}
	if err := log.RecordEvents([]rotation.LogEntry{testEntry(1), testEntry(2)}); err != nil {
		t.Fatalf("RecordEvents: %v", err)
	}
	if err := log.RecordEvents(nil); err != nil {
		t.Fatalf("RecordEvents(nil): %v", err)
	}
	log.Close()

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	if len(lines) != 2 {
		t.Fatalf("got %d lines, want 2:\n%s", len(lines), data)
	}
	var decoded map[string]any
	if err := json.Unmarshal([]byte(lines[0]), &decoded); err != nil {
		t.Fatal(err)
	}
	for _, field := range []string{"timestamp", "event", "key_id", "account_email", "reason"} {
		if _, ok := decoded[field]; !ok {
			t.Errorf("line missing %q: %s", field, lines[0])
		}
	}
}

func TestEventLogImplementsSink(t *testing.T) {
	var _ rotation.EventSink = (*EventLog)(nil)
}

func TestReadEventsAcrossRotations(t *testing.T) {
	for _, compression := range []logfile.Compression{logfile.CompressionZstd, logfile.CompressionLZ4, logfile.CompressionNone} {
		t.Run(string(compression), func(t *testing.T) {
			config := logfile.Config{
				Path:        filepath.Join(t.TempDir(), EventsFileName),
				MaxSize:     300,
				MaxBackups:  10,
				Compression: compression,
			}
			log, err := OpenEventLog(config)
			if err != nil {
				t.Fatal(err)
			}
			for i := 0; i < 12; i++ {
				if err := log.RecordEvents([]rotation.LogEntry{testEntry(i)}); err != nil {
					t.Fatal(err)
				}
			}
			log.Close()

			if _, err := os.Stat(config.Path + ".1" + compression.Extension()); err != nil {
				t.Fatalf("expected at least one rotated segment: %v", err)
			}

			entries, skipped, err := ReadEvents(config)
			if err != nil {
				t.Fatalf("ReadEvents: %v", err)
			}
			if skipped != 0 || len(entries) != 12 {
				t.Fatalf("got %d entries (%d skipped), want 12", len(entries), skipped)
			}
			for i, entry := range entries {
				if entry.KeyID != fmt.Sprintf("key%02d", i) {
					t.Errorf("entry %d key = %s, out of order", i, entry.KeyID)
				}
			}
		})
	}
}

func TestReadEventsSkipsGarbage(t *testing.T) {
	path := filepath.Join(t.TempDir(), EventsFileName)
	content := `{"timestamp":1,"event":"key_added","key_id":"a"}` + "\n" + "not json\n" + `{"x":1}` + "\n"
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatal(err)
	}
	entries, skipped, err := ReadEvents(logfile.Config{Path: path})
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 || skipped != 2 {
		t.Errorf("entries=%d skipped=%d, want 1 and 2", len(entries), skipped)
	}
}

func TestHealthTrail(t *testing.T) {
	path := filepath.Join(t.TempDir(), HealthFileName)
	trail, err := OpenHealthTrail(logfile.Config{Path: path})
	if err != nil {
		t.Fatal(err)
	}
	check := HealthCheck{
		Timestamp:  rotation.MillisOf(testNow),
		KeyID:      "k1",
		Reason:     rotation.ReasonQuotaThreshold,
		Healthy:    false,
		StatusCode: 401,
		Error:      "oauth: profile: HTTP 401",
		LatencyMS:  120,
	}
	if err := trail.Record(check); err != nil {
		t.Fatal(err)
	}
	trail.Close()

	data, _ := os.ReadFile(path)
	var decoded HealthCheck
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("health line does not parse: %v", err)
	}
	if decoded != check {
		t.Errorf("decoded = %+v, want %+v", decoded, check)
	}
}
