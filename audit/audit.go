// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package audit keeps the append-only JSONL trails that outlive the
// rotation state's own log: every rotation_log entry (audit.jsonl) and
// every post-rotation health check (rotation-health.jsonl). Both files
// rotate by size through lib/logfile, with older segments compressed.
//
// Several processes append to the same trail. Each batch is one write
// to an O_APPEND file, so lines from different processes interleave
// but never split.
package audit

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/bureau-foundation/rotor/lib/logfile"
	"github.com/bureau-foundation/rotor/rotation"
)

// File names inside the log directory.
const (
	EventsFileName = "audit.jsonl"
	HealthFileName = "rotation-health.jsonl"
)

// trail is a JSONL file over a rotating writer.
type trail struct {
	writer *logfile.Writer
}

func openTrail(config logfile.Config) (*trail, error) {
	writer, err := logfile.Open(config)
	if err != nil {
		return nil, fmt.Errorf("opening audit trail %s: %w", config.Path, err)
	}
	return &trail{writer: writer}, nil
}

// append writes records as one batch of JSON lines.
func (t *trail) append(records ...any) error {
	var buffer bytes.Buffer
	encoder := json.NewEncoder(&buffer)
	for _, record := range records {
		if err := encoder.Encode(record); err != nil {
			return fmt.Errorf("encoding audit record: %w", err)
		}
	}
	if buffer.Len() == 0 {
		return nil
	}
	_, err := t.writer.Write(buffer.Bytes())
	return err
}

func (t *trail) close() error {
	return t.writer.Close()
}

// EventLog mirrors rotation_log entries. It implements
// rotation.EventSink.
type EventLog struct {
	trail *trail
}

// OpenEventLog opens the event trail described by config.
func OpenEventLog(config logfile.Config) (*EventLog, error) {
	trail, err := openTrail(config)
	if err != nil {
		return nil, err
	}
	return &EventLog{trail: trail}, nil
}

// RecordEvents appends entries.
func (l *EventLog) RecordEvents(entries []rotation.LogEntry) error {
	records := make([]any, len(entries))
	for i := range entries {
		records[i] = entries[i]
	}
	return l.trail.append(records...)
}

// Close closes the trail.
func (l *EventLog) Close() error { return l.trail.close() }

// HealthCheck is one post-rotation verification: a profile lookup made
// with the newly active key's token.
type HealthCheck struct {
	Timestamp    rotation.Millis `json:"timestamp"`
	KeyID        string          `json:"key_id"`
	AccountEmail string          `json:"account_email,omitempty"`
	Reason       rotation.Reason `json:"reason"`
	Healthy      bool            `json:"healthy"`
	// StatusCode is the upstream HTTP status, 0 when the request never
	// got a response.
	StatusCode int    `json:"status_code,omitempty"`
	Error      string `json:"error,omitempty"`
	LatencyMS  int64  `json:"latency_ms"`
}

// HealthTrail records post-rotation health checks.
type HealthTrail struct {
	trail *trail
}

// OpenHealthTrail opens the health trail described by config.
func OpenHealthTrail(config logfile.Config) (*HealthTrail, error) {
	trail, err := openTrail(config)
	if err != nil {
		return nil, err
	}
	return &HealthTrail{trail: trail}, nil
}

// Record appends check.
func (h *HealthTrail) Record(check HealthCheck) error {
	return h.trail.append(check)
}

// Close closes the trail.
func (h *HealthTrail) Close() error { return h.trail.close() }

// ReadEvents returns every entry in the event trail at config.Path,
// oldest first: rotated segments from the highest index down, then the
// live file. Missing segments are skipped. Lines that do not parse are
// skipped and counted.
func ReadEvents(config logfile.Config) (entries []rotation.LogEntry, skipped int, err error) {
	if config.MaxBackups <= 0 {
		config.MaxBackups = 5
	}
	if config.Compression == "" {
		config.Compression = logfile.CompressionZstd
	}

	paths := make([]string, 0, config.MaxBackups+1)
	for index := config.MaxBackups; index >= 1; index-- {
		paths = append(paths, fmt.Sprintf("%s.%d%s", config.Path, index, config.Compression.Extension()))
	}
	paths = append(paths, config.Path)

	for _, path := range paths {
		segment, openErr := logfile.OpenSegment(path)
		if errors.Is(openErr, os.ErrNotExist) {
			continue
		}
		if openErr != nil {
			return nil, skipped, fmt.Errorf("opening %s: %w", path, openErr)
		}
		segmentSkipped, readErr := readEntries(segment, &entries)
		segment.Close()
		skipped += segmentSkipped
		if readErr != nil {
			return nil, skipped, fmt.Errorf("reading %s: %w", path, readErr)
		}
	}
	return entries, skipped, nil
}

func readEntries(reader io.Reader, entries *[]rotation.LogEntry) (int, error) {
	skipped := 0
	scanner := bufio.NewScanner(reader)
	scanner.Buffer(make([]byte, 64*1024), 1<<20)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		var entry rotation.LogEntry
		if err := json.Unmarshal(line, &entry); err != nil || entry.Event == "" {
			skipped++
			continue
		}
		*entries = append(*entries, entry)
	}
	return skipped, scanner.Err()
}
