// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package cli

import (
	"log/slog"
	"os"

	"golang.org/x/term"
)

// EnvLogLevel overrides the command log level ("debug", "warn", ...).
const EnvLogLevel = "ROTOR_LOG_LEVEL"

// NewCommandLogger returns the logger handed to Run. Output goes to
// stderr: text on a terminal, JSON when piped to a hook or a journal.
func NewCommandLogger() *slog.Logger {
	options := &slog.HandlerOptions{Level: commandLogLevel()}
	if term.IsTerminal(int(os.Stderr.Fd())) {
		return slog.New(slog.NewTextHandler(os.Stderr, options))
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, options))
}

func commandLogLevel() slog.Level {
	var level slog.Level
	if value := os.Getenv(EnvLogLevel); value != "" {
		if err := level.UnmarshalText([]byte(value)); err == nil {
			return level
		}
	}
	return slog.LevelInfo
}
