// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package commands builds the rotor CLI command tree.
package commands

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/bureau-foundation/rotor/cmd/rotor/cli"
	"github.com/bureau-foundation/rotor/lib/version"
)

// Command output. Replaced in tests.
var (
	stdout io.Writer = os.Stdout
	stderr io.Writer = os.Stderr
)

// Root builds and returns the complete rotor command tree.
func Root() *cli.Command {
	return &cli.Command{
		Name: "rotor",
		Description: `rotor: multi-account credential rotation for a CLI agent.

Keeps the agent authenticated across several OAuth accounts, refreshing
tokens before they expire and moving to another account when quota runs
out. State lives in one shared JSON document that the refresher, the
quota monitor, the proxy and these commands all update.`,
		Subcommands: []*cli.Command{
			syncCommand(),
			monitorCommand(),
			listCommand(),
			selectCommand(),
			captureCommand(),
			removeCommand(),
			cleanupCommand(),
			logCommand(),
			envCommand(),
			{
				Name:    "version",
				Summary: "Print version information",
				Run: func(_ context.Context, _ []string, _ *slog.Logger) error {
					fmt.Fprintf(stdout, "rotor %s\n", version.Full())
					return nil
				},
			},
		},
	}
}
