// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Rotor manages the pool of OAuth accounts a CLI agent rotates through:
// capturing logins, refreshing tokens, watching quota and removing
// accounts.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/bureau-foundation/rotor/cmd/rotor/commands"
	"github.com/bureau-foundation/rotor/lib/process"
)

func main() {
	if err := run(); err != nil {
		process.Exit(err)
	}
}

func run() error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	return commands.Root().Execute(ctx, os.Args[1:])
}
