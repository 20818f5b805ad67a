// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package commands

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/spf13/pflag"

	"github.com/bureau-foundation/rotor/cmd/rotor/cli"
	"github.com/bureau-foundation/rotor/refresher"
)

type syncParams struct {
	configParams
	cli.JSONOutput
	Loop bool `json:"-" flag:"loop" desc:"keep running, one cycle per refresh interval, until interrupted"`
}

func syncCommand() *cli.Command {
	var params syncParams
	return &cli.Command{
		Name:    "sync",
		Summary: "Refresh expiring tokens and keep a healthy key active",
		Description: `Run one refresh cycle: capture the host's current login, mark expired
tokens, refresh every token close to expiry, resolve missing account
identities, swap out an active key that is about to expire, and garbage
collect dead keys and old tombstones.

With --loop the cycle repeats every refresh interval until SIGINT or
SIGTERM.`,
		Usage: "rotor sync [--loop] [flags]",
		Examples: []cli.Example{
			{Description: "One cycle, for a session-start hook", Command: "rotor sync"},
			{Description: "Supervised background refresher", Command: "rotor sync --loop"},
		},
		Flags: func() *pflag.FlagSet { return cli.FlagsFromParams("sync", &params) },
		Run: func(ctx context.Context, args []string, logger *slog.Logger) error {
			if len(args) != 0 {
				return fmt.Errorf("unexpected argument %q", args[0])
			}
			env, err := openEnvironment(params.configParams, logger)
			if err != nil {
				return err
			}
			defer env.Close()

			client, err := env.oauthClient()
			if err != nil {
				return err
			}
			worker, err := refresher.New(refresher.Config{
				Store:              env.store,
				Credentials:        env.credentials,
				OAuth:              client,
				Identity:           client,
				Interval:           env.config.Refresh.Interval,
				ExpiryBuffer:       env.config.Refresh.ExpiryBuffer,
				TombstoneRetention: env.config.Refresh.TombstoneRetention,
				Selector:           env.selector(),
				Logger:             logger,
			})
			if err != nil {
				return err
			}

			if params.Loop {
				return worker.Run(ctx)
			}
			report, err := worker.Sync(ctx)
			if err != nil {
				return err
			}
			if done, err := params.Emit(stdout, report); done {
				return err
			}
			printSyncReport(report)
			return nil
		},
	}
}

func printSyncReport(report refresher.Report) {
	lines := []struct {
		label string
		keys  []string
	}{
		{"expired", report.Expired},
		{"refreshed", report.Refreshed},
		{"refresh failed, will retry", report.Transient},
		{"refresh token revoked", report.Invalid},
		{"identity resolved", report.Resolved},
		{"pruned", report.Pruned},
		{"tombstones purged", report.Purged},
	}
	quiet := true
	for _, line := range lines {
		if len(line.keys) > 0 {
			fmt.Fprintf(stdout, "%s: %s\n", line.label, strings.Join(line.keys, ", "))
			quiet = false
		}
	}
	if report.Switched != "" {
		fmt.Fprintf(stdout, "active key is now %s\n", report.Switched)
		quiet = false
	}
	if quiet {
		fmt.Fprintln(stdout, "all keys healthy")
	}
}
