// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package commands

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/spf13/pflag"

	"github.com/bureau-foundation/rotor/cmd/rotor/cli"
	"github.com/bureau-foundation/rotor/rotation"
)

type cleanupParams struct {
	configParams
	cli.JSONOutput
}

type cleanupResult struct {
	Pruned []string `json:"pruned"`
	Purged []string `json:"purged"`
}

func cleanupCommand() *cli.Command {
	var params cleanupParams
	return &cli.Command{
		Name:    "cleanup",
		Summary: "Delete dead keys and expired tombstones",
		Description: `Delete keys whose refresh token was revoked (status invalid) and
tombstones older than the retention period. No network access; "rotor
sync" does the same as its last step.`,
		Flags: func() *pflag.FlagSet { return cli.FlagsFromParams("cleanup", &params) },
		Run: func(ctx context.Context, args []string, logger *slog.Logger) error {
			env, err := openEnvironment(params.configParams, logger)
			if err != nil {
				return err
			}
			defer env.Close()

			retention := env.config.Refresh.TombstoneRetention
			if retention <= 0 {
				retention = rotation.DefaultTombstoneRetention
			}
			var result cleanupResult
			err = env.store.Update(func(state *rotation.State) error {
				now := time.Now()
				result.Pruned = rotation.PruneDeadKeys(state, now)
				result.Purged = rotation.PurgeTombstones(state, now, retention)
				if len(result.Pruned) == 0 && len(result.Purged) == 0 {
					return rotation.ErrNoChange
				}
				return nil
			})
			if err != nil {
				return err
			}

			if done, err := params.Emit(stdout, result); done {
				return err
			}
			fmt.Fprintf(stdout, "pruned %d dead key(s), purged %d tombstone(s)\n", len(result.Pruned), len(result.Purged))
			return nil
		},
	}
}
