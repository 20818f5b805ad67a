// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package commands

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/spf13/pflag"

	"github.com/bureau-foundation/rotor/cmd/rotor/cli"
	"github.com/bureau-foundation/rotor/rotation"
)

type removeParams struct {
	configParams
	cli.JSONOutput
	Force bool `json:"-" flag:"force" desc:"remove the active account even when no other account can take over"`
}

func removeCommand() *cli.Command {
	var params removeParams
	return &cli.Command{
		Name:    "remove",
		Summary: "Remove an account from rotation",
		Description: `Remove every key belonging to ACCOUNT (an email address, account UUID or
key ID). Removed keys lose their tokens immediately and are kept as
tombstones for the retention period so other processes see the removal.

If the active account is removed, another account is installed first.
When no other account can take over, removal is refused unless --force
is given.`,
		Usage: "rotor remove ACCOUNT [--force] [flags]",
		Examples: []cli.Example{
			{Command: "rotor remove alice@example.com"},
			{Description: "Remove the last account, leaving none active", Command: "rotor remove alice@example.com --force"},
		},
		Flags: func() *pflag.FlagSet { return cli.FlagsFromParams("remove", &params) },
		Run: func(ctx context.Context, args []string, logger *slog.Logger) error {
			if len(args) != 1 {
				return fmt.Errorf("expected exactly one ACCOUNT argument, got %d", len(args))
			}
			env, err := openEnvironment(params.configParams, logger)
			if err != nil {
				return err
			}
			defer env.Close()

			result, err := rotation.RemoveAccount(ctx, env.store, env.credentials, args[0],
				rotation.RemoveOptions{Force: params.Force, Selector: env.selector()}, time.Now())

			var noMatch *rotation.NoMatchError
			switch {
			case errors.As(err, &noMatch):
				fmt.Fprintf(stderr, "no account matches %q\n", noMatch.Identifier)
				if len(noMatch.Known) == 0 {
					fmt.Fprintln(stderr, "no accounts are configured")
				} else {
					fmt.Fprintln(stderr, "known accounts:")
					for _, account := range noMatch.Known {
						fmt.Fprintf(stderr, "  %s\n", account)
					}
				}
				return &cli.ExitError{Code: 1}
			case errors.Is(err, rotation.ErrLastAccount):
				fmt.Fprintf(stderr, "%s is the only usable account; rerun with --force to remove it anyway\n", args[0])
				return &cli.ExitError{Code: 1}
			case err != nil:
				return err
			}

			if done, err := params.Emit(stdout, result); done {
				return err
			}
			fmt.Fprintf(stdout, "removed %s\n", strings.Join(result.Removed, ", "))
			switch {
			case result.Replacement != "":
				fmt.Fprintf(stdout, "active key is now %s\n", result.Replacement)
			case result.ActiveCleared:
				fmt.Fprintln(stdout, "no active key remains; run 'rotor capture' after logging in again")
			}
			return nil
		},
	}
}
