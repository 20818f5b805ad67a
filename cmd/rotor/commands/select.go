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

type selectParams struct {
	configParams
	cli.JSONOutput
}

type selectResult struct {
	Previous string `json:"previous,omitempty"`
	Active   string `json:"active"`
	Changed  bool   `json:"changed"`
}

func selectCommand() *cli.Command {
	var params selectParams
	return &cli.Command{
		Name:    "select",
		Summary: "Switch to the best key, or to a named account",
		Description: `Without an argument, re-run key selection: fresh keys with the lowest
quota usage win, ties go to the current key. With ACCOUNT (an email
address, account UUID or key ID), switch to that account's key.

The chosen key's credential is installed for the agent before the state
document records the switch.`,
		Usage: "rotor select [ACCOUNT] [flags]",
		Flags: func() *pflag.FlagSet { return cli.FlagsFromParams("select", &params) },
		Run: func(ctx context.Context, args []string, logger *slog.Logger) error {
			if len(args) > 1 {
				return fmt.Errorf("expected at most one ACCOUNT argument, got %d", len(args))
			}
			env, err := openEnvironment(params.configParams, logger)
			if err != nil {
				return err
			}
			defer env.Close()

			var result selectResult
			err = env.store.Update(func(state *rotation.State) error {
				now := time.Now()
				result = selectResult{Previous: state.ActiveKeyID}

				var target string
				if len(args) == 1 {
					matches := rotation.MatchAccount(state, args[0])
					switch len(matches) {
					case 0:
						return &rotation.NoMatchError{Identifier: args[0], Known: rotation.KnownAccounts(state)}
					case 1:
						target = matches[0]
					default:
						return fmt.Errorf("%q matches %d keys; select one by key ID", args[0], len(matches))
					}
				} else {
					target = rotation.SelectActiveKey(state, now, env.selector())
					if target == "" {
						return rotation.ErrNoReplacement
					}
				}

				result.Active = target
				if target == state.ActiveKeyID && state.Keys[target].Status == rotation.StatusActive {
					return rotation.ErrNoChange
				}
				if err := env.credentials.Write(ctx, state.Keys[target].Credential()); err != nil {
					return fmt.Errorf("installing credential for key %s: %w", target, err)
				}
				result.Changed = true
				return rotation.Switch(state, target, rotation.StatusExhausted, rotation.ReasonOperatorSelect, now)
			})
			if err != nil {
				return err
			}

			if done, err := params.Emit(stdout, result); done {
				return err
			}
			if result.Changed {
				fmt.Fprintf(stdout, "active key is now %s\n", result.Active)
			} else {
				fmt.Fprintf(stdout, "key %s is already active\n", result.Active)
			}
			return nil
		},
	}
}
