// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package commands

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/spf13/pflag"

	"github.com/bureau-foundation/rotor/cmd/rotor/cli"
	"github.com/bureau-foundation/rotor/rotation"
)

type captureParams struct {
	configParams
	cli.JSONOutput
	Readd bool `json:"-" flag:"readd" desc:"capture the login even if its account was removed"`
}

func captureCommand() *cli.Command {
	var params captureParams
	return &cli.Command{
		Name:    "capture",
		Summary: "Add the host's current login to the rotation",
		Description: `Read the credential the agent is currently logged in with and add it
to the rotation, or update the matching key if the account is already
known. Log in to each account with the agent and run capture after each
login to build up the pool.

The state document is created on first use. A login for an account
that was removed is refused unless --readd is given.`,
		Flags: func() *pflag.FlagSet { return cli.FlagsFromParams("capture", &params) },
		Run: func(ctx context.Context, args []string, logger *slog.Logger) error {
			env, err := openEnvironment(params.configParams, logger)
			if err != nil {
				return err
			}
			defer env.Close()

			credential, err := env.credentials.Read(ctx)
			if err != nil {
				return fmt.Errorf("reading the host credential: %w", err)
			}
			if _, err := env.store.Read(); errors.Is(err, rotation.ErrNoState) {
				if err := env.store.Write(rotation.NewState()); err != nil {
					return err
				}
				logger.Info("created rotation state", "path", env.store.Path())
			}

			client, err := env.oauthClient()
			if err != nil {
				return err
			}
			result, err := rotation.CaptureCredential(ctx, env.store, credential, client,
				rotation.CaptureOptions{Readd: params.Readd}, time.Now())
			var removed *rotation.RemovedAccountError
			if errors.As(err, &removed) {
				return fmt.Errorf("%w; rerun with --readd to add it back", err)
			}
			if err != nil {
				return err
			}

			if done, err := params.Emit(stdout, result); done {
				return err
			}
			switch {
			case result.Added:
				fmt.Fprintf(stdout, "added key %s\n", result.KeyID)
			case result.Updated:
				fmt.Fprintf(stdout, "updated key %s with the newer login\n", result.KeyID)
			default:
				fmt.Fprintf(stdout, "key %s is already up to date\n", result.KeyID)
			}
			return nil
		},
	}
}
