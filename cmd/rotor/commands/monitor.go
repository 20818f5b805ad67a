// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package commands

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/spf13/pflag"

	"github.com/bureau-foundation/rotor/audit"
	"github.com/bureau-foundation/rotor/cmd/rotor/cli"
	"github.com/bureau-foundation/rotor/monitor"
)

type monitorParams struct {
	configParams
	cli.JSONOutput
	Force bool `json:"-" flag:"force" desc:"check now even if the last check was recent"`
}

func monitorCommand() *cli.Command {
	var params monitorParams
	return &cli.Command{
		Name:    "monitor",
		Summary: "Sample quota usage and rotate away from an exhausted account",
		Description: `Sample five-hour and seven-day quota usage for every usable key and
record it in the state document. When the active account crosses the
rotation threshold and a better account exists, switch to it without
interrupting the session: the new credential is installed, a rotation
signal file is written for session hooks, and a health check with the
new token is appended to the health trail.

Checks are throttled (default: one per 5 minutes across all processes)
so the command is cheap to run from a per-prompt hook.`,
		Usage: "rotor monitor [--force] [flags]",
		Flags: func() *pflag.FlagSet { return cli.FlagsFromParams("monitor", &params) },
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
			health, err := audit.OpenHealthTrail(env.logConfig(audit.HealthFileName))
			if err != nil {
				return fmt.Errorf("opening health trail: %w", err)
			}
			defer health.Close()

			checker, err := monitor.New(monitor.Config{
				Store:                  env.store,
				Credentials:            env.credentials,
				Usage:                  client,
				Profile:                client,
				Health:                 health,
				StateFile:              env.config.MonitorStateFile(),
				SignalFile:             env.config.SignalFile(),
				MinInterval:            env.config.Monitor.MinInterval,
				NearlyDepletedPercent:  env.config.Monitor.NearlyDepletedPercent,
				NearlyDepletedCooldown: env.config.Monitor.NearlyDepletedCooldown,
				RotationPercent:        env.config.Monitor.RotationPercent,
				Selector:               env.selector(),
				Logger:                 logger,
			})
			if err != nil {
				return err
			}

			report, err := checker.Check(ctx, params.Force)
			if err != nil {
				return err
			}
			if done, err := params.Emit(stdout, report); done {
				return err
			}
			if report.Throttled {
				return nil
			}
			for _, id := range report.NearlyDepleted {
				fmt.Fprintf(stdout, "warning: key %s is at %.0f%% of its quota\n", id, report.Sampled[id].Max())
			}
			if rotation := report.Rotation; rotation != nil {
				fmt.Fprintf(stdout, "rotated from %s to %s", rotation.From, rotation.To)
				if !rotation.Healthy {
					fmt.Fprint(stdout, " (health check failed)")
				}
				fmt.Fprintln(stdout)
			}
			return nil
		},
	}
}
