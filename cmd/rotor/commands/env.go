// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package commands

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/spf13/pflag"
	"github.com/tidwall/jsonc"

	"github.com/bureau-foundation/rotor/cmd/rotor/cli"
	"github.com/bureau-foundation/rotor/lib/atomicfile"
	"github.com/bureau-foundation/rotor/lib/config"
)

type envParams struct {
	configParams
	Settings string `json:"-" flag:"settings" desc:"merge the variables into the env object of this settings JSON file instead of printing them"`
}

// proxyEnvironment returns the variables that route the agent through
// the proxy, in output order.
func proxyEnvironment(cfg *config.Config) [][2]string {
	proxyURL := "http://" + cfg.Proxy.Listen
	return [][2]string{
		{"HTTPS_PROXY", proxyURL},
		{"HTTP_PROXY", proxyURL},
		{"NO_PROXY", "localhost,127.0.0.1,::1"},
		{"NODE_EXTRA_CA_CERTS", cfg.Proxy.CACert},
	}
}

func envCommand() *cli.Command {
	var params envParams
	return &cli.Command{
		Name:    "env",
		Summary: "Print the environment that routes the agent through the proxy",
		Description: `Print shell exports for HTTPS_PROXY, HTTP_PROXY, NO_PROXY and
NODE_EXTRA_CA_CERTS. With --settings, merge them into the "env" object of
the agent's settings file instead; comments and trailing commas in the
existing file are tolerated, other keys are preserved.`,
		Usage: "rotor env [--settings PATH] [flags]",
		Examples: []cli.Example{
			{Command: `eval "$(rotor env)"`},
			{Command: "rotor env --settings ~/.claude/settings.json"},
		},
		Flags: func() *pflag.FlagSet { return cli.FlagsFromParams("env", &params) },
		Run: func(ctx context.Context, args []string, logger *slog.Logger) error {
			cfg, err := config.Resolve(params.ConfigPath)
			if err != nil {
				return err
			}
			variables := proxyEnvironment(cfg)
			if params.Settings == "" {
				for _, variable := range variables {
					fmt.Fprintf(stdout, "export %s=%q\n", variable[0], variable[1])
				}
				return nil
			}
			if err := mergeSettingsEnv(params.Settings, variables); err != nil {
				return err
			}
			logger.Info("updated agent settings", "path", params.Settings)
			return nil
		},
	}
}

// mergeSettingsEnv sets variables in the "env" object of the settings
// file at path, creating the file when missing.
func mergeSettingsEnv(path string, variables [][2]string) error {
	settings := make(map[string]any)
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := json.Unmarshal(jsonc.ToJSON(data), &settings); err != nil {
			return fmt.Errorf("parsing settings %s: %w", path, err)
		}
		if settings == nil {
			settings = make(map[string]any)
		}
	case errors.Is(err, os.ErrNotExist):
	default:
		return fmt.Errorf("reading settings: %w", err)
	}

	env, ok := settings["env"].(map[string]any)
	if !ok {
		if existing, present := settings["env"]; present && existing != nil {
			return fmt.Errorf("settings %s: \"env\" is %T, want an object", path, existing)
		}
		env = make(map[string]any)
	}
	for _, variable := range variables {
		env[variable[0]] = variable[1]
	}
	settings["env"] = env

	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("creating settings directory: %w", err)
	}
	return atomicfile.WriteJSON(path, settings, 0600)
}
