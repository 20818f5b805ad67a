// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package commands

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/bureau-foundation/rotor/audit"
	"github.com/bureau-foundation/rotor/keychain"
	"github.com/bureau-foundation/rotor/lib/config"
	"github.com/bureau-foundation/rotor/lib/logfile"
	"github.com/bureau-foundation/rotor/oauth"
	"github.com/bureau-foundation/rotor/rotation"
)

// configParams is embedded in every command that touches state.
type configParams struct {
	ConfigPath string `json:"-" flag:"config" desc:"path to rotor.yaml (default: $ROTOR_CONFIG, else built-in defaults)"`
}

// environment is the wiring shared by commands: configuration, the
// rotation store mirrored into the audit trail, and the host
// credential store.
type environment struct {
	config      *config.Config
	store       *rotation.Store
	events      *audit.EventLog
	credentials keychain.Store
	logger      *slog.Logger
}

func openEnvironment(params configParams, logger *slog.Logger) (*environment, error) {
	cfg, err := config.Resolve(params.ConfigPath)
	if err != nil {
		return nil, err
	}
	if err := cfg.EnsurePaths(); err != nil {
		return nil, err
	}

	credentials, err := keychain.Open(keychain.Config{
		Backend: cfg.Credentials.Backend,
		Path:    cfg.Credentials.Path,
		Service: cfg.Credentials.Service,
		Account: cfg.Credentials.Account,
	})
	if err != nil {
		return nil, err
	}

	env := &environment{config: cfg, credentials: credentials, logger: logger}
	env.events, err = audit.OpenEventLog(env.logConfig(audit.EventsFileName))
	if err != nil {
		return nil, fmt.Errorf("opening audit log: %w", err)
	}
	env.store = rotation.NewStore(rotation.StoreConfig{
		Path:   cfg.StateFile(),
		Sink:   env.events,
		Logger: logger,
	})
	return env, nil
}

func (e *environment) Close() error {
	return e.events.Close()
}

func (e *environment) logConfig(name string) logfile.Config {
	return logConfigFor(e.config, name)
}

func logConfigFor(cfg *config.Config, name string) logfile.Config {
	return logfile.Config{
		Path:        cfg.LogFile(name),
		MaxSize:     cfg.Log.MaxSize,
		MaxBackups:  cfg.Log.MaxBackups,
		Compression: logfile.Compression(cfg.Log.Compression),
	}
}

func (e *environment) selector() rotation.SelectorOptions {
	return rotation.SelectorOptions{Freshness: e.config.Selector.Freshness}
}

func (e *environment) oauthClient() (*oauth.Client, error) {
	return oauth.NewClient(oauth.Config{
		TokenURL:   e.config.OAuth.TokenURL,
		ProfileURL: e.config.OAuth.ProfileURL,
		UsageURL:   e.config.OAuth.UsageURL,
		ClientID:   e.config.OAuth.ClientID,
		Timeout:    e.config.OAuth.Timeout,
		Logger:     e.logger,
	})
}

// readState reads the document, explaining a missing one.
func (e *environment) readState() (*rotation.State, error) {
	state, err := e.store.Read()
	if errors.Is(err, rotation.ErrNoState) {
		return nil, fmt.Errorf("%w at %s; run 'rotor capture' to add the current login", err, e.store.Path())
	}
	return state, err
}
