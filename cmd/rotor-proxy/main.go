// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Rotor-proxy is the local HTTPS proxy that injects the active
// account's token into agent traffic and rotates accounts on 429.
package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"github.com/bureau-foundation/rotor/audit"
	"github.com/bureau-foundation/rotor/keychain"
	"github.com/bureau-foundation/rotor/lib/config"
	"github.com/bureau-foundation/rotor/lib/logfile"
	"github.com/bureau-foundation/rotor/lib/process"
	"github.com/bureau-foundation/rotor/lib/version"
	"github.com/bureau-foundation/rotor/proxy"
	"github.com/bureau-foundation/rotor/rotation"
)

const logFileName = "proxy.log"

func main() {
	if err := run(); err != nil {
		process.Fatal(err)
	}
}

func run() error {
	var configPath string
	var showVersion bool
	var debug bool

	flags := pflag.NewFlagSet("rotor-proxy", pflag.ContinueOnError)
	flags.StringVar(&configPath, "config", "", "path to rotor.yaml (default: $ROTOR_CONFIG, else built-in defaults)")
	flags.BoolVar(&debug, "debug", false, "log every proxied request")
	flags.BoolVar(&showVersion, "version", false, "print version information and exit")
	if err := flags.Parse(os.Args[1:]); err != nil {
		if err == pflag.ErrHelp {
			return nil
		}
		return err
	}

	if showVersion {
		fmt.Printf("rotor-proxy %s\n", version.Info())
		return nil
	}

	cfg, err := config.Resolve(configPath)
	if err != nil {
		return err
	}
	if err := cfg.EnsurePaths(); err != nil {
		return err
	}

	logWriter, err := logfile.Open(logConfig(cfg, logFileName))
	if err != nil {
		return fmt.Errorf("opening proxy log: %w", err)
	}
	defer logWriter.Close()

	level := slog.LevelInfo
	if debug {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(io.MultiWriter(os.Stderr, logWriter), &slog.HandlerOptions{
		Level: level,
	}))
	slog.SetDefault(logger)

	logger.Info("starting rotor-proxy", "version", version.Info())

	authority, err := proxy.LoadOrCreateAuthority(cfg.Proxy.CACert, cfg.Proxy.CAKey)
	if err != nil {
		return err
	}
	defer authority.Close()
	logger.Info("loaded certificate authority", "cert", cfg.Proxy.CACert)

	events, err := audit.OpenEventLog(logConfig(cfg, audit.EventsFileName))
	if err != nil {
		return fmt.Errorf("opening audit log: %w", err)
	}
	defer events.Close()

	credentials, err := keychain.Open(keychain.Config{
		Backend: cfg.Credentials.Backend,
		Path:    cfg.Credentials.Path,
		Service: cfg.Credentials.Service,
		Account: cfg.Credentials.Account,
	})
	if err != nil {
		return err
	}

	maxRetries := cfg.Proxy.MaxRetries
	if maxRetries == 0 {
		// Zero in the file means no retries; the server treats zero as
		// unset.
		maxRetries = -1
	}

	server, err := proxy.NewServer(proxy.Config{
		Listen:         cfg.Proxy.Listen,
		InterceptHosts: cfg.Proxy.InterceptHosts,
		Authority:      authority,
		Store: rotation.NewStore(rotation.StoreConfig{
			Path:   cfg.StateFile(),
			Sink:   events,
			Logger: logger,
		}),
		Credentials:           credentials,
		MaxRetries:            maxRetries,
		MaxBodySize:           cfg.Proxy.MaxBodySize,
		DialTimeout:           cfg.Proxy.DialTimeout,
		TLSHandshakeTimeout:   cfg.Proxy.TLSHandshakeTimeout,
		ResponseHeaderTimeout: cfg.Proxy.ResponseHeaderTimeout,
		Selector:              rotation.SelectorOptions{Freshness: cfg.Selector.Freshness},
		Logger:                logger,
	})
	if err != nil {
		return fmt.Errorf("creating proxy: %w", err)
	}

	if err := server.Start(); err != nil {
		return fmt.Errorf("starting proxy: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	<-ctx.Done()
	logger.Info("received shutdown signal")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown error: %w", err)
	}

	logger.Info("shutdown complete")
	return nil
}

func logConfig(cfg *config.Config, name string) logfile.Config {
	return logfile.Config{
		Path:        cfg.LogFile(name),
		MaxSize:     cfg.Log.MaxSize,
		MaxBackups:  cfg.Log.MaxBackups,
		Compression: logfile.Compression(cfg.Log.Compression),
	}
}
