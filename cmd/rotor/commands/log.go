// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package commands

import (
	"context"
	"fmt"
	"log/slog"
	"text/tabwriter"
	"time"

	"github.com/spf13/pflag"

	"github.com/bureau-foundation/rotor/audit"
	"github.com/bureau-foundation/rotor/cmd/rotor/cli"
	"github.com/bureau-foundation/rotor/lib/config"
	"github.com/bureau-foundation/rotor/rotation"
)

type logParams struct {
	configParams
	cli.JSONOutput
	Limit int    `json:"-" flag:"limit,n" default:"20" desc:"show at most this many recent events (0 for all)"`
	Key   string `json:"-" flag:"key" desc:"only events for this key ID"`
}

func logCommand() *cli.Command {
	var params logParams
	return &cli.Command{
		Name:    "log",
		Summary: "Show recent rotation events from the audit trail",
		Description: `Print rotation events from the audit trail, oldest first, including
those in compressed rotated segments.`,
		Usage: "rotor log [--limit N] [--key ID] [flags]",
		Flags: func() *pflag.FlagSet { return cli.FlagsFromParams("log", &params) },
		Run: func(ctx context.Context, args []string, logger *slog.Logger) error {
			cfg, err := config.Resolve(params.ConfigPath)
			if err != nil {
				return err
			}
			entries, skipped, err := audit.ReadEvents(logConfigFor(cfg, audit.EventsFileName))
			if err != nil {
				return err
			}
			if skipped > 0 {
				logger.Warn("skipped unreadable audit lines", "count", skipped)
			}

			entries = filterEvents(entries, params.Key, params.Limit)
			if done, err := params.Emit(stdout, entries); done {
				return err
			}
			tw := tabwriter.NewWriter(stdout, 2, 0, 2, ' ', 0)
			fmt.Fprintln(tw, "TIME\tEVENT\tKEY\tACCOUNT\tREASON")
			for _, entry := range entries {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n",
					entry.Timestamp.Time().Local().Format(time.DateTime),
					entry.Event, entry.KeyID, entry.AccountEmail, entry.Reason)
			}
			return tw.Flush()
		},
	}
}

// filterEvents keeps entries for keyID (all when empty) and returns the
// last limit of them (all when limit <= 0).
func filterEvents(entries []rotation.LogEntry, keyID string, limit int) []rotation.LogEntry {
	if keyID != "" {
		filtered := entries[:0:0]
		for _, entry := range entries {
			if entry.KeyID == keyID {
				filtered = append(filtered, entry)
			}
		}
		entries = filtered
	}
	if limit > 0 && len(entries) > limit {
		entries = entries[len(entries)-limit:]
	}
	return entries
}
