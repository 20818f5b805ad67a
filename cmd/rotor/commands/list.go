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

	"github.com/bureau-foundation/rotor/cmd/rotor/cli"
	"github.com/bureau-foundation/rotor/rotation"
)

type listParams struct {
	configParams
	cli.JSONOutput
	All bool `json:"-" flag:"all" desc:"include tombstoned keys"`
}

// keySummary is the token-free view of a key.
type keySummary struct {
	KeyID            string             `json:"key_id"`
	Active           bool               `json:"active"`
	Status           rotation.KeyStatus `json:"status"`
	AccountEmail     string             `json:"account_email,omitempty"`
	SubscriptionType string             `json:"subscription_type,omitempty"`
	ExpiresAt        *time.Time         `json:"expires_at,omitempty"`
	Usage            *rotation.Usage    `json:"last_usage,omitempty"`
	Fingerprint      string             `json:"fingerprint,omitempty"`
}

func summarize(state *rotation.State, includeTombstones bool) []keySummary {
	var summaries []keySummary
	for _, id := range state.KeyIDs() {
		record := state.Keys[id]
		if record.Status == rotation.StatusTombstone && !includeTombstones {
			continue
		}
		summary := keySummary{
			KeyID:            id,
			Active:           id == state.ActiveKeyID,
			Status:           record.Status,
			AccountEmail:     record.AccountEmail,
			SubscriptionType: record.SubscriptionType,
			Usage:            record.LastUsage,
		}
		if !record.ExpiresAt.IsZero() {
			expires := record.ExpiresAt.Time()
			summary.ExpiresAt = &expires
		}
		if record.AccessToken != "" {
			summary.Fingerprint = rotation.Fingerprint(record.AccessToken)
		}
		summaries = append(summaries, summary)
	}
	return summaries
}

func listCommand() *cli.Command {
	var params listParams
	return &cli.Command{
		Name:    "list",
		Summary: "Show every key and its status",
		Description: `List the keys in the rotation with their status, account, last sampled
quota usage and token expiry. The active key is marked with *. Token
values are never shown; the fingerprint column identifies a token
without revealing it.`,
		Usage: "rotor list [--json] [--all] [flags]",
		Flags: func() *pflag.FlagSet { return cli.FlagsFromParams("list", &params) },
		Run: func(ctx context.Context, args []string, logger *slog.Logger) error {
			env, err := openEnvironment(params.configParams, logger)
			if err != nil {
				return err
			}
			defer env.Close()

			state, err := env.readState()
			if err != nil {
				return err
			}
			summaries := summarize(state, params.All)
			if done, err := params.Emit(stdout, summaries); done {
				return err
			}

			now := time.Now()
			tw := tabwriter.NewWriter(stdout, 2, 0, 2, ' ', 0)
			fmt.Fprintln(tw, "\tKEY\tSTATUS\tACCOUNT\t5H\t7D\tEXPIRES\tTOKEN")
			for _, summary := range summaries {
				marker := ""
				if summary.Active {
					marker = "*"
				}
				fiveHour, sevenDay := "-", "-"
				if summary.Usage != nil {
					fiveHour = fmt.Sprintf("%.0f%%", summary.Usage.FiveHour)
					sevenDay = fmt.Sprintf("%.0f%%", summary.Usage.SevenDay)
				}
				expires := "-"
				if summary.ExpiresAt != nil {
					if remaining := summary.ExpiresAt.Sub(now); remaining > 0 {
						expires = "in " + remaining.Truncate(time.Minute).String()
					} else {
						expires = "expired"
					}
				}
				account := summary.AccountEmail
				if account == "" {
					account = "(unknown)"
				}
				fingerprint := summary.Fingerprint
				if fingerprint == "" {
					fingerprint = "-"
				}
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\t%s\t%s\n", marker, summary.KeyID, summary.Status,
					account, fiveHour, sevenDay, expires, fingerprint)
			}
			return tw.Flush()
		},
	}
}
