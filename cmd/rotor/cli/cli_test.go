// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package cli

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/spf13/pflag"
)

func TestExecuteDispatchesToSubcommand(t *testing.T) {
	var called string
	var receivedArgs []string
	root := &Command{
		Name:       "rotor",
		helpOutput: &bytes.Buffer{},
		Subcommands: []*Command{
			{Name: "sync", Run: func(ctx context.Context, args []string, logger *slog.Logger) error {
				called = "sync"
				return nil
			}},
			{Name: "remove", Run: func(ctx context.Context, args []string, logger *slog.Logger) error {
				called = "remove"
				receivedArgs = args
				return nil
			}},
		},
	}

	if err := root.Execute(context.Background(), []string{"remove", "alice@example.com"}); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if called != "remove" || len(receivedArgs) != 1 || receivedArgs[0] != "alice@example.com" {
		t.Errorf("called %q with %v", called, receivedArgs)
	}
}

func TestExecuteSuggestsCommand(t *testing.T) {
	root := &Command{
		Name:        "rotor",
		helpOutput:  &bytes.Buffer{},
		Subcommands: []*Command{{Name: "monitor"}, {Name: "remove"}},
	}
	err := root.Execute(context.Background(), []string{"monitr"})
	if err == nil || !strings.Contains(err.Error(), `did you mean "monitor"`) {
		t.Errorf("error = %v, want a suggestion for monitor", err)
	}
}

type testParams struct {
	JSONOutput
	Force    bool          `flag:"force,f" desc:"force"`
	Interval time.Duration `flag:"interval" default:"10m" desc:"interval"`
	Hosts    []string      `flag:"host" default:"a,b" desc:"hosts"`
	Limit    float64       `flag:"limit" default:"95" desc:"limit"`
	Name     string        `flag:"name" desc:"name"`
}

func TestFlagsFromParams(t *testing.T) {
	var params testParams
	flagSet := FlagsFromParams("test", &params)
	if params.Interval != 10*time.Minute || len(params.Hosts) != 2 || params.Limit != 95 {
		t.Fatalf("defaults not applied: %+v", params)
	}
	if err := flagSet.Parse([]string{"-f", "--json", "--interval=1m", "--name", "x", "positional"}); err != nil {
		t.Fatal(err)
	}
	if !params.Force || !params.OutputJSON || params.Interval != time.Minute || params.Name != "x" {
		t.Errorf("params = %+v", params)
	}
	if args := flagSet.Args(); len(args) != 1 || args[0] != "positional" {
		t.Errorf("args = %v", args)
	}
}

func TestBindFlagsRejectsNonPointer(t *testing.T) {
	if err := BindFlags(testParams{}, pflag.NewFlagSet("x", pflag.ContinueOnError)); err == nil {
		t.Error("expected error for a non-pointer")
	}
}

func TestExecuteSuggestsFlag(t *testing.T) {
	var params testParams
	command := &Command{
		Name:       "list",
		helpOutput: &bytes.Buffer{},
		Flags:      func() *pflag.FlagSet { return FlagsFromParams("list", &params) },
		Run:        func(ctx context.Context, args []string, logger *slog.Logger) error { return nil },
	}
	err := command.Execute(context.Background(), []string{"--jsn"})
	if err == nil || !strings.Contains(err.Error(), "did you mean --json?") {
		t.Errorf("error = %v, want a --json suggestion", err)
	}
}

func TestHelpFlagAfterArguments(t *testing.T) {
	var params testParams
	help := &bytes.Buffer{}
	ran := false
	command := &Command{
		Name:        "remove",
		Description: "Remove an account.",
		helpOutput:  help,
		Flags:       func() *pflag.FlagSet { return FlagsFromParams("remove", &params) },
		Run: func(ctx context.Context, args []string, logger *slog.Logger) error {
			ran = true
			return nil
		},
	}
	if err := command.Execute(context.Background(), []string{"alice@example.com", "--help"}); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if ran {
		t.Error("--help ran the command")
	}
	if !strings.Contains(help.String(), "Remove an account.") || !strings.Contains(help.String(), "--force") {
		t.Errorf("help output = %q", help.String())
	}
}

func TestExitError(t *testing.T) {
	var err error = &ExitError{Code: 1}
	var coder interface{ ExitCode() int }
	if !errors.As(err, &coder) || coder.ExitCode() != 1 {
		t.Errorf("ExitError does not expose its code")
	}
}

func TestEmitWritesEmptyListForNilSlice(t *testing.T) {
	var buffer bytes.Buffer
	var keys []string

	output := JSONOutput{}
	if done, _ := output.Emit(&buffer, keys); done || buffer.Len() != 0 {
		t.Fatal("Emit wrote output without --json")
	}

	output.OutputJSON = true
	done, err := output.Emit(&buffer, keys)
	if !done || err != nil {
		t.Fatalf("Emit = %v, %v", done, err)
	}
	if strings.TrimSpace(buffer.String()) != "[]" {
		t.Errorf("output = %q, want []", buffer.String())
	}
}

func TestCommandLogLevel(t *testing.T) {
	t.Setenv(EnvLogLevel, "debug")
	if got := commandLogLevel(); got != slog.LevelDebug {
		t.Errorf("level = %v, want debug", got)
	}
	t.Setenv(EnvLogLevel, "loud")
	if got := commandLogLevel(); got != slog.LevelInfo {
		t.Errorf("unparseable level = %v, want info", got)
	}
}

func TestClosest(t *testing.T) {
	candidates := []string{"capture", "cleanup", "list", "log", "remove"}
	tests := []struct {
		name string
		want string
	}{
		{"cap", "capture"},
		{"lo", "log"},
		{"lsit", "list"},
		{"remvoe", "remove"},
		{"xyzzy", ""},
		{"", ""},
	}
	for _, test := range tests {
		if got := closest(test.name, candidates); got != test.want {
			t.Errorf("closest(%q) = %q, want %q", test.name, got, test.want)
		}
	}
}

func TestLevenshtein(t *testing.T) {
	tests := []struct {
		a, b string
		want int
	}{
		{"", "abc", 3},
		{"sync", "sync", 0},
		{"snyc", "sync", 2},
		{"remov", "remove", 1},
		{"kitten", "sitting", 3},
	}
	for _, test := range tests {
		if got := levenshtein(test.a, test.b); got != test.want {
			t.Errorf("levenshtein(%q, %q) = %d, want %d", test.a, test.b, got, test.want)
		}
	}
}
