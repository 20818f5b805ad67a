// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package cli provides the command-line framework for the rotor CLI.
//
// The central type is [Command]: a named subcommand with optional nested
// [Command.Subcommands], a [pflag.FlagSet] factory, and a Run function.
// Commands are assembled into a tree in cmd/rotor/commands and
// dispatched via [Command.Execute], which handles flag parsing,
// subcommand routing, and help output with examples.
//
// Flags are declared as tagged struct fields and bound with
// [FlagsFromParams]. Embedding [JSONOutput] adds --json.
//
// An unknown subcommand or flag gets a did-you-mean hint: the unique
// name it is a prefix of, else the nearest name within edit distance 3.
package cli
