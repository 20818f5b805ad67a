// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package oauth talks to the upstream OAuth and account endpoints:
// refresh-token grants, the account profile lookup, and the per-account
// quota usage lookup.
//
// A refresh has three outcomes, and callers must handle each one:
// [RefreshSuccess] carries new tokens, [RefreshTransient] means try
// again next cycle, and [RefreshInvalidGrant] means the refresh token is
// permanently dead. [RefreshResult] is a sealed interface over the
// three so a type switch is exhaustive.
//
// Every request has a bounded timeout. No method ever puts a token
// value into a returned error or a log line.
package oauth
