// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package rotation holds the shared rotation state: the set of OAuth
// keys the agent can authenticate with, which one is active, and the
// append-only log of every transition.
//
// The state lives in one JSON document on disk. Several independent
// processes (the refresher, the quota monitor, the proxy, and operator
// commands) read and rewrite it with no cross-process lock. Consistency
// comes from two rules:
//
//   - Every write replaces the whole document atomically (see
//     [lib/atomicfile]), so a reader sees either the old document or the
//     new one.
//   - Every mutation goes through [Store.Update], which re-reads the
//     document immediately before applying the change and writes it
//     immediately after. Network calls happen outside that window.
//
// Concurrent writers therefore resolve last-writer-wins, and the
// operations they apply are idempotent: marking an exhausted key
// exhausted again, or switching to the key that is already active,
// changes nothing of substance.
//
// Selection ([SelectActiveKey], [SelectReplacement]) is a pure function
// of a snapshot and the current time.
package rotation
