// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package clock provides an injectable time source.
//
// Every rotation decision is a function of "now": token expiry buffers,
// the usage freshness gate, the monitor's throttle and cooldowns, and
// tombstone retention. Components take a [Clock] instead of calling
// time.Now so tests can pin and advance time deterministically with
// [Fake].
//
//	type Refresher struct {
//	    clock clock.Clock
//	}
//
//	refresher := &Refresher{clock: clock.Real()}           // production
//	refresher := &Refresher{clock: clock.Fake(epoch)}      // tests
package clock
