// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package process holds the entrypoint error handling shared by the
// rotor binaries.
package process

import (
	"fmt"
	"os"
)

// Fatal writes "error: err" to stderr and exits 1. For use in main()
// when run() fails before or outside structured logging.
func Fatal(err error) {
	fmt.Fprintf(os.Stderr, "error: %v\n", err)
	os.Exit(1)
}

// ExitCoder is implemented by errors that carry their own exit code and
// have already reported themselves to the user.
type ExitCoder interface {
	ExitCode() int
}

// Exit terminates the process for err: silently with the carried code
// for an ExitCoder, via Fatal otherwise.
func Exit(err error) {
	if coder, ok := err.(ExitCoder); ok {
		os.Exit(coder.ExitCode())
	}
	Fatal(err)
}
