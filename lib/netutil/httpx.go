// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package netutil provides the network plumbing shared by the proxy and
// the OAuth clients.
//
// Response helpers (ReadResponse, DecodeResponse, ErrorBody) bound body
// reads at MaxResponseSize so a misbehaving upstream cannot exhaust
// memory. They are for JSON API responses, not SSE streams.
//
// Tunnel helpers (BridgeReaders, BufferedConn, IsExpectedCloseError)
// relay raw bytes between a hijacked client connection and an upstream
// without inspecting them.
package netutil

import (
	"encoding/json"
	"fmt"
	"io"
)

// MaxResponseSize bounds JSON API response reads: 16 MiB. OAuth,
// profile and usage responses are a few hundred bytes.
const MaxResponseSize int64 = 16 << 20

// ReadResponse reads a JSON API response body up to MaxResponseSize.
func ReadResponse(body io.Reader) ([]byte, error) {
	return io.ReadAll(io.LimitReader(body, MaxResponseSize))
}

// DecodeResponse reads a bounded response body and JSON-decodes it.
func DecodeResponse(body io.Reader, v any) error {
	data, err := ReadResponse(body)
	if err != nil {
		return fmt.Errorf("reading response body: %w", err)
	}
	return json.Unmarshal(data, v)
}

// ErrorBody returns a bounded error response body for diagnostics.
// Read errors are ignored.
func ErrorBody(body io.Reader) string {
	data, _ := ReadResponse(body)
	return string(data)
}
