// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package proxy is the local forward proxy that keeps the agent's API
// traffic on a usable account.
//
// The agent is pointed at the proxy with HTTPS_PROXY. [Server] accepts
// three kinds of request on one loopback TCP port:
//
//   - CONNECT to an intercepted host (api.anthropic.com, claude.ai by
//     default). The connection is hijacked and TLS is terminated with a
//     leaf certificate minted by the local [Authority]. Each request on
//     the decrypted stream has its bearer token replaced with the active
//     key's access token and is forwarded to the real upstream. A 429
//     parks the key as exhausted, switches to a replacement and retries,
//     at most MaxRetries times.
//   - CONNECT to any other host, the OAuth token endpoint included. The
//     bytes are tunneled unmodified.
//   - Absolute-form plain HTTP requests are relayed unmodified.
//
// An origin-form GET /status reports the active key, uptime and request
// count in plain text.
//
// Bytes the HTTP reader pulled off the socket ahead of a hijack (often
// the opening of the client's TLS ClientHello) are re-injected at the
// front of the stream with [netutil.NewBufferedConn] before TLS or
// tunneling begins.
//
// When the rotation state cannot be read the proxy fails safe: requests
// go upstream with the client's own credentials.
package proxy
