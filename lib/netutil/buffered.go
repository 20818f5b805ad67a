// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package netutil

import (
	"bufio"
	"io"
	"net"
)

// BufferedConn is a net.Conn whose reads drain a reader holding bytes
// that were already pulled off the socket before falling through to the
// socket itself.
//
// After an http.Hijacker hands back a connection, the server's
// bufio.Reader may hold bytes the client sent right behind its request
// line (for a CONNECT, typically the opening of the TLS ClientHello).
// Reading from the raw net.Conn would silently drop them. Wrap the
// hijacked connection with NewBufferedConn and use the result for
// everything downstream: TLS termination, tunnelling, anything.
type BufferedConn struct {
	net.Conn
	reader io.Reader
}

// NewBufferedConn returns conn with buffered's pending bytes placed in
// front of its read stream. A nil or empty buffered reader returns a
// wrapper that reads straight from conn.
func NewBufferedConn(conn net.Conn, buffered *bufio.Reader) *BufferedConn {
	if buffered == nil || buffered.Buffered() == 0 {
		return &BufferedConn{Conn: conn, reader: conn}
	}
	// Copy the pending bytes out so the bufio.Reader (owned by the
	// HTTP server) can be discarded.
	pending, _ := buffered.Peek(buffered.Buffered())
	prefix := make([]byte, len(pending))
	copy(prefix, pending)
	return NewPrefixedConn(conn, prefix)
}

// NewPrefixedConn returns conn with prefix re-injected at the front of
// its read stream.
func NewPrefixedConn(conn net.Conn, prefix []byte) *BufferedConn {
	if len(prefix) == 0 {
		return &BufferedConn{Conn: conn, reader: conn}
	}
	return &BufferedConn{Conn: conn, reader: io.MultiReader(bytesReader(prefix), conn)}
}

// Read reads buffered bytes first, then the underlying connection.
func (c *BufferedConn) Read(p []byte) (int, error) {
	return c.reader.Read(p)
}

func bytesReader(b []byte) io.Reader {
	return &sliceReader{data: b}
}

// sliceReader is a minimal bytes.Reader that returns io.EOF only once
// drained, so io.MultiReader moves on to the connection.
type sliceReader struct {
	data []byte
}

func (r *sliceReader) Read(p []byte) (int, error) {
	if len(r.data) == 0 {
		return 0, io.EOF
	}
	n := copy(p, r.data)
	r.data = r.data[n:]
	return n, nil
}
