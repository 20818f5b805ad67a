// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package netutil

import (
	"io"
	"net"
)

type copyResult struct {
	bytesCopied int64
	err         error
}

// BridgeResult reports how many bytes moved in each direction of a
// bridge.
type BridgeResult struct {
	// AToB counts bytes read from A's reader and written to B.
	AToB int64
	// BToA counts bytes read from B's reader and written to A.
	BToA int64
}

// BridgeReaders relays bytes between two connections until both
// directions end. Bytes are read from readerA/readerB rather than the
// connections themselves so that data an earlier protocol stage
// already buffered (an HTTP reader's read-ahead, for instance) is
// delivered before anything still in the kernel.
//
// When one direction reaches EOF and the destination supports
// CloseWrite (*net.TCPConn does), only its write side is shut down so
// the peer sees EOF and can still answer. Otherwise, and whenever a
// direction fails, both connections are closed to unblock the other.
// The error from the direction that finished first is returned unless
// it is an ordinary teardown error (see IsExpectedCloseError).
func BridgeReaders(connectionA net.Conn, readerA io.Reader, connectionB net.Conn, readerB io.Reader) (BridgeResult, error) {
	aToB := make(chan copyResult, 1)
	bToA := make(chan copyResult, 1)

	go func() {
		bytesCopied, err := io.Copy(connectionB, readerA)
		aToB <- copyResult{bytesCopied, err}
	}()
	go func() {
		bytesCopied, err := io.Copy(connectionA, readerB)
		bToA <- copyResult{bytesCopied, err}
	}()

	var result BridgeResult
	var first error
	for pending := 2; pending > 0; pending-- {
		var done copyResult
		var destination net.Conn
		select {
		case done = <-aToB:
			aToB = nil
			result.AToB = done.bytesCopied
			destination = connectionB
		case done = <-bToA:
			bToA = nil
			result.BToA = done.bytesCopied
			destination = connectionA
		}
		if pending == 2 {
			first = done.err
			if !closeWrite(destination, done.err) {
				connectionA.Close()
				connectionB.Close()
			}
		}
	}
	connectionA.Close()
	connectionB.Close()

	if first != nil && !IsExpectedCloseError(first) {
		return result, first
	}
	return result, nil
}

// closeWrite half-closes conn after a copy into it ended at EOF. It
// reports false when conn cannot be half-closed.
func closeWrite(conn net.Conn, copyErr error) bool {
	if copyErr != nil {
		return false
	}
	writer, ok := conn.(interface{ CloseWrite() error })
	if !ok {
		return false
	}
	return writer.CloseWrite() == nil
}

// BridgeConnections relays bytes between a and b when neither side has
// buffered data.
func BridgeConnections(a, b net.Conn) (BridgeResult, error) {
	return BridgeReaders(a, a, b, b)
}
