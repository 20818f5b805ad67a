// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package proxy

import (
	"bufio"
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/bureau-foundation/rotor/lib/netutil"
)

const connectEstablished = "HTTP/1.1 200 Connection Established\r\n\r\n"

// hijack takes over the client connection and acknowledges the CONNECT.
// The returned reader holds any bytes the server read ahead.
func (s *Server) hijack(w http.ResponseWriter) (net.Conn, *bufio.Reader, error) {
	hijacker, ok := w.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("response writer does not support hijacking")
	}
	conn, buffered, err := hijacker.Hijack()
	if err != nil {
		return nil, nil, fmt.Errorf("hijacking client connection: %w", err)
	}
	if _, err := conn.Write([]byte(connectEstablished)); err != nil {
		conn.Close()
		return nil, nil, fmt.Errorf("acknowledging CONNECT: %w", err)
	}
	return conn, buffered.Reader, nil
}

// tunnel relays a CONNECT to a non-intercepted host byte for byte.
func (s *Server) tunnel(w http.ResponseWriter, r *http.Request) {
	target := withDefaultPort(r.Host)
	upstream, err := s.dialer.DialContext(r.Context(), "tcp", target)
	if err != nil {
		s.logger.Warn("tunnel dial failed", "target", target, "error", err)
		http.Error(w, "upstream unreachable", http.StatusBadGateway)
		return
	}

	conn, buffered, err := s.hijack(w)
	if err != nil {
		upstream.Close()
		s.logger.Error("tunnel setup failed", "target", target, "error", err)
		return
	}
	s.track(conn)
	defer s.untrack(conn)

	client := netutil.NewBufferedConn(conn, buffered)
	result, err := netutil.BridgeReaders(conn, client, upstream, upstream)
	if err != nil {
		s.logger.Warn("tunnel ended with error", "target", target, "error", err)
		return
	}
	s.logger.Debug("tunnel closed", "target", target,
		"bytes_up", result.AToB, "bytes_down", result.BToA)
}

// intercept terminates TLS for an intercepted host and serves the
// decrypted HTTP/1.1 stream through forward.
func (s *Server) intercept(w http.ResponseWriter, r *http.Request, host string) {
	authority := withDefaultPort(r.Host)
	conn, buffered, err := s.hijack(w)
	if err != nil {
		s.logger.Error("intercept setup failed", "host", host, "error", err)
		return
	}
	s.track(conn)
	defer s.untrack(conn)

	tlsConn := tls.Server(netutil.NewBufferedConn(conn, buffered), s.tlsConfig(host))
	ctx, cancel := context.WithTimeout(context.Background(), s.handshake)
	err = tlsConn.HandshakeContext(ctx)
	cancel()
	if err != nil {
		conn.Close()
		// Clients that do not trust the local CA fail here.
		s.logger.Warn("client TLS handshake failed", "host", host, "error", err)
		return
	}

	server := &http.Server{
		Handler: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			s.forward(w, r, authority)
		}),
		ReadHeaderTimeout: 30 * time.Second,
		IdleTimeout:       2 * time.Minute,
		ErrorLog:          slog.NewLogLogger(s.logger.Handler(), slog.LevelWarn),
	}
	server.Serve(newSingleConnListener(tlsConn))
}

// withDefaultPort appends :443 to an authority without a port.
func withDefaultPort(authority string) string {
	if _, _, err := net.SplitHostPort(authority); err == nil {
		return authority
	}
	return net.JoinHostPort(hostOnly(authority), "443")
}

// singleConnListener hands one connection to an http.Server and then
// blocks until that connection is closed, so Serve returns exactly when
// the connection's life ends.
type singleConnListener struct {
	conn     net.Conn
	accepted sync.Once
	done     chan struct{}
	closed   sync.Once
}

func newSingleConnListener(conn net.Conn) *singleConnListener {
	return &singleConnListener{conn: conn, done: make(chan struct{})}
}

func (l *singleConnListener) Accept() (net.Conn, error) {
	var conn net.Conn
	l.accepted.Do(func() {
		conn = &notifyingConn{Conn: l.conn, listener: l}
	})
	if conn != nil {
		return conn, nil
	}
	<-l.done
	return nil, net.ErrClosed
}

func (l *singleConnListener) Close() error {
	l.closed.Do(func() { close(l.done) })
	return nil
}

func (l *singleConnListener) Addr() net.Addr {
	return l.conn.LocalAddr()
}

// notifyingConn releases its listener when closed.
type notifyingConn struct {
	net.Conn
	listener *singleConnListener
}

func (c *notifyingConn) Close() error {
	err := c.Conn.Close()
	c.listener.Close()
	return err
}
