// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package proxy

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bureau-foundation/rotor/lib/clock"
	"github.com/bureau-foundation/rotor/rotation"
)

// Defaults.
const (
	DefaultListen                = "127.0.0.1:18080"
	DefaultMaxRetries            = 2
	DefaultMaxBodySize           = 32 << 20
	DefaultDialTimeout           = 10 * time.Second
	DefaultTLSHandshakeTimeout   = 10 * time.Second
	DefaultResponseHeaderTimeout = 2 * time.Minute
)

// DefaultInterceptHosts are the hosts whose traffic carries the agent's
// OAuth bearer token.
var DefaultInterceptHosts = []string{"api.anthropic.com", "claude.ai"}

// Config configures a Server.
type Config struct {
	// Listen is the TCP address. Default: 127.0.0.1:18080.
	Listen string

	// InterceptHosts are terminated and rewritten. Matching ignores the
	// port and case. Default: DefaultInterceptHosts.
	InterceptHosts []string

	// Authority mints leaf certificates for intercepted hosts. Required.
	Authority *Authority

	// Store is the shared rotation state. Required.
	Store *rotation.Store

	// Credentials receives the replacement credential after a 429
	// switch. Optional; when nil only the state document changes.
	Credentials rotation.CredentialWriter

	// MaxRetries bounds 429 retries per request. Default: 2. Negative
	// disables retries.
	MaxRetries int

	// MaxBodySize bounds the request body buffered for replay.
	// Default: 32 MiB.
	MaxBodySize int64

	DialTimeout           time.Duration
	TLSHandshakeTimeout   time.Duration
	ResponseHeaderTimeout time.Duration

	// Upstream carries intercepted requests to the real API. Defaults to
	// an http.Transport with the configured timeouts.
	Upstream http.RoundTripper

	Selector rotation.SelectorOptions

	// Clock defaults to clock.Real().
	Clock clock.Clock

	// Logger defaults to slog.Default().
	Logger *slog.Logger
}

// Server is the interception proxy.
type Server struct {
	listen         string
	interceptHosts map[string]bool
	authority      *Authority
	store          *rotation.Store
	credentials    rotation.CredentialWriter
	maxRetries     int
	maxBodySize    int64
	dialer         *net.Dialer
	handshake      time.Duration
	upstream       http.RoundTripper
	plain          http.RoundTripper
	selector       rotation.SelectorOptions
	clock          clock.Clock
	logger         *slog.Logger

	httpServer *http.Server
	listener   net.Listener
	startedAt  time.Time
	requests   atomic.Int64

	// hijacked tracks connections taken over from httpServer, which
	// Shutdown does not see.
	hijackedMu sync.Mutex
	hijacked   map[net.Conn]struct{}
}

// NewServer returns a Server for config. Call Start to listen.
func NewServer(config Config) (*Server, error) {
	if config.Authority == nil {
		return nil, fmt.Errorf("proxy: Authority is required")
	}
	if config.Store == nil {
		return nil, fmt.Errorf("proxy: Store is required")
	}
	if config.Listen == "" {
		config.Listen = DefaultListen
	}
	if config.InterceptHosts == nil {
		config.InterceptHosts = DefaultInterceptHosts
	}
	if config.MaxRetries == 0 {
		config.MaxRetries = DefaultMaxRetries
	}
	if config.MaxRetries < 0 {
		config.MaxRetries = 0
	}
	if config.MaxBodySize <= 0 {
		config.MaxBodySize = DefaultMaxBodySize
	}
	if config.DialTimeout <= 0 {
		config.DialTimeout = DefaultDialTimeout
	}
	if config.TLSHandshakeTimeout <= 0 {
		config.TLSHandshakeTimeout = DefaultTLSHandshakeTimeout
	}
	if config.ResponseHeaderTimeout <= 0 {
		config.ResponseHeaderTimeout = DefaultResponseHeaderTimeout
	}
	if config.Clock == nil {
		config.Clock = clock.Real()
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}

	dialer := &net.Dialer{Timeout: config.DialTimeout, KeepAlive: 30 * time.Second}
	newTransport := func() *http.Transport {
		return &http.Transport{
			Proxy:                 nil,
			DialContext:           dialer.DialContext,
			TLSHandshakeTimeout:   config.TLSHandshakeTimeout,
			ResponseHeaderTimeout: config.ResponseHeaderTimeout,
			MaxIdleConns:          100,
			MaxIdleConnsPerHost:   10,
			IdleConnTimeout:       90 * time.Second,
			// Bodies pass through byte for byte; the client negotiated
			// its own Accept-Encoding.
			DisableCompression: true,
		}
	}
	upstream := config.Upstream
	if upstream == nil {
		upstream = newTransport()
	}

	hosts := make(map[string]bool, len(config.InterceptHosts))
	for _, host := range config.InterceptHosts {
		hosts[strings.ToLower(host)] = true
	}

	server := &Server{
		listen:         config.Listen,
		interceptHosts: hosts,
		authority:      config.Authority,
		store:          config.Store,
		credentials:    config.Credentials,
		maxRetries:     config.MaxRetries,
		maxBodySize:    config.MaxBodySize,
		dialer:         dialer,
		handshake:      config.TLSHandshakeTimeout,
		upstream:       upstream,
		plain:          newTransport(),
		selector:       config.Selector,
		clock:          config.Clock,
		logger:         config.Logger,
		hijacked:       make(map[net.Conn]struct{}),
	}
	server.httpServer = &http.Server{
		Handler:           server,
		ReadHeaderTimeout: 30 * time.Second,
		ErrorLog:          slog.NewLogLogger(config.Logger.Handler(), slog.LevelWarn),
	}
	return server, nil
}

// Start listens on the configured address and serves in the
// background, then notifies systemd of readiness.
func (s *Server) Start() error {
	listener, err := net.Listen("tcp", s.listen)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", s.listen, err)
	}
	s.listener = listener
	s.startedAt = s.clock.Now()
	s.logger.Info("proxy listening", "address", listener.Addr().String(),
		"intercept_hosts", s.interceptHostList())

	go func() {
		if err := s.httpServer.Serve(listener); err != nil && err != http.ErrServerClosed {
			s.logger.Error("proxy server error", "error", err)
		}
	}()

	// No-op unless running under systemd.
	notifySystemd("READY=1")
	return nil
}

// Addr returns the bound listener address. Valid after Start.
func (s *Server) Addr() net.Addr {
	return s.listener.Addr()
}

// notifySystemd sends state to systemd's sd_notify socket. Does nothing
// if NOTIFY_SOCKET is not set.
func notifySystemd(state string) {
	socketPath := os.Getenv("NOTIFY_SOCKET")
	if socketPath == "" {
		return
	}
	conn, err := net.Dial("unixgram", socketPath)
	if err != nil {
		return
	}
	defer conn.Close()
	conn.Write([]byte(state))
}

// Shutdown stops accepting, waits for in-flight plain requests until
// ctx expires, and closes every hijacked tunnel or intercepted stream.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down proxy")
	notifySystemd("STOPPING=1")
	err := s.httpServer.Shutdown(ctx)

	s.hijackedMu.Lock()
	for conn := range s.hijacked {
		conn.Close()
	}
	s.hijackedMu.Unlock()
	return err
}

func (s *Server) track(conn net.Conn) {
	s.hijackedMu.Lock()
	s.hijacked[conn] = struct{}{}
	s.hijackedMu.Unlock()
}

func (s *Server) untrack(conn net.Conn) {
	s.hijackedMu.Lock()
	delete(s.hijacked, conn)
	s.hijackedMu.Unlock()
}

// ServeHTTP dispatches by request form.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch {
	case r.Method == http.MethodConnect:
		host := hostOnly(r.Host)
		if s.intercepts(host) {
			s.intercept(w, r, host)
		} else {
			s.tunnel(w, r)
		}
	case r.URL.IsAbs():
		s.relay(w, r)
	case r.Method == http.MethodGet && r.URL.Path == "/status":
		s.status(w)
	default:
		http.Error(w, "rotor proxy: use CONNECT or an absolute-form request", http.StatusBadRequest)
	}
}

func (s *Server) intercepts(host string) bool {
	return s.interceptHosts[strings.ToLower(host)]
}

func (s *Server) interceptHostList() []string {
	hosts := make([]string, 0, len(s.interceptHosts))
	for host := range s.interceptHosts {
		hosts = append(hosts, host)
	}
	return hosts
}

// status writes the plaintext status report.
func (s *Server) status(w http.ResponseWriter) {
	active := "none"
	if state, err := s.store.Read(); err != nil {
		active = "unavailable"
	} else if state.ActiveKeyID != "" {
		active = state.ActiveKeyID
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	fmt.Fprintf(w, "active_key: %s\n", active)
	fmt.Fprintf(w, "uptime: %s\n", s.clock.Now().Sub(s.startedAt).Truncate(time.Second))
	fmt.Fprintf(w, "requests: %d\n", s.requests.Load())
}

// tlsConfig serves leaves minted for host regardless of SNI, so clients
// that omit SNI still get a certificate for the CONNECT target.
func (s *Server) tlsConfig(host string) *tls.Config {
	return &tls.Config{
		MinVersion: tls.VersionTLS12,
		NextProtos: []string{"http/1.1"},
		GetCertificate: func(hello *tls.ClientHelloInfo) (*tls.Certificate, error) {
			return s.authority.Leaf(host)
		},
	}
}

// hostOnly strips the port from a host[:port] authority.
func hostOnly(authority string) string {
	host, _, err := net.SplitHostPort(authority)
	if err != nil {
		return strings.Trim(authority, "[]")
	}
	return host
}
