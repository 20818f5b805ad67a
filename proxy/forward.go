// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package proxy

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/bureau-foundation/rotor/keychain"
	"github.com/bureau-foundation/rotor/rotation"
)

var errBodyTooLarge = errors.New("request body exceeds the replay limit")

// forward sends an intercepted request upstream with the active key's
// token, rotating and retrying on 429.
func (s *Server) forward(w http.ResponseWriter, r *http.Request, authority string) {
	start := s.clock.Now()
	s.requests.Add(1)

	body, err := readBody(r.Body, s.maxBodySize)
	if err != nil {
		status := http.StatusBadRequest
		if errors.Is(err, errBodyTooLarge) {
			status = http.StatusRequestEntityTooLarge
		}
		s.logger.Warn("reading request body failed", "path", r.URL.Path, "error", err)
		http.Error(w, err.Error(), status)
		return
	}

	// Only requests that already carry a bearer token are rewritten;
	// cookie-authenticated traffic passes through untouched.
	rewrite := r.Header.Get("Authorization") != ""

	var tried []string
	for attempt := 0; ; attempt++ {
		keyID, token := "", ""
		if rewrite {
			keyID, token = s.activeToken()
		}

		outbound, err := outboundRequest(r, authority, body, token)
		if err != nil {
			s.logger.Error("building upstream request failed", "path", r.URL.Path, "error", err)
			http.Error(w, "bad request", http.StatusBadRequest)
			return
		}
		response, err := s.upstream.RoundTrip(outbound)
		if err != nil {
			s.logger.Error("upstream request failed",
				"host", authority, "path", r.URL.Path, "key_id", keyID, "error", err,
				"duration", s.clock.Now().Sub(start))
			http.Error(w, "upstream request failed", http.StatusBadGateway)
			return
		}

		// Every 429 parks the key, including the last one this request
		// is allowed to retry; later requests start on the replacement.
		if response.StatusCode == http.StatusTooManyRequests && keyID != "" {
			tried = append(tried, keyID)
			next := s.rotateAway(r.Context(), keyID, tried)
			switch {
			case next != "" && attempt < s.maxRetries:
				io.Copy(io.Discard, io.LimitReader(response.Body, 1<<20))
				response.Body.Close()
				s.logger.Info("rate limited, retrying on replacement key",
					"from", keyID, "to", next, "retry", attempt+1, "path", r.URL.Path)
				continue
			case next != "":
				s.logger.Warn("rate limited after the last retry, returning 429",
					"key_id", keyID, "next", next, "path", r.URL.Path)
			default:
				s.logger.Warn("rate limited with no replacement key, returning 429",
					"key_id", keyID, "path", r.URL.Path)
			}
		}

		s.writeResponse(w, response, r.URL.Path, keyID, start)
		return
	}
}

// activeToken returns the active key and its access token, or empty
// strings when the client's own credentials should be used.
func (s *Server) activeToken() (keyID, token string) {
	state, err := s.store.Read()
	if err != nil {
		s.logger.Warn("rotation state unreadable, forwarding with client credentials", "error", err)
		return "", ""
	}
	record := state.ActiveKey()
	if record == nil || record.AccessToken == "" {
		return "", ""
	}
	return state.ActiveKeyID, record.AccessToken
}

// rotateAway parks keyID as exhausted after a 429 and switches to the
// best key not yet tried for this request. It returns the key now
// active, or "" when no untried key is available.
func (s *Server) rotateAway(ctx context.Context, keyID string, tried []string) string {
	var next string
	var install *keychain.Credential
	err := s.store.Update(func(state *rotation.State) error {
		now := s.clock.Now()
		changed := rotation.MarkExhausted(state, keyID, rotation.ReasonRateLimited, now)

		// Another process may have switched already; take its choice
		// unless this request has tried that key too.
		if active := state.ActiveKeyID; active != "" && active != keyID && !contains(tried, active) {
			next = active
		} else {
			next = rotation.SelectReplacement(state, now, s.selector, tried...)
			if next != "" {
				if err := rotation.Switch(state, next, rotation.StatusExhausted, rotation.ReasonRateLimited, now); err != nil {
					return err
				}
				credential := state.Keys[next].Credential()
				install = &credential
				changed = true
			}
		}
		if !changed {
			return rotation.ErrNoChange
		}
		return nil
	})
	if err != nil {
		s.logger.Error("rotating after rate limit failed", "key_id", keyID, "error", err)
		return ""
	}
	if install != nil && s.credentials != nil {
		if err := s.credentials.Write(ctx, *install); err != nil {
			s.logger.Warn("installing replacement credential failed", "key_id", next, "error", err)
		} else {
			s.logger.Info("installed replacement credential", "key_id", next,
				"fingerprint", rotation.Fingerprint(install.AccessToken))
		}
	}
	return next
}

// outboundRequest rebuilds r for the real upstream. A non-empty token
// replaces the client's Authorization header.
func outboundRequest(r *http.Request, authority string, body []byte, token string) (*http.Request, error) {
	target := &url.URL{
		Scheme:   "https",
		Host:     authority,
		Path:     r.URL.Path,
		RawPath:  r.URL.RawPath,
		RawQuery: r.URL.RawQuery,
	}
	outbound, err := http.NewRequestWithContext(r.Context(), r.Method, target.String(), bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	copyHeaders(outbound.Header, r.Header)
	outbound.Host = r.Host
	if token != "" {
		outbound.Header.Set("Authorization", "Bearer "+token)
	}
	return outbound, nil
}

// relay forwards an absolute-form plain HTTP request unmodified.
func (s *Server) relay(w http.ResponseWriter, r *http.Request) {
	start := s.clock.Now()
	s.requests.Add(1)

	outbound := r.Clone(r.Context())
	outbound.RequestURI = ""
	outbound.Header = make(http.Header, len(r.Header))
	copyHeaders(outbound.Header, r.Header)

	response, err := s.plain.RoundTrip(outbound)
	if err != nil {
		s.logger.Warn("plain relay failed", "host", r.URL.Host, "error", err)
		http.Error(w, "upstream request failed", http.StatusBadGateway)
		return
	}
	s.writeResponse(w, response, r.URL.Path, "", start)
}

// writeResponse copies response to w, flushing SSE chunk by chunk.
func (s *Server) writeResponse(w http.ResponseWriter, response *http.Response, path, keyID string, start time.Time) {
	defer response.Body.Close()
	copyHeaders(w.Header(), response.Header)

	if strings.Contains(response.Header.Get("Content-Type"), "text/event-stream") {
		s.streamSSE(w, response, path, keyID, start)
		return
	}

	w.WriteHeader(response.StatusCode)
	copied, err := io.Copy(w, response.Body)
	if err != nil {
		s.logger.Warn("copying response failed", "path", path, "key_id", keyID,
			"bytes", copied, "error", err)
		return
	}
	s.logger.Debug("request complete", "path", path, "key_id", keyID,
		"status", response.StatusCode, "bytes", copied, "duration", s.clock.Now().Sub(start))
}

func (s *Server) streamSSE(w http.ResponseWriter, response *http.Response, path, keyID string, start time.Time) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		s.logger.Error("streaming not supported by response writer")
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(response.StatusCode)
	flusher.Flush()

	buffer := make([]byte, 4096)
	var total int64
	for {
		n, err := response.Body.Read(buffer)
		if n > 0 {
			written, writeErr := w.Write(buffer[:n])
			if writeErr != nil {
				s.logger.Warn("client disconnected during SSE stream",
					"path", path, "key_id", keyID, "bytes_sent", total)
				return
			}
			total += int64(written)
			flusher.Flush()
		}
		if err != nil {
			if err != io.EOF {
				s.logger.Warn("upstream error during SSE stream",
					"path", path, "key_id", keyID, "bytes_sent", total, "error", err)
			}
			break
		}
	}
	s.logger.Debug("SSE stream complete", "path", path, "key_id", keyID,
		"status", response.StatusCode, "bytes", total, "duration", s.clock.Now().Sub(start))
}

// readBody buffers at most limit bytes of body.
func readBody(body io.Reader, limit int64) ([]byte, error) {
	if body == nil {
		return nil, nil
	}
	data, err := io.ReadAll(io.LimitReader(body, limit+1))
	if err != nil {
		return nil, fmt.Errorf("reading request body: %w", err)
	}
	if int64(len(data)) > limit {
		return nil, errBodyTooLarge
	}
	return data, nil
}

var hopByHopHeaders = map[string]bool{
	"Connection":          true,
	"Keep-Alive":          true,
	"Proxy-Authenticate":  true,
	"Proxy-Authorization": true,
	"Proxy-Connection":    true,
	"Te":                  true,
	"Trailer":             true,
	"Transfer-Encoding":   true,
	"Upgrade":             true,
}

// copyHeaders adds source's end-to-end headers to destination. Headers
// named in source's Connection header are hop-by-hop too.
func copyHeaders(destination, source http.Header) {
	connectionScoped := make(map[string]bool)
	for _, value := range source.Values("Connection") {
		for _, name := range strings.Split(value, ",") {
			if name = strings.TrimSpace(name); name != "" {
				connectionScoped[http.CanonicalHeaderKey(name)] = true
			}
		}
	}
	for key, values := range source {
		if hopByHopHeaders[key] || connectionScoped[key] {
			continue
		}
		for _, value := range values {
			destination.Add(key, value)
		}
	}
}

func contains(values []string, target string) bool {
	for _, value := range values {
		if value == target {
			return true
		}
	}
	return false
}
