// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package oauth

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/bureau-foundation/rotor/lib/clock"
	"github.com/bureau-foundation/rotor/lib/netutil"
)

// Endpoint defaults match the host agent's production configuration.
const (
	DefaultTokenURL   = "https://console.anthropic.com/v1/oauth/token"
	DefaultProfileURL = "https://api.anthropic.com/api/oauth/profile"
	DefaultUsageURL   = "https://api.anthropic.com/api/oauth/usage"
	DefaultClientID   = "9d1c250a-e61b-44d9-88ed-5944d1962f5e"

	// DefaultTimeout bounds each request.
	DefaultTimeout = 15 * time.Second
)

// betaHeader opts requests into the OAuth-authenticated API surface.
const betaHeader = "oauth-2025-04-20"

// Config configures a Client. Zero fields take the defaults.
type Config struct {
	TokenURL   string
	ProfileURL string
	UsageURL   string
	ClientID   string

	// Timeout bounds each request, including reading the response.
	Timeout time.Duration

	// HTTPClient defaults to a client with no overall timeout; Timeout
	// is applied per request through the context.
	HTTPClient *http.Client

	// Clock stamps token expiry and usage observations. Defaults to
	// clock.Real().
	Clock clock.Clock

	// Logger defaults to slog.Default().
	Logger *slog.Logger
}

// Client calls the OAuth endpoints.
type Client struct {
	tokenURL   string
	profileURL string
	usageURL   string
	clientID   string
	timeout    time.Duration
	httpClient *http.Client
	clock      clock.Clock
	logger     *slog.Logger
}

// NewClient returns a Client for config. Endpoints must be absolute
// http or https URLs.
func NewClient(config Config) (*Client, error) {
	client := &Client{
		tokenURL:   orDefault(config.TokenURL, DefaultTokenURL),
		profileURL: orDefault(config.ProfileURL, DefaultProfileURL),
		usageURL:   orDefault(config.UsageURL, DefaultUsageURL),
		clientID:   orDefault(config.ClientID, DefaultClientID),
		timeout:    config.Timeout,
		httpClient: config.HTTPClient,
		clock:      config.Clock,
		logger:     config.Logger,
	}
	for name, endpoint := range map[string]string{
		"token":   client.tokenURL,
		"profile": client.profileURL,
		"usage":   client.usageURL,
	} {
		if !strings.HasPrefix(endpoint, "https://") && !strings.HasPrefix(endpoint, "http://") {
			return nil, fmt.Errorf("oauth: %s URL must be http or https (got %q)", name, endpoint)
		}
	}
	if client.timeout <= 0 {
		client.timeout = DefaultTimeout
	}
	if client.httpClient == nil {
		client.httpClient = &http.Client{}
	}
	if client.clock == nil {
		client.clock = clock.Real()
	}
	if client.logger == nil {
		client.logger = slog.Default()
	}
	return client, nil
}

func orDefault(value, fallback string) string {
	if value == "" {
		return fallback
	}
	return value
}

// APIError is a non-2xx response from an OAuth endpoint. The body is
// never kept: it may echo credential material.
type APIError struct {
	Endpoint   string
	StatusCode int
	// Code is the OAuth error code ("invalid_grant", ...) when the body
	// carried one.
	Code string
}

func (err *APIError) Error() string {
	if err.Code != "" {
		return fmt.Sprintf("oauth: %s: HTTP %d: %s", err.Endpoint, err.StatusCode, err.Code)
	}
	return fmt.Sprintf("oauth: %s: HTTP %d", err.Endpoint, err.StatusCode)
}

// errorCode extracts the OAuth error code from an error response body.
// Both the RFC 6749 shape ({"error": "invalid_grant"}) and the nested
// API shape ({"error": {"type": "..."}}) are recognized.
func errorCode(body []byte) string {
	var flat struct {
		Error string `json:"error"`
	}
	if err := decodeJSON(body, &flat); err == nil && flat.Error != "" {
		return flat.Error
	}
	var nested struct {
		Error struct {
			Type string `json:"type"`
		} `json:"error"`
	}
	if err := decodeJSON(body, &nested); err == nil {
		return nested.Error.Type
	}
	return ""
}

// getJSON issues an authenticated GET and decodes a 2xx JSON body into
// v.
func (client *Client) getJSON(ctx context.Context, endpoint, name, accessToken string, v any) error {
	ctx, cancel := context.WithTimeout(ctx, client.timeout)
	defer cancel()

	request, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return fmt.Errorf("oauth: creating %s request: %w", name, err)
	}
	request.Header.Set("Authorization", "Bearer "+accessToken)
	request.Header.Set("anthropic-beta", betaHeader)
	request.Header.Set("Accept", "application/json")

	response, err := client.httpClient.Do(request)
	if err != nil {
		return fmt.Errorf("oauth: %s request: %w", name, err)
	}
	defer response.Body.Close()

	body, err := netutil.ReadResponse(response.Body)
	if err != nil {
		return fmt.Errorf("oauth: reading %s response: %w", name, err)
	}
	if response.StatusCode < 200 || response.StatusCode >= 300 {
		return &APIError{Endpoint: name, StatusCode: response.StatusCode, Code: errorCode(body)}
	}
	if err := decodeJSON(body, v); err != nil {
		return fmt.Errorf("oauth: decoding %s response: %w", name, err)
	}
	return nil
}
