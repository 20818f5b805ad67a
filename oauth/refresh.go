// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package oauth

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/bureau-foundation/rotor/lib/netutil"
	"github.com/bureau-foundation/rotor/rotation"
)

// RefreshResult is the outcome of a refresh-token grant: exactly one of
// RefreshSuccess, RefreshTransient, RefreshInvalidGrant.
type RefreshResult interface {
	refreshResult()
}

// RefreshSuccess carries the newly issued tokens.
type RefreshSuccess struct {
	Tokens rotation.Tokens
}

// RefreshTransient means the grant did not complete for a reason that
// may clear up: network failure, timeout, a 5xx, a 429, or a malformed
// response. The key is left unchanged and retried next cycle.
type RefreshTransient struct {
	Err error
}

// RefreshInvalidGrant means the authorization server permanently
// rejected the refresh token. The key is dead.
type RefreshInvalidGrant struct {
	// Detail is a token-free description for logs.
	Detail string
}

func (RefreshSuccess) refreshResult()      {}
func (RefreshTransient) refreshResult()    {}
func (RefreshInvalidGrant) refreshResult() {}

// Error returns the wrapped error's message.
func (r RefreshTransient) Error() string { return r.Err.Error() }

// Unwrap returns the wrapped error.
func (r RefreshTransient) Unwrap() error { return r.Err }

type refreshRequest struct {
	GrantType    string `json:"grant_type"`
	RefreshToken string `json:"refresh_token"`
	ClientID     string `json:"client_id"`
}

type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    int64  `json:"expires_in"`
	Scope        string `json:"scope"`
}

// Refresh exchanges refreshToken for a new token set.
func (client *Client) Refresh(ctx context.Context, refreshToken string) RefreshResult {
	ctx, cancel := context.WithTimeout(ctx, client.timeout)
	defer cancel()

	encoded, err := json.Marshal(refreshRequest{
		GrantType:    "refresh_token",
		RefreshToken: refreshToken,
		ClientID:     client.clientID,
	})
	if err != nil {
		return RefreshTransient{Err: fmt.Errorf("oauth: encoding refresh request: %w", err)}
	}

	request, err := http.NewRequestWithContext(ctx, http.MethodPost, client.tokenURL, bytes.NewReader(encoded))
	if err != nil {
		return RefreshTransient{Err: fmt.Errorf("oauth: creating refresh request: %w", err)}
	}
	request.Header.Set("Content-Type", "application/json")
	request.Header.Set("Accept", "application/json")
	request.Header.Set("anthropic-beta", betaHeader)

	response, err := client.httpClient.Do(request)
	if err != nil {
		return RefreshTransient{Err: fmt.Errorf("oauth: refresh request: %w", err)}
	}
	defer response.Body.Close()

	body, err := netutil.ReadResponse(response.Body)
	if err != nil {
		return RefreshTransient{Err: fmt.Errorf("oauth: reading refresh response: %w", err)}
	}

	if response.StatusCode < 200 || response.StatusCode >= 300 {
		apiError := &APIError{Endpoint: "token", StatusCode: response.StatusCode, Code: errorCode(body)}
		if isInvalidGrant(apiError) {
			return RefreshInvalidGrant{Detail: apiError.Error()}
		}
		return RefreshTransient{Err: apiError}
	}

	var tokens tokenResponse
	if err := decodeJSON(body, &tokens); err != nil {
		return RefreshTransient{Err: fmt.Errorf("oauth: decoding refresh response: %w", err)}
	}
	if tokens.AccessToken == "" || tokens.ExpiresIn <= 0 {
		return RefreshTransient{Err: errors.New("oauth: refresh response missing access_token or expires_in")}
	}

	result := rotation.Tokens{
		AccessToken:  tokens.AccessToken,
		RefreshToken: tokens.RefreshToken,
		ExpiresAt:    client.clock.Now().Add(time.Duration(tokens.ExpiresIn) * time.Second),
	}
	if tokens.Scope != "" {
		result.Scopes = strings.Fields(tokens.Scope)
	}
	return RefreshSuccess{Tokens: result}
}

// isInvalidGrant reports whether a token endpoint error is a permanent
// rejection of the refresh token. Only 400 and 401 with the
// invalid_grant code qualify; everything else is retried.
func isInvalidGrant(err *APIError) bool {
	if err.StatusCode != http.StatusBadRequest && err.StatusCode != http.StatusUnauthorized {
		return false
	}
	return err.Code == "invalid_grant"
}
