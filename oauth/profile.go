// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package oauth

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/bureau-foundation/rotor/rotation"
)

// Profile is the account behind an access token.
type Profile struct {
	Email            string
	UUID             string
	OrganizationType string
}

type profileResponse struct {
	Account struct {
		UUID         string `json:"uuid"`
		EmailAddress string `json:"email_address"`
	} `json:"account"`
	Organization struct {
		OrganizationType string `json:"organization_type"`
	} `json:"organization"`
}

// FetchProfile looks up the account for accessToken. The account UUID
// must parse as a UUID; it is returned in canonical lowercase form.
func (client *Client) FetchProfile(ctx context.Context, accessToken string) (Profile, error) {
	var response profileResponse
	if err := client.getJSON(ctx, client.profileURL, "profile", accessToken, &response); err != nil {
		return Profile{}, err
	}

	parsed, err := uuid.Parse(response.Account.UUID)
	if err != nil {
		return Profile{}, fmt.Errorf("oauth: profile returned malformed account uuid: %w", err)
	}
	email := strings.TrimSpace(response.Account.EmailAddress)
	if email == "" {
		return Profile{}, fmt.Errorf("oauth: profile returned no email address")
	}
	return Profile{
		Email:            email,
		UUID:             parsed.String(),
		OrganizationType: response.Organization.OrganizationType,
	}, nil
}

// ResolveIdentity implements rotation.IdentityResolver.
func (client *Client) ResolveIdentity(ctx context.Context, accessToken string) (rotation.Identity, error) {
	profile, err := client.FetchProfile(ctx, accessToken)
	if err != nil {
		return rotation.Identity{}, err
	}
	return rotation.Identity{
		Email:            profile.Email,
		UUID:             profile.UUID,
		SubscriptionType: subscriptionFor(profile.OrganizationType),
	}, nil
}

// subscriptionFor maps the profile's organization type to the host's
// subscriptionType vocabulary.
func subscriptionFor(organizationType string) string {
	switch organizationType {
	case "claude_max":
		return "max"
	case "claude_pro":
		return "pro"
	case "claude_team":
		return "team"
	case "claude_enterprise":
		return "enterprise"
	}
	return ""
}
