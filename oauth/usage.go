// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package oauth

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/bureau-foundation/rotor/rotation"
)

type usageWindow struct {
	Utilization *float64 `json:"utilization"`
}

type usageResponse struct {
	FiveHour *usageWindow `json:"five_hour"`
	SevenDay *usageWindow `json:"seven_day"`
}

// FetchUsage samples the quota usage of the account behind
// accessToken. A window the endpoint omits reads as 0%. The
// observation is stamped with the client's clock.
func (client *Client) FetchUsage(ctx context.Context, accessToken string) (rotation.Usage, error) {
	var response usageResponse
	if err := client.getJSON(ctx, client.usageURL, "usage", accessToken, &response); err != nil {
		return rotation.Usage{}, err
	}
	if response.FiveHour == nil && response.SevenDay == nil {
		return rotation.Usage{}, fmt.Errorf("oauth: usage response has neither five_hour nor seven_day")
	}
	return rotation.Usage{
		FiveHour:  utilization(response.FiveHour),
		SevenDay:  utilization(response.SevenDay),
		CheckedAt: rotation.MillisOf(client.clock.Now()),
	}, nil
}

func utilization(window *usageWindow) float64 {
	if window == nil || window.Utilization == nil {
		return 0
	}
	return *window.Utilization
}

func decodeJSON(data []byte, v any) error {
	return json.Unmarshal(data, v)
}
