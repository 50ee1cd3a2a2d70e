package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// destinationDepth reads the committed depth of a destination from an admin API.
func destinationDepth(ctx context.Context, client *http.Client, admin, destination string) (int64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		fmt.Sprintf("%s/destinations/%s?limit=1", admin, destination), nil)
	if err != nil {
		return 0, err
	}
	resp, err := client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return 0, &statusError{code: resp.StatusCode, msg: readError(resp.Body)}
	}

	var out struct {
		Data struct {
			Depth int64 `json:"depth"`
		} `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return 0, fmt.Errorf("decoding browse response: %w", err)
	}
	return out.Data.Depth, nil
}

// waitForDepth polls until the destination holds at least expect messages. It
// fails when the depth overshoots, which means a message was delivered twice.
func waitForDepth(ctx context.Context, client *http.Client, admin, destination string, expect int64, timeout time.Duration) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	var depth int64
	for {
		d, err := destinationDepth(ctx, client, admin, destination)
		if err == nil {
			depth = d
			if depth > expect {
				return depth, fmt.Errorf("destination %s holds %d messages, expected %d", destination, depth, expect)
			}
			if depth == expect {
				return depth, nil
			}
		}

		select {
		case <-ctx.Done():
			return depth, fmt.Errorf("timed out with %d of %d messages in %s", depth, expect, destination)
		case <-ticker.C:
		}
	}
}
