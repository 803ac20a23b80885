package token

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"

	json "github.com/goccy/go-json"
)

type refreshResponse struct {
	Token       string `json:"token"`
	AccessToken string `json:"access_token"`
}

// HTTPRefresher returns a RefreshFunc that POSTs to url and reads the new
// token from a {"token": "..."} or {"access_token": "..."} body. The
// Authorization header is taken from authorization, typically
// Manager.Authorization, and omitted when it returns "". A nil client uses
// http.DefaultClient.
func HTTPRefresher(url string, client *http.Client, authorization func() string) RefreshFunc {
	if client == nil {
		client = http.DefaultClient
	}
	return func(ctx context.Context) (string, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader([]byte("{}")))
		if err != nil {
			return "", err
		}
		req.Header.Set("Content-Type", "application/json")
		if authorization != nil {
			if auth := authorization(); auth != "" {
				req.Header.Set("Authorization", auth)
			}
		}

		resp, err := client.Do(req)
		if err != nil {
			return "", err
		}
		defer resp.Body.Close()

		body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		if err != nil {
			return "", err
		}
		if resp.StatusCode != http.StatusOK {
			return "", fmt.Errorf("refresh endpoint returned %s", resp.Status)
		}

		var out refreshResponse
		if err := json.Unmarshal(body, &out); err != nil {
			return "", fmt.Errorf("decode refresh response: %w", err)
		}
		if out.Token != "" {
			return out.Token, nil
		}
		return out.AccessToken, nil
	}
}
