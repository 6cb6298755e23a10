package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// AuthClient wraps the two authentication endpoints (spec §6). It is
// deliberately separate from RESTClient's rate-limited queue: login and
// validate are invoked by the Token Manager, not the Enforcement
// Executor, and must not wait behind enforcement traffic.
type AuthClient struct {
	baseURL    string
	httpClient *http.Client
}

// NewAuthClient constructs an auth client against the gateway base URL.
func NewAuthClient(baseURL string) *AuthClient {
	return &AuthClient{baseURL: baseURL, httpClient: &http.Client{Timeout: 10 * time.Second}}
}

type loginResponse struct {
	Token        string `json:"token"`
	Success      bool   `json:"success"`
	ErrorCode    int    `json:"errorCode"`
	ErrorMessage string `json:"errorMessage"`
}

// LoginKey implements POST /api/Auth/loginKey.
func (c *AuthClient) LoginKey(ctx context.Context, username, apiKey string) (string, error) {
	var resp loginResponse
	status, err := c.post(ctx, "/api/Auth/loginKey", map[string]string{"userName": username, "apiKey": apiKey}, "", &resp)
	if err != nil {
		return "", err
	}
	if !resp.Success {
		return "", fmt.Errorf("login failed (status %d): %s", status, resp.ErrorMessage)
	}
	return resp.Token, nil
}

type validateResponse struct {
	NewToken string `json:"newToken"`
	Success  bool   `json:"success"`
}

// Validate implements POST /api/Auth/validate; returns ok=false if the
// gateway requires a fresh login rather than a refresh.
func (c *AuthClient) Validate(ctx context.Context, currentToken string) (newToken string, ok bool, err error) {
	var resp validateResponse
	_, err = c.post(ctx, "/api/Auth/validate", nil, currentToken, &resp)
	if err != nil {
		return "", false, err
	}
	if !resp.Success {
		return "", false, nil
	}
	return resp.NewToken, true, nil
}

func (c *AuthClient) post(ctx context.Context, path string, body interface{}, bearer string, out interface{}) (int, error) {
	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return 0, fmt.Errorf("marshal auth request: %w", err)
		}
		reader = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, reader)
	if err != nil {
		return 0, fmt.Errorf("build auth request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, fmt.Errorf("auth request failed: %w", err)
	}
	defer resp.Body.Close()

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return resp.StatusCode, fmt.Errorf("decode auth response: %w", err)
	}
	return resp.StatusCode, nil
}
