// Package composio is the client for the upstream OAuth broker. The broker
// holds the real third-party credentials; the control plane only ever pulls
// short-lived access tokens from it.
package composio

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/skillfulagents/workstation/internal/common/logger"
)

// Credentials supplies the current API key and user id. Settings can change
// at runtime, so the client reads them per request.
type Credentials func() (apiKey, userID string)

// Client talks to the broker's REST API.
type Client struct {
	baseURL string
	creds   Credentials
	http    *http.Client
	logger  *logger.Logger
}

// NewClient creates a broker client.
func NewClient(baseURL string, creds Credentials, log *logger.Logger) *Client {
	return &Client{
		baseURL: baseURL,
		creds:   creds,
		http:    &http.Client{Timeout: 30 * time.Second},
		logger:  log.WithFields(zap.String("component", "composio")),
	}
}

// Token is an upstream access token with its expiry.
type Token struct {
	AccessToken string
	ExpiresAt   time.Time
}

// FetchToken retrieves the current access token for a connected account.
func (c *Client) FetchToken(ctx context.Context, connectionID string) (*Token, error) {
	var resp struct {
		Data struct {
			AccessToken string `json:"access_token"`
			ExpiresAt   string `json:"expires_at"`
		} `json:"data"`
	}
	path := fmt.Sprintf("/api/v3/connected_accounts/%s/credentials", connectionID)
	if err := c.do(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return nil, err
	}
	if resp.Data.AccessToken == "" {
		return nil, fmt.Errorf("broker returned no access token for connection %s", connectionID)
	}

	token := &Token{AccessToken: resp.Data.AccessToken}
	if resp.Data.ExpiresAt != "" {
		if t, err := time.Parse(time.RFC3339, resp.Data.ExpiresAt); err == nil {
			token.ExpiresAt = t
		}
	}
	if token.ExpiresAt.IsZero() {
		// Brokers for non-expiring credentials omit expiry; cache briefly.
		token.ExpiresAt = time.Now().Add(5 * time.Minute)
	}
	return token, nil
}

// Connection describes an initiated or established broker connection.
type Connection struct {
	ID          string `json:"id"`
	Status      string `json:"status"`
	RedirectURL string `json:"redirect_url,omitempty"`
	DisplayName string `json:"display_name,omitempty"`
}

// InitiateConnection begins the OAuth flow for a toolkit and returns the URL
// the user must visit.
func (c *Client) InitiateConnection(ctx context.Context, toolkitSlug, callbackURL string) (*Connection, error) {
	_, userID := c.creds()
	body := map[string]interface{}{
		"toolkit_slug": toolkitSlug,
		"user_id":      userID,
		"callback_url": callbackURL,
	}
	var resp struct {
		Data Connection `json:"data"`
	}
	if err := c.do(ctx, http.MethodPost, "/api/v3/connected_accounts/initiate", body, &resp); err != nil {
		return nil, err
	}
	return &resp.Data, nil
}

// GetConnection fetches a connection's current state, used to complete a flow.
func (c *Client) GetConnection(ctx context.Context, connectionID string) (*Connection, error) {
	var resp struct {
		Data Connection `json:"data"`
	}
	path := fmt.Sprintf("/api/v3/connected_accounts/%s", connectionID)
	if err := c.do(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return nil, err
	}
	return &resp.Data, nil
}

func (c *Client) do(ctx context.Context, method, path string, body, out interface{}) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	apiKey, _ := c.creds()
	req.Header.Set("x-api-key", apiKey)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("broker request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("broker returned %d: %s", resp.StatusCode, bytes.TrimSpace(data))
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("failed to decode broker response: %w", err)
		}
	}
	return nil
}
