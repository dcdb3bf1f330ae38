package remnawave

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"regionvpn-bot/internal/apperr"
)

type Client struct {
	BaseURL    string
	APIKey     string
	HTTPClient *http.Client
}

func NewClient(baseURL, apiKey string) *Client {
	return &Client{
		BaseURL: strings.TrimRight(baseURL, "/"),
		APIKey:  apiKey,
		HTTPClient: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

func (c *Client) doRequest(ctx context.Context, method, endpoint string, body any) ([]byte, error) {
	var bodyReader io.Reader
	if body != nil {
		jsonBody, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request body: %w", err)
		}
		bodyReader = bytes.NewReader(jsonBody)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+endpoint, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", fmt.Sprintf("Bearer %s", c.APIKey))

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("remnawave request failed: %w", apperr.FromTransport(err))
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", apperr.Wrap(apperr.ErrTransient, err))
	}

	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("remnawave %s %s: %w", method, endpoint, apperr.FromHTTPStatus(resp.StatusCode, respBody))
	}

	return respBody, nil
}

func (c *Client) CreateUser(ctx context.Context, reqBody CreateUserRequest) (*UserResponse, error) {
	resp, err := c.doRequest(ctx, http.MethodPost, "/api/users", reqBody)
	if err != nil {
		return nil, err
	}

	var wrapped APIResponse
	if err := json.Unmarshal(resp, &wrapped); err != nil {
		return nil, fmt.Errorf("failed to unmarshal response: %w", err)
	}
	if wrapped.Response.UUID == "" {
		return nil, fmt.Errorf("remnawave returned a user without uuid: %w", apperr.ErrRejected)
	}

	return &wrapped.Response, nil
}

func (c *Client) DeleteUser(ctx context.Context, uuid string) error {
	_, err := c.doRequest(ctx, http.MethodDelete, "/api/users/"+url.PathEscape(uuid), nil)
	return err
}
