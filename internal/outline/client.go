// Package outline talks to the Outline server management API. Each grant is
// one access key.
package outline

import (
	"bytes"
	"context"
	"crypto/sha256"
	"crypto/tls"
	"crypto/x509"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"regionvpn-bot/internal/apperr"
	"regionvpn-bot/internal/region"
)

type AccessKey struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Password  string `json:"password"`
	Port      int    `json:"port"`
	Method    string `json:"method"`
	AccessURL string `json:"accessUrl"`
}

type Client struct {
	// APIURL includes the secret path prefix printed by the Outline installer.
	APIURL     string
	HTTPClient *http.Client
}

// NewClient builds a client for apiURL. When certSHA256 is set the server
// certificate is pinned to that fingerprint instead of being verified
// against system roots, since Outline servers use self-signed certificates.
func NewClient(apiURL, certSHA256 string) *Client {
	transport := http.DefaultTransport.(*http.Transport).Clone()
	if certSHA256 != "" {
		transport.TLSClientConfig = &tls.Config{
			InsecureSkipVerify:    true,
			VerifyPeerCertificate: pinnedCertificate(certSHA256),
		}
	}
	return &Client{
		APIURL: strings.TrimRight(apiURL, "/"),
		HTTPClient: &http.Client{
			Timeout:   10 * time.Second,
			Transport: transport,
		},
	}
}

func pinnedCertificate(fingerprint string) func([][]byte, [][]*x509.Certificate) error {
	want := strings.ToLower(strings.ReplaceAll(fingerprint, ":", ""))
	return func(rawCerts [][]byte, _ [][]*x509.Certificate) error {
		if len(rawCerts) == 0 {
			return errors.New("outline: no server certificate")
		}
		sum := sha256.Sum256(rawCerts[0])
		if hex.EncodeToString(sum[:]) != want {
			return errors.New("outline: server certificate fingerprint mismatch")
		}
		return nil
	}
}

func (c *Client) CreateAccessKey(ctx context.Context, name string) (*AccessKey, error) {
	var key AccessKey
	if err := c.do(ctx, http.MethodPost, "/access-keys", map[string]string{"name": name}, &key); err != nil {
		return nil, err
	}
	if key.ID == "" || key.AccessURL == "" {
		return nil, fmt.Errorf("outline returned an incomplete access key: %w", apperr.ErrRejected)
	}
	return &key, nil
}

func (c *Client) DeleteAccessKey(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, "/access-keys/"+url.PathEscape(id), nil, nil)
}

func (c *Client) do(ctx context.Context, method, endpoint string, body, out any) error {
	var bodyReader io.Reader
	if body != nil {
		jsonBody, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request body: %w", err)
		}
		bodyReader = bytes.NewReader(jsonBody)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.APIURL+endpoint, bodyReader)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("outline request failed: %w", apperr.FromTransport(err))
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response body: %w", apperr.Wrap(apperr.ErrTransient, err))
	}
	if resp.StatusCode >= 400 {
		return fmt.Errorf("outline %s %s: %w", method, endpoint, apperr.FromHTTPStatus(resp.StatusCode, respBody))
	}
	if out == nil || len(respBody) == 0 {
		return nil
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("failed to unmarshal response: %w", err)
	}
	return nil
}

// Backend adapts Client to region.Backend.
type Backend struct {
	client *Client
}

func NewBackend(client *Client) *Backend {
	return &Backend{client: client}
}

func (b *Backend) Issue(ctx context.Context, req region.IssueRequest) (region.Credential, error) {
	key, err := b.client.CreateAccessKey(ctx, req.Label())
	if err != nil {
		return region.Credential{}, err
	}
	return region.Credential{ID: key.ID, Access: key.AccessURL}, nil
}

func (b *Backend) Revoke(ctx context.Context, credentialID string) error {
	err := b.client.DeleteAccessKey(ctx, credentialID)
	if errors.Is(err, apperr.ErrNotFound) {
		return nil
	}
	return err
}
