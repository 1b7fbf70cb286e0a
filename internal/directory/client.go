// Package directory talks to the server-side address book of previously
// used recipients and turns typed queries into suggestions.
package directory

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/go-resty/resty/v2"

	"github.com/shineum/relaymail/internal/credential"
	"github.com/shineum/relaymail/internal/email"
)

// MinQueryLength is the shortest query sent to the directory.
const MinQueryLength = 2

const (
	searchPath  = "/api/recipients/search"
	updatePath  = "/api/recipients/update"
	deletePath  = "/api/recipients/delete"
	prefixPath  = "/api/allowed-emails"
	httpTimeout = 30 * time.Second
)

// ClientConfig holds the configuration for creating a Client.
type ClientConfig struct {
	BaseURL     string
	AuthHeader  string
	Credentials credential.Source
	HTTPClient  *http.Client
}

// Client calls the recipient directory endpoints. Every call needs a
// credential; without one it does nothing.
type Client struct {
	rest        *resty.Client
	authHeader  string
	credentials credential.Source
}

// NewClient creates a directory Client.
func NewClient(cfg ClientConfig) *Client {
	hc := cfg.HTTPClient
	if hc == nil {
		hc = &http.Client{Timeout: httpTimeout}
	}
	header := cfg.AuthHeader
	if header == "" {
		header = credential.DefaultHeader
	}

	return &Client{
		rest:        resty.NewWithClient(hc).SetBaseURL(strings.TrimRight(cfg.BaseURL, "/")),
		authHeader:  header,
		credentials: cfg.Credentials,
	}
}

type searchResponse struct {
	Recipients []email.Recipient `json:"recipients"`
}

type apiError struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

type ackResponse struct {
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

// Search returns directory entries matching query. Queries shorter than
// MinQueryLength return nothing without a request.
func (c *Client) Search(ctx context.Context, query string) ([]email.Recipient, error) {
	if utf8.RuneCountInString(query) < MinQueryLength {
		return nil, nil
	}
	req, ok, err := c.request(ctx)
	if err != nil || !ok {
		return nil, err
	}

	var out searchResponse
	resp, err := req.
		SetQueryParam("query", query).
		SetResult(&out).
		SetError(&apiError{}).
		Get(searchPath)
	if err != nil {
		return nil, fmt.Errorf("recipient search failed: %w", err)
	}
	if resp.IsError() {
		return nil, responseError("recipient search", resp)
	}
	return out.Recipients, nil
}

// Rename changes the display name stored for addr.
func (c *Client) Rename(ctx context.Context, addr, name string) error {
	req, ok, err := c.request(ctx)
	if err != nil || !ok {
		return err
	}

	resp, err := req.
		SetBody(email.Recipient{Email: addr, Name: name}).
		SetError(&apiError{}).
		Post(updatePath)
	if err != nil {
		return fmt.Errorf("recipient update failed: %w", err)
	}
	if resp.IsError() {
		return responseError("recipient update", resp)
	}
	return nil
}

// Delete removes addr from the directory. It affects future searches only.
func (c *Client) Delete(ctx context.Context, addr string) error {
	req, ok, err := c.request(ctx)
	if err != nil || !ok {
		return err
	}

	var out ackResponse
	resp, err := req.
		SetBody(map[string]string{"email": addr}).
		SetResult(&out).
		SetError(&apiError{}).
		Post(deletePath)
	if err != nil {
		return fmt.Errorf("recipient delete failed: %w", err)
	}
	if resp.IsError() {
		return responseError("recipient delete", resp)
	}
	if !out.Success {
		if out.Error != "" {
			return fmt.Errorf("recipient delete rejected: %s", out.Error)
		}
		return fmt.Errorf("recipient delete rejected")
	}
	return nil
}

// AllowedPrefixes returns the sender prefixes the user may send from.
func (c *Client) AllowedPrefixes(ctx context.Context) ([]string, error) {
	req, ok, err := c.request(ctx)
	if err != nil || !ok {
		return nil, err
	}

	var out []string
	resp, err := req.
		SetResult(&out).
		SetError(&apiError{}).
		Get(prefixPath)
	if err != nil {
		return nil, fmt.Errorf("allowed prefixes request failed: %w", err)
	}
	if resp.IsError() {
		return nil, responseError("allowed prefixes", resp)
	}
	return out, nil
}

// request prepares an authenticated request. ok is false when no credential
// is available, in which case the caller silently does nothing.
func (c *Client) request(ctx context.Context) (*resty.Request, bool, error) {
	cred, err := credential.Resolve(ctx, c.credentials)
	if err != nil {
		return nil, false, fmt.Errorf("failed to resolve credential: %w", err)
	}
	token, ok := cred.Token()
	if !ok {
		slog.Debug("no credential, skipping directory request")
		return nil, false, nil
	}
	return c.rest.R().
		SetContext(ctx).
		SetHeader(c.authHeader, credential.HeaderValue(c.authHeader, token)), true, nil
}

func responseError(op string, resp *resty.Response) error {
	if e, ok := resp.Error().(*apiError); ok && e != nil {
		if e.Error != "" {
			return fmt.Errorf("%s returned %d: %s", op, resp.StatusCode(), e.Error)
		}
		if e.Message != "" {
			return fmt.Errorf("%s returned %d: %s", op, resp.StatusCode(), e.Message)
		}
	}
	return fmt.Errorf("%s returned %d", op, resp.StatusCode())
}
