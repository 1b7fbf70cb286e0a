package credential

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
)

// tokenExpiryBuffer is the time before actual expiry when we consider a token expired.
// This prevents using a token that is about to expire during a request.
const tokenExpiryBuffer = 5 * time.Minute

// ClientCredentials acquires tokens with the OAuth2 client credentials grant
// and caches them until shortly before they expire.
type ClientCredentials struct {
	mu          sync.Mutex
	config      clientcredentials.Config
	httpClient  *http.Client
	accessToken string
	expiresAt   time.Time
}

// NewClientCredentials creates a token source for the given client. httpClient
// may be nil to use http.DefaultClient.
func NewClientCredentials(tokenURL, clientID, clientSecret string, scopes []string, httpClient *http.Client) *ClientCredentials {
	return &ClientCredentials{
		config: clientcredentials.Config{
			ClientID:     clientID,
			ClientSecret: clientSecret,
			TokenURL:     tokenURL,
			Scopes:       scopes,
			AuthStyle:    oauth2.AuthStyleInParams,
		},
		httpClient: httpClient,
	}
}

// Credential returns a valid token, refreshing it if necessary.
// This method is safe for concurrent use.
func (c *ClientCredentials) Credential(ctx context.Context) (Credential, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.accessToken != "" && time.Now().Before(c.expiresAt) {
		return Present(c.accessToken), nil
	}

	return c.refresh(ctx)
}

// ForceRefresh discards the current token and acquires a new one.
// This is used when a 401 response indicates the token is invalid.
func (c *ClientCredentials) ForceRefresh(ctx context.Context) (Credential, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.accessToken = ""
	c.expiresAt = time.Time{}

	return c.refresh(ctx)
}

// refresh acquires a new token from the token endpoint.
// The caller must hold c.mu.
func (c *ClientCredentials) refresh(ctx context.Context) (Credential, error) {
	if c.httpClient != nil {
		ctx = context.WithValue(ctx, oauth2.HTTPClient, c.httpClient)
	}

	tok, err := c.config.Token(ctx)
	if err != nil {
		return Credential{}, fmt.Errorf("token request failed: %w", err)
	}
	if tok.AccessToken == "" {
		return Credential{}, fmt.Errorf("token response missing access_token")
	}

	c.accessToken = tok.AccessToken
	if tok.Expiry.IsZero() {
		c.expiresAt = time.Now().Add(time.Hour)
	} else {
		c.expiresAt = tok.Expiry.Add(-tokenExpiryBuffer)
	}

	return Present(c.accessToken), nil
}
