// Package credential supplies the bearer token attached to authenticated
// requests against the mail-relay API.
package credential

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strings"

	"github.com/zalando/go-keyring"
)

// DefaultHeader is the header the relay API reads the token from.
const DefaultHeader = "x-auth-token"

// KeyringService is the keyring service name tokens are stored under.
const KeyringService = "relaymail"

// Credential is a token that is either present or absent.
type Credential struct {
	token string
}

// Present wraps a token. An empty token yields an absent credential.
func Present(token string) Credential {
	return Credential{token: strings.TrimSpace(token)}
}

// Token returns the token and whether it is present.
func (c Credential) Token() (string, bool) {
	return c.token, c.token != ""
}

// Present reports whether a token is available.
func (c Credential) Present() bool {
	return c.token != ""
}

// Source supplies credentials on demand.
type Source interface {
	Credential(ctx context.Context) (Credential, error)
}

// Resolve asks src for a credential, treating a nil source as absent.
func Resolve(ctx context.Context, src Source) (Credential, error) {
	if src == nil {
		return Credential{}, nil
	}
	return src.Credential(ctx)
}

// HeaderValue renders token for the given header name. The Authorization
// header gets the Bearer scheme, any other header carries the raw token.
func HeaderValue(header, token string) string {
	if strings.EqualFold(header, "Authorization") {
		return "Bearer " + token
	}
	return token
}

// Apply sets the credential header on h when the credential is present.
func Apply(h http.Header, header string, c Credential) {
	token, ok := c.Token()
	if !ok {
		return
	}
	if header == "" {
		header = DefaultHeader
	}
	h.Set(header, HeaderValue(header, token))
}

// Static is a fixed token.
type Static string

// Credential returns the fixed token.
func (s Static) Credential(context.Context) (Credential, error) {
	return Present(string(s)), nil
}

// Env reads the token from the named environment variable on every call.
type Env string

// Credential returns the variable's current value.
func (e Env) Credential(context.Context) (Credential, error) {
	return Present(os.Getenv(string(e))), nil
}

// Keyring reads the token from the operating system keyring.
type Keyring struct {
	Service string
	User    string
}

// Credential returns the stored token. Nothing stored for the user, or no
// usable keyring backend, yields an absent credential.
func (k Keyring) Credential(context.Context) (Credential, error) {
	token, err := keyring.Get(k.service(), k.User)
	if err != nil {
		if !errors.Is(err, keyring.ErrNotFound) {
			slog.Debug("keyring unavailable, no stored token", "user", k.User, "error", err)
		}
		return Credential{}, nil
	}
	return Present(token), nil
}

// Store saves token in the keyring.
func (k Keyring) Store(token string) error {
	if err := keyring.Set(k.service(), k.User, token); err != nil {
		return fmt.Errorf("failed to store token in keyring: %w", err)
	}
	return nil
}

// Delete removes the stored token. Deleting a missing token is not an error.
func (k Keyring) Delete() error {
	err := keyring.Delete(k.service(), k.User)
	if err != nil && !errors.Is(err, keyring.ErrNotFound) {
		return fmt.Errorf("failed to delete token from keyring: %w", err)
	}
	return nil
}

func (k Keyring) service() string {
	if k.Service == "" {
		return KeyringService
	}
	return k.Service
}

// Chain returns the first present credential of its sources.
type Chain []Source

// Credential walks the chain in order.
func (c Chain) Credential(ctx context.Context) (Credential, error) {
	for _, src := range c {
		cred, err := src.Credential(ctx)
		if err != nil {
			return Credential{}, err
		}
		if cred.Present() {
			return cred, nil
		}
	}
	return Credential{}, nil
}
