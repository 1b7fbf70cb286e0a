package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/shineum/relaymail/internal/attachment"
	"github.com/shineum/relaymail/internal/config"
	"github.com/shineum/relaymail/internal/credential"
	"github.com/shineum/relaymail/internal/directory"
	"github.com/shineum/relaymail/internal/relay"
	"github.com/shineum/relaymail/internal/relay/graph"
	"github.com/shineum/relaymail/internal/relay/httprelay"
	"github.com/shineum/relaymail/internal/relay/ses"
	"github.com/shineum/relaymail/internal/relay/smtp"
	"github.com/shineum/relaymail/internal/relay/stdout"
	relaytls "github.com/shineum/relaymail/internal/tls"
)

const defaultKeyringUser = "default"

// clients bundles the HTTP plumbing shared by every API component.
type clients struct {
	api         *http.Client
	uploads     *http.Client
	credentials credential.Source
}

func newClients(c *config.Config) (*clients, error) {
	api, err := relaytls.NewHTTPClient(c.API.CAFile, c.API.InsecureSkipVerify, c.API.Timeout)
	if err != nil {
		return nil, fmt.Errorf("failed to create API client: %w", err)
	}
	// Uploads are bounded by the command context instead of a client timeout.
	uploads, err := relaytls.NewHTTPClient(c.API.CAFile, c.API.InsecureSkipVerify, 0)
	if err != nil {
		return nil, fmt.Errorf("failed to create upload client: %w", err)
	}

	return &clients{
		api:         api,
		uploads:     uploads,
		credentials: credentialSource(c, api),
	}, nil
}

// credentialSource chains the configured token sources: static token,
// client credentials, keyring.
func credentialSource(c *config.Config, hc *http.Client) credential.Chain {
	var chain credential.Chain
	if c.Credential.Token != "" {
		chain = append(chain, credential.Static(c.Credential.Token))
	}
	if c.ClientCredentialsConfigured() {
		chain = append(chain, credential.NewClientCredentials(
			c.Credential.TokenURL,
			c.Credential.ClientID,
			c.Credential.ClientSecret,
			c.Credential.Scopes,
			hc,
		))
	}
	return append(chain, keyringFor(c))
}

func keyringFor(c *config.Config) credential.Keyring {
	user := c.Credential.KeyringUser
	if user == "" {
		user = defaultKeyringUser
	}
	return credential.Keyring{User: user}
}

func newDirectory(c *config.Config, cl *clients) *directory.Client {
	return directory.NewClient(directory.ClientConfig{
		BaseURL:     c.API.URL,
		AuthHeader:  c.API.AuthHeader,
		Credentials: cl.credentials,
		HTTPClient:  cl.api,
	})
}

func limitsFor(c *config.Config) attachment.Limits {
	limits := attachment.DefaultLimits()
	if c.Limits.MaxFiles > 0 {
		limits.MaxFiles = c.Limits.MaxFiles
	}
	if c.Limits.MaxFileSize > 0 {
		limits.MaxFileSize = c.Limits.MaxFileSize
	}
	if len(c.Limits.AllowedMIMETypes) > 0 {
		limits.AllowedTypes = c.Limits.AllowedMIMETypes
	}
	return limits
}

// selectRelay chooses the submission backend based on configuration.
func selectRelay(ctx context.Context, c *config.Config, cl *clients) (relay.Relay, error) {
	switch c.Relay.Backend {
	case "ses":
		slog.Info("using AWS SES relay",
			"region", c.SES.Region,
			"sender", c.SES.Sender,
		)
		r, err := ses.New(ctx, ses.Config{
			Region:          c.SES.Region,
			AccessKeyID:     c.SES.AccessKeyID,
			SecretAccessKey: c.SES.SecretAccessKey,
			Sender:          c.SES.Sender,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create SES relay: %w", err)
		}
		return r, nil

	case "smtp":
		slog.Info("using SMTP relay",
			"host", c.SMTP.Host,
			"port", c.SMTP.Port,
		)
		return smtp.New(smtp.Config{
			Host:               c.SMTP.Host,
			Port:               c.SMTP.Port,
			Username:           c.SMTP.Username,
			Password:           c.SMTP.Password,
			InsecureSkipVerify: c.SMTP.InsecureSkipVerify,
		}), nil

	case "graph":
		slog.Info("using Microsoft Graph relay", "sender", c.Graph.Sender)
		return graph.New(graph.Config{
			TenantID:     c.Graph.TenantID,
			ClientID:     c.Graph.ClientID,
			ClientSecret: c.Graph.ClientSecret,
			Sender:       c.Graph.Sender,
			HTTPClient:   cl.api,
		}), nil

	case "stdout":
		slog.Info("using stdout relay (messages will be printed)")
		return stdout.New(), nil

	case "http", "":
		slog.Info("using relay API", "url", c.API.URL)
		return httprelay.New(httprelay.Config{
			BaseURL:     c.API.URL,
			AuthHeader:  c.API.AuthHeader,
			Credentials: cl.credentials,
			HTTPClient:  cl.uploads,
		}), nil

	default:
		return nil, fmt.Errorf("unknown relay backend %q", c.Relay.Backend)
	}
}
