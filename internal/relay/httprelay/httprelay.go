// Package httprelay implements a Relay that posts messages to the mail-relay
// HTTP API as a single multipart form.
package httprelay

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/shineum/relaymail/internal/credential"
	"github.com/shineum/relaymail/internal/email"
	"github.com/shineum/relaymail/internal/relay"
)

// DefaultPath is the submission endpoint relative to the API base URL.
const DefaultPath = "/api/send-email"

const httpTimeout = 5 * time.Minute

// Config holds the configuration for creating a Relay.
type Config struct {
	BaseURL     string
	Path        string
	AuthHeader  string
	Credentials credential.Source
	HTTPClient  *http.Client
}

// Relay submits messages to the relay API.
type Relay struct {
	rest        *resty.Client
	path        string
	authHeader  string
	credentials credential.Source
}

// New creates an HTTP Relay.
func New(cfg Config) *Relay {
	hc := cfg.HTTPClient
	if hc == nil {
		hc = &http.Client{Timeout: httpTimeout}
	}
	path := cfg.Path
	if path == "" {
		path = DefaultPath
	}
	header := cfg.AuthHeader
	if header == "" {
		header = credential.DefaultHeader
	}

	return &Relay{
		rest:        resty.NewWithClient(hc).SetBaseURL(strings.TrimRight(cfg.BaseURL, "/")),
		path:        path,
		authHeader:  header,
		credentials: cfg.Credentials,
	}
}

type sendResponse struct {
	Success   bool   `json:"success"`
	Error     string `json:"error,omitempty"`
	MessageID string `json:"messageId,omitempty"`
}

// Submit posts msg as one multipart request. Inline attachments travel as
// "files" parts; hosted ones are listed in the "driveLinks" JSON field.
func (r *Relay) Submit(ctx context.Context, msg *email.Message) (*relay.Receipt, error) {
	links := msg.Links
	if links == nil {
		links = []email.DriveLink{}
	}
	linksJSON, err := json.Marshal(links)
	if err != nil {
		return nil, fmt.Errorf("failed to encode drive links: %w", err)
	}

	req := r.rest.R().
		SetContext(ctx).
		SetMultipartFormData(map[string]string{
			"from":       msg.From,
			"to":         strings.Join(msg.To, ","),
			"subject":    msg.Subject,
			"message":    msg.Body,
			"driveLinks": string(linksJSON),
		})

	cred, err := credential.Resolve(ctx, r.credentials)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve credential: %w", err)
	}
	if token, ok := cred.Token(); ok {
		req.SetHeader(r.authHeader, credential.HeaderValue(r.authHeader, token))
	}

	var closers []io.Closer
	defer func() {
		for _, c := range closers {
			c.Close()
		}
	}()
	for _, att := range msg.Inline {
		if att.Source == nil {
			return nil, fmt.Errorf("attachment %q has no content source", att.Name)
		}
		rc, err := att.Source.Open()
		if err != nil {
			return nil, fmt.Errorf("failed to open attachment %q: %w", att.Name, err)
		}
		closers = append(closers, rc)
		contentType := att.MIMEType
		if contentType == "" {
			contentType = "application/octet-stream"
		}
		req.SetMultipartField("files", att.Name, contentType, rc)
	}

	slog.Debug("submitting message",
		"to", len(msg.To),
		"inline", len(msg.Inline),
		"links", len(msg.Links),
	)

	var out sendResponse
	resp, err := req.
		SetResult(&out).
		SetError(&out).
		Post(r.path)
	if err != nil {
		return nil, fmt.Errorf("relay request failed: %w", err)
	}

	if resp.IsError() {
		if out.Error != "" {
			return nil, &relay.RejectedError{Message: out.Error}
		}
		return nil, fmt.Errorf("relay returned status %d", resp.StatusCode())
	}
	if !out.Success {
		if out.Error != "" {
			return nil, &relay.RejectedError{Message: out.Error}
		}
		return nil, fmt.Errorf("relay did not confirm the submission")
	}

	return &relay.Receipt{Relay: r.Name(), MessageID: out.MessageID}, nil
}

// Name returns the relay name.
func (r *Relay) Name() string {
	return "http"
}
