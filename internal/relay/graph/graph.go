// Package graph implements a Relay that sends messages via the Microsoft
// Graph sendMail API.
package graph

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/shineum/relaymail/internal/credential"
	"github.com/shineum/relaymail/internal/email"
	"github.com/shineum/relaymail/internal/relay"
)

const (
	graphBaseURL = "https://graph.microsoft.com/v1.0"
	graphScope   = "https://graph.microsoft.com/.default"
)

// maxRetries is the maximum number of retry attempts for transient failures.
const maxRetries = 3

// baseRetryDelay is the initial delay for exponential backoff.
const baseRetryDelay = 1 * time.Second

// Config holds the configuration for creating a Graph Relay.
type Config struct {
	TenantID     string
	ClientID     string
	ClientSecret string
	// Sender is the mailbox used when the message carries no From address.
	Sender     string
	HTTPClient *http.Client
}

// TokenSource supplies Graph access tokens. *credential.ClientCredentials
// satisfies it.
type TokenSource interface {
	Credential(ctx context.Context) (credential.Credential, error)
	ForceRefresh(ctx context.Context) (credential.Credential, error)
}

// Relay sends messages through Microsoft Graph.
type Relay struct {
	sender     string
	baseURL    string
	httpClient *http.Client
	tokens     TokenSource
	retryDelay time.Duration
}

// New creates a Graph Relay authenticating with the client credentials grant.
func New(cfg Config) *Relay {
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	tokenURL := fmt.Sprintf("https://login.microsoftonline.com/%s/oauth2/v2.0/token", url.PathEscape(cfg.TenantID))

	return &Relay{
		sender:     cfg.Sender,
		baseURL:    graphBaseURL,
		httpClient: client,
		tokens:     credential.NewClientCredentials(tokenURL, cfg.ClientID, cfg.ClientSecret, []string{graphScope}, client),
		retryDelay: baseRetryDelay,
	}
}

// NewWithTokens creates a Graph Relay against baseURL with a custom token
// source, used for testing.
func NewWithTokens(sender, baseURL string, tokens TokenSource, client *http.Client) *Relay {
	if client == nil {
		client = http.DefaultClient
	}
	return &Relay{
		sender:     sender,
		baseURL:    baseURL,
		httpClient: client,
		tokens:     tokens,
		retryDelay: baseRetryDelay,
	}
}

// Submit delivers msg via the sendMail endpoint of the sending mailbox.
// Transient failures are retried with exponential backoff, HTTP 429 honours
// Retry-After, and a 401 triggers one token refresh.
func (g *Relay) Submit(ctx context.Context, msg *email.Message) (*relay.Receipt, error) {
	mailbox := msg.From
	if mailbox == "" {
		mailbox = g.sender
	}
	reqBody, err := buildSendMailRequest(msg)
	if err != nil {
		return nil, err
	}
	bodyJSON, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request body: %w", err)
	}
	endpoint := fmt.Sprintf("%s/users/%s/sendMail", g.baseURL, url.PathEscape(mailbox))

	var lastErr error
	tokenRefreshed := false

	for attempt := 0; attempt <= maxRetries; attempt++ {
		if attempt > 0 {
			slog.Debug("retrying Graph API request",
				"attempt", attempt,
				"max_retries", maxRetries,
			)
		}

		err := g.doSendRequest(ctx, endpoint, bodyJSON)
		if err == nil {
			return &relay.Receipt{Relay: g.Name()}, nil
		}
		lastErr = err

		var graphErr *sendError
		if !errors.As(err, &graphErr) {
			return nil, err
		}

		switch {
		case graphErr.permanent:
			return nil, &relay.RejectedError{Message: graphErr.message}
		case graphErr.statusCode == http.StatusUnauthorized && !tokenRefreshed:
			slog.Info("refreshing Graph API token after 401")
			if _, refreshErr := g.tokens.ForceRefresh(ctx); refreshErr != nil {
				return nil, fmt.Errorf("token refresh failed: %w", refreshErr)
			}
			tokenRefreshed = true
			continue
		case graphErr.statusCode == http.StatusTooManyRequests:
			delay := g.retryAfterDelay(graphErr.retryAfter, attempt)
			slog.Info("rate limited by Graph API", "retry_after", delay)
			if err := sleepWithContext(ctx, delay); err != nil {
				return nil, fmt.Errorf("context cancelled during retry wait: %w", err)
			}
		case graphErr.transient:
			delay := g.backoffDelay(attempt)
			slog.Info("transient Graph API error, retrying",
				"status", graphErr.statusCode,
				"delay", delay,
			)
			if err := sleepWithContext(ctx, delay); err != nil {
				return nil, fmt.Errorf("context cancelled during retry wait: %w", err)
			}
		default:
			return nil, graphErr
		}
	}

	return nil, fmt.Errorf("Graph API request failed after %d retries: %w", maxRetries, lastErr)
}

// Name returns the relay name.
func (g *Relay) Name() string {
	return "msgraph"
}

func (g *Relay) doSendRequest(ctx context.Context, endpoint string, bodyJSON []byte) error {
	cred, err := g.tokens.Credential(ctx)
	if err != nil {
		return fmt.Errorf("failed to get access token: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(bodyJSON))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	credential.Apply(req.Header, "Authorization", cred)

	resp, err := g.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return &sendError{
			message:   fmt.Sprintf("HTTP request failed: %v", err),
			transient: true,
		}
	}
	defer resp.Body.Close()

	// sendMail answers 202 Accepted
	if resp.StatusCode == http.StatusAccepted || resp.StatusCode == http.StatusOK {
		return nil
	}

	body, _ := io.ReadAll(resp.Body)

	var errResp graphErrorResponse
	if jsonErr := json.Unmarshal(body, &errResp); jsonErr == nil && errResp.Error.Message != "" {
		return classifyError(resp.StatusCode, errResp.Error.Message, resp.Header.Get("Retry-After"))
	}
	return classifyError(resp.StatusCode, string(body), resp.Header.Get("Retry-After"))
}

// sendError is a classified Graph API error.
type sendError struct {
	message    string
	statusCode int
	permanent  bool
	transient  bool
	retryAfter string
}

func (e *sendError) Error() string {
	return fmt.Sprintf("Graph API error (HTTP %d): %s", e.statusCode, e.message)
}

// classifyError categorizes an HTTP error response for retry decisions.
func classifyError(statusCode int, message, retryAfter string) *sendError {
	err := &sendError{
		message:    message,
		statusCode: statusCode,
		retryAfter: retryAfter,
	}

	switch {
	case statusCode == http.StatusUnauthorized,
		statusCode == http.StatusTooManyRequests,
		statusCode >= 500:
		err.transient = true
	default:
		err.permanent = true
	}
	return err
}

// retryAfterDelay parses Retry-After seconds, falling back to exponential
// backoff.
func (g *Relay) retryAfterDelay(retryAfter string, attempt int) time.Duration {
	if seconds, err := strconv.Atoi(retryAfter); err == nil && seconds > 0 {
		return time.Duration(seconds) * time.Second
	}
	return g.backoffDelay(attempt)
}

func (g *Relay) backoffDelay(attempt int) time.Duration {
	return g.retryDelay << attempt
}

func sleepWithContext(ctx context.Context, d time.Duration) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d):
		return nil
	}
}

type sendMailRequest struct {
	Message sendMailMessage `json:"message"`
}

type sendMailMessage struct {
	Subject      string           `json:"subject"`
	Body         messageBody      `json:"body"`
	ToRecipients []recipient      `json:"toRecipients"`
	Attachments  []fileAttachment `json:"attachments,omitempty"`
}

type messageBody struct {
	ContentType string `json:"contentType"`
	Content     string `json:"content"`
}

type recipient struct {
	EmailAddress emailAddress `json:"emailAddress"`
}

type emailAddress struct {
	Address string `json:"address"`
}

type fileAttachment struct {
	ODataType    string `json:"@odata.type"`
	Name         string `json:"name"`
	ContentType  string `json:"contentType"`
	ContentBytes string `json:"contentBytes"`
}

type graphErrorResponse struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// buildSendMailRequest converts msg into a sendMail body. Inline files are
// embedded, large ones appear as links in the body.
func buildSendMailRequest(msg *email.Message) (*sendMailRequest, error) {
	to := make([]recipient, 0, len(msg.To))
	for _, addr := range msg.To {
		to = append(to, recipient{EmailAddress: emailAddress{Address: addr}})
	}

	attachments := make([]fileAttachment, 0, len(msg.Inline))
	for _, att := range msg.Inline {
		data, err := att.ReadAll()
		if err != nil {
			return nil, fmt.Errorf("failed to read attachment %s: %w", att.Name, err)
		}
		attachments = append(attachments, fileAttachment{
			ODataType:    "#microsoft.graph.fileAttachment",
			Name:         att.Name,
			ContentType:  att.MIMEType,
			ContentBytes: base64.StdEncoding.EncodeToString(data),
		})
	}

	return &sendMailRequest{
		Message: sendMailMessage{
			Subject:      msg.Subject,
			Body:         messageBody{ContentType: "text", Content: relay.BodyWithLinks(msg)},
			ToRecipients: to,
			Attachments:  attachments,
		},
	}, nil
}
