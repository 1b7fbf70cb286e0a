// Package upload transfers large attachments to external storage ahead of
// the final submission.
package upload

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"strings"
	"time"

	"github.com/shineum/relaymail/internal/credential"
	"github.com/shineum/relaymail/internal/email"
)

// DefaultPath is the pre-upload endpoint relative to the API base URL.
const DefaultPath = "/api/upload-large-file"

// ProgressFunc receives the number of bytes sent so far and the total.
type ProgressFunc func(sent, total int64)

// Uploader moves one attachment to external storage and returns a link to it.
type Uploader interface {
	Upload(ctx context.Context, att email.Attachment, progress ProgressFunc) (string, error)
}

// StatusError is returned when the upload endpoint answers with a non-2xx status.
type StatusError struct {
	StatusCode int
	Message    string
}

func (e *StatusError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("upload endpoint returned %d: %s", e.StatusCode, e.Message)
	}
	return fmt.Sprintf("upload endpoint returned %d", e.StatusCode)
}

// HTTPUploaderConfig holds the configuration for creating an HTTPUploader.
type HTTPUploaderConfig struct {
	BaseURL     string
	Path        string
	AuthHeader  string
	Credentials credential.Source
	HTTPClient  *http.Client
}

// HTTPUploader posts each file as a single-part multipart body and streams
// it so progress reflects bytes actually handed to the transport.
type HTTPUploader struct {
	url         string
	authHeader  string
	credentials credential.Source
	httpClient  *http.Client
}

// NewHTTPUploader creates an HTTPUploader.
func NewHTTPUploader(cfg HTTPUploaderConfig) *HTTPUploader {
	path := cfg.Path
	if path == "" {
		path = DefaultPath
	}
	client := cfg.HTTPClient
	if client == nil {
		// No overall timeout: large transfers are bounded by the caller's context.
		client = &http.Client{}
	}
	header := cfg.AuthHeader
	if header == "" {
		header = credential.DefaultHeader
	}

	return &HTTPUploader{
		url:         strings.TrimRight(cfg.BaseURL, "/") + path,
		authHeader:  header,
		credentials: cfg.Credentials,
		httpClient:  client,
	}
}

type uploadResponse struct {
	Link  string `json:"link"`
	Error string `json:"error,omitempty"`
}

// Upload streams att to the pre-upload endpoint.
func (u *HTTPUploader) Upload(ctx context.Context, att email.Attachment, progress ProgressFunc) (string, error) {
	if att.Source == nil {
		return "", fmt.Errorf("attachment %q has no content source", att.Name)
	}
	src, err := att.Source.Open()
	if err != nil {
		return "", fmt.Errorf("failed to open attachment: %w", err)
	}
	defer src.Close()

	cred, err := credential.Resolve(ctx, u.credentials)
	if err != nil {
		return "", fmt.Errorf("failed to resolve credential: %w", err)
	}

	pr, pw := io.Pipe()
	mw := multipart.NewWriter(pw)

	go func() {
		pw.CloseWithError(writeFilePart(mw, att, &progressReader{
			r:        src,
			total:    att.Size,
			progress: progress,
		}))
	}()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u.url, pr)
	if err != nil {
		pr.Close()
		return "", fmt.Errorf("failed to create upload request: %w", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	credential.Apply(req.Header, u.authHeader, cred)

	start := time.Now()
	resp, err := u.httpClient.Do(req)
	if err != nil {
		pr.Close()
		return "", fmt.Errorf("upload request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("failed to read upload response: %w", err)
	}

	var out uploadResponse
	decodeErr := json.Unmarshal(body, &out)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg := out.Error
		if msg == "" {
			msg = strings.TrimSpace(string(body))
		}
		return "", &StatusError{StatusCode: resp.StatusCode, Message: msg}
	}
	if decodeErr != nil {
		return "", fmt.Errorf("failed to decode upload response: %w", decodeErr)
	}
	if out.Link == "" {
		return "", fmt.Errorf("upload response missing link")
	}

	slog.Debug("attachment uploaded",
		"name", att.Name,
		"size", att.Size,
		"duration", time.Since(start),
	)
	return out.Link, nil
}

// writeFilePart writes the single "file" part and closes the multipart body.
func writeFilePart(mw *multipart.Writer, att email.Attachment, r io.Reader) error {
	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", fmt.Sprintf(`form-data; name="file"; filename=%q`, att.Name))
	contentType := att.MIMEType
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	h.Set("Content-Type", contentType)

	part, err := mw.CreatePart(h)
	if err != nil {
		return fmt.Errorf("failed to create file part: %w", err)
	}
	if _, err := io.Copy(part, r); err != nil {
		return fmt.Errorf("failed to write file part: %w", err)
	}
	return mw.Close()
}

// progressReader reports cumulative bytes read from r.
type progressReader struct {
	r        io.Reader
	sent     int64
	total    int64
	progress ProgressFunc
}

func (p *progressReader) Read(b []byte) (int, error) {
	n, err := p.r.Read(b)
	if n > 0 {
		p.sent += int64(n)
		if p.progress != nil {
			p.progress(p.sent, p.total)
		}
	}
	return n, err
}
