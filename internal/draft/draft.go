// Package draft reads saved RFC 5322 messages (.eml files) so they can be
// loaded into a form and sent again.
package draft

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"mime/multipart"
	"net/mail"
	"os"
	"strings"

	"github.com/google/uuid"

	"github.com/shineum/relaymail/internal/email"
)

// Draft is the editable content of a saved message.
type Draft struct {
	From        string
	Recipients  []email.Recipient
	Subject     string
	TextBody    string
	HTMLBody    string
	Attachments []email.Attachment
}

// Prefix returns the local part of the From address.
func (d *Draft) Prefix() string {
	local, _, ok := strings.Cut(d.From, "@")
	if !ok {
		return ""
	}
	return local
}

// Body returns the text body, falling back to the HTML body.
func (d *Draft) Body() string {
	if d.TextBody != "" {
		return d.TextBody
	}
	return d.HTMLBody
}

// ParseFile reads and parses the message at path.
func ParseFile(path string) (*Draft, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read draft: %w", err)
	}
	return Parse(raw)
}

// Parse parses a raw message. To and Cc addresses both become recipients.
// Attachments are held in memory.
func Parse(raw []byte) (*Draft, error) {
	msg, err := mail.ReadMessage(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("failed to parse message: %w", err)
	}

	d := &Draft{
		Subject: decodeHeader(msg.Header.Get("Subject")),
	}
	if from := parseAddressList(msg.Header.Get("From")); len(from) > 0 {
		d.From = from[0].Email
	}
	d.Recipients = append(parseAddressList(msg.Header.Get("To")), parseAddressList(msg.Header.Get("Cc"))...)

	contentType := msg.Header.Get("Content-Type")
	if contentType == "" {
		contentType = "text/plain"
	}

	mediaType, params, err := mime.ParseMediaType(contentType)
	if err != nil {
		slog.Warn("failed to parse content type, treating as plain text",
			"content_type", contentType,
			"error", err,
		)
		body, readErr := io.ReadAll(msg.Body)
		if readErr != nil {
			return nil, fmt.Errorf("failed to read message body: %w", readErr)
		}
		d.TextBody = string(body)
		return d, nil
	}

	if strings.HasPrefix(mediaType, "multipart/") {
		boundary := params["boundary"]
		if boundary == "" {
			return nil, fmt.Errorf("multipart message missing boundary")
		}
		if err := parseMultipart(msg.Body, boundary, d); err != nil {
			return nil, fmt.Errorf("failed to parse multipart message: %w", err)
		}
		return d, nil
	}

	body, err := decodeBody(msg.Body, msg.Header.Get("Content-Transfer-Encoding"))
	if err != nil {
		return nil, fmt.Errorf("failed to read message body: %w", err)
	}
	if mediaType == "text/html" {
		d.HTMLBody = string(body)
	} else {
		d.TextBody = string(body)
	}
	return d, nil
}

func parseMultipart(body io.Reader, boundary string, d *Draft) error {
	reader := multipart.NewReader(body, boundary)

	for {
		part, err := reader.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			return fmt.Errorf("failed to read next part: %w", err)
		}

		partContentType := part.Header.Get("Content-Type")
		if partContentType == "" {
			partContentType = "text/plain"
		}

		mediaType, params, err := mime.ParseMediaType(partContentType)
		if err != nil {
			slog.Warn("failed to parse part content type, skipping",
				"content_type", partContentType,
				"error", err,
			)
			continue
		}

		if strings.HasPrefix(mediaType, "multipart/") {
			nested := params["boundary"]
			if nested == "" {
				slog.Warn("nested multipart missing boundary, skipping")
				continue
			}
			if err := parseMultipart(part, nested, d); err != nil {
				slog.Warn("failed to parse nested multipart", "error", err)
			}
			continue
		}

		content, err := decodeBody(part, part.Header.Get("Content-Transfer-Encoding"))
		if err != nil {
			slog.Warn("failed to read part content",
				"content_type", mediaType,
				"error", err,
			)
			continue
		}

		filename := part.FileName()
		if filename == "" {
			filename = params["name"]
		}
		isAttachment := strings.HasPrefix(part.Header.Get("Content-Disposition"), "attachment")

		switch {
		case isAttachment || filename != "":
			if filename == "" {
				filename = fallbackName(mediaType)
			}
			d.Attachments = append(d.Attachments, email.Attachment{
				ID:       uuid.NewString(),
				Name:     decodeHeader(filename),
				Size:     int64(len(content)),
				MIMEType: mediaType,
				Source:   email.BytesSource(content),
			})
		case mediaType == "text/plain" && d.TextBody == "":
			d.TextBody = string(content)
		case mediaType == "text/html" && d.HTMLBody == "":
			d.HTMLBody = string(content)
		default:
			slog.Warn("unrecognized MIME part, skipping", "content_type", mediaType)
		}
	}

	return nil
}

// decodeBody reads r and undoes base64 transfer encoding. The multipart
// reader already strips quoted-printable.
func decodeBody(r io.Reader, encoding string) ([]byte, error) {
	raw, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}

	if !strings.EqualFold(strings.TrimSpace(encoding), "base64") {
		return raw, nil
	}

	cleaned := strings.NewReplacer("\r", "", "\n", "").Replace(string(raw))
	decoded, err := base64.StdEncoding.DecodeString(cleaned)
	if err != nil {
		decoded, err = base64.RawStdEncoding.DecodeString(cleaned)
		if err != nil {
			return nil, fmt.Errorf("failed to decode base64 content: %w", err)
		}
	}
	return decoded, nil
}

var wordDecoder = new(mime.WordDecoder)

func decodeHeader(v string) string {
	decoded, err := wordDecoder.DecodeHeader(v)
	if err != nil {
		return v
	}
	return decoded
}

func fallbackName(mediaType string) string {
	if _, sub, ok := strings.Cut(mediaType, "/"); ok {
		return "attachment." + sub
	}
	return "attachment"
}

// parseAddressList keeps display names where the header has them.
func parseAddressList(raw string) []email.Recipient {
	if strings.TrimSpace(raw) == "" {
		return nil
	}

	addresses, err := mail.ParseAddressList(raw)
	if err != nil {
		var out []email.Recipient
		for _, p := range strings.Split(raw, ",") {
			if trimmed := strings.TrimSpace(p); trimmed != "" {
				out = append(out, email.Recipient{Email: trimmed})
			}
		}
		return out
	}

	out := make([]email.Recipient, 0, len(addresses))
	for _, addr := range addresses {
		out = append(out, email.Recipient{Email: addr.Address, Name: addr.Name})
	}
	return out
}
