// Package stdout implements a Relay that prints messages instead of sending
// them.
package stdout

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/shineum/relaymail/internal/email"
	"github.com/shineum/relaymail/internal/relay"
)

const separator = "========================================\n"

// Relay prints messages in a human-readable format.
type Relay struct {
	writer io.Writer
}

// New creates a stdout Relay that writes to os.Stdout.
func New() *Relay {
	return &Relay{writer: os.Stdout}
}

// NewWithWriter creates a stdout Relay that writes to the given writer.
func NewWithWriter(w io.Writer) *Relay {
	return &Relay{writer: w}
}

// Submit prints msg. It fails only if the writer does.
func (r *Relay) Submit(_ context.Context, msg *email.Message) (*relay.Receipt, error) {
	var b strings.Builder

	b.WriteString(separator)
	fmt.Fprintf(&b, "From: %s\n", msg.From)
	fmt.Fprintf(&b, "To: %s\n", strings.Join(msg.To, ", "))
	fmt.Fprintf(&b, "Subject: %s\n", msg.Subject)
	b.WriteString("Body:\n")
	b.WriteString(msg.Body + "\n")

	if len(msg.Inline) > 0 {
		attachments := make([]string, 0, len(msg.Inline))
		for _, att := range msg.Inline {
			attachments = append(attachments, fmt.Sprintf("%s (%s)", att.Name, formatSize(att.Size)))
		}
		fmt.Fprintf(&b, "Attachments: %s\n", strings.Join(attachments, ", "))
	}

	if len(msg.Links) > 0 {
		b.WriteString("Links:\n")
		for _, l := range msg.Links {
			fmt.Fprintf(&b, "  %s (%.2f MB) %s\n", l.Filename, l.Size, l.Link)
		}
	}

	b.WriteString(separator)

	if _, err := fmt.Fprint(r.writer, b.String()); err != nil {
		return nil, fmt.Errorf("failed to write message: %w", err)
	}
	return &relay.Receipt{Relay: r.Name()}, nil
}

// Name returns the relay name.
func (r *Relay) Name() string {
	return "stdout"
}

// formatSize formats a byte count into a human-readable string.
func formatSize(bytes int64) string {
	const (
		kb = 1024
		mb = kb * 1024
	)

	switch {
	case bytes >= mb:
		return fmt.Sprintf("%.1f MB", float64(bytes)/float64(mb))
	case bytes >= kb:
		return fmt.Sprintf("%.1f KB", float64(bytes)/float64(kb))
	default:
		return fmt.Sprintf("%d B", bytes)
	}
}
