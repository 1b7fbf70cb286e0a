// Package relay defines the interface for mail submission backends.
package relay

import (
	"context"
	"fmt"
	"strings"

	"github.com/shineum/relaymail/internal/email"
)

// Relay submits a composed message in a single request.
type Relay interface {
	// Submit delivers msg. A *RejectedError means the backend refused the
	// message and its text is meant for the user.
	Submit(ctx context.Context, msg *email.Message) (*Receipt, error)

	// Name returns the human-readable name of this relay.
	Name() string
}

// Receipt describes an accepted submission.
type Receipt struct {
	Relay     string
	MessageID string
}

// RejectedError carries the backend's own explanation of a refused message.
type RejectedError struct {
	Message string
}

func (e *RejectedError) Error() string {
	return e.Message
}

// BodyWithLinks returns the message body followed by a plain-text list of the
// externally hosted attachments, for backends that cannot carry links as a
// separate field.
func BodyWithLinks(msg *email.Message) string {
	if len(msg.Links) == 0 {
		return msg.Body
	}

	var b strings.Builder
	b.WriteString(msg.Body)
	if msg.Body != "" && !strings.HasSuffix(msg.Body, "\n") {
		b.WriteString("\n")
	}
	b.WriteString("\nLarge attachments:\n")
	for _, l := range msg.Links {
		fmt.Fprintf(&b, "- %s (%.2f MB): %s\n", l.Filename, l.Size, l.Link)
	}
	return b.String()
}
