package recipient

import (
	"strings"
	"sync"

	"github.com/shineum/relaymail/internal/email"
)

// Suggester receives every change of the typing buffer so directory
// suggestions can follow it.
type Suggester interface {
	Query(q string)
}

// Input is the typing buffer in front of a Set. It turns keystrokes into
// confirmed recipients: a trailing comma or space, an Enter on a valid
// address, or an explicit directory selection.
type Input struct {
	set       *Set
	suggester Suggester

	mu     sync.Mutex
	buffer string
	errMsg string
}

// NewInput creates an Input feeding set. suggester may be nil.
func NewInput(set *Set, suggester Suggester) *Input {
	return &Input{set: set, suggester: suggester}
}

// Change records a new raw value of the input field. If the value ends in a
// delimiter the token before it is confirmed.
func (in *Input) Change(value string) error {
	if strings.HasSuffix(value, ",") || strings.HasSuffix(value, " ") {
		token := strings.TrimSpace(value[:len(value)-1])
		if token == "" {
			in.setBuffer("")
			return nil
		}
		return in.confirm(email.Recipient{Email: token}, token)
	}
	in.setBuffer(value)
	return nil
}

// Enter confirms the current buffer if it is itself a valid address.
// Otherwise it does nothing and returns nil.
func (in *Input) Enter() error {
	in.mu.Lock()
	token := strings.TrimSpace(in.buffer)
	in.mu.Unlock()

	if !Valid(token) {
		return nil
	}
	return in.confirm(email.Recipient{Email: token}, token)
}

// Select confirms a recipient picked from directory suggestions.
func (in *Input) Select(r email.Recipient) error {
	in.mu.Lock()
	current := in.buffer
	in.mu.Unlock()
	return in.confirm(r, current)
}

// Buffer returns the unconfirmed text.
func (in *Input) Buffer() string {
	in.mu.Lock()
	defer in.mu.Unlock()
	return in.buffer
}

// Err returns the transient error text of the last rejected confirmation.
func (in *Input) Err() string {
	in.mu.Lock()
	defer in.mu.Unlock()
	return in.errMsg
}

// Reset clears the buffer and error.
func (in *Input) Reset() {
	in.mu.Lock()
	in.errMsg = ""
	in.mu.Unlock()
	in.setBuffer("")
}

// confirm adds r; on rejection the buffer keeps onReject.
func (in *Input) confirm(r email.Recipient, onReject string) error {
	if _, err := in.set.AddRecipient(r); err != nil {
		in.mu.Lock()
		in.errMsg = err.Error()
		in.mu.Unlock()
		in.setBuffer(onReject)
		return err
	}

	in.mu.Lock()
	in.errMsg = ""
	in.mu.Unlock()
	in.setBuffer("")
	return nil
}

func (in *Input) setBuffer(v string) {
	in.mu.Lock()
	in.buffer = v
	in.mu.Unlock()

	if in.suggester != nil {
		in.suggester.Query(v)
	}
}
