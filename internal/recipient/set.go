// Package recipient maintains the validated, de-duplicated recipient set of a
// message being composed.
package recipient

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"

	"github.com/shineum/relaymail/internal/email"
)

var (
	// ErrInvalidSyntax is returned when a candidate is not a valid email address.
	ErrInvalidSyntax = errors.New("invalid email address")

	// ErrDuplicate is returned when a candidate is already in the set.
	ErrDuplicate = errors.New("recipient already added")
)

// RejectionError reports why a candidate was not added.
type RejectionError struct {
	Candidate string
	Err       error
}

func (e *RejectionError) Error() string {
	return fmt.Sprintf("%s: %s", e.Err, e.Candidate)
}

func (e *RejectionError) Unwrap() error {
	return e.Err
}

// InvalidRecipientsError lists every stored recipient that failed validation.
type InvalidRecipientsError struct {
	Emails []string
}

func (e *InvalidRecipientsError) Error() string {
	return "invalid recipients: " + strings.Join(e.Emails, ", ")
}

var validate = validator.New()

// Valid reports whether s is a syntactically valid email address.
func Valid(s string) bool {
	if s == "" || strings.ContainsAny(s, " ,") {
		return false
	}
	return validate.Var(s, "required,email") == nil
}

// Set is an ordered collection of recipients keyed by email address.
// It is safe for concurrent use.
type Set struct {
	mu         sync.Mutex
	recipients []email.Recipient
	index      map[string]struct{}
}

// NewSet creates an empty recipient set.
func NewSet() *Set {
	return &Set{index: make(map[string]struct{})}
}

// Add validates the candidate and appends it to the set.
func (s *Set) Add(candidate string) (email.Recipient, error) {
	return s.AddRecipient(email.Recipient{Email: candidate})
}

// AddRecipient appends r, keeping its display name. The same syntax and
// uniqueness checks as Add apply.
func (s *Set) AddRecipient(r email.Recipient) (email.Recipient, error) {
	r.Email = strings.TrimSpace(r.Email)
	if !Valid(r.Email) {
		return email.Recipient{}, &RejectionError{Candidate: r.Email, Err: ErrInvalidSyntax}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	key := normalize(r.Email)
	if _, ok := s.index[key]; ok {
		return email.Recipient{}, &RejectionError{Candidate: r.Email, Err: ErrDuplicate}
	}
	s.index[key] = struct{}{}
	s.recipients = append(s.recipients, r)
	return r, nil
}

// Remove deletes the recipient with the given address. It returns false if
// the address was not present.
func (s *Set) Remove(addr string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := normalize(addr)
	if _, ok := s.index[key]; !ok {
		return false
	}
	delete(s.index, key)
	for i, r := range s.recipients {
		if normalize(r.Email) == key {
			s.recipients = append(s.recipients[:i], s.recipients[i+1:]...)
			break
		}
	}
	return true
}

// Contains reports whether addr is in the set.
func (s *Set) Contains(addr string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.index[normalize(addr)]
	return ok
}

// ValidateAll re-checks the syntax of every stored recipient. It returns an
// *InvalidRecipientsError naming every invalid entry, or nil.
func (s *Set) ValidateAll() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var invalid []string
	for _, r := range s.recipients {
		if !Valid(r.Email) {
			invalid = append(invalid, r.Email)
		}
	}
	if len(invalid) > 0 {
		return &InvalidRecipientsError{Emails: invalid}
	}
	return nil
}

// List returns a copy of the recipients in insertion order.
func (s *Set) List() []email.Recipient {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]email.Recipient, len(s.recipients))
	copy(out, s.recipients)
	return out
}

// Emails returns the addresses in insertion order.
func (s *Set) Emails() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.recipients))
	for _, r := range s.recipients {
		out = append(out, r.Email)
	}
	return out
}

// Len returns the number of recipients.
func (s *Set) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.recipients)
}

// Reset empties the set.
func (s *Set) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.recipients = nil
	s.index = make(map[string]struct{})
}

func normalize(addr string) string {
	return strings.ToLower(strings.TrimSpace(addr))
}
