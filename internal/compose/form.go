// Package compose assembles a message from the recipient set and the
// attachment orchestrator and drives its submission through a relay.
package compose

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/shineum/relaymail/internal/attachment"
	"github.com/shineum/relaymail/internal/email"
	"github.com/shineum/relaymail/internal/metrics"
	"github.com/shineum/relaymail/internal/recipient"
	"github.com/shineum/relaymail/internal/relay"
)

const (
	// DefaultSuccessTTL is how long the success message stays visible.
	DefaultSuccessTTL = 2 * time.Second

	// SuccessMessage is shown after an accepted submission.
	SuccessMessage = "email sent successfully"

	// GenericFailure is shown when the relay gives no explanation.
	GenericFailure = "failed to send email"
)

// ErrSubmitInProgress is returned by Submit while another submission is
// being sent.
var ErrSubmitInProgress = errors.New("submission already in progress")

// State is the submission state of a Form.
type State int

const (
	StateIdle State = iota
	StateValidating
	StateBlocked
	StateSending
	StateSucceeded
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateValidating:
		return "validating"
	case StateBlocked:
		return "blocked"
	case StateSending:
		return "sending"
	case StateSucceeded:
		return "succeeded"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// BlockReason says why a submission was not attempted.
type BlockReason int

const (
	NoRecipients BlockReason = iota
	InvalidRecipients
	UploadsPending
	InvalidSender
)

func (r BlockReason) String() string {
	switch r {
	case NoRecipients:
		return "no_recipients"
	case InvalidRecipients:
		return "invalid_recipients"
	case UploadsPending:
		return "uploads_pending"
	case InvalidSender:
		return "invalid_sender"
	default:
		return "unknown"
	}
}

// BlockedError is returned when validation stops a submission before any
// network call.
type BlockedError struct {
	Reason BlockReason
	// Invalid lists the offending addresses for InvalidRecipients.
	Invalid []string
}

func (e *BlockedError) Error() string {
	switch e.Reason {
	case NoRecipients:
		return "at least one recipient is required"
	case InvalidRecipients:
		return "invalid recipients: " + strings.Join(e.Invalid, ", ")
	case UploadsPending:
		return "large attachments are still uploading"
	case InvalidSender:
		return "invalid sender address"
	default:
		return "submission blocked"
	}
}

// Option configures a Form.
type Option func(*Form)

// WithAllowedPrefixes restricts the sender prefix to the given list. An
// empty list allows any prefix that forms a valid address.
func WithAllowedPrefixes(prefixes []string) Option {
	return func(f *Form) {
		f.allowed = slices.Clone(prefixes)
	}
}

// WithSuccessTTL sets how long the success message stays visible.
func WithSuccessTTL(d time.Duration) Option {
	return func(f *Form) {
		if d > 0 {
			f.successTTL = d
		}
	}
}

// WithMetrics records submission outcomes.
func WithMetrics(m *metrics.Metrics) Option {
	return func(f *Form) {
		f.metrics = m
	}
}

// RecipientSet is the recipient collection a Form submits to.
// *recipient.Set satisfies it.
type RecipientSet interface {
	Len() int
	ValidateAll() error
	Emails() []string
	List() []email.Recipient
	Reset()
}

// WithRecipients uses set as the recipient set instead of a new one.
func WithRecipients(set RecipientSet) Option {
	return func(f *Form) {
		if set != nil {
			f.recipients = set
		}
	}
}

// Form is the state of one message being composed. It is safe for
// concurrent use.
type Form struct {
	domain      string
	relay       relay.Relay
	attachments *attachment.Orchestrator
	recipients  RecipientSet
	metrics     *metrics.Metrics
	allowed     []string
	successTTL  time.Duration

	mu         sync.Mutex
	prefix     string
	subject    string
	body       string
	state      State
	errMsg     string
	successMsg string
	successGen uint64
	timer      *time.Timer
}

// NewForm creates a Form sending from addresses in domain through r.
func NewForm(domain string, r relay.Relay, attachments *attachment.Orchestrator, opts ...Option) *Form {
	f := &Form{
		domain:      domain,
		relay:       r,
		attachments: attachments,
		recipients:  recipient.NewSet(),
		successTTL:  DefaultSuccessTTL,
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Recipients returns the recipient set of the form.
func (f *Form) Recipients() RecipientSet {
	return f.recipients
}

// Attachments returns the attachment orchestrator of the form.
func (f *Form) Attachments() *attachment.Orchestrator {
	return f.attachments
}

// SetPrefix sets the local part of the sender address.
func (f *Form) SetPrefix(prefix string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.prefix = strings.TrimSpace(prefix)
}

// SetSubject sets the subject line.
func (f *Form) SetSubject(subject string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subject = subject
}

// SetBody sets the plain-text body.
func (f *Form) SetBody(body string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.body = body
}

// SetError records a transient error, such as a rejected attachment batch.
func (f *Form) SetError(msg string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.errMsg = msg
}

// Sender returns the full sender address, or "" if no prefix is set.
func (f *Form) Sender() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.senderLocked()
}

func (f *Form) senderLocked() string {
	if f.prefix == "" {
		return ""
	}
	return f.prefix + "@" + f.domain
}

// Submit validates the form and, if nothing blocks it, sends one message
// through the relay. Validation failures return a *BlockedError and make no
// network call. On success the form is reset; on failure every input is
// kept.
func (f *Form) Submit(ctx context.Context) (*relay.Receipt, error) {
	f.mu.Lock()
	if f.state == StateSending {
		f.mu.Unlock()
		return nil, ErrSubmitInProgress
	}
	f.state = StateValidating
	f.errMsg = ""
	f.clearSuccessLocked()

	payload, err := f.validateLocked()
	if err != nil {
		f.state = StateBlocked
		f.errMsg = err.Error()
		f.mu.Unlock()

		var blocked *BlockedError
		if errors.As(err, &blocked) {
			f.metrics.SubmissionBlocked(blocked.Reason.String())
		}
		slog.Info("submission blocked", "reason", err)
		return nil, err
	}

	msg := f.messageLocked(payload)
	f.state = StateSending
	f.mu.Unlock()

	slog.Info("submitting message",
		"relay", f.relay.Name(),
		"recipients", len(msg.To),
		"inline", len(msg.Inline),
		"links", len(msg.Links),
	)
	receipt, err := f.relay.Submit(ctx, msg)

	f.mu.Lock()
	defer f.mu.Unlock()

	if err != nil {
		f.state = StateFailed
		f.errMsg = failureText(err)
		f.metrics.SubmissionFinished(f.relay.Name(), "failure")
		slog.Warn("submission failed", "relay", f.relay.Name(), "error", err)
		return nil, fmt.Errorf("failed to send email: %w", err)
	}

	f.metrics.SubmissionFinished(f.relay.Name(), "success")
	f.resetInputsLocked()
	if f.attachments != nil {
		f.attachments.Release(payload.IDs)
	}
	f.state = StateSucceeded
	f.successMsg = SuccessMessage
	gen := f.successGen
	f.timer = time.AfterFunc(f.successTTL, func() { f.expireSuccess(gen) })
	return receipt, nil
}

// validateLocked runs the submit checks in order: recipients present,
// recipients valid, uploads finished, sender valid. It returns the
// attachment payload taken at the moment uploads were found finished.
func (f *Form) validateLocked() (attachment.Payload, error) {
	var payload attachment.Payload

	if f.recipients.Len() == 0 {
		return payload, &BlockedError{Reason: NoRecipients}
	}

	if err := f.recipients.ValidateAll(); err != nil {
		var invalid *recipient.InvalidRecipientsError
		if errors.As(err, &invalid) {
			return payload, &BlockedError{Reason: InvalidRecipients, Invalid: invalid.Emails}
		}
		return payload, err
	}

	if f.attachments != nil {
		p, ready := f.attachments.Payload()
		if !ready {
			return payload, &BlockedError{Reason: UploadsPending}
		}
		payload = p
	}

	if !f.senderValidLocked() {
		return payload, &BlockedError{Reason: InvalidSender}
	}
	return payload, nil
}

func (f *Form) senderValidLocked() bool {
	if f.prefix == "" || f.domain == "" {
		return false
	}
	if len(f.allowed) > 0 && !slices.Contains(f.allowed, f.prefix) {
		return false
	}
	return recipient.Valid(f.senderLocked())
}

func (f *Form) messageLocked(p attachment.Payload) *email.Message {
	return &email.Message{
		From:    f.senderLocked(),
		To:      f.recipients.Emails(),
		Subject: f.subject,
		Body:    f.body,
		Inline:  p.Inline,
		Links:   p.Links,
	}
}

// Reset clears every input and message of the form.
func (f *Form) Reset() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.resetLocked()
	f.errMsg = ""
	f.clearSuccessLocked()
	f.state = StateIdle
}

func (f *Form) resetLocked() {
	f.resetInputsLocked()
	if f.attachments != nil {
		f.attachments.Reset()
	}
}

func (f *Form) resetInputsLocked() {
	f.prefix = ""
	f.subject = ""
	f.body = ""
	f.errMsg = ""
	f.recipients.Reset()
}

func (f *Form) clearSuccessLocked() {
	f.successGen++
	f.successMsg = ""
	if f.timer != nil {
		f.timer.Stop()
		f.timer = nil
	}
	if f.state == StateSucceeded {
		f.state = StateIdle
	}
}

func (f *Form) expireSuccess(gen uint64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if gen != f.successGen {
		return
	}
	f.clearSuccessLocked()
}

// Snapshot is a consistent copy of the form for rendering.
type Snapshot struct {
	State       State
	Sender      string
	Prefix      string
	Recipients  []email.Recipient
	Subject     string
	Body        string
	Attachments []email.Attachment
	Tasks       []email.UploadTask
	Error       string
	Success     string
}

// Snapshot returns the current form state.
func (f *Form) Snapshot() Snapshot {
	f.mu.Lock()
	defer f.mu.Unlock()

	s := Snapshot{
		State:      f.state,
		Sender:     f.senderLocked(),
		Prefix:     f.prefix,
		Recipients: f.recipients.List(),
		Subject:    f.subject,
		Body:       f.body,
		Error:      f.errMsg,
		Success:    f.successMsg,
	}
	if f.attachments != nil {
		s.Attachments = f.attachments.Attachments()
		s.Tasks = f.attachments.Tasks()
	}
	return s
}

// failureText is the user-facing text for a failed submission.
func failureText(err error) string {
	var rejected *relay.RejectedError
	if errors.As(err, &rejected) && rejected.Message != "" {
		return rejected.Message
	}
	return GenericFailure
}
