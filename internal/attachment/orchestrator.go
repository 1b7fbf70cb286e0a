package attachment

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/shineum/relaymail/internal/email"
	"github.com/shineum/relaymail/internal/metrics"
	"github.com/shineum/relaymail/internal/upload"
)

// EventKind identifies an upload event.
type EventKind int

const (
	// EventProgress reports a new progress percentage.
	EventProgress EventKind = iota
	// EventUploaded reports a finished upload with its link.
	EventUploaded
	// EventFailed reports a failed upload; the attachment has been removed.
	EventFailed
)

func (k EventKind) String() string {
	switch k {
	case EventProgress:
		return "progress"
	case EventUploaded:
		return "uploaded"
	case EventFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Event describes a change of one upload task.
type Event struct {
	Kind         EventKind
	AttachmentID string
	Name         string
	Progress     int
	Link         string
	Err          error
}

// UploadError is the per-file error surfaced when a pre-upload fails.
type UploadError struct {
	AttachmentID string
	Name         string
	Err          error
}

func (e *UploadError) Error() string {
	return fmt.Sprintf("failed to upload %s: %v", e.Name, e.Err)
}

func (e *UploadError) Unwrap() error {
	return e.Err
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithLimits sets the classification limits.
func WithLimits(l Limits) Option {
	return func(o *Orchestrator) {
		o.limits = l
	}
}

// WithMaxConcurrent caps the number of simultaneous uploads. Zero or less
// means no cap.
func WithMaxConcurrent(n int) Option {
	return func(o *Orchestrator) {
		if n > 0 {
			o.sem = semaphore.NewWeighted(int64(n))
		} else {
			o.sem = nil
		}
	}
}

// WithEventHandler sets a callback for upload events. It is invoked outside
// the orchestrator's lock and may call back into the orchestrator.
func WithEventHandler(fn func(Event)) Option {
	return func(o *Orchestrator) {
		o.onEvent = fn
	}
}

// WithMetrics records upload outcomes.
func WithMetrics(m *metrics.Metrics) Option {
	return func(o *Orchestrator) {
		o.metrics = m
	}
}

type task struct {
	state  email.UploadTask
	cancel context.CancelFunc
}

// Orchestrator owns the attachment list of one message and the upload tasks
// of its large attachments. It is safe for concurrent use.
type Orchestrator struct {
	limits   Limits
	uploader upload.Uploader
	sem      *semaphore.Weighted
	onEvent  func(Event)
	metrics  *metrics.Metrics

	mu          sync.Mutex
	attachments []email.Attachment
	tasks       map[string]*task
	failures    []*UploadError
	changed     chan struct{}

	wg sync.WaitGroup
}

// NewOrchestrator creates an Orchestrator that pre-uploads through uploader.
func NewOrchestrator(uploader upload.Uploader, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		limits:   DefaultLimits(),
		uploader: uploader,
		tasks:    make(map[string]*task),
		changed:  make(chan struct{}),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Add classifies files and, if the batch passes, appends all of them and
// starts an upload for every large one. Uploads run until they finish, the
// attachment is removed, or ctx is cancelled. A rejected batch adds nothing.
func (o *Orchestrator) Add(ctx context.Context, files ...email.Attachment) ([]email.Attachment, error) {
	added := make([]email.Attachment, len(files))
	copy(added, files)
	for i := range added {
		if added[i].ID == "" {
			added[i].ID = uuid.NewString()
		}
	}

	o.mu.Lock()
	if err := Classify(len(o.attachments), added, o.limits); err != nil {
		o.mu.Unlock()
		var rej *RejectionError
		if errors.As(err, &rej) {
			o.metrics.AttachmentsRejected(rej.Reason())
		}
		return nil, err
	}

	type pending struct {
		t   *task
		att email.Attachment
		ctx context.Context
	}
	var starts []pending

	o.attachments = append(o.attachments, added...)
	for _, att := range added {
		if !att.Large() {
			continue
		}
		uctx, cancel := context.WithCancel(ctx)
		t := &task{
			state:  email.UploadTask{AttachmentID: att.ID, Name: att.Name},
			cancel: cancel,
		}
		o.tasks[att.ID] = t
		starts = append(starts, pending{t: t, att: att, ctx: uctx})
	}
	o.notifyLocked()
	o.mu.Unlock()

	for _, p := range starts {
		slog.Debug("starting pre-upload", "name", p.att.Name, "size", p.att.Size)
		o.wg.Add(1)
		go o.run(p.ctx, p.t, p.att)
	}

	return added, nil
}

func (o *Orchestrator) run(ctx context.Context, t *task, att email.Attachment) {
	defer o.wg.Done()
	defer t.cancel()

	if o.sem != nil {
		if err := o.sem.Acquire(ctx, 1); err != nil {
			o.fail(t, att, err)
			return
		}
		defer o.sem.Release(1)
	}

	link, err := o.uploader.Upload(ctx, att, func(sent, total int64) {
		o.progress(t, sent, total)
	})
	if err != nil {
		o.fail(t, att, err)
		return
	}
	o.succeed(t, att, link)
}

// progress applies a progress report. Reports for tasks that are no longer
// current are dropped, and progress never decreases. Completion to 100 is
// reserved for a finished upload.
func (o *Orchestrator) progress(t *task, sent, total int64) {
	pct := 0
	if total > 0 {
		pct = int(sent * 100 / total)
	}
	if pct > 99 {
		pct = 99
	}

	o.mu.Lock()
	if o.tasks[t.state.AttachmentID] != t || pct <= t.state.Progress {
		o.mu.Unlock()
		return
	}
	t.state.Progress = pct
	o.notifyLocked()
	o.mu.Unlock()

	o.emit(Event{Kind: EventProgress, AttachmentID: t.state.AttachmentID, Name: t.state.Name, Progress: pct})
}

func (o *Orchestrator) succeed(t *task, att email.Attachment, link string) {
	o.mu.Lock()
	if o.tasks[att.ID] != t {
		o.mu.Unlock()
		slog.Debug("ignoring upload result for removed attachment", "name", att.Name)
		return
	}
	t.state.Progress = 100
	t.state.Link = link
	o.notifyLocked()
	o.mu.Unlock()

	o.metrics.UploadFinished("success", att.Size)
	slog.Info("large attachment uploaded", "name", att.Name)
	o.emit(Event{Kind: EventUploaded, AttachmentID: att.ID, Name: att.Name, Progress: 100, Link: link})
}

// fail evicts the attachment and its task. There is no retry: the user
// selects the file again.
func (o *Orchestrator) fail(t *task, att email.Attachment, err error) {
	o.mu.Lock()
	if o.tasks[att.ID] != t {
		o.mu.Unlock()
		return
	}
	t.state.Failed = true
	delete(o.tasks, att.ID)
	o.removeAttachmentLocked(att.ID)
	uerr := &UploadError{AttachmentID: att.ID, Name: att.Name, Err: err}
	o.failures = append(o.failures, uerr)
	o.notifyLocked()
	o.mu.Unlock()

	o.metrics.UploadFinished("failure", att.Size)
	slog.Warn("large attachment upload failed", "name", att.Name, "error", err)
	o.emit(Event{Kind: EventFailed, AttachmentID: att.ID, Name: att.Name, Err: uerr})
}

// Remove deletes the attachment and its upload task, aborting the transfer
// if one is running. It returns false if id is unknown.
func (o *Orchestrator) Remove(id string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()

	if !o.removeAttachmentLocked(id) {
		return false
	}
	if t, ok := o.tasks[id]; ok {
		delete(o.tasks, id)
		t.cancel()
	}
	o.notifyLocked()
	return true
}

// RemoveByName removes every attachment named name and returns how many
// were removed.
func (o *Orchestrator) RemoveByName(name string) int {
	var ids []string
	o.mu.Lock()
	for _, a := range o.attachments {
		if a.Name == name {
			ids = append(ids, a.ID)
		}
	}
	o.mu.Unlock()

	n := 0
	for _, id := range ids {
		if o.Remove(id) {
			n++
		}
	}
	return n
}

func (o *Orchestrator) removeAttachmentLocked(id string) bool {
	for i, a := range o.attachments {
		if a.ID == id {
			o.attachments = append(o.attachments[:i], o.attachments[i+1:]...)
			return true
		}
	}
	return false
}

// Ready reports whether every large attachment has finished uploading.
func (o *Orchestrator) Ready() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.pendingLocked() == 0
}

func (o *Orchestrator) pendingLocked() int {
	n := 0
	for _, a := range o.attachments {
		if !a.Large() {
			continue
		}
		if t, ok := o.tasks[a.ID]; !ok || !t.state.Done() {
			n++
		}
	}
	return n
}

// Wait blocks until no upload is pending or ctx is done.
func (o *Orchestrator) Wait(ctx context.Context) error {
	for {
		o.mu.Lock()
		if o.pendingLocked() == 0 {
			o.mu.Unlock()
			return nil
		}
		ch := o.changed
		o.mu.Unlock()

		select {
		case <-ch:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Drain waits for every upload goroutine to return, including ones whose
// attachment was already removed.
func (o *Orchestrator) Drain() {
	o.wg.Wait()
}

// Attachments returns a copy of the attachment list.
func (o *Orchestrator) Attachments() []email.Attachment {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]email.Attachment, len(o.attachments))
	copy(out, o.attachments)
	return out
}

// Tasks returns the upload tasks in attachment order.
func (o *Orchestrator) Tasks() []email.UploadTask {
	o.mu.Lock()
	defer o.mu.Unlock()
	var out []email.UploadTask
	for _, a := range o.attachments {
		if t, ok := o.tasks[a.ID]; ok {
			out = append(out, t.state)
		}
	}
	return out
}

// Task returns the upload task of one attachment.
func (o *Orchestrator) Task(id string) (email.UploadTask, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	t, ok := o.tasks[id]
	if !ok {
		return email.UploadTask{}, false
	}
	return t.state, true
}

// Failures returns the upload errors recorded since the last reset.
func (o *Orchestrator) Failures() []*UploadError {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]*UploadError, len(o.failures))
	copy(out, o.failures)
	return out
}

// Inline returns the attachments that travel with the submission itself.
func (o *Orchestrator) Inline() []email.Attachment {
	o.mu.Lock()
	defer o.mu.Unlock()
	var out []email.Attachment
	for _, a := range o.attachments {
		if !a.Large() {
			out = append(out, a)
		}
	}
	return out
}

// Links returns the external links of every finished large attachment.
func (o *Orchestrator) Links() []email.DriveLink {
	o.mu.Lock()
	defer o.mu.Unlock()
	var out []email.DriveLink
	for _, a := range o.attachments {
		t, ok := o.tasks[a.ID]
		if !a.Large() || !ok || !t.state.Done() {
			continue
		}
		out = append(out, email.DriveLink{
			Filename: a.Name,
			Link:     t.state.Link,
			Size:     a.SizeMB(),
		})
	}
	return out
}

// Payload is a consistent view of what one submission carries.
type Payload struct {
	IDs    []string
	Inline []email.Attachment
	Links  []email.DriveLink
}

// Payload returns the inline attachments and links under a single lock. ok
// is false while any large attachment is still uploading.
func (o *Orchestrator) Payload() (p Payload, ok bool) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.pendingLocked() > 0 {
		return Payload{}, false
	}
	for _, a := range o.attachments {
		p.IDs = append(p.IDs, a.ID)
		if !a.Large() {
			p.Inline = append(p.Inline, a)
			continue
		}
		p.Links = append(p.Links, email.DriveLink{
			Filename: a.Name,
			Link:     o.tasks[a.ID].state.Link,
			Size:     a.SizeMB(),
		})
	}
	return p, true
}

// Release drops the attachments of a sent payload and the recorded
// failures. Attachments added after the payload was taken stay.
func (o *Orchestrator) Release(ids []string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	for _, id := range ids {
		o.removeAttachmentLocked(id)
		if t, ok := o.tasks[id]; ok {
			delete(o.tasks, id)
			t.cancel()
		}
	}
	o.failures = nil
	o.notifyLocked()
}

// Reset drops every attachment and task, aborting running uploads.
func (o *Orchestrator) Reset() {
	o.mu.Lock()
	defer o.mu.Unlock()
	for id, t := range o.tasks {
		t.cancel()
		delete(o.tasks, id)
	}
	o.attachments = nil
	o.failures = nil
	o.notifyLocked()
}

// notifyLocked wakes Wait callers. The caller must hold o.mu.
func (o *Orchestrator) notifyLocked() {
	close(o.changed)
	o.changed = make(chan struct{})
}

func (o *Orchestrator) emit(ev Event) {
	if o.onEvent != nil {
		o.onEvent(ev)
	}
}
