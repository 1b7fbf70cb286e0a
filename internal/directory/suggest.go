package directory

import (
	"context"
	"errors"
	"iter"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/shineum/relaymail/internal/email"
)

// DefaultDebounce is the quiet period after the last keystroke before a
// lookup is issued.
const DefaultDebounce = 300 * time.Millisecond

// Lookup finds directory entries for a query.
type Lookup interface {
	Search(ctx context.Context, query string) ([]email.Recipient, error)
}

// Suggest returns a lazy, single-shot sequence of directory entries for
// query. The lookup runs when the sequence is ranged over; a query shorter
// than MinQueryLength yields nothing.
func Suggest(ctx context.Context, lookup Lookup, query string) iter.Seq2[email.Recipient, error] {
	return func(yield func(email.Recipient, error) bool) {
		if utf8.RuneCountInString(query) < MinQueryLength {
			return
		}
		recipients, err := lookup.Search(ctx, query)
		if err != nil {
			yield(email.Recipient{}, err)
			return
		}
		for _, r := range recipients {
			if !yield(r, nil) {
				return
			}
		}
	}
}

// Suggestions is the state of the suggestion panel for one query.
type Suggestions struct {
	Query      string
	Recipients []email.Recipient
	Open       bool
	Err        error
}

// WithName returns a copy with the display name of addr replaced, as after a
// directory rename.
func (s Suggestions) WithName(addr, name string) Suggestions {
	out := s
	out.Recipients = make([]email.Recipient, len(s.Recipients))
	for i, r := range s.Recipients {
		if r.Email == addr {
			r.Name = name
		}
		out.Recipients[i] = r
	}
	return out
}

// DebounceOption configures a Debouncer.
type DebounceOption func(*Debouncer)

// WithDelay sets the quiet period.
func WithDelay(d time.Duration) DebounceOption {
	return func(db *Debouncer) {
		if d >= 0 {
			db.delay = d
		}
	}
}

// WithMinLength sets the shortest query that triggers a lookup.
func WithMinLength(n int) DebounceOption {
	return func(db *Debouncer) {
		if n > 0 {
			db.minLen = n
		}
	}
}

// Debouncer schedules lookups for a stream of queries. Only the latest query
// is ever delivered; superseded in-flight lookups are cancelled.
type Debouncer struct {
	lookup  Lookup
	deliver func(Suggestions)
	delay   time.Duration
	minLen  int

	// deliverMu serializes deliveries; the freshness check runs under it.
	deliverMu sync.Mutex

	mu     sync.Mutex
	seq    uint64
	timer  *time.Timer
	cancel context.CancelFunc
	closed bool
}

// NewDebouncer creates a Debouncer delivering results to deliver. deliver is
// called from timer goroutines, one call at a time, and must not call Query.
func NewDebouncer(lookup Lookup, deliver func(Suggestions), opts ...DebounceOption) *Debouncer {
	d := &Debouncer{
		lookup:  lookup,
		deliver: deliver,
		delay:   DefaultDebounce,
		minLen:  MinQueryLength,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Query records a new query. Short queries close the panel immediately.
func (d *Debouncer) Query(q string) {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.seq++
	seq := d.seq
	d.stopLocked()

	if utf8.RuneCountInString(q) < d.minLen {
		d.mu.Unlock()
		d.deliverMu.Lock()
		defer d.deliverMu.Unlock()
		if d.current(seq) {
			d.deliver(Suggestions{Query: q})
		}
		return
	}

	d.timer = time.AfterFunc(d.delay, func() { d.fire(seq, q) })
	d.mu.Unlock()
}

func (d *Debouncer) fire(seq uint64, q string) {
	d.mu.Lock()
	if d.closed || seq != d.seq {
		d.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	d.cancel = cancel
	d.mu.Unlock()
	defer cancel()

	var recipients []email.Recipient
	var err error
	for r, e := range Suggest(ctx, d.lookup, q) {
		if e != nil {
			err = e
			break
		}
		recipients = append(recipients, r)
	}

	if errors.Is(err, context.Canceled) {
		return
	}

	d.deliverMu.Lock()
	defer d.deliverMu.Unlock()
	if !d.current(seq) {
		return
	}
	d.deliver(Suggestions{
		Query:      q,
		Recipients: recipients,
		Open:       err == nil && len(recipients) > 0,
		Err:        err,
	})
}

// current reports whether seq is still the latest query.
func (d *Debouncer) current(seq uint64) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return !d.closed && seq == d.seq
}

// Close stops pending and in-flight lookups. Later queries are ignored.
func (d *Debouncer) Close() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closed = true
	d.stopLocked()
}

func (d *Debouncer) stopLocked() {
	if d.timer != nil {
		d.timer.Stop()
		d.timer = nil
	}
	if d.cancel != nil {
		d.cancel()
		d.cancel = nil
	}
}
