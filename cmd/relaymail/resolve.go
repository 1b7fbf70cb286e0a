package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/shineum/relaymail/internal/directory"
	"github.com/shineum/relaymail/internal/recipient"
)

// resolver confirms --to values into a recipient set. Full addresses are
// typed into the input; anything else is looked up in the directory and
// the first suggestion is selected.
type resolver struct {
	input       *recipient.Input
	debouncer   *directory.Debouncer
	suggestions chan directory.Suggestions
}

func newResolver(set *recipient.Set, lookup directory.Lookup, delay time.Duration, minLen int) *resolver {
	r := &resolver{suggestions: make(chan directory.Suggestions, 8)}
	if lookup != nil {
		r.debouncer = directory.NewDebouncer(lookup, r.deliver,
			directory.WithDelay(delay),
			directory.WithMinLength(minLen),
		)
		r.input = recipient.NewInput(set, r.debouncer)
	} else {
		r.input = recipient.NewInput(set, nil)
	}
	return r
}

func (r *resolver) deliver(s directory.Suggestions) {
	select {
	case r.suggestions <- s:
	default:
	}
}

// Add confirms one --to value.
func (r *resolver) Add(ctx context.Context, value string) error {
	value = strings.TrimSpace(value)
	if value == "" {
		return nil
	}
	if strings.Contains(value, "@") || r.debouncer == nil {
		if err := r.input.Change(value + ","); err != nil {
			return fmt.Errorf("failed to add recipient %q: %w", value, err)
		}
		return nil
	}

	if err := r.input.Change(value); err != nil {
		return err
	}
	for {
		select {
		case s := <-r.suggestions:
			if s.Query != value {
				continue
			}
			if s.Err != nil {
				return fmt.Errorf("failed to look up %q: %w", value, s.Err)
			}
			if len(s.Recipients) == 0 {
				r.input.Reset()
				return fmt.Errorf("no directory entry matches %q", value)
			}
			if err := r.input.Select(s.Recipients[0]); err != nil {
				return fmt.Errorf("failed to add recipient %q: %w", s.Recipients[0].Email, err)
			}
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Close stops pending lookups.
func (r *resolver) Close() {
	if r.debouncer != nil {
		r.debouncer.Close()
	}
}
