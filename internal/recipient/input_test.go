package recipient

import (
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/shineum/relaymail/internal/email"
)

type recordingSuggester struct {
	mu      sync.Mutex
	queries []string
}

func (r *recordingSuggester) Query(q string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.queries = append(r.queries, q)
}

func (r *recordingSuggester) last() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.queries) == 0 {
		return "<none>"
	}
	return r.queries[len(r.queries)-1]
}

func TestInput_DelimiterAndEnter(t *testing.T) {
	t.Parallel()

	set := NewSet()
	in := NewInput(set, nil)

	// Typed, then confirmed with Enter.
	in.Change("a@x.com")
	if err := in.Enter(); err != nil {
		t.Fatalf("Enter: %v", err)
	}

	// Same address confirmed with a comma: duplicate.
	err := in.Change("a@x.com,")
	if !errors.Is(err, ErrDuplicate) {
		t.Fatalf("expected ErrDuplicate, got %v", err)
	}
	if in.Err() == "" {
		t.Error("expected transient error text after duplicate")
	}
	if in.Buffer() != "a@x.com" {
		t.Errorf("Buffer after rejection: got %q, want %q", in.Buffer(), "a@x.com")
	}

	// Space delimiter confirms a new address and clears the error.
	if err := in.Change("b@x.com "); err != nil {
		t.Fatalf("Change: %v", err)
	}
	if in.Err() != "" {
		t.Errorf("Err after success: got %q, want empty", in.Err())
	}

	got := strings.Join(set.Emails(), ",")
	if got != "a@x.com,b@x.com" {
		t.Errorf("recipients: got %q, want %q", got, "a@x.com,b@x.com")
	}
	if in.Buffer() != "" {
		t.Errorf("Buffer: got %q, want empty", in.Buffer())
	}
}

func TestInput_EnterIgnoresPartialAddress(t *testing.T) {
	t.Parallel()

	set := NewSet()
	in := NewInput(set, nil)

	in.Change("a@x")
	in.Change("partial")
	if err := in.Enter(); err != nil {
		t.Fatalf("Enter: %v", err)
	}
	if set.Len() != 0 {
		t.Errorf("Len: got %d, want 0", set.Len())
	}
	if in.Buffer() != "partial" {
		t.Errorf("Buffer: got %q, want %q", in.Buffer(), "partial")
	}
}

func TestInput_DelimiterWithInvalidToken(t *testing.T) {
	t.Parallel()

	set := NewSet()
	in := NewInput(set, nil)

	err := in.Change("bogus,")
	if !errors.Is(err, ErrInvalidSyntax) {
		t.Fatalf("expected ErrInvalidSyntax, got %v", err)
	}
	if in.Buffer() != "bogus" {
		t.Errorf("Buffer: got %q, want %q", in.Buffer(), "bogus")
	}

	// A bare delimiter is swallowed.
	if err := in.Change(" "); err != nil {
		t.Errorf("bare delimiter: %v", err)
	}
	if set.Len() != 0 {
		t.Errorf("Len: got %d, want 0", set.Len())
	}
}

func TestInput_SelectFromDirectory(t *testing.T) {
	t.Parallel()

	set := NewSet()
	sugg := &recordingSuggester{}
	in := NewInput(set, sugg)

	in.Change("ca")
	if sugg.last() != "ca" {
		t.Errorf("suggester query: got %q, want %q", sugg.last(), "ca")
	}

	if err := in.Select(email.Recipient{Email: "carol@x.com", Name: "Carol"}); err != nil {
		t.Fatalf("Select: %v", err)
	}
	if sugg.last() != "" {
		t.Errorf("suggester query after select: got %q, want empty", sugg.last())
	}

	list := set.List()
	if len(list) != 1 || list[0].Name != "Carol" {
		t.Errorf("List: got %+v", list)
	}

	// Selecting the same entry again is rejected by the set.
	if err := in.Select(email.Recipient{Email: "carol@x.com"}); !errors.Is(err, ErrDuplicate) {
		t.Errorf("expected ErrDuplicate, got %v", err)
	}
}
