package attachment

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/shineum/relaymail/internal/email"
	"github.com/shineum/relaymail/internal/metrics"
	"github.com/shineum/relaymail/internal/upload"
)

type uploadResult struct {
	link string
	err  error
}

type fakeCall struct {
	ctx      context.Context
	progress upload.ProgressFunc
	result   chan uploadResult
}

// fakeUploader blocks every upload until the test resolves it.
type fakeUploader struct {
	mu      sync.Mutex
	calls   map[string]*fakeCall
	started chan string
}

func newFakeUploader() *fakeUploader {
	return &fakeUploader{
		calls:   make(map[string]*fakeCall),
		started: make(chan string, 16),
	}
}

func (f *fakeUploader) Upload(ctx context.Context, att email.Attachment, progress upload.ProgressFunc) (string, error) {
	c := &fakeCall{ctx: ctx, progress: progress, result: make(chan uploadResult, 1)}
	f.mu.Lock()
	f.calls[att.Name] = c
	f.mu.Unlock()
	f.started <- att.Name

	select {
	case r := <-c.result:
		return r.link, r.err
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

func (f *fakeUploader) call(t *testing.T, name string) *fakeCall {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		f.mu.Lock()
		c, ok := f.calls[name]
		f.mu.Unlock()
		if ok {
			return c
		}
		select {
		case <-f.started:
		case <-deadline:
			t.Fatalf("upload of %q never started", name)
		}
	}
}

func large(name string) email.Attachment {
	return email.Attachment{Name: name, MIMEType: "application/pdf", Size: 10 * mib}
}

func small(name string) email.Attachment {
	return email.Attachment{Name: name, MIMEType: "application/pdf", Size: 2 * mib}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met in time")
		}
		time.Sleep(time.Millisecond)
	}
}

func TestOrchestrator_SmallAndLarge(t *testing.T) {
	t.Parallel()

	up := newFakeUploader()
	o := NewOrchestrator(up)
	defer o.Drain()

	added, err := o.Add(context.Background(), small("two.pdf"), large("ten.pdf"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(added) != 2 || added[0].ID == "" || added[1].ID == "" {
		t.Fatalf("added: got %+v", added)
	}

	if _, ok := o.Task(added[0].ID); ok {
		t.Error("small attachment should have no upload task")
	}
	task, ok := o.Task(added[1].ID)
	if !ok {
		t.Fatal("large attachment should have an upload task")
	}
	if task.Progress != 0 || task.Link != "" {
		t.Errorf("initial task: got %+v", task)
	}
	if o.Ready() {
		t.Fatal("Ready should be false while the large upload is pending")
	}

	c := up.call(t, "ten.pdf")
	c.progress(5*mib, 10*mib)
	if task, _ := o.Task(added[1].ID); task.Progress != 50 {
		t.Errorf("Progress: got %d, want 50", task.Progress)
	}
	if o.Ready() {
		t.Fatal("Ready should be false mid-upload")
	}

	c.result <- uploadResult{link: "https://drive/ten"}
	if err := o.Wait(context.Background()); err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if !o.Ready() {
		t.Fatal("Ready should be true after the upload finished")
	}

	task, _ = o.Task(added[1].ID)
	if task.Progress != 100 || task.Link != "https://drive/ten" || !task.Done() {
		t.Errorf("final task: got %+v", task)
	}

	links := o.Links()
	if len(links) != 1 || links[0].Filename != "ten.pdf" || links[0].Size != 10 {
		t.Errorf("Links: got %+v", links)
	}
	inline := o.Inline()
	if len(inline) != 1 || inline[0].Name != "two.pdf" {
		t.Errorf("Inline: got %+v", inline)
	}
}

func TestOrchestrator_PayloadAndRelease(t *testing.T) {
	t.Parallel()

	up := newFakeUploader()
	o := NewOrchestrator(up)
	defer o.Drain()

	added, err := o.Add(context.Background(), small("two.pdf"), large("ten.pdf"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, ok := o.Payload(); ok {
		t.Fatal("Payload should not be ready while the large upload is pending")
	}

	up.call(t, "ten.pdf").result <- uploadResult{link: "https://drive/ten"}
	if err := o.Wait(context.Background()); err != nil {
		t.Fatalf("Wait: %v", err)
	}

	p, ok := o.Payload()
	if !ok {
		t.Fatal("Payload should be ready after the upload finished")
	}
	if len(p.IDs) != 2 || len(p.Inline) != 1 || p.Inline[0].Name != "two.pdf" {
		t.Errorf("Payload: got %+v", p)
	}
	if len(p.Links) != 1 || p.Links[0].Link != "https://drive/ten" || p.Links[0].Size != 10 {
		t.Errorf("Payload links: got %+v", p.Links)
	}

	later, err := o.Add(context.Background(), small("late.pdf"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	o.Release(p.IDs)

	got := o.Attachments()
	if len(got) != 1 || got[0].ID != later[0].ID {
		t.Errorf("only the attachment added after the payload should stay, got %+v", got)
	}
	if _, ok := o.Task(added[1].ID); ok {
		t.Error("released upload task should be gone")
	}
}

func TestOrchestrator_SmallOnlyIsReady(t *testing.T) {
	t.Parallel()

	o := NewOrchestrator(newFakeUploader())
	if !o.Ready() {
		t.Error("empty orchestrator should be ready")
	}
	if _, err := o.Add(context.Background(), small("a.pdf")); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !o.Ready() {
		t.Error("small-only attachments should be ready immediately")
	}
	if len(o.Tasks()) != 0 {
		t.Errorf("Tasks: got %d, want 0", len(o.Tasks()))
	}
}

func TestOrchestrator_TooManyFilesAddsNothing(t *testing.T) {
	t.Parallel()

	m := metrics.New()
	o := NewOrchestrator(newFakeUploader(), WithMetrics(m))

	var batch []email.Attachment
	for i := 0; i < 10; i++ {
		batch = append(batch, small("f.pdf"))
	}
	if _, err := o.Add(context.Background(), batch...); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	_, err := o.Add(context.Background(), small("eleventh.pdf"))
	if !errors.Is(err, ErrTooManyFiles) {
		t.Fatalf("expected ErrTooManyFiles, got %v", err)
	}
	if n := len(o.Attachments()); n != 10 {
		t.Errorf("attachment count: got %d, want 10", n)
	}
	if got := testutil.ToFloat64(m.RejectedAttaches.WithLabelValues("too_many_files")); got != 1 {
		t.Errorf("rejected metric: got %v, want 1", got)
	}
}

func TestOrchestrator_RejectedBatchIsAtomic(t *testing.T) {
	t.Parallel()

	o := NewOrchestrator(newFakeUploader())
	_, err := o.Add(context.Background(), small("ok.pdf"), email.Attachment{Name: "x.exe", MIMEType: "application/x-msdownload", Size: 1})
	if !errors.Is(err, ErrUnsupportedType) {
		t.Fatalf("expected ErrUnsupportedType, got %v", err)
	}
	if n := len(o.Attachments()); n != 0 {
		t.Errorf("attachment count: got %d, want 0", n)
	}
}

func TestOrchestrator_ProgressIsMonotonic(t *testing.T) {
	t.Parallel()

	up := newFakeUploader()
	o := NewOrchestrator(up)
	defer o.Drain()

	added, _ := o.Add(context.Background(), large("big.pdf"))
	c := up.call(t, "big.pdf")

	c.progress(6*mib, 10*mib)
	c.progress(3*mib, 10*mib)
	if task, _ := o.Task(added[0].ID); task.Progress != 60 {
		t.Errorf("Progress: got %d, want 60", task.Progress)
	}

	// A complete transfer without a link is not completion.
	c.progress(10*mib, 10*mib)
	if task, _ := o.Task(added[0].ID); task.Progress != 99 {
		t.Errorf("Progress: got %d, want 99", task.Progress)
	}
	if o.Ready() {
		t.Error("Ready should be false until the link arrives")
	}

	c.result <- uploadResult{link: "https://l"}
	o.Wait(context.Background())
}

func TestOrchestrator_FailureEvictsOnlyThatFile(t *testing.T) {
	t.Parallel()

	var mu sync.Mutex
	var events []Event
	up := newFakeUploader()
	m := metrics.New()
	o := NewOrchestrator(up, WithMetrics(m), WithEventHandler(func(ev Event) {
		mu.Lock()
		defer mu.Unlock()
		events = append(events, ev)
	}))
	defer o.Drain()

	added, _ := o.Add(context.Background(), small("keep.pdf"), large("a.pdf"), large("b.pdf"))

	up.call(t, "a.pdf").result <- uploadResult{err: errors.New("connection reset")}
	waitFor(t, func() bool { return len(o.Failures()) == 1 })

	names := map[string]bool{}
	for _, a := range o.Attachments() {
		names[a.Name] = true
	}
	if names["a.pdf"] || !names["b.pdf"] || !names["keep.pdf"] {
		t.Errorf("attachments after failure: got %v", names)
	}
	if _, ok := o.Task(added[1].ID); ok {
		t.Error("failed task should be deleted")
	}
	if _, ok := o.Task(added[2].ID); !ok {
		t.Error("sibling task should be unaffected")
	}

	fail := o.Failures()[0]
	if fail.Name != "a.pdf" {
		t.Errorf("failure name: got %q", fail.Name)
	}
	if fail.Error() != "failed to upload a.pdf: connection reset" {
		t.Errorf("failure text: got %q", fail.Error())
	}

	up.call(t, "b.pdf").result <- uploadResult{link: "https://b"}
	if err := o.Wait(context.Background()); err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if !o.Ready() {
		t.Error("Ready should be true once the surviving upload finished")
	}

	mu.Lock()
	defer mu.Unlock()
	var sawFailed, sawUploaded bool
	for _, ev := range events {
		switch {
		case ev.Kind == EventFailed && ev.Name == "a.pdf":
			sawFailed = true
		case ev.Kind == EventUploaded && ev.Name == "b.pdf":
			sawUploaded = true
		}
	}
	if !sawFailed || !sawUploaded {
		t.Errorf("events: got %+v", events)
	}
	if got := testutil.ToFloat64(m.Uploads.WithLabelValues("failure")); got != 1 {
		t.Errorf("failure metric: got %v, want 1", got)
	}
}

func TestOrchestrator_RemoveCancelsAndIgnoresLateEvents(t *testing.T) {
	t.Parallel()

	up := newFakeUploader()
	o := NewOrchestrator(up)

	added, _ := o.Add(context.Background(), large("gone.pdf"))
	c := up.call(t, "gone.pdf")
	c.progress(1*mib, 10*mib)

	if !o.Remove(added[0].ID) {
		t.Fatal("Remove returned false")
	}
	select {
	case <-c.ctx.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("removing the attachment did not cancel its upload")
	}

	// Late events for the removed task must not bring it back.
	c.progress(9*mib, 10*mib)
	o.Drain()

	if len(o.Attachments()) != 0 {
		t.Errorf("attachments: got %+v", o.Attachments())
	}
	if len(o.Tasks()) != 0 {
		t.Errorf("tasks: got %+v", o.Tasks())
	}
	if len(o.Failures()) != 0 {
		t.Errorf("cancellation should not be reported as failure: %+v", o.Failures())
	}
	if !o.Ready() {
		t.Error("Ready should be true once the pending attachment is removed")
	}
	if o.Remove(added[0].ID) {
		t.Error("second Remove should return false")
	}
}

func TestOrchestrator_DuplicateNamesTrackedSeparately(t *testing.T) {
	t.Parallel()

	up := &namedByIDUploader{results: make(map[string]chan uploadResult), started: make(chan string, 4)}
	o := NewOrchestrator(up)
	defer o.Drain()

	added, _ := o.Add(context.Background(), large("same.pdf"), large("same.pdf"))
	for i := 0; i < 2; i++ {
		<-up.started
	}

	up.resolve(added[0].ID, uploadResult{link: "https://first"})
	waitFor(t, func() bool {
		task, _ := o.Task(added[0].ID)
		return task.Done()
	})
	if task, _ := o.Task(added[1].ID); task.Done() {
		t.Error("second same-named file should still be pending")
	}
	if o.Ready() {
		t.Error("Ready should be false with one same-named upload pending")
	}

	if n := o.RemoveByName("same.pdf"); n != 2 {
		t.Errorf("RemoveByName: got %d, want 2", n)
	}
}

type namedByIDUploader struct {
	mu      sync.Mutex
	results map[string]chan uploadResult
	started chan string
}

func (u *namedByIDUploader) Upload(ctx context.Context, att email.Attachment, _ upload.ProgressFunc) (string, error) {
	ch := make(chan uploadResult, 1)
	u.mu.Lock()
	u.results[att.ID] = ch
	u.mu.Unlock()
	u.started <- att.ID
	select {
	case r := <-ch:
		return r.link, r.err
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

func (u *namedByIDUploader) resolve(id string, r uploadResult) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.results[id] <- r
}

func TestOrchestrator_MaxConcurrent(t *testing.T) {
	t.Parallel()

	up := newFakeUploader()
	o := NewOrchestrator(up, WithMaxConcurrent(1))
	defer o.Drain()

	o.Add(context.Background(), large("one.pdf"), large("two.pdf"))

	first := <-up.started
	select {
	case name := <-up.started:
		t.Fatalf("second upload %q started while the cap was taken", name)
	case <-time.After(50 * time.Millisecond):
	}

	up.call(t, first).result <- uploadResult{link: "https://1"}
	second := <-up.started
	if second == first {
		t.Fatalf("same upload started twice: %q", first)
	}
	up.call(t, second).result <- uploadResult{link: "https://2"}

	if err := o.Wait(context.Background()); err != nil {
		t.Fatalf("Wait: %v", err)
	}
}

func TestOrchestrator_WaitHonoursContext(t *testing.T) {
	t.Parallel()

	up := newFakeUploader()
	o := NewOrchestrator(up)
	defer func() {
		o.Reset()
		o.Drain()
	}()

	o.Add(context.Background(), large("slow.pdf"))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := o.Wait(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("expected deadline exceeded, got %v", err)
	}
}

func TestOrchestrator_Reset(t *testing.T) {
	t.Parallel()

	up := newFakeUploader()
	o := NewOrchestrator(up)

	o.Add(context.Background(), small("a.pdf"), large("b.pdf"))
	c := up.call(t, "b.pdf")
	o.Reset()

	select {
	case <-c.ctx.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("Reset did not cancel running upload")
	}
	o.Drain()

	if len(o.Attachments()) != 0 || len(o.Tasks()) != 0 {
		t.Error("Reset left state behind")
	}
}
