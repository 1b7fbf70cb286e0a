package attachment

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/shineum/relaymail/internal/email"
)

const mib = 1024 * 1024

func file(name, mimeType string, size int64) email.Attachment {
	return email.Attachment{Name: name, MIMEType: mimeType, Size: size}
}

func TestClassify_Accepts(t *testing.T) {
	t.Parallel()

	files := []email.Attachment{
		file("a.pdf", "application/pdf", 2*mib),
		file("b.txt", "text/plain; charset=utf-8", 10),
		file("big.mp4", "video/mp4", 90*mib),
	}
	if err := Classify(0, files, DefaultLimits()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestClassify_TooManyFiles(t *testing.T) {
	t.Parallel()

	err := Classify(10, []email.Attachment{file("eleven.pdf", "application/pdf", 1)}, DefaultLimits())
	if !errors.Is(err, ErrTooManyFiles) {
		t.Fatalf("expected ErrTooManyFiles, got %v", err)
	}
	if !strings.Contains(err.Error(), "at most 10") {
		t.Errorf("Error: got %q", err.Error())
	}
}

func TestClassify_CheckOrder(t *testing.T) {
	t.Parallel()

	limits := Limits{MaxFiles: 2, MaxFileSize: 5 * mib, AllowedTypes: []string{"application/pdf"}}

	// Count is checked before type and size.
	err := Classify(1, []email.Attachment{
		file("bad.exe", "application/x-msdownload", 10*mib),
		file("ok.pdf", "application/pdf", 1),
	}, limits)
	if !errors.Is(err, ErrTooManyFiles) {
		t.Fatalf("expected ErrTooManyFiles, got %v", err)
	}

	// Type is checked before size, across the whole batch.
	err = Classify(0, []email.Attachment{
		file("huge.pdf", "application/pdf", 10*mib),
		file("bad.exe", "application/x-msdownload", 1),
	}, limits)
	if !errors.Is(err, ErrUnsupportedType) {
		t.Fatalf("expected ErrUnsupportedType, got %v", err)
	}
	var rej *RejectionError
	if !errors.As(err, &rej) || rej.Name != "bad.exe" {
		t.Errorf("offending name: got %+v, want bad.exe", rej)
	}

	// Size reports the first oversized file.
	err = Classify(0, []email.Attachment{
		file("ok.pdf", "application/pdf", 1),
		file("huge.pdf", "application/pdf", 10*mib),
	}, limits)
	if !errors.Is(err, ErrFileTooLarge) {
		t.Fatalf("expected ErrFileTooLarge, got %v", err)
	}
	if !errors.As(err, &rej) || rej.Name != "huge.pdf" {
		t.Errorf("offending name: got %+v, want huge.pdf", rej)
	}
	if !strings.Contains(err.Error(), "huge.pdf (10.0MB, max 5MB)") {
		t.Errorf("Error: got %q", err.Error())
	}
}

func TestClassify_EmptyMIMETypeRejected(t *testing.T) {
	t.Parallel()

	err := Classify(0, []email.Attachment{file("unknown", "", 1)}, DefaultLimits())
	if !errors.Is(err, ErrUnsupportedType) {
		t.Errorf("expected ErrUnsupportedType, got %v", err)
	}
}

func TestRejectionError_Reason(t *testing.T) {
	t.Parallel()

	tests := []struct {
		err  error
		want string
	}{
		{ErrTooManyFiles, "too_many_files"},
		{ErrUnsupportedType, "unsupported_type"},
		{ErrFileTooLarge, "file_too_large"},
	}
	for _, tt := range tests {
		r := &RejectionError{Err: tt.err}
		if got := r.Reason(); got != tt.want {
			t.Errorf("Reason(%v): got %q, want %q", tt.err, got, tt.want)
		}
	}
}

func TestFromFile(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "notes.txt")
	if err := os.WriteFile(path, []byte("plain text notes\n"), 0o600); err != nil {
		t.Fatalf("failed to write file: %v", err)
	}

	att, err := FromFile(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if att.Name != "notes.txt" {
		t.Errorf("Name: got %q, want %q", att.Name, "notes.txt")
	}
	if att.MIMEType != "text/plain" {
		t.Errorf("MIMEType: got %q, want %q", att.MIMEType, "text/plain")
	}
	if att.Size != int64(len("plain text notes\n")) {
		t.Errorf("Size: got %d", att.Size)
	}
	if att.ID == "" {
		t.Error("ID should be generated")
	}

	pdfPath := filepath.Join(dir, "doc.pdf")
	if err := os.WriteFile(pdfPath, []byte("%PDF-1.4\n%\xe2\xe3\xcf\xd3\n"), 0o600); err != nil {
		t.Fatalf("failed to write file: %v", err)
	}
	pdf, err := FromFile(pdfPath)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if pdf.MIMEType != "application/pdf" {
		t.Errorf("MIMEType: got %q, want %q", pdf.MIMEType, "application/pdf")
	}

	if _, err := FromFile(dir); err == nil {
		t.Error("expected error for directory")
	}
	if _, err := FromFile(filepath.Join(dir, "missing")); err == nil {
		t.Error("expected error for missing file")
	}
}
