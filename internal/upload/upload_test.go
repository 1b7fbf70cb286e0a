package upload

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/shineum/relaymail/internal/credential"
	"github.com/shineum/relaymail/internal/email"
)

func newAttachment(name string, size int) email.Attachment {
	return email.Attachment{
		ID:       "id-" + name,
		Name:     name,
		Size:     int64(size),
		MIMEType: "application/pdf",
		Source:   email.BytesSource(bytes.Repeat([]byte("x"), size)),
	}
}

func TestHTTPUploader_Success(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != DefaultPath {
			t.Errorf("path: got %q, want %q", r.URL.Path, DefaultPath)
		}
		if got := r.Header.Get("x-auth-token"); got != "tok" {
			t.Errorf("x-auth-token: got %q, want %q", got, "tok")
		}

		file, header, err := r.FormFile("file")
		if err != nil {
			t.Fatalf("failed to read file part: %v", err)
		}
		defer file.Close()
		data, _ := io.ReadAll(file)

		if header.Filename != "big.pdf" {
			t.Errorf("filename: got %q, want %q", header.Filename, "big.pdf")
		}
		if header.Header.Get("Content-Type") != "application/pdf" {
			t.Errorf("part Content-Type: got %q", header.Header.Get("Content-Type"))
		}
		if len(data) != 64*1024 {
			t.Errorf("content length: got %d, want %d", len(data), 64*1024)
		}

		json.NewEncoder(w).Encode(map[string]string{"link": "https://drive.example.com/big.pdf"})
	}))
	defer server.Close()

	u := NewHTTPUploader(HTTPUploaderConfig{
		BaseURL:     server.URL,
		Credentials: credential.Static("tok"),
		HTTPClient:  server.Client(),
	})

	var mu sync.Mutex
	var last, total int64
	calls := 0
	link, err := u.Upload(context.Background(), newAttachment("big.pdf", 64*1024), func(sent, tot int64) {
		mu.Lock()
		defer mu.Unlock()
		if sent < last {
			t.Errorf("progress went backwards: %d after %d", sent, last)
		}
		last, total = sent, tot
		calls++
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if link != "https://drive.example.com/big.pdf" {
		t.Errorf("link: got %q", link)
	}

	mu.Lock()
	defer mu.Unlock()
	if calls == 0 {
		t.Fatal("progress callback never called")
	}
	if last != total || total != 64*1024 {
		t.Errorf("final progress: got %d/%d, want %d/%d", last, total, 64*1024, 64*1024)
	}
}

func TestHTTPUploader_NoCredentialSendsNoHeader(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("x-auth-token") != "" {
			t.Errorf("unexpected auth header %q", r.Header.Get("x-auth-token"))
		}
		io.Copy(io.Discard, r.Body)
		json.NewEncoder(w).Encode(map[string]string{"link": "https://l"})
	}))
	defer server.Close()

	u := NewHTTPUploader(HTTPUploaderConfig{BaseURL: server.URL, HTTPClient: server.Client()})
	if _, err := u.Upload(context.Background(), newAttachment("a.pdf", 10), nil); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestHTTPUploader_StatusError(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.Copy(io.Discard, r.Body)
		w.WriteHeader(http.StatusRequestEntityTooLarge)
		json.NewEncoder(w).Encode(map[string]string{"error": "quota exceeded"})
	}))
	defer server.Close()

	u := NewHTTPUploader(HTTPUploaderConfig{BaseURL: server.URL, HTTPClient: server.Client()})
	_, err := u.Upload(context.Background(), newAttachment("a.pdf", 10), nil)

	var se *StatusError
	if !errors.As(err, &se) {
		t.Fatalf("expected *StatusError, got %v", err)
	}
	if se.StatusCode != http.StatusRequestEntityTooLarge {
		t.Errorf("StatusCode: got %d", se.StatusCode)
	}
	if se.Message != "quota exceeded" {
		t.Errorf("Message: got %q, want %q", se.Message, "quota exceeded")
	}
}

func TestHTTPUploader_MissingLink(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.Copy(io.Discard, r.Body)
		w.Write([]byte(`{}`))
	}))
	defer server.Close()

	u := NewHTTPUploader(HTTPUploaderConfig{BaseURL: server.URL, HTTPClient: server.Client()})
	if _, err := u.Upload(context.Background(), newAttachment("a.pdf", 10), nil); err == nil {
		t.Error("expected error for missing link, got nil")
	}
}

func TestHTTPUploader_NonJSONReply(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.Copy(io.Discard, r.Body)
		w.Write([]byte(`<html>gateway login</html>`))
	}))
	defer server.Close()

	u := NewHTTPUploader(HTTPUploaderConfig{BaseURL: server.URL, HTTPClient: server.Client()})
	_, err := u.Upload(context.Background(), newAttachment("a.pdf", 10), nil)
	var syntaxErr *json.SyntaxError
	if !errors.As(err, &syntaxErr) {
		t.Fatalf("expected wrapped JSON decode error, got %v", err)
	}
	if !strings.Contains(err.Error(), "failed to decode upload response") {
		t.Errorf("unexpected message: %v", err)
	}
}

func TestHTTPUploader_ContextCancelled(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer server.Close()
	defer close(release)

	u := NewHTTPUploader(HTTPUploaderConfig{BaseURL: server.URL, HTTPClient: server.Client()})

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := u.Upload(ctx, newAttachment("a.pdf", 10), nil)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("expected deadline exceeded, got %v", err)
	}
}

func TestHTTPUploader_NoSource(t *testing.T) {
	t.Parallel()

	u := NewHTTPUploader(HTTPUploaderConfig{BaseURL: "http://127.0.0.1:1"})
	if _, err := u.Upload(context.Background(), email.Attachment{Name: "x"}, nil); err == nil {
		t.Error("expected error for attachment without source")
	}
}
