// Package email defines the core data model shared by the composition pipeline.
package email

import (
	"bytes"
	"fmt"
	"io"
	"math"
	"os"
)

// InlineThreshold is the largest attachment size, in bytes, that travels
// inline with the final submission (7 MiB). Anything bigger is pre-uploaded.
const InlineThreshold int64 = 7 * 1024 * 1024

// Recipient is a destination address with an optional display name.
type Recipient struct {
	Email string `json:"email"`
	Name  string `json:"name,omitempty"`
}

// Source is an opaque handle to attachment content.
type Source interface {
	Open() (io.ReadCloser, error)
}

// FileSource reads attachment content from a local file.
type FileSource string

// Open opens the file for reading.
func (f FileSource) Open() (io.ReadCloser, error) {
	return os.Open(string(f))
}

// BytesSource serves attachment content from memory.
type BytesSource []byte

// Open returns a reader over the bytes.
func (b BytesSource) Open() (io.ReadCloser, error) {
	return io.NopCloser(bytes.NewReader(b)), nil
}

// Attachment is a file selected for sending.
type Attachment struct {
	ID       string
	Name     string
	Size     int64
	MIMEType string
	Source   Source
}

// Large reports whether the attachment exceeds the inline threshold and
// must be pre-uploaded.
func (a Attachment) Large() bool {
	return a.Size > InlineThreshold
}

// SizeMB returns the size in MiB rounded to two decimals.
func (a Attachment) SizeMB() float64 {
	return math.Round(float64(a.Size)/(1024*1024)*100) / 100
}

// ReadAll returns the full attachment content.
func (a Attachment) ReadAll() ([]byte, error) {
	if a.Source == nil {
		return nil, fmt.Errorf("attachment %q has no content source", a.Name)
	}
	rc, err := a.Source.Open()
	if err != nil {
		return nil, fmt.Errorf("failed to open attachment %q: %w", a.Name, err)
	}
	defer rc.Close()

	data, err := io.ReadAll(rc)
	if err != nil {
		return nil, fmt.Errorf("failed to read attachment %q: %w", a.Name, err)
	}
	return data, nil
}

// UploadTask tracks the pre-upload of one large attachment.
type UploadTask struct {
	AttachmentID string
	Name         string
	Progress     int
	Link         string
	Failed       bool
}

// Done reports whether the task reached its terminal success state.
func (t UploadTask) Done() bool {
	return t.Progress == 100 && t.Link != ""
}

// DriveLink references a large attachment hosted in external storage.
type DriveLink struct {
	Filename string  `json:"filename"`
	Link     string  `json:"link"`
	Size     float64 `json:"size"`
}

// Message is the outbound payload handed to a relay.
type Message struct {
	From    string
	To      []string
	Subject string
	Body    string
	Inline  []Attachment
	Links   []DriveLink
}
