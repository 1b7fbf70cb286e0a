// Package attachment classifies selected files and drives the pre-upload of
// large ones.
package attachment

import (
	"errors"
	"fmt"
	"mime"
	"os"
	"path/filepath"
	"strings"

	"github.com/gabriel-vasile/mimetype"
	"github.com/google/uuid"

	"github.com/shineum/relaymail/internal/email"
)

const (
	// DefaultMaxFiles is the default attachment count limit.
	DefaultMaxFiles = 10

	// DefaultMaxFileSize is the default per-file limit (100 MiB).
	DefaultMaxFileSize int64 = 100 * 1024 * 1024
)

// DefaultAllowedTypes lists the MIME types accepted by default.
var DefaultAllowedTypes = []string{
	"application/pdf",
	"application/msword",
	"application/vnd.openxmlformats-officedocument.wordprocessingml.document",
	"text/plain",
	"image/jpeg",
	"image/png",
	"image/gif",
	"audio/mpeg",
	"audio/wav",
	"audio/ogg",
	"audio/mp3",
	"audio/mp4",
	"audio/webm",
	"video/mp4",
	"video/webm",
	"video/quicktime",
}

var (
	// ErrTooManyFiles is returned when a batch would exceed the count limit.
	ErrTooManyFiles = errors.New("too many files")

	// ErrUnsupportedType is returned for a file whose MIME type is not allowed.
	ErrUnsupportedType = errors.New("unsupported file type")

	// ErrFileTooLarge is returned for a file above the per-file size limit.
	ErrFileTooLarge = errors.New("file too large")
)

// Limits bounds what may be attached to one message.
type Limits struct {
	MaxFiles     int
	MaxFileSize  int64
	AllowedTypes []string
}

// DefaultLimits returns the stock limits.
func DefaultLimits() Limits {
	return Limits{
		MaxFiles:     DefaultMaxFiles,
		MaxFileSize:  DefaultMaxFileSize,
		AllowedTypes: DefaultAllowedTypes,
	}
}

// RejectionError explains why a batch of files was refused. Name is the
// first offending file; it is empty for ErrTooManyFiles.
type RejectionError struct {
	Err   error
	Name  string
	Size  int64
	Limit int64
}

func (e *RejectionError) Error() string {
	switch {
	case errors.Is(e.Err, ErrTooManyFiles):
		return fmt.Sprintf("%s: at most %d attachments allowed", e.Err, e.Limit)
	case errors.Is(e.Err, ErrFileTooLarge):
		return fmt.Sprintf("%s: %s (%.1fMB, max %dMB)", e.Err, e.Name,
			float64(e.Size)/(1024*1024), e.Limit/(1024*1024))
	default:
		return fmt.Sprintf("%s: %s", e.Err, e.Name)
	}
}

func (e *RejectionError) Unwrap() error {
	return e.Err
}

// Reason returns a short label for metrics.
func (e *RejectionError) Reason() string {
	switch {
	case errors.Is(e.Err, ErrTooManyFiles):
		return "too_many_files"
	case errors.Is(e.Err, ErrUnsupportedType):
		return "unsupported_type"
	default:
		return "file_too_large"
	}
}

// Classify checks a batch of files against the limits, given the number of
// attachments already present. Checks run in a fixed order: count, then
// type, then size. The first failure rejects the whole batch.
func Classify(existing int, files []email.Attachment, limits Limits) error {
	if existing+len(files) > limits.MaxFiles {
		return &RejectionError{Err: ErrTooManyFiles, Limit: int64(limits.MaxFiles)}
	}

	for _, f := range files {
		if !typeAllowed(f.MIMEType, limits.AllowedTypes) {
			return &RejectionError{Err: ErrUnsupportedType, Name: f.Name}
		}
	}

	for _, f := range files {
		if f.Size > limits.MaxFileSize {
			return &RejectionError{Err: ErrFileTooLarge, Name: f.Name, Size: f.Size, Limit: limits.MaxFileSize}
		}
	}

	return nil
}

func typeAllowed(mimeType string, allowed []string) bool {
	mediaType := baseType(mimeType)
	if mediaType == "" {
		return false
	}
	for _, a := range allowed {
		if strings.EqualFold(mediaType, a) {
			return true
		}
	}
	return false
}

// baseType strips parameters such as charset from a MIME type.
func baseType(mimeType string) string {
	mediaType, _, err := mime.ParseMediaType(mimeType)
	if err != nil {
		return strings.ToLower(strings.TrimSpace(mimeType))
	}
	return mediaType
}

// FromFile builds an Attachment for a local file, sniffing its MIME type
// from the content.
func FromFile(path string) (email.Attachment, error) {
	info, err := os.Stat(path)
	if err != nil {
		return email.Attachment{}, fmt.Errorf("failed to stat attachment: %w", err)
	}
	if info.IsDir() {
		return email.Attachment{}, fmt.Errorf("attachment %q is a directory", path)
	}

	mt, err := mimetype.DetectFile(path)
	if err != nil {
		return email.Attachment{}, fmt.Errorf("failed to detect attachment type: %w", err)
	}

	return email.Attachment{
		ID:       uuid.NewString(),
		Name:     filepath.Base(path),
		Size:     info.Size(),
		MIMEType: baseType(mt.String()),
		Source:   email.FileSource(path),
	}, nil
}
