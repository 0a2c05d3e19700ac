package upload

import (
	"context"
	"errors"
	"fmt"
	"path"
	"strings"

	"github.com/companyzero/voicenote/internal/audio"
	"github.com/google/uuid"
)

// ErrUpload matches every error returned by gateways.
var ErrUpload = errors.New("upload failed")

// Error is a failure to store a blob.
type Error struct {
	Key string
	Err error
}

func (err *Error) Error() string {
	if err.Key == "" {
		return fmt.Sprintf("upload failed: %v", err.Err)
	}
	return fmt.Sprintf("upload of %s failed: %v", err.Key, err.Err)
}

func (err *Error) Unwrap() error {
	return err.Err
}

func (err *Error) Is(target error) bool {
	return target == ErrUpload
}

// Gateway stores blobs and returns the URL they can be fetched from.
// Gateways do not retry failed uploads.
type Gateway interface {
	Upload(ctx context.Context, blob audio.Blob, ownerID string) (string, error)
}

// Metadata describes a stored blob.
type Metadata struct {
	Key         string `json:"key"`
	OwnerID     string `json:"owner_id"`
	ContentType string `json:"content_type"`
	Size        int    `json:"size"`
	SHA256      string `json:"sha256,omitempty"`
	UploadedAt  int64  `json:"uploaded_at"`
}

var extensions = map[string]string{
	"audio/wav":       "wav",
	"audio/wave":      "wav",
	"audio/x-wav":     "wav",
	"audio/vnd.wave":  "wav",
	"audio/ogg":       "ogg",
	"audio/opus":      "opus",
	"application/ogg": "ogg",
	"audio/webm":      "webm",
	"audio/mp4":       "m4a",
	"audio/aac":       "aac",
	"audio/mpeg":      "mp3",
}

// Extension returns the file extension (without the dot) for a content type.
func Extension(typ string) string {
	if ext, ok := extensions[audio.BaseType(typ)]; ok {
		return ext
	}
	return "bin"
}

// sanitizeSegment makes s safe to use as a single path segment.
func sanitizeSegment(s string) string {
	s = strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9',
			r == '-', r == '_':
			return r
		default:
			return '_'
		}
	}, s)
	if s == "" {
		return "_"
	}
	return s
}

// ObjectKey returns a new unique key for a blob of the given owner and
// content type.
func ObjectKey(prefix, ownerID, typ string) string {
	name := uuid.NewString() + "." + Extension(typ)
	prefix = strings.Trim(prefix, "/")
	if prefix == "" {
		return path.Join(sanitizeSegment(ownerID), name)
	}
	return path.Join(prefix, sanitizeSegment(ownerID), name)
}

// checkArgs checks the arguments common to all gateways.
func checkArgs(blob audio.Blob, ownerID string) error {
	if blob.Empty() {
		return &Error{Err: errors.New("blob is empty")}
	}
	if ownerID == "" {
		return &Error{Err: errors.New("owner ID is empty")}
	}
	return nil
}
