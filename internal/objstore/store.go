// Package objstore is the object storage layer behind screenshots, replay
// chunks, and attachments. Two backends implement the same Store surface:
// a local filesystem store and an S3-compatible store. Keys are canonical
// and identical across backends, so switching backends never strands data.
package objstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/google/uuid"
)

// ErrNotFound is returned by GetObject for missing keys. HeadObject returns
// a nil ObjectInfo instead; DeleteObject treats missing keys as success.
var ErrNotFound = errors.New("objstore: object not found")

// UploadResult describes a stored object.
type UploadResult struct {
	Key         string `json:"key"`
	URL         string `json:"url"`
	Size        int64  `json:"size"`
	ContentType string `json:"content_type"`
}

// ObjectInfo is the metadata returned by HeadObject.
type ObjectInfo struct {
	Key          string    `json:"key"`
	Size         int64     `json:"size"`
	LastModified time.Time `json:"last_modified"`
}

// ListOptions pages through keys under a prefix.
type ListOptions struct {
	Prefix            string
	MaxKeys           int
	ContinuationToken string
}

// ListResult is one page of keys.
type ListResult struct {
	Objects          []ObjectInfo
	NextContinuation string
	Truncated        bool
}

// SignOptions customizes a signed download URL.
type SignOptions struct {
	ExpiresIn                  time.Duration
	ResponseContentType        string
	ResponseContentDisposition string
}

// Store is the capability surface shared by both backends.
type Store interface {
	Put(ctx context.Context, key string, body io.Reader, contentType string) (UploadResult, error)
	GetObject(ctx context.Context, key string) (io.ReadCloser, error)
	HeadObject(ctx context.Context, key string) (*ObjectInfo, error)
	// DeleteObject is idempotent: deleting a missing key succeeds.
	DeleteObject(ctx context.Context, key string) error
	// DeleteFolder removes everything under prefix and returns the count.
	DeleteFolder(ctx context.Context, prefix string) (int64, error)
	ListObjects(ctx context.Context, opts ListOptions) (ListResult, error)
	SignedURL(ctx context.Context, key string, opts SignOptions) (string, error)
	HealthCheck(ctx context.Context) error
}

// Key builders. projectID and bugID must be valid UUIDs before these are
// called; ValidateIDs is the single gate against path traversal via ids.

func ScreenshotKey(projectID, bugID uuid.UUID) string {
	return fmt.Sprintf("screenshots/%s/%s/original.png", projectID, bugID)
}

func ThumbnailKey(projectID, bugID uuid.UUID) string {
	return fmt.Sprintf("screenshots/%s/%s/thumbnail.jpg", projectID, bugID)
}

func ReplayMetadataKey(projectID, bugID uuid.UUID) string {
	return fmt.Sprintf("replays/%s/%s/metadata.json", projectID, bugID)
}

func ReplayChunkKey(projectID, bugID uuid.UUID, index int) string {
	return fmt.Sprintf("replays/%s/%s/chunks/%d.json.gz", projectID, bugID, index)
}

func AttachmentKey(projectID, bugID uuid.UUID, filename string) string {
	return fmt.Sprintf("attachments/%s/%s/%s", projectID, bugID, SanitizeFilename(filename))
}

// ReportPrefix covers every object a single report owns, per category.
func ReportPrefixes(projectID, bugID uuid.UUID) []string {
	return []string{
		fmt.Sprintf("screenshots/%s/%s/", projectID, bugID),
		fmt.Sprintf("replays/%s/%s/", projectID, bugID),
		fmt.Sprintf("attachments/%s/%s/", projectID, bugID),
	}
}

// ProjectPrefixes covers every object a project owns.
func ProjectPrefixes(projectID uuid.UUID) []string {
	return []string{
		fmt.Sprintf("screenshots/%s/", projectID),
		fmt.Sprintf("replays/%s/", projectID),
		fmt.Sprintf("attachments/%s/", projectID),
	}
}

// ValidateIDs rejects non-UUID path segments before they reach a key.
func ValidateIDs(projectID, bugID string) error {
	if _, err := uuid.Parse(projectID); err != nil {
		return fmt.Errorf("objstore: invalid project id %q", projectID)
	}
	if _, err := uuid.Parse(bugID); err != nil {
		return fmt.Errorf("objstore: invalid bug id %q", bugID)
	}
	return nil
}

// SanitizeFilename neutralizes user-supplied filenames: ".." sequences are
// removed, path separators stripped, anything outside [A-Za-z0-9._-] becomes
// an underscore, and an empty result falls back to "attachment".
func SanitizeFilename(name string) string {
	name = strings.ReplaceAll(name, "..", "")
	name = strings.ReplaceAll(name, "/", "")
	name = strings.ReplaceAll(name, `\`, "")

	var sb strings.Builder
	sb.Grow(len(name))
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9',
			r == '.', r == '_', r == '-':
			sb.WriteRune(r)
		default:
			sb.WriteRune('_')
		}
	}
	out := sb.String()
	if out == "" || strings.Trim(out, "._-") == "" {
		return "attachment"
	}
	return out
}
