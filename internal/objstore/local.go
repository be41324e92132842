package objstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

// Local stores objects under a base directory on the local filesystem.
// Keys map directly to relative paths; writes go through a temp file and
// rename so readers never observe a partial object.
type Local struct {
	baseDir string
	baseURL string
	logger  *slog.Logger
}

// NewLocal creates the base directory if absent and probes it with a
// .health-check write/remove cycle, failing fast on a read-only mount.
func NewLocal(baseDir, baseURL string, logger *slog.Logger) (*Local, error) {
	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return nil, fmt.Errorf("objstore: create base dir: %w", err)
	}
	l := &Local{
		baseDir: baseDir,
		baseURL: strings.TrimRight(baseURL, "/"),
		logger:  logger,
	}
	if err := l.HealthCheck(context.Background()); err != nil {
		return nil, err
	}
	return l, nil
}

// path resolves a key inside the base directory. Keys are built by this
// package from validated UUIDs and sanitized filenames, but the containment
// check stands on its own.
func (l *Local) path(key string) (string, error) {
	p := filepath.Join(l.baseDir, filepath.FromSlash(key))
	base, err := filepath.Abs(l.baseDir)
	if err != nil {
		return "", fmt.Errorf("objstore: resolve base dir: %w", err)
	}
	abs, err := filepath.Abs(p)
	if err != nil {
		return "", fmt.Errorf("objstore: resolve key path: %w", err)
	}
	if abs != base && !strings.HasPrefix(abs, base+string(filepath.Separator)) {
		return "", fmt.Errorf("objstore: key %q escapes base dir", key)
	}
	return p, nil
}

func (l *Local) Put(ctx context.Context, key string, body io.Reader, contentType string) (UploadResult, error) {
	p, err := l.path(key)
	if err != nil {
		return UploadResult{}, err
	}
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return UploadResult{}, fmt.Errorf("objstore: create object dir: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(p), ".upload-*")
	if err != nil {
		return UploadResult{}, fmt.Errorf("objstore: create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	n, err := io.Copy(tmp, body)
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return UploadResult{}, fmt.Errorf("objstore: write object %s: %w", key, err)
	}
	if err := os.Rename(tmp.Name(), p); err != nil {
		return UploadResult{}, fmt.Errorf("objstore: finalize object %s: %w", key, err)
	}

	return UploadResult{
		Key:         key,
		URL:         l.publicURL(key),
		Size:        n,
		ContentType: contentType,
	}, nil
}

func (l *Local) GetObject(ctx context.Context, key string) (io.ReadCloser, error) {
	p, err := l.path(key)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(p)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("objstore: get %s: %w", key, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("objstore: get %s: %w", key, err)
	}
	return f, nil
}

func (l *Local) HeadObject(ctx context.Context, key string) (*ObjectInfo, error) {
	p, err := l.path(key)
	if err != nil {
		return nil, err
	}
	info, err := os.Stat(p)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("objstore: head %s: %w", key, err)
	}
	return &ObjectInfo{Key: key, Size: info.Size(), LastModified: info.ModTime()}, nil
}

func (l *Local) DeleteObject(ctx context.Context, key string) error {
	p, err := l.path(key)
	if err != nil {
		return err
	}
	if err := os.Remove(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("objstore: delete %s: %w", key, err)
	}
	return nil
}

// DeleteFolder walks the prefix depth-first, removing files first and then
// any directories left empty.
func (l *Local) DeleteFolder(ctx context.Context, prefix string) (int64, error) {
	root, err := l.path(prefix)
	if err != nil {
		return 0, err
	}
	if _, err := os.Stat(root); errors.Is(err, fs.ErrNotExist) {
		return 0, nil
	}

	var deleted int64
	var dirs []string
	err = filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if d.IsDir() {
			dirs = append(dirs, p)
			return nil
		}
		if err := os.Remove(p); err != nil {
			return err
		}
		deleted++
		return nil
	})
	if err != nil {
		return deleted, fmt.Errorf("objstore: delete folder %s: %w", prefix, err)
	}

	// Deepest directories first.
	sort.Slice(dirs, func(i, j int) bool { return len(dirs[i]) > len(dirs[j]) })
	for _, d := range dirs {
		// Ignore failures on non-empty dirs shared with concurrent writers.
		_ = os.Remove(d)
	}
	return deleted, nil
}

func (l *Local) ListObjects(ctx context.Context, opts ListOptions) (ListResult, error) {
	root, err := l.path(opts.Prefix)
	if err != nil {
		return ListResult{}, err
	}
	maxKeys := opts.MaxKeys
	if maxKeys <= 0 {
		maxKeys = 1000
	}

	var keys []ObjectInfo
	walkErr := filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if errors.Is(err, fs.ErrNotExist) {
			return filepath.SkipAll
		}
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(l.baseDir, p)
		if err != nil {
			return err
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		keys = append(keys, ObjectInfo{
			Key:          filepath.ToSlash(rel),
			Size:         info.Size(),
			LastModified: info.ModTime(),
		})
		return nil
	})
	if walkErr != nil {
		return ListResult{}, fmt.Errorf("objstore: list %s: %w", opts.Prefix, walkErr)
	}

	sort.Slice(keys, func(i, j int) bool { return keys[i].Key < keys[j].Key })

	// The continuation token is the last key of the previous page.
	start := 0
	if opts.ContinuationToken != "" {
		start = sort.Search(len(keys), func(i int) bool {
			return keys[i].Key > opts.ContinuationToken
		})
	}
	end := min(start+maxKeys, len(keys))

	out := ListResult{Objects: keys[start:end]}
	if end < len(keys) {
		out.Truncated = true
		out.NextContinuation = keys[end-1].Key
	}
	return out, nil
}

// SignedURL on the local backend returns the public URL; expiry and response
// header overrides are best-effort hints carried as query parameters.
func (l *Local) SignedURL(ctx context.Context, key string, opts SignOptions) (string, error) {
	u := l.publicURL(key)
	q := url.Values{}
	if opts.ExpiresIn > 0 {
		q.Set("expires", fmt.Sprintf("%d", time.Now().Add(opts.ExpiresIn).Unix()))
	}
	if opts.ResponseContentType != "" {
		q.Set("response-content-type", opts.ResponseContentType)
	}
	if opts.ResponseContentDisposition != "" {
		q.Set("response-content-disposition", opts.ResponseContentDisposition)
	}
	if len(q) > 0 {
		u += "?" + q.Encode()
	}
	return u, nil
}

// HealthCheck writes and removes a probe file in the base directory.
func (l *Local) HealthCheck(ctx context.Context) error {
	probe := filepath.Join(l.baseDir, ".health-check")
	if err := os.WriteFile(probe, []byte("ok"), 0o644); err != nil {
		return fmt.Errorf("objstore: health probe write: %w", err)
	}
	if err := os.Remove(probe); err != nil {
		return fmt.Errorf("objstore: health probe remove: %w", err)
	}
	return nil
}

func (l *Local) publicURL(key string) string {
	escaped := make([]string, 0, 4)
	for _, seg := range strings.Split(key, "/") {
		escaped = append(escaped, url.PathEscape(seg))
	}
	return l.baseURL + "/" + strings.Join(escaped, "/")
}
