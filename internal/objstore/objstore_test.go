package objstore

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newLocal(t *testing.T) *Local {
	t.Helper()
	l, err := NewLocal(t.TempDir(), "http://localhost:8080/storage", slog.New(slog.DiscardHandler))
	require.NoError(t, err)
	return l
}

func TestSanitizeFilename(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"report.png", "report.png"},
		{"../../etc/passwd", "etcpasswd"},
		{`..\..\boot.ini`, "boot.ini"},
		{"my file (1).png", "my_file__1_.png"},
		{"", "attachment"},
		{"..", "attachment"},
		{"///", "attachment"},
		{"résumé.pdf", "r_sum_.pdf"},
		{"UPPER_case-ok.txt", "UPPER_case-ok.txt"},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, SanitizeFilename(tt.in))
		})
	}
}

func TestKeyBuilders(t *testing.T) {
	projectID := uuid.MustParse("11111111-1111-1111-1111-111111111111")
	bugID := uuid.MustParse("22222222-2222-2222-2222-222222222222")

	assert.Equal(t,
		"screenshots/11111111-1111-1111-1111-111111111111/22222222-2222-2222-2222-222222222222/original.png",
		ScreenshotKey(projectID, bugID))
	assert.Equal(t,
		"screenshots/11111111-1111-1111-1111-111111111111/22222222-2222-2222-2222-222222222222/thumbnail.jpg",
		ThumbnailKey(projectID, bugID))
	assert.Equal(t,
		"replays/11111111-1111-1111-1111-111111111111/22222222-2222-2222-2222-222222222222/chunks/3.json.gz",
		ReplayChunkKey(projectID, bugID, 3))
	assert.Equal(t,
		"attachments/11111111-1111-1111-1111-111111111111/22222222-2222-2222-2222-222222222222/log_.txt",
		AttachmentKey(projectID, bugID, "log|.txt"))
}

func TestValidateIDs(t *testing.T) {
	valid := uuid.NewString()
	require.NoError(t, ValidateIDs(valid, valid))
	require.Error(t, ValidateIDs("../escape", valid))
	require.Error(t, ValidateIDs(valid, "not-a-uuid"))
}

func TestLocalPutGetRoundTrip(t *testing.T) {
	l := newLocal(t)
	ctx := context.Background()

	res, err := l.Put(ctx, "screenshots/a/b/original.png", bytes.NewReader([]byte("png bytes")), "image/png")
	require.NoError(t, err)
	assert.Equal(t, "screenshots/a/b/original.png", res.Key)
	assert.EqualValues(t, 9, res.Size)
	assert.Equal(t, "http://localhost:8080/storage/screenshots/a/b/original.png", res.URL)

	rc, err := l.GetObject(ctx, "screenshots/a/b/original.png")
	require.NoError(t, err)
	defer rc.Close()
	data, err := io.ReadAll(rc)
	require.NoError(t, err)
	assert.Equal(t, "png bytes", string(data))
}

func TestLocalGetMissing(t *testing.T) {
	l := newLocal(t)

	_, err := l.GetObject(context.Background(), "screenshots/x/y/nope.png")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestLocalHeadObject(t *testing.T) {
	l := newLocal(t)
	ctx := context.Background()

	info, err := l.HeadObject(ctx, "missing/key")
	require.NoError(t, err)
	assert.Nil(t, info)

	_, err = l.Put(ctx, "attachments/a/b/file.txt", bytes.NewReader([]byte("hello")), "text/plain")
	require.NoError(t, err)

	info, err = l.HeadObject(ctx, "attachments/a/b/file.txt")
	require.NoError(t, err)
	require.NotNil(t, info)
	assert.EqualValues(t, 5, info.Size)
	assert.False(t, info.LastModified.IsZero())
}

func TestLocalDeleteIdempotent(t *testing.T) {
	l := newLocal(t)
	ctx := context.Background()

	_, err := l.Put(ctx, "a/b/c.txt", bytes.NewReader([]byte("x")), "text/plain")
	require.NoError(t, err)

	require.NoError(t, l.DeleteObject(ctx, "a/b/c.txt"))
	// Deleting again is success.
	require.NoError(t, l.DeleteObject(ctx, "a/b/c.txt"))
}

func TestLocalDeleteFolder(t *testing.T) {
	l := newLocal(t)
	ctx := context.Background()

	keys := []string{
		"replays/p/b/metadata.json",
		"replays/p/b/chunks/0.json.gz",
		"replays/p/b/chunks/1.json.gz",
		"replays/p/other/metadata.json",
	}
	for _, k := range keys {
		_, err := l.Put(ctx, k, bytes.NewReader([]byte("data")), "application/octet-stream")
		require.NoError(t, err)
	}

	n, err := l.DeleteFolder(ctx, "replays/p/b/")
	require.NoError(t, err)
	assert.EqualValues(t, 3, n)

	// Sibling prefix untouched.
	info, err := l.HeadObject(ctx, "replays/p/other/metadata.json")
	require.NoError(t, err)
	assert.NotNil(t, info)

	// Missing prefix deletes nothing.
	n, err = l.DeleteFolder(ctx, "replays/p/b/")
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestLocalListObjectsPagination(t *testing.T) {
	l := newLocal(t)
	ctx := context.Background()

	for _, k := range []string{"list/a.txt", "list/b.txt", "list/c.txt"} {
		_, err := l.Put(ctx, k, bytes.NewReader([]byte("x")), "text/plain")
		require.NoError(t, err)
	}

	page1, err := l.ListObjects(ctx, ListOptions{Prefix: "list/", MaxKeys: 2})
	require.NoError(t, err)
	require.Len(t, page1.Objects, 2)
	assert.True(t, page1.Truncated)
	assert.Equal(t, "list/a.txt", page1.Objects[0].Key)
	assert.Equal(t, "list/b.txt", page1.Objects[1].Key)

	page2, err := l.ListObjects(ctx, ListOptions{
		Prefix: "list/", MaxKeys: 2, ContinuationToken: page1.NextContinuation,
	})
	require.NoError(t, err)
	require.Len(t, page2.Objects, 1)
	assert.False(t, page2.Truncated)
	assert.Equal(t, "list/c.txt", page2.Objects[0].Key)
}

func TestLocalPathEscapeRejected(t *testing.T) {
	l := newLocal(t)

	_, err := l.GetObject(context.Background(), "../outside")
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrNotFound)
}

func TestLocalSignedURL(t *testing.T) {
	l := newLocal(t)

	u, err := l.SignedURL(context.Background(), "screenshots/a/b/original.png", SignOptions{
		ResponseContentType: "image/png",
	})
	require.NoError(t, err)
	assert.Contains(t, u, "http://localhost:8080/storage/screenshots/a/b/original.png")
	assert.Contains(t, u, "response-content-type=image%2Fpng")
}

func TestLocalHealthCheckFailsOnMissingDir(t *testing.T) {
	dir := t.TempDir()
	l, err := NewLocal(dir, "http://localhost/storage", slog.New(slog.DiscardHandler))
	require.NoError(t, err)

	require.NoError(t, os.RemoveAll(dir))
	require.Error(t, l.HealthCheck(context.Background()))

	// Probe file is cleaned up on success.
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, l.HealthCheck(context.Background()))
	_, err = os.Stat(filepath.Join(dir, ".health-check"))
	assert.True(t, os.IsNotExist(err))
}
