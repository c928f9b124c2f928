package static

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/cobrahttp/cobrahttp/internal/handlers"
	"github.com/cobrahttp/cobrahttp/internal/httpwire"
	"github.com/cobrahttp/cobrahttp/internal/routing"
	"github.com/stretchr/testify/require"
)

func newReq(t *testing.T, root, file string) *handlers.Request {
	t.Helper()
	return &handlers.Request{
		Request: httpwire.NewRequest(httpwire.Version{Major: 1, Minor: 1}, "GET", "/"+file),
		Config:  &routing.HandlerConfig{StaticRoot: root},
		File:    file,
	}
}

func TestServeFileReturnsContent(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "index.html"), []byte("<h1>hi</h1>"), 0o644))

	var buf bytes.Buffer
	err := New().Serve(context.Background(), newReq(t, dir, "index.html"), &buf)
	require.NoError(t, err)

	out := buf.String()
	require.True(t, strings.HasPrefix(out, "HTTP/1.1 200 OK\r\n"))
	require.Contains(t, out, "Content-Type: text/html; charset=utf-8\r\n")
	require.Contains(t, out, "Content-Length: 11\r\n")
	require.True(t, strings.HasSuffix(out, "<h1>hi</h1>"))
}

func TestServeFileMissingIs404(t *testing.T) {
	dir := t.TempDir()
	var buf bytes.Buffer
	err := New().Serve(context.Background(), newReq(t, dir, "nope.html"), &buf)
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(buf.String(), "HTTP/1.1 404 Not Found\r\n"))
}

func TestServeFileRejectsRootEscape(t *testing.T) {
	dir := t.TempDir()
	var buf bytes.Buffer
	err := New().Serve(context.Background(), newReq(t, dir, "../../etc/passwd"), &buf)
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(buf.String(), "HTTP/1.1 404 Not Found\r\n"))
}

func TestServeFileDirectoryIs404(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.Mkdir(filepath.Join(dir, "sub"), 0o755))
	var buf bytes.Buffer
	err := New().Serve(context.Background(), newReq(t, dir, "sub"), &buf)
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(buf.String(), "HTTP/1.1 404 Not Found\r\n"))
}

func TestServeFileUnknownExtensionDefaultsOctetStream(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "blob.bin"), []byte("data"), 0o644))
	var buf bytes.Buffer
	err := New().Serve(context.Background(), newReq(t, dir, "blob.bin"), &buf)
	require.NoError(t, err)
	require.Contains(t, buf.String(), "Content-Type: application/octet-stream\r\n")
}
