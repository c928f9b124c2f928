// Package static implements the file-serving handler: open
// {root, file}, infer a content type from the extension, and stream
// the file's bytes back as the response body.
package static

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/cobrahttp/cobrahttp/internal/handlers"
	"github.com/cobrahttp/cobrahttp/internal/httpwire"
	"github.com/cobrahttp/cobrahttp/internal/iostream"
)

// contentTypes is the small extension table spec.md §4.F calls for,
// in place of shelling out to the OS mime database the way
// net/http.ServeContent does — kept deliberately short.
var contentTypes = map[string]string{
	".html": "text/html; charset=utf-8",
	".htm":  "text/html; charset=utf-8",
	".css":  "text/css; charset=utf-8",
	".js":   "text/javascript; charset=utf-8",
	".json": "application/json",
	".txt":  "text/plain; charset=utf-8",
	".xml":  "application/xml",
	".png":  "image/png",
	".jpg":  "image/jpeg",
	".jpeg": "image/jpeg",
	".gif":  "image/gif",
	".svg":  "image/svg+xml",
	".ico":  "image/x-icon",
	".pdf":  "application/pdf",
	".wasm": "application/wasm",
}

const defaultContentType = "application/octet-stream"

func contentTypeFor(name string) string {
	if ct, ok := contentTypes[strings.ToLower(filepath.Ext(name))]; ok {
		return ct
	}
	return defaultContentType
}

// Handler serves files beneath Config.StaticRoot, joined with the
// residual request path (Req.File), per spec.md §4.F.
type Handler struct {
	// StatusCode overrides the 200 written on success, if non-zero.
	StatusCode int
}

// New returns a Handler with the default 200 success status.
func New() *Handler { return &Handler{} }

func (h *Handler) Serve(ctx context.Context, req *handlers.Request, w iostream.Writer) error {
	root := req.Config.StaticRoot
	name := filepath.Join(root, filepath.FromSlash(req.File))

	// filepath.Join cleans ".." segments away, but guard against a
	// root escape explicitly: the joined path must still live under root.
	if !within(root, name) {
		return writeNotFound(w, req.Version)
	}

	f, err := os.Open(name)
	if err != nil {
		return writeNotFound(w, req.Version)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil || info.IsDir() {
		return writeNotFound(w, req.Version)
	}

	status := h.StatusCode
	if status == 0 {
		status = 200
	}
	resp := httpwire.NewResponse(req.Version, status, httpwire.ReasonPhrase(status))
	resp.Header.Set("Content-Type", contentTypeFor(name))
	size := info.Size()
	resp.Header.Set("Content-Length", strconv.FormatInt(size, 10))

	if err := httpwire.WriteResponse(w, resp); err != nil {
		return err
	}
	return copyExactly(w, f, size)
}

func within(root, name string) bool {
	rel, err := filepath.Rel(root, name)
	if err != nil {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}

// copyExactly writes exactly n bytes from r to w, per spec.md §4.F: if
// the file shrank between open and read, the handler must not write a
// short body silently — it fails the connection instead.
func copyExactly(w iostream.Writer, r io.Reader, n int64) error {
	buf := make([]byte, 32*1024)
	var written int64
	for written < n {
		want := int64(len(buf))
		if remain := n - written; remain < want {
			want = remain
		}
		rn, rerr := r.Read(buf[:want])
		if rn > 0 {
			if werr := iostream.WriteAll(w, buf[:rn]); werr != nil {
				return werr
			}
			written += int64(rn)
		}
		if rerr != nil {
			return rerr
		}
		if rn == 0 {
			return fmt.Errorf("static: file shrank mid-response: wrote %d of %d bytes", written, n)
		}
	}
	return nil
}

func writeNotFound(w iostream.Writer, version httpwire.Version) error {
	resp := httpwire.NewResponse(version, 404, "Not Found")
	resp.Header.Set("Content-Length", "0")
	return httpwire.WriteResponse(w, resp)
}
