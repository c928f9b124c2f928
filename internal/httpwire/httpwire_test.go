package httpwire

import (
	"bytes"
	"strings"
	"testing"

	"github.com/cobrahttp/cobrahttp/internal/iostream"
	"github.com/stretchr/testify/require"
)

func newBufReader(s string) *iostream.BufReader {
	return iostream.NewBufReader(strings.NewReader(s), 0)
}

func TestHeaderCanonicalCase(t *testing.T) {
	h := NewHeader()
	h.Set("content-TYPE", "text/plain")
	v, ok := h.Get("Content-Type")
	require.True(t, ok)
	require.Equal(t, "text/plain", v)
	require.Equal(t, []string{"Content-Type"}, h.Keys())
}

func TestHeaderAddFolds(t *testing.T) {
	h := NewHeader()
	h.Add("X-Trace", "a")
	h.Add("x-trace", "b")
	require.Equal(t, "a, b", h.Value("X-Trace"))
}

func TestParseRequestSimple(t *testing.T) {
	raw := "GET /foo/bar?x=1 HTTP/1.1\r\nHost: example.com\r\nAccept: */*\r\n\r\n"
	req, err := ParseRequest(newBufReader(raw))
	require.NoError(t, err)
	require.Equal(t, "GET", req.Method)
	require.Equal(t, "/foo/bar?x=1", req.Target)
	require.Equal(t, Version{1, 1}, req.Version)
	require.Equal(t, "example.com", req.Header.Value("Host"))
	require.Equal(t, "*/*", req.Header.Value("Accept"))
}

func TestParseRequestFoldsDuplicateHeaders(t *testing.T) {
	raw := "GET / HTTP/1.1\r\nX-A: one\r\nX-A: two\r\n\r\n"
	req, err := ParseRequest(newBufReader(raw))
	require.NoError(t, err)
	require.Equal(t, "one, two", req.Header.Value("X-A"))
}

func TestParseRequestLineFolding(t *testing.T) {
	raw := "GET / HTTP/1.1\r\nX-Long: part one\r\n part two\r\n\r\n"
	req, err := ParseRequest(newBufReader(raw))
	require.NoError(t, err)
	require.Equal(t, "part one part two", req.Header.Value("X-Long"))
}

func TestParseRequestRejectsEmptyMethod(t *testing.T) {
	_, err := ParseRequest(newBufReader(" / HTTP/1.1\r\n\r\n"))
	require.ErrorIs(t, err, ErrEmptyRequestMethod)
}

func TestParseResponseSimple(t *testing.T) {
	raw := "HTTP/1.1 200 OK\r\nContent-Length: 5\r\n\r\n"
	resp, err := ParseResponse(newBufReader(raw))
	require.NoError(t, err)
	require.Equal(t, 200, resp.Code)
	require.Equal(t, "OK", resp.Reason)
	require.Equal(t, "5", resp.Header.Value("Content-Length"))
}

func TestParseCGIHeadersFirstWins(t *testing.T) {
	raw := "Status: 200\nX-A: one\nX-A: two\n\n"
	h, err := ParseCGIHeaders(newBufReader(raw))
	require.NoError(t, err)
	require.Equal(t, "one", h.Value("X-A"))
}

func TestWriteRequestRoundTrip(t *testing.T) {
	req := NewRequest(Version{1, 1}, "GET", "/a/b")
	req.Header.Set("Host", "example.com")
	var buf bytes.Buffer
	require.NoError(t, WriteRequest(&buf, req))

	reparsed, err := ParseRequest(newBufReader(buf.String()))
	require.NoError(t, err)
	require.Equal(t, req.Method, reparsed.Method)
	require.Equal(t, req.Target, reparsed.Target)
	require.Equal(t, "example.com", reparsed.Header.Value("Host"))
}

func TestParseTargetVariants(t *testing.T) {
	target, err := ParseTarget("/a/b?c=1", "GET")
	require.NoError(t, err)
	origin, ok := target.(Origin)
	require.True(t, ok)
	require.Equal(t, AbsPath{"a", "b"}, origin.Path)
	require.Equal(t, "c=1", *origin.Query)

	target, err = ParseTarget("*", "OPTIONS")
	require.NoError(t, err)
	require.Equal(t, Asterisk{}, target)

	target, err = ParseTarget("example.com:443", "CONNECT")
	require.NoError(t, err)
	require.Equal(t, Authority("example.com:443"), target)

	target, err = ParseTarget("http://example.com/x", "GET")
	require.NoError(t, err)
	require.Equal(t, Absolute("http://example.com/x"), target)
}

func TestAbsPathNormalize(t *testing.T) {
	p := AbsPath{"a", "..", "b", ".", "c"}
	require.Equal(t, AbsPath{"b", "c"}, p.Normalize())
}

func TestAbsPathFSPathRejectsEmbeddedSlash(t *testing.T) {
	_, ok := AbsPath{"a%2fb"}.FSPath()
	require.True(t, ok) // percent-decoded before FSPath is called in practice

	_, ok = AbsPath{"a/b"}.FSPath()
	require.False(t, ok)
}

func TestParseOriginPercentDecoding(t *testing.T) {
	origin, err := ParseOrigin("/a%20b/c")
	require.NoError(t, err)
	require.Equal(t, AbsPath{"a b", "c"}, origin.Path)
}
