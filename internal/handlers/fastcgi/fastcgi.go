package fastcgi

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/cobrahttp/cobrahttp/internal/async"
	"github.com/cobrahttp/cobrahttp/internal/handlers"
	"github.com/cobrahttp/cobrahttp/internal/httpwire"
	"github.com/cobrahttp/cobrahttp/internal/iostream"
	"go.uber.org/zap"
)

// Handler dispatches requests to a FastCGI upstream over a shared,
// multiplexed Conn per endpoint (spec.md §4.H). One Handler instance is
// meant to be reused across requests so the underlying connection is
// actually shared — including across requests driven by different
// connections' (and therefore potentially different) executors; Conn's
// own reader task and per-request byteQueues are built to tolerate that
// (see client.go).
type Handler struct {
	mu    sync.Mutex
	conns map[string]*Conn
}

// New returns a FastCGI Handler with no connections yet established.
func New() *Handler { return &Handler{conns: make(map[string]*Conn)} }

func (h *Handler) conn(y *async.Yielder, exec *async.Executor, endpoint string) (*Conn, error) {
	h.mu.Lock()
	if c, ok := h.conns[endpoint]; ok {
		h.mu.Unlock()
		return c, nil
	}
	h.mu.Unlock()

	network, addr, err := parseEndpoint(endpoint)
	if err != nil {
		return nil, err
	}
	c, err := Dial(y, exec, network, addr)
	if err != nil {
		return nil, err
	}

	h.mu.Lock()
	if existing, ok := h.conns[endpoint]; ok {
		h.mu.Unlock()
		c.Close()
		return existing, nil
	}
	h.conns[endpoint] = c
	h.mu.Unlock()
	return c, nil
}

func (h *Handler) dropConn(endpoint string, c *Conn) {
	h.mu.Lock()
	if h.conns[endpoint] == c {
		delete(h.conns, endpoint)
	}
	h.mu.Unlock()
	c.Close()
}

// parseEndpoint accepts "tcp://host:port" or a bare "host:port" (treated
// as tcp), matching the config shape of SPEC_FULL.md §4.L.
func parseEndpoint(endpoint string) (network, addr string, err error) {
	if rest, ok := strings.CutPrefix(endpoint, "tcp://"); ok {
		return "tcp", rest, nil
	}
	if rest, ok := strings.CutPrefix(endpoint, "unix://"); ok {
		return "unix", rest, nil
	}
	if endpoint == "" {
		return "", "", fmt.Errorf("fastcgi: empty endpoint")
	}
	return "tcp", endpoint, nil
}

func (h *Handler) Serve(ctx context.Context, req *handlers.Request, w iostream.Writer) error {
	exec, y := req.Exec, req.Yield
	endpoint := req.Config.CGIEndpoint
	conn, err := h.conn(y, exec, endpoint)
	if err != nil {
		return writeStatus(w, req.Version, 502, "fastcgi: upstream connect failed")
	}

	fr, err := conn.BeginRequest(y)
	if err != nil {
		h.dropConn(endpoint, conn)
		return writeStatus(w, req.Version, 502, "fastcgi: upstream begin failed")
	}

	wroteBody := false

	// Subtask 1: params + client-body -> upstream STDIN, then terminate.
	stdinTask := async.Spawn(exec, func(cy *async.Yielder) (struct{}, error) {
		if err := fr.WriteParams(cy, buildParams(req)); err != nil {
			return struct{}{}, err
		}
		if req.Body != nil {
			if _, err := iostream.Copy(fastcgiStdinWriter{fr, cy}, req.Body); err != nil {
				return struct{}{}, err
			}
		}
		return struct{}{}, fr.CloseStdin(cy)
	})

	// Subtask 2: upstream STDERR -> server diagnostic sink.
	stderrTask := async.Spawn(exec, func(cy *async.Yielder) (struct{}, error) {
		_, err := iostream.Copy(logSink{req.Log}, fr.Stderr(cy))
		return struct{}{}, err
	})

	// Subtask 3: upstream STDOUT -> CGI-header parser -> HTTP response
	// writer -> response body copy to client.
	stdoutTask := async.Spawn(exec, func(cy *async.Yielder) (struct{}, error) {
		br := iostream.NewBufReaderFrom(fr.Stdout(cy), 0)
		hdr, err := httpwire.ParseCGIHeaders(br)
		if err != nil {
			return struct{}{}, fmt.Errorf("fastcgi: malformed header block from upstream: %w", err)
		}
		resp := translateHeaders(req.Version, hdr)
		if err := httpwire.WriteResponse(w, resp); err != nil {
			return struct{}{}, err
		}
		n, err := iostream.Copy(w, br)
		if n > 0 {
			wroteBody = true
		}
		return struct{}{}, err
	})

	_, stdinErr := async.Join(y, stdinTask)
	_, stderrErr := async.Join(y, stderrTask)
	_, stdoutErr := async.Join(y, stdoutTask)
	bridgeErr := firstErr(stdinErr, stderrErr, stdoutErr)

	fr.Wait(y)

	if bridgeErr != nil {
		if wroteBody {
			return bridgeErr
		}
		return writeStatus(w, req.Version, 502, "fastcgi: upstream bridge failed")
	}
	if fr.AppStatus() != 0 && !wroteBody {
		return writeStatus(w, req.Version, 502, fmt.Sprintf("fastcgi: upstream exited %d", fr.AppStatus()))
	}
	return nil
}

func firstErr(errs ...error) error {
	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}

// buildParams synthesizes the FastCGI PARAMS key/value pairs, the same
// RFC 3875-shaped environment the CGI handler sends, matching spec.md
// §4.H "Streams PARAMS records" against the env var set of §4.G.
func buildParams(req *handlers.Request) [][2]string {
	query := ""
	if target, err := httpwire.ParseTarget(req.Target, req.Method); err == nil {
		if origin, ok := target.(httpwire.Origin); ok && origin.Query != nil {
			query = *origin.Query
		}
	}
	pairs := [][2]string{
		{"REQUEST_METHOD", req.Method},
		{"SCRIPT_FILENAME", req.File},
		{"PATH_INFO", "/" + req.File},
		{"QUERY_STRING", query},
		{"REDIRECT_STATUS", "200"},
		{"GATEWAY_INTERFACE", "CGI/1.1"},
		{"SERVER_PROTOCOL", req.Version.String()},
		{"SERVER_SOFTWARE", "cobrahttp"},
	}
	if ct, ok := req.Header.Get("Content-Type"); ok {
		pairs = append(pairs, [2]string{"CONTENT_TYPE", ct})
	}
	if cl, ok := req.Header.Get("Content-Length"); ok {
		pairs = append(pairs, [2]string{"CONTENT_LENGTH", cl})
	}
	for _, key := range req.Header.Keys() {
		if key == "Content-Type" || key == "Content-Length" {
			continue
		}
		name := "HTTP_" + strings.ToUpper(strings.ReplaceAll(key, "-", "_"))
		pairs = append(pairs, [2]string{name, req.Header[key]})
	}
	return pairs
}

// translateHeaders mirrors cgi.translateHeaders: a "Status:" CGI header
// becomes the HTTP status line, "Location:" implies a redirect, and
// everything else passes through.
func translateHeaders(version httpwire.Version, hdr httpwire.Header) *httpwire.Response {
	code, reason := 200, "OK"
	if status, ok := hdr.Get("Status"); ok {
		hdr.Del("Status")
		fields := strings.SplitN(strings.TrimSpace(status), " ", 2)
		if n, err := strconv.Atoi(fields[0]); err == nil {
			code = n
			reason = httpwire.ReasonPhrase(code)
			if len(fields) == 2 {
				reason = fields[1]
			}
		}
	} else if _, ok := hdr.Get("Location"); ok {
		code, reason = 302, "Found"
	}
	resp := httpwire.NewResponse(version, code, reason)
	resp.Header = hdr
	return resp
}

func writeStatus(w iostream.Writer, version httpwire.Version, code int, msg string) error {
	resp := httpwire.NewResponse(version, code, httpwire.ReasonPhrase(code))
	resp.Header.Set("Content-Type", "text/plain; charset=utf-8")
	resp.Header.Set("Content-Length", strconv.Itoa(len(msg)))
	if err := httpwire.WriteResponse(w, resp); err != nil {
		return err
	}
	return iostream.WriteAll(w, []byte(msg))
}

// fastcgiStdinWriter adapts Request.WriteStdin to the iostream.Writer
// capability iostream.Copy expects, bound to the stdin subtask's Yielder.
type fastcgiStdinWriter struct {
	req *Request
	y   *async.Yielder
}

func (s fastcgiStdinWriter) Write(p []byte) (int, error) {
	if err := s.req.WriteStdin(s.y, p); err != nil {
		return 0, err
	}
	return len(p), nil
}

// logSink adapts a *zap.Logger into an iostream.Writer that logs each
// chunk as a single diagnostic line, the "server diagnostic sink" of
// spec.md §4.H/§4.G.
type logSink struct{ log *zap.Logger }

func (s logSink) Write(p []byte) (int, error) {
	if s.log != nil && len(p) > 0 {
		s.log.Warn("fastcgi stderr", zap.ByteString("chunk", p))
	}
	return len(p), nil
}
