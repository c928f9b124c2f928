// Package cgi implements the CGI backend handler of spec.md §4.G: spawn
// a child process per request, synthesize its RFC 3875 environment, and
// bridge its stdin/stdout/stderr to the client full-duplex.
package cgi

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"

	"github.com/cobrahttp/cobrahttp/internal/async"
	"github.com/cobrahttp/cobrahttp/internal/handlers"
	"github.com/cobrahttp/cobrahttp/internal/httpwire"
	"github.com/cobrahttp/cobrahttp/internal/iostream"
	"github.com/cobrahttp/cobrahttp/internal/netfd"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

// Handler spawns Config.CGICommand as a child process per request,
// grounded on caddyhttp/fastcgi.Handler.buildEnv's env-var synthesis
// (adapted here to RFC 3875 CGI, not FastCGI params) and
// original_source's cobra/process.hh spawn/pipe/reap shape. The three
// pipes are bridged by child async.Tasks spawned on the connection's own
// Executor, not by plain goroutines, so the bridge's blocking I/O still
// only ever runs while it holds that executor's single compute token —
// the same cooperative scheduling the connection's own Task runs under.
type Handler struct{}

// New returns a CGI Handler.
func New() *Handler { return &Handler{} }

func (h *Handler) Serve(ctx context.Context, req *handlers.Request, w iostream.Writer) error {
	if len(req.Config.CGICommand) == 0 {
		return writeStatus(w, req.Version, 500, "CGI handler has no command configured")
	}

	cmd := exec.CommandContext(ctx, req.Config.CGICommand[0], req.Config.CGICommand[1:]...)
	cmd.Env = buildEnv(req)

	stdinR, stdinW, err := openPipe()
	if err != nil {
		return writeStatus(w, req.Version, 502, "cgi: failed to open stdin pipe")
	}
	stdoutR, stdoutW, err := openPipe()
	if err != nil {
		unix.Close(stdinR)
		unix.Close(stdinW)
		return writeStatus(w, req.Version, 502, "cgi: failed to open stdout pipe")
	}
	stderrR, stderrW, err := openPipe()
	if err != nil {
		unix.Close(stdinR)
		unix.Close(stdinW)
		unix.Close(stdoutR)
		unix.Close(stdoutW)
		return writeStatus(w, req.Version, 502, "cgi: failed to open stderr pipe")
	}

	// Only the parent's ends need to be non-blocking; the child inherits
	// ordinary blocking fds, matching what a CGI script expects of
	// stdin/stdout/stderr.
	unix.SetNonblock(stdinW, true)  //nolint:errcheck
	unix.SetNonblock(stdoutR, true) //nolint:errcheck
	unix.SetNonblock(stderrR, true) //nolint:errcheck

	cmd.Stdin = os.NewFile(uintptr(stdinR), "stdin")
	cmd.Stdout = os.NewFile(uintptr(stdoutW), "stdout")
	cmd.Stderr = os.NewFile(uintptr(stderrW), "stderr")

	if err := cmd.Start(); err != nil {
		unix.Close(stdinR)
		unix.Close(stdinW)
		unix.Close(stdoutR)
		unix.Close(stdoutW)
		unix.Close(stderrR)
		unix.Close(stderrW)
		return writeStatus(w, req.Version, 502, "cgi: failed to start child process")
	}
	// The child now owns its ends; drop the parent's duplicates.
	unix.Close(stdinR)
	unix.Close(stdoutW)
	unix.Close(stderrW)

	exec_, y := req.Exec, req.Yield
	stdin := netfd.NewRawFD(exec_, stdinW)
	stdout := netfd.NewRawFD(exec_, stdoutR)
	stderr := netfd.NewRawFD(exec_, stderrR)

	wroteBody := false

	// Subtask 1: client-body -> child-stdin, close stdin at client EOF.
	stdinTask := async.Spawn(exec_, func(cy *async.Yielder) (struct{}, error) {
		defer stdin.Close()
		if req.Body == nil {
			return struct{}{}, nil
		}
		_, err := iostream.Copy(netfd.NewRawBound(stdin, cy), req.Body)
		return struct{}{}, err
	})

	// Subtask 2: child-stdout -> CGI-header parser -> HTTP response writer
	// -> response body copy to client.
	stdoutTask := async.Spawn(exec_, func(cy *async.Yielder) (struct{}, error) {
		defer stdout.Close()
		br := iostream.NewBufReaderFrom(netfd.NewRawBound(stdout, cy), 0)
		hdr, err := httpwire.ParseCGIHeaders(br)
		if err != nil {
			return struct{}{}, fmt.Errorf("cgi: malformed header block from child: %w", err)
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

	// Subtask 3: child-stderr -> server diagnostic sink (optional).
	stderrTask := async.Spawn(exec_, func(cy *async.Yielder) (struct{}, error) {
		defer stderr.Close()
		sinkLines(netfd.NewRawBound(stderr, cy), func(line string) {
			if req.Log != nil {
				req.Log.Warn("cgi stderr", zap.String("line", line))
			}
		})
		return struct{}{}, nil
	})

	_, stdinErr := async.Join(y, stdinTask)
	_, stdoutErr := async.Join(y, stdoutTask)
	_, stderrErr := async.Join(y, stderrTask)
	bridgeErr := firstErr(stdinErr, stdoutErr, stderrErr)

	exitCode, waitErr := reap(y, ctx, cmd)

	if bridgeErr != nil {
		if wroteBody {
			// Headers have already begun streaming; per spec.md §7 the
			// connection must now close abruptly rather than emit another
			// response.
			return bridgeErr
		}
		return writeStatus(w, req.Version, 502, "cgi: upstream bridge failed")
	}
	if waitErr == nil && exitCode != 0 && !wroteBody {
		return writeStatus(w, req.Version, 502, fmt.Sprintf("cgi: child exited %d with no output", exitCode))
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

// openPipe creates a blocking pipe; the caller decides which end, if
// any, to switch to non-blocking mode for cooperative driving.
func openPipe() (r, w int, err error) {
	var fds [2]int
	if err := unix.Pipe2(fds[:], 0); err != nil {
		return 0, 0, err
	}
	return fds[0], fds[1], nil
}

// reap suspends (via y) until the child exits, the way original_source's
// process.hh reap() blocks the calling fiber, translated to this
// runtime's WaitPID suspension point instead of a raw blocking Wait4.
func reap(y *async.Yielder, ctx context.Context, cmd *exec.Cmd) (int, error) {
	return y.WaitPID(cmd.Process, ctx)
}

// buildEnv synthesizes the RFC 3875 CGI environment spec.md §4.G
// requires, adapted from buildEnv's HTTP_* header-folding idiom.
func buildEnv(req *handlers.Request) []string {
	env := []string{
		"REQUEST_METHOD=" + req.Method,
		"SCRIPT_FILENAME=" + req.Config.CGICommand[0],
		"PATH_INFO=/" + req.File,
		"REDIRECT_STATUS=200",
		"GATEWAY_INTERFACE=CGI/1.1",
		"SERVER_PROTOCOL=" + req.Version.String(),
		"SERVER_SOFTWARE=cobrahttp",
	}
	query := ""
	if target, err := httpwire.ParseTarget(req.Target, req.Method); err == nil {
		if origin, ok := target.(httpwire.Origin); ok && origin.Query != nil {
			query = *origin.Query
		}
	}
	env = append(env, "QUERY_STRING="+query)
	if ct, ok := req.Header.Get("Content-Type"); ok {
		env = append(env, "CONTENT_TYPE="+ct)
	}
	if cl, ok := req.Header.Get("Content-Length"); ok {
		env = append(env, "CONTENT_LENGTH="+cl)
	}
	for _, key := range req.Header.Keys() {
		if key == "Content-Type" || key == "Content-Length" {
			continue
		}
		name := "HTTP_" + strings.ToUpper(strings.ReplaceAll(key, "-", "_"))
		env = append(env, name+"="+req.Header[key])
	}
	return append(env, os.Environ()...)
}

// translateHeaders converts a CGI header block into an HTTP response per
// spec.md §4.G: "Status: NNN[ reason]" becomes the status line,
// "Location:" becomes a redirect, everything else (Content-Type,
// Set-Cookie, ...) passes through unchanged.
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

// sinkLines reads newline-delimited lines from r until end-of-stream,
// invoking onLine for each complete line (trailing \r stripped), the
// cooperative-I/O replacement for bufio.Scanner over a blocking pipe.
func sinkLines(r iostream.Reader, onLine func(string)) {
	br := iostream.NewBufReaderFrom(r, 0)
	var cur []byte
	for {
		buf, err := br.FillBuf()
		if i := bytes.IndexByte(buf, '\n'); i >= 0 {
			cur = append(cur, buf[:i]...)
			onLine(strings.TrimSuffix(string(cur), "\r"))
			cur = cur[:0]
			br.Consume(i + 1)
			continue
		}
		if len(buf) > 0 {
			cur = append(cur, buf...)
			br.Consume(len(buf))
		}
		if err != nil || len(buf) == 0 {
			if len(cur) > 0 {
				onLine(strings.TrimSuffix(string(cur), "\r"))
			}
			return
		}
	}
}
