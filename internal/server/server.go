// Package server implements the connection lifecycle of spec.md §4.K:
// per listen endpoint, an accept loop that spawns one connection task
// per accepted socket, parses exactly one request per connection,
// routes it, runs the matched handler, and logs one access line before
// closing — no persistent connections, per spec.md §1 Non-goals.
//
// Plain (non-TLS) connections run end to end on internal/async's
// cooperative executor over internal/netfd's raw non-blocking sockets,
// genuinely exercising component B. TLS connections instead use the
// ordinary blocking net+crypto/tls path (one goroutine per connection),
// matching spec.md §1's treatment of TLS as an external byte-stream
// collaborator the core need not schedule itself; both paths converge
// on the same handleConnection logic since component A's capability
// interfaces erase the difference between the two transports.
package server

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/cobrahttp/cobrahttp/internal/async"
	"github.com/cobrahttp/cobrahttp/internal/config"
	"github.com/cobrahttp/cobrahttp/internal/handlers"
	"github.com/cobrahttp/cobrahttp/internal/httpwire"
	"github.com/cobrahttp/cobrahttp/internal/iostream"
	"github.com/cobrahttp/cobrahttp/internal/netfd"
	"github.com/cobrahttp/cobrahttp/internal/routing"
	"github.com/cobrahttp/cobrahttp/internal/tlsadapter"
	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Options carries the tunables SPEC_FULL.md §6 adds to the CLI surface
// beyond spec.md's bare "config path" positional argument.
type Options struct {
	ReadTimeout   time.Duration
	WriteTimeout  time.Duration
	ListenBacklog int
}

func (o Options) withDefaults() Options {
	if o.ReadTimeout <= 0 {
		o.ReadTimeout = 30 * time.Second
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = 30 * time.Second
	}
	return o
}

// Server owns the decoded configuration and the long-lived handler
// instances every connection dispatches to.
type Server struct {
	cfg      *config.Config
	log      *zap.Logger
	backends *backends
	opts     Options
}

// New builds a Server ready to Run.
func New(cfg *config.Config, log *zap.Logger, opts Options) *Server {
	opts = opts.withDefaults()
	netfd.SetBacklog(opts.ListenBacklog)
	return &Server{cfg: cfg, log: log, backends: newBackends(), opts: opts}
}

// Run binds every distinct listen address in the configuration and
// blocks until ctx is cancelled or a listener fails irrecoverably.
func (s *Server) Run(ctx context.Context) error {
	seen := make(map[string]bool)
	g, ctx := errgroup.WithContext(ctx)
	for _, l := range s.cfg.Listeners {
		if seen[l.Address] {
			continue
		}
		seen[l.Address] = true
		addr := l.Address
		sites := config.TLSSites(s.cfg.Listeners, addr)
		if len(sites) > 0 {
			g.Go(func() error { return s.runTLSListener(ctx, addr, sites) })
		} else {
			g.Go(func() error { return s.runPlainListener(ctx, addr) })
		}
	}
	return g.Wait()
}

func (s *Server) runPlainListener(ctx context.Context, addr string) error {
	exec, err := async.NewExecutor()
	if err != nil {
		return fmt.Errorf("server: new executor for %s: %w", addr, err)
	}
	done := make(chan struct{})
	go async.RunReactorLoop(exec.Reactor, done)
	defer close(done)

	ln, err := netfd.ListenTCP(exec, addr)
	if err != nil {
		return fmt.Errorf("server: %w", err)
	}
	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	s.log.Info("listening", zap.String("address", addr), zap.String("transport", "plain"))

	port := portFromAddr(addr)
	accept := async.Spawn(exec, func(y *async.Yielder) (struct{}, error) {
		for {
			conn, err := ln.Accept(y)
			if err != nil {
				if ctx.Err() != nil {
					return struct{}{}, nil
				}
				return struct{}{}, err
			}
			async.Spawn(exec, func(y *async.Yielder) (struct{}, error) {
				s.serveConnPlain(ctx, exec, y, conn, port)
				return struct{}{}, nil
			})
		}
	})
	_, err = accept.Await()
	return err
}

func (s *Server) runTLSListener(ctx context.Context, addr string, sites []tlsadapter.Site) error {
	mux, err := tlsadapter.NewMultiplexer(sites)
	if err != nil {
		return fmt.Errorf("server: %w", err)
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("server: listen %s: %w", addr, err)
	}
	tlsLn := tls.NewListener(ln, mux.Config())
	go func() {
		<-ctx.Done()
		tlsLn.Close()
	}()

	s.log.Info("listening", zap.String("address", addr), zap.String("transport", "tls"))

	port := portFromAddr(addr)
	for {
		conn, err := tlsLn.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("server: accept on %s: %w", addr, err)
		}
		go s.serveConnTLS(ctx, conn, port)
	}
}

func (s *Server) serveConnPlain(ctx context.Context, exec *async.Executor, y *async.Yielder, conn *netfd.Conn, port int) {
	defer conn.Close()
	bound := netfd.NewBound(conn, y)
	conn.SetDeadline(time.Now().Add(s.opts.ReadTimeout))
	br := iostream.NewBufReaderFrom(bound, 0)
	s.handleConnection(ctx, exec, y, br, bound, port, bound.RemoteAddr(), func() {
		conn.SetDeadline(time.Time{})
	})
}

// serveConnTLS gives each TLS connection its own small Executor/Reactor,
// purely so a handler bridging to CGI/FastCGI/a proxied upstream still has
// a Yielder to spawn cooperative subtasks on. The TLS socket's own reads
// and writes stay on the blocking net+crypto/tls path (this connection's
// one goroutine), so unrelated TLS connections never contend over a
// shared compute token the way two plain connections sharing a listener's
// executor do.
func (s *Server) serveConnTLS(ctx context.Context, conn net.Conn, port int) {
	defer conn.Close()
	conn.SetReadDeadline(time.Now().Add(s.opts.ReadTimeout)) //nolint:errcheck

	exec, err := async.NewExecutor()
	if err != nil {
		s.log.Error("tls connection: new executor", zap.Error(err))
		return
	}
	defer exec.Reactor.Close()
	done := make(chan struct{})
	go async.RunReactorLoop(exec.Reactor, done)
	defer close(done)

	br := iostream.NewBufReader(conn, 0)
	task := async.Spawn(exec, func(y *async.Yielder) (struct{}, error) {
		s.handleConnection(ctx, exec, y, br, conn, port, conn.RemoteAddr().String(), func() {
			conn.SetReadDeadline(time.Time{}) //nolint:errcheck
		})
		return struct{}{}, nil
	})
	task.Await() //nolint:errcheck
}

// handleConnection is spec.md §4.K's seven steps, shared verbatim by
// both transports: parse one request, route it, dispatch to a handler,
// flush, log, return (the caller closes the connection).
func (s *Server) handleConnection(ctx context.Context, exec *async.Executor, y *async.Yielder, br iostream.BufferedReader, w iostream.Writer, localPort int, remoteAddr string, clearReadDeadline func()) {
	start := time.Now()
	reqID := uuid.New().String()

	req, err := httpwire.ParseRequest(br)
	if err != nil {
		if isQuietClose(err) {
			return
		}
		code := classifyParseError(err)
		writeSimpleStatus(w, httpwire.Version{Major: 1, Minor: 1}, code)
		s.logAccess(reqID, "", "", code, remoteAddr, start, 0)
		return
	}
	clearReadDeadline()

	target, err := httpwire.ParseTarget(req.Target, req.Method)
	if err != nil {
		writeSimpleStatus(w, req.Version, 400)
		s.logAccess(reqID, req.Method, req.Target, 400, remoteAddr, start, 0)
		return
	}
	origin, _ := target.(httpwire.Origin)
	path := origin.Path.Normalize()

	host := req.Header.Value("Host")
	match, ok := routing.Evaluate(s.cfg.Forest, routing.Input{Port: localPort, Method: req.Method, Host: host, Path: path})
	if !ok {
		writeSimpleStatus(w, req.Version, 404)
		s.logAccess(reqID, req.Method, req.Target, 404, remoteAddr, start, 0)
		return
	}

	backend := s.backends.resolve(match.Handler)
	if backend == nil {
		writeSimpleStatus(w, req.Version, 500)
		s.logAccess(reqID, req.Method, req.Target, 500, remoteAddr, start, 0)
		return
	}

	maxBody := s.maxBodyFor(localPort)
	body, bodyErr := boundBody(req.Header, br, maxBody)
	if bodyErr != nil {
		writeSimpleStatus(w, req.Version, 413)
		s.logAccess(reqID, req.Method, req.Target, 413, remoteAddr, start, 0)
		return
	}

	out := iostream.Writer(w)
	var enc *deflateEncoder
	if shouldEncode(match.File, req.Header.Value("Accept-Encoding")) {
		enc = newDeflateEncoder(out)
		out = enc
	}
	capture := newStatusCapture(out)

	hreq := &handlers.Request{
		Request:    req,
		Body:       body,
		Config:     match.Handler,
		File:       match.File,
		RemoteAddr: remoteAddr,
		LocalPort:  localPort,
		Log:        s.log.With(zap.String("request_id", reqID)),
		Exec:       exec,
		Yield:      y,
	}

	serveErr := backend.Serve(ctx, hreq, capture)
	if enc != nil {
		if cerr := enc.Close(); cerr != nil && serveErr == nil {
			serveErr = cerr
		}
	}
	if serveErr != nil {
		s.log.Warn("handler error", zap.String("request_id", reqID), zap.Error(serveErr))
	}

	status := capture.status
	if status == 0 {
		status = 500
	}
	s.logAccess(reqID, req.Method, req.Target, status, remoteAddr, start, capture.written)
}

func boundBody(h httpwire.Header, br iostream.BufferedReader, maxBody int64) (iostream.Reader, error) {
	cl, ok := h.Get("Content-Length")
	if !ok {
		return iostream.NewLimitReader(br, 0), nil
	}
	n, err := parseContentLength(cl)
	if err != nil {
		return nil, err
	}
	if n > maxBody {
		return nil, fmt.Errorf("server: request body %d exceeds max %d", n, maxBody)
	}
	return iostream.NewLimitReader(br, n), nil
}

func parseContentLength(s string) (int64, error) {
	var n int64
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return 0, fmt.Errorf("server: malformed Content-Length %q", s)
		}
		n = n*10 + int64(s[i]-'0')
	}
	return n, nil
}

func (s *Server) maxBodyFor(port int) int64 {
	for _, l := range s.cfg.Listeners {
		if portFromAddr(l.Address) == port {
			return l.MaxBodySize
		}
	}
	return 10 << 20
}

func (s *Server) logAccess(reqID, method, target string, status int, remoteAddr string, start time.Time, bytesWritten int64) {
	s.log.Info("access",
		zap.String("request_id", reqID),
		zap.String("method", method),
		zap.String("target", target),
		zap.Int("status", status),
		zap.String("remote_addr", remoteAddr),
		zap.Duration("duration", time.Since(start)),
		zap.String("bytes_written", humanize.Bytes(uint64(max64(bytesWritten, 0)))),
	)
}

func max64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}

// classifyParseError maps the wire-parse error taxonomy of spec.md §7
// onto a response status: a read deadline elapsed before a full request
// line was seen is 408, an oversized request-target is 414, header-map
// bound errors are 431 (an oversized method, per spec.md §8 scenario S6,
// is plain 400 like every other malformed-request-line case), everything
// else observed before a valid request is 400.
func classifyParseError(err error) int {
	switch {
	case isTimeout(err):
		return 408
	case errors.Is(err, httpwire.ErrRequestURITooLong):
		return 414
	case errors.Is(err, httpwire.ErrHeaderKeyTooLong),
		errors.Is(err, httpwire.ErrHeaderValueTooLong),
		errors.Is(err, httpwire.ErrHeaderMapTooLong),
		errors.Is(err, httpwire.ErrHeaderMapTooLarge):
		return 431
	default:
		return 400
	}
}

// isTimeout reports whether err (possibly wrapped) is a request-read
// deadline expiring, whether from the cooperative reactor (async.ErrTimeout)
// or a blocking net.Conn's deadline (net.Error.Timeout()).
func isTimeout(err error) bool {
	if errors.Is(err, async.ErrTimeout) {
		return true
	}
	var ne net.Error
	if errors.As(err, &ne) {
		return ne.Timeout()
	}
	return false
}

// isQuietClose reports whether err is simply the client closing the
// connection before sending anything worth a response to. Timeouts are
// not quiet: spec.md §7 gives them their own 408 instead.
func isQuietClose(err error) bool {
	return errors.Is(err, httpwire.ErrEmptyRequestMethod)
}

func writeSimpleStatus(w iostream.Writer, version httpwire.Version, code int) {
	resp := httpwire.NewResponse(version, code, httpwire.ReasonPhrase(code))
	resp.Header.Set("Content-Length", "0")
	resp.Header.Set("Connection", "close")
	httpwire.WriteResponse(w, resp) //nolint:errcheck
}

func portFromAddr(addr string) int {
	_, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return 0
	}
	var port int
	fmt.Sscanf(portStr, "%d", &port) //nolint:errcheck
	return port
}
