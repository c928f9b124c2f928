// Package handlers defines the contract every backend handler (static
// files, CGI, FastCGI, reverse proxy) implements, and the request
// context the routing core hands it.
package handlers

import (
	"context"

	"github.com/cobrahttp/cobrahttp/internal/async"
	"github.com/cobrahttp/cobrahttp/internal/httpwire"
	"github.com/cobrahttp/cobrahttp/internal/iostream"
	"github.com/cobrahttp/cobrahttp/internal/routing"
	"go.uber.org/zap"
)

// Request bundles everything a handler needs: the parsed request line
// and headers, a body stream already bounded to Content-Length (or
// chunk-decoded, per spec.md §3's invariant), the matched routing
// config, and the residual path below the deepest path-prefix filter.
//
// Exec and Yield give a handler the same cooperative-scheduling
// capability the connection's own driving Task has: a handler that needs
// full-duplex bridging to a child process or an upstream connection
// (CGI, FastCGI, proxy) spawns its bridge subtasks on Exec and rendezvous
// with them through Yield/async.Join, rather than blocking goroutines
// outside the executor's single compute token.
type Request struct {
	*httpwire.Request
	Body       iostream.Reader
	Config     *routing.HandlerConfig
	File       string
	RemoteAddr string
	LocalPort  int
	Log        *zap.Logger
	Exec       *async.Executor
	Yield      *async.Yielder
}

// Handler serves one request by writing a complete response — status
// line, headers, and body — to w. A handler that returns an error
// after writing any bytes has left the connection in an indeterminate
// state; the caller must not attempt to write an error response of its
// own and should instead close the connection.
type Handler interface {
	Serve(ctx context.Context, req *Request, w iostream.Writer) error
}
