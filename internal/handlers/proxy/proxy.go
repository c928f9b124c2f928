// Package proxy implements the internal HTTP reverse-proxy backend of
// spec.md §4.I: replay the request to an upstream (host, port), replay
// its response back to the client, copying both bodies concurrently.
//
// Grounded on middleware/proxy/reverseproxy.go's hop-by-hop header
// stripping list and director pattern, adapted to the spec's raw-bytes
// bidirectional-copy model instead of net/http/httputil's RoundTripper.
package proxy

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/cobrahttp/cobrahttp/internal/async"
	"github.com/cobrahttp/cobrahttp/internal/handlers"
	"github.com/cobrahttp/cobrahttp/internal/httpwire"
	"github.com/cobrahttp/cobrahttp/internal/iostream"
	"github.com/cobrahttp/cobrahttp/internal/netfd"
)

// hopByHop are the connection-control headers spec.md §4.I says must be
// stripped in both directions, matching reverseproxy.go's hopHeaders list
// trimmed to the subset this no-keep-alive core ever needs to strip.
var hopByHop = []string{"Connection", "Keep-Alive", "Transfer-Encoding", "Upgrade"}

func stripHopByHop(h httpwire.Header) {
	for _, k := range hopByHop {
		h.Del(k)
	}
}

// Handler proxies a request to Config.ProxyEndpoint ("host:port").
type Handler struct{}

// New returns a proxy Handler.
func New() *Handler { return &Handler{} }

func (h *Handler) Serve(ctx context.Context, req *handlers.Request, w iostream.Writer) error {
	exec, y := req.Exec, req.Yield
	endpoint := req.Config.ProxyEndpoint
	if endpoint == "" {
		return writeStatus(w, req.Version, 500, "proxy handler has no upstream configured")
	}

	upstream, err := netfd.Dial(y, exec, "tcp", endpoint)
	if err != nil {
		return writeStatus(w, req.Version, 502, fmt.Sprintf("proxy: failed to connect to %s", endpoint))
	}
	defer upstream.Close()

	upReq := httpwire.NewRequest(req.Version, req.Method, req.Target)
	for k, v := range req.Header {
		upReq.Header[k] = v
	}
	stripHopByHop(upReq.Header)
	upReq.Header.Set("Connection", "close")

	wroteBody := false

	// Subtask 1: client -> upstream, half-close the upstream write side
	// once the request (headers + body) has been fully replayed. Each
	// subtask drives its own Yielder over the same shared upstream.Conn —
	// the full-duplex case that requires the Reactor to track a combined
	// read+write interest mask per fd rather than one direction at a time.
	sendTask := async.Spawn(exec, func(cy *async.Yielder) (struct{}, error) {
		up := netfd.NewBound(upstream, cy)
		if err := httpwire.WriteRequest(up, upReq); err != nil {
			return struct{}{}, err
		}
		if req.Body != nil {
			if _, err := iostream.Copy(up, req.Body); err != nil {
				return struct{}{}, err
			}
		}
		return struct{}{}, upstream.CloseWrite()
	})

	// Subtask 2: upstream -> client, parsing the upstream's status line
	// and headers and replaying them (again stripping hop-by-hop
	// headers) before copying the body.
	recvTask := async.Spawn(exec, func(cy *async.Yielder) (struct{}, error) {
		up := netfd.NewBound(upstream, cy)
		br := iostream.NewBufReaderFrom(up, 0)
		upResp, err := httpwire.ParseResponse(br)
		if err != nil {
			return struct{}{}, fmt.Errorf("proxy: malformed response from upstream: %w", err)
		}
		stripHopByHop(upResp.Header)
		upResp.Header.Set("Connection", "close")
		if err := httpwire.WriteResponse(w, upResp); err != nil {
			return struct{}{}, err
		}
		n, err := iostream.Copy(w, bodyReaderFor(br, upResp))
		if n > 0 {
			wroteBody = true
		}
		return struct{}{}, err
	})

	_, sendErr := async.Join(y, sendTask)
	_, recvErr := async.Join(y, recvTask)
	if err := firstErr(sendErr, recvErr); err != nil {
		if wroteBody {
			return err
		}
		return writeStatus(w, req.Version, 502, "proxy: upstream bridge failed")
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

// bodyReaderFor bounds the upstream response body to its declared
// Content-Length when present, otherwise reads until the upstream closes
// the connection (this core never emits or expects keep-alive, so an
// absent Content-Length unambiguously means "read to EOF").
func bodyReaderFor(br iostream.BufferedReader, resp *httpwire.Response) iostream.Reader {
	if cl, ok := resp.Header.Get("Content-Length"); ok {
		if n, err := strconv.ParseInt(strings.TrimSpace(cl), 10, 64); err == nil {
			return iostream.NewLimitReader(br, n)
		}
	}
	return br
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
