// Package redirect implements the synthetic redirect backend: a
// configured block that never touches the filesystem or a subprocess,
// it just writes a Location response (spec.md §3 "Handler configuration").
package redirect

import (
	"context"

	"github.com/cobrahttp/cobrahttp/internal/handlers"
	"github.com/cobrahttp/cobrahttp/internal/httpwire"
	"github.com/cobrahttp/cobrahttp/internal/iostream"
)

// Handler writes a redirect response to Config.RedirectLocation with
// status Config.RedirectCode (defaulting to 302 if unset).
type Handler struct{}

// New returns a redirect Handler.
func New() *Handler { return &Handler{} }

func (h *Handler) Serve(ctx context.Context, req *handlers.Request, w iostream.Writer) error {
	code := req.Config.RedirectCode
	if code == 0 {
		code = 302
	}
	resp := httpwire.NewResponse(req.Version, code, httpwire.ReasonPhrase(code))
	resp.Header.Set("Location", req.Config.RedirectLocation)
	resp.Header.Set("Content-Length", "0")
	return httpwire.WriteResponse(w, resp)
}
