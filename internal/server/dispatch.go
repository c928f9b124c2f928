package server

import (
	"github.com/cobrahttp/cobrahttp/internal/handlers"
	"github.com/cobrahttp/cobrahttp/internal/handlers/cgi"
	"github.com/cobrahttp/cobrahttp/internal/handlers/fastcgi"
	"github.com/cobrahttp/cobrahttp/internal/handlers/proxy"
	"github.com/cobrahttp/cobrahttp/internal/handlers/redirect"
	"github.com/cobrahttp/cobrahttp/internal/handlers/static"
	"github.com/cobrahttp/cobrahttp/internal/routing"
)

// backends holds one long-lived instance of each handler kind — long
//-lived because the FastCGI handler keeps a connection pool and the CGI
// handler's cost is in spawning, not in handler state, so sharing is
// free. This is the "tagged variant with a dispatch function" spec.md
// §9 calls for in place of an open handler interface hierarchy: the set
// of kinds is closed and resolve is the single dispatch point.
type backends struct {
	static   *static.Handler
	cgi      *cgi.Handler
	fastcgi  *fastcgi.Handler
	proxy    *proxy.Handler
	redirect *redirect.Handler
}

func newBackends() *backends {
	return &backends{
		static:   static.New(),
		cgi:      cgi.New(),
		fastcgi:  fastcgi.New(),
		proxy:    proxy.New(),
		redirect: redirect.New(),
	}
}

// resolve picks the handler kind a matched HandlerConfig names, the
// same discriminated-by-populated-field logic internal/config's
// convertHandler used to build it in the first place.
func (b *backends) resolve(cfg *routing.HandlerConfig) handlers.Handler {
	switch {
	case cfg.StaticRoot != "":
		return b.static
	case len(cfg.CGICommand) > 0:
		return b.cgi
	case cfg.CGIEndpoint != "":
		return b.fastcgi
	case cfg.ProxyEndpoint != "":
		return b.proxy
	case cfg.RedirectLocation != "":
		return b.redirect
	default:
		return nil
	}
}
