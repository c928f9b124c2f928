// Package routing implements the longest-match filter forest that binds
// an incoming request to a handler configuration.
package routing

import (
	"net"
	"strings"

	"github.com/cobrahttp/cobrahttp/internal/httpwire"
)

// Input is the information a filter chain is evaluated against: the
// socket endpoint the connection was accepted on, plus the fields of
// the parsed request a filter might examine.
type Input struct {
	Port   int
	Method string
	Host   string
	Path   httpwire.AbsPath
}

// HandlerConfig is the inline configuration a matched block supplies,
// modeled as a flat struct of optional settings the way caddy's
// SiteConfig carries every directive's settings side by side. Exactly
// one of the "kind" groups below is expected to be populated per block;
// the routing package itself does not enforce that — validation is the
// config loader's job.
type HandlerConfig struct {
	StaticRoot string

	CGICommand []string

	CGIEndpoint string

	ProxyEndpoint string

	RedirectLocation string
	RedirectCode     int
}

// Block is one node of the configured routing forest. A nil Filter
// always matches without consuming a depth level, which is how the
// root of a tree (or an unconditional wrapper block) is expressed.
type Block struct {
	Filter   Filter
	Handler  *HandlerConfig
	Children []*Block
}

// Filter is a single predicate a Block may carry. Match reports
// whether in matches, and returns the Input to pass down to the
// block's children — identical to in for every filter kind except
// PathPrefix, which narrows Path to the unmatched residual.
type Filter interface {
	Match(in Input) (Input, bool)
}

// MethodFilter matches a request method against a literal, e.g. "GET".
type MethodFilter struct {
	Method string
}

func (f MethodFilter) Match(in Input) (Input, bool) {
	return in, in.Method == f.Method
}

// ServerNameFilter matches the (port-stripped) Host header against a
// configured name, supporting one left-anchored wildcard label
// ("*.example.com"). Grounded on vhostTrie.matchHost's label-replacement
// idiom, simplified to a single anchored label per spec.md §4.E (the
// original trie instead tries replacing every label in turn).
type ServerNameFilter struct {
	Names []string
}

func (f ServerNameFilter) Match(in Input) (Input, bool) {
	host := stripPort(in.Host)
	for _, name := range f.Names {
		if matchServerName(name, host) {
			return in, true
		}
	}
	return in, false
}

func matchServerName(pattern, host string) bool {
	if pattern == host {
		return true
	}
	suffix, ok := strings.CutPrefix(pattern, "*.")
	if !ok {
		return false
	}
	_, rest, ok := strings.Cut(host, ".")
	return ok && rest == suffix
}

// stripPort drops a trailing ":port" from a Host header value, the
// same way vhostTrie.splitHostPath standardizes hosts before matching.
func stripPort(host string) string {
	if hostname, _, err := net.SplitHostPort(host); err == nil {
		return hostname
	}
	return host
}

// ListenFilter matches the accepted socket's local port.
type ListenFilter struct {
	Port int
}

func (f ListenFilter) Match(in Input) (Input, bool) {
	return in, in.Port == f.Port
}

// PathPrefixFilter matches a normalized path beginning with Prefix,
// narrowing the Input passed to children to the residual segments.
type PathPrefixFilter struct {
	Prefix httpwire.AbsPath
}

func (f PathPrefixFilter) Match(in Input) (Input, bool) {
	if len(in.Path) < len(f.Prefix) {
		return in, false
	}
	for i, seg := range f.Prefix {
		if in.Path[i] != seg {
			return in, false
		}
	}
	next := in
	next.Path = in.Path[len(f.Prefix):]
	return next, true
}

// Match result: the handler bound to a request, and the path residual
// below the deepest matched PathPrefixFilter (the handler's "file"
// input per spec.md §3's "Handler configuration").
type Match struct {
	Handler *HandlerConfig
	File    string
}

// Evaluate walks forest and returns the handler for the deepest
// matching block (depth counted in accepted filters from root to
// leaf), breaking ties by declaration order. A block with no handler
// of its own inherits its nearest matched ancestor's handler. Returns
// ok=false when no block on any accepted path supplies a handler, the
// 404 case per spec.md §4.E.
func Evaluate(forest []*Block, in Input) (Match, bool) {
	var best result
	found := false
	for _, b := range forest {
		r, ok := evalBlock(b, in, 0, nil)
		if ok && (!found || r.depth > best.depth) {
			best, found = r, true
		}
	}
	if !found {
		return Match{}, false
	}
	return Match{Handler: best.handler, File: best.file}, true
}

type result struct {
	depth   int
	handler *HandlerConfig
	file    string
}

func evalBlock(b *Block, in Input, depth int, ancestorHandler *HandlerConfig) (result, bool) {
	next := in
	if b.Filter != nil {
		var ok bool
		next, ok = b.Filter.Match(in)
		if !ok {
			return result{}, false
		}
		depth++
	}

	handler := ancestorHandler
	if b.Handler != nil {
		handler = b.Handler
	}
	best := result{depth: depth, handler: handler, file: fsPath(next.Path)}
	found := handler != nil

	for _, child := range b.Children {
		r, ok := evalBlock(child, next, depth, handler)
		if ok && r.depth > best.depth {
			best, found = r, true
		}
	}
	return best, found
}

func fsPath(p httpwire.AbsPath) string {
	path, ok := p.FSPath()
	if !ok {
		return ""
	}
	return path
}
