// Package config loads the TOML configuration file into a routing
// forest plus per-listener metadata (SPEC_FULL.md §4.L). Grounded on
// config.go's Load/LoadConfig shape (decode, then validate, then hand
// back a ready-to-run object) but reading a user-facing TOML document
// instead of caddy's JSON config, via github.com/BurntSushi/toml — the
// teacher itself only ever consumes its own JSON/Caddyfile formats, so
// this is drawn from the rest of the example pack's TOML-consuming
// services instead.
package config

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/cobrahttp/cobrahttp/internal/httpwire"
	"github.com/cobrahttp/cobrahttp/internal/routing"
	"github.com/cobrahttp/cobrahttp/internal/tlsadapter"
)

// document is the raw TOML shape; see SPEC_FULL.md §4.L for the worked
// example this mirrors field for field.
type document struct {
	Server []serverDoc `toml:"server"`
}

type serverDoc struct {
	Listen      []string   `toml:"listen"`
	ServerNames []string   `toml:"server_names"`
	MaxBodySize int64      `toml:"max_body_size"`
	TLSCert     string     `toml:"tls_cert"`
	TLSKey      string     `toml:"tls_key"`
	Block       []blockDoc `toml:"block"`
}

type blockDoc struct {
	Method           string     `toml:"method"`
	Host             []string   `toml:"host"`
	PathPrefix       string     `toml:"path_prefix"`
	StaticRoot       string     `toml:"static_root"`
	CGICommand       string     `toml:"cgi_command"`
	FastCGIEndpoint  string     `toml:"fastcgi_endpoint"`
	ProxyEndpoint    string     `toml:"proxy_endpoint"`
	RedirectLocation string     `toml:"redirect_location"`
	RedirectCode     int        `toml:"redirect_code"`
	Block            []blockDoc `toml:"block"`
}

// defaultMaxBodySize applies when a server block omits max_body_size,
// matching spec.md §4.K's "bounded request body" invariant having some
// bound even when the operator forgets to set one.
const defaultMaxBodySize = 10 << 20 // 10 MiB

// Listener is one bind endpoint: an address to listen on, the request
// body ceiling and optional TLS material for connections accepted on
// it, per SPEC_FULL.md §4.L/§4.J.
type Listener struct {
	Address     string
	ServerNames []string
	MaxBodySize int64
	TLSCert     string
	TLSKey      string
}

// TLS reports whether this listener terminates TLS.
func (l Listener) TLS() bool { return l.TLSCert != "" }

// Config is the fully decoded, validated configuration: the routing
// forest evaluated per-request, plus one Listener per (server, listen
// address) pair to bind sockets from.
type Config struct {
	Listeners []Listener
	Forest    []*routing.Block
}

// Load reads and decodes path, builds the routing forest, and validates
// every block for internal well-formedness — the same work --check
// performs, since spec.md §6 specifies --check does "everything short of
// binding a socket".
func Load(path string) (*Config, error) {
	var doc document
	if _, err := toml.DecodeFile(path, &doc); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	return build(doc)
}

func build(doc document) (*Config, error) {
	if len(doc.Server) == 0 {
		return nil, fmt.Errorf("config: no [[server]] blocks declared")
	}

	cfg := &Config{}
	for si, sd := range doc.Server {
		if len(sd.Listen) == 0 {
			return nil, fmt.Errorf("config: server[%d] has no listen addresses", si)
		}
		maxBody := sd.MaxBodySize
		if maxBody <= 0 {
			maxBody = defaultMaxBodySize
		}
		if (sd.TLSCert == "") != (sd.TLSKey == "") {
			return nil, fmt.Errorf("config: server[%d] must set both tls_cert and tls_key, or neither", si)
		}

		children := make([]*routing.Block, 0, len(sd.Block))
		for bi, bd := range sd.Block {
			b, err := convertBlock(bd)
			if err != nil {
				return nil, fmt.Errorf("config: server[%d].block[%d]: %w", si, bi, err)
			}
			children = append(children, b)
		}

		for _, addr := range sd.Listen {
			port, err := portOf(addr)
			if err != nil {
				return nil, fmt.Errorf("config: server[%d] listen %q: %w", si, addr, err)
			}
			root := &routing.Block{Filter: routing.ListenFilter{Port: port}, Children: children}
			if len(sd.ServerNames) > 0 {
				root = &routing.Block{
					Filter:   routing.ListenFilter{Port: port},
					Children: []*routing.Block{{Filter: routing.ServerNameFilter{Names: sd.ServerNames}, Children: children}},
				}
			}
			cfg.Forest = append(cfg.Forest, root)
			cfg.Listeners = append(cfg.Listeners, Listener{
				Address:     addr,
				ServerNames: sd.ServerNames,
				MaxBodySize: maxBody,
				TLSCert:     sd.TLSCert,
				TLSKey:      sd.TLSKey,
			})
		}
	}
	return cfg, nil
}

// portOf extracts the numeric port from a "host:port" listen address
// (or a bare "port"), the value ListenFilter matches against.
func portOf(addr string) (int, error) {
	addr = strings.TrimPrefix(addr, "0.0.0.0:")
	if i := strings.LastIndexByte(addr, ':'); i >= 0 {
		addr = addr[i+1:]
	}
	port, err := strconv.Atoi(addr)
	if err != nil {
		return 0, fmt.Errorf("no numeric port")
	}
	return port, nil
}

func convertBlock(bd blockDoc) (*routing.Block, error) {
	b := &routing.Block{}
	switch {
	case bd.Method != "":
		b.Filter = routing.MethodFilter{Method: bd.Method}
	case len(bd.Host) > 0:
		b.Filter = routing.ServerNameFilter{Names: bd.Host}
	case bd.PathPrefix != "":
		prefix, err := parsePrefix(bd.PathPrefix)
		if err != nil {
			return nil, err
		}
		b.Filter = routing.PathPrefixFilter{Prefix: prefix}
	}

	handler, err := convertHandler(bd)
	if err != nil {
		return nil, err
	}
	b.Handler = handler

	for i, child := range bd.Block {
		cb, err := convertBlock(child)
		if err != nil {
			return nil, fmt.Errorf("block[%d]: %w", i, err)
		}
		b.Children = append(b.Children, cb)
	}
	return b, nil
}

func convertHandler(bd blockDoc) (*routing.HandlerConfig, error) {
	switch {
	case bd.StaticRoot != "":
		return &routing.HandlerConfig{StaticRoot: bd.StaticRoot}, nil
	case bd.CGICommand != "":
		return &routing.HandlerConfig{CGICommand: strings.Fields(bd.CGICommand)}, nil
	case bd.FastCGIEndpoint != "":
		if err := validateEndpoint(bd.FastCGIEndpoint); err != nil {
			return nil, fmt.Errorf("fastcgi_endpoint: %w", err)
		}
		return &routing.HandlerConfig{CGIEndpoint: bd.FastCGIEndpoint}, nil
	case bd.ProxyEndpoint != "":
		return &routing.HandlerConfig{ProxyEndpoint: bd.ProxyEndpoint}, nil
	case bd.RedirectLocation != "":
		code := bd.RedirectCode
		if code == 0 {
			code = 302
		}
		if code/100 != 3 {
			return nil, fmt.Errorf("redirect_code %d is not a 3xx status", code)
		}
		return &routing.HandlerConfig{RedirectLocation: bd.RedirectLocation, RedirectCode: code}, nil
	default:
		// A block with no handler of its own is a pure filter wrapper
		// (e.g. a path_prefix grouping several method blocks); it
		// inherits its nearest matched ancestor's handler, per
		// routing.Evaluate.
		return nil, nil
	}
}

func validateEndpoint(endpoint string) error {
	if strings.HasPrefix(endpoint, "tcp://") || strings.HasPrefix(endpoint, "unix://") {
		return nil
	}
	if strings.Contains(endpoint, ":") {
		return nil
	}
	return fmt.Errorf("must be tcp://host:port, unix://path, or host:port")
}

func parsePrefix(p string) (httpwire.AbsPath, error) {
	origin, err := httpwire.ParseOrigin(p)
	if err != nil {
		return nil, fmt.Errorf("path_prefix %q: %w", p, err)
	}
	return origin.Path, nil
}

// TLSSites collects the distinct (server-names, cert, key) triples across
// every Listener bound to address, for internal/tlsadapter's SNI
// multiplexer.
func TLSSites(listeners []Listener, address string) []tlsadapter.Site {
	var sites []tlsadapter.Site
	for _, l := range listeners {
		if l.Address != address || !l.TLS() {
			continue
		}
		sites = append(sites, tlsadapter.Site{ServerNames: l.ServerNames, CertFile: l.TLSCert, KeyFile: l.TLSKey})
	}
	return sites
}
