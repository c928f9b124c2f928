// Package tlsadapter multiplexes TLS termination across multiple server
// blocks sharing one listen port by SNI, the way caddytls/handshake.go's
// GetConfigForClient dispatches a per-connection *tls.Config from the
// ClientHello's server name before the handshake proceeds. ACME/cert
// issuance (certmagic, acmez, zerossl, smallstep) is out of scope per
// SPEC_FULL.md's domain-stack ledger: certificates here are always
// pre-provisioned files named in the config, so crypto/tls alone
// suffices.
package tlsadapter

import (
	"crypto/tls"
	"fmt"
	"strings"
	"sync"
)

// Site is one certificate/key pair bound to the server names it should
// be selected for ("" matches any name, used as the catch-all default).
type Site struct {
	ServerNames []string
	CertFile    string
	KeyFile     string
}

// Multiplexer builds a *tls.Config whose GetConfigForClient picks the
// right certificate for a given listen endpoint by inspecting the
// incoming ClientHello's ServerName, mirroring handshake.go's
// certificate-selection matcher but scoped to a fixed, config-declared
// site list rather than a dynamic certificate cache.
type Multiplexer struct {
	mu    sync.RWMutex
	sites []loadedSite
}

type loadedSite struct {
	names []string
	cert  tls.Certificate
}

// NewMultiplexer loads every site's certificate pair up front, failing
// fast on a bad PEM pair the way caddytls validates certificates at
// config load rather than at first handshake.
func NewMultiplexer(sites []Site) (*Multiplexer, error) {
	m := &Multiplexer{}
	for _, s := range sites {
		cert, err := tls.LoadX509KeyPair(s.CertFile, s.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("tlsadapter: load %s/%s: %w", s.CertFile, s.KeyFile, err)
		}
		m.sites = append(m.sites, loadedSite{names: s.ServerNames, cert: cert})
	}
	return m, nil
}

// Config returns a *tls.Config suitable for tls.Server, selecting a
// certificate per-handshake via GetConfigForClient.
func (m *Multiplexer) Config() *tls.Config {
	return &tls.Config{
		MinVersion:         tls.VersionTLS12,
		GetConfigForClient: m.getConfigForClient,
	}
}

func (m *Multiplexer) getConfigForClient(hello *tls.ClientHelloInfo) (*tls.Config, error) {
	cert, ok := m.match(hello.ServerName)
	if !ok {
		return nil, fmt.Errorf("tlsadapter: no certificate configured for server name %q", hello.ServerName)
	}
	return &tls.Config{MinVersion: tls.VersionTLS12, Certificates: []tls.Certificate{cert}}, nil
}

func (m *Multiplexer) match(serverName string) (tls.Certificate, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var fallback *tls.Certificate
	for i := range m.sites {
		site := &m.sites[i]
		for _, name := range site.names {
			if name == "" {
				if fallback == nil {
					fallback = &site.cert
				}
				continue
			}
			if matchName(name, serverName) {
				return site.cert, true
			}
		}
	}
	if fallback != nil {
		return *fallback, true
	}
	return tls.Certificate{}, false
}

// matchName supports the same single-left-anchored-wildcard grammar
// internal/routing.ServerNameFilter does; unlike that filter, it compares
// names case-insensitively.
func matchName(pattern, host string) bool {
	host = strings.ToLower(host)
	pattern = strings.ToLower(pattern)
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
