package tlsadapter

import (
	"crypto/tls"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMatchNameExact(t *testing.T) {
	require.True(t, matchName("example.com", "example.com"))
	require.True(t, matchName("EXAMPLE.com", "example.COM"))
	require.False(t, matchName("example.com", "other.com"))
}

func TestMatchNameWildcard(t *testing.T) {
	require.True(t, matchName("*.example.com", "www.example.com"))
	require.False(t, matchName("*.example.com", "example.com"))
	require.False(t, matchName("*.example.com", "a.b.example.com"))
}

func TestNewMultiplexerLoadsCertificates(t *testing.T) {
	mux, err := NewMultiplexer([]Site{
		{ServerNames: []string{"example.com", "*.example.com"}, CertFile: "testdata/site.crt", KeyFile: "testdata/site.key"},
	})
	require.NoError(t, err)

	cert, ok := mux.match("www.example.com")
	require.True(t, ok)
	require.NotEmpty(t, cert.Certificate)

	_, ok = mux.match("unrelated.test")
	require.False(t, ok)
}

func TestNewMultiplexerFallbackEmptyName(t *testing.T) {
	mux, err := NewMultiplexer([]Site{
		{ServerNames: []string{""}, CertFile: "testdata/site.crt", KeyFile: "testdata/site.key"},
	})
	require.NoError(t, err)

	_, ok := mux.match("anything.invalid")
	require.True(t, ok)
}

func TestNewMultiplexerRejectsBadKeyPair(t *testing.T) {
	_, err := NewMultiplexer([]Site{
		{ServerNames: []string{"example.com"}, CertFile: "testdata/site.crt", KeyFile: "testdata/missing.key"},
	})
	require.Error(t, err)
}

func TestConfigGetConfigForClientNoMatch(t *testing.T) {
	mux, err := NewMultiplexer([]Site{
		{ServerNames: []string{"example.com"}, CertFile: "testdata/site.crt", KeyFile: "testdata/site.key"},
	})
	require.NoError(t, err)

	cfg := mux.Config()
	_, err = cfg.GetConfigForClient(&tls.ClientHelloInfo{ServerName: "nope.invalid"})
	require.Error(t, err)
}
