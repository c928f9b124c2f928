package routing

import (
	"testing"

	"github.com/cobrahttp/cobrahttp/internal/httpwire"
	"github.com/stretchr/testify/require"
)

func TestEvaluateNoMatchIs404(t *testing.T) {
	forest := []*Block{
		{Filter: MethodFilter{Method: "GET"}, Handler: &HandlerConfig{StaticRoot: "/var/www"}},
	}
	_, ok := Evaluate(forest, Input{Method: "POST", Path: httpwire.AbsPath{}})
	require.False(t, ok)
}

func TestEvaluateMethodFilter(t *testing.T) {
	forest := []*Block{
		{Filter: MethodFilter{Method: "GET"}, Handler: &HandlerConfig{StaticRoot: "/var/www"}},
	}
	m, ok := Evaluate(forest, Input{Method: "GET"})
	require.True(t, ok)
	require.Equal(t, "/var/www", m.Handler.StaticRoot)
}

func TestEvaluateLongestPathPrefixWins(t *testing.T) {
	forest := []*Block{
		{
			Filter:  PathPrefixFilter{Prefix: httpwire.AbsPath{"api"}},
			Handler: &HandlerConfig{ProxyEndpoint: "api-backend:9000"},
			Children: []*Block{
				{
					Filter:  PathPrefixFilter{Prefix: httpwire.AbsPath{"v2"}},
					Handler: &HandlerConfig{ProxyEndpoint: "api-v2-backend:9001"},
				},
			},
		},
	}
	m, ok := Evaluate(forest, Input{Path: httpwire.AbsPath{"api", "v2", "widgets"}})
	require.True(t, ok)
	require.Equal(t, "api-v2-backend:9001", m.Handler.ProxyEndpoint)
	require.Equal(t, "widgets", m.File)

	m, ok = Evaluate(forest, Input{Path: httpwire.AbsPath{"api", "widgets"}})
	require.True(t, ok)
	require.Equal(t, "api-backend:9000", m.Handler.ProxyEndpoint)
	require.Equal(t, "widgets", m.File)
}

func TestEvaluateHandlerlessBlockInheritsAncestor(t *testing.T) {
	forest := []*Block{
		{
			Filter:  PathPrefixFilter{Prefix: httpwire.AbsPath{"static"}},
			Handler: &HandlerConfig{StaticRoot: "/var/www"},
			Children: []*Block{
				{Filter: MethodFilter{Method: "GET"}},
			},
		},
	}
	m, ok := Evaluate(forest, Input{Method: "GET", Path: httpwire.AbsPath{"static", "img.png"}})
	require.True(t, ok)
	require.Equal(t, "/var/www", m.Handler.StaticRoot)
	require.Equal(t, "img.png", m.File)
}

func TestEvaluateDeclarationOrderTieBreak(t *testing.T) {
	forest := []*Block{
		{Filter: MethodFilter{Method: "GET"}, Handler: &HandlerConfig{StaticRoot: "first"}},
		{Filter: MethodFilter{Method: "GET"}, Handler: &HandlerConfig{StaticRoot: "second"}},
	}
	m, ok := Evaluate(forest, Input{Method: "GET"})
	require.True(t, ok)
	require.Equal(t, "first", m.Handler.StaticRoot)
}

func TestServerNameFilterWildcard(t *testing.T) {
	f := ServerNameFilter{Names: []string{"*.example.com"}}
	_, ok := f.Match(Input{Host: "api.example.com:8443"})
	require.True(t, ok)

	_, ok = f.Match(Input{Host: "api.sub.example.com"})
	require.False(t, ok)

	_, ok = f.Match(Input{Host: "example.com"})
	require.False(t, ok)
}

func TestServerNameFilterExact(t *testing.T) {
	f := ServerNameFilter{Names: []string{"example.com"}}
	_, ok := f.Match(Input{Host: "example.com:80"})
	require.True(t, ok)
}

func TestListenFilter(t *testing.T) {
	f := ListenFilter{Port: 8080}
	_, ok := f.Match(Input{Port: 8080})
	require.True(t, ok)
	_, ok = f.Match(Input{Port: 9090})
	require.False(t, ok)
}

func TestPathPrefixFilterNoMatchShorterPath(t *testing.T) {
	f := PathPrefixFilter{Prefix: httpwire.AbsPath{"a", "b"}}
	_, ok := f.Match(Input{Path: httpwire.AbsPath{"a"}})
	require.False(t, ok)
}

func TestEvaluateRedirectHandler(t *testing.T) {
	forest := []*Block{
		{
			Filter:  PathPrefixFilter{Prefix: httpwire.AbsPath{"old"}},
			Handler: &HandlerConfig{RedirectLocation: "/new", RedirectCode: 301},
		},
	}
	m, ok := Evaluate(forest, Input{Path: httpwire.AbsPath{"old", "page"}})
	require.True(t, ok)
	require.Equal(t, 301, m.Handler.RedirectCode)
	require.Equal(t, "/new", m.Handler.RedirectLocation)
}
