package server

import (
	"errors"
	"net"
	"testing"

	"github.com/cobrahttp/cobrahttp/internal/async"
	"github.com/cobrahttp/cobrahttp/internal/httpwire"
	"github.com/stretchr/testify/require"
)

// TestClassifyParseErrorMethodTooLong pins down spec.md §8 scenario S6: a
// request whose method exceeds the bound gets a plain 400, not the 431
// a header-bound violation would get, even though both are "too long"
// errors under the hood.
func TestClassifyParseErrorMethodTooLong(t *testing.T) {
	require.Equal(t, 400, classifyParseError(httpwire.ErrRequestMethodTooLong))
}

// TestClassifyParseErrorURITooLong pins down spec.md §7's size-bound rule
// for the request-target: an oversized URI gets 414.
func TestClassifyParseErrorURITooLong(t *testing.T) {
	require.Equal(t, 414, classifyParseError(httpwire.ErrRequestURITooLong))
}

func TestClassifyParseErrorHeaderBounds(t *testing.T) {
	for _, err := range []error{
		httpwire.ErrHeaderKeyTooLong,
		httpwire.ErrHeaderValueTooLong,
		httpwire.ErrHeaderMapTooLong,
		httpwire.ErrHeaderMapTooLarge,
	} {
		require.Equal(t, 431, classifyParseError(err))
	}
}

func TestClassifyParseErrorTimeout(t *testing.T) {
	require.Equal(t, 408, classifyParseError(async.ErrTimeout))

	netErr := &net.OpError{Op: "read", Err: timeoutErr{}}
	require.Equal(t, 408, classifyParseError(netErr))
}

func TestClassifyParseErrorDefault(t *testing.T) {
	require.Equal(t, 400, classifyParseError(httpwire.ErrBadVersion))
	require.Equal(t, 400, classifyParseError(errors.New("garbage")))
}

func TestParseContentLength(t *testing.T) {
	n, err := parseContentLength("123")
	require.NoError(t, err)
	require.EqualValues(t, 123, n)

	_, err = parseContentLength("12x")
	require.Error(t, err)
}

// timeoutErr is a minimal net.Error whose Timeout() is true, standing in
// for the deadline errors a real net.Conn read returns.
type timeoutErr struct{}

func (timeoutErr) Error() string   { return "i/o timeout" }
func (timeoutErr) Timeout() bool   { return true }
func (timeoutErr) Temporary() bool { return true }

var _ net.Error = timeoutErr{}
