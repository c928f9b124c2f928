package async

import (
	"net"
	"syscall"
	"testing"

	"github.com/stretchr/testify/require"
)

// connFD extracts the raw file descriptor from a TCP connection for use
// in reactor tests; production code obtains fds the same way inside the
// netstream package via conn.(syscall.Conn).SyscallConn().
func connFD(t *testing.T, c net.Conn) int {
	t.Helper()
	sc, ok := c.(syscall.Conn)
	require.True(t, ok)
	raw, err := sc.SyscallConn()
	require.NoError(t, err)

	var fd int
	err = raw.Control(func(f uintptr) { fd = int(f) })
	require.NoError(t, err)
	return fd
}
