// Package netfd implements the raw, non-blocking socket layer the
// cooperative runtime drives directly, bypassing net.Listener/net.Conn's
// own (goroutine-per-connection) netpoller so that a plain-HTTP
// connection's entire lifecycle runs as one async.Task multiplexed by
// internal/async's Reactor, per spec.md §4.B's "exactly one multiplexer
// thread of execution". TLS connections take the ordinary blocking
// net+crypto/tls path instead (internal/tlsadapter), matching spec.md §1's
// treatment of TLS as an external byte-stream collaborator the core need
// not schedule itself.
//
// Grounded on listen.go/listen_unix.go's raw socket-option handling
// (SO_REUSEADDR, non-blocking mode) generalized from net.Listener
// construction to direct golang.org/x/sys/unix socket calls.
package netfd

import (
	"fmt"
	"net"
	"time"

	"github.com/cobrahttp/cobrahttp/internal/async"
	"golang.org/x/sys/unix"
)

// Listener accepts connections on a non-blocking socket, handing each
// one back as a *Conn whose Read/Write suspend the calling Task (via a
// Yielder) instead of blocking a goroutine.
type Listener struct {
	fd   int
	exec *async.Executor
	addr net.Addr
}

// ListenTCP creates, binds, and listens on a non-blocking IPv4/IPv6 TCP
// socket at addr ("host:port"), with SO_REUSEADDR set the way
// listen.go's reuseableListenConfig does for graceful restarts.
func ListenTCP(exec *async.Executor, addr string) (*Listener, error) {
	tcpAddr, err := net.ResolveTCPAddr("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("netfd: resolve %q: %w", addr, err)
	}

	domain := unix.AF_INET
	if tcpAddr.IP.To4() == nil {
		domain = unix.AF_INET6
	}
	fd, err := unix.Socket(domain, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return nil, fmt.Errorf("netfd: socket: %w", err)
	}
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("netfd: SO_REUSEADDR: %w", err)
	}

	sa, err := sockaddrFromTCP(tcpAddr)
	if err != nil {
		unix.Close(fd)
		return nil, err
	}
	if err := unix.Bind(fd, sa); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("netfd: bind %q: %w", addr, err)
	}
	if err := unix.Listen(fd, listenBacklog); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("netfd: listen %q: %w", addr, err)
	}
	return &Listener{fd: fd, exec: exec, addr: tcpAddr}, nil
}

// listenBacklog is the default backlog depth; SPEC_FULL.md's
// --listen-backlog flag overrides it via SetBacklog before the first
// Accept call — see internal/server's listener construction.
var listenBacklog = 1024

// SetBacklog overrides the backlog depth used by subsequent ListenTCP
// calls (cmd/cobrahttp's --listen-backlog flag).
func SetBacklog(n int) {
	if n > 0 {
		listenBacklog = n
	}
}

func sockaddrFromTCP(addr *net.TCPAddr) (unix.Sockaddr, error) {
	if ip4 := addr.IP.To4(); ip4 != nil {
		var a unix.SockaddrInet4
		a.Port = addr.Port
		copy(a.Addr[:], ip4)
		return &a, nil
	}
	ip16 := addr.IP.To16()
	if ip16 == nil {
		// The zero net.IP (unspecified address, "" host) means "any",
		// which net.ResolveTCPAddr represents as a nil IP.
		var a unix.SockaddrInet4
		a.Port = addr.Port
		return &a, nil
	}
	var a unix.SockaddrInet6
	a.Port = addr.Port
	copy(a.Addr[:], ip16)
	return &a, nil
}

// Addr returns the listener's bound address.
func (l *Listener) Addr() net.Addr { return l.addr }

// Fd returns the listener's underlying file descriptor, for Reactor
// registration or diagnostics.
func (l *Listener) Fd() int { return l.fd }

// Close stops accepting and releases the socket, first cancelling any
// pending Accept's reactor wait so that Accept returns.
func (l *Listener) Close() error {
	l.exec.Reactor.Cancel(l.fd, async.Read)
	return unix.Close(l.fd)
}

// Accept suspends (via y) until a connection is pending, then returns it
// as a non-blocking *Conn sharing this listener's Executor. Per spec.md
// §4.B's level-triggered reactor, EAGAIN after a spurious wakeup simply
// loops back into another WaitReadable.
func (l *Listener) Accept(y *async.Yielder) (*Conn, error) {
	for {
		nfd, sa, err := unix.Accept4(l.fd, unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC)
		if err == nil {
			return &Conn{fd: nfd, exec: l.exec, remote: sockaddrString(sa)}, nil
		}
		if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
			if werr := y.WaitReadable(l.fd, time.Time{}); werr != nil {
				return nil, werr
			}
			continue
		}
		return nil, err
	}
}

// Conn is a non-blocking TCP connection driven by the cooperative
// runtime: every Read/Write that would block instead suspends the
// calling Task via a Yielder and resumes once the Reactor reports
// readiness, per spec.md §4.A's byte-stream contract (0, nil at EOS)
// and §4.B's suspension points.
type Conn struct {
	fd       int
	exec     *async.Executor
	remote   string
	deadline time.Time
}

// RemoteAddr returns the connected peer's address in "ip:port" form.
func (c *Conn) RemoteAddr() string { return c.remote }

// SetDeadline bounds subsequent Read/Write calls; a zero Time clears it.
// Per spec.md §4.K step 2 "timeout applies" — the connection driver sets
// this only around request parsing, not around the handler's own I/O.
func (c *Conn) SetDeadline(t time.Time) { c.deadline = t }

func sockaddrString(sa unix.Sockaddr) string {
	switch a := sa.(type) {
	case *unix.SockaddrInet4:
		return fmt.Sprintf("%d.%d.%d.%d:%d", a.Addr[0], a.Addr[1], a.Addr[2], a.Addr[3], a.Port)
	case *unix.SockaddrInet6:
		ip := net.IP(a.Addr[:])
		return fmt.Sprintf("[%s]:%d", ip.String(), a.Port)
	default:
		return ""
	}
}

// Read implements iostream.Reader: one successful read() per call,
// translating "peer closed" (a zero-byte read) into
// this package's (0, nil) end-of-stream convention and EAGAIN into a
// suspend-and-retry.
func (c *Conn) Read(y *async.Yielder, dst []byte) (int, error) {
	for {
		n, err := unix.Read(c.fd, dst)
		if err == nil {
			return n, nil
		}
		if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
			if werr := y.WaitReadable(c.fd, c.deadline); werr != nil {
				return 0, werr
			}
			continue
		}
		return 0, err
	}
}

// Write implements iostream.Writer the same way, suspending on EAGAIN
// instead of blocking a goroutine.
func (c *Conn) Write(y *async.Yielder, src []byte) (int, error) {
	for {
		n, err := unix.Write(c.fd, src)
		if err == nil {
			return n, nil
		}
		if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
			if werr := y.WaitWritable(c.fd, c.deadline); werr != nil {
				return 0, werr
			}
			continue
		}
		return 0, err
	}
}

// Fd returns the underlying file descriptor.
func (c *Conn) Fd() int { return c.fd }

// Close releases the socket and cancels any pending reactor waits on it,
// satisfying spec.md §5's "cancellation de-registers synchronously".
func (c *Conn) Close() error {
	c.exec.Reactor.Cancel(c.fd, async.Read)
	c.exec.Reactor.Cancel(c.fd, async.Write)
	return unix.Close(c.fd)
}

// Bound adapts a Conn plus its owning Yielder into the plain
// iostream.Reader/Writer shape handlers expect, so the same handler code
// runs over either a cooperative Conn or a blocking tls.Conn.
type Bound struct {
	c *Conn
	y *async.Yielder
}

// NewBound pairs a Conn with the Yielder of the Task driving it.
func NewBound(c *Conn, y *async.Yielder) *Bound { return &Bound{c: c, y: y} }

func (b *Bound) Read(dst []byte) (int, error)  { return b.c.Read(b.y, dst) }
func (b *Bound) Write(src []byte) (int, error) { return b.c.Write(b.y, src) }

// RemoteAddr returns the connected peer's address.
func (b *Bound) RemoteAddr() string { return b.c.RemoteAddr() }

// SetDeadline bounds subsequent Read/Write calls on the underlying Conn.
func (b *Bound) SetDeadline(t time.Time) { b.c.SetDeadline(t) }

// CloseWrite half-closes the write side, the way the proxy handler signals
// "no more request body" to an upstream that reads until EOF without
// tearing down the read half it still needs to drain the response from.
func (c *Conn) CloseWrite() error {
	return unix.Shutdown(c.fd, unix.SHUT_WR)
}

// Dial opens a non-blocking outbound connection to addr over network
// ("tcp" or "unix"), suspending the caller via y until the connection
// completes or fails. This is the outbound-dialing counterpart to Listener
// for handlers (the proxy and FastCGI clients) that need an upstream byte
// stream driven by the same cooperative runtime as the inbound connection,
// instead of a blocking net.Dial whose goroutine would run concurrently
// with whatever Task currently holds exec's compute token.
func Dial(y *async.Yielder, exec *async.Executor, network, addr string) (*Conn, error) {
	switch network {
	case "tcp", "tcp4", "tcp6":
		return dialTCP(y, exec, addr)
	case "unix":
		return dialUnix(y, exec, addr)
	default:
		return nil, fmt.Errorf("netfd: unsupported network %q", network)
	}
}

func dialTCP(y *async.Yielder, exec *async.Executor, addr string) (*Conn, error) {
	tcpAddr, err := net.ResolveTCPAddr("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("netfd: resolve %q: %w", addr, err)
	}
	domain := unix.AF_INET
	if tcpAddr.IP != nil && tcpAddr.IP.To4() == nil {
		domain = unix.AF_INET6
	}
	fd, err := unix.Socket(domain, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return nil, fmt.Errorf("netfd: socket: %w", err)
	}
	sa, err := sockaddrFromTCP(tcpAddr)
	if err != nil {
		unix.Close(fd)
		return nil, err
	}
	return finishConnect(y, exec, fd, sa, addr)
}

func dialUnix(y *async.Yielder, exec *async.Executor, path string) (*Conn, error) {
	fd, err := unix.Socket(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return nil, fmt.Errorf("netfd: socket: %w", err)
	}
	sa := &unix.SockaddrUnix{Name: path}
	return finishConnect(y, exec, fd, sa, path)
}

// finishConnect issues a non-blocking connect(2) and, on EINPROGRESS,
// suspends until the socket becomes writable before checking SO_ERROR for
// the asynchronous connect outcome — the standard non-blocking connect
// sequence, adapted to suspend the Task instead of blocking the goroutine.
func finishConnect(y *async.Yielder, exec *async.Executor, fd int, sa unix.Sockaddr, addr string) (*Conn, error) {
	err := unix.Connect(fd, sa)
	if err != nil && err != unix.EINPROGRESS {
		unix.Close(fd)
		return nil, fmt.Errorf("netfd: connect %q: %w", addr, err)
	}
	if err == unix.EINPROGRESS {
		if werr := y.WaitWritable(fd, time.Time{}); werr != nil {
			unix.Close(fd)
			return nil, werr
		}
		soErr, gerr := unix.GetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_ERROR)
		if gerr != nil {
			unix.Close(fd)
			return nil, gerr
		}
		if soErr != 0 {
			unix.Close(fd)
			return nil, fmt.Errorf("netfd: connect %q: %w", addr, unix.Errno(soErr))
		}
	}
	return &Conn{fd: fd, exec: exec, remote: addr}, nil
}

// RawFD wraps an arbitrary non-blocking file descriptor — a pipe end, in
// practice — with the same suspend-on-EAGAIN Read/Write behavior Conn
// gives a socket, so CGI's stdin/stdout/stderr pipes can be driven by the
// cooperative runtime exactly like a network connection.
type RawFD struct {
	fd       int
	exec     *async.Executor
	deadline time.Time
}

// NewRawFD wraps fd (which must already be non-blocking) for cooperative
// Read/Write, registered against exec's Reactor.
func NewRawFD(exec *async.Executor, fd int) *RawFD {
	return &RawFD{fd: fd, exec: exec}
}

// Fd returns the underlying file descriptor.
func (r *RawFD) Fd() int { return r.fd }

// SetDeadline bounds subsequent Read/Write calls; a zero Time clears it.
func (r *RawFD) SetDeadline(t time.Time) { r.deadline = t }

func (r *RawFD) Read(y *async.Yielder, dst []byte) (int, error) {
	for {
		n, err := unix.Read(r.fd, dst)
		if err == nil {
			return n, nil
		}
		if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
			if werr := y.WaitReadable(r.fd, r.deadline); werr != nil {
				return 0, werr
			}
			continue
		}
		return 0, err
	}
}

func (r *RawFD) Write(y *async.Yielder, src []byte) (int, error) {
	for {
		n, err := unix.Write(r.fd, src)
		if err == nil {
			return n, nil
		}
		if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
			if werr := y.WaitWritable(r.fd, r.deadline); werr != nil {
				return 0, werr
			}
			continue
		}
		return 0, err
	}
}

// Close releases the fd and cancels any pending reactor waits on it.
func (r *RawFD) Close() error {
	r.exec.Reactor.Cancel(r.fd, async.Read)
	r.exec.Reactor.Cancel(r.fd, async.Write)
	return unix.Close(r.fd)
}

// RawBound adapts a RawFD plus its owning Yielder into the plain
// iostream.Reader/Writer shape, the pipe-fd counterpart to Bound.
type RawBound struct {
	r *RawFD
	y *async.Yielder
}

// NewRawBound pairs a RawFD with the Yielder of the Task driving it.
func NewRawBound(r *RawFD, y *async.Yielder) *RawBound { return &RawBound{r: r, y: y} }

func (b *RawBound) Read(dst []byte) (int, error)  { return b.r.Read(b.y, dst) }
func (b *RawBound) Write(src []byte) (int, error) { return b.r.Write(b.y, src) }
