package fastcgi

import (
	"fmt"
	"sync"

	"github.com/cobrahttp/cobrahttp/internal/async"
	"github.com/cobrahttp/cobrahttp/internal/iostream"
	"github.com/cobrahttp/cobrahttp/internal/netfd"
)

// Conn owns one TCP connection to a FastCGI upstream, multiplexing any
// number of concurrent requests across it by request id (spec.md §3
// "FastCGI connection"). Outbound writes are serialized under writeMu;
// a single reader task dispatches inbound records to per-request queues,
// so per-request inbound byte order always matches wire order (spec.md
// §5). The reader runs as an async.Task on exec rather than a bare
// goroutine over blocking net.Conn reads, since Conn is shared across
// every request that dials this upstream endpoint — including requests
// driven by other connections' executors — and must stay a cooperative
// citizen of whichever executor first spawned it.
type Conn struct {
	nc      *netfd.Conn
	exec    *async.Executor
	writeMu async.Mutex

	mu       sync.Mutex
	requests map[uint16]*request
	closed   bool
	readErr  error
}

// Dial opens a new FastCGI connection to addr (e.g. "tcp", "127.0.0.1:9000"),
// suspending the caller (via y) until the connect completes.
func Dial(y *async.Yielder, exec *async.Executor, network, addr string) (*Conn, error) {
	nc, err := netfd.Dial(y, exec, network, addr)
	if err != nil {
		return nil, err
	}
	return NewConn(exec, nc), nil
}

// NewConn wraps an already-established connection and spawns its reader
// dispatch task on exec.
func NewConn(exec *async.Executor, nc *netfd.Conn) *Conn {
	c := &Conn{nc: nc, exec: exec, requests: make(map[uint16]*request)}
	async.Spawn(exec, func(y *async.Yielder) (struct{}, error) {
		c.readLoop(y)
		return struct{}{}, nil
	})
	return c
}

// Close tears the connection down; any requests still in flight receive
// the error from their Stdout/Stderr reads, per spec.md §4.H. Wait
// returns nil in every case.
func (c *Conn) Close() error { return c.nc.Close() }

// request is a virtual client scoped to one request id, exposing the
// per-request streams spec.md §3 describes.
type request struct {
	id        uint16
	conn      *Conn
	stdoutQ   *byteQueue
	stderrQ   *byteQueue
	done      chan struct{}
	endStatus endRequestBody
}

// BeginRequest allocates the smallest unused request id and sends
// BEGIN_REQUEST, per spec.md §4.H step 1-2.
func (c *Conn) BeginRequest(y *async.Yielder) (*Request, error) {
	c.mu.Lock()
	if c.closed {
		err := c.readErr
		c.mu.Unlock()
		if err == nil {
			err = fmt.Errorf("fastcgi: connection closed")
		}
		return nil, err
	}
	var id uint16 = 1
	for {
		if _, used := c.requests[id]; !used {
			break
		}
		id++
	}
	req := &request{id: id, conn: c, stdoutQ: newByteQueue(), stderrQ: newByteQueue(), done: make(chan struct{})}
	c.requests[id] = req
	c.mu.Unlock()

	body := beginRequestBody{role: roleResponder, flags: flagKeepConn}.marshal()
	if err := c.writeRecord(y, header{version: fcgiVersion, kind: typeBeginRequest, requestID: id, contentLength: 8}, body[:]); err != nil {
		c.mu.Lock()
		delete(c.requests, id)
		c.mu.Unlock()
		return nil, err
	}
	return &Request{r: req}, nil
}

func (c *Conn) writeRecord(y *async.Yielder, h header, content []byte) error {
	c.writeMu.Lock(y)
	defer c.writeMu.Unlock()
	bound := netfd.NewBound(c.nc, y)
	hb := h.marshal()
	if err := iostream.WriteAll(bound, hb[:]); err != nil {
		return err
	}
	if len(content) > 0 {
		if err := iostream.WriteAll(bound, content); err != nil {
			return err
		}
	}
	if h.paddingLength > 0 {
		pad := make([]byte, h.paddingLength)
		if err := iostream.WriteAll(bound, pad); err != nil {
			return err
		}
	}
	return nil
}

// writeStream splits data across as many records of kind as needed to
// respect the 16-bit content-length field, padding each to an 8-byte
// boundary (gophpeek-fcgx's writeRecord convention).
func (c *Conn) writeStream(y *async.Yielder, kind uint8, id uint16, data []byte) error {
	for len(data) > 0 {
		n := len(data)
		if n > maxRecordContent {
			n = maxRecordContent
		}
		chunk := data[:n]
		data = data[n:]
		if err := c.writeRecord(y, header{version: fcgiVersion, kind: kind, requestID: id, contentLength: uint16(n), paddingLength: uint8(padLength(n))}, chunk); err != nil {
			return err
		}
	}
	return nil
}

func (c *Conn) writeTerminator(y *async.Yielder, kind uint8, id uint16) error {
	return c.writeRecord(y, header{version: fcgiVersion, kind: kind, requestID: id}, nil)
}

// readFull reads exactly len(buf) bytes from r, translating r's "0, nil"
// end-of-stream convention into an error (a record can never legitimately
// end mid-header or mid-body).
func readFull(r iostream.Reader, buf []byte) error {
	for len(buf) > 0 {
		n, err := r.Read(buf)
		if n > 0 {
			buf = buf[n:]
		}
		if err != nil {
			return err
		}
		if n == 0 {
			return fmt.Errorf("fastcgi: connection closed mid-record")
		}
	}
	return nil
}

// readLoop is the single reader task of spec.md §4.H: it reads records in
// wire order and dispatches STDOUT/STDERR bytes (or the end-of-request
// signal) to the owning request's queues. It runs as an async.Task (see
// NewConn) so a suspended read never blocks anything beyond this one
// Conn's reader rendezvous with the executor's compute token.
func (c *Conn) readLoop(y *async.Yielder) {
	bound := netfd.NewBound(c.nc, y)
	var hdrBuf [8]byte
	for {
		if err := readFull(bound, hdrBuf[:]); err != nil {
			c.failAll(err)
			return
		}
		h := unmarshalHeader(hdrBuf[:])
		var content []byte
		if h.contentLength > 0 {
			content = make([]byte, h.contentLength)
			if err := readFull(bound, content); err != nil {
				c.failAll(err)
				return
			}
		}
		if h.paddingLength > 0 {
			pad := make([]byte, h.paddingLength)
			if err := readFull(bound, pad); err != nil {
				c.failAll(err)
				return
			}
		}
		c.dispatch(h, content)
	}
}

func (c *Conn) dispatch(h header, content []byte) {
	c.mu.Lock()
	req, ok := c.requests[h.requestID]
	c.mu.Unlock()
	if !ok {
		return
	}
	switch h.kind {
	case typeStdout:
		if len(content) == 0 {
			req.stdoutQ.closeWithErr(nil)
		} else {
			req.stdoutQ.push(content)
		}
	case typeStderr:
		if len(content) == 0 {
			req.stderrQ.closeWithErr(nil)
		} else {
			req.stderrQ.push(content)
		}
	case typeEndRequest:
		er, err := unmarshalEndRequest(content)
		if err == nil {
			req.endStatus = er
		}
		// spec.md §3 invariant: END_REQUEST is admitted only after stdout
		// and stderr are closed to downstream readers; these closes are
		// idempotent in case the upstream already sent the zero-length
		// terminators itself.
		req.stdoutQ.closeWithErr(nil)
		req.stderrQ.closeWithErr(nil)
		close(req.done)
		c.mu.Lock()
		delete(c.requests, h.requestID)
		c.mu.Unlock()
	}
}

// failAll delivers err to every request still in flight when the
// connection drops, per spec.md §4.H "On connection close with open
// requests, each open request receives an error."
func (c *Conn) failAll(err error) {
	c.mu.Lock()
	c.closed = true
	c.readErr = err
	reqs := c.requests
	c.requests = make(map[uint16]*request)
	c.mu.Unlock()

	for _, r := range reqs {
		r.stdoutQ.closeWithErr(err)
		r.stderrQ.closeWithErr(err)
		select {
		case <-r.done:
		default:
			close(r.done)
		}
	}
}

// Request is the public virtual-client handle a caller drives: write
// params and stdin, then read stdout/stderr and wait for completion.
// Every method takes the caller's own Yielder — a Request's consumer may
// be running on a different executor than the one that dialed the
// pooled Conn in the first place, and that's fine: the underlying fd is
// only ever registered against whichever Reactor's Wait call is
// currently pending on it.
type Request struct{ r *request }

// WriteParams streams one PARAMS record block followed by its
// zero-length terminator, per spec.md §4.H step 3.
func (req *Request) WriteParams(y *async.Yielder, pairs [][2]string) error {
	if err := req.r.conn.writeStream(y, typeParams, req.r.id, encodeParams(pairs)); err != nil {
		return err
	}
	return req.r.conn.writeTerminator(y, typeParams, req.r.id)
}

// WriteStdin streams p as STDIN records. Call CloseStdin once all of the
// request body has been sent.
func (req *Request) WriteStdin(y *async.Yielder, p []byte) error {
	return req.r.conn.writeStream(y, typeStdin, req.r.id, p)
}

// CloseStdin sends the zero-length STDIN terminator, per spec.md §4.H
// step 4.
func (req *Request) CloseStdin(y *async.Yielder) error {
	return req.r.conn.writeTerminator(y, typeStdin, req.r.id)
}

// Stdout returns this request's stdout virtual stream, bound to y so its
// Read suspends the caller's own task rather than blocking its goroutine.
func (req *Request) Stdout(y *async.Yielder) iostream.Reader { return boundQueue{req.r.stdoutQ, y} }

// Stderr returns this request's stderr virtual stream, bound the same way.
func (req *Request) Stderr(y *async.Yielder) iostream.Reader { return boundQueue{req.r.stderrQ, y} }

// Wait suspends (via y) until the END_REQUEST record arrives (or the
// connection drops).
func (req *Request) Wait(y *async.Yielder) error {
	y.Park(req.r.done)
	return nil
}

// AppStatus returns the application-level exit status carried by
// END_REQUEST (only meaningful after Wait returns).
func (req *Request) AppStatus() uint32 { return req.r.endStatus.appStatus }

// Abort sends ABORT_REQUEST, used when the client disconnects mid-request.
func (req *Request) Abort(y *async.Yielder) error {
	return req.r.conn.writeRecord(y, header{version: fcgiVersion, kind: typeAbortRequest, requestID: req.r.id}, nil)
}

// byteQueue is a single-producer/single-consumer unbounded byte queue
// used for the per-request stdout/stderr virtual streams. Pushes always
// arrive in wire order from the one reader task, so Read observes exactly
// that order (spec.md §8 property 6).
type byteQueue struct {
	mu     sync.Mutex
	buf    []byte
	closed bool
	err    error
	notify chan struct{}
}

func newByteQueue() *byteQueue { return &byteQueue{notify: make(chan struct{})} }

func (q *byteQueue) push(p []byte) {
	q.mu.Lock()
	q.buf = append(q.buf, p...)
	ch := q.notify
	q.notify = make(chan struct{})
	q.mu.Unlock()
	close(ch)
}

func (q *byteQueue) closeWithErr(err error) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	q.err = err
	ch := q.notify
	q.notify = make(chan struct{})
	q.mu.Unlock()
	close(ch)
}

// Read implements this package's half of iostream.Reader: 0, nil signals
// end-of-stream once the queue is closed and drained. It suspends the
// calling task via y.Park instead of a bare channel receive, so waiting
// for more bytes from the upstream releases the compute token exactly
// like any other wait does.
func (q *byteQueue) Read(y *async.Yielder, dst []byte) (int, error) {
	for {
		q.mu.Lock()
		if len(q.buf) > 0 {
			n := copy(dst, q.buf)
			q.buf = q.buf[n:]
			q.mu.Unlock()
			return n, nil
		}
		if q.closed {
			err := q.err
			q.mu.Unlock()
			return 0, err
		}
		ch := q.notify
		q.mu.Unlock()
		y.Park(ch)
	}
}

// boundQueue adapts a byteQueue plus the consuming task's Yielder into a
// plain iostream.Reader, the FastCGI-virtual-stream counterpart to
// netfd.Bound.
type boundQueue struct {
	q *byteQueue
	y *async.Yielder
}

func (b boundQueue) Read(dst []byte) (int, error) { return b.q.Read(b.y, dst) }
