package async

import (
	"context"
	"os"
	"sync"
	"time"
)

// Executor owns the Reactor and a single compute token that enforces the
// "single-threaded cooperative" invariant of spec.md §4.B regardless of
// GOMAXPROCS: exactly one Task's code runs at a time, computing (never
// blocked in a syscall) only between the moment it acquires the token and
// the moment it releases it at a suspension point.
//
// Go has no stackful-coroutine primitive a library can drive directly, so
// each Task is given its own goroutine purely as a place to keep a Go
// stack across suspension points; the token is what actually gives the
// spec's cooperative semantics (FIFO dispatch, at-most-once resumption,
// suspension only at the documented points) rather than Go's own
// preemptive goroutine scheduling.
type Executor struct {
	Reactor *Reactor

	token chan struct{} // capacity 1; held while a Task computes

	mu       sync.Mutex
	waitingQ []chan struct{} // FIFO of parties waiting to reacquire the token
	outstand int
}

// NewExecutor builds an Executor backed by a fresh Reactor, with the
// compute token initially available.
func NewExecutor() (*Executor, error) {
	r, err := NewReactor()
	if err != nil {
		return nil, err
	}
	e := &Executor{Reactor: r, token: make(chan struct{}, 1)}
	e.token <- struct{}{}
	return e, nil
}

// acquire takes the compute token, queueing FIFO behind any earlier
// suspend->resume that is already waiting to re-acquire it.
func (e *Executor) acquire() {
	ticket := make(chan struct{})
	e.mu.Lock()
	e.waitingQ = append(e.waitingQ, ticket)
	first := len(e.waitingQ) == 1
	e.mu.Unlock()
	if first {
		// The token is either still in the pool or, if its holder
		// releases it while our ticket heads the queue, handed to us by
		// closing the ticket.
		select {
		case <-e.token:
			e.popAndWake()
		case <-ticket:
		}
		return
	}
	<-ticket
}

// release gives the compute token back to the next queued waiter (FIFO),
// or returns it to the pool if nobody is waiting.
func (e *Executor) release() {
	e.mu.Lock()
	if len(e.waitingQ) == 0 {
		e.mu.Unlock()
		e.token <- struct{}{}
		return
	}
	e.mu.Unlock()
	e.popAndWake()
}

func (e *Executor) popAndWake() {
	e.mu.Lock()
	if len(e.waitingQ) == 0 {
		e.mu.Unlock()
		e.token <- struct{}{}
		return
	}
	next := e.waitingQ[0]
	e.waitingQ = e.waitingQ[1:]
	e.mu.Unlock()
	close(next)
}

// Task is a handle to a spawned computation; Await blocks the calling
// goroutine until it completes, returning its result or error. Await does
// not release the compute token, so a Task waits for another Task through
// Join instead.
type Task[T any] struct {
	done   chan struct{}
	result T
	err    error
}

// Await blocks until the task finishes.
func (t *Task[T]) Await() (T, error) {
	<-t.done
	return t.result, t.err
}

// Spawn starts f as a new cooperatively-scheduled task. f receives a
// *Yielder it must use at every suspension point (read/write/flush/lock/
// wait/explicit timed waits) — spec.md §4.B's closed list of suspension
// points is enforced by convention: nothing outside Yielder's methods may
// block this task's goroutine.
func Spawn[T any](e *Executor, f func(y *Yielder) (T, error)) *Task[T] {
	t := &Task[T]{done: make(chan struct{})}
	y := &Yielder{exec: e}

	e.mu.Lock()
	e.outstand++
	e.mu.Unlock()

	go func() {
		e.acquire() // wait our turn before computing at all
		t.result, t.err = f(y)
		e.release()
		close(t.done)
		e.mu.Lock()
		e.outstand--
		e.mu.Unlock()
	}()
	return t
}

// Yielder is the capability a Task uses to suspend. Every method is a
// suspension point in the sense of spec.md §4.B; no other way to block
// exists in this package.
type Yielder struct {
	exec *Executor
}

// ioWait releases the compute token, performs the (blocking, from this
// helper goroutine's point of view) reactor wait, then re-acquires the
// token FIFO before returning — so only one Task is ever mid-computation.
func (y *Yielder) ioWait(fd int, dir Direction, deadline time.Time) error {
	y.exec.release()
	err := y.exec.Reactor.Wait(fd, dir, deadline)
	y.exec.acquire()
	return err
}

// WaitReadable suspends until fd is readable, erroring, or deadline
// elapses (zero deadline means no timeout).
func (y *Yielder) WaitReadable(fd int, deadline time.Time) error {
	return y.ioWait(fd, Read, deadline)
}

// WaitWritable suspends until fd is writable, erroring, or deadline
// elapses.
func (y *Yielder) WaitWritable(fd int, deadline time.Time) error {
	return y.ioWait(fd, Write, deadline)
}

// WaitTimeout suspends the current task for exactly d, used for
// request-read and request-handling deadlines that aren't tied to a
// single fd.
func (y *Yielder) WaitTimeout(d time.Duration) {
	y.exec.release()
	<-time.After(d)
	y.exec.acquire()
}

// WaitPID suspends until process pid exits, returning its exit code.
// os.Process.Wait is an inherently blocking syscall with no readiness
// equivalent, so — exactly as an I/O wait releases the compute token for
// its duration — this releases the token around the blocking wait4 call,
// matching spec.md §4.B's "process-exit waits" suspension point.
func (y *Yielder) WaitPID(proc *os.Process, ctx context.Context) (int, error) {
	type outcome struct {
		code int
		err  error
	}
	resultCh := make(chan outcome, 1)
	go func() {
		state, err := proc.Wait()
		if err != nil {
			resultCh <- outcome{-1, err}
			return
		}
		resultCh <- outcome{state.ExitCode(), nil}
	}()

	y.exec.release()
	defer y.exec.acquire()

	select {
	case r := <-resultCh:
		return r.code, r.err
	case <-ctx.Done():
		proc.Kill() //nolint:errcheck
		<-resultCh
		return -1, ctx.Err()
	}
}

// parkOn releases the compute token, waits until ch is closed or sent to,
// then re-acquires the token; Mutex.Lock and Cond.Wait suspend through
// it, so they are suspension points too.
func (y *Yielder) parkOn(ch <-chan struct{}) {
	y.exec.release()
	<-ch
	y.exec.acquire()
}

// Park suspends the current task until ch is closed or sent to, releasing
// the compute token for the duration exactly like parkOn. It is the
// general-purpose form of that same suspension point, for handler code
// (the FastCGI byte queue, for one) that needs to wait on an internal
// channel without blocking the goroutine outright.
func (y *Yielder) Park(ch <-chan struct{}) {
	y.parkOn(ch)
}

// Join suspends the current task until t completes, returning its result.
// This is the "await a child task" suspension point spec.md §4.B implies
// by "handlers may spawn child tasks on the executor": a handler that
// fans out bridging work via Spawn must rendezvous with it through the
// Yielder, the same as any other wait, rather than blocking the
// goroutine with a raw channel receive or an errgroup.Wait.
func Join[T any](y *Yielder, t *Task[T]) (T, error) {
	y.parkOn(t.done)
	return t.result, t.err
}

// RunReactorLoop drives Reactor.Poll on a dedicated goroutine until done
// is closed. This is the "exactly one multiplexer thread of execution"
// of spec.md §4.B: the compute token arbitrates task execution, and this
// loop is the only goroutine that ever calls Poll.
func RunReactorLoop(r *Reactor, done <-chan struct{}) {
	for {
		select {
		case <-done:
			return
		default:
		}
		if err := r.Poll(100 * time.Millisecond); err != nil {
			return
		}
	}
}

// Wait blocks the caller (typically main) until every task spawned on e
// has finished. It does not itself participate in the compute token.
func (e *Executor) Wait() {
	for {
		e.mu.Lock()
		n := e.outstand
		e.mu.Unlock()
		if n == 0 {
			return
		}
		time.Sleep(time.Millisecond)
	}
}
