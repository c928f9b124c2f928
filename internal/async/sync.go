package async

import "sync"

// Mutex is the ownership-transferring async mutex of spec.md §4.B:
// Lock returns when the caller owns it; Unlock hands ownership directly
// to the next FIFO-queued waiter (or marks the mutex free if none is
// queued) rather than waking everyone to race for it.
type Mutex struct {
	mu      sync.Mutex
	locked  bool
	waiters []chan struct{}
}

// Lock suspends the calling Task (via y) until it owns the mutex.
func (m *Mutex) Lock(y *Yielder) {
	m.mu.Lock()
	if !m.locked {
		m.locked = true
		m.mu.Unlock()
		return
	}
	ch := make(chan struct{})
	m.waiters = append(m.waiters, ch)
	m.mu.Unlock()
	y.parkOn(ch)
}

// TryLock attempts to acquire the mutex without suspending, per spec.md
// §4.B "try_lock never suspends".
func (m *Mutex) TryLock() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.locked {
		return false
	}
	m.locked = true
	return true
}

// Unlock hands ownership to the next FIFO-queued waiter, or marks the
// mutex unlocked if the queue is empty.
func (m *Mutex) Unlock() {
	m.mu.Lock()
	if len(m.waiters) == 0 {
		m.locked = false
		m.mu.Unlock()
		return
	}
	next := m.waiters[0]
	m.waiters = m.waiters[1:]
	m.mu.Unlock()
	close(next) // ownership transfers directly to next; m.locked stays true
}

// Cond is the async condition variable of spec.md §4.B: Wait atomically
// releases the guard mutex and enqueues the waiter; once woken, the
// waiter re-acquires the mutex through an ordinary Lock before Wait
// returns, so it resumes holding the guard.
type Cond struct {
	L *Mutex

	mu      sync.Mutex
	waiters []chan struct{}
}

// NewCond returns a Cond guarded by l.
func NewCond(l *Mutex) *Cond { return &Cond{L: l} }

// Wait releases L, suspends until Notify wakes this waiter, then
// re-acquires L before returning — exactly spec.md's "atomically releases
// the guard and enqueues the waiter; notify_one reacquires the guard for
// the woken waiter before resumption".
func (c *Cond) Wait(y *Yielder) {
	ch := make(chan struct{})
	c.mu.Lock()
	c.waiters = append(c.waiters, ch)
	c.mu.Unlock()

	c.L.Unlock()
	y.parkOn(ch)
	c.L.Lock(y)
}

// NotifyOne wakes exactly one waiter, if any. It does not hand the mutex
// over: the woken waiter re-acquires L through Wait's own Lock call, which
// queues it FIFO against any other contender exactly like a fresh Lock
// call would.
func (c *Cond) NotifyOne() {
	c.mu.Lock()
	if len(c.waiters) == 0 {
		c.mu.Unlock()
		return
	}
	next := c.waiters[0]
	c.waiters = c.waiters[1:]
	c.mu.Unlock()
	close(next)
}

// NotifyAll wakes every waiter currently queued.
func (c *Cond) NotifyAll() {
	c.mu.Lock()
	waiters := c.waiters
	c.waiters = nil
	c.mu.Unlock()
	for _, w := range waiters {
		close(w)
	}
}
