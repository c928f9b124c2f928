package async

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestReactorDoubleRegisterRejected(t *testing.T) {
	r, err := NewReactor()
	require.NoError(t, err)
	defer r.Close()

	conn1, conn2 := mustSocketPair(t)
	defer conn1.Close()
	defer conn2.Close()

	fd := connFD(t, conn1)

	errCh := make(chan error, 1)
	go func() { errCh <- r.Wait(fd, Read, time.Time{}) }()
	time.Sleep(20 * time.Millisecond) // let the first Wait register

	err = r.Wait(fd, Read, time.Time{})
	require.ErrorIs(t, err, ErrAlreadyWaiting)

	r.Cancel(fd, Read)
	require.ErrorIs(t, <-errCh, ErrClosed)
}

func TestReactorTimeout(t *testing.T) {
	r, err := NewReactor()
	require.NoError(t, err)
	defer r.Close()

	conn1, conn2 := mustSocketPair(t)
	defer conn1.Close()
	defer conn2.Close()
	fd := connFD(t, conn1)

	done := make(chan error, 1)
	go func() { done <- r.Wait(fd, Read, time.Now().Add(20*time.Millisecond)) }()
	go func() {
		for i := 0; i < 50; i++ {
			r.Poll(5 * time.Millisecond)
		}
	}()
	select {
	case err := <-done:
		require.ErrorIs(t, err, ErrTimeout)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for reactor timeout")
	}
}

func TestMutexLockUnlockAcrossTasks(t *testing.T) {
	exec, err := NewExecutor()
	require.NoError(t, err)
	donePoll := make(chan struct{})
	go RunReactorLoop(exec.Reactor, donePoll)
	defer close(donePoll)

	var m Mutex
	var order []int
	results := make(chan int, 3)

	for i := 0; i < 3; i++ {
		i := i
		Spawn(exec, func(y *Yielder) (struct{}, error) {
			m.Lock(y)
			results <- i
			m.Unlock()
			return struct{}{}, nil
		})
	}
	for i := 0; i < 3; i++ {
		order = append(order, <-results)
	}
	require.Len(t, order, 3)
}

func TestCondNotify(t *testing.T) {
	exec, err := NewExecutor()
	require.NoError(t, err)
	donePoll := make(chan struct{})
	go RunReactorLoop(exec.Reactor, donePoll)
	defer close(donePoll)

	var m Mutex
	c := NewCond(&m)
	woken := make(chan struct{}, 1)

	waiter := Spawn(exec, func(y *Yielder) (struct{}, error) {
		m.Lock(y)
		c.Wait(y)
		woken <- struct{}{}
		m.Unlock()
		return struct{}{}, nil
	})

	time.Sleep(20 * time.Millisecond)
	Spawn(exec, func(y *Yielder) (struct{}, error) {
		m.Lock(y)
		c.NotifyOne()
		m.Unlock()
		return struct{}{}, nil
	})

	select {
	case <-woken:
	case <-time.After(2 * time.Second):
		t.Fatal("condvar waiter never woke")
	}
	_, err = waiter.Await()
	require.NoError(t, err)
}

func mustSocketPair(t *testing.T) (net.Conn, net.Conn) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	var server net.Conn
	acceptDone := make(chan struct{})
	go func() {
		server, _ = ln.Accept()
		close(acceptDone)
	}()
	client, err := net.Dial("tcp", ln.Addr().String())
	require.NoError(t, err)
	<-acceptDone
	return client, server
}
