package reactor

import (
	"os"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func startLoop(t *testing.T) *Loop {
	t.Helper()
	l, err := New()
	require.NoError(t, err)
	go l.Run()
	t.Cleanup(func() {
		l.Stop()
		l.Wait()
		l.Close()
	})
	return l
}

func TestPostRunsOnLoopGoroutine(t *testing.T) {
	l := startLoop(t)
	done := make(chan bool, 1)
	l.Post(func() {
		done <- l.OnLoopGoroutine()
	})
	select {
	case onLoop := <-done:
		require.True(t, onLoop, "posted task not on loop goroutine")
	case <-time.After(5 * time.Second):
		t.Fatal("posted task never ran")
	}
	require.False(t, l.OnLoopGoroutine(), "test goroutine claims to be the loop")
}

func TestAfterFuncFiresOnce(t *testing.T) {
	l := startLoop(t)
	var fired atomic.Int32
	l.AfterFunc(20*time.Millisecond, func() { fired.Add(1) })
	time.Sleep(200 * time.Millisecond)
	require.Equal(t, int32(1), fired.Load())
}

func TestTimerStop(t *testing.T) {
	l := startLoop(t)
	var fired atomic.Int32
	tm := l.AfterFunc(50*time.Millisecond, func() { fired.Add(1) })
	tm.Stop()
	tm.Stop() // idempotent
	time.Sleep(200 * time.Millisecond)
	require.Zero(t, fired.Load(), "stopped timer fired")
}

func TestTimerOrdering(t *testing.T) {
	l := startLoop(t)
	got := make(chan int, 2)
	l.AfterFunc(80*time.Millisecond, func() { got <- 2 })
	l.AfterFunc(20*time.Millisecond, func() { got <- 1 })
	require.Equal(t, 1, <-got)
	require.Equal(t, 2, <-got)
}

func TestFDReadiness(t *testing.T) {
	l := startLoop(t)
	r, w, err := os.Pipe()
	require.NoError(t, err)
	defer r.Close()
	defer w.Close()

	gotEvents := make(chan Events, 1)
	h, err := l.AddFD(int(r.Fd()), Readable, func(ev Events) {
		select {
		case gotEvents <- ev:
		default:
		}
		// Consume so level-triggered epoll quiesces.
		var buf [16]byte
		r.Read(buf[:])
	})
	require.NoError(t, err)
	defer h.Close()

	_, err = w.Write([]byte("x"))
	require.NoError(t, err)

	select {
	case ev := <-gotEvents:
		require.NotZero(t, ev&Readable, "callback events = %v", ev)
	case <-time.After(5 * time.Second):
		t.Fatal("fd callback never ran")
	}
}

func TestClosedHandleIsNoOp(t *testing.T) {
	l := startLoop(t)
	r, w, err := os.Pipe()
	require.NoError(t, err)
	defer r.Close()
	defer w.Close()

	var fired atomic.Int32
	h, err := l.AddFD(int(r.Fd()), Readable, func(Events) { fired.Add(1) })
	require.NoError(t, err)
	h.Close()
	h.Close() // idempotent

	_, err = w.Write([]byte("x"))
	require.NoError(t, err)
	time.Sleep(100 * time.Millisecond)
	require.Zero(t, fired.Load(), "callback on a closed handle")

	// The fd can be registered again after Close.
	h2, err := l.AddFD(int(r.Fd()), Readable, func(Events) {})
	require.NoError(t, err)
	h2.Close()
}

func TestUpdateInterest(t *testing.T) {
	l := startLoop(t)
	r, w, err := os.Pipe()
	require.NoError(t, err)
	defer r.Close()
	defer w.Close()

	var fired atomic.Int32
	h, err := l.AddFD(int(r.Fd()), 0, func(Events) { fired.Add(1) })
	require.NoError(t, err)
	defer h.Close()

	_, err = w.Write([]byte("x"))
	require.NoError(t, err)
	time.Sleep(100 * time.Millisecond)
	require.Zero(t, fired.Load(), "disarmed interest fired")

	require.NoError(t, h.Update(Readable))
	deadline := time.Now().Add(5 * time.Second)
	for fired.Load() == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	require.NotZero(t, fired.Load(), "re-armed interest never fired")
}
