package transport

import "time"

// WatchFlags is a set of file-descriptor conditions a Watch is
// interested in, or that occurred.
type WatchFlags uint8

const (
	WatchReadable WatchFlags = 1 << iota
	WatchWritable
	WatchError
	WatchHangup
)

// A Watch is the transport's declared interest in readiness of one
// file descriptor. The reactor adapter registers the descriptor with
// the host event loop and calls [Watch.Handle] when the interest
// triggers.
type Watch struct {
	c     *Conn
	fd    int
	flags WatchFlags
}

// Fd returns the watched file descriptor.
func (w *Watch) Fd() int { return w.fd }

// Flags returns the conditions the watch is currently interested in.
func (w *Watch) Flags() WatchFlags {
	w.c.mu.Lock()
	defer w.c.mu.Unlock()
	return w.flags
}

// Handle performs the protocol work unblocked by the triggered
// conditions. It never blocks; it consumes and produces only what the
// descriptor will take without waiting.
func (w *Watch) Handle(events WatchFlags) error {
	return w.c.handleIO(events)
}

// WatchFuncs is the callback surface through which the transport
// announces watches to a reactor adapter.
type WatchFuncs struct {
	// Add announces a new watch. A failure to register is fatal to
	// the connection.
	Add func(*Watch) error
	// Remove cancels a watch. No further Handle calls may be made on
	// it.
	Remove func(*Watch)
	// Toggle signals that the watch's Flags changed and its
	// registration should be re-armed without teardown.
	Toggle func(*Watch)
}

// A Timeout is the transport's request for a one-shot timer. The
// reactor adapter arms a timer for [Timeout.Interval] and calls
// [Timeout.Handle] exactly once when it fires, unless the timeout is
// removed first.
type Timeout struct {
	c        *Conn
	interval time.Duration
	deadline time.Time

	// guarded by c.mu
	enabled bool
	fired   bool
	fn      func()
}

// Interval returns the duration the timer should be armed for.
func (t *Timeout) Interval() time.Duration { return t.interval }

// Enabled reports whether the timeout is armed.
func (t *Timeout) Enabled() bool {
	t.c.mu.Lock()
	defer t.c.mu.Unlock()
	return t.enabled && !t.fired
}

// Handle fires the timeout's action. Firing is single-shot: repeat
// calls, and calls after removal, are no-ops.
func (t *Timeout) Handle() {
	t.c.mu.Lock()
	if !t.enabled || t.fired {
		t.c.mu.Unlock()
		return
	}
	t.fired = true
	fn := t.fn
	delete(t.c.timeouts, t)
	t.c.mu.Unlock()
	if fn != nil {
		fn()
	}
}

// TimeoutFuncs is the callback surface through which the transport
// announces timeouts to a reactor adapter.
type TimeoutFuncs struct {
	Add    func(*Timeout) error
	Remove func(*Timeout)
	Toggle func(*Timeout)
}
