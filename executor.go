package dbus

import (
	"sync"

	"github.com/rs/xid"

	"github.com/coredesk/dbus/reactor"
	"github.com/coredesk/dbus/transport"
)

// An Executor plugs a connection's transport-announced watches and
// timeouts into a [reactor.Loop], so that protocol progress is made
// from the loop's goroutine without blocking anywhere.
//
// Adapter entries are keyed by ID, and every loop callback re-looks
// its entry up by that ID: a watch or timeout removed while a
// callback is in flight resolves to a no-op instead of touching a
// dead object.
type Executor struct {
	loop *reactor.Loop
	t    *transport.Conn

	mu       sync.Mutex
	watches  map[xid.ID]*watchAdapter
	timeouts map[xid.ID]*timeoutAdapter
	draining bool
	detached bool
}

type watchAdapter struct {
	watch  *transport.Watch
	handle *reactor.FDHandle
}

type timeoutAdapter struct {
	timeout *transport.Timeout
	timer   *reactor.Timer
}

func newExecutor(loop *reactor.Loop, t *transport.Conn) (*Executor, error) {
	e := &Executor{
		loop:     loop,
		t:        t,
		watches:  map[xid.ID]*watchAdapter{},
		timeouts: map[xid.ID]*timeoutAdapter{},
	}
	t.SetWakeupFunc(e.onWakeup)
	if err := t.SetTimeoutFuncs(transport.TimeoutFuncs{
		Add:    e.onAddTimeout,
		Remove: e.onRemoveTimeout,
		Toggle: e.onToggleTimeout,
	}); err != nil {
		return nil, err
	}
	// Installing the watch functions announces the socket watch, which
	// registers it with the loop; after this the loop owns all I/O.
	if err := t.SetWatchFuncs(transport.WatchFuncs{
		Add:    e.onAddWatch,
		Remove: e.onRemoveWatch,
		Toggle: e.onToggleWatch,
	}); err != nil {
		return nil, err
	}
	return e, nil
}

// Loop returns the reactor the executor is bound to.
func (e *Executor) Loop() *reactor.Loop { return e.loop }

func interestFor(flags transport.WatchFlags) reactor.Events {
	var ev reactor.Events
	if flags&transport.WatchReadable != 0 {
		ev |= reactor.Readable
	}
	if flags&transport.WatchWritable != 0 {
		ev |= reactor.Writable
	}
	return ev
}

func occurredFor(ev reactor.Events) transport.WatchFlags {
	var flags transport.WatchFlags
	if ev&reactor.Readable != 0 {
		flags |= transport.WatchReadable
	}
	if ev&reactor.Writable != 0 {
		flags |= transport.WatchWritable
	}
	if ev&reactor.Error != 0 {
		flags |= transport.WatchError
	}
	if ev&reactor.Hangup != 0 {
		flags |= transport.WatchHangup
	}
	return flags
}

func (e *Executor) onAddWatch(w *transport.Watch) error {
	id := xid.New()
	handle, err := e.loop.AddFD(w.Fd(), interestFor(w.Flags()), func(ev reactor.Events) {
		e.mu.Lock()
		wa := e.watches[id]
		e.mu.Unlock()
		if wa == nil {
			return
		}
		wa.watch.Handle(occurredFor(ev))
	})
	if err != nil {
		return err
	}
	e.mu.Lock()
	e.watches[id] = &watchAdapter{watch: w, handle: handle}
	e.mu.Unlock()
	return nil
}

func (e *Executor) findWatch(w *transport.Watch) (xid.ID, *watchAdapter) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for id, wa := range e.watches {
		if wa.watch == w {
			return id, wa
		}
	}
	return xid.ID{}, nil
}

func (e *Executor) onRemoveWatch(w *transport.Watch) {
	id, wa := e.findWatch(w)
	if wa == nil {
		return
	}
	e.mu.Lock()
	delete(e.watches, id)
	e.mu.Unlock()
	wa.handle.Close()
}

func (e *Executor) onToggleWatch(w *transport.Watch) {
	_, wa := e.findWatch(w)
	if wa == nil {
		return
	}
	wa.handle.Update(interestFor(w.Flags()))
}

func (e *Executor) onAddTimeout(t *transport.Timeout) error {
	id := xid.New()
	timer := e.loop.AfterFunc(t.Interval(), func() {
		e.mu.Lock()
		ta := e.timeouts[id]
		if ta != nil {
			delete(e.timeouts, id)
		}
		e.mu.Unlock()
		if ta == nil {
			return
		}
		ta.timeout.Handle()
	})
	e.mu.Lock()
	e.timeouts[id] = &timeoutAdapter{timeout: t, timer: timer}
	e.mu.Unlock()
	return nil
}

func (e *Executor) findTimeout(t *transport.Timeout) (xid.ID, *timeoutAdapter) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for id, ta := range e.timeouts {
		if ta.timeout == t {
			return id, ta
		}
	}
	return xid.ID{}, nil
}

func (e *Executor) onRemoveTimeout(t *transport.Timeout) {
	id, ta := e.findTimeout(t)
	if ta == nil {
		return
	}
	e.mu.Lock()
	delete(e.timeouts, id)
	e.mu.Unlock()
	ta.timer.Stop()
}

func (e *Executor) onToggleTimeout(t *transport.Timeout) {
	if t.Enabled() {
		e.onRemoveTimeout(t)
		e.onAddTimeout(t)
	} else {
		e.onRemoveTimeout(t)
	}
}

// onWakeup schedules a dispatch drain on the loop. Concurrent wakeups
// collapse into at most one queued drain; the drain itself is never
// re-entered.
func (e *Executor) onWakeup() {
	e.mu.Lock()
	if e.draining || e.detached {
		e.mu.Unlock()
		return
	}
	e.draining = true
	e.mu.Unlock()
	e.loop.Post(e.drain)
}

func (e *Executor) drain() {
	for e.t.Dispatch() == transport.StatusDataRemains {
	}
	e.mu.Lock()
	e.draining = false
	again := e.t.DispatchStatus() == transport.StatusDataRemains && !e.detached
	e.mu.Unlock()
	if again {
		// New frames arrived between the status check and clearing the
		// flag.
		e.onWakeup()
	}
}

// detach tears down the adapter's registrations. Called during
// connection shutdown.
func (e *Executor) detach() {
	e.mu.Lock()
	e.detached = true
	ws := e.watches
	ts := e.timeouts
	e.watches = map[xid.ID]*watchAdapter{}
	e.timeouts = map[xid.ID]*timeoutAdapter{}
	e.mu.Unlock()
	for _, wa := range ws {
		wa.handle.Close()
	}
	for _, ta := range ts {
		ta.timer.Stop()
	}
}
