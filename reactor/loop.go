// Package reactor provides a minimal single-goroutine event loop:
// file-descriptor readiness callbacks, one-shot timers, and
// cross-goroutine task posting, built on epoll.
//
// It is the host loop that a bus connection's watches and timeouts
// plug into, but it knows nothing about the bus; any fd-based
// protocol can be driven by it.
package reactor

import (
	"bytes"
	"errors"
	"fmt"
	"runtime"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/creachadair/mds/heapq"
	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

var log = logrus.WithField("module", "dbus/reactor")

// SetLogger redirects the package's diagnostics.
func SetLogger(l *logrus.Logger) { log = l.WithField("module", "dbus/reactor") }

// Events is a bitmask of file-descriptor conditions.
type Events uint8

const (
	Readable Events = 1 << iota
	Writable
	Error
	Hangup
)

func (e Events) epoll() uint32 {
	var ep uint32
	if e&Readable != 0 {
		ep |= unix.EPOLLIN
	}
	if e&Writable != 0 {
		ep |= unix.EPOLLOUT
	}
	return ep
}

func eventsFromEpoll(ep uint32) Events {
	var e Events
	if ep&unix.EPOLLIN != 0 {
		e |= Readable
	}
	if ep&unix.EPOLLOUT != 0 {
		e |= Writable
	}
	if ep&unix.EPOLLERR != 0 {
		e |= Error
	}
	if ep&(unix.EPOLLHUP|unix.EPOLLRDHUP) != 0 {
		e |= Hangup
	}
	return e
}

// A Loop is a single-goroutine reactor. All registered callbacks run
// on the goroutine that called [Loop.Run]; every method is safe to
// call from any goroutine.
type Loop struct {
	epfd   int
	wakeFd int

	gid atomic.Uint64 // goroutine id of Run, 0 when not running

	mu      sync.Mutex
	fds     map[int]*FDHandle
	tasks   []func()
	timers  *heapq.Queue[*Timer]
	stopped bool
	done    chan struct{}
}

// New returns a Loop ready to Run.
func New() (*Loop, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("epoll_create: %w", err)
	}
	wakeFd, err := unix.Eventfd(0, unix.EFD_CLOEXEC|unix.EFD_NONBLOCK)
	if err != nil {
		unix.Close(epfd)
		return nil, err
	}
	ev := unix.EpollEvent{Events: unix.EPOLLIN, Fd: int32(wakeFd)}
	if err := unix.EpollCtl(epfd, unix.EPOLL_CTL_ADD, wakeFd, &ev); err != nil {
		unix.Close(epfd)
		unix.Close(wakeFd)
		return nil, err
	}
	return &Loop{
		epfd:   epfd,
		wakeFd: wakeFd,
		fds:    map[int]*FDHandle{},
		timers: heapq.New((*Timer).compare),
		done:   make(chan struct{}),
	}, nil
}

// An FDHandle is one registered readiness interest.
type FDHandle struct {
	l    *Loop
	fd   int
	cb   func(Events)
	dead bool // guarded by l.mu
}

// AddFD registers fd with the loop. cb runs on the loop goroutine
// whenever one of the requested events (or an error/hangup) occurs.
// An empty interest set keeps the registration but arms nothing.
func (l *Loop) AddFD(fd int, interest Events, cb func(Events)) (*FDHandle, error) {
	h := &FDHandle{l: l, fd: fd, cb: cb}
	l.mu.Lock()
	if _, ok := l.fds[fd]; ok {
		l.mu.Unlock()
		return nil, fmt.Errorf("fd %d already registered", fd)
	}
	l.fds[fd] = h
	l.mu.Unlock()

	ev := unix.EpollEvent{Events: interest.epoll(), Fd: int32(fd)}
	if err := unix.EpollCtl(l.epfd, unix.EPOLL_CTL_ADD, fd, &ev); err != nil {
		l.mu.Lock()
		delete(l.fds, fd)
		l.mu.Unlock()
		return nil, fmt.Errorf("epoll_ctl add fd %d: %w", fd, err)
	}
	return h, nil
}

// Update re-arms the handle with a new interest set without tearing
// down the registration.
func (h *FDHandle) Update(interest Events) error {
	h.l.mu.Lock()
	if h.dead {
		h.l.mu.Unlock()
		return errors.New("update of a closed fd handle")
	}
	h.l.mu.Unlock()
	ev := unix.EpollEvent{Events: interest.epoll(), Fd: int32(h.fd)}
	return unix.EpollCtl(h.l.epfd, unix.EPOLL_CTL_MOD, h.fd, &ev)
}

// Close cancels the registration. Pending callbacks that have not
// started yet become no-ops. Close is idempotent.
func (h *FDHandle) Close() {
	h.l.mu.Lock()
	if h.dead {
		h.l.mu.Unlock()
		return
	}
	h.dead = true
	delete(h.l.fds, h.fd)
	h.l.mu.Unlock()
	unix.EpollCtl(h.l.epfd, unix.EPOLL_CTL_DEL, h.fd, nil)
}

// A Timer is a one-shot timer armed on a Loop.
type Timer struct {
	deadline time.Time
	fn       func()
	stopped  atomic.Bool
}

func (t *Timer) compare(u *Timer) int {
	return t.deadline.Compare(u.deadline)
}

// Stop cancels the timer if it has not fired. Stop is idempotent and
// safe from any goroutine, including the timer's own callback.
func (t *Timer) Stop() { t.stopped.Store(true) }

// AfterFunc arms fn to run on the loop goroutine once, after d.
func (l *Loop) AfterFunc(d time.Duration, fn func()) *Timer {
	t := &Timer{deadline: time.Now().Add(d), fn: fn}
	l.mu.Lock()
	l.timers.Add(t)
	l.mu.Unlock()
	l.wake()
	return t
}

// Post schedules fn to run on the loop goroutine.
func (l *Loop) Post(fn func()) {
	l.mu.Lock()
	l.tasks = append(l.tasks, fn)
	l.mu.Unlock()
	l.wake()
}

func (l *Loop) wake() {
	var one [8]byte
	one[0] = 1
	unix.Write(l.wakeFd, one[:])
}

// Stop makes Run return after the current iteration. The loop's
// registrations stay valid until Run returns.
func (l *Loop) Stop() {
	l.mu.Lock()
	l.stopped = true
	l.mu.Unlock()
	l.wake()
}

// Wait blocks until Run has returned.
func (l *Loop) Wait() { <-l.done }

// OnLoopGoroutine reports whether the caller is running on the
// loop's goroutine. Blocking operations use this to refuse deadlocks
// with the dispatch loop.
func (l *Loop) OnLoopGoroutine() bool {
	g := l.gid.Load()
	return g != 0 && g == goroutineID()
}

func goroutineID() uint64 {
	var buf [64]byte
	n := runtime.Stack(buf[:], false)
	// The first line is "goroutine N [state]:".
	fields := bytes.Fields(buf[:n])
	if len(fields) < 2 {
		return 0
	}
	id, _ := strconv.ParseUint(string(fields[1]), 10, 64)
	return id
}

// Run processes events until Stop is called. It owns the calling
// goroutine: all fd callbacks, timers and posted tasks run here.
func (l *Loop) Run() error {
	l.gid.Store(goroutineID())
	defer func() {
		l.gid.Store(0)
		close(l.done)
	}()

	events := make([]unix.EpollEvent, 64)
	for {
		l.runTasks()
		l.fireTimers()

		l.mu.Lock()
		if l.stopped {
			l.mu.Unlock()
			return nil
		}
		timeout := -1
		if next, ok := l.timers.Pop(); ok {
			l.timers.Add(next)
			ms := time.Until(next.deadline).Milliseconds()
			if ms < 0 {
				ms = 0
			}
			timeout = int(ms)
		}
		l.mu.Unlock()

		n, err := unix.EpollWait(l.epfd, events, timeout)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			log.WithError(err).Error("reactor poll failed")
			return fmt.Errorf("epoll_wait: %w", err)
		}
		for i := 0; i < n; i++ {
			ev := events[i]
			if int(ev.Fd) == l.wakeFd {
				var scratch [8]byte
				unix.Read(l.wakeFd, scratch[:])
				continue
			}
			// Look the handle up at delivery time: a callback earlier
			// in this batch may have closed it, and a dead handle
			// must resolve to a no-op rather than a stale callback.
			l.mu.Lock()
			h := l.fds[int(ev.Fd)]
			l.mu.Unlock()
			if h == nil || h.dead {
				continue
			}
			h.cb(eventsFromEpoll(ev.Events))
		}
	}
}

func (l *Loop) runTasks() {
	for {
		l.mu.Lock()
		tasks := l.tasks
		l.tasks = nil
		l.mu.Unlock()
		if len(tasks) == 0 {
			return
		}
		for _, fn := range tasks {
			fn()
		}
	}
}

func (l *Loop) fireTimers() {
	now := time.Now()
	for {
		l.mu.Lock()
		next, ok := l.timers.Pop()
		if !ok {
			l.mu.Unlock()
			return
		}
		if next.deadline.After(now) {
			l.timers.Add(next)
			l.mu.Unlock()
			return
		}
		l.mu.Unlock()
		if next.stopped.Load() {
			continue
		}
		next.fn()
	}
}

// Close releases the loop's descriptors. Only call after Run has
// returned.
func (l *Loop) Close() error {
	unix.Close(l.epfd)
	unix.Close(l.wakeFd)
	return nil
}
