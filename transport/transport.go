package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"sync"
	"time"

	"github.com/creachadair/mds/mapset"
	"github.com/creachadair/mds/queue"
	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/coredesk/dbus/wire"
)

var log = logrus.WithField("module", "dbus/transport")

// SetLogger redirects the package's diagnostics.
func SetLogger(l *logrus.Logger) { log = l.WithField("module", "dbus/transport") }

// DispatchStatus reports whether a connection holds received data
// that has not been dispatched yet.
type DispatchStatus int

const (
	// StatusDataRemains means Dispatch has work to do.
	StatusDataRemains DispatchStatus = iota
	// StatusComplete means the inbound queue is drained.
	StatusComplete
)

// An InMessage is one raw inbound frame: the complete header and body
// bytes, plus any file descriptors that arrived with them.
type InMessage struct {
	Data  []byte
	Files []*os.File
}

// maxMessageSize is the protocol's cap on one message's total size.
const maxMessageSize = 1 << 27

// A Conn is a raw connection to a bus: framing, file-descriptor
// passing and serial assignment, with no knowledge of message
// semantics.
//
// A Conn can be driven two ways. A reactor adapter installs
// watch/timeout callbacks and performs I/O from its event loop via
// [Watch.Handle]; or, with no adapter installed, a caller drives the
// connection from its own goroutine with [Conn.ReadWriteDispatch].
type Conn struct {
	fd     int
	wakeFd int // eventfd, wakes blocking pollers

	mu         sync.Mutex
	closed     bool
	connErr    error
	lastSerial uint32

	watch      *Watch
	watchFns   WatchFuncs
	timeoutFns TimeoutFuncs
	wakeup     func()
	filter     func(*InMessage) bool
	onClose    func(error)

	inBuf    []byte
	rcvFiles *queue.Queue[*os.File]
	inbox    *queue.Queue[*InMessage]
	outbox   *queue.Queue[*outMsg]
	timeouts mapset.Set[*Timeout]
}

type outMsg struct {
	data  []byte
	files []*os.File
	off   int
}

// Dial connects and authenticates to the bus at the given address
// string. Several semicolon-separated endpoints are tried in order.
func Dial(ctx context.Context, address string) (*Conn, error) {
	addrs, err := ParseAddress(address)
	if err != nil {
		return nil, err
	}
	var firstErr error
	for _, a := range addrs {
		name, ok := a.UnixName()
		if !ok {
			continue // only unix transports supported
		}
		c, err := dialUnix(ctx, name)
		if err == nil {
			return c, nil
		}
		if firstErr == nil {
			firstErr = err
		}
	}
	if firstErr == nil {
		firstErr = fmt.Errorf("no usable endpoint in bus address %q", address)
	}
	return nil, firstErr
}

func dialUnix(ctx context.Context, name string) (*Conn, error) {
	fd, err := unix.Socket(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return nil, fmt.Errorf("socket: %w", err)
	}
	if err := unix.Connect(fd, &unix.SockaddrUnix{Name: name}); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("connect %q: %w", name, err)
	}
	if err := authExternal(fd, ctx); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("bus auth: %w", err)
	}
	if err := unix.SetNonblock(fd, true); err != nil {
		unix.Close(fd)
		return nil, err
	}
	wakeFd, err := unix.Eventfd(0, unix.EFD_CLOEXEC|unix.EFD_NONBLOCK)
	if err != nil {
		unix.Close(fd)
		return nil, err
	}
	c := &Conn{
		fd:       fd,
		wakeFd:   wakeFd,
		rcvFiles: queue.New[*os.File](),
		inbox:    queue.New[*InMessage](),
		outbox:   queue.New[*outMsg](),
		timeouts: mapset.New[*Timeout](),
	}
	c.watch = &Watch{c: c, fd: fd, flags: WatchReadable}
	registerConn(c)
	return c, nil
}

// NextSerial assigns the next outbound message serial. Serials are
// strictly increasing and never zero.
func (c *Conn) NextSerial() uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lastSerial++
	if c.lastSerial == 0 {
		c.lastSerial++
	}
	return c.lastSerial
}

// SetFilter installs the sole entry point for inbound frames,
// invoked from Dispatch. The filter's return value reports whether
// the frame was handled; unhandled frames are dropped.
func (c *Conn) SetFilter(fn func(*InMessage) bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.filter = fn
}

// SetCloseHandler installs a function called exactly once when the
// connection tears down, with the error that caused it (nil for a
// local Close).
func (c *Conn) SetCloseHandler(fn func(error)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onClose = fn
}

// SetWatchFuncs installs the reactor adapter's watch callbacks. The
// connection's existing watch is announced immediately through Add.
func (c *Conn) SetWatchFuncs(fns WatchFuncs) error {
	c.mu.Lock()
	c.watchFns = fns
	w := c.watch
	c.mu.Unlock()
	if fns.Add != nil && w != nil {
		if err := fns.Add(w); err != nil {
			// A connection whose socket cannot be watched can make no
			// progress.
			c.teardown(fmt.Errorf("registering watch: %w", err))
			return err
		}
	}
	return nil
}

// SetTimeoutFuncs installs the reactor adapter's timeout callbacks.
// Already-pending timeouts are announced immediately through Add.
func (c *Conn) SetTimeoutFuncs(fns TimeoutFuncs) error {
	c.mu.Lock()
	c.timeoutFns = fns
	var pending []*Timeout
	for t := range c.timeouts {
		pending = append(pending, t)
	}
	c.mu.Unlock()
	if fns.Add != nil {
		for _, t := range pending {
			if err := fns.Add(t); err != nil {
				return err
			}
		}
	}
	return nil
}

// SetWakeupFunc installs the reactor adapter's request to drain
// pending dispatch work.
func (c *Conn) SetWakeupFunc(fn func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.wakeup = fn
}

// Send queues one encoded frame, with its attached files, for
// transmission. It never blocks: whatever the socket refuses is
// queued and flushed on write readiness.
func (c *Conn) Send(data []byte, files []*os.File) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return net.ErrClosed
	}
	c.outbox.Add(&outMsg{data: data, files: files})
	c.mu.Unlock()

	// Opportunistic flush from the sending goroutine.
	err := c.doWrite()

	c.mu.Lock()
	needToggle := c.outbox.Len() > 0 && !c.closed
	c.mu.Unlock()
	if needToggle {
		// Whatever the flush refused is retried on write readiness,
		// including after an allocation refusal.
		c.updateWriteInterest()
		c.kickWake()
	}
	return err
}

// updateWriteInterest re-arms the connection's watch so that its
// writable interest matches whether output is pending.
func (c *Conn) updateWriteInterest() {
	c.mu.Lock()
	if c.closed || c.watch == nil {
		c.mu.Unlock()
		return
	}
	want := WatchReadable
	if c.outbox.Len() > 0 {
		want |= WatchWritable
	}
	var toggle func(*Watch)
	w := c.watch
	if w.flags != want {
		w.flags = want
		toggle = c.watchFns.Toggle
	}
	c.mu.Unlock()
	if toggle != nil {
		toggle(w)
	}
}

// AddTimeout asks for fn to run once after d. The returned Timeout is
// live until it fires or is removed.
func (c *Conn) AddTimeout(d time.Duration, fn func()) (*Timeout, error) {
	t := &Timeout{
		c:        c,
		interval: d,
		deadline: time.Now().Add(d),
		enabled:  true,
		fn:       fn,
	}
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, net.ErrClosed
	}
	c.timeouts.Add(t)
	add := c.timeoutFns.Add
	c.mu.Unlock()
	if add != nil {
		if err := add(t); err != nil {
			c.RemoveTimeout(t)
			return nil, err
		}
	}
	c.kickWake() // blocking pollers must recompute their deadline
	return t, nil
}

// RemoveTimeout cancels a timeout. Removal is idempotent.
func (c *Conn) RemoveTimeout(t *Timeout) {
	c.mu.Lock()
	if !t.enabled {
		c.mu.Unlock()
		return
	}
	t.enabled = false
	delete(c.timeouts, t)
	remove := c.timeoutFns.Remove
	c.mu.Unlock()
	if remove != nil {
		remove(t)
	}
}

// DispatchStatus reports whether received frames await dispatch.
func (c *Conn) DispatchStatus() DispatchStatus {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.inbox.Len() > 0 {
		return StatusDataRemains
	}
	return StatusComplete
}

// Dispatch delivers at most one received frame to the filter and
// returns the resulting status.
func (c *Conn) Dispatch() DispatchStatus {
	c.mu.Lock()
	m, ok := c.inbox.Pop()
	filter := c.filter
	c.mu.Unlock()
	if ok {
		handled := false
		if filter != nil {
			handled = filter(m)
		}
		if !handled {
			log.WithField("bytes", len(m.Data)).Debug("dropping unhandled frame")
			for _, f := range m.Files {
				if f != nil {
					f.Close()
				}
			}
		}
	}
	return c.DispatchStatus()
}

// handleIO is the body of Watch.Handle.
func (c *Conn) handleIO(events WatchFlags) error {
	if events&(WatchError|WatchHangup) != 0 {
		c.teardown(errors.New("transport error condition on socket"))
		return net.ErrClosed
	}
	if events&WatchReadable != 0 {
		if err := c.doRead(); err != nil {
			return err
		}
	}
	if events&WatchWritable != 0 {
		if err := c.doWrite(); err != nil {
			return err
		}
		c.updateWriteInterest()
	}
	return nil
}

var errProtocol = errors.New("dbus protocol violation")

// ErrNoMemory is returned when the kernel refuses an allocation for
// socket I/O (ENOMEM or ENOBUFS). The affected message stays queued
// and is retried on the next write readiness; the connection itself
// stays up.
var ErrNoMemory = errors.New("dbus: transport out of memory")

// doRead drains the socket without blocking, parses complete frames,
// and announces new dispatch work.
func (c *Conn) doRead() error {
	buf := make([]byte, 64*1024)
	oob := make([]byte, 512)
	got := false
	for {
		n, oobn, flags, _, err := unix.Recvmsg(c.fd, buf, oob, unix.MSG_DONTWAIT|unix.MSG_CMSG_CLOEXEC)
		if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
			break
		}
		if err == unix.EINTR {
			continue
		}
		if err == unix.ENOMEM || err == unix.ENOBUFS {
			// Out of kernel memory; whatever is still queued on the
			// socket stays there until the next readiness.
			break
		}
		if err != nil {
			c.teardown(fmt.Errorf("read: %w", err))
			return net.ErrClosed
		}
		if flags&unix.MSG_CTRUNC != 0 {
			c.teardown(errors.New("control message truncated"))
			return net.ErrClosed
		}
		if n == 0 {
			c.teardown(nil) // orderly EOF from the daemon
			return net.ErrClosed
		}
		if oobn > 0 {
			if err := c.parseFDs(oob[:oobn]); err != nil {
				c.teardown(err)
				return net.ErrClosed
			}
		}
		c.mu.Lock()
		c.inBuf = append(c.inBuf, buf[:n]...)
		c.mu.Unlock()
		got = true
	}
	if !got {
		return nil
	}
	n, err := c.parseFrames()
	if err != nil {
		c.teardown(err)
		return net.ErrClosed
	}
	if n > 0 {
		c.announceWork()
	}
	return nil
}

// parseFDs queues file descriptors received as SCM_RIGHTS ancillary
// data. All descriptors are extracted even on error, so that none
// leak into the process unowned.
func (c *Conn) parseFDs(oob []byte) error {
	scms, err := unix.ParseSocketControlMessage(oob)
	if err != nil {
		return err
	}
	var errs []error
	for _, scm := range scms {
		if scm.Header.Level != unix.SOL_SOCKET || scm.Header.Type != unix.SCM_RIGHTS {
			continue
		}
		fds, err := unix.ParseUnixRights(&scm)
		if err != nil {
			errs = append(errs, fmt.Errorf("parsing unix rights: %w", err))
			continue
		}
		c.mu.Lock()
		for _, fd := range fds {
			c.rcvFiles.Add(os.NewFile(uintptr(fd), "dbus-fd"))
		}
		c.mu.Unlock()
	}
	return errors.Join(errs...)
}

// parseFrames splits inBuf into complete frames and queues them for
// dispatch, returning the number of frames produced.
func (c *Conn) parseFrames() (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for {
		total, err := FrameSize(c.inBuf)
		if err != nil {
			return n, err
		}
		if total == 0 || len(c.inBuf) < total {
			return n, nil
		}
		frame := make([]byte, total)
		copy(frame, c.inBuf[:total])
		c.inBuf = c.inBuf[total:]

		nfds, err := numFDsIn(frame)
		if err != nil {
			return n, err
		}
		m := &InMessage{Data: frame}
		for i := 0; i < nfds; i++ {
			f, ok := c.rcvFiles.Pop()
			if !ok {
				return n, fmt.Errorf("%w: frame needs %d file descriptors, %d arrived", errProtocol, nfds, i)
			}
			m.Files = append(m.Files, f)
		}
		c.inbox.Add(m)
		n++
	}
}

// FrameSize returns the total size of the message frame at the front
// of buf, or 0 if the fixed part of its header is not complete yet.
// Bus implementations use it to delimit inbound frames.
func FrameSize(buf []byte) (int, error) {
	if len(buf) < 16 {
		return 0, nil
	}
	order, ok := wire.OrderFor(buf[0])
	if !ok {
		return 0, fmt.Errorf("%w: unknown byte order flag %q", errProtocol, buf[0])
	}
	bodyLen := int(order.Uint32(buf[4:8]))
	fieldsLen := int(order.Uint32(buf[12:16]))
	total := 16 + (fieldsLen+7)&^7 + bodyLen
	if total > maxMessageSize {
		return 0, fmt.Errorf("%w: message of %d bytes exceeds maximum", errProtocol, total)
	}
	return total, nil
}

// numFDsIn scans a complete frame's header fields for the UNIX_FDS
// field.
func numFDsIn(frame []byte) (int, error) {
	order, _ := wire.OrderFor(frame[0])
	r, err := wire.NewReader(order, "yyyyuua(yv)", frame, nil)
	if err != nil {
		return 0, err
	}
	for i := 0; i < 4; i++ {
		if _, err := r.Byte(); err != nil {
			return 0, err
		}
	}
	if _, err := r.Uint32(); err != nil {
		return 0, err
	}
	if _, err := r.Uint32(); err != nil {
		return 0, err
	}
	if _, err := r.OpenArray(); err != nil {
		return 0, err
	}
	nfds := 0
	for r.More() {
		if err := r.OpenStruct(); err != nil {
			return 0, err
		}
		code, err := r.Byte()
		if err != nil {
			return 0, err
		}
		if code == 9 {
			if _, err := r.OpenVariant(); err != nil {
				return 0, err
			}
			v, err := r.Uint32()
			if err != nil {
				return 0, err
			}
			nfds = int(v)
			if err := r.CloseVariant(); err != nil {
				return 0, err
			}
		} else if err := r.Skip(); err != nil {
			return 0, err
		}
		if err := r.CloseStruct(); err != nil {
			return 0, err
		}
	}
	return nfds, nil
}

// doWrite flushes as much pending output as the socket accepts.
func (c *Conn) doWrite() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for {
		m, ok := c.outbox.Peek(0)
		if !ok {
			return nil
		}
		var oob []byte
		if m.off == 0 && len(m.files) > 0 {
			fds := make([]int, len(m.files))
			for i, f := range m.files {
				fds[i] = int(f.Fd())
			}
			oob = unix.UnixRights(fds...)
		}
		n, err := unix.SendmsgN(c.fd, m.data[m.off:], oob, nil, unix.MSG_DONTWAIT|unix.MSG_NOSIGNAL)
		if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
			return nil
		}
		if err == unix.EINTR {
			continue
		}
		if err == unix.ENOMEM || err == unix.ENOBUFS {
			// Allocation refusal, not a dead socket: surface it and
			// retry the queued message on the next readiness.
			return ErrNoMemory
		}
		if err != nil {
			c.teardownLocked(fmt.Errorf("write: %w", err))
			return net.ErrClosed
		}
		if m.off == 0 {
			for _, f := range m.files {
				f.Close() // descriptors are owned by the queue once sent
			}
			m.files = nil
		}
		m.off += n
		if m.off == len(m.data) {
			c.outbox.Pop()
		}
	}
}

// announceWork tells whoever drives the connection that frames await
// dispatch.
func (c *Conn) announceWork() {
	c.mu.Lock()
	wake := c.wakeup
	c.mu.Unlock()
	if wake != nil {
		wake()
	}
	c.kickWake()
}

// kickWake wakes blocking ReadWriteDispatch pollers.
func (c *Conn) kickWake() {
	var one [8]byte
	one[0] = 1
	unix.Write(c.wakeFd, one[:])
}

// ReadWriteDispatch drives the connection from the calling goroutine:
// it waits up to d (or forever, if d < 0) for socket readiness,
// timeout expiry or a wakeup, performs the unblocked I/O, and
// dispatches at most one frame. It returns false once the connection
// is closed.
func (c *Conn) ReadWriteDispatch(d time.Duration) (bool, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return false, c.connErr
	}
	if c.inbox.Len() > 0 {
		c.mu.Unlock()
		c.Dispatch()
		return true, nil
	}
	events := unix.POLLIN
	if c.outbox.Len() > 0 {
		events |= unix.POLLOUT
	}
	timeout := d
	now := time.Now()
	for t := range c.timeouts {
		if left := t.deadline.Sub(now); timeout < 0 || left < timeout {
			timeout = max(left, 0)
		}
	}
	fd := c.fd
	wakeFd := c.wakeFd
	c.mu.Unlock()

	pfds := []unix.PollFd{
		{Fd: int32(fd), Events: int16(events)},
		{Fd: int32(wakeFd), Events: unix.POLLIN},
	}
	tms := -1
	if timeout >= 0 {
		tms = int(timeout.Milliseconds())
	}
	if _, err := unix.Poll(pfds, tms); err != nil && err != unix.EINTR {
		c.teardown(fmt.Errorf("poll: %w", err))
		return false, net.ErrClosed
	}

	// Drain the wake counter.
	var scratch [8]byte
	unix.Read(wakeFd, scratch[:])

	if pfds[0].Revents&(unix.POLLERR|unix.POLLHUP) != 0 {
		// Flush what was readable before the hangup, then tear down.
		c.doRead()
		c.teardown(nil)
	} else {
		if pfds[0].Revents&unix.POLLIN != 0 {
			c.doRead()
		}
		if pfds[0].Revents&unix.POLLOUT != 0 {
			c.doWrite()
		}
	}

	c.fireDueTimeouts()

	c.mu.Lock()
	closed := c.closed
	err := c.connErr
	hasWork := c.inbox.Len() > 0
	c.mu.Unlock()
	if hasWork {
		c.Dispatch()
	}
	if closed {
		return false, err
	}
	return true, nil
}

// fireDueTimeouts runs expired timeout actions. Only the blocking
// drive mode uses this; under a reactor adapter the loop's timers
// call Timeout.Handle directly.
func (c *Conn) fireDueTimeouts() {
	now := time.Now()
	c.mu.Lock()
	var due []*Timeout
	for t := range c.timeouts {
		if !t.deadline.After(now) {
			due = append(due, t)
		}
	}
	c.mu.Unlock()
	for _, t := range due {
		t.Handle()
	}
}

// Close tears the connection down: the watch is removed, pending
// timeouts cancelled, queued inbound files closed, and the socket
// closed. Close is idempotent.
func (c *Conn) Close() error {
	c.teardown(nil)
	return nil
}

func (c *Conn) teardown(cause error) {
	c.mu.Lock()
	c.teardownLocked(cause)
	c.mu.Unlock()
}

// teardownLocked requires c.mu held; it releases and retakes it
// around adapter callbacks.
func (c *Conn) teardownLocked(cause error) {
	if c.closed {
		return
	}
	c.closed = true
	if cause == nil {
		c.connErr = net.ErrClosed
	} else {
		c.connErr = cause
		log.WithError(cause).Warn("bus connection torn down")
	}
	w := c.watch
	c.watch = nil
	removeWatch := c.watchFns.Remove
	removeTimeout := c.timeoutFns.Remove
	var pending []*Timeout
	for t := range c.timeouts {
		t.enabled = false
		pending = append(pending, t)
	}
	c.timeouts = mapset.New[*Timeout]()
	for {
		f, ok := c.rcvFiles.Pop()
		if !ok {
			break
		}
		f.Close()
	}
	for {
		m, ok := c.outbox.Pop()
		if !ok {
			break
		}
		for _, f := range m.files {
			f.Close()
		}
	}
	onClose := c.onClose
	c.onClose = nil
	fd, wakeFd := c.fd, c.wakeFd

	c.mu.Unlock()
	if removeWatch != nil && w != nil {
		removeWatch(w)
	}
	if removeTimeout != nil {
		for _, t := range pending {
			removeTimeout(t)
		}
	}
	if onClose != nil {
		onClose(cause)
	}
	unregisterConn(c)
	unix.Close(fd)
	var one [8]byte
	one[0] = 1
	unix.Write(wakeFd, one[:]) // final wake so blocked pollers observe the close
	unix.Close(wakeFd)
	c.mu.Lock()
}

// Process-wide connection registry, for the optional exit-time
// shutdown handler.
var (
	connRegMu sync.Mutex
	connReg   = mapset.New[*Conn]()
	shutdown  sync.Once
)

func registerConn(c *Conn) {
	connRegMu.Lock()
	defer connRegMu.Unlock()
	connReg.Add(c)
}

func unregisterConn(c *Conn) {
	connRegMu.Lock()
	defer connRegMu.Unlock()
	delete(connReg, c)
}

// Shutdown closes every connection the process still holds open. It
// runs at most once; later calls are no-ops.
func Shutdown() {
	shutdown.Do(func() {
		connRegMu.Lock()
		var conns []*Conn
		for c := range connReg {
			conns = append(conns, c)
		}
		connRegMu.Unlock()
		for _, c := range conns {
			c.Close()
		}
	})
}
