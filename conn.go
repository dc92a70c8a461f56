package dbus

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/coredesk/dbus/reactor"
	"github.com/coredesk/dbus/transport"
)

var log = logrus.WithField("module", "dbus")

// SetLogger redirects the package's diagnostics.
func SetLogger(l *logrus.Logger) {
	log = l.WithField("module", "dbus")
	transport.SetLogger(l)
	reactor.SetLogger(l)
}

// Well-known names of the bus daemon's own API.
const (
	busName = "org.freedesktop.DBus"
	busPath = ObjectPath("/org/freedesktop/DBus")

	ifaceBus            = "org.freedesktop.DBus"
	ifacePeer           = "org.freedesktop.DBus.Peer"
	ifaceProps          = "org.freedesktop.DBus.Properties"
	ifaceIntrospectable = "org.freedesktop.DBus.Introspectable"
)

// defaultCallTimeout bounds blocking calls whose context carries no
// deadline.
const defaultCallTimeout = 25 * time.Second

// helloTimeout bounds the Hello handshake during connection setup.
const helloTimeout = time.Second

// A Conn is one attached connection to a message bus.
//
// All inbound traffic — replies, signals, and calls to exported
// objects — is processed when the connection is dispatched: by the
// reactor loop if an executor is installed with [Conn.InstallExecutor],
// or from within blocking calls otherwise.
type Conn struct {
	t      *transport.Conn
	router *router

	clientID string

	// writeMu serializes serial assignment with transmission, so that
	// wire order matches serial order.
	writeMu sync.Mutex

	mu      sync.Mutex
	closed  bool
	exec    *Executor
	calls   map[uint32]*PendingCall
	objects map[ObjectPath]*Object
	matches map[string]int
}

// SessionBus connects to the current user's session bus.
func SessionBus(ctx context.Context) (*Conn, error) {
	addr, err := transport.SessionBusAddress()
	if err != nil {
		return nil, err
	}
	return Connect(ctx, addr)
}

// SystemBus connects to the system bus.
func SystemBus(ctx context.Context) (*Conn, error) {
	return Connect(ctx, transport.SystemBusAddress())
}

// StarterBus connects to the bus that activated this process.
func StarterBus(ctx context.Context) (*Conn, error) {
	addr, err := transport.StarterBusAddress()
	if err != nil {
		return nil, err
	}
	return Connect(ctx, addr)
}

// Connect attaches to the bus at the given address string and
// performs the Hello handshake.
func Connect(ctx context.Context, address string) (*Conn, error) {
	initProcess()

	t, err := transport.Dial(ctx, address)
	if err != nil {
		return nil, fmt.Errorf("connecting to bus: %w", err)
	}
	c := &Conn{
		t:       t,
		router:  newRouter(),
		calls:   map[uint32]*PendingCall{},
		objects: map[ObjectPath]*Object{},
		matches: map[string]int{},
	}
	c.router.handleKind(KindMethodReturn, c.completeCall)
	c.router.handleKind(KindError, c.completeCall)
	c.router.handleKind(KindMethodCall, c.dispatchCall)
	c.router.handleKind(KindSignal, c.router.fanout)
	t.SetFilter(c.filter)
	t.SetCloseHandler(c.onTransportClose)

	helloCtx, cancel := context.WithTimeout(ctx, helloTimeout)
	defer cancel()
	if err := c.call(helloCtx, busName, busPath, ifaceBus, "Hello", nil, &c.clientID); err != nil {
		c.Close()
		return nil, fmt.Errorf("bus Hello handshake: %w", err)
	}
	return c, nil
}

// LocalName returns the connection's unique bus name, assigned by
// the daemon during the Hello handshake.
func (c *Conn) LocalName() string { return c.clientID }

// Transport exposes the connection's raw transport, for reactor
// integration and tests.
func (c *Conn) Transport() *transport.Conn { return c.t }

// InstallExecutor binds the connection to a reactor loop. From then
// on all I/O and dispatch happen on the loop's goroutine.
func (c *Conn) InstallExecutor(loop *reactor.Loop) (*Executor, error) {
	c.mu.Lock()
	if c.exec != nil {
		c.mu.Unlock()
		return nil, errors.New("dbus: executor already installed")
	}
	c.mu.Unlock()
	e, err := newExecutor(loop, c.t)
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	c.exec = e
	c.mu.Unlock()
	return e, nil
}

func (c *Conn) executor() *Executor {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.exec
}

// schedule runs fn on the reactor goroutine when one is bound, and
// inline otherwise.
func (c *Conn) schedule(fn func()) {
	if e := c.executor(); e != nil {
		e.loop.Post(fn)
		return
	}
	fn()
}

// filter is the sole entry point for inbound frames.
func (c *Conn) filter(raw *transport.InMessage) bool {
	msg, err := DecodeMessage(raw.Data, raw.Files)
	if err != nil {
		log.WithError(err).Warn("dropping undecodable message")
		return false
	}
	return c.router.route(msg)
}

// completeCall resolves a method return or error against the
// pending-call table. Replies whose serial matches nothing are
// dropped silently; they belong to cancelled or timed-out calls.
func (c *Conn) completeCall(msg *Message) bool {
	c.mu.Lock()
	pc := c.calls[msg.ReplySerial]
	delete(c.calls, msg.ReplySerial)
	c.mu.Unlock()
	if pc == nil {
		return true
	}
	pc.complete(msg)
	return true
}

func (c *Conn) forgetCall(serial uint32, pc *PendingCall) {
	c.mu.Lock()
	if c.calls[serial] == pc {
		delete(c.calls, serial)
	}
	c.mu.Unlock()
}

// dispatchCall routes an inbound method call to the targeted object.
func (c *Conn) dispatchCall(msg *Message) bool {
	// The Peer interface is answered for every path, registered or
	// not.
	if msg.Interface == ifacePeer {
		c.servePeer(msg)
		return true
	}

	c.mu.Lock()
	obj := c.objects[msg.Path]
	c.mu.Unlock()
	if obj == nil {
		if msg.WantReply() {
			c.sendReply(msg.NewError(errNameUnknownObject,
				fmt.Sprintf("no object at path %s", msg.Path)))
		}
		return true
	}
	obj.dispatch(msg)
	return true
}

var machineID = sync.OnceValues(func() (string, error) {
	bs, err := os.ReadFile("/etc/machine-id")
	if errors.Is(err, fs.ErrNotExist) {
		bs, err = os.ReadFile("/var/lib/dbus/machine-id")
	}
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(bs)), nil
})

func (c *Conn) servePeer(msg *Message) {
	if !msg.WantReply() {
		return
	}
	switch msg.Member {
	case "Ping":
		c.sendReply(msg.NewMethodReturn())
	case "GetMachineId":
		id, err := machineID()
		if err != nil {
			c.sendReply(msg.NewError(errNameFailed, err.Error()))
			return
		}
		reply := msg.NewMethodReturn()
		reply.Append(id)
		c.sendReply(reply)
	default:
		c.sendReply(msg.NewError(errNameUnknownMethod,
			fmt.Sprintf("no method %s on %s", msg.Member, ifacePeer)))
	}
}

// sendReply transmits a locally built reply, swallowing errors: there
// is nobody to surface them to, and a failed reply send is either a
// teardown race or a protocol-fatal condition handled elsewhere.
func (c *Conn) sendReply(reply *Message) {
	if _, err := c.send(reply); err != nil {
		log.WithError(err).Debug("reply transmission failed")
	}
}

// send assigns the next serial and queues msg for transmission.
func (c *Conn) send(msg *Message) (uint32, error) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.sendLocked(msg)
}

func (c *Conn) sendLocked(msg *Message) (uint32, error) {
	serial := c.t.NextSerial()
	msg.Serial = serial
	data, files, err := msg.Encode()
	if err != nil {
		return 0, err
	}
	if err := c.t.Send(data, files); err != nil {
		if errors.Is(err, ErrNoMemory) {
			// Queued but not flushed; the serial is assigned and the
			// transport retries on its own.
			msg.seal()
			return serial, err
		}
		return 0, fmt.Errorf("%w: %v", ErrSendFailed, err)
	}
	msg.seal()
	return serial, nil
}

// Send transmits msg fire-and-forget and returns its assigned
// serial.
//
// An [ErrNoMemory] return means the kernel refused an allocation
// while flushing: the message is still queued and goes out on the
// next write readiness, so retrying would duplicate it.
func (c *Conn) Send(msg *Message) (uint32, error) {
	return c.send(msg)
}

// CallAsync transmits a method call and returns a [PendingCall]
// tracking its reply. A timeout of zero applies the connection's
// default; a negative timeout waits forever.
func (c *Conn) CallAsync(msg *Message, timeout time.Duration) (*PendingCall, error) {
	if msg.Kind != KindMethodCall {
		return nil, fmt.Errorf("CallAsync on a %s message", msg.Kind)
	}
	if !msg.WantReply() {
		return nil, errors.New("CallAsync on a call with NoReplyExpected set")
	}
	if timeout == 0 {
		timeout = defaultCallTimeout
	}

	pc := &PendingCall{c: c, done: make(chan struct{})}

	// Registration, serial assignment and transmission happen under
	// writeMu as one step, so the reply cannot race the registration.
	c.writeMu.Lock()
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		c.writeMu.Unlock()
		return nil, ErrDisconnected
	}
	c.mu.Unlock()

	serial := c.t.NextSerial()
	msg.Serial = serial
	pc.serial = serial
	data, files, err := msg.Encode()
	if err != nil {
		c.writeMu.Unlock()
		return nil, err
	}
	c.mu.Lock()
	c.calls[serial] = pc
	c.mu.Unlock()
	switch err := c.t.Send(data, files); {
	case err == nil:
	case errors.Is(err, ErrNoMemory):
		// The call is queued despite the allocation refusal and goes
		// out on the next write readiness; the pending registration
		// stays live and waits for the reply as usual.
	default:
		c.forgetCall(serial, pc)
		c.writeMu.Unlock()
		return nil, fmt.Errorf("%w: %v", ErrSendFailed, err)
	}
	msg.seal()
	c.writeMu.Unlock()

	if timeout > 0 {
		t, err := c.t.AddTimeout(timeout, pc.expire)
		if err == nil {
			pc.mu.Lock()
			if pc.state == CallPending {
				pc.timeout = t
			} else {
				c.t.RemoveTimeout(t)
			}
			pc.mu.Unlock()
		}
	}
	return pc, nil
}

// Call transmits a method call and blocks until its reply, error, or
// timeout. The context's deadline bounds the wait; without one the
// connection's default call timeout applies.
//
// On an executor-bound connection, Call must not be used from the
// reactor goroutine itself — the reply could never be dispatched. It
// fails with [ErrBlockingOnBoundBus] there. Handlers needing to call
// out should use [Conn.CallAsync].
func (c *Conn) Call(ctx context.Context, msg *Message) (*Message, error) {
	exec := c.executor()
	if exec != nil && exec.loop.OnLoopGoroutine() {
		return nil, ErrBlockingOnBoundBus
	}

	timeout := time.Duration(-1)
	if _, ok := ctx.Deadline(); !ok {
		timeout = defaultCallTimeout
	}
	pc, err := c.CallAsync(msg, timeout)
	if err != nil {
		return nil, err
	}

	if exec != nil {
		// The reactor makes progress for us; just wait.
		select {
		case <-pc.Done():
			return pc.Reply()
		case <-ctx.Done():
			pc.Cancel()
			return nil, ctx.Err()
		}
	}

	// No executor: drive the connection from this goroutine, the way
	// libdbus's blocking mode pumps the socket internally.
	for {
		select {
		case <-pc.Done():
			return pc.Reply()
		case <-ctx.Done():
			pc.Cancel()
			return nil, ctx.Err()
		default:
		}
		if alive, _ := c.t.ReadWriteDispatch(100 * time.Millisecond); !alive {
			<-pc.Done() // teardown settles every pending call
			return pc.Reply()
		}
	}
}

// call is the typed convenience path used throughout the package.
func (c *Conn) call(ctx context.Context, dest string, path ObjectPath, iface, method string, body any, out ...any) error {
	msg := NewMethodCall(dest, path, iface, method)
	if body != nil {
		if err := msg.Append(body); err != nil {
			return err
		}
	}
	reply, err := c.Call(ctx, msg)
	if err != nil {
		return err
	}
	if len(out) > 0 {
		return reply.Unmarshal(out...)
	}
	return nil
}

// callTuple is like call for multi-argument bodies.
func (c *Conn) callTuple(ctx context.Context, dest string, path ObjectPath, iface, method string, body []any, out ...any) error {
	msg := NewMethodCall(dest, path, iface, method)
	if len(body) > 0 {
		if err := msg.Append(body...); err != nil {
			return err
		}
	}
	reply, err := c.Call(ctx, msg)
	if err != nil {
		return err
	}
	if len(out) > 0 {
		return reply.Unmarshal(out...)
	}
	return nil
}

// Subscribe registers fn to observe signals matching m. The
// daemon-side registration is refcounted by rule string, so identical
// matches share one daemon subscription.
func (c *Conn) Subscribe(m *Match, fn func(*Message)) (*Subscription, error) {
	if err := c.AddMatch(m); err != nil {
		return nil, err
	}
	sub := &Subscription{
		id:    newSubID(),
		c:     c,
		match: m,
		key:   m.pathKey(),
		fn:    fn,
	}
	c.router.add(sub)
	return sub, nil
}

// AddMatch subscribes the connection to signals matching m. Repeated
// additions of an identical rule are collapsed into one daemon-side
// registration.
func (c *Conn) AddMatch(m *Match) error {
	rule := m.String()
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrDisconnected
	}
	c.matches[rule]++
	first := c.matches[rule] == 1
	c.mu.Unlock()
	if !first {
		return nil
	}
	// Fire-and-forget: AddMatch may be issued from the dispatch
	// goroutine, where a blocking round-trip would deadlock.
	msg := NewMethodCall(busName, busPath, ifaceBus, "AddMatch")
	msg.Flags |= FlagNoReplyExpected
	if err := msg.Append(rule); err != nil {
		return err
	}
	_, err := c.send(msg)
	return err
}

// RemoveMatch drops one reference to m's rule, unsubscribing from
// the daemon when the last reference goes away. Removing a rule that
// was never added is a no-op.
func (c *Conn) RemoveMatch(m *Match) error {
	rule := m.String()
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrDisconnected
	}
	n, ok := c.matches[rule]
	if !ok {
		c.mu.Unlock()
		return nil
	}
	if n > 1 {
		c.matches[rule] = n - 1
		c.mu.Unlock()
		return nil
	}
	delete(c.matches, rule)
	c.mu.Unlock()

	msg := NewMethodCall(busName, busPath, ifaceBus, "RemoveMatch")
	msg.Flags |= FlagNoReplyExpected
	if err := msg.Append(rule); err != nil {
		return err
	}
	_, err := c.send(msg)
	return err
}

func (c *Conn) removeMatch(m *Match) { c.RemoveMatch(m) }

// Export registers a fresh server-side object at path. It fails if
// the path already has an object.
func (c *Conn) Export(path ObjectPath) (*Object, error) {
	if err := mustValidPath(path); err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, ErrDisconnected
	}
	if _, ok := c.objects[path]; ok {
		return nil, fmt.Errorf("object path %s already registered", path)
	}
	obj := newObject(c, path)
	c.objects[path] = obj
	return obj, nil
}

// Unexport removes the object registered at path. Calls arriving
// afterwards are answered with UnknownObject.
func (c *Conn) Unexport(path ObjectPath) {
	c.mu.Lock()
	obj := c.objects[path]
	delete(c.objects, path)
	c.mu.Unlock()
	if obj != nil {
		obj.detach()
	}
}

// childPaths returns registered paths strictly below parent, for
// introspection's node listing.
func (c *Conn) childPaths(parent ObjectPath) []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	var kids []string
	for p := range c.objects {
		if !p.IsChildOf(parent) {
			continue
		}
		rel := strings.TrimPrefix(string(p), string(parent.Clean()))
		rel = strings.TrimPrefix(rel, "/")
		if rel != "" {
			kids = append(kids, rel)
		}
	}
	return kids
}

// onTransportClose runs exactly once when the transport tears down,
// for any reason.
func (c *Conn) onTransportClose(cause error) {
	c.mu.Lock()
	c.closed = true
	pending := c.calls
	c.calls = map[uint32]*PendingCall{}
	exec := c.exec
	objs := c.objects
	c.objects = map[ObjectPath]*Object{}
	c.mu.Unlock()

	for _, pc := range pending {
		pc.disconnect()
	}
	for _, obj := range objs {
		obj.detach()
	}
	if exec != nil {
		exec.detach()
	}
	if cause != nil {
		log.WithError(cause).Warn("bus connection closed")
	}
}

// Close detaches from the bus. The filter is removed, outstanding
// pending calls fail with [ErrDisconnected], and all watches and
// timeouts are released. Close is idempotent.
func (c *Conn) Close() error {
	c.t.SetFilter(nil)
	return c.t.Close()
}
