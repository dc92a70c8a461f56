// Package dbustest provides an in-process message bus for tests.
//
// The daemon implements the slice of the bus protocol the library
// exercises end to end: the Hello handshake, name ownership,
// match-rule signal routing, and call routing between connections.
// Tests run hermetically against it, with no system bus required.
package dbustest

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"net"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/creachadair/taskgroup"
	"github.com/sirupsen/logrus"

	"github.com/coredesk/dbus"
	"github.com/coredesk/dbus/transport"
)

const busName = "org.freedesktop.DBus"

// A Bus is an isolated in-process bus instance.
type Bus struct {
	sock     string
	listener net.Listener
	g        *taskgroup.Group
	logf     func(string, ...any)

	mu     sync.Mutex
	closed bool
	nextID int
	conns  map[string]*busConn // unique name → connection
	names  map[string]string   // well-known name → unique name
}

// New launches a bus dedicated to the calling test and tears it down
// with the test.
func New(t *testing.T) *Bus {
	t.Helper()
	sock := filepath.Join(t.TempDir(), "bus.sock")
	l, err := net.Listen("unix", sock)
	if err != nil {
		t.Fatalf("listening on test bus socket: %v", err)
	}
	b := &Bus{
		sock:     sock,
		listener: l,
		logf:     t.Logf,
		conns:    map[string]*busConn{},
		names:    map[string]string{},
	}
	b.g = taskgroup.New(nil)
	b.g.Go(b.acceptLoop)
	t.Cleanup(b.Stop)
	// Keep the library quiet under test; messages still reach the
	// test log through b.logf.
	quiet := logrus.New()
	quiet.SetOutput(io.Discard)
	dbus.SetLogger(quiet)
	return b
}

// Address returns the bus address clients should connect to.
func (b *Bus) Address() string {
	return "unix:path=" + b.sock
}

// Stop shuts the bus down and disconnects every client.
func (b *Bus) Stop() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	conns := make([]*busConn, 0, len(b.conns))
	for _, c := range b.conns {
		conns = append(conns, c)
	}
	b.mu.Unlock()
	b.listener.Close()
	for _, c := range conns {
		c.conn.Close()
	}
	b.g.Wait()
}

func (b *Bus) acceptLoop() error {
	for {
		conn, err := b.listener.Accept()
		if err != nil {
			return nil // listener closed, orderly shutdown
		}
		b.g.Go(func() error {
			b.serve(conn)
			return nil
		})
	}
}

type busConn struct {
	b      *Bus
	conn   net.Conn
	br     *bufio.Reader
	unique string

	writeMu sync.Mutex
	serial  uint32

	mu      sync.Mutex
	matches []matchRule
}

func (b *Bus) serve(conn net.Conn) {
	c := &busConn{b: b, conn: conn, br: bufio.NewReader(conn)}
	defer b.drop(c)
	if err := c.serverAuth(); err != nil {
		b.logf("dbustest: auth failed: %v", err)
		return
	}
	for {
		frame, err := c.readFrame()
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				b.logf("dbustest: read: %v", err)
			}
			return
		}
		msg, err := dbus.DecodeMessage(frame, nil)
		if err != nil {
			b.logf("dbustest: undecodable message: %v", err)
			return
		}
		b.route(c, msg)
	}
}

// serverAuth speaks the daemon's half of the SASL EXTERNAL
// handshake.
func (c *busConn) serverAuth() error {
	for {
		line, err := c.br.ReadString('\n')
		if err != nil {
			return err
		}
		line = strings.TrimPrefix(line, "\x00")
		switch {
		case strings.HasPrefix(line, "AUTH EXTERNAL"):
			if _, err := io.WriteString(c.conn, "OK 0123deadbeef0123deadbeef012345\r\n"); err != nil {
				return err
			}
		case strings.HasPrefix(line, "NEGOTIATE_UNIX_FD"):
			if _, err := io.WriteString(c.conn, "AGREE_UNIX_FD\r\n"); err != nil {
				return err
			}
		case strings.HasPrefix(line, "BEGIN"):
			return nil
		default:
			return fmt.Errorf("unexpected auth line %q", strings.TrimSpace(line))
		}
	}
}

func (c *busConn) readFrame() ([]byte, error) {
	var fixed [16]byte
	if _, err := io.ReadFull(c.br, fixed[:]); err != nil {
		return nil, err
	}
	total, err := transport.FrameSize(fixed[:])
	if err != nil {
		return nil, err
	}
	frame := make([]byte, total)
	copy(frame, fixed[:])
	if _, err := io.ReadFull(c.br, frame[16:]); err != nil {
		return nil, err
	}
	return frame, nil
}

func (c *busConn) writeMsg(m *dbus.Message) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if m.Serial == 0 {
		c.serial++
		m.Serial = c.serial
	}
	data, _, err := m.Encode()
	if err != nil {
		c.b.logf("dbustest: encoding reply: %v", err)
		return
	}
	c.conn.Write(data)
}

func (b *Bus) drop(c *busConn) {
	b.mu.Lock()
	if c.unique != "" {
		delete(b.conns, c.unique)
	}
	for name, owner := range b.names {
		if owner == c.unique {
			delete(b.names, name)
		}
	}
	b.mu.Unlock()
	c.conn.Close()
}

// route handles one inbound message: daemon API calls are answered
// locally, everything else is relayed.
func (b *Bus) route(src *busConn, msg *dbus.Message) {
	fwd := msg.WithSender(src.unique)
	switch {
	case msg.Kind == dbus.KindSignal && msg.Destination == "":
		b.broadcast(src, fwd)
	case msg.Destination == busName:
		b.serveBus(src, msg)
	default:
		b.relay(src, fwd)
	}
}

func (b *Bus) relay(src *busConn, msg *dbus.Message) {
	b.mu.Lock()
	target := b.conns[msg.Destination]
	if target == nil {
		if owner, ok := b.names[msg.Destination]; ok {
			target = b.conns[owner]
		}
	}
	b.mu.Unlock()
	if target == nil {
		if msg.Kind == dbus.KindMethodCall && msg.WantReply() {
			src.writeMsg(errorReply(msg, "org.freedesktop.DBus.Error.ServiceUnknown",
				fmt.Sprintf("no owner for %s", msg.Destination)))
		}
		return
	}
	target.writeMsg(msg)
}

func (b *Bus) broadcast(src *busConn, msg *dbus.Message) {
	b.mu.Lock()
	conns := make([]*busConn, 0, len(b.conns))
	for _, c := range b.conns {
		conns = append(conns, c)
	}
	b.mu.Unlock()
	for _, c := range conns {
		c.mu.Lock()
		want := false
		for _, r := range c.matches {
			if r.matches(msg) {
				want = true
				break
			}
		}
		c.mu.Unlock()
		if want {
			c.writeMsg(msg)
		}
	}
}

func errorReply(call *dbus.Message, name, detail string) *dbus.Message {
	reply := call.NewError(name, detail)
	reply.Sender = busName
	reply.Destination = call.Sender
	return reply
}

func methodReply(call *dbus.Message, args ...any) *dbus.Message {
	reply := call.NewMethodReturn()
	reply.Sender = busName
	reply.Destination = call.Sender
	if len(args) > 0 {
		reply.Append(args...)
	}
	return reply
}

func (b *Bus) serveBus(src *busConn, msg *dbus.Message) {
	reply := func(args ...any) {
		if msg.WantReply() {
			m := methodReply(msg, args...)
			m.Destination = src.unique
			src.writeMsg(m)
		}
	}
	replyErr := func(name, detail string) {
		if msg.WantReply() {
			m := errorReply(msg, name, detail)
			m.Destination = src.unique
			src.writeMsg(m)
		}
	}

	if msg.Interface == "org.freedesktop.DBus.Peer" && msg.Member == "Ping" {
		reply()
		return
	}

	switch msg.Member {
	case "Hello":
		b.mu.Lock()
		if src.unique != "" {
			b.mu.Unlock()
			replyErr("org.freedesktop.DBus.Error.Failed", "already registered")
			return
		}
		b.nextID++
		src.unique = fmt.Sprintf(":1.%d", b.nextID-1)
		b.conns[src.unique] = src
		b.mu.Unlock()
		reply(src.unique)
	case "RequestName":
		var name string
		var flags uint32
		if err := msg.Unmarshal(&name, &flags); err != nil {
			replyErr("org.freedesktop.DBus.Error.InvalidArgs", err.Error())
			return
		}
		b.mu.Lock()
		owner, owned := b.names[name]
		var rc uint32
		switch {
		case owned && owner == src.unique:
			rc = 4 // already owner
		case owned:
			rc = 3 // exists
		default:
			b.names[name] = src.unique
			rc = 1 // primary owner
		}
		b.mu.Unlock()
		reply(rc)
	case "ReleaseName":
		var name string
		if err := msg.Unmarshal(&name); err != nil {
			replyErr("org.freedesktop.DBus.Error.InvalidArgs", err.Error())
			return
		}
		b.mu.Lock()
		owner, owned := b.names[name]
		var rc uint32
		switch {
		case !owned:
			rc = 2 // non existent
		case owner != src.unique:
			rc = 3 // not owner
		default:
			delete(b.names, name)
			rc = 1 // released
		}
		b.mu.Unlock()
		reply(rc)
	case "NameHasOwner":
		var name string
		if err := msg.Unmarshal(&name); err != nil {
			replyErr("org.freedesktop.DBus.Error.InvalidArgs", err.Error())
			return
		}
		b.mu.Lock()
		_, owned := b.names[name]
		if !owned {
			_, owned = b.conns[name]
		}
		b.mu.Unlock()
		reply(owned)
	case "GetNameOwner":
		var name string
		if err := msg.Unmarshal(&name); err != nil {
			replyErr("org.freedesktop.DBus.Error.InvalidArgs", err.Error())
			return
		}
		b.mu.Lock()
		owner, owned := b.names[name]
		b.mu.Unlock()
		if !owned {
			replyErr("org.freedesktop.DBus.Error.NameHasNoOwner",
				fmt.Sprintf("no owner for %s", name))
			return
		}
		reply(owner)
	case "ListNames":
		b.mu.Lock()
		names := []string{busName}
		for u := range b.conns {
			names = append(names, u)
		}
		for n := range b.names {
			names = append(names, n)
		}
		b.mu.Unlock()
		reply(names)
	case "AddMatch":
		var rule string
		if err := msg.Unmarshal(&rule); err != nil {
			replyErr("org.freedesktop.DBus.Error.InvalidArgs", err.Error())
			return
		}
		src.mu.Lock()
		src.matches = append(src.matches, parseMatchRule(rule))
		src.mu.Unlock()
		reply()
	case "RemoveMatch":
		var rule string
		if err := msg.Unmarshal(&rule); err != nil {
			replyErr("org.freedesktop.DBus.Error.InvalidArgs", err.Error())
			return
		}
		src.mu.Lock()
		for i, r := range src.matches {
			if r.raw == rule {
				src.matches = append(src.matches[:i], src.matches[i+1:]...)
				break
			}
		}
		src.mu.Unlock()
		reply()
	default:
		replyErr("org.freedesktop.DBus.Error.UnknownMethod",
			fmt.Sprintf("no method %s", msg.Member))
	}
}
