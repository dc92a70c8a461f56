package dbus

import (
	"context"
	"fmt"
	"time"
)

// A Peer is a purely local handle on another bus participant,
// addressed by bus name. Holding one implies nothing about whether
// the peer exists or is reachable.
type Peer struct {
	c    *Conn
	name string
}

// Peer returns a handle on the bus participant with the given name.
func (c *Conn) Peer(name string) Peer {
	return Peer{c: c, name: name}
}

// BusPeer returns a handle on the bus daemon itself.
func (c *Conn) BusPeer() Peer {
	return Peer{c: c, name: busName}
}

// Conn returns the connection the handle is bound to.
func (p Peer) Conn() *Conn { return p.c }

// Name returns the peer's bus name.
func (p Peer) Name() string { return p.name }

func (p Peer) String() string {
	if p.c == nil {
		return "<no peer>"
	}
	return p.name
}

// Ping performs the org.freedesktop.DBus.Peer liveness round-trip.
func (p Peer) Ping(ctx context.Context) error {
	return p.c.call(ctx, p.name, "/", ifacePeer, "Ping", nil)
}

// Object returns a proxy for one of the peer's objects.
func (p Peer) Object(path ObjectPath) RemoteObject {
	return RemoteObject{p: p, path: path}
}

// A RemoteObject is a proxy for an object hosted by a peer: a
// (destination, path) naming record with no server-side resources.
type RemoteObject struct {
	p    Peer
	path ObjectPath
}

// Conn returns the connection the proxy is bound to.
func (o RemoteObject) Conn() *Conn { return o.p.c }

// Peer returns the peer hosting the object.
func (o RemoteObject) Peer() Peer { return o.p }

// Path returns the object's path.
func (o RemoteObject) Path() ObjectPath { return o.path }

func (o RemoteObject) String() string {
	return fmt.Sprintf("%s:%s", o.p, o.path)
}

// Child returns a proxy for a descendant of this object.
func (o RemoteObject) Child(rel string) RemoteObject {
	base := string(o.path.Clean())
	if base == "/" {
		base = ""
	}
	return o.p.Object(ObjectPath(base + "/" + rel))
}

// Interface scopes the proxy to one of the object's interfaces.
func (o RemoteObject) Interface(name string) Interface {
	return Interface{o: o, name: name}
}

// Introspect fetches and parses the object's introspection document.
func (o RemoteObject) Introspect(ctx context.Context) (*NodeDescription, error) {
	var doc string
	err := o.Conn().call(ctx, o.p.name, o.path, ifaceIntrospectable, "Introspect", nil, &doc)
	if err != nil {
		return nil, err
	}
	return ParseIntrospection(doc)
}

// An Interface is a proxy for one interface of a remote object. Its
// calling methods encode arguments, issue the invocation, and decode
// the reply.
type Interface struct {
	o    RemoteObject
	name string
}

// Conn returns the connection the proxy is bound to.
func (f Interface) Conn() *Conn { return f.o.p.c }

// Object returns the proxied object.
func (f Interface) Object() RemoteObject { return f.o }

// Peer returns the peer hosting the interface.
func (f Interface) Peer() Peer { return f.o.p }

// Name returns the interface name.
func (f Interface) Name() string { return f.name }

func (f Interface) String() string {
	return fmt.Sprintf("%s:%s", f.o, f.name)
}

// Call invokes method and blocks for its reply.
//
// It is the caller's responsibility to match body and response to
// the method's signature. body may be nil for methods with no
// arguments; response may be nil to discard the reply payload.
// Multiple arguments are passed as []any via [Args].
func (f Interface) Call(ctx context.Context, method string, body any, response ...any) error {
	if args, ok := body.(tupleArgs); ok {
		return f.Conn().callTuple(ctx, f.o.p.name, f.o.path, f.name, method, args, response...)
	}
	return f.Conn().call(ctx, f.o.p.name, f.o.path, f.name, method, body, response...)
}

// CallAsync invokes method and returns the pending call tracking its
// reply.
func (f Interface) CallAsync(method string, body any, timeout time.Duration) (*PendingCall, error) {
	msg := NewMethodCall(f.o.p.name, f.o.path, f.name, method)
	if body != nil {
		if args, ok := body.(tupleArgs); ok {
			if err := msg.Append(args...); err != nil {
				return nil, err
			}
		} else if err := msg.Append(body); err != nil {
			return nil, err
		}
	}
	return f.Conn().CallAsync(msg, timeout)
}

// OneWay invokes method with the no-reply flag set. It returns once
// the call is queued; there is no way to learn whether anyone acted
// on it.
func (f Interface) OneWay(ctx context.Context, method string, body any) error {
	msg := NewMethodCall(f.o.p.name, f.o.path, f.name, method)
	msg.Flags |= FlagNoReplyExpected
	if body != nil {
		if args, ok := body.(tupleArgs); ok {
			if err := msg.Append(args...); err != nil {
				return err
			}
		} else if err := msg.Append(body); err != nil {
			return err
		}
	}
	_, err := f.Conn().Send(msg)
	return err
}

// tupleArgs marks a []any as an argument tuple rather than a single
// variant-typed argument.
type tupleArgs []any

// Args bundles multiple arguments for [Interface.Call] and friends.
func Args(args ...any) any { return tupleArgs(args) }

// GetProperty reads one property of the interface into val via the
// standard properties protocol.
func (f Interface) GetProperty(ctx context.Context, name string, val any) error {
	var resp Variant
	err := f.o.Interface(ifaceProps).Call(ctx, "Get", Args(f.name, name), &resp)
	if err != nil {
		return err
	}
	return assignVariant(resp, val)
}

// SetProperty writes one property of the interface.
func (f Interface) SetProperty(ctx context.Context, name string, value any) error {
	v, err := MakeVariant(value)
	if err != nil {
		return err
	}
	return f.o.Interface(ifaceProps).Call(ctx, "Set", Args(f.name, name, v))
}

// GetAllProperties returns every property the interface exports.
func (f Interface) GetAllProperties(ctx context.Context) (map[string]Variant, error) {
	var resp map[string]Variant
	err := f.o.Interface(ifaceProps).Call(ctx, "GetAll", f.name, &resp)
	if err != nil {
		return nil, err
	}
	return resp, nil
}
