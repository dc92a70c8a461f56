package dbus

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sync"
)

type interfaceMember struct {
	Interface string
	Member    string
}

func (im interfaceMember) String() string {
	return im.Interface + "." + im.Member
}

// A RawHandler answers one method call. Returning a non-nil reply
// sends it; returning an error sends an error reply. Returning
// (nil, nil) means the handler took ownership of replying later,
// through [Conn.Send].
type RawHandler func(call *Message) (*Message, error)

// An Object is a server-side object: a path-addressed table of
// method handlers, exported properties and declared signals.
//
// The object holds only a weak claim on its connection: after
// [Conn.Unexport] or connection teardown its operations fail with
// [ErrDisconnected] instead of touching dead state.
type Object struct {
	path ObjectPath

	mu       sync.Mutex
	c        *Conn // nil once detached
	handlers map[interfaceMember]RawHandler
	methods  map[interfaceMember]methodMeta
	signals  map[interfaceMember]Signature
	props    map[interfaceMember]*exportedProp
}

type methodMeta struct {
	in, out Signature
}

type exportedProp struct {
	value    any
	sig      Signature
	writable bool
}

func newObject(c *Conn, path ObjectPath) *Object {
	return &Object{
		path:     path,
		c:        c,
		handlers: map[interfaceMember]RawHandler{},
		methods:  map[interfaceMember]methodMeta{},
		signals:  map[interfaceMember]Signature{},
		props:    map[interfaceMember]*exportedProp{},
	}
}

// Path returns the path the object is registered at.
func (o *Object) Path() ObjectPath { return o.path }

func (o *Object) conn() (*Conn, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.c == nil {
		return nil, ErrDisconnected
	}
	return o.c, nil
}

func (o *Object) detach() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.c = nil
}

// HandleRaw binds fn as the handler for (iface, member). Exactly one
// handler is bound per pair at a time; rebinding replaces the
// previous handler.
func (o *Object) HandleRaw(iface, member string, fn RawHandler) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.handlers[interfaceMember{iface, member}] = fn
}

// Handle binds a typed method handler for (iface, member).
//
// fn must have one of the following signatures, where ReqT and RespT
// determine the method's argument and return [Signature]:
//
//	func(context.Context, dbus.ObjectPath) error
//	func(context.Context, dbus.ObjectPath) (RespT, error)
//	func(context.Context, dbus.ObjectPath, ReqT) error
//	func(context.Context, dbus.ObjectPath, ReqT) (RespT, error)
//
// Handle panics if fn has none of these shapes, matching how
// misdeclared handlers are programming errors rather than runtime
// conditions.
func (o *Object) Handle(iface, member string, fn any) {
	handler, meta := o.handlerForFunc(fn)
	o.mu.Lock()
	defer o.mu.Unlock()
	key := interfaceMember{iface, member}
	o.handlers[key] = handler
	o.methods[key] = meta
}

const msgBadHandler = "invalid signature %s for handler func, valid signatures are:\n  func(context.Context, dbus.ObjectPath, ReqT) (RespT, error)\n  func(context.Context, dbus.ObjectPath) (RespT, error)\n  func(context.Context, dbus.ObjectPath, ReqT) error\n  func(context.Context, dbus.ObjectPath) error"

func (o *Object) handlerForFunc(fn any) (RawHandler, methodMeta) {
	v := reflect.ValueOf(fn)
	if !v.IsValid() {
		panic(errors.New("nil handler function given to Handle"))
	}
	t := v.Type()
	if t.Kind() != reflect.Func {
		panic(fmt.Errorf("Handle called with non-function handler type %s", t))
	}
	ni, no := t.NumIn(), t.NumOut()
	if ni < 2 || ni > 3 || no < 1 || no > 2 {
		panic(fmt.Errorf(msgBadHandler, t))
	}
	if !t.In(0).Implements(reflect.TypeFor[context.Context]()) {
		panic(fmt.Errorf(msgBadHandler, t))
	}
	if t.In(1) != pathType {
		panic(fmt.Errorf(msgBadHandler, t))
	}
	if !t.Out(no - 1).Implements(reflect.TypeFor[error]()) {
		panic(fmt.Errorf(msgBadHandler, t))
	}

	var meta methodMeta
	if ni == 3 {
		sig, err := signatureFor(t.In(2), nil)
		if err != nil {
			panic(fmt.Errorf("request type %s is not a valid DBus type: %w", t.In(2), err))
		}
		meta.in = sig.asTuple()
	}
	if no == 2 {
		sig, err := signatureFor(t.Out(0), nil)
		if err != nil {
			panic(fmt.Errorf("response type %s is not a valid DBus type: %w", t.Out(0), err))
		}
		meta.out = sig.asTuple()
	}

	handler := func(call *Message) (*Message, error) {
		args := []reflect.Value{
			reflect.ValueOf(context.Background()),
			reflect.ValueOf(call.Path),
		}
		if ni == 3 {
			body := reflect.New(t.In(2))
			if err := decodeBodyInto(call, body); err != nil {
				return nil, err
			}
			args = append(args, body.Elem())
		}
		rets := v.Call(args)
		if errv := rets[no-1].Interface(); errv != nil {
			return nil, errv.(error)
		}
		reply := call.NewMethodReturn()
		if no == 2 {
			if err := appendBodyFrom(reply, rets[0]); err != nil {
				return nil, err
			}
		}
		return reply, nil
	}
	return handler, meta
}

// decodeBodyInto reads a call's whole body into a newly allocated
// request value. A struct request type stands for the argument tuple.
func decodeBodyInto(call *Message, body reflect.Value) error {
	r, err := call.Reader()
	if err != nil {
		return err
	}
	t := body.Type().Elem()
	if t.Kind() == reflect.Struct && !isCoreType(t) {
		for _, f := range reflect.VisibleFields(t) {
			if !f.IsExported() || f.Anonymous {
				continue
			}
			if err := decodeRV(r, body.Elem().FieldByIndex(f.Index)); err != nil {
				return err
			}
		}
		return nil
	}
	return decodeRV(r, body.Elem())
}

// appendBodyFrom writes a response value as the reply's argument
// tuple. A struct response flattens into multiple arguments.
func appendBodyFrom(reply *Message, ret reflect.Value) error {
	t := ret.Type()
	if t.Kind() == reflect.Struct && !isCoreType(t) {
		var args []any
		for _, f := range reflect.VisibleFields(t) {
			if !f.IsExported() || f.Anonymous {
				continue
			}
			args = append(args, ret.FieldByIndex(f.Index).Interface())
		}
		return reply.Append(args...)
	}
	return reply.Append(ret.Interface())
}

func isCoreType(t reflect.Type) bool {
	switch t {
	case sigType, pathType, unixFdType, variantType:
		return true
	}
	return false
}

// asTuple unwraps a struct signature into the bare argument-tuple
// form used in message signature headers.
func (s Signature) asTuple() Signature {
	if len(s) >= 2 && s[0] == '(' && s[len(s)-1] == ')' {
		return s[1 : len(s)-1]
	}
	return s
}

// DeclareSignal records that the object emits the given signal, for
// introspection. args is the signal's body signature.
func (o *Object) DeclareSignal(iface, member string, args Signature) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.signals[interfaceMember{iface, member}] = args
}

// Emit broadcasts a signal from this object's path.
func (o *Object) Emit(iface, member string, args ...any) error {
	c, err := o.conn()
	if err != nil {
		return err
	}
	sig := NewSignal(o.path, iface, member)
	if len(args) > 0 {
		if err := sig.Append(args...); err != nil {
			return err
		}
	}
	_, err = c.Send(sig)
	return err
}

// ExportProperty publishes a property on the object. Get, Set and
// GetAll on org.freedesktop.DBus.Properties answer from the exported
// table, and a successful remote Set updates the value and emits
// PropertiesChanged.
func (o *Object) ExportProperty(iface, name string, value any, writable bool) error {
	sig, err := SignatureOf(value)
	if err != nil {
		return err
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	o.props[interfaceMember{iface, name}] = &exportedProp{
		value:    value,
		sig:      sig,
		writable: writable,
	}
	return nil
}

// SetProperty updates an exported property locally and notifies
// subscribers through PropertiesChanged.
func (o *Object) SetProperty(iface, name string, value any) error {
	o.mu.Lock()
	p := o.props[interfaceMember{iface, name}]
	if p == nil {
		o.mu.Unlock()
		return fmt.Errorf("no exported property %s.%s", iface, name)
	}
	p.value = value
	o.mu.Unlock()
	return o.emitPropertiesChanged(iface, name, value)
}

// InvalidateProperty announces that an exported property changed
// without broadcasting its new value. Subscribers see the property
// in the invalidated list and must re-read it.
func (o *Object) InvalidateProperty(iface, name string) error {
	o.mu.Lock()
	p := o.props[interfaceMember{iface, name}]
	o.mu.Unlock()
	if p == nil {
		return fmt.Errorf("no exported property %s.%s", iface, name)
	}
	return o.Emit(ifaceProps, "PropertiesChanged",
		iface, map[string]Variant{}, []string{name})
}

func (o *Object) emitPropertiesChanged(iface, name string, value any) error {
	v, err := MakeVariant(value)
	if err != nil {
		return err
	}
	return o.Emit(ifaceProps, "PropertiesChanged",
		iface, map[string]Variant{name: v}, []string{})
}

// dispatch answers one inbound call addressed to this object. It
// runs on the dispatch goroutine; handlers must not block.
func (o *Object) dispatch(msg *Message) {
	c, err := o.conn()
	if err != nil {
		return
	}

	if msg.Interface == ifaceProps {
		o.serveProps(c, msg)
		return
	}
	if msg.Interface == ifaceIntrospectable && msg.Member == "Introspect" {
		reply := msg.NewMethodReturn()
		reply.Append(o.introspect(c))
		c.sendReply(reply)
		return
	}

	o.mu.Lock()
	handler := o.handlers[interfaceMember{msg.Interface, msg.Member}]
	knownIface := false
	if handler == nil {
		for im := range o.handlers {
			if im.Interface == msg.Interface {
				knownIface = true
				break
			}
		}
	}
	o.mu.Unlock()

	if handler == nil {
		if !msg.WantReply() {
			return
		}
		if knownIface {
			c.sendReply(msg.NewError(errNameUnknownMethod,
				fmt.Sprintf("no method %s on interface %s", msg.Member, msg.Interface)))
		} else {
			c.sendReply(msg.NewError(errNameUnknownIface,
				fmt.Sprintf("no interface %s on %s", msg.Interface, o.path)))
		}
		return
	}

	reply, err := handler(msg)
	if err != nil {
		if msg.WantReply() {
			c.sendReply(msg.NewError(errNameFailed, err.Error()))
		}
		return
	}
	if reply != nil && msg.WantReply() {
		c.sendReply(reply)
	}
}

func (o *Object) serveProps(c *Conn, msg *Message) {
	fail := func(name, detail string) {
		if msg.WantReply() {
			c.sendReply(msg.NewError(name, detail))
		}
	}
	switch msg.Member {
	case "Get":
		var iface, name string
		if err := msg.Unmarshal(&iface, &name); err != nil {
			fail(errNameFailed, err.Error())
			return
		}
		o.mu.Lock()
		p := o.props[interfaceMember{iface, name}]
		o.mu.Unlock()
		if p == nil {
			fail(errNameUnknownProperty, fmt.Sprintf("no property %s.%s", iface, name))
			return
		}
		reply := msg.NewMethodReturn()
		reply.Append(Variant{Sig: p.sig, Value: p.value})
		c.sendReply(reply)
	case "Set":
		var iface, name string
		var val Variant
		if err := msg.Unmarshal(&iface, &name, &val); err != nil {
			fail(errNameFailed, err.Error())
			return
		}
		o.mu.Lock()
		p := o.props[interfaceMember{iface, name}]
		var writable bool
		if p != nil {
			writable = p.writable
		}
		o.mu.Unlock()
		if p == nil {
			fail(errNameUnknownProperty, fmt.Sprintf("no property %s.%s", iface, name))
			return
		}
		if !writable {
			fail(errNameReadOnly, fmt.Sprintf("property %s.%s is read-only", iface, name))
			return
		}
		o.mu.Lock()
		p.value = val.Value
		o.mu.Unlock()
		if msg.WantReply() {
			c.sendReply(msg.NewMethodReturn())
		}
		o.emitPropertiesChanged(iface, name, val.Value)
	case "GetAll":
		var iface string
		if err := msg.Unmarshal(&iface); err != nil {
			fail(errNameFailed, err.Error())
			return
		}
		all := map[string]Variant{}
		o.mu.Lock()
		for im, p := range o.props {
			if im.Interface == iface {
				all[im.Member] = Variant{Sig: p.sig, Value: p.value}
			}
		}
		o.mu.Unlock()
		reply := msg.NewMethodReturn()
		reply.Append(all)
		c.sendReply(reply)
	default:
		fail(errNameUnknownMethod,
			fmt.Sprintf("no method %s on %s", msg.Member, ifaceProps))
	}
}
