package dbus

import (
	"errors"
	"fmt"

	"github.com/coredesk/dbus/transport"
)

// Sentinel errors returned by connection and property operations.
var (
	// ErrDisconnected indicates the connection to the bus was torn
	// down. Pending calls outstanding at teardown all fail with it.
	ErrDisconnected = errors.New("dbus: connection closed")
	// ErrSendFailed indicates the outbound queue refused a message.
	ErrSendFailed = errors.New("dbus: send failed")
	// ErrTimeout indicates a pending call's deadline elapsed with no
	// reply.
	ErrTimeout = errors.New("dbus: call timed out")
	// ErrCancelled indicates a pending call was cancelled before a
	// reply arrived.
	ErrCancelled = errors.New("dbus: call cancelled")
	// ErrReadOnly indicates a Set on a non-writable property.
	ErrReadOnly = errors.New("dbus: property is read-only")
	// ErrAlreadyOwned indicates a name request was refused because
	// another peer owns the name and replacement was not requested.
	ErrAlreadyOwned = errors.New("dbus: name has another owner")
	// ErrAlreadyOwner indicates a name request for a name this
	// connection already owns.
	ErrAlreadyOwner = errors.New("dbus: name already owned by this connection")
	// ErrBlockingOnBoundBus indicates a blocking call was issued from
	// the reactor goroutine of an executor-bound connection, which
	// would deadlock the dispatch loop it depends on.
	ErrBlockingOnBoundBus = errors.New("dbus: blocking call on the reactor goroutine")
	// ErrNoMemory indicates the kernel refused an allocation while
	// queueing a message. The message is retried on the next write
	// readiness; the connection stays usable.
	ErrNoMemory = transport.ErrNoMemory
)

// Well-known error names sent in error replies.
const (
	errNameFailed          = "org.freedesktop.DBus.Error.Failed"
	errNameUnknownObject   = "org.freedesktop.DBus.Error.UnknownObject"
	errNameUnknownMethod   = "org.freedesktop.DBus.Error.UnknownMethod"
	errNameUnknownIface    = "org.freedesktop.DBus.Error.UnknownInterface"
	errNameUnknownProperty = "org.freedesktop.DBus.Error.UnknownProperty"
	errNameReadOnly        = "org.freedesktop.DBus.Error.PropertyReadOnly"
	errNameNameNonExistent = "org.freedesktop.DBus.Error.NameNonExistent"
	errNameNameNotOwner    = "org.freedesktop.DBus.Error.NotOwner"
)

// CallError is the error returned when a peer answers a method call
// with an error message.
type CallError struct {
	// Name is the error name provided by the remote peer.
	Name string
	// Detail is the human-readable explanation of what went wrong.
	Detail string
}

func (e CallError) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("call error %s", e.Name)
	}
	return fmt.Sprintf("call error %s: %s", e.Name, e.Detail)
}

// IsUnknownObject reports whether err is a remote error naming an
// unregistered object path.
func IsUnknownObject(err error) bool {
	var ce CallError
	return errors.As(err, &ce) && ce.Name == errNameUnknownObject
}

// NameError is the error returned when the bus refuses a name
// operation.
type NameError struct {
	// BusName is the well-known name the operation concerned.
	BusName string
	// Name is the bus error name describing the refusal.
	Name string
}

func (e NameError) Error() string {
	return fmt.Sprintf("name operation on %s failed: %s", e.BusName, e.Name)
}

// TypeError is the error returned when a Go type cannot be
// represented in the DBus wire format.
type TypeError struct {
	// Type is the name of the type that caused the error.
	Type string
	// Reason is an explanation of why the type isn't representable.
	Reason error
}

func (e TypeError) Error() string {
	return fmt.Sprintf("dbus cannot represent %s: %s", e.Type, e.Reason)
}

func (e TypeError) Unwrap() error {
	return e.Reason
}
