package dbus

import (
	"context"
	"fmt"
	"sync"
)

// NameFlags adjust a name request, mirroring the daemon's
// RequestName flag bits.
type NameFlags uint32

const (
	// NameAllowReplacement lets a later claimant with NameReplace
	// take the name over.
	NameAllowReplacement NameFlags = 1 << iota
	// NameReplace attempts to displace the current owner, if it
	// allowed replacement.
	NameReplace
	// NameNoQueue refuses to wait in the ownership queue: the request
	// either takes the name immediately or fails.
	NameNoQueue
)

// RequestName reply codes.
const (
	nameReplyPrimaryOwner uint32 = iota + 1
	nameReplyInQueue
	nameReplyExists
	nameReplyAlreadyOwner
)

// ReleaseName reply codes.
const (
	releaseReplyReleased uint32 = iota + 1
	releaseReplyNonExistent
	releaseReplyNotOwner
)

// A Name is an owned claim on a well-known bus name, obtained with
// [Conn.RequestName] and relinquished with [Name.Release].
type Name struct {
	c    *Conn
	name string

	mu       sync.Mutex
	released bool
	primary  bool
}

// RequestName asks the bus for ownership of a well-known name.
//
// On success the returned Name is owned: either as primary owner, or
// queued behind the current owner ([Name.PrimaryOwner] tells which).
// If another peer holds the name and neither queueing nor replacement
// applies, the request fails with [ErrAlreadyOwned]; a request for a
// name this connection already owns fails with [ErrAlreadyOwner].
func (c *Conn) RequestName(name string, flags NameFlags) (*Name, error) {
	var rc uint32
	err := c.callTuple(context.Background(), busName, busPath, ifaceBus,
		"RequestName", []any{name, uint32(flags)}, &rc)
	if err != nil {
		// The daemon's own refusal (bad name, permission) arrives as
		// an error reply and surfaces as its CallError.
		return nil, err
	}
	switch rc {
	case nameReplyPrimaryOwner:
		return &Name{c: c, name: name, primary: true}, nil
	case nameReplyInQueue:
		return &Name{c: c, name: name}, nil
	case nameReplyExists:
		return nil, fmt.Errorf("%w: %s", ErrAlreadyOwned, name)
	case nameReplyAlreadyOwner:
		return nil, fmt.Errorf("%w: %s", ErrAlreadyOwner, name)
	default:
		return nil, fmt.Errorf("unknown RequestName reply code %d for %s", rc, name)
	}
}

// String returns the claimed bus name.
func (n *Name) String() string { return n.name }

// PrimaryOwner reports whether the claim held primary ownership when
// it was last examined by the bus.
func (n *Name) PrimaryOwner() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.primary
}

// Release relinquishes the name. The first call performs the bus
// round-trip and surfaces the daemon's verdict; further calls are
// no-ops.
func (n *Name) Release() error {
	n.mu.Lock()
	if n.released {
		n.mu.Unlock()
		return nil
	}
	n.released = true
	n.mu.Unlock()

	var rc uint32
	err := n.c.call(context.Background(), busName, busPath, ifaceBus,
		"ReleaseName", n.name, &rc)
	if err != nil {
		return err
	}
	switch rc {
	case releaseReplyReleased:
		return nil
	case releaseReplyNonExistent:
		return NameError{BusName: n.name, Name: errNameNameNonExistent}
	case releaseReplyNotOwner:
		return NameError{BusName: n.name, Name: errNameNameNotOwner}
	default:
		return fmt.Errorf("unknown ReleaseName reply code %d for %s", rc, n.name)
	}
}

// NameHasOwner reports whether any connection currently owns name.
// The answer is inherently racy and only useful as a hint.
func (c *Conn) NameHasOwner(ctx context.Context, name string) (bool, error) {
	var owned bool
	err := c.call(ctx, busName, busPath, ifaceBus, "NameHasOwner", name, &owned)
	return owned, err
}

// GetNameOwner returns the unique name of the connection that owns
// name.
func (c *Conn) GetNameOwner(ctx context.Context, name string) (string, error) {
	var owner string
	err := c.call(ctx, busName, busPath, ifaceBus, "GetNameOwner", name, &owner)
	return owner, err
}

// ListNames returns all names currently present on the bus: unique
// connection names and owned well-known names.
func (c *Conn) ListNames(ctx context.Context) ([]string, error) {
	var names []string
	err := c.call(ctx, busName, busPath, ifaceBus, "ListNames", nil, &names)
	return names, err
}
