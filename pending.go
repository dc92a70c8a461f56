package dbus

import (
	"sync"

	"github.com/coredesk/dbus/transport"
)

// CallState is the lifecycle state of a [PendingCall].
type CallState int

const (
	// CallPending means no reply has arrived yet.
	CallPending CallState = iota
	// CallCompleted means a method return or error reply arrived, or
	// the connection closed first and the call failed with
	// ErrDisconnected.
	CallCompleted
	// CallCancelled means the caller gave up on the reply.
	CallCancelled
	// CallTimedOut means the deadline elapsed with no reply.
	CallTimedOut
)

// A PendingCall is the handle for an outstanding method invocation
// awaiting its reply.
//
// A pending call reaches exactly one terminal state: completed with a
// reply (which may be an error reply) or with ErrDisconnected when the
// connection closes, cancelled, or timed out.
// Terminal states latch; completions that arrive after the first are
// ignored.
type PendingCall struct {
	c      *Conn
	serial uint32

	mu      sync.Mutex
	state   CallState
	reply   *Message // terminal reply, nil unless state is CallCompleted
	err     error    // terminal error for every non-reply outcome
	timeout *transport.Timeout
	conts   []func(*PendingCall)
	done    chan struct{}
}

// Serial returns the serial of the call this handle is waiting on.
func (p *PendingCall) Serial() uint32 { return p.serial }

// Done returns a channel closed when the call reaches a terminal
// state.
func (p *PendingCall) Done() <-chan struct{} { return p.done }

// State returns the call's current state.
func (p *PendingCall) State() CallState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// Reply returns the call's outcome. It must only be consulted after
// Done is closed: a method return yields (msg, nil), an error reply
// yields (nil, [CallError]), and cancellation, timeout or
// disconnection yield (nil, [ErrCancelled]/[ErrTimeout]/
// [ErrDisconnected]).
func (p *PendingCall) Reply() (*Message, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.reply, p.err
}

// OnComplete registers fn to run when the call reaches a terminal
// state. Continuations run on the reactor goroutine when the
// connection is executor-bound, and on the dispatching goroutine
// otherwise. A continuation registered after completion is scheduled
// immediately.
func (p *PendingCall) OnComplete(fn func(*PendingCall)) {
	p.mu.Lock()
	if p.state == CallPending {
		p.conts = append(p.conts, fn)
		p.mu.Unlock()
		return
	}
	p.mu.Unlock()
	p.c.schedule(func() { fn(p) })
}

// Cancel abandons the call. A reply arriving later for its serial is
// dropped. Cancel is idempotent, a no-op after any terminal state,
// and safe to call from any goroutine.
func (p *PendingCall) Cancel() {
	p.c.forgetCall(p.serial, p)
	p.settle(CallCancelled, nil, ErrCancelled)
}

// settle latches a terminal state. It returns false if the call was
// already terminal.
func (p *PendingCall) settle(state CallState, reply *Message, err error) bool {
	p.mu.Lock()
	if p.state != CallPending {
		p.mu.Unlock()
		return false
	}
	p.state = state
	p.reply = reply
	p.err = err
	t := p.timeout
	p.timeout = nil
	conts := p.conts
	p.conts = nil
	close(p.done)
	p.mu.Unlock()

	if t != nil {
		p.c.t.RemoveTimeout(t)
	}
	for _, fn := range conts {
		fn := fn
		p.c.schedule(func() { fn(p) })
	}
	return true
}

// complete resolves the call with an inbound reply message.
func (p *PendingCall) complete(reply *Message) {
	if reply.Kind == KindError {
		p.settle(CallCompleted, nil, reply.Err())
		return
	}
	p.settle(CallCompleted, reply, nil)
}

// expire resolves the call as timed out.
func (p *PendingCall) expire() {
	p.c.forgetCall(p.serial, p)
	p.settle(CallTimedOut, nil, ErrTimeout)
}

// disconnect resolves the call as failed due to connection teardown.
func (p *PendingCall) disconnect() {
	p.settle(CallCompleted, nil, ErrDisconnected)
}
