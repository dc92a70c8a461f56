package dbus

import (
	"sync"
	"sync/atomic"

	"github.com/rs/xid"
)

// The router is the connection's two-stage inbound demultiplexer.
// Stage one dispatches on message kind; stage two fans signals out to
// subscribers indexed by emitting object path and filtered by each
// subscriber's match predicate.
type router struct {
	mu     sync.Mutex
	byKind map[Kind]func(*Message) bool
	// signals holds subscriptions keyed by emitting path, in
	// registration order. The "" key collects subscriptions with no
	// path constraint.
	signals map[ObjectPath][]*Subscription
}

func newRouter() *router {
	return &router{
		byKind:  map[Kind]func(*Message) bool{},
		signals: map[ObjectPath][]*Subscription{},
	}
}

func (r *router) handleKind(k Kind, fn func(*Message) bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byKind[k] = fn
}

// route dispatches one inbound message. It reports whether anything
// claimed the message.
func (r *router) route(msg *Message) bool {
	r.mu.Lock()
	fn := r.byKind[msg.Kind]
	r.mu.Unlock()
	if fn == nil {
		return false
	}
	return fn(msg)
}

func newSubID() xid.ID { return xid.New() }

// A Subscription is one registered signal observer.
type Subscription struct {
	id      xid.ID
	c       *Conn
	match   *Match
	key     ObjectPath
	fn      func(*Message)
	removed atomic.Bool
}

// Remove unsubscribes. The observer stops receiving signals, and the
// daemon-side match registration is dropped when its refcount reaches
// zero. Remove is idempotent and safe to call from within the
// subscription's own callback.
func (s *Subscription) Remove() {
	if s.removed.Swap(true) {
		return
	}
	s.c.router.remove(s)
	s.c.removeMatch(s.match)
}

func (r *router) add(s *Subscription) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.signals[s.key] = append(r.signals[s.key], s)
}

func (r *router) remove(s *Subscription) {
	r.mu.Lock()
	defer r.mu.Unlock()
	subs := r.signals[s.key]
	for i, t := range subs {
		if t.id == s.id {
			r.signals[s.key] = append(subs[:i:i], subs[i+1:]...)
			break
		}
	}
	if len(r.signals[s.key]) == 0 {
		delete(r.signals, s.key)
	}
}

// fanout delivers a signal to every matching subscriber. Subscribers
// on the signal's path are notified in registration order; the
// iteration works on a snapshot, so a subscriber may remove itself
// (or others) from inside its callback without disturbing this
// delivery round.
func (r *router) fanout(msg *Message) bool {
	r.mu.Lock()
	snapshot := make([]*Subscription, 0, 8)
	snapshot = append(snapshot, r.signals[msg.Path]...)
	if msg.Path != "" {
		snapshot = append(snapshot, r.signals[""]...)
	}
	r.mu.Unlock()

	delivered := false
	for _, s := range snapshot {
		if s.removed.Load() {
			continue
		}
		if !s.match.Matches(msg) {
			continue
		}
		s.fn(msg)
		delivered = true
	}
	// A signal that matches no subscriber is dropped silently.
	return delivered
}
