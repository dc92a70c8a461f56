package dbus

import (
	"context"
	"fmt"
	"sync"
)

// PropertyOptions configure a [Property].
type PropertyOptions struct {
	// Writable permits Set. A Set on a non-writable property fails
	// with [ErrReadOnly] without touching the bus.
	Writable bool
}

// A Property is a typed view of one remote property, layered on the
// org.freedesktop.DBus.Properties protocol.
//
// A plain Property round-trips on every Get. After [Property.Watch]
// it becomes cache-backed: PropertiesChanged signals keep a local
// copy current, Get answers from that copy without touching the bus,
// and registered observers hear about each remote update exactly
// once.
type Property[T any] struct {
	iface    Interface
	name     string
	writable bool

	mu     sync.Mutex
	cached T
	warm   bool
	sub    *Subscription
	watch  []func(T)
}

// NewProperty returns a typed handle on the property name of the
// given remote interface.
func NewProperty[T any](iface Interface, name string, opts PropertyOptions) *Property[T] {
	return &Property[T]{
		iface:    iface,
		name:     name,
		writable: opts.Writable,
	}
}

// Name returns the property's name.
func (p *Property[T]) Name() string { return p.name }

// Writable reports whether Set is permitted.
func (p *Property[T]) Writable() bool { return p.writable }

// Get returns the property's value: the cached copy when watching
// and warm, a Properties.Get round-trip otherwise.
func (p *Property[T]) Get(ctx context.Context) (T, error) {
	p.mu.Lock()
	if p.sub != nil && p.warm {
		v := p.cached
		p.mu.Unlock()
		return v, nil
	}
	p.mu.Unlock()

	var v T
	if err := p.iface.GetProperty(ctx, p.name, &v); err != nil {
		var zero T
		return zero, err
	}
	p.mu.Lock()
	p.cached = v
	p.warm = p.sub != nil
	p.mu.Unlock()
	return v, nil
}

// Set writes the property and, on success, updates the local cache.
func (p *Property[T]) Set(ctx context.Context, v T) error {
	if !p.writable {
		return fmt.Errorf("%w: %s.%s", ErrReadOnly, p.iface.Name(), p.name)
	}
	if err := p.iface.SetProperty(ctx, p.name, v); err != nil {
		return err
	}
	p.mu.Lock()
	p.cached = v
	p.warm = p.sub != nil
	p.mu.Unlock()
	return nil
}

// Watch subscribes to the property's change notifications. fn, if
// non-nil, runs once per remote update: with the new value when the
// emitter broadcast one, or with the zero value when the emitter
// merely invalidated the property (the cache goes stale and the next
// Get round-trips). Updates and cache refreshes serialize through
// the connection's dispatch goroutine, so the cache and the
// notification always agree on the last observed update.
func (p *Property[T]) Watch(fn func(T)) error {
	p.mu.Lock()
	if p.sub != nil {
		if fn != nil {
			p.watch = append(p.watch, fn)
		}
		p.mu.Unlock()
		return nil
	}
	if fn != nil {
		p.watch = append(p.watch, fn)
	}
	p.mu.Unlock()

	m := MatchSignal(ifaceProps, "PropertiesChanged").
		Object(p.iface.Object().Path()).
		ArgStr(0, p.iface.Name())
	sub, err := p.iface.Conn().Subscribe(m, p.onPropertiesChanged)
	if err != nil {
		return err
	}
	p.mu.Lock()
	p.sub = sub
	p.mu.Unlock()
	return nil
}

// Unwatch drops the subscription and invalidates the cache.
func (p *Property[T]) Unwatch() {
	p.mu.Lock()
	sub := p.sub
	p.sub = nil
	p.warm = false
	p.watch = nil
	p.mu.Unlock()
	if sub != nil {
		sub.Remove()
	}
}

// onPropertiesChanged runs on the dispatch goroutine for every
// PropertiesChanged emission on the watched object and interface.
func (p *Property[T]) onPropertiesChanged(msg *Message) {
	var (
		iface       string
		changed     map[string]Variant
		invalidated []string
	)
	if err := msg.Unmarshal(&iface, &changed, &invalidated); err != nil {
		log.WithError(err).Debug("malformed PropertiesChanged")
		return
	}
	if iface != p.iface.Name() {
		return
	}
	if v, ok := changed[p.name]; ok {
		var typed T
		if err := assignVariant(v, &typed); err != nil {
			log.WithError(err).Debugf("PropertiesChanged value for %s has the wrong type", p.name)
			return
		}
		p.mu.Lock()
		p.cached = typed
		p.warm = true
		fns := append([]func(T){}, p.watch...)
		p.mu.Unlock()
		for _, fn := range fns {
			fn(typed)
		}
		return
	}
	for _, name := range invalidated {
		if name != p.name {
			continue
		}
		p.mu.Lock()
		p.warm = false
		fns := append([]func(T){}, p.watch...)
		p.mu.Unlock()
		// An invalidation carries no value; observers hear about the
		// staleness with the zero value and re-read on demand.
		var zero T
		for _, fn := range fns {
			fn(zero)
		}
		return
	}
}
