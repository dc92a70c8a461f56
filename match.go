package dbus

import (
	"fmt"
	"maps"
	"slices"
	"strings"

	"github.com/creachadair/mds/value"
)

// A Match is a predicate over inbound signals. It compiles to the bus
// daemon's match-rule syntax for subscription, and is also evaluated
// locally: the daemon forwards the union of all subscribed rules on
// one connection, so each subscriber re-filters what it receives.
type Match struct {
	sender       value.Maybe[string]
	object       value.Maybe[ObjectPath]
	objectPrefix value.Maybe[ObjectPath]
	iface        value.Maybe[string]
	member       value.Maybe[string]
	argStr       map[int]string
	argPath      map[int]ObjectPath
	arg0NS       value.Maybe[string]
}

// NewMatch returns a match accepting every signal.
func NewMatch() *Match { return &Match{} }

// MatchSignal returns a match for one (interface, member) pair.
func MatchSignal(iface, member string) *Match {
	return &Match{
		iface:  value.Just(iface),
		member: value.Just(member),
	}
}

// Sender restricts the match to signals from the given bus name.
func (m *Match) Sender(name string) *Match {
	m.sender = value.Just(name)
	return m
}

// Interface restricts the match to one emitting interface.
func (m *Match) Interface(name string) *Match {
	m.iface = value.Just(name)
	return m
}

// Member restricts the match to one signal name.
func (m *Match) Member(name string) *Match {
	m.member = value.Just(name)
	return m
}

// Object restricts the match to a single emitting path.
func (m *Match) Object(p ObjectPath) *Match {
	m.objectPrefix = value.Absent[ObjectPath]()
	m.object = value.Just(p.Clean())
	return m
}

// ObjectPrefix restricts the match to emitting objects rooted at the
// given path prefix.
func (m *Match) ObjectPrefix(p ObjectPath) *Match {
	m.object = value.Absent[ObjectPath]()
	if p == "/" {
		// "/" matches everything anyway; leaving it out avoids a
		// dbus-broker quirk.
		m.objectPrefix = value.Absent[ObjectPath]()
	} else {
		m.objectPrefix = value.Just(p.Clean())
	}
	return m
}

// ArgStr restricts the match to signals whose i-th body argument is a
// string equal to val.
func (m *Match) ArgStr(i int, val string) *Match {
	if m.argStr == nil {
		m.argStr = map[int]string{}
	}
	m.argStr[i] = val
	return m
}

// ArgPathPrefix restricts the match to signals whose i-th body
// argument is a string or object path equal to or under val.
func (m *Match) ArgPathPrefix(i int, val ObjectPath) *Match {
	if m.argPath == nil {
		m.argPath = map[int]ObjectPath{}
	}
	m.argPath[i] = val
	return m
}

// Arg0Namespace restricts the match to signals whose first body
// argument is a name in the given dot-separated namespace.
func (m *Match) Arg0Namespace(ns string) *Match {
	m.arg0NS = value.Just(ns)
	return m
}

// pathKey returns the path the router should index this match
// under, or "" when the match has no exact-path constraint.
func (m *Match) pathKey() ObjectPath {
	if p, ok := m.object.GetOK(); ok {
		return p
	}
	return ""
}

// String returns the match in the daemon's rule syntax, as used by
// the AddMatch and RemoveMatch bus methods. Identical predicates
// render identically, which is what the connection's subscription
// refcounting keys on.
func (m *Match) String() string {
	ms := []string{"type='signal'"}
	kv := func(k, v string) {
		ms = append(ms, fmt.Sprintf("%s=%s", k, escapeMatchArg(v)))
	}
	if s, ok := m.sender.GetOK(); ok {
		kv("sender", s)
	}
	if o, ok := m.object.GetOK(); ok {
		kv("path", o.String())
	}
	if p, ok := m.objectPrefix.GetOK(); ok {
		kv("path_namespace", p.String())
	}
	if s, ok := m.iface.GetOK(); ok {
		kv("interface", s)
	}
	if s, ok := m.member.GetOK(); ok {
		kv("member", s)
	}
	for _, i := range slices.Sorted(maps.Keys(m.argStr)) {
		kv(fmt.Sprintf("arg%d", i), m.argStr[i])
	}
	for _, i := range slices.Sorted(maps.Keys(m.argPath)) {
		kv(fmt.Sprintf("arg%dpath", i), m.argPath[i].String())
	}
	if n, ok := m.arg0NS.GetOK(); ok {
		kv("arg0namespace", n)
	}
	return strings.Join(ms, ",")
}

// Matches reports whether an inbound signal satisfies the predicate,
// using the same logic the daemon applies to the rendered rule.
func (m *Match) Matches(msg *Message) bool {
	if msg.Kind != KindSignal {
		return false
	}
	if s, ok := m.sender.GetOK(); ok && msg.Sender != s {
		return false
	}
	if o, ok := m.object.GetOK(); ok && msg.Path != o {
		return false
	}
	if p, ok := m.objectPrefix.GetOK(); ok && msg.Path != p && !msg.Path.IsChildOf(p) {
		return false
	}
	if s, ok := m.iface.GetOK(); ok && msg.Interface != s {
		return false
	}
	if s, ok := m.member.GetOK(); ok && msg.Member != s {
		return false
	}

	if len(m.argStr) == 0 && len(m.argPath) == 0 && !m.arg0NS.Present() {
		return true
	}
	args := stringArgsOf(msg, maxArgIndex(m))
	for i, want := range m.argStr {
		if i >= len(args) || args[i] == nil || *args[i] != want {
			return false
		}
	}
	for i, want := range m.argPath {
		if i >= len(args) || args[i] == nil {
			return false
		}
		got := ObjectPath(*args[i])
		if got != want && !got.IsChildOf(want) {
			return false
		}
	}
	if ns, ok := m.arg0NS.GetOK(); ok {
		if len(args) == 0 || args[0] == nil {
			return false
		}
		if got := *args[0]; got != ns && !strings.HasPrefix(got, ns+".") {
			return false
		}
	}
	return true
}

func maxArgIndex(m *Match) int {
	hi := -1
	for i := range m.argStr {
		hi = max(hi, i)
	}
	for i := range m.argPath {
		hi = max(hi, i)
	}
	if m.arg0NS.Present() {
		hi = max(hi, 0)
	}
	return hi
}

// stringArgsOf extracts the message's leading string-like body
// arguments, up to index hi. Non-string arguments yield nil entries.
func stringArgsOf(msg *Message, hi int) []*string {
	if hi < 0 {
		return nil
	}
	r, err := msg.Reader()
	if err != nil {
		return nil
	}
	var out []*string
	for i := 0; i <= hi; i++ {
		switch r.Type() {
		case 's':
			s, err := r.String()
			if err != nil {
				return out
			}
			out = append(out, &s)
		case 'o':
			s, err := r.ObjectPath()
			if err != nil {
				return out
			}
			out = append(out, &s)
		case 0:
			return out
		default:
			if err := r.Skip(); err != nil {
				return out
			}
			out = append(out, nil)
		}
	}
	return out
}

func escapeMatchArg(s string) string {
	s = strings.ReplaceAll(s, "'", `'\''`)
	return "'" + s + "'"
}
