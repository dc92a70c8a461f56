package dbustest

import (
	"strings"

	"github.com/coredesk/dbus"
)

// A matchRule is the daemon-side compiled form of one AddMatch rule:
// the key/value pairs of the rule syntax, evaluated against relayed
// signals.
type matchRule struct {
	raw  string
	kv   map[string]string
	args map[string]string // argN and argNpath keys
}

func parseMatchRule(raw string) matchRule {
	r := matchRule{raw: raw, kv: map[string]string{}, args: map[string]string{}}
	for _, part := range strings.Split(raw, ",") {
		k, v, ok := strings.Cut(part, "=")
		if !ok {
			continue
		}
		v = strings.Trim(v, "'")
		v = strings.ReplaceAll(v, `'\''`, "'")
		if strings.HasPrefix(k, "arg") {
			r.args[k] = v
		} else {
			r.kv[k] = v
		}
	}
	return r
}

func (r matchRule) matches(msg *dbus.Message) bool {
	if t, ok := r.kv["type"]; ok && t != "signal" {
		return false
	}
	if msg.Kind != dbus.KindSignal {
		return false
	}
	if v, ok := r.kv["interface"]; ok && v != msg.Interface {
		return false
	}
	if v, ok := r.kv["member"]; ok && v != msg.Member {
		return false
	}
	if v, ok := r.kv["path"]; ok && dbus.ObjectPath(v) != msg.Path {
		return false
	}
	if v, ok := r.kv["path_namespace"]; ok {
		ns := dbus.ObjectPath(v)
		if msg.Path != ns && !msg.Path.IsChildOf(ns) {
			return false
		}
	}
	if v, ok := r.kv["sender"]; ok && v != msg.Sender {
		return false
	}
	if len(r.args) > 0 {
		// Only the arg0 and arg0namespace keys are evaluated; other
		// argument keys are ignored.
		want, ok := r.args["arg0"]
		if ok {
			if got, err := firstStringArg(msg); err != nil || got != want {
				return false
			}
		}
		if ns, ok := r.args["arg0namespace"]; ok {
			got, err := firstStringArg(msg)
			if err != nil {
				return false
			}
			if got != ns && !strings.HasPrefix(got, ns+".") {
				return false
			}
		}
	}
	return true
}

func firstStringArg(msg *dbus.Message) (string, error) {
	r, err := msg.Reader()
	if err != nil {
		return "", err
	}
	return r.String()
}
