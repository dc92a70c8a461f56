package dbustest

import (
	"context"
	"testing"
	"time"

	"github.com/coredesk/dbus"
)

func TestDaemonBasics(t *testing.T) {
	bus := New(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	a, err := dbus.Connect(ctx, bus.Address())
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer a.Close()
	if a.LocalName() == "" {
		t.Fatal("Hello assigned no unique name")
	}

	names, err := a.ListNames(ctx)
	if err != nil {
		t.Fatalf("ListNames: %v", err)
	}
	found := false
	for _, n := range names {
		if n == a.LocalName() {
			found = true
		}
	}
	if !found {
		t.Errorf("ListNames %v does not include own name %s", names, a.LocalName())
	}

	if err := a.BusPeer().Ping(ctx); err != nil {
		t.Errorf("pinging the daemon: %v", err)
	}
}

func TestParseMatchRule(t *testing.T) {
	r := parseMatchRule("type='signal',interface='org.test.I',member='M',arg0='x'")
	if r.kv["type"] != "signal" || r.kv["interface"] != "org.test.I" || r.kv["member"] != "M" {
		t.Errorf("parsed rule = %+v", r.kv)
	}
	if r.args["arg0"] != "x" {
		t.Errorf("parsed args = %+v", r.args)
	}
}
