package transport

import (
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestParseAddress(t *testing.T) {
	tests := []struct {
		in      string
		want    []Address
		wantErr bool
	}{
		{
			in: "unix:path=/run/user/1000/bus",
			want: []Address{{
				Transport: "unix",
				Options:   map[string]string{"path": "/run/user/1000/bus"},
			}},
		},
		{
			in: "unix:abstract=/tmp/dbus-foo,guid=abc",
			want: []Address{{
				Transport: "unix",
				Options:   map[string]string{"abstract": "/tmp/dbus-foo", "guid": "abc"},
			}},
		},
		{
			in: "tcp:host=localhost,port=1234;unix:path=/tmp/bus",
			want: []Address{
				{Transport: "tcp", Options: map[string]string{"host": "localhost", "port": "1234"}},
				{Transport: "unix", Options: map[string]string{"path": "/tmp/bus"}},
			},
		},
		{
			in: "unix:path=/tmp/with%20space",
			want: []Address{{
				Transport: "unix",
				Options:   map[string]string{"path": "/tmp/with space"},
			}},
		},

		{in: "", wantErr: true},
		{in: "nocolon", wantErr: true},
		{in: "unix:keyonly", wantErr: true},
		{in: "unix:path=/tmp/%2", wantErr: true},
		{in: "unix:path=/tmp/%zz", wantErr: true},
	}
	for _, tc := range tests {
		got, err := ParseAddress(tc.in)
		if gotErr := err != nil; gotErr != tc.wantErr {
			t.Errorf("ParseAddress(%q) error = %v, wantErr %v", tc.in, err, tc.wantErr)
			continue
		}
		if tc.wantErr {
			continue
		}
		if diff := cmp.Diff(got, tc.want); diff != "" {
			t.Errorf("ParseAddress(%q) (-got+want):\n%s", tc.in, diff)
		}
	}
}

func TestUnixName(t *testing.T) {
	a := Address{Transport: "unix", Options: map[string]string{"path": "/tmp/bus"}}
	if name, ok := a.UnixName(); !ok || name != "/tmp/bus" {
		t.Errorf("UnixName = %q, %v", name, ok)
	}
	a = Address{Transport: "unix", Options: map[string]string{"abstract": "dbus-abc"}}
	if name, ok := a.UnixName(); !ok || name != "@dbus-abc" {
		t.Errorf("abstract UnixName = %q, %v", name, ok)
	}
	a = Address{Transport: "tcp", Options: map[string]string{"host": "x"}}
	if _, ok := a.UnixName(); ok {
		t.Error("tcp address yielded a unix name")
	}
}

func TestWellKnownBusResolution(t *testing.T) {
	t.Setenv(EnvSessionBusAddress, "unix:path=/tmp/session")
	if addr, err := SessionBusAddress(); err != nil || addr != "unix:path=/tmp/session" {
		t.Errorf("SessionBusAddress = %q, %v", addr, err)
	}

	t.Setenv(EnvSystemBusAddress, "")
	if addr := SystemBusAddress(); addr != defaultSystemBusAddress {
		t.Errorf("SystemBusAddress = %q, want default", addr)
	}
	t.Setenv(EnvSystemBusAddress, "unix:path=/tmp/system")
	if addr := SystemBusAddress(); addr != "unix:path=/tmp/system" {
		t.Errorf("SystemBusAddress = %q", addr)
	}

	t.Setenv(EnvStarterAddress, "")
	t.Setenv(EnvStarterBusType, "session")
	if addr, err := StarterBusAddress(); err != nil || addr != "unix:path=/tmp/session" {
		t.Errorf("StarterBusAddress via type = %q, %v", addr, err)
	}
	t.Setenv(EnvStarterAddress, "unix:path=/tmp/starter")
	if addr, err := StarterBusAddress(); err != nil || addr != "unix:path=/tmp/starter" {
		t.Errorf("StarterBusAddress = %q, %v", addr, err)
	}
	t.Setenv(EnvStarterAddress, "")
	t.Setenv(EnvStarterBusType, "")
	if _, err := StarterBusAddress(); err == nil {
		t.Error("StarterBusAddress with no environment succeeded")
	}
}
