package dbus

import (
	"os"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/coredesk/dbus/wire"
)

// rtValue encodes v, then decodes it into a fresh value of the same
// type and returns it.
func rtValue(t *testing.T, v any, out any) {
	t.Helper()
	w := wire.NewWriter(wire.LittleEndian)
	if err := encodeValue(w, v); err != nil {
		t.Fatalf("encode %T: %v", v, err)
	}
	sig, err := SignatureOf(v)
	if err != nil {
		t.Fatalf("SignatureOf(%T): %v", v, err)
	}
	if got := w.Signature(); got != string(sig) {
		t.Fatalf("writer signature %q, derived %q", got, sig)
	}
	r, err := wire.NewReader(wire.LittleEndian, w.Signature(), w.Bytes(), w.Files())
	if err != nil {
		t.Fatal(err)
	}
	if err := decodeValue(r, out); err != nil {
		t.Fatalf("decode into %T: %v", out, err)
	}
}

func TestValueRoundTrips(t *testing.T) {
	{
		var got uint32
		rtValue(t, uint32(77), &got)
		if got != 77 {
			t.Errorf("uint32 = %v", got)
		}
	}
	{
		var got []string
		rtValue(t, []string{"a", "b", ""}, &got)
		if diff := cmp.Diff(got, []string{"a", "b", ""}); diff != "" {
			t.Errorf("[]string (-got+want):\n%s", diff)
		}
	}
	{
		in := map[string]int64{"x": 1, "y": -2}
		var got map[string]int64
		rtValue(t, in, &got)
		if diff := cmp.Diff(got, in); diff != "" {
			t.Errorf("map (-got+want):\n%s", diff)
		}
	}
	{
		in := Nested{Y: 3, S: Simple{A: -1, B: true}}
		var got Nested
		rtValue(t, in, &got)
		if diff := cmp.Diff(got, in); diff != "" {
			t.Errorf("nested struct (-got+want):\n%s", diff)
		}
	}
	{
		in := ObjectPath("/x/y")
		var got ObjectPath
		rtValue(t, in, &got)
		if got != in {
			t.Errorf("ObjectPath = %q", got)
		}
	}
	{
		var got Signature
		rtValue(t, Signature("a{sv}"), &got)
		if got != "a{sv}" {
			t.Errorf("Signature = %q", got)
		}
	}
}

func TestVariantRoundTrip(t *testing.T) {
	in := mustVariant(uint32(7))
	var got Variant
	rtValue(t, in, &got)
	if got.Sig != "u" {
		t.Errorf("variant signature = %q", got.Sig)
	}
	if v, ok := got.Value.(uint32); !ok || v != 7 {
		t.Errorf("variant value = %#v", got.Value)
	}

	// A variant holding a wire struct decodes as []any, and encodes
	// back against its declared signature.
	in2 := Variant{Sig: "(us)", Value: []any{uint32(1), "x"}}
	var got2 Variant
	rtValue(t, in2, &got2)
	if got2.Sig != "(us)" {
		t.Errorf("struct variant signature = %q", got2.Sig)
	}
	fields, ok := got2.Value.([]any)
	if !ok || len(fields) != 2 {
		t.Fatalf("struct variant value = %#v", got2.Value)
	}
	if fields[0] != uint32(1) || fields[1] != "x" {
		t.Errorf("struct variant fields = %#v", fields)
	}
}

func TestAnyEncodesAsVariant(t *testing.T) {
	in := struct{ V any }{V: "hello"}
	var got struct{ V any }
	rtValue(t, in, &got)
	v, ok := got.V.(Variant)
	if !ok {
		t.Fatalf("any field decoded as %#v", got.V)
	}
	if v.Sig != "s" || v.Value != "hello" {
		t.Errorf("variant = %+v", v)
	}
}

func TestVardictRoundTrip(t *testing.T) {
	in := map[string]Variant{
		"a": mustVariant(uint32(1)),
		"b": mustVariant("two"),
	}
	var got map[string]Variant
	rtValue(t, in, &got)
	if diff := cmp.Diff(got, in); diff != "" {
		t.Errorf("a{sv} (-got+want):\n%s", diff)
	}
}

func TestUnixFdOwnership(t *testing.T) {
	rd, wr, err := os.Pipe()
	if err != nil {
		t.Fatal(err)
	}
	defer rd.Close()
	defer wr.Close()

	w := wire.NewWriter(wire.LittleEndian)
	fd := NewUnixFd(wr)
	if err := encodeValue(w, fd); err != nil {
		t.Fatal(err)
	}
	// Encoding moved the descriptor into the writer.
	if len(w.Files()) != 1 || w.Files()[0] != wr {
		t.Fatalf("writer holds %v", w.Files())
	}

	r, err := wire.NewReader(wire.LittleEndian, "h", w.Bytes(), w.Files())
	if err != nil {
		t.Fatal(err)
	}
	var got UnixFd
	if err := decodeValue(r, &got); err != nil {
		t.Fatal(err)
	}
	if got.File() != wr {
		t.Errorf("decoded file = %v, want %v", got.File(), wr)
	}

	// A second decode of the same handle index must fail: ownership
	// already moved out of the reader.
	r2, err := wire.NewReader(wire.LittleEndian, "h", w.Bytes(), w.Files())
	if err != nil {
		t.Fatal(err)
	}
	var got2 UnixFd
	if err := decodeValue(r2, &got2); err == nil {
		t.Error("second claim of the descriptor succeeded")
	}
}

func TestEncodeRejectsUnrepresentable(t *testing.T) {
	w := wire.NewWriter(wire.LittleEndian)
	for _, v := range []any{int(1), complex64(0), func() {}, map[Simple]bool{}} {
		if err := encodeValue(w, v); err == nil {
			t.Errorf("encode of %T succeeded", v)
		}
	}
}
