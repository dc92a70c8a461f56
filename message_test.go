package dbus

import (
	"errors"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestMessageValid(t *testing.T) {
	tests := []struct {
		name string
		msg  *Message
		ok   bool
	}{
		{"call", NewMethodCall("org.test", "/obj", "org.test.I", "M"), true},
		{"signal", NewSignal("/obj", "org.test.I", "S"), true},
		{"call without path", &Message{Kind: KindMethodCall, Interface: "i.F", Member: "M"}, false},
		{"call without member", &Message{Kind: KindMethodCall, Path: "/a", Interface: "i.F"}, false},
		{"call with junk path", NewMethodCall("org.test", "no/slash", "i.F", "M"), false},
		{"signal without interface", &Message{Kind: KindSignal, Path: "/a", Member: "S"}, false},
		{"return", &Message{Kind: KindMethodReturn, ReplySerial: 7}, true},
		{"return without reply serial", &Message{Kind: KindMethodReturn}, false},
		{"error", &Message{Kind: KindError, ErrorName: "org.x.E", ReplySerial: 7}, true},
		{"error without name", &Message{Kind: KindError, ReplySerial: 7}, false},
		{"invalid kind", &Message{}, false},
	}
	for _, tc := range tests {
		err := tc.msg.Valid()
		if gotOK := err == nil; gotOK != tc.ok {
			t.Errorf("%s: Valid() = %v, want ok=%v", tc.name, err, tc.ok)
		}
	}
}

func roundTripMessage(t *testing.T, m *Message) *Message {
	t.Helper()
	m.Serial = 42
	data, _, err := m.Encode()
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	got, err := DecodeMessage(data, nil)
	if err != nil {
		t.Fatalf("DecodeMessage: %v", err)
	}
	return got
}

func TestMessageRoundTrip(t *testing.T) {
	call := NewMethodCall("org.test.Svc", "/org/test", "org.test.I", "Frob")
	if err := call.Append(uint32(7), "hello", []int64{1, 2}); err != nil {
		t.Fatal(err)
	}
	got := roundTripMessage(t, call)

	if got.Kind != KindMethodCall || got.Serial != 42 ||
		got.Destination != "org.test.Svc" || got.Path != "/org/test" ||
		got.Interface != "org.test.I" || got.Member != "Frob" {
		t.Errorf("decoded header differs: %+v", got)
	}
	if got.Signature != "usax" {
		t.Errorf("decoded signature = %q, want %q", got.Signature, "usax")
	}
	var (
		u  uint32
		s  string
		xs []int64
	)
	if err := got.Unmarshal(&u, &s, &xs); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if u != 7 || s != "hello" || !cmp.Equal(xs, []int64{1, 2}) {
		t.Errorf("decoded body = (%v, %q, %v)", u, s, xs)
	}
}

func TestMessageReplyFactories(t *testing.T) {
	call := NewMethodCall("org.test.Svc", "/org/test", "org.test.I", "Frob")
	call.Serial = 3
	call.Sender = ":1.7"

	reply := call.NewMethodReturn()
	if reply.Kind != KindMethodReturn || reply.ReplySerial != 3 || reply.Destination != ":1.7" {
		t.Errorf("NewMethodReturn built %+v", reply)
	}

	errReply := call.NewError("org.test.Error.Nope", "out of cheese")
	if errReply.Kind != KindError || errReply.ErrorName != "org.test.Error.Nope" || errReply.ReplySerial != 3 {
		t.Errorf("NewError built %+v", errReply)
	}
	got := roundTripMessage(t, errReply)
	var ce CallError
	if err := got.Err(); !errors.As(err, &ce) || ce.Name != "org.test.Error.Nope" || ce.Detail != "out of cheese" {
		t.Errorf("Err() = %v", err)
	}
}

func TestMessageSignalRoundTrip(t *testing.T) {
	sig := NewSignal("/org/test", "org.test.I", "Changed")
	if err := sig.Append("prop", true); err != nil {
		t.Fatal(err)
	}
	got := roundTripMessage(t, sig)
	if got.Kind != KindSignal || got.Path != "/org/test" || got.Member != "Changed" {
		t.Errorf("decoded signal header: %+v", got)
	}
}

func TestMessageEncodeRequiresSerial(t *testing.T) {
	m := NewSignal("/a", "i.F", "S")
	if _, _, err := m.Encode(); err == nil || !strings.Contains(err.Error(), "Serial") {
		t.Errorf("Encode without serial = %v, want serial error", err)
	}
}

func TestMessageWriterCursor(t *testing.T) {
	m := NewMethodCall("org.x", "/p", "i.F", "M")
	bw := m.Writer()
	bw.OpenArray("{su}")
	bw.OpenDictEntry()
	bw.String("k")
	bw.Uint32(1)
	bw.CloseDictEntry()
	bw.CloseArray()
	if err := bw.Close(); err != nil {
		t.Fatal(err)
	}
	if m.Signature != "a{su}" {
		t.Errorf("writer-derived signature = %q, want a{su}", m.Signature)
	}
	var got map[string]uint32
	if err := m.Unmarshal(&got); err != nil {
		t.Fatal(err)
	}
	if !cmp.Equal(got, map[string]uint32{"k": 1}) {
		t.Errorf("decoded %v", got)
	}
}

func TestMessageSealing(t *testing.T) {
	m := NewMethodCall("org.x", "/p", "i.F", "M")
	m.Serial = 1
	if _, _, err := m.Encode(); err != nil {
		t.Fatal(err)
	}
	m.seal()
	if err := m.Append("more"); err == nil {
		t.Error("Append on a sealed message succeeded")
	}
	defer func() {
		if recover() == nil {
			t.Error("Writer on a sealed message did not panic")
		}
	}()
	m.Writer()
}

func TestDecodeMessageRejectsJunk(t *testing.T) {
	if _, err := DecodeMessage([]byte{1, 2, 3}, nil); err == nil {
		t.Error("truncated frame decoded")
	}
	if _, err := DecodeMessage(make([]byte, 16), nil); err == nil {
		t.Error("frame with bogus order flag decoded")
	}
}
