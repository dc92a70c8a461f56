package dbus

import (
	"reflect"
	"testing"
)

type Simple struct {
	A int16
	B bool
}

type Nested struct {
	Y byte
	S Simple
}

type Tree struct {
	Kids []*Tree
}

func TestSignatureOf(t *testing.T) {
	tests := []struct {
		in   any
		want string
	}{
		{byte(0), "y"},
		{bool(false), "b"},
		{int16(0), "n"},
		{uint16(0), "q"},
		{int32(0), "i"},
		{uint32(0), "u"},
		{int64(0), "x"},
		{uint64(0), "t"},
		{float64(0), "d"},
		{string(""), "s"},
		{Signature(""), "g"},
		{ObjectPath(""), "o"},
		{UnixFd{}, "h"},
		{Variant{}, "v"},
		{[]string{}, "as"},
		{[4]byte{}, "ay"},
		{[][]string{}, "aas"},
		{map[string]int64{}, "a{sx}"},
		{map[ObjectPath]uint32{}, "a{ou}"},
		{Simple{}, "(nb)"},
		{[]Simple{}, "a(nb)"},
		{Nested{}, "(y(nb))"},
		{map[string]Variant{}, "a{sv}"},
		{struct{ A any }{}, "(v)"},
		{ptr(int32(0)), "i"},

		{nil, ""},
		{Tree{}, ""},
		{map[Simple]bool{}, ""},
		{int(0), ""},
		{func() {}, ""},
	}
	for _, tc := range tests {
		got, err := SignatureOf(tc.in)
		wantErr := tc.want == ""
		if gotErr := err != nil; gotErr != wantErr {
			t.Errorf("SignatureOf(%T) error = %v, wantErr %v", tc.in, err, wantErr)
			continue
		}
		if string(got) != tc.want {
			t.Errorf("SignatureOf(%T) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func ptr[T any](v T) *T { return &v }

func TestSignatureOfTuple(t *testing.T) {
	got, err := SignatureOfTuple("iface", map[string]Variant{}, []string{})
	if err != nil {
		t.Fatal(err)
	}
	if want := Signature("sa{sv}as"); got != want {
		t.Errorf("tuple signature = %q, want %q", got, want)
	}
}

func TestParseSignature(t *testing.T) {
	if _, err := ParseSignature("a{sv}(ii)"); err != nil {
		t.Errorf("valid signature rejected: %v", err)
	}
	for _, bad := range []string{"z", "(", "{sv}"} {
		if _, err := ParseSignature(bad); err == nil {
			t.Errorf("ParseSignature(%q) succeeded, want error", bad)
		}
	}
}

func TestSignatureType(t *testing.T) {
	tests := []struct {
		sig  string
		want reflect.Type
	}{
		{"u", reflect.TypeFor[uint32]()},
		{"s", reflect.TypeFor[string]()},
		{"o", reflect.TypeFor[ObjectPath]()},
		{"v", reflect.TypeFor[Variant]()},
		{"as", reflect.TypeFor[[]string]()},
		{"a{sv}", reflect.TypeFor[map[string]Variant]()},
		{"(ii)", reflect.TypeFor[[]any]()},
		{"a(ii)", reflect.TypeFor[[][]any]()},
	}
	for _, tc := range tests {
		got, err := Signature(tc.sig).Type()
		if err != nil {
			t.Errorf("Type(%q): %v", tc.sig, err)
			continue
		}
		if got != tc.want {
			t.Errorf("Type(%q) = %s, want %s", tc.sig, got, tc.want)
		}
	}
	if _, err := Signature("uu").Type(); err == nil {
		t.Error("Type on a two-type signature succeeded")
	}
}

func TestSignatureSingle(t *testing.T) {
	if !Signature("a{sv}").Single() {
		t.Error("a{sv} not recognized as a single complete type")
	}
	if Signature("uu").Single() {
		t.Error("uu recognized as a single complete type")
	}
}
