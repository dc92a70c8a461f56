package dbus

import (
	"errors"
	"fmt"
	"reflect"
	"strings"
	"sync"

	"github.com/coredesk/dbus/wire"
)

// A Signature describes the type of a DBus value, in the type
// alphabet of the DBus specification. Signatures are values, compared
// by string equality.
type Signature string

// String returns the signature's wire encoding.
func (s Signature) String() string { return string(s) }

// IsZero reports whether the signature is empty. An empty Signature
// describes a void value.
func (s Signature) IsZero() bool { return s == "" }

// Single reports whether the signature is exactly one complete type.
func (s Signature) Single() bool {
	return wire.ValidSingle(string(s)) == nil
}

// ParseSignature validates a DBus type signature string.
func ParseSignature(s string) (Signature, error) {
	if err := wire.ValidSignature(s); err != nil {
		return "", err
	}
	return Signature(s), nil
}

// MustSignature is like [ParseSignature] but panics on invalid input.
// It is intended for signature literals.
func MustSignature(s string) Signature {
	sig, err := ParseSignature(s)
	if err != nil {
		panic(err)
	}
	return sig
}

// sigCache memoizes type→signature derivation. Each entry holds the
// finished result of one derivation, either a Signature or an error.
var sigCache sync.Map // reflect.Type → Signature or error

// SignatureFor derives the Signature for the Go type T.
func SignatureFor[T any]() (Signature, error) {
	return signatureFor(reflect.TypeFor[T](), nil)
}

// SignatureOf derives the Signature of v.
//
// The derivation is structural: the signature of a struct is the
// concatenation of its exported fields' signatures wrapped in parens,
// the signature of a slice is 'a' plus its element signature, and so
// on recursively.
func SignatureOf(v any) (Signature, error) {
	if v == nil {
		return "", typeErr(nil, "nil interface has no signature")
	}
	return signatureFor(reflect.TypeOf(v), nil)
}

var (
	pathType    = reflect.TypeFor[ObjectPath]()
	sigType     = reflect.TypeFor[Signature]()
	unixFdType  = reflect.TypeFor[UnixFd]()
	variantType = reflect.TypeFor[Variant]()
	anyType     = reflect.TypeFor[any]()
)

var kindToCode = map[reflect.Kind]Signature{
	reflect.Uint8:   "y",
	reflect.Bool:    "b",
	reflect.Int16:   "n",
	reflect.Uint16:  "q",
	reflect.Int32:   "i",
	reflect.Uint32:  "u",
	reflect.Int64:   "x",
	reflect.Uint64:  "t",
	reflect.Float64: "d",
	reflect.String:  "s",
}

func signatureFor(t reflect.Type, stack []reflect.Type) (sig Signature, err error) {
	if v, ok := sigCache.Load(t); ok {
		switch v := v.(type) {
		case Signature:
			return v, nil
		case error:
			return "", v
		}
	}
	for _, seen := range stack {
		if seen == t {
			return "", typeErr(t, "recursive type")
		}
	}
	stack = append(stack, t)

	defer func(t reflect.Type) {
		if err != nil {
			sigCache.Store(t, err)
		} else {
			sigCache.Store(t, sig)
		}
	}(t)

	for t.Kind() == reflect.Pointer {
		t = t.Elem()
	}

	switch t {
	case sigType:
		return "g", nil
	case pathType:
		return "o", nil
	case unixFdType:
		return "h", nil
	case variantType, anyType:
		return "v", nil
	}

	if t.Kind() == reflect.String {
		// Named string types keep the plain string encoding.
		return "s", nil
	}
	if code, ok := kindToCode[t.Kind()]; ok {
		return code, nil
	}

	switch t.Kind() {
	case reflect.Slice, reflect.Array:
		es, err := signatureFor(t.Elem(), stack)
		if err != nil {
			return "", err
		}
		return "a" + es, nil
	case reflect.Map:
		k := t.Key()
		kc, ok := kindToCode[k.Kind()]
		if k == pathType {
			kc, ok = "o", true
		}
		if !ok {
			return "", typeErr(t, "map key type %s is not a basic DBus type", k)
		}
		vs, err := signatureFor(t.Elem(), stack)
		if err != nil {
			return "", err
		}
		return "a{" + kc + vs + "}", nil
	case reflect.Struct:
		var b strings.Builder
		b.WriteByte('(')
		n := 0
		for _, f := range reflect.VisibleFields(t) {
			if !f.IsExported() || f.Anonymous {
				continue
			}
			fs, err := signatureFor(f.Type, stack)
			if err != nil {
				return "", err
			}
			b.WriteString(string(fs))
			n++
		}
		b.WriteByte(')')
		if n == 0 {
			return "", typeErr(t, "struct has no exported fields")
		}
		return Signature(b.String()), nil
	}

	return "", typeErr(t, "no DBus representation")
}

// SignatureOfTuple derives the signature of an argument tuple: the
// concatenation of the per-argument signatures, with no enclosing
// struct parens. This is the form message bodies use.
func SignatureOfTuple(args ...any) (Signature, error) {
	var b strings.Builder
	for _, a := range args {
		s, err := SignatureOf(a)
		if err != nil {
			return "", err
		}
		b.WriteString(string(s))
	}
	return Signature(b.String()), nil
}

// typeCache memoizes signature→type resolution for variant decoding.
var typeCache sync.Map // string → reflect.Type or error

// Type returns a Go type that can hold values of this signature.
// Structs decode as []any, dicts as maps, variants as [Variant].
func (s Signature) Type() (reflect.Type, error) {
	if v, ok := typeCache.Load(string(s)); ok {
		switch v := v.(type) {
		case reflect.Type:
			return v, nil
		case error:
			return nil, v
		}
	}
	t, rest, err := typeFor(string(s))
	if err == nil && rest != "" {
		err = fmt.Errorf("signature %q is not a single complete type", s)
	}
	if err != nil {
		typeCache.Store(string(s), err)
		return nil, err
	}
	typeCache.Store(string(s), t)
	return t, nil
}

func typeFor(sig string) (reflect.Type, string, error) {
	if sig == "" {
		return nil, "", errors.New("empty signature")
	}
	switch sig[0] {
	case 'y':
		return reflect.TypeFor[byte](), sig[1:], nil
	case 'b':
		return reflect.TypeFor[bool](), sig[1:], nil
	case 'n':
		return reflect.TypeFor[int16](), sig[1:], nil
	case 'q':
		return reflect.TypeFor[uint16](), sig[1:], nil
	case 'i':
		return reflect.TypeFor[int32](), sig[1:], nil
	case 'u':
		return reflect.TypeFor[uint32](), sig[1:], nil
	case 'x':
		return reflect.TypeFor[int64](), sig[1:], nil
	case 't':
		return reflect.TypeFor[uint64](), sig[1:], nil
	case 'd':
		return reflect.TypeFor[float64](), sig[1:], nil
	case 's':
		return reflect.TypeFor[string](), sig[1:], nil
	case 'o':
		return pathType, sig[1:], nil
	case 'g':
		return sigType, sig[1:], nil
	case 'h':
		return unixFdType, sig[1:], nil
	case 'v':
		return variantType, sig[1:], nil
	case 'a':
		if len(sig) > 1 && sig[1] == '{' {
			key, rest, err := typeFor(sig[2:])
			if err != nil {
				return nil, "", err
			}
			val, rest, err := typeFor(rest)
			if err != nil {
				return nil, "", err
			}
			if rest == "" || rest[0] != '}' {
				return nil, "", fmt.Errorf("unterminated dict entry in %q", sig)
			}
			return reflect.MapOf(key, val), rest[1:], nil
		}
		elem, rest, err := typeFor(sig[1:])
		if err != nil {
			return nil, "", err
		}
		return reflect.SliceOf(elem), rest, nil
	case '(':
		rest := sig[1:]
		for rest != "" && rest[0] != ')' {
			var err error
			if _, rest, err = typeFor(rest); err != nil {
				return nil, "", err
			}
		}
		if rest == "" {
			return nil, "", fmt.Errorf("unterminated struct in %q", sig)
		}
		// Wire structs with no Go counterpart decode as []any.
		return reflect.TypeFor[[]any](), rest[1:], nil
	default:
		return nil, "", fmt.Errorf("unknown type code %q", sig[0])
	}
}

func typeErr(t reflect.Type, reason string, args ...any) error {
	ts := ""
	if t != nil {
		ts = t.String()
	}
	return TypeError{ts, fmt.Errorf(reason, args...)}
}
