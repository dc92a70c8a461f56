package dbus

import (
	"reflect"

	"github.com/coredesk/dbus/wire"
)

// encodeValue writes v to w, deriving its wire shape structurally
// from its Go type.
//
// uint8/16/32/64, int16/32/64, float64, bool and string map to the
// corresponding basic types. Slices and arrays map to arrays, maps to
// arrays of dict entries, structs to structs (exported fields in
// declaration order). [Signature], [ObjectPath], [UnixFd] and
// [Variant] map to their own types; any-typed values are wrapped in a
// variant.
func encodeValue(w *wire.Writer, v any) error {
	if v == nil {
		return typeErr(nil, "cannot encode nil interface")
	}
	return encodeRV(w, reflect.ValueOf(v))
}

func encodeRV(w *wire.Writer, rv reflect.Value) error {
	for rv.Kind() == reflect.Pointer {
		if rv.IsNil() {
			rv = reflect.Zero(rv.Type().Elem())
		} else {
			rv = rv.Elem()
		}
	}
	t := rv.Type()

	switch t {
	case sigType:
		w.SignatureString(rv.String())
		return nil
	case pathType:
		p := ObjectPath(rv.String())
		if err := mustValidPath(p); err != nil {
			return err
		}
		w.ObjectPath(string(p))
		return nil
	case unixFdType:
		fd := rv.Interface().(UnixFd)
		f := fd.take()
		if f == nil {
			return typeErr(t, "encoding a UnixFd whose descriptor was already moved")
		}
		w.UnixFd(f)
		return nil
	case variantType:
		return encodeVariant(w, rv.Interface().(Variant))
	}

	switch rv.Kind() {
	case reflect.Interface:
		if rv.IsNil() {
			return typeErr(t, "cannot encode nil interface")
		}
		v, err := MakeVariant(rv.Elem().Interface())
		if err != nil {
			return err
		}
		return encodeVariant(w, v)
	case reflect.Uint8:
		w.Byte(byte(rv.Uint()))
	case reflect.Bool:
		w.Bool(rv.Bool())
	case reflect.Int16:
		w.Int16(int16(rv.Int()))
	case reflect.Uint16:
		w.Uint16(uint16(rv.Uint()))
	case reflect.Int32:
		w.Int32(int32(rv.Int()))
	case reflect.Uint32:
		w.Uint32(uint32(rv.Uint()))
	case reflect.Int64:
		w.Int64(rv.Int())
	case reflect.Uint64:
		w.Uint64(rv.Uint())
	case reflect.Float64:
		w.Double(rv.Float())
	case reflect.String:
		w.String(rv.String())
	case reflect.Slice, reflect.Array:
		elemSig, err := signatureFor(t.Elem(), nil)
		if err != nil {
			return err
		}
		if err := w.OpenArray(string(elemSig)); err != nil {
			return err
		}
		for i := 0; i < rv.Len(); i++ {
			if err := encodeRV(w, rv.Index(i)); err != nil {
				return err
			}
		}
		return w.CloseArray()
	case reflect.Map:
		sig, err := signatureFor(t, nil)
		if err != nil {
			return err
		}
		entrySig := string(sig[1:]) // strip leading 'a'
		if err := w.OpenArray(entrySig); err != nil {
			return err
		}
		for _, k := range rv.MapKeys() {
			if err := w.OpenDictEntry(); err != nil {
				return err
			}
			if err := encodeRV(w, k); err != nil {
				return err
			}
			if err := encodeRV(w, rv.MapIndex(k)); err != nil {
				return err
			}
			if err := w.CloseDictEntry(); err != nil {
				return err
			}
		}
		return w.CloseArray()
	case reflect.Struct:
		sig, err := signatureFor(t, nil)
		if err != nil {
			return err
		}
		if err := w.OpenStruct(string(sig[1 : len(sig)-1])); err != nil {
			return err
		}
		for _, f := range reflect.VisibleFields(t) {
			if !f.IsExported() || f.Anonymous {
				continue
			}
			if err := encodeRV(w, rv.FieldByIndex(f.Index)); err != nil {
				return err
			}
		}
		return w.CloseStruct()
	default:
		return typeErr(t, "no DBus representation")
	}
	return nil
}

// encodeVariant writes a variant container. The held value is encoded
// against the variant's declared signature rather than its Go type,
// so that values produced by dynamic decoding (wire structs held as
// []any) round-trip.
func encodeVariant(w *wire.Writer, v Variant) error {
	sig := v.Sig
	if sig.IsZero() {
		var err error
		if sig, err = SignatureOf(v.Value); err != nil {
			return err
		}
	}
	if err := w.OpenVariant(string(sig)); err != nil {
		return err
	}
	if err := encodeSigDirected(w, string(sig), reflect.ValueOf(v.Value)); err != nil {
		return err
	}
	return w.CloseVariant()
}

// encodeSigDirected writes rv according to sig, which must be a
// single complete type. It tolerates the loosely-typed values
// produced by dynamic decoding.
func encodeSigDirected(w *wire.Writer, sig string, rv reflect.Value) error {
	for rv.Kind() == reflect.Pointer || rv.Kind() == reflect.Interface {
		if rv.IsNil() {
			return typeErr(rv.Type(), "cannot encode nil value in variant")
		}
		rv = rv.Elem()
	}
	switch sig[0] {
	case wire.TypeArray:
		elemSig := sig[1:]
		if err := w.OpenArray(elemSig); err != nil {
			return err
		}
		if elemSig[0] == wire.TypeDictOpen {
			if rv.Kind() != reflect.Map {
				return typeErr(rv.Type(), "signature %q needs a map", sig)
			}
			kSig, vSig := string(elemSig[1]), elemSig[2:len(elemSig)-1]
			for _, k := range rv.MapKeys() {
				if err := w.OpenDictEntry(); err != nil {
					return err
				}
				if err := encodeSigDirected(w, kSig, k); err != nil {
					return err
				}
				if err := encodeSigDirected(w, vSig, rv.MapIndex(k)); err != nil {
					return err
				}
				if err := w.CloseDictEntry(); err != nil {
					return err
				}
			}
		} else {
			if rv.Kind() != reflect.Slice && rv.Kind() != reflect.Array {
				return typeErr(rv.Type(), "signature %q needs a slice", sig)
			}
			for i := 0; i < rv.Len(); i++ {
				if err := encodeSigDirected(w, elemSig, rv.Index(i)); err != nil {
					return err
				}
			}
		}
		return w.CloseArray()
	case wire.TypeStructOpen:
		fieldsSig := sig[1 : len(sig)-1]
		if err := w.OpenStruct(fieldsSig); err != nil {
			return err
		}
		fields, err := splitAll(fieldsSig)
		if err != nil {
			return err
		}
		switch rv.Kind() {
		case reflect.Slice:
			if rv.Len() != len(fields) {
				return typeErr(rv.Type(), "signature %q needs %d fields, have %d", sig, len(fields), rv.Len())
			}
			for i, fs := range fields {
				if err := encodeSigDirected(w, fs, rv.Index(i)); err != nil {
					return err
				}
			}
		case reflect.Struct:
			i := 0
			for _, f := range reflect.VisibleFields(rv.Type()) {
				if !f.IsExported() || f.Anonymous {
					continue
				}
				if i >= len(fields) {
					return typeErr(rv.Type(), "more fields than signature %q", sig)
				}
				if err := encodeSigDirected(w, fields[i], rv.FieldByIndex(f.Index)); err != nil {
					return err
				}
				i++
			}
		default:
			return typeErr(rv.Type(), "signature %q needs a struct", sig)
		}
		return w.CloseStruct()
	case wire.TypeVariant:
		if v, ok := rv.Interface().(Variant); ok {
			return encodeVariant(w, v)
		}
		v, err := MakeVariant(rv.Interface())
		if err != nil {
			return err
		}
		return encodeVariant(w, v)
	default:
		// Basic value; the structural encoder already does the right
		// thing for every basic type.
		return encodeRV(w, rv)
	}
}

func splitAll(sig string) ([]string, error) {
	var out []string
	for rest := sig; rest != ""; {
		head, r, err := wire.SplitType(rest)
		if err != nil {
			return nil, err
		}
		out = append(out, head)
		rest = r
	}
	return out, nil
}
