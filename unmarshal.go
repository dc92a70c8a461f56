package dbus

import (
	"fmt"
	"reflect"

	"github.com/coredesk/dbus/wire"
)

// decodeValue reads the next argument from r into ptr, which must be
// a non-nil pointer. The mapping is the inverse of [encodeValue].
func decodeValue(r *wire.Reader, ptr any) error {
	rv := reflect.ValueOf(ptr)
	if rv.Kind() != reflect.Pointer || rv.IsNil() {
		return fmt.Errorf("decode target must be a non-nil pointer, got %T", ptr)
	}
	return decodeRV(r, rv.Elem())
}

func decodeRV(r *wire.Reader, rv reflect.Value) error {
	for rv.Kind() == reflect.Pointer {
		if rv.IsNil() {
			rv.Set(reflect.New(rv.Type().Elem()))
		}
		rv = rv.Elem()
	}
	t := rv.Type()

	switch t {
	case sigType:
		s, err := r.Signature()
		if err != nil {
			return err
		}
		sig, err := ParseSignature(s)
		if err != nil {
			return err
		}
		rv.Set(reflect.ValueOf(sig))
		return nil
	case pathType:
		s, err := r.ObjectPath()
		if err != nil {
			return err
		}
		rv.Set(reflect.ValueOf(ObjectPath(s)))
		return nil
	case unixFdType:
		f, err := r.UnixFd()
		if err != nil {
			return err
		}
		rv.Set(reflect.ValueOf(NewUnixFd(f)))
		return nil
	case variantType:
		sig, err := r.OpenVariant()
		if err != nil {
			return err
		}
		val, err := decodeDynamic(r)
		if err != nil {
			return err
		}
		if err := r.CloseVariant(); err != nil {
			return err
		}
		rv.Set(reflect.ValueOf(Variant{Sig: Signature(sig), Value: val}))
		return nil
	}

	switch rv.Kind() {
	case reflect.Interface:
		val, err := decodeDynamic(r)
		if err != nil {
			return err
		}
		rv.Set(reflect.ValueOf(val))
		return nil
	case reflect.Uint8:
		v, err := r.Byte()
		if err != nil {
			return err
		}
		rv.SetUint(uint64(v))
	case reflect.Bool:
		v, err := r.Bool()
		if err != nil {
			return err
		}
		rv.SetBool(v)
	case reflect.Int16:
		v, err := r.Int16()
		if err != nil {
			return err
		}
		rv.SetInt(int64(v))
	case reflect.Uint16:
		v, err := r.Uint16()
		if err != nil {
			return err
		}
		rv.SetUint(uint64(v))
	case reflect.Int32:
		v, err := r.Int32()
		if err != nil {
			return err
		}
		rv.SetInt(int64(v))
	case reflect.Uint32:
		v, err := r.Uint32()
		if err != nil {
			return err
		}
		rv.SetUint(uint64(v))
	case reflect.Int64:
		v, err := r.Int64()
		if err != nil {
			return err
		}
		rv.SetInt(v)
	case reflect.Uint64:
		v, err := r.Uint64()
		if err != nil {
			return err
		}
		rv.SetUint(v)
	case reflect.Float64:
		v, err := r.Double()
		if err != nil {
			return err
		}
		rv.SetFloat(v)
	case reflect.String:
		v, err := r.String()
		if err != nil {
			return err
		}
		rv.SetString(v)
	case reflect.Slice:
		if r.Type() == wire.TypeStructOpen && t == reflect.TypeFor[[]any]() {
			// Wire structs with no Go counterpart land in []any.
			v, err := decodeDynamic(r)
			if err != nil {
				return err
			}
			rv.Set(reflect.ValueOf(v))
			return nil
		}
		if _, err := r.OpenArray(); err != nil {
			return err
		}
		out := reflect.MakeSlice(t, 0, 8)
		for r.More() {
			elem := reflect.New(t.Elem()).Elem()
			if err := decodeRV(r, elem); err != nil {
				return err
			}
			out = reflect.Append(out, elem)
		}
		if err := r.CloseArray(); err != nil {
			return err
		}
		rv.Set(out)
	case reflect.Array:
		if _, err := r.OpenArray(); err != nil {
			return err
		}
		i := 0
		for r.More() {
			if i >= rv.Len() {
				return fmt.Errorf("wire array longer than fixed Go array %s", t)
			}
			if err := decodeRV(r, rv.Index(i)); err != nil {
				return err
			}
			i++
		}
		return r.CloseArray()
	case reflect.Map:
		if _, err := r.OpenArray(); err != nil {
			return err
		}
		out := reflect.MakeMap(t)
		for r.More() {
			if err := r.OpenDictEntry(); err != nil {
				return err
			}
			k := reflect.New(t.Key()).Elem()
			if err := decodeRV(r, k); err != nil {
				return err
			}
			v := reflect.New(t.Elem()).Elem()
			if err := decodeRV(r, v); err != nil {
				return err
			}
			if err := r.CloseDictEntry(); err != nil {
				return err
			}
			out.SetMapIndex(k, v)
		}
		if err := r.CloseArray(); err != nil {
			return err
		}
		rv.Set(out)
	case reflect.Struct:
		if err := r.OpenStruct(); err != nil {
			return err
		}
		for _, f := range reflect.VisibleFields(t) {
			if !f.IsExported() || f.Anonymous {
				continue
			}
			if err := decodeRV(r, rv.FieldByIndex(f.Index)); err != nil {
				return err
			}
		}
		return r.CloseStruct()
	default:
		return typeErr(t, "no DBus representation")
	}
	return nil
}

// DecodeNext reads the next argument off a reader cursor without a
// target type: wire structs decode as []any, dict arrays as maps,
// variants as [Variant].
func DecodeNext(r *wire.Reader) (any, error) {
	return decodeDynamic(r)
}

// decodeDynamic reads whatever value sits at the cursor, shaped by
// the message's own signature: wire structs decode as []any, arrays
// as typed slices or maps, variants as [Variant].
func decodeDynamic(r *wire.Reader) (any, error) {
	switch code := r.Type(); code {
	case 0:
		return nil, wire.TypeMismatchError{Expected: '?', Actual: 0}
	case wire.TypeByte:
		return r.Byte()
	case wire.TypeBool:
		return r.Bool()
	case wire.TypeInt16:
		return r.Int16()
	case wire.TypeUint16:
		return r.Uint16()
	case wire.TypeInt32:
		return r.Int32()
	case wire.TypeUint32:
		return r.Uint32()
	case wire.TypeInt64:
		return r.Int64()
	case wire.TypeUint64:
		return r.Uint64()
	case wire.TypeDouble:
		return r.Double()
	case wire.TypeString:
		return r.String()
	case wire.TypeObjectPath:
		s, err := r.ObjectPath()
		return ObjectPath(s), err
	case wire.TypeSignature:
		s, err := r.Signature()
		if err != nil {
			return nil, err
		}
		return ParseSignature(s)
	case wire.TypeUnixFd:
		f, err := r.UnixFd()
		if err != nil {
			return nil, err
		}
		return NewUnixFd(f), nil
	case wire.TypeVariant:
		sig, err := r.OpenVariant()
		if err != nil {
			return nil, err
		}
		val, err := decodeDynamic(r)
		if err != nil {
			return nil, err
		}
		if err := r.CloseVariant(); err != nil {
			return nil, err
		}
		return Variant{Sig: Signature(sig), Value: val}, nil
	case wire.TypeStructOpen:
		if err := r.OpenStruct(); err != nil {
			return nil, err
		}
		var fields []any
		for r.More() {
			f, err := decodeDynamic(r)
			if err != nil {
				return nil, err
			}
			fields = append(fields, f)
		}
		if err := r.CloseStruct(); err != nil {
			return nil, err
		}
		return fields, nil
	case wire.TypeArray:
		// Decode through the signature-resolved Go type so that
		// callers get []uint32 rather than []any, and maps for dict
		// arrays.
		elemSig, err := r.OpenArray()
		if err != nil {
			return nil, err
		}
		t, err := Signature("a" + elemSig).Type()
		if err != nil {
			return nil, err
		}
		if t.Kind() == reflect.Map {
			out := reflect.MakeMap(t)
			for r.More() {
				if err := r.OpenDictEntry(); err != nil {
					return nil, err
				}
				k := reflect.New(t.Key()).Elem()
				if err := decodeRV(r, k); err != nil {
					return nil, err
				}
				v := reflect.New(t.Elem()).Elem()
				if err := decodeRV(r, v); err != nil {
					return nil, err
				}
				if err := r.CloseDictEntry(); err != nil {
					return nil, err
				}
				out.SetMapIndex(k, v)
			}
			if err := r.CloseArray(); err != nil {
				return nil, err
			}
			return out.Interface(), nil
		}
		out := reflect.MakeSlice(t, 0, 8)
		for r.More() {
			elem := reflect.New(t.Elem()).Elem()
			if err := decodeRV(r, elem); err != nil {
				return nil, err
			}
			out = reflect.Append(out, elem)
		}
		if err := r.CloseArray(); err != nil {
			return nil, err
		}
		return out.Interface(), nil
	default:
		return nil, fmt.Errorf("unknown type code %q at cursor", code)
	}
}
