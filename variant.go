package dbus

import (
	"errors"
	"fmt"
	"reflect"
)

// A Variant is a dynamically typed value. On the wire it carries its
// own signature ahead of its payload.
type Variant struct {
	// Sig is the signature of the held value.
	Sig Signature
	// Value is the held value.
	Value any
}

// MakeVariant wraps v in a Variant, deriving its signature.
func MakeVariant(v any) (Variant, error) {
	sig, err := SignatureOf(v)
	if err != nil {
		return Variant{}, err
	}
	return Variant{Sig: sig, Value: v}, nil
}

func mustVariant(v any) Variant {
	ret, err := MakeVariant(v)
	if err != nil {
		panic(err)
	}
	return ret
}

// assignVariant stores a variant's held value into the pointer out,
// converting between compatible types where Go allows it.
func assignVariant(v Variant, out any) error {
	want := reflect.ValueOf(out)
	if !want.IsValid() || want.Kind() != reflect.Pointer || want.IsNil() {
		return errors.New("variant target must be a non-nil pointer")
	}
	if v.Value == nil {
		return errors.New("variant holds no value")
	}
	got := reflect.ValueOf(v.Value)
	elem := want.Elem()
	switch {
	case got.Type().AssignableTo(elem.Type()):
		elem.Set(got)
	case got.Type().ConvertibleTo(elem.Type()) && got.Kind() == elem.Kind():
		elem.Set(got.Convert(elem.Type()))
	case elem.Kind() == reflect.Interface:
		elem.Set(got)
	default:
		return fmt.Errorf("variant value %s is not assignable to %s", got.Type(), elem.Type())
	}
	return nil
}
