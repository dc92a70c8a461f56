package wire

import (
	"fmt"
	"math"
	"os"
	"strings"
)

// A Writer appends typed values to a message body under construction.
//
// Writes insert padding as required by DBus alignment rules, assuming
// the output begins at an 8-aligned offset. Container writes nest in
// LIFO order: every Open call must be paired with the matching Close
// at the same level.
//
// The Writer records the signature of the top-level values written to
// it, so that a message's signature header field never has to be
// spelled out by hand.
type Writer struct {
	// Order is the byte order multi-byte values are written in.
	Order ByteOrder

	buf   []byte
	files []*os.File
	stack []wframe
	sig   strings.Builder
}

type wframe struct {
	kind byte // 'a', '(', '{' or 'v'
	// lenAt and start delimit an open array: lenAt is the offset of
	// the length word, start the offset of the first element byte.
	lenAt, start int
}

// NewWriter returns a Writer producing output in the given byte
// order.
func NewWriter(order ByteOrder) *Writer {
	return &Writer{Order: order}
}

// Bytes returns the encoded output so far.
func (w *Writer) Bytes() []byte { return w.buf }

// Files returns the file descriptors attached to the message, in
// handle order.
func (w *Writer) Files() []*os.File { return w.files }

// Signature returns the signature of the complete top-level values
// written so far.
func (w *Writer) Signature() string { return w.sig.String() }

// Err returns a non-nil error if the writer has unclosed containers.
func (w *Writer) Err() error {
	if len(w.stack) != 0 {
		return fmt.Errorf("unclosed container %q", w.stack[len(w.stack)-1].kind)
	}
	return nil
}

// Pad appends padding bytes as needed to make the output a multiple
// of align bytes.
func (w *Writer) Pad(align int) {
	extra := len(w.buf) % align
	if extra == 0 {
		return
	}
	var pad [8]byte
	w.buf = append(w.buf, pad[:align-extra]...)
}

// Raw appends bs verbatim, with no framing or padding.
func (w *Writer) Raw(bs []byte) {
	w.buf = append(w.buf, bs...)
}

// note records the signature contribution of one top-level value.
// Writes inside an open container contribute nothing: the container's
// full signature was recorded when it was opened.
func (w *Writer) note(sig string) {
	if len(w.stack) == 0 {
		w.sig.WriteString(sig)
	}
}

// Byte appends a byte.
func (w *Writer) Byte(v byte) {
	w.note("y")
	w.buf = append(w.buf, v)
}

// Bool appends a boolean, encoded as a uint32 0 or 1.
func (w *Writer) Bool(v bool) {
	w.note("b")
	var u uint32
	if v {
		u = 1
	}
	w.Pad(4)
	w.buf = w.Order.AppendUint32(w.buf, u)
}

// Int16 appends an int16.
func (w *Writer) Int16(v int16) {
	w.note("n")
	w.Pad(2)
	w.buf = w.Order.AppendUint16(w.buf, uint16(v))
}

// Uint16 appends a uint16.
func (w *Writer) Uint16(v uint16) {
	w.note("q")
	w.Pad(2)
	w.buf = w.Order.AppendUint16(w.buf, v)
}

// Int32 appends an int32.
func (w *Writer) Int32(v int32) {
	w.note("i")
	w.Pad(4)
	w.buf = w.Order.AppendUint32(w.buf, uint32(v))
}

// Uint32 appends a uint32.
func (w *Writer) Uint32(v uint32) {
	w.note("u")
	w.Pad(4)
	w.buf = w.Order.AppendUint32(w.buf, v)
}

// Int64 appends an int64.
func (w *Writer) Int64(v int64) {
	w.note("x")
	w.Pad(8)
	w.buf = w.Order.AppendUint64(w.buf, uint64(v))
}

// Uint64 appends a uint64.
func (w *Writer) Uint64(v uint64) {
	w.note("t")
	w.Pad(8)
	w.buf = w.Order.AppendUint64(w.buf, v)
}

// Double appends a float64.
func (w *Writer) Double(v float64) {
	w.note("d")
	w.Pad(8)
	w.buf = w.Order.AppendUint64(w.buf, math.Float64bits(v))
}

// String appends a string.
func (w *Writer) String(v string) {
	w.note("s")
	w.stringBody(v)
}

// ObjectPath appends an object path.
func (w *Writer) ObjectPath(v string) {
	w.note("o")
	w.stringBody(v)
}

func (w *Writer) stringBody(v string) {
	w.Pad(4)
	w.buf = w.Order.AppendUint32(w.buf, uint32(len(v)))
	w.buf = append(w.buf, v...)
	w.buf = append(w.buf, 0)
}

// SignatureString appends a signature value.
func (w *Writer) SignatureString(v string) {
	w.note("g")
	w.sigBody(v)
}

func (w *Writer) sigBody(v string) {
	w.buf = append(w.buf, byte(len(v)))
	w.buf = append(w.buf, v...)
	w.buf = append(w.buf, 0)
}

// UnixFd attaches f to the message and appends its handle index.
// Ownership of f moves to the Writer.
func (w *Writer) UnixFd(f *os.File) {
	w.note("h")
	w.Pad(4)
	w.buf = w.Order.AppendUint32(w.buf, uint32(len(w.files)))
	w.files = append(w.files, f)
}

// OpenArray begins an array whose elements have the given signature.
// The element signature must be a single complete type.
func (w *Writer) OpenArray(elemSig string) error {
	if err := validElem(elemSig); err != nil {
		return err
	}
	w.note("a" + elemSig)
	w.Pad(4)
	lenAt := len(w.buf)
	w.buf = w.Order.AppendUint32(w.buf, 0)
	// Empty arrays still carry element-alignment padding.
	w.Pad(alignOf(elemSig[0]))
	w.stack = append(w.stack, wframe{kind: 'a', lenAt: lenAt, start: len(w.buf)})
	return nil
}

// validElem accepts a single complete type, or a lone dict entry as
// produced for map encodings.
func validElem(sig string) error {
	if sig == "" {
		return SignatureError{sig, "empty type"}
	}
	if sig[0] == TypeDictOpen {
		n, err := dictEntryType(sig, 1, 0)
		if err != nil {
			return err
		}
		if n != len(sig) {
			return SignatureError{sig, "trailing data after dict entry"}
		}
		return nil
	}
	return ValidSingle(sig)
}

// CloseArray ends the innermost open array and back-patches its
// length word.
func (w *Writer) CloseArray() error {
	fr, err := w.pop('a')
	if err != nil {
		return err
	}
	n := len(w.buf) - fr.start
	const maxArrayLength = 1 << 26
	if n > maxArrayLength {
		return fmt.Errorf("array length %d exceeds the protocol maximum", n)
	}
	w.Order.PutUint32(w.buf[fr.lenAt:], uint32(n))
	return nil
}

// OpenStruct begins a struct.
func (w *Writer) OpenStruct(fieldSig string) error {
	if err := ValidSignature(fieldSig); err != nil {
		return err
	}
	w.note("(" + fieldSig + ")")
	w.Pad(8)
	w.stack = append(w.stack, wframe{kind: '('})
	return nil
}

// CloseStruct ends the innermost open struct.
func (w *Writer) CloseStruct() error {
	_, err := w.pop('(')
	return err
}

// OpenDictEntry begins a dict entry. Dict entries are only valid
// directly inside an array.
func (w *Writer) OpenDictEntry() error {
	if len(w.stack) == 0 || w.stack[len(w.stack)-1].kind != 'a' {
		return SignatureError{"{", "dict entry outside array"}
	}
	w.Pad(8)
	w.stack = append(w.stack, wframe{kind: '{'})
	return nil
}

// CloseDictEntry ends the innermost open dict entry.
func (w *Writer) CloseDictEntry() error {
	_, err := w.pop('{')
	return err
}

// OpenVariant begins a variant holding a value of the given
// signature, which must be a single complete type.
func (w *Writer) OpenVariant(innerSig string) error {
	if err := ValidSingle(innerSig); err != nil {
		return err
	}
	w.note("v")
	w.sigBody(innerSig)
	w.stack = append(w.stack, wframe{kind: 'v'})
	return nil
}

// CloseVariant ends the innermost open variant.
func (w *Writer) CloseVariant() error {
	_, err := w.pop('v')
	return err
}

func (w *Writer) pop(kind byte) (wframe, error) {
	if len(w.stack) == 0 {
		return wframe{}, fmt.Errorf("close of %q with no open container", kind)
	}
	fr := w.stack[len(w.stack)-1]
	if fr.kind != kind {
		return wframe{}, fmt.Errorf("close of %q, innermost open container is %q", kind, fr.kind)
	}
	w.stack = w.stack[:len(w.stack)-1]
	return fr, nil
}
