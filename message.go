package dbus

import (
	"errors"
	"fmt"
	"os"

	"github.com/coredesk/dbus/wire"
)

// Kind is the type of a DBus message.
type Kind byte

const (
	KindInvalid Kind = iota
	KindMethodCall
	KindMethodReturn
	KindError
	KindSignal
)

func (k Kind) String() string {
	switch k {
	case KindMethodCall:
		return "method_call"
	case KindMethodReturn:
		return "method_return"
	case KindError:
		return "error"
	case KindSignal:
		return "signal"
	}
	return "invalid"
}

// Message flags.
const (
	// FlagNoReplyExpected marks a call whose sender does not want a
	// reply.
	FlagNoReplyExpected byte = 0x1
	// FlagNoAutoStart asks the bus not to launch an owner for the
	// destination name.
	FlagNoAutoStart byte = 0x2
	// FlagAllowInteractiveAuth tells the destination the sender is
	// prepared to wait for an interactive authorization prompt.
	FlagAllowInteractiveAuth byte = 0x4
)

// Header field codes from the DBus specification.
const (
	fieldPath        = 1
	fieldInterface   = 2
	fieldMember      = 3
	fieldErrorName   = 4
	fieldReplySerial = 5
	fieldDestination = 6
	fieldSender      = 7
	fieldSignature   = 8
	fieldNumFDs      = 9
)

// A Message is one protocol frame: header fields plus a typed
// argument payload.
//
// Messages are mutable while being constructed locally, and become
// immutable once sent or once decoded off the wire.
type Message struct {
	// Kind is the message type.
	Kind Kind
	// Flags is the message flag byte.
	Flags byte
	// Serial is the sender-assigned message id. It is zero until the
	// message is queued for transmission, and nonzero after.
	Serial uint32
	// ReplySerial is the serial of the call this message answers.
	// Present on method returns and errors.
	ReplySerial uint32
	// Path is the target object for a call, or the emitting object
	// for a signal.
	Path ObjectPath
	// Interface scopes Member.
	Interface string
	// Member is the method or signal name.
	Member string
	// ErrorName is the error name. Present on error messages.
	ErrorName string
	// Destination is the peer the message is addressed to.
	Destination string
	// Sender is the unique name of the sending connection, assigned
	// by the bus daemon.
	Sender string
	// Signature describes the body's argument types.
	Signature Signature

	order  wire.ByteOrder
	body   []byte
	files  []*os.File
	sealed bool
}

// NewMethodCall returns a method call message.
func NewMethodCall(destination string, path ObjectPath, iface, member string) *Message {
	return &Message{
		Kind:        KindMethodCall,
		Destination: destination,
		Path:        path,
		Interface:   iface,
		Member:      member,
		order:       wire.NativeEndian,
	}
}

// NewSignal returns a signal message emitted from path.
func NewSignal(path ObjectPath, iface, member string) *Message {
	return &Message{
		Kind:      KindSignal,
		Path:      path,
		Interface: iface,
		Member:    member,
		order:     wire.NativeEndian,
	}
}

// NewMethodReturn returns an empty reply to this method call,
// addressed to its sender.
func (m *Message) NewMethodReturn() *Message {
	return &Message{
		Kind:        KindMethodReturn,
		Destination: m.Sender,
		ReplySerial: m.Serial,
		order:       wire.NativeEndian,
	}
}

// NewError returns an error reply to this method call.
func (m *Message) NewError(name, detail string) *Message {
	ret := &Message{
		Kind:        KindError,
		Destination: m.Sender,
		ErrorName:   name,
		ReplySerial: m.Serial,
		order:       wire.NativeEndian,
	}
	if detail != "" {
		// Errors conventionally carry a single explanatory string.
		ret.Append(detail)
	}
	return ret
}

// Valid checks the invariants the message's kind imposes on its
// header fields.
func (m *Message) Valid() error {
	switch m.Kind {
	case KindMethodCall, KindSignal:
		if m.Path == "" {
			return errors.New("missing required header field Path")
		}
		if err := mustValidPath(m.Path); err != nil {
			return err
		}
		if m.Interface == "" {
			return errors.New("missing required header field Interface")
		}
		if m.Member == "" {
			return errors.New("missing required header field Member")
		}
	case KindMethodReturn:
		if m.ReplySerial == 0 {
			return errors.New("missing required header field ReplySerial")
		}
	case KindError:
		if m.ErrorName == "" {
			return errors.New("missing required header field ErrorName")
		}
		if m.ReplySerial == 0 {
			return errors.New("missing required header field ReplySerial")
		}
	default:
		return fmt.Errorf("invalid message kind %d", m.Kind)
	}
	return nil
}

// WantReply reports whether the message requires a response.
func (m *Message) WantReply() bool {
	return m.Kind == KindMethodCall && m.Flags&FlagNoReplyExpected == 0
}

// Body returns the encoded message payload.
func (m *Message) Body() []byte { return m.body }

// Err converts an error message into a [CallError]. It returns nil
// for other message kinds.
func (m *Message) Err() error {
	if m.Kind != KindError {
		return nil
	}
	detail := ""
	if len(m.Signature) > 0 && m.Signature[0] == 's' {
		if r, err := m.Reader(); err == nil {
			detail, _ = r.String()
		}
	}
	return CallError{Name: m.ErrorName, Detail: detail}
}

// A BodyWriter encodes a message's argument payload. It is a
// [wire.Writer] whose Close installs the written bytes, signature and
// file descriptors into the message.
type BodyWriter struct {
	*wire.Writer
	m *Message
}

// Writer returns a writer cursor for the message's payload,
// discarding any payload written so far.
//
// Writer panics on a message that was already sent or was decoded
// off the wire; those messages are immutable.
func (m *Message) Writer() *BodyWriter {
	if m.sealed {
		panic("dbus: write to a sealed message")
	}
	return &BodyWriter{Writer: wire.NewWriter(m.ord()), m: m}
}

// Close finishes the payload and installs it into the message.
func (bw *BodyWriter) Close() error {
	if err := bw.Writer.Err(); err != nil {
		return err
	}
	sig, err := ParseSignature(bw.Writer.Signature())
	if err != nil {
		return err
	}
	bw.m.body = bw.Writer.Bytes()
	bw.m.files = bw.Writer.Files()
	bw.m.Signature = sig
	return nil
}

// Append encodes args onto the end of the message's payload, deriving
// their signatures structurally.
func (m *Message) Append(args ...any) error {
	if m.sealed {
		return errors.New("dbus: append to a sealed message")
	}
	w := wire.NewWriter(m.ord())
	w.Raw(m.body)
	for _, a := range args {
		if err := encodeValue(w, a); err != nil {
			return err
		}
	}
	m.body = w.Bytes()
	m.files = append(m.files, w.Files()...)
	m.Signature += Signature(w.Signature())
	return nil
}

// Reader returns a reader cursor over the message's payload.
func (m *Message) Reader() (*wire.Reader, error) {
	return wire.NewReader(m.ord(), string(m.Signature), m.body, m.files)
}

// Unmarshal decodes the message payload into the given pointers, one
// argument each, in order.
func (m *Message) Unmarshal(ptrs ...any) error {
	r, err := m.Reader()
	if err != nil {
		return err
	}
	for _, p := range ptrs {
		if err := decodeValue(r, p); err != nil {
			return err
		}
	}
	return nil
}

func (m *Message) String() string {
	switch m.Kind {
	case KindMethodCall:
		return fmt.Sprintf("call %s.%s on %s at %s", m.Interface, m.Member, m.Path, m.Destination)
	case KindMethodReturn:
		return fmt.Sprintf("reply to serial %d for %s", m.ReplySerial, m.Destination)
	case KindError:
		return fmt.Sprintf("error %s to serial %d for %s", m.ErrorName, m.ReplySerial, m.Destination)
	case KindSignal:
		return fmt.Sprintf("signal %s.%s from %s", m.Interface, m.Member, m.Path)
	}
	return "invalid message"
}

// seal marks the message immutable.
func (m *Message) seal() { m.sealed = true }

// ord returns the message's byte order, defaulting to native for
// messages built as struct literals.
func (m *Message) ord() wire.ByteOrder {
	if m.order == nil {
		m.order = wire.NativeEndian
	}
	return m.order
}

// WithSender returns a copy of the message with the Sender field
// stamped, sharing the original's payload. Bus implementations use
// it when relaying a message to annotate the originating connection.
func (m *Message) WithSender(sender string) *Message {
	clone := *m
	clone.Sender = sender
	return &clone
}

const headerFieldsSig = "(yv)"

// Encode renders the complete frame: header, padding, payload. The
// message's Serial must have been assigned.
func (m *Message) Encode() ([]byte, []*os.File, error) {
	if err := m.Valid(); err != nil {
		return nil, nil, err
	}
	if m.Serial == 0 {
		return nil, nil, errors.New("encoding message with zero Serial")
	}

	w := wire.NewWriter(m.ord())
	w.Raw([]byte{m.ord().Flag(), byte(m.Kind), m.Flags, protocolVersion})
	w.Uint32(uint32(len(m.body)))
	w.Uint32(m.Serial)

	if err := w.OpenArray(headerFieldsSig); err != nil {
		return nil, nil, err
	}
	strField := func(code byte, sig, val string) {
		if val == "" {
			return
		}
		w.OpenStruct("yv")
		w.Byte(code)
		w.OpenVariant(sig)
		switch sig {
		case "s":
			w.String(val)
		case "o":
			w.ObjectPath(val)
		case "g":
			w.SignatureString(val)
		}
		w.CloseVariant()
		w.CloseStruct()
	}
	u32Field := func(code byte, val uint32) {
		if val == 0 {
			return
		}
		w.OpenStruct("yv")
		w.Byte(code)
		w.OpenVariant("u")
		w.Uint32(val)
		w.CloseVariant()
		w.CloseStruct()
	}
	strField(fieldPath, "o", string(m.Path))
	strField(fieldInterface, "s", m.Interface)
	strField(fieldMember, "s", m.Member)
	strField(fieldErrorName, "s", m.ErrorName)
	u32Field(fieldReplySerial, m.ReplySerial)
	strField(fieldDestination, "s", m.Destination)
	strField(fieldSender, "s", m.Sender)
	strField(fieldSignature, "g", string(m.Signature))
	u32Field(fieldNumFDs, uint32(len(m.files)))
	if err := w.CloseArray(); err != nil {
		return nil, nil, err
	}
	// The body begins at an 8-aligned offset; the padding belongs to
	// the header.
	w.Pad(8)
	w.Raw(m.body)
	if err := w.Err(); err != nil {
		return nil, nil, err
	}
	return w.Bytes(), m.files, nil
}

const protocolVersion = 1

// DecodeMessage parses one complete frame, as delimited by the
// transport, into a Message. Ownership of files moves to the message.
func DecodeMessage(frame []byte, files []*os.File) (*Message, error) {
	if len(frame) < 16 {
		return nil, errors.New("truncated message header")
	}
	order, ok := wire.OrderFor(frame[0])
	if !ok {
		return nil, fmt.Errorf("unknown byte order flag %q", frame[0])
	}

	r, err := wire.NewReader(order, "yyyyuua"+headerFieldsSig, frame, nil)
	if err != nil {
		return nil, err
	}
	m := &Message{order: order, sealed: true}
	var kind, version byte
	var bodyLen uint32
	if _, err := r.Byte(); err != nil { // endianness flag, already interpreted
		return nil, err
	}
	if kind, err = r.Byte(); err != nil {
		return nil, err
	}
	if m.Flags, err = r.Byte(); err != nil {
		return nil, err
	}
	if version, err = r.Byte(); err != nil {
		return nil, err
	}
	if version != protocolVersion {
		return nil, fmt.Errorf("unsupported protocol version %d", version)
	}
	if bodyLen, err = r.Uint32(); err != nil {
		return nil, err
	}
	if m.Serial, err = r.Uint32(); err != nil {
		return nil, err
	}
	m.Kind = Kind(kind)

	if _, err := r.OpenArray(); err != nil {
		return nil, err
	}
	for r.More() {
		if err := m.decodeHeaderField(r); err != nil {
			return nil, err
		}
	}
	if err := r.CloseArray(); err != nil {
		return nil, err
	}

	bodyStart := (r.Offset() + 7) &^ 7
	if bodyStart+int(bodyLen) > len(frame) {
		return nil, errors.New("truncated message body")
	}
	m.body = frame[bodyStart : bodyStart+int(bodyLen)]
	m.files = files

	if m.Serial == 0 {
		return nil, errors.New("message with zero Serial")
	}
	if m.Kind >= KindMethodCall && m.Kind <= KindSignal {
		if err := m.Valid(); err != nil {
			return nil, fmt.Errorf("invalid %s message: %w", m.Kind, err)
		}
	}
	return m, nil
}

func (m *Message) decodeHeaderField(r *wire.Reader) error {
	if err := r.OpenStruct(); err != nil {
		return err
	}
	code, err := r.Byte()
	if err != nil {
		return err
	}
	if _, err := r.OpenVariant(); err != nil {
		return err
	}
	switch code {
	case fieldPath:
		s, err := r.ObjectPath()
		if err != nil {
			return err
		}
		m.Path = ObjectPath(s)
	case fieldInterface:
		if m.Interface, err = r.String(); err != nil {
			return err
		}
	case fieldMember:
		if m.Member, err = r.String(); err != nil {
			return err
		}
	case fieldErrorName:
		if m.ErrorName, err = r.String(); err != nil {
			return err
		}
	case fieldReplySerial:
		if m.ReplySerial, err = r.Uint32(); err != nil {
			return err
		}
	case fieldDestination:
		if m.Destination, err = r.String(); err != nil {
			return err
		}
	case fieldSender:
		if m.Sender, err = r.String(); err != nil {
			return err
		}
	case fieldSignature:
		s, err := r.Signature()
		if err != nil {
			return err
		}
		if m.Signature, err = ParseSignature(s); err != nil {
			return err
		}
	case fieldNumFDs:
		if _, err = r.Uint32(); err != nil {
			return err
		}
	default:
		// Unknown header fields must be tolerated.
		if _, err := decodeDynamic(r); err != nil {
			return err
		}
	}
	if err := r.CloseVariant(); err != nil {
		return err
	}
	return r.CloseStruct()
}
