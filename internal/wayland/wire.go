package wayland

import (
	"encoding/binary"
	"errors"
	"fmt"

	"deedles.dev/wl/wire"
)

// ObjectID identifies a protocol object on one connection.
type ObjectID uint32

const (
	headerSize = 8

	// MaxMessageSize matches the libwayland buffer limit.
	MaxMessageSize = 4096
)

var (
	ErrMalformed = errors.New("wayland: malformed message")
	ErrTruncated = errors.New("wayland: argument past end of message")
)

// The wire format uses the host byte order.
var order = binary.NativeEndian

// Message is one request or event. Locally built messages carry typed
// arguments; events read from the socket carry their raw body.
type Message struct {
	Sender ObjectID
	Opcode uint16

	args []any
	body []byte
}

// Size returns the encoded length including the header.
func (m Message) Size() int {
	if m.body != nil {
		return headerSize + len(m.body)
	}
	n := headerSize
	for _, a := range m.args {
		switch a := a.(type) {
		case string:
			n += 4 + pad(len(a)+1)
		case []byte:
			n += 4 + pad(len(a))
		default:
			n += 4
		}
	}
	return n
}

// builder replays the arguments onto a wire.MessageBuilder.
func (m Message) builder() *wire.MessageBuilder {
	mb := wire.NewMessage(proxy(m.Sender), m.Opcode)
	for _, a := range m.args {
		switch a := a.(type) {
		case uint32:
			mb.WriteUint(a)
		case int32:
			mb.WriteInt(a)
		case string:
			mb.WriteString(a)
		case []byte:
			mb.WriteArray(a)
		}
	}
	for i := 0; i+4 <= len(m.body); i += 4 {
		mb.WriteUint(order.Uint32(m.body[i:]))
	}
	return mb
}

// fromBuffer copies an event out of the library's read buffer. The body is
// taken word by word and decoded later by Decoder, which reports truncated
// arguments instead of returning zero values.
func fromBuffer(mb *wire.MessageBuffer) (Message, error) {
	size := int(mb.Size())
	if size < headerSize || size%4 != 0 {
		return Message{}, fmt.Errorf("%w: object %d declares size %d", ErrMalformed, mb.Sender(), size)
	}
	body := make([]byte, 0, size-headerSize)
	for range (size - headerSize) / 4 {
		body = order.AppendUint32(body, mb.ReadUint())
	}
	if err := mb.Err(); err != nil {
		return Message{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return Message{Sender: ObjectID(mb.Sender()), Opcode: mb.Op(), body: body}, nil
}

// proxy lets a bare id act as the sender of a wire.MessageBuilder.
type proxy ObjectID

func (p proxy) ID() uint32                       { return uint32(p) }
func (proxy) SetID(uint32)                       {}
func (proxy) Dispatch(*wire.MessageBuffer) error { return nil }
func (proxy) Delete()                            {}
func (p proxy) String() string                   { return fmt.Sprintf("object@%d", uint32(p)) }

func pad(n int) int {
	return (n + 3) &^ 3
}

// Encoder collects message arguments in order.
type Encoder struct {
	args []any
}

func (e *Encoder) Uint32(v uint32) *Encoder {
	e.args = append(e.args, v)
	return e
}

func (e *Encoder) Int32(v int32) *Encoder {
	e.args = append(e.args, v)
	return e
}

func (e *Encoder) Object(id ObjectID) *Encoder {
	return e.Uint32(uint32(id))
}

func (e *Encoder) NewID(id ObjectID) *Encoder {
	return e.Uint32(uint32(id))
}

// String writes a non-null string.
func (e *Encoder) String(s string) *Encoder {
	e.args = append(e.args, s)
	return e
}

func (e *Encoder) Array(b []byte) *Encoder {
	e.args = append(e.args, append([]byte{}, b...))
	return e
}

// Uint32Array writes an array of uint32 values, the encoding of state.
func (e *Encoder) Uint32Array(vals ...uint32) *Encoder {
	raw := make([]byte, 0, 4*len(vals))
	for _, v := range vals {
		raw = order.AppendUint32(raw, v)
	}
	return e.Array(raw)
}

// Message finalizes the arguments as a message sent by sender.
func (e *Encoder) Message(sender ObjectID, opcode uint16) Message {
	return Message{Sender: sender, Opcode: opcode, args: e.args}
}

// Decoder reads arguments from a message. The first failure sticks and
// every later read returns a zero value; check Err once at the end.
type Decoder struct {
	args []any
	body []byte
	raw  bool
	off  int
	err  error
}

func NewDecoder(m Message) *Decoder {
	return &Decoder{args: m.args, body: m.body, raw: m.body != nil}
}

func (d *Decoder) Err() error {
	return d.err
}

func (d *Decoder) pop() any {
	if d.err != nil {
		return nil
	}
	if d.off >= len(d.args) {
		d.err = ErrTruncated
		return nil
	}
	a := d.args[d.off]
	d.off++
	return a
}

func (d *Decoder) mismatch(want string, got any) {
	d.err = fmt.Errorf("%w: argument %d is %T, want %s", ErrMalformed, d.off-1, got, want)
}

func (d *Decoder) take(n int) []byte {
	if d.err != nil {
		return nil
	}
	if n < 0 || len(d.body)-d.off < n {
		d.err = ErrTruncated
		return nil
	}
	b := d.body[d.off : d.off+n]
	d.off += n
	return b
}

func (d *Decoder) Uint32() uint32 {
	if !d.raw {
		switch a := d.pop().(type) {
		case uint32:
			return a
		case int32:
			return uint32(a)
		case nil:
		default:
			d.mismatch("uint32", a)
		}
		return 0
	}
	b := d.take(4)
	if b == nil {
		return 0
	}
	return order.Uint32(b)
}

func (d *Decoder) Int32() int32 {
	return int32(d.Uint32())
}

func (d *Decoder) Object() ObjectID {
	return ObjectID(d.Uint32())
}

func (d *Decoder) NewID() ObjectID {
	return ObjectID(d.Uint32())
}

// String reads a string argument. A null string decodes as "".
func (d *Decoder) String() string {
	if !d.raw {
		switch a := d.pop().(type) {
		case string:
			return a
		case nil:
		default:
			d.mismatch("string", a)
		}
		return ""
	}
	n := int(d.Uint32())
	if n == 0 {
		return ""
	}
	b := d.take(pad(n))
	if b == nil {
		return ""
	}
	if b[n-1] != 0 {
		d.err = fmt.Errorf("%w: string not NUL-terminated", ErrMalformed)
		return ""
	}
	return string(b[:n-1])
}

func (d *Decoder) Array() []byte {
	if !d.raw {
		switch a := d.pop().(type) {
		case []byte:
			return a
		case nil:
		default:
			d.mismatch("array", a)
		}
		return nil
	}
	n := int(d.Uint32())
	b := d.take(pad(n))
	if b == nil {
		return nil
	}
	out := make([]byte, n)
	copy(out, b[:n])
	return out
}
