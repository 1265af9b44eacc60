package wayland

import (
	"errors"
	"testing"
)

func TestStringSize(t *testing.T) {
	tests := []struct {
		in   string
		size int
	}{
		{"", 8},
		{"abc", 8},
		{"abcd", 12},
		{"wl_compositor", 20},
	}
	for _, tt := range tests {
		m := new(Encoder).String(tt.in).Message(2, 0)
		if got := m.Size() - headerSize; got != tt.size {
			t.Errorf("String(%q) body = %d bytes, want %d", tt.in, got, tt.size)
		}
		if got := NewDecoder(m).String(); got != tt.in {
			t.Errorf("String(%q) decoded as %q", tt.in, got)
		}
	}
}

func TestDecoderTruncated(t *testing.T) {
	m := new(Encoder).Uint32(1).Message(2, 0)
	d := NewDecoder(m)
	d.Uint32()
	_ = d.String()
	if !errors.Is(d.Err(), ErrTruncated) {
		t.Fatalf("expected ErrTruncated, got %v", d.Err())
	}
}

func TestDecoderTypeMismatch(t *testing.T) {
	m := new(Encoder).String("title").Message(2, 0)
	d := NewDecoder(m)
	d.Uint32()
	if !errors.Is(d.Err(), ErrMalformed) {
		t.Fatalf("expected ErrMalformed, got %v", d.Err())
	}
}

func TestRawBodyDecoding(t *testing.T) {
	body := order.AppendUint32(nil, 5)
	body = append(body, 'f', 'o', 'o', 't', 0, 0, 0, 0)
	if s, err := ParseString(Message{Sender: 3, body: body}); err != nil || s != "foot" {
		t.Fatalf("string = %q, %v", s, err)
	}

	unterminated := order.AppendUint32(nil, 4)
	unterminated = append(unterminated, 'f', 'o', 'o', 't')
	if _, err := ParseString(Message{Sender: 3, body: unterminated}); !errors.Is(err, ErrMalformed) {
		t.Fatalf("expected ErrMalformed, got %v", err)
	}

	short := order.AppendUint32(nil, 64)
	if _, err := ParseString(Message{Sender: 3, body: short}); !errors.Is(err, ErrTruncated) {
		t.Fatalf("expected ErrTruncated, got %v", err)
	}
}

func TestParseGlobal(t *testing.T) {
	m := new(Encoder).
		Uint32(2).
		String(InterfaceToplevelManager).
		Uint32(3).
		Message(4, RegistryEventGlobal)

	g, err := ParseGlobal(m)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	want := Global{Name: 2, Interface: InterfaceToplevelManager, Version: 3}
	if g != want {
		t.Fatalf("got %+v, want %+v", g, want)
	}
}

func TestParseArrayUint32(t *testing.T) {
	m := new(Encoder).Uint32Array(0, 2).Message(0xff000000, HandleEventState)

	vals, err := ParseArrayUint32(m)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(vals) != 2 || vals[0] != 0 || vals[1] != 2 {
		t.Fatalf("got %v", vals)
	}

	odd := new(Encoder).Array([]byte{1, 2, 3}).Message(0xff000000, HandleEventState)
	if _, err := ParseArrayUint32(odd); !errors.Is(err, ErrMalformed) {
		t.Fatalf("expected ErrMalformed, got %v", err)
	}
}

func TestBindLayout(t *testing.T) {
	m := Bind(2, 9, InterfaceOutput, 4, 10)
	d := NewDecoder(m)
	if name := d.Uint32(); name != 9 {
		t.Fatalf("name = %d", name)
	}
	if iface := d.String(); iface != InterfaceOutput {
		t.Fatalf("interface = %q", iface)
	}
	if v := d.Uint32(); v != 4 {
		t.Fatalf("version = %d", v)
	}
	if id := d.NewID(); id != 10 {
		t.Fatalf("id = %d", id)
	}
	if err := d.Err(); err != nil {
		t.Fatal(err)
	}
}

func TestEventName(t *testing.T) {
	if got := EventName(InterfaceToplevelHandle, HandleEventOutputLeave); got != "output_leave" {
		t.Fatalf("got %q", got)
	}
	if got := EventName("unknown_iface", 3); got != "opcode 3" {
		t.Fatalf("got %q", got)
	}
}
