package tracker

import (
	"testing"

	"github.com/bryanchriswhite/toplevelwatch/internal/wayland"
)

// Request opcodes the fake compositor answers.
const (
	opDisplaySync        = 0
	opDisplayGetRegistry = 1
	opRegistryBind       = 0
)

const firstHandle wayland.ObjectID = 0xff000001

// fakeCompositor is a scripted Transport. It answers get_registry with the
// configured globals, sync with done plus delete_id, and records binds.
// Receive returns wayland.ErrClosed once nothing is queued.
type fakeCompositor struct {
	t       *testing.T
	globals []wayland.Global

	nextID   wayland.ObjectID
	registry wayland.ObjectID
	binds    map[string]wayland.ObjectID
	versions map[string]uint32
	sent     []wayland.Message
	inbox    []wayland.Message
	closed   bool
	// sendErr fails every Send once set.
	sendErr error

	// onBind queues the initial events for a freshly bound object.
	onBind func(iface string, id wayland.ObjectID)
	// onReceive runs at the start of every Receive.
	onReceive func()
}

func newFake(t *testing.T, globals ...wayland.Global) *fakeCompositor {
	return &fakeCompositor{
		t:        t,
		globals:  globals,
		nextID:   wayland.DisplayID + 1,
		binds:    make(map[string]wayland.ObjectID),
		versions: make(map[string]uint32),
	}
}

func (f *fakeCompositor) AllocID() wayland.ObjectID {
	id := f.nextID
	f.nextID++
	return id
}

func (f *fakeCompositor) Send(msgs ...wayland.Message) error {
	if f.sendErr != nil {
		return f.sendErr
	}
	for _, m := range msgs {
		f.sent = append(f.sent, m)
		d := wayland.NewDecoder(m)
		switch {
		case m.Sender == wayland.DisplayID && m.Opcode == opDisplayGetRegistry:
			f.registry = d.NewID()
			for _, g := range f.globals {
				f.push(global(f.registry, g))
			}
		case m.Sender == wayland.DisplayID && m.Opcode == opDisplaySync:
			cb := d.NewID()
			f.push(
				new(wayland.Encoder).Uint32(1).Message(cb, wayland.CallbackEventDone),
				deleteID(cb),
			)
		case m.Sender == f.registry && m.Opcode == opRegistryBind:
			d.Uint32()
			iface := d.String()
			version := d.Uint32()
			id := d.NewID()
			if err := d.Err(); err != nil {
				f.t.Fatalf("malformed bind: %v", err)
			}
			f.binds[iface] = id
			f.versions[iface] = version
			if f.onBind != nil {
				f.onBind(iface, id)
			}
		}
	}
	return nil
}

func (f *fakeCompositor) Receive() ([]wayland.Message, error) {
	if f.onReceive != nil {
		f.onReceive()
	}
	if len(f.inbox) == 0 {
		return nil, wayland.ErrClosed
	}
	msgs := f.inbox
	f.inbox = nil
	return msgs, nil
}

func (f *fakeCompositor) Close() error {
	f.closed = true
	return nil
}

func (f *fakeCompositor) push(msgs ...wayland.Message) {
	f.inbox = append(f.inbox, msgs...)
}

func (f *fakeCompositor) manager() wayland.ObjectID {
	id, ok := f.binds[wayland.InterfaceToplevelManager]
	if !ok {
		f.t.Fatal("toplevel manager was never bound")
	}
	return id
}

// sentTo returns the requests sent on object id.
func (f *fakeCompositor) sentTo(id wayland.ObjectID) []wayland.Message {
	var out []wayland.Message
	for _, m := range f.sent {
		if m.Sender == id {
			out = append(out, m)
		}
	}
	return out
}

func global(registry wayland.ObjectID, g wayland.Global) wayland.Message {
	return new(wayland.Encoder).
		Uint32(g.Name).
		String(g.Interface).
		Uint32(g.Version).
		Message(registry, wayland.RegistryEventGlobal)
}

func globalRemove(registry wayland.ObjectID, name uint32) wayland.Message {
	return new(wayland.Encoder).Uint32(name).Message(registry, wayland.RegistryEventGlobalRemove)
}

func deleteID(id wayland.ObjectID) wayland.Message {
	return new(wayland.Encoder).Uint32(uint32(id)).Message(wayland.DisplayID, wayland.DisplayEventDeleteID)
}

func announceToplevel(manager, handle wayland.ObjectID) wayland.Message {
	return new(wayland.Encoder).NewID(handle).Message(manager, wayland.ManagerEventToplevel)
}

func finished(manager wayland.ObjectID) wayland.Message {
	return new(wayland.Encoder).Message(manager, wayland.ManagerEventFinished)
}

func title(h wayland.ObjectID, s string) wayland.Message {
	return new(wayland.Encoder).String(s).Message(h, wayland.HandleEventTitle)
}

func appID(h wayland.ObjectID, s string) wayland.Message {
	return new(wayland.Encoder).String(s).Message(h, wayland.HandleEventAppID)
}

func outputEnter(h, output wayland.ObjectID) wayland.Message {
	return new(wayland.Encoder).Object(output).Message(h, wayland.HandleEventOutputEnter)
}

func outputLeave(h, output wayland.ObjectID) wayland.Message {
	return new(wayland.Encoder).Object(output).Message(h, wayland.HandleEventOutputLeave)
}

func state(h wayland.ObjectID, vals ...uint32) wayland.Message {
	return new(wayland.Encoder).Uint32Array(vals...).Message(h, wayland.HandleEventState)
}

func done(h wayland.ObjectID) wayland.Message {
	return new(wayland.Encoder).Message(h, wayland.HandleEventDone)
}

func closed(h wayland.ObjectID) wayland.Message {
	return new(wayland.Encoder).Message(h, wayland.HandleEventClosed)
}

var (
	compositorGlobal = wayland.Global{Name: 1, Interface: wayland.InterfaceCompositor, Version: 1}
	managerGlobal    = wayland.Global{Name: 2, Interface: wayland.InterfaceToplevelManager, Version: 1}
)
