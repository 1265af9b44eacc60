package binder

import (
	"errors"
	"testing"

	"github.com/bryanchriswhite/toplevelwatch/internal/diag"
	"github.com/bryanchriswhite/toplevelwatch/internal/wayland"
)

type recorder struct {
	next wayland.ObjectID
	sent []wayland.Message
}

func (r *recorder) AllocID() wayland.ObjectID {
	if r.next == 0 {
		r.next = 10
	}
	id := r.next
	r.next++
	return id
}

func (r *recorder) Send(msgs ...wayland.Message) error {
	r.sent = append(r.sent, msgs...)
	return nil
}

type bindArgs struct {
	name    uint32
	iface   string
	version uint32
	id      wayland.ObjectID
}

func decodeBind(t *testing.T, m wayland.Message) bindArgs {
	t.Helper()
	d := wayland.NewDecoder(m)
	b := bindArgs{name: d.Uint32(), iface: d.String(), version: d.Uint32(), id: d.NewID()}
	if err := d.Err(); err != nil {
		t.Fatalf("decode bind: %v", err)
	}
	return b
}

func announce(t *testing.T, b *Binder, globals ...wayland.Global) {
	t.Helper()
	for _, g := range globals {
		if _, _, err := b.OnGlobal(g); err != nil {
			t.Fatalf("OnGlobal(%s): %v", g.Interface, err)
		}
	}
}

func TestCompleteWithManager(t *testing.T) {
	req := &recorder{}
	b := New(req, 2, nil)
	announce(t, b,
		wayland.Global{Name: 1, Interface: "wl_compositor", Version: 1},
		wayland.Global{Name: 2, Interface: "zwlr_foreign_toplevel_manager_v1", Version: 1},
	)

	if err := b.Complete(); err != nil {
		t.Fatalf("complete: %v", err)
	}
	c, err := b.Bind(wayland.InterfaceToplevelManager, 1)
	if err != nil {
		t.Fatalf("bind: %v", err)
	}
	if c.Role != RoleToplevelManager || c.Name != 2 || c.Version != 1 {
		t.Fatalf("capability = %+v", c)
	}
	if len(req.sent) != 2 {
		t.Fatalf("sent %d bind requests, want 2", len(req.sent))
	}
	args := decodeBind(t, req.sent[1])
	if args.iface != wayland.InterfaceToplevelManager || args.id != c.Object {
		t.Fatalf("bind request = %+v", args)
	}
}

func TestCompleteWithoutManagerIsFatal(t *testing.T) {
	b := New(&recorder{}, 2, nil)
	announce(t, b, wayland.Global{Name: 1, Interface: "wl_compositor", Version: 1})

	err := b.Complete()
	var missing *MissingCapabilityError
	if !errors.As(err, &missing) {
		t.Fatalf("expected MissingCapabilityError, got %v", err)
	}
	if missing.Interface != "zwlr_foreign_toplevel_manager_v1" {
		t.Fatalf("missing interface = %q", missing.Interface)
	}
}

func TestBindUsesSmallestCommonVersion(t *testing.T) {
	req := &recorder{}
	b := New(req, 2, nil)
	announce(t, b,
		wayland.Global{Name: 5, Interface: wayland.InterfaceToplevelManager, Version: 7},
		wayland.Global{Name: 6, Interface: wayland.InterfaceCompositor, Version: 6},
	)

	if got := decodeBind(t, req.sent[0]).version; got != 3 {
		t.Fatalf("manager bound at v%d, want v3", got)
	}
	if got := decodeBind(t, req.sent[1]).version; got != 1 {
		t.Fatalf("compositor bound at v%d, want v1", got)
	}
	if _, err := b.Bind(wayland.InterfaceToplevelManager, 4); err == nil {
		t.Fatal("expected NotFoundError for unsupported minimum version")
	}
}

func TestUnknownGlobalsRecordedNotBound(t *testing.T) {
	hub := diag.NewHub()
	sub := hub.Subscribe(8)
	req := &recorder{}
	b := New(req, 2, hub)
	announce(t, b, wayland.Global{Name: 3, Interface: "wl_seat", Version: 9})

	if len(req.sent) != 0 {
		t.Fatal("unexpected bind for uninteresting interface")
	}
	r := <-sub.Records()
	if r.Kind != diag.KindGlobal || r.Interface != "wl_seat" || r.Name != 3 || r.Version != 9 || r.Bound {
		t.Fatalf("record = %+v", r)
	}
	if g := b.Globals(); len(g) != 1 || g[0].Bound {
		t.Fatalf("globals = %+v", g)
	}
}

func TestDuplicateSingleInstanceIgnored(t *testing.T) {
	req := &recorder{}
	b := New(req, 2, nil)
	announce(t, b,
		wayland.Global{Name: 1, Interface: wayland.InterfaceCompositor, Version: 4},
		wayland.Global{Name: 9, Interface: wayland.InterfaceCompositor, Version: 4},
	)
	if len(req.sent) != 1 {
		t.Fatalf("sent %d binds, want 1", len(req.sent))
	}
}

func TestOutputsMultiInstanceAndRemoval(t *testing.T) {
	req := &recorder{}
	b := New(req, 2, nil)
	announce(t, b,
		wayland.Global{Name: 11, Interface: wayland.InterfaceOutput, Version: 4},
		wayland.Global{Name: 12, Interface: wayland.InterfaceOutput, Version: 2},
	)
	outs := b.Capabilities(RoleOutput)
	if len(outs) != 2 || outs[1].Version != 2 {
		t.Fatalf("outputs = %+v", outs)
	}

	c, ok := b.OnGlobalRemove(11)
	if !ok || c.Name != 11 {
		t.Fatalf("remove output: %+v %v", c, ok)
	}
	if len(b.Capabilities(RoleOutput)) != 1 {
		t.Fatal("output still bound after removal")
	}
}

func TestRemovalOfUnboundOrBoundSingle(t *testing.T) {
	hub := diag.NewHub()
	sub := hub.Subscribe(8, diag.KindGlobalRemove)
	b := New(&recorder{}, 2, hub)
	announce(t, b, wayland.Global{Name: 2, Interface: wayland.InterfaceToplevelManager, Version: 3})

	if _, ok := b.OnGlobalRemove(77); ok {
		t.Fatal("unknown removal reported as bound")
	}
	if _, ok := b.OnGlobalRemove(2); ok {
		t.Fatal("single capability removal should only be recorded")
	}
	if _, err := b.Bind(wayland.InterfaceToplevelManager, 1); err != nil {
		t.Fatalf("manager capability dropped: %v", err)
	}

	<-sub.Records()
	r := <-sub.Records()
	if r.Name != 2 || !r.Bound || r.Detail == "" {
		t.Fatalf("record = %+v", r)
	}
}
