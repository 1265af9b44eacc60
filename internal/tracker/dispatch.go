package tracker

import (
	"errors"
	"fmt"

	"github.com/bryanchriswhite/toplevelwatch/internal/binder"
	"github.com/bryanchriswhite/toplevelwatch/internal/diag"
	"github.com/bryanchriswhite/toplevelwatch/internal/toplevel"
	"github.com/bryanchriswhite/toplevelwatch/internal/wayland"
)

func (t *Tracker) dispatch(m wayland.Message) error {
	obj, ok := t.objects[m.Sender]
	if !ok {
		return fmt.Errorf("%w: object %d opcode %d", ErrUnknownObject, m.Sender, m.Opcode)
	}

	name := wayland.EventName(obj.iface, m.Opcode)
	t.log.Trace().
		Uint32("object", uint32(m.Sender)).
		Str("interface", obj.iface).
		Str("event", name).
		Int("size", m.Size()).
		Msg("Event")
	if t.captureRaw() {
		t.pub.Publish(diag.Record{
			Kind:      diag.KindEvent,
			Object:    uint32(m.Sender),
			Interface: obj.iface,
			Event:     name,
		})
	}
	if obj.zombie {
		return nil
	}

	var err error
	switch obj.iface {
	case wayland.InterfaceDisplay:
		err = t.onDisplay(m)
	case wayland.InterfaceRegistry:
		err = t.onRegistry(m)
	case wayland.InterfaceCallback:
		err = t.onCallback(m)
	case wayland.InterfaceToplevelManager:
		err = t.onManager(m)
	case wayland.InterfaceToplevelHandle:
		err = t.onHandle(m)
	case wayland.InterfaceOutput:
		err = t.onOutput(m)
	}
	if err != nil {
		var ce *toplevel.ConsistencyError
		if errors.As(err, &ce) {
			return err
		}
		return fmt.Errorf("%s.%s: %w", obj.iface, name, err)
	}
	return nil
}

// captureRaw reports whether raw event records should be published: always
// when requested, otherwise whenever an attached consumer asks for them.
func (t *Tracker) captureRaw() bool {
	if t.raw {
		return true
	}
	o, ok := t.pub.(diag.Observer)
	return ok && o.Wants(diag.KindEvent)
}

func (t *Tracker) onDisplay(m wayland.Message) error {
	switch m.Opcode {
	case wayland.DisplayEventError:
		perr, err := wayland.ParseDisplayError(m)
		if err != nil {
			return err
		}
		t.log.Error().
			Uint32("object", uint32(perr.Object)).
			Uint32("code", perr.Code).
			Str("message", perr.Message).
			Msg("Protocol error")
		return perr
	case wayland.DisplayEventDeleteID:
		id, err := wayland.ParseUint32(m)
		if err != nil {
			return err
		}
		delete(t.objects, wayland.ObjectID(id))
	}
	return nil
}

func (t *Tracker) onCallback(m wayland.Message) error {
	if m.Opcode == wayland.CallbackEventDone {
		t.synced[m.Sender] = true
		// The server destroys the callback and follows with delete_id.
		t.objects[m.Sender].zombie = true
	}
	return nil
}

func (t *Tracker) onRegistry(m wayland.Message) error {
	switch m.Opcode {
	case wayland.RegistryEventGlobal:
		g, err := wayland.ParseGlobal(m)
		if err != nil {
			return err
		}
		c, bound, err := t.binder.OnGlobal(g)
		if err != nil {
			return err
		}
		if bound {
			t.objects[c.Object] = &object{iface: g.Interface}
			if c.Role == binder.RoleOutput {
				t.outputs[c.Object] = &Output{Object: c.Object, Global: c.Name, Version: c.Version}
				t.view.setOutputs(t.outputs)
			}
		}
		t.view.setGlobals(t.binder.Globals())

	case wayland.RegistryEventGlobalRemove:
		name, err := wayland.ParseUint32(m)
		if err != nil {
			return err
		}
		c, ok := t.binder.OnGlobalRemove(name)
		if ok && c.Role == binder.RoleOutput {
			if err := t.releaseOutput(c); err != nil {
				return err
			}
		}
		t.view.setGlobals(t.binder.Globals())
	}
	return nil
}

func (t *Tracker) releaseOutput(c binder.Capability) error {
	delete(t.outputs, c.Object)
	t.view.setOutputs(t.outputs)

	t.objects[c.Object].zombie = true
	if c.Version < wayland.OutputReleaseSince {
		// No release request before v3; the proxy lingers until disconnect.
		return nil
	}
	if err := t.conn.Send(wayland.ReleaseOutput(c.Object)); err != nil {
		return fmt.Errorf("release output %d: %w", c.Object, err)
	}
	return nil
}

func (t *Tracker) onOutput(m wayland.Message) error {
	out := t.outputs[m.Sender]
	if out == nil {
		return nil
	}
	switch m.Opcode {
	case wayland.OutputEventName:
		s, err := wayland.ParseString(m)
		if err != nil {
			return err
		}
		out.Name = s
	case wayland.OutputEventDescription:
		s, err := wayland.ParseString(m)
		if err != nil {
			return err
		}
		out.Description = s
	case wayland.OutputEventDone:
		t.view.setOutputs(t.outputs)
	}
	return nil
}

func (t *Tracker) onManager(m wayland.Message) error {
	switch m.Opcode {
	case wayland.ManagerEventToplevel:
		raw, err := wayland.ParseUint32(m)
		if err != nil {
			return err
		}
		id := toplevel.ID(raw)
		if err := t.toplevels.Announce(id); err != nil {
			return t.violation(err)
		}
		t.objects[wayland.ObjectID(raw)] = &object{iface: wayland.InterfaceToplevelHandle}
		t.view.announce(id)
		t.pub.Publish(diag.Record{Kind: diag.KindAnnounce, Toplevel: id})
		t.log.Debug().Uint32("toplevel", raw).Msg("Toplevel announced")

	case wayland.ManagerEventFinished:
		t.toplevels.Finish()
		t.objects[m.Sender].zombie = true
		t.view.finish()
		t.pub.Publish(diag.Record{Kind: diag.KindFinished, Object: uint32(m.Sender)})
		t.log.Info().Int("remaining", t.toplevels.Len()).Msg("Toplevel manager finished")
	}
	return nil
}

func (t *Tracker) onHandle(m wayland.Message) error {
	ev, err := decodeHandleEvent(m)
	if err != nil {
		return err
	}
	if ev == nil {
		return nil
	}

	id := toplevel.ID(m.Sender)
	out, err := t.toplevels.Dispatch(id, ev)
	if err != nil {
		return t.violation(err)
	}

	switch out {
	case toplevel.CommittedSnapshot:
		snap, _ := t.toplevels.Get(id)
		t.view.commit(id, snap)
		t.pub.Publish(diag.Record{Kind: diag.KindCommit, Toplevel: id, Snapshot: &snap})
		t.log.Debug().
			Uint32("toplevel", uint32(id)).
			Str("app_id", snap.AppIDOr("")).
			Str("title", snap.TitleOr("")).
			Stringer("states", snap.States).
			Uint64("serial", snap.Serial).
			Msg("Toplevel committed")

	case toplevel.ClosedHandle:
		t.view.remove(id)
		t.pub.Publish(diag.Record{Kind: diag.KindClosed, Toplevel: id})
		t.log.Debug().Uint32("toplevel", uint32(id)).Msg("Toplevel closed")
		if err := t.conn.Send(wayland.DestroyToplevel(m.Sender)); err != nil {
			return fmt.Errorf("destroy toplevel %d: %w", m.Sender, err)
		}
	}
	return nil
}

// violation publishes and logs a consistency error before it ends the loop.
func (t *Tracker) violation(err error) error {
	rec := diag.Record{Kind: diag.KindViolation, Detail: err.Error()}
	var ce *toplevel.ConsistencyError
	if errors.As(err, &ce) {
		rec.Toplevel = ce.ID
		rec.Event = ce.Event
	}
	t.pub.Publish(rec)
	t.log.Error().Err(err).Msg("Consistency violation")
	return err
}

func decodeHandleEvent(m wayland.Message) (toplevel.Event, error) {
	switch m.Opcode {
	case wayland.HandleEventTitle:
		s, err := wayland.ParseString(m)
		return toplevel.TitleEvent{Title: s}, err
	case wayland.HandleEventAppID:
		s, err := wayland.ParseString(m)
		return toplevel.AppIDEvent{AppID: s}, err
	case wayland.HandleEventOutputEnter:
		o, err := wayland.ParseUint32(m)
		return toplevel.OutputEnterEvent{Output: toplevel.OutputID(o)}, err
	case wayland.HandleEventOutputLeave:
		o, err := wayland.ParseUint32(m)
		return toplevel.OutputLeaveEvent{Output: toplevel.OutputID(o)}, err
	case wayland.HandleEventState:
		vals, err := wayland.ParseArrayUint32(m)
		if err != nil {
			return nil, err
		}
		var states toplevel.States
		for _, v := range vals {
			states = states.With(toplevel.State(v))
		}
		return toplevel.StateEvent{States: states}, nil
	case wayland.HandleEventDone:
		return toplevel.DoneEvent{}, nil
	case wayland.HandleEventClosed:
		return toplevel.ClosedEvent{}, nil
	case wayland.HandleEventParent:
		p, err := wayland.ParseUint32(m)
		return toplevel.ParentEvent{Parent: toplevel.ID(p)}, err
	}
	return nil, nil
}
