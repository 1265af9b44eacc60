package tracker

import (
	"bytes"
	"errors"
	"strings"
	"testing"

	"github.com/bryanchriswhite/toplevelwatch/internal/binder"
	"github.com/bryanchriswhite/toplevelwatch/internal/diag"
	"github.com/bryanchriswhite/toplevelwatch/internal/logger"
	"github.com/bryanchriswhite/toplevelwatch/internal/toplevel"
	"github.com/bryanchriswhite/toplevelwatch/internal/wayland"
)

func initialized(t *testing.T, f *fakeCompositor, opts Options) *Tracker {
	t.Helper()
	tr := New(f, opts)
	if err := tr.Initialize(); err != nil {
		t.Fatalf("initialize: %v", err)
	}
	return tr
}

// runUntilIdle runs the loop until the fake has nothing left to deliver.
func runUntilIdle(t *testing.T, tr *Tracker) {
	t.Helper()
	if err := tr.Run(); !errors.Is(err, wayland.ErrClosed) {
		t.Fatalf("expected ErrClosed once idle, got %v", err)
	}
}

func TestInitializeBindsManager(t *testing.T) {
	f := newFake(t, compositorGlobal, managerGlobal)
	tr := initialized(t, f, Options{})

	if _, ok := f.binds[wayland.InterfaceToplevelManager]; !ok {
		t.Fatal("manager not bound")
	}
	if v := f.versions[wayland.InterfaceToplevelManager]; v != 1 {
		t.Fatalf("manager bound at v%d, want v1", v)
	}
	if got := len(tr.List()); got != 0 {
		t.Fatalf("expected no toplevels, got %d", got)
	}
	globals := tr.Globals()
	if len(globals) != 2 || !globals[1].Bound || globals[1].Role != binder.RoleToplevelManager {
		t.Fatalf("globals = %+v", globals)
	}
}

func TestInitializeWithoutManagerFails(t *testing.T) {
	f := newFake(t, compositorGlobal)
	err := New(f, Options{}).Initialize()

	var missing *binder.MissingCapabilityError
	if !errors.As(err, &missing) {
		t.Fatalf("expected MissingCapabilityError, got %v", err)
	}
	if missing.Interface != wayland.InterfaceToplevelManager {
		t.Fatalf("missing = %q", missing.Interface)
	}
}

func TestRunBeforeInitialize(t *testing.T) {
	if err := New(newFake(t), Options{}).Run(); !errors.Is(err, ErrNotInitialized) {
		t.Fatalf("expected ErrNotInitialized, got %v", err)
	}
}

func TestInitialBatchVisibleAfterInitialize(t *testing.T) {
	f := newFake(t, compositorGlobal, managerGlobal)
	f.onBind = func(iface string, id wayland.ObjectID) {
		if iface != wayland.InterfaceToplevelManager {
			return
		}
		f.push(
			announceToplevel(id, firstHandle),
			title(firstHandle, "Terminal"),
			appID(firstHandle, "foot"),
			state(firstHandle, uint32(toplevel.Activated)),
			done(firstHandle),
			announceToplevel(id, firstHandle+1),
		)
	}
	tr := initialized(t, f, Options{})

	list := tr.List()
	if len(list) != 2 {
		t.Fatalf("expected 2 toplevels, got %d", len(list))
	}
	snap := list[0].Snapshot
	if snap == nil || snap.TitleOr("") != "Terminal" || snap.AppIDOr("") != "foot" {
		t.Fatalf("first snapshot = %+v", snap)
	}
	if !snap.States.Has(toplevel.Activated) || snap.Serial != 1 {
		t.Fatalf("first snapshot = %+v", snap)
	}
	if list[1].Snapshot != nil {
		t.Fatal("uncommitted toplevel has a snapshot")
	}
	if _, ok := tr.Get(toplevel.ID(firstHandle + 1)); ok {
		t.Fatal("Get returned a snapshot before the first done")
	}
	if _, ok := tr.Entry(toplevel.ID(firstHandle + 1)); !ok {
		t.Fatal("announced toplevel missing from Entry")
	}
}

func TestStagedTitleInvisibleUntilDone(t *testing.T) {
	f := newFake(t, compositorGlobal, managerGlobal)
	tr := initialized(t, f, Options{})
	id := toplevel.ID(firstHandle)

	f.push(announceToplevel(f.manager(), firstHandle), title(firstHandle, "A"), done(firstHandle))
	runUntilIdle(t, tr)

	f.push(title(firstHandle, "B"))
	runUntilIdle(t, tr)
	if snap, _ := tr.Get(id); snap.TitleOr("") != "A" {
		t.Fatalf("title before done = %q, want A", snap.TitleOr(""))
	}

	f.push(done(firstHandle))
	runUntilIdle(t, tr)
	snap, _ := tr.Get(id)
	if snap.TitleOr("") != "B" || snap.Serial != 2 {
		t.Fatalf("after done: title %q serial %d", snap.TitleOr(""), snap.Serial)
	}
}

func TestStateReplacedWholesale(t *testing.T) {
	f := newFake(t, compositorGlobal, managerGlobal)
	tr := initialized(t, f, Options{})
	m := f.manager()

	f.push(
		announceToplevel(m, firstHandle),
		state(firstHandle, uint32(toplevel.Activated), uint32(toplevel.Fullscreen), 42),
		done(firstHandle),
		state(firstHandle, uint32(toplevel.Maximized)),
		done(firstHandle),
	)
	runUntilIdle(t, tr)

	snap, _ := tr.Get(toplevel.ID(firstHandle))
	if snap.States != toplevel.NewStates(toplevel.Maximized) {
		t.Fatalf("states = %v, want {maximized}", snap.States)
	}
}

func TestOutputEnterLeaveCancelsWithinBatch(t *testing.T) {
	f := newFake(t, compositorGlobal, managerGlobal)
	tr := initialized(t, f, Options{})
	const out wayland.ObjectID = 40

	f.push(
		announceToplevel(f.manager(), firstHandle),
		title(firstHandle, "Editor"),
		done(firstHandle),
		outputEnter(firstHandle, out),
		outputLeave(firstHandle, out),
		done(firstHandle),
	)
	runUntilIdle(t, tr)

	snap, _ := tr.Get(toplevel.ID(firstHandle))
	if len(snap.Outputs) != 0 || snap.TitleOr("") != "Editor" {
		t.Fatalf("snapshot = %+v", snap)
	}
}

func TestCloseBeforeDoneRemovesAndDestroys(t *testing.T) {
	f := newFake(t, compositorGlobal, managerGlobal)
	hub := diag.NewHub()
	sub := hub.Subscribe(16, diag.KindClosed, diag.KindCommit)
	tr := initialized(t, f, Options{Diagnostics: hub})

	f.push(announceToplevel(f.manager(), firstHandle), title(firstHandle, "Splash"), closed(firstHandle))
	runUntilIdle(t, tr)

	if len(tr.List()) != 0 {
		t.Fatal("closed toplevel still listed")
	}
	reqs := f.sentTo(firstHandle)
	if len(reqs) != 1 || reqs[0].Opcode != 7 {
		t.Fatalf("requests to handle = %+v, want one destroy", reqs)
	}
	r := <-sub.Records()
	if r.Kind != diag.KindClosed || r.Toplevel != toplevel.ID(firstHandle) {
		t.Fatalf("record = %+v, want closed without commit", r)
	}
}

func TestEventAfterCloseIsViolation(t *testing.T) {
	f := newFake(t, compositorGlobal, managerGlobal)
	hub := diag.NewHub()
	sub := hub.Subscribe(4, diag.KindViolation)
	tr := initialized(t, f, Options{Diagnostics: hub})

	f.push(announceToplevel(f.manager(), firstHandle), closed(firstHandle), title(firstHandle, "late"))
	err := tr.Run()

	var ce *toplevel.ConsistencyError
	if !errors.As(err, &ce) || !errors.Is(err, toplevel.ErrUnknownToplevel) {
		t.Fatalf("expected unknown toplevel ConsistencyError, got %v", err)
	}
	if ce.ID != toplevel.ID(firstHandle) || ce.Event != "title" {
		t.Fatalf("error = %+v", ce)
	}
	r := <-sub.Records()
	if r.Toplevel != toplevel.ID(firstHandle) || r.Event != "title" {
		t.Fatalf("violation record = %+v", r)
	}
	if len(tr.List()) != 0 {
		t.Fatal("handle fabricated for late event")
	}
}

func TestDuplicateAnnouncementIsViolation(t *testing.T) {
	f := newFake(t, compositorGlobal, managerGlobal)
	tr := initialized(t, f, Options{})
	m := f.manager()

	f.push(announceToplevel(m, firstHandle), announceToplevel(m, firstHandle))
	if err := tr.Run(); !errors.Is(err, toplevel.ErrDuplicateToplevel) {
		t.Fatalf("expected duplicate violation, got %v", err)
	}
}

func TestFinishedDrainsKnownToplevels(t *testing.T) {
	f := newFake(t, compositorGlobal, managerGlobal)
	tr := initialized(t, f, Options{})
	m := f.manager()

	f.push(
		announceToplevel(m, firstHandle),
		announceToplevel(m, firstHandle+1),
		finished(m),
		title(firstHandle, "still here"),
		done(firstHandle),
		closed(firstHandle+1),
	)
	runUntilIdle(t, tr)
	if !tr.Finished() {
		t.Fatal("finished not reported")
	}
	if snap, _ := tr.Get(toplevel.ID(firstHandle)); snap.TitleOr("") != "still here" {
		t.Fatalf("events after finished not applied: %+v", snap)
	}

	f.push(closed(firstHandle), deleteID(m))
	if err := tr.Run(); err != nil {
		t.Fatalf("expected nil once the last toplevel closed, got %v", err)
	}
}

func TestAnnouncementAfterFinishedIsViolation(t *testing.T) {
	f := newFake(t, compositorGlobal, managerGlobal)
	tr := initialized(t, f, Options{})
	m := f.manager()

	f.push(announceToplevel(m, firstHandle), finished(m))
	runUntilIdle(t, tr)

	// A server that keeps using the manager after finished.
	tr.objects[m].zombie = false
	f.push(announceToplevel(m, firstHandle+1))
	if err := tr.Run(); !errors.Is(err, toplevel.ErrManagerFinished) {
		t.Fatalf("expected ErrManagerFinished, got %v", err)
	}
}

func TestExitFlagCompletesInFlightBatch(t *testing.T) {
	f := newFake(t, compositorGlobal, managerGlobal)
	tr := initialized(t, f, Options{})

	f.push(announceToplevel(f.manager(), firstHandle), title(firstHandle, "Music"), done(firstHandle))
	f.onReceive = tr.Stop
	if err := tr.Run(); err != nil {
		t.Fatalf("run: %v", err)
	}
	if snap, ok := tr.Get(toplevel.ID(firstHandle)); !ok || snap.TitleOr("") != "Music" {
		t.Fatalf("buffered batch not dispatched before exit: %+v", snap)
	}
}

func TestClosedTransportAfterStop(t *testing.T) {
	f := newFake(t, compositorGlobal, managerGlobal)
	tr := initialized(t, f, Options{})
	f.onReceive = func() {
		// Close from another goroutine lands here in practice.
		_ = tr.Close()
	}
	if err := tr.Run(); err != nil {
		t.Fatalf("expected nil after Close, got %v", err)
	}
	if !f.closed {
		t.Fatal("transport not closed")
	}
	reqs := f.sentTo(f.manager())
	if len(reqs) != 1 || reqs[0].Opcode != 0 {
		t.Fatalf("expected a single stop request on the manager, got %+v", reqs)
	}
}

func TestProtocolErrorEndsRun(t *testing.T) {
	f := newFake(t, compositorGlobal, managerGlobal)
	tr := initialized(t, f, Options{})

	f.push(new(wayland.Encoder).
		Object(f.manager()).
		Uint32(3).
		String("bad request").
		Message(wayland.DisplayID, wayland.DisplayEventError))

	var perr *wayland.ProtocolError
	if err := tr.Run(); !errors.As(err, &perr) {
		t.Fatalf("expected ProtocolError, got %v", err)
	}
	if perr.Code != 3 || perr.Message != "bad request" {
		t.Fatalf("error = %+v", perr)
	}
}

func TestUnknownObjectEndsRun(t *testing.T) {
	f := newFake(t, compositorGlobal, managerGlobal)
	tr := initialized(t, f, Options{})
	f.push(title(0xff0000aa, "nobody"))
	if err := tr.Run(); !errors.Is(err, ErrUnknownObject) {
		t.Fatalf("expected ErrUnknownObject, got %v", err)
	}
}

func TestOutputsBoundAndReleased(t *testing.T) {
	outputGlobal := wayland.Global{Name: 7, Interface: wayland.InterfaceOutput, Version: 4}
	f := newFake(t, compositorGlobal, managerGlobal, outputGlobal)
	f.onBind = func(iface string, id wayland.ObjectID) {
		if iface != wayland.InterfaceOutput {
			return
		}
		f.push(
			new(wayland.Encoder).String("DP-1").Message(id, wayland.OutputEventName),
			new(wayland.Encoder).String("Dell U2720Q").Message(id, wayland.OutputEventDescription),
			new(wayland.Encoder).Message(id, wayland.OutputEventDone),
		)
	}
	tr := initialized(t, f, Options{})

	outs := tr.Outputs()
	if len(outs) != 1 || outs[0].Name != "DP-1" || outs[0].Description != "Dell U2720Q" || outs[0].Global != 7 {
		t.Fatalf("outputs = %+v", outs)
	}
	obj := outs[0].Object

	f.push(
		globalRemove(f.registry, 7),
		new(wayland.Encoder).String("ignored").Message(obj, wayland.OutputEventName),
	)
	runUntilIdle(t, tr)

	if len(tr.Outputs()) != 0 {
		t.Fatal("output still listed after removal")
	}
	reqs := f.sentTo(obj)
	if len(reqs) != 1 || reqs[0].Opcode != 0 {
		t.Fatalf("requests to output = %+v, want one release", reqs)
	}
}

func TestRawEventsPublished(t *testing.T) {
	f := newFake(t, compositorGlobal, managerGlobal)
	hub := diag.NewHub()
	sub := hub.Subscribe(64, diag.KindEvent)
	tr := initialized(t, f, Options{Diagnostics: hub, RawEvents: true})

	f.push(announceToplevel(f.manager(), firstHandle), done(firstHandle))
	runUntilIdle(t, tr)

	var last diag.Record
	for len(sub.Records()) > 0 {
		last = <-sub.Records()
	}
	if last.Interface != wayland.InterfaceToplevelHandle || last.Event != "done" || last.Object != uint32(firstHandle) {
		t.Fatalf("last raw record = %+v", last)
	}
	if sub.Dropped() != 0 {
		t.Fatalf("dropped %d raw records", sub.Dropped())
	}
}

func TestRawEventsReachAttachedConsumer(t *testing.T) {
	f := newFake(t, compositorGlobal, managerGlobal)
	hub := diag.NewHub()
	events := hub.Subscribe(256, diag.KindEvent)
	commits := hub.Subscribe(256, diag.KindCommit)
	tr := initialized(t, f, Options{Diagnostics: hub})

	f.push(announceToplevel(f.manager(), firstHandle), title(firstHandle, "Editor"), done(firstHandle))
	runUntilIdle(t, tr)

	var names []string
	for len(events.Records()) > 0 {
		r := <-events.Records()
		if r.Object == uint32(firstHandle) {
			names = append(names, r.Event)
		}
	}
	if len(names) != 2 || names[0] != "title" || names[1] != "done" {
		t.Fatalf("raw handle events = %v, want [title done]", names)
	}
	if events.Dropped() != 0 {
		t.Fatalf("dropped %d raw records", events.Dropped())
	}

	for len(commits.Records()) > 0 {
		if r := <-commits.Records(); r.Kind != diag.KindCommit {
			t.Fatalf("commit subscriber got %s record", r.Kind)
		}
	}
}

func TestRawEventsSkippedWithoutConsumer(t *testing.T) {
	f := newFake(t, compositorGlobal, managerGlobal)
	hub := diag.NewHub()
	sub := hub.Subscribe(256, diag.KindsExcept(diag.KindEvent)...)
	tr := initialized(t, f, Options{Diagnostics: hub})
	if tr.captureRaw() {
		t.Fatal("raw capture enabled with no event consumer")
	}

	f.push(announceToplevel(f.manager(), firstHandle), done(firstHandle))
	runUntilIdle(t, tr)
	for len(sub.Records()) > 0 {
		if r := <-sub.Records(); r.Kind == diag.KindEvent {
			t.Fatalf("unexpected raw record %+v", r)
		}
	}
}

func TestCloseLogsFailedStop(t *testing.T) {
	var buf bytes.Buffer
	logger.InitWriter(&buf, "debug", false)
	defer logger.InitWriter(&bytes.Buffer{}, "info", false)

	f := newFake(t, compositorGlobal, managerGlobal)
	tr := initialized(t, f, Options{})
	f.sendErr = wayland.ErrClosed

	if err := tr.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if !f.closed {
		t.Fatal("transport not closed after failed stop")
	}
	if !strings.Contains(buf.String(), "Stop request not sent") {
		t.Fatalf("failed stop not logged:\n%s", buf.String())
	}
}
