package tracker

import (
	"maps"
	"slices"
	"sort"
	"sync"

	"github.com/bryanchriswhite/toplevelwatch/internal/binder"
	"github.com/bryanchriswhite/toplevelwatch/internal/toplevel"
	"github.com/bryanchriswhite/toplevelwatch/internal/wayland"
)

// Output is a bound wl_output.
type Output struct {
	Object  wayland.ObjectID `json:"object"`
	Global  uint32           `json:"global"`
	Version uint32           `json:"version"`
	// Name and Description are only sent from version 4.
	Name        string `json:"name,omitempty"`
	Description string `json:"description,omitempty"`
}

// view is the copy of tracker state shared with readers. The dispatch loop
// writes it synchronously; handles themselves are never shared.
type view struct {
	mu        sync.RWMutex
	toplevels map[toplevel.ID]*toplevel.Snapshot
	globals   []binder.Global
	outputs   []Output
	finished  bool
}

func (v *view) init() {
	v.toplevels = make(map[toplevel.ID]*toplevel.Snapshot)
}

func (v *view) announce(id toplevel.ID) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.toplevels[id] = nil
}

func (v *view) commit(id toplevel.ID, snap toplevel.Snapshot) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.toplevels[id] = &snap
}

func (v *view) remove(id toplevel.ID) {
	v.mu.Lock()
	defer v.mu.Unlock()
	delete(v.toplevels, id)
}

func (v *view) finish() {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.finished = true
}

func (v *view) setGlobals(globals []binder.Global) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.globals = globals
}

func (v *view) setOutputs(outputs map[wayland.ObjectID]*Output) {
	list := make([]Output, 0, len(outputs))
	for _, o := range outputs {
		list = append(list, *o)
	}
	sort.Slice(list, func(i, j int) bool { return list[i].Object < list[j].Object })

	v.mu.Lock()
	defer v.mu.Unlock()
	v.outputs = list
}

// List returns every live toplevel ordered by id, with a nil snapshot for
// toplevels that have not committed yet.
func (t *Tracker) List() []toplevel.Entry {
	t.view.mu.RLock()
	defer t.view.mu.RUnlock()

	ids := slices.Sorted(maps.Keys(t.view.toplevels))
	out := make([]toplevel.Entry, 0, len(ids))
	for _, id := range ids {
		e := toplevel.Entry{ID: id}
		if snap := t.view.toplevels[id]; snap != nil {
			c := snap.Clone()
			e.Snapshot = &c
		}
		out = append(out, e)
	}
	return out
}

// Get returns the committed snapshot of a live toplevel.
func (t *Tracker) Get(id toplevel.ID) (toplevel.Snapshot, bool) {
	e, ok := t.Entry(id)
	if !ok || e.Snapshot == nil {
		return toplevel.Snapshot{}, false
	}
	return *e.Snapshot, true
}

// Entry reports whether id is live, with its snapshot if committed.
func (t *Tracker) Entry(id toplevel.ID) (toplevel.Entry, bool) {
	t.view.mu.RLock()
	defer t.view.mu.RUnlock()

	snap, ok := t.view.toplevels[id]
	if !ok {
		return toplevel.Entry{}, false
	}
	e := toplevel.Entry{ID: id}
	if snap != nil {
		c := snap.Clone()
		e.Snapshot = &c
	}
	return e, true
}

func (t *Tracker) Globals() []binder.Global {
	t.view.mu.RLock()
	defer t.view.mu.RUnlock()
	return slices.Clone(t.view.globals)
}

func (t *Tracker) Outputs() []Output {
	t.view.mu.RLock()
	defer t.view.mu.RUnlock()
	return slices.Clone(t.view.outputs)
}

// Finished reports whether the manager has stopped announcing toplevels.
func (t *Tracker) Finished() bool {
	t.view.mu.RLock()
	defer t.view.mu.RUnlock()
	return t.view.finished
}
