package toplevel

import (
	"errors"
	"fmt"
	"maps"
	"slices"
)

var (
	ErrHandleClosed      = errors.New("toplevel: event after closed")
	ErrUnknownToplevel   = errors.New("toplevel: event for unknown toplevel")
	ErrDuplicateToplevel = errors.New("toplevel: toplevel announced twice")
	ErrManagerFinished   = errors.New("toplevel: announcement after manager finished")
)

// ConsistencyError signals a demultiplexing bug or a server protocol
// violation. It is never healed by fabricating a handle.
type ConsistencyError struct {
	ID    ID
	Event string
	Err   error
}

func (e *ConsistencyError) Error() string {
	return fmt.Sprintf("toplevel %d: %s: %v", e.ID, e.Event, e.Err)
}

func (e *ConsistencyError) Unwrap() error {
	return e.Err
}

// Entry pairs a live toplevel with its committed snapshot, which is nil
// until the first done.
type Entry struct {
	ID       ID        `json:"id"`
	Snapshot *Snapshot `json:"snapshot"`
}

// Registry maps live toplevel ids to their handles. Every key is active:
// Dispatch removes a handle in the same call that closes it.
type Registry struct {
	handles  map[ID]*Handle
	finished bool
}

func NewRegistry() *Registry {
	return &Registry{handles: make(map[ID]*Handle)}
}

// Announce creates an uncommitted handle for a new toplevel.
func (r *Registry) Announce(id ID) error {
	if r.finished {
		return &ConsistencyError{ID: id, Event: "toplevel", Err: ErrManagerFinished}
	}
	if _, ok := r.handles[id]; ok {
		return &ConsistencyError{ID: id, Event: "toplevel", Err: ErrDuplicateToplevel}
	}
	r.handles[id] = NewHandle(id)
	return nil
}

// Dispatch forwards ev to the handle for id.
func (r *Registry) Dispatch(id ID, ev Event) (Outcome, error) {
	h, ok := r.handles[id]
	if !ok {
		return Staged, &ConsistencyError{ID: id, Event: ev.Name(), Err: ErrUnknownToplevel}
	}
	out, err := h.Apply(ev)
	if err != nil {
		return out, &ConsistencyError{ID: id, Event: ev.Name(), Err: err}
	}
	if out == ClosedHandle {
		delete(r.handles, id)
	}
	return out, nil
}

// Finish records that the manager will announce no more toplevels. Known
// toplevels keep receiving events until they close.
func (r *Registry) Finish() {
	r.finished = true
}

func (r *Registry) Finished() bool {
	return r.finished
}

func (r *Registry) Len() int {
	return len(r.handles)
}

// Get returns the committed snapshot of a live toplevel.
func (r *Registry) Get(id ID) (Snapshot, bool) {
	h, ok := r.handles[id]
	if !ok {
		return Snapshot{}, false
	}
	return h.Snapshot()
}

// List returns every live toplevel ordered by id.
func (r *Registry) List() []Entry {
	ids := slices.Sorted(maps.Keys(r.handles))
	out := make([]Entry, 0, len(ids))
	for _, id := range ids {
		e := Entry{ID: id}
		if snap, ok := r.handles[id].Snapshot(); ok {
			e.Snapshot = &snap
		}
		out = append(out, e)
	}
	return out
}
