package toplevel

import (
	"fmt"
	"maps"
	"slices"
)

// Status is the lifecycle state of a Handle.
type Status int

const (
	Uncommitted Status = iota
	Committed
	Closed
)

func (s Status) String() string {
	switch s {
	case Uncommitted:
		return "uncommitted"
	case Committed:
		return "committed"
	case Closed:
		return "closed"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

// Outcome tells the caller what applying an event changed.
type Outcome int

const (
	// Staged means only pending state changed.
	Staged Outcome = iota
	// CommittedSnapshot means a new snapshot was published.
	CommittedSnapshot
	// ClosedHandle means the toplevel is gone.
	ClosedHandle
)

// pending holds the values staged since the last done. A nil field was not
// touched in this batch.
type pending struct {
	title   *string
	appID   *string
	outputs map[OutputID]struct{}
	states  *States
	parent  *ID
}

// Handle is the state machine for one toplevel.
type Handle struct {
	id        ID
	status    Status
	pending   pending
	committed *Snapshot
}

func NewHandle(id ID) *Handle {
	return &Handle{id: id}
}

func (h *Handle) ID() ID {
	return h.id
}

func (h *Handle) Status() Status {
	return h.status
}

// Snapshot returns a copy of the committed snapshot, or false before the
// first done.
func (h *Handle) Snapshot() (Snapshot, bool) {
	if h.committed == nil {
		return Snapshot{}, false
	}
	return h.committed.Clone(), true
}

// Apply feeds one event to the state machine.
func (h *Handle) Apply(ev Event) (Outcome, error) {
	if h.status == Closed {
		return Staged, fmt.Errorf("%w: %s for toplevel %d", ErrHandleClosed, ev.Name(), h.id)
	}

	switch e := ev.(type) {
	case TitleEvent:
		h.pending.title = &e.Title
	case AppIDEvent:
		h.pending.appID = &e.AppID
	case OutputEnterEvent:
		h.stageOutputs()[e.Output] = struct{}{}
	case OutputLeaveEvent:
		delete(h.stageOutputs(), e.Output)
	case StateEvent:
		states := e.States
		h.pending.states = &states
	case ParentEvent:
		parent := e.Parent
		h.pending.parent = &parent
	case DoneEvent:
		h.commit()
		return CommittedSnapshot, nil
	case ClosedEvent:
		h.status = Closed
		h.pending = pending{}
		return ClosedHandle, nil
	default:
		return Staged, fmt.Errorf("toplevel: unsupported event %T", ev)
	}
	return Staged, nil
}

// stageOutputs seeds the pending output set from the committed one on the
// first enter or leave of a batch.
func (h *Handle) stageOutputs() map[OutputID]struct{} {
	if h.pending.outputs == nil {
		h.pending.outputs = make(map[OutputID]struct{})
		if h.committed != nil {
			for _, o := range h.committed.Outputs {
				h.pending.outputs[o] = struct{}{}
			}
		}
	}
	return h.pending.outputs
}

func (h *Handle) commit() {
	var next Snapshot
	if h.committed != nil {
		next = h.committed.Clone()
	} else {
		next.Outputs = []OutputID{}
	}

	p := h.pending
	if p.title != nil {
		next.Title = p.title
	}
	if p.appID != nil {
		next.AppID = p.appID
	}
	if p.outputs != nil {
		next.Outputs = slices.Sorted(maps.Keys(p.outputs))
		if next.Outputs == nil {
			next.Outputs = []OutputID{}
		}
	}
	if p.states != nil {
		next.States = *p.states
	}
	if p.parent != nil {
		next.Parent = *p.parent
	}
	next.Serial++

	h.committed = &next
	h.pending = pending{}
	h.status = Committed
}
