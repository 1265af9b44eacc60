package toplevel

// Event is one protocol event addressed to a toplevel.
type Event interface {
	Name() string
}

type TitleEvent struct{ Title string }

type AppIDEvent struct{ AppID string }

type OutputEnterEvent struct{ Output OutputID }

type OutputLeaveEvent struct{ Output OutputID }

// StateEvent carries the complete new state set, not a delta.
type StateEvent struct{ States States }

// ParentEvent sets or clears (Parent == 0) the parent toplevel.
type ParentEvent struct{ Parent ID }

// DoneEvent commits the staged batch.
type DoneEvent struct{}

type ClosedEvent struct{}

func (TitleEvent) Name() string       { return "title" }
func (AppIDEvent) Name() string       { return "app_id" }
func (OutputEnterEvent) Name() string { return "output_enter" }
func (OutputLeaveEvent) Name() string { return "output_leave" }
func (StateEvent) Name() string       { return "state" }
func (ParentEvent) Name() string      { return "parent" }
func (DoneEvent) Name() string        { return "done" }
func (ClosedEvent) Name() string      { return "closed" }
