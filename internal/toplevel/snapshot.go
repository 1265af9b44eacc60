package toplevel

import (
	"encoding/json"
	"fmt"
	"slices"
	"strings"
)

// ID identifies a live toplevel. It is assigned when the manager announces
// the toplevel and is never reassigned while that toplevel is live.
type ID uint32

// OutputID identifies an output a toplevel can overlap.
type OutputID uint32

// State is a protocol state enum value.
type State uint32

const (
	Maximized  State = 0
	Minimized  State = 1
	Activated  State = 2
	Fullscreen State = 3
)

var stateNames = [...]string{"maximized", "minimized", "activated", "fullscreen"}

func (s State) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("state(%d)", uint32(s))
}

// Valid reports whether s is one of the four known states.
func (s State) Valid() bool {
	return int(s) < len(stateNames)
}

// States is a set of State values.
type States uint8

// NewStates builds a set, ignoring unknown values.
func NewStates(states ...State) States {
	var set States
	for _, s := range states {
		set = set.With(s)
	}
	return set
}

func (s States) With(state State) States {
	if !state.Valid() {
		return s
	}
	return s | 1<<state
}

func (s States) Has(state State) bool {
	return state.Valid() && s&(1<<state) != 0
}

func (s States) List() []State {
	var out []State
	for i := range stateNames {
		if s.Has(State(i)) {
			out = append(out, State(i))
		}
	}
	return out
}

func (s States) String() string {
	names := make([]string, 0, len(stateNames))
	for _, st := range s.List() {
		names = append(names, st.String())
	}
	return "{" + strings.Join(names, ",") + "}"
}

func (s States) MarshalJSON() ([]byte, error) {
	names := make([]string, 0, len(stateNames))
	for _, st := range s.List() {
		names = append(names, st.String())
	}
	return json.Marshal(names)
}

func (s *States) UnmarshalJSON(b []byte) error {
	var names []string
	if err := json.Unmarshal(b, &names); err != nil {
		return err
	}
	var set States
	for _, n := range names {
		i := slices.Index(stateNames[:], n)
		if i < 0 {
			return fmt.Errorf("toplevel: unknown state %q", n)
		}
		set = set.With(State(i))
	}
	*s = set
	return nil
}

// Snapshot is the committed view of a toplevel. A snapshot only ever holds
// values from fully applied batches.
type Snapshot struct {
	Title   *string    `json:"title,omitempty"`
	AppID   *string    `json:"app_id,omitempty"`
	Outputs []OutputID `json:"outputs"`
	States  States     `json:"states"`
	Parent  ID         `json:"parent,omitempty"`
	// Serial counts commits, starting at 1 after the first done.
	Serial uint64 `json:"serial"`
}

// Clone returns a deep copy so callers cannot alias committed state.
func (s Snapshot) Clone() Snapshot {
	out := s
	out.Title = cloneString(s.Title)
	out.AppID = cloneString(s.AppID)
	out.Outputs = slices.Clone(s.Outputs)
	if out.Outputs == nil {
		out.Outputs = []OutputID{}
	}
	return out
}

// TitleOr returns the title or def when none was ever sent.
func (s Snapshot) TitleOr(def string) string {
	if s.Title == nil {
		return def
	}
	return *s.Title
}

// AppIDOr returns the app id or def when none was ever sent.
func (s Snapshot) AppIDOr(def string) string {
	if s.AppID == nil {
		return def
	}
	return *s.AppID
}

func (s Snapshot) OnOutput(o OutputID) bool {
	return slices.Contains(s.Outputs, o)
}

func cloneString(p *string) *string {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}
