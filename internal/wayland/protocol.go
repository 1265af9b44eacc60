package wayland

import (
	"fmt"
	"strconv"
)

// DisplayID is the fixed id of the wl_display singleton.
const DisplayID ObjectID = 1

// ServerIDMin is the first id in the range the compositor allocates from.
const ServerIDMin ObjectID = 0xff000000

const (
	InterfaceDisplay         = "wl_display"
	InterfaceRegistry        = "wl_registry"
	InterfaceCallback        = "wl_callback"
	InterfaceCompositor      = "wl_compositor"
	InterfaceShell           = "wl_shell"
	InterfaceOutput          = "wl_output"
	InterfaceToplevelManager = "zwlr_foreign_toplevel_manager_v1"
	InterfaceToplevelHandle  = "zwlr_foreign_toplevel_handle_v1"
)

// wl_display
const (
	displaySync        uint16 = 0
	displayGetRegistry uint16 = 1

	DisplayEventError    uint16 = 0
	DisplayEventDeleteID uint16 = 1
)

// wl_registry
const (
	registryBind uint16 = 0

	RegistryEventGlobal       uint16 = 0
	RegistryEventGlobalRemove uint16 = 1
)

// wl_callback
const CallbackEventDone uint16 = 0

// wl_output
const (
	outputRelease uint16 = 0

	OutputEventGeometry    uint16 = 0
	OutputEventMode        uint16 = 1
	OutputEventDone        uint16 = 2
	OutputEventScale       uint16 = 3
	OutputEventName        uint16 = 4
	OutputEventDescription uint16 = 5
)

// OutputReleaseSince is the first wl_output version with a release request.
const OutputReleaseSince = 3

// zwlr_foreign_toplevel_manager_v1
const (
	managerStop uint16 = 0

	ManagerEventToplevel uint16 = 0
	ManagerEventFinished uint16 = 1
)

// zwlr_foreign_toplevel_handle_v1
const (
	handleDestroy uint16 = 7

	HandleEventTitle       uint16 = 0
	HandleEventAppID       uint16 = 1
	HandleEventOutputEnter uint16 = 2
	HandleEventOutputLeave uint16 = 3
	HandleEventState       uint16 = 4
	HandleEventDone        uint16 = 5
	HandleEventClosed      uint16 = 6
	HandleEventParent      uint16 = 7
)

var eventNames = map[string][]string{
	InterfaceDisplay:         {"error", "delete_id"},
	InterfaceRegistry:        {"global", "global_remove"},
	InterfaceCallback:        {"done"},
	InterfaceOutput:          {"geometry", "mode", "done", "scale", "name", "description"},
	InterfaceToplevelManager: {"toplevel", "finished"},
	InterfaceToplevelHandle:  {"title", "app_id", "output_enter", "output_leave", "state", "done", "closed", "parent"},
}

// EventName returns the protocol name of an event, or its opcode when the
// interface or opcode is not known.
func EventName(iface string, opcode uint16) string {
	names := eventNames[iface]
	if int(opcode) < len(names) {
		return names[opcode]
	}
	return "opcode " + strconv.Itoa(int(opcode))
}

// GetRegistry asks the display for a registry bound to id.
func GetRegistry(id ObjectID) Message {
	return new(Encoder).NewID(id).Message(DisplayID, displayGetRegistry)
}

// Sync asks for a wl_callback done event once all prior requests are handled.
func Sync(callback ObjectID) Message {
	return new(Encoder).NewID(callback).Message(DisplayID, displaySync)
}

// Bind binds the global name to the client object id.
func Bind(registry ObjectID, name uint32, iface string, version uint32, id ObjectID) Message {
	return new(Encoder).
		Uint32(name).
		String(iface).
		Uint32(version).
		NewID(id).
		Message(registry, registryBind)
}

func StopToplevelManager(manager ObjectID) Message {
	return new(Encoder).Message(manager, managerStop)
}

func DestroyToplevel(handle ObjectID) Message {
	return new(Encoder).Message(handle, handleDestroy)
}

func ReleaseOutput(output ObjectID) Message {
	return new(Encoder).Message(output, outputRelease)
}

// Global is a wl_registry.global announcement.
type Global struct {
	Name      uint32
	Interface string
	Version   uint32
}

func ParseGlobal(m Message) (Global, error) {
	d := NewDecoder(m)
	g := Global{
		Name:      d.Uint32(),
		Interface: d.String(),
		Version:   d.Uint32(),
	}
	if err := d.Err(); err != nil {
		return Global{}, fmt.Errorf("wl_registry.global: %w", err)
	}
	return g, nil
}

// ParseUint32 decodes events whose only argument is a uint, object or new_id:
// global_remove, delete_id, callback done, toplevel and output_enter/leave.
func ParseUint32(m Message) (uint32, error) {
	d := NewDecoder(m)
	v := d.Uint32()
	if err := d.Err(); err != nil {
		return 0, err
	}
	return v, nil
}

func ParseString(m Message) (string, error) {
	d := NewDecoder(m)
	s := d.String()
	if err := d.Err(); err != nil {
		return "", err
	}
	return s, nil
}

// ParseArrayUint32 decodes an array argument holding uint32 values.
func ParseArrayUint32(m Message) ([]uint32, error) {
	d := NewDecoder(m)
	raw := d.Array()
	if err := d.Err(); err != nil {
		return nil, err
	}
	if len(raw)%4 != 0 {
		return nil, fmt.Errorf("%w: array of %d bytes is not a uint32 array", ErrMalformed, len(raw))
	}
	vals := make([]uint32, 0, len(raw)/4)
	for i := 0; i < len(raw); i += 4 {
		vals = append(vals, order.Uint32(raw[i:]))
	}
	return vals, nil
}

// ProtocolError is a fatal wl_display.error sent by the compositor.
type ProtocolError struct {
	Object  ObjectID
	Code    uint32
	Message string
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("wayland: protocol error on object %d (code %d): %s", e.Object, e.Code, e.Message)
}

func ParseDisplayError(m Message) (*ProtocolError, error) {
	d := NewDecoder(m)
	e := &ProtocolError{
		Object:  d.Object(),
		Code:    d.Uint32(),
		Message: d.String(),
	}
	if err := d.Err(); err != nil {
		return nil, fmt.Errorf("wl_display.error: %w", err)
	}
	return e, nil
}
