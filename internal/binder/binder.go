package binder

import (
	"fmt"
	"sort"

	"github.com/bryanchriswhite/toplevelwatch/internal/diag"
	"github.com/bryanchriswhite/toplevelwatch/internal/logger"
	"github.com/bryanchriswhite/toplevelwatch/internal/wayland"
)

// Role names what a bound capability is used for.
type Role string

const (
	RoleCompositor      Role = "compositor"
	RoleShell           Role = "shell"
	RoleToplevelManager Role = "toplevel_manager"
	RoleOutput          Role = "output"
)

// Interest is one row of the table of interfaces worth binding.
type Interest struct {
	Role      Role
	Interface string
	// MaxVersion is the highest version this client implements.
	MaxVersion uint32
	// Required interests fail Complete when never advertised.
	Required bool
	// Multi roles bind every instance (outputs); others bind the first.
	Multi bool
}

// DefaultInterests is the table used by the tracker.
var DefaultInterests = []Interest{
	{Role: RoleCompositor, Interface: wayland.InterfaceCompositor, MaxVersion: 1},
	{Role: RoleShell, Interface: wayland.InterfaceShell, MaxVersion: 1},
	{Role: RoleToplevelManager, Interface: wayland.InterfaceToplevelManager, MaxVersion: 3, Required: true},
	{Role: RoleOutput, Interface: wayland.InterfaceOutput, MaxVersion: 4, Multi: true},
}

// Capability is a bound global.
type Capability struct {
	Role    Role             `json:"role"`
	Object  wayland.ObjectID `json:"object"`
	Name    uint32           `json:"name"`
	Version uint32           `json:"version"`
}

// Global is a discovered interface, bound or not.
type Global struct {
	Name      uint32 `json:"name"`
	Interface string `json:"interface"`
	Version   uint32 `json:"version"`
	Bound     bool   `json:"bound"`
	Role      Role   `json:"role,omitempty"`
}

// NotFoundError is returned by Bind for an interface discovery did not bind.
type NotFoundError struct {
	Interface  string
	MinVersion uint32
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("capability %s (version >= %d) not bound", e.Interface, e.MinVersion)
}

// MissingCapabilityError is the fatal result of discovery completing
// without a required interface.
type MissingCapabilityError struct {
	Interface string
}

func (e *MissingCapabilityError) Error() string {
	return fmt.Sprintf("required capability %s not advertised by the compositor", e.Interface)
}

// Requester is the part of the transport the binder issues requests on.
type Requester interface {
	AllocID() wayland.ObjectID
	Send(msgs ...wayland.Message) error
}

// Binder matches registry globals against an interest table and binds them.
type Binder struct {
	req       Requester
	registry  wayland.ObjectID
	pub       diag.Publisher
	interests []Interest

	single  map[Role]Capability
	multi   map[Role]map[uint32]Capability
	globals map[uint32]Global
}

func New(req Requester, registry wayland.ObjectID, pub diag.Publisher, interests ...Interest) *Binder {
	if len(interests) == 0 {
		interests = DefaultInterests
	}
	if pub == nil {
		pub = diag.Discard
	}
	return &Binder{
		req:       req,
		registry:  registry,
		pub:       pub,
		interests: interests,
		single:    make(map[Role]Capability),
		multi:     make(map[Role]map[uint32]Capability),
		globals:   make(map[uint32]Global),
	}
}

func (b *Binder) interest(iface string) (Interest, bool) {
	for _, in := range b.interests {
		if in.Interface == iface {
			return in, true
		}
	}
	return Interest{}, false
}

// OnGlobal handles a wl_registry.global event. It returns the capability
// when the global was bound.
func (b *Binder) OnGlobal(g wayland.Global) (Capability, bool, error) {
	log := logger.WithComponent("binder")

	if len(b.globals) == 0 {
		log.Debug().Msgf("%48s | %4s | %4s", "interface", "id", "version")
	}
	log.Debug().Msgf("%48s | %4d | %4d", g.Interface, g.Name, g.Version)

	rec := Global{Name: g.Name, Interface: g.Interface, Version: g.Version}
	defer func() {
		b.globals[g.Name] = rec
		b.pub.Publish(diag.Record{
			Kind:      diag.KindGlobal,
			Name:      rec.Name,
			Interface: rec.Interface,
			Version:   rec.Version,
			Bound:     rec.Bound,
		})
	}()

	in, ok := b.interest(g.Interface)
	if !ok {
		return Capability{}, false, nil
	}
	if !in.Multi {
		if _, taken := b.single[in.Role]; taken {
			log.Debug().Str("interface", g.Interface).Uint32("name", g.Name).Msg("Ignoring additional instance")
			return Capability{}, false, nil
		}
	}

	version := min(g.Version, in.MaxVersion)
	c := Capability{
		Role:    in.Role,
		Object:  b.req.AllocID(),
		Name:    g.Name,
		Version: version,
	}
	if err := b.req.Send(wayland.Bind(b.registry, g.Name, g.Interface, version, c.Object)); err != nil {
		return Capability{}, false, fmt.Errorf("bind %s: %w", g.Interface, err)
	}

	if in.Multi {
		if b.multi[in.Role] == nil {
			b.multi[in.Role] = make(map[uint32]Capability)
		}
		b.multi[in.Role][g.Name] = c
	} else {
		b.single[in.Role] = c
	}
	rec.Bound = true
	rec.Role = in.Role

	log.Info().
		Str("interface", g.Interface).
		Uint32("version", version).
		Uint32("object", uint32(c.Object)).
		Msgf("Found %s", in.Role)
	return c, true, nil
}

// OnGlobalRemove handles wl_registry.global_remove. Removal of a bound
// multi-instance capability drops it and returns it so the caller can
// release the object. Removal of a bound single capability is only recorded.
func (b *Binder) OnGlobalRemove(name uint32) (Capability, bool) {
	log := logger.WithComponent("binder")

	g, known := b.globals[name]
	delete(b.globals, name)

	rec := diag.Record{Kind: diag.KindGlobalRemove, Name: name, Interface: g.Interface, Bound: g.Bound}
	defer func() { b.pub.Publish(rec) }()

	if !known || !g.Bound {
		log.Debug().Uint32("name", name).Msg("Global removed")
		return Capability{}, false
	}

	if caps, ok := b.multi[g.Role]; ok {
		if c, ok := caps[name]; ok {
			delete(caps, name)
			log.Info().Str("interface", g.Interface).Uint32("name", name).Msg("Bound global removed")
			return c, true
		}
	}

	rec.Detail = "bound capability removed by compositor; not handled"
	log.Warn().Str("interface", g.Interface).Uint32("name", name).Msg("Bound global removed by compositor")
	return Capability{}, false
}

// Bind resolves the capability discovery bound for interfaceName.
func (b *Binder) Bind(interfaceName string, minVersion uint32) (Capability, error) {
	in, ok := b.interest(interfaceName)
	if ok && !in.Multi {
		if c, ok := b.single[in.Role]; ok && c.Version >= minVersion {
			return c, nil
		}
	}
	return Capability{}, &NotFoundError{Interface: interfaceName, MinVersion: minVersion}
}

// Capabilities returns every bound instance of a multi-instance role.
func (b *Binder) Capabilities(role Role) []Capability {
	out := make([]Capability, 0, len(b.multi[role]))
	for _, c := range b.multi[role] {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Complete is called once discovery has settled. A missing required
// interest is fatal; missing optional ones are logged.
func (b *Binder) Complete() error {
	log := logger.WithComponent("binder")
	for _, in := range b.interests {
		if in.Multi {
			continue
		}
		if _, ok := b.single[in.Role]; ok {
			continue
		}
		if in.Required {
			log.Error().Str("interface", in.Interface).Msg("Required capability missing")
			return &MissingCapabilityError{Interface: in.Interface}
		}
		log.Info().Str("interface", in.Interface).Msg("Optional capability not advertised")
	}
	return nil
}

// Globals lists every discovered global ordered by name.
func (b *Binder) Globals() []Global {
	out := make([]Global, 0, len(b.globals))
	for _, g := range b.globals {
		out = append(out, g)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
