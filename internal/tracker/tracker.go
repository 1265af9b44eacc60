// Package tracker drives the toplevel observer: it owns the compositor
// connection, demultiplexes events to the binder and the toplevel registry,
// and publishes a read model other goroutines may query.
package tracker

import (
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/rs/zerolog"

	"github.com/bryanchriswhite/toplevelwatch/internal/binder"
	"github.com/bryanchriswhite/toplevelwatch/internal/diag"
	"github.com/bryanchriswhite/toplevelwatch/internal/logger"
	"github.com/bryanchriswhite/toplevelwatch/internal/toplevel"
	"github.com/bryanchriswhite/toplevelwatch/internal/wayland"
)

var (
	ErrNotInitialized = errors.New("tracker: not initialized")
	ErrUnknownObject  = errors.New("tracker: event for unknown object")
)

// Transport is the connection the tracker speaks the protocol over.
// *wayland.Conn satisfies it.
type Transport interface {
	AllocID() wayland.ObjectID
	Send(msgs ...wayland.Message) error
	Receive() ([]wayland.Message, error)
	Close() error
}

type Options struct {
	// Diagnostics receives discovery, lifecycle and violation records.
	Diagnostics diag.Publisher
	// Interests overrides binder.DefaultInterests.
	Interests []binder.Interest
	// RawEvents publishes a record for every event received even when the
	// publisher reports no consumer for them.
	RawEvents bool
}

type object struct {
	iface string
	// zombie objects were released or destroyed by the server; their
	// events are dropped until delete_id.
	zombie bool
}

// Tracker is the single owner of the transport, binder and registry. Only
// Stop, Close and the read model methods may be called from other
// goroutines.
type Tracker struct {
	conn Transport
	pub  diag.Publisher
	raw  bool
	log  *zerolog.Logger

	interests []binder.Interest
	binder    *binder.Binder
	toplevels *toplevel.Registry
	objects   map[wayland.ObjectID]*object
	outputs   map[wayland.ObjectID]*Output
	synced    map[wayland.ObjectID]bool
	registry  wayland.ObjectID
	// manager is read by Close from other goroutines.
	manager atomic.Uint32

	exit atomic.Bool
	view view
}

func New(conn Transport, opts Options) *Tracker {
	pub := opts.Diagnostics
	if pub == nil {
		pub = diag.Discard
	}
	t := &Tracker{
		conn:      conn,
		pub:       pub,
		raw:       opts.RawEvents,
		log:       logger.WithComponent("tracker"),
		interests: opts.Interests,
		toplevels: toplevel.NewRegistry(),
		objects:   map[wayland.ObjectID]*object{wayland.DisplayID: {iface: wayland.InterfaceDisplay}},
		outputs:   make(map[wayland.ObjectID]*Output),
		synced:    make(map[wayland.ObjectID]bool),
	}
	t.view.init()
	return t
}

// Dial connects to the compositor named by runtimeDir and display. Empty
// values fall back to XDG_RUNTIME_DIR and WAYLAND_DISPLAY.
func Dial(runtimeDir, display string, opts Options) (*Tracker, error) {
	path, err := wayland.SocketPath(runtimeDir, display)
	if err != nil {
		return nil, err
	}
	conn, err := wayland.Dial(path)
	if err != nil {
		return nil, err
	}
	logger.WithComponent("tracker").Debug().Str("socket", path).Msg("Connected to compositor")
	return New(conn, opts), nil
}

// Initialize performs discovery, binds the toplevel manager, and waits for
// the initial toplevel batch. A missing manager returns
// *binder.MissingCapabilityError.
func (t *Tracker) Initialize() error {
	t.registry = t.conn.AllocID()
	t.objects[t.registry] = &object{iface: wayland.InterfaceRegistry}
	t.binder = binder.New(t.conn, t.registry, t.pub, t.interests...)

	if err := t.conn.Send(wayland.GetRegistry(t.registry)); err != nil {
		return fmt.Errorf("get registry: %w", err)
	}
	if err := t.Roundtrip(); err != nil {
		return fmt.Errorf("discover globals: %w", err)
	}
	if err := t.binder.Complete(); err != nil {
		return err
	}
	mgr, err := t.binder.Bind(wayland.InterfaceToplevelManager, 1)
	if err != nil {
		return err
	}
	t.manager.Store(uint32(mgr.Object))
	// Bound objects send their initial state only after the bind is processed.
	if err := t.Roundtrip(); err != nil {
		return fmt.Errorf("initial toplevels: %w", err)
	}

	t.log.Info().
		Int("toplevels", t.toplevels.Len()).
		Int("outputs", len(t.outputs)).
		Msg("Toplevel manager ready")
	return nil
}

// Roundtrip dispatches events until the compositor has processed every
// request sent so far. It must be called from the dispatch goroutine.
func (t *Tracker) Roundtrip() error {
	cb := t.conn.AllocID()
	t.objects[cb] = &object{iface: wayland.InterfaceCallback}
	if err := t.conn.Send(wayland.Sync(cb)); err != nil {
		return fmt.Errorf("sync: %w", err)
	}
	defer delete(t.synced, cb)

	for !t.synced[cb] {
		if err := t.drain(); err != nil {
			return err
		}
	}
	return nil
}

// Run blocks dispatching events until Stop is called, the transport closes,
// an error occurs, or the manager has finished and every toplevel it
// announced has closed. The exit flag is checked once per drain cycle.
func (t *Tracker) Run() error {
	if t.binder == nil {
		return ErrNotInitialized
	}
	for {
		if t.exit.Load() {
			t.log.Debug().Msg("Exit requested")
			return nil
		}
		if t.drained() {
			t.log.Info().Msg("Toplevel manager finished and all toplevels closed")
			return nil
		}
		if err := t.drain(); err != nil {
			if errors.Is(err, wayland.ErrClosed) && t.exit.Load() {
				return nil
			}
			return err
		}
	}
}

// drain blocks for the next batch of events and dispatches all of it.
func (t *Tracker) drain() error {
	msgs, err := t.conn.Receive()
	if err != nil {
		return err
	}
	for _, m := range msgs {
		if err := t.dispatch(m); err != nil {
			return err
		}
	}
	return nil
}

func (t *Tracker) drained() bool {
	return t.toplevels.Finished() && t.toplevels.Len() == 0
}

// Stop sets the exit flag. Run returns after the current drain cycle.
func (t *Tracker) Stop() {
	t.exit.Store(true)
}

// Close stops the loop and closes the transport, unblocking a pending
// receive. A manager that has not finished is asked to stop first.
func (t *Tracker) Close() error {
	t.Stop()
	if id := t.manager.Load(); id != 0 && !t.Finished() {
		if err := t.conn.Send(wayland.StopToplevelManager(wayland.ObjectID(id))); err != nil {
			t.log.Debug().Err(err).Uint32("manager", id).Msg("Stop request not sent")
		}
	}
	return t.conn.Close()
}
