// Package launch watches the session bus for application launches announced
// by GIO, so toplevels can be correlated with the process that opened them.
package launch

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/godbus/dbus/v5"

	"github.com/bryanchriswhite/toplevelwatch/internal/diag"
	"github.com/bryanchriswhite/toplevelwatch/internal/logger"
)

const (
	desktopAppInfoInterface = "org.gtk.gio.DesktopAppInfo"
	launchedMember          = "Launched"
	launchedSignal          = desktopAppInfoInterface + "." + launchedMember
)

// DefaultHistory is how many launches Recent keeps.
const DefaultHistory = 64

var (
	ErrMalformedSignal = errors.New("launch: malformed Launched signal")
	ErrNoSessionBus    = errors.New("launch: session bus unavailable")
)

// Launch is one application start.
type Launch struct {
	AppID       string    `json:"app_id"`
	DesktopFile string    `json:"desktop_file"`
	Display     string    `json:"display,omitempty"`
	PID         int64     `json:"pid"`
	URIs        []string  `json:"uris,omitempty"`
	Time        time.Time `json:"time"`
}

// AppID derives the application id from a desktop file path:
// /usr/share/applications/org.gnome.Nautilus.desktop -> org.gnome.Nautilus.
func AppID(desktopFile string) string {
	name, _, _ := strings.Cut(filepath.Base(desktopFile), ".desktop")
	return name
}

// ParseLaunched decodes the body of a Launched signal,
// signature (ay desktop_file, s display, x pid, as uris, a{sv} extras).
func ParseLaunched(body []interface{}) (Launch, error) {
	if len(body) < 3 {
		return Launch{}, fmt.Errorf("%w: %d arguments", ErrMalformedSignal, len(body))
	}
	path, ok := body[0].([]byte)
	if !ok {
		return Launch{}, fmt.Errorf("%w: desktop file is %T", ErrMalformedSignal, body[0])
	}
	display, ok := body[1].(string)
	if !ok {
		return Launch{}, fmt.Errorf("%w: display is %T", ErrMalformedSignal, body[1])
	}
	pid, ok := body[2].(int64)
	if !ok {
		return Launch{}, fmt.Errorf("%w: pid is %T", ErrMalformedSignal, body[2])
	}

	file := string(bytes.TrimRight(path, "\x00"))
	if file == "" {
		return Launch{}, fmt.Errorf("%w: empty desktop file", ErrMalformedSignal)
	}
	l := Launch{
		AppID:       AppID(file),
		DesktopFile: file,
		Display:     display,
		PID:         pid,
	}
	if len(body) > 3 {
		if uris, ok := body[3].([]string); ok {
			l.URIs = uris
		}
	}
	return l, nil
}

// Monitor subscribes to Launched signals on the session bus.
type Monitor struct {
	pub   diag.Publisher
	limit int

	mu     sync.RWMutex
	recent []Launch
}

func NewMonitor(pub diag.Publisher, limit int) *Monitor {
	if pub == nil {
		pub = diag.Discard
	}
	if limit < 1 {
		limit = DefaultHistory
	}
	return &Monitor{pub: pub, limit: limit}
}

func (m *Monitor) String() string {
	return "launch-monitor"
}

// Serve connects to the session bus and records launches until ctx ends or
// the bus connection drops.
func (m *Monitor) Serve(ctx context.Context) error {
	log := logger.WithComponent("launch")

	conn, err := dbus.ConnectSessionBus()
	if err != nil {
		return fmt.Errorf("%w: %w", ErrNoSessionBus, err)
	}
	defer conn.Close()

	if err := conn.AddMatchSignal(
		dbus.WithMatchInterface(desktopAppInfoInterface),
		dbus.WithMatchMember(launchedMember),
	); err != nil {
		return fmt.Errorf("failed to match %s: %w", launchedSignal, err)
	}
	log.Debug().Msg("Subscribed to DesktopAppInfo.Launched signal")

	signals := make(chan *dbus.Signal, 16)
	conn.Signal(signals)
	defer conn.RemoveSignal(signals)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case sig, ok := <-signals:
			if !ok {
				return errors.New("session bus connection closed")
			}
			m.handle(sig)
		}
	}
}

func (m *Monitor) handle(sig *dbus.Signal) {
	if sig == nil || sig.Name != launchedSignal {
		return
	}
	l, err := ParseLaunched(sig.Body)
	if err != nil {
		logger.WithComponent("launch").Warn().Err(err).Msg("Failed to parse launch signal")
		return
	}
	m.Record(l)
}

// Record stores a launch and publishes it on the diagnostic stream.
func (m *Monitor) Record(l Launch) {
	if l.Time.IsZero() {
		l.Time = time.Now()
	}

	m.mu.Lock()
	m.recent = append(m.recent, l)
	if over := len(m.recent) - m.limit; over > 0 {
		m.recent = append(m.recent[:0], m.recent[over:]...)
	}
	m.mu.Unlock()

	m.pub.Publish(diag.Record{
		Kind:   diag.KindLaunch,
		Time:   l.Time,
		AppID:  l.AppID,
		PID:    l.PID,
		Detail: l.DesktopFile,
	})
	logger.WithComponent("launch").Debug().
		Str("app_id", l.AppID).
		Int64("pid", l.PID).
		Str("path", l.DesktopFile).
		Msg("New application launched")
}

// Recent returns the retained launches, oldest first.
func (m *Monitor) Recent() []Launch {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Launch, len(m.recent))
	copy(out, m.recent)
	return out
}
