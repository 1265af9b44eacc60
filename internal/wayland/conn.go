package wayland

import (
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"sync"
	"syscall"

	"deedles.dev/wl/wire"
)

// ErrClosed is returned by Receive once the compositor hangs up or the
// connection has been closed locally.
var ErrClosed = errors.New("wayland: connection closed")

// ConnectError reports a failure to reach the compositor socket.
type ConnectError struct {
	Path string
	Err  error
}

func (e *ConnectError) Error() string {
	return fmt.Sprintf("wayland: connect to %s: %v", e.Path, e.Err)
}

func (e *ConnectError) Unwrap() error {
	return e.Err
}

// SocketPath resolves the compositor socket the way libwayland does. Empty
// arguments fall back to WAYLAND_DISPLAY and XDG_RUNTIME_DIR.
func SocketPath(runtimeDir, display string) (string, error) {
	if display == "" {
		display = os.Getenv("WAYLAND_DISPLAY")
	}
	if display == "" {
		display = "wayland-0"
	}
	if filepath.IsAbs(display) {
		return display, nil
	}
	if runtimeDir == "" {
		runtimeDir = os.Getenv("XDG_RUNTIME_DIR")
	}
	if runtimeDir == "" {
		return "", errors.New("wayland: XDG_RUNTIME_DIR not set")
	}
	return filepath.Join(runtimeDir, display), nil
}

// readAhead bounds how many decoded events wait for Receive.
const readAhead = 64

// Conn is a client connection to a compositor. Receive must only be called
// from one goroutine; Send may be called concurrently.
type Conn struct {
	wc *wire.Conn

	sendMu sync.Mutex
	nextID ObjectID

	startRead sync.Once
	events    chan Message
	readErr   error // written before events is closed
	done      chan struct{}
	closeOnce sync.Once
}

// Dial connects to the compositor socket at path.
func Dial(path string) (*Conn, error) {
	sock, err := net.DialUnix("unix", nil, &net.UnixAddr{Name: path, Net: "unix"})
	if err != nil {
		return nil, &ConnectError{Path: path, Err: err}
	}
	return NewConn(sock), nil
}

// NewConn wraps an established socket. Client-allocated ids start at 2; 1 is
// always wl_display.
func NewConn(sock *net.UnixConn) *Conn {
	return &Conn{
		wc:     wire.NewConn(sock),
		nextID: DisplayID + 1,
		events: make(chan Message, readAhead),
		done:   make(chan struct{}),
	}
}

// AllocID reserves the next client object id.
func (c *Conn) AllocID() ObjectID {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	id := c.nextID
	c.nextID++
	return id
}

// Send writes the messages in order.
func (c *Conn) Send(msgs ...Message) error {
	for _, m := range msgs {
		if m.Size() > MaxMessageSize {
			return fmt.Errorf("%w: request of %d bytes", ErrMalformed, m.Size())
		}
	}

	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	for _, m := range msgs {
		if err := m.builder().Build(c.wc); err != nil {
			return classify(err)
		}
	}
	return nil
}

// Receive blocks until at least one event has been read and returns every
// event read so far.
func (c *Conn) Receive() ([]Message, error) {
	c.startRead.Do(func() { go c.readLoop() })

	m, ok := <-c.events
	if !ok {
		return nil, c.readErr
	}
	msgs := []Message{m}
	for {
		select {
		case m, ok := <-c.events:
			if !ok {
				return msgs, nil
			}
			msgs = append(msgs, m)
		default:
			return msgs, nil
		}
	}
}

func (c *Conn) readLoop() {
	defer close(c.events)
	for {
		mb, err := wire.ReadMessage(c.wc)
		if err != nil {
			c.readErr = classify(err)
			return
		}
		m, err := fromBuffer(mb)
		if err != nil {
			c.readErr = err
			return
		}
		select {
		case c.events <- m:
		case <-c.done:
			c.readErr = ErrClosed
			return
		}
	}
}

// Close closes the socket. A Receive blocked in another goroutine returns
// ErrClosed.
func (c *Conn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		err = c.wc.Close()
	})
	return err
}

func classify(err error) error {
	switch {
	case errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF),
		errors.Is(err, net.ErrClosed), errors.Is(err, syscall.EPIPE), errors.Is(err, syscall.ECONNRESET):
		return fmt.Errorf("%w: %v", ErrClosed, err)
	}
	return fmt.Errorf("wayland: transport: %w", err)
}
