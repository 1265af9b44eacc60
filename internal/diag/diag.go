// Package diag carries the observability stream: discovered globals, raw
// protocol events, commits, closes, launches and consistency violations.
package diag

import (
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bryanchriswhite/toplevelwatch/internal/logger"
	"github.com/bryanchriswhite/toplevelwatch/internal/toplevel"
)

// Kind classifies a Record.
type Kind string

const (
	KindGlobal       Kind = "global"
	KindGlobalRemove Kind = "global_remove"
	KindEvent        Kind = "event"
	KindAnnounce     Kind = "announce"
	KindCommit       Kind = "commit"
	KindClosed       Kind = "closed"
	KindFinished     Kind = "finished"
	KindLaunch       Kind = "launch"
	KindViolation    Kind = "violation"
)

// Kinds lists every record kind.
var Kinds = []Kind{
	KindGlobal, KindGlobalRemove, KindEvent, KindAnnounce, KindCommit,
	KindClosed, KindFinished, KindLaunch, KindViolation,
}

// KindsExcept returns Kinds without skip.
func KindsExcept(skip ...Kind) []Kind {
	out := make([]Kind, 0, len(Kinds))
	for _, k := range Kinds {
		if !slices.Contains(skip, k) {
			out = append(out, k)
		}
	}
	return out
}

// Record is one diagnostic entry. Only the fields relevant to Kind are set.
type Record struct {
	Kind Kind      `json:"kind"`
	Time time.Time `json:"time"`

	// Globals
	Name      uint32 `json:"name,omitempty"`
	Interface string `json:"interface,omitempty"`
	Version   uint32 `json:"version,omitempty"`
	Bound     bool   `json:"bound,omitempty"`

	// Events
	Object uint32 `json:"object,omitempty"`
	Event  string `json:"event,omitempty"`

	Toplevel toplevel.ID        `json:"toplevel,omitempty"`
	Snapshot *toplevel.Snapshot `json:"snapshot,omitempty"`

	// Launches
	AppID string `json:"app_id,omitempty"`
	PID   int64  `json:"pid,omitempty"`

	Detail string `json:"detail,omitempty"`
}

// Publisher accepts diagnostic records.
type Publisher interface {
	Publish(Record)
}

// Observer is implemented by publishers that know whether a kind of record
// currently has a consumer.
type Observer interface {
	Wants(Kind) bool
}

// Discard drops records; used when nothing observes the stream.
var Discard Publisher = discard{}

type discard struct{}

func (discard) Publish(Record) {}

// Subscription receives records from a Hub.
type Subscription struct {
	ch      chan Record
	dropped atomic.Uint64
	kinds   map[Kind]bool
}

// Records is closed when the subscription is removed.
func (s *Subscription) Records() <-chan Record {
	return s.ch
}

// Dropped counts records this subscriber missed because its buffer was full.
func (s *Subscription) Dropped() uint64 {
	return s.dropped.Load()
}

func (s *Subscription) wants(k Kind) bool {
	return len(s.kinds) == 0 || s.kinds[k]
}

// Hub fans records out to subscribers. Publish never blocks the caller;
// a full subscriber buffer is counted and logged, never dropped silently.
type Hub struct {
	mu   sync.RWMutex
	subs map[*Subscription]struct{}
}

func NewHub() *Hub {
	return &Hub{subs: make(map[*Subscription]struct{})}
}

// Subscribe registers a subscriber. With no kinds every record is delivered.
func (h *Hub) Subscribe(buffer int, kinds ...Kind) *Subscription {
	if buffer < 1 {
		buffer = 1
	}
	s := &Subscription{ch: make(chan Record, buffer)}
	if len(kinds) > 0 {
		s.kinds = make(map[Kind]bool, len(kinds))
		for _, k := range kinds {
			s.kinds[k] = true
		}
	}
	h.mu.Lock()
	h.subs[s] = struct{}{}
	h.mu.Unlock()
	return s
}

func (h *Hub) Unsubscribe(s *Subscription) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.subs[s]; ok {
		delete(h.subs, s)
		close(s.ch)
	}
}

// Active reports whether anyone is subscribed.
func (h *Hub) Active() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs) > 0
}

// Wants reports whether any subscriber accepts records of kind k.
func (h *Hub) Wants(k Kind) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for s := range h.subs {
		if s.wants(k) {
			return true
		}
	}
	return false
}

func (h *Hub) Publish(r Record) {
	if r.Time.IsZero() {
		r.Time = time.Now()
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for s := range h.subs {
		if !s.wants(r.Kind) {
			continue
		}
		select {
		case s.ch <- r:
		default:
			n := s.dropped.Add(1)
			// First drop and then every hundredth, so a stalled reader cannot flood the log.
			if n == 1 || n%100 == 0 {
				logger.WithComponent("diag").Warn().
					Str("kind", string(r.Kind)).
					Uint64("dropped", n).
					Msg("Diagnostic subscriber is not keeping up, dropping records")
			}
		}
	}
}
