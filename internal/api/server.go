package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"github.com/bryanchriswhite/toplevelwatch/internal/binder"
	"github.com/bryanchriswhite/toplevelwatch/internal/config"
	"github.com/bryanchriswhite/toplevelwatch/internal/diag"
	"github.com/bryanchriswhite/toplevelwatch/internal/launch"
	"github.com/bryanchriswhite/toplevelwatch/internal/logger"
	"github.com/bryanchriswhite/toplevelwatch/internal/toplevel"
	"github.com/bryanchriswhite/toplevelwatch/internal/tracker"
)

// Version is reported by the health endpoint.
var Version = "0.1.0"

// ReadModel is the tracker state the API serves. *tracker.Tracker
// satisfies it.
type ReadModel interface {
	List() []toplevel.Entry
	Entry(id toplevel.ID) (toplevel.Entry, bool)
	Globals() []binder.Global
	Outputs() []tracker.Output
	Finished() bool
}

// LaunchHistory lists recent application launches.
type LaunchHistory interface {
	Recent() []launch.Launch
}

type Options struct {
	Model    ReadModel
	Hub      *diag.Hub
	Config   *config.Manager
	Launches LaunchHistory
	// StreamBuffer is the per-client diagnostic buffer.
	StreamBuffer int
}

// Server represents the HTTP API server
type Server struct {
	router   *mux.Router
	model    ReadModel
	hub      *diag.Hub
	config   *config.Manager
	launches LaunchHistory
	buffer   int
	upgrader websocket.Upgrader
}

// NewServer creates a new API server
func NewServer(opts Options) *Server {
	buffer := opts.StreamBuffer
	if buffer < 1 {
		buffer = 256
	}
	s := &Server{
		router:   mux.NewRouter(),
		model:    opts.Model,
		hub:      opts.Hub,
		config:   opts.Config,
		launches: opts.Launches,
		buffer:   buffer,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
	}

	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	api := s.router.PathPrefix("/api").Subrouter()

	api.HandleFunc("/health", s.handleHealth).Methods("GET")

	api.HandleFunc("/toplevels", s.handleListToplevels).Methods("GET")
	api.HandleFunc("/toplevels/{id}", s.handleGetToplevel).Methods("GET")
	api.HandleFunc("/globals", s.handleGlobals).Methods("GET")
	api.HandleFunc("/outputs", s.handleOutputs).Methods("GET")
	api.HandleFunc("/launches", s.handleLaunches).Methods("GET")
	api.HandleFunc("/config", s.handleGetConfig).Methods("GET")

	api.HandleFunc("/stream", s.handleStream)
}

// Handler returns the routed handler with CORS headers applied.
func (s *Server) Handler() http.Handler {
	return s.enableCORS(s.router)
}

// Serve listens on addr until ctx is cancelled.
func (s *Server) Serve(ctx context.Context, addr string) error {
	log := logger.WithComponent("api")

	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	errc := make(chan error, 1)
	go func() {
		log.Info().Str("addr", addr).Msg("Starting HTTP server")
		errc <- srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Warn().Err(err).Msg("HTTP server shutdown")
		}
		if err := <-errc; err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return ctx.Err()
	}
}

func (s *Server) enableCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.WithComponent("api").Debug().Err(err).Msg("Failed to write response")
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]any{
		"status":    "healthy",
		"version":   Version,
		"toplevels": len(s.model.List()),
		"finished":  s.model.Finished(),
	})
}

func (s *Server) handleListToplevels(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, s.model.List())
}

func (s *Server) handleGetToplevel(w http.ResponseWriter, r *http.Request) {
	raw := mux.Vars(r)["id"]
	id, err := strconv.ParseUint(raw, 0, 32)
	if err != nil {
		http.Error(w, fmt.Sprintf("invalid toplevel id %q", raw), http.StatusBadRequest)
		return
	}

	entry, ok := s.model.Entry(toplevel.ID(id))
	if !ok {
		http.Error(w, "toplevel not found", http.StatusNotFound)
		return
	}
	writeJSON(w, entry)
}

func (s *Server) handleGlobals(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, s.model.Globals())
}

func (s *Server) handleOutputs(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, s.model.Outputs())
}

func (s *Server) handleLaunches(w http.ResponseWriter, r *http.Request) {
	if s.launches == nil {
		writeJSON(w, []launch.Launch{})
		return
	}
	writeJSON(w, s.launches.Recent())
}

func (s *Server) handleGetConfig(w http.ResponseWriter, r *http.Request) {
	if s.config == nil {
		http.Error(w, "configuration unavailable", http.StatusNotFound)
		return
	}
	writeJSON(w, s.config.Get())
}

// handleStream sends diagnostic records as JSON text frames. The optional
// kinds query parameter is a comma separated filter.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	log := logger.WithComponent("api")
	if s.hub == nil {
		http.Error(w, "diagnostic stream unavailable", http.StatusServiceUnavailable)
		return
	}

	var kinds []diag.Kind
	if q := r.URL.Query().Get("kinds"); q != "" {
		for _, k := range strings.Split(q, ",") {
			if k = strings.TrimSpace(k); k != "" {
				kinds = append(kinds, diag.Kind(k))
			}
		}
	}

	id := uuid.NewString()
	conn, err := s.upgrader.Upgrade(w, r, http.Header{"X-Stream-Id": {id}})
	if err != nil {
		log.Warn().Err(err).Msg("WebSocket upgrade failed")
		return
	}
	defer conn.Close()

	sub := s.hub.Subscribe(s.buffer, kinds...)
	defer s.hub.Unsubscribe(sub)
	log.Info().Str("stream", id).Str("remote", r.RemoteAddr).Int("kinds", len(kinds)).Msg("Stream client connected")

	// Reads only detect the client going away.
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-gone:
			log.Info().Str("stream", id).Uint64("dropped", sub.Dropped()).Msg("Stream client disconnected")
			return
		case rec, ok := <-sub.Records():
			if !ok {
				return
			}
			if err := conn.WriteJSON(rec); err != nil {
				log.Debug().Str("stream", id).Err(err).Msg("WebSocket write failed")
				return
			}
		}
	}
}
