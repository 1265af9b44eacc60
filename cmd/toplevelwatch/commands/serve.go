package commands

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/thejerf/suture/v4"

	"github.com/bryanchriswhite/toplevelwatch/internal/api"
	"github.com/bryanchriswhite/toplevelwatch/internal/binder"
	"github.com/bryanchriswhite/toplevelwatch/internal/config"
	"github.com/bryanchriswhite/toplevelwatch/internal/diag"
	"github.com/bryanchriswhite/toplevelwatch/internal/launch"
	"github.com/bryanchriswhite/toplevelwatch/internal/logger"
	"github.com/bryanchriswhite/toplevelwatch/internal/supervise"
	"github.com/bryanchriswhite/toplevelwatch/internal/toplevel"
	"github.com/bryanchriswhite/toplevelwatch/internal/tracker"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the toplevelwatch API server",
	Long: `Start the HTTP server that tracks toplevel windows in the background.

The server provides a REST API with the current toplevels, globals, outputs
and recent application launches, plus a WebSocket diagnostic stream. The
compositor connection is restarted with backoff if it drops.`,
	Example: `  # Start server on default port (8080)
  toplevelwatch serve

  # Start server on custom port
  toplevelwatch serve --port 9090

  # Start with debug logging
  toplevelwatch serve --log-level debug`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().Int("port", 0, "server port (default is 8080)")
	viper.BindPFlag("server.port", serveCmd.Flags().Lookup("port"))
}

func runServe(cmd *cobra.Command, args []string) error {
	configMgr, cfg, err := loadConfig("server.port")
	if err != nil {
		return err
	}
	log := logger.WithComponent("serve")
	log.Info().Str("config", configMgr.GetConfigPath()).Str("log_level", cfg.LogLevel).Msg("Configuration loaded")

	hub := diag.NewHub()
	live := &liveModel{}
	sup := supervise.New("toplevelwatch")

	tracking := &trackerService{cfg: cfg, hub: hub, live: live}
	supervise.Add(sup, tracking)

	var launches api.LaunchHistory
	if cfg.Launch.Enabled {
		mon := launch.NewMonitor(hub, launch.DefaultHistory)
		launches = mon
		supervise.Add(sup, supervise.NewFunc(mon.String(), func(ctx context.Context) error {
			err := mon.Serve(ctx)
			if errors.Is(err, launch.ErrNoSessionBus) {
				log.Warn().Err(err).Msg("Launch tracking disabled")
				return suture.ErrDoNotRestart
			}
			return err
		}))
	}

	server := api.NewServer(api.Options{
		Model:        live,
		Hub:          hub,
		Config:       configMgr,
		Launches:     launches,
		StreamBuffer: cfg.Diagnostics.Buffer,
	})
	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	supervise.Add(sup, supervise.NewFunc("api-server", func(ctx context.Context) error {
		return server.Serve(ctx, addr)
	}))

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	log.Info().
		Str("api", fmt.Sprintf("http://localhost:%d/api", cfg.Server.Port)).
		Msg("toplevelwatch is running, press Ctrl+C to stop")

	err = sup.Serve(ctx)
	if fatal := tracking.fatal.Load(); fatal != nil {
		return *fatal
	}
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	log.Info().Msg("Shut down gracefully")
	return nil
}

// trackerService keeps a compositor connection alive under the supervisor.
type trackerService struct {
	cfg  *config.Config
	hub  *diag.Hub
	live *liveModel

	fatal atomic.Pointer[error]
}

func (s *trackerService) String() string {
	return "tracker"
}

func (s *trackerService) Serve(ctx context.Context) error {
	tr, err := dialTracker(s.cfg, tracker.Options{Diagnostics: s.hub, RawEvents: s.cfg.Diagnostics.RawEvents})
	if err != nil {
		return err
	}
	stop := context.AfterFunc(ctx, func() { tr.Close() })
	defer stop()
	defer tr.Close()

	if err := tr.Initialize(); err != nil {
		var missing *binder.MissingCapabilityError
		if errors.As(err, &missing) {
			s.fatal.Store(&err)
			return fmt.Errorf("%w: %w", suture.ErrTerminateSupervisorTree, err)
		}
		return err
	}
	s.live.Store(tr)

	err = tr.Run()
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if err == nil {
		logger.WithComponent("serve").Info().Msg("Toplevel manager finished, tracking stopped")
		return suture.ErrDoNotRestart
	}
	return err
}

// liveModel serves the most recently initialized tracker, or empty results
// while none is connected.
type liveModel struct {
	tr atomic.Pointer[tracker.Tracker]
}

func (m *liveModel) Store(tr *tracker.Tracker) {
	m.tr.Store(tr)
}

func (m *liveModel) List() []toplevel.Entry {
	if tr := m.tr.Load(); tr != nil {
		return tr.List()
	}
	return []toplevel.Entry{}
}

func (m *liveModel) Entry(id toplevel.ID) (toplevel.Entry, bool) {
	if tr := m.tr.Load(); tr != nil {
		return tr.Entry(id)
	}
	return toplevel.Entry{}, false
}

func (m *liveModel) Globals() []binder.Global {
	if tr := m.tr.Load(); tr != nil {
		return tr.Globals()
	}
	return []binder.Global{}
}

func (m *liveModel) Outputs() []tracker.Output {
	if tr := m.tr.Load(); tr != nil {
		return tr.Outputs()
	}
	return []tracker.Output{}
}

func (m *liveModel) Finished() bool {
	if tr := m.tr.Load(); tr != nil {
		return tr.Finished()
	}
	return false
}
