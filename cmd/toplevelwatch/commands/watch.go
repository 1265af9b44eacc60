package commands

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/bryanchriswhite/toplevelwatch/internal/diag"
	"github.com/bryanchriswhite/toplevelwatch/internal/launch"
	"github.com/bryanchriswhite/toplevelwatch/internal/logger"
	"github.com/bryanchriswhite/toplevelwatch/internal/tracker"
)

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Stream toplevel changes",
	Long: `Connect to the compositor and print every discovered global, toplevel
commit and close as it happens. With --raw every protocol event received is
printed too.`,
	Example: `  # Follow toplevel changes as text
  toplevelwatch watch

  # Emit JSON lines including raw protocol events
  toplevelwatch watch --format json --raw`,
	RunE: runWatch,
}

var watchFormat string

func init() {
	rootCmd.AddCommand(watchCmd)

	watchCmd.Flags().StringVarP(&watchFormat, "format", "f", "text", "output format (text or json)")
	watchCmd.Flags().Bool("raw", false, "also print every raw protocol event")
	viper.BindPFlag("diagnostics.raw_events", watchCmd.Flags().Lookup("raw"))
}

func runWatch(cmd *cobra.Command, args []string) error {
	if watchFormat != "text" && watchFormat != "json" {
		return fmt.Errorf("unsupported format: %s (use 'text' or 'json')", watchFormat)
	}

	_, cfg, err := loadConfig("diagnostics.raw_events")
	if err != nil {
		return err
	}
	log := logger.WithComponent("watch")

	hub := diag.NewHub()
	var kinds []diag.Kind
	if !cfg.Diagnostics.RawEvents {
		kinds = diag.KindsExcept(diag.KindEvent)
	}
	sub := hub.Subscribe(cfg.Diagnostics.Buffer, kinds...)
	printed := make(chan struct{})
	go func() {
		defer close(printed)
		printRecords(os.Stdout, sub.Records(), watchFormat)
	}()
	defer func() {
		hub.Unsubscribe(sub)
		<-printed
		if n := sub.Dropped(); n > 0 {
			log.Warn().Uint64("dropped", n).Msg("Output could not keep up with the diagnostic stream")
		}
	}()

	tr, err := dialTracker(cfg, tracker.Options{Diagnostics: hub, RawEvents: cfg.Diagnostics.RawEvents})
	if err != nil {
		return err
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()
	stop := context.AfterFunc(ctx, func() { tr.Close() })
	defer stop()

	if cfg.Launch.Enabled {
		mon := launch.NewMonitor(hub, launch.DefaultHistory)
		go func() {
			if err := mon.Serve(ctx); err != nil && !errors.Is(err, context.Canceled) {
				log.Warn().Err(err).Msg("Launch monitor stopped")
			}
		}()
	}

	if err := tr.Initialize(); err != nil {
		tr.Close()
		return err
	}
	err = tr.Run()
	tr.Close()
	return err
}

func printRecords(out io.Writer, records <-chan diag.Record, format string) {
	enc := json.NewEncoder(out)
	for r := range records {
		if format == "json" {
			enc.Encode(r)
			continue
		}
		fmt.Fprintln(out, formatRecord(r))
	}
}

func formatRecord(r diag.Record) string {
	ts := r.Time.Format("15:04:05.000")
	switch r.Kind {
	case diag.KindGlobal:
		bound := ""
		if r.Bound {
			bound = " (bound)"
		}
		return fmt.Sprintf("%s global        %-40s name=%d v%d%s", ts, r.Interface, r.Name, r.Version, bound)
	case diag.KindGlobalRemove:
		return fmt.Sprintf("%s global_remove %-40s name=%d %s", ts, r.Interface, r.Name, r.Detail)
	case diag.KindEvent:
		return fmt.Sprintf("%s event         %s@%d.%s", ts, r.Interface, r.Object, r.Event)
	case diag.KindAnnounce:
		return fmt.Sprintf("%s toplevel      %d", ts, r.Toplevel)
	case diag.KindCommit:
		if r.Snapshot == nil {
			return fmt.Sprintf("%s commit        %d", ts, r.Toplevel)
		}
		s := r.Snapshot
		return fmt.Sprintf("%s commit        %d app_id=%q title=%q state=%s outputs=%s serial=%d",
			ts, r.Toplevel, s.AppIDOr(""), s.TitleOr(""), formatStates(s.States), formatOutputs(s.Outputs), s.Serial)
	case diag.KindClosed:
		return fmt.Sprintf("%s closed        %d", ts, r.Toplevel)
	case diag.KindFinished:
		return fmt.Sprintf("%s finished", ts)
	case diag.KindLaunch:
		return fmt.Sprintf("%s launch        %s pid=%d %s", ts, r.AppID, r.PID, r.Detail)
	case diag.KindViolation:
		return fmt.Sprintf("%s violation     %s", ts, r.Detail)
	default:
		return fmt.Sprintf("%s %s", ts, r.Kind)
	}
}
