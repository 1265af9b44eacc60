package commands

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/bryanchriswhite/toplevelwatch/internal/toplevel"
	"github.com/bryanchriswhite/toplevelwatch/internal/tracker"
)

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List toplevel windows",
	Long: `List every toplevel window the compositor currently reports.

This command connects to the compositor, waits for the initial batch of
toplevel state and prints the committed snapshot of each window.`,
	Example: `  # List windows in table format (default)
  toplevelwatch list

  # List windows in JSON format
  toplevelwatch list --format json

  # List windows of another compositor
  toplevelwatch list --display wayland-1`,
	RunE: runList,
}

var listFormat string

func init() {
	rootCmd.AddCommand(listCmd)

	listCmd.Flags().StringVarP(&listFormat, "format", "f", "table", "output format (table or json)")
}

func runList(cmd *cobra.Command, args []string) error {
	if listFormat != "table" && listFormat != "json" {
		return fmt.Errorf("unsupported format: %s (use 'table' or 'json')", listFormat)
	}

	_, cfg, err := loadConfig()
	if err != nil {
		return err
	}

	tr, err := dialTracker(cfg, tracker.Options{})
	if err != nil {
		return err
	}
	defer tr.Close()

	if err := tr.Initialize(); err != nil {
		return err
	}
	entries := tr.List()

	switch listFormat {
	case "json":
		encoder := json.NewEncoder(os.Stdout)
		encoder.SetIndent("", "  ")
		return encoder.Encode(entries)
	default:
		return printToplevelTable(os.Stdout, entries)
	}
}

func printToplevelTable(out io.Writer, entries []toplevel.Entry) error {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)

	fmt.Fprintln(w, "ID\tAPP ID\tTITLE\tSTATE\tOUTPUTS")
	fmt.Fprintln(w, "--\t------\t-----\t-----\t-------")

	for _, e := range entries {
		if e.Snapshot == nil {
			fmt.Fprintf(w, "%d\t-\t-\t-\t-\n", e.ID)
			continue
		}
		s := e.Snapshot
		fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\n",
			e.ID,
			s.AppIDOr("-"),
			s.TitleOr("-"),
			formatStates(s.States),
			formatOutputs(s.Outputs),
		)
	}

	return w.Flush()
}

func formatStates(states toplevel.States) string {
	if states == 0 {
		return "-"
	}
	return strings.Trim(states.String(), "{}")
}

func formatOutputs(outputs []toplevel.OutputID) string {
	if len(outputs) == 0 {
		return "-"
	}
	parts := make([]string, len(outputs))
	for i, o := range outputs {
		parts[i] = fmt.Sprint(o)
	}
	return strings.Join(parts, ",")
}
