package commands

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/bryanchriswhite/toplevelwatch/internal/config"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Inspect and change persisted settings",
	Long: `Inspect the effective settings and where each one comes from, or change a
persisted value.

Precedence, highest first: command-line flag, ` + config.EnvPrefix + `_* environment
variable, config file (where 'config set' writes), built-in default.`,
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "List every setting with its value and source",
	Example: `  # Table of key, value and source
  toplevelwatch config show

  # See what a flag changes
  toplevelwatch --log-level debug config show

  # Machine-readable
  toplevelwatch config show --format json`,
	Args: cobra.NoArgs,
	RunE: runConfigShow,
}

var configGetCmd = &cobra.Command{
	Use:   "get KEY",
	Short: "Print the effective value of one setting",
	Long:  "Print the effective value of one setting.\n\nKeys: " + strings.Join(config.Keys(), ", "),
	Example: `  toplevelwatch config get server.port
  toplevelwatch config get wayland.display --source`,
	Args: cobra.ExactArgs(1),
	RunE: runConfigGet,
}

var configSetCmd = &cobra.Command{
	Use:   "set KEY VALUE",
	Short: "Persist a setting to the config file",
	Long:  "Validate VALUE for KEY and write it to the config file.\n\nKeys: " + strings.Join(config.Keys(), ", "),
	Example: `  toplevelwatch config set server.port 9090
  toplevelwatch config set diagnostics.raw_events true`,
	Args: cobra.ExactArgs(2),
	RunE: runConfigSet,
}

var configPathCmd = &cobra.Command{
	Use:   "path",
	Short: "Print the config file location",
	Args:  cobra.NoArgs,
	RunE:  runConfigPath,
}

var (
	configFormat     string
	configShowSource bool
)

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configShowCmd, configGetCmd, configSetCmd, configPathCmd)

	configShowCmd.Flags().StringVarP(&configFormat, "format", "f", "table", "output format (table, yaml or json)")
	configGetCmd.Flags().BoolVarP(&configShowSource, "source", "s", false, "also print where the value comes from")
}

func runConfigShow(cmd *cobra.Command, args []string) error {
	mgr, _, err := loadConfig()
	if err != nil {
		return err
	}
	return printSettings(cmd.OutOrStdout(), mgr.Settings(), configFormat)
}

func printSettings(out io.Writer, settings []config.Setting, format string) error {
	switch format {
	case "table":
		w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "KEY\tVALUE\tSOURCE")
		for _, s := range settings {
			fmt.Fprintf(w, "%s\t%s\t%s\n", s.Key, formatValue(s.Value), s.Source)
		}
		return w.Flush()
	case "json":
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(settings)
	case "yaml":
		enc := yaml.NewEncoder(out)
		enc.SetIndent(2)
		defer enc.Close()
		return enc.Encode(settings)
	}
	return fmt.Errorf("unsupported format: %s (use 'table', 'yaml' or 'json')", format)
}

func formatValue(v any) string {
	if s, ok := v.(string); ok && s == "" {
		return `""`
	}
	return fmt.Sprint(v)
}

func runConfigGet(cmd *cobra.Command, args []string) error {
	mgr, _, err := loadConfig()
	if err != nil {
		return err
	}
	s, err := mgr.Lookup(args[0])
	if err != nil {
		return err
	}
	if configShowSource {
		fmt.Fprintf(cmd.OutOrStdout(), "%s (%s)\n", formatValue(s.Value), s.Source)
		return nil
	}
	fmt.Fprintln(cmd.OutOrStdout(), s.Value)
	return nil
}

func runConfigSet(cmd *cobra.Command, args []string) error {
	key, value := args[0], args[1]

	mgr, err := config.NewManager(GetConfigFile())
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if err := mgr.Set(key, value); err != nil {
		return err
	}
	if err := mgr.Get().Validate(); err != nil {
		return err
	}
	if err := mgr.Save(); err != nil {
		return fmt.Errorf("failed to save config: %w", err)
	}

	if env := config.EnvVar(key); os.Getenv(env) != "" {
		fmt.Fprintf(cmd.ErrOrStderr(), "note: %s is set and overrides the file in other sessions\n", env)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s = %s\n", key, value)
	return nil
}

func runConfigPath(cmd *cobra.Command, args []string) error {
	mgr, err := config.NewManager(GetConfigFile())
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	fmt.Fprintln(cmd.OutOrStdout(), mgr.GetConfigPath())
	return nil
}
