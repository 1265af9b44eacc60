package commands

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/bryanchriswhite/toplevelwatch/internal/config"
	"github.com/bryanchriswhite/toplevelwatch/internal/logger"
	"github.com/bryanchriswhite/toplevelwatch/internal/tracker"
)

var (
	cfgFile string
	rootCmd = &cobra.Command{
		Use:   "toplevelwatch",
		Short: "toplevelwatch - observe Wayland toplevel windows",
		Long: `toplevelwatch follows the toplevel windows a wlroots-based compositor
exposes through the foreign toplevel management protocol.

Features:
  • Atomic per-window snapshots (title, app id, outputs, state)
  • Live diagnostic stream of globals, protocol events and commits
  • Application launch tracking over the session bus
  • REST and WebSocket API for integration
  • Persistent configuration`,
		SilenceUsage: true,
	}
)

// flagKeys maps persistent flags to configuration keys.
var flagKeys = map[string]string{
	"log-level":   "log_level",
	"display":     "wayland.display",
	"runtime-dir": "wayland.runtime_dir",
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.config/toplevelwatch/config.yaml)")
	rootCmd.PersistentFlags().String("log-level", "", "log level (trace, debug, info, warn, error)")
	rootCmd.PersistentFlags().String("display", "", "Wayland display name or socket path (default is $WAYLAND_DISPLAY)")
	rootCmd.PersistentFlags().String("runtime-dir", "", "runtime directory holding the socket (default is $XDG_RUNTIME_DIR)")

	for flag, key := range flagKeys {
		viper.BindPFlag(key, rootCmd.PersistentFlags().Lookup(flag))
	}
}

// Execute runs the root command
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// GetConfigFile returns the config file path
func GetConfigFile() string {
	return cfgFile
}

// loadConfig reads the config file, applies flags that were set on the
// command line, and initializes logging from the result.
func loadConfig(keys ...string) (*config.Manager, *config.Config, error) {
	configMgr, err := config.NewManager(GetConfigFile())
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load config: %w", err)
	}

	for _, key := range flagKeys {
		keys = append(keys, key)
	}
	for _, key := range keys {
		if viper.IsSet(key) {
			configMgr.Override(key, viper.Get(key))
		}
	}

	cfg := configMgr.Get()
	if err := cfg.Validate(); err != nil {
		return nil, nil, err
	}
	logger.Init(cfg.LogLevel, cfg.LogPretty)
	return configMgr, cfg, nil
}

func dialTracker(cfg *config.Config, opts tracker.Options) (*tracker.Tracker, error) {
	tr, err := tracker.Dial(cfg.Wayland.RuntimeDir, cfg.Wayland.Display, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to compositor: %w", err)
	}
	return tr, nil
}
