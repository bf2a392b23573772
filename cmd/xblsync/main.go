// xblsync keeps multiplayer sessions and stats documents in sync with a
// session directory, and ships a mock directory to exercise it against.
//
// Usage:
//
//	xblsync list                  - List built-in scenarios
//	xblsync simulate <id|all>     - Run scenarios against an in-memory directory
//	xblsync serve                 - Serve a mock session directory, taps and the SSH monitor
//	xblsync watch                 - Follow a session on a running directory
//	xblsync events                - Show journaled multiplayer events
//	xblsync offline               - Show stats documents saved while offline
//
// Global flags:
//
//	--config <path>     - Config file (default: search ~/.xblsync, ./configs, embedded)
//	--db <path>         - Journal database path (overrides storage.db_path)
//	--log-level <level> - debug, info, warn or error (overrides log.level)
package main

import (
	"fmt"
	"os"

	"github.com/charmbracelet/log"
	"github.com/spf13/cobra"

	"github.com/vovakirdan/xblsync/internal/config"
	// Import scenarios to register them
	_ "github.com/vovakirdan/xblsync/internal/scenario/builtin"
	"github.com/vovakirdan/xblsync/internal/storage"
)

var (
	// Global flags
	flagConfigPath string
	flagDBPath     string
	flagLogLevel   string
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "xblsync",
	Short: "Multiplayer session sync and stats flush engine",
	Long: `xblsync keeps a local view of multiplayer sessions consistent with a
session directory, and batches stats uploads.

Available commands:
  list      - Show the built-in scenarios
  simulate  - Run scenarios against an in-memory session directory
  serve     - Serve a mock session directory with shoulder taps
  watch     - Join a session on a running directory and follow it
  events    - Show journaled multiplayer events
  offline   - Show stats documents saved while the service was unavailable

Examples:
  xblsync list
  xblsync simulate tap-during-write
  xblsync simulate all --tui
  xblsync serve --listen :8080 --ssh :23234
  xblsync watch --url http://localhost:8080 --session room-1`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&flagConfigPath, "config", "", "Path to config file")
	rootCmd.PersistentFlags().StringVar(&flagDBPath, "db", "", "Path to the journal database")
	rootCmd.PersistentFlags().StringVar(&flagLogLevel, "log-level", "", "Log level (debug, info, warn, error)")

	rootCmd.AddCommand(listCmd)
	rootCmd.AddCommand(simulateCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(watchCmd)
	rootCmd.AddCommand(eventsCmd)
	rootCmd.AddCommand(offlineCmd)
}

// loadConfig loads the configuration and applies global flag overrides.
func loadConfig() (config.Config, error) {
	cfg, err := config.Load(flagConfigPath)
	if err != nil {
		return config.Config{}, err
	}
	if flagDBPath != "" {
		cfg.Storage.DBPath = flagDBPath
	}
	if flagLogLevel != "" {
		cfg.Log.Level = flagLogLevel
	}
	return cfg, cfg.Validate()
}

// newLogger builds the process logger from cfg.
func newLogger(cfg config.Config, prefix string) *log.Logger {
	logger := log.NewWithOptions(os.Stderr, log.Options{
		ReportTimestamp: cfg.Log.Timestamps,
		Prefix:          prefix,
	})
	if lvl, err := cfg.LogLevel(); err == nil {
		logger.SetLevel(lvl)
	}
	return logger
}

// openStore opens the journal, or returns nil and logs a warning when it
// cannot be opened. Commands that only write to the journal keep working.
func openStore(cfg config.Config, logger *log.Logger) *storage.Store {
	store, err := storage.Open(cfg.Storage.DBPath)
	if err != nil {
		logger.Warn("could not open journal", "path", cfg.Storage.DBPath, "err", err)
		return nil
	}
	return store
}
