package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/vovakirdan/xblsync/internal/config"
	"github.com/vovakirdan/xblsync/internal/platform/tui"
	"github.com/vovakirdan/xblsync/internal/scenario"
	"github.com/vovakirdan/xblsync/internal/storage"
)

var flagTUI bool

var simulateCmd = &cobra.Command{
	Use:   "simulate <scenario|all>",
	Short: "Run scenarios against an in-memory session directory",
	Long: `Run one scenario, or all of them, against a fresh in-memory session
directory. Multiplayer events are journaled and stats documents that fail to
upload are saved to the offline table.

With --tui the scenario runs inside the interactive monitor, where further
scenarios can be started.

Examples:
  xblsync simulate resync-burst
  xblsync simulate all
  xblsync simulate stats-flush --tui`,
	Args: cobra.ExactArgs(1),
	RunE: runSimulate,
}

func init() {
	simulateCmd.Flags().BoolVar(&flagTUI, "tui", false, "Run inside the interactive monitor")
}

func runSimulate(_ *cobra.Command, args []string) error {
	id := args[0]
	if id != "all" && !scenario.Exists(id) {
		return fmt.Errorf("unknown scenario %q, run 'xblsync list' to see available scenarios", id)
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger := newLogger(cfg, "xblsync")

	store := openStore(cfg, logger)
	if store != nil {
		defer store.Close()
	}

	if flagTUI {
		return runSimulateTUI(cfg, store, id)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	ids := []string{id}
	if id == "all" {
		ids = ids[:0]
		for _, s := range scenario.List() {
			ids = append(ids, s.ID)
		}
	}

	var failed []error
	for _, sid := range ids {
		env := scenario.NewEnv(cfg, logger)
		if store != nil {
			env.Recorder = store
			env.Offline = store
		}
		if err := scenario.Run(ctx, sid, env); err != nil {
			failed = append(failed, err)
			fmt.Printf("FAIL  %s\n", sid)
			continue
		}
		fmt.Printf("ok    %s (%d steps)\n", sid, len(env.Steps()))
	}

	if len(failed) > 0 {
		return errors.Join(failed...)
	}
	return nil
}

func runSimulateTUI(cfg config.Config, store *storage.Store, id string) error {
	width, height := 100, 30
	if w, h, termErr := term.GetSize(int(os.Stdout.Fd())); termErr == nil {
		width, height = w, h
	}

	mcfg := tui.MonitorConfig{
		Config: cfg,
		Store:  store,
		Width:  width,
		Height: height,
	}
	if id != "all" {
		mcfg.Autostart = id
	}

	results, err := tui.RunMonitor(mcfg)
	if err != nil {
		return fmt.Errorf("monitor: %w", err)
	}
	var failed []error
	for sid, rerr := range results {
		if rerr != nil {
			failed = append(failed, fmt.Errorf("%s: %w", sid, rerr))
		}
	}
	return errors.Join(failed...)
}
