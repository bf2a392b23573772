package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/vovakirdan/xblsync/internal/mpsd"
	"github.com/vovakirdan/xblsync/internal/platform/tui"
	"github.com/vovakirdan/xblsync/internal/rta"
)

var (
	flagListen      string
	flagSSHAddr     string
	flagHostKey     string
	flagIdleTimeout int
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve a mock session directory with shoulder taps",
	Long: `Start an HTTP server exposing an in-memory session directory over REST,
and a WebSocket endpoint at /rta that pushes a shoulder tap for every change.

With --ssh an SSH server is started as well. Each SSH connection gets its own
monitor for running scenarios; they share the journal.

Host key handling:
  - If --host-key is provided, uses that key file
  - Otherwise, uses server.host_key_path, generating it when missing

Examples:
  xblsync serve                          # REST and taps on server.listen
  xblsync serve --listen :9090           # Listen on port 9090
  xblsync serve --ssh :23234             # Also serve the monitor over SSH

Clients can follow a session with:
  xblsync watch --url http://localhost:8080 --session room-1`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().StringVar(&flagListen, "listen", "", "HTTP listen address (overrides server.listen)")
	serveCmd.Flags().StringVar(&flagSSHAddr, "ssh", "", "SSH monitor address (overrides server.ssh_listen)")
	serveCmd.Flags().StringVar(&flagHostKey, "host-key", "", "Path to host key file (overrides server.host_key_path)")
	serveCmd.Flags().IntVar(&flagIdleTimeout, "idle-timeout", 30, "Idle timeout in minutes before disconnecting SSH clients")
}

func runServe(_ *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if flagListen != "" {
		cfg.Server.Listen = flagListen
	}
	if flagSSHAddr != "" {
		cfg.Server.SSHListen = flagSSHAddr
	}
	if flagHostKey != "" {
		cfg.Server.HostKeyPath = flagHostKey
	}
	logger := newLogger(cfg, "xblsync-serve")

	store := openStore(cfg, logger)
	if store != nil {
		defer store.Close()
	}

	mem := mpsd.NewMemory()
	hub := rta.NewHub(rta.WithHubLogger(logger), rta.WithPingInterval(cfg.Server.PingInterval))
	defer mem.Subscribe(hub.PublishTap)()

	mux := http.NewServeMux()
	mux.Handle("/rta", hub)
	mpsd.NewServer(mem, logger).Mount(mux)

	httpServer := &http.Server{
		Addr:              cfg.Server.Listen,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	var sshServer *tui.SSHServer
	if cfg.Server.SSHListen != "" {
		sshServer, err = tui.NewSSHServer(tui.SSHServerConfig{
			Address:     cfg.Server.SSHListen,
			HostKeyPath: cfg.Server.HostKeyPath,
			IdleTimeout: time.Duration(flagIdleTimeout) * time.Minute,
		}, tui.MonitorConfig{
			Config: cfg,
			Store:  store,
			Status: func() string {
				st := hub.Stats()
				writes, gets := mem.Calls()
				return fmt.Sprintf("directory: %d writes, %d gets | rta: %d subscribers, %d frames, %d dropped",
					writes, gets, st.Clients, st.Broadcasts, st.Dropped)
			},
		}, logger)
		if err != nil {
			return err
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info("serving session directory", "address", cfg.Server.Listen, "rta", "/rta")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		hub.PublishResync()
		hub.DisconnectAll()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})
	if sshServer != nil {
		g.Go(func() error {
			return sshServer.ListenAndServe(gctx)
		})
	}

	err = g.Wait()
	logger.Info("stopped")
	return err
}
