package main

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/vovakirdan/xblsync/internal/mpsd"
	"github.com/vovakirdan/xblsync/internal/multiplayer"
	"github.com/vovakirdan/xblsync/internal/rta"
)

var (
	flagURL      string
	flagRTAURL   string
	flagSession  string
	flagTemplate string
	flagXuid     string
	flagToken    string
	flagSet      []string
)

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Join a session on a running directory and follow it",
	Long: `Join a session on a session directory served by 'xblsync serve' and
print every change to it until interrupted. Shoulder taps arrive over the RTA
WebSocket; the session is refetched after each one and after every reconnect.
On exit the local user leaves the session.

Properties given with --set are committed through the pending change queue
once the session is joined.

Examples:
  xblsync watch --url http://localhost:8080 --session room-1
  xblsync watch --session room-1 --xuid 2535 --set map=arena --set mode=ranked`,
	RunE: runWatch,
}

func init() {
	watchCmd.Flags().StringVar(&flagURL, "url", "http://localhost:8080", "Session directory base URL")
	watchCmd.Flags().StringVar(&flagRTAURL, "rta", "", "RTA WebSocket URL (default: rta.url, or derived from --url)")
	watchCmd.Flags().StringVar(&flagSession, "session", "", "Session name (default: a new random name)")
	watchCmd.Flags().StringVar(&flagTemplate, "template", "", "Session template (default: multiplayer.lobby_template)")
	watchCmd.Flags().StringVar(&flagXuid, "xuid", "", "Local user id (default: a random id)")
	watchCmd.Flags().StringVar(&flagToken, "token", "", "Bearer token sent to the directory")
	watchCmd.Flags().StringArrayVar(&flagSet, "set", nil, "Session property to write, as name=value (repeatable)")
}

func runWatch(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger := newLogger(cfg, "xblsync-watch")

	store := openStore(cfg, logger)
	if store != nil {
		defer store.Close()
	}

	xuid := flagXuid
	if xuid == "" {
		xuid = uuid.NewString()[:8]
	}
	template := flagTemplate
	if template == "" {
		template = cfg.Multiplayer.LobbyTemplate
	}
	name := flagSession
	if name == "" {
		name = uuid.NewString()
	}
	ref := multiplayer.SessionReference{
		ServiceConfigID: cfg.Multiplayer.ServiceConfigID,
		TemplateName:    template,
		SessionName:     name,
	}

	rtaURL := flagRTAURL
	if rtaURL == "" {
		rtaURL = cfg.RTA.URL
		if cmd.Flags().Changed("url") {
			rtaURL, err = deriveRTAURL(flagURL)
			if err != nil {
				return err
			}
		}
	}

	clientOpts := []mpsd.ClientOption{mpsd.WithClientLogger(logger)}
	if flagToken != "" {
		clientOpts = append(clientOpts, mpsd.WithTokenSource(mpsd.StaticToken(flagToken)))
	}
	svc := mpsd.NewClient(flagURL, xuid, clientOpts...)

	users := multiplayer.NewLocalUserManager()
	if err := users.Add(&multiplayer.LocalUser{Xuid: xuid, Service: svc}); err != nil {
		return err
	}
	writer := multiplayer.NewSessionWriter(users,
		multiplayer.WithLogger(logger),
		multiplayer.WithResyncCooldown(cfg.Multiplayer.ResyncCooldown),
		multiplayer.WithMonotonicGuard(cfg.Multiplayer.MonotonicGuard),
	)
	defer writer.Close()
	writer.AddSessionUpdatedHandler(func(doc *multiplayer.SessionDocument) {
		printSession(doc)
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	join := multiplayer.NewSessionDocument(ref)
	join.Join(xuid)
	joined, err := writer.WriteSession(ctx, join, multiplayer.WriteModeUpdateOrCreateNew, true)
	if err != nil {
		return fmt.Errorf("join %s: %w", ref, err)
	}
	logger.Info("joined session", "session", ref, "xuid", xuid, "changeNumber", joined.ChangeNumber)

	opts := []multiplayer.ClientOption{
		multiplayer.WithClientLogger(logger),
		multiplayer.WithDoWorkInterval(cfg.Multiplayer.DoWorkInterval),
		multiplayer.WithSink(logSink{logger: logger}),
	}
	if store != nil {
		opts = append(opts, multiplayer.WithRecorder(store))
	}
	client := multiplayer.NewClient(multiplayer.SessionTypeLobby, writer, opts...)
	for _, kv := range flagSet {
		prop, value, ok := strings.Cut(kv, "=")
		if !ok {
			return fmt.Errorf("--set %q: want name=value", kv)
		}
		if err := client.SetProperties(prop, value, kv); err != nil {
			return err
		}
	}
	client.Start(ctx)

	sub := rta.NewSubscriber(rtaURL,
		rta.WithSubscriberLogger(logger),
		rta.WithBackoff(cfg.RTA.MinBackoff, cfg.RTA.MaxBackoff),
	)
	sub.AddHandler(client)
	logger.Info("following shoulder taps", "url", rtaURL)

	if err := sub.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("rta subscriber stopped", "err", err)
	}
	client.Stop()

	leaveCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if _, err := writer.LeaveRemoteSession(leaveCtx, writer.Session()); err != nil {
		return fmt.Errorf("leave %s: %w", ref, err)
	}
	logger.Info("left session", "session", ref, "xuid", xuid)
	return nil
}

// deriveRTAURL maps http(s)://host/path to ws(s)://host/rta.
func deriveRTAURL(base string) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("--url: %w", err)
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	case "http", "":
		u.Scheme = "ws"
	default:
		return "", fmt.Errorf("--url: unsupported scheme %q", u.Scheme)
	}
	u.Path = "/rta"
	return u.String(), nil
}

func printSession(doc *multiplayer.SessionDocument) {
	members := make([]string, 0, len(doc.Members))
	for xuid := range doc.Members {
		members = append(members, xuid)
	}
	sort.Strings(members)

	props := make([]string, 0, len(doc.Properties.Custom))
	for name, raw := range doc.Properties.Custom {
		props = append(props, fmt.Sprintf("%s=%s", name, raw))
	}
	sort.Strings(props)

	fmt.Printf("%s  change %d  host=%q  members=[%s]  %s\n",
		time.Now().Format("15:04:05"), doc.ChangeNumber, doc.Properties.HostDeviceToken,
		strings.Join(members, " "), strings.Join(props, " "))
}

// logSink logs client events.
type logSink struct {
	logger *log.Logger
}

func (s logSink) Send(evt multiplayer.Event) {
	if evt.Failed() {
		s.logger.Warn("change failed", "type", evt.Type, "context", evt.Context, "err", evt.ErrorMessage)
		return
	}
	s.logger.Info("change committed", "type", evt.Type, "context", evt.Context)
}

func (logSink) Done() <-chan struct{} {
	return nil
}
