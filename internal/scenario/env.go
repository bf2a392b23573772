package scenario

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"

	"github.com/vovakirdan/xblsync/internal/calltimer"
	"github.com/vovakirdan/xblsync/internal/config"
	"github.com/vovakirdan/xblsync/internal/mpsd"
	"github.com/vovakirdan/xblsync/internal/multiplayer"
	"github.com/vovakirdan/xblsync/internal/stats"
)

// Step is one line of scenario progress.
type Step struct {
	Time     time.Time
	Scenario string
	Message  string
}

// Env is what a scenario runs against. Service is shared by every writer the
// scenario creates, so foreign changes made through it reach them as taps.
type Env struct {
	Service     *mpsd.Memory
	Logger      *log.Logger
	Multiplayer config.MultiplayerConfig
	Stats       config.StatsConfig

	// Optional outputs. Sink and Recorder receive multiplayer events passed
	// to Publish; Offline receives stats documents whose upload failed.
	Sink     multiplayer.EventSink
	Recorder multiplayer.EventRecorder
	Offline  stats.OfflineSink

	// OnStep is called for every reported step.
	OnStep func(Step)

	mu      sync.Mutex
	current string
	steps   []Step
}

// NewEnv creates an environment backed by a fresh in-memory session directory.
func NewEnv(cfg config.Config, logger *log.Logger) *Env {
	if logger == nil {
		logger = log.Default()
	}
	return &Env{
		Service:     mpsd.NewMemory(),
		Logger:      logger,
		Multiplayer: cfg.Multiplayer,
		Stats:       cfg.Stats,
	}
}

// Reportf records a progress step.
func (e *Env) Reportf(format string, args ...any) {
	e.mu.Lock()
	step := Step{Time: time.Now(), Scenario: e.current, Message: fmt.Sprintf(format, args...)}
	e.steps = append(e.steps, step)
	onStep := e.OnStep
	e.mu.Unlock()

	e.Logger.Info(step.Message, "scenario", step.Scenario)
	if onStep != nil {
		onStep(step)
	}
}

// Steps returns every step reported so far.
func (e *Env) Steps() []Step {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]Step(nil), e.steps...)
}

// Publish hands events to the recorder and the sink, if set.
func (e *Env) Publish(events []multiplayer.Event) {
	for _, evt := range events {
		if e.Recorder != nil {
			if err := e.Recorder.RecordEvent(evt); err != nil {
				e.Logger.Warn("failed to record event", "type", evt.Type, "err", err)
			}
		}
		if e.Sink != nil {
			e.Sink.Send(evt)
		}
	}
}

// Reference returns a reference to a new, uniquely named session built from
// template, falling back to the configured lobby template.
func (e *Env) Reference(template string) multiplayer.SessionReference {
	if template == "" {
		template = e.Multiplayer.LobbyTemplate
	}
	return multiplayer.SessionReference{
		ServiceConfigID: e.Multiplayer.ServiceConfigID,
		TemplateName:    template,
		SessionName:     uuid.NewString(),
	}
}

// NewWriter creates a session writer whose local users all talk to svc,
// configured from the environment. A nil svc means Service. The writer does
// not receive taps until it is subscribed to Service.
func (e *Env) NewWriter(svc multiplayer.SessionService, clock calltimer.Clock, xuids ...string) (*multiplayer.SessionWriter, error) {
	if svc == nil {
		svc = e.Service
	}
	users := multiplayer.NewLocalUserManager()
	for _, xuid := range xuids {
		if err := users.Add(&multiplayer.LocalUser{Xuid: xuid, Service: svc}); err != nil {
			return nil, fmt.Errorf("scenario: add user %s: %w", xuid, err)
		}
	}

	opts := []multiplayer.WriterOption{
		multiplayer.WithLogger(e.Logger),
		multiplayer.WithMonotonicGuard(e.Multiplayer.MonotonicGuard),
	}
	if e.Multiplayer.ResyncCooldown > 0 {
		opts = append(opts, multiplayer.WithResyncCooldown(e.Multiplayer.ResyncCooldown))
	}
	if clock != nil {
		opts = append(opts, multiplayer.WithClock(clock))
	}
	return multiplayer.NewSessionWriter(users, opts...), nil
}

// CreateSession creates a session with the given members directly in Service.
func (e *Env) CreateSession(ctx context.Context, ref multiplayer.SessionReference, xuids ...string) (*multiplayer.SessionDocument, error) {
	doc := multiplayer.NewSessionDocument(ref)
	for _, xuid := range xuids {
		doc.Join(xuid)
	}
	created, err := e.Service.WriteSession(ctx, doc, multiplayer.WriteModeCreateNew)
	if err != nil {
		return nil, fmt.Errorf("scenario: create %s: %w", ref, err)
	}
	return created, nil
}

// Run creates the scenario registered under id and runs it against env.
func Run(ctx context.Context, id string, env *Env) error {
	s, err := Create(id)
	if err != nil {
		return err
	}

	env.mu.Lock()
	env.current = id
	env.mu.Unlock()

	start := time.Now()
	env.Logger.Info("scenario started", "scenario", id)
	if err := s.Run(ctx, env); err != nil {
		env.Logger.Error("scenario failed", "scenario", id, "elapsed", time.Since(start), "err", err)
		return fmt.Errorf("scenario %s: %w", id, err)
	}
	env.Logger.Info("scenario passed", "scenario", id, "elapsed", time.Since(start))
	return nil
}
