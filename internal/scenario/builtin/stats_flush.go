package builtin

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/vovakirdan/xblsync/internal/calltimer"
	"github.com/vovakirdan/xblsync/internal/scenario"
	"github.com/vovakirdan/xblsync/internal/stats"
)

func init() {
	scenario.Register("stats-flush", func() scenario.Scenario {
		return &StatsFlush{}
	})
}

// StatsFlush uploads a stats document, fails one upload into the offline
// sink and recovers on the next normal flush.
type StatsFlush struct{}

func (*StatsFlush) ID() string    { return "stats-flush" }
func (*StatsFlush) Title() string { return "Stats flush" }
func (*StatsFlush) Description() string {
	return "Stats flush on request, a failed upload goes offline and the document stays dirty until a later flush"
}

// countingSink counts offline documents and forwards them.
type countingSink struct {
	next stats.OfflineSink

	mu    sync.Mutex
	saved int
}

func (s *countingSink) SaveOfflineDocument(ctx context.Context, xuid string, payload []byte) error {
	s.mu.Lock()
	s.saved++
	s.mu.Unlock()
	if s.next == nil {
		return nil
	}
	return s.next.SaveOfflineDocument(ctx, xuid, payload)
}

func (s *countingSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saved
}

const statsPlayer = "player-1"

func (f *StatsFlush) Run(ctx context.Context, env *scenario.Env) error {
	normal, high := env.Stats.NormalInterval, env.Stats.HighInterval
	if normal <= 0 {
		normal = stats.DefaultNormalInterval
	}
	if high <= 0 {
		high = stats.DefaultHighInterval
	}

	clock := calltimer.NewManualClock(time.Now())
	svc := stats.NewMemoryService()
	offline := &countingSink{next: env.Offline}
	m := stats.NewManager(svc,
		stats.WithOfflineSink(offline),
		stats.WithLogger(env.Logger),
		stats.WithClock(clock),
		stats.WithIntervals(normal, high),
		stats.WithBackgroundFlush(0),
	)
	defer m.Close()

	if err := m.AddLocalUser(statsPlayer); err != nil {
		return err
	}
	m.Wait()
	report(env, m.DoWork())

	if err := m.SetStatNumber(statsPlayer, "kills", 3); err != nil {
		return err
	}
	if err := m.RequestFlushToService(statsPlayer, true); err != nil {
		return err
	}
	m.Wait()
	report(env, m.DoWork())

	svc.FailUpdates(errors.New("stats service unavailable"))
	if err := m.SetStatNumber(statsPlayer, "kills", 5); err != nil {
		return err
	}
	if err := m.RequestFlushToService(statsPlayer, true); err != nil {
		return err
	}
	clock.Advance(high)
	m.Wait()
	report(env, m.DoWork())
	dirtyAfterFailure, _ := m.IsDirty(statsPlayer)
	env.Reportf("%d document(s) saved offline, dirty=%t", offline.count(), dirtyAfterFailure)

	svc.FailUpdates(nil)
	if err := m.RequestFlushToService(statsPlayer, false); err != nil {
		return err
	}
	m.Wait()
	report(env, m.DoWork())
	dirty, err := m.IsDirty(statsPlayer)
	if err != nil {
		return err
	}

	stored, ok := svc.Document(statsPlayer)
	var kills string
	if ok {
		kills = fmt.Sprint(stored.Stats.Title["kills"].Value)
	}
	env.Reportf("service holds kills=%s, dirty=%t", kills, dirty)

	_, updates := svc.Calls()
	return errors.Join(
		expect(offline.count() == 1, "%d documents saved offline, want 1", offline.count()),
		expect(dirtyAfterFailure, "document was clean after a failed upload"),
		expect(!dirty, "document still dirty after a successful flush"),
		expect(kills == "5", "service holds kills=%q, want 5", kills),
		expect(updates == 3, "service saw %d uploads, want 3", updates),
	)
}

func report(env *scenario.Env, events []stats.StatEvent) {
	for _, evt := range events {
		if evt.Err != nil {
			env.Reportf("%s %s failed: %v", evt.Type, evt.Xuid, evt.Err)
			continue
		}
		env.Reportf("%s %s", evt.Type, evt.Xuid)
	}
}
