package builtin

import (
	"context"
	"errors"
	"fmt"

	"github.com/vovakirdan/xblsync/internal/multiplayer"
	"github.com/vovakirdan/xblsync/internal/scenario"
)

func init() {
	scenario.Register("pending-fanout", func() scenario.Scenario {
		return &PendingFanout{}
	})
}

// PendingFanout queues a mix of regular and synchronized lobby changes and
// drains them through a Client. Every change yields exactly one event.
type PendingFanout struct{}

func (*PendingFanout) ID() string    { return "pending-fanout" }
func (*PendingFanout) Title() string { return "Pending change fan-out" }
func (*PendingFanout) Description() string {
	return "Queued lobby changes commit in batches and fan out into one event per change"
}

func (p *PendingFanout) Run(ctx context.Context, env *scenario.Env) error {
	ref := env.Reference(env.Multiplayer.LobbyTemplate)
	created, err := env.CreateSession(ctx, ref, "host")
	if err != nil {
		return err
	}

	w, err := env.NewWriter(nil, nil, "host")
	if err != nil {
		return err
	}
	defer w.Close()
	defer env.Service.Subscribe(w.OnSessionChanged)()
	w.UpdateSession(created)

	c := multiplayer.NewClient(multiplayer.SessionTypeLobby, w, multiplayer.WithClientLogger(env.Logger))
	defer c.Stop()

	if err := errors.Join(
		c.SetJoinability(multiplayer.JoinabilityJoinableByFriends, "joinability"),
		c.SetProperties("map", "arena", "map"),
		c.SetProperties("mode", "ranked", "mode"),
		c.SetSynchronizedHost("device-1", "host"),
		c.SetSynchronizedProperties("seed", 42, "seed"),
	); err != nil {
		return fmt.Errorf("queue changes: %w", err)
	}
	env.Reportf("queued %d requests", c.PendingCount())

	events := c.Drain(ctx)
	env.Publish(events)

	var failed int
	for _, evt := range events {
		if evt.Failed() {
			failed++
		}
		env.Reportf("%s %s context=%v ok=%t", evt.SessionType, evt.Type, evt.Context, !evt.Failed())
	}

	cached := w.Session()
	_, hasSeed := cached.CustomProperty("seed")
	return errors.Join(
		expect(len(events) == 5, "got %d events, want 5", len(events)),
		expect(failed == 0, "%d events failed", failed),
		expect(cached.Properties.HostDeviceToken == "device-1", "host is %q, want device-1", cached.Properties.HostDeviceToken),
		expect(cached.Properties.JoinRestriction == "followed", "join restriction is %q, want followed", cached.Properties.JoinRestriction),
		expect(hasSeed, "synchronized property seed was not written"),
	)
}
