package builtin

import (
	"context"
	"errors"
	"fmt"

	"github.com/vovakirdan/xblsync/internal/scenario"
)

func init() {
	scenario.Register("leave-session", func() scenario.Scenario {
		return &LeaveSession{}
	})
}

// LeaveSession removes two local users from a session. The leave writes do not
// update the cached session directly; their taps bring it up to date.
type LeaveSession struct{}

func (*LeaveSession) ID() string    { return "leave-session" }
func (*LeaveSession) Title() string { return "Leave session" }
func (*LeaveSession) Description() string {
	return "Every local user leaves with their own write; the cache follows through taps"
}

func (l *LeaveSession) Run(ctx context.Context, env *scenario.Env) error {
	ref := env.Reference(env.Multiplayer.GameTemplate)
	created, err := env.CreateSession(ctx, ref, "player-1", "player-2", "remote")
	if err != nil {
		return err
	}
	env.Reportf("created %s with %d members", ref, len(created.Members))

	w, err := env.NewWriter(nil, nil, "player-1", "player-2")
	if err != nil {
		return err
	}
	defer w.Close()
	defer env.Service.Subscribe(w.OnSessionChanged)()
	w.UpdateSession(created)

	result, err := w.LeaveRemoteSession(ctx, created)
	if err != nil {
		return fmt.Errorf("leave: %w", err)
	}
	env.Reportf("last leave write returned change %d with %d members", result.ChangeNumber, len(result.Members))

	w.Wait()
	cached := w.Session()
	env.Reportf("cached session at change %d with %d members", cached.ChangeNumber, len(cached.Members))

	return errors.Join(
		expect(result.ChangeNumber == created.ChangeNumber+2, "leave returned change %d, want %d", result.ChangeNumber, created.ChangeNumber+2),
		expect(!result.HasMember("player-1") && !result.HasMember("player-2"), "local users are still members"),
		expect(result.HasMember("remote"), "remote member was removed"),
		expect(cached.ChangeNumber == result.ChangeNumber, "cached change %d, want %d", cached.ChangeNumber, result.ChangeNumber),
	)
}
