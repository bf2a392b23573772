package builtin

import (
	"context"
	"errors"
	"time"

	"github.com/vovakirdan/xblsync/internal/calltimer"
	"github.com/vovakirdan/xblsync/internal/multiplayer"
	"github.com/vovakirdan/xblsync/internal/scenario"
)

const resyncSignals = 5

func init() {
	scenario.Register("resync-burst", func() scenario.Scenario {
		return &ResyncBurst{}
	})
}

// ResyncBurst loses taps, then delivers a burst of resync signals. The writer
// refetches on the first signal and once more when the cooldown expires.
type ResyncBurst struct{}

func (*ResyncBurst) ID() string    { return "resync-burst" }
func (*ResyncBurst) Title() string { return "Resync burst" }
func (*ResyncBurst) Description() string {
	return "Lost taps followed by a burst of resync signals collapse into two refetches"
}

func (r *ResyncBurst) Run(ctx context.Context, env *scenario.Env) error {
	cooldown := env.Multiplayer.ResyncCooldown
	if cooldown <= 0 {
		cooldown = multiplayer.DefaultResyncCooldown
	}
	clock := calltimer.NewManualClock(time.Now())

	ref := env.Reference("")
	created, err := env.CreateSession(ctx, ref, "host")
	if err != nil {
		return err
	}

	w, err := env.NewWriter(nil, clock, "host")
	if err != nil {
		return err
	}
	defer w.Close()
	w.UpdateSession(created)

	// Nobody forwards these taps to the writer.
	var latest *multiplayer.SessionDocument
	for i := range 2 {
		latest, err = env.Service.Mutate(ref, func(doc *multiplayer.SessionDocument) {
			doc.Properties.Custom["round"] = rawJSON(i + 1)
		})
		if err != nil {
			return err
		}
	}
	env.Reportf("session moved to change %d, writer still at %d", latest.ChangeNumber, w.Session().ChangeNumber)

	_, getsBefore := env.Service.Calls()
	for range resyncSignals {
		w.OnResyncMessageReceived()
	}
	w.Wait()
	_, getsLeading := env.Service.Calls()
	env.Reportf("%d resync signals, %d refetch on the leading edge, writer at change %d",
		resyncSignals, getsLeading-getsBefore, w.Session().ChangeNumber)

	clock.Advance(cooldown)
	w.Wait()
	_, getsTrailing := env.Service.Calls()
	env.Reportf("cooldown of %s expired, %d trailing refetch", cooldown, getsTrailing-getsLeading)

	clock.Advance(cooldown)
	w.Wait()
	_, getsIdle := env.Service.Calls()

	return errors.Join(
		expect(getsLeading-getsBefore == 1, "leading edge fetched %d times, want 1", getsLeading-getsBefore),
		expect(getsTrailing-getsLeading == 1, "trailing edge fetched %d times, want 1", getsTrailing-getsLeading),
		expect(getsIdle == getsTrailing, "idle cooldown fetched %d times, want 0", getsIdle-getsTrailing),
		expect(w.Session().ChangeNumber == latest.ChangeNumber, "writer at change %d, want %d", w.Session().ChangeNumber, latest.ChangeNumber),
		expect(w.ResyncCount() == 0, "%d resync signals left unhandled", w.ResyncCount()),
	)
}
