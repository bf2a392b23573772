package builtin

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/vovakirdan/xblsync/internal/mpsd"
	"github.com/vovakirdan/xblsync/internal/multiplayer"
	"github.com/vovakirdan/xblsync/internal/scenario"
)

func init() {
	scenario.Register("tap-during-write", func() scenario.Scenario {
		return &TapDuringWrite{}
	})
}

// TapDuringWrite has another client change the session while a local write is
// in flight. The writer must end up with the foreign change after exactly one
// catch-up fetch.
type TapDuringWrite struct{}

func (*TapDuringWrite) ID() string    { return "tap-during-write" }
func (*TapDuringWrite) Title() string { return "Tap during write" }
func (*TapDuringWrite) Description() string {
	return "A foreign change lands while a write is in flight; the writer catches up with one fetch"
}

// racingService changes the session as another client right after forwarding
// the first write, before the result reaches the writer.
type racingService struct {
	*mpsd.Memory
	raced atomic.Bool
	race  func() error
	err   error
}

func (s *racingService) WriteSession(ctx context.Context, doc *multiplayer.SessionDocument, mode multiplayer.WriteMode) (*multiplayer.SessionDocument, error) {
	result, err := s.Memory.WriteSession(ctx, doc, mode)
	if err == nil && s.raced.CompareAndSwap(false, true) {
		s.err = s.race()
	}
	return result, err
}

func (t *TapDuringWrite) Run(ctx context.Context, env *scenario.Env) error {
	ref := env.Reference("")
	created, err := env.CreateSession(ctx, ref, "host")
	if err != nil {
		return err
	}
	env.Reportf("created %s at change %d", ref, created.ChangeNumber)

	svc := &racingService{
		Memory: env.Service,
		race: func() error {
			foreign, err := env.Service.Mutate(ref, func(doc *multiplayer.SessionDocument) {
				doc.Properties.Custom["ready"] = rawJSON(true)
			})
			if err == nil {
				env.Reportf("foreign client wrote change %d while the local write was in flight", foreign.ChangeNumber)
			}
			return err
		},
	}

	w, err := env.NewWriter(svc, nil, "host")
	if err != nil {
		return err
	}
	defer w.Close()
	defer env.Service.Subscribe(w.OnSessionChanged)()
	w.UpdateSession(created)

	_, getsBefore := env.Service.Calls()
	doc := created.Clone()
	doc.Properties.Custom["map"] = rawJSON("arena")
	result, err := w.WriteSession(ctx, doc, multiplayer.WriteModeUpdateExisting, true)
	if err != nil {
		return fmt.Errorf("write: %w", err)
	}
	if svc.err != nil {
		return fmt.Errorf("foreign change: %w", svc.err)
	}
	w.Wait()
	_, getsAfter := env.Service.Calls()
	env.Reportf("write returned change %d after %d catch-up fetch(es)", result.ChangeNumber, getsAfter-getsBefore)

	cached := w.Session()
	_, hasReady := cached.CustomProperty("ready")
	_, hasMap := cached.CustomProperty("map")
	return errors.Join(
		expect(result.ChangeNumber == created.ChangeNumber+2, "write returned change %d, want %d", result.ChangeNumber, created.ChangeNumber+2),
		expect(cached.ChangeNumber == result.ChangeNumber, "cached change %d, want %d", cached.ChangeNumber, result.ChangeNumber),
		expect(hasReady && hasMap, "cached session is missing the local or the foreign property"),
		expect(getsAfter-getsBefore == 1, "got %d fetches, want 1", getsAfter-getsBefore),
	)
}
