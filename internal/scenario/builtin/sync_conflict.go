package builtin

import (
	"context"
	"errors"
	"fmt"

	"github.com/vovakirdan/xblsync/internal/multiplayer"
	"github.com/vovakirdan/xblsync/internal/scenario"
)

func init() {
	scenario.Register("sync-conflict", func() scenario.Scenario {
		return &SyncConflict{}
	})
}

// SyncConflict writes a synchronized change against a stale change number.
// The precondition failure carries the server document, which the writer
// adopts, so the retry succeeds.
type SyncConflict struct{}

func (*SyncConflict) ID() string    { return "sync-conflict" }
func (*SyncConflict) Title() string { return "Synchronized conflict" }
func (*SyncConflict) Description() string {
	return "A stale synchronized write fails with 412, adopts the server document and retries"
}

func (s *SyncConflict) Run(ctx context.Context, env *scenario.Env) error {
	ref := env.Reference("")
	created, err := env.CreateSession(ctx, ref, "host")
	if err != nil {
		return err
	}

	w, err := env.NewWriter(nil, nil, "host")
	if err != nil {
		return err
	}
	defer w.Close()
	w.UpdateSession(created)

	foreign, err := env.Service.Mutate(ref, func(doc *multiplayer.SessionDocument) {
		doc.Properties.HostDeviceToken = "device-foreign"
	})
	if err != nil {
		return err
	}
	env.Reportf("foreign host elected at change %d", foreign.ChangeNumber)

	doc := created.Clone()
	doc.Properties.HostDeviceToken = "device-local"
	_, err = w.CommitSynchronizedChanges(ctx, doc)
	if !errors.Is(err, multiplayer.ErrPreconditionFailed) {
		return fmt.Errorf("stale write returned %v, want a precondition failure", err)
	}
	adopted := w.Session()
	env.Reportf("stale write rejected (%s), writer adopted change %d", multiplayer.ErrorMessage(err), adopted.ChangeNumber)

	retry := adopted.Clone()
	retry.Properties.HostDeviceToken = "device-local"
	result, err := w.CommitSynchronizedChanges(ctx, retry)
	if err != nil {
		return fmt.Errorf("retry: %w", err)
	}
	env.Reportf("retry written at change %d", result.ChangeNumber)

	return errors.Join(
		expect(adopted.ChangeNumber == foreign.ChangeNumber, "adopted change %d, want %d", adopted.ChangeNumber, foreign.ChangeNumber),
		expect(result.Properties.HostDeviceToken == "device-local", "host is %q, want device-local", result.Properties.HostDeviceToken),
		expect(w.Session().ChangeNumber == foreign.ChangeNumber+1, "cached change %d, want %d", w.Session().ChangeNumber, foreign.ChangeNumber+1),
	)
}
