package builtin

import (
	"context"
	"io"
	"path/filepath"
	"testing"
	"time"

	"github.com/charmbracelet/log"

	"github.com/vovakirdan/xblsync/internal/config"
	"github.com/vovakirdan/xblsync/internal/multiplayer"
	"github.com/vovakirdan/xblsync/internal/scenario"
	"github.com/vovakirdan/xblsync/internal/storage"
)

var builtins = []string{
	"leave-session",
	"pending-fanout",
	"resync-burst",
	"stats-flush",
	"sync-conflict",
	"tap-during-write",
}

func newEnv(t *testing.T) (*scenario.Env, *storage.Store) {
	t.Helper()
	store, err := storage.Open(filepath.Join(t.TempDir(), "xblsync.db"))
	if err != nil {
		t.Fatalf("storage.Open() error = %v", err)
	}
	t.Cleanup(func() { store.Close() })

	env := scenario.NewEnv(config.Default(), log.New(io.Discard))
	env.Recorder = store
	env.Offline = store
	return env, store
}

func TestBuiltinsRegistered(t *testing.T) {
	for _, id := range builtins {
		if !scenario.Exists(id) {
			t.Errorf("scenario %q is not registered", id)
		}
	}
	for _, info := range scenario.List() {
		if info.Title == "" || info.Description == "" {
			t.Errorf("scenario %q lacks a title or description", info.ID)
		}
	}
}

func TestBuiltinsPass(t *testing.T) {
	for _, id := range builtins {
		t.Run(id, func(t *testing.T) {
			env, _ := newEnv(t)
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()

			if err := scenario.Run(ctx, id, env); err != nil {
				t.Fatalf("Run() error = %v", err)
			}
			if len(env.Steps()) == 0 {
				t.Error("scenario reported no steps")
			}
		})
	}
}

func TestPendingFanoutReachesSinkAndJournal(t *testing.T) {
	env, store := newEnv(t)
	sink := multiplayer.NewChannelSink(16)
	env.Sink = sink

	if err := scenario.Run(context.Background(), "pending-fanout", env); err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	if got := len(sink.Events()); got != 5 {
		t.Errorf("sink holds %d events, want 5", got)
	}
	counts, err := store.EventCounts()
	if err != nil {
		t.Fatalf("EventCounts() error = %v", err)
	}
	total := 0
	for _, n := range counts {
		total += n
	}
	if total != 5 {
		t.Errorf("journal holds %d events, want 5: %v", total, counts)
	}
}

func TestStatsFlushStoresOfflineDocument(t *testing.T) {
	env, store := newEnv(t)

	if err := scenario.Run(context.Background(), "stats-flush", env); err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	docs, err := store.OfflineDocuments(statsPlayer)
	if err != nil {
		t.Fatalf("OfflineDocuments() error = %v", err)
	}
	if len(docs) != 1 {
		t.Fatalf("got %d offline documents, want 1", len(docs))
	}
	if len(docs[0].Payload) == 0 {
		t.Error("offline document is empty")
	}
}

func TestScenariosShareNothingBetweenEnvs(t *testing.T) {
	a, _ := newEnv(t)
	b, _ := newEnv(t)
	if err := scenario.Run(context.Background(), "tap-during-write", a); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if writes, _ := b.Service.Calls(); writes != 0 {
		t.Errorf("second env saw %d writes", writes)
	}
}
