package stats

import (
	"encoding/json"
	"errors"
	"reflect"
	"strings"
	"testing"
	"time"
)

func loadedDocument() *ValueDocument {
	d := NewValueDocument()
	d.Merge(nil)
	return d
}

func TestSetStatMarksDirtyUntilConfirmedFlush(t *testing.T) {
	d := loadedDocument()
	if d.IsDirty() {
		t.Fatal("New document should not be dirty")
	}

	d.SetStat("kills", Number(3), ReplaceAlways)
	if !d.IsDirty() {
		t.Fatal("SetStat did not mark the document dirty")
	}

	d.DoWork()
	_, seq := d.BeginFlush(time.Now())
	d.ConfirmFlush(seq)
	if d.IsDirty() {
		t.Error("Confirmed flush did not clear dirty")
	}
}

func TestMutationDuringFlushKeepsDirty(t *testing.T) {
	d := loadedDocument()
	d.SetStat("kills", Number(1), ReplaceAlways)
	d.DoWork()

	_, seq := d.BeginFlush(time.Now())
	d.SetStat("kills", Number(2), ReplaceAlways)
	d.ConfirmFlush(seq)

	if !d.IsDirty() {
		t.Error("Change made after the flush began was dropped from dirty tracking")
	}
}

func TestDoWorkAppliesInOrderWithPolicies(t *testing.T) {
	d := loadedDocument()
	d.SetStat("best", Number(10), ReplaceMax)
	d.SetStat("best", Number(5), ReplaceMax)
	d.SetStat("fastest", Number(40), ReplaceMin)
	d.SetStat("fastest", Number(35), ReplaceMin)
	d.SetStat("fastest", Number(50), ReplaceMin)
	d.SetStat("title", Text("rookie"), ReplaceAlways)
	d.SetStat("title", Text("veteran"), ReplaceMax)
	d.SetStat("temp", Number(1), ReplaceAlways)
	d.DeleteStat("temp")
	d.DoWork()

	tests := []struct {
		name string
		want Value
	}{
		{"best", Number(10)},
		{"fastest", Number(35)},
		{"title", Text("veteran")},
	}
	for _, tt := range tests {
		got, err := d.Stat(tt.name)
		if err != nil {
			t.Fatalf("Stat(%q) failed: %v", tt.name, err)
		}
		if got.Value != tt.want {
			t.Errorf("Stat(%q) = %v, want %v", tt.name, got.Value, tt.want)
		}
	}
	if _, err := d.Stat("temp"); !errors.Is(err, ErrStatNotFound) {
		t.Errorf("Expected deleted stat to be gone, got %v", err)
	}
	if got := d.StatNames(); !reflect.DeepEqual(got, []string{"best", "fastest", "title"}) {
		t.Errorf("StatNames() = %v", got)
	}
	if d.PendingCount() != 0 {
		t.Errorf("PendingCount() = %d after DoWork", d.PendingCount())
	}
}

func TestPendingChangesWaitForLoad(t *testing.T) {
	d := NewValueDocument()
	d.SetStat("a", Number(1), ReplaceAlways)
	d.DoWork()

	if len(d.StatNames()) != 0 {
		t.Fatal("Changes were applied before the document loaded")
	}
	if d.PendingCount() != 1 {
		t.Fatalf("PendingCount() = %d, want 1", d.PendingCount())
	}

	d.Merge(&Snapshot{
		Revision: 77,
		Stats: SnapshotStats{Title: map[string]StatValue{
			"a": {Value: Number(100)},
			"b": {Value: Text("from service")},
		}},
	})
	d.DoWork()

	if got, _ := d.Stat("a"); got.Value != Number(1) {
		t.Errorf("local value should win, got %v", got.Value)
	}
	if got, _ := d.Stat("b"); got.Value != Text("from service") || got.Name != "b" {
		t.Errorf("service-only stat = %+v", got)
	}
	if d.ServerRevision != 77 || d.State() != Loaded {
		t.Errorf("ServerRevision = %d state = %v", d.ServerRevision, d.State())
	}
}

func TestMergeAfterLoadKeepsLocalDocument(t *testing.T) {
	d := loadedDocument()
	d.Merge(&Snapshot{Revision: 5, Stats: SnapshotStats{Title: map[string]StatValue{"x": {Value: Number(1)}}}})

	if len(d.StatNames()) != 0 || d.ServerRevision != 0 {
		t.Error("Merge into a loaded document changed it")
	}
}

func TestSetRevisionFromClock(t *testing.T) {
	d := NewValueDocument()

	d.SetRevisionFromClock(time.Date(2014, 6, 1, 0, 0, 0, 0, time.UTC))
	if d.Revision != 1 {
		t.Errorf("Revision before 2015 = %d, want 1", d.Revision)
	}

	d.SetRevisionFromClock(time.Date(2015, 1, 1, 0, 0, 1, 0, time.UTC))
	if d.Revision != 152 {
		t.Errorf("Revision one second after 2015 = %d, want 152", d.Revision)
	}

	later := NewValueDocument()
	later.SetRevisionFromClock(time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC))
	if later.Revision <= d.Revision {
		t.Error("Revision is not increasing with time")
	}
}

func TestSnapshotJSON(t *testing.T) {
	d := loadedDocument()
	d.ServerRevision = 9
	d.SetStat("kills", Number(12.5), ReplaceAlways)
	d.SetStat("rank", Text("gold"), ReplaceAlways)
	d.DoWork()

	snap, _ := d.BeginFlush(time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC))
	data, err := snap.Marshal()
	if err != nil {
		t.Fatalf("Marshal() failed: %v", err)
	}

	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		t.Fatalf("Unmarshal() failed: %v", err)
	}
	for _, key := range []string{"$schema", "revision", "previousRevision", "timestamp", "stats"} {
		if _, ok := raw[key]; !ok {
			t.Errorf("missing %q in %s", key, data)
		}
	}
	if !strings.Contains(string(data), `"kills":{"value":12.5}`) || !strings.Contains(string(data), `"rank":{"value":"gold"}`) {
		t.Errorf("unexpected stats encoding: %s", data)
	}

	parsed, err := ParseSnapshot(data)
	if err != nil {
		t.Fatalf("ParseSnapshot() failed: %v", err)
	}
	if parsed.PreviousRevision != 9 || parsed.Revision != snap.Revision {
		t.Errorf("revisions = %d/%d", parsed.Revision, parsed.PreviousRevision)
	}
	if got := parsed.Stats.Title["rank"]; got.Name != "rank" || got.Value != Text("gold") {
		t.Errorf("parsed rank = %+v", got)
	}

	if _, err := ParseSnapshot([]byte(`{"stats":{"title":{"x":{"value":true}}}}`)); err == nil {
		t.Error("Expected error for boolean stat value")
	}
}
