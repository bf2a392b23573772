package stats

import (
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"slices"
	"time"

	"github.com/google/uuid"
)

// ErrStatNotFound is returned when a stat is not in the document.
var ErrStatNotFound = errors.New("stat not found in document")

// SchemaURL is written as $schema in every snapshot.
const SchemaURL = "http://stats.xboxlive.com/2017-1/schema#"

// DocumentState tells whether the service copy has been merged yet.
type DocumentState int

const (
	NotLoaded DocumentState = iota
	Loaded
)

func (s DocumentState) String() string {
	if s == Loaded {
		return "loaded"
	}
	return "not_loaded"
}

type pendingKind int

const (
	pendingChange pendingKind = iota
	pendingDelete
)

type pendingStat struct {
	kind   pendingKind
	name   string
	value  Value
	policy ReplacePolicy
}

// ValueDocument is one user's stats: the applied values plus the mutations
// queued since the last DoWork.
//
// Not safe for concurrent use; Manager serializes access.
type ValueDocument struct {
	Revision       uint64
	ServerRevision uint64
	ClientID       string

	state   DocumentState
	stats   map[string]StatValue
	pending []pendingStat
	dirty   bool
	seq     uint64 // bumped on every mutation
}

// NewValueDocument creates an empty, not yet loaded document.
func NewValueDocument() *ValueDocument {
	return &ValueDocument{
		ClientID: uuid.NewString(),
		stats:    make(map[string]StatValue),
	}
}

// State returns whether the service copy has been merged.
func (d *ValueDocument) State() DocumentState {
	return d.state
}

// SetStat queues a value change and marks the document dirty.
func (d *ValueDocument) SetStat(name string, value Value, policy ReplacePolicy) {
	d.pending = append(d.pending, pendingStat{kind: pendingChange, name: name, value: value, policy: policy})
	d.markDirty()
}

// DeleteStat queues a removal and marks the document dirty.
func (d *ValueDocument) DeleteStat(name string) {
	d.pending = append(d.pending, pendingStat{kind: pendingDelete, name: name})
	d.markDirty()
}

func (d *ValueDocument) markDirty() {
	d.dirty = true
	d.seq++
}

// PendingCount returns the number of queued mutations.
func (d *ValueDocument) PendingCount() int {
	return len(d.pending)
}

// DoWork applies queued mutations in order. Until the document is loaded the
// queue is kept so that local writes are not lost before the merge.
func (d *ValueDocument) DoWork() {
	if d.state == NotLoaded {
		return
	}

	for _, p := range d.pending {
		switch p.kind {
		case pendingChange:
			if cur, ok := d.stats[p.name]; ok && !p.policy.replaces(cur.Value, p.value) {
				continue
			}
			d.stats[p.name] = StatValue{Name: p.name, Value: p.value}
		case pendingDelete:
			delete(d.stats, p.name)
		}
	}
	d.pending = nil
}

// Stat returns an applied stat.
func (d *ValueDocument) Stat(name string) (StatValue, error) {
	s, ok := d.stats[name]
	if !ok {
		return StatValue{}, fmt.Errorf("stats: %q: %w", name, ErrStatNotFound)
	}
	return s, nil
}

// StatNames returns applied stat names in sorted order.
func (d *ValueDocument) StatNames() []string {
	return slices.Sorted(maps.Keys(d.stats))
}

// IsDirty reports whether there are changes not yet confirmed by the service.
func (d *ValueDocument) IsDirty() bool {
	return d.dirty
}

// Merge folds the service copy in. Before the first load local values win and
// only missing stats are taken from the service. The document becomes loaded.
func (d *ValueDocument) Merge(fromService *Snapshot) {
	if d.state == NotLoaded && fromService != nil {
		for name, s := range fromService.Stats.Title {
			if _, ok := d.stats[name]; ok {
				continue
			}
			s.Name = name
			d.stats[name] = s
		}
		d.ServerRevision = fromService.Revision
	}
	d.state = Loaded
}

// fileTimeJan2015 is 2015-01-01T00:00:00Z in 100ns ticks since 1601.
const fileTimeJan2015 = 130645440000000000

// fileTimeUnixEpoch is 1970-01-01T00:00:00Z in 100ns ticks since 1601.
const fileTimeUnixEpoch = 116444736000000000

// SetRevisionFromClock derives a revision from now. A clock set before 2015
// yields revision 1.
func (d *ValueDocument) SetRevisionFromClock(now time.Time) {
	ticks := now.UnixNano()/100 + fileTimeUnixEpoch
	if ticks < fileTimeJan2015 {
		d.Revision = 1
		return
	}
	d.Revision = uint64(ticks-fileTimeJan2015) >> 16 //nolint:gosec // checked non-negative above
}

// BeginFlush stamps a revision and returns the snapshot to send together with
// the mutation sequence it reflects.
func (d *ValueDocument) BeginFlush(now time.Time) (*Snapshot, uint64) {
	d.SetRevisionFromClock(now)
	return d.Snapshot(now), d.seq
}

// ConfirmFlush clears the dirty flag if nothing changed since BeginFlush
// returned seq.
func (d *ValueDocument) ConfirmFlush(seq uint64) {
	if d.seq == seq && len(d.pending) == 0 {
		d.dirty = false
	}
}

// Snapshot returns the wire form of the applied stats.
func (d *ValueDocument) Snapshot(now time.Time) *Snapshot {
	title := make(map[string]StatValue, len(d.stats))
	for name, s := range d.stats {
		title[name] = s
	}
	return &Snapshot{
		Schema:           SchemaURL,
		Revision:         d.Revision,
		PreviousRevision: d.ServerRevision,
		Timestamp:        now.UTC(),
		Stats:            SnapshotStats{Title: title},
	}
}

// Snapshot is the JSON document exchanged with the stats service.
type Snapshot struct {
	Schema           string        `json:"$schema"`
	Revision         uint64        `json:"revision"`
	PreviousRevision uint64        `json:"previousRevision"`
	Timestamp        time.Time     `json:"timestamp"`
	Stats            SnapshotStats `json:"stats"`
}

// SnapshotStats holds the stat map keyed by name.
type SnapshotStats struct {
	Title map[string]StatValue `json:"title"`
}

// Marshal encodes the snapshot.
func (s *Snapshot) Marshal() ([]byte, error) {
	return json.Marshal(s)
}

// ParseSnapshot decodes a snapshot and fills in stat names from the map keys.
func ParseSnapshot(data []byte) (*Snapshot, error) {
	var s Snapshot
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("stats: parse snapshot: %w", err)
	}
	for name, v := range s.Stats.Title {
		v.Name = name
		s.Stats.Title[name] = v
	}
	return &s, nil
}
