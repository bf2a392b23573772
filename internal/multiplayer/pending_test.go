package multiplayer

import (
	"encoding/json"
	"testing"
)

func TestPendingRequestKind(t *testing.T) {
	tests := []struct {
		name string
		req  PendingRequest
		want RequestKind
	}{
		{"joinability", PendingRequest{Joinability: JoinabilityClosed}, RequestKindRegular},
		{"property", PendingRequest{SessionProperties: map[string]json.RawMessage{"a": nil}}, RequestKindRegular},
		{"host", PendingRequest{SynchronizedHostDeviceToken: "tok"}, RequestKindSynchronized},
		{"synchronized property", PendingRequest{SynchronizedSessionProperties: map[string]json.RawMessage{"a": nil}}, RequestKindSynchronized},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.req.Kind(); got != tt.want {
				t.Errorf("Kind() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestApplyJoinability(t *testing.T) {
	tests := []struct {
		joinability    Joinability
		inProgress     bool
		wantRestrict   string
		wantClosed     bool
		wantCustomJSON string
	}{
		{JoinabilityJoinableByFriends, false, "followed", false, `"joinableByFriends"`},
		{JoinabilityInviteOnly, true, "local", false, `"inviteOnly"`},
		{JoinabilityDisableWhileGameInProgress, false, "local", false, `"disableWhileGameInProgress"`},
		{JoinabilityDisableWhileGameInProgress, true, "local", true, `"disableWhileGameInProgress"`},
		{JoinabilityClosed, false, "", true, `"closed"`},
	}

	for _, tt := range tests {
		t.Run(tt.joinability.String(), func(t *testing.T) {
			doc := NewSessionDocument(testRef)
			req := &PendingRequest{Joinability: tt.joinability}
			req.Apply(doc, tt.inProgress)

			if doc.Properties.JoinRestriction != tt.wantRestrict {
				t.Errorf("JoinRestriction = %q, want %q", doc.Properties.JoinRestriction, tt.wantRestrict)
			}
			if doc.Properties.Closed != tt.wantClosed {
				t.Errorf("Closed = %v, want %v", doc.Properties.Closed, tt.wantClosed)
			}
			if got := string(doc.Properties.Custom["joinability"]); got != tt.wantCustomJSON {
				t.Errorf("joinability property = %s, want %s", got, tt.wantCustomJSON)
			}
		})
	}
}

func TestPendingQueueNextBatchGroupsByKind(t *testing.T) {
	q := NewPendingQueue()
	regular := func() *PendingRequest {
		return &PendingRequest{SessionProperties: map[string]json.RawMessage{"p": json.RawMessage(`1`)}}
	}
	synced := func() *PendingRequest {
		return &PendingRequest{SynchronizedHostDeviceToken: "host"}
	}

	q.Push(regular())
	q.Push(regular())
	q.Push(synced())
	q.Push(regular())

	batch, kind := q.NextBatch()
	if kind != RequestKindRegular || len(batch) != 2 {
		t.Fatalf("first batch = %d %v, want 2 regular", len(batch), kind)
	}
	if batch[0].ID != 1 || batch[1].ID != 2 {
		t.Errorf("Unexpected IDs %d, %d", batch[0].ID, batch[1].ID)
	}

	batch, kind = q.NextBatch()
	if kind != RequestKindSynchronized || len(batch) != 1 {
		t.Fatalf("second batch = %d %v, want 1 synchronized", len(batch), kind)
	}

	batch, _ = q.NextBatch()
	if len(batch) != 1 || batch[0].ID != 4 {
		t.Fatalf("third batch = %+v", batch)
	}

	if batch, _ = q.NextBatch(); batch != nil {
		t.Errorf("Expected empty queue, got %d requests", len(batch))
	}
	if q.Len() != 0 {
		t.Errorf("Len() = %d", q.Len())
	}
}

func TestSessionDocumentCloneIsDeep(t *testing.T) {
	doc := NewSessionDocument(testRef)
	doc.Properties.Custom["a"] = json.RawMessage(`1`)
	doc.Join("100")
	doc.Members["100"].Properties = map[string]json.RawMessage{"ready": json.RawMessage(`true`)}
	doc.Leave("200")

	c := doc.Clone()
	c.Properties.Custom["a"][0] = '2'
	c.Properties.Custom["b"] = json.RawMessage(`3`)
	c.Members["100"].Active = false
	c.Members["100"].Properties["ready"] = json.RawMessage(`false`)

	if string(doc.Properties.Custom["a"]) != "1" {
		t.Errorf("Clone shares custom property bytes: %s", doc.Properties.Custom["a"])
	}
	if _, ok := doc.Properties.Custom["b"]; ok {
		t.Error("Clone shares custom property map")
	}
	if !doc.Members["100"].Active || string(doc.Members["100"].Properties["ready"]) != "true" {
		t.Error("Clone shares member state")
	}
	if m, ok := c.Members["200"]; !ok || m != nil {
		t.Error("Clone dropped leave marker")
	}
	if !doc.HasMember("100") || doc.HasMember("200") {
		t.Error("HasMember reports wrong membership")
	}
}

func TestBuildEventsOrdersPropertiesByName(t *testing.T) {
	req := &PendingRequest{
		SessionProperties: map[string]json.RawMessage{
			"zeta":  nil,
			"alpha": nil,
			"mid":   nil,
		},
	}

	events := BuildEvents([]*PendingRequest{req}, nil, SessionTypeGame)
	want := []string{"alpha", "mid", "zeta"}
	if len(events) != len(want) {
		t.Fatalf("Expected %d events, got %d", len(want), len(events))
	}
	for i, evt := range events {
		args, ok := evt.Args.(PropertyWriteArgs)
		if !ok || args.Name != want[i] {
			t.Errorf("event %d: args = %#v, want %s", i, evt.Args, want[i])
		}
	}

	if got := BuildEvents([]*PendingRequest{{}}, nil, SessionTypeGame); len(got) != 0 {
		t.Errorf("Expected no events for an empty request, got %d", len(got))
	}
}
