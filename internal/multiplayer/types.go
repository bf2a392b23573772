// Package multiplayer keeps a local view of a multiplayer session in sync with
// the session directory service.
//
// The SessionWriter owns the last-known-good SessionDocument, serializes local
// writes against it, reconciles write results with server change
// notifications ("taps"), and collapses bursts of taps and resync signals into a
// bounded number of refetches. A Client sits on top of a writer, accumulates
// pending changes from the title and commits them in batches, translating each
// round trip into Events.
package multiplayer

import (
	"encoding/json"
	"fmt"
	"maps"
)

// SessionReference identifies a session in the directory.
// It is a comparable value type and safe to use as a map key.
type SessionReference struct {
	ServiceConfigID string `json:"scid"`
	TemplateName    string `json:"templateName"`
	SessionName     string `json:"name"`
}

// String renders the reference as scid/template/name.
func (r SessionReference) String() string {
	return fmt.Sprintf("%s/%s/%s", r.ServiceConfigID, r.TemplateName, r.SessionName)
}

// IsZero reports whether the reference is unset.
func (r SessionReference) IsZero() bool {
	return r == SessionReference{}
}

// SessionProperties holds the session-wide property bag.
type SessionProperties struct {
	Custom          map[string]json.RawMessage `json:"custom,omitempty"`
	HostDeviceToken string                     `json:"host,omitempty"`
	JoinRestriction string                     `json:"joinRestriction,omitempty"`
	Closed          bool                       `json:"closed,omitempty"`
}

// Member is a session member as seen by the directory.
type Member struct {
	Xuid       string                     `json:"xuid"`
	Active     bool                       `json:"active,omitempty"`
	Properties map[string]json.RawMessage `json:"properties,omitempty"`
}

// SessionDocument is a snapshot of server session state.
//
// Documents are treated as immutable once published: the writer replaces its
// cached document wholesale and applies local edits only to a Clone.
type SessionDocument struct {
	Reference    SessionReference   `json:"reference"`
	ChangeNumber uint64             `json:"changeNumber"`
	ETag         string             `json:"etag,omitempty"`
	Properties   SessionProperties  `json:"properties"`
	Members      map[string]*Member `json:"members,omitempty"`
}

// NewSessionDocument returns an empty document for the given reference.
func NewSessionDocument(ref SessionReference) *SessionDocument {
	return &SessionDocument{
		Reference: ref,
		Properties: SessionProperties{
			Custom: make(map[string]json.RawMessage),
		},
		Members: make(map[string]*Member),
	}
}

// Clone returns a deep copy of the document.
func (d *SessionDocument) Clone() *SessionDocument {
	if d == nil {
		return nil
	}

	c := *d
	c.Properties.Custom = cloneRawMap(d.Properties.Custom)
	if d.Members != nil {
		c.Members = make(map[string]*Member, len(d.Members))
		for xuid, m := range d.Members {
			if m == nil {
				c.Members[xuid] = nil
				continue
			}
			mc := *m
			mc.Properties = cloneRawMap(m.Properties)
			c.Members[xuid] = &mc
		}
	}
	return &c
}

// Leave marks the member for removal on the next write of this document.
func (d *SessionDocument) Leave(xuid string) {
	if d.Members == nil {
		d.Members = make(map[string]*Member)
	}
	d.Members[xuid] = nil
}

// Join adds or reactivates a member on the next write of this document.
func (d *SessionDocument) Join(xuid string) {
	if d.Members == nil {
		d.Members = make(map[string]*Member)
	}
	d.Members[xuid] = &Member{Xuid: xuid, Active: true}
}

// HasMember reports whether xuid is a current member.
func (d *SessionDocument) HasMember(xuid string) bool {
	if d == nil {
		return false
	}
	m, ok := d.Members[xuid]
	return ok && m != nil
}

// CustomProperty returns a raw custom session property.
func (d *SessionDocument) CustomProperty(name string) (json.RawMessage, bool) {
	if d == nil {
		return nil, false
	}
	v, ok := d.Properties.Custom[name]
	return v, ok
}

func cloneRawMap(src map[string]json.RawMessage) map[string]json.RawMessage {
	if src == nil {
		return nil
	}
	dst := make(map[string]json.RawMessage, len(src))
	for k, v := range maps.All(src) {
		dst[k] = append(json.RawMessage(nil), v...)
	}
	return dst
}

// WriteMode selects how the directory applies a session write.
type WriteMode int

const (
	// WriteModeUpdateExisting patches an existing session.
	WriteModeUpdateExisting WriteMode = iota

	// WriteModeSynchronizedUpdate patches only if the document's change number
	// still matches the server's, otherwise the write fails with a
	// precondition error carrying the current document.
	WriteModeSynchronizedUpdate

	// WriteModeCreateNew creates the session and fails if it exists.
	WriteModeCreateNew

	// WriteModeUpdateOrCreateNew creates or patches.
	WriteModeUpdateOrCreateNew
)

// String returns the wire name of the write mode.
func (m WriteMode) String() string {
	switch m {
	case WriteModeUpdateExisting:
		return "updateExisting"
	case WriteModeSynchronizedUpdate:
		return "synchronizedUpdate"
	case WriteModeCreateNew:
		return "createNew"
	case WriteModeUpdateOrCreateNew:
		return "updateOrCreateNew"
	default:
		return "unknown"
	}
}

// ParseWriteMode is the inverse of WriteMode.String.
func ParseWriteMode(s string) (WriteMode, error) {
	switch s {
	case "updateExisting", "":
		return WriteModeUpdateExisting, nil
	case "synchronizedUpdate":
		return WriteModeSynchronizedUpdate, nil
	case "createNew":
		return WriteModeCreateNew, nil
	case "updateOrCreateNew":
		return WriteModeUpdateOrCreateNew, nil
	default:
		return 0, fmt.Errorf("multiplayer: unknown write mode %q", s)
	}
}

// SessionType distinguishes the lobby from the game session.
type SessionType int

const (
	SessionTypeUnknown SessionType = iota
	SessionTypeLobby
	SessionTypeGame
)

// String returns a human-readable name for the session type.
func (t SessionType) String() string {
	switch t {
	case SessionTypeLobby:
		return "lobby"
	case SessionTypeGame:
		return "game"
	default:
		return "unknown"
	}
}

// Joinability is the title's intent for who may join the lobby.
type Joinability int

const (
	// JoinabilityNone means joinability was not set.
	JoinabilityNone Joinability = iota
	JoinabilityJoinableByFriends
	JoinabilityInviteOnly
	// JoinabilityDisableWhileGameInProgress closes the lobby only while a game runs.
	JoinabilityDisableWhileGameInProgress
	JoinabilityClosed
)

// String returns the property value written for the joinability.
func (j Joinability) String() string {
	switch j {
	case JoinabilityJoinableByFriends:
		return "joinableByFriends"
	case JoinabilityInviteOnly:
		return "inviteOnly"
	case JoinabilityDisableWhileGameInProgress:
		return "disableWhileGameInProgress"
	case JoinabilityClosed:
		return "closed"
	default:
		return "none"
	}
}

// SessionChangeEvent is a shoulder tap: the session changed, without its new state.
type SessionChangeEvent struct {
	Reference    SessionReference `json:"reference"`
	Branch       string           `json:"branch,omitempty"`
	ChangeNumber uint64           `json:"changeNumber"`
}
