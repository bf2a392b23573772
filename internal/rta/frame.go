// Package rta carries real-time activity notifications ("shoulder taps") from
// the session directory to subscribed clients over WebSocket.
//
// Frames are JSON objects with a "type" field. A tap frame names the session
// and its new change number; a resync frame tells subscribers that taps may
// have been lost and every cached session should be refreshed.
package rta

import (
	"encoding/json"
	"fmt"

	"github.com/vovakirdan/xblsync/internal/multiplayer"
)

// FrameType identifies a Frame.
type FrameType string

const (
	FrameTap    FrameType = "tap"
	FrameResync FrameType = "resync"
)

// Frame is one message on the wire.
type Frame struct {
	Type         FrameType                    `json:"type"`
	Reference    multiplayer.SessionReference `json:"reference"`
	Branch       string                       `json:"branch,omitempty"`
	ChangeNumber uint64                       `json:"changeNumber,omitempty"`
}

// TapFrame builds a tap frame for evt.
func TapFrame(evt multiplayer.SessionChangeEvent) Frame {
	return Frame{
		Type:         FrameTap,
		Reference:    evt.Reference,
		Branch:       evt.Branch,
		ChangeNumber: evt.ChangeNumber,
	}
}

// Event returns the change event carried by a tap frame.
func (f Frame) Event() multiplayer.SessionChangeEvent {
	return multiplayer.SessionChangeEvent{
		Reference:    f.Reference,
		Branch:       f.Branch,
		ChangeNumber: f.ChangeNumber,
	}
}

// ParseFrame decodes and validates a frame.
func ParseFrame(data []byte) (Frame, error) {
	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		return Frame{}, fmt.Errorf("rta: decode frame: %w", err)
	}
	switch f.Type {
	case FrameTap:
		if f.Reference.IsZero() {
			return Frame{}, fmt.Errorf("rta: tap frame without a session reference")
		}
	case FrameResync:
	default:
		return Frame{}, fmt.Errorf("rta: unknown frame type %q", f.Type)
	}
	return f, nil
}
