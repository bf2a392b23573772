// Package stats buffers title statistics per local user and flushes them to
// the stats service at a bounded rate.
//
// Writes land in a per-user ValueDocument as pending changes, are folded into
// the document on DoWork and are only sent when a flush is requested. Flush
// requests go through two calltimer.BufferTimers, one per priority, so a burst
// of requests results in at most one POST per user per cooldown window.
package stats

import (
	"encoding/json"
	"fmt"
	"strconv"
)

// Value is a stat value: either a Number or a Text.
type Value interface {
	statValue()
	String() string
}

// Number is a numeric stat value.
type Number float64

func (Number) statValue() {}

func (n Number) String() string {
	return strconv.FormatFloat(float64(n), 'g', -1, 64)
}

// Text is a string stat value.
type Text string

func (Text) statValue() {}

func (t Text) String() string {
	return string(t)
}

// ReplacePolicy decides whether a new value replaces the stored one.
type ReplacePolicy int

const (
	ReplaceAlways ReplacePolicy = iota
	ReplaceMin
	ReplaceMax
)

func (p ReplacePolicy) String() string {
	switch p {
	case ReplaceMin:
		return "min"
	case ReplaceMax:
		return "max"
	default:
		return "always"
	}
}

// ParseReplacePolicy is the inverse of ReplacePolicy.String.
func ParseReplacePolicy(s string) (ReplacePolicy, error) {
	switch s {
	case "", "always":
		return ReplaceAlways, nil
	case "min":
		return ReplaceMin, nil
	case "max":
		return ReplaceMax, nil
	default:
		return 0, fmt.Errorf("stats: unknown replace policy %q", s)
	}
}

// replaces reports whether next should replace cur under p.
// Min and max only apply between numbers; anything else always replaces.
func (p ReplacePolicy) replaces(cur, next Value) bool {
	a, okA := cur.(Number)
	b, okB := next.(Number)
	if !okA || !okB {
		return true
	}
	switch p {
	case ReplaceMin:
		return b < a
	case ReplaceMax:
		return b > a
	default:
		return true
	}
}

// StatValue is a named stat as stored in a document.
type StatValue struct {
	Name  string
	Value Value
}

type statValueJSON struct {
	Value json.RawMessage `json:"value"`
}

// MarshalJSON encodes the stat as {"value": <number|string>}.
func (s StatValue) MarshalJSON() ([]byte, error) {
	var (
		raw []byte
		err error
	)
	switch v := s.Value.(type) {
	case Number:
		raw, err = json.Marshal(float64(v))
	case Text:
		raw, err = json.Marshal(string(v))
	default:
		return nil, fmt.Errorf("stats: stat %q has no value", s.Name)
	}
	if err != nil {
		return nil, err
	}
	return json.Marshal(statValueJSON{Value: raw})
}

// UnmarshalJSON decodes {"value": <number|string>}. The name is set by the caller.
func (s *StatValue) UnmarshalJSON(data []byte) error {
	var wire statValueJSON
	if err := json.Unmarshal(data, &wire); err != nil {
		return err
	}

	var str string
	if err := json.Unmarshal(wire.Value, &str); err == nil {
		s.Value = Text(str)
		return nil
	}
	var num float64
	if err := json.Unmarshal(wire.Value, &num); err != nil {
		return fmt.Errorf("stats: value must be a number or a string: %w", err)
	}
	s.Value = Number(num)
	return nil
}
