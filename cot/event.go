// Package cot models Cursor-on-Target events: the XML envelope, its point,
// and the detail payload as a closed set of variants. It also provides the
// incremental stream framer used by relay sessions.
package cot

import (
	"encoding/xml"
	"time"

	"github.com/c360/cotrelay/errors"
)

// Version is the envelope version written by Encode when Event.Version is empty.
const Version = "2.0"

// UnknownValue is the CoT sentinel for an unknown height or error estimate.
const UnknownValue = 9999999.0

// Event is one CoT envelope.
type Event struct {
	Version string
	UID     string
	Type    string
	How     string
	Time    time.Time
	Start   time.Time
	Stale   time.Time
	Point   Point
	Detail  Detail

	// Attrs holds envelope attributes the model does not interpret.
	Attrs []xml.Attr
	// Extra holds sibling elements of point and detail, byte-for-byte.
	Extra []byte
}

// Point is the event location.
type Point struct {
	Lat float64
	Lon float64
	HAE float64
	CE  float64
	LE  float64
}

// UnknownPoint is used when an event carries no point element.
func UnknownPoint() Point {
	return Point{HAE: UnknownValue, CE: UnknownValue, LE: UnknownValue}
}

// IsIdentity reports whether the event announces an identity and is
// therefore retained in the presence store.
func (e *Event) IsIdentity() bool {
	return e.Position() != nil
}

// Position returns the identity detail, or nil.
func (e *Event) Position() *Position {
	p, _ := e.Detail.(*Position)
	return p
}

// Chat returns the chat detail, or nil.
func (e *Event) Chat() *Chat {
	c, _ := e.Detail.(*Chat)
	return c
}

// DirectedTo returns the destination uid of a directed chat, or "" when the
// event should be broadcast.
func (e *Event) DirectedTo() string {
	if c := e.Chat(); c != nil {
		return c.DstUID
	}
	return ""
}

// Kind returns the detail kind, KindNone when the event has no detail.
func (e *Event) Kind() Kind {
	if e.Detail == nil {
		return KindNone
	}
	return e.Detail.Kind()
}

// CheckTimes reports a violation of time <= start <= stale. Violations are
// not fatal; callers log and count them.
func (e *Event) CheckTimes() error {
	if e.Start.Before(e.Time) {
		return errors.WrapInvalid(errors.ErrTimeOrder, "cot", "CheckTimes", "start before time")
	}
	if e.Stale.Before(e.Start) {
		return errors.WrapInvalid(errors.ErrTimeOrder, "cot", "CheckTimes", "stale before start")
	}
	return nil
}

// IsStale reports whether the event is stale at now.
func (e *Event) IsStale(now time.Time) bool {
	return !now.Before(e.Stale)
}

// Callsign returns the callsign carried by identity or chat details.
func (e *Event) Callsign() string {
	switch d := e.Detail.(type) {
	case *Position:
		return d.Callsign
	case *Chat:
		return d.SrcCallsign
	}
	return ""
}
