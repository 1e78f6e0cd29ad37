// Package trafficlog mirrors routed CoT traffic to sinks off the routing
// path. Routing writes records into a drop-oldest ring buffer; a flush loop
// hands batches to every sink.
package trafficlog

import (
	"context"
	"time"

	"github.com/c360/cotrelay/cot"
	"github.com/c360/cotrelay/router"
)

// Record is one routed event as seen by the relay.
type Record struct {
	Time      time.Time `json:"time"`
	SessionID string    `json:"session_id,omitempty"`
	SourceUID string    `json:"source_uid,omitempty"`
	Callsign  string    `json:"callsign,omitempty"`
	UID       string    `json:"uid"`
	Type      string    `json:"type"`
	Kind      string    `json:"kind"`
	DstUID    string    `json:"dst_uid,omitempty"`
	XML       string    `json:"xml"`
}

// NewRecord builds a record for ev routed from the given client, nil for
// server-originated traffic.
func NewRecord(now time.Time, from router.Client, ev *cot.Event, xml []byte) Record {
	rec := Record{
		Time:   now.UTC(),
		UID:    ev.UID,
		Type:   ev.Type,
		Kind:   ev.Kind().String(),
		DstUID: ev.DirectedTo(),
		XML:    string(xml),
	}
	if from != nil {
		rec.SessionID = from.ID()
		rec.SourceUID, rec.Callsign = from.Identity()
	}
	return rec
}

// Source names the origin of the record for per-source sinks.
func (r Record) Source() string {
	switch {
	case r.SourceUID != "":
		return r.SourceUID
	case r.SessionID != "":
		return "session-" + r.SessionID
	default:
		return "relay"
	}
}

// Sink receives batches of records. Write must tolerate concurrent calls
// with Close only after the recorder has stopped.
type Sink interface {
	Name() string
	Write(ctx context.Context, batch []Record) error
	Close() error
}
