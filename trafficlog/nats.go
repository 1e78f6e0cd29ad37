package trafficlog

import (
	"context"
	"strconv"
	"strings"

	"github.com/nats-io/nats.go"

	"github.com/c360/cotrelay/errors"
)

// Header names set on mirrored messages.
const (
	HeaderUID       = "Cot-Uid"
	HeaderType      = "Cot-Type"
	HeaderSourceUID = "Cot-Source-Uid"
	HeaderDstUID    = "Cot-Dst-Uid"
	HeaderNode      = "Cot-Node"
)

// Publisher is the subset of natsclient.Client the sink needs.
type Publisher interface {
	PublishMsg(ctx context.Context, msg *nats.Msg) error
}

// NATSSink publishes every record's XML on <subject>.<node_id>.
type NATSSink struct {
	pub     Publisher
	subject string
	node    string
}

var _ Sink = (*NATSSink)(nil)

// NewNATSSink creates a sink publishing through pub.
func NewNATSSink(pub Publisher, subject, nodeID string) (*NATSSink, error) {
	if pub == nil {
		return nil, errors.WrapInvalid(errors.ErrMissingConfig, "NATSSink", "NewNATSSink", "publisher is required")
	}
	subject = strings.TrimSuffix(subject, ".")
	if subject == "" {
		subject = "cot.traffic"
	}
	if nodeID == "" {
		nodeID = "relay"
	}
	return &NATSSink{pub: pub, subject: subject, node: nodeID}, nil
}

// Subject returns the subject records are published on.
func (s *NATSSink) Subject() string {
	return s.subject + "." + subjectToken(s.node)
}

// Name implements Sink.
func (s *NATSSink) Name() string { return "nats" }

// Write implements Sink. It stops at the first failure; the rest of the
// batch is dropped.
func (s *NATSSink) Write(ctx context.Context, batch []Record) error {
	subject := s.Subject()
	for i, rec := range batch {
		msg := nats.NewMsg(subject)
		msg.Data = []byte(rec.XML)
		msg.Header.Set(HeaderUID, rec.UID)
		msg.Header.Set(HeaderType, rec.Type)
		msg.Header.Set(HeaderNode, s.node)
		if rec.SourceUID != "" {
			msg.Header.Set(HeaderSourceUID, rec.SourceUID)
		}
		if rec.DstUID != "" {
			msg.Header.Set(HeaderDstUID, rec.DstUID)
		}

		if err := s.pub.PublishMsg(ctx, msg); err != nil {
			return errors.Wrap(err, "NATSSink", "Write", "publish record "+strconv.Itoa(i))
		}
	}
	return nil
}

// Close implements Sink. The connection is owned by the caller.
func (s *NATSSink) Close() error { return nil }

// subjectToken replaces characters that are not valid in a subject token.
func subjectToken(s string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case '.', '*', '>', ' ', '\t', '\r', '\n':
			return '_'
		}
		return r
	}, s)
}
