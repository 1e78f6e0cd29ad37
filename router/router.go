// Package router decides who receives each event. Identity-bearing events
// refresh presence and bind the sender's identity; directed chats go to the
// clients bound to the destination uid; everything else is broadcast to all
// clients except the sender. Late joiners get the presence table replayed
// before any live traffic.
package router

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/c360/cotrelay/cot"
	"github.com/c360/cotrelay/errors"
	"github.com/c360/cotrelay/metric"
	"github.com/c360/cotrelay/presence"
	"github.com/c360/cotrelay/session"
)

// Client is a routable connection.
type Client interface {
	ID() string
	// Send queues ev without blocking.
	Send(ev *cot.Event) error
	Identity() (uid, callsign string)
	BindIdentity(uid, callsign string)
	Info() session.Info
}

// RawSender is implemented by clients that accept pre-encoded events, so a
// broadcast encodes once.
type RawSender interface {
	SendRaw(data []byte) error
}

// ReplaySender is implemented by clients that treat presence replay apart
// from live traffic, so an oversized replay is not held against them.
type ReplaySender interface {
	SendReplay(ev *cot.Event) error
}

// DefaultReplayTimeout bounds the presence listing done for a joining client.
const DefaultReplayTimeout = 5 * time.Second

// TrafficRecorder observes every routed event. It must not block.
type TrafficRecorder interface {
	Record(from Client, ev *cot.Event)
}

// Filter selects clients by exact uid and callsign. Empty fields match all.
type Filter struct {
	UID      string
	Callsign string
}

func (f Filter) matches(c Client) bool {
	uid, callsign := c.Identity()
	return (f.UID == "" || f.UID == uid) && (f.Callsign == "" || f.Callsign == callsign)
}

// Deps holds runtime dependencies.
type Deps struct {
	Logger          *slog.Logger
	MetricsRegistry *metric.MetricsRegistry
	Recorder        TrafficRecorder
}

// Router holds the live client set and the presence store.
type Router struct {
	mu      sync.RWMutex
	clients map[string]Client

	store    presence.Store
	recorder TrafficRecorder
	logger   *slog.Logger
	metrics  *routerMetrics
}

// New creates a Router over store.
func New(store presence.Store, deps Deps) (*Router, error) {
	if store == nil {
		return nil, errors.WrapFatal(errors.ErrMissingConfig, "Router", "New", "presence store")
	}

	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	metrics, err := newRouterMetrics(deps.MetricsRegistry)
	if err != nil {
		return nil, err
	}

	return &Router{
		clients:  make(map[string]Client),
		store:    store,
		recorder: deps.Recorder,
		logger:   logger.With("component", "router"),
		metrics:  metrics,
	}, nil
}

// ClientConnect replays live presence to c and then adds it to the live set.
// The presence table is listed before the live-set lock is taken; queueing
// the replay and joining happen under it, so c sees the replay before any
// event routed after it joined.
func (r *Router) ClientConnect(ctx context.Context, c Client) error {
	listCtx, cancel := context.WithTimeout(ctx, DefaultReplayTimeout)
	known, err := r.store.List(listCtx)
	cancel()
	if err != nil {
		// Still admit the client; it simply misses the replay.
		r.logger.Warn("Presence replay unavailable", "client_id", c.ID(), "error", err)
		r.metrics.recordPresenceError("list")
	}

	send := c.Send
	if rs, ok := c.(ReplaySender); ok {
		send = rs.SendReplay
	}

	r.mu.Lock()
	replayed := 0
	for i, ev := range known {
		if serr := send(ev); serr != nil {
			r.metrics.recordDelivery("failed")
			if errors.Is(serr, errors.ErrSlowConsumer) {
				r.logger.Warn("Presence replay truncated", "client_id", c.ID(),
					"replayed", replayed, "skipped", len(known)-i)
				break
			}
			r.logger.Debug("Replay delivery failed", "client_id", c.ID(), "uid", ev.UID, "error", serr)
			continue
		}
		replayed++
	}
	r.clients[c.ID()] = c
	n := len(r.clients)
	r.mu.Unlock()

	r.metrics.setClients(n)
	r.metrics.recordReplay(replayed)

	r.logger.Debug("Client connected", "client_id", c.ID(), "replayed", replayed)
	if err != nil {
		return errors.WrapTransient(err, "Router", "ClientConnect", "replay presence")
	}
	return nil
}

// ClientDisconnect removes c from the live set. Presence is kept.
func (r *Router) ClientDisconnect(c Client) {
	r.mu.Lock()
	_, ok := r.clients[c.ID()]
	delete(r.clients, c.ID())
	n := len(r.clients)
	r.mu.Unlock()

	if ok {
		r.metrics.setClients(n)
		uid, callsign := c.Identity()
		r.logger.Debug("Client disconnected", "client_id", c.ID(), "uid", uid, "callsign", callsign)
	}
}

// Route delivers ev from the given client, or from the server itself when
// from is nil. Failures are isolated per recipient.
func (r *Router) Route(ctx context.Context, from Client, ev *cot.Event) {
	if ev == nil {
		return
	}

	if r.recorder != nil {
		r.recorder.Record(from, ev)
	}

	if ev.IsIdentity() {
		if _, err := r.store.Upsert(ctx, ev); err != nil {
			r.logger.Warn("Presence update failed", "uid", ev.UID, "error", err)
			r.metrics.recordPresenceError("upsert")
		}
		if from != nil {
			from.BindIdentity(ev.UID, ev.Callsign())
		}
	}

	dst := ev.DirectedTo()
	recipients := r.recipients(from, dst)
	if dst != "" {
		r.metrics.recordRouted("directed")
		if len(recipients) == 0 {
			r.logger.Debug("No client bound to chat destination", "dst_uid", dst, "uid", ev.UID)
		}
	} else {
		r.metrics.recordRouted("broadcast")
	}

	r.deliver(ev, recipients)
}

// recipients takes a point-in-time snapshot of the clients ev goes to.
func (r *Router) recipients(from Client, dst string) []Client {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Client, 0, len(r.clients))
	for id, c := range r.clients {
		if dst != "" {
			if uid, _ := c.Identity(); uid == dst {
				out = append(out, c)
			}
			continue
		}
		if from != nil && id == from.ID() {
			continue
		}
		out = append(out, c)
	}
	return out
}

func (r *Router) deliver(ev *cot.Event, recipients []Client) {
	var encoded []byte
	for _, c := range recipients {
		var err error
		if rs, ok := c.(RawSender); ok {
			if encoded == nil {
				if encoded, err = cot.Encode(ev); err != nil {
					r.logger.Warn("Dropping unencodable event", "uid", ev.UID, "error", err)
					r.metrics.recordDelivery("failed")
					return
				}
			}
			err = rs.SendRaw(encoded)
		} else {
			err = c.Send(ev)
		}

		if err != nil {
			r.metrics.recordDelivery("failed")
			r.logger.Debug("Delivery failed", "client_id", c.ID(), "uid", ev.UID, "error", err)
			continue
		}
		r.metrics.recordDelivery("ok")
	}
}

// FindClients returns the live clients matching f, ordered by id.
func (r *Router) FindClients(f Filter) []Client {
	r.mu.RLock()
	out := make([]Client, 0, len(r.clients))
	for _, c := range r.clients {
		if f.matches(c) {
			out = append(out, c)
		}
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ID() < out[j].ID() })
	return out
}

// Clients returns every live client, ordered by id.
func (r *Router) Clients() []Client {
	return r.FindClients(Filter{})
}

// Len returns the number of live clients.
func (r *Router) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.clients)
}

// Presence returns the live presence table ordered by uid.
func (r *Router) Presence(ctx context.Context) ([]*cot.Event, error) {
	return r.store.List(ctx)
}

// PurgePresence drops every presence entry.
func (r *Router) PurgePresence(ctx context.Context) (int, error) {
	n, err := r.store.Purge(ctx)
	if err != nil {
		return n, errors.Wrap(err, "Router", "PurgePresence", "purge store")
	}
	r.logger.Info("Presence purged", "count", n)
	return n, nil
}
