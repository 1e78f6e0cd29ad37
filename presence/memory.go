package presence

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/c360/cotrelay/cot"
	"github.com/c360/cotrelay/errors"
)

type entry struct {
	event     *cot.Event
	expiresAt time.Time
}

// MemoryStore is the in-process backend. Expired entries are hidden
// immediately and physically removed on access or by the sweeper.
type MemoryStore struct {
	mu      sync.RWMutex
	items   map[string]entry
	ceiling time.Duration

	now     func() time.Time
	logger  *slog.Logger
	metrics *presenceMetrics

	started   atomic.Bool
	startOnce sync.Once
	closeOnce sync.Once
	shutdown  chan struct{}
	done      chan struct{}
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates an empty store.
func NewMemoryStore(ceiling time.Duration, opts ...Option) *MemoryStore {
	o := applyOptions(opts)
	return &MemoryStore{
		items:    make(map[string]entry),
		ceiling:  ceiling,
		now:      o.now,
		logger:   o.logger,
		metrics:  o.metrics,
		shutdown: make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Start runs the background sweeper until ctx ends or Close is called.
func (s *MemoryStore) Start(ctx context.Context, interval time.Duration) {
	s.startOnce.Do(func() {
		s.started.Store(true)
		go s.sweep(ctx, interval)
	})
}

func (s *MemoryStore) sweep(ctx context.Context, interval time.Duration) {
	defer close(s.done)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.shutdown:
			return
		case <-ticker.C:
			if n, _ := s.PurgeExpired(ctx); n > 0 {
				s.logger.Debug("Purged expired presence", "count", n)
			}
		}
	}
}

// Upsert implements Store.
func (s *MemoryStore) Upsert(_ context.Context, ev *cot.Event) (bool, error) {
	if ev == nil || !ev.IsIdentity() {
		s.metrics.recordUpsert("ignored")
		return false, nil
	}

	now := s.now()
	expiresAt := ExpiresAt(ev, now, s.ceiling)

	s.mu.Lock()
	if expiresAt.After(now) {
		s.items[ev.UID] = entry{event: ev, expiresAt: expiresAt}
	} else {
		// An already-stale announcement supersedes the previous one.
		delete(s.items, ev.UID)
	}
	size := len(s.items)
	s.mu.Unlock()

	if expiresAt.After(now) {
		s.metrics.recordUpsert("stored")
	} else {
		s.metrics.recordUpsert("expired")
	}
	s.metrics.setEntries(size)
	return true, nil
}

// Get implements Store.
func (s *MemoryStore) Get(_ context.Context, uid string) (*cot.Event, bool, error) {
	s.mu.RLock()
	e, ok := s.items[uid]
	s.mu.RUnlock()

	if !ok {
		return nil, false, nil
	}

	now := s.now()
	if !e.expiresAt.After(now) {
		s.mu.Lock()
		if cur, still := s.items[uid]; still && !cur.expiresAt.After(now) {
			delete(s.items, uid)
			s.metrics.recordEvictions(1)
			s.metrics.setEntries(len(s.items))
		}
		s.mu.Unlock()
		return nil, false, nil
	}

	return e.event, true, nil
}

// List implements Store.
func (s *MemoryStore) List(_ context.Context) ([]*cot.Event, error) {
	now := s.now()

	s.mu.RLock()
	out := make([]*cot.Event, 0, len(s.items))
	for _, e := range s.items {
		if e.expiresAt.After(now) {
			out = append(out, e.event)
		}
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].UID < out[j].UID })
	return out, nil
}

// PurgeExpired implements Store.
func (s *MemoryStore) PurgeExpired(_ context.Context) (int, error) {
	now := s.now()

	s.mu.Lock()
	n := 0
	for uid, e := range s.items {
		if !e.expiresAt.After(now) {
			delete(s.items, uid)
			n++
		}
	}
	size := len(s.items)
	s.mu.Unlock()

	s.metrics.recordEvictions(n)
	s.metrics.setEntries(size)
	return n, nil
}

// Purge implements Store.
func (s *MemoryStore) Purge(_ context.Context) (int, error) {
	s.mu.Lock()
	n := len(s.items)
	s.items = make(map[string]entry)
	s.mu.Unlock()

	s.metrics.setEntries(0)
	return n, nil
}

// Len implements Store. Expired entries not yet swept are not counted.
func (s *MemoryStore) Len(ctx context.Context) (int, error) {
	live, err := s.List(ctx)
	return len(live), err
}

// Ping implements Store.
func (s *MemoryStore) Ping(_ context.Context) error {
	select {
	case <-s.shutdown:
		return errors.WrapTransient(errors.ErrShuttingDown, "MemoryStore", "Ping", "check store")
	default:
		return nil
	}
}

// Close stops the sweeper.
func (s *MemoryStore) Close() error {
	first := false
	s.closeOnce.Do(func() {
		close(s.shutdown)
		first = true
	})
	if !first || !s.started.Load() {
		return nil
	}

	select {
	case <-s.done:
	case <-time.After(5 * time.Second):
		return errors.WrapTransient(errors.ErrConnectionTimeout, "MemoryStore", "Close", "wait for sweeper")
	}
	return nil
}
