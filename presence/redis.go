package presence

import (
	"context"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/c360/cotrelay/cot"
	"github.com/c360/cotrelay/errors"
)

// DefaultKeyPrefix namespaces presence keys in a shared Redis.
const DefaultKeyPrefix = "cotrelay:presence:"

const scanBatch = 256

// NewRedisClient connects to the server named by spec: "true" for
// localhost:6379, otherwise a redis:// or rediss:// URL.
func NewRedisClient(ctx context.Context, spec string) (*redis.Client, error) {
	var opts *redis.Options
	if strings.EqualFold(spec, "true") {
		opts = &redis.Options{Addr: "localhost:6379"}
	} else {
		parsed, err := redis.ParseURL(spec)
		if err != nil {
			return nil, errors.WrapFatal(errors.Join(errors.ErrInvalidConfig, err), "presence", "NewRedisClient", "parse redis url")
		}
		opts = parsed
	}

	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, errors.WrapTransient(errors.Join(errors.ErrStorageUnavailable, err), "presence", "NewRedisClient", "ping redis")
	}

	return client, nil
}

// RedisStore keeps presence in Redis. Each entry is the encoded event stored
// with a native expiry, so expired entries vanish without sweeping.
type RedisStore struct {
	client  *redis.Client
	prefix  string
	match   string
	ceiling time.Duration

	now     func() time.Time
	logger  *slog.Logger
	metrics *presenceMetrics
	owned   bool
}

var _ Store = (*RedisStore)(nil)

// NewRedisStore wraps an existing client. An empty prefix uses DefaultKeyPrefix.
func NewRedisStore(client *redis.Client, ceiling time.Duration, prefix string, opts ...Option) *RedisStore {
	o := applyOptions(opts)
	if prefix == "" {
		prefix = DefaultKeyPrefix
	}
	return &RedisStore{
		client:  client,
		prefix:  prefix,
		match:   globEscape(prefix) + "*",
		ceiling: ceiling,
		now:     o.now,
		logger:  o.logger,
		metrics: o.metrics,
		owned:   o.ownedClient,
	}
}

func (r *RedisStore) key(uid string) string {
	return r.prefix + uid
}

// globEscape quotes the characters SCAN MATCH treats as pattern syntax so
// that a prefix only ever matches itself.
func globEscape(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, c := range []byte(s) {
		switch c {
		case '*', '?', '[', ']', '\\':
			b.WriteByte('\\')
		}
		b.WriteByte(c)
	}
	return b.String()
}

// Upsert implements Store.
func (r *RedisStore) Upsert(ctx context.Context, ev *cot.Event) (bool, error) {
	if ev == nil || !ev.IsIdentity() {
		r.metrics.recordUpsert("ignored")
		return false, nil
	}

	now := r.now()
	ttl := ExpiresAt(ev, now, r.ceiling).Sub(now)
	if ttl <= 0 {
		r.metrics.recordUpsert("expired")
		if err := r.client.Del(ctx, r.key(ev.UID)).Err(); err != nil {
			return true, errors.WrapTransient(err, "RedisStore", "Upsert", "delete stale entry")
		}
		return true, nil
	}

	data, err := cot.Encode(ev)
	if err != nil {
		return false, errors.Wrap(err, "RedisStore", "Upsert", "encode event")
	}

	if err := r.client.Set(ctx, r.key(ev.UID), data, ttl).Err(); err != nil {
		return false, errors.WrapTransient(err, "RedisStore", "Upsert", "set entry")
	}
	r.metrics.recordUpsert("stored")
	return true, nil
}

// Get implements Store.
func (r *RedisStore) Get(ctx context.Context, uid string) (*cot.Event, bool, error) {
	val, err := r.client.Get(ctx, r.key(uid)).Bytes()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, errors.WrapTransient(err, "RedisStore", "Get", "get entry")
	}

	ev, err := cot.Decode(val)
	if err != nil {
		return nil, false, errors.Wrap(err, "RedisStore", "Get", "decode entry")
	}
	return ev, true, nil
}

// List implements Store. Entries that fail to decode are logged and skipped.
func (r *RedisStore) List(ctx context.Context) ([]*cot.Event, error) {
	keys, err := r.scan(ctx)
	if err != nil {
		return nil, err
	}

	out := make([]*cot.Event, 0, len(keys))
	for start := 0; start < len(keys); start += scanBatch {
		batch := keys[start:min(start+scanBatch, len(keys))]
		vals, err := r.client.MGet(ctx, batch...).Result()
		if err != nil {
			return nil, errors.WrapTransient(err, "RedisStore", "List", "mget entries")
		}

		for i, v := range vals {
			s, ok := v.(string)
			if !ok {
				continue // expired between SCAN and MGET
			}
			ev, err := cot.Decode([]byte(s))
			if err != nil {
				r.logger.Warn("Skipping undecodable presence entry", "key", batch[i], "error", err)
				continue
			}
			out = append(out, ev)
		}
	}

	sort.Slice(out, func(i, j int) bool { return out[i].UID < out[j].UID })
	r.metrics.setEntries(len(out))
	return out, nil
}

// PurgeExpired implements Store. Redis expires keys natively.
func (r *RedisStore) PurgeExpired(context.Context) (int, error) {
	return 0, nil
}

// Purge implements Store.
func (r *RedisStore) Purge(ctx context.Context) (int, error) {
	keys, err := r.scan(ctx)
	if err != nil {
		return 0, err
	}

	removed := 0
	for start := 0; start < len(keys); start += scanBatch {
		batch := keys[start:min(start+scanBatch, len(keys))]
		n, err := r.client.Del(ctx, batch...).Result()
		if err != nil {
			return removed, errors.WrapTransient(err, "RedisStore", "Purge", "delete entries")
		}
		removed += int(n)
	}

	r.metrics.setEntries(0)
	return removed, nil
}

// Len implements Store.
func (r *RedisStore) Len(ctx context.Context) (int, error) {
	keys, err := r.scan(ctx)
	return len(keys), err
}

// Ping implements Store.
func (r *RedisStore) Ping(ctx context.Context) error {
	if err := r.client.Ping(ctx).Err(); err != nil {
		return errors.WrapTransient(err, "RedisStore", "Ping", "ping redis")
	}
	return nil
}

// Close releases the client when the store created it.
func (r *RedisStore) Close() error {
	if !r.owned {
		return nil
	}
	return r.client.Close()
}

func (r *RedisStore) scan(ctx context.Context) ([]string, error) {
	var keys []string
	iter := r.client.Scan(ctx, 0, r.match, scanBatch).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return nil, errors.WrapTransient(err, "RedisStore", "scan", "scan keys")
	}
	return keys, nil
}
