// Package querycache is the shared cache of backend query results. Reads go
// through Fetch; writes happen only through invalidation or the optimistic
// helpers in placeholder.go.
package querycache

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/fruitsalade/assetsync/internal/events"
	"github.com/fruitsalade/assetsync/internal/logging"
	"github.com/fruitsalade/assetsync/internal/metrics"
)

// Key identifies a query. The first element is the backend type and the
// second the query kind; invalidation matches by prefix.
type Key []string

func (k Key) String() string { return strings.Join(k, "\x1f") }

// HasPrefix reports whether p is a prefix of k.
func (k Key) HasPrefix(p Key) bool {
	if len(p) > len(k) {
		return false
	}
	for i := range p {
		if k[i] != p[i] {
			return false
		}
	}
	return true
}

// Kind returns the query kind element, or "".
func (k Key) Kind() string {
	if len(k) < 2 {
		return ""
	}
	return k[1]
}

// EventType classifies cache events.
type EventType string

const (
	EventUpdated     EventType = "updated"
	EventInvalidated EventType = "invalidated"
	EventEvicted     EventType = "evicted"
)

// Event reports a change to one cached query.
type Event struct {
	Type EventType
	Key  Key
}

// Fetcher loads the value of a query.
type Fetcher func(ctx context.Context) (any, error)

type entry struct {
	key       Key
	data      any
	hasData   bool
	err       error
	stale     bool
	fetchedAt time.Time
	fetcher   Fetcher

	// gen counts invalidations. A load started before the latest one does
	// not store its result.
	gen uint64
}

// Cache holds query results. Create one per session and pass it to every
// component that needs it.
type Cache struct {
	mu      sync.Mutex
	entries map[string]*entry
	group   singleflight.Group
	bus     *events.Broadcaster[Event]
	log     *zap.Logger

	staleTime time.Duration
}

// Option configures a Cache.
type Option func(*Cache)

// WithStaleTime makes entries older than d refetch on the next Fetch.
func WithStaleTime(d time.Duration) Option {
	return func(c *Cache) { c.staleTime = d }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(c *Cache) { c.log = l }
}

// New creates an empty cache.
func New(opts ...Option) *Cache {
	c := &Cache{
		entries: make(map[string]*entry),
		bus:     events.NewBroadcaster[Event](),
		log:     logging.Named("querycache"),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Subscribe returns a channel of cache events.
func (c *Cache) Subscribe() (<-chan Event, func()) {
	return c.bus.Subscribe()
}

func (c *Cache) fresh(e *entry) bool {
	if !e.hasData || e.stale {
		return false
	}
	return c.staleTime == 0 || time.Since(e.fetchedAt) < c.staleTime
}

// Fetch returns the cached value for key, loading it with fetch when it is
// missing or stale. Concurrent loads of one key share a single call.
func Fetch[T any](ctx context.Context, c *Cache, key Key, fetch func(ctx context.Context) (T, error)) (T, error) {
	c.mu.Lock()
	e := c.register(key, func(ctx context.Context) (any, error) { return fetch(ctx) })
	if c.fresh(e) {
		v, ok := e.data.(T)
		c.mu.Unlock()
		if ok {
			metrics.RecordCacheFetch(true)
			return v, nil
		}
	} else {
		c.mu.Unlock()
	}

	metrics.RecordCacheFetch(false)
	return loadAs[T](ctx, c, key)
}

// Load registers fetch for key like Fetch, but always loads.
func Load[T any](ctx context.Context, c *Cache, key Key, fetch func(ctx context.Context) (T, error)) (T, error) {
	c.mu.Lock()
	c.register(key, func(ctx context.Context) (any, error) { return fetch(ctx) })
	c.mu.Unlock()
	return loadAs[T](ctx, c, key)
}

// register sets the fetcher of key, creating the entry. c.mu must be held.
func (c *Cache) register(key Key, f Fetcher) *entry {
	e, ok := c.entries[key.String()]
	if !ok {
		e = &entry{key: key}
		c.entries[key.String()] = e
	}
	e.fetcher = f
	return e
}

func loadAs[T any](ctx context.Context, c *Cache, key Key) (T, error) {
	var zero T
	v, err := c.load(ctx, key)
	if err != nil {
		return zero, err
	}
	t, ok := v.(T)
	if !ok {
		return zero, fmt.Errorf("querycache: %v holds %T", key, v)
	}
	return t, nil
}

// Peek returns the cached value for key without loading.
func Peek[T any](c *Cache, key Key) (T, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	var zero T
	e, ok := c.entries[key.String()]
	if !ok || !e.hasData {
		return zero, false
	}
	v, ok := e.data.(T)
	return v, ok
}

// Err returns the error of the last load of key, if it failed.
func (c *Cache) Err(key Key) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.entries[key.String()]; ok {
		return e.err
	}
	return nil
}

// Refetch reloads key with its registered fetcher.
func (c *Cache) Refetch(ctx context.Context, key Key) (any, error) {
	return c.load(ctx, key)
}

func (c *Cache) load(ctx context.Context, key Key) (any, error) {
	k := key.String()
	v, err, _ := c.group.Do(k, func() (any, error) {
		c.mu.Lock()
		e, ok := c.entries[k]
		var f Fetcher
		var gen uint64
		if ok {
			f, gen = e.fetcher, e.gen
		}
		c.mu.Unlock()
		if f == nil {
			return nil, fmt.Errorf("querycache: no fetcher registered for %v", key)
		}

		v, err := f(ctx)

		c.mu.Lock()
		// The entry may have been evicted or invalidated while loading.
		if e, ok := c.entries[k]; ok && e.gen == gen {
			if err != nil {
				e.err = err
			} else {
				e.data, e.hasData, e.err = v, true, nil
				e.stale = false
				e.fetchedAt = time.Now()
			}
		}
		c.mu.Unlock()
		if err == nil {
			c.bus.Publish(Event{Type: EventUpdated, Key: key})
		}
		return v, err
	})
	return v, err
}

// Invalidate marks every query under the given prefixes stale and refetches
// those that have a fetcher. With await it returns once the refetches have
// finished; refetch failures are recorded on the entries, not returned.
func (c *Cache) Invalidate(ctx context.Context, prefixes []Key, await bool) error {
	var refetch []Key

	c.mu.Lock()
	for _, e := range c.entries {
		for _, p := range prefixes {
			if e.key.HasPrefix(p) {
				e.stale = true
				e.gen++
				c.group.Forget(e.key.String())
				if e.fetcher != nil {
					refetch = append(refetch, e.key)
				}
				break
			}
		}
	}
	c.mu.Unlock()

	for _, p := range prefixes {
		metrics.RecordInvalidation(queryLabel(p))
		c.bus.Publish(Event{Type: EventInvalidated, Key: p})
	}
	if len(refetch) == 0 {
		return nil
	}

	run := func(ctx context.Context) {
		var g errgroup.Group
		for _, key := range refetch {
			g.Go(func() error {
				if _, err := c.load(ctx, key); err != nil {
					c.log.Warn("refetch after invalidation failed", zap.Stringer("key", key), zap.Error(err))
				}
				return nil
			})
		}
		_ = g.Wait()
	}

	if await {
		run(ctx)
		return ctx.Err()
	}
	go run(context.WithoutCancel(ctx))
	return nil
}

func queryLabel(p Key) string {
	if k := p.Kind(); k != "" {
		return k
	}
	return "all"
}

// Evict drops every query under prefix.
func (c *Cache) Evict(prefix Key) {
	var evicted []Key
	c.mu.Lock()
	for k, e := range c.entries {
		if e.key.HasPrefix(prefix) {
			delete(c.entries, k)
			evicted = append(evicted, e.key)
		}
	}
	c.mu.Unlock()
	for _, k := range evicted {
		c.bus.Publish(Event{Type: EventEvicted, Key: k})
	}
}

// update applies fn to the data of key under the lock. It is the only
// direct write path and is reached from the optimistic helpers. With
// supersede, a load of key already in flight does not store its result
// over the write.
func (c *Cache) update(key Key, supersede bool, fn func(data any, ok bool) (any, bool)) {
	c.mu.Lock()
	e, exists := c.entries[key.String()]
	var data any
	has := false
	if exists && e.hasData {
		data, has = e.data, true
	}
	next, write := fn(data, has)
	if write {
		if !exists {
			e = &entry{key: key, stale: true}
			c.entries[key.String()] = e
		}
		e.data, e.hasData = next, true
		if supersede {
			e.gen++
			c.group.Forget(key.String())
		}
	}
	c.mu.Unlock()
	if write {
		c.bus.Publish(Event{Type: EventUpdated, Key: key})
	}
}

// Keys returns the keys currently cached under prefix.
func (c *Cache) Keys(prefix Key) []Key {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []Key
	for _, e := range c.entries {
		if e.key.HasPrefix(prefix) {
			out = append(out, e.key)
		}
	}
	return out
}
