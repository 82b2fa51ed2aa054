// Package fetchcache is a stale-while-revalidate cache with in-flight request
// deduplication, sitting between UI subscribers and a JSON backend.
package fetchcache

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/always-cache/fetchcache/cache"
	"github.com/always-cache/fetchcache/pkg/inflight"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
)

type Config struct {
	// Storage for cache entries. A new in-memory store is created if nil.
	Store *cache.Store
	// Clock to use. The real clock is used if nil.
	Clock clockwork.Clock
	// Logger to use. A console logger is used if nil.
	Logger *zerolog.Logger
	// Maximum number of keys revalidated concurrently on focus regain.
	FocusConcurrency int
}

// Client coordinates fetches for all keys.
// Construct it once at application start and share it.
type Client struct {
	store     *cache.Store
	inflight  *inflight.Registry
	scheduler *Scheduler
	clock     clockwork.Clock
	log       zerolog.Logger
	jitter    func() float64

	ctx    context.Context
	cancel context.CancelFunc

	// serializes the sequence check with the store write
	writeMu sync.Mutex

	topicsMu sync.Mutex
	topics   map[string]map[*Binding]struct{}
}

// New creates the client.
// It does not start any background process; see Store.Run for sweeping.
func New(config Config) *Client {
	// use console logger if not specified in config
	var logger zerolog.Logger
	if config.Logger == nil {
		logger = zerolog.New(zerolog.NewConsoleWriter())
	} else {
		logger = *config.Logger
	}

	clock := config.Clock
	if clock == nil {
		clock = clockwork.NewRealClock()
	}

	store := config.Store
	if store == nil {
		store = cache.NewStore(cache.Config{
			Clock:  clock,
			Logger: &logger,
		})
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &Client{
		store:    store,
		inflight: inflight.NewRegistry(ctx, &logger),
		clock:    clock,
		log:      logger.With().Str("component", "coordinator").Logger(),
		jitter:   randomJitter,
		ctx:      ctx,
		cancel:   cancel,
		topics:   make(map[string]map[*Binding]struct{}),
	}
	c.scheduler = newScheduler(c, config.FocusConcurrency, logger)
	return c
}

// Close aborts all in-flight requests and stops interval revalidation.
func (c *Client) Close() {
	c.cancel()
	c.scheduler.stopAll()
}

// Store returns the underlying cache store.
func (c *Client) Store() *cache.Store {
	return c.store
}

// Scheduler returns the revalidation scheduler.
func (c *Client) Scheduler() *Scheduler {
	return c.scheduler
}

// InFlight returns the number of parties waiting on the in-flight request for the key.
func (c *Client) InFlight(key string) int {
	return c.inflight.Refcount(key)
}

// Invalidate removes the entry for the key.
// If the key has subscribers, a silent revalidation is started so they converge on fresh data.
func (c *Client) Invalidate(key string) bool {
	removed := c.store.Invalidate(key)
	c.log.Debug().Str("key", key).Bool("removed", removed).Msg("Invalidated entry")
	c.scheduler.refresh(key)
	return removed
}

// Seed writes data for the key without a fetch and notifies its subscribers.
// Requests in flight for the key at this time will not overwrite the seeded data.
func (c *Client) Seed(key string, data json.RawMessage, opts Options) (cache.Entry, error) {
	if !json.Valid(data) {
		return cache.Entry{}, &ParseError{}
	}
	c.writeMu.Lock()
	c.inflight.Bump(key)
	ce := c.store.Set(key, data, opts.ttlConfig())
	c.writeMu.Unlock()
	c.log.Debug().Str("key", key).Msg("Seeded entry")
	c.publish(key, update{data: ce.Data, digest: ce.Digest, fetchedAt: ce.FetchedAt})
	return ce, nil
}

// update is a change fanned out to every binding of a key.
type update struct {
	data      json.RawMessage
	digest    uint64
	fetchedAt time.Time
	err       error
}

func (c *Client) listen(key string, b *Binding) {
	c.topicsMu.Lock()
	defer c.topicsMu.Unlock()
	bindings, ok := c.topics[key]
	if !ok {
		bindings = make(map[*Binding]struct{})
		c.topics[key] = bindings
	}
	bindings[b] = struct{}{}
}

func (c *Client) unlisten(key string, b *Binding) {
	c.topicsMu.Lock()
	defer c.topicsMu.Unlock()
	bindings := c.topics[key]
	delete(bindings, b)
	if len(bindings) == 0 {
		delete(c.topics, key)
	}
}

// Subscribers returns the number of bindings subscribed to the key.
func (c *Client) Subscribers(key string) int {
	c.topicsMu.Lock()
	defer c.topicsMu.Unlock()
	return len(c.topics[key])
}

func (c *Client) publish(key string, u update) {
	c.topicsMu.Lock()
	bindings := make([]*Binding, 0, len(c.topics[key]))
	for b := range c.topics[key] {
		bindings = append(bindings, b)
	}
	c.topicsMu.Unlock()
	for _, b := range bindings {
		b.apply(u)
	}
}
