package fetchcache

import (
	"context"
	"sync"
	"time"

	"github.com/always-cache/fetchcache/pkg/inflight"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

const defaultFocusConcurrency = 4

// Scheduler revalidates subscribed keys in the background,
// on focus regain and on per-key intervals.
type Scheduler struct {
	client      *Client
	concurrency int
	log         zerolog.Logger

	mu   sync.Mutex
	keys map[string]*schedule
}

// schedule is the revalidation state of one subscribed key.
type schedule struct {
	refs  int
	fetch FetchFunc
	opts  Options
	// last time a focus or interval trigger passed the gate
	lastRevalidateAt time.Time
	stop             chan struct{}
}

func newScheduler(client *Client, concurrency int, logger zerolog.Logger) *Scheduler {
	if concurrency <= 0 {
		concurrency = defaultFocusConcurrency
	}
	return &Scheduler{
		client:      client,
		concurrency: concurrency,
		log:         logger.With().Str("component", "scheduler").Logger(),
		keys:        make(map[string]*schedule),
	}
}

// track registers one more subscriber for the key.
// The first subscriber's fetch function is used for revalidation. Triggers are
// merged: focus revalidation is on if any subscriber asked for it, and the
// shortest positive interval wins until the key has no subscribers left.
func (s *Scheduler) track(key string, fetch FetchFunc, opts Options) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sc, ok := s.keys[key]; ok {
		sc.refs++
		sc.opts.RefetchOnFocus = sc.opts.RefetchOnFocus || opts.RefetchOnFocus
		if shorterInterval(opts.RefetchInterval, sc.opts.RefetchInterval) {
			sc.opts.RefetchInterval = opts.RefetchInterval
			close(sc.stop)
			sc.stop = make(chan struct{})
			go s.runInterval(key, opts.RefetchInterval, sc.stop)
		}
		return
	}
	sc := &schedule{
		refs:  1,
		fetch: fetch,
		opts:  opts,
		stop:  make(chan struct{}),
	}
	s.keys[key] = sc
	if opts.RefetchInterval > 0 {
		go s.runInterval(key, opts.RefetchInterval, sc.stop)
	}
}

func shorterInterval(d, current time.Duration) bool {
	return d > 0 && (current <= 0 || d < current)
}

// untrack removes one subscriber of the key, stopping its interval when none remain.
func (s *Scheduler) untrack(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sc, ok := s.keys[key]
	if !ok {
		return
	}
	sc.refs--
	if sc.refs > 0 {
		return
	}
	close(sc.stop)
	delete(s.keys, key)
}

func (s *Scheduler) stopAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for key, sc := range s.keys {
		close(sc.stop)
		delete(s.keys, key)
	}
}

// Tracked returns the number of keys with at least one subscriber.
func (s *Scheduler) Tracked() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.keys)
}

func (s *Scheduler) runInterval(key string, interval time.Duration, stop <-chan struct{}) {
	ticker := s.client.clock.NewTicker(interval)
	defer ticker.Stop()
	s.log.Trace().Str("key", key).Dur("interval", interval).Msg("Starting interval revalidation")
	for {
		select {
		case <-stop:
			return
		case <-ticker.Chan():
			s.revalidateIfDue(key)
		}
	}
}

// FocusGained revalidates every subscribed key that opted into focus revalidation
// and passes the gate. It waits until the started revalidations settle or ctx is done,
// and returns the number of keys revalidated.
func (s *Scheduler) FocusGained(ctx context.Context) (int, error) {
	s.mu.Lock()
	keys := make([]string, 0, len(s.keys))
	for key, sc := range s.keys {
		if sc.opts.RefetchOnFocus {
			keys = append(keys, key)
		}
	}
	s.mu.Unlock()

	var (
		countMu sync.Mutex
		count   int
	)
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(s.concurrency)
	for _, key := range keys {
		g.Go(func() error {
			call := s.revalidateIfDue(key)
			if call == nil {
				return nil
			}
			countMu.Lock()
			count++
			countMu.Unlock()
			select {
			case <-call.Done():
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		})
	}
	err := g.Wait()
	s.log.Debug().Int("keys", len(keys)).Int("revalidated", count).Msg("Focus regained")
	return count, err
}

// ListenFocus calls FocusGained for every event received until ctx is done or events is closed.
func (s *Scheduler) ListenFocus(ctx context.Context, events <-chan struct{}) {
	for {
		select {
		case <-ctx.Done():
			return
		case _, ok := <-events:
			if !ok {
				return
			}
			if _, err := s.FocusGained(ctx); err != nil && ctx.Err() == nil {
				s.log.Error().Err(err).Msg("Focus revalidation failed")
			}
		}
	}
}

// revalidateIfDue starts a silent revalidation of the key if both the entry is older
// than its stale time and the key's cooldown has passed.
// It returns the in-flight call, or nil if the gate was closed.
func (s *Scheduler) revalidateIfDue(key string) *inflight.Call {
	now := s.client.clock.Now()
	s.mu.Lock()
	sc, ok := s.keys[key]
	if !ok {
		s.mu.Unlock()
		return nil
	}
	if ce, ok := s.client.store.Get(key); ok && now.Sub(ce.FetchedAt) <= sc.opts.StaleTime {
		s.mu.Unlock()
		s.log.Trace().Str("key", key).Msg("Not revalidating, entry not stale")
		return nil
	}
	if !sc.lastRevalidateAt.IsZero() && now.Sub(sc.lastRevalidateAt) <= sc.opts.cooldown() {
		s.mu.Unlock()
		s.log.Trace().Str("key", key).Msg("Not revalidating, cooling down")
		return nil
	}
	sc.lastRevalidateAt = now
	fetch, opts := sc.fetch, sc.opts
	s.mu.Unlock()
	return s.client.Revalidate(key, fetch, opts)
}

// refresh starts a silent revalidation of a subscribed key without gating.
func (s *Scheduler) refresh(key string) {
	s.mu.Lock()
	sc, ok := s.keys[key]
	if !ok {
		s.mu.Unlock()
		return
	}
	fetch, opts := sc.fetch, sc.opts
	s.mu.Unlock()
	s.client.Revalidate(key, fetch, opts)
}
