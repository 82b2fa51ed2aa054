package fetchcache

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/always-cache/fetchcache/cache"

	"github.com/cespare/xxhash/v2"
)

// State is what a subscriber renders.
type State struct {
	Data    json.RawMessage
	Loading bool
	Err     error
	// Data was served from a stale entry and has not been refreshed yet.
	IsStale bool
}

// Binding is one consumer's interest in a key.
// It receives every change of the key until it is disposed.
type Binding struct {
	client *Client
	key    string
	fetch  FetchFunc
	opts   Options

	ctx        context.Context
	cancel     context.CancelFunc
	stopDetach func() bool

	// held while computing and delivering a change, so listeners see changes in order
	notifyMu  sync.Mutex
	listeners []func(State)

	mu     sync.Mutex
	active bool
	state  State
	digest uint64
	// fetch time of the shown data, older data is never applied over it
	fetchedAt time.Time
}

// Subscribe binds a consumer to the key and starts resolving it.
// The binding is disposed when ctx is done. The onChange callbacks are called
// with every new state; they must not call Refetch synchronously.
func (c *Client) Subscribe(ctx context.Context, key string, fetch FetchFunc, opts Options, onChange ...func(State)) *Binding {
	bctx, cancel := context.WithCancel(ctx)
	b := &Binding{
		client:    c,
		key:       key,
		fetch:     fetch,
		opts:      opts,
		ctx:       bctx,
		cancel:    cancel,
		listeners: onChange,
		active:    true,
	}
	c.listen(key, b)
	c.scheduler.track(key, fetch, opts)
	stop := context.AfterFunc(ctx, b.Dispose)
	b.mu.Lock()
	b.stopDetach = stop
	b.mu.Unlock()

	b.start()
	return b
}

// Key returns the key the binding is subscribed to.
func (b *Binding) Key() string {
	return b.key
}

// State returns the current state.
func (b *Binding) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Active reports whether the binding has not been disposed.
func (b *Binding) Active() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.active
}

// OnChange adds a listener for state changes.
func (b *Binding) OnChange(fn func(State)) {
	b.notifyMu.Lock()
	defer b.notifyMu.Unlock()
	b.listeners = append(b.listeners, fn)
}

// Refetch resolves the key again and waits for the result.
// With force, the cached entry is dropped and a new fetch is started
// even if one is in flight; otherwise the cache is honored.
func (b *Binding) Refetch(force bool) Result {
	if !b.Active() {
		return Result{Err: ErrAborted}
	}
	return b.resolve(force)
}

// Dispose releases the binding's interest in its key.
// Outstanding waits are abandoned; the shared network call is only
// aborted when no other party is interested in it.
func (b *Binding) Dispose() {
	b.mu.Lock()
	if !b.active {
		b.mu.Unlock()
		return
	}
	b.active = false
	stop := b.stopDetach
	b.mu.Unlock()

	if stop != nil {
		stop()
	}
	b.cancel()
	b.client.unlisten(b.key, b)
	b.client.scheduler.untrack(b.key)
}

// start shows the cached entry if there is a servable one, or the loading state
// otherwise, before resolving in the background.
func (b *Binding) start() {
	now := b.client.clock.Now()
	if ce, ok := b.client.store.Get(b.key); ok && ce.Servable(now) {
		b.applyResult(Result{
			Data:      ce.Data,
			FromCache: true,
			Stale:     ce.State(now) == cache.Stale,
			FetchedAt: ce.FetchedAt,
		})
	} else {
		b.setLoading()
	}
	go b.resolve(false)
}

func (b *Binding) resolve(force bool) Result {
	if force {
		b.setLoading()
		res := b.client.Refresh(b.ctx, b.key, b.fetch, b.opts)
		b.applyResult(res)
		return res
	}
	if ce, ok := b.client.store.Get(b.key); !ok || !ce.Servable(b.client.clock.Now()) {
		b.setLoading()
	}
	res := b.client.Resolve(b.ctx, b.key, b.fetch, b.opts)
	b.applyResult(res)
	return res
}

func (b *Binding) setLoading() {
	b.change(func(s *State) bool {
		if s.Loading {
			return false
		}
		s.Loading = true
		return true
	})
}

// applyResult applies the outcome of the binding's own resolve.
// Fetched data arrives through the client's fan-out, so only cached data
// and errors are taken from the result.
func (b *Binding) applyResult(res Result) {
	b.change(func(s *State) bool {
		changed := s.Loading
		s.Loading = false
		switch {
		case res.Err != nil:
			if IsAbort(res.Err) {
				return changed
			}
			s.Err = res.Err
			return true
		case res.FromCache:
			if res.FetchedAt.Before(b.fetchedAt) {
				return changed
			}
			digest := xxhash.Sum64(res.Data)
			if digest == b.digest && s.Data != nil && s.IsStale == res.Stale && s.Err == nil {
				return changed
			}
			b.digest = digest
			b.fetchedAt = res.FetchedAt
			s.Data = res.Data
			s.IsStale = res.Stale
			s.Err = nil
			return true
		}
		return changed
	})
}

// apply applies a change fanned out for the key.
func (b *Binding) apply(u update) {
	b.change(func(s *State) bool {
		if u.err != nil {
			s.Loading = false
			s.Err = u.err
			return true
		}
		if u.fetchedAt.Before(b.fetchedAt) {
			return false
		}
		b.fetchedAt = u.fetchedAt
		if u.digest == b.digest && s.Data != nil && !s.IsStale && s.Err == nil && !s.Loading {
			return false
		}
		b.digest = u.digest
		s.Data = u.data
		s.IsStale = false
		s.Loading = false
		s.Err = nil
		return true
	})
}

// change mutates the state if the binding is active and notifies listeners when fn reports a change.
func (b *Binding) change(fn func(*State) bool) {
	b.notifyMu.Lock()
	defer b.notifyMu.Unlock()

	b.mu.Lock()
	if !b.active {
		b.mu.Unlock()
		return
	}
	changed := fn(&b.state)
	state := b.state
	b.mu.Unlock()

	if !changed {
		return
	}
	for _, fn := range b.listeners {
		fn(state)
	}
}

// Decode unmarshals JSON data into a value of type T.
func Decode[T any](data json.RawMessage) (T, error) {
	var v T
	if err := json.Unmarshal(data, &v); err != nil {
		return v, &ParseError{Err: err}
	}
	return v, nil
}
