package fetchcache

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/always-cache/fetchcache/cache"
	"github.com/always-cache/fetchcache/pkg/inflight"
)

// FetchFunc performs the network call for a key and returns the JSON body.
// It must return promptly with an error once ctx is canceled.
type FetchFunc func(ctx context.Context) (json.RawMessage, error)

// Result is the outcome of resolving a key.
type Result struct {
	Data json.RawMessage
	Err  error
	// The data was served from the cache.
	FromCache bool
	// The served data was stale and a background refresh was started.
	Stale bool
	// Fetch time of the served entry, zero for data that was not served from the cache.
	FetchedAt time.Time
}

// Resolve returns the data for the key.
// Fresh entries are returned without network activity. Stale entries are returned
// right away and refreshed in the background. Otherwise the call blocks on a fetch
// that is shared with every other caller resolving the same key.
func (c *Client) Resolve(ctx context.Context, key string, fetch FetchFunc, opts Options) Result {
	if ce, ok := c.store.Get(key); ok {
		switch ce.State(c.clock.Now()) {
		case cache.Fresh:
			c.log.Trace().Str("key", key).Msg("Cache hit")
			return Result{Data: ce.Data, FromCache: true, FetchedAt: ce.FetchedAt}
		case cache.Stale:
			c.log.Trace().Str("key", key).Msg("Cache hit, stale")
			c.Revalidate(key, fetch, opts)
			return Result{Data: ce.Data, FromCache: true, Stale: true, FetchedAt: ce.FetchedAt}
		}
	}
	c.log.Trace().Str("key", key).Msg("Cache miss")
	call, _ := c.inflight.Join(key, c.starter(key, fetch, opts))
	return c.await(ctx, call, opts)
}

// Refresh invalidates the entry for the key and blocks on a new fetch,
// even if one is already in flight. The new fetch wins over any older one.
func (c *Client) Refresh(ctx context.Context, key string, fetch FetchFunc, opts Options) Result {
	c.store.Invalidate(key)
	call := c.inflight.Supersede(key, c.starter(key, fetch, opts))
	return c.await(ctx, call, opts)
}

// Reload blocks on a fetch for the key regardless of the cached entry,
// which keeps being served to other callers meanwhile.
// A fetch already in flight is joined instead of starting another one.
func (c *Client) Reload(ctx context.Context, key string, fetch FetchFunc, opts Options) Result {
	call, joined := c.inflight.Join(key, c.starter(key, fetch, opts))
	if joined {
		c.log.Trace().Str("key", key).Msg("Reload joined in-flight request")
	}
	return c.await(ctx, call, opts)
}

// Revalidate starts a silent background fetch for the key, or returns the one in flight.
// It does not wait for the result; subscribers are notified when it settles.
// A fetch started here is only aborted by Close. A fetch already in flight is not
// referenced, so its waiters leaving still aborts it.
func (c *Client) Revalidate(key string, fetch FetchFunc, opts Options) *inflight.Call {
	call, found := c.inflight.Attach(key, c.starter(key, fetch, opts))
	if !found {
		c.log.Trace().Str("key", key).Msg("Revalidating in background")
	}
	return call
}

// await waits for the call on behalf of one party.
// If the party stops waiting first, it leaves the call, which aborts the
// network operation when it was the last party.
func (c *Client) await(ctx context.Context, call *inflight.Call, opts Options) Result {
	waitCtx := ctx
	if opts.Timeout > 0 {
		var cancel context.CancelFunc
		waitCtx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}
	select {
	case <-call.Done():
		data, err := call.Result()
		if err != nil {
			if IsAbort(err) {
				err = ErrAborted
			}
			return Result{Err: err}
		}
		return Result{Data: data}
	case <-waitCtx.Done():
		c.inflight.Leave(call)
		if errors.Is(waitCtx.Err(), context.DeadlineExceeded) {
			c.log.Debug().Str("key", call.Key()).Msg("Request timed out")
			return Result{Err: ErrTimeout}
		}
		return Result{Err: ErrAborted}
	}
}

// starter returns the operation registered for a new in-flight call.
func (c *Client) starter(key string, fetch FetchFunc, opts Options) inflight.StartFunc {
	return func(ctx context.Context, seq uint64) (json.RawMessage, error) {
		data, err := c.attemptWithRetry(ctx, key, fetch, opts)
		if err != nil {
			if IsAbort(err) {
				return nil, err
			}
			if seq >= c.inflight.Latest(key) {
				c.publish(key, update{err: err})
			}
			return nil, err
		}
		if ce, ok := c.commit(key, seq, data, opts); ok {
			c.publish(key, update{data: ce.Data, digest: ce.Digest, fetchedAt: ce.FetchedAt})
		}
		return data, nil
	}
}

// commit writes the data to the store unless a newer fetch for the key was started meanwhile.
func (c *Client) commit(key string, seq uint64, data json.RawMessage, opts Options) (cache.Entry, bool) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if latest := c.inflight.Latest(key); seq < latest {
		c.log.Trace().Str("key", key).Uint64("seq", seq).Uint64("latest", latest).Msg("Discarding outdated response")
		return cache.Entry{}, false
	}
	ce := c.store.Set(key, data, opts.ttlConfig())
	c.log.Trace().Str("key", key).Time("expires", ce.ExpiresAt).Msg("Cache write")
	return ce, true
}

// attemptWithRetry calls fetch until it succeeds, fails terminally or runs out of retries.
func (c *Client) attemptWithRetry(ctx context.Context, key string, fetch FetchFunc, opts Options) (json.RawMessage, error) {
	maxRetries := opts.maxRetries()
	for retry := 0; ; retry++ {
		c.log.Debug().Str("key", key).Int("attempt", retry+1).Msg("Requesting content from origin")
		data, err := fetch(ctx)
		if err == nil && !json.Valid(data) {
			err = &ParseError{}
		}
		if err == nil {
			return data, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if IsAbort(err) {
			return nil, err
		}
		if !opts.retryable(err) {
			c.log.Debug().Err(err).Str("key", key).Msg("Terminal error, not retrying")
			return nil, err
		}
		if retry >= maxRetries {
			c.log.Warn().Err(err).Str("key", key).Int("attempts", retry+1).Msg("Retries exhausted")
			return nil, &RetriesExhaustedError{Attempts: retry + 1, Err: err}
		}
		delay := opts.backoff(retry, c.jitter())
		c.log.Debug().Err(err).Str("key", key).Dur("delay", delay).Msg("Retrying after error")
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-c.clock.After(delay):
		}
	}
}
