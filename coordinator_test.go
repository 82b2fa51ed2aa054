package fetchcache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func newTestClient(t *testing.T) (*Client, clockwork.FakeClock) {
	t.Helper()
	clock := clockwork.NewFakeClockAt(t0)
	logger := zerolog.Nop()
	c := New(Config{Clock: clock, Logger: &logger})
	c.jitter = func() float64 { return 0 }
	t.Cleanup(c.Close)
	return c, clock
}

// backend is a fetch function mock counting its invocations.
type backend struct {
	calls  atomic.Int32
	handle func(ctx context.Context, n int32) (json.RawMessage, error)
}

func (b *backend) fetch(ctx context.Context) (json.RawMessage, error) {
	n := b.calls.Add(1)
	return b.handle(ctx, n)
}

func respond(data string) *backend {
	return &backend{handle: func(ctx context.Context, n int32) (json.RawMessage, error) {
		return json.RawMessage(data), nil
	}}
}

// gated returns a backend whose calls block until release is closed or they are aborted.
func gated(data string, release <-chan struct{}, aborted *atomic.Bool) *backend {
	return &backend{handle: func(ctx context.Context, n int32) (json.RawMessage, error) {
		select {
		case <-release:
			return json.RawMessage(data), nil
		case <-ctx.Done():
			if aborted != nil {
				aborted.Store(true)
			}
			return nil, ctx.Err()
		}
	}}
}

func TestFreshServesInstantly(t *testing.T) {
	c, clock := newTestClient(t)
	b := respond(`{"v":1}`)
	opts := Options{StaleTime: 60 * time.Second, TTL: 5 * time.Minute}

	res := c.Resolve(context.Background(), "k", b.fetch, opts)
	require.NoError(t, res.Err)
	assert.False(t, res.FromCache)

	clock.Advance(10 * time.Second)
	res = c.Resolve(context.Background(), "k", b.fetch, opts)
	require.NoError(t, res.Err)
	assert.True(t, res.FromCache)
	assert.False(t, res.Stale)
	assert.JSONEq(t, `{"v":1}`, string(res.Data))
	assert.Equal(t, int32(1), b.calls.Load())
}

func TestStaleServesThenRefreshes(t *testing.T) {
	c, clock := newTestClient(t)
	b := &backend{}
	b.handle = func(ctx context.Context, n int32) (json.RawMessage, error) {
		if n == 1 {
			return json.RawMessage(`"old"`), nil
		}
		return json.RawMessage(`"new"`), nil
	}
	opts := Options{StaleTime: 10 * time.Second, TTL: 120 * time.Second}

	c.Resolve(context.Background(), "k", b.fetch, opts)
	clock.Advance(30 * time.Second)

	res := c.Resolve(context.Background(), "k", b.fetch, opts)
	require.NoError(t, res.Err)
	assert.True(t, res.FromCache)
	assert.True(t, res.Stale)
	assert.Equal(t, json.RawMessage(`"old"`), res.Data)

	require.Eventually(t, func() bool {
		ce, ok := c.Store().Get("k")
		return ok && string(ce.Data) == `"new"`
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, int32(2), b.calls.Load())

	ce, _ := c.Store().Get("k")
	assert.Equal(t, t0.Add(30*time.Second), ce.FetchedAt)
}

func TestExpiredBlocks(t *testing.T) {
	c, clock := newTestClient(t)
	b := &backend{}
	b.handle = func(ctx context.Context, n int32) (json.RawMessage, error) {
		if n == 1 {
			return json.RawMessage(`"old"`), nil
		}
		return json.RawMessage(`"new"`), nil
	}
	opts := Options{TTL: 60 * time.Second}

	c.Resolve(context.Background(), "k", b.fetch, opts)
	clock.Advance(90 * time.Second)

	res := c.Resolve(context.Background(), "k", b.fetch, opts)
	require.NoError(t, res.Err)
	assert.False(t, res.FromCache)
	assert.Equal(t, json.RawMessage(`"new"`), res.Data)
	assert.Equal(t, int32(2), b.calls.Load())
}

func TestConcurrentResolvesShareOneCall(t *testing.T) {
	c, _ := newTestClient(t)
	release := make(chan struct{})
	b := gated(`[1,2,3]`, release, nil)

	var wg sync.WaitGroup
	results := make([]Result, 10)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = c.Resolve(context.Background(), "k", b.fetch, DefaultOptions())
		}(i)
	}
	require.Eventually(t, func() bool { return c.InFlight("k") == 10 }, time.Second, time.Millisecond)
	close(release)
	wg.Wait()

	assert.Equal(t, int32(1), b.calls.Load())
	for _, res := range results {
		require.NoError(t, res.Err)
		assert.Equal(t, json.RawMessage(`[1,2,3]`), res.Data)
	}
}

func TestRetryThenSucceed(t *testing.T) {
	logger := zerolog.Nop()
	c := New(Config{Logger: &logger})
	defer c.Close()
	b := &backend{}
	b.handle = func(ctx context.Context, n int32) (json.RawMessage, error) {
		if n < 3 {
			return nil, &HTTPError{Status: 500}
		}
		return json.RawMessage(`"ok"`), nil
	}
	opts := Options{BaseDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond}

	res := c.Resolve(context.Background(), "k", b.fetch, opts)
	require.NoError(t, res.Err)
	assert.Equal(t, json.RawMessage(`"ok"`), res.Data)
	assert.Equal(t, int32(3), b.calls.Load())
}

func TestRetryWaitsForBackoff(t *testing.T) {
	c, clock := newTestClient(t)
	b := &backend{}
	b.handle = func(ctx context.Context, n int32) (json.RawMessage, error) {
		if n == 1 {
			return nil, &NetworkError{Err: errors.New("connection reset")}
		}
		return json.RawMessage(`"ok"`), nil
	}

	done := make(chan Result)
	go func() {
		done <- c.Resolve(context.Background(), "k", b.fetch, DefaultOptions())
	}()
	clock.BlockUntil(1)
	assert.Equal(t, int32(1), b.calls.Load())
	clock.Advance(DefaultBaseDelay)

	res := <-done
	require.NoError(t, res.Err)
	assert.Equal(t, int32(2), b.calls.Load())
}

func TestRetriesExhausted(t *testing.T) {
	logger := zerolog.Nop()
	c := New(Config{Logger: &logger})
	defer c.Close()
	b := &backend{handle: func(ctx context.Context, n int32) (json.RawMessage, error) {
		return nil, &HTTPError{Status: 503}
	}}
	opts := Options{BaseDelay: time.Millisecond, MaxDelay: time.Millisecond}

	res := c.Resolve(context.Background(), "k", b.fetch, opts)
	var exhausted *RetriesExhaustedError
	require.ErrorAs(t, res.Err, &exhausted)
	assert.Equal(t, 3, exhausted.Attempts)
	assert.Equal(t, 503, StatusCode(res.Err))
	assert.Equal(t, int32(3), b.calls.Load())

	_, cached := c.Store().Get("k")
	assert.False(t, cached)
}

func TestZeroRetries(t *testing.T) {
	c, _ := newTestClient(t)
	b := &backend{handle: func(ctx context.Context, n int32) (json.RawMessage, error) {
		return nil, &HTTPError{Status: 503}
	}}

	res := c.Resolve(context.Background(), "k", b.fetch, Options{MaxRetries: Retries(0)})
	var exhausted *RetriesExhaustedError
	require.ErrorAs(t, res.Err, &exhausted)
	assert.Equal(t, 1, exhausted.Attempts)
	assert.Equal(t, int32(1), b.calls.Load())
}

func TestReloadIgnoresFreshEntry(t *testing.T) {
	c, _ := newTestClient(t)
	b := &backend{}
	b.handle = func(ctx context.Context, n int32) (json.RawMessage, error) {
		return json.RawMessage(fmt.Sprint(n)), nil
	}
	opts := Options{StaleTime: time.Minute}
	require.NoError(t, c.Resolve(context.Background(), "k", b.fetch, opts).Err)

	res := c.Reload(context.Background(), "k", b.fetch, opts)
	require.NoError(t, res.Err)
	assert.Equal(t, json.RawMessage(`2`), res.Data)
	ce, ok := c.Store().Get("k")
	require.True(t, ok)
	assert.Equal(t, json.RawMessage(`2`), ce.Data)
}

func TestReloadJoinsInFlight(t *testing.T) {
	c, _ := newTestClient(t)
	release := make(chan struct{})
	b := gated(`"shared"`, release, nil)

	results := make(chan Result, 3)
	go func() { results <- c.Resolve(context.Background(), "k", b.fetch, DefaultOptions()) }()
	require.Eventually(t, func() bool { return c.InFlight("k") == 1 }, time.Second, time.Millisecond)
	for i := 0; i < 2; i++ {
		go func() { results <- c.Reload(context.Background(), "k", b.fetch, DefaultOptions()) }()
	}
	require.Eventually(t, func() bool { return c.InFlight("k") == 3 }, time.Second, time.Millisecond)
	close(release)

	for i := 0; i < 3; i++ {
		res := <-results
		require.NoError(t, res.Err)
		assert.Equal(t, json.RawMessage(`"shared"`), res.Data)
	}
	assert.Equal(t, int32(1), b.calls.Load())
}

func TestTerminalErrorShortCircuits(t *testing.T) {
	c, _ := newTestClient(t)
	b := &backend{handle: func(ctx context.Context, n int32) (json.RawMessage, error) {
		return nil, &HTTPError{Status: 404}
	}}

	res := c.Resolve(context.Background(), "k", b.fetch, DefaultOptions())
	assert.Equal(t, 404, StatusCode(res.Err))
	assert.Equal(t, int32(1), b.calls.Load())
}

func TestMalformedJSONIsTerminal(t *testing.T) {
	c, _ := newTestClient(t)
	b := respond(`{"products": [`)

	res := c.Resolve(context.Background(), "k", b.fetch, DefaultOptions())
	var parseErr *ParseError
	assert.ErrorAs(t, res.Err, &parseErr)
	assert.Equal(t, int32(1), b.calls.Load())
}

func TestOutOfOrderResolution(t *testing.T) {
	c, _ := newTestClient(t)
	releaseA := make(chan struct{})
	releaseB := make(chan struct{})
	b := &backend{}
	b.handle = func(ctx context.Context, n int32) (json.RawMessage, error) {
		if n == 1 {
			<-releaseA
			return json.RawMessage(`"A"`), nil
		}
		<-releaseB
		return json.RawMessage(`"B"`), nil
	}

	doneA := make(chan Result)
	go func() {
		doneA <- c.Resolve(context.Background(), "k", b.fetch, DefaultOptions())
	}()
	require.Eventually(t, func() bool { return b.calls.Load() == 1 }, time.Second, time.Millisecond)

	doneB := make(chan Result)
	go func() {
		doneB <- c.Refresh(context.Background(), "k", b.fetch, DefaultOptions())
	}()
	require.Eventually(t, func() bool { return b.calls.Load() == 2 }, time.Second, time.Millisecond)

	close(releaseB)
	require.NoError(t, (<-doneB).Err)
	close(releaseA)
	require.NoError(t, (<-doneA).Err)

	ce, ok := c.Store().Get("k")
	require.True(t, ok)
	assert.Equal(t, json.RawMessage(`"B"`), ce.Data)
}

func TestTimeoutLeavesAndAborts(t *testing.T) {
	c, _ := newTestClient(t)
	aborted := &atomic.Bool{}
	b := gated(`1`, make(chan struct{}), aborted)
	opts := DefaultOptions()
	opts.Timeout = 10 * time.Millisecond

	res := c.Resolve(context.Background(), "k", b.fetch, opts)
	assert.ErrorIs(t, res.Err, ErrTimeout)
	require.Eventually(t, aborted.Load, time.Second, time.Millisecond)
	assert.Equal(t, 0, c.InFlight("k"))
}

func TestCanceledWaiterGetsAbort(t *testing.T) {
	c, _ := newTestClient(t)
	aborted := &atomic.Bool{}
	b := gated(`1`, make(chan struct{}), aborted)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan Result)
	go func() {
		done <- c.Resolve(ctx, "k", b.fetch, DefaultOptions())
	}()
	require.Eventually(t, func() bool { return c.InFlight("k") == 1 }, time.Second, time.Millisecond)
	cancel()

	res := <-done
	assert.ErrorIs(t, res.Err, ErrAborted)
	require.Eventually(t, aborted.Load, time.Second, time.Millisecond)
	_, cached := c.Store().Get("k")
	assert.False(t, cached)
}

func TestSeedWinsOverOlderFetch(t *testing.T) {
	c, _ := newTestClient(t)
	release := make(chan struct{})
	b := gated(`"fetched"`, release, nil)

	done := make(chan Result)
	go func() {
		done <- c.Resolve(context.Background(), "k", b.fetch, DefaultOptions())
	}()
	require.Eventually(t, func() bool { return c.InFlight("k") == 1 }, time.Second, time.Millisecond)

	_, err := c.Seed("k", json.RawMessage(`"pushed"`), DefaultOptions())
	require.NoError(t, err)
	close(release)
	<-done

	ce, _ := c.Store().Get("k")
	assert.Equal(t, json.RawMessage(`"pushed"`), ce.Data)

	_, err = c.Seed("k", json.RawMessage(`{`), DefaultOptions())
	var parseErr *ParseError
	assert.ErrorAs(t, err, &parseErr)
}

func TestCloseAbortsBackgroundFetch(t *testing.T) {
	c, _ := newTestClient(t)
	aborted := &atomic.Bool{}
	b := gated(`1`, make(chan struct{}), aborted)

	call := c.Revalidate("k", b.fetch, DefaultOptions())
	require.Eventually(t, func() bool { return b.calls.Load() == 1 }, time.Second, time.Millisecond)
	c.Close()
	<-call.Done()
	assert.True(t, aborted.Load())
}
