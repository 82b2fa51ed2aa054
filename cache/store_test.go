package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func newTestStore(t *testing.T, config Config) (*Store, clockwork.FakeClock) {
	t.Helper()
	clock := clockwork.NewFakeClockAt(t0)
	logger := zerolog.Nop()
	config.Clock = clock
	config.Logger = &logger
	return NewStore(config), clock
}

var products = json.RawMessage(`[{"id":1,"name":"Kabel"},{"id":2,"name":"Utičnica"},{"id":3,"name":"Sklopka"}]`)

func TestEntryStates(t *testing.T) {
	store, clock := newTestStore(t, Config{})
	ttl := TTLConfig{StaleTime: 30 * time.Second, TTL: 60 * time.Second}

	_, ok := store.Get("k")
	require.False(t, ok)

	ce := store.Set("k", products, ttl)
	assert.Equal(t, t0, ce.FetchedAt)
	assert.Equal(t, t0.Add(30*time.Second), ce.StaleAfter)
	assert.Equal(t, t0.Add(60*time.Second), ce.ExpiresAt)
	assert.NotZero(t, ce.Digest)

	steps := []struct {
		advance time.Duration
		state   State
	}{
		{10 * time.Second, Fresh},
		{20 * time.Second, Stale}, // staleAfter <= now
		{29 * time.Second, Stale},
		{time.Second, Expired}, // now >= expiresAt
	}
	for _, step := range steps {
		clock.Advance(step.advance)
		ce, ok := store.Get("k")
		require.True(t, ok)
		assert.Equal(t, step.state, ce.State(clock.Now()), "at %s", clock.Now().Sub(t0))
	}
	assert.False(t, ce.Servable(clock.Now()))
}

func TestSetOverwrites(t *testing.T) {
	store, clock := newTestStore(t, Config{})
	ttl := TTLConfig{TTL: time.Minute}

	first := store.Set("k", json.RawMessage(`1`), ttl)
	clock.Advance(10 * time.Second)
	second := store.Set("k", json.RawMessage(`2`), ttl)

	ce, _ := store.Get("k")
	assert.Equal(t, json.RawMessage(`2`), ce.Data)
	assert.Equal(t, second.FetchedAt, ce.FetchedAt)
	assert.NotEqual(t, first.Digest, ce.Digest)
	assert.Equal(t, 1, store.Len())
}

func TestInvalidate(t *testing.T) {
	store, _ := newTestStore(t, Config{})
	store.Set("k", products, TTLConfig{TTL: time.Minute})

	assert.True(t, store.Invalidate("k"))
	assert.False(t, store.Invalidate("k"))
	_, ok := store.Get("k")
	assert.False(t, ok)
}

func TestSweepHonorsGrace(t *testing.T) {
	store, clock := newTestStore(t, Config{Grace: time.Minute})
	store.Set("short", products, TTLConfig{TTL: time.Minute})
	store.Set("long", products, TTLConfig{TTL: time.Hour})

	clock.Advance(90 * time.Second)
	// expired, but within grace
	assert.Equal(t, 0, store.Sweep())

	clock.Advance(30 * time.Second)
	assert.Equal(t, 1, store.Sweep())
	_, ok := store.Get("short")
	assert.False(t, ok)
	_, ok = store.Get("long")
	assert.True(t, ok)
}

func TestRunSweepsOnInterval(t *testing.T) {
	store, clock := newTestStore(t, Config{Grace: -1, SweepInterval: time.Minute})
	store.Set("k", products, TTLConfig{TTL: 30 * time.Second})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		store.Run(ctx)
		close(done)
	}()
	clock.BlockUntil(1)
	clock.Advance(time.Minute)

	require.Eventually(t, func() bool { return store.Len() == 0 }, time.Second, 5*time.Millisecond)
	cancel()
	<-done
}

func TestEvictsOldestInserted(t *testing.T) {
	store, _ := newTestStore(t, Config{MaxEntries: 3})
	ttl := TTLConfig{TTL: time.Minute}
	for i := 0; i < 3; i++ {
		store.Set(fmt.Sprintf("k%d", i), products, ttl)
	}
	// overwriting counts as a new insertion
	store.Set("k0", products, ttl)
	store.Set("k3", products, ttl)

	keys := []string{}
	for _, ce := range store.Entries() {
		keys = append(keys, ce.Key)
	}
	assert.Equal(t, []string{"k2", "k0", "k3"}, keys)
}

func TestSQLiteProviderRoundTrip(t *testing.T) {
	provider, err := NewSQLiteProvider(filepath.Join(t.TempDir(), "cache.db"))
	require.NoError(t, err)
	defer provider.Close()

	store, clock := newTestStore(t, Config{Provider: provider})
	store.Set("keep", products, TTLConfig{StaleTime: time.Minute, TTL: time.Hour})
	store.Set("drop", products, TTLConfig{TTL: time.Hour})
	store.Set("old", json.RawMessage(`{}`), TTLConfig{TTL: time.Second})
	store.Invalidate("drop")

	// a new store warms from the same db, skipping entries past their grace
	clock.Advance(2 * time.Minute)
	warm := NewStore(Config{Provider: provider, Clock: clock, Logger: &store.log})
	loaded, err := warm.Load()
	require.NoError(t, err)
	assert.Equal(t, 1, loaded)

	ce, ok := warm.Get("keep")
	require.True(t, ok)
	assert.JSONEq(t, string(products), string(ce.Data))
	assert.True(t, t0.Equal(ce.FetchedAt))
	assert.True(t, t0.Add(time.Hour).Equal(ce.ExpiresAt))
	assert.Equal(t, Stale, ce.State(clock.Now()))

	orig, _ := store.Get("keep")
	assert.Equal(t, orig.Digest, ce.Digest)
}
