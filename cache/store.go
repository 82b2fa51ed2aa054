package cache

import (
	"container/list"
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
)

const (
	DefaultMaxEntries    = 1000
	DefaultSweepInterval = 5 * time.Minute
	DefaultGrace         = time.Minute
)

type Config struct {
	// Maximum number of entries held. The oldest-inserted entries are
	// evicted first when a write exceeds it. Defaults to DefaultMaxEntries.
	MaxEntries int
	// Entries are swept once they have been expired for this long.
	// Defaults to DefaultGrace, a negative value sweeps them right away.
	Grace time.Duration
	// Interval of the sweep loop started with Run.
	SweepInterval time.Duration
	// Optional persistent mirror of the store.
	Provider Provider
	// Clock to use. The real clock is used if nil.
	Clock clockwork.Clock
	// Logger to use. The global zerolog logger is used if nil.
	Logger *zerolog.Logger
}

// Store is the in-memory table of cached entries.
// At most one entry exists per key, and writes are full replacements.
// Store is safe for concurrent use.
type Store struct {
	mu      sync.RWMutex
	entries map[string]*list.Element
	// insertion order, front is oldest
	order *list.List

	maxEntries    int
	grace         time.Duration
	sweepInterval time.Duration
	provider      Provider
	clock         clockwork.Clock
	log           zerolog.Logger
}

func NewStore(config Config) *Store {
	s := &Store{
		entries:       make(map[string]*list.Element),
		order:         list.New(),
		maxEntries:    config.MaxEntries,
		grace:         config.Grace,
		sweepInterval: config.SweepInterval,
		provider:      config.Provider,
		clock:         config.Clock,
	}
	if s.maxEntries <= 0 {
		s.maxEntries = DefaultMaxEntries
	}
	if s.grace == 0 {
		s.grace = DefaultGrace
	} else if s.grace < 0 {
		s.grace = 0
	}
	if s.sweepInterval <= 0 {
		s.sweepInterval = DefaultSweepInterval
	}
	if s.clock == nil {
		s.clock = clockwork.NewRealClock()
	}
	if config.Logger == nil {
		s.log = zerolog.New(zerolog.NewConsoleWriter())
	} else {
		s.log = *config.Logger
	}
	s.log = s.log.With().Str("component", "store").Logger()
	return s
}

// Get returns the entry for the given key, regardless of its state.
func (s *Store) Get(key string) (Entry, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	el, ok := s.entries[key]
	if !ok {
		return Entry{}, false
	}
	return *el.Value.(*Entry), true
}

// Set overwrites the entry for the given key.
// Timestamps are computed from the current time and the TTL config.
func (s *Store) Set(key string, data json.RawMessage, ttl TTLConfig) Entry {
	now := s.clock.Now()
	ce := Entry{
		Key:        key,
		Data:       data,
		FetchedAt:  now,
		StaleAfter: now.Add(ttl.StaleTime),
		ExpiresAt:  now.Add(ttl.TTL),
		Digest:     xxhash.Sum64(data),
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.put(ce)
	s.evictOverflow()
	return ce
}

// Invalidate removes the entry for the given key.
// It returns whether an entry was removed.
func (s *Store) Invalidate(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.remove(key)
}

// Sweep removes all entries that have been expired for longer than the grace period.
// It returns the number of removed entries.
func (s *Store) Sweep() int {
	now := s.clock.Now()
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	for el := s.order.Front(); el != nil; {
		next := el.Next()
		ce := el.Value.(*Entry)
		if !now.Before(ce.ExpiresAt.Add(s.grace)) {
			s.remove(ce.Key)
			removed++
		}
		el = next
	}
	if removed > 0 {
		s.log.Trace().Int("removed", removed).Msg("Swept expired entries")
	}
	return removed
}

// Run sweeps the store on every sweep interval until the context is done.
func (s *Store) Run(ctx context.Context) {
	ticker := s.clock.NewTicker(s.sweepInterval)
	defer ticker.Stop()
	s.log.Info().Msgf("Starting sweep loop with interval %s", s.sweepInterval)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			s.Sweep()
		}
	}
}

// Load warms the store from the configured provider.
// Entries that would be swept right away are skipped.
// It returns the number of loaded entries.
func (s *Store) Load() (int, error) {
	if s.provider == nil {
		return 0, nil
	}
	now := s.clock.Now()
	loaded := 0
	s.mu.Lock()
	defer s.mu.Unlock()
	err := s.provider.All(func(ce Entry) {
		if !now.Before(ce.ExpiresAt.Add(s.grace)) {
			return
		}
		s.insert(ce)
		loaded++
	})
	s.evictOverflow()
	if err != nil {
		return loaded, err
	}
	s.log.Debug().Int("entries", loaded).Msg("Loaded entries from provider")
	return loaded, nil
}

// Len returns the number of entries.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

// Entries returns a snapshot of all entries, oldest-inserted first.
func (s *Store) Entries() []Entry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	entries := make([]Entry, 0, len(s.entries))
	for el := s.order.Front(); el != nil; el = el.Next() {
		entries = append(entries, *el.Value.(*Entry))
	}
	return entries
}

// Now returns the current time of the store's clock.
func (s *Store) Now() time.Time {
	return s.clock.Now()
}

// put inserts the entry and mirrors it to the provider.
// An overwritten entry counts as newly inserted.
func (s *Store) put(ce Entry) {
	s.insert(ce)
	if s.provider != nil {
		if err := s.provider.Put(ce); err != nil {
			s.log.Warn().Err(err).Str("key", ce.Key).Msg("Could not write entry to provider")
		}
	}
}

func (s *Store) insert(ce Entry) {
	if el, ok := s.entries[ce.Key]; ok {
		s.order.Remove(el)
	}
	s.entries[ce.Key] = s.order.PushBack(&ce)
}

func (s *Store) remove(key string) bool {
	el, ok := s.entries[key]
	if !ok {
		return false
	}
	s.order.Remove(el)
	delete(s.entries, key)
	if s.provider != nil {
		if err := s.provider.Purge(key); err != nil {
			s.log.Warn().Err(err).Str("key", key).Msg("Could not purge entry from provider")
		}
	}
	return true
}

func (s *Store) evictOverflow() {
	for len(s.entries) > s.maxEntries {
		oldest := s.order.Front().Value.(*Entry)
		s.log.Trace().Str("key", oldest.Key).Msg("Evicting oldest entry")
		s.remove(oldest.Key)
	}
}
