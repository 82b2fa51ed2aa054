package cache

import (
	"encoding/json"
	"time"
)

// State is the derived freshness of a cache entry at a point in time.
type State int

const (
	// No entry exists for the key.
	Empty State = iota
	// Servable with zero network activity.
	Fresh
	// Servable immediately, but eligible for a background refresh.
	Stale
	// Must not be served without a blocking refetch.
	Expired
)

func (s State) String() string {
	switch s {
	case Fresh:
		return "fresh"
	case Stale:
		return "stale"
	case Expired:
		return "expired"
	default:
		return "empty"
	}
}

// TTLConfig holds the durations used to compute entry timestamps on write.
type TTLConfig struct {
	// Duration after which the entry is stale.
	StaleTime time.Duration
	// Duration after which the entry is expired.
	TTL time.Duration
}

// Entry is a stored response.
// Data is the raw JSON body as returned by the fetch function.
type Entry struct {
	Key        string
	Data       json.RawMessage
	FetchedAt  time.Time
	StaleAfter time.Time
	ExpiresAt  time.Time
	// xxhash of Data, used for change detection and ETags
	Digest uint64
}

// State returns the state of the entry at the given time.
func (e Entry) State(now time.Time) State {
	switch {
	case now.Before(e.StaleAfter):
		return Fresh
	case now.Before(e.ExpiresAt):
		return Stale
	default:
		return Expired
	}
}

// Servable reports whether the entry may be returned without a blocking fetch.
func (e Entry) Servable(now time.Time) bool {
	return e.State(now) != Expired
}
