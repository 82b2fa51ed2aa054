// Package inflight tracks the single shared network operation per key
// and the number of parties waiting on it.
package inflight

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/rs/zerolog"
)

// StartFunc performs the shared operation.
// The context is canceled when the last interested party leaves.
type StartFunc func(ctx context.Context, seq uint64) (json.RawMessage, error)

// Call is a pending or settled operation for a key.
type Call struct {
	key    string
	seq    uint64
	cancel context.CancelFunc
	done   chan struct{}

	// guarded by the registry mutex
	refcount int
	settled  bool

	// written once before done is closed
	data json.RawMessage
	err  error
}

// Key returns the key of the call.
func (c *Call) Key() string {
	return c.key
}

// Seq returns the sequence number the call was started with.
// Sequence numbers increase monotonically per key.
func (c *Call) Seq() uint64 {
	return c.seq
}

// Done is closed once the call has settled.
func (c *Call) Done() <-chan struct{} {
	return c.done
}

// Result returns the outcome of the call. It must only be called after Done is closed.
func (c *Call) Result() (json.RawMessage, error) {
	return c.data, c.err
}

// Wait blocks until the call settles or the context is done.
// Waiting does not change the refcount; parties that stop waiting must Leave.
func (c *Call) Wait(ctx context.Context) (json.RawMessage, error) {
	select {
	case <-c.done:
		return c.data, c.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Registry holds at most one in-flight call per key.
// Registration happens under a single lock together with the lookup,
// so two simultaneous callers can never both start an operation.
type Registry struct {
	mu    sync.Mutex
	calls map[string]*Call
	seqs  map[string]uint64
	base  context.Context
	log   zerolog.Logger
}

// NewRegistry creates a registry. Operations are canceled when base is done.
func NewRegistry(base context.Context, logger *zerolog.Logger) *Registry {
	r := &Registry{
		calls: make(map[string]*Call),
		seqs:  make(map[string]uint64),
		base:  base,
	}
	if logger == nil {
		r.log = zerolog.New(zerolog.NewConsoleWriter())
	} else {
		r.log = *logger
	}
	r.log = r.log.With().Str("component", "inflight").Logger()
	return r
}

// Join returns the in-flight call for the key with its refcount incremented.
// If there is none, start is run in a new goroutine and registered with a refcount of one.
// The returned bool reports whether an existing call was joined.
func (r *Registry) Join(key string, start StartFunc) (*Call, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if c, ok := r.calls[key]; ok {
		c.refcount++
		r.log.Trace().Str("key", key).Int("refcount", c.refcount).Msg("Joined in-flight request")
		return c, true
	}
	return r.start(key, start), false
}

// Attach returns the in-flight call for the key without taking a reference on it.
// If there is none, start is run like in Join and the caller holds the only reference.
// The returned bool reports whether an existing call was found.
func (r *Registry) Attach(key string, start StartFunc) (*Call, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if c, ok := r.calls[key]; ok {
		return c, true
	}
	return r.start(key, start), false
}

// Supersede starts a new call for the key even if one is in flight.
// The previous call keeps running for the parties already waiting on it,
// but is no longer joinable and carries a lower sequence number.
func (r *Registry) Supersede(key string, start StartFunc) *Call {
	r.mu.Lock()
	defer r.mu.Unlock()
	if old, ok := r.calls[key]; ok {
		delete(r.calls, key)
		r.log.Trace().Str("key", key).Uint64("seq", old.seq).Msg("Superseding in-flight request")
	}
	return r.start(key, start)
}

// Leave releases one party's interest in the call.
// When no party remains and the call has not settled, the operation is aborted.
// Leaving a settled call is a no-op.
func (r *Registry) Leave(c *Call) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if c.settled || c.refcount == 0 {
		return
	}
	c.refcount--
	if c.refcount > 0 {
		return
	}
	if r.calls[c.key] == c {
		delete(r.calls, c.key)
	}
	r.log.Trace().Str("key", c.key).Uint64("seq", c.seq).Msg("Aborting unwanted request")
	c.cancel()
}

// Refcount returns the number of parties waiting on the call for the key.
func (r *Registry) Refcount(key string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	if c, ok := r.calls[key]; ok {
		return c.refcount
	}
	return 0
}

// Latest returns the sequence number of the most recently started call for the key.
func (r *Registry) Latest(key string) uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.seqs[key]
}

// Bump advances the key's sequence without starting a call,
// so that calls started before are considered outdated.
func (r *Registry) Bump(key string) uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.seqs[key]++
	return r.seqs[key]
}

// start must be called with the mutex held.
func (r *Registry) start(key string, fn StartFunc) *Call {
	r.seqs[key]++
	ctx, cancel := context.WithCancel(r.base)
	c := &Call{
		key:      key,
		seq:      r.seqs[key],
		cancel:   cancel,
		done:     make(chan struct{}),
		refcount: 1,
	}
	r.calls[key] = c
	r.log.Trace().Str("key", key).Uint64("seq", c.seq).Msg("Starting request")
	go r.run(ctx, c, fn)
	return c
}

func (r *Registry) run(ctx context.Context, c *Call, fn StartFunc) {
	data, err := fn(ctx, c.seq)
	r.settle(c, data, err)
}

// settle removes the call regardless of its refcount and publishes the result.
func (r *Registry) settle(c *Call, data json.RawMessage, err error) {
	r.mu.Lock()
	if r.calls[c.key] == c {
		delete(r.calls, c.key)
	}
	c.settled = true
	c.data = data
	c.err = err
	r.mu.Unlock()
	c.cancel()
	close(c.done)
}
