package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/always-cache/fetchcache"
	cacheupdate "github.com/always-cache/fetchcache/pkg/cache-update"
)

// eventRequest is the body of the push endpoints.
type eventRequest struct {
	// Backend URL, relative to the origin.
	URL  string          `json:"url"`
	Data json.RawMessage `json:"data,omitempty"`
}

func (s *Server) decodeEvent(w http.ResponseWriter, r *http.Request) (string, fetchcache.Options, eventRequest, bool) {
	var ev eventRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 32<<20)).Decode(&ev); err != nil {
		http.Error(w, "malformed event", http.StatusBadRequest)
		return "", fetchcache.Options{}, ev, false
	}
	u, err := url.Parse(ev.URL)
	if err != nil || ev.URL == "" {
		http.Error(w, "invalid url", http.StatusBadRequest)
		return "", fetchcache.Options{}, ev, false
	}
	key, _, opts, err := s.resource(u)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return "", fetchcache.Options{}, ev, false
	}
	return key, opts, ev, true
}

func (s *Server) handleInvalidate(w http.ResponseWriter, r *http.Request) {
	key, _, _, ok := s.decodeEvent(w, r)
	if !ok {
		return
	}
	removed := s.client.Invalidate(key)
	getLogger(r).Debug().Str("key", key).Bool("removed", removed).Msg("Invalidation event")
	writeJSON(w, r, http.StatusOK, map[string]any{"key": key, "removed": removed})
}

// handleCacheUpdate invalidates every resource named in the request's
// Cache-Update header fields, delayed where the entry asks for it.
func (s *Server) handleCacheUpdate(w http.ResponseWriter, r *http.Request) {
	logger := getLogger(r)
	updates := cacheupdate.FromHeader(&s.origin, r.Header)
	keys := make([]string, 0, len(updates))
	for _, update := range updates {
		key, err := s.keyer.Key(http.MethodGet, update.URL.String())
		if err != nil {
			logger.Warn().Err(err).Stringer("url", update.URL).Msg("Could not key cache update")
			continue
		}
		keys = append(keys, key)
		if update.Delay > 0 {
			logger.Debug().Str("key", key).Dur("delay", update.Delay).Msg("Scheduling cache update")
			time.AfterFunc(update.Delay, func() { s.client.Invalidate(key) })
			continue
		}
		s.client.Invalidate(key)
	}
	writeJSON(w, r, http.StatusOK, map[string]any{"keys": keys})
}

func (s *Server) handleSeed(w http.ResponseWriter, r *http.Request) {
	key, opts, ev, ok := s.decodeEvent(w, r)
	if !ok {
		return
	}
	ce, err := s.client.Seed(key, ev.Data, opts)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	getLogger(r).Debug().Str("key", key).Msg("Seed event")
	writeJSON(w, r, http.StatusOK, map[string]any{"key": key, "expiresAt": ce.ExpiresAt})
}

func (s *Server) handleFocus(w http.ResponseWriter, r *http.Request) {
	count, err := s.client.Scheduler().FocusGained(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}
	writeJSON(w, r, http.StatusOK, map[string]any{"revalidated": count})
}

// stateEvent is the SSE payload for one subscriber state.
type stateEvent struct {
	Data    json.RawMessage `json:"data"`
	Loading bool            `json:"loading"`
	Error   string          `json:"error,omitempty"`
	Status  int             `json:"status,omitempty"`
	Stale   bool            `json:"stale"`
}

func newStateEvent(state fetchcache.State) stateEvent {
	ev := stateEvent{
		Data:    state.Data,
		Loading: state.Loading,
		Stale:   state.IsStale,
	}
	if state.Err != nil {
		ev.Error = state.Err.Error()
		ev.Status = fetchcache.StatusCode(state.Err)
	}
	return ev
}

// handleSubscribe streams the state of a binding until the client disconnects.
func (s *Server) handleSubscribe(w http.ResponseWriter, r *http.Request) {
	logger := getLogger(r)
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	key, fetch, opts, err := s.resource(target(r))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	// only the latest state is kept for a slow client
	var (
		mu      sync.Mutex
		latest  fetchcache.State
		pending = make(chan struct{}, 1)
	)
	onChange := func(state fetchcache.State) {
		mu.Lock()
		latest = state
		mu.Unlock()
		select {
		case pending <- struct{}{}:
		default:
		}
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	binding := s.client.Subscribe(r.Context(), key, fetch, opts, onChange)
	defer binding.Dispose()
	logger.Debug().Str("key", key).Msg("Subscriber connected")

	send := func(state fetchcache.State) bool {
		payload, err := json.Marshal(newStateEvent(state))
		if err != nil {
			logger.Error().Err(err).Msg("Could not encode state")
			return false
		}
		if _, err := fmt.Fprintf(w, "event: state\ndata: %s\n\n", payload); err != nil {
			logger.Debug().Err(err).Msg("Could not write event")
			return false
		}
		flusher.Flush()
		return true
	}

	// the initial state is sent below
	select {
	case <-pending:
	default:
	}
	if !send(binding.State()) {
		return
	}
	for {
		select {
		case <-r.Context().Done():
			logger.Debug().Str("key", key).Msg("Subscriber disconnected")
			return
		case <-pending:
			mu.Lock()
			state := latest
			mu.Unlock()
			if !send(state) {
				return
			}
		}
	}
}
