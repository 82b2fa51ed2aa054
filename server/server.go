// Package server exposes a fetchcache client over HTTP.
package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/always-cache/fetchcache"
	"github.com/always-cache/fetchcache/cache"
	cachekey "github.com/always-cache/fetchcache/pkg/cache-key"
	httpfetcher "github.com/always-cache/fetchcache/pkg/http-fetcher"
	optionrules "github.com/always-cache/fetchcache/pkg/option-rules"
	"github.com/always-cache/fetchcache/rfc9111"
	"github.com/always-cache/fetchcache/rfc9211"

	"github.com/cespare/xxhash/v2"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/hlog"
	"github.com/rs/zerolog/log"
)

type Config struct {
	Client  *fetchcache.Client
	Fetcher *httpfetcher.Fetcher
	// Base URL request paths are resolved against for keying.
	OriginURL url.URL
	// Options for URLs no rule matches.
	Defaults fetchcache.Options
	Rules    optionrules.Rules
	// Logger to use. A console logger is used if nil.
	Logger *zerolog.Logger
}

type Server struct {
	origin   url.URL
	client   *fetchcache.Client
	fetcher  *httpfetcher.Fetcher
	keyer    cachekey.Keyer
	defaults fetchcache.Options
	rules    optionrules.Rules
	log      zerolog.Logger
}

func New(config Config) *Server {
	var logger zerolog.Logger
	if config.Logger == nil {
		logger = zerolog.New(zerolog.NewConsoleWriter())
	} else {
		logger = *config.Logger
	}
	origin := config.OriginURL
	return &Server{
		origin:   origin,
		client:   config.Client,
		fetcher:  config.Fetcher,
		keyer:    cachekey.NewKeyer(&origin),
		defaults: config.Defaults,
		rules:    config.Rules,
		log:      logger.With().Str("component", "server").Logger(),
	}
}

// Handler returns the router with request logging attached.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(hlog.NewHandler(s.log))
	r.Use(hlog.RequestIDHandler("req_id", "Request-Id"))
	r.Use(hlog.AccessHandler(func(r *http.Request, status, size int, duration time.Duration) {
		hlog.FromRequest(r).Debug().
			Str("method", r.Method).
			Stringer("url", r.URL).
			Int("status", status).
			Int("size", size).
			Dur("duration", duration).
			Msg("Handled request")
	}))
	r.Use(middleware.Recoverer)

	r.Get("/fetch/*", s.handleFetch)
	r.Get("/subscribe/*", s.handleSubscribe)
	r.Get("/entries", s.handleEntries)
	r.Route("/events", func(r chi.Router) {
		r.Post("/invalidate", s.handleInvalidate)
		r.Post("/update", s.handleCacheUpdate)
		r.Post("/seed", s.handleSeed)
		r.Post("/focus", s.handleFocus)
	})
	return r
}

// target returns the backend path of a wildcard route, with the query kept.
func target(r *http.Request) *url.URL {
	return &url.URL{
		Path:     "/" + chi.URLParam(r, "*"),
		RawQuery: r.URL.RawQuery,
	}
}

// resource resolves the key, fetch function and options for a backend URL.
func (s *Server) resource(u *url.URL) (string, fetchcache.FetchFunc, fetchcache.Options, error) {
	key, err := s.keyer.Key(http.MethodGet, u.String())
	if err != nil {
		return "", nil, fetchcache.Options{}, err
	}
	return key, s.fetcher.Func(u.String()), s.rules.Options(u, s.defaults), nil
}

func (s *Server) handleFetch(w http.ResponseWriter, r *http.Request) {
	logger := getLogger(r)
	key, fetch, opts, err := s.resource(target(r))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	refetch := rfc9111.ParseCacheControl(r.Header.Values("Cache-Control")).RequiresRefetch()
	cs := s.cacheStatus(key, refetch)

	var res fetchcache.Result
	if refetch {
		res = s.client.Reload(r.Context(), key, fetch, opts)
	} else {
		res = s.client.Resolve(r.Context(), key, fetch, opts)
	}
	w.Header().Set("Cache-Status", cs.String())
	if res.Err != nil {
		logger.Debug().Err(res.Err).Str("key", key).Msg("Could not resolve")
		http.Error(w, res.Err.Error(), errorStatus(res.Err))
		return
	}

	digest := xxhash.Sum64(res.Data)
	if ce, ok := s.client.Store().Get(key); ok && ce.Digest == digest {
		now := s.client.Store().Now()
		rfc9111.AddAgeHeader(w.Header(), ce.FetchedAt, now)
		w.Header().Set("Cache-Control", rfc9111.FreshnessDirectives(ce.StaleAfter, ce.ExpiresAt, now))
	}
	etag := fmt.Sprintf(`"%016x"`, digest)
	w.Header().Set("ETag", etag)
	if r.Header.Get("If-None-Match") == etag {
		w.WriteHeader(http.StatusNotModified)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	if _, err := w.Write(res.Data); err != nil {
		logger.Error().Err(err).Msg("Could not write response body to client")
	}
}

// cacheStatus describes how the request for the key is going to be served.
func (s *Server) cacheStatus(key string, refetch bool) rfc9211.CacheStatus {
	cs := rfc9211.CacheStatus{}
	now := s.client.Store().Now()
	ce, cached := s.client.Store().Get(key)
	state := cache.Empty
	if cached {
		state = ce.State(now)
	}
	switch {
	case refetch:
		cs.Forward(rfc9211.FwdReasonRequest)
	case state == cache.Fresh:
		cs.Hit()
	case state == cache.Stale:
		cs.Hit()
		cs.Detail("stale")
	case state == cache.Expired:
		cs.Forward(rfc9211.FwdReasonStale)
	default:
		cs.Forward(rfc9211.FwdReasonUriMiss)
	}
	if cs.Status == rfc9211.StatusHit {
		cs.SetTTL(int(ce.StaleAfter.Sub(now) / time.Second))
	} else if s.client.InFlight(key) > 0 {
		cs.Collapsed = true
	}
	return cs
}

// errorStatus maps a resolve error to the status returned to the client.
func errorStatus(err error) int {
	if status := fetchcache.StatusCode(err); status != 0 {
		return status
	}
	switch {
	case errors.Is(err, fetchcache.ErrTimeout):
		return http.StatusGatewayTimeout
	case fetchcache.IsAbort(err):
		return http.StatusServiceUnavailable
	default:
		return http.StatusBadGateway
	}
}

type entryView struct {
	Key       string    `json:"key"`
	State     string    `json:"state"`
	FetchedAt time.Time `json:"fetchedAt"`
	ExpiresAt time.Time `json:"expiresAt"`
	Digest    string    `json:"digest"`
	InFlight  int       `json:"inFlight"`
	Bindings  int       `json:"bindings"`
}

func (s *Server) handleEntries(w http.ResponseWriter, r *http.Request) {
	now := s.client.Store().Now()
	entries := s.client.Store().Entries()
	views := make([]entryView, 0, len(entries))
	for _, ce := range entries {
		views = append(views, entryView{
			Key:       ce.Key,
			State:     ce.State(now).String(),
			FetchedAt: ce.FetchedAt,
			ExpiresAt: ce.ExpiresAt,
			Digest:    fmt.Sprintf("%016x", ce.Digest),
			InFlight:  s.client.InFlight(ce.Key),
			Bindings:  s.client.Subscribers(ce.Key),
		})
	}
	writeJSON(w, r, http.StatusOK, views)
}

func writeJSON(w http.ResponseWriter, r *http.Request, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		getLogger(r).Error().Err(err).Msg("Could not write response body to client")
	}
}

// getLogger returns the logger from the request context.
// If no logger is found, it will return the default logger.
func getLogger(r *http.Request) *zerolog.Logger {
	logger := hlog.FromRequest(r)
	if logger.GetLevel() == zerolog.Disabled {
		logger = &log.Logger
	}
	return logger
}
