// Package httpfetcher builds fetch functions for JSON GET endpoints.
package httpfetcher

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"io"
	"net/http"
	"net/url"

	"github.com/always-cache/fetchcache"

	"github.com/rs/zerolog"
)

// maximum accepted body size
const maxBodyBytes = 32 << 20

type Config struct {
	// URL of the backend. Relative request URLs are resolved against it.
	OriginURL url.URL
	// Hostname to use for HTTP requests and TLS negotiation.
	// Use if needed if e.g. the origin URL is just an IP address.
	OriginHost string
	// Optional function for mutating outgoing requests,
	// e.g. for setting authorization headers.
	RequestModifier func(*http.Request)
	// Logger to use. A console logger is used if nil.
	Logger *zerolog.Logger
}

// Fetcher performs GET requests against the backend.
type Fetcher struct {
	origin     url.URL
	hostHeader string
	client     http.Client
	modify     func(*http.Request)
	log        zerolog.Logger
}

func New(config Config) *Fetcher {
	var logger zerolog.Logger
	if config.Logger == nil {
		logger = zerolog.New(zerolog.NewConsoleWriter())
	} else {
		logger = *config.Logger
	}

	f := &Fetcher{
		origin:     config.OriginURL,
		hostHeader: config.OriginHost,
		modify:     config.RequestModifier,
		log:        logger.With().Str("component", "fetcher").Logger(),
		client: http.Client{
			// do not follow redirects
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
	}

	// use provided hostname for origin if configured
	if config.OriginHost != "" {
		f.client.Transport = &http.Transport{
			TLSClientConfig: &tls.Config{
				ServerName: config.OriginHost,
			},
		}
	}
	return f
}

// Func returns a fetch function for the given URL.
func (f *Fetcher) Func(rawURL string) fetchcache.FetchFunc {
	return func(ctx context.Context) (json.RawMessage, error) {
		return f.Get(ctx, rawURL)
	}
}

// Get requests the URL and returns the JSON body.
// A non-2xx status is returned as *fetchcache.HTTPError, a failed transport as
// *fetchcache.NetworkError and a malformed body as *fetchcache.ParseError.
func (f *Fetcher) Get(ctx context.Context, rawURL string) (json.RawMessage, error) {
	u, err := f.resolve(rawURL)
	if err != nil {
		return nil, &fetchcache.ParseError{Err: err}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, &fetchcache.NetworkError{Err: err}
	}
	req.Header.Set("Accept", "application/json")
	if f.hostHeader != "" {
		req.Host = f.hostHeader
	}
	if f.modify != nil {
		f.modify(req)
	}

	f.log.Trace().Str("url", u.String()).Msg("Requesting content from origin")
	res, err := f.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, &fetchcache.NetworkError{Err: err}
	}
	defer res.Body.Close()

	if res.StatusCode < 200 || res.StatusCode > 299 {
		// drain so the connection can be reused
		io.Copy(io.Discard, io.LimitReader(res.Body, maxBodyBytes))
		f.log.Debug().Str("url", u.String()).Int("status", res.StatusCode).Msg("Origin responded with error")
		return nil, &fetchcache.HTTPError{Status: res.StatusCode, URL: u.String()}
	}

	body, err := io.ReadAll(io.LimitReader(res.Body, maxBodyBytes))
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, &fetchcache.NetworkError{Err: err}
	}
	if !json.Valid(body) {
		return nil, &fetchcache.ParseError{}
	}
	return body, nil
}

func (f *Fetcher) resolve(rawURL string) (*url.URL, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, err
	}
	if u.IsAbs() {
		return u, nil
	}
	return f.origin.ResolveReference(u), nil
}
