// Package cacheupdate parses `Cache-Update` header fields,
// which name resources whose cached representation changed.
package cacheupdate

import (
	"net/http"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"time"
)

const HeaderName = "Cache-Update"

var delayDirective = regexp.MustCompile(`(?i)\bdelay=(\d+)`)

// CacheUpdate represents a single `Cache-Update` entry.
type CacheUpdate struct {
	// Resolved URL of the resource, query included.
	URL *url.URL
	// Update delay, i.e. delay update by this duration.
	Delay time.Duration
}

// FromHeader gets the updates specified by the header.
// The base URL is used in order to resolve potentially relative update URLs.
func FromHeader(base *url.URL, header http.Header) []CacheUpdate {
	updates := make([]CacheUpdate, 0)
	for _, value := range header.Values(HeaderName) {
		// a header line may list several comma-separated entries
		for _, update := range strings.Split(value, ",") {
			update = strings.TrimSpace(update)
			if update == "" {
				continue
			}
			u, err := getURL(base, update)
			if err != nil {
				continue
			}
			updates = append(updates, CacheUpdate{
				URL:   u,
				Delay: getDelay(update),
			})
		}
	}
	return updates
}

// getURL returns the URL to update the cache for from the `Cache-Update` header parameter.
// The URL is the first parameter in the header value (separated by a semicolon).
func getURL(base *url.URL, update string) (*url.URL, error) {
	possiblyRelativeURL := update
	if i := strings.Index(update, ";"); i != -1 {
		possiblyRelativeURL = strings.TrimSpace(update[:i])
	}
	ref, err := url.Parse(possiblyRelativeURL)
	if err != nil {
		return nil, err
	}
	return base.ResolveReference(ref), nil
}

// getDelay returns the delay to wait before updating the cache for from the `Cache-Update` header parameter.
// The delay directive syntax is `delay=N`, where N is the number of seconds to wait.
// Directives are separated by a semicolon.
// If no delay directive is found, it returns 0.
func getDelay(update string) time.Duration {
	if matches := delayDirective.FindStringSubmatch(update); matches != nil {
		if delay, err := strconv.Atoi(matches[1]); err == nil {
			return time.Duration(delay) * time.Second
		}
	}
	return 0
}
