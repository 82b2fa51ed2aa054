package rfc9111

import (
	"fmt"
	"net/http"
	"strconv"
	"time"
)

// AddAgeHeader sets the Age header to the whole seconds elapsed since the fetch.
func AddAgeHeader(h http.Header, fetchedAt, now time.Time) {
	h.Set("Age", strconv.Itoa(seconds(now.Sub(fetchedAt))))
}

// FreshnessDirectives returns the Cache-Control value describing the remaining
// freshness of an entry to downstream caches: max-age until it turns stale,
// stale-while-revalidate until it expires.
func FreshnessDirectives(staleAfter, expiresAt, now time.Time) string {
	maxAge := seconds(staleAfter.Sub(now))
	swr := seconds(expiresAt.Sub(now)) - maxAge
	if swr <= 0 {
		return fmt.Sprintf("max-age=%d", maxAge)
	}
	return fmt.Sprintf("max-age=%d, stale-while-revalidate=%d", maxAge, swr)
}

func seconds(d time.Duration) int {
	if d < 0 {
		return 0
	}
	return int(d / time.Second)
}
