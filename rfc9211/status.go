// Package rfc9211 formats the Cache-Status response header field.
package rfc9211

import "fmt"

// Name of the cache as it appears in the header.
const CacheName = "FetchCache"

type Status string

const (
	StatusHit = Status("hit")
	StatusFwd = Status("fwd")
)

type FwdReason string

const (
	// The cache was configured to not handle this request.
	FwdReasonBypass = FwdReason("bypass")

	// The request method's semantics require the request to be
	// forwarded.
	FwdReasonMethod = FwdReason("method")

	// The cache did not contain any responses that matched the
	// request URI.
	FwdReasonUriMiss = FwdReason("uri-miss")

	// The cache was able to select a fresh response for the
	// request, but the request's semantics did not allow its use.
	FwdReasonRequest = FwdReason("request")

	// The cache was able to select a response for the request, but
	// it was stale.
	FwdReasonStale = FwdReason("stale")
)

type CacheStatus struct {
	Status    Status
	FwdReason FwdReason
	// Request was collapsed with a request already in flight.
	Collapsed bool
	// Seconds remaining until the entry is stale, negative if it is already stale.
	TTL    *int
	detail string
}

func (cs *CacheStatus) Hit() {
	cs.Status = StatusHit
}

func (cs *CacheStatus) Forward(reason FwdReason) {
	cs.Status = StatusFwd
	cs.FwdReason = reason
}

func (cs *CacheStatus) Detail(detail string) {
	cs.detail = detail
}

func (cs *CacheStatus) SetTTL(seconds int) {
	cs.TTL = &seconds
}

func (cs CacheStatus) String() string {
	status := fmt.Sprintf("%s; %s", CacheName, cs.Status)
	if cs.Status == StatusFwd && cs.FwdReason != "" {
		status = fmt.Sprintf("%s=%s", status, cs.FwdReason)
	}
	if cs.TTL != nil {
		status = fmt.Sprintf("%s; ttl=%d", status, *cs.TTL)
	}
	if cs.Collapsed {
		status = status + "; collapsed"
	}
	if cs.detail != "" {
		status = status + "; detail=" + cs.detail
	}
	return status
}
