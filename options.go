package fetchcache

import (
	"math"
	"math/rand/v2"
	"time"

	"github.com/always-cache/fetchcache/cache"
	"go.trai.ch/zerr"
)

const (
	DefaultTTL        = 5 * time.Minute
	DefaultMaxRetries = 2
	DefaultCooldown   = 5 * time.Minute
	DefaultBaseDelay  = 800 * time.Millisecond
	DefaultMaxDelay   = 20 * time.Second
)

// Options configure how a key is resolved and revalidated.
// Zero durations fall back to the defaults, except StaleTime,
// where zero means the entry is stale as soon as it is written.
type Options struct {
	// Duration after a fetch during which the entry is served without any network activity.
	StaleTime time.Duration `yaml:"staleTime"`
	// Duration after a fetch after which the entry must not be served without a blocking refetch.
	TTL time.Duration `yaml:"ttl"`
	// Number of retries after the first attempt. Nil means DefaultMaxRetries,
	// zero disables retries.
	MaxRetries *int `yaml:"maxRetries"`
	// HTTP statuses that are retried. Nil means 408, 429 and 5xx.
	// Network errors are always retried.
	RetryableStatuses []int `yaml:"retryableStatuses"`
	// Minimum time between two background revalidations of a key.
	Cooldown time.Duration `yaml:"cooldown"`
	// Revalidate the key when the host regains focus.
	RefetchOnFocus bool `yaml:"refetchOnFocus"`
	// Revalidate the key periodically while it has subscribers. Zero disables it.
	RefetchInterval time.Duration `yaml:"refetchInterval"`
	// Maximum time a single waiter waits for a request, retries included. Zero disables it.
	Timeout time.Duration `yaml:"timeout"`
	// First retry delay, doubled on every retry.
	BaseDelay time.Duration `yaml:"baseDelay"`
	// Upper bound of the retry delay before jitter.
	MaxDelay time.Duration `yaml:"maxDelay"`
}

// DefaultOptions returns the options used by the storefront screens.
func DefaultOptions() Options {
	return Options{
		TTL:            DefaultTTL,
		MaxRetries:     Retries(DefaultMaxRetries),
		Cooldown:       DefaultCooldown,
		RefetchOnFocus: true,
		BaseDelay:      DefaultBaseDelay,
		MaxDelay:       DefaultMaxDelay,
	}
}

// Retries returns n as a MaxRetries value.
func Retries(n int) *int {
	return &n
}

// Validate checks the options for inconsistent values.
func (o Options) Validate() error {
	durations := map[string]time.Duration{
		"staleTime":       o.StaleTime,
		"ttl":             o.TTL,
		"cooldown":        o.Cooldown,
		"refetchInterval": o.RefetchInterval,
		"timeout":         o.Timeout,
		"baseDelay":       o.BaseDelay,
		"maxDelay":        o.MaxDelay,
	}
	for name, d := range durations {
		if d < 0 {
			err := zerr.Wrap(ErrInvalidOptions, "negative "+name)
			return zerr.With(err, "value", d.String())
		}
	}
	if o.MaxRetries != nil && *o.MaxRetries < 0 {
		err := zerr.Wrap(ErrInvalidOptions, "negative maxRetries")
		return zerr.With(err, "value", *o.MaxRetries)
	}
	if o.ttl() < o.StaleTime {
		err := zerr.Wrap(ErrInvalidOptions, "ttl shorter than staleTime")
		return zerr.With(zerr.With(err, "ttl", o.ttl().String()), "staleTime", o.StaleTime.String())
	}
	return nil
}

func (o Options) ttl() time.Duration {
	if o.TTL <= 0 {
		return DefaultTTL
	}
	return o.TTL
}

func (o Options) ttlConfig() cache.TTLConfig {
	return cache.TTLConfig{
		StaleTime: o.StaleTime,
		TTL:       o.ttl(),
	}
}

func (o Options) maxRetries() int {
	switch {
	case o.MaxRetries == nil:
		return DefaultMaxRetries
	case *o.MaxRetries < 0:
		return 0
	default:
		return *o.MaxRetries
	}
}

func (o Options) cooldown() time.Duration {
	if o.Cooldown <= 0 {
		return DefaultCooldown
	}
	return o.Cooldown
}

// backoff returns the delay before retry n (starting at 0):
// min(base * 2^n, max) plus up to 25% jitter.
func (o Options) backoff(n int, jitter float64) time.Duration {
	base := o.BaseDelay
	if base <= 0 {
		base = DefaultBaseDelay
	}
	maxDelay := o.MaxDelay
	if maxDelay <= 0 {
		maxDelay = DefaultMaxDelay
	}
	delay := float64(base) * math.Pow(2, float64(n))
	if delay > float64(maxDelay) {
		delay = float64(maxDelay)
	}
	return time.Duration(delay + delay*0.25*jitter)
}

func randomJitter() float64 {
	return rand.Float64()
}
