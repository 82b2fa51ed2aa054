// Package optionrules selects per-URL fetch options.
package optionrules

import (
	"net/url"
	"strings"
	"time"

	"github.com/always-cache/fetchcache"

	"github.com/rs/zerolog/log"
)

type Rules []Rule

// Rule matches request URLs and overrides the options used for them.
// Unset overrides keep the default value.
type Rule struct {
	Prefix string            `yaml:"prefix"`
	Path   string            `yaml:"path"`
	Query  map[string]string `yaml:"query"`

	StaleTime         *time.Duration `yaml:"staleTime"`
	TTL               *time.Duration `yaml:"ttl"`
	MaxRetries        *int           `yaml:"maxRetries"`
	RetryableStatuses []int          `yaml:"retryableStatuses"`
	Cooldown          *time.Duration `yaml:"cooldown"`
	RefetchOnFocus    *bool          `yaml:"refetchOnFocus"`
	RefetchInterval   *time.Duration `yaml:"refetchInterval"`
	Timeout           *time.Duration `yaml:"timeout"`
}

// Options returns the defaults with the overrides of the first matching rule applied.
func (r Rules) Options(u *url.URL, defaults fetchcache.Options) fetchcache.Options {
	if rule := r.find(u); rule != nil {
		return rule.apply(defaults)
	}
	return defaults
}

// Validate checks the options every rule produces from the defaults.
func (r Rules) Validate(defaults fetchcache.Options) error {
	if err := defaults.Validate(); err != nil {
		return err
	}
	for _, rule := range r {
		if err := rule.apply(defaults).Validate(); err != nil {
			return err
		}
	}
	return nil
}

func (rule Rule) apply(opts fetchcache.Options) fetchcache.Options {
	if rule.StaleTime != nil {
		opts.StaleTime = *rule.StaleTime
	}
	if rule.TTL != nil {
		opts.TTL = *rule.TTL
	}
	if rule.MaxRetries != nil {
		opts.MaxRetries = rule.MaxRetries
	}
	if rule.RetryableStatuses != nil {
		opts.RetryableStatuses = rule.RetryableStatuses
	}
	if rule.Cooldown != nil {
		opts.Cooldown = *rule.Cooldown
	}
	if rule.RefetchOnFocus != nil {
		opts.RefetchOnFocus = *rule.RefetchOnFocus
	}
	if rule.RefetchInterval != nil {
		opts.RefetchInterval = *rule.RefetchInterval
	}
	if rule.Timeout != nil {
		opts.Timeout = *rule.Timeout
	}
	return opts
}

func (r Rules) find(u *url.URL) *Rule {
	log.Trace().Msgf("Finding rule for %s", u.Path)
rulesLoop:
	for i, rule := range r {
		if rule.Path != "" && rule.Path != u.Path {
			continue
		}
		if rule.Prefix != "" && !strings.HasPrefix(u.Path, rule.Prefix) {
			continue
		}
		if len(rule.Query) > 0 {
			qry := u.Query()
			for name, value := range rule.Query {
				if value == "" && !qry.Has(name) {
					continue rulesLoop
				} else if value != "" && qry.Get(name) != value {
					continue rulesLoop
				}
			}
		}
		return &r[i]
	}
	return nil
}
