// Package rfc9111 implements the parts of HTTP caching used on the
// fetchcache HTTP surface: request directives, Age and freshness hints.
package rfc9111

import "strings"

type CacheControl struct {
	directives map[string]string
}

func (c CacheControl) Get(directive string) (string, bool) {
	val, ok := c.directives[directive]
	return val, ok
}

func (c CacheControl) HasDirective(directive string) bool {
	_, ok := c.Get(directive)
	return ok
}

// ParseCacheControl takes Cache-Control headers as a slice of strings
// and returns an instance of `CacheControl`.
func ParseCacheControl(headers []string) CacheControl {
	m := make(map[string]string)
	// note setting map values like this means last defined directive wins
	for _, header := range headers {
		for _, directive := range strings.Split(header, ",") {
			directive = strings.TrimSpace(directive)
			if directive == "" {
				continue
			}
			parts := strings.SplitN(directive, "=", 2)
			name := getCacheControlDirectiveName(parts[0])
			var arg string
			if len(parts) > 1 {
				arg = getCacheControlDirectiveArgument(parts[1])
			}
			m[name] = arg
		}
	}
	return CacheControl{m}
}

// RequiresRefetch reports whether the request directives forbid
// serving a stored response without fetching it again.
func (c CacheControl) RequiresRefetch() bool {
	if c.HasDirective("no-cache") || c.HasDirective("no-store") {
		return true
	}
	if maxAge, ok := c.Get("max-age"); ok && maxAge == "0" {
		return true
	}
	return false
}

func getCacheControlDirectiveName(token string) string {
	// directive names are compared case-insensitively
	return strings.ToLower(token)
}

func getCacheControlDirectiveArgument(arg string) string {
	// arguments can use both token and quoted-string syntax
	return strings.Trim(arg, "\"")
}
