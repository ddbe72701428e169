package admission

import (
	"fmt"
	"net"
	"net/http"
	"regexp"
	"time"

	"github.com/dgraph-io/ristretto/v2"

	"github.com/gatehouse/gatehouse/internal/config"
)

// IdentityResolver extracts the candidate auth key from a request. An
// explicit token header always wins; otherwise the host pattern's first
// capture group is the candidate. Host extractions are memoized in a
// memory-bounded cache because the host set is attacker-controlled.
type IdentityResolver struct {
	tokenHeader string
	hostPattern *regexp.Regexp

	cache    *ristretto.Cache[string, string]
	cacheTTL time.Duration
}

func NewIdentityResolver(cfg config.IdentityConfig) (*IdentityResolver, error) {
	var pattern *regexp.Regexp
	if cfg.HostPattern != "" {
		var err error
		pattern, err = regexp.Compile(cfg.HostPattern)
		if err != nil {
			return nil, fmt.Errorf("compile host pattern: %w", err)
		}
		if pattern.NumSubexp() < 1 {
			return nil, fmt.Errorf("host pattern %q must have a capture group for the tenant key", cfg.HostPattern)
		}
	}

	r := &IdentityResolver{
		tokenHeader: http.CanonicalHeaderKey(cfg.TokenHeader),
		hostPattern: pattern,
	}

	if cfg.CacheSize > 0 && pattern != nil {
		cache, err := ristretto.NewCache(&ristretto.Config[string, string]{
			// NumCounters should be ~10x the expected max items.
			NumCounters: cfg.CacheSize * 10,
			MaxCost:     cfg.CacheSize,
			BufferItems: 64,
		})
		if err != nil {
			return nil, fmt.Errorf("identity cache: %w", err)
		}
		r.cache = cache
		r.cacheTTL = config.MustParseDuration(cfg.CacheTTL, 5*time.Minute)
	}

	return r, nil
}

// Resolve returns the candidate auth key for the request. Empty means
// the request carries no recognizable identity.
func (ir *IdentityResolver) Resolve(r *http.Request) string {
	if ir.tokenHeader != "" {
		if token := r.Header.Get(ir.tokenHeader); token != "" {
			return token
		}
	}

	if ir.hostPattern == nil {
		return ""
	}
	host := requestHost(r)
	if host == "" {
		return ""
	}

	if ir.cache != nil {
		if key, ok := ir.cache.Get(host); ok {
			return key
		}
	}

	var key string
	if m := ir.hostPattern.FindStringSubmatch(host); len(m) > 1 {
		key = m[1]
	}

	if ir.cache != nil {
		// Misses are memoized too, with cost 1 per host either way:
		// unmatched hosts are the ones an attacker can mint freely.
		ir.cache.SetWithTTL(host, key, 1, ir.cacheTTL)
	}
	return key
}

// Close releases the memo cache. Safe to call when no cache was built.
func (ir *IdentityResolver) Close() {
	if ir.cache != nil {
		ir.cache.Close()
	}
}

// requestHost returns the request authority without any port.
func requestHost(r *http.Request) string {
	host := r.Host
	if host == "" {
		host = r.URL.Host
	}
	if h, _, err := net.SplitHostPort(host); err == nil {
		return h
	}
	return host
}
