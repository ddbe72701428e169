package upstream

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/gatehouse/gatehouse/internal/registry"
)

// URLPolicy bounds which resolved upstream URLs may be forwarded to.
// Template fields come from the control plane, so the policy limits what
// a mis-provisioned resource can point the proxy at.
type URLPolicy struct {
	// AllowedSchemes restricts the URL scheme. Default: ["http", "https"].
	AllowedSchemes []string
	// AllowedHosts is an optional allowlist. When non-empty, the host must
	// match an entry exactly (case-insensitive) or fall under an entry
	// starting with "." (suffix match, e.g. ".svc.cluster.local"). Port is
	// ignored.
	AllowedHosts []string
}

// Validate checks a resolved upstream URL against the policy. Returns an
// error describing the rejection reason.
func (p URLPolicy) Validate(u *url.URL) error {
	schemes := p.AllowedSchemes
	if len(schemes) == 0 {
		schemes = []string{"http", "https"}
	}
	schemeOK := false
	for _, s := range schemes {
		if strings.EqualFold(u.Scheme, s) {
			schemeOK = true
			break
		}
	}
	if !schemeOK {
		return fmt.Errorf("scheme %q is not allowed", u.Scheme)
	}

	host := u.Hostname()
	if host == "" {
		return fmt.Errorf("empty host")
	}

	if len(p.AllowedHosts) == 0 {
		return nil
	}
	for _, h := range p.AllowedHosts {
		if strings.HasPrefix(h, ".") {
			if strings.HasSuffix(strings.ToLower(host), strings.ToLower(h)) {
				return nil
			}
			continue
		}
		if strings.EqualFold(host, h) {
			return nil
		}
	}
	return fmt.Errorf("host %q is not in the allowed list", host)
}

// WithPolicy wraps a resolver so every resolved URL must also satisfy
// the policy. A rejection surfaces as a resolution failure.
func WithPolicy(r Resolver, p URLPolicy) Resolver {
	return policyResolver{inner: r, policy: p}
}

type policyResolver struct {
	inner  Resolver
	policy URLPolicy
}

func (r policyResolver) Resolve(c registry.Consumer) (*url.URL, error) {
	u, err := r.inner.Resolve(c)
	if err != nil {
		return nil, err
	}
	if err := r.policy.Validate(u); err != nil {
		return nil, fmt.Errorf("upstream %q rejected by policy: %w", u.Host, err)
	}
	return u, nil
}
