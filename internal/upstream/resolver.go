// Package upstream resolves where admitted requests are forwarded and
// monitors whether that destination is healthy enough to receive them.
package upstream

import (
	"errors"
	"fmt"
	"net/url"
	"regexp"
	"strings"

	"github.com/gatehouse/gatehouse/internal/config"
	"github.com/gatehouse/gatehouse/internal/registry"
)

// Resolver maps an admitted consumer to the upstream URL its requests
// are forwarded to.
type Resolver interface {
	Resolve(c registry.Consumer) (*url.URL, error)
}

// NewResolver builds the resolver described by cfg: a per-tenant template
// when upstream.template is set, otherwise the fixed upstream.url. The URL
// policy is always applied to whatever resolution produces.
func NewResolver(cfg config.UpstreamConfig) (Resolver, error) {
	policy := URLPolicy{
		AllowedSchemes: cfg.URLPolicy.AllowedSchemes,
		AllowedHosts:   cfg.URLPolicy.AllowedHosts,
	}

	switch {
	case cfg.Template != "":
		r, err := NewTemplateResolver(cfg.Template)
		if err != nil {
			return nil, err
		}
		return WithPolicy(r, policy), nil
	case cfg.URL != "":
		r, err := NewStaticResolver(cfg.URL)
		if err != nil {
			return nil, err
		}
		return WithPolicy(r, policy), nil
	default:
		return nil, errors.New("upstream: neither url nor template configured")
	}
}

// StaticResolver forwards every consumer to the same URL. Used for
// single-backend deployments and tests.
type StaticResolver struct {
	target *url.URL
}

func NewStaticResolver(rawURL string) (*StaticResolver, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parse upstream url: %w", err)
	}
	if u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("upstream url %q must have a scheme and host", rawURL)
	}
	return &StaticResolver{target: u}, nil
}

func (r *StaticResolver) Resolve(registry.Consumer) (*url.URL, error) {
	u := *r.target
	return &u, nil
}

var placeholderPattern = regexp.MustCompile(`\{([a-zA-Z_]+)\}`)

// TemplateResolver derives the upstream URL from the consumer's backend
// binding. The template may reference {namespace}, {name}, {network},
// and {version}, e.g.
//
//	http://node-{network}-{version}.{namespace}.svc.cluster.local:1337
//
// Unknown placeholders and templates that cannot produce a parsable URL
// are rejected at construction time.
type TemplateResolver struct {
	template string
}

func NewTemplateResolver(template string) (*TemplateResolver, error) {
	for _, m := range placeholderPattern.FindAllStringSubmatch(template, -1) {
		switch m[1] {
		case "namespace", "name", "network", "version":
		default:
			return nil, fmt.Errorf("upstream template: unknown placeholder {%s}", m[1])
		}
	}

	// Expand with sample values so a malformed template fails at startup
	// instead of on the first request.
	sample := registry.Consumer{Namespace: "ns", PortName: "port", Network: "mainnet", Version: "v1"}
	if _, err := expand(template, sample); err != nil {
		return nil, fmt.Errorf("upstream template %q: %w", template, err)
	}

	return &TemplateResolver{template: template}, nil
}

func (r *TemplateResolver) Resolve(c registry.Consumer) (*url.URL, error) {
	u, err := expand(r.template, c)
	if err != nil {
		return nil, fmt.Errorf("resolve upstream for %s: %w", c, err)
	}
	return u, nil
}

func expand(template string, c registry.Consumer) (*url.URL, error) {
	fields := []struct {
		placeholder string
		value       string
	}{
		{"{namespace}", c.Namespace},
		{"{name}", c.PortName},
		{"{network}", c.Network},
		{"{version}", c.Version},
	}

	out := template
	for _, f := range fields {
		if !strings.Contains(out, f.placeholder) {
			continue
		}
		if f.value == "" {
			return nil, fmt.Errorf("field %s is empty", strings.Trim(f.placeholder, "{}"))
		}
		out = strings.ReplaceAll(out, f.placeholder, f.value)
	}

	u, err := url.Parse(out)
	if err != nil {
		return nil, err
	}
	if u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("%q has no scheme or host", out)
	}
	return u, nil
}
