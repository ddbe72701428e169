package registry

import (
	"sync"

	"github.com/gatehouse/gatehouse/internal/ratelimit"
)

// Tier is a named rate-limit policy. Zero or more consumers reference it
// by name.
type Tier struct {
	Name   string
	Quotas []ratelimit.Quota
}

// Tiers maps tier names to their definitions and to the live cascade
// enforcing each of them. Both maps mutate under one lock so a tier and
// its cascade never diverge.
//
// Cascades are tier-scoped: all consumers on a tier share one cascade,
// which therefore enforces the tier's quotas as an aggregate across them.
type Tiers struct {
	mu       sync.RWMutex
	byName   map[string]Tier
	cascades map[string]*ratelimit.Cascade
}

func NewTiers() *Tiers {
	return &Tiers{
		byName:   make(map[string]Tier),
		cascades: make(map[string]*ratelimit.Cascade),
	}
}

// Get returns a copy of the named tier definition.
func (t *Tiers) Get(name string) (Tier, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	tier, ok := t.byName[name]
	return tier, ok
}

// CascadeFor returns the cascade enforcing the named tier.
func (t *Tiers) CascadeFor(name string) (*ratelimit.Cascade, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	cascade, ok := t.cascades[name]
	return cascade, ok
}

// Upsert replaces the tier definition and rebuilds its cascade from
// scratch. Consumers pick up the new cascade on their next lookup since
// they reference the tier by name; a request already holding the old
// cascade finishes its check against it.
func (t *Tiers) Upsert(tier Tier) {
	cascade := ratelimit.NewCascade(tier.Quotas)
	t.mu.Lock()
	defer t.mu.Unlock()
	t.byName[tier.Name] = tier
	t.cascades[tier.Name] = cascade
}

// Remove deletes the tier and its cascade. Consumers still referencing
// the name are denied until the tier reappears (fail closed).
func (t *Tiers) Remove(name string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.byName, name)
	delete(t.cascades, name)
}

func (t *Tiers) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.byName)
}
