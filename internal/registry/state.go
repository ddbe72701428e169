// Package registry holds the shared state the admission path reads on
// every request: the tenant registry, the tier registry with its rate
// limiter cascades, and the upstream health flag. Everything here is
// rebuilt from the control plane; nothing is persisted.
package registry

import "sync/atomic"

// State is the process-wide container, constructed once in main and
// passed explicitly to every component that needs it. Registries are
// interior-synchronized; the health flag is a single atomic load on the
// hot path.
type State struct {
	Consumers *Consumers
	Tiers     *Tiers

	upstreamHealthy atomic.Bool
}

func NewState() *State {
	return &State{
		Consumers: NewConsumers(),
		Tiers:     NewTiers(),
	}
}

// UpstreamHealthy reports the last probe outcome. It starts false: a
// fresh instance refuses traffic until its first successful probe.
func (s *State) UpstreamHealthy() bool {
	return s.upstreamHealthy.Load()
}

// SetUpstreamHealthy records a probe outcome. Written only by the health
// monitor.
func (s *State) SetUpstreamHealthy(healthy bool) {
	s.upstreamHealthy.Store(healthy)
}
