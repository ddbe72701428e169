// Package reconcile applies control-plane events to the shared
// registries. Two loops run for the lifetime of the process, one per
// resource; all coupling with the admission path goes through the
// registries, so a slow or wedged control plane never blocks a request.
package reconcile

import (
	"context"
	"log/slog"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/gatehouse/gatehouse/internal/controlplane"
	"github.com/gatehouse/gatehouse/internal/observability"
	"github.com/gatehouse/gatehouse/internal/registry"
)

const (
	resourceTenants = "queryports"
	resourceTiers   = "servicetiers"
)

// Reconciler consumes tenant and tier events and keeps the registries
// current. It tracks which auth token each tenant resource last carried,
// so a token rotation evicts the stale key instead of leaving both valid.
type Reconciler struct {
	state   *registry.State
	source  controlplane.Source
	logger  *slog.Logger
	metrics *observability.Metrics

	// keysByResource maps namespace/name to the token last applied for
	// that resource. Owned by the tenant loop.
	keysByResource map[string]string

	syncedOnce sync.Once
	synced     chan struct{}
}

func NewReconciler(state *registry.State, source controlplane.Source, logger *slog.Logger, metrics *observability.Metrics) *Reconciler {
	return &Reconciler{
		state:          state,
		source:         source,
		logger:         logger,
		metrics:        metrics,
		keysByResource: make(map[string]string),
		synced:         make(chan struct{}),
	}
}

// Synced returns a channel closed after the first event has been
// applied. Readiness gating waits on it so a fresh instance does not
// advertise ready with empty registries.
func (r *Reconciler) Synced() <-chan struct{} {
	return r.synced
}

func (r *Reconciler) markSynced() {
	r.syncedOnce.Do(func() { close(r.synced) })
}

// Run consumes both event streams until ctx ends. A malformed event is
// logged, counted, and skipped; it never terminates a loop.
func (r *Reconciler) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	tenants := r.source.TenantEvents(ctx)
	tiers := r.source.TierEvents(ctx)

	g.Go(func() error {
		r.tenantLoop(tenants)
		return nil
	})
	g.Go(func() error {
		r.tierLoop(tiers)
		return nil
	})

	return g.Wait()
}

func (r *Reconciler) tenantLoop(events <-chan controlplane.TenantEvent) {
	for ev := range events {
		r.applyTenant(ev)
	}
}

func (r *Reconciler) tierLoop(events <-chan controlplane.TierEvent) {
	for ev := range events {
		r.applyTier(ev)
	}
}

func (r *Reconciler) applyTenant(ev controlplane.TenantEvent) {
	tenant := ev.Tenant
	resource := tenant.Namespace + "/" + tenant.PortName

	switch ev.Kind {
	case controlplane.Added, controlplane.Modified:
		if tenant.Key == "" || tenant.PortName == "" || tenant.Tier == "" {
			r.rejectTenant(ev)
			return
		}

		// A rotation changes the lookup key: install the new record and
		// evict the old one, or the revoked token would keep admitting.
		// Connections acquired under the old key drain as no-ops.
		if oldKey, ok := r.keysByResource[resource]; ok && oldKey != tenant.Key {
			r.state.Consumers.Remove(oldKey)
			r.metrics.SetActiveConnections(tenant.String(), 0)
			r.logger.Info("tenant token rotated", "consumer", tenant.String())
		}
		r.state.Consumers.Upsert(tenant)
		r.keysByResource[resource] = tenant.Key

		if ev.Kind == controlplane.Added {
			r.logger.Info("tenant added", "consumer", tenant.String(), "tier", tenant.Tier)
		} else {
			r.logger.Debug("tenant updated", "consumer", tenant.String(), "tier", tenant.Tier)
		}

	case controlplane.Deleted:
		key := tenant.Key
		if key == "" {
			// The final object state may have lost its token; fall back to
			// the last one applied for this resource.
			key = r.keysByResource[resource]
		}
		if key == "" {
			r.rejectTenant(ev)
			return
		}
		r.state.Consumers.Remove(key)
		delete(r.keysByResource, resource)
		r.metrics.DropConsumer(tenant.String())
		r.logger.Info("tenant removed", "consumer", tenant.String())

	default:
		r.rejectTenant(ev)
		return
	}

	r.metrics.IncReconcileEvent(resourceTenants, ev.Kind.String())
	r.metrics.SetConsumerCount(r.state.Consumers.Len())
	r.markSynced()
}

func (r *Reconciler) rejectTenant(ev controlplane.TenantEvent) {
	r.metrics.IncReconcileMalformed(resourceTenants)
	r.logger.Warn("skipping malformed tenant event",
		"kind", ev.Kind.String(),
		"consumer", ev.Tenant.String())
}

func (r *Reconciler) applyTier(ev controlplane.TierEvent) {
	tier := ev.Tier

	switch ev.Kind {
	case controlplane.Added, controlplane.Modified:
		if !validTier(tier) {
			r.rejectTier(ev)
			return
		}
		r.state.Tiers.Upsert(tier)
		if ev.Kind == controlplane.Added {
			r.logger.Info("tier added", "tier", tier.Name, "quotas", len(tier.Quotas))
		} else {
			r.logger.Debug("tier updated", "tier", tier.Name, "quotas", len(tier.Quotas))
		}

	case controlplane.Deleted:
		if tier.Name == "" {
			r.rejectTier(ev)
			return
		}
		// Consumers still naming this tier are denied from here on; an
		// undefined tier means mis-provisioning, not free traffic.
		r.state.Tiers.Remove(tier.Name)
		r.logger.Info("tier removed", "tier", tier.Name)

	default:
		r.rejectTier(ev)
		return
	}

	r.metrics.IncReconcileEvent(resourceTiers, ev.Kind.String())
	r.metrics.SetTierCount(r.state.Tiers.Len())
	r.markSynced()
}

func (r *Reconciler) rejectTier(ev controlplane.TierEvent) {
	r.metrics.IncReconcileMalformed(resourceTiers)
	r.logger.Warn("skipping malformed tier event",
		"kind", ev.Kind.String(),
		"tier", ev.Tier.Name)
}

func validTier(tier registry.Tier) bool {
	if tier.Name == "" || len(tier.Quotas) == 0 {
		return false
	}
	for _, q := range tier.Quotas {
		if q.Requests <= 0 || q.Interval <= 0 || q.Burst < 0 {
			return false
		}
	}
	return true
}
