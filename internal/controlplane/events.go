// Package controlplane turns the cluster's tenant and tier resources
// into the typed event streams the reconcile loops consume.
package controlplane

import (
	"context"

	"github.com/gatehouse/gatehouse/internal/registry"
)

// EventKind classifies one control-plane change.
type EventKind uint8

const (
	Added EventKind = iota
	Modified
	Deleted
)

func (k EventKind) String() string {
	switch k {
	case Added:
		return "added"
	case Modified:
		return "modified"
	case Deleted:
		return "deleted"
	default:
		return "unknown"
	}
}

// TenantEvent is one change to a tenant binding. A Deleted event carries
// the last observed object state, so the auth token is still present for
// registry removal.
type TenantEvent struct {
	Kind   EventKind
	Tenant registry.Consumer
}

// TierEvent is one change to a tier definition.
type TierEvent struct {
	Kind EventKind
	Tier registry.Tier
}

// Source streams control-plane changes. Each channel closes only when
// ctx ends; a dropped watch is re-established internally.
type Source interface {
	TenantEvents(ctx context.Context) <-chan TenantEvent
	TierEvents(ctx context.Context) <-chan TierEvent
}
