package domain

import (
	"context"
	"time"
)

// Tenant represents a named partition of the identity store. Every user and
// role row, and every uniqueness constraint, is scoped to one tenant.
type Tenant struct {
	ID             string // UUID, generated once on first reference
	Name           string
	NormalizedName string // case-folded lookup key
	CreatedAt      time.Time
}

// TenantRepository defines data access for tenants. Tenants are created
// lazily on first reference and never deleted by this core.
type TenantRepository interface {
	// GetByNormalizedName returns nil, nil when the tenant does not exist.
	GetByNormalizedName(ctx context.Context, normalizedName string) (*Tenant, error)
	Create(ctx context.Context, tenant *Tenant) error
}
