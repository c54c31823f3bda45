// Package scope resolves tenant names to stable tenant identifiers. The
// mapping is read-mostly: it is cached per process and re-validated through a
// create-or-fetch path that respects the tenant uniqueness constraint, so a
// stale cache entry can never invent a second identifier for the same name.
package scope

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/yourorg/memberstore/internal/domain"
	"github.com/yourorg/memberstore/internal/observability/metrics"
	"github.com/yourorg/memberstore/pkg/cache"
)

const maxTenantNameLength = 256

// SharedVersion is an optional cross-process invalidation channel for the
// tenant cache. Peers drop their local entries when the version moves.
type SharedVersion interface {
	Current(ctx context.Context) (uint64, error)
	Bump(ctx context.Context) (uint64, error)
}

// Resolver maps tenant names to tenant identifiers, creating the tenant row
// on first use.
type Resolver struct {
	repo   domain.TenantRepository
	cache  *cache.Cache
	shared SharedVersion
	ttl    time.Duration
	logger *slog.Logger
}

// NewResolver creates a resolver. shared may be nil for single-process use.
func NewResolver(repo domain.TenantRepository, shared SharedVersion, ttl time.Duration, logger *slog.Logger) *Resolver {
	if logger == nil {
		logger = slog.Default()
	}
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &Resolver{
		repo:   repo,
		cache:  cache.New(),
		shared: shared,
		ttl:    ttl,
		logger: logger,
	}
}

// Normalize produces the case-folded lookup form of a tenant name.
func Normalize(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

// Resolve returns the tenant identifier for a tenant name, creating the
// tenant on first reference. Two racing resolutions converge on one row: the
// loser of the insert race re-reads the winner's identifier.
func (r *Resolver) Resolve(ctx context.Context, tenantName string) (string, error) {
	normalized := Normalize(tenantName)
	if normalized == "" {
		return "", fmt.Errorf("%w: tenant name is empty", domain.ErrInvalidArgument)
	}
	if strings.Contains(normalized, ",") {
		return "", fmt.Errorf("%w: tenant name must not contain commas", domain.ErrInvalidArgument)
	}
	if len(normalized) > maxTenantNameLength {
		return "", fmt.Errorf("%w: tenant name exceeds %d characters", domain.ErrInvalidArgument, maxTenantNameLength)
	}

	r.syncSharedVersion(ctx)

	key := "tenant:" + normalized
	if cached, ok := r.cache.Get(key); ok {
		metrics.ObserveScopeCache("hit")
		return cached.(string), nil
	}
	metrics.ObserveScopeCache("miss")

	tenant, err := r.repo.GetByNormalizedName(ctx, normalized)
	if err != nil {
		return "", err
	}
	if tenant == nil {
		tenant, err = r.create(ctx, tenantName, normalized)
		if err != nil {
			return "", err
		}
	}

	r.cache.Set(key, tenant.ID, r.ttl)
	return tenant.ID, nil
}

// Invalidate drops every cached mapping, locally and (when a shared version
// is configured) for all peers. Call it whenever tenant configuration
// changes.
func (r *Resolver) Invalidate(ctx context.Context) {
	r.cache.Bump()
	if r.shared == nil {
		return
	}
	if v, err := r.shared.Bump(ctx); err != nil {
		r.logger.Warn("failed to bump shared scope version", slog.String("error", err.Error()))
	} else {
		r.cache.SyncVersion(v)
	}
}

// create inserts a tenant row. The repository re-checks existence inside the
// insert transaction; losing a creation race surfaces as ErrAlreadyExists,
// which means "already created, re-read".
func (r *Resolver) create(ctx context.Context, name, normalized string) (*domain.Tenant, error) {
	tenant := &domain.Tenant{
		ID:             uuid.NewString(),
		Name:           strings.TrimSpace(name),
		NormalizedName: normalized,
	}
	err := r.repo.Create(ctx, tenant)
	if err == nil {
		r.logger.Info("tenant created",
			slog.String("tenant_id", tenant.ID),
			slog.String("tenant", tenant.Name),
		)
		return tenant, nil
	}
	if !errors.Is(err, domain.ErrAlreadyExists) {
		return nil, err
	}

	existing, err := r.repo.GetByNormalizedName(ctx, normalized)
	if err != nil {
		return nil, err
	}
	if existing == nil {
		return nil, fmt.Errorf("%w: tenant %q vanished after duplicate insert", domain.ErrConsistencyFault, normalized)
	}
	return existing, nil
}

// syncSharedVersion aligns the local cache with the shared version. A
// shared-store failure only means the cache may be stale, which is safe: the
// create-or-fetch path re-validates against the uniqueness constraint.
func (r *Resolver) syncSharedVersion(ctx context.Context) {
	if r.shared == nil {
		return
	}
	v, err := r.shared.Current(ctx)
	if err != nil {
		r.logger.Debug("shared scope version unavailable", slog.String("error", err.Error()))
		return
	}
	r.cache.SyncVersion(v)
}
