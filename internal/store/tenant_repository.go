package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"

	"github.com/yourorg/memberstore/internal/domain"
)

// PostgresTenantRepository implements domain.TenantRepository using PostgreSQL
type PostgresTenantRepository struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewPostgresTenantRepository creates a new tenant repository
func NewPostgresTenantRepository(db *sql.DB, logger *slog.Logger) *PostgresTenantRepository {
	if logger == nil {
		logger = slog.Default()
	}
	return &PostgresTenantRepository{db: db, logger: logger}
}

// GetByNormalizedName retrieves a tenant by its case-folded name. A missing
// tenant is nil, nil rather than an error: absence is an expected state on
// the create-or-fetch path.
func (r *PostgresTenantRepository) GetByNormalizedName(ctx context.Context, normalizedName string) (*domain.Tenant, error) {
	t := &domain.Tenant{}
	query := `
		SELECT id, name, normalized_name, created_at
		FROM tenants
		WHERE normalized_name = $1
	`
	err := r.db.QueryRowContext(ctx, query, normalizedName).Scan(
		&t.ID, &t.Name, &t.NormalizedName, &t.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, classify(fmt.Errorf("failed to get tenant by name: %w", err))
	}
	return t, nil
}

// Create inserts a tenant row. Existence is re-checked immediately before
// the insert inside one transaction, and a uniqueness violation on the
// insert itself surfaces as ErrAlreadyExists so the caller can re-read the
// concurrent winner.
func (r *PostgresTenantRepository) Create(ctx context.Context, tenant *domain.Tenant) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return classify(fmt.Errorf("begin transaction: %w", err))
	}
	defer func() {
		if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
			r.logger.Error("tenant create rollback failed", slog.String("error", rbErr.Error()))
		}
	}()

	var exists bool
	err = tx.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM tenants WHERE normalized_name = $1)`,
		tenant.NormalizedName,
	).Scan(&exists)
	if err != nil {
		return classify(fmt.Errorf("failed to check tenant existence: %w", err))
	}
	if exists {
		return fmt.Errorf("%w: tenant %q", domain.ErrAlreadyExists, tenant.NormalizedName)
	}

	err = tx.QueryRowContext(ctx, `
		INSERT INTO tenants (id, name, normalized_name)
		VALUES ($1, $2, $3)
		RETURNING created_at
	`, tenant.ID, tenant.Name, tenant.NormalizedName).Scan(&tenant.CreatedAt)
	if err != nil {
		return classify(fmt.Errorf("failed to create tenant: %w", err))
	}

	if err := tx.Commit(); err != nil {
		return classify(fmt.Errorf("commit transaction: %w", err))
	}
	return nil
}
