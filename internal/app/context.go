package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"taskline/internal/config"
	"taskline/internal/domain"
	"taskline/internal/repo"
)

// ResolveTenantAndConfig picks the active tenant and ensures it exists in the
// database, seeding it if missing. It prefers the explicit override, then the
// workspace config, then a single-tenant database.
func ResolveTenantAndConfig(ctx context.Context, workspace, tenantOverride, actorID string, r repo.Repo) (string, *config.Config, error) {
	cfg, err := config.LoadOptional(workspace)
	if err != nil {
		return "", nil, err
	}
	if cfg == nil {
		cfg = config.Default(tenantOverride)
	}
	tenantID := tenantOverride
	if tenantID == "" {
		tenantID = cfg.Tenant.ID
	}
	if tenantID == "" {
		tenants, err := r.ListTenants(ctx)
		if err != nil {
			return "", nil, err
		}
		if len(tenants) == 1 {
			tenantID = tenants[0].ID
		} else {
			return "", nil, fmt.Errorf("tenant not specified; use --tenant or set tenant.id in %s", config.Path(workspace))
		}
	}
	if _, err := r.GetTenant(ctx, tenantID); err != nil {
		if !errors.Is(err, repo.ErrNotFound) {
			return "", nil, err
		}
		if err := seedTenant(ctx, r, tenantID, actorID); err != nil {
			return "", nil, err
		}
	}
	cfg.Tenant.ID = tenantID
	return tenantID, cfg, nil
}

// seedTenant inserts a minimal tenant footprint: the tenant row, the local
// actor as a worker and its membership.
func seedTenant(ctx context.Context, r repo.Repo, tenantID, actorID string) error {
	now := time.Now().UTC().Format(time.RFC3339)
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	t := domain.Tenant{
		ID:        tenantID,
		Name:      tenantID,
		Status:    "active",
		CreatedAt: now,
	}
	if err := r.InsertTenant(ctx, tx, t); err != nil {
		return fmt.Errorf("insert tenant: %w", err)
	}
	if actorID == "" {
		actorID = "local-user"
	}
	if err := r.EnsureWorker(ctx, tx, actorID, now); err != nil {
		return fmt.Errorf("ensure worker: %w", err)
	}
	if err := r.AddTenantMember(ctx, tx, tenantID, actorID); err != nil {
		return fmt.Errorf("add tenant member: %w", err)
	}
	return tx.Commit()
}
