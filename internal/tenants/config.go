// Package tenants reads per-tenant engine configuration. The engine never
// resolves tenancy itself; callers hand it a tenant id already vetted by
// the outer request layer.
package tenants

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// TaxConfig holds the tenant's tax knobs as configured in tenant_settings.
type TaxConfig struct {
	IVARate             float64
	RetentionIVAEnabled bool
	RetentionIVARate    float64
	RetentionISREnabled bool
	RetentionISRRate    float64
	// RetentionPersonaMoral extends the enabled withholdings to sales
	// documents when the client is a persona moral.
	RetentionPersonaMoral bool
}

// DefaultTaxConfig is applied for tenants without an explicit row.
func DefaultTaxConfig() TaxConfig {
	return TaxConfig{IVARate: 16}
}

// ConfigReader exposes tenant configuration to services.
type ConfigReader interface {
	TaxConfig(ctx context.Context, tenantID int64) (TaxConfig, error)
}

// Repository provides PostgreSQL backed configuration reads.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs a repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// TaxConfig loads the tenant's tax configuration, falling back to defaults.
func (r *Repository) TaxConfig(ctx context.Context, tenantID int64) (TaxConfig, error) {
	cfg := DefaultTaxConfig()
	err := r.pool.QueryRow(ctx,
		`SELECT iva_rate, retencion_iva_enabled, retencion_iva_rate, retencion_isr_enabled, retencion_isr_rate, retencion_persona_moral
		 FROM tenant_settings WHERE tenant_id = $1`,
		tenantID).Scan(&cfg.IVARate, &cfg.RetentionIVAEnabled, &cfg.RetentionIVARate,
		&cfg.RetentionISREnabled, &cfg.RetentionISRRate, &cfg.RetentionPersonaMoral)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return DefaultTaxConfig(), nil
		}
		return TaxConfig{}, err
	}
	return cfg, nil
}
