package catalog

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Reader is the read-only interface the engine consumes.
type Reader interface {
	GetItem(ctx context.Context, tenantID, id int64) (*Item, error)
	GetItems(ctx context.Context, tenantID int64, ids []int64) (map[int64]*Item, error)
}

// Repository provides PostgreSQL backed catalog reads.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs a repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

const itemColumns = `id, tenant_id, kind, sku, name, unit_cost, unit_price, tax_rate, requires_serial, is_kit, active`

func scanItem(row pgx.Row) (*Item, error) {
	var it Item
	err := row.Scan(&it.ID, &it.TenantID, &it.Kind, &it.SKU, &it.Name,
		&it.UnitCost, &it.UnitPrice, &it.TaxRate, &it.RequiresSerial, &it.IsKit, &it.Active)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &it, nil
}

// GetItem loads one item with its kit components.
func (r *Repository) GetItem(ctx context.Context, tenantID, id int64) (*Item, error) {
	it, err := scanItem(r.pool.QueryRow(ctx,
		`SELECT `+itemColumns+` FROM catalog_items WHERE tenant_id = $1 AND id = $2 AND deleted_at IS NULL`,
		tenantID, id))
	if err != nil {
		return nil, err
	}
	if it.IsKit {
		if err := r.loadComponents(ctx, tenantID, map[int64]*Item{it.ID: it}); err != nil {
			return nil, err
		}
	}
	return it, nil
}

// GetItems loads a batch of items keyed by id, kit components included.
func (r *Repository) GetItems(ctx context.Context, tenantID int64, ids []int64) (map[int64]*Item, error) {
	if len(ids) == 0 {
		return map[int64]*Item{}, nil
	}
	rows, err := r.pool.Query(ctx,
		`SELECT `+itemColumns+` FROM catalog_items WHERE tenant_id = $1 AND id = ANY($2) AND deleted_at IS NULL`,
		tenantID, ids)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	items := make(map[int64]*Item, len(ids))
	hasKits := false
	for rows.Next() {
		var it Item
		if err := rows.Scan(&it.ID, &it.TenantID, &it.Kind, &it.SKU, &it.Name,
			&it.UnitCost, &it.UnitPrice, &it.TaxRate, &it.RequiresSerial, &it.IsKit, &it.Active); err != nil {
			return nil, err
		}
		if it.IsKit {
			hasKits = true
		}
		items[it.ID] = &it
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if hasKits {
		if err := r.loadComponents(ctx, tenantID, items); err != nil {
			return nil, err
		}
	}
	return items, nil
}

func (r *Repository) loadComponents(ctx context.Context, tenantID int64, items map[int64]*Item) error {
	kitIDs := make([]int64, 0, len(items))
	for id, it := range items {
		if it.IsKit {
			kitIDs = append(kitIDs, id)
		}
	}
	if len(kitIDs) == 0 {
		return nil
	}
	rows, err := r.pool.Query(ctx,
		`SELECT kc.kit_item_id, kc.component_item_id, kc.quantity
		 FROM kit_components kc
		 JOIN catalog_items ci ON ci.id = kc.kit_item_id
		 WHERE ci.tenant_id = $1 AND kc.kit_item_id = ANY($2)
		 ORDER BY kc.component_item_id`,
		tenantID, kitIDs)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		var kitID int64
		var comp Component
		if err := rows.Scan(&kitID, &comp.ItemID, &comp.Quantity); err != nil {
			return err
		}
		if it, ok := items[kitID]; ok {
			it.Components = append(it.Components, comp)
		}
	}
	return rows.Err()
}
